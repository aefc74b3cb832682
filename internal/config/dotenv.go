package config

import (
	"errors"
	"os"

	"github.com/joho/godotenv"
)

// loadDotEnvFiles loads each existing dotenv file without overriding
// variables already present in the environment.
func loadDotEnvFiles(paths ...string) error {
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		if err := godotenv.Load(path); err != nil {
			return err
		}
	}
	return nil
}
