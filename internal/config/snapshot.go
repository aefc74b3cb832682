package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Snapshot renders the effective config as TOML for config show and for the
// startup snapshot written under the state dir. The output round-trips
// through Load.
func Snapshot(cfg Config) (string, error) {
	var sb strings.Builder
	enc := toml.NewEncoder(&sb)
	if err := enc.Encode(persistedForm(cfg)); err != nil {
		return "", fmt.Errorf("encode config snapshot: %w", err)
	}
	return sb.String(), nil
}

// WriteSnapshot persists the effective config to stateDir/config.snapshot.toml
// so operators can see exactly what a running daemon loaded.
func WriteSnapshot(stateDir string, cfg Config) error {
	snap, err := Snapshot(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	p := filepath.Join(stateDir, "config.snapshot.toml")
	return os.WriteFile(p, []byte(snap), 0o600)
}
