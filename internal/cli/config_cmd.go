package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/paperfold/paperfold/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as TOML",
	RunE:  runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a commented paperfold.toml with defaults",
	RunE:  runConfigInit,
}

var configInitForce bool

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing config file")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
}

func runConfigShow(_ *cobra.Command, _ []string) error {
	opts := config.Options{
		ConfigPath:     globalFlags.ConfigPath,
		NonInteractive: globalFlags.NonInteractive,
		Overrides:      cliOverrides(nil),
	}
	cfg, loadErr := config.Load(opts)
	if loadErr != nil {
		// Show the raw values anyway so a broken file can be inspected.
		opts.SkipValidate = true
		broken, err := config.Load(opts)
		if err != nil {
			exitWith(ExitConfigInvalid, "ERROR: "+err.Error())
		}
		cfg = broken
		s := newStyles(os.Stderr, globalFlags.JSON)
		fmt.Fprintf(os.Stderr, "%s %v\n", s.warnPrefix(), loadErr)
	}

	text, err := config.Snapshot(cfg)
	if err != nil {
		return err
	}
	fmt.Print(text)
	return nil
}

func runConfigInit(_ *cobra.Command, _ []string) error {
	path := globalFlags.ConfigPath
	if path == "" {
		path = config.DefaultConfigFile
	}

	if _, err := os.Stat(path); err == nil && !configInitForce {
		if globalFlags.NonInteractive || !IsTTY() {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if !confirm(path + " already exists. Overwrite? [y/N] ") {
			return nil
		}
	}

	if err := os.WriteFile(path, []byte(config.DefaultTOML), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Println("Wrote", path)
	return nil
}
