package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes. Scripts key off these, so they are stable.
const (
	ExitSuccess            = 0
	ExitGenericError       = 1
	ExitConfigInvalid      = 2
	ExitIntakeInaccessible = 3
	ExitBindFailure        = 4
	ExitStoreFailure       = 5
)

// GlobalFlags holds flags shared across all commands.
type GlobalFlags struct {
	ConfigPath     string
	IntakeDir      string
	StateDir       string
	LogLevel       string
	JSON           bool
	Quiet          bool
	NonInteractive bool
}

var globalFlags GlobalFlags

var rootCmd = &cobra.Command{
	Use:   "paperfold",
	Short: "Document intake, OCR and filing with human verification",
	Long: "paperfold watches an intake directory, turns scans and exports into\n" +
		"searchable PDFs, classifies them, and files verified documents into a\n" +
		"category cabinet.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalFlags.ConfigPath, "config", "", "config file path (default paperfold.toml in the working directory)")
	rootCmd.PersistentFlags().StringVar(&globalFlags.IntakeDir, "intake", "", "intake directory override")
	rootCmd.PersistentFlags().StringVar(&globalFlags.StateDir, "state-dir", "", "state directory override")
	rootCmd.PersistentFlags().StringVar(&globalFlags.LogLevel, "log-level", "", "log level: debug, info, warn or error")
	rootCmd.PersistentFlags().BoolVar(&globalFlags.JSON, "json", false, "emit NDJSON output for automation/logging")
	rootCmd.PersistentFlags().BoolVar(&globalFlags.Quiet, "quiet", false, "suppress progress output")
	rootCmd.PersistentFlags().BoolVar(&globalFlags.NonInteractive, "non-interactive", false, "never prompt")

	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(rescanCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command and returns an error; exit code is set by RunE.
func Execute() error {
	return rootCmd.Execute()
}

// exitWith prints message to stderr and exits with code.
func exitWith(code int, msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(code)
}
