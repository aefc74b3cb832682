package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/paperfold/paperfold/internal/intake"
	"github.com/paperfold/paperfold/internal/llm"
	"github.com/paperfold/paperfold/internal/ocr"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Analyze the intake directory without processing anything",
	RunE:  runScan,
}

func runScan(_ *cobra.Command, _ []string) error {
	cfg := mustLoadConfig(nil)
	log := mustOpenLogger(cfg)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if info, err := os.Stat(cfg.IntakeDir); err != nil || !info.IsDir() {
		exitWith(ExitIntakeInaccessible, "ERROR: intake directory not found: "+cfg.IntakeDir)
	}
	if err := cfg.EnsureDirs(); err != nil {
		exitWith(ExitGenericError, "ERROR: "+err.Error())
	}

	engine := ocr.New(cfg)
	brain := llm.New(cfg, log)
	norm := intake.NewNormalizer(cfg, log)
	det := intake.NewDetector(cfg, norm, engine, brain, log)

	analyses, err := det.ScanDir(ctx)
	if err != nil {
		return fmt.Errorf("scan intake: %w", err)
	}

	if globalFlags.JSON {
		emitNDJSON("intake_scan", scanReport(cfg.IntakeDir, analyses))
		return nil
	}
	renderScan(os.Stdout, newStyles(os.Stdout, false), cfg.IntakeDir, analyses)
	return nil
}
