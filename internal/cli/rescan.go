package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/paperfold/paperfold/internal/protocol"
)

var rescanCmd = &cobra.Command{
	Use:   "rescan",
	Short: "Re-run OCR or classification for one document",
	RunE:  runRescan,
}

var (
	rescanDocumentID int64
	rescanMode       string
)

func init() {
	rescanCmd.Flags().Int64Var(&rescanDocumentID, "document", 0, "document id to rescan")
	rescanCmd.Flags().StringVar(&rescanMode, "mode", protocol.RescanModeOCRAndLLM, "ocr, llm_only or ocr_and_llm")
	_ = rescanCmd.MarkFlagRequired("document")
}

func runRescan(_ *cobra.Command, _ []string) error {
	cfg := mustLoadConfig(nil)
	log := mustOpenLogger(cfg)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, log)
	if err != nil {
		exitWith(ExitStoreFailure, "ERROR: "+err.Error())
	}
	defer a.Close()

	res, err := a.pipe.Rescan(ctx, rescanDocumentID, rescanMode)
	if err != nil {
		return err
	}

	if globalFlags.JSON {
		emitNDJSON("rescan", rescanReport(res))
	} else if !globalFlags.Quiet {
		renderRescan(os.Stdout, newStyles(os.Stdout, false), res)
	}
	return nil
}
