package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Assemble a verified batch into the filing cabinet",
	RunE:  runExport,
}

var exportBatchID int64

func init() {
	exportCmd.Flags().Int64Var(&exportBatchID, "batch", 0, "batch id to export")
	_ = exportCmd.MarkFlagRequired("batch")
}

func runExport(_ *cobra.Command, _ []string) error {
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

	res, err := a.exp.ExportBatch(ctx, exportBatchID)
	if err != nil {
		return err
	}

	if globalFlags.JSON {
		emitNDJSON("export", exportReport(res))
	} else if !globalFlags.Quiet {
		renderExport(os.Stdout, newStyles(os.Stdout, false), res)
	}
	if len(res.Failed) > 0 {
		return fmt.Errorf("%d documents failed to export", len(res.Failed))
	}
	return nil
}
