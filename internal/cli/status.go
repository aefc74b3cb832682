package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/paperfold/paperfold/internal/protocol"
	"github.com/paperfold/paperfold/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show batches and document states",
	RunE:  runStatus,
}

func runStatus(_ *cobra.Command, _ []string) error {
	cfg := mustLoadConfig(nil)
	log := mustOpenLogger(cfg)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cfg.EnsureDirs(); err != nil {
		exitWith(ExitGenericError, "ERROR: "+err.Error())
	}
	st := store.NewSQLiteStore(cfg.DBPath())
	if err := st.Init(ctx); err != nil {
		exitWith(ExitStoreFailure, "ERROR: open store: "+err.Error())
	}
	defer st.Close()

	batches, err := st.ListBatches(ctx)
	if err != nil {
		return err
	}

	rows := make([]statusRow, 0, len(batches))
	for _, b := range batches {
		row := statusRow{Batch: b, States: map[string]int{}}
		if b.Kind == protocol.BatchKindGrouped {
			docs, err := st.ListGroupedDocuments(ctx, b.ID)
			if err != nil {
				return err
			}
			row.Total = len(docs)
		} else {
			docs, err := st.ListSingleDocuments(ctx, b.ID)
			if err != nil {
				return err
			}
			row.Total = len(docs)
			for _, d := range docs {
				row.States[d.State]++
			}
		}
		rows = append(rows, row)
	}

	if globalFlags.JSON {
		emitNDJSON("status", statusReport(rows))
		return nil
	}
	renderStatus(os.Stdout, newStyles(os.Stdout, false), rows)
	return nil
}
