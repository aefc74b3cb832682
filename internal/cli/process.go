package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/paperfold/paperfold/internal/orchestrator"
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Run smart processing over the intake directory",
	Long: "process analyzes every intake file, normalizes it, runs OCR and\n" +
		"classification, and records the results for verification. Ctrl-C\n" +
		"cancels the run; documents already committed stay committed.",
	RunE: runProcess,
}

var processForce bool

func init() {
	processCmd.Flags().BoolVar(&processForce, "force", false, "drop cached intake analyses and re-analyze")
}

func runProcess(_ *cobra.Command, _ []string) error {
	cfg := mustLoadConfig(nil)
	log := mustOpenLogger(cfg)
	defer func() { _ = log.Sync() }()

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(context.Background(), cfg, log)
	if err != nil {
		exitWith(ExitStoreFailure, "ERROR: "+err.Error())
	}
	defer a.Close()

	// The orchestrator runs on its own context; Ctrl-C cancels the run
	// token instead so the terminal summary still arrives.
	orch := orchestrator.New(cfg, a.st, a.det, a.pipe, log)
	orch.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := orch.Close(ctx); err != nil {
			log.Warn("orchestrator shutdown", zap.Error(err))
		}
	}()

	token, err := orch.StartRun(processForce)
	if err != nil {
		return err
	}
	events, err := orch.Events(token)
	if err != nil {
		return err
	}

	out := os.Stdout
	s := newStyles(out, globalFlags.JSON)
	if globalFlags.JSON {
		emitNDJSON("run_started", map[string]any{"token": token})
	} else if !globalFlags.Quiet {
		fmt.Fprintln(out, s.kv("run", token))
	}

	sig := sigCtx.Done()
	for {
		select {
		case ev := <-events:
			if globalFlags.JSON {
				emitNDJSON("progress", ev)
			} else if !globalFlags.Quiet {
				renderEvent(out, s, ev)
			}
			if !ev.Terminal {
				continue
			}
			if ev.Summary == nil {
				return nil
			}
			sum := *ev.Summary
			if !globalFlags.JSON && !globalFlags.Quiet {
				renderSummary(out, s, sum)
			}
			if sum.Failed > 0 && !sum.Cancelled {
				return fmt.Errorf("%d of %d documents failed", sum.Failed, sum.Analyzed)
			}
			return nil
		case <-sig:
			// First interrupt cancels the run; a second one kills the
			// process because stop() restores default signal handling.
			sig = nil
			stop()
			if err := orch.Cancel(token); err != nil {
				return err
			}
			if !globalFlags.JSON && !globalFlags.Quiet {
				fmt.Fprintln(out, s.Warning.Render("cancelling, waiting for in-flight documents"))
			}
		}
	}
}
