package cli

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/paperfold/paperfold/internal/config"
	"github.com/paperfold/paperfold/internal/httpapi"
	"github.com/paperfold/paperfold/internal/maintenance"
	"github.com/paperfold/paperfold/internal/orchestrator"
	"github.com/paperfold/paperfold/internal/protocol"
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Start the HTTP API and background maintenance",
	RunE:  runUp,
}

var (
	upListen   string
	upFastTest bool
)

func init() {
	upCmd.Flags().StringVar(&upListen, "listen", "", "host:port for the HTTP API (default "+protocol.DefaultListenAddr+")")
	upCmd.Flags().BoolVar(&upFastTest, "fast-test", false, "deterministic stub engines, no external collaborators")
}

func runUp(_ *cobra.Command, _ []string) error {
	cfg := mustLoadConfig(func(o *config.Overrides) {
		if upListen != "" {
			o.ListenAddr = &upListen
		}
		if upFastTest {
			o.FastTestMode = &upFastTest
		}
	})
	log := mustOpenLogger(cfg)
	defer func() { _ = log.Sync() }()

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(runCtx, cfg, log)
	if err != nil {
		exitWith(ExitStoreFailure, "ERROR: "+err.Error())
	}
	defer a.Close()

	if err := config.WriteSnapshot(cfg.StateDir, cfg); err != nil {
		log.Warn("config snapshot not written", zap.Error(err))
	}

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		exitWith(ExitBindFailure, "ERROR: bind "+cfg.ListenAddr+": "+err.Error())
	}

	orch := orchestrator.New(cfg, a.st, a.det, a.pipe, log)
	orch.Start(runCtx)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := orch.Close(ctx); err != nil {
			log.Warn("orchestrator shutdown", zap.Error(err))
		}
	}()

	maint := maintenance.New(cfg, a.st, a.norm, orch, log)
	if err := maint.Start(runCtx); err != nil {
		return fmt.Errorf("start maintenance: %w", err)
	}
	defer maint.Stop()

	api := httpapi.New(cfg, a.st, orch, a.pipe, a.exp, a.norm, log)

	addr := listener.Addr().String()
	if globalFlags.JSON {
		emitNDJSON("api_listening", map[string]any{"addr": addr})
	} else if !globalFlags.Quiet {
		printUpBanner(os.Stdout, cfg, addr)
	}

	return api.Serve(runCtx, listener)
}

func printUpBanner(w io.Writer, cfg config.Config, addr string) {
	s := newStyles(w, false)
	fmt.Fprintf(w, "%s %s\n", s.banner(), version)
	fmt.Fprintln(w, s.kv("intake", cfg.IntakeDir))
	fmt.Fprintln(w, s.kv("cabinet", cfg.CabinetDir))
	fmt.Fprintln(w, s.kv("state", cfg.StateDir))
	engine := cfg.OCREngine
	if cfg.OCRLanguage != "" {
		engine += " (" + cfg.OCRLanguage + ")"
	}
	fmt.Fprintln(w, s.kv("ocr", engine))
	fmt.Fprintln(w, s.kv("llm", cfg.LLMHost+" ("+cfg.LLMModel+")"))
	fmt.Fprintln(w, s.kv("api", s.URL.Render("http://"+addr+protocol.APIBasePath)))
	if cfg.FastTestMode {
		fmt.Fprintln(w, s.dim("  fast-test mode: stub engines, deterministic output"))
	}
	fmt.Fprintln(w)
}
