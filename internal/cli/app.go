package cli

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/paperfold/paperfold/internal/config"
	"github.com/paperfold/paperfold/internal/export"
	"github.com/paperfold/paperfold/internal/intake"
	"github.com/paperfold/paperfold/internal/llm"
	"github.com/paperfold/paperfold/internal/logging"
	"github.com/paperfold/paperfold/internal/ocr"
	"github.com/paperfold/paperfold/internal/pipeline"
	"github.com/paperfold/paperfold/internal/store"
)

// app bundles the long-lived components a command wires together. Commands
// build it once config and logging are up, then Close it on the way out.
type app struct {
	cfg  config.Config
	log  *zap.Logger
	st   *store.SQLiteStore
	norm *intake.Normalizer
	det  *intake.Detector
	pipe *pipeline.Pipeline
	exp  *export.Assembler
}

// buildApp creates the working directories, opens the store and wires the
// processing components. The orchestrator is not part of the bundle; only
// up and process pay for its worker pool.
func buildApp(ctx context.Context, cfg config.Config, log *zap.Logger) (*app, error) {
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	st := store.NewSQLiteStore(cfg.DBPath())
	if err := st.Init(ctx); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	engine := ocr.New(cfg)
	brain := llm.New(cfg, log)
	norm := intake.NewNormalizer(cfg, log)
	det := intake.NewDetector(cfg, norm, engine, brain, log)
	pipe := pipeline.New(cfg, st, engine, brain, norm, log)
	exp := export.New(cfg, st, brain, norm, log)
	return &app{cfg: cfg, log: log, st: st, norm: norm, det: det, pipe: pipe, exp: exp}, nil
}

func (a *app) Close() {
	if err := a.st.Close(); err != nil {
		a.log.Warn("store close", zap.Error(err))
	}
}

// cliOverrides converts the persistent flags into config overrides; extra
// lets a command stack its own flags on top.
func cliOverrides(extra func(*config.Overrides)) *config.Overrides {
	o := &config.Overrides{}
	if globalFlags.IntakeDir != "" {
		o.IntakeDir = &globalFlags.IntakeDir
	}
	if globalFlags.StateDir != "" {
		o.StateDir = &globalFlags.StateDir
	}
	if globalFlags.LogLevel != "" {
		o.LogLevel = &globalFlags.LogLevel
	}
	if extra != nil {
		extra(o)
	}
	return o
}

// mustLoadConfig loads and validates configuration or exits with code 2.
func mustLoadConfig(extra func(*config.Overrides)) config.Config {
	cfg, err := config.Load(config.Options{
		ConfigPath:     globalFlags.ConfigPath,
		NonInteractive: globalFlags.NonInteractive,
		Overrides:      cliOverrides(extra),
	})
	if err != nil {
		exitWith(ExitConfigInvalid, "ERROR: "+err.Error())
	}
	return cfg
}

// mustOpenLogger builds the process logger from config or exits with code 2.
func mustOpenLogger(cfg config.Config) *zap.Logger {
	log, err := logging.New(logging.Options{
		Path:       cfg.LogPath,
		Level:      cfg.LogLevel,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
		Console:    cfg.LogConsole,
	})
	if err != nil {
		exitWith(ExitConfigInvalid, "ERROR: "+err.Error())
	}
	return log
}
