// Package maintenance owns the recurring housekeeping around the processing
// core: evicting stale normalized-cache entries, dropping expired run tokens
// and clearing orphaned batches left behind by a crash. Everything runs on a
// background scheduler and never holds up request paths.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/paperfold/paperfold/internal/config"
	"github.com/paperfold/paperfold/internal/model"
)

// CacheSweeper evicts normalized-cache entries unused for longer than
// maxAge. Implemented by intake.Normalizer.
type CacheSweeper interface {
	Sweep(ctx context.Context, maxAge time.Duration) (int, error)
}

// TokenSweeper drops expired run tokens. Implemented by
// orchestrator.Orchestrator.
type TokenSweeper interface {
	SweepExpiredTokens() int
}

// Runner schedules the maintenance tasks. Construct with New, then Start
// once; Stop halts the scheduler and the running jobs' contexts.
type Runner struct {
	cfg    config.Config
	store  model.Store
	cache  CacheSweeper
	tokens TokenSweeper
	log    *zap.Logger

	sch    *gocron.Scheduler
	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg config.Config, st model.Store, cache CacheSweeper, tokens TokenSweeper, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	sch := gocron.NewScheduler(time.UTC)
	sch.TagsUnique()
	return &Runner{
		cfg:    cfg,
		store:  st,
		cache:  cache,
		tokens: tokens,
		log:    log.Named("maintenance"),
		sch:    sch,
	}
}

// Start performs the one-time orphan sweep and launches the periodic jobs.
// The context bounds the startup sweep; periodic jobs run until Stop.
func (r *Runner) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(context.Background())

	r.sweepOrphanBatches(ctx)

	interval := time.Duration(r.cfg.NormalizedCacheSweepMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}
	if _, err := r.sch.Every(interval).Tag("normalized-cache-gc").Do(r.sweepCache); err != nil {
		return fmt.Errorf("schedule cache gc: %w", err)
	}

	tokenInterval := time.Duration(r.cfg.TokenSweepSecs) * time.Second
	if tokenInterval <= 0 {
		tokenInterval = 30 * time.Second
	}
	if _, err := r.sch.Every(tokenInterval).Tag("token-sweep").Do(r.sweepTokens); err != nil {
		return fmt.Errorf("schedule token sweep: %w", err)
	}

	r.sch.StartAsync()
	r.log.Info("maintenance scheduler started",
		zap.Duration("cache_gc_every", interval),
		zap.Duration("token_sweep_every", tokenInterval))
	return nil
}

// Stop halts the scheduler and cancels any job still running.
func (r *Runner) Stop() {
	r.sch.Stop()
	if r.cancel != nil {
		r.cancel()
	}
}

// sweepOrphanBatches clears processing batches with zero documents. A crash
// between batch creation and the first document insert leaves such rows; new
// runs must not attach to a batch the user never saw. Failure here is logged,
// not fatal: the store stays usable and the next restart retries.
func (r *Runner) sweepOrphanBatches(ctx context.Context) {
	removed, err := r.store.SweepEmptyProcessingBatches(ctx)
	if err != nil {
		r.log.Warn("orphan batch sweep failed", zap.Error(err))
		return
	}
	if removed > 0 {
		r.log.Info("removed orphaned processing batches", zap.Int("count", removed))
	}
}

func (r *Runner) sweepCache() {
	maxAge := time.Duration(r.cfg.NormalizedCacheMaxAgeDays) * 24 * time.Hour
	if maxAge <= 0 {
		return
	}
	removed, err := r.cache.Sweep(r.ctx, maxAge)
	if err != nil {
		r.log.Warn("normalized cache sweep failed", zap.Error(err))
		return
	}
	if removed > 0 {
		r.log.Info("normalized cache swept", zap.Int("removed", removed))
	}
}

func (r *Runner) sweepTokens() {
	if removed := r.tokens.SweepExpiredTokens(); removed > 0 {
		r.log.Debug("expired run tokens dropped", zap.Int("count", removed))
	}
}
