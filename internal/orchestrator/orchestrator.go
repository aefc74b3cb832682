// Package orchestrator drives smart processing: intake artifacts are
// analyzed, routed to a single-document or grouped batch, and pushed through
// the OCR and classification pipeline by a shared worker pool. Progress is
// published as an event stream addressed by a short-lived run token;
// cancelling the token stops the run at the next suspension point while
// keeping everything already committed.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/paperfold/paperfold/internal/config"
	"github.com/paperfold/paperfold/internal/intake"
	"github.com/paperfold/paperfold/internal/model"
	"github.com/paperfold/paperfold/internal/pipeline"
	"github.com/paperfold/paperfold/internal/protocol"
)

// artifactJob is one unit of worker input: a single artifact bound to its
// run, its pipeline job and the channel its result goes back on.
type artifactJob struct {
	ctx     context.Context
	run     *run
	name    string
	job     pipeline.Job
	results chan<- artifactResult
}

type artifactResult struct {
	name   string
	result pipeline.Result
	err    error
}

// Orchestrator owns the worker pool and the token registry. One value serves
// the whole process; construct with New, call Start before submitting runs
// and Close on shutdown.
type Orchestrator struct {
	cfg     config.Config
	store   model.Store
	det     *intake.Detector
	pipe    *pipeline.Pipeline
	log     *zap.Logger
	workers int

	tokens *registry
	jobs   chan artifactJob

	stateMu  sync.Mutex
	running  bool
	baseCtx  context.Context
	cancel   context.CancelFunc
	workerWg sync.WaitGroup
	runWg    sync.WaitGroup
}

func New(cfg config.Config, st model.Store, det *intake.Detector, pipe *pipeline.Pipeline, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	workers := cfg.WorkerCount
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 64
	}
	ttl := time.Duration(cfg.TokenTTLSecs) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Orchestrator{
		cfg:     cfg,
		store:   st,
		det:     det,
		pipe:    pipe,
		log:     log.Named("orchestrator"),
		workers: workers,
		tokens:  newRegistry(ttl),
		jobs:    make(chan artifactJob, depth),
	}
}

// Start launches the worker pool. Calling Start on a running orchestrator is
// a no-op.
func (o *Orchestrator) Start(ctx context.Context) {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	if o.running {
		return
	}

	baseCtx, cancel := context.WithCancel(ctx)
	o.baseCtx = baseCtx
	o.cancel = cancel
	o.running = true

	for i := 0; i < o.workers; i++ {
		o.workerWg.Add(1)
		go o.worker(baseCtx)
	}
	o.log.Info("worker pool started", zap.Int("workers", o.workers), zap.Int("queue_depth", cap(o.jobs)))
}

// Close cancels every active run, stops the workers and waits for them to
// exit. The context bounds the wait.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.stateMu.Lock()
	cancel := o.cancel
	o.cancel = nil
	o.running = false
	o.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		o.runWg.Wait()
		o.workerWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartRun issues a token and begins processing the intake directory in the
// background. force drops cached analyses first. Returns model.ErrBusy while
// the job queue is saturated; callers should retry later.
func (o *Orchestrator) StartRun(force bool) (string, error) {
	o.stateMu.Lock()
	running := o.running
	baseCtx := o.baseCtx
	o.stateMu.Unlock()
	if !running {
		return "", errors.New("orchestrator is not started")
	}

	if len(o.jobs) >= cap(o.jobs) {
		return "", model.ErrBusy
	}

	if force {
		o.det.InvalidateAnalyses()
	}

	runCtx, cancel := context.WithCancel(baseCtx)
	r := newRun(cancel)
	o.tokens.add(r)

	o.runWg.Add(1)
	go func() {
		defer o.runWg.Done()
		o.executeRun(runCtx, r)
	}()

	o.log.Info("smart processing started", zap.String("token", r.token), zap.Bool("force", force))
	return r.token, nil
}

// Cancel flips the cancelled flag for the run behind token. Idempotent;
// cancelling a finished run changes nothing. Unknown or swept tokens report
// model.ErrUnknownToken.
func (o *Orchestrator) Cancel(token string) error {
	r, ok := o.tokens.lookup(token)
	if !ok {
		return model.ErrUnknownToken
	}
	r.markCancelled()
	o.log.Info("run cancelled", zap.String("token", token))
	return nil
}

// Events returns the run's progress stream. The channel is never closed;
// consumers stop at the event with Terminal set.
func (o *Orchestrator) Events(token string) (<-chan model.Event, error) {
	r, ok := o.tokens.lookup(token)
	if !ok {
		return nil, model.ErrUnknownToken
	}
	return r.events, nil
}

// Done reports run completion for callers that do not consume events.
func (o *Orchestrator) Done(token string) (<-chan struct{}, error) {
	r, ok := o.tokens.lookup(token)
	if !ok {
		return nil, model.ErrUnknownToken
	}
	return r.done, nil
}

// Summary returns the terminal summary and whether the run has finished.
func (o *Orchestrator) Summary(token string) (model.RunSummary, bool, error) {
	r, ok := o.tokens.lookup(token)
	if !ok {
		return model.RunSummary{}, false, model.ErrUnknownToken
	}
	summary, finished := r.result()
	return summary, finished, nil
}

// SweepExpiredTokens drops finished runs past their TTL. The maintenance
// scheduler calls this periodically.
func (o *Orchestrator) SweepExpiredTokens() int {
	return o.tokens.sweep(time.Now())
}

func (o *Orchestrator) worker(ctx context.Context) {
	defer o.workerWg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-o.jobs:
			o.process(j)
		}
	}
}

func (o *Orchestrator) process(j artifactJob) {
	if j.run.Cancelled() || j.ctx.Err() != nil {
		j.results <- artifactResult{name: j.name, err: model.ErrCancelled}
		return
	}
	res, err := o.pipe.Process(j.ctx, j.job)
	j.results <- artifactResult{name: j.name, result: res, err: err}
}

// executeRun is the per-run loop: analyze everything, attach batches through
// the guard, register documents, fan jobs out to the pool and collect. It is
// the only goroutine mutating the summary, so no locking is needed there.
func (o *Orchestrator) executeRun(ctx context.Context, r *run) {
	summary := model.RunSummary{Errors: make(map[string]string)}
	o.audit(ctx, "smart_run_started", map[string]any{"token": r.token})

	defer func() {
		phase := protocol.PhaseFinalize
		if ctx.Err() != nil || r.Cancelled() {
			summary.Cancelled = true
			phase = protocol.PhaseCancelled
		}
		if len(summary.Errors) == 0 {
			summary.Errors = nil
		}
		r.finish(phase, summaryMessage(summary), summary)
		o.audit(context.Background(), "smart_run_finished", map[string]any{
			"token":     r.token,
			"processed": summary.Processed,
			"failed":    summary.Failed,
			"cancelled": summary.Cancelled,
		})
		o.log.Info("smart processing finished",
			zap.String("token", r.token),
			zap.Int("analyzed", summary.Analyzed),
			zap.Int("processed", summary.Processed),
			zap.Int("failed", summary.Failed),
			zap.Bool("cancelled", summary.Cancelled))
	}()

	files, err := o.listIntake()
	if err != nil {
		summary.Errors["intake"] = err.Error()
		r.emit(protocol.PhaseAnalyze, model.Event{Error: err.Error()})
		return
	}
	r.setTotal(protocol.PhaseAnalyze, len(files))

	analyses := make([]model.Analysis, 0, len(files))
	for _, path := range files {
		if ctx.Err() != nil || r.Cancelled() {
			return
		}
		analysis, err := o.det.Analyze(ctx, path)
		if err != nil {
			return
		}
		analyses = append(analyses, analysis)
		summary.Analyzed++

		name := filepath.Base(path)
		ev := model.Event{Artifact: name}
		switch {
		case analysis.Skipped:
			summary.Skipped++
			ev.Message = analysis.Error
		case analysis.Failed:
			summary.Failed++
			summary.Errors[name] = analysis.Error
			ev.Error = analysis.Error
		default:
			ev.Message = fmt.Sprintf("%s, %d pages", analysis.Strategy, analysis.PageCount)
		}
		r.emit(protocol.PhaseAnalyze, ev)
	}

	work := make([]model.Analysis, 0, len(analyses))
	singles, grouped := 0, 0
	for _, a := range analyses {
		if a.Skipped || a.Failed {
			continue
		}
		if a.Strategy == protocol.StrategyBatchScan {
			grouped++
		} else {
			singles++
		}
		work = append(work, a)
	}
	if len(work) == 0 {
		return
	}

	var singleBatch, groupedBatch model.Batch
	if singles > 0 {
		singleBatch, err = o.store.GetOrCreateProcessingBatch(ctx, protocol.BatchKindSingle)
		if err != nil {
			summary.Errors["store"] = err.Error()
			return
		}
		summary.SingleBatchID = singleBatch.ID
	}
	if grouped > 0 {
		groupedBatch, err = o.store.GetOrCreateProcessingBatch(ctx, protocol.BatchKindGrouped)
		if err != nil {
			summary.Errors["store"] = err.Error()
			return
		}
		summary.GroupedBatchID = groupedBatch.ID
	}

	r.setTotal(protocol.PhaseNormalize, len(work))
	jobs := make([]artifactJob, 0, len(work))
	results := make(chan artifactResult, len(work))
	aiCount := 0
	for _, a := range work {
		if ctx.Err() != nil || r.Cancelled() {
			return
		}

		name := filepath.Base(a.Artifact.Path)
		msg := "normalized"
		if a.Reused {
			msg = "normalized copy reused"
		}
		r.emit(protocol.PhaseNormalize, model.Event{Artifact: name, Message: msg})

		// Batch-scan artifacts stop after OCR: their pages get carved into
		// grouped documents by the user, and classification happens per
		// carved document, not per stack.
		skipAI := a.Strategy == protocol.StrategyBatchScan
		batchID := singleBatch.ID
		if skipAI {
			batchID = groupedBatch.ID
		}

		docID, err := o.store.InsertSingleDocument(ctx, model.SingleDocument{
			BatchID:    batchID,
			SourceHash: a.Artifact.Hash,
			SourcePath: a.Artifact.Path,
		})
		if err != nil {
			summary.Failed++
			summary.Errors[name] = fmt.Sprintf("register document: %v", err)
			continue
		}
		if !skipAI {
			aiCount++
		}

		jobs = append(jobs, artifactJob{
			ctx:     ctx,
			run:     r,
			name:    name,
			results: results,
			job: pipeline.Job{
				DocumentID:     docID,
				NormalizedPath: a.NormalizedPath,
				SkipAI:         skipAI,
				Progress: func(phase string) {
					r.emit(phase, model.Event{Artifact: name, DocumentID: docID})
				},
			},
		})
	}

	r.setTotal(protocol.PhaseOCR, len(jobs))
	r.setTotal(protocol.PhaseAIClassify, aiCount)
	r.setTotal(protocol.PhasePersist, aiCount)

	enqueued := 0
dispatch:
	for _, j := range jobs {
		select {
		case o.jobs <- j:
			enqueued++
		case <-ctx.Done():
			break dispatch
		}
	}

	tally := func(res artifactResult) {
		switch {
		case res.err == nil:
			summary.Processed++
			if res.result.AIWarning != "" {
				summary.Errors[res.name] = "classification: " + res.result.AIWarning
			}
		case errors.Is(res.err, model.ErrCancelled), errors.Is(res.err, context.Canceled), ctx.Err() != nil:
			// committed outputs stay; the next run resumes from here
		default:
			summary.Failed++
			summary.Errors[res.name] = res.err.Error()
		}
	}

	for received := 0; received < enqueued; received++ {
		select {
		case res := <-results:
			tally(res)
		case <-ctx.Done():
			// Count everything that finished before the cancellation; results
			// still in flight stay buffered and are dropped with the run.
			for {
				select {
				case res := <-results:
					tally(res)
				default:
					return
				}
			}
		}
	}

	if ctx.Err() != nil || r.Cancelled() {
		return
	}

	batches := make([]model.Batch, 0, 2)
	if singles > 0 {
		batches = append(batches, singleBatch)
	}
	if grouped > 0 {
		batches = append(batches, groupedBatch)
	}
	r.setTotal(protocol.PhaseFinalize, len(batches))
	for _, b := range batches {
		o.finalizeBatch(ctx, r, b)
	}
}

// finalizeBatch advances a batch to verification once no document is left in
// the new state. Failed documents do not hold the batch back; they stay
// rescannable from the verification surface.
func (o *Orchestrator) finalizeBatch(ctx context.Context, r *run, batch model.Batch) {
	docs, err := o.store.ListSingleDocuments(ctx, batch.ID)
	if err != nil {
		o.log.Warn("list batch documents", zap.Int64("batch", batch.ID), zap.Error(err))
		r.emit(protocol.PhaseFinalize, model.Event{Message: fmt.Sprintf("batch %d", batch.ID), Error: err.Error()})
		return
	}

	ready := len(docs) > 0
	for _, d := range docs {
		if d.State == protocol.DocStateNew {
			ready = false
			break
		}
	}

	msg := fmt.Sprintf("batch %d still processing", batch.ID)
	if ready {
		err := o.store.TransitionBatch(ctx, batch.ID,
			protocol.BatchStatusPendingProcessing, protocol.BatchStatusPendingVerification)
		switch {
		case err == nil:
			msg = fmt.Sprintf("batch %d ready for verification", batch.ID)
			o.audit(ctx, "batch_status_changed", map[string]any{
				"batch_id": batch.ID,
				"from":     protocol.BatchStatusPendingProcessing,
				"to":       protocol.BatchStatusPendingVerification,
			})
		case errors.Is(err, model.ErrNotFound):
			// a concurrent run moved it first
			msg = fmt.Sprintf("batch %d already past processing", batch.ID)
		default:
			o.log.Warn("transition batch", zap.Int64("batch", batch.ID), zap.Error(err))
			r.emit(protocol.PhaseFinalize, model.Event{Message: fmt.Sprintf("batch %d", batch.ID), Error: err.Error()})
			return
		}
	}
	r.emit(protocol.PhaseFinalize, model.Event{Message: msg})
}

// listIntake returns the analyzable files of the intake directory, sorted by
// name. Subdirectories and dot-files are ignored, matching the detector's
// scan rules.
func (o *Orchestrator) listIntake() ([]string, error) {
	entries, err := os.ReadDir(o.cfg.IntakeDir)
	if err != nil {
		return nil, fmt.Errorf("read intake dir %s: %w", o.cfg.IntakeDir, err)
	}
	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		files = append(files, filepath.Join(o.cfg.IntakeDir, entry.Name()))
	}
	return files, nil
}

func (o *Orchestrator) audit(ctx context.Context, event string, payload any) {
	if err := o.store.AppendInteraction(ctx, event, payload); err != nil {
		o.log.Debug("interaction log write failed", zap.String("event", event), zap.Error(err))
	}
}

func summaryMessage(s model.RunSummary) string {
	if s.Cancelled {
		return fmt.Sprintf("cancelled after %d of %d artifacts", s.Processed, s.Analyzed)
	}
	return fmt.Sprintf("processed %d of %d artifacts", s.Processed, s.Analyzed)
}
