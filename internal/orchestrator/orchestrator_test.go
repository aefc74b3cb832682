package orchestrator

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/paperfold/paperfold/internal/config"
	"github.com/paperfold/paperfold/internal/intake"
	"github.com/paperfold/paperfold/internal/model"
	"github.com/paperfold/paperfold/internal/pdfgen"
	"github.com/paperfold/paperfold/internal/pipeline"
	"github.com/paperfold/paperfold/internal/protocol"
	"github.com/paperfold/paperfold/internal/store"
)

// fakeEngine renders deterministic rasters and recognizes fixed text. A gate
// lets tests freeze recognition after a chosen call count, which holds a
// worker mid-document.
type fakeEngine struct {
	mu             sync.Mutex
	renderCalls    int
	recognizeCalls int
	gate           chan struct{}
	gateAfter      int
}

func (e *fakeEngine) RenderPage(ctx context.Context, pdfPath string, pageIndex int, scale float64) (image.Image, error) {
	e.mu.Lock()
	e.renderCalls++
	e.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return image.NewRGBA(image.Rect(0, 0, 100+pageIndex, 140)), nil
}

func (e *fakeEngine) Recognize(ctx context.Context, img image.Image) (model.OCRResult, error) {
	e.mu.Lock()
	e.recognizeCalls++
	n := e.recognizeCalls
	gate, after := e.gate, e.gateAfter
	e.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return model.OCRResult{}, err
	}
	if gate != nil && n > after {
		select {
		case <-gate:
		case <-ctx.Done():
			return model.OCRResult{}, ctx.Err()
		}
	}
	return model.OCRResult{Text: "recognized text", Confidence: 88}, nil
}

// holdAfter blocks every recognition past the first n calls until the
// returned channel is closed or the caller's context dies.
func (e *fakeEngine) holdAfter(n int) chan struct{} {
	gate := make(chan struct{})
	e.mu.Lock()
	e.gate = gate
	e.gateAfter = n
	e.mu.Unlock()
	return gate
}

func (e *fakeEngine) clearGate() {
	e.mu.Lock()
	e.gate = nil
	e.mu.Unlock()
}

func (e *fakeEngine) recognitions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recognizeCalls
}

type fakeLLM struct {
	mu    sync.Mutex
	calls []string
}

func (l *fakeLLM) record(call string) {
	l.mu.Lock()
	l.calls = append(l.calls, call)
	l.mu.Unlock()
}

func (l *fakeLLM) callLog() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *fakeLLM) Classify(ctx context.Context, text, filename string, pageCount int, sizeMB float64) (*model.Classification, error) {
	l.record("classify")
	return &model.Classification{
		Category:          "invoices",
		Confidence:        0.9,
		SuggestedFilename: "acme_invoice_1234",
		Summary:           "an invoice",
	}, nil
}

func (l *fakeLLM) AnalyzeDocumentType(ctx context.Context, samples []string, filename string, pageCount int, sizeMB float64) (*model.TypeAnalysis, error) {
	l.record("analyze")
	return nil, errors.New("not implemented")
}

func (l *fakeLLM) ExtractTags(ctx context.Context, text string) (*model.Tags, error) {
	l.record("tags")
	return nil, errors.New("not implemented")
}

func (l *fakeLLM) SimpleClassify(ctx context.Context, text string) (string, string, error) {
	l.record("simple")
	return "", "", errors.New("legacy classifier unavailable")
}

type testOrch struct {
	cfg    config.Config
	store  *store.SQLiteStore
	engine *fakeEngine
	llm    *fakeLLM
	det    *intake.Detector
	orch   *Orchestrator
}

func newTestOrch(t *testing.T, mutate func(*config.Config)) *testOrch {
	t.Helper()
	tmp := t.TempDir()
	cfg := config.Default()
	cfg.IntakeDir = filepath.Join(tmp, "intake")
	cfg.ProcessedDir = filepath.Join(tmp, "processed")
	cfg.CabinetDir = filepath.Join(tmp, "cabinet")
	cfg.NormalizedDir = filepath.Join(tmp, "normalized")
	cfg.StateDir = filepath.Join(tmp, "state")
	cfg.LogPath = filepath.Join(tmp, "state", "logs", "paperfold.log")
	cfg.RescanMinGapSecs = 0
	if mutate != nil {
		mutate(&cfg)
	}
	if err := cfg.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	if err := os.MkdirAll(cfg.IntakeDir, 0o755); err != nil {
		t.Fatal(err)
	}

	st := store.NewSQLiteStore(cfg.DBPath())
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	engine := &fakeEngine{}
	brain := &fakeLLM{}
	norm := intake.NewNormalizer(cfg, nil)
	det := intake.NewDetector(cfg, norm, engine, brain, nil)
	pipe := pipeline.New(cfg, st, engine, brain, norm, nil)
	orch := New(cfg, st, det, pipe, nil)

	orch.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = orch.Close(ctx)
	})

	return &testOrch{cfg: cfg, store: st, engine: engine, llm: brain, det: det, orch: orch}
}

func (f *testOrch) writePDF(t *testing.T, name string, pages int) string {
	t.Helper()
	path := filepath.Join(f.cfg.IntakeDir, name)
	img := image.NewRGBA(image.Rect(0, 0, 40, 56))
	for y := 0; y < 56; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 6), G: uint8(y * 4), B: 90, A: 255})
		}
	}
	pg := make([]pdfgen.Page, pages)
	for i := range pg {
		pg[i] = pdfgen.Page{Image: img}
	}
	w := &pdfgen.Writer{Quality: 80, TextLimit: 0}
	if err := w.Write(context.Background(), pg, path); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

// collectEvents drains the run's stream up to and including the terminal
// event.
func (f *testOrch) collectEvents(t *testing.T, token string) ([]model.Event, model.Event) {
	t.Helper()
	events, err := f.orch.Events(token)
	if err != nil {
		t.Fatalf("Events(%s): %v", token, err)
	}
	deadline := time.After(60 * time.Second)
	var all []model.Event
	for {
		select {
		case ev := <-events:
			all = append(all, ev)
			if ev.Terminal {
				return all, ev
			}
		case <-deadline:
			t.Fatalf("no terminal event after %d events", len(all))
		}
	}
}

// assertMonotonic checks that within every phase the delivered events count
// 1, 2, 3, ... without gaps or repeats.
func assertMonotonic(t *testing.T, events []model.Event) {
	t.Helper()
	last := make(map[string]int)
	for _, ev := range events {
		if ev.Current != last[ev.Phase]+1 {
			t.Fatalf("phase %s went from %d to %d", ev.Phase, last[ev.Phase], ev.Current)
		}
		last[ev.Phase] = ev.Current
	}
}

func (f *testOrch) docsOf(t *testing.T, batchID int64) []model.SingleDocument {
	t.Helper()
	docs, err := f.store.ListSingleDocuments(context.Background(), batchID)
	if err != nil {
		t.Fatalf("ListSingleDocuments(%d): %v", batchID, err)
	}
	return docs
}

func (f *testOrch) batchStatus(t *testing.T, id int64) string {
	t.Helper()
	b, err := f.store.GetBatch(context.Background(), id)
	if err != nil {
		t.Fatalf("GetBatch(%d): %v", id, err)
	}
	return b.Status
}

func TestRun_MixedIntakeSeparatesBatches(t *testing.T) {
	f := newTestOrch(t, nil)
	f.writePDF(t, "invoice.pdf", 1)
	f.writePDF(t, "scan_stack.pdf", 21)
	if err := os.WriteFile(filepath.Join(f.cfg.IntakeDir, "notes.txt"), []byte("n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(f.cfg.IntakeDir, "empty.pdf"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	token, err := f.orch.StartRun(false)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	events, terminal := f.collectEvents(t, token)
	assertMonotonic(t, events)

	if terminal.Phase != protocol.PhaseFinalize {
		t.Fatalf("terminal phase = %s, want %s", terminal.Phase, protocol.PhaseFinalize)
	}
	s := terminal.Summary
	if s == nil {
		t.Fatal("terminal event has no summary")
	}
	if s.Analyzed != 4 || s.Processed != 2 || s.Skipped != 1 || s.Failed != 1 {
		t.Fatalf("summary = analyzed %d processed %d skipped %d failed %d, want 4/2/1/1",
			s.Analyzed, s.Processed, s.Skipped, s.Failed)
	}
	if s.Errors["empty.pdf"] == "" {
		t.Fatalf("errors = %v, want a diagnostic for empty.pdf", s.Errors)
	}
	if s.SingleBatchID == 0 || s.GroupedBatchID == 0 || s.SingleBatchID == s.GroupedBatchID {
		t.Fatalf("batch ids = %d/%d, want two distinct batches", s.SingleBatchID, s.GroupedBatchID)
	}

	// Each artifact landed in exactly one pipeline.
	singles := f.docsOf(t, s.SingleBatchID)
	grouped := f.docsOf(t, s.GroupedBatchID)
	if len(singles) != 1 || len(grouped) != 1 {
		t.Fatalf("documents = %d single, %d grouped, want 1/1", len(singles), len(grouped))
	}
	if singles[0].State != protocol.DocStateAIDone || singles[0].AICategory != "invoices" {
		t.Fatalf("single doc = %s/%q, want ai_done/invoices", singles[0].State, singles[0].AICategory)
	}
	if grouped[0].State != protocol.DocStateOCRDone {
		t.Fatalf("grouped doc state = %s, want %s", grouped[0].State, protocol.DocStateOCRDone)
	}
	if grouped[0].AICategory != "" {
		t.Fatalf("grouped doc was classified as %q; stacks are classified after carving", grouped[0].AICategory)
	}
	if grouped[0].OCRText == "" || grouped[0].SearchablePath == "" {
		t.Fatal("grouped doc is missing ocr output")
	}
	if _, err := os.Stat(grouped[0].SearchablePath); err != nil {
		t.Fatalf("grouped searchable pdf missing: %v", err)
	}

	if got := f.batchStatus(t, s.SingleBatchID); got != protocol.BatchStatusPendingVerification {
		t.Fatalf("single batch status = %s, want %s", got, protocol.BatchStatusPendingVerification)
	}
	if got := f.batchStatus(t, s.GroupedBatchID); got != protocol.BatchStatusPendingVerification {
		t.Fatalf("grouped batch status = %s, want %s", got, protocol.BatchStatusPendingVerification)
	}

	// Only the single document consulted the classifier.
	classify := 0
	for _, call := range f.llm.callLog() {
		if call == "classify" {
			classify++
		}
	}
	if classify != 1 {
		t.Fatalf("classify calls = %d, want 1", classify)
	}

	// Phase totals describe the routed work: two artifacts reach ocr, one
	// reaches classification.
	for _, ev := range events {
		switch ev.Phase {
		case protocol.PhaseAnalyze:
			if ev.Total != 4 {
				t.Fatalf("analyze total = %d, want 4", ev.Total)
			}
		case protocol.PhaseOCR:
			if ev.Total != 2 {
				t.Fatalf("ocr total = %d, want 2", ev.Total)
			}
		case protocol.PhaseAIClassify:
			if ev.Total != 1 {
				t.Fatalf("ai_classify total = %d, want 1", ev.Total)
			}
		}
	}

	summary, done, err := f.orch.Summary(token)
	if err != nil || !done {
		t.Fatalf("Summary = done %v err %v, want finished", done, err)
	}
	if summary.Processed != s.Processed || summary.SingleBatchID != s.SingleBatchID {
		t.Fatalf("summary lookup disagrees with terminal event: %+v vs %+v", summary, *s)
	}
}

func TestRun_SecondRunAttachesAndReuses(t *testing.T) {
	f := newTestOrch(t, nil)
	f.writePDF(t, "invoice.pdf", 1)

	token1, err := f.orch.StartRun(false)
	if err != nil {
		t.Fatalf("first StartRun: %v", err)
	}
	_, terminal1 := f.collectEvents(t, token1)
	if terminal1.Summary.Processed != 1 {
		t.Fatalf("first run processed = %d, want 1", terminal1.Summary.Processed)
	}
	recognitionsAfterFirst := f.engine.recognitions()

	token2, err := f.orch.StartRun(false)
	if err != nil {
		t.Fatalf("second StartRun: %v", err)
	}
	if token2 == token1 {
		t.Fatal("runs share a token")
	}
	_, terminal2 := f.collectEvents(t, token2)

	if terminal2.Summary.SingleBatchID != terminal1.Summary.SingleBatchID {
		t.Fatalf("batch id changed across runs: %d -> %d",
			terminal1.Summary.SingleBatchID, terminal2.Summary.SingleBatchID)
	}
	if terminal2.Summary.Processed != 1 {
		t.Fatalf("second run processed = %d, want 1", terminal2.Summary.Processed)
	}
	if docs := f.docsOf(t, terminal2.Summary.SingleBatchID); len(docs) != 1 {
		t.Fatalf("documents = %d, want the same single row", len(docs))
	}
	if got := f.engine.recognitions(); got != recognitionsAfterFirst {
		t.Fatalf("recognitions = %d after second run, want %d (full cache reuse)", got, recognitionsAfterFirst)
	}
	if calls := f.llm.callLog(); len(calls) != 1 {
		t.Fatalf("llm calls = %v, want the single classify from the first run", calls)
	}
}

func TestRun_CancellationKeepsCommittedWork(t *testing.T) {
	f := newTestOrch(t, func(cfg *config.Config) {
		cfg.WorkerCount = 1
	})
	pathA := f.writePDF(t, "alpha_invoice.pdf", 1)
	pathB := f.writePDF(t, "beta_invoice.pdf", 1)

	// Pin both rotations so each document costs exactly one recognition.
	for _, p := range []string{pathA, pathB} {
		hash, err := intake.HashFile(p)
		if err != nil {
			t.Fatalf("HashFile: %v", err)
		}
		if err := f.store.SetRotationOverride(context.Background(), hash, 0, 0); err != nil {
			t.Fatalf("SetRotationOverride: %v", err)
		}
	}

	// Warm the analysis cache so the gate only affects pipeline work. Each
	// one-page pdf costs one sampling recognition here.
	if _, err := f.det.ScanDir(context.Background()); err != nil {
		t.Fatalf("ScanDir: %v", err)
	}
	if got := f.engine.recognitions(); got != 2 {
		t.Fatalf("sampling recognitions = %d, want 2", got)
	}
	f.engine.holdAfter(3) // alpha passes, beta blocks

	token, err := f.orch.StartRun(false)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	waitFor(t, 30*time.Second, func() bool { return f.engine.recognitions() >= 4 })
	if err := f.orch.Cancel(token); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	_, terminal := f.collectEvents(t, token)
	if terminal.Phase != protocol.PhaseCancelled {
		t.Fatalf("terminal phase = %s, want %s", terminal.Phase, protocol.PhaseCancelled)
	}
	if !terminal.Summary.Cancelled || terminal.Summary.Processed != 1 {
		t.Fatalf("summary = %+v, want cancelled with 1 processed", *terminal.Summary)
	}

	batchID := terminal.Summary.SingleBatchID
	if got := f.batchStatus(t, batchID); got != protocol.BatchStatusPendingProcessing {
		t.Fatalf("batch status after cancel = %s, want %s", got, protocol.BatchStatusPendingProcessing)
	}
	states := map[string]string{}
	for _, d := range f.docsOf(t, batchID) {
		states[filepath.Base(d.SourcePath)] = d.State
	}
	if states["alpha_invoice.pdf"] != protocol.DocStateAIDone {
		t.Fatalf("alpha state = %s, want committed %s", states["alpha_invoice.pdf"], protocol.DocStateAIDone)
	}
	if states["beta_invoice.pdf"] != protocol.DocStateNew {
		t.Fatalf("beta state = %s, want untouched %s", states["beta_invoice.pdf"], protocol.DocStateNew)
	}

	// Resume: a fresh run finishes the remaining artifact and leaves the
	// completed one alone.
	f.engine.clearGate()
	token2, err := f.orch.StartRun(false)
	if err != nil {
		t.Fatalf("resume StartRun: %v", err)
	}
	_, terminal2 := f.collectEvents(t, token2)
	if terminal2.Phase != protocol.PhaseFinalize || terminal2.Summary.Processed != 2 {
		t.Fatalf("resume terminal = %s processed %d, want finalize/2", terminal2.Phase, terminal2.Summary.Processed)
	}
	if terminal2.Summary.SingleBatchID != batchID {
		t.Fatalf("resume created batch %d instead of attaching to %d", terminal2.Summary.SingleBatchID, batchID)
	}
	if got := f.engine.recognitions(); got != 5 {
		t.Fatalf("recognitions = %d, want 5 (alpha reused, beta recognized once)", got)
	}
	if got := f.batchStatus(t, batchID); got != protocol.BatchStatusPendingVerification {
		t.Fatalf("batch status after resume = %s, want %s", got, protocol.BatchStatusPendingVerification)
	}
	for _, d := range f.docsOf(t, batchID) {
		if d.State != protocol.DocStateAIDone {
			t.Fatalf("document %s state = %s after resume", filepath.Base(d.SourcePath), d.State)
		}
	}
}

func TestStartRun_QueueFullReturnsBusy(t *testing.T) {
	f := newTestOrch(t, func(cfg *config.Config) {
		cfg.WorkerCount = 1
		cfg.QueueDepth = 1
	})
	f.writePDF(t, "a_invoice.pdf", 1)
	f.writePDF(t, "b_invoice.pdf", 1)
	f.writePDF(t, "c_invoice.pdf", 1)

	// Three sampling recognitions pass, then every pipeline recognition
	// blocks: the worker wedges on the first document, the queue fills.
	gate := f.engine.holdAfter(3)

	token, err := f.orch.StartRun(false)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	waitFor(t, 30*time.Second, func() bool { return len(f.orch.jobs) == cap(f.orch.jobs) })

	if _, err := f.orch.StartRun(false); !errors.Is(err, model.ErrBusy) {
		t.Fatalf("StartRun on a full queue = %v, want ErrBusy", err)
	}

	close(gate)
	_, terminal := f.collectEvents(t, token)
	if terminal.Summary.Processed != 3 {
		t.Fatalf("processed = %d, want 3 once the queue drains", terminal.Summary.Processed)
	}

	// The hint is retryable: a later submission goes through.
	token2, err := f.orch.StartRun(false)
	if err != nil {
		t.Fatalf("retry StartRun: %v", err)
	}
	if _, terminal2 := f.collectEvents(t, token2); terminal2.Summary.Processed != 3 {
		t.Fatalf("retry processed = %d, want 3", terminal2.Summary.Processed)
	}
}

func TestRun_EmptyIntakeFinishesWithoutBatches(t *testing.T) {
	f := newTestOrch(t, nil)

	token, err := f.orch.StartRun(false)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	_, terminal := f.collectEvents(t, token)

	if terminal.Phase != protocol.PhaseFinalize {
		t.Fatalf("terminal phase = %s, want %s", terminal.Phase, protocol.PhaseFinalize)
	}
	s := terminal.Summary
	if s.Analyzed != 0 || s.SingleBatchID != 0 || s.GroupedBatchID != 0 {
		t.Fatalf("summary = %+v, want no work and no batches", *s)
	}
	batches, err := f.store.ListBatches(context.Background())
	if err != nil {
		t.Fatalf("ListBatches: %v", err)
	}
	if len(batches) != 0 {
		t.Fatalf("batches = %d, want none for an empty intake", len(batches))
	}
}

func TestOrchestrator_UnknownToken(t *testing.T) {
	f := newTestOrch(t, nil)

	if err := f.orch.Cancel("no-such-token"); !errors.Is(err, model.ErrUnknownToken) {
		t.Fatalf("Cancel = %v, want ErrUnknownToken", err)
	}
	if _, err := f.orch.Events("no-such-token"); !errors.Is(err, model.ErrUnknownToken) {
		t.Fatalf("Events = %v, want ErrUnknownToken", err)
	}
	if _, _, err := f.orch.Summary("no-such-token"); !errors.Is(err, model.ErrUnknownToken) {
		t.Fatalf("Summary = %v, want ErrUnknownToken", err)
	}
}

func TestStartRun_RequiresStart(t *testing.T) {
	f := newTestOrch(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.orch.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := f.orch.StartRun(false); err == nil {
		t.Fatal("StartRun succeeded on a closed orchestrator")
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
