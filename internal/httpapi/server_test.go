package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/paperfold/paperfold/internal/config"
	"github.com/paperfold/paperfold/internal/export"
	"github.com/paperfold/paperfold/internal/intake"
	"github.com/paperfold/paperfold/internal/model"
	"github.com/paperfold/paperfold/internal/orchestrator"
	"github.com/paperfold/paperfold/internal/pdfgen"
	"github.com/paperfold/paperfold/internal/pipeline"
	"github.com/paperfold/paperfold/internal/protocol"
	"github.com/paperfold/paperfold/internal/store"
)

type fakeEngine struct {
	mu             sync.Mutex
	recognizeCalls int
	gate           chan struct{}
	gateAfter      int
}

func (e *fakeEngine) RenderPage(ctx context.Context, pdfPath string, pageIndex int, scale float64) (image.Image, error) {
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

func (e *fakeEngine) holdAfter(n int) chan struct{} {
	gate := make(chan struct{})
	e.mu.Lock()
	e.gate = gate
	e.gateAfter = n
	e.mu.Unlock()
	return gate
}

func (e *fakeEngine) recognitions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recognizeCalls
}

type fakeLLM struct{}

func (l *fakeLLM) Classify(ctx context.Context, text, filename string, pageCount int, sizeMB float64) (*model.Classification, error) {
	return &model.Classification{
		Category:          "invoices",
		Confidence:        0.9,
		SuggestedFilename: "acme_invoice_1234",
		Summary:           "an invoice",
	}, nil
}

func (l *fakeLLM) AnalyzeDocumentType(ctx context.Context, samples []string, filename string, pageCount int, sizeMB float64) (*model.TypeAnalysis, error) {
	return nil, errors.New("not implemented")
}

func (l *fakeLLM) ExtractTags(ctx context.Context, text string) (*model.Tags, error) {
	return nil, errors.New("not implemented")
}

func (l *fakeLLM) SimpleClassify(ctx context.Context, text string) (string, string, error) {
	return "", "", errors.New("legacy classifier unavailable")
}

type testAPI struct {
	cfg    config.Config
	store  *store.SQLiteStore
	engine *fakeEngine
	llm    *fakeLLM
	orch   *orchestrator.Orchestrator
	base   string
	client *http.Client
}

func newTestAPI(t *testing.T, mutate func(*config.Config)) *testAPI {
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
	orch := orchestrator.New(cfg, st, det, pipe, nil)
	asm := export.New(cfg, st, brain, norm, nil)

	orch.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = orch.Close(ctx)
	})

	api := New(cfg, st, orch, pipe, asm, norm, nil)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	client := srv.Client()
	client.Timeout = 60 * time.Second

	return &testAPI{
		cfg:    cfg,
		store:  st,
		engine: engine,
		llm:    brain,
		orch:   orch,
		base:   srv.URL,
		client: client,
	}
}

func writePDF(t *testing.T, path string, pages int) {
	t.Helper()
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
}

func (f *testAPI) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.base+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response, want int) T {
	t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if resp.StatusCode != want {
		t.Fatalf("status = %d, want %d; body: %s", resp.StatusCode, want, raw)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return out
}

type errorBody struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// readStream consumes an SSE response up to and including the terminal event.
func readStream(t *testing.T, resp *http.Response) ([]model.Event, model.Event) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("stream status = %d; body: %s", resp.StatusCode, raw)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q, want text/event-stream", ct)
	}
	sc := bufio.NewScanner(resp.Body)
	var all []model.Event
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var ev model.Event
		if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &ev); err != nil {
			t.Fatalf("bad event %q: %v", line, err)
		}
		all = append(all, ev)
		if ev.Terminal {
			return all, ev
		}
	}
	t.Fatalf("stream ended after %d events without a terminal event: %v", len(all), sc.Err())
	return nil, model.Event{}
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

func TestHealth(t *testing.T) {
	f := newTestAPI(t, nil)
	body := decode[map[string]string](t, f.do(t, http.MethodGet, "/api/health", nil), http.StatusOK)
	if body["status"] != "ok" {
		t.Fatalf("health = %v", body)
	}
}

type processResponse struct {
	Token  string `json:"token"`
	Stream string `json:"stream"`
}

type statusResponse struct {
	Token   string            `json:"token"`
	Done    bool              `json:"done"`
	Summary *model.RunSummary `json:"summary"`
}

type batchListResponse struct {
	Batches []batchJSON `json:"batches"`
}

type documentListResponse struct {
	Batch     batchJSON            `json:"batch"`
	Documents []singleDocumentJSON `json:"documents"`
}

func TestProcessRunOverHTTP(t *testing.T) {
	f := newTestAPI(t, nil)
	writePDF(t, filepath.Join(f.cfg.IntakeDir, "invoice.pdf"), 1)

	started := decode[processResponse](t, f.do(t, http.MethodPost, "/api/process", nil), http.StatusAccepted)
	if started.Token == "" {
		t.Fatal("no token in process response")
	}
	wantStream := "/api/process/" + started.Token + "/events"
	if started.Stream != wantStream {
		t.Fatalf("stream = %q, want %q", started.Stream, wantStream)
	}

	events, terminal := readStream(t, f.do(t, http.MethodGet, started.Stream, nil))
	if terminal.Phase != protocol.PhaseFinalize {
		t.Fatalf("terminal phase = %s, want %s", terminal.Phase, protocol.PhaseFinalize)
	}
	if terminal.Summary == nil || terminal.Summary.Processed != 1 {
		t.Fatalf("terminal summary = %+v, want 1 processed", terminal.Summary)
	}
	phases := map[string]bool{}
	for _, ev := range events {
		if ev.Token != started.Token {
			t.Fatalf("event token = %q, want %q", ev.Token, started.Token)
		}
		phases[ev.Phase] = true
	}
	for _, phase := range []string{protocol.PhaseAnalyze, protocol.PhaseOCR, protocol.PhaseAIClassify, protocol.PhaseFinalize} {
		if !phases[phase] {
			t.Fatalf("phases seen = %v, missing %s", phases, phase)
		}
	}

	status := decode[statusResponse](t, f.do(t, http.MethodGet, "/api/process/"+started.Token, nil), http.StatusOK)
	if !status.Done || status.Summary == nil || status.Summary.Processed != 1 {
		t.Fatalf("status = %+v, want a finished summary", status)
	}

	batchList := decode[batchListResponse](t, f.do(t, http.MethodGet, "/api/batches", nil), http.StatusOK)
	if len(batchList.Batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(batchList.Batches))
	}
	batch := batchList.Batches[0]
	if batch.Kind != protocol.BatchKindSingle || batch.Status != protocol.BatchStatusPendingVerification || batch.DocumentCount != 1 {
		t.Fatalf("batch = %+v", batch)
	}

	batchID := strconv.FormatInt(batch.ID, 10)
	listed := decode[documentListResponse](t, f.do(t, http.MethodGet, "/api/batches/"+batchID+"/documents", nil), http.StatusOK)
	if len(listed.Documents) != 1 {
		t.Fatalf("documents = %d, want 1", len(listed.Documents))
	}
	doc := listed.Documents[0]
	if doc.State != protocol.DocStateAIDone || doc.AICategory != "invoices" || doc.Category != "invoices" {
		t.Fatalf("document = %+v", doc)
	}
	if doc.OCRText != "" {
		t.Fatal("list view should not carry ocr text")
	}

	docID := strconv.FormatInt(doc.ID, 10)
	full := decode[singleDocumentJSON](t, f.do(t, http.MethodGet, "/api/documents/"+docID, nil), http.StatusOK)
	if !strings.Contains(full.OCRText, "recognized text") {
		t.Fatalf("ocr text = %q", full.OCRText)
	}

	verified := decode[singleDocumentJSON](t, f.do(t, http.MethodPost, "/api/documents/"+docID+"/final",
		map[string]string{"category": "Tax Documents", "filename": "w2_2024"}), http.StatusOK)
	if verified.State != protocol.DocStateVerified || verified.FinalCategory != "Tax Documents" || verified.Category != "Tax Documents" {
		t.Fatalf("verified document = %+v", verified)
	}

	exported := decode[exportJSON](t, f.do(t, http.MethodPost, "/api/batches/"+batchID+"/export", nil), http.StatusOK)
	if len(exported.Written) != 1 || len(exported.Failed) != 0 {
		t.Fatalf("export = %+v", exported)
	}
	dest := filepath.Join(f.cfg.CabinetDir, "Tax_Documents", "w2_2024.pdf")
	if _, err := os.Stat(dest); err != nil {
		t.Fatalf("exported file missing: %v", err)
	}

	after := decode[batchListResponse](t, f.do(t, http.MethodGet, "/api/batches", nil), http.StatusOK)
	if after.Batches[0].Status != protocol.BatchStatusExported {
		t.Fatalf("batch status = %s, want %s", after.Batches[0].Status, protocol.BatchStatusExported)
	}
}

// gatedRun seeds one document, pins its rotation, warms the analysis cache
// and freezes the engine on the document's first pipeline recognition. The
// returned token belongs to a run that is wedged in the ocr phase.
func gatedRun(t *testing.T, f *testAPI) string {
	t.Helper()
	path := filepath.Join(f.cfg.IntakeDir, "invoice.pdf")
	writePDF(t, path, 1)
	hash, err := intake.HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if err := f.store.SetRotationOverride(context.Background(), hash, 0, 0); err != nil {
		t.Fatalf("SetRotationOverride: %v", err)
	}

	started := decode[processResponse](t, f.do(t, http.MethodPost, "/api/process", nil), http.StatusAccepted)
	waitFor(t, 30*time.Second, func() bool { return f.engine.recognitions() >= 2 })
	return started.Token
}

func TestCancelEndpointStopsRun(t *testing.T) {
	f := newTestAPI(t, func(cfg *config.Config) { cfg.WorkerCount = 1 })
	f.engine.holdAfter(1) // sampling passes, pipeline blocks
	token := gatedRun(t, f)

	cancelled := decode[map[string]string](t, f.do(t, http.MethodPost, "/api/process/"+token+"/cancel", nil), http.StatusOK)
	if cancelled["status"] != "cancelling" {
		t.Fatalf("cancel response = %v", cancelled)
	}

	// The stream replays the buffered events and ends on the cancelled
	// terminal even when the subscriber arrives after the fact.
	_, terminal := readStream(t, f.do(t, http.MethodGet, "/api/process/"+token+"/events", nil))
	if terminal.Phase != protocol.PhaseCancelled || terminal.Summary == nil || !terminal.Summary.Cancelled {
		t.Fatalf("terminal = %+v, want a cancelled run", terminal)
	}
	if terminal.Summary.Processed != 0 {
		t.Fatalf("processed = %d, want 0", terminal.Summary.Processed)
	}
}

func TestStreamDisconnectCancelsRun(t *testing.T) {
	f := newTestAPI(t, func(cfg *config.Config) { cfg.WorkerCount = 1 })
	f.engine.holdAfter(1)
	token := gatedRun(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.base+"/api/process/"+token+"/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}

	// Wait for the first frame so the handler is committed to the stream,
	// then drop the connection.
	br := bufio.NewReader(resp.Body)
	if _, err := br.ReadString('\n'); err != nil {
		t.Fatalf("read first frame: %v", err)
	}
	cancel()
	resp.Body.Close()

	waitFor(t, 30*time.Second, func() bool {
		_, done, err := f.orch.Summary(token)
		return err == nil && done
	})
	summary, _, err := f.orch.Summary(token)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if !summary.Cancelled {
		t.Fatalf("summary = %+v, want cancelled after the stream dropped", summary)
	}
}

func TestUnknownTokenIsNotFound(t *testing.T) {
	f := newTestAPI(t, nil)
	for _, probe := range []struct {
		method, path string
	}{
		{http.MethodGet, "/api/process/nope"},
		{http.MethodGet, "/api/process/nope/events"},
		{http.MethodPost, "/api/process/nope/cancel"},
	} {
		body := decode[errorBody](t, f.do(t, probe.method, probe.path, nil), http.StatusNotFound)
		if body.ErrorCode != protocol.ErrorCodeUnknownToken {
			t.Fatalf("%s %s error_code = %s, want %s", probe.method, probe.path, body.ErrorCode, protocol.ErrorCodeUnknownToken)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newTestAPI(t, nil)

	req, err := http.NewRequest(http.MethodOptions, f.base+"/api/process", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Origin", "http://localhost")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := f.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost" {
		t.Fatalf("allow-origin = %q", got)
	}

	req, err = http.NewRequest(http.MethodOptions, f.base+"/api/process", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Origin", "http://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err = f.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign origin status = %d, want %d", resp.StatusCode, http.StatusForbidden)
	}
}
