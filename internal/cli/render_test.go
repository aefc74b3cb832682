package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/paperfold/paperfold/internal/model"
	"github.com/paperfold/paperfold/internal/pipeline"
	"github.com/paperfold/paperfold/internal/protocol"
)

func plainStyles(t *testing.T) (styles, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	s := newStyles(buf, false)
	if s.enabled {
		t.Fatal("styles must be disabled for a non-terminal writer")
	}
	return s, buf
}

func TestRenderScanTable(t *testing.T) {
	s, buf := plainStyles(t)
	analyses := []model.Analysis{
		{
			Artifact:   model.Artifact{Path: "/intake/invoice.pdf", Kind: protocol.KindPDF},
			PageCount:  2,
			SizeMB:     0.4,
			Strategy:   protocol.StrategySingleDocument,
			Confidence: 0.83,
			Reasoning:  []string{"embedded text on all pages"},
		},
		{
			Artifact: model.Artifact{Path: "/intake/notes.txt", Kind: protocol.KindUnknown},
			Skipped:  true,
			Error:    "unsupported file type",
		},
		{
			Artifact: model.Artifact{Path: "/intake/broken.pdf", Kind: protocol.KindPDF},
			Failed:   true,
			Error:    "no readable pages",
		},
	}

	renderScan(buf, s, "/intake", analyses)
	out := buf.String()

	for _, want := range []string{
		"Intake: /intake",
		"invoice.pdf",
		protocol.StrategySingleDocument,
		"0.83",
		"- embedded text on all pages",
		"skipped: unsupported file type",
		"ERROR: no readable pages",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("scan output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderScanEmpty(t *testing.T) {
	s, buf := plainStyles(t)
	renderScan(buf, s, "/intake", nil)
	if !strings.Contains(buf.String(), "no supported files") {
		t.Fatalf("empty scan output: %s", buf.String())
	}
}

func TestRenderEvent(t *testing.T) {
	s, buf := plainStyles(t)

	renderEvent(buf, s, model.Event{Phase: protocol.PhaseOCR, Current: 2, Total: 5, Message: "invoice.pdf"})
	out := buf.String()
	if !strings.Contains(out, "ocr") || !strings.Contains(out, "2/5") || !strings.Contains(out, "invoice.pdf") {
		t.Fatalf("event output: %q", out)
	}

	buf.Reset()
	renderEvent(buf, s, model.Event{Phase: protocol.PhaseAnalyze, Artifact: "/intake/a.pdf", Error: "unreadable"})
	out = buf.String()
	if !strings.Contains(out, "ERROR: unreadable") {
		t.Fatalf("error event output: %q", out)
	}

	buf.Reset()
	renderEvent(buf, s, model.Event{Phase: protocol.PhaseFinalize, Terminal: true})
	if buf.Len() != 0 {
		t.Fatalf("terminal events render via the summary, got %q", buf.String())
	}
}

func TestRenderSummary(t *testing.T) {
	s, buf := plainStyles(t)
	renderSummary(buf, s, model.RunSummary{
		SingleBatchID: 7,
		Analyzed:      3,
		Processed:     2,
		Failed:        1,
		Errors:        map[string]string{"a.pdf": "ocr timeout"},
	})
	out := buf.String()
	for _, want := range []string{
		"run finished with failures",
		"analyzed=3",
		"processed=2",
		"failed=1",
		"#7",
		"a.pdf: ocr timeout",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("summary missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	renderSummary(buf, s, model.RunSummary{Cancelled: true, Analyzed: 3, Processed: 1})
	if !strings.Contains(buf.String(), "run cancelled") {
		t.Fatalf("cancelled summary: %s", buf.String())
	}
}

func TestRenderStatus(t *testing.T) {
	s, buf := plainStyles(t)

	renderStatus(buf, s, nil)
	if !strings.Contains(buf.String(), "no batches yet") {
		t.Fatalf("empty status: %s", buf.String())
	}

	buf.Reset()
	rows := []statusRow{
		{
			Batch: model.Batch{ID: 3, Kind: protocol.BatchKindSingle, Status: protocol.BatchStatusPendingVerification},
			Total: 4,
			States: map[string]int{
				protocol.DocStateAIDone: 3,
				protocol.DocStateFailed: 1,
			},
		},
		{
			Batch: model.Batch{ID: 4, Kind: protocol.BatchKindGrouped, Status: protocol.BatchStatusPendingGrouping},
			Total: 2,
		},
	}
	renderStatus(buf, s, rows)
	out := buf.String()
	for _, want := range []string{
		"#3",
		protocol.BatchKindSingle,
		protocol.BatchStatusPendingVerification,
		"4 documents",
		"3 ai_done, 1 failed",
		"#4",
		"2 documents",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("status missing %q:\n%s", want, out)
		}
	}
}

func TestRenderExport(t *testing.T) {
	s, buf := plainStyles(t)
	renderExport(buf, s, model.ExportResult{
		BatchID:  3,
		Written:  []string{"/cab/Invoices/acme.pdf"},
		Skipped:  []string{"/cab/Invoices/old.pdf"},
		Failed:   map[string]string{"w2.pdf": "document not verified"},
		Duration: 1200 * time.Millisecond,
	})
	out := buf.String()
	for _, want := range []string{
		"export incomplete",
		"written=1",
		"skipped=1",
		"failed=1",
		"+ /cab/Invoices/acme.pdf",
		"= /cab/Invoices/old.pdf",
		"w2.pdf: document not verified",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("export output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	renderExport(buf, s, model.ExportResult{BatchID: 3, Written: []string{"/cab/a.pdf"}})
	if !strings.Contains(buf.String(), "batch #3 exported") {
		t.Fatalf("clean export headline: %s", buf.String())
	}
}

func TestRenderRescan(t *testing.T) {
	s, buf := plainStyles(t)
	renderRescan(buf, s, pipeline.Result{
		DocumentID: 12,
		Pages:      3,
		Rotation:   90,
		OCRReused:  true,
		Category:   "invoices",
		Filename:   "acme_invoice_1234",
		Confidence: 0.9,
		AIWarning:  "classifier unavailable",
	})
	out := buf.String()
	for _, want := range []string{
		"#12",
		"3 pages (cached), rotated 90",
		"invoices",
		"acme_invoice_1234",
		"0.90",
		"WARNING: classifier unavailable",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("rescan output missing %q:\n%s", want, out)
		}
	}
}

func TestScanReportShape(t *testing.T) {
	analyses := []model.Analysis{
		{
			Artifact:   model.Artifact{Path: "/intake/invoice.pdf", Kind: protocol.KindPDF},
			PageCount:  2,
			SizeMB:     0.4,
			Strategy:   protocol.StrategySingleDocument,
			Confidence: 0.83,
		},
	}
	report := scanReport("/intake", analyses)
	if report["intake"] != "/intake" {
		t.Fatalf("intake dir: %v", report["intake"])
	}
	files, ok := report["files"].([]scanJSON)
	if !ok || len(files) != 1 {
		t.Fatalf("files: %#v", report["files"])
	}
	if files[0].File != "invoice.pdf" || files[0].Strategy != protocol.StrategySingleDocument {
		t.Fatalf("file row: %+v", files[0])
	}
}
