package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/paperfold/paperfold/internal/model"
	"github.com/paperfold/paperfold/internal/protocol"
)

func TestRescan_RejectsUnknownMode(t *testing.T) {
	f := newTestPipeline(t)

	_, err := f.pl.Rescan(context.Background(), 1, "everything")
	var pe *model.PipelineError
	if !errors.As(err, &pe) || pe.Code != protocol.ErrorCodeUserInput {
		t.Fatalf("error = %v, want %s", err, protocol.ErrorCodeUserInput)
	}
}

func TestRescan_ThrottlesPerDocument(t *testing.T) {
	f := newTestPipeline(t)
	cfg := f.cfg
	cfg.RescanMinGapSecs = 60
	pl := New(cfg, f.store, f.engine, f.llm, f.norm, nil)
	pl.writer = f.writer

	docA, jobA := f.addDocument(t, "a.pdf", 1)
	docB, _ := f.addDocument(t, "b.pdf", 1)
	if _, err := pl.Process(context.Background(), jobA); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if _, err := pl.Rescan(context.Background(), docA.ID, protocol.RescanModeLLMOnly); err != nil {
		t.Fatalf("first rescan: %v", err)
	}

	_, err := pl.Rescan(context.Background(), docA.ID, protocol.RescanModeLLMOnly)
	var pe *model.PipelineError
	if !errors.As(err, &pe) || pe.Code != protocol.ErrorCodeBusy {
		t.Fatalf("second rescan error = %v, want %s", err, protocol.ErrorCodeBusy)
	}
	if pe.StatusCode != 429 {
		t.Fatalf("status = %d, want 429", pe.StatusCode)
	}

	// The gap is per document, not global.
	if _, err := pl.Rescan(context.Background(), docB.ID, protocol.RescanModeLLMOnly); err != nil {
		t.Fatalf("rescan of another document: %v", err)
	}
}

func TestRescan_LLMOnlyLegacyAnswersFirstAndWins(t *testing.T) {
	f := newTestPipeline(t)
	doc, job := f.addDocument(t, "statement.pdf", 1)
	if _, err := f.pl.Process(context.Background(), job); err != nil {
		t.Fatalf("Process: %v", err)
	}

	f.llm.reset()
	f.llm.simple = func() (string, string, error) {
		return "taxes", "tax_return_2023", nil
	}
	f.llm.classify = func() (*model.Classification, error) {
		return &model.Classification{
			Category:          "invoices",
			Confidence:        0.66,
			SuggestedFilename: "acme",
			Summary:           "refined summary",
		}, nil
	}
	renders, recognitions := f.engine.counts()

	res, err := f.pl.Rescan(context.Background(), doc.ID, protocol.RescanModeLLMOnly)
	if err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	if !res.OCRReused {
		t.Fatal("llm_only rescan must not re-run ocr")
	}
	if got := f.llm.callLog(); len(got) != 2 || got[0] != "simple" || got[1] != "classify" {
		t.Fatalf("call order = %v, want [simple classify]", got)
	}

	stored := f.mustGet(t, doc.ID)
	if stored.AICategory != "taxes" || stored.AIFilename != "tax_return_2023" {
		t.Fatalf("legacy verdict lost: %q/%q", stored.AICategory, stored.AIFilename)
	}
	if stored.AISummary != "refined summary" || stored.AIConfidence != 0.66 {
		t.Fatalf("structured refinement lost: %q/%v", stored.AISummary, stored.AIConfidence)
	}
	if stored.State != protocol.DocStateAIDone {
		t.Fatalf("state = %s, want %s", stored.State, protocol.DocStateAIDone)
	}

	renders2, recognitions2 := f.engine.counts()
	if renders2 != renders || recognitions2 != recognitions {
		t.Fatal("llm_only rescan touched the ocr engine")
	}
}

func TestRescan_LLMOnlyStructuredFillsGaps(t *testing.T) {
	f := newTestPipeline(t)
	doc, job := f.addDocument(t, "letter.pdf", 1)
	if _, err := f.pl.Process(context.Background(), job); err != nil {
		t.Fatalf("Process: %v", err)
	}

	f.llm.simple = func() (string, string, error) {
		return "", "", nil
	}

	if _, err := f.pl.Rescan(context.Background(), doc.ID, protocol.RescanModeLLMOnly); err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	stored := f.mustGet(t, doc.ID)
	if stored.AICategory != "invoices" || stored.AIFilename != "acme_invoice_1234" {
		t.Fatalf("structured fallback missing: %q/%q", stored.AICategory, stored.AIFilename)
	}
}

func TestRescan_LLMOnlyReportsWhenBothPathsFail(t *testing.T) {
	f := newTestPipeline(t)
	doc, job := f.addDocument(t, "invoice.pdf", 1)
	if _, err := f.pl.Process(context.Background(), job); err != nil {
		t.Fatalf("Process: %v", err)
	}

	f.llm.simple = func() (string, string, error) {
		return "", "", errors.New("generate endpoint down")
	}
	f.llm.classify = func() (*model.Classification, error) {
		return nil, errors.New("chat endpoint down")
	}

	_, err := f.pl.Rescan(context.Background(), doc.ID, protocol.RescanModeLLMOnly)
	var pe *model.PipelineError
	if !errors.As(err, &pe) || pe.Code != protocol.ErrorCodeLLMUnavailable {
		t.Fatalf("error = %v, want %s", err, protocol.ErrorCodeLLMUnavailable)
	}

	// The stored classification from the first run is untouched.
	stored := f.mustGet(t, doc.ID)
	if stored.AICategory != "invoices" {
		t.Fatalf("category = %q, want invoices", stored.AICategory)
	}
}

func TestRescan_OCRModeDropsBackToOCRDone(t *testing.T) {
	f := newTestPipeline(t)
	doc, job := f.addDocument(t, "invoice.pdf", 1)
	if _, err := f.pl.Process(context.Background(), job); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got := f.mustGet(t, doc.ID); got.State != protocol.DocStateAIDone {
		t.Fatalf("precondition state = %s", got.State)
	}

	f.llm.reset()
	_, recognitions := f.engine.counts()

	// No normalized path on the job: the pipeline resolves the artifact
	// from its hash.
	res, err := f.pl.Rescan(context.Background(), doc.ID, protocol.RescanModeOCR)
	if err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	if res.OCRReused {
		t.Fatal("ocr rescan must not reuse the cache")
	}

	stored := f.mustGet(t, doc.ID)
	if stored.State != protocol.DocStateOCRDone {
		t.Fatalf("state = %s, want %s", stored.State, protocol.DocStateOCRDone)
	}
	if stored.AICategory != "invoices" {
		t.Fatalf("ai fields cleared by ocr rescan: %q", stored.AICategory)
	}
	if _, recognitions2 := f.engine.counts(); recognitions2 <= recognitions {
		t.Fatal("ocr rescan did not re-run recognition")
	}
	if got := f.llm.callLog(); len(got) != 0 {
		t.Fatalf("llm consulted during ocr rescan: %v", got)
	}
}

func TestRescan_OCRAndLLMKeepsFilenameWhileCategoryStable(t *testing.T) {
	f := newTestPipeline(t)
	doc, job := f.addDocument(t, "invoice.pdf", 1)
	if _, err := f.pl.Process(context.Background(), job); err != nil {
		t.Fatalf("Process: %v", err)
	}

	// Same category, new suggestion: the established filename survives.
	f.llm.classify = func() (*model.Classification, error) {
		return &model.Classification{Category: "invoices", Confidence: 0.8, SuggestedFilename: "completely_new_name"}, nil
	}
	if _, err := f.pl.Rescan(context.Background(), doc.ID, protocol.RescanModeOCRAndLLM); err != nil {
		t.Fatalf("first Rescan: %v", err)
	}
	if stored := f.mustGet(t, doc.ID); stored.AIFilename != "acme_invoice_1234" {
		t.Fatalf("filename churned without a category change: %q", stored.AIFilename)
	}

	// Category moves, so the filename regenerates.
	f.llm.classify = func() (*model.Classification, error) {
		return &model.Classification{Category: "receipts", Confidence: 0.8, SuggestedFilename: "shop_receipt_07"}, nil
	}
	if _, err := f.pl.Rescan(context.Background(), doc.ID, protocol.RescanModeOCRAndLLM); err != nil {
		t.Fatalf("second Rescan: %v", err)
	}
	stored := f.mustGet(t, doc.ID)
	if stored.AICategory != "receipts" || stored.AIFilename != "shop_receipt_07" {
		t.Fatalf("regeneration missing: %q/%q", stored.AICategory, stored.AIFilename)
	}
}
