package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/paperfold/paperfold/internal/model"
	"github.com/paperfold/paperfold/internal/protocol"
)

// Rescan re-runs pipeline stages for one stored document. Mode ocr repeats
// recognition only and drops the document back to ocr_done; llm_only repeats
// classification against the stored text; ocr_and_llm repeats both.
func (p *Pipeline) Rescan(ctx context.Context, documentID int64, mode string) (Result, error) {
	switch mode {
	case protocol.RescanModeOCR, protocol.RescanModeLLMOnly, protocol.RescanModeOCRAndLLM:
	default:
		return Result{}, model.NewUserInputError(fmt.Sprintf("unknown rescan mode %q", mode))
	}

	if !p.allowRescan(documentID) {
		return Result{}, &model.PipelineError{
			Code:       protocol.ErrorCodeBusy,
			Message:    fmt.Sprintf("document %d was rescanned less than %ds ago", documentID, p.cfg.RescanMinGapSecs),
			Retryable:  true,
			StatusCode: 429,
		}
	}
	p.audit(ctx, "document_rescan", map[string]any{"document_id": documentID, "mode": mode})

	if mode == protocol.RescanModeLLMOnly {
		doc, err := p.store.GetSingleDocument(ctx, documentID)
		if err != nil {
			return Result{}, fmt.Errorf("load document %d: %w", documentID, err)
		}
		return p.rescanLLMOnly(ctx, doc)
	}

	return p.Process(ctx, Job{
		DocumentID: documentID,
		ForceOCR:   true,
		SkipAI:     mode == protocol.RescanModeOCR,
	})
}

// rescanLLMOnly reclassifies from the stored OCR text. The legacy one-shot
// classifier answers first and its category and filename win; the structured
// classifier refines confidence and summary and only fills fields the legacy
// path left empty.
func (p *Pipeline) rescanLLMOnly(ctx context.Context, doc model.SingleDocument) (Result, error) {
	if p.llm == nil {
		return Result{}, &model.PipelineError{
			Code:    protocol.ErrorCodeLLMUnavailable,
			Message: "no llm configured",
		}
	}

	res := Result{
		DocumentID:     doc.ID,
		Rotation:       doc.Rotation,
		Text:           doc.OCRText,
		Signature:      doc.OCRSignature,
		SearchablePath: doc.SearchablePath,
		OCRReused:      true,
	}

	category, filename, legacyErr := p.llm.SimpleClassify(ctx, doc.OCRText)
	if legacyErr != nil {
		p.log.Warn("legacy classifier failed", zap.Int64("document", doc.ID), zap.Error(legacyErr))
		category, filename = "", ""
	}

	out := aiOutcome{category: category, filename: filename}
	cls, clsErr := p.llm.Classify(ctx, doc.OCRText, filepath.Base(doc.SourcePath),
		pageCountOf(doc.SearchablePath), sizeMBOf(doc.SourcePath))
	if clsErr == nil && cls != nil {
		if out.category == "" {
			out.category = cls.Category
		}
		if out.filename == "" {
			out.filename = cls.SuggestedFilename
		}
		out.summary = cls.Summary
		out.confidence = cls.Confidence
	}

	if err := ctx.Err(); err != nil {
		return res, err
	}
	if legacyErr != nil && (clsErr != nil || cls == nil) {
		return res, &model.PipelineError{
			Code:      protocol.ErrorCodeLLMUnavailable,
			Message:   fmt.Sprintf("reclassify document %d", doc.ID),
			Retryable: true,
			Cause:     clsErr,
		}
	}

	if err := p.persistAI(ctx, doc, out); err != nil {
		return res, err
	}
	res.Category = out.category
	res.Filename = out.filename
	res.Summary = out.summary
	res.Confidence = out.confidence
	return res, nil
}

// allowRescan enforces the configured gap between rescans of one document.
// Each document gets its own limiter; a zero gap disables throttling.
func (p *Pipeline) allowRescan(documentID int64) bool {
	gap := time.Duration(p.cfg.RescanMinGapSecs) * time.Second
	if gap <= 0 {
		return true
	}
	p.rescanMu.Lock()
	lim, ok := p.rescans[documentID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(gap), 1)
		p.rescans[documentID] = lim
	}
	p.rescanMu.Unlock()
	return lim.Allow()
}

func pageCountOf(path string) int {
	if path == "" {
		return 0
	}
	n, err := api.PageCountFile(path)
	if err != nil {
		return 0
	}
	return n
}
