package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/paperfold/paperfold/internal/model"
)

type aiOutcome struct {
	category   string
	filename   string
	summary    string
	confidence float64
	warning    string
}

// classify asks the LLM for a category and filename. A previously chosen
// filename survives unless the category changed, the source content changed
// or no filename exists yet.
func (p *Pipeline) classify(ctx context.Context, doc model.SingleDocument, res Result, contentChanged bool) aiOutcome {
	if p.llm == nil {
		return aiOutcome{warning: "no llm configured"}
	}

	sourceName := filepath.Base(doc.SourcePath)
	cls, err := p.llm.Classify(ctx, res.Text, sourceName, res.Pages, sizeMBOf(doc.SourcePath))
	if err == nil && cls == nil {
		err = fmt.Errorf("empty classification")
	}
	if err != nil {
		p.log.Warn("classification failed, leaving ai fields empty",
			zap.Int64("document", doc.ID),
			zap.Error(err))
		return aiOutcome{warning: fmt.Sprintf("classification failed: %v", err)}
	}

	filename := cls.SuggestedFilename
	if doc.AIFilename != "" && !contentChanged && cls.Category == doc.AICategory {
		filename = doc.AIFilename
	}
	return aiOutcome{
		category:   cls.Category,
		filename:   filename,
		summary:    cls.Summary,
		confidence: cls.Confidence,
	}
}

func (p *Pipeline) persistAI(ctx context.Context, doc model.SingleDocument, out aiOutcome) error {
	if err := p.store.SetDocumentAI(ctx, doc.ID, out.category, out.filename, out.summary, out.confidence); err != nil {
		return fmt.Errorf("persist classification for document %d: %w", doc.ID, err)
	}
	if out.category != doc.AICategory {
		p.audit(ctx, "category_changed", map[string]any{
			"document_id": doc.ID,
			"from":        doc.AICategory,
			"to":          out.category,
		})
	}
	return nil
}

func sizeMBOf(path string) float64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return float64(info.Size()) / (1024 * 1024)
}
