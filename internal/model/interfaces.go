package model

import (
	"context"
	"image"
)

// Store persists batches, documents, pages, signatures and rotation
// overrides. All mutations run inside transactions.
type Store interface {
	Init(ctx context.Context) error
	Close() error

	// GetOrCreateProcessingBatch is the Batch Guard: under concurrent
	// callers exactly one batch per kind is created; the others receive
	// the winner's row.
	GetOrCreateProcessingBatch(ctx context.Context, kind string) (Batch, error)
	GetBatch(ctx context.Context, id int64) (Batch, error)
	ListBatches(ctx context.Context) ([]Batch, error)
	// TransitionBatch moves a batch from one status to another atomically;
	// it fails with ErrNotFound when the current status does not match.
	TransitionBatch(ctx context.Context, id int64, from, to string) error
	SweepEmptyProcessingBatches(ctx context.Context) (int, error)

	InsertSingleDocument(ctx context.Context, doc SingleDocument) (int64, error)
	GetSingleDocument(ctx context.Context, id int64) (SingleDocument, error)
	FindSingleDocument(ctx context.Context, batchID int64, sourceHash string) (SingleDocument, error)
	ListSingleDocuments(ctx context.Context, batchID int64) ([]SingleDocument, error)
	SetDocumentOCR(ctx context.Context, id int64, text, signature string, rotation int, searchablePath string) error
	SetDocumentAI(ctx context.Context, id int64, category, filename, summary string, confidence float64) error
	SetDocumentFinal(ctx context.Context, id int64, category, filename string) error
	SetDocumentState(ctx context.Context, id int64, state, errMsg string) error

	InsertGroupedDocument(ctx context.Context, doc GroupedDocument) (int64, error)
	GetGroupedDocument(ctx context.Context, id int64) (GroupedDocument, error)
	ListGroupedDocuments(ctx context.Context, batchID int64) ([]GroupedDocument, error)

	SetRotationOverride(ctx context.Context, artifactHash string, pageIndex, angle int) error
	GetRotationOverride(ctx context.Context, artifactHash string, pageIndex int) (int, bool, error)
	ListRotationOverrides(ctx context.Context, artifactHash string) (map[int]int, error)

	// AppendInteraction records a lifecycle event in the audit log. It is
	// best-effort: deployments without the table lose the event silently.
	AppendInteraction(ctx context.Context, event string, payload any) error
}

// OCREngine renders PDF pages and recognizes text on the rendered images.
// Implementations are swapped by configuration.
type OCREngine interface {
	RenderPage(ctx context.Context, pdfPath string, pageIndex int, scale float64) (image.Image, error)
	Recognize(ctx context.Context, img image.Image) (OCRResult, error)
}

// LLM is the remote classification collaborator. All methods degrade
// gracefully: a nil result with an error means the caller proceeds without
// AI fields.
type LLM interface {
	Classify(ctx context.Context, text, filename string, pageCount int, sizeMB float64) (*Classification, error)
	AnalyzeDocumentType(ctx context.Context, samples []string, filename string, pageCount int, sizeMB float64) (*TypeAnalysis, error)
	ExtractTags(ctx context.Context, text string) (*Tags, error)

	// SimpleClassify is the legacy single-shot classifier. Rescans in
	// llm_only mode consult it before the structured path so that runtime
	// overrides keep steering the outcome.
	SimpleClassify(ctx context.Context, text string) (category, filename string, err error)
}

// Normalizer converts artifacts into canonical PDFs keyed by content hash.
type Normalizer interface {
	Normalize(ctx context.Context, artifact Artifact) (path string, reused bool, err error)
}
