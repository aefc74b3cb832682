// Package pipeline turns intake documents into searchable, classified PDFs.
// Expensive stages are cached against the source file's signature: running an
// unchanged document again returns the stored text and PDF path without
// touching the OCR engine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/paperfold/paperfold/internal/config"
	"github.com/paperfold/paperfold/internal/intake"
	"github.com/paperfold/paperfold/internal/model"
	"github.com/paperfold/paperfold/internal/pdfgen"
	"github.com/paperfold/paperfold/internal/protocol"
)

// Job names one document run. NormalizedPath may be empty; the pipeline then
// resolves the artifact from the document's source hash. ForcedRotation pins
// every page to one angle, bypassing stored overrides and the probe.
type Job struct {
	DocumentID     int64
	NormalizedPath string
	ForcedRotation *int

	// ForceOCR ignores the signature gate; SkipAI stops after the OCR
	// stage. Rescans set these.
	ForceOCR bool
	SkipAI   bool

	// Progress, when non-nil, is invoked at the start of each stage with
	// one of the protocol.Phase* values.
	Progress func(phase string)
}

func (j Job) progress(phase string) {
	if j.Progress != nil {
		j.Progress(phase)
	}
}

// Result reports one completed run.
type Result struct {
	DocumentID     int64
	Pages          int
	FailedPages    int
	Rotation       int
	Text           string
	Signature      string
	SearchablePath string
	OCRReused      bool

	Category   string
	Filename   string
	Summary    string
	Confidence float64

	// AIWarning carries a classification failure that did not fail the
	// document. The AI fields stay empty and the document is rescannable.
	AIWarning string
}

// SearchableWriter assembles the searchable composite PDF. Production uses
// pdfgen.Writer; tests substitute a recorder.
type SearchableWriter interface {
	Write(ctx context.Context, pages []pdfgen.Page, outPath string) error
}

// ArtifactResolver maps a content hash back to a readable file. Implemented
// by intake.Normalizer.
type ArtifactResolver interface {
	ResolveArtifact(hash string) (string, error)
}

// Pipeline runs OCR and classification for single documents. One value is
// shared by all workers; the OCR semaphore caps engine concurrency across
// them.
type Pipeline struct {
	cfg      config.Config
	store    model.Store
	engine   model.OCREngine
	llm      model.LLM
	resolver ArtifactResolver
	writer   SearchableWriter
	log      *zap.Logger

	ocrSem chan struct{}

	rescanMu sync.Mutex
	rescans  map[int64]*rate.Limiter

	probeCount atomic.Int64
}

func New(cfg config.Config, st model.Store, engine model.OCREngine, llm model.LLM, resolver ArtifactResolver, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	parallel := cfg.OCRMaxConcurrent
	if parallel < 1 {
		parallel = 1
	}
	return &Pipeline{
		cfg:      cfg,
		store:    st,
		engine:   engine,
		llm:      llm,
		resolver: resolver,
		writer:   pdfgen.NewWriter(cfg),
		log:      log.Named("pipeline"),
		ocrSem:   make(chan struct{}, parallel),
		rescans:  make(map[int64]*rate.Limiter),
	}
}

// Probes reports how many rotation probes ran since construction. Stored
// overrides and forced angles bypass the probe, which this counter makes
// observable.
func (p *Pipeline) Probes() int64 {
	return p.probeCount.Load()
}

// Process runs the OCR and classification stages for one document. For a
// fixed (document, file signature) pair the call behaves as a pure function:
// repeat invocations return the stored text and searchable path with zero
// engine calls.
func (p *Pipeline) Process(ctx context.Context, job Job) (Result, error) {
	doc, err := p.store.GetSingleDocument(ctx, job.DocumentID)
	if err != nil {
		return Result{}, fmt.Errorf("load document %d: %w", job.DocumentID, err)
	}

	res := Result{DocumentID: doc.ID}

	sig, err := p.signatureFor(doc, job.NormalizedPath)
	if err != nil {
		p.failDocument(ctx, doc.ID, err)
		return res, err
	}
	res.Signature = sig.String()

	// A stored signature that no longer matches means the source content
	// changed since the last run; classification then regenerates the
	// filename.
	contentChanged := doc.OCRSignature != "" && doc.OCRSignature != res.Signature

	job.progress(protocol.PhaseOCR)
	if p.canReuseOCR(doc, res.Signature, job) {
		res.OCRReused = true
		res.Text = doc.OCRText
		res.Rotation = doc.Rotation
		res.SearchablePath = doc.SearchablePath
		if n, err := api.PageCountFile(doc.SearchablePath); err == nil {
			res.Pages = n
		}
	} else {
		if job.NormalizedPath == "" {
			job.NormalizedPath, err = p.resolveNormalized(doc)
			if err != nil {
				p.failDocument(ctx, doc.ID, err)
				return res, err
			}
		}
		out, err := p.runOCR(ctx, job, doc)
		if err != nil {
			p.failDocument(ctx, doc.ID, err)
			return res, err
		}
		res.Pages = out.pages
		res.FailedPages = out.failedPages
		res.Rotation = out.rotation
		res.Text = out.text
		res.SearchablePath = out.searchablePath

		if err := p.store.SetDocumentOCR(ctx, doc.ID, out.text, res.Signature, out.rotation, out.searchablePath); err != nil {
			return res, fmt.Errorf("persist ocr for document %d: %w", doc.ID, err)
		}
	}

	if job.SkipAI {
		return res, nil
	}
	if res.OCRReused && doc.AICategory != "" {
		// The stored classification is still valid for unchanged content.
		res.Category = doc.AICategory
		res.Filename = doc.AIFilename
		res.Summary = doc.AISummary
		res.Confidence = doc.AIConfidence
		return res, nil
	}

	job.progress(protocol.PhaseAIClassify)
	outcome := p.classify(ctx, doc, res, contentChanged)
	if outcome.warning != "" {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.AIWarning = outcome.warning
		return res, nil
	}

	job.progress(protocol.PhasePersist)
	if err := p.persistAI(ctx, doc, outcome); err != nil {
		return res, err
	}
	res.Category = outcome.category
	res.Filename = outcome.filename
	res.Summary = outcome.summary
	res.Confidence = outcome.confidence
	return res, nil
}

// canReuseOCR is the signature gate: a matching stored signature plus an
// existing searchable PDF means the OCR stage can be skipped entirely.
func (p *Pipeline) canReuseOCR(doc model.SingleDocument, sig string, job Job) bool {
	if job.ForceOCR || job.ForcedRotation != nil {
		return false
	}
	if doc.OCRSignature == "" || doc.OCRSignature != sig {
		return false
	}
	return doc.SearchablePath != "" && fileExists(doc.SearchablePath)
}

// signatureFor prefers the original source file; when intake has been
// emptied the normalized copy answers instead so rescans keep working.
func (p *Pipeline) signatureFor(doc model.SingleDocument, normalizedPath string) (model.FileSignature, error) {
	if doc.SourcePath != "" {
		if sig, err := intake.FileSignatureFor(doc.SourcePath); err == nil {
			return sig, nil
		}
	}
	if normalizedPath != "" {
		if sig, err := intake.FileSignatureFor(normalizedPath); err == nil {
			return sig, nil
		}
	}
	if path, err := p.resolveNormalized(doc); err == nil {
		return intake.FileSignatureFor(path)
	}
	return model.FileSignature{}, fmt.Errorf("document %d: no readable source for signature", doc.ID)
}

func (p *Pipeline) resolveNormalized(doc model.SingleDocument) (string, error) {
	if p.resolver == nil {
		return "", fmt.Errorf("document %d has no normalized path and no resolver is configured", doc.ID)
	}
	path, err := p.resolver.ResolveArtifact(doc.SourceHash)
	if err != nil {
		return "", fmt.Errorf("resolve artifact %s: %w", doc.SourceHash, err)
	}
	return path, nil
}

// failDocument records a permanent failure. Cancelled runs are not failures:
// the document keeps its state and the next run picks it up again.
func (p *Pipeline) failDocument(ctx context.Context, id int64, cause error) {
	if ctx.Err() != nil || errors.Is(cause, model.ErrCancelled) {
		return
	}
	if err := p.store.SetDocumentState(ctx, id, protocol.DocStateFailed, cause.Error()); err != nil {
		p.log.Warn("mark document failed", zap.Int64("document", id), zap.Error(err))
	}
	p.audit(ctx, "document_failed", map[string]any{"document_id": id, "error": cause.Error()})
}

func (p *Pipeline) audit(ctx context.Context, event string, payload any) {
	if err := p.store.AppendInteraction(ctx, event, payload); err != nil {
		p.log.Debug("interaction log write failed", zap.String("event", event), zap.Error(err))
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
