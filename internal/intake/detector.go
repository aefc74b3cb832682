// Package intake watches the user-facing intake directory: it detects what
// kind of file arrived, normalizes everything into content-addressed PDFs,
// and decides whether an artifact is one document or a scan stack that needs
// splitting. Source files are never mutated.
package intake

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"go.uber.org/zap"

	"github.com/paperfold/paperfold/internal/config"
	"github.com/paperfold/paperfold/internal/model"
	"github.com/paperfold/paperfold/internal/protocol"
)

// Detector produces per-file analyses for the intake directory. Completed
// analyses are cached in memory until invalidated, so repeated scans of an
// unchanged directory cost one pass of hashing work, not repeated OCR.
type Detector struct {
	cfg  config.Config
	norm model.Normalizer
	ocr  model.OCREngine
	llm  model.LLM
	log  *zap.Logger

	mu       sync.Mutex
	analyses map[string]model.Analysis
}

// NewDetector wires the detector. llm may be nil; analysis then relies on
// heuristics alone.
func NewDetector(cfg config.Config, norm model.Normalizer, engine model.OCREngine, llm model.LLM, log *zap.Logger) *Detector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Detector{
		cfg:      cfg,
		norm:     norm,
		ocr:      engine,
		llm:      llm,
		log:      log,
		analyses: make(map[string]model.Analysis),
	}
}

// ScanDir analyzes every file in the intake directory. Hidden files and
// subdirectories are ignored; per-file problems land in the analysis record
// and never abort the scan.
func (d *Detector) ScanDir(ctx context.Context) ([]model.Analysis, error) {
	entries, err := os.ReadDir(d.cfg.IntakeDir)
	if err != nil {
		return nil, fmt.Errorf("read intake dir %s: %w", d.cfg.IntakeDir, err)
	}

	analyses := make([]model.Analysis, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		analysis, err := d.Analyze(ctx, filepath.Join(d.cfg.IntakeDir, entry.Name()))
		if err != nil {
			return analyses, err
		}
		analyses = append(analyses, analysis)
	}

	d.log.Info("intake scan complete", zap.Int("files", len(analyses)))
	return analyses, nil
}

// Analyze classifies one intake file. The returned error is reserved for
// context cancellation; file-level failures are reported inside the
// analysis so sibling files keep scanning.
func (d *Detector) Analyze(ctx context.Context, path string) (model.Analysis, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	d.mu.Lock()
	cached, ok := d.analyses[abs]
	d.mu.Unlock()
	if ok {
		return cached, nil
	}

	analysis, err := d.analyze(ctx, abs)
	if err != nil {
		return model.Analysis{}, err
	}

	d.mu.Lock()
	d.analyses[abs] = analysis
	d.mu.Unlock()
	return analysis, nil
}

// InvalidateAnalyses drops every cached analysis; the next scan starts
// fresh. Exposed for the force-reanalysis path.
func (d *Detector) InvalidateAnalyses() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.analyses = make(map[string]model.Analysis)
}

func (d *Detector) analyze(ctx context.Context, path string) (model.Analysis, error) {
	analysis := model.Analysis{Artifact: model.Artifact{Path: path, Kind: KindFor(path)}}

	if analysis.Artifact.Kind == protocol.KindUnknown {
		analysis.Skipped = true
		analysis.Error = fmt.Sprintf("unsupported file extension %q", filepath.Ext(path))
		return analysis, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return failedAnalysis(analysis, fmt.Sprintf("stat file: %v", err)), nil
	}
	if info.Size() == 0 {
		return failedAnalysis(analysis, "file is empty"), nil
	}
	analysis.Artifact.Size = info.Size()
	analysis.SizeMB = float64(info.Size()) / (1024 * 1024)

	hash, err := HashFile(path)
	if err != nil {
		return failedAnalysis(analysis, fmt.Sprintf("hash file: %v", err)), nil
	}
	analysis.Artifact.Hash = hash

	normalizedPath, reused, err := d.norm.Normalize(ctx, analysis.Artifact)
	if err != nil {
		if ctx.Err() != nil {
			return model.Analysis{}, ctx.Err()
		}
		return failedAnalysis(analysis, fmt.Sprintf("normalize: %v", err)), nil
	}
	analysis.NormalizedPath = normalizedPath
	analysis.Reused = reused

	if analysis.Artifact.Kind == protocol.KindImage {
		analysis.PageCount = 1
		analysis.Strategy = protocol.StrategySingleDocument
		analysis.Confidence = 1.0
		analysis.Reasoning = []string{"raw image intake is always a single document"}
		return analysis, nil
	}

	pageCount, err := api.PageCountFile(normalizedPath)
	if err != nil {
		return failedAnalysis(analysis, fmt.Sprintf("open pdf: %v", err)), nil
	}
	analysis.PageCount = pageCount

	samples := d.samples(ctx, normalizedPath, pageCount)
	if err := ctx.Err(); err != nil {
		return model.Analysis{}, err
	}

	score := scoreStrategy(filepath.Base(path), pageCount, analysis.SizeMB, samples)
	analysis.Strategy, analysis.Confidence = score.verdict()
	analysis.Reasoning = score.reasoning

	if score.needsConsult(pageCount) && d.llm != nil {
		verdict, err := d.llm.AnalyzeDocumentType(ctx, samples, filepath.Base(path), pageCount, analysis.SizeMB)
		switch {
		case err != nil || verdict == nil:
			analysis.Reasoning = append(analysis.Reasoning, "llm consult unavailable, keeping heuristic strategy")
			d.log.Warn("strategy consult failed",
				zap.String("file", filepath.Base(path)),
				zap.Error(err))
		default:
			applyLLMVerdict(&analysis, verdict)
		}
	}

	return analysis, nil
}

// samples extracts text from the representative pages, preferring the
// embedded text layer and falling back to OCR when every sample is empty.
func (d *Detector) samples(ctx context.Context, path string, pageCount int) []string {
	pages := sampledPages(pageCount)
	samples := embeddedSamples(path, pages)
	if !allEmpty(samples) {
		return samples
	}
	if d.ocr == nil {
		return samples
	}

	out := make([]string, len(pages))
	for i, pageIndex := range pages {
		if ctx.Err() != nil {
			return out
		}
		img, err := d.ocr.RenderPage(ctx, path, pageIndex, d.cfg.OCRRenderScale)
		if err != nil {
			d.log.Debug("sample render failed", zap.String("pdf", path), zap.Int("page", pageIndex), zap.Error(err))
			continue
		}
		result, err := d.ocr.Recognize(ctx, img)
		if err != nil {
			d.log.Debug("sample ocr failed", zap.String("pdf", path), zap.Int("page", pageIndex), zap.Error(err))
			continue
		}
		out[i] = result.Text
	}
	return out
}

// sampledPages picks the probe pages: the only page, the outer pair, or
// first, middle and last.
func sampledPages(pageCount int) []int {
	switch {
	case pageCount <= 1:
		return []int{0}
	case pageCount == 2:
		return []int{0, 1}
	default:
		return []int{0, pageCount / 2, pageCount - 1}
	}
}

// embeddedSamples reads the embedded text layer of the listed pages. The
// parser panics on some malformed files; a panic downgrades to the OCR
// fallback instead of crashing the scan.
func embeddedSamples(path string, pages []int) (samples []string) {
	defer func() {
		if recover() != nil {
			samples = nil
		}
	}()

	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil
	}
	defer func() { _ = f.Close() }()

	samples = make([]string, len(pages))
	for i, pageIndex := range pages {
		page := reader.Page(pageIndex + 1)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		samples[i] = text
	}
	return samples
}

func allEmpty(samples []string) bool {
	for _, s := range samples {
		if strings.TrimSpace(s) != "" {
			return false
		}
	}
	return true
}

func failedAnalysis(analysis model.Analysis, diagnostic string) model.Analysis {
	analysis.Failed = true
	analysis.Error = diagnostic
	return analysis
}
