package pipeline

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/paperfold/paperfold/internal/intake"
	"github.com/paperfold/paperfold/internal/model"
	"github.com/paperfold/paperfold/internal/ocr"
	"github.com/paperfold/paperfold/internal/pdfgen"
	"github.com/paperfold/paperfold/internal/protocol"
)

// ocrRetryBackoff delays the second and third recognition attempt for a
// page. Tests shrink it.
var ocrRetryBackoff = []time.Duration{time.Second, 4 * time.Second}

// probeAngles are tried in order; ties keep the earlier angle.
var probeAngles = []int{0, 90, 180, 270}

// Probe scoring: recognition confidence dominates, recovered text length
// separates orientations that score equally well on confidence alone.
const (
	probeConfWeight = 1.0
	probeTextWeight = 0.05
	probeTextCap    = 600
)

type ocrOutput struct {
	pages          int
	failedPages    int
	rotation       int
	text           string
	searchablePath string
}

type pageOCR struct {
	text     string
	rotation int
	image    image.Image
	err      error
}

// runOCR recognizes every page, assembles the searchable composite and
// returns the joined text. A failed page degrades to an empty page in the
// composite; only a document with no readable pages at all fails.
func (p *Pipeline) runOCR(ctx context.Context, job Job, doc model.SingleDocument) (ocrOutput, error) {
	pageCount, err := api.PageCountFile(job.NormalizedPath)
	if err != nil {
		// The resolver hands back the original image when the normalized
		// copy was evicted; MuPDF renders those directly as one page.
		if intake.KindFor(job.NormalizedPath) == protocol.KindImage {
			pageCount = 1
		} else {
			return ocrOutput{}, &model.PipelineError{
				Code:    protocol.ErrorCodeOCRFailed,
				Message: fmt.Sprintf("open %s: not a readable pdf", job.NormalizedPath),
				Cause:   err,
			}
		}
	}

	results := make([]pageOCR, pageCount)
	for i := 0; i < pageCount; i++ {
		if err := ctx.Err(); err != nil {
			return ocrOutput{}, err
		}
		results[i] = p.ocrPage(ctx, job, doc, i)
		if results[i].err != nil {
			p.log.Warn("page recognition failed",
				zap.Int64("document", doc.ID),
				zap.Int("page", i),
				zap.Error(results[i].err))
		}
	}

	out := ocrOutput{pages: pageCount, rotation: -1}
	texts := make([]string, 0, pageCount)
	writerPages := make([]pdfgen.Page, 0, pageCount)
	for _, r := range results {
		if r.err != nil {
			out.failedPages++
		}
		texts = append(texts, r.text)
		img := r.image
		if img == nil {
			img = placeholderPage(results)
		}
		writerPages = append(writerPages, pdfgen.Page{Image: img, Text: r.text})
		if out.rotation < 0 && r.err == nil {
			out.rotation = r.rotation
		}
	}
	if out.failedPages == pageCount {
		return ocrOutput{}, &model.PipelineError{
			Code:    protocol.ErrorCodeOCRFailed,
			Message: fmt.Sprintf("all %d pages failed recognition", pageCount),
			Cause:   results[0].err,
		}
	}
	if out.rotation < 0 {
		out.rotation = 0
	}
	out.text = strings.TrimSpace(strings.Join(texts, "\n\n"))

	if err := os.MkdirAll(p.cfg.ProcessedDir, 0o755); err != nil {
		return ocrOutput{}, fmt.Errorf("create processed dir: %w", err)
	}
	out.searchablePath = filepath.Join(p.cfg.ProcessedDir, doc.SourceHash+".pdf")
	if err := p.writer.Write(ctx, writerPages, out.searchablePath); err != nil {
		return ocrOutput{}, fmt.Errorf("write searchable pdf: %w", err)
	}
	return out, nil
}

func (p *Pipeline) ocrPage(ctx context.Context, job Job, doc model.SingleDocument, pageIndex int) pageOCR {
	timeout := time.Duration(p.cfg.OCRTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	pageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	angle, pinned := p.pinnedAngle(pageCtx, job, doc, pageIndex)
	if !pinned {
		return p.probePage(pageCtx, job.NormalizedPath, pageIndex)
	}

	img, err := p.engine.RenderPage(pageCtx, job.NormalizedPath, pageIndex, p.cfg.OCRRenderScale)
	if err != nil {
		return pageOCR{rotation: angle, err: err}
	}
	rotated := ocr.Rotate(img, angle)
	res, err := p.recognizeWithRetry(pageCtx, rotated)
	if err != nil {
		return pageOCR{rotation: angle, image: rotated, err: err}
	}
	return pageOCR{text: strings.TrimSpace(res.Text), rotation: angle, image: rotated}
}

// pinnedAngle reports a fixed rotation for the page: an explicit job-level
// angle first, then a stored per-page override.
func (p *Pipeline) pinnedAngle(ctx context.Context, job Job, doc model.SingleDocument, pageIndex int) (int, bool) {
	if job.ForcedRotation != nil && model.ValidAngle(*job.ForcedRotation) {
		return *job.ForcedRotation, true
	}
	angle, ok, err := p.store.GetRotationOverride(ctx, doc.SourceHash, pageIndex)
	if err != nil {
		p.log.Warn("rotation override lookup failed",
			zap.String("artifact", doc.SourceHash),
			zap.Int("page", pageIndex),
			zap.Error(err))
		return 0, false
	}
	return angle, ok
}

// probePage renders the page once, recognizes it at all four orientations in
// parallel and keeps the best-scoring result.
func (p *Pipeline) probePage(ctx context.Context, pdfPath string, pageIndex int) pageOCR {
	p.probeCount.Add(1)

	img, err := p.engine.RenderPage(ctx, pdfPath, pageIndex, p.cfg.OCRRenderScale)
	if err != nil {
		return pageOCR{err: err}
	}

	type candidate struct {
		rotated image.Image
		result  model.OCRResult
		err     error
	}
	candidates := make([]candidate, len(probeAngles))

	g, probeCtx := errgroup.WithContext(ctx)
	for i, angle := range probeAngles {
		g.Go(func() error {
			rotated := ocr.Rotate(img, angle)
			result, err := p.recognizeWithRetry(probeCtx, rotated)
			candidates[i] = candidate{rotated: rotated, result: result, err: err}
			return nil
		})
	}
	_ = g.Wait()

	best := -1
	var bestScore float64
	for i, c := range candidates {
		if c.err != nil {
			continue
		}
		score := probeScore(c.result)
		if best < 0 || score > bestScore {
			best = i
			bestScore = score
		}
	}
	if best < 0 {
		return pageOCR{err: candidates[0].err}
	}
	return pageOCR{
		text:     strings.TrimSpace(candidates[best].result.Text),
		rotation: probeAngles[best],
		image:    candidates[best].rotated,
	}
}

func probeScore(res model.OCRResult) float64 {
	textLen := len(strings.TrimSpace(res.Text))
	if textLen > probeTextCap {
		textLen = probeTextCap
	}
	return res.Confidence*probeConfWeight + float64(textLen)*probeTextWeight
}

// recognizeWithRetry runs recognition under the OCR concurrency cap,
// retrying transient engine failures with growing delays.
func (p *Pipeline) recognizeWithRetry(ctx context.Context, img image.Image) (model.OCRResult, error) {
	var lastErr error
	for attempt := 0; attempt <= len(ocrRetryBackoff); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return model.OCRResult{}, ctx.Err()
			case <-time.After(ocrRetryBackoff[attempt-1]):
			}
		}

		if err := p.acquireOCR(ctx); err != nil {
			return model.OCRResult{}, err
		}
		res, err := p.engine.Recognize(ctx, img)
		p.releaseOCR()

		if err == nil {
			return res, nil
		}
		lastErr = err
		if !model.Retryable(err) {
			break
		}
		p.log.Debug("recognition attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return model.OCRResult{}, lastErr
}

func (p *Pipeline) acquireOCR(ctx context.Context) error {
	select {
	case p.ocrSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) releaseOCR() {
	<-p.ocrSem
}

// placeholderPage keeps page numbering intact when a render fails: a white
// page sized like its siblings stands in for the missing raster.
func placeholderPage(results []pageOCR) image.Image {
	w, h := 850, 1100
	for _, r := range results {
		if r.image != nil {
			b := r.image.Bounds()
			w, h = b.Dx(), b.Dy()
			break
		}
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	return img
}
