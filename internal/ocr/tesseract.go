package ocr

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/otiai10/gosseract/v2"

	"github.com/paperfold/paperfold/internal/model"
	"github.com/paperfold/paperfold/internal/protocol"
)

// TesseractEngine renders pages with MuPDF and recognizes them with a fresh
// Tesseract client per call. Clients are not safe for concurrent use, so no
// client state is kept on the struct.
type TesseractEngine struct {
	language string
}

func NewTesseractEngine(language string) *TesseractEngine {
	if strings.TrimSpace(language) == "" {
		language = "eng"
	}
	return &TesseractEngine{language: language}
}

// RenderPage rasterizes one page at scale x 72 DPI.
func (e *TesseractEngine) RenderPage(ctx context.Context, pdfPath string, pageIndex int, scale float64) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, err := fitz.New(pdfPath)
	if err != nil {
		return nil, &model.PipelineError{
			Code:    protocol.ErrorCodeOCRFailed,
			Message: fmt.Sprintf("open %s for rendering", pdfPath),
			Cause:   err,
		}
	}
	defer func() { _ = doc.Close() }()

	if pageIndex < 0 || pageIndex >= doc.NumPage() {
		return nil, model.NewUserInputError(fmt.Sprintf("page %d out of range (document has %d pages)", pageIndex, doc.NumPage()))
	}

	if scale <= 0 {
		scale = 2.0
	}
	img, err := doc.ImageDPI(pageIndex, scale*72)
	if err != nil {
		return nil, &model.PipelineError{
			Code:      protocol.ErrorCodeOCRFailed,
			Message:   fmt.Sprintf("render page %d of %s", pageIndex, pdfPath),
			Retryable: true,
			Cause:     err,
		}
	}
	return img, nil
}

// Recognize runs Tesseract over the rendered image. The call itself cannot
// be interrupted, so it runs on its own goroutine and the context deadline
// abandons the wait.
func (e *TesseractEngine) Recognize(ctx context.Context, img image.Image) (model.OCRResult, error) {
	if err := ctx.Err(); err != nil {
		return model.OCRResult{}, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return model.OCRResult{}, fmt.Errorf("encode page image: %w", err)
	}

	type outcome struct {
		result model.OCRResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := e.recognize(buf.Bytes())
		done <- outcome{result: result, err: err}
	}()

	select {
	case <-ctx.Done():
		return model.OCRResult{}, &model.PipelineError{
			Code:      protocol.ErrorCodeOCRFailed,
			Message:   "recognition timed out",
			Retryable: true,
			Cause:     ctx.Err(),
		}
	case out := <-done:
		return out.result, out.err
	}
}

func (e *TesseractEngine) recognize(pngBytes []byte) (model.OCRResult, error) {
	client := gosseract.NewClient()
	defer func() { _ = client.Close() }()

	_ = client.SetLanguage(strings.Split(e.language, "+")...)
	_ = client.SetPageSegMode(gosseract.PSM_AUTO)
	if err := client.SetImageFromBytes(pngBytes); err != nil {
		return model.OCRResult{}, &model.PipelineError{
			Code: protocol.ErrorCodeOCRFailed, Message: "load page image", Retryable: true, Cause: err,
		}
	}

	text, err := client.Text()
	if err != nil {
		return model.OCRResult{}, &model.PipelineError{
			Code: protocol.ErrorCodeOCRFailed, Message: "recognize page", Retryable: true, Cause: err,
		}
	}

	result := model.OCRResult{Text: text}
	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		// Text exists; keep it and carry on without word geometry.
		return result, nil
	}

	var sum float64
	for _, b := range boxes {
		word := strings.TrimSpace(b.Word)
		if word == "" {
			continue
		}
		result.Words = append(result.Words, model.WordBox{
			Text:       word,
			Confidence: b.Confidence,
			X0:         b.Box.Min.X,
			Y0:         b.Box.Min.Y,
			X1:         b.Box.Max.X,
			Y1:         b.Box.Max.Y,
		})
		sum += b.Confidence
	}
	if len(result.Words) > 0 {
		result.Confidence = sum / float64(len(result.Words))
	}
	return result, nil
}
