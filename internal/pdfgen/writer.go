// Package pdfgen assembles searchable PDFs: each page is the rasterized
// source page with the recognized text stamped invisibly on top, so text
// selection and indexing work against a purely graphical original.
package pdfgen

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	pdfcpumodel "github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/paperfold/paperfold/internal/config"
)

// Page is one rendered page plus its recognized text.
type Page struct {
	Image image.Image
	Text  string
}

// Writer builds the searchable composite with pdfcpu. The overlay text is
// capped per page and stamped at opacity zero.
type Writer struct {
	Quality   int
	TextLimit int
}

func NewWriter(cfg config.Config) *Writer {
	return &Writer{
		Quality:   cfg.NormalizeQuality,
		TextLimit: cfg.OCROverlayTextLimit,
	}
}

const overlayDesc = "font:Helvetica, points:6, pos:tl, off:6 -6, op:0, rot:0"

// Write assembles outPath from pages. The file appears atomically: assembly
// happens in a scratch dir and the finished PDF is renamed into place.
func (w *Writer) Write(ctx context.Context, pages []Page, outPath string) error {
	if len(pages) == 0 {
		return fmt.Errorf("no pages to write")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	scratch, err := os.MkdirTemp(filepath.Dir(outPath), ".pdfgen-*")
	if err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(scratch) }()

	imgFiles := make([]string, 0, len(pages))
	for i, page := range pages {
		if err := ctx.Err(); err != nil {
			return err
		}
		imgPath := filepath.Join(scratch, fmt.Sprintf("page_%04d.jpg", i))
		if err := w.encodeJPEG(page.Image, imgPath); err != nil {
			return fmt.Errorf("encode page %d: %w", i, err)
		}
		imgFiles = append(imgFiles, imgPath)
	}

	conf := pdfcpumodel.NewDefaultConfiguration()
	assembled := filepath.Join(scratch, "assembled.pdf")
	if err := api.ImportImagesFile(imgFiles, assembled, nil, conf); err != nil {
		return fmt.Errorf("import page images: %w", err)
	}

	for i, page := range pages {
		if err := ctx.Err(); err != nil {
			return err
		}
		overlay := OverlayText(page.Text, w.TextLimit)
		if overlay == "" {
			continue
		}
		pageNo := []string{strconv.Itoa(i + 1)}
		if err := api.AddTextWatermarksFile(assembled, "", pageNo, true, overlay, overlayDesc, conf); err != nil {
			return fmt.Errorf("overlay text on page %d: %w", i, err)
		}
	}

	if err := os.Rename(assembled, outPath); err != nil {
		return fmt.Errorf("publish %s: %w", outPath, err)
	}
	return nil
}

func (w *Writer) encodeJPEG(img image.Image, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	quality := w.Quality
	if quality < 1 || quality > 100 {
		quality = 95
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: quality}); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// OverlayText prepares recognized text for stamping: runes the Helvetica
// core font cannot encode are dropped, and the result is cut at limit bytes
// on a rune boundary. A limit of zero disables the overlay.
func OverlayText(text string, limit int) string {
	if limit == 0 {
		return ""
	}

	var sb strings.Builder
	for _, r := range text {
		switch {
		case r == '\n' || r == '\t':
			sb.WriteRune(' ')
		case r < 0x20:
			// control characters
		case r < 0x100:
			sb.WriteRune(r)
		default:
			sb.WriteRune(' ')
		}
	}
	out := strings.Join(strings.Fields(sb.String()), " ")

	if limit < 0 || len(out) <= limit {
		return out
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(out[cut]) {
		cut--
	}
	return strings.TrimSpace(out[:cut])
}
