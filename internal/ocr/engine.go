// Package ocr renders PDF pages and recognizes text on them. The production
// engine pairs MuPDF rasterization with Tesseract; a deterministic stub
// backs fast test mode.
package ocr

import (
	"github.com/paperfold/paperfold/internal/config"
	"github.com/paperfold/paperfold/internal/model"
)

// New selects the engine configured by ocr_engine. Fast test mode always
// gets the stub regardless of the configured engine.
func New(cfg config.Config) model.OCREngine {
	if cfg.FastTestMode || cfg.OCREngine == "stub" {
		return NewStubEngine()
	}
	return NewTesseractEngine(cfg.OCRLanguage)
}
