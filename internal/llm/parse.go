package llm

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/paperfold/paperfold/internal/model"
)

// Token budget approximation: roughly four characters per token, with head
// room reserved for the prompt scaffold and the response.
const (
	charsPerToken       = 4
	promptReserveTokens = 1024
	minSampleChars      = 2048
)

// extractJSON returns the outermost JSON object in raw, tolerating markdown
// fences and prose around it.
func extractJSON(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return ""
	}
	return raw[start : end+1]
}

func parseClassification(raw string) (*model.Classification, error) {
	payload := extractJSON(raw)
	if payload == "" {
		return nil, fmt.Errorf("no JSON object in response %q", clip(raw))
	}
	var c model.Classification
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return nil, fmt.Errorf("parse classification: %w", err)
	}
	c.Category = strings.TrimSpace(c.Category)
	c.SuggestedFilename = strings.TrimSpace(c.SuggestedFilename)
	// Some models answer in percent despite the asked-for 0..1 scale.
	if c.Confidence > 1 && c.Confidence <= 100 {
		c.Confidence /= 100
	}
	c.Confidence = clampFloat(c.Confidence, 0, 1)
	return &c, nil
}

func parseTypeAnalysis(raw string) (*model.TypeAnalysis, error) {
	payload := extractJSON(raw)
	if payload == "" {
		return nil, fmt.Errorf("no JSON object in response %q", clip(raw))
	}
	var ta model.TypeAnalysis
	if err := json.Unmarshal([]byte(payload), &ta); err != nil {
		return nil, fmt.Errorf("parse type analysis: %w", err)
	}
	ta.Classification = strings.TrimSpace(ta.Classification)
	if ta.Confidence <= 1 && ta.Confidence > 0 {
		ta.Confidence *= 100
	}
	ta.Confidence = clampFloat(ta.Confidence, 0, 100)
	return &ta, nil
}

func parseTags(raw string) (*model.Tags, error) {
	payload := extractJSON(raw)
	if payload == "" {
		return nil, fmt.Errorf("no JSON object in response %q", clip(raw))
	}
	var tags model.Tags
	if err := json.Unmarshal([]byte(payload), &tags); err != nil {
		return nil, fmt.Errorf("parse tags: %w", err)
	}
	return &tags, nil
}

// parseSimple splits the legacy "category|filename" single-line reply.
func parseSimple(raw string) (category, filename string) {
	line := strings.TrimSpace(raw)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	category, filename, found := strings.Cut(line, "|")
	category = strings.TrimSpace(category)
	if !found {
		return category, ""
	}
	return category, strings.TrimSpace(filename)
}

// truncateForContext caps text so prompt plus reply fit the model's context
// window, cutting on a rune boundary.
func truncateForContext(text string, window int) string {
	if window <= 0 {
		return text
	}
	maxChars := (window - promptReserveTokens) * charsPerToken
	if maxChars < minSampleChars {
		maxChars = minSampleChars
	}
	if len(text) <= maxChars {
		return text
	}
	cut := maxChars
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clip(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}
