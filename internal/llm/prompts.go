package llm

import (
	"fmt"
	"strings"
)

const systemPrompt = "You are a document filing assistant. You answer with " +
	"compact JSON and nothing else. Categories are short lowercase " +
	"snake_case nouns such as invoices, receipts, contracts, " +
	"correspondence, taxes, insurance, medical or misc."

func classifyPrompt(text, filename string, pageCount int, sizeMB float64) string {
	var sb strings.Builder
	sb.WriteString("Classify this document.\n")
	fmt.Fprintf(&sb, "Filename: %s\nPages: %d\nSize: %.1f MB\n", filename, pageCount, sizeMB)
	sb.WriteString("Respond with JSON keys: category (string), confidence (0..1), ")
	sb.WriteString("reasoning (one sentence), suggested_filename (lowercase, words ")
	sb.WriteString("joined by underscores, no extension), summary (two sentences).\n")
	sb.WriteString("Document text:\n")
	sb.WriteString(text)
	return sb.String()
}

func analyzePrompt(samples []string, filename string, pageCount int, sizeMB float64) string {
	var sb strings.Builder
	sb.WriteString("Decide whether this PDF is one coherent document " +
		"(single_document) or a stack of unrelated scanned documents " +
		"(batch_scan).\n")
	fmt.Fprintf(&sb, "Filename: %s\nPages: %d\nSize: %.1f MB\n", filename, pageCount, sizeMB)
	sb.WriteString("Respond with JSON keys: classification " +
		"(single_document or batch_scan), confidence (0..100), reasoning " +
		"(one sentence).\n")
	for i, sample := range samples {
		if strings.TrimSpace(sample) == "" {
			continue
		}
		fmt.Fprintf(&sb, "Sample %d:\n%s\n", i+1, sample)
	}
	return sb.String()
}

func tagsPrompt(text string) string {
	var sb strings.Builder
	sb.WriteString("Extract entities from this document. Respond with JSON " +
		"keys: people, organizations, places, dates, document_types, " +
		"keywords, amounts, reference_numbers. Each key maps to an array " +
		"of strings; use [] when nothing applies.\n")
	sb.WriteString("Document text:\n")
	sb.WriteString(text)
	return sb.String()
}

func simplePrompt(text string) string {
	var sb strings.Builder
	sb.WriteString("Name a filing category and a filename for this document. " +
		"Reply with exactly one line in the form category|filename " +
		"(lowercase, underscores, no extension).\n")
	sb.WriteString("Document text:\n")
	sb.WriteString(text)
	return sb.String()
}
