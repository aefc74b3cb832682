package intake

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/paperfold/paperfold/internal/model"
	"github.com/paperfold/paperfold/internal/protocol"
)

// KindFor maps a file path to an artifact kind by extension. Anything
// outside the supported set is unknown and skipped by the scan.
func KindFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return protocol.KindPDF
	case ".png", ".jpg", ".jpeg":
		return protocol.KindImage
	default:
		return protocol.KindUnknown
	}
}

// Filename vocabulary for the strategy heuristics. Named document types
// point at a single coherent document; scanner-style names point at an
// unsorted stack fed through a feeder.
var (
	singleDocTokens = map[string]struct{}{
		"invoice": {}, "receipt": {}, "letter": {}, "contract": {},
		"statement": {}, "bill": {}, "report": {}, "form": {},
		"certificate": {}, "policy": {}, "agreement": {}, "notice": {},
	}
	batchScanTokens = map[string]struct{}{
		"scan": {}, "scans": {}, "scanned": {}, "batch": {}, "stack": {},
		"bundle": {}, "combined": {}, "mixed": {}, "multi": {}, "all": {},
	}
	scannerPrefixes = []string{"img", "dsc", "mfp", "doc"}
)

// Score weights. Page count dominates because it is the hardest signal to
// fake; filename tokens and sample consistency refine it.
const (
	weightToken       = 2
	weightConsistency = 2
	weightOnePage     = 3
	weightFewPages    = 1
	weightMidPages    = 1
	weightManyPages   = 3
	weightLargeFile   = 1

	largeFileMB        = 25.0
	overlapCoherent    = 0.30
	overlapUnrelated   = 0.10
	llmAdoptConfidence = 70.0
)

// strategyScore accumulates heuristic evidence for the two strategies along
// with a human-readable trail of what fired.
type strategyScore struct {
	single    int
	batch     int
	reasoning []string
}

func (s *strategyScore) addSingle(points int, reason string) {
	s.single += points
	s.reasoning = append(s.reasoning, reason)
}

func (s *strategyScore) addBatch(points int, reason string) {
	s.batch += points
	s.reasoning = append(s.reasoning, reason)
}

func (s strategyScore) margin() int {
	d := s.single - s.batch
	if d < 0 {
		return -d
	}
	return d
}

// verdict resolves the score into a strategy and a confidence in [0.5, 1.0].
// Ties break toward batch_scan: misfiling a stack as one document loses
// pages, the reverse only costs a manual merge.
func (s strategyScore) verdict() (string, float64) {
	strategy := protocol.StrategyBatchScan
	if s.single > s.batch {
		strategy = protocol.StrategySingleDocument
	}
	confidence := 0.5 + 0.1*float64(min(s.margin(), 5))
	return strategy, confidence
}

// needsConsult reports whether the heuristic outcome is uncertain enough to
// ask the LLM: slim margin, low confidence, or the ambiguous page range
// where both shapes are common.
func (s strategyScore) needsConsult(pageCount int) bool {
	_, confidence := s.verdict()
	return s.margin() <= 2 || confidence < 0.7 || (pageCount >= 5 && pageCount <= 20)
}

// scoreStrategy applies the filename, page-count, size and sample
// consistency heuristics for one PDF artifact.
func scoreStrategy(filename string, pageCount int, sizeMB float64, samples []string) strategyScore {
	var score strategyScore

	tokens := filenameTokens(filename)
	for _, token := range tokens {
		if _, ok := singleDocTokens[token]; ok {
			score.addSingle(weightToken, fmt.Sprintf("filename token %q names a document type", token))
			break
		}
	}
	for _, token := range tokens {
		if _, ok := batchScanTokens[token]; ok {
			score.addBatch(weightToken, fmt.Sprintf("filename token %q suggests a scan stack", token))
			break
		}
	}
	if looksScannerNamed(tokens) {
		score.addBatch(1, "opaque scanner-generated filename")
	}

	switch {
	case pageCount <= 1:
		score.addSingle(weightOnePage, "single page")
	case pageCount <= 4:
		score.addSingle(weightFewPages, fmt.Sprintf("%d pages fit one document", pageCount))
	case pageCount <= 20:
		score.addBatch(weightMidPages, fmt.Sprintf("%d pages could be several documents", pageCount))
	default:
		score.addBatch(weightManyPages, fmt.Sprintf("%d pages exceed a typical document", pageCount))
	}

	if sizeMB > largeFileMB {
		score.addBatch(weightLargeFile, fmt.Sprintf("%.1f MB suggests a feeder run", sizeMB))
	}

	if first, last, ok := outerSamples(samples); ok {
		switch overlap := sampleOverlap(first, last); {
		case overlap >= overlapCoherent:
			score.addSingle(weightConsistency, "first and last pages share vocabulary")
		case overlap < overlapUnrelated:
			score.addBatch(weightConsistency, "first and last pages look unrelated")
		}
	}

	return score
}

// applyLLMVerdict folds the model's judgement into the heuristic analysis.
// Agreement raises confidence; a confident disagreement wins outright; an
// unconfident one leaves the case indeterminate and falls to batch_scan.
func applyLLMVerdict(analysis *model.Analysis, verdict *model.TypeAnalysis) {
	analysis.LLMAnnotation = verdict.Reasoning

	llmStrategy := canonicalStrategy(verdict.Classification)
	llmConfidence := verdict.Confidence / 100

	switch {
	case llmStrategy == "":
		analysis.Reasoning = append(analysis.Reasoning, "llm verdict unrecognized, keeping heuristic strategy")
	case llmStrategy == analysis.Strategy:
		analysis.Confidence = max(analysis.Confidence, llmConfidence)
		analysis.Reasoning = append(analysis.Reasoning, "llm agrees with heuristic strategy")
	case verdict.Confidence >= llmAdoptConfidence:
		analysis.Strategy = llmStrategy
		analysis.Confidence = llmConfidence
		analysis.Reasoning = append(analysis.Reasoning,
			fmt.Sprintf("llm overrides heuristics with %s at %.0f%% confidence", llmStrategy, verdict.Confidence))
	default:
		analysis.Strategy = protocol.StrategyBatchScan
		analysis.Confidence = 0.5
		analysis.Reasoning = append(analysis.Reasoning, "heuristics and llm disagree without confidence, defaulting to batch_scan")
	}
}

func canonicalStrategy(raw string) string {
	switch strings.ReplaceAll(strings.TrimSpace(strings.ToLower(raw)), " ", "_") {
	case protocol.StrategySingleDocument, "single", "document":
		return protocol.StrategySingleDocument
	case protocol.StrategyBatchScan, "batch", "scan_stack":
		return protocol.StrategyBatchScan
	default:
		return ""
	}
}

func filenameTokens(filename string) []string {
	stem := strings.ToLower(strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename)))
	return strings.FieldsFunc(stem, func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
}

// looksScannerNamed recognizes device-generated names: a known prefix
// followed by digits, or digit-only tokens such as timestamps and counters.
func looksScannerNamed(tokens []string) bool {
	if len(tokens) == 0 {
		return false
	}
	for _, token := range tokens {
		if !allDigits(token) {
			for _, prefix := range scannerPrefixes {
				if token == prefix || (strings.HasPrefix(token, prefix) && allDigits(token[len(prefix):])) {
					return true
				}
			}
			return false
		}
	}
	return true
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// outerSamples returns the first and last non-empty samples when at least
// two distinct ones exist.
func outerSamples(samples []string) (string, string, bool) {
	nonEmpty := make([]string, 0, len(samples))
	for _, s := range samples {
		if strings.TrimSpace(s) != "" {
			nonEmpty = append(nonEmpty, s)
		}
	}
	if len(nonEmpty) < 2 {
		return "", "", false
	}
	return nonEmpty[0], nonEmpty[len(nonEmpty)-1], true
}

// sampleOverlap is the overlap coefficient of the two samples' word sets.
func sampleOverlap(a, b string) float64 {
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	smaller := setA
	larger := setB
	if len(setB) < len(setA) {
		smaller, larger = setB, setA
	}
	shared := 0
	for word := range smaller {
		if _, ok := larger[word]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(smaller))
}

func wordSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, word := range strings.Fields(strings.ToLower(s)) {
		word = strings.Trim(word, ".,;:!?()[]{}\"'")
		if len(word) < 3 {
			continue
		}
		set[word] = struct{}{}
	}
	return set
}
