package llm

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/paperfold/paperfold/internal/model"
	"github.com/paperfold/paperfold/internal/protocol"
)

// FastTest is the fast-test-mode collaborator: no network, no model, stable
// outputs derived from input hashes so repeated runs agree byte for byte.
type FastTest struct{}

var fastTestCategories = []string{"invoices", "receipts", "contracts", "correspondence", "reports"}

func (FastTest) Classify(_ context.Context, text, filename string, pageCount int, _ float64) (*model.Classification, error) {
	sum := fnvSum(filename + "\x00" + text)
	category := fastTestCategories[sum%uint32(len(fastTestCategories))]
	return &model.Classification{
		Category:          category,
		Confidence:        0.99,
		Reasoning:         "deterministic fast-test classification",
		SuggestedFilename: fmt.Sprintf("document_%08x", sum),
		Summary:           fmt.Sprintf("Fast-test document spanning %d pages.", pageCount),
	}, nil
}

func (FastTest) AnalyzeDocumentType(_ context.Context, _ []string, _ string, pageCount int, _ float64) (*model.TypeAnalysis, error) {
	classification := protocol.StrategySingleDocument
	if pageCount >= 5 {
		classification = protocol.StrategyBatchScan
	}
	return &model.TypeAnalysis{
		Classification: classification,
		Confidence:     95,
		Reasoning:      "deterministic page-count verdict",
	}, nil
}

func (FastTest) ExtractTags(_ context.Context, text string) (*model.Tags, error) {
	seen := make(map[string]struct{})
	var keywords []string
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,;:!?()")
		if len(word) < 5 {
			continue
		}
		if _, dup := seen[word]; dup {
			continue
		}
		seen[word] = struct{}{}
		keywords = append(keywords, word)
		if len(keywords) == 3 {
			break
		}
	}
	return &model.Tags{Keywords: keywords}, nil
}

func (FastTest) SimpleClassify(_ context.Context, text string) (string, string, error) {
	sum := fnvSum(text)
	category := fastTestCategories[sum%uint32(len(fastTestCategories))]
	return category, fmt.Sprintf("document_%08x", sum), nil
}

func fnvSum(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}
