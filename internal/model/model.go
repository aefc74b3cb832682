package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Artifact is a user-supplied intake file. The original file is never
// mutated; everything downstream works from its content hash.
type Artifact struct {
	Path string
	Size int64
	Hash string // sha256 hex
	Kind string // protocol.Kind*
}

// Analysis is the detector's verdict for one artifact.
type Analysis struct {
	Artifact       Artifact
	PageCount      int
	SizeMB         float64
	NormalizedPath string
	Reused         bool
	Strategy       string // protocol.Strategy*
	Confidence     float64
	Reasoning      []string
	LLMAnnotation  string

	// Skipped marks unsupported inputs; Failed marks unreadable or corrupt
	// ones. Either way Error carries the diagnostic and the scan continues.
	Skipped bool
	Failed  bool
	Error   string
}

// Batch groups artifacts that share one processing workflow.
type Batch struct {
	ID        int64
	Kind      string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SingleDocument is the 1:1 output unit of a single_document_batch.
type SingleDocument struct {
	ID             int64
	BatchID        int64
	SourceHash     string
	SourcePath     string
	OCRText        string
	OCRSignature   string
	Rotation       int
	AICategory     string
	AIFilename     string
	AISummary      string
	AIConfidence   float64
	FinalCategory  string
	FinalFilename  string
	SearchablePath string
	State          string // protocol.DocState*
	Error          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Category returns the category to export under: the user's final choice
// when present, otherwise the AI suggestion.
func (d SingleDocument) Category() string {
	if d.FinalCategory != "" {
		return d.FinalCategory
	}
	return d.AICategory
}

// Filename returns the export filename stem, preferring the user's choice.
func (d SingleDocument) Filename() string {
	if d.FinalFilename != "" {
		return d.FinalFilename
	}
	return d.AIFilename
}

// GroupedDocument is an ordered, named sequence of pages carved out of a
// batch-scan artifact.
type GroupedDocument struct {
	ID            int64
	BatchID       int64
	Name          string
	FinalCategory string
	Position      int
	Pages         []DocumentPage
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DocumentPage references one page of a source artifact.
type DocumentPage struct {
	ID           int64
	DocumentID   int64
	ArtifactHash string
	PageIndex    int // zero-based
	Category     string
	Rotation     int
	OCRText      string
	OCRSignature string
	Position     int
}

// RotationOverride pins the orientation of one artifact page. Once set it is
// authoritative: the auto-rotation probe is skipped for that page.
type RotationOverride struct {
	ArtifactHash string
	PageIndex    int
	Angle        int // 0, 90, 180, 270
}

// ValidAngle reports whether a is one of the four supported rotations.
func ValidAngle(a int) bool {
	switch a {
	case 0, 90, 180, 270:
		return true
	}
	return false
}

// FileSignature identifies the content state of a source file cheaply.
// Equality of signatures gates reuse of cached OCR output.
type FileSignature struct {
	Size      int64
	MTimeUnix int64
	SHA1Head  string // sha1 hex of the first 64 KiB
}

// String renders the canonical persisted form "size:mtime:sha1head".
func (s FileSignature) String() string {
	return fmt.Sprintf("%d:%d:%s", s.Size, s.MTimeUnix, s.SHA1Head)
}

// ParseFileSignature parses the canonical form produced by String.
func ParseFileSignature(raw string) (FileSignature, error) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 {
		return FileSignature{}, fmt.Errorf("malformed file signature %q", raw)
	}
	size, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return FileSignature{}, fmt.Errorf("malformed file signature size %q: %w", parts[0], err)
	}
	mtime, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return FileSignature{}, fmt.Errorf("malformed file signature mtime %q: %w", parts[1], err)
	}
	return FileSignature{Size: size, MTimeUnix: mtime, SHA1Head: parts[2]}, nil
}

// Classification is the structured LLM verdict for one document.
type Classification struct {
	Category          string  `json:"category"`
	Confidence        float64 `json:"confidence"` // 0..1
	Reasoning         string  `json:"reasoning"`
	SuggestedFilename string  `json:"suggested_filename"`
	Summary           string  `json:"summary,omitempty"`
}

// TypeAnalysis is the LLM's single-vs-batch judgement for one artifact.
type TypeAnalysis struct {
	Classification string  `json:"classification"` // protocol.Strategy*
	Confidence     float64 `json:"confidence"`     // 0..100
	Reasoning      string  `json:"reasoning"`
}

// Tags is the optional post-export extraction result.
type Tags struct {
	People           []string `json:"people"`
	Organizations    []string `json:"organizations"`
	Places           []string `json:"places"`
	Dates            []string `json:"dates"`
	DocumentTypes    []string `json:"document_types"`
	Keywords         []string `json:"keywords"`
	Amounts          []string `json:"amounts"`
	ReferenceNumbers []string `json:"reference_numbers"`
}

// OCRResult is one page's recognition output.
type OCRResult struct {
	Text       string
	Confidence float64 // mean word confidence, 0..100
	Words      []WordBox
}

// WordBox is a recognized word with its page-space bounding box.
type WordBox struct {
	Text           string
	Confidence     float64
	X0, Y0, X1, Y1 int
}

// Event is one progress-stream entry. A terminal event carries the run
// summary and closes the stream.
type Event struct {
	Token      string      `json:"token"`
	Phase      string      `json:"phase"`
	Current    int         `json:"current"`
	Total      int         `json:"total"`
	Message    string      `json:"message,omitempty"`
	Artifact   string      `json:"artifact,omitempty"`
	DocumentID int64       `json:"document_id,omitempty"`
	Error      string      `json:"error,omitempty"`
	Terminal   bool        `json:"terminal,omitempty"`
	Summary    *RunSummary `json:"summary,omitempty"`
}

// RunSummary aggregates one orchestration run for the terminal event.
type RunSummary struct {
	SingleBatchID  int64             `json:"single_batch_id,omitempty"`
	GroupedBatchID int64             `json:"grouped_batch_id,omitempty"`
	Analyzed       int               `json:"analyzed"`
	Processed      int               `json:"processed"`
	Skipped        int               `json:"skipped"`
	Failed         int               `json:"failed"`
	Cancelled      bool              `json:"cancelled,omitempty"`
	Errors         map[string]string `json:"errors,omitempty"`
}

// ExportResult reports one batch export.
type ExportResult struct {
	BatchID  int64
	Written  []string // destination paths, insertion order
	Skipped  []string // already present and verified
	Failed   map[string]string
	Duration time.Duration
}
