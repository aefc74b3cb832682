package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/paperfold/paperfold/internal/model"
	"github.com/paperfold/paperfold/internal/pipeline"
)

// emitNDJSON writes one machine-readable event per line when --json is set.
func emitNDJSON(event string, data any) {
	out := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"level": "info",
		"event": event,
		"data":  data,
	}
	_ = json.NewEncoder(os.Stdout).Encode(out)
}

// renderScan prints the intake analysis report as a table with the
// detector's reasoning dimmed under each row.
func renderScan(w io.Writer, s styles, dir string, analyses []model.Analysis) {
	fmt.Fprintf(w, "%s %s\n", s.sectionHeader("Intake:"), dir)
	if len(analyses) == 0 {
		fmt.Fprintln(w, s.dim("  no supported files found"))
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, s.dim(fmt.Sprintf("  %-28s %-7s %5s %8s  %-16s %s",
		"FILE", "KIND", "PAGES", "SIZE", "STRATEGY", "CONF")))
	for _, a := range analyses {
		name := filepath.Base(a.Artifact.Path)
		switch {
		case a.Skipped:
			fmt.Fprintf(w, "  %-28s %-7s %s\n", name, a.Artifact.Kind, s.dim("skipped: "+a.Error))
		case a.Failed:
			fmt.Fprintf(w, "  %-28s %-7s %s %s\n", name, a.Artifact.Kind, s.errPrefix(), a.Error)
		default:
			fmt.Fprintf(w, "  %-28s %-7s %5d %6.1fMB  %-16s %.2f\n",
				name, a.Artifact.Kind, a.PageCount, a.SizeMB, a.Strategy, a.Confidence)
			for _, reason := range a.Reasoning {
				fmt.Fprintln(w, s.dim("      - "+reason))
			}
			if a.LLMAnnotation != "" {
				fmt.Fprintln(w, s.dim("      - llm: "+a.LLMAnnotation))
			}
		}
	}
}

// scanJSON is the machine-readable form of one analyzed intake file.
type scanJSON struct {
	File       string   `json:"file"`
	Kind       string   `json:"kind"`
	Pages      int      `json:"pages,omitempty"`
	SizeMB     float64  `json:"size_mb"`
	Strategy   string   `json:"strategy,omitempty"`
	Confidence float64  `json:"confidence,omitempty"`
	Reasons    []string `json:"reasons,omitempty"`
	LLM        string   `json:"llm_annotation,omitempty"`
	Skipped    bool     `json:"skipped,omitempty"`
	Failed     bool     `json:"failed,omitempty"`
	Error      string   `json:"error,omitempty"`
}

func scanReport(dir string, analyses []model.Analysis) map[string]any {
	files := make([]scanJSON, 0, len(analyses))
	for _, a := range analyses {
		files = append(files, scanJSON{
			File:       filepath.Base(a.Artifact.Path),
			Kind:       a.Artifact.Kind,
			Pages:      a.PageCount,
			SizeMB:     a.SizeMB,
			Strategy:   a.Strategy,
			Confidence: a.Confidence,
			Reasons:    a.Reasoning,
			LLM:        a.LLMAnnotation,
			Skipped:    a.Skipped,
			Failed:     a.Failed,
			Error:      a.Error,
		})
	}
	return map[string]any{"intake": dir, "files": files}
}

// renderEvent prints one progress event. Terminal events are rendered by
// renderSummary instead.
func renderEvent(w io.Writer, s styles, ev model.Event) {
	if ev.Terminal {
		return
	}
	prog := ""
	if ev.Total > 0 {
		prog = fmt.Sprintf("%d/%d", ev.Current, ev.Total)
	}
	msg := ev.Message
	if msg == "" && ev.Artifact != "" {
		msg = filepath.Base(ev.Artifact)
	}
	phase := s.Cyan.Render(fmt.Sprintf("%-10s", ev.Phase))
	if ev.Error != "" {
		fmt.Fprintf(w, "  %s %6s  %s %s\n", phase, prog, s.errPrefix(), ev.Error)
		return
	}
	fmt.Fprintf(w, "  %s %6s  %s\n", phase, prog, msg)
}

// renderSummary prints the terminal run summary with per-file errors.
func renderSummary(w io.Writer, s styles, sum model.RunSummary) {
	fmt.Fprintln(w)
	verdict := s.Success.Render("run complete")
	switch {
	case sum.Cancelled:
		verdict = s.Warning.Render("run cancelled")
	case sum.Failed > 0:
		verdict = s.Warning.Render("run finished with failures")
	}
	fmt.Fprintf(w, "%s  %s %s %s %s\n", verdict,
		s.stat("analyzed", sum.Analyzed),
		s.stat("processed", sum.Processed),
		s.stat("skipped", sum.Skipped),
		s.stat("failed", sum.Failed))
	if sum.SingleBatchID != 0 {
		fmt.Fprintln(w, s.kv("single batch", fmt.Sprintf("#%d", sum.SingleBatchID)))
	}
	if sum.GroupedBatchID != 0 {
		fmt.Fprintln(w, s.kv("grouped batch", fmt.Sprintf("#%d", sum.GroupedBatchID)))
	}
	for _, name := range sortedKeys(sum.Errors) {
		fmt.Fprintf(w, "  %s %s: %s\n", s.errPrefix(), name, sum.Errors[name])
	}
}

// statusRow is one batch with its document tally.
type statusRow struct {
	Batch  model.Batch
	Total  int
	States map[string]int
}

// renderStatus prints the batch overview.
func renderStatus(w io.Writer, s styles, rows []statusRow) {
	if len(rows) == 0 {
		fmt.Fprintln(w, s.dim("no batches yet; drop files into the intake directory and run 'paperfold process'"))
		return
	}
	fmt.Fprintln(w, s.sectionHeader("Batches"))
	fmt.Fprintln(w, s.separator(72))
	for _, row := range rows {
		line := fmt.Sprintf("  #%-4d %-22s %-22s %d documents",
			row.Batch.ID, row.Batch.Kind, row.Batch.Status, row.Total)
		if tally := formatStates(row.States); tally != "" {
			line += s.dim(" (" + tally + ")")
		}
		fmt.Fprintln(w, line)
	}
}

func formatStates(states map[string]int) string {
	if len(states) == 0 {
		return ""
	}
	keys := make([]string, 0, len(states))
	for k := range states {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%d %s", states[k], k))
	}
	return strings.Join(parts, ", ")
}

// statusJSON is the machine-readable form of one batch row.
type statusJSON struct {
	ID        int64          `json:"id"`
	Kind      string         `json:"kind"`
	Status    string         `json:"status"`
	Documents int            `json:"documents"`
	States    map[string]int `json:"states,omitempty"`
}

func statusReport(rows []statusRow) map[string]any {
	batches := make([]statusJSON, 0, len(rows))
	for _, row := range rows {
		batches = append(batches, statusJSON{
			ID:        row.Batch.ID,
			Kind:      row.Batch.Kind,
			Status:    row.Batch.Status,
			Documents: row.Total,
			States:    row.States,
		})
	}
	return map[string]any{"batches": batches}
}

// renderExport prints one batch export result with the written paths.
func renderExport(w io.Writer, s styles, res model.ExportResult) {
	head := s.Success.Render(fmt.Sprintf("batch #%d exported", res.BatchID))
	if len(res.Failed) > 0 {
		head = s.Warning.Render(fmt.Sprintf("batch #%d export incomplete", res.BatchID))
	}
	fmt.Fprintf(w, "%s  %s %s %s  %s\n", head,
		s.stat("written", len(res.Written)),
		s.stat("skipped", len(res.Skipped)),
		s.stat("failed", len(res.Failed)),
		s.dim(res.Duration.Round(time.Millisecond).String()))
	for _, p := range res.Written {
		fmt.Fprintln(w, s.dim("  + "+p))
	}
	for _, p := range res.Skipped {
		fmt.Fprintln(w, s.dim("  = "+p))
	}
	for _, name := range sortedKeys(res.Failed) {
		fmt.Fprintf(w, "  %s %s: %s\n", s.errPrefix(), name, res.Failed[name])
	}
}

func exportReport(res model.ExportResult) map[string]any {
	return map[string]any{
		"batch_id":    res.BatchID,
		"written":     res.Written,
		"skipped":     res.Skipped,
		"failed":      res.Failed,
		"duration_ms": res.Duration.Milliseconds(),
	}
}

// renderRescan prints the outcome of a single-document rescan.
func renderRescan(w io.Writer, s styles, res pipeline.Result) {
	fmt.Fprintln(w, s.kv("document", fmt.Sprintf("#%d", res.DocumentID)))
	if res.Pages > 0 {
		line := fmt.Sprintf("%d pages", res.Pages)
		if res.OCRReused {
			line += " (cached)"
		}
		if res.Rotation != 0 {
			line += fmt.Sprintf(", rotated %d", res.Rotation)
		}
		fmt.Fprintln(w, s.kv("ocr", line))
	}
	if res.Category != "" {
		fmt.Fprintln(w, s.kv("category", res.Category))
	}
	if res.Filename != "" {
		fmt.Fprintln(w, s.kv("filename", res.Filename))
	}
	if res.Confidence > 0 {
		fmt.Fprintln(w, s.kv("confidence", fmt.Sprintf("%.2f", res.Confidence)))
	}
	if res.Summary != "" {
		fmt.Fprintln(w, s.kv("summary", res.Summary))
	}
	if res.AIWarning != "" {
		fmt.Fprintf(w, "%s %s\n", s.warnPrefix(), res.AIWarning)
	}
}

func rescanReport(res pipeline.Result) map[string]any {
	return map[string]any{
		"document_id": res.DocumentID,
		"pages":       res.Pages,
		"rotation":    res.Rotation,
		"ocr_reused":  res.OCRReused,
		"category":    res.Category,
		"filename":    res.Filename,
		"summary":     res.Summary,
		"confidence":  res.Confidence,
		"warning":     res.AIWarning,
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
