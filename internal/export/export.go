// Package export assembles the final filing-cabinet output for a batch:
// category directories with sanitized, collision-suffixed filenames. Every
// write is verified by size and content hash and undone when the document
// cannot complete, so a partially failed export leaves only whole documents
// behind and the batch keeps its prior status.
package export

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	pdfcpumodel "github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/paperfold/paperfold/internal/config"
	"github.com/paperfold/paperfold/internal/model"
	"github.com/paperfold/paperfold/internal/protocol"
)

// collectParallelism caps concurrent rotated-page extraction per grouped
// document.
const collectParallelism = 4

// PageSource provides single-page PDFs of an artifact at a fixed rotation.
// Implemented by intake.Normalizer.
type PageSource interface {
	RotatedPage(ctx context.Context, artifactHash string, pageIndex, angle int) (string, error)
}

// Assembler writes batches into the filing cabinet. llm may be nil; tag
// extraction then stays off regardless of configuration.
type Assembler struct {
	cfg   config.Config
	store model.Store
	llm   model.LLM
	pages PageSource
	log   *zap.Logger
}

func New(cfg config.Config, st model.Store, llm model.LLM, pages PageSource, log *zap.Logger) *Assembler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Assembler{
		cfg:   cfg,
		store: st,
		llm:   llm,
		pages: pages,
		log:   log.Named("export"),
	}
}

// ExportBatch writes every document of the batch to the filing cabinet.
// Re-running is safe: documents whose output already exists are skipped, only
// missing files are written. The batch moves to exported when no document
// failed; otherwise it keeps its status and the result names the failures.
func (a *Assembler) ExportBatch(ctx context.Context, batchID int64) (model.ExportResult, error) {
	start := time.Now()
	result := model.ExportResult{BatchID: batchID, Failed: make(map[string]string)}

	batch, err := a.store.GetBatch(ctx, batchID)
	if err != nil {
		return result, fmt.Errorf("load batch %d: %w", batchID, err)
	}
	if batch.Status == protocol.BatchStatusPendingProcessing {
		return result, model.NewUserInputError(fmt.Sprintf("batch %d is still processing", batchID))
	}

	switch batch.Kind {
	case protocol.BatchKindSingle:
		err = a.exportSingles(ctx, batch, &result)
	case protocol.BatchKindGrouped:
		err = a.exportGrouped(ctx, batch, &result)
	default:
		err = fmt.Errorf("batch %d has unknown kind %q", batchID, batch.Kind)
	}
	result.Duration = time.Since(start)
	if err != nil {
		return result, err
	}

	if len(result.Failed) == 0 {
		result.Failed = nil
		if batch.Status != protocol.BatchStatusExported {
			err := a.store.TransitionBatch(ctx, batch.ID, batch.Status, protocol.BatchStatusExported)
			if err != nil {
				// a concurrent export may have moved it already
				a.log.Warn("mark batch exported", zap.Int64("batch", batch.ID), zap.Error(err))
			}
		}
	}

	a.audit(ctx, "batch_exported", map[string]any{
		"batch_id": batch.ID,
		"written":  len(result.Written),
		"skipped":  len(result.Skipped),
		"failed":   len(result.Failed),
	})
	a.log.Info("batch export finished",
		zap.Int64("batch", batch.ID),
		zap.Int("written", len(result.Written)),
		zap.Int("skipped", len(result.Skipped)),
		zap.Int("failed", len(result.Failed)),
		zap.Duration("took", result.Duration))
	return result, nil
}

func (a *Assembler) exportSingles(ctx context.Context, batch model.Batch, result *model.ExportResult) error {
	docs, err := a.store.ListSingleDocuments(ctx, batch.ID)
	if err != nil {
		return fmt.Errorf("list documents of batch %d: %w", batch.ID, err)
	}
	if len(docs) == 0 {
		return model.NewUserInputError(fmt.Sprintf("batch %d has no documents to export", batch.ID))
	}

	claimed := make(map[string]map[string]bool)
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		label := singleLabel(doc)

		switch doc.State {
		case protocol.DocStateNew:
			result.Failed[label] = "document has not been processed"
			continue
		case protocol.DocStateFailed:
			result.Failed[label] = "document failed: " + doc.Error
			continue
		}
		if doc.Category() == "" {
			result.Failed[label] = "document has no category"
			continue
		}
		if doc.Filename() == "" {
			result.Failed[label] = "document has no filename"
			continue
		}
		srcSize, srcHash, err := fileDigest(doc.SearchablePath)
		if err != nil {
			result.Failed[label] = fmt.Sprintf("searchable pdf unavailable, rescan the document: %v", err)
			continue
		}

		dir := filepath.Join(a.cfg.CabinetDir, sanitizeDirName(doc.Category()))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			result.Failed[label] = fmt.Sprintf("create category directory: %v", err)
			continue
		}
		names := claimed[dir]
		if names == nil {
			names = make(map[string]bool)
			claimed[dir] = names
		}

		dest, skip := allocateName(dir, sanitizeFileName(doc.Filename()), names, func(path string) bool {
			size, hash, err := fileDigest(path)
			return err == nil && size == srcSize && hash == srcHash
		})
		if skip {
			// reconcile a crash between a prior write and its state update
			if doc.State != protocol.DocStateExported && !a.markExported(ctx, doc.ID, label, result) {
				continue
			}
			result.Skipped = append(result.Skipped, dest)
			continue
		}

		if err := verifiedCopy(doc.SearchablePath, dest, srcSize, srcHash); err != nil {
			result.Failed[label] = err.Error()
			continue
		}
		if !a.markExported(ctx, doc.ID, label, result) {
			// keep document state and file in agreement
			_ = os.Remove(dest)
			continue
		}
		result.Written = append(result.Written, dest)
		a.extractTags(ctx, doc.ID, doc.OCRText)
	}
	return nil
}

func (a *Assembler) exportGrouped(ctx context.Context, batch model.Batch, result *model.ExportResult) error {
	docs, err := a.store.ListGroupedDocuments(ctx, batch.ID)
	if err != nil {
		return fmt.Errorf("list grouped documents of batch %d: %w", batch.ID, err)
	}
	if len(docs) == 0 {
		return model.NewUserInputError(fmt.Sprintf("batch %d has no carved documents to export", batch.ID))
	}

	claimed := make(map[string]map[string]bool)
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		label := doc.Name
		if label == "" {
			label = fmt.Sprintf("document %d", doc.ID)
		}

		if len(doc.Pages) == 0 {
			result.Failed[label] = "document has no pages"
			continue
		}
		category := doc.FinalCategory
		if category == "" {
			category = doc.Pages[0].Category
		}
		if category == "" {
			result.Failed[label] = "document has no category"
			continue
		}

		dir := filepath.Join(a.cfg.CabinetDir, sanitizeDirName(category))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			result.Failed[label] = fmt.Sprintf("create category directory: %v", err)
			continue
		}
		names := claimed[dir]
		if names == nil {
			names = make(map[string]bool)
			claimed[dir] = names
		}

		// A prior export of this document is recognized by page count; the
		// merged bytes differ between runs, so a hash cannot witness it.
		dest, skip := allocateName(dir, sanitizeFileName(label), names, func(path string) bool {
			n, err := api.PageCountFile(path)
			return err == nil && n == len(doc.Pages)
		})
		if skip {
			result.Skipped = append(result.Skipped, dest)
			continue
		}

		if err := a.assembleGrouped(ctx, doc, dest); err != nil {
			result.Failed[label] = err.Error()
			continue
		}
		result.Written = append(result.Written, dest)
		a.extractTags(ctx, doc.ID, groupedText(doc))
	}
	return nil
}

// assembleGrouped builds the document's PDF from its source pages and
// publishes it at dest. Pages are pulled concurrently; stored rotation
// overrides beat the rotation captured at carving time.
func (a *Assembler) assembleGrouped(ctx context.Context, doc model.GroupedDocument, dest string) error {
	paths := make([]string, len(doc.Pages))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(collectParallelism)
	for i, page := range doc.Pages {
		g.Go(func() error {
			angle := page.Rotation
			if override, ok, err := a.store.GetRotationOverride(gctx, page.ArtifactHash, page.PageIndex); err == nil && ok {
				angle = override
			}
			path, err := a.pages.RotatedPage(gctx, page.ArtifactHash, page.PageIndex, angle)
			if err != nil {
				return fmt.Errorf("collect page %d of artifact %s: %w", page.PageIndex, page.ArtifactHash, err)
			}
			paths[i] = path
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	scratch, err := os.MkdirTemp(filepath.Dir(dest), ".export-*")
	if err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(scratch) }()

	merged := filepath.Join(scratch, "merged.pdf")
	conf := pdfcpumodel.NewDefaultConfiguration()
	if err := api.MergeCreateFile(paths, merged, false, conf); err != nil {
		return fmt.Errorf("merge %d pages: %w", len(paths), err)
	}
	if err := api.ValidateFile(merged, conf); err != nil {
		return fmt.Errorf("validate merged pdf: %w", err)
	}

	size, hash, err := fileDigest(merged)
	if err != nil {
		return fmt.Errorf("digest merged pdf: %w", err)
	}
	return verifiedCopy(merged, dest, size, hash)
}

// markExported flips the document state; a failed flip fails the document so
// the next run retries it.
func (a *Assembler) markExported(ctx context.Context, docID int64, label string, result *model.ExportResult) bool {
	if err := a.store.SetDocumentState(ctx, docID, protocol.DocStateExported, ""); err != nil {
		result.Failed[label] = fmt.Sprintf("record exported state: %v", err)
		return false
	}
	return true
}

// extractTags runs the optional post-export tag extraction. Results land in
// the interaction log; failures only warn.
func (a *Assembler) extractTags(ctx context.Context, docID int64, text string) {
	if !a.cfg.EnableTagExtraction || a.llm == nil || strings.TrimSpace(text) == "" {
		return
	}
	tags, err := a.llm.ExtractTags(ctx, text)
	if err != nil || tags == nil {
		a.log.Warn("tag extraction failed", zap.Int64("document", docID), zap.Error(err))
		return
	}
	a.audit(ctx, "tags_extracted", map[string]any{"document_id": docID, "tags": tags})
}

func (a *Assembler) audit(ctx context.Context, event string, payload any) {
	if err := a.store.AppendInteraction(ctx, event, payload); err != nil {
		a.log.Debug("interaction log write failed", zap.String("event", event), zap.Error(err))
	}
}

func singleLabel(doc model.SingleDocument) string {
	if doc.Filename() != "" {
		return doc.Filename()
	}
	if doc.SourcePath != "" {
		return filepath.Base(doc.SourcePath)
	}
	return fmt.Sprintf("document %d", doc.ID)
}

func groupedText(doc model.GroupedDocument) string {
	parts := make([]string, 0, len(doc.Pages))
	for _, p := range doc.Pages {
		if strings.TrimSpace(p.OCRText) != "" {
			parts = append(parts, p.OCRText)
		}
	}
	return strings.Join(parts, "\n")
}

// fileDigest returns size and sha256 of the file at path.
func fileDigest(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return 0, "", err
	}
	return size, hex.EncodeToString(h.Sum(nil)), nil
}

// verifiedCopy stages src next to dst, checks the staged bytes against the
// expected size and hash, and renames into place. dst is either absent or a
// verified whole file, never a torn write.
func verifiedCopy(src, dst string, wantSize int64, wantHash string) error {
	partial := dst + ".partial"
	if err := copyFile(src, partial); err != nil {
		_ = os.Remove(partial)
		return fmt.Errorf("stage %s: %w", filepath.Base(dst), err)
	}
	size, hash, err := fileDigest(partial)
	if err != nil {
		_ = os.Remove(partial)
		return fmt.Errorf("verify %s: %w", filepath.Base(dst), err)
	}
	if size != wantSize || hash != wantHash {
		_ = os.Remove(partial)
		return fmt.Errorf("verify %s: staged copy does not match source (%d vs %d bytes)", filepath.Base(dst), size, wantSize)
	}
	if err := os.Rename(partial, dst); err != nil {
		_ = os.Remove(partial)
		return fmt.Errorf("publish %s: %w", filepath.Base(dst), err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
