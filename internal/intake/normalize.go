package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gen2brain/go-fitz"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	pdfcpumodel "github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/paperfold/paperfold/internal/config"
	"github.com/paperfold/paperfold/internal/model"
	"github.com/paperfold/paperfold/internal/protocol"
)

// metaSuffix marks the sidecar that records provenance and last access for
// one cache entry. For identity-normalized PDFs the sidecar is the only
// cache presence; the bytes stay at the source path.
const metaSuffix = ".meta"

// Normalizer maintains the content-addressed normalized cache: every
// artifact maps to a canonical PDF keyed by its sha256. Images are rendered
// into single-page PDFs; PDFs pass through untouched.
type Normalizer struct {
	dir     string
	rotDir  string
	dpi     int
	quality int
	log     *zap.Logger

	group singleflight.Group
}

// NewNormalizer returns a Normalizer writing to cfg.NormalizedDir. The
// directories must exist; config.EnsureDirs creates them at startup.
func NewNormalizer(cfg config.Config, log *zap.Logger) *Normalizer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Normalizer{
		dir:     cfg.NormalizedDir,
		rotDir:  cfg.RotationCacheDir(),
		dpi:     cfg.NormalizeDPI,
		quality: cfg.NormalizeQuality,
		log:     log,
	}
}

type normalized struct {
	path   string
	reused bool
}

// Normalize resolves artifact to its canonical PDF. Images hit the cache by
// hash and are rendered on miss; PDFs are their own normalized form and the
// reuse flag reports whether the hash was seen before. Concurrent calls for
// the same hash collapse to one render.
func (n *Normalizer) Normalize(ctx context.Context, artifact model.Artifact) (string, bool, error) {
	switch artifact.Kind {
	case protocol.KindPDF:
		return n.markSeen(artifact)
	case protocol.KindImage:
		v, err, _ := n.group.Do(artifact.Hash, func() (any, error) {
			return n.normalizeImage(ctx, artifact)
		})
		if err != nil {
			return "", false, err
		}
		res := v.(normalized)
		return res.path, res.reused, nil
	default:
		return "", false, model.NewUserInputError(fmt.Sprintf("cannot normalize artifact kind %q", artifact.Kind))
	}
}

func (n *Normalizer) normalizeImage(ctx context.Context, artifact model.Artifact) (normalized, error) {
	target := filepath.Join(n.dir, artifact.Hash+".pdf")
	if fileExists(target) {
		n.touchMeta(artifact.Hash)
		return normalized{path: target, reused: true}, nil
	}
	if err := ctx.Err(); err != nil {
		return normalized{}, err
	}

	doc, err := fitz.New(artifact.Path)
	if err != nil {
		return normalized{}, fmt.Errorf("open image %s: %w", artifact.Path, err)
	}
	defer func() { _ = doc.Close() }()

	img, err := doc.ImageDPI(0, float64(n.dpi))
	if err != nil {
		return normalized{}, fmt.Errorf("render image %s at %d dpi: %w", artifact.Path, n.dpi, err)
	}

	scratch, err := os.MkdirTemp(n.dir, ".normalize-*")
	if err != nil {
		return normalized{}, fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(scratch) }()

	jpegPath := filepath.Join(scratch, "page.jpg")
	out, err := os.Create(jpegPath)
	if err != nil {
		return normalized{}, fmt.Errorf("create %s: %w", jpegPath, err)
	}
	quality := n.quality
	if quality < 1 || quality > 100 {
		quality = 95
	}
	if err := jpeg.Encode(out, img, &jpeg.Options{Quality: quality}); err != nil {
		_ = out.Close()
		return normalized{}, fmt.Errorf("encode page: %w", err)
	}
	if err := out.Close(); err != nil {
		return normalized{}, fmt.Errorf("close %s: %w", jpegPath, err)
	}

	tmpPDF := filepath.Join(scratch, "normalized.pdf")
	conf := pdfcpumodel.NewDefaultConfiguration()
	if err := api.ImportImagesFile([]string{jpegPath}, tmpPDF, nil, conf); err != nil {
		return normalized{}, fmt.Errorf("import image into pdf: %w", err)
	}

	// Scratch lives inside the cache dir, so the rename is atomic. A loser
	// of a same-hash race across processes overwrites with identical content.
	if err := os.Rename(tmpPDF, target); err != nil {
		if err = os.Rename(tmpPDF, target); err != nil {
			return normalized{}, fmt.Errorf("publish normalized pdf: %w", err)
		}
	}

	n.writeMeta(artifact)
	n.log.Debug("normalized image artifact",
		zap.String("hash", artifact.Hash),
		zap.String("source", artifact.Path),
		zap.Int("dpi", n.dpi))
	return normalized{path: target, reused: false}, nil
}

// markSeen records a PDF artifact in the cache without copying it. Reuse is
// sidecar presence: the second sighting of the same bytes reports reused.
func (n *Normalizer) markSeen(artifact model.Artifact) (string, bool, error) {
	if fileExists(n.metaPath(artifact.Hash)) {
		n.touchMeta(artifact.Hash)
		return artifact.Path, true, nil
	}
	n.writeMeta(artifact)
	return artifact.Path, false, nil
}

// ResolveArtifact maps an artifact hash back to its normalized PDF: the
// cached render for images, the recorded source path for identity PDFs.
func (n *Normalizer) ResolveArtifact(hash string) (string, error) {
	cached := filepath.Join(n.dir, hash+".pdf")
	if fileExists(cached) {
		return cached, nil
	}
	meta, err := n.readMeta(hash)
	if err == nil && meta.SourcePath != "" && fileExists(meta.SourcePath) {
		return meta.SourcePath, nil
	}
	return "", fmt.Errorf("artifact %s: %w", hash, model.ErrNotFound)
}

// Sweep evicts cache entries whose last access is older than maxAge and
// returns how many entries were removed. Orphan PDFs without a sidecar age
// out by file mtime.
func (n *Normalizer) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	entries, err := os.ReadDir(n.dir)
	if err != nil {
		return 0, fmt.Errorf("read cache dir: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}

		switch {
		case strings.HasSuffix(name, metaSuffix):
			hash := strings.TrimSuffix(name, metaSuffix)
			meta, err := n.readMeta(hash)
			if err != nil || meta.LastAccess.After(cutoff) {
				continue
			}
			_ = os.Remove(filepath.Join(n.dir, hash+".pdf"))
			if err := os.Remove(n.metaPath(hash)); err == nil {
				removed++
			}
		case strings.HasSuffix(name, ".pdf"):
			if fileExists(n.metaPath(strings.TrimSuffix(name, ".pdf"))) {
				continue
			}
			info, err := entry.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			if err := os.Remove(filepath.Join(n.dir, name)); err == nil {
				removed++
			}
		}
	}

	if removed > 0 {
		n.log.Info("swept normalized cache", zap.Int("removed", removed))
	}
	return removed, nil
}

// cacheMeta is the sidecar payload. LastAccess drives cache eviction.
type cacheMeta struct {
	SourcePath string    `json:"source_path"`
	Kind       string    `json:"kind"`
	DPI        int       `json:"dpi,omitempty"`
	Quality    int       `json:"quality,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
}

func (n *Normalizer) metaPath(hash string) string {
	return filepath.Join(n.dir, hash+metaSuffix)
}

func (n *Normalizer) readMeta(hash string) (cacheMeta, error) {
	raw, err := os.ReadFile(n.metaPath(hash))
	if err != nil {
		return cacheMeta{}, err
	}
	var meta cacheMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return cacheMeta{}, fmt.Errorf("parse sidecar for %s: %w", hash, err)
	}
	return meta, nil
}

// writeMeta and touchMeta are best-effort: a missing sidecar costs an early
// eviction or a stale reuse flag, never correctness.
func (n *Normalizer) writeMeta(artifact model.Artifact) {
	now := time.Now().UTC()
	meta := cacheMeta{
		SourcePath: artifact.Path,
		Kind:       artifact.Kind,
		CreatedAt:  now,
		LastAccess: now,
	}
	if artifact.Kind == protocol.KindImage {
		meta.DPI = n.dpi
		meta.Quality = n.quality
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return
	}
	if err := os.WriteFile(n.metaPath(artifact.Hash), raw, 0o644); err != nil {
		n.log.Warn("write cache sidecar", zap.String("hash", artifact.Hash), zap.Error(err))
	}
}

func (n *Normalizer) touchMeta(hash string) {
	meta, err := n.readMeta(hash)
	if err != nil {
		return
	}
	meta.LastAccess = time.Now().UTC()
	raw, err := json.Marshal(meta)
	if err != nil {
		return
	}
	_ = os.WriteFile(n.metaPath(hash), raw, 0o644)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
