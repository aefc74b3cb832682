package intake

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	pdfcpumodel "github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"go.uber.org/zap"

	"github.com/paperfold/paperfold/internal/model"
)

// RotatedPage returns a single-page PDF of the artifact's page physically
// rotated to angle. Results are cached with the angle in the filename, so a
// hit never rewrites bytes. Serves UI previews and grouped-export assembly.
func (n *Normalizer) RotatedPage(ctx context.Context, artifactHash string, pageIndex, angle int) (string, error) {
	if !model.ValidAngle(angle) {
		return "", model.NewUserInputError(fmt.Sprintf("unsupported rotation angle %d", angle))
	}
	if pageIndex < 0 {
		return "", model.NewUserInputError(fmt.Sprintf("page index %d out of range", pageIndex))
	}

	cached := filepath.Join(n.rotDir, fmt.Sprintf("%s_p%d_r%d.pdf", artifactHash, pageIndex, angle))
	if fileExists(cached) {
		return cached, nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	src, err := n.ResolveArtifact(artifactHash)
	if err != nil {
		return "", err
	}

	scratch, err := os.MkdirTemp(n.rotDir, ".rotate-*")
	if err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(scratch) }()

	conf := pdfcpumodel.NewDefaultConfiguration()
	page := filepath.Join(scratch, "page.pdf")
	if err := api.TrimFile(src, page, []string{strconv.Itoa(pageIndex + 1)}, conf); err != nil {
		return "", fmt.Errorf("extract page %d of artifact %s: %w", pageIndex, artifactHash, err)
	}
	if angle != 0 {
		if err := api.RotateFile(page, "", angle, nil, conf); err != nil {
			return "", fmt.Errorf("rotate page %d of artifact %s: %w", pageIndex, artifactHash, err)
		}
	}

	if err := os.Rename(page, cached); err != nil {
		return "", fmt.Errorf("publish rotated page: %w", err)
	}

	n.log.Debug("cached rotated page",
		zap.String("hash", artifactHash),
		zap.Int("page", pageIndex),
		zap.Int("angle", angle))
	return cached, nil
}
