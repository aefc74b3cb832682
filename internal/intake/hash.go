package intake

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/paperfold/paperfold/internal/model"
)

// signatureHeadBytes is how much of the file the signature digests. Scans
// differ within the first pages, so a prefix hash catches edits without
// reading multi-hundred-page files end to end.
const signatureHeadBytes = 64 * 1024

// HashFile computes the sha256 content hash that addresses the normalized
// cache and identifies artifacts across runs.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// FileSignatureFor captures the cheap change-detection signature of path:
// size, mtime and a sha1 of the first 64 KiB.
func FileSignatureFor(path string) (model.FileSignature, error) {
	info, err := os.Stat(path)
	if err != nil {
		return model.FileSignature{}, fmt.Errorf("stat %s: %w", path, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return model.FileSignature{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	h := sha1.New()
	if _, err := io.CopyN(h, f, signatureHeadBytes); err != nil && err != io.EOF {
		return model.FileSignature{}, fmt.Errorf("hash head of %s: %w", path, err)
	}

	return model.FileSignature{
		Size:      info.Size(),
		MTimeUnix: info.ModTime().Unix(),
		SHA1Head:  hex.EncodeToString(h.Sum(nil)),
	}, nil
}
