package export

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// sanitizeDirName maps a category to its filing-cabinet directory: spaces
// become underscores, everything outside [A-Za-z0-9_-] is dropped. The
// mapping is a projection, so sanitizing an already-sanitized name is a
// no-op.
func sanitizeDirName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r == ' ':
			b.WriteByte('_')
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "" {
		return "uncategorized"
	}
	return out
}

// sanitizeFileName maps a filename stem to its on-disk form: every character
// outside [A-Za-z0-9_.-] becomes an underscore. Also a projection.
func sanitizeFileName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if strings.Trim(out, "._") == "" {
		return "document"
	}
	return out
}

// allocateName picks the destination for one document inside dir. ours
// reports whether an existing file at the candidate path is this document's
// own prior export; such a file keeps its name and the document is skipped.
// Names taken by other documents, in this run or on disk, get the next
// `_N` suffix in document order.
func allocateName(dir, stem string, claimed map[string]bool, ours func(path string) bool) (path string, skip bool) {
	for n := 0; ; n++ {
		candidate := stem
		if n > 0 {
			candidate = fmt.Sprintf("%s_%d", stem, n)
		}
		if claimed[candidate] {
			continue
		}
		path = filepath.Join(dir, candidate+".pdf")
		if _, err := os.Stat(path); err != nil {
			claimed[candidate] = true
			return path, false
		}
		if ours(path) {
			claimed[candidate] = true
			return path, true
		}
	}
}
