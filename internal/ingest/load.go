package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"unicode/utf8"
)

// DefaultExtensions are the file types LoadDir reads.
var DefaultExtensions = []string{".txt", ".md"}

// Source is one file's worth of reference text.
type Source struct {
	// Name is the path relative to the ingested directory, with forward
	// slashes.
	Name string
	Text string
}

// LoadDir walks root and reads every file whose extension is in exts
// (case-insensitive). Empty files are skipped. Files that cannot be read or
// are not valid UTF-8 are logged and skipped; only a failure to walk root is
// returned. Sources are ordered by name.
func LoadDir(ctx context.Context, root string, exts []string) ([]Source, error) {
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	want := make(map[string]bool, len(exts))
	for _, e := range exts {
		want[strings.ToLower(e)] = true
	}

	var out []Source
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			slog.Warn("skipping unreadable path", "path", path, "err", err)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !want[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("skipping unreadable file", "path", path, "err", err)
			return nil
		}
		if !utf8.Valid(data) {
			slog.Warn("skipping file that is not UTF-8", "path", path)
			return nil
		}
		text := string(data)
		if strings.TrimSpace(text) == "" {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = filepath.Base(path)
		}
		out = append(out, Source{Name: filepath.ToSlash(rel), Text: text})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ingest: load %s: %w", root, err)
	}
	slices.SortFunc(out, func(a, b Source) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}
