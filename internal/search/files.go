package search

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
)

var skippedDirs = map[string]bool{
	".git": true, "node_modules": true, ".idea": true, "target": true, "vendor": true,
}

// FindFiles returns up to limit relative file paths under root whose base name
// matches the glob pattern (empty matches everything), skipping common ignores.
func FindFiles(ctx context.Context, root, pattern string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 200
	}
	pattern = strings.TrimSpace(pattern)
	if pattern != "" {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return nil, err
		}
	}
	paths := make([]string, 0, min(limit, 64))
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if pattern != "" {
			if ok, _ := filepath.Match(pattern, d.Name()); !ok {
				return nil
			}
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		paths = append(paths, rel)
		if len(paths) >= limit {
			return fs.SkipAll
		}
		return nil
	})
	return paths, err
}
