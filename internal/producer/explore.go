package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"echo-transcript/internal/history"
	"echo-transcript/internal/search"
)

// ExploreFiles lists files under root matching pattern and records the step
// as an Explore record.
func ExploreFiles(ctx context.Context, sink Sink, root, pattern string, limit int) ([]string, error) {
	paths, err := search.FindFiles(ctx, root, pattern, limit)
	entry := history.ExploreEntry{
		Action: history.ActionList,
		Path:   root,
		Query:  pattern,
		Status: history.ExploreSuccess,
	}
	if pattern != "" {
		entry.Action = history.ActionSearch
	}
	switch {
	case err != nil:
		entry.Status = history.ExploreError
		entry.Summary = err.Error()
	case len(paths) == 0:
		entry.Status = history.ExploreNotFound
		entry.Summary = "no files"
	default:
		entry.Summary = fmt.Sprintf("%d files", len(paths))
	}
	if dErr := sink.Dispatch(ctx, history.Insert{Record: history.Explore{Title: "Explored", Entries: []history.ExploreEntry{entry}}}); dErr != nil && err == nil {
		err = dErr
	}
	return paths, err
}

// FindFilesTool exposes search.FindFiles as a tool rooted at root. Arguments:
// {"pattern": "*.go", "limit": 50}.
func FindFilesTool(root string) ToolSpec {
	return ToolSpec{
		Name:    "find_files",
		Title:   "find_files",
		WaitCap: 10 * time.Second,
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args struct {
				Pattern string `json:"pattern"`
				Limit   int    `json:"limit"`
			}
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &args); err != nil {
					return "", fmt.Errorf("parse find_files arguments: %w", err)
				}
			}
			paths, err := search.FindFiles(ctx, root, args.Pattern, args.Limit)
			if err != nil {
				return "", err
			}
			return strings.Join(paths, "\n"), nil
		},
	}
}
