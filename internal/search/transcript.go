// Package search finds files on disk and rows in a rendered transcript.
package search

import (
	"strings"

	"github.com/sahilm/fuzzy"
)

// Match is one transcript row that matched a query.
type Match struct {
	Row     int
	Text    string
	Score   int
	Indexes []int
}

// Rows fuzzy-matches query against plain transcript rows, best first. Rows
// that contain the query literally rank ahead of scattered matches.
func Rows(rows []string, query string, limit int) []Match {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	found := fuzzy.Find(query, rows)
	lower := strings.ToLower(query)
	var exact, loose []Match
	for _, m := range found {
		match := Match{Row: m.Index, Text: m.Str, Score: m.Score, Indexes: m.MatchedIndexes}
		if strings.Contains(strings.ToLower(m.Str), lower) {
			exact = append(exact, match)
		} else {
			loose = append(loose, match)
		}
	}
	out := append(exact, loose...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
