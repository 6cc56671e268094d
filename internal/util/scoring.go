package util

import "github.com/sahilm/fuzzy"

// ScoreCompletions returns up to n fuzzy matches for input, best first. An
// empty input returns every candidate unchanged; n <= 0 means no limit.
func ScoreCompletions(input string, candidates []string, n int) []string {
	if input == "" {
		return candidates
	}
	matches := fuzzy.Find(input, candidates)
	if len(matches) == 0 {
		return nil
	}

	limit := n
	if n <= 0 || len(matches) < limit {
		limit = len(matches)
	}

	out := make([]string, limit)
	for i := range out {
		out[i] = matches[i].Str
	}
	return out
}
