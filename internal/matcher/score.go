package matcher

import "strings"

const (
	scoreExact     = 1.0
	scoreSubstring = 0.8
	tokenWeight    = 0.6
)

// Score rates how well query matches text on a 0..1 scale. Exact
// case-insensitive equality scores 1.0 and containment 0.8. Anything else
// scores the Jaccard overlap of the two word sets, weighted by 0.6.
func Score(query, text string) float64 {
	q := strings.ToLower(strings.TrimSpace(query))
	t := strings.ToLower(strings.TrimSpace(text))
	if q == "" || t == "" {
		return 0
	}
	if q == t {
		return scoreExact
	}
	if strings.Contains(t, q) {
		return scoreSubstring
	}

	qWords := wordSet(q)
	tWords := wordSet(t)
	inter := 0
	for w := range qWords {
		if _, ok := tWords[w]; ok {
			inter++
		}
	}
	if inter == 0 {
		return 0
	}
	union := len(qWords) + len(tWords) - inter
	return float64(inter) / float64(union) * tokenWeight
}

func wordSet(s string) map[string]struct{} {
	words := strings.Fields(s)
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// Terms returns the distinct lower-cased words of a query in first-seen
// order. They drive candidate retrieval.
func Terms(query string) []string {
	words := strings.Fields(strings.ToLower(query))
	seen := make(map[string]struct{}, len(words))
	out := make([]string, 0, len(words))
	for _, w := range words {
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}
