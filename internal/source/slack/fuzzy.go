package slack

import (
	"regexp"
	"sort"
	"strings"
)

// Channel references arrive as human phrasing ("the standup channel",
// "no sleep dev") rather than exact Slack names. Resolution is a fast
// non-LLM pass: exact match on normalized text, then token overlap
// using Jaccard similarity.

const matchThreshold = 0.5

var tokenSplit = regexp.MustCompile(`[^a-z0-9]+`)

func normalizeName(text string) string {
	return strings.Join(tokenize(text), " ")
}

func tokenize(text string) []string {
	words := tokenSplit.Split(strings.ToLower(text), -1)
	out := words[:0]
	for _, w := range words {
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}

func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range tokenize(text) {
		set[w] = true
	}
	return set
}

func jaccardSimilarity(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for k := range a {
		if b[k] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

type scoredName struct {
	name  string
	score float64
}

// matchChannel resolves query against names. Returns the matched name,
// or ok=false with the closest candidates ranked best-first.
func matchChannel(query string, names []string) (match string, candidates []string, ok bool) {
	normalized := normalizeName(query)
	queryTokens := tokenSet(query)

	var scored []scoredName
	for _, name := range names {
		if name == query || normalizeName(name) == normalized {
			return name, nil, true
		}
		scored = append(scored, scoredName{name: name, score: jaccardSimilarity(queryTokens, tokenSet(name))})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].name < scored[j].name
	})

	if len(scored) > 0 && scored[0].score >= matchThreshold {
		return scored[0].name, nil, true
	}
	for i, s := range scored {
		if i == 3 {
			break
		}
		candidates = append(candidates, s.name)
	}
	return "", candidates, false
}
