package ui

import (
	"sort"
	"strings"
)

// MaxSuggestionDistance is the largest edit distance still suggested
const MaxSuggestionDistance = 3

// FindSimilar returns up to limit candidates within MaxSuggestionDistance of
// target, closest first. Matching ignores case.
//
// Example:
//
//	FindSimilar("dataextension", []string{"dataExtension", "query"}, 3)
//	// Returns: ["dataExtension"]
func FindSimilar(target string, candidates []string, limit int) []string {
	type match struct {
		value    string
		distance int
	}
	var matches []match
	for _, c := range candidates {
		d := LevenshteinDistance(strings.ToLower(target), strings.ToLower(c))
		if d <= MaxSuggestionDistance {
			matches = append(matches, match{c, d})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].distance < matches[j].distance })

	out := make([]string, 0, limit)
	for i := 0; i < len(matches) && i < limit; i++ {
		out = append(out, matches[i].value)
	}
	return out
}

// LevenshteinDistance is the minimum number of single-byte insertions,
// deletions or substitutions turning s1 into s2
func LevenshteinDistance(s1, s2 string) int {
	prev := make([]int, len(s2)+1)
	curr := make([]int, len(s2)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(s1); i++ {
		curr[0] = i
		for j := 1; j <= len(s2); j++ {
			cost := 1
			if s1[i-1] == s2[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(s2)]
}
