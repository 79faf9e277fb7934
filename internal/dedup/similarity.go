package dedup

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// SequenceRatio returns the longest-matching-blocks ratio 2·M/T of two strings compared
// character by character. Both inputs are lowercased and whitespace-collapsed first.
func SequenceRatio(a, b string) float64 {
	a, b = normalizeText(a), normalizeText(b)
	if a == "" && b == "" {
		return 1
	}
	m := difflib.NewMatcher(splitRunes(a), splitRunes(b))
	return clamp01(m.Ratio())
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func splitRunes(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
