// Package textmatch provides the fuzzy and vector similarity measures used by
// deduplication and conflict resolution.
package textmatch

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/agext/levenshtein"
	"golang.org/x/text/cases"
)

var stopTokens = map[string]bool{
	"the": true, "of": true, "and": true, "for": true, "a": true, "an": true,
	"inc": true, "llc": true, "ltd": true, "co": true, "corp": true,
}

// Tokens splits s into lowercased alphanumeric tokens, dropping stop words
// and duplicates.
func Tokens(s string) []string {
	s = cases.Fold().String(s)
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	out := fields[:0]
	for _, f := range fields {
		if stopTokens[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// Ratio is the normalized Levenshtein similarity of a and b in [0,1].
func Ratio(a, b string) float64 {
	if a == "" && b == "" {
		return 1
	}
	return levenshtein.Similarity(a, b, nil)
}

// TokenSetRatio compares two names by their token sets: the shared tokens
// are compared against each side's full token set, so a name that is a
// subset of the other scores 1.
func TokenSetRatio(a, b string) float64 {
	ta, tb := Tokens(a), Tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		if len(ta) == 0 && len(tb) == 0 {
			return 1
		}
		return 0
	}

	inB := make(map[string]bool, len(tb))
	for _, t := range tb {
		inB[t] = true
	}
	inA := make(map[string]bool, len(ta))
	for _, t := range ta {
		inA[t] = true
	}

	var common, onlyA, onlyB []string
	for _, t := range ta {
		if inB[t] {
			common = append(common, t)
		} else {
			onlyA = append(onlyA, t)
		}
	}
	for _, t := range tb {
		if !inA[t] {
			onlyB = append(onlyB, t)
		}
	}
	sort.Strings(common)
	sort.Strings(onlyA)
	sort.Strings(onlyB)

	base := strings.Join(common, " ")
	withA := strings.TrimSpace(base + " " + strings.Join(onlyA, " "))
	withB := strings.TrimSpace(base + " " + strings.Join(onlyB, " "))

	best := Ratio(withA, withB)
	if base != "" {
		best = math.Max(best, Ratio(base, withA))
		best = math.Max(best, Ratio(base, withB))
	}
	return best
}

// Cosine returns the cosine similarity of a and b, or 0 when the vectors are
// empty, zero or of different lengths.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
