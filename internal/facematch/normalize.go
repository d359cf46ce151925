package facematch

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NormalizeDisplayName folds a roster name for searching: lowercase ASCII
// letters where possible, dashes as spaces, single spaces between words.
func NormalizeDisplayName(name string) string {
	// Chains carry state, so each call builds its own.
	stripMarks := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(stripMarks, name)
	if err != nil {
		folded = name
	}
	folded = strings.ToLower(strings.ReplaceAll(folded, "-", " "))
	return strings.Join(strings.Fields(folded), " ")
}

// NameMatches reports whether query occurs in name once both are normalized.
// An empty query matches every name.
func NameMatches(name, query string) bool {
	q := NormalizeDisplayName(query)
	return q == "" || strings.Contains(NormalizeDisplayName(name), q)
}
