package util

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	reQuotes     = regexp.MustCompile(`["'` + "`" + `«»“”]`)
	reNonAllowed = regexp.MustCompile(`[^\p{L}\p{N}X\-/\s.]`)
	reSpaces     = regexp.MustCompile(`\s+`)
)

// CollapseSpaces trims and folds every whitespace run into one space.
func CollapseSpaces(input string) string {
	return strings.TrimSpace(reSpaces.ReplaceAllString(input, " "))
}

// NormalizeHeader upper-cases a product title and strips punctuation so that
// fuzzy scoring compares letters and sizes only.
func NormalizeHeader(input string) string {
	s := strings.ToUpper(input)
	repl := strings.NewReplacer("×", "X", "*", "X", "MM²", "MM2", "SQ.MM", "MM2", "SQ MM", "MM2")
	s = repl.Replace(s)
	s = reQuotes.ReplaceAllString(s, " ")
	s = reNonAllowed.ReplaceAllString(s, " ")
	s = reSpaces.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func Tokenize(input string) []string {
	norm := NormalizeHeader(input)
	parts := strings.Split(norm, " ")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if utf8.RuneCountInString(p) >= 2 {
			out = append(out, p)
		}
	}
	return out
}

func DiceCoefficient(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}

	pairs := func(s string) []string {
		r := []rune(s)
		if len(r) < 2 {
			return nil
		}
		out := make([]string, 0, len(r)-1)
		for i := 0; i < len(r)-1; i++ {
			out = append(out, string(r[i:i+2]))
		}
		return out
	}

	aPairs := pairs(a)
	bPairs := pairs(b)
	if len(aPairs) == 0 || len(bPairs) == 0 {
		return 0
	}

	bCount := map[string]int{}
	for _, p := range bPairs {
		bCount[p]++
	}
	inter := 0
	for _, p := range aPairs {
		if bCount[p] > 0 {
			inter++
			bCount[p]--
		}
	}

	return float64(2*inter) / float64(len(aPairs)+len(bPairs))
}

// Truncate cuts s to at most max runes.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}

// TruncateError renders err for persistence, capped at max runes.
func TruncateError(err error, max int) string {
	if err == nil {
		return ""
	}
	return Truncate(err.Error(), max)
}

func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
