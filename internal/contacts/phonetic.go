package contacts

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// MatcherOption configures a Matcher.
type MatcherOption func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a name whose
// Double Metaphone code overlaps the spoken word. Default: 0.70.
func WithPhoneticThreshold(threshold float64) MatcherOption {
	return func(m *Matcher) { m.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for a name without
// phonetic overlap. Default: 0.85.
func WithFuzzyThreshold(threshold float64) MatcherOption {
	return func(m *Matcher) { m.fuzzyThreshold = threshold }
}

// Matcher ranks names by how they sound. Recognisers routinely mangle Indian
// names ("Pria", "Ravie", "Sneeha"); Double Metaphone groups those with the
// intended spelling and Jaro-Winkler picks the closest.
//
// A Matcher is read-only after construction and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// NewMatcher returns a Matcher with the default thresholds.
func NewMatcher(opts ...MatcherOption) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Match returns the name from names that best matches the spoken word.
// Names whose phonetic code overlaps the word always outrank names that are
// only similar in spelling.
func (m *Matcher) Match(word string, names []string) (name string, score float64, ok bool) {
	word = strings.ToLower(strings.TrimSpace(word))
	if word == "" || len(names) == 0 {
		return "", 0, false
	}
	wordCodes := metaphoneCodes(word)

	var (
		best         string
		bestScore    float64
		bestPhonetic bool
	)
	for _, candidate := range names {
		lower := strings.ToLower(strings.TrimSpace(candidate))
		if lower == "" {
			continue
		}
		jw := matchr.JaroWinkler(word, lower, false)
		if overlaps(wordCodes, metaphoneCodes(lower)) {
			if jw >= m.phoneticThreshold && (!bestPhonetic || jw > bestScore) {
				best, bestScore, bestPhonetic = candidate, jw, true
			}
			continue
		}
		if !bestPhonetic && jw >= m.fuzzyThreshold && jw > bestScore {
			best, bestScore = candidate, jw
		}
	}
	if best == "" {
		return "", 0, false
	}
	return best, bestScore, true
}

func metaphoneCodes(word string) []string {
	p, s := matchr.DoubleMetaphone(word)
	codes := make([]string, 0, 2)
	if p != "" {
		codes = append(codes, p)
	}
	if s != "" && s != p {
		codes = append(codes, s)
	}
	return codes
}

func overlaps(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
