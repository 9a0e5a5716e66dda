package command

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	digitRun = regexp.MustCompile(`\d+`)
	nonWord  = regexp.MustCompile(`[^\w]`)
)

// ExtractDigits concatenates every run of literal digits in text, in order of
// appearance. Number words are not converted. Returns "" when text has no
// digits.
func ExtractDigits(text string) string {
	return strings.Join(digitRun.FindAllString(text, -1), "")
}

// FirstNumber returns the first run of literal digits in text, or "".
func FirstNumber(text string) string {
	return digitRun.FindString(text)
}

// SpokenAmount maps the few amount words recognisers commonly leave
// unconverted to digits. It returns "" when none is present.
func SpokenAmount(text string) string {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "five hundred"):
		return "500"
	case strings.Contains(lower, "thousand"):
		return "1000"
	case strings.Contains(lower, "hundred"):
		return "100"
	}
	return ""
}

// pinWords maps spoken tokens, including common mis-hearings across English,
// Hindi and Telugu, to a single PIN digit.
var pinWords = map[string]byte{
	"one": '1', "won": '1', "wan": '1', "ek": '1', "okati": '1',
	"two": '2', "to": '2', "too": '2', "tu": '2', "do": '2', "rendu": '2',
	"three": '3', "tree": '3', "free": '3', "teen": '3', "moodu": '3',
	"four": '4', "for": '4', "fo": '4', "char": '4', "nalugu": '4',
	"five": '5', "fi": '5', "paanch": '5', "aidu": '5',
	"six": '6', "sex": '6', "che": '6', "aaru": '6',
	"seven": '7', "saat": '7', "edu": '7',
	"eight": '8', "ate": '8', "aath": '8', "enimidi": '8',
	"nine": '9', "nigh": '9', "nau": '9', "tommidi": '9',
	"zero": '0', "oh": '0', "o": '0', "shunya": '0', "sunna": '0',
}

// PINDigits converts a transcript spoken at a PIN prompt into digits. Each
// whitespace token is stripped of non-word characters and is then either a
// run of digits (every digit counts) or a number word. Other tokens are
// ignored. The result is not truncated; callers cap the PIN length.
func PINDigits(text string) string {
	var b strings.Builder
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = nonWord.ReplaceAllString(tok, "")
		if tok == "" {
			continue
		}
		if isDigits(tok) {
			b.WriteString(tok)
			continue
		}
		if d, ok := pinWords[tok]; ok {
			b.WriteByte(d)
		}
	}
	return b.String()
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

// CandidateName returns the token immediately following the first literal
// "to " in text, with its first letter upper-cased. ok is false when there is
// no such token.
func CandidateName(text string) (name string, ok bool) {
	lower := strings.ToLower(text)
	idx := strings.Index(lower, "to ")
	if idx < 0 {
		return "", false
	}
	fields := strings.Fields(lower[idx+len("to "):])
	if len(fields) == 0 {
		return "", false
	}
	return capitalize(fields[0]), true
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

// SearchQuery extracts the contact search term from phrases like
// "search for priya". ok is false when text does not ask for a search.
func SearchQuery(text string) (query string, ok bool) {
	lower := strings.ToLower(text)
	if !strings.Contains(lower, "search") {
		return "", false
	}
	q := strings.Replace(lower, "search", "", 1)
	q = strings.Replace(q, "for", "", 1)
	return strings.TrimSpace(q), true
}

// BillType is the utility being paid.
type BillType string

const (
	BillElectricity BillType = "Electricity"
	BillWater       BillType = "Water"
	BillGas         BillType = "Gas"
	BillInternet    BillType = "Internet"
	BillDTH         BillType = "DTH"
)

// DetectBillType picks the utility named in text, defaulting to electricity.
func DetectBillType(text string) BillType {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "water"):
		return BillWater
	case strings.Contains(lower, "gas"):
		return BillGas
	case strings.Contains(lower, "wifi"), strings.Contains(lower, "internet"), strings.Contains(lower, "net"):
		return BillInternet
	case strings.Contains(lower, "dth"), strings.Contains(lower, "tv"):
		return BillDTH
	default:
		return BillElectricity
	}
}

// Slot names the field a bare number in a bill-payment transcript belongs to.
type Slot int

const (
	SlotUnknown Slot = iota
	SlotAmount
	SlotConsumerID
)

// SlotHint reports which bill field the speaker referred to.
func SlotHint(text string) Slot {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "amount"), strings.Contains(lower, "rupees"):
		return SlotAmount
	case strings.Contains(lower, "id"), strings.Contains(lower, "number"):
		return SlotConsumerID
	default:
		return SlotUnknown
	}
}
