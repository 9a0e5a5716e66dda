// Package command turns finalized speech transcripts into banking intents and
// pulls structured slots (amounts, mobile numbers, PIN digits, contact names)
// out of free text.
//
// Classification is a first-match walk over a fixed, ordered keyword table
// that mixes English with transliterated Hindi and Telugu. Matching is by
// substring, so table order decides ties: "pay the electricity balance" is a
// bill command because BILL precedes BALANCE.
//
// Nothing in this package fails. A transcript that matches no keyword is
// IntentNone; a slot that cannot be found is reported as absent.
package command

import (
	"strings"
	"time"
)

// Intent is the classified banking action a transcript maps to.
type Intent string

const (
	IntentTransfer Intent = "TRANSFER"
	IntentBill     Intent = "BILL"
	IntentBalance  Intent = "BALANCE"
	IntentLogin    Intent = "LOGIN"
	IntentLogout   Intent = "LOGOUT"
	IntentConfirm  Intent = "CONFIRM"
	IntentClear    Intent = "CLEAR"
	IntentBack     Intent = "BACK"
	IntentHello    Intent = "HELLO"
	IntentNone     Intent = "NONE"
)

// String implements fmt.Stringer.
func (i Intent) String() string { return string(i) }

// vocabulary is a single row of the keyword table.
type vocabulary struct {
	intent   Intent
	keywords []string
}

// table is walked top to bottom; the first row with a keyword contained in
// the transcript wins. "pay" lives under CONFIRM only, so "pay" at an amount
// prompt confirms instead of reopening bill payment.
var table = []vocabulary{
	{IntentTransfer, []string{"transfer", "send", "pampinchu", "bhejo", "money", "paise", "dabbulu"}},
	{IntentBill, []string{"bill", "kattu", "bhar", "electricity", "current", "water", "gas", "net", "wifi", "dth"}},
	{IntentBalance, []string{"balance", "amount", "entha", "kitna", "paise", "chk", "check"}},
	{IntentLogin, []string{"login", "signin", "log in", "sign in", "aao", "randi"}},
	{IntentLogout, []string{"logout", "signout", "po", "jao"}},
	{IntentConfirm, []string{"confirm", "ok", "sare", "thik", "done", "yes", "pay"}},
	{IntentClear, []string{"clear", "reset", "erase", "empty", "remove"}},
	{IntentBack, []string{"back", "go back", "return", "cancel", "piche"}},
	{IntentHello, []string{"hello", "hi", "hey", "namaste"}},
}

// Intents returns the classifiable intents in table order.
func Intents() []Intent {
	out := make([]Intent, len(table))
	for i, row := range table {
		out[i] = row.intent
	}
	return out
}

// Keywords returns a copy of the keyword variants for intent, or nil for an
// intent outside the table.
func Keywords(intent Intent) []string {
	for _, row := range table {
		if row.intent == intent {
			out := make([]string, len(row.keywords))
			copy(out, row.keywords)
			return out
		}
	}
	return nil
}

// Event is a classified, finalized transcript. It is created once per final
// transcript and consumed by exactly one handler.
type Event struct {
	Intent    Intent
	Text      string // lowercased transcript
	Timestamp time.Time
}

// NewEvent classifies text and stamps it with now.
func NewEvent(text string, now time.Time) Event {
	lower := strings.ToLower(strings.TrimSpace(text))
	return Event{
		Intent:    classifyLower(lower),
		Text:      lower,
		Timestamp: now,
	}
}

// Has reports whether the event text contains any of the given substrings.
func (e Event) Has(substrings ...string) bool {
	for _, s := range substrings {
		if strings.Contains(e.Text, s) {
			return true
		}
	}
	return false
}
