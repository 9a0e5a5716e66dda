// Package flow runs the guided payment flows: sending money to a contact and
// paying a utility bill.
//
// Both flows share one shape. A transfer walks Select → Amount → Pin →
// Processing → Success; a bill payment has no contact to pick and starts at
// Amount. Moving from Amount to Pin always passes the face gate first, and
// the gate is trusted for the rest of that attempt. Steps only move forward
// except for explicit back, clear and cancel actions.
//
// A [Controller] owns exactly one [State]. Voice input arrives through
// [Controller.Handle]; taps and keypad presses through the UI action methods.
package flow

import (
	"errors"
	"regexp"

	"github.com/MrWong99/voicepay/internal/command"
	"github.com/MrWong99/voicepay/internal/contacts"
)

// Kind selects the flow.
type Kind string

const (
	KindTransfer Kind = "TRANSFER"
	KindBill     Kind = "BILL"
)

func (k Kind) String() string { return string(k) }

// Step is a position in a flow.
type Step int

const (
	StepSelect Step = iota + 1
	StepAmount
	StepPin
	StepProcessing
	StepSuccess
)

func (s Step) String() string {
	switch s {
	case StepSelect:
		return "SELECT"
	case StepAmount:
		return "AMOUNT"
	case StepPin:
		return "PIN"
	case StepProcessing:
		return "PROCESSING"
	case StepSuccess:
		return "SUCCESS"
	default:
		return "UNKNOWN"
	}
}

// PINLength is the number of digits in a PIN.
const PINLength = 4

var (
	// ErrWrongStep is returned by UI actions that do not apply to the current step.
	ErrWrongStep = errors.New("flow: action not valid at this step")

	// ErrInvalidAmount is returned for amounts that are not non-negative decimals.
	ErrInvalidAmount = errors.New("flow: invalid amount")

	// ErrInvalidDigit is returned when a keypad press is not a single digit.
	ErrInvalidDigit = errors.New("flow: invalid PIN digit")

	// ErrUnknownContact is returned when a tapped contact is not in the directory.
	ErrUnknownContact = errors.New("flow: unknown contact")
)

var amountPattern = regexp.MustCompile(`^\d+(\.\d{1,2})?$`)

// ValidAmount reports whether s is a non-negative decimal amount.
func ValidAmount(s string) bool {
	return amountPattern.MatchString(s)
}

// State is the data a flow collects. It is owned by one Controller and handed
// out only as a copy.
type State struct {
	Kind Kind `json:"kind"`
	Step Step `json:"step"`

	// Amount is a non-negative decimal string, empty until set.
	Amount string `json:"amount"`

	// Contact is the selected transfer counterparty.
	Contact *contacts.Contact `json:"contact,omitempty"`

	// ConsumerID identifies the bill account being paid.
	ConsumerID string           `json:"consumerId,omitempty"`
	BillType   command.BillType `json:"billType,omitempty"`

	// PIN holds up to PINLength digits.
	PIN string `json:"-"`

	// Search filters the contact list at the Select step.
	Search string `json:"search,omitempty"`

	// Verifying is true while the face gate is running.
	Verifying bool `json:"verifying"`
}

// NewState returns the state of a freshly entered flow: a transfer starts at
// Select, a bill payment at Amount.
func NewState(kind Kind) State {
	s := State{Kind: kind, Step: StepSelect}
	if kind == KindBill {
		s.Step = StepAmount
		s.BillType = command.BillElectricity
	}
	return s
}

// FirstStep returns the step a flow of this kind starts at.
func (s State) FirstStep() Step {
	if s.Kind == KindBill {
		return StepAmount
	}
	return StepSelect
}

// AppendPIN appends one digit. It reports false, leaving the PIN unchanged,
// when d is not a digit or the PIN is already full.
func (s *State) AppendPIN(d byte) bool {
	if d < '0' || d > '9' || len(s.PIN) >= PINLength {
		return false
	}
	s.PIN += string(d)
	return true
}

// PINFilled returns the number of digits entered, for the dots on the keypad.
func (s State) PINFilled() int {
	return len(s.PIN)
}

// Counterparty names who is being paid: the contact for a transfer, the
// consumer ID for a bill.
func (s State) Counterparty() string {
	if s.Kind == KindBill {
		return s.ConsumerID
	}
	if s.Contact != nil {
		return s.Contact.Name
	}
	return ""
}
