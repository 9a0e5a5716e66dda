package flow

import (
	"context"

	"github.com/MrWong99/voicepay/internal/command"
	"github.com/MrWong99/voicepay/internal/observe"
)

// Handle applies one classified transcript to the flow. BACK and CLEAR are
// handled the same way at every step; everything else depends on the step.
func (c *Controller) Handle(ctx context.Context, ev command.Event) {
	c.mu.Lock()
	defer c.unlock()

	if c.closed {
		return
	}
	observe.Logger(ctx).Debug("flow: voice", "flow", c.kind, "step", c.state.Step, "intent", ev.Intent)

	switch c.state.Step {
	case StepProcessing:
		return
	case StepSuccess:
		if ev.Intent == command.IntentBack || ev.Intent == command.IntentConfirm {
			c.exit()
		}
		return
	case StepPin:
		c.handlePIN(ev)
		return
	}

	switch ev.Intent {
	case command.IntentBack:
		c.back()
		return
	case command.IntentClear:
		c.clear()
		return
	}
	if c.gate.Busy() {
		return
	}

	switch {
	case c.state.Step == StepSelect:
		c.handleSelect(ev)
	case c.kind == KindTransfer:
		c.handleTransferAmount(ev)
	default:
		c.handleBillAmount(ev)
	}
}

// handleSelect picks a contact by name. A "to <name>" phrase must name a
// contact exactly; otherwise any contact name inside the transcript is taken.
// "search for ..." fills the search box.
func (c *Controller) handleSelect(ev command.Event) {
	if name, ok := command.CandidateName(ev.Text); ok {
		if ct, found := c.contacts.FindExact(name); found {
			c.selectContact(ct)
			return
		}
	}
	if ct, ok := c.contacts.FindIn(ev.Text); ok {
		c.selectContact(ct)
		return
	}
	if q, ok := command.SearchQuery(ev.Text); ok {
		c.state.Search = q
		c.changed()
		return
	}
	if name, ok := command.CandidateName(ev.Text); ok {
		if ct, found := c.contacts.Suggest(name); found {
			c.say("Did you mean " + ct.Name + "?")
			return
		}
		c.say("I could not find " + name + " in your contacts.")
	}
}

// confirms reports whether ev asks to pay. The keyword is checked as well as
// the tag because an earlier table entry can claim "confirm transfer".
func confirms(ev command.Event) bool {
	return ev.Intent == command.IntentConfirm || ev.Has("confirm")
}

func (c *Controller) handleTransferAmount(ev command.Event) {
	if confirms(ev) {
		c.pay()
		return
	}
	amount := command.ExtractDigits(ev.Text)
	if amount == "" {
		amount = command.SpokenAmount(ev.Text)
	}
	if amount == "" || amount == c.state.Amount {
		return
	}
	c.state.Amount = amount
	c.say(c.amountPrompt())
	c.changed()
}

func (c *Controller) handleBillAmount(ev command.Event) {
	if confirms(ev) {
		c.pay()
		return
	}
	if ev.Intent == command.IntentBill {
		if bt := command.DetectBillType(ev.Text); bt != c.state.BillType {
			c.state.BillType = bt
			c.changed()
		}
	}
	n := command.FirstNumber(ev.Text)
	if n == "" {
		return
	}
	switch command.SlotHint(ev.Text) {
	case command.SlotAmount:
		c.state.Amount = n
	case command.SlotConsumerID:
		c.state.ConsumerID = n
	default:
		if c.state.Amount != "" {
			return
		}
		c.state.Amount = n
	}
	c.changed()
}

// handlePIN interprets speech at the PIN prompt. Clear and cancel words win;
// CONFIRM submits unless the same transcript also carried digits that leave
// the PIN short, which keeps "okati" from submitting a one-digit PIN.
func (c *Controller) handlePIN(ev command.Event) {
	switch {
	case ev.Has("clear", "delete"):
		c.state.PIN = ""
		c.say("Cleared.")
		c.changed()
		return
	case ev.Has("cancel", "close") || ev.Intent == command.IntentBack:
		c.state.PIN = ""
		c.setStep(StepAmount)
		c.say("Cancelled.")
		c.changed()
		return
	}

	digits := command.PINDigits(ev.Text)
	added := false
	for i := 0; i < len(digits); i++ {
		if c.state.AppendPIN(digits[i]) {
			added = true
		}
	}
	if added {
		c.changed()
	}
	if ev.Intent == command.IntentConfirm && (digits == "" || len(c.state.PIN) == PINLength) {
		c.submitPIN()
	}
}
