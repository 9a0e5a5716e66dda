package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/MrWong99/voicepay/internal/bank"
	"github.com/MrWong99/voicepay/internal/observe"
	"github.com/MrWong99/voicepay/pkg/face"
)

// lines are the spoken prompts that differ between the two flows.
type lines struct {
	missing    string
	verifying  string
	notVisible string
	mismatch   string
	verified   string
	gateError  string
	processing string
}

func linesFor(kind Kind) lines {
	if kind == KindBill {
		return lines{
			missing:    "Please enter Consumer ID and Amount.",
			verifying:  "Verifying identity for payment.",
			notVisible: "Face not visible.",
			mismatch:   "Face verification failed.",
			verified:   "Verified. Enter PIN.",
			gateError:  "Error verifying face.",
			processing: "Processing bill payment...",
		}
	}
	return lines{
		missing:    "Please enter amount.",
		verifying:  "Verifying face identity.",
		notVisible: "Face not visible.",
		mismatch:   "Face mismatch. Verification failed.",
		verified:   "Face verified. Enter PIN.",
		gateError:  "Error verifying face.",
		processing: "Processing payment...",
	}
}

// amountPrompt is spoken when a transfer reaches Amount with a contact.
func (c *Controller) amountPrompt() string {
	if c.state.Contact == nil {
		return ""
	}
	if c.state.Amount != "" {
		return fmt.Sprintf("Confirm sending %s to %s? Say Pay.", c.state.Amount, c.state.Contact.Name)
	}
	return fmt.Sprintf("Sending to %s. Enter amount.", c.state.Contact.Name)
}

// runGate performs one face verification and applies the result if the flow
// is still at the step and attempt that started it.
func (c *Controller) runGate(gen uint64, reference face.Descriptor) {
	ctx, span := observe.StartSpan(c.ctx, "flow.face_gate")
	dist, err := c.verifier.Verify(ctx, reference)
	if errors.Is(err, face.ErrNoReference) {
		err = nil
	}
	observe.EndSpan(span, err, observe.Attr("flow", c.kind.String()))

	c.mu.Lock()
	c.gate.End()
	if gen != c.gen || c.closed {
		slog.Debug("flow: dropping stale face result", "flow", c.kind, "err", err)
		if !c.closed {
			c.changed()
		}
	} else {
		c.settleGate(dist, err)
	}
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	c.wg.Done()
	run(pending)
}

func (c *Controller) settleGate(dist float64, err error) {
	outcome := observe.FaceVerified
	switch {
	case err == nil:
		c.setStep(StepPin)
		c.state.PIN = ""
		c.say(c.lines.verified)
	case errors.Is(err, context.Canceled):
		return
	case errors.Is(err, face.ErrNotVisible):
		outcome = observe.FaceNotVisible
		c.say(c.lines.notVisible)
	case errors.Is(err, face.ErrMismatch):
		outcome = observe.FaceMismatch
		slog.Info("flow: face mismatch", "flow", c.kind, "distance", dist)
		c.say(c.lines.mismatch)
	default:
		outcome = observe.FaceError
		slog.Error("flow: face verification failed", "flow", c.kind, "err", err)
		c.say(c.lines.gateError)
	}
	if c.metrics != nil {
		purpose := strings.ToLower(c.kind.String())
		c.pending = append(c.pending, func() {
			c.metrics.RecordFaceVerification(context.Background(), purpose, outcome)
		})
	}
	c.changed()
}

// record returns the ledger entry for the current attempt.
func (c *Controller) record() (bank.Kind, string) {
	if c.kind == KindBill {
		return bank.KindBillPay, fmt.Sprintf("Paid %s Bill", c.state.BillType)
	}
	return bank.KindTransfer, "Sent to " + c.state.Counterparty()
}

func (c *Controller) successLine() string {
	if c.kind == KindBill {
		return "Bill paid successfully."
	}
	return fmt.Sprintf("Payment of %s rupees successful.", c.state.Amount)
}

// complete runs when the processing delay elapses. The attempt is claimed
// under the lock so that exactly one record is written for it; the ledger
// itself is called without holding the lock.
func (c *Controller) complete(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.closed || c.state.Step != StepProcessing {
		c.mu.Unlock()
		return
	}
	c.gen++
	kind, desc := c.record()
	amount, _ := strconv.ParseFloat(c.state.Amount, 64)
	c.mu.Unlock()

	_, err := c.ledger.Record(kind, desc, amount)

	c.mu.Lock()
	defer c.unlock()
	if c.closed {
		return
	}
	if err != nil {
		slog.Error("flow: record payment", "flow", c.kind, "err", err)
		c.setStep(StepAmount)
		c.say("Payment failed.")
		c.changed()
		return
	}
	c.setStep(StepSuccess)
	c.say(c.successLine())
	if c.metrics != nil {
		c.pending = append(c.pending, func() {
			c.metrics.RecordTransaction(context.Background(), string(kind))
		})
	}
	c.changed()
}
