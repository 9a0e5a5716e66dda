package flow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/voicepay/internal/bank"
	"github.com/MrWong99/voicepay/internal/command"
	"github.com/MrWong99/voicepay/internal/observe"
	speechmock "github.com/MrWong99/voicepay/internal/speech/mock"
	"github.com/MrWong99/voicepay/pkg/face"
	facemock "github.com/MrWong99/voicepay/pkg/face/mock"
)

type fixture struct {
	ctl   *Controller
	spk   *speechmock.Speaker
	src   *facemock.Source
	acct  *bank.Account
	exits atomic.Int32
	last  atomic.Value // State
}

func newFixture(t *testing.T, kind Kind, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		spk:  &speechmock.Speaker{},
		src:  &facemock.Source{Results: []facemock.Result{{Descriptor: facemock.Descriptor(0.1)}}},
		acct: bank.NewAccount("9876543210"),
	}
	base := []Option{
		WithReference(facemock.Descriptor(0.1)),
		WithProcessingDelay(0),
		OnExit(func() { f.exits.Add(1) }),
		OnChange(func(s State) { f.last.Store(s) }),
	}
	f.ctl = New(kind, f.spk, face.NewVerifier(f.src, 0), f.acct, append(base, opts...)...)
	t.Cleanup(func() { _ = f.ctl.Close() })
	return f
}

func (f *fixture) say(text string) {
	f.ctl.Handle(context.Background(), command.NewEvent(text, time.Now()))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// waitStep waits for the change notification of want. It is queued after the
// speech and metrics of the same transition.
func (f *fixture) waitStep(t *testing.T, want Step) {
	t.Helper()
	waitFor(t, "step "+want.String(), func() bool {
		s, ok := f.last.Load().(State)
		return ok && s.Step == want
	})
}

// reachPIN drives a transfer to the PIN prompt with 500 for Ravi.
func (f *fixture) reachPIN(t *testing.T) {
	t.Helper()
	f.ctl.Start(Prefill{Amount: "500", ContactName: "ravi"})
	f.ctl.Pay()
	f.waitStep(t, StepPin)
}

func TestTransfer_VoiceHappyPath(t *testing.T) {
	t.Parallel()
	f := newFixture(t, KindTransfer)

	f.say("send to ravi")
	if got := f.ctl.State(); got.Step != StepAmount || got.Contact == nil || got.Contact.Name != "Ravi" {
		t.Fatalf("after select: %+v", got)
	}
	if !f.spk.Said("Selected Ravi. Say amount to transfer.") {
		t.Errorf("spoken = %v", f.spk.Texts())
	}

	f.say("500")
	if got := f.ctl.State().Amount; got != "500" {
		t.Fatalf("amount = %q, want 500", got)
	}
	if !f.spk.Said("Confirm sending 500 to Ravi? Say Pay.") {
		t.Errorf("spoken = %v", f.spk.Texts())
	}

	f.say("pay")
	f.waitStep(t, StepPin)
	if !f.spk.Said("Verifying face identity.") || !f.spk.Said("Face verified. Enter PIN.") {
		t.Errorf("spoken = %v", f.spk.Texts())
	}

	f.say("one two three four")
	if got := f.ctl.State().PINFilled(); got != 4 {
		t.Fatalf("PINFilled() = %d, want 4", got)
	}
	f.say("confirm")
	f.waitStep(t, StepSuccess)

	if !f.spk.Said("Processing payment...") || !f.spk.Said("Payment of 500 rupees successful.") {
		t.Errorf("spoken = %v", f.spk.Texts())
	}
	if got := f.acct.Balance(); got != bank.DefaultBalance-500 {
		t.Errorf("balance = %v, want %v", got, bank.DefaultBalance-500)
	}
	tx := f.acct.Transactions()[0]
	if tx.Kind != bank.KindTransfer || tx.Description != "Sent to Ravi" || tx.Amount != 500 {
		t.Errorf("newest record = %+v", tx)
	}

	f.say("done")
	if f.exits.Load() != 1 {
		t.Errorf("exits = %d, want 1", f.exits.Load())
	}
}

func TestTransfer_SelectIgnoresSpokenAmount(t *testing.T) {
	t.Parallel()
	f := newFixture(t, KindTransfer)

	f.say("send 500 to ravi")

	got := f.ctl.State()
	if got.Step != StepAmount || got.Contact == nil || got.Contact.Name != "Ravi" {
		t.Fatalf("after select: %+v", got)
	}
	if got.Amount != "" {
		t.Errorf("amount = %q, want empty", got.Amount)
	}
}

func TestTransfer_ConfirmWordStartsGate(t *testing.T) {
	t.Parallel()
	for _, phrase := range []string{
		"confirm the amount",
		"confirm transfer",
		"yes confirm send it",
	} {
		t.Run(phrase, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, KindTransfer)
			f.ctl.Start(Prefill{Amount: "500", ContactName: "ravi"})

			f.say(phrase)

			f.waitStep(t, StepPin)
			if !f.spk.Said("Verifying face identity.") {
				t.Errorf("spoken = %v", f.spk.Texts())
			}
		})
	}
}

func TestTransfer_PrefillSkipsSelect(t *testing.T) {
	t.Parallel()
	f := newFixture(t, KindTransfer)

	f.ctl.Start(Prefill{Amount: "500", ContactName: "ravi"})
	if got := f.ctl.State(); got.Step != StepAmount || got.Amount != "500" {
		t.Fatalf("state = %+v", got)
	}
	if !f.spk.Said("Confirm sending 500 to Ravi? Say Pay.") {
		t.Errorf("spoken = %v", f.spk.Texts())
	}
}

func TestTransfer_PrefillUnknownContactStaysAtSelect(t *testing.T) {
	t.Parallel()
	f := newFixture(t, KindTransfer)

	f.ctl.Start(Prefill{Amount: "200", ContactName: "Zed"})
	if got := f.ctl.State(); got.Step != StepSelect || got.Amount != "200" {
		t.Fatalf("state = %+v", got)
	}
}

func TestTransfer_SelectByContainedName(t *testing.T) {
	t.Parallel()
	f := newFixture(t, KindTransfer)

	f.say("i want priya please")
	if got := f.ctl.State(); got.Contact == nil || got.Contact.Name != "Priya" {
		t.Fatalf("contact = %+v", got.Contact)
	}
}

func TestTransfer_SearchAndSuggest(t *testing.T) {
	t.Parallel()
	f := newFixture(t, KindTransfer)

	f.say("search for am")
	if got := f.ctl.State().Search; got != "am" {
		t.Fatalf("search = %q, want am", got)
	}
	if got := f.ctl.Contacts(); len(got) != 1 || got[0].Name != "Amit" {
		t.Errorf("Contacts() = %v", got)
	}

	f.say("clear")
	if got := f.ctl.State().Search; got != "" {
		t.Errorf("search after clear = %q", got)
	}
	if !f.spk.Said("Search cleared.") {
		t.Errorf("spoken = %v", f.spk.Texts())
	}

	f.say("send to rahvi")
	if got := f.ctl.State(); got.Step != StepSelect || got.Contact != nil {
		t.Fatalf("a suggestion must not select: %+v", got)
	}
}

func TestSelectContact(t *testing.T) {
	t.Parallel()
	f := newFixture(t, KindTransfer)

	if err := f.ctl.SelectContact("Nobody"); !errors.Is(err, ErrUnknownContact) {
		t.Fatalf("err = %v, want ErrUnknownContact", err)
	}
	if err := f.ctl.SelectContact("9123456780"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := f.ctl.State().Contact; got == nil || got.Name != "Priya" {
		t.Fatalf("contact = %+v", got)
	}
	if err := f.ctl.SelectContact("Ravi"); !errors.Is(err, ErrWrongStep) {
		t.Errorf("err = %v, want ErrWrongStep", err)
	}
}

func TestSetAmount(t *testing.T) {
	t.Parallel()
	f := newFixture(t, KindTransfer)

	if err := f.ctl.SetAmount("10"); !errors.Is(err, ErrWrongStep) {
		t.Fatalf("err = %v, want ErrWrongStep", err)
	}
	f.ctl.Start(Prefill{ContactName: "Ravi"})
	if err := f.ctl.SetAmount("abc"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("err = %v, want ErrInvalidAmount", err)
	}
	before := len(f.spk.Texts())
	if err := f.ctl.SetAmount("250.50"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.spk.Texts()) != before {
		t.Error("typing an amount must not speak")
	}
}

func TestPay_MissingAmount(t *testing.T) {
	t.Parallel()
	f := newFixture(t, KindTransfer)

	f.ctl.Start(Prefill{ContactName: "Ravi"})
	f.ctl.Pay()
	if !f.spk.Said("Please enter amount.") {
		t.Errorf("spoken = %v", f.spk.Texts())
	}
	if f.src.Calls() != 0 {
		t.Errorf("face captured %d times, want 0", f.src.Calls())
	}

	// A zero amount counts as missing.
	_ = f.ctl.SetAmount("0")
	f.ctl.Pay()
	if got := f.ctl.State().Step; got != StepAmount {
		t.Errorf("step = %v, want AMOUNT", got)
	}
}

func TestGate_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		result facemock.Result
		line   string
	}{
		{"not visible", facemock.Result{Err: face.ErrNotVisible}, "Face not visible."},
		{"mismatch", facemock.Result{Descriptor: facemock.Descriptor(0.2)}, "Face mismatch. Verification failed."},
		{"capture error", facemock.Result{Err: errors.New("camera unplugged")}, "Error verifying face."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, KindTransfer)
			f.src.Results = []facemock.Result{tt.result}

			f.ctl.Start(Prefill{Amount: "500", ContactName: "Ravi"})
			f.ctl.Pay()
			waitFor(t, tt.line, func() bool { return f.spk.Said(tt.line) })
			waitFor(t, "gate idle", func() bool { return !f.ctl.State().Verifying })

			if got := f.ctl.State().Step; got != StepAmount {
				t.Errorf("step = %v, want AMOUNT", got)
			}
		})
	}
}

func TestGate_NoReferencePassesVisibleFace(t *testing.T) {
	t.Parallel()
	f := newFixture(t, KindTransfer, WithReference(nil))

	f.reachPIN(t)
}

func TestGate_SecondPayIgnoredWhilePending(t *testing.T) {
	t.Parallel()
	f := newFixture(t, KindTransfer)
	block := make(chan struct{})
	f.src.Block = block

	f.ctl.Start(Prefill{Amount: "500", ContactName: "Ravi"})
	f.ctl.Pay()
	f.ctl.Pay()
	f.say("pay")

	n := 0
	for _, s := range f.spk.Texts() {
		if s == "Verifying face identity." {
			n++
		}
	}
	if n != 1 {
		t.Errorf("gate started %d times, want 1", n)
	}
	if !f.ctl.State().Verifying {
		t.Error("expected Verifying while the gate is pending")
	}

	close(block)
	f.waitStep(t, StepPin)
	if f.src.Calls() != 1 {
		t.Errorf("captures = %d, want 1", f.src.Calls())
	}
}

func TestGate_StaleResultDropped(t *testing.T) {
	t.Parallel()
	f := newFixture(t, KindTransfer)
	block := make(chan struct{})
	f.src.Block = block

	f.ctl.Start(Prefill{Amount: "500", ContactName: "Ravi"})
	f.ctl.Pay()
	f.ctl.Back()
	close(block)

	waitFor(t, "gate idle", func() bool { return !f.ctl.State().Verifying })
	if got := f.ctl.State().Step; got != StepSelect {
		t.Errorf("step = %v, want SELECT", got)
	}
	if f.spk.Said("Face verified. Enter PIN.") {
		t.Error("stale gate result was applied")
	}
}

func TestPIN_KeypadAndWrongPIN(t *testing.T) {
	t.Parallel()
	f := newFixture(t, KindTransfer)
	f.reachPIN(t)

	if err := f.ctl.PressDigit("x"); !errors.Is(err, ErrInvalidDigit) {
		t.Fatalf("err = %v, want ErrInvalidDigit", err)
	}
	for _, d := range []string{"9", "9"} {
		if err := f.ctl.PressDigit(d); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	_ = f.ctl.SubmitPIN()
	if !f.spk.Said("Please enter 4 digits.") {
		t.Errorf("spoken = %v", f.spk.Texts())
	}

	_ = f.ctl.Backspace()
	if got := f.ctl.State().PINFilled(); got != 1 {
		t.Fatalf("PINFilled() = %d, want 1", got)
	}
	for _, d := range []string{"9", "9", "9"} {
		_ = f.ctl.PressDigit(d)
	}
	_ = f.ctl.SubmitPIN()
	if !f.spk.Said("Incorrect PIN.") {
		t.Errorf("spoken = %v", f.spk.Texts())
	}
	if got := f.ctl.State(); got.Step != StepPin || got.PINFilled() != 0 {
		t.Errorf("after wrong PIN: step %v, filled %d", got.Step, got.PINFilled())
	}
	if len(f.acct.Transactions()) != len(bank.SeedTransactions()) {
		t.Error("wrong PIN recorded a transaction")
	}
}

func TestPIN_VoiceConfirmWordDoesNotSubmitEarly(t *testing.T) {
	t.Parallel()
	f := newFixture(t, KindTransfer)
	f.reachPIN(t)

	f.say("okati")
	if got := f.ctl.State(); got.Step != StepPin || got.PIN != "1" {
		t.Fatalf("state = %+v", got)
	}
	if f.spk.Said("Please enter 4 digits.") {
		t.Error("PIN was submitted early")
	}
}

func TestPIN_VoiceClearAndCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, KindTransfer)
	f.reachPIN(t)

	f.say("1 2")
	f.say("delete")
	if got := f.ctl.State().PIN; got != "" {
		t.Errorf("PIN after delete = %q", got)
	}

	f.say("1 2")
	f.say("cancel")
	got := f.ctl.State()
	if got.Step != StepAmount || got.PIN != "" {
		t.Errorf("after cancel: %+v", got)
	}
	if !f.spk.Said("Cancelled.") {
		t.Errorf("spoken = %v", f.spk.Texts())
	}
}

func TestCancelPIN(t *testing.T) {
	t.Parallel()
	f := newFixture(t, KindTransfer)
	f.reachPIN(t)

	_ = f.ctl.PressDigit("1")
	if err := f.ctl.CancelPIN(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := f.ctl.State(); got.Step != StepAmount || got.PIN != "" || got.Amount != "500" {
		t.Errorf("state = %+v", got)
	}
}

func TestBack_FromFirstStepExits(t *testing.T) {
	t.Parallel()
	f := newFixture(t, KindTransfer)

	f.say("go back")
	if f.exits.Load() != 1 {
		t.Fatalf("exits = %d, want 1", f.exits.Load())
	}
	if !f.spk.Said("Returning to dashboard.") {
		t.Errorf("spoken = %v", f.spk.Texts())
	}

	// The flow is finished; further input is ignored.
	f.say("send to ravi")
	if f.ctl.State().Contact != nil {
		t.Error("input accepted after exit")
	}
}

func TestBack_FromAmountClearsContact(t *testing.T) {
	t.Parallel()
	f := newFixture(t, KindTransfer)

	f.ctl.Start(Prefill{ContactName: "Ravi"})
	f.say("back")
	got := f.ctl.State()
	if got.Step != StepSelect || got.Contact != nil {
		t.Errorf("state = %+v", got)
	}
	if !f.spk.Said("Going back.") {
		t.Errorf("spoken = %v", f.spk.Texts())
	}
}

func TestClear_TransferAmount(t *testing.T) {
	t.Parallel()
	f := newFixture(t, KindTransfer)

	f.ctl.Start(Prefill{Amount: "500", ContactName: "Ravi"})
	f.say("clear")
	if got := f.ctl.State().Amount; got != "" {
		t.Errorf("amount = %q", got)
	}
	if !f.spk.Said("Amount cleared.") {
		t.Errorf("spoken = %v", f.spk.Texts())
	}
}

func TestBill_VoiceHappyPath(t *testing.T) {
	t.Parallel()
	f := newFixture(t, KindBill)

	f.say("pay")
	if !f.spk.Said("Please enter Consumer ID and Amount.") {
		t.Fatalf("spoken = %v", f.spk.Texts())
	}

	f.say("consumer id 98765")
	f.say("amount 1200")
	got := f.ctl.State()
	if got.ConsumerID != "98765" || got.Amount != "1200" {
		t.Fatalf("state = %+v", got)
	}

	f.say("pay")
	f.waitStep(t, StepPin)
	if !f.spk.Said("Verifying identity for payment.") || !f.spk.Said("Verified. Enter PIN.") {
		t.Errorf("spoken = %v", f.spk.Texts())
	}

	f.say("1234")
	f.say("ok")
	f.waitStep(t, StepSuccess)

	tx := f.acct.Transactions()[0]
	if tx.Kind != bank.KindBillPay || tx.Description != "Paid Electricity Bill" || tx.Amount != 1200 {
		t.Errorf("newest record = %+v", tx)
	}
	if !f.spk.Said("Bill paid successfully.") {
		t.Errorf("spoken = %v", f.spk.Texts())
	}
}

func TestBill_BareNumberFillsAmountOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, KindBill)

	f.say("450")
	f.say("999")
	if got := f.ctl.State().Amount; got != "450" {
		t.Errorf("amount = %q, want 450", got)
	}

	f.say("clear")
	got := f.ctl.State()
	if got.Amount != "" || got.ConsumerID != "" {
		t.Errorf("after clear: %+v", got)
	}
}

func TestBill_ConfirmWordStartsGate(t *testing.T) {
	t.Parallel()
	f := newFixture(t, KindBill)
	f.say("consumer id 98765")
	f.say("amount 1200")

	f.say("confirm bill payment")

	f.waitStep(t, StepPin)
	if !f.spk.Said("Verifying identity for payment.") {
		t.Errorf("spoken = %v", f.spk.Texts())
	}
}

func TestBill_CloseAfterExitWaitsForGate(t *testing.T) {
	t.Parallel()
	f := newFixture(t, KindBill)
	f.src.Block = make(chan struct{})
	f.say("consumer id 98765")
	f.say("amount 1200")
	f.ctl.Pay()
	if !f.ctl.State().Verifying {
		t.Fatal("expected Verifying while the gate is pending")
	}

	f.ctl.Back()
	if f.exits.Load() != 1 {
		t.Fatalf("exits = %d, want 1", f.exits.Load())
	}
	if err := f.ctl.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.ctl.State().Verifying {
		t.Error("Close returned before the gate finished")
	}
}

func TestBill_BackExits(t *testing.T) {
	t.Parallel()
	f := newFixture(t, KindBill)

	f.ctl.Back()
	if f.exits.Load() != 1 {
		t.Errorf("exits = %d, want 1", f.exits.Load())
	}
}

func TestClose_AbandonsProcessing(t *testing.T) {
	t.Parallel()
	f := newFixture(t, KindTransfer, WithProcessingDelay(20*time.Millisecond))
	f.reachPIN(t)

	for _, d := range []string{"1", "2", "3", "4"} {
		_ = f.ctl.PressDigit(d)
	}
	_ = f.ctl.SubmitPIN()
	if got := f.ctl.State().Step; got != StepProcessing {
		t.Fatalf("step = %v, want PROCESSING", got)
	}
	f.say("back")
	if got := f.ctl.State().Step; got != StepProcessing {
		t.Fatalf("processing was interrupted: %v", got)
	}

	_ = f.ctl.Close()
	time.Sleep(60 * time.Millisecond)
	if len(f.acct.Transactions()) != len(bank.SeedTransactions()) {
		t.Error("abandoned flow recorded a transaction")
	}
}

func TestOnChange_ReceivesSnapshots(t *testing.T) {
	t.Parallel()

	var last atomic.Value
	f := newFixture(t, KindTransfer, OnChange(func(s State) { last.Store(s) }))

	f.ctl.Start(Prefill{Amount: "75", ContactName: "Sneha"})
	s, ok := last.Load().(State)
	if !ok || s.Step != StepAmount || s.Contact == nil || s.Contact.Name != "Sneha" {
		t.Fatalf("last snapshot = %+v", s)
	}
}

func TestMetrics_RecordsTransitionsAndGate(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	f := newFixture(t, KindTransfer, WithMetrics(m))
	f.reachPIN(t)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if sum, ok := met.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					got[met.Name] += dp.Value
				}
			}
		}
	}
	// Select → Amount and Amount → Pin.
	if got["voicepay.flow.transitions"] != 2 {
		t.Errorf("transitions = %d, want 2", got["voicepay.flow.transitions"])
	}
	if got["voicepay.face.verifications"] != 1 {
		t.Errorf("face verifications = %d, want 1", got["voicepay.face.verifications"])
	}
}
