package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/voicepay/internal/bank"
	"github.com/MrWong99/voicepay/internal/command"
	"github.com/MrWong99/voicepay/internal/contacts"
	"github.com/MrWong99/voicepay/internal/inflight"
	"github.com/MrWong99/voicepay/internal/observe"
	"github.com/MrWong99/voicepay/pkg/face"
)

const (
	// DefaultPIN is the fixed PIN accepted by every flow.
	DefaultPIN = "1234"

	// DefaultProcessingDelay is how long the simulated payment takes.
	DefaultProcessingDelay = 1500 * time.Millisecond
)

// Speaker says a line to the user. Implementations must not block.
type Speaker interface {
	Speak(text string)
}

// Verifier is the face gate. It returns nil when the live face matches
// reference, face.ErrNotVisible, face.ErrMismatch, or another error.
type Verifier interface {
	Verify(ctx context.Context, reference face.Descriptor) (float64, error)
}

// Recorder appends a completed payment to the session ledger.
type Recorder interface {
	Record(kind bank.Kind, description string, amount float64) (bank.Transaction, error)
}

// Prefill carries slots collected before the flow was opened, e.g. from
// "send 500 to ravi" on the dashboard.
type Prefill struct {
	Amount      string
	ContactName string
	BillType    command.BillType
}

// Option configures a Controller.
type Option func(*Controller)

// WithContacts sets the transfer contact directory.
func WithContacts(d *contacts.Directory) Option {
	return func(c *Controller) { c.contacts = d }
}

// WithReference sets the enrolled face descriptor of the signed-in user. A
// user without one passes the gate on any visible face.
func WithReference(d face.Descriptor) Option {
	return func(c *Controller) { c.reference = d }
}

// WithPIN overrides DefaultPIN.
func WithPIN(pin string) Option {
	return func(c *Controller) {
		if pin != "" {
			c.pin = pin
		}
	}
}

// WithProcessingDelay overrides DefaultProcessingDelay.
func WithProcessingDelay(d time.Duration) Option {
	return func(c *Controller) {
		if d >= 0 {
			c.delay = d
		}
	}
}

// WithMetrics records transitions and gate outcomes on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// OnExit registers fn to be called when the flow hands control back to the
// dashboard: BACK at the first step, or Done after Success.
func OnExit(fn func()) Option {
	return func(c *Controller) { c.onExit = fn }
}

// OnChange registers fn to be called with a snapshot after every change.
func OnChange(fn func(State)) Option {
	return func(c *Controller) { c.onChange = fn }
}

// Controller drives one flow. Methods are safe to call from the session
// dispatcher while gate and processing results land on other goroutines.
type Controller struct {
	kind      Kind
	lines     lines
	speaker   Speaker
	verifier  Verifier
	ledger    Recorder
	contacts  *contacts.Directory
	reference face.Descriptor
	pin       string
	delay     time.Duration
	metrics   *observe.Metrics
	onExit    func()
	onChange  func(State)

	ctx    context.Context
	cancel context.CancelFunc
	gate   inflight.Guard
	wg     sync.WaitGroup

	mu      sync.Mutex
	state   State
	gen     uint64
	timer   *time.Timer
	closed  bool // set on exit or Close; no further input is applied
	stopped bool // set by Close
	pending []func()
}

// New returns a Controller for a fresh flow of kind.
func New(kind Kind, speaker Speaker, verifier Verifier, ledger Recorder, opts ...Option) *Controller {
	c := &Controller{
		kind:     kind,
		lines:    linesFor(kind),
		speaker:  speaker,
		verifier: verifier,
		ledger:   ledger,
		pin:      DefaultPIN,
		delay:    DefaultProcessingDelay,
		state:    NewState(kind),
	}
	for _, o := range opts {
		o(c)
	}
	if c.contacts == nil {
		c.contacts, _ = contacts.NewDirectory(contacts.Defaults())
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// Kind returns the flow kind.
func (c *Controller) Kind() Kind { return c.kind }

// State returns a snapshot of the flow state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot()
}

func (c *Controller) snapshot() State {
	s := c.state
	if s.Contact != nil {
		ct := *s.Contact
		s.Contact = &ct
	}
	s.Verifying = c.gate.Busy()
	return s
}

// Contacts returns the directory filtered by the current search term.
func (c *Controller) Contacts() []contacts.Contact {
	c.mu.Lock()
	term := c.state.Search
	c.mu.Unlock()
	return c.contacts.Search(term)
}

// Start applies slots collected on the dashboard. A transfer whose contact
// name is in the directory skips straight to Amount.
func (c *Controller) Start(p Prefill) {
	c.mu.Lock()
	defer c.unlock()

	if p.Amount != "" && ValidAmount(p.Amount) {
		c.state.Amount = p.Amount
	}
	if p.BillType != "" {
		c.state.BillType = p.BillType
	}
	if c.kind == KindTransfer && p.ContactName != "" {
		if ct, ok := c.contacts.FindExact(p.ContactName); ok {
			c.state.Contact = &ct
			c.setStep(StepAmount)
			c.say(c.amountPrompt())
		}
	}
	c.changed()
}

// SelectContact picks the contact with the given name or mobile number.
func (c *Controller) SelectContact(nameOrMobile string) error {
	c.mu.Lock()
	defer c.unlock()

	if c.kind != KindTransfer || c.state.Step != StepSelect {
		return ErrWrongStep
	}
	ct, ok := c.contacts.FindExact(nameOrMobile)
	if !ok {
		for _, cand := range c.contacts.All() {
			if cand.Mobile == nameOrMobile {
				ct, ok = cand, true
				break
			}
		}
	}
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownContact, nameOrMobile)
	}
	c.selectContact(ct)
	return nil
}

func (c *Controller) selectContact(ct contacts.Contact) {
	c.state.Contact = &ct
	c.state.Search = ""
	c.setStep(StepAmount)
	if c.state.Amount != "" {
		c.say(c.amountPrompt())
	} else {
		c.say(fmt.Sprintf("Selected %s. Say amount to transfer.", ct.Name))
	}
	c.changed()
}

// SetSearch sets the contact filter typed into the search box.
func (c *Controller) SetSearch(term string) error {
	c.mu.Lock()
	defer c.unlock()

	if c.kind != KindTransfer || c.state.Step != StepSelect {
		return ErrWrongStep
	}
	c.state.Search = term
	c.changed()
	return nil
}

// SetAmount sets the amount typed into the amount field.
func (c *Controller) SetAmount(amount string) error {
	c.mu.Lock()
	defer c.unlock()

	if c.state.Step != StepAmount {
		return ErrWrongStep
	}
	if amount != "" && !ValidAmount(amount) {
		return fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	c.state.Amount = amount
	c.changed()
	return nil
}

// SetConsumerID sets the bill consumer ID.
func (c *Controller) SetConsumerID(id string) error {
	c.mu.Lock()
	defer c.unlock()

	if c.kind != KindBill || c.state.Step != StepAmount {
		return ErrWrongStep
	}
	c.state.ConsumerID = id
	c.changed()
	return nil
}

// SetBillType sets the biller category picked from the bill type tabs.
func (c *Controller) SetBillType(t command.BillType) error {
	c.mu.Lock()
	defer c.unlock()

	if c.kind != KindBill || c.state.Step != StepAmount {
		return ErrWrongStep
	}
	c.state.BillType = t
	c.changed()
	return nil
}

// Pay is the explicit pay action. It checks the required slots and then runs
// the face gate in the background; a second Pay while the gate is pending is
// ignored.
func (c *Controller) Pay() {
	c.mu.Lock()
	defer c.unlock()
	c.pay()
}

func (c *Controller) pay() {
	if c.state.Step != StepAmount || c.closed {
		return
	}
	if !c.slotsComplete() {
		c.say(c.lines.missing)
		return
	}
	if !c.gate.TryBegin() {
		slog.Debug("flow: face gate already pending", "flow", c.kind)
		return
	}
	c.say(c.lines.verifying)
	c.changed()

	c.wg.Add(1)
	go c.runGate(c.gen, c.reference)
}

func (c *Controller) slotsComplete() bool {
	amt, err := strconv.ParseFloat(c.state.Amount, 64)
	if err != nil || amt <= 0 {
		return false
	}
	if c.kind == KindBill && c.state.ConsumerID == "" {
		return false
	}
	return true
}

// PressDigit appends a keypad digit to the PIN.
func (c *Controller) PressDigit(d string) error {
	c.mu.Lock()
	defer c.unlock()

	if c.state.Step != StepPin {
		return ErrWrongStep
	}
	if len(d) != 1 {
		return fmt.Errorf("%w: %q", ErrInvalidDigit, d)
	}
	if d[0] < '0' || d[0] > '9' {
		return fmt.Errorf("%w: %q", ErrInvalidDigit, d)
	}
	if c.state.AppendPIN(d[0]) {
		c.changed()
	}
	return nil
}

// Backspace removes the last PIN digit.
func (c *Controller) Backspace() error {
	c.mu.Lock()
	defer c.unlock()

	if c.state.Step != StepPin {
		return ErrWrongStep
	}
	if n := len(c.state.PIN); n > 0 {
		c.state.PIN = c.state.PIN[:n-1]
		c.changed()
	}
	return nil
}

// SubmitPIN checks the PIN. A short PIN is refused, a wrong one clears the
// buffer and stays at Pin, the right one starts processing.
func (c *Controller) SubmitPIN() error {
	c.mu.Lock()
	defer c.unlock()

	if c.state.Step != StepPin {
		return ErrWrongStep
	}
	c.submitPIN()
	return nil
}

func (c *Controller) submitPIN() {
	if len(c.state.PIN) != PINLength {
		c.say("Please enter 4 digits.")
		return
	}
	if c.state.PIN != c.pin {
		c.state.PIN = ""
		c.say("Incorrect PIN.")
		c.changed()
		return
	}
	c.state.PIN = ""
	c.setStep(StepProcessing)
	c.say(c.lines.processing)
	c.changed()

	gen := c.gen
	c.timer = time.AfterFunc(c.delay, func() { c.complete(gen) })
}

// CancelPIN closes the PIN prompt and returns to Amount with an empty PIN.
func (c *Controller) CancelPIN() error {
	c.mu.Lock()
	defer c.unlock()

	if c.state.Step != StepPin {
		return ErrWrongStep
	}
	c.state.PIN = ""
	c.setStep(StepAmount)
	c.changed()
	return nil
}

// Back moves one step backward, or leaves the flow from its first step.
// Processing cannot be interrupted; after Success Back behaves like Done.
func (c *Controller) Back() {
	c.mu.Lock()
	defer c.unlock()
	c.back()
}

func (c *Controller) back() {
	switch c.state.Step {
	case StepProcessing:
		return
	case StepSuccess:
		c.exit()
		return
	case c.state.FirstStep():
		c.say("Returning to dashboard.")
		c.exit()
		return
	case StepPin:
		c.state.PIN = ""
	case StepAmount:
		c.state.Contact = nil
	}
	c.setStep(c.state.Step - 1)
	c.say("Going back.")
	c.changed()
}

// Clear empties the fields of the current step without moving.
func (c *Controller) Clear() {
	c.mu.Lock()
	defer c.unlock()
	c.clear()
}

func (c *Controller) clear() {
	switch c.state.Step {
	case StepSelect:
		c.state.Search = ""
		c.say("Search cleared.")
	case StepAmount:
		c.state.Amount = ""
		if c.kind == KindBill {
			c.state.ConsumerID = ""
			c.say("Cleared.")
		} else {
			c.say("Amount cleared.")
		}
	case StepPin:
		c.state.PIN = ""
		c.say("Cleared.")
	default:
		return
	}
	c.changed()
}

// Done leaves a completed flow.
func (c *Controller) Done() error {
	c.mu.Lock()
	defer c.unlock()

	if c.state.Step != StepSuccess {
		return ErrWrongStep
	}
	c.exit()
	return nil
}

// Close abandons the flow: the processing timer is stopped and any gate
// result still in flight is dropped. It waits for the gate goroutine.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.closed = true
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
	}
	c.pending = nil
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	return nil
}

func (c *Controller) exit() {
	c.gen++
	c.closed = true
	c.cancel()
	if c.onExit != nil {
		c.pending = append(c.pending, c.onExit)
	}
}

// setStep moves to step and invalidates async work started at the old one.
func (c *Controller) setStep(step Step) {
	from := c.state.Step
	if from == step {
		return
	}
	c.state.Step = step
	c.gen++
	if c.metrics != nil {
		kind := c.kind.String()
		c.pending = append(c.pending, func() {
			c.metrics.RecordFlowTransition(context.Background(), kind, from.String(), step.String())
		})
	}
	slog.Debug("flow: step", "flow", c.kind, "from", from, "to", step)
}

func (c *Controller) say(text string) {
	if c.speaker == nil || text == "" {
		return
	}
	c.pending = append(c.pending, func() { c.speaker.Speak(text) })
}

func (c *Controller) changed() {
	if c.onChange == nil {
		return
	}
	s := c.snapshot()
	c.pending = append(c.pending, func() { c.onChange(s) })
}

// unlock releases the mutex and then runs the callbacks queued while it was
// held, in order.
func (c *Controller) unlock() {
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	run(pending)
}

func run(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}
