// Package session holds the state of the one live voice session: which
// screen is focused, who is signed in, their ledger and whatever flow or chat
// is open. It is also the dispatcher: every final transcript and every UI
// action enters through [Session], is classified once and is handled by
// exactly one screen.
//
// Work that suspends (face capture, user lookup, assistant replies, the
// balance reveal) runs on its own goroutine. Each such task remembers the
// screen generation it started on and its result is dropped if the user has
// moved on in the meantime.
package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voicepay/internal/bank"
	"github.com/MrWong99/voicepay/internal/contacts"
	"github.com/MrWong99/voicepay/internal/flow"
	"github.com/MrWong99/voicepay/internal/inflight"
	"github.com/MrWong99/voicepay/internal/ledgerfeed"
	"github.com/MrWong99/voicepay/internal/observe"
	"github.com/MrWong99/voicepay/internal/userstore"
	"github.com/MrWong99/voicepay/pkg/face"
)

// DefaultBalanceDelay is how long the balance reveal waits before the amount
// is shown and spoken.
const DefaultBalanceDelay = 800 * time.Millisecond

// Screen is the focused page of the client.
type Screen string

const (
	ScreenLanding   Screen = "LANDING"
	ScreenLogin     Screen = "LOGIN"
	ScreenDashboard Screen = "DASHBOARD"
	ScreenTransfer  Screen = "TRANSFER"
	ScreenBill      Screen = "BILL"
	ScreenChat      Screen = "CHAT"
)

func (s Screen) String() string { return string(s) }

// Speaker says a line to the user without blocking.
type Speaker interface {
	Speak(text string)
}

// FaceVerifier captures the live face and checks it against an enrolled
// descriptor. *face.Verifier implements it.
type FaceVerifier interface {
	flow.Verifier
	Capture(ctx context.Context) (face.Descriptor, error)
	Threshold() float64
}

// Assistant answers chat messages.
type Assistant interface {
	Reply(ctx context.Context, message string) (string, error)
}

// Config holds the collaborators and tunables of a [Session].
type Config struct {
	Speaker   Speaker
	Face      FaceVerifier
	Users     userstore.Store
	Assistant Assistant

	// Contacts is the transfer directory. Defaults to contacts.Defaults().
	Contacts *contacts.Directory

	// Ledger receives every recorded transaction. Defaults to a discard publisher.
	Ledger ledgerfeed.Publisher

	Metrics *observe.Metrics

	// PIN is the payment PIN. Defaults to flow.DefaultPIN.
	PIN string

	// ProcessingDelay is the simulated payment time. Zero selects
	// flow.DefaultProcessingDelay; negative means immediate.
	ProcessingDelay time.Duration

	// BalanceDelay is the wait before the balance is revealed. Zero selects
	// DefaultBalanceDelay; negative means immediate.
	BalanceDelay time.Duration

	// InitialBalance opens the session ledger. Zero selects bank.DefaultBalance.
	InitialBalance float64

	// OnChange, if set, receives a fresh view after every change.
	OnChange func(View)
}

// ChatMessage is one line of the assistant conversation.
type ChatMessage struct {
	Role string `json:"role"` // "bot" or "user"
	Text string `json:"text"`
}

// Session is the live voice session. All methods are safe for concurrent use.
type Session struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	auth inflight.Guard
	chat inflight.Guard

	mu             sync.Mutex
	screen         Screen
	gen            uint64
	mobile         string
	status         string
	profile        *userstore.Profile
	account        *bank.Account
	balanceVisible bool
	balanceTimer   *time.Timer
	flow           *flow.Controller
	flowState      *flow.State
	messages       []ChatMessage
	closed         bool
	pending        []func()
}

// New returns a session on the landing screen.
func New(cfg Config) *Session {
	if cfg.Contacts == nil {
		cfg.Contacts, _ = contacts.NewDirectory(contacts.Defaults())
	}
	if cfg.Ledger == nil {
		cfg.Ledger = ledgerfeed.Discard{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.PIN == "" {
		cfg.PIN = flow.DefaultPIN
	}
	switch {
	case cfg.ProcessingDelay == 0:
		cfg.ProcessingDelay = flow.DefaultProcessingDelay
	case cfg.ProcessingDelay < 0:
		cfg.ProcessingDelay = 0
	}
	switch {
	case cfg.BalanceDelay == 0:
		cfg.BalanceDelay = DefaultBalanceDelay
	case cfg.BalanceDelay < 0:
		cfg.BalanceDelay = 0
	}
	if cfg.InitialBalance == 0 {
		cfg.InitialBalance = bank.DefaultBalance
	}
	s := &Session{cfg: cfg, screen: ScreenLanding}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Screen returns the focused screen.
func (s *Session) Screen() Screen {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.screen
}

// Profile returns the signed-in user, if any.
func (s *Session) Profile() (userstore.Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.profile == nil {
		return userstore.Profile{}, false
	}
	return *s.profile, true
}

// Account returns the session ledger of the signed-in user, or nil.
func (s *Session) Account() *bank.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account
}

// Flow returns the open flow controller, or nil.
func (s *Session) Flow() *flow.Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flow
}

// Close abandons all pending work. The session ignores input afterwards.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.gen++
	s.stopBalanceTimer()
	ctl := s.flow
	s.flow = nil
	s.pending = nil
	s.mu.Unlock()

	s.cancel()
	if ctl != nil {
		_ = ctl.Close()
	}
	s.wg.Wait()
	return nil
}

// setScreen moves focus. Leaving a flow closes its controller once the lock
// is released; leaving the dashboard area hides the balance again.
func (s *Session) setScreen(to Screen) {
	from := s.screen
	if from == to {
		return
	}
	s.gen++
	s.screen = to
	s.status = ""

	if ctl := s.flow; ctl != nil && to != ScreenTransfer && to != ScreenBill {
		s.flow = nil
		s.flowState = nil
		s.pending = append(s.pending, func() { _ = ctl.Close() })
	}
	if to != ScreenDashboard && to != ScreenChat {
		s.balanceVisible = false
	}
	s.stopBalanceTimer()
	slog.Debug("session: screen change", "from", from, "to", to)
}

func (s *Session) stopBalanceTimer() {
	if s.balanceTimer != nil {
		s.balanceTimer.Stop()
		s.balanceTimer = nil
	}
}

// say queues text to be spoken after the lock is released.
func (s *Session) say(text string) {
	if text == "" {
		return
	}
	s.pending = append(s.pending, func() { s.cfg.Speaker.Speak(text) })
}

// changed queues a view notification after the lock is released.
func (s *Session) changed() {
	if s.cfg.OnChange == nil {
		return
	}
	s.pending = append(s.pending, func() { s.cfg.OnChange(s.View()) })
}

// unlock releases the lock and then runs the queued side effects in order.
func (s *Session) unlock() {
	fns := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// firstName returns the first word of the signed-in user's name.
func (s *Session) firstName() string {
	if s.profile == nil || s.profile.Name == "" {
		return "User"
	}
	return strings.Fields(s.profile.Name)[0]
}
