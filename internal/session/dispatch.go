package session

import (
	"context"
	"strconv"
	"time"

	"github.com/MrWong99/voicepay/internal/command"
	"github.com/MrWong99/voicepay/internal/flow"
	"github.com/MrWong99/voicepay/internal/observe"
)

// Spoken lines of the session screens.
const (
	lineLoadingAuth  = "Loading authentication."
	lineIdentify     = "Welcome. Please identify yourself."
	lineCleared      = "Cleared."
	lineGoingHome    = "Going to home."
	lineHelp         = "How can I help you?"
	lineBalanceCheck = "Verifying security for balance."
	lineLoggingOut   = "Logging out."
	lineOffline      = "I am currently offline."
)

// Dispatch classifies one final transcript and hands it to the focused
// screen. Greetings are answered first regardless of the screen.
func (s *Session) Dispatch(ctx context.Context, text string) {
	ev := command.NewEvent(text, time.Now())
	if ev.Text == "" {
		return
	}
	s.cfg.Metrics.RecordCommand(ctx, ev.Intent.String())
	observe.Logger(ctx).Debug("session: command", "intent", ev.Intent, "text", ev.Text)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if command.IsGreeting(ev.Text) {
		s.say(command.Greeting)
	}

	var ctl *flow.Controller
	switch s.screen {
	case ScreenLanding:
		s.handleLanding(ev)
	case ScreenLogin:
		s.handleLogin(ev)
	case ScreenDashboard:
		s.handleDashboard(ev)
	case ScreenChat:
		s.handleChat(ev)
	case ScreenTransfer, ScreenBill:
		ctl = s.flow
	}
	s.unlock()

	if ctl != nil {
		ctl.Handle(ctx, ev)
	}
}

func (s *Session) handleLanding(ev command.Event) {
	if ev.Intent == command.IntentLogin || ev.Has("login") {
		s.openLogin()
	}
}

func (s *Session) openLogin() {
	s.say(lineLoadingAuth)
	s.setScreen(ScreenLogin)
	s.say(lineIdentify)
	s.changed()
}

func (s *Session) handleLogin(ev command.Event) {
	if digits := command.ExtractDigits(ev.Text); len(digits) >= 5 {
		s.mobile = digits
		s.changed()
		if len(digits) >= 10 {
			s.beginLogin()
			return
		}
	}
	switch ev.Intent {
	case command.IntentLogin:
		s.beginLogin()
	case command.IntentClear:
		s.mobile = ""
		s.say(lineCleared)
		s.changed()
	case command.IntentBack:
		s.say(lineGoingHome)
		s.setScreen(ScreenLanding)
		s.changed()
	}
}

func (s *Session) handleDashboard(ev command.Event) {
	switch {
	case ev.Has("help", "support"):
		s.openChat()
		s.say(lineHelp)
	case ev.Intent == command.IntentTransfer || ev.Has("transfer", "send"):
		amount := command.FirstNumber(ev.Text)
		if amount == "" && ev.Has("hundred") {
			amount = "100"
		}
		var name string
		if n, ok := command.CandidateName(ev.Text); ok && len(n) > 2 {
			name = n
		}
		if amount != "" {
			s.say("Opening transfer of " + amount + ".")
		} else {
			s.say("Opening transfer.")
		}
		s.openFlow(flow.KindTransfer, flow.Prefill{Amount: amount, ContactName: name})
	case ev.Intent == command.IntentBill || ev.Has("bill"):
		amount := command.FirstNumber(ev.Text)
		if amount != "" {
			s.say("Opening bill payment of " + amount + ".")
		} else {
			s.say("Opening bill payments.")
		}
		s.openFlow(flow.KindBill, flow.Prefill{Amount: amount, BillType: command.DetectBillType(ev.Text)})
	case ev.Intent == command.IntentBalance || ev.Has("balance"):
		s.toggleBalance()
	case ev.Intent == command.IntentLogout:
		s.logout()
	case ev.Intent == command.IntentNone:
		// Unmatched speech is a question for the assistant; the chat screen
		// shows the reply.
		s.openChat()
		s.sendChat(ev.Text)
	}
}

func (s *Session) handleChat(ev command.Event) {
	switch ev.Intent {
	case command.IntentBack:
		s.setScreen(ScreenDashboard)
		s.changed()
	case command.IntentHello, command.IntentConfirm:
	default:
		s.sendChat(ev.Text)
	}
}

// openFlow opens a payment flow on top of the dashboard. The prefill is
// applied once the lock is released so the controller can notify freely.
func (s *Session) openFlow(kind flow.Kind, prefill flow.Prefill) {
	if s.account == nil {
		return
	}
	var ctl *flow.Controller
	opts := []flow.Option{
		flow.WithContacts(s.cfg.Contacts),
		flow.WithPIN(s.cfg.PIN),
		flow.WithProcessingDelay(s.cfg.ProcessingDelay),
		flow.WithMetrics(s.cfg.Metrics),
		flow.OnExit(func() { s.flowExited(ctl) }),
		flow.OnChange(func(st flow.State) { s.flowChanged(ctl, st) }),
	}
	if s.profile != nil && len(s.profile.FaceDescriptor) > 0 {
		opts = append(opts, flow.WithReference(s.profile.FaceDescriptor))
	}
	ctl = flow.New(kind, s.cfg.Speaker, s.cfg.Face, s.account, opts...)

	screen := ScreenTransfer
	if kind == flow.KindBill {
		screen = ScreenBill
	}
	s.setScreen(screen)
	s.flow = ctl
	st := ctl.State()
	s.flowState = &st
	s.pending = append(s.pending, func() { ctl.Start(prefill) })
	s.changed()
}

// flowChanged mirrors the state of the open flow into the session.
func (s *Session) flowChanged(ctl *flow.Controller, st flow.State) {
	s.mu.Lock()
	defer s.unlock()
	if s.closed || s.flow != ctl {
		return
	}
	s.flowState = &st
	s.changed()
}

// flowExited returns to the dashboard when the open flow hands back control.
func (s *Session) flowExited(ctl *flow.Controller) {
	s.mu.Lock()
	defer s.unlock()
	if s.closed || s.flow != ctl {
		return
	}
	s.setScreen(ScreenDashboard)
	s.changed()
}

func (s *Session) openChat() {
	if len(s.messages) == 0 {
		s.messages = []ChatMessage{{Role: "bot", Text: "Hello " + s.firstName() + "! How can I help you today?"}}
	}
	s.setScreen(ScreenChat)
	s.changed()
}

// toggleBalance hides a visible balance, or reveals it after the balance delay.
func (s *Session) toggleBalance() {
	if s.account == nil {
		return
	}
	if s.balanceVisible {
		s.balanceVisible = false
		s.changed()
		return
	}
	if s.balanceTimer != nil {
		return
	}
	s.say(lineBalanceCheck)
	gen := s.gen
	s.balanceTimer = time.AfterFunc(s.cfg.BalanceDelay, func() { s.revealBalance(gen) })
}

func (s *Session) revealBalance(gen uint64) {
	s.mu.Lock()
	defer s.unlock()
	if s.closed || gen != s.gen || s.account == nil {
		return
	}
	s.balanceTimer = nil
	s.balanceVisible = true
	bal := strconv.FormatFloat(s.account.Balance(), 'f', -1, 64)
	s.say("Your balance is " + bal + " rupees.")
	s.changed()
}

func (s *Session) logout() {
	s.say(lineLoggingOut)
	s.setScreen(ScreenLanding)
	s.profile = nil
	s.account = nil
	s.mobile = ""
	s.messages = nil
	s.balanceVisible = false
	s.changed()
}

// sendChat posts text to the assistant in the background. A message sent
// while a reply is pending is refused.
func (s *Session) sendChat(text string) {
	if !s.chat.TryBegin() {
		return
	}
	s.messages = append(s.messages, ChatMessage{Role: "user", Text: text})
	s.changed()

	gen := s.gen
	s.wg.Add(1)
	go s.chatReply(gen, text)
}

func (s *Session) chatReply(gen uint64, text string) {
	reply, err := s.cfg.Assistant.Reply(s.ctx, text)
	if err != nil {
		observe.Logger(s.ctx).Warn("session: assistant reply failed", "err", err)
		reply = lineOffline
	}

	s.mu.Lock()
	s.chat.End()
	s.wg.Done()
	if s.closed || gen != s.gen {
		s.changed()
		s.unlock()
		return
	}
	s.messages = append(s.messages, ChatMessage{Role: "bot", Text: reply})
	s.say(reply)
	s.changed()
	s.unlock()
}
