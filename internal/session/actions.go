package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/voicepay/internal/command"
	"github.com/MrWong99/voicepay/internal/flow"
	"github.com/MrWong99/voicepay/internal/observe"
)

// UI action names sent by the client for taps, typing and keypad presses.
const (
	ActionOpenLogin     = "open_login"
	ActionMobile        = "mobile"
	ActionLogin         = "login"
	ActionRegister      = "register"
	ActionBack          = "back"
	ActionClear         = "clear"
	ActionLogout        = "logout"
	ActionBalance       = "balance"
	ActionOpenChat      = "open_chat"
	ActionChat          = "chat"
	ActionOpenTransfer  = "open_transfer"
	ActionOpenBill      = "open_bill"
	ActionSelectContact = "select_contact"
	ActionSearch        = "search"
	ActionAmount        = "amount"
	ActionConsumerID    = "consumer_id"
	ActionBillType      = "bill_type"
	ActionPay           = "pay"
	ActionDigit         = "digit"
	ActionBackspace     = "backspace"
	ActionPINSubmit     = "pin_submit"
	ActionPINCancel     = "pin_cancel"
	ActionDone          = "done"
)

var (
	// ErrUnknownAction is returned for an action name the session does not know.
	ErrUnknownAction = errors.New("session: unknown action")

	// ErrNotAvailable is returned for an action that does not apply to the
	// focused screen.
	ErrNotAvailable = errors.New("session: action not available on this screen")

	// ErrClosed is returned once the session has been closed.
	ErrClosed = errors.New("session: closed")
)

// flowActions are forwarded to the open flow controller.
var flowActions = map[string]bool{
	ActionSelectContact: true,
	ActionSearch:        true,
	ActionAmount:        true,
	ActionConsumerID:    true,
	ActionBillType:      true,
	ActionPay:           true,
	ActionDigit:         true,
	ActionBackspace:     true,
	ActionPINSubmit:     true,
	ActionPINCancel:     true,
	ActionDone:          true,
}

// Action applies a UI action. value carries the action argument (a digit,
// an amount, a contact name or mobile, a chat message), if any.
func (s *Session) Action(ctx context.Context, name, value string) error {
	observe.Logger(ctx).Debug("session: action", "name", name)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	ctl := s.flow
	if flowActions[name] || (ctl != nil && (name == ActionBack || name == ActionClear)) {
		s.mu.Unlock()
		if ctl == nil {
			return fmt.Errorf("%w: %s", ErrNotAvailable, name)
		}
		return flowAction(ctl, name, value)
	}
	err := s.screenAction(name, value)
	s.unlock()
	return err
}

// screenAction handles actions that belong to the session screens. Called
// with the lock held.
func (s *Session) screenAction(name, value string) error {
	unavailable := fmt.Errorf("%w: %s on %s", ErrNotAvailable, name, s.screen)
	switch name {
	case ActionOpenLogin:
		if s.screen != ScreenLanding {
			return unavailable
		}
		s.openLogin()
	case ActionMobile:
		if s.screen != ScreenLogin {
			return unavailable
		}
		s.mobile = command.ExtractDigits(value)
		s.changed()
	case ActionLogin:
		if s.screen != ScreenLogin {
			return unavailable
		}
		s.beginLogin()
	case ActionRegister:
		if s.screen != ScreenLogin {
			return unavailable
		}
		s.beginRegister(value)
	case ActionBack, ActionClear:
		ev := command.Event{Intent: command.IntentBack}
		if name == ActionClear {
			ev.Intent = command.IntentClear
		}
		switch s.screen {
		case ScreenLogin:
			s.handleLogin(ev)
		case ScreenChat:
			if name == ActionClear {
				return unavailable
			}
			s.handleChat(ev)
		default:
			return unavailable
		}
	case ActionLogout:
		if s.profile == nil {
			return unavailable
		}
		s.logout()
	case ActionBalance:
		if s.screen != ScreenDashboard {
			return unavailable
		}
		s.toggleBalance()
	case ActionOpenChat:
		if s.screen != ScreenDashboard {
			return unavailable
		}
		s.openChat()
	case ActionChat:
		switch s.screen {
		case ScreenDashboard:
			s.openChat()
		case ScreenChat:
		default:
			return unavailable
		}
		if value != "" {
			s.sendChat(value)
		}
	case ActionOpenTransfer, ActionOpenBill:
		if s.screen != ScreenDashboard {
			return unavailable
		}
		if name == ActionOpenTransfer {
			s.openFlow(flow.KindTransfer, flow.Prefill{})
		} else {
			s.openFlow(flow.KindBill, flow.Prefill{})
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, name)
	}
	return nil
}

func flowAction(ctl *flow.Controller, name, value string) error {
	switch name {
	case ActionSelectContact:
		return ctl.SelectContact(value)
	case ActionSearch:
		return ctl.SetSearch(value)
	case ActionAmount:
		return ctl.SetAmount(value)
	case ActionConsumerID:
		return ctl.SetConsumerID(value)
	case ActionBillType:
		return ctl.SetBillType(command.BillType(value))
	case ActionPay:
		ctl.Pay()
	case ActionDigit:
		return ctl.PressDigit(value)
	case ActionBackspace:
		return ctl.Backspace()
	case ActionPINSubmit:
		return ctl.SubmitPIN()
	case ActionPINCancel:
		return ctl.CancelPIN()
	case ActionDone:
		return ctl.Done()
	case ActionBack:
		ctl.Back()
	case ActionClear:
		ctl.Clear()
	}
	return nil
}
