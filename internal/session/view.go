package session

import (
	"github.com/MrWong99/voicepay/internal/bank"
	"github.com/MrWong99/voicepay/internal/contacts"
	"github.com/MrWong99/voicepay/internal/flow"
)

// View is the snapshot pushed to the client after every change.
type View struct {
	Screen Screen `json:"screen"`

	// Mobile is the number typed or spoken on the login screen.
	Mobile string `json:"mobile,omitempty"`

	// Busy is set while a login or registration is in flight.
	Busy   bool   `json:"busy"`
	Status string `json:"status,omitempty"`

	User *UserView `json:"user,omitempty"`

	BalanceVisible bool `json:"balanceVisible"`

	// Balance is only filled in while the balance is visible.
	Balance *float64 `json:"balance,omitempty"`

	Transactions []bank.Transaction `json:"transactions,omitempty"`

	Flow     *flow.State        `json:"flow,omitempty"`
	Contacts []contacts.Contact `json:"contacts,omitempty"`

	Chat        []ChatMessage `json:"chat,omitempty"`
	ChatPending bool          `json:"chatPending,omitempty"`
}

// UserView is the public part of the signed-in profile.
type UserView struct {
	Name         string `json:"name"`
	Mobile       string `json:"mobile"`
	FaceImageURL string `json:"faceImageUrl,omitempty"`
}

// View returns a snapshot of the session.
func (s *Session) View() View {
	s.mu.Lock()
	v := View{
		Screen:         s.screen,
		Mobile:         s.mobile,
		Busy:           s.auth.Busy(),
		Status:         s.status,
		BalanceVisible: s.balanceVisible,
		ChatPending:    s.chat.Busy(),
	}
	if s.profile != nil {
		v.User = &UserView{
			Name:         s.profile.Name,
			Mobile:       s.profile.Mobile,
			FaceImageURL: s.profile.FaceImageURL,
		}
	}
	if s.account != nil {
		v.Transactions = s.account.Transactions()
		if s.balanceVisible {
			b := s.account.Balance()
			v.Balance = &b
		}
	}
	if s.flowState != nil {
		st := *s.flowState
		v.Flow = &st
	}
	if len(s.messages) > 0 {
		v.Chat = append([]ChatMessage(nil), s.messages...)
	}
	ctl := s.flow
	s.mu.Unlock()

	if ctl != nil && ctl.Kind() == flow.KindTransfer && v.Flow != nil && v.Flow.Step == flow.StepSelect {
		v.Contacts = ctl.Contacts()
	}
	return v
}
