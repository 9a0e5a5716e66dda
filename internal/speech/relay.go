package speech

import "context"

// Message types sent to the browser by [Relay].
const (
	TypeSpeak       = "speak"
	TypeSpeakCancel = "speak_cancel"
)

// Message is the JSON frame the browser turns into a SpeechSynthesisUtterance.
type Message struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Lang string `json:"lang,omitempty"`
}

// SendFunc delivers a frame to the connected client.
type SendFunc func(ctx context.Context, msg any) error

// Relay is an [Output] that lets the browser do the talking. The client
// cancels its own queue before each utterance, so Play returns as soon as the
// frame is written.
type Relay struct {
	send SendFunc
}

// NewRelay returns a Relay writing frames through send.
func NewRelay(send SendFunc) *Relay {
	return &Relay{send: send}
}

// Play implements Output.
func (r *Relay) Play(ctx context.Context, text, lang string) error {
	return r.send(ctx, Message{Type: TypeSpeak, Text: text, Lang: lang})
}

// Stop implements Output.
func (r *Relay) Stop(ctx context.Context) error {
	return r.send(ctx, Message{Type: TypeSpeakCancel})
}

var _ Output = (*Relay)(nil)
