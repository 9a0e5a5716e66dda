// Package relay provides an stt.Provider whose transcripts are produced by a
// recogniser running in the client (the browser's SpeechRecognition API) and
// relayed to the server over the session websocket.
//
// StartStream asks the client to start recognising through the configured
// start hook and returns a session that is fed by Push, Fail and End as
// messages arrive from the client. Only one session may be live at a time;
// a second StartStream returns stt.ErrAlreadyStarted, mirroring the browser's
// "recognition has already started" error.
package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/voicepay/pkg/provider/stt"
)

// Client error codes reported by the browser recogniser.
const (
	ClientErrNotAllowed        = "not-allowed"
	ClientErrServiceNotAllowed = "service-not-allowed"
)

// StartFunc is invoked when a session starts so that the client can begin
// recognising with the given configuration.
type StartFunc func(cfg stt.StreamConfig) error

// Provider is a relay-fed stt.Provider. All methods are safe for concurrent use.
type Provider struct {
	start StartFunc

	mu   sync.Mutex
	live *session
}

// New creates a relay Provider. start may be nil.
func New(start StartFunc) *Provider {
	return &Provider{start: start}
}

// SetStartFunc replaces the start hook. Used when the client reconnects.
func (p *Provider) SetStartFunc(start StartFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.start = start
}

// StartStream implements stt.Provider.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.Language == "" {
		cfg.Language = stt.DefaultLanguage
	}

	p.mu.Lock()
	if p.live != nil {
		p.mu.Unlock()
		return nil, stt.ErrAlreadyStarted
	}
	s := &session{
		provider: p,
		partials: make(chan stt.Transcript, 32),
		finals:   make(chan stt.Transcript, 32),
	}
	p.live = s
	start := p.start
	p.mu.Unlock()

	if start != nil {
		if err := start(cfg); err != nil {
			s.end(err)
			return nil, err
		}
	}
	return s, nil
}

// Push delivers a transcript from the client to the live session. It is a
// no-op when no session is live.
func (p *Provider) Push(text string, final bool) {
	s := p.current()
	if s == nil {
		return
	}
	s.push(stt.Transcript{Text: text, IsFinal: final})
}

// Fail ends the live session with an error reported by the client. The
// browser's permission codes map to stt.ErrPermissionDenied; everything else
// is treated as transient.
func (p *Provider) Fail(code string) {
	s := p.current()
	if s == nil {
		return
	}
	s.end(ClientError(code))
}

// End ends the live session normally (the client recogniser stopped).
func (p *Provider) End() {
	if s := p.current(); s != nil {
		s.end(nil)
	}
}

// Live reports whether a session is currently open.
func (p *Provider) Live() bool {
	return p.current() != nil
}

func (p *Provider) current() *session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

func (p *Provider) release(s *session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.live == s {
		p.live = nil
	}
}

// ClientError converts a browser recognition error code into an error value.
func ClientError(code string) error {
	switch code {
	case ClientErrNotAllowed, ClientErrServiceNotAllowed:
		return stt.ErrPermissionDenied
	case "":
		return errors.New("relay: recognition error")
	default:
		return errors.New("relay: recognition error: " + code)
	}
}

// session implements stt.SessionHandle for the relay provider.
type session struct {
	provider *Provider

	mu       sync.Mutex
	ended    bool
	err      error
	partials chan stt.Transcript
	finals   chan stt.Transcript
}

func (s *session) push(t stt.Transcript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	ch := s.partials
	if t.IsFinal {
		ch = s.finals
	}
	select {
	case ch <- t:
	default:
		// Consumer is not keeping up; interim results are disposable and a
		// stalled final would be stale by the time it is read.
	}
}

func (s *session) end(err error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.err = err
	close(s.partials)
	close(s.finals)
	s.mu.Unlock()
	s.provider.release(s)
}

// SendAudio is not supported: audio never leaves the client.
func (s *session) SendAudio([]byte) error { return stt.ErrNotSupported }

func (s *session) Partials() <-chan stt.Transcript { return s.partials }

func (s *session) Finals() <-chan stt.Transcript { return s.finals }

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *session) Close() error {
	s.end(nil)
	return nil
}

var _ stt.Provider = (*Provider)(nil)
