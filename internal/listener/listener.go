// Package listener keeps speech recognition running for the lifetime of a
// voice session.
//
// Recognition engines end their stream after a pause or a transient fault.
// The Listener restarts them with a short exponential backoff for as long as
// it should be listening, and forwards interim transcripts to OnPartial and
// committed ones to OnFinal. A permission failure stops the loop for good:
// OnDenied is called once and the Listener does not restart until Start is
// called again.
package listener

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voicepay/internal/observe"
	"github.com/MrWong99/voicepay/pkg/provider/stt"
)

// Default restart parameters.
const (
	defaultBackoff    = 500 * time.Millisecond
	defaultMaxBackoff = 1 * time.Second
)

// Restart reasons reported to metrics.
const (
	reasonEnded = "ended"
	reasonError = "error"
)

// Config configures a [Listener].
type Config struct {
	// Provider opens recognition sessions.
	Provider stt.Provider

	// Language is the recognition locale. Defaults to stt.DefaultLanguage.
	Language string

	// Keywords are passed to every session as vocabulary hints.
	Keywords []stt.KeywordBoost

	// Backoff is the wait before restarting after a session ends. Doubles on
	// each consecutive failure to start, up to MaxBackoff. Defaults to 500ms.
	Backoff time.Duration

	// MaxBackoff caps the restart wait. Defaults to 1s.
	MaxBackoff time.Duration

	// OnPartial receives interim transcripts. May be nil.
	OnPartial func(text string)

	// OnFinal receives committed transcripts. May be nil.
	OnFinal func(text string)

	// OnDenied is called when the microphone is refused. May be nil.
	OnDenied func()

	// Metrics, if non-nil, counts restarts.
	Metrics *observe.Metrics
}

// Listener runs the recognition loop. All methods are safe for concurrent use.
type Listener struct {
	cfg Config

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	live   stt.SessionHandle
}

// New returns a Listener. It does not start listening.
func New(cfg Config) *Listener {
	if cfg.Language == "" {
		cfg.Language = stt.DefaultLanguage
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.MaxBackoff < cfg.Backoff {
		cfg.MaxBackoff = cfg.Backoff
	}
	return &Listener{cfg: cfg}
}

// Start begins listening in a background goroutine. It is a no-op when the
// loop is already running.
func (l *Listener) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done != nil {
		select {
		case <-l.done:
		default:
			return
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.loop(ctx, l.done)
}

// Stop stops listening and waits for the loop to exit. The live session, if
// any, is closed. Safe to call multiple times.
func (l *Listener) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// SendAudio forwards a chunk of client audio to the live recognition
// session. Audio arriving between sessions is dropped.
func (l *Listener) SendAudio(chunk []byte) error {
	l.mu.Lock()
	sess := l.live
	l.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.SendAudio(chunk)
}

// Listening reports whether the loop is running.
func (l *Listener) Listening() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done == nil {
		return false
	}
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

func (l *Listener) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	cfg := stt.StreamConfig{
		Language:       l.cfg.Language,
		Continuous:     true,
		InterimResults: true,
		Channels:       1,
		Keywords:       l.cfg.Keywords,
	}
	backoff := l.cfg.Backoff

	for {
		if ctx.Err() != nil {
			return
		}

		sess, err := l.cfg.Provider.StartStream(ctx, cfg)
		switch {
		case err == nil:
			backoff = l.cfg.Backoff
			err = l.consume(ctx, sess)
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, stt.ErrPermissionDenied) {
				l.denied()
				return
			}
			reason := reasonEnded
			if err != nil {
				reason = reasonError
				slog.Warn("listener: recognition error", "err", err)
			}
			l.restarted(ctx, reason)

		case errors.Is(err, stt.ErrAlreadyStarted):
			slog.Debug("listener: recognition already running")

		case errors.Is(err, stt.ErrPermissionDenied):
			l.denied()
			return

		default:
			if ctx.Err() != nil {
				return
			}
			slog.Warn("listener: start recognition", "err", err, "backoff", backoff)
			l.restarted(ctx, reasonError)
			if !sleep(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > l.cfg.MaxBackoff {
				backoff = l.cfg.MaxBackoff
			}
			continue
		}

		if !sleep(ctx, backoff) {
			return
		}
	}
}

// consume forwards transcripts until both channels are closed and returns the
// session's terminal error.
func (l *Listener) consume(ctx context.Context, sess stt.SessionHandle) error {
	l.setLive(sess)
	defer l.setLive(nil)
	defer sess.Close()

	partials, finals := sess.Partials(), sess.Finals()
	for partials != nil || finals != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			if l.cfg.OnPartial != nil {
				l.cfg.OnPartial(t.Text)
			}
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			if t.Text == "" {
				continue
			}
			slog.Debug("listener: final transcript", "text", t.Text)
			if l.cfg.OnFinal != nil {
				l.cfg.OnFinal(t.Text)
			}
		}
	}
	return sess.Err()
}

func (l *Listener) setLive(sess stt.SessionHandle) {
	l.mu.Lock()
	l.live = sess
	l.mu.Unlock()
}

func (l *Listener) denied() {
	slog.Warn("listener: microphone access denied")
	if l.cfg.OnDenied != nil {
		l.cfg.OnDenied()
	}
}

func (l *Listener) restarted(ctx context.Context, reason string) {
	if l.cfg.Metrics != nil {
		l.cfg.Metrics.RecordListenerRestart(ctx, reason)
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
