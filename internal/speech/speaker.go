// Package speech turns the session's spoken feedback into audible output.
//
// A [Speaker] enforces at-most-one utterance: every Speak cancels whatever is
// still playing before the new line starts, the same way the browser's
// speechSynthesis.cancel() precedes each speak(). Where the sound is produced
// is up to the [Output]: [Relay] hands the text to the browser, [Synth]
// synthesises it server side and streams PCM to the client.
package speech

import (
	"context"
	"log/slog"
	"sync"
)

// DefaultLanguage is the utterance language used by Speak.
const DefaultLanguage = "en-IN"

// Output produces one utterance. Play must return promptly once ctx is
// cancelled. Stop asks the output to silence anything it already started.
type Output interface {
	Play(ctx context.Context, text, lang string) error
	Stop(ctx context.Context) error
}

// Option configures a [Speaker].
type Option func(*Speaker)

// WithLanguage overrides the default utterance language.
func WithLanguage(lang string) Option {
	return func(s *Speaker) {
		if lang != "" {
			s.lang = lang
		}
	}
}

// WithObserver registers fn to be called with every utterance that is handed
// to the output. Used for metrics and the session transcript.
func WithObserver(fn func(text, lang string)) Option {
	return func(s *Speaker) {
		s.observe = fn
	}
}

// Speaker is a fire-and-forget speech front end. It is safe for concurrent use.
type Speaker struct {
	out     Output
	lang    string
	observe func(text, lang string)

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSpeaker returns a Speaker writing to out.
func NewSpeaker(out Output, opts ...Option) *Speaker {
	s := &Speaker{out: out, lang: DefaultLanguage}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Speak says text in the default language.
func (s *Speaker) Speak(text string) {
	s.SpeakIn(text, s.lang)
}

// SpeakIn cancels the utterance in progress and starts text in lang. Empty
// text is ignored. It never blocks on playback.
func (s *Speaker) SpeakIn(text, lang string) {
	if text == "" {
		return
	}
	if lang == "" {
		lang = s.lang
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	prev := s.done
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	s.mu.Unlock()

	if s.observe != nil {
		s.observe(text, lang)
	}

	go func() {
		defer close(done)
		defer cancel()
		// Outputs write to a single client connection; wait for the
		// cancelled utterance to unwind before starting the next one.
		if prev != nil {
			<-prev
		}
		if ctx.Err() != nil {
			return
		}
		if err := s.out.Play(ctx, text, lang); err != nil && ctx.Err() == nil {
			slog.Warn("speech: playback failed", "err", err)
		}
	}()
}

// Cancel silences the current utterance, if any.
func (s *Speaker) Cancel() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if err := s.out.Stop(context.Background()); err != nil {
		slog.Debug("speech: stop failed", "err", err)
	}
}

// Close cancels playback, waits for the last utterance goroutine to exit and
// makes later Speak calls no-ops.
func (s *Speaker) Close() error {
	s.mu.Lock()
	s.closed = true
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	return nil
}
