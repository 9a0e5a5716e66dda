// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a recognition engine (Deepgram's streaming API, or the
// browser's own speech recogniser relayed over the session websocket) and
// exposes a uniform streaming interface. The central abstraction is
// SessionHandle: once opened, a session emits two streams of Transcript values:
// low-latency partials that only drive the transient display, and finals that
// drive command classification.
//
// Recognition engines stop on their own after silence. Callers are expected to
// restart them (see internal/listener); a session that ends reports why through
// SessionHandle.Err once both channels are closed.
package stt

import (
	"context"
	"errors"
)

// ErrPermissionDenied is reported when the microphone (or the engine itself)
// refuses access. It is fatal to the listening session and must not be retried.
var ErrPermissionDenied = errors.New("stt: permission denied")

// ErrAlreadyStarted is returned by StartStream when the engine already has a
// live session. Callers treat it as a no-op.
var ErrAlreadyStarted = errors.New("stt: recognition already started")

// ErrNotSupported is returned by optional operations a provider does not implement.
var ErrNotSupported = errors.New("stt: operation not supported")

// DefaultLanguage is the recognition locale used when StreamConfig.Language is empty.
const DefaultLanguage = "en-IN"

// StreamConfig describes the audio format and recognition behaviour for a new
// STT session.
type StreamConfig struct {
	// Language is the BCP-47 language tag for recognition. Empty means
	// DefaultLanguage.
	Language string

	// Continuous keeps the session open across pauses instead of stopping after
	// the first final result.
	Continuous bool

	// InterimResults requests partial transcripts in addition to finals.
	InterimResults bool

	// SampleRate is the PCM sample rate in Hz for providers that receive raw
	// audio. Ignored by the relay provider.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono.
	Channels int

	// Keywords is a list of vocabulary hints (e.g. contact names, Hindi and
	// Telugu command words) that increase recognition probability.
	Keywords []KeywordBoost
}

// SessionHandle represents an open STT streaming session. All methods must be
// safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio to the provider. Providers that
	// do not consume audio (relay) return ErrNotSupported.
	SendAudio(chunk []byte) error

	// Partials emits interim transcripts. Closed when the session ends.
	Partials() <-chan Transcript

	// Finals emits committed transcripts. Closed when the session ends.
	Finals() <-chan Transcript

	// Err reports why the session ended. It returns nil while the session is
	// live and for a normal end of stream; ErrPermissionDenied for a fatal
	// permission failure; any other error is transient.
	Err() error

	// Close terminates the session and releases its resources. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// StartStream opens a new streaming recognition session. Returns
	// ErrAlreadyStarted if the engine already runs a session and
	// ErrPermissionDenied if access was refused.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
