// Package tts defines the Provider interface for Text-to-Speech backends.
//
// Spoken feedback is normally synthesised by the browser itself. When a TTS
// provider is configured, the server synthesises each utterance and streams
// the resulting PCM to the client instead, which gives a consistent voice
// across devices.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeStream consumes text fragments from the text channel and returns
	// a channel that emits raw PCM audio byte slices as they are synthesised.
	//
	// The returned audio channel is closed by the implementation when all text
	// has been synthesised or when ctx is cancelled. Cancelling ctx is how a
	// caller interrupts an utterance that is still playing; the caller must
	// drain the audio channel until it closes.
	//
	// Returns a non-nil error only if the stream cannot be started.
	SynthesizeStream(ctx context.Context, text <-chan string, voice Voice) (<-chan []byte, error)

	// ListVoices returns all voices available from this provider.
	ListVoices(ctx context.Context) ([]Voice, error)
}
