package speech

import (
	"context"
	"fmt"

	"github.com/MrWong99/voicepay/pkg/provider/tts"
)

// AudioSink receives synthesised PCM for the client.
type AudioSink func(ctx context.Context, pcm []byte) error

// Synth is an [Output] backed by a tts.Provider. Audio is forwarded chunk by
// chunk; cancelling the utterance cancels the synthesis stream.
type Synth struct {
	provider tts.Provider
	voice    tts.Voice
	sink     AudioSink
	control  SendFunc
}

// NewSynth returns a Synth. control, when non-nil, receives a speak_cancel
// frame on Stop so the client can flush its playback buffer.
func NewSynth(provider tts.Provider, voice tts.Voice, sink AudioSink, control SendFunc) *Synth {
	return &Synth{provider: provider, voice: voice, sink: sink, control: control}
}

// Play implements Output.
func (s *Synth) Play(ctx context.Context, text, lang string) error {
	voice := s.voice
	if lang != "" {
		voice.Language = lang
	}

	in := make(chan string, 1)
	in <- text
	close(in)

	audio, err := s.provider.SynthesizeStream(ctx, in, voice)
	if err != nil {
		return fmt.Errorf("speech: synthesize: %w", err)
	}
	for chunk := range audio {
		if ctx.Err() != nil {
			continue // drain so the provider goroutine can exit
		}
		if err := s.sink(ctx, chunk); err != nil {
			return fmt.Errorf("speech: write audio: %w", err)
		}
	}
	return nil
}

// Stop implements Output.
func (s *Synth) Stop(ctx context.Context) error {
	if s.control == nil {
		return nil
	}
	return s.control(ctx, Message{Type: TypeSpeakCancel})
}

var _ Output = (*Synth)(nil)
