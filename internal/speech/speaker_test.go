package speech

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voicepay/pkg/provider/tts"
	ttsmock "github.com/MrWong99/voicepay/pkg/provider/tts/mock"
)

// blockingOutput holds every Play until its context is cancelled or release
// is closed.
type blockingOutput struct {
	mu        sync.Mutex
	started   []string
	cancelled []string
	stops     int
	release   chan struct{}
	playing   chan string
}

func newBlockingOutput() *blockingOutput {
	return &blockingOutput{release: make(chan struct{}), playing: make(chan string, 8)}
}

func (o *blockingOutput) Play(ctx context.Context, text, _ string) error {
	o.mu.Lock()
	o.started = append(o.started, text)
	o.mu.Unlock()
	o.playing <- text
	select {
	case <-ctx.Done():
		o.mu.Lock()
		o.cancelled = append(o.cancelled, text)
		o.mu.Unlock()
		return ctx.Err()
	case <-o.release:
		return nil
	}
}

func (o *blockingOutput) Stop(context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stops++
	return nil
}

func waitPlaying(t *testing.T, o *blockingOutput, want string) {
	t.Helper()
	select {
	case got := <-o.playing:
		if got != want {
			t.Fatalf("playing %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q to play", want)
	}
}

func TestSpeaker_NewUtteranceCancelsPrevious(t *testing.T) {
	t.Parallel()

	out := newBlockingOutput()
	s := NewSpeaker(out)

	s.Speak("Verifying face identity.")
	waitPlaying(t, out, "Verifying face identity.")

	s.Speak("Face verified. Enter PIN.")
	waitPlaying(t, out, "Face verified. Enter PIN.")

	out.mu.Lock()
	cancelled := slices.Clone(out.cancelled)
	out.mu.Unlock()
	if !slices.Equal(cancelled, []string{"Verifying face identity."}) {
		t.Fatalf("cancelled = %v", cancelled)
	}

	close(out.release)
	if err := s.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSpeaker_EmptyTextIgnored(t *testing.T) {
	t.Parallel()

	var observed []string
	out := newBlockingOutput()
	s := NewSpeaker(out, WithObserver(func(text, _ string) { observed = append(observed, text) }))
	s.Speak("")
	_ = s.Close()

	if len(observed) != 0 {
		t.Fatalf("observed = %v, want nothing", observed)
	}
}

func TestSpeaker_LanguageDefaults(t *testing.T) {
	t.Parallel()

	var langs []string
	out := newBlockingOutput()
	close(out.release)
	s := NewSpeaker(out,
		WithLanguage("hi-IN"),
		WithObserver(func(_, lang string) { langs = append(langs, lang) }),
	)
	s.Speak("Namaste")
	s.SpeakIn("Hello", "en-IN")
	s.SpeakIn("Hello", "")
	_ = s.Close()

	if want := []string{"hi-IN", "en-IN", "hi-IN"}; !slices.Equal(langs, want) {
		t.Fatalf("langs = %v, want %v", langs, want)
	}
}

func TestSpeaker_CancelStopsOutput(t *testing.T) {
	t.Parallel()

	out := newBlockingOutput()
	s := NewSpeaker(out)
	s.Speak("Processing payment...")
	waitPlaying(t, out, "Processing payment...")

	s.Cancel()
	s.Cancel() // nothing left to cancel
	_ = s.Close()

	out.mu.Lock()
	defer out.mu.Unlock()
	if out.stops != 1 {
		t.Errorf("stops = %d, want 1", out.stops)
	}
	if len(out.cancelled) != 1 {
		t.Errorf("cancelled = %v, want one utterance", out.cancelled)
	}
}

func TestSpeaker_SpeakAfterCloseIsNoop(t *testing.T) {
	t.Parallel()

	out := newBlockingOutput()
	s := NewSpeaker(out)
	_ = s.Close()
	s.Speak("Logging out.")

	out.mu.Lock()
	defer out.mu.Unlock()
	if len(out.started) != 0 {
		t.Fatalf("started = %v, want nothing", out.started)
	}
}

func TestRelay_Frames(t *testing.T) {
	t.Parallel()

	var frames []Message
	r := NewRelay(func(_ context.Context, msg any) error {
		frames = append(frames, msg.(Message))
		return nil
	})

	if err := r.Play(context.Background(), "Going back.", "en-IN"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []Message{
		{Type: TypeSpeak, Text: "Going back.", Lang: "en-IN"},
		{Type: TypeSpeakCancel},
	}
	if !slices.Equal(frames, want) {
		t.Fatalf("frames = %+v, want %+v", frames, want)
	}
}

func TestSynth_StreamsAudio(t *testing.T) {
	t.Parallel()

	provider := &ttsmock.Provider{SynthesizeChunks: [][]byte{{1, 2}, {3, 4}}}
	var got [][]byte
	s := NewSynth(provider, tts.Voice{ID: "aditi"}, func(_ context.Context, pcm []byte) error {
		got = append(got, pcm)
		return nil
	}, nil)

	if err := s.Play(context.Background(), "Bill paid successfully.", "hi-IN"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d chunks, want 2", len(got))
	}
	if texts := provider.SpokenTexts(); !slices.Equal(texts, []string{"Bill paid successfully."}) {
		t.Errorf("texts = %v", texts)
	}
	if v := provider.SynthesizeStreamCalls[0].Voice; v.ID != "aditi" || v.Language != "hi-IN" {
		t.Errorf("voice = %+v", v)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("Stop without control: %v", err)
	}
}

func TestSynth_ProviderError(t *testing.T) {
	t.Parallel()

	provider := &ttsmock.Provider{SynthesizeErr: errors.New("quota")}
	s := NewSynth(provider, tts.Voice{}, func(context.Context, []byte) error { return nil }, nil)
	if err := s.Play(context.Background(), "x", ""); err == nil {
		t.Fatal("expected error")
	}
}

func TestSynth_SinkError(t *testing.T) {
	t.Parallel()

	provider := &ttsmock.Provider{SynthesizeChunks: [][]byte{{1}, {2}}}
	sinkErr := errors.New("client gone")
	s := NewSynth(provider, tts.Voice{}, func(context.Context, []byte) error { return sinkErr }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Play(ctx, "x", ""); !errors.Is(err, sinkErr) {
		t.Fatalf("err = %v, want %v", err, sinkErr)
	}
}
