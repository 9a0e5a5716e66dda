package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/voicepay/pkg/provider/stt"
	sttmock "github.com/MrWong99/voicepay/pkg/provider/stt/mock"
)

func TestSTTFallback_StartStream_PrimarySuccess(t *testing.T) {
	primary := &sttmock.Provider{Sessions: []stt.SessionHandle{sttmock.NewSession()}}
	secondary := &sttmock.Provider{}

	fb := NewSTTFallback(primary, "deepgram", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("relay", secondary)

	handle, err := fb.StartStream(context.Background(), stt.StreamConfig{Continuous: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handle == nil {
		t.Fatal("handle is nil")
	}
	if primary.CallCount() != 1 {
		t.Fatalf("primary called %d times, want 1", primary.CallCount())
	}
	if secondary.CallCount() != 0 {
		t.Fatalf("secondary called %d times, want 0", secondary.CallCount())
	}
	_ = handle.Close()
}

func TestSTTFallback_StartStream_Failover(t *testing.T) {
	primary := &sttmock.Provider{Errs: []error{errors.New("dial refused")}}
	secondary := &sttmock.Provider{Sessions: []stt.SessionHandle{sttmock.NewSession()}}

	fb := NewSTTFallback(primary, "deepgram", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("relay", secondary)

	handle, err := fb.StartStream(context.Background(), stt.StreamConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if secondary.CallCount() != 1 {
		t.Fatalf("secondary called %d times, want 1", secondary.CallCount())
	}
	_ = handle.Close()
}

func TestSTTFallback_StartStream_TerminalErrorsDoNotFailOver(t *testing.T) {
	for _, terminal := range []error{stt.ErrAlreadyStarted, stt.ErrPermissionDenied} {
		t.Run(terminal.Error(), func(t *testing.T) {
			primary := &sttmock.Provider{Errs: []error{terminal}}
			secondary := &sttmock.Provider{}

			fb := NewSTTFallback(primary, "relay", FallbackConfig{
				CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1},
			})
			fb.AddFallback("deepgram", secondary)

			_, err := fb.StartStream(context.Background(), stt.StreamConfig{})
			if !errors.Is(err, terminal) {
				t.Fatalf("err = %v, want %v", err, terminal)
			}
			if secondary.CallCount() != 0 {
				t.Fatalf("secondary called %d times, want 0", secondary.CallCount())
			}

			// The breaker must still be closed: the next call reaches the primary.
			if _, err := fb.StartStream(context.Background(), stt.StreamConfig{}); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if primary.CallCount() != 2 {
				t.Fatalf("primary called %d times, want 2", primary.CallCount())
			}
		})
	}
}

func TestSTTFallback_StartStream_AllFail(t *testing.T) {
	primary := &sttmock.Provider{Errs: []error{errors.New("primary down")}}
	secondary := &sttmock.Provider{Errs: []error{errors.New("secondary down")}}

	fb := NewSTTFallback(primary, "deepgram", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("relay", secondary)

	_, err := fb.StartStream(context.Background(), stt.StreamConfig{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
