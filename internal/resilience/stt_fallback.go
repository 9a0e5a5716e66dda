package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/voicepay/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with failover across recognition
// engines, typically Deepgram first and the browser relay second.
//
// stt.ErrAlreadyStarted and stt.ErrPermissionDenied are answers, not outages:
// they are returned as-is without trying the next engine and without counting
// against the breaker.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional STT provider as a fallback.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// StartStream opens a recognition session against the first healthy engine.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	var terminal error
	handle, err := ExecuteWithResult(f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		h, err := p.StartStream(ctx, cfg)
		if errors.Is(err, stt.ErrAlreadyStarted) || errors.Is(err, stt.ErrPermissionDenied) {
			terminal = err
			return nil, nil
		}
		return h, err
	})
	if terminal != nil {
		return nil, terminal
	}
	return handle, err
}
