// Package mock provides a test double for face.Source.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voicepay/pkg/face"
)

// Source is a scripted face.Source. Each Capture consumes the next entry of
// Results; once exhausted the last entry is repeated. With no results it
// returns face.ErrNotVisible.
type Source struct {
	mu sync.Mutex

	// Results are returned in order by Capture.
	Results []Result

	// Block, if non-nil, makes Capture wait until Block is closed or the
	// context is cancelled.
	Block chan struct{}

	calls int
}

// Result is a single scripted capture outcome.
type Result struct {
	Descriptor face.Descriptor
	Err        error
}

// Capture implements face.Source.
func (s *Source) Capture(ctx context.Context) (face.Descriptor, error) {
	s.mu.Lock()
	s.calls++
	block := s.Block
	var r Result
	switch {
	case len(s.Results) == 0:
		r = Result{Err: face.ErrNotVisible}
	case len(s.Results) == 1:
		r = s.Results[0]
	default:
		r = s.Results[0]
		s.Results = s.Results[1:]
	}
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.Descriptor, r.Err
}

// Calls returns the number of Capture calls. Thread-safe.
func (s *Source) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Descriptor returns a valid descriptor with every component set to v.
func Descriptor(v float32) face.Descriptor {
	d := make(face.Descriptor, face.DescriptorSize)
	for i := range d {
		d[i] = v
	}
	return d
}

var _ face.Source = (*Source)(nil)
