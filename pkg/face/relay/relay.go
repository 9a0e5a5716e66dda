// Package relay implements face.Source for descriptors computed in the
// browser. A capture sends a request to the client through the configured
// RequestFunc and waits for the matching Deliver call carrying the
// descriptor (or a "no face" report).
package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/voicepay/pkg/face"
)

// DefaultTimeout bounds how long a capture waits for the client.
const DefaultTimeout = 10 * time.Second

// ErrNoClient is returned when no client is attached to answer captures.
var ErrNoClient = errors.New("face relay: no client attached")

// RequestFunc asks the client to capture a face for request id.
type RequestFunc func(id uint64) error

type reply struct {
	desc face.Descriptor
	err  error
}

// Source is a client-backed face.Source. Safe for concurrent use.
type Source struct {
	timeout time.Duration

	mu      sync.Mutex
	request RequestFunc
	nextID  uint64
	pending map[uint64]chan reply
}

// New returns a Source with the given capture timeout (DefaultTimeout when
// non-positive).
func New(timeout time.Duration) *Source {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Source{timeout: timeout, pending: make(map[uint64]chan reply)}
}

// Attach sets the function used to reach the client. Passing nil detaches
// the client and fails every pending capture with ErrNoClient.
func (s *Source) Attach(request RequestFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.request = request
	if request == nil {
		for id, ch := range s.pending {
			ch <- reply{err: ErrNoClient}
			delete(s.pending, id)
		}
	}
}

// Capture implements face.Source.
func (s *Source) Capture(ctx context.Context) (face.Descriptor, error) {
	s.mu.Lock()
	request := s.request
	if request == nil {
		s.mu.Unlock()
		return nil, ErrNoClient
	}
	s.nextID++
	id := s.nextID
	ch := make(chan reply, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	defer s.forget(id)

	if err := request(id); err != nil {
		return nil, err
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.desc, r.err
	case <-timer.C:
		return nil, face.ErrNotVisible
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Deliver answers capture request id. A nil or empty descriptor means the
// client saw no face. Unknown or already answered ids are ignored.
func (s *Source) Deliver(id uint64, desc face.Descriptor) {
	s.mu.Lock()
	ch, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	if !ok {
		return
	}
	if len(desc) == 0 {
		ch <- reply{err: face.ErrNotVisible}
		return
	}
	if err := desc.Validate(); err != nil {
		ch <- reply{err: err}
		return
	}
	ch <- reply{desc: desc}
}

func (s *Source) forget(id uint64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

var _ face.Source = (*Source)(nil)
