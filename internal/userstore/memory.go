package userstore

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Memory is a Store held in process memory. Registrations are lost on restart.
type Memory struct {
	mu    sync.RWMutex
	users map[string]Profile
	now   func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{users: make(map[string]Profile), now: time.Now}
}

// Lookup implements Store.
func (m *Memory) Lookup(_ context.Context, mobile string) (Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.users[mobile]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return clone(p), nil
}

// Register implements Store.
func (m *Memory) Register(_ context.Context, p Profile) (Profile, error) {
	p, err := Prepare(p, m.now())
	if err != nil {
		return Profile{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.users[p.Mobile]; dup {
		return Profile{}, ErrAlreadyRegistered
	}
	m.users[p.Mobile] = clone(p)
	return p, nil
}

// Close implements Store.
func (m *Memory) Close() error { return nil }

func clone(p Profile) Profile {
	p.FaceDescriptor = slices.Clone(p.FaceDescriptor)
	return p
}
