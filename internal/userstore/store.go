// Package userstore persists registered users: their mobile number, display
// name and the face descriptor enrolled at registration.
//
// Three backends implement [Store]: an in-process map (see [NewMemory]),
// PostgreSQL with the descriptor in a pgvector column (package postgres), and
// Redis with one hash per user (package redisstore).
package userstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voicepay/pkg/face"
)

// RegistrationBalance is the opening balance of a newly registered user.
const RegistrationBalance = 50000

var (
	// ErrNotFound is returned by Lookup when no user has the mobile number.
	ErrNotFound = errors.New("userstore: user not found")

	// ErrAlreadyRegistered is returned by Register when the mobile number is
	// taken.
	ErrAlreadyRegistered = errors.New("userstore: user already exists")

	// ErrInvalidProfile is returned by Register for a profile that cannot be
	// stored.
	ErrInvalidProfile = errors.New("userstore: invalid profile")
)

// Profile is a registered user.
type Profile struct {
	ID             string          `json:"id"`
	Mobile         string          `json:"mobile"`
	Name           string          `json:"name"`
	FaceDescriptor face.Descriptor `json:"faceDescriptor,omitempty"`
	FaceImageURL   string          `json:"faceImageUrl,omitempty"`
	VoiceSampleURL string          `json:"voiceSampleUrl,omitempty"`
	Balance        float64         `json:"balance"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Store is implemented by every user backend. Implementations must be safe
// for concurrent use.
type Store interface {
	// Lookup returns the user registered with mobile, or ErrNotFound.
	Lookup(ctx context.Context, mobile string) (Profile, error)

	// Register stores a new user and returns it as stored. A mobile number
	// that is already registered yields ErrAlreadyRegistered.
	Register(ctx context.Context, p Profile) (Profile, error)

	// Close releases the backend's resources.
	Close() error
}

// Prepare validates p and fills the fields a backend assigns on
// registration: ID, CreatedAt and the opening balance.
func Prepare(p Profile, now time.Time) (Profile, error) {
	p.Mobile = strings.TrimSpace(p.Mobile)
	if p.Mobile == "" {
		return Profile{}, fmt.Errorf("%w: mobile is required", ErrInvalidProfile)
	}
	if len(p.FaceDescriptor) > 0 {
		if err := p.FaceDescriptor.Validate(); err != nil {
			return Profile{}, fmt.Errorf("%w: %w", ErrInvalidProfile, err)
		}
	}
	if p.Name == "" {
		p.Name = DefaultName(p.Mobile)
	}
	p.ID = uuid.NewString()
	p.CreatedAt = now.UTC()
	p.Balance = RegistrationBalance
	return p, nil
}

// DefaultName is the display name given to a user who registered without one:
// "User" followed by the last four digits of the mobile number.
func DefaultName(mobile string) string {
	if len(mobile) > 4 {
		mobile = mobile[len(mobile)-4:]
	}
	return "User " + mobile
}
