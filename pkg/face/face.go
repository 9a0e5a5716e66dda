// Package face defines the face-descriptor capture contract and the distance
// based identity check used to gate login and every payment.
//
// Descriptors are produced client-side by a face-recognition network and are
// compared here by Euclidean distance. Two descriptors belong to the same
// person when their distance is strictly below the verifier's threshold.
package face

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// DescriptorSize is the length of a face descriptor produced by the client's
// recognition network.
const DescriptorSize = 128

// DefaultThreshold is the match distance used when none is configured.
const DefaultThreshold = 0.55

var (
	// ErrNotVisible is returned when no face could be detected in the frame.
	ErrNotVisible = errors.New("face: no face detected")

	// ErrMismatch is returned when a captured face does not match the
	// enrolled reference.
	ErrMismatch = errors.New("face: descriptor mismatch")

	// ErrNoReference is returned when a verification is requested for a user
	// without an enrolled descriptor.
	ErrNoReference = errors.New("face: no reference descriptor")

	// ErrDimension is returned when two descriptors have different lengths.
	ErrDimension = errors.New("face: descriptor dimension mismatch")
)

// Descriptor is a face embedding.
type Descriptor []float32

// Validate reports whether d looks like a usable descriptor.
func (d Descriptor) Validate() error {
	if len(d) != DescriptorSize {
		return fmt.Errorf("%w: got %d values, want %d", ErrDimension, len(d), DescriptorSize)
	}
	for i, v := range d {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return fmt.Errorf("face: descriptor value %d is not finite", i)
		}
	}
	return nil
}

// Distance returns the Euclidean distance between a and b.
func Distance(a, b Descriptor) (float64, error) {
	if len(a) != len(b) {
		return 0, ErrDimension
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum), nil
}

// Source captures a descriptor of the face currently in front of the camera.
// Implementations return ErrNotVisible when no face is detected.
type Source interface {
	Capture(ctx context.Context) (Descriptor, error)
}

// Verifier checks the live face against a reference descriptor.
type Verifier struct {
	source    Source
	threshold float64
}

// NewVerifier returns a Verifier using source for captures. A non-positive
// threshold selects DefaultThreshold.
func NewVerifier(source Source, threshold float64) *Verifier {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Verifier{source: source, threshold: threshold}
}

// Threshold returns the configured match distance.
func (v *Verifier) Threshold() float64 { return v.threshold }

// Capture takes a single descriptor from the source.
func (v *Verifier) Capture(ctx context.Context) (Descriptor, error) {
	return v.source.Capture(ctx)
}

// Verify captures the live face and compares it to reference. A distance equal
// to the threshold still matches. It returns the measured distance along with
// ErrNotVisible, ErrMismatch or a capture error.
// A face is always captured first; ErrNoReference is only reported once a
// face was seen.
func (v *Verifier) Verify(ctx context.Context, reference Descriptor) (float64, error) {
	live, err := v.source.Capture(ctx)
	if err != nil {
		return 0, err
	}
	if len(reference) == 0 {
		return 0, ErrNoReference
	}
	dist, err := Distance(live, reference)
	if err != nil {
		return 0, err
	}
	if dist > v.threshold {
		return dist, ErrMismatch
	}
	return dist, nil
}
