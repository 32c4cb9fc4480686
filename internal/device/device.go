// Package device defines the hardware capabilities the search consumes: an
// actuator that positions polarization-controller paddles and a sensor that
// selects a measurement basis and reports interference visibility.
package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Paddle identifies one motorized paddle of the polarization controller.
type Paddle int

func (p Paddle) String() string {
	return fmt.Sprintf("paddle-%d", int(p))
}

// Basis is a fixed optical measurement configuration.
type Basis string

const (
	BasisHV Basis = "HV" // rectilinear
	BasisDA Basis = "DA" // diagonal
)

// ParseBasis converts a name such as "hv" or "DA" to a Basis.
func ParseBasis(s string) (Basis, error) {
	switch Basis(strings.ToUpper(strings.TrimSpace(s))) {
	case BasisHV:
		return BasisHV, nil
	case BasisDA:
		return BasisDA, nil
	}
	return "", fmt.Errorf("unknown basis %q", s)
}

// Range is the closed angular interval a paddle may be commanded to, in degrees.
type Range struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// DefaultRange matches the travel of the MPC320 paddles.
var DefaultRange = Range{Min: 0, Max: 170}

// Contains reports whether angle lies inside the closed interval.
func (r Range) Contains(angle float64) bool {
	return angle >= r.Min && angle <= r.Max
}

// Span returns Max-Min.
func (r Range) Span() float64 {
	return r.Max - r.Min
}

// ErrOutOfRange matches every *RangeViolation via errors.Is.
var ErrOutOfRange = errors.New("angle out of range")

// RangeViolation reports a commanded angle outside a paddle's valid interval.
type RangeViolation struct {
	Paddle Paddle
	Angle  float64
	Range  Range
}

func (e *RangeViolation) Error() string {
	return fmt.Sprintf("%s: angle %.2f outside [%.2f, %.2f]", e.Paddle, e.Angle, e.Range.Min, e.Range.Max)
}

func (e *RangeViolation) Is(target error) bool {
	return target == ErrOutOfRange
}

// IsRangeViolation reports whether err is (or wraps) a range violation.
func IsRangeViolation(err error) bool {
	return errors.Is(err, ErrOutOfRange)
}

// Actuator positions paddles.
//
// Angle returns the last known position and is the single source of truth
// for where a paddle is. MoveAbsolute blocks until the paddle has settled and
// fails with a *RangeViolation, leaving the paddle untouched, when angle is
// outside Range.
type Actuator interface {
	Paddles() []Paddle
	Range() Range
	Angle(ctx context.Context, p Paddle) (float64, error)
	MoveAbsolute(ctx context.Context, p Paddle, angle float64) error
}

// Sensor selects the optical basis and measures visibility in [0, 1].
//
// SelectBasis is idempotent. MeasureVisibility blocks until a fresh value is
// available; any error it returns is fatal to the caller.
type Sensor interface {
	SelectBasis(ctx context.Context, b Basis) error
	MeasureVisibility(ctx context.Context, b Basis) (float64, error)
}
