package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// Driver is the raw positioner behind a SettlingActuator. It moves a channel
// and reports positions, with no range policy and no settling.
type Driver interface {
	Channels() []Paddle
	Position(ctx context.Context, p Paddle) (float64, error)
	MoveTo(ctx context.Context, p Paddle, angle float64) error
}

// Detector is the raw optics behind a SwitchingSensor: shutters that set the
// basis and a detector that reports visibility for it.
type Detector interface {
	SetBasis(ctx context.Context, b Basis) error
	Visibility(ctx context.Context, b Basis) (float64, error)
}

// ErrBasisNotSelected is returned when a measurement is requested for a basis
// other than the one currently selected.
var ErrBasisNotSelected = errors.New("basis not selected")

// ErrInvalidReading is returned when a detector reports a value outside [0, 1].
var ErrInvalidReading = errors.New("invalid visibility reading")

// SettlingActuator enforces the range policy on a Driver and waits for the
// paddle to settle after every move.
type SettlingActuator struct {
	driver Driver
	rng    Range
	settle time.Duration
	logger *slog.Logger
}

// ActuatorOption configures a SettlingActuator.
type ActuatorOption func(*SettlingActuator)

// WithRange overrides DefaultRange.
func WithRange(r Range) ActuatorOption {
	return func(a *SettlingActuator) {
		a.rng = r
	}
}

// WithSettleTime sets the wait applied after each absolute move.
func WithSettleTime(d time.Duration) ActuatorOption {
	return func(a *SettlingActuator) {
		if d >= 0 {
			a.settle = d
		}
	}
}

// WithActuatorLogger sets the logger.
func WithActuatorLogger(l *slog.Logger) ActuatorOption {
	return func(a *SettlingActuator) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewSettlingActuator wraps d. The default settle time is 300ms.
func NewSettlingActuator(d Driver, opts ...ActuatorOption) *SettlingActuator {
	a := &SettlingActuator{
		driver: d,
		rng:    DefaultRange,
		settle: 300 * time.Millisecond,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *SettlingActuator) Paddles() []Paddle {
	return a.driver.Channels()
}

func (a *SettlingActuator) Range() Range {
	return a.rng
}

func (a *SettlingActuator) Angle(ctx context.Context, p Paddle) (float64, error) {
	angle, err := a.driver.Position(ctx, p)
	if err != nil {
		return 0, fmt.Errorf("read %s position: %w", p, err)
	}
	return angle, nil
}

// MoveAbsolute rejects out-of-range angles before anything reaches the driver.
func (a *SettlingActuator) MoveAbsolute(ctx context.Context, p Paddle, angle float64) error {
	if math.IsNaN(angle) || !a.rng.Contains(angle) {
		return &RangeViolation{Paddle: p, Angle: angle, Range: a.rng}
	}
	if err := a.driver.MoveTo(ctx, p, angle); err != nil {
		return fmt.Errorf("move %s to %.2f: %w", p, angle, err)
	}
	if err := wait(ctx, a.settle); err != nil {
		return fmt.Errorf("settle %s: %w", p, err)
	}
	a.logger.Debug("Paddle moved", "paddle", int(p), "angle", angle)
	return nil
}

// SwitchingSensor tracks the selected basis so repeated selections of the
// same basis do not touch the optics, and validates every reading.
type SwitchingSensor struct {
	det        Detector
	switchTime time.Duration
	current    Basis
	logger     *slog.Logger
}

// SensorOption configures a SwitchingSensor.
type SensorOption func(*SwitchingSensor)

// WithSwitchTime sets the wait applied after the optics change basis.
func WithSwitchTime(d time.Duration) SensorOption {
	return func(s *SwitchingSensor) {
		if d >= 0 {
			s.switchTime = d
		}
	}
}

// WithSensorLogger sets the logger.
func WithSensorLogger(l *slog.Logger) SensorOption {
	return func(s *SwitchingSensor) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSwitchingSensor wraps det. The default switch time is 200ms.
func NewSwitchingSensor(det Detector, opts ...SensorOption) *SwitchingSensor {
	s := &SwitchingSensor{
		det:        det,
		switchTime: 200 * time.Millisecond,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Current returns the selected basis, or "" before the first selection.
func (s *SwitchingSensor) Current() Basis {
	return s.current
}

func (s *SwitchingSensor) SelectBasis(ctx context.Context, b Basis) error {
	if s.current == b {
		return nil
	}
	if err := s.det.SetBasis(ctx, b); err != nil {
		return fmt.Errorf("switch to basis %s: %w", b, err)
	}
	if err := wait(ctx, s.switchTime); err != nil {
		return fmt.Errorf("settle basis %s: %w", b, err)
	}
	s.current = b
	s.logger.Debug("Basis selected", "basis", string(b))
	return nil
}

func (s *SwitchingSensor) MeasureVisibility(ctx context.Context, b Basis) (float64, error) {
	if s.current != b {
		return 0, fmt.Errorf("measure %s (selected %q): %w", b, s.current, ErrBasisNotSelected)
	}
	v, err := s.det.Visibility(ctx, b)
	if err != nil {
		return 0, fmt.Errorf("measure %s: %w", b, err)
	}
	if math.IsNaN(v) || v < 0 || v > 1 {
		return 0, fmt.Errorf("measure %s: %w: %v", b, ErrInvalidReading, v)
	}
	return v, nil
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
