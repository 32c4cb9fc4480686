// Package search implements the closed-loop polarization compensation
// procedure: paddle impact ranking, 1D and 2D scans, per-basis threshold
// relaxation and the global retry loop.
//
// An Optimizer is single-threaded. It owns the actuator and sensor for the
// duration of a call and must not be shared between goroutines.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cwbudde/polcomp/internal/device"
)

// MoveOutcome tells whether a relative move was carried out.
type MoveOutcome int

const (
	Moved MoveOutcome = iota
	Skipped
)

func (o MoveOutcome) String() string {
	if o == Skipped {
		return "skipped"
	}
	return "moved"
}

// MoveResult describes a move request. For a Skipped move To is the rejected
// target and the paddle is still at From.
type MoveResult struct {
	Outcome MoveOutcome
	Paddle  device.Paddle
	From    float64
	To      float64
}

// Optimizer drives an Actuator and a Sensor toward the configured targets.
type Optimizer struct {
	act  device.Actuator
	sens device.Sensor
	cfg  Config

	logger    *slog.Logger
	observers []Observer
	now       func() time.Time

	// progress labels attached to emitted events
	cycle   int
	attempt int
	basis   device.Basis
	phase   Phase
}

// Option configures an Optimizer.
type Option func(*Optimizer)

// WithLogger sets the logger used for progress and warnings.
func WithLogger(l *slog.Logger) Option {
	return func(o *Optimizer) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithObserver registers an observer. It may be given several times.
func WithObserver(obs Observer) Option {
	return func(o *Optimizer) {
		if obs != nil {
			o.observers = append(o.observers, obs)
		}
	}
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(o *Optimizer) {
		if now != nil {
			o.now = now
		}
	}
}

// New validates cfg and returns an Optimizer bound to act and sens.
func New(act device.Actuator, sens device.Sensor, cfg Config, opts ...Option) (*Optimizer, error) {
	if act == nil || sens == nil {
		return nil, errors.New("search: actuator and sensor are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Home && !act.Range().Contains(cfg.HomeAngle) {
		return nil, &ConfigError{Field: "HomeAngle", Reason: fmt.Sprintf("must be within %v", act.Range())}
	}
	o := &Optimizer{
		act:    act,
		sens:   sens,
		cfg:    cfg.clone(),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Config returns a copy of the configuration in use.
func (o *Optimizer) Config() Config {
	return o.cfg.clone()
}

func (o *Optimizer) emit(e Event) {
	if len(o.observers) == 0 {
		return
	}
	e.Time = o.now()
	if e.Cycle == 0 {
		e.Cycle = o.cycle
	}
	if e.Attempt == 0 {
		e.Attempt = o.attempt
	}
	if e.Basis == "" {
		e.Basis = o.basis
	}
	if e.Phase == "" {
		e.Phase = o.phase
	}
	for _, obs := range o.observers {
		obs.Observe(e)
	}
}

func (o *Optimizer) transition(s State, threshold float64) {
	o.logger.Debug("Basis state", "basis", string(o.basis), "state", string(s),
		"attempt", o.attempt, "threshold", threshold)
	o.emit(Event{Kind: EventState, State: s, Threshold: threshold})
}

// measure takes one reading of b. The basis must already be selected.
func (o *Optimizer) measure(ctx context.Context, b device.Basis) (float64, error) {
	v, err := o.sens.MeasureVisibility(ctx, b)
	if err != nil {
		return 0, err
	}
	e := Event{Kind: EventMeasurement, Basis: b, Visibility: v}
	if len(o.observers) > 0 {
		angles, err := o.angles(ctx)
		if err != nil {
			return 0, err
		}
		e.Angles = angles
	}
	o.emit(e)
	return v, nil
}

func (o *Optimizer) angles(ctx context.Context) (map[device.Paddle]float64, error) {
	paddles := o.act.Paddles()
	out := make(map[device.Paddle]float64, len(paddles))
	for _, p := range paddles {
		a, err := o.act.Angle(ctx, p)
		if err != nil {
			return nil, err
		}
		out[p] = a
	}
	return out, nil
}

// moveTo commands an absolute angle. A range violation is reported as a
// Skipped result; any other failure is returned.
func (o *Optimizer) moveTo(ctx context.Context, p device.Paddle, from, to float64) (MoveResult, error) {
	res := MoveResult{Outcome: Moved, Paddle: p, From: from, To: to}
	err := o.act.MoveAbsolute(ctx, p, to)
	switch {
	case err == nil:
		return res, nil
	case device.IsRangeViolation(err):
		res.Outcome = Skipped
		o.logger.Warn("Move out of range, skipped",
			"paddle", int(p), "from", from, "target", to, "phase", string(o.phase))
		o.emit(Event{Kind: EventMoveSkipped, Paddle: p, Target: to, Reason: err.Error()})
		return res, nil
	default:
		return MoveResult{}, err
	}
}

// moveRelative shifts p by delta from its current position.
func (o *Optimizer) moveRelative(ctx context.Context, p device.Paddle, delta float64) (MoveResult, error) {
	cur, err := o.act.Angle(ctx, p)
	if err != nil {
		return MoveResult{}, err
	}
	return o.moveTo(ctx, p, cur, cur+delta)
}

// restore returns p to an angle it previously held.
func (o *Optimizer) restore(ctx context.Context, p device.Paddle, angle float64) error {
	if err := o.act.MoveAbsolute(ctx, p, angle); err != nil {
		return fmt.Errorf("restore %s to %.2f: %w", p, angle, err)
	}
	return nil
}
