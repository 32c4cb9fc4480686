// Package sim is a software stand-in for the polarization bench: a
// three-paddle controller behind a birefringent fiber, with shutters that
// select the HV or DA basis and a noisy visibility detector.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/cwbudde/polcomp/internal/device"
)

var (
	ErrUnknownPaddle = errors.New("unknown paddle")
	ErrUnknownBasis  = errors.New("unknown basis")
	ErrWrongBasis    = errors.New("shutters set for another basis")
)

// Rig implements device.Driver and device.Detector over a Model.
type Rig struct {
	mu     sync.Mutex
	sc     Scenario
	model  Model
	angles []float64
	basis  device.Basis
	rng    *rand.Rand

	moves int
	reads int
}

// NewRig builds a rig from a validated scenario.
func NewRig(sc *Scenario) *Rig {
	seed := uint64(sc.Seed)
	return &Rig{
		sc:     *sc,
		model:  sc.Model(),
		angles: append([]float64(nil), sc.Initial...),
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Devices wraps the rig in the production adapters using the scenario's
// range and timings.
func (r *Rig) Devices(logger *slog.Logger) (*device.SettlingActuator, *device.SwitchingSensor) {
	act := device.NewSettlingActuator(r,
		device.WithRange(r.sc.Range),
		device.WithSettleTime(r.sc.Settle),
		device.WithActuatorLogger(logger),
	)
	sens := device.NewSwitchingSensor(r,
		device.WithSwitchTime(r.sc.Switch),
		device.WithSensorLogger(logger),
	)
	return act, sens
}

func (r *Rig) index(p device.Paddle) (int, error) {
	i := int(p) - 1
	if i < 0 || i >= len(r.angles) {
		return 0, fmt.Errorf("%w: %d", ErrUnknownPaddle, int(p))
	}
	return i, nil
}

func (r *Rig) Channels() []device.Paddle {
	out := make([]device.Paddle, len(r.sc.Paddles))
	for i := range out {
		out[i] = device.Paddle(i + 1)
	}
	return out
}

func (r *Rig) Position(_ context.Context, p device.Paddle) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, err := r.index(p)
	if err != nil {
		return 0, err
	}
	return r.angles[i], nil
}

func (r *Rig) MoveTo(_ context.Context, p device.Paddle, angle float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, err := r.index(p)
	if err != nil {
		return err
	}
	r.angles[i] = angle
	r.moves++
	return nil
}

func (r *Rig) SetBasis(_ context.Context, b device.Basis) error {
	if _, ok := probe(b); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownBasis, b)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.basis = b
	return nil
}

func (r *Rig) Visibility(_ context.Context, b device.Basis) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b != r.basis {
		return 0, fmt.Errorf("%w: want %s, set %q", ErrWrongBasis, b, r.basis)
	}
	v := r.model.Visibility(b, r.angles)
	if r.sc.Noise > 0 {
		v += r.rng.NormFloat64() * r.sc.Noise
	}
	r.reads++
	return math.Min(1, math.Max(0, v)), nil
}

// Angles returns the current paddle angles.
func (r *Rig) Angles() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.angles...)
}

// Stats returns the number of moves and readings served.
func (r *Rig) Stats() (moves, reads int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.moves, r.reads
}

// Ideal returns the noiseless visibility of b at the current angles.
func (r *Rig) Ideal(b device.Basis) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.model.Visibility(b, r.angles)
}
