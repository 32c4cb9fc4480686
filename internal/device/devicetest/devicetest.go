// Package devicetest provides deterministic drivers and detectors for tests.
package devicetest

import (
	"context"
	"maps"
	"math"
	"sync"

	"github.com/cwbudde/polcomp/internal/device"
)

// Move records one command received by a Driver.
type Move struct {
	Paddle device.Paddle
	Angle  float64
}

// Driver is an in-memory positioner. Positions optionally snap to Quantum to
// imitate actuator rounding.
type Driver struct {
	mu      sync.Mutex
	paddles []device.Paddle
	angles  map[device.Paddle]float64
	moves   []Move

	Quantum float64
	Err     error
}

// NewDriver creates n paddles (identities 1..n) at the given angle.
func NewDriver(n int, initial float64) *Driver {
	d := &Driver{angles: make(map[device.Paddle]float64, n)}
	for i := 1; i <= n; i++ {
		p := device.Paddle(i)
		d.paddles = append(d.paddles, p)
		d.angles[p] = initial
	}
	return d
}

func (d *Driver) Channels() []device.Paddle {
	return append([]device.Paddle(nil), d.paddles...)
}

func (d *Driver) Position(_ context.Context, p device.Paddle) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.angles[p], nil
}

func (d *Driver) MoveTo(_ context.Context, p device.Paddle, angle float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return d.Err
	}
	if d.Quantum > 0 {
		angle = math.Round(angle/d.Quantum) * d.Quantum
	}
	d.angles[p] = angle
	d.moves = append(d.moves, Move{Paddle: p, Angle: angle})
	return nil
}

// Set places a paddle without recording a move.
func (d *Driver) Set(p device.Paddle, angle float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.angles[p] = angle
}

// Angles returns a copy of all positions.
func (d *Driver) Angles() map[device.Paddle]float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return maps.Clone(d.angles)
}

// Moves returns every move received so far.
func (d *Driver) Moves() []Move {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Move(nil), d.moves...)
}

// ScriptedDetector replays a fixed sequence of readings per basis and keeps
// returning the last one once the sequence is exhausted.
type ScriptedDetector struct {
	mu       sync.Mutex
	script   map[device.Basis][]float64
	served   map[device.Basis]int
	switches int
	Err      error
}

// NewScriptedDetector creates a detector from per-basis reading sequences.
func NewScriptedDetector(script map[device.Basis][]float64) *ScriptedDetector {
	return &ScriptedDetector{
		script: script,
		served: make(map[device.Basis]int),
	}
}

func (s *ScriptedDetector) SetBasis(context.Context, device.Basis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.switches++
	return nil
}

func (s *ScriptedDetector) Visibility(_ context.Context, b device.Basis) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	seq := s.script[b]
	if len(seq) == 0 {
		return 0, nil
	}
	i := s.served[b]
	s.served[b]++
	if i >= len(seq) {
		i = len(seq) - 1
	}
	return seq[i], nil
}

// Served returns how many readings were taken for b.
func (s *ScriptedDetector) Served(b device.Basis) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.served[b]
}

// Switches returns how many times the optics were switched.
func (s *ScriptedDetector) Switches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.switches
}

// Landscape maps paddle positions to a visibility for a basis.
type Landscape func(b device.Basis, angles map[device.Paddle]float64) float64

// FuncDetector evaluates a deterministic Landscape at the Driver's current
// positions.
type FuncDetector struct {
	Driver *Driver
	F      Landscape

	mu    sync.Mutex
	reads int
}

func (f *FuncDetector) SetBasis(context.Context, device.Basis) error {
	return nil
}

func (f *FuncDetector) Visibility(_ context.Context, b device.Basis) (float64, error) {
	f.mu.Lock()
	f.reads++
	f.mu.Unlock()
	return f.F(b, f.Driver.Angles()), nil
}

// Reads returns the number of measurements taken.
func (f *FuncDetector) Reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

// Rig wraps a driver and detector in the production adapters with settle
// times disabled.
func Rig(d device.Driver, det device.Detector) (*device.SettlingActuator, *device.SwitchingSensor) {
	return device.NewSettlingActuator(d, device.WithSettleTime(0)),
		device.NewSwitchingSensor(det, device.WithSwitchTime(0))
}

// Peak returns a landscape that is 1 at the given optimum and falls off
// smoothly with distance, independent of basis.
func Peak(optimum map[device.Paddle]float64, width float64) Landscape {
	return func(_ device.Basis, angles map[device.Paddle]float64) float64 {
		var d2 float64
		for p, want := range optimum {
			diff := angles[p] - want
			d2 += diff * diff
		}
		return math.Exp(-d2 / (2 * width * width))
	}
}
