// Package opt provides bounded black-box minimization for offline analysis
// of simulated setups. The closed-loop search does not use it; it only ever
// talks to hardware through scans.
package opt

import (
	"context"
	"errors"
)

// ErrInvalidProblem is returned for a Problem that cannot be optimized.
var ErrInvalidProblem = errors.New("invalid problem")

// Problem describes a cost to minimize over a box. Every dimension shares the
// same bounds.
type Problem struct {
	Cost  func(x []float64) float64
	Dim   int
	Lower float64
	Upper float64
}

func (p Problem) validate() error {
	switch {
	case p.Cost == nil:
		return errors.Join(ErrInvalidProblem, errors.New("cost function is nil"))
	case p.Dim < 1:
		return errors.Join(ErrInvalidProblem, errors.New("dimension must be positive"))
	case p.Upper <= p.Lower:
		return errors.Join(ErrInvalidProblem, errors.New("upper bound must exceed lower bound"))
	}
	return nil
}

// Solution is the best point found.
type Solution struct {
	X           []float64
	Cost        float64
	Evaluations int
}

// Minimizer finds a low-cost point of a Problem.
type Minimizer interface {
	Minimize(ctx context.Context, p Problem) (Solution, error)
}
