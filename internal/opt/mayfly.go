package opt

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/cwbudde/mayfly"
)

// minPopulation is the smallest population mayfly v0.1.0 accepts.
const minPopulation = 20

// Mayfly minimizes with the mayfly swarm algorithm.
type Mayfly struct {
	iterations int
	population int
	seed       int64
}

// MayflyOption configures a Mayfly minimizer.
type MayflyOption func(*Mayfly)

// WithIterations sets the iteration budget.
func WithIterations(n int) MayflyOption {
	return func(m *Mayfly) {
		if n > 0 {
			m.iterations = n
		}
	}
}

// WithPopulation sets the swarm size. Values below 20 are raised to 20.
func WithPopulation(n int) MayflyOption {
	return func(m *Mayfly) {
		m.population = max(n, minPopulation)
	}
}

// WithSeed makes runs reproducible.
func WithSeed(seed int64) MayflyOption {
	return func(m *Mayfly) {
		m.seed = seed
	}
}

// NewMayfly returns a minimizer with 200 iterations, a population of 30 and
// seed 1 unless overridden.
func NewMayfly(opts ...MayflyOption) *Mayfly {
	m := &Mayfly{iterations: 200, population: 30, seed: 1}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Minimize runs the swarm. Once ctx is done the remaining evaluations return
// +Inf and ctx.Err() is reported.
func (m *Mayfly) Minimize(ctx context.Context, p Problem) (Solution, error) {
	if err := p.validate(); err != nil {
		return Solution{}, err
	}
	if err := ctx.Err(); err != nil {
		return Solution{}, err
	}

	var evals int
	cfg := mayfly.NewDefaultConfig()
	cfg.ObjectiveFunc = func(x []float64) float64 {
		if ctx.Err() != nil {
			return math.Inf(1)
		}
		evals++
		return p.Cost(x)
	}
	cfg.ProblemSize = p.Dim
	cfg.MaxIterations = m.iterations
	cfg.NPop = m.population
	cfg.LowerBound = p.Lower
	cfg.UpperBound = p.Upper
	cfg.Rand = rand.New(rand.NewSource(m.seed))

	result, err := mayfly.Optimize(cfg)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Solution{}, ctxErr
	}
	if err != nil {
		return Solution{}, fmt.Errorf("mayfly: %w", err)
	}

	x := make([]float64, p.Dim)
	copy(x, result.GlobalBest.Position)
	for i := range x {
		x[i] = math.Min(math.Max(x[i], p.Lower), p.Upper)
	}
	return Solution{X: x, Cost: p.Cost(x), Evaluations: evals}, nil
}
