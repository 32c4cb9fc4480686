package opt

import (
	"context"
	"errors"
	"math"
	"testing"
)

// Sphere function: f(x) = sum((x_i-c)^2), minimum at (c, ..., c)
func shiftedSphere(c float64) func([]float64) float64 {
	return func(x []float64) float64 {
		var sum float64
		for _, v := range x {
			sum += (v - c) * (v - c)
		}
		return sum
	}
}

func TestMayflyOnShiftedSphere(t *testing.T) {
	m := NewMayfly(WithIterations(100), WithPopulation(20), WithSeed(42))

	sol, err := m.Minimize(context.Background(), Problem{
		Cost:  shiftedSphere(3),
		Dim:   3,
		Lower: -10,
		Upper: 10,
	})
	if err != nil {
		t.Fatalf("Minimize failed: %v", err)
	}

	if len(sol.X) != 3 {
		t.Fatalf("Expected 3 parameters, got %d", len(sol.X))
	}
	if sol.Cost > 0.1 {
		t.Errorf("Expected cost near 0, got %f", sol.Cost)
	}
	for i, v := range sol.X {
		if math.Abs(v-3) > 1.0 {
			t.Errorf("Parameter %d = %f, expected near 3", i, v)
		}
	}
	if sol.Evaluations == 0 {
		t.Error("Expected evaluations to be counted")
	}
}

func TestMayflyDeterministic(t *testing.T) {
	p := Problem{Cost: shiftedSphere(0), Dim: 2, Lower: -5, Upper: 5}

	s1, err := NewMayfly(WithIterations(50), WithSeed(123)).Minimize(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := NewMayfly(WithIterations(50), WithSeed(123)).Minimize(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}

	if s1.Cost != s2.Cost {
		t.Errorf("Non-deterministic: cost1=%f, cost2=%f", s1.Cost, s2.Cost)
	}
}

func TestMayflyStaysInBounds(t *testing.T) {
	// minimum lies outside the box, so the best point sits on the boundary
	sol, err := NewMayfly(WithIterations(60)).Minimize(context.Background(), Problem{
		Cost:  shiftedSphere(200),
		Dim:   3,
		Lower: 0,
		Upper: 170,
	})
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range sol.X {
		if v < 0 || v > 170 {
			t.Errorf("Parameter %d = %f outside [0, 170]", i, v)
		}
	}
}

func TestMayflyPopulationFloor(t *testing.T) {
	m := NewMayfly(WithPopulation(5))
	if m.population != minPopulation {
		t.Errorf("population = %d, want %d", m.population, minPopulation)
	}
}

func TestMayflyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMayfly(WithIterations(10)).Minimize(ctx, Problem{Cost: shiftedSphere(0), Dim: 2, Lower: -1, Upper: 1})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestMinimizeRejectsInvalidProblem(t *testing.T) {
	tests := []struct {
		name string
		p    Problem
	}{
		{"nil cost", Problem{Dim: 2, Lower: 0, Upper: 1}},
		{"zero dim", Problem{Cost: shiftedSphere(0), Lower: 0, Upper: 1}},
		{"inverted bounds", Problem{Cost: shiftedSphere(0), Dim: 1, Lower: 1, Upper: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMayfly().Minimize(context.Background(), tt.p)
			if !errors.Is(err, ErrInvalidProblem) {
				t.Errorf("expected ErrInvalidProblem, got %v", err)
			}
		})
	}
}
