package sim

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cwbudde/polcomp/internal/device"
)

// Waveplate is one birefringent element of the simulated fiber.
type Waveplate struct {
	Angle      float64 `yaml:"angle" json:"angle"`           // degrees
	Retardance float64 `yaml:"retardance" json:"retardance"` // waves
}

// Scenario describes a simulated bench.
type Scenario struct {
	Name string `yaml:"name" json:"name"`
	Seed int64  `yaml:"seed" json:"seed"`

	// Paddles holds the retardance of each paddle in waves, in the order
	// light crosses them.
	Paddles []float64    `yaml:"paddles" json:"paddles"`
	Initial []float64    `yaml:"initial" json:"initial"`
	Range   device.Range `yaml:"range" json:"range"`

	Fiber []Waveplate `yaml:"fiber" json:"fiber"`

	// Noise is the standard deviation of Gaussian noise added to readings.
	Noise  float64       `yaml:"noise" json:"noise"`
	Settle time.Duration `yaml:"settle" json:"settle"`
	Switch time.Duration `yaml:"switch" json:"switch"`
}

// DefaultScenario is an MPC320-like controller (quarter, half, quarter
// wave) behind a moderately twisted fiber.
func DefaultScenario() Scenario {
	return Scenario{
		Name:    "default",
		Seed:    1,
		Paddles: []float64{0.25, 0.5, 0.25},
		Range:   device.DefaultRange,
		Fiber: []Waveplate{
			{Angle: 23, Retardance: 0.31},
			{Angle: 71, Retardance: 0.12},
			{Angle: 140, Retardance: 0.4},
		},
		Noise:  0.002,
		Settle: 300 * time.Millisecond,
		Switch: 200 * time.Millisecond,
	}
}

// Model returns the noiseless optics of s.
func (s *Scenario) Model() Model {
	return NewModel(s.Paddles, s.Fiber)
}

// Normalize fills in missing initial angles and validates s.
func (s *Scenario) Normalize() error {
	if len(s.Paddles) == 0 {
		return errors.New("at least one paddle is required")
	}
	if s.Range.Max <= s.Range.Min {
		return fmt.Errorf("range max %.2f must exceed min %.2f", s.Range.Max, s.Range.Min)
	}
	if len(s.Initial) == 0 {
		s.Initial = make([]float64, len(s.Paddles))
		for i := range s.Initial {
			s.Initial[i] = s.Range.Min
		}
	}
	if len(s.Initial) != len(s.Paddles) {
		return fmt.Errorf("initial has %d angles for %d paddles", len(s.Initial), len(s.Paddles))
	}
	for i, a := range s.Initial {
		if !s.Range.Contains(a) {
			return fmt.Errorf("initial angle %.2f of paddle %d outside range", a, i+1)
		}
	}
	for i, w := range s.Fiber {
		if math.IsNaN(w.Angle) || math.IsNaN(w.Retardance) || math.IsInf(w.Retardance, 0) {
			return fmt.Errorf("fiber element %d is not finite", i)
		}
	}
	if s.Noise < 0 {
		return errors.New("noise cannot be negative")
	}
	if s.Settle < 0 || s.Switch < 0 {
		return errors.New("settle and switch times cannot be negative")
	}
	return nil
}

// ParseScenarioYAML parses a Scenario from YAML bytes and validates it.
// Keys that are absent keep their DefaultScenario values.
func ParseScenarioYAML(data []byte) (*Scenario, error) {
	sc := DefaultScenario()
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to parse scenario yaml: %w", err)
	}
	if err := sc.Normalize(); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &sc, nil
}

// LoadScenario loads and parses a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file %s: %w", path, err)
	}
	sc, err := ParseScenarioYAML(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse scenario file %s: %w", path, err)
	}
	return sc, nil
}
