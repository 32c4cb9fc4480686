package search

import (
	"errors"
	"fmt"
	"slices"

	"github.com/cwbudde/polcomp/internal/device"
)

// ErrInvalidConfig matches every *ConfigError via errors.Is.
var ErrInvalidConfig = errors.New("invalid search config")

// ConfigError names the offending Config field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return "invalid search config: " + e.Field + " " + e.Reason
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Target is the visibility a basis must reach.
type Target struct {
	Basis      device.Basis `json:"basis" yaml:"basis"`
	Visibility float64      `json:"visibility" yaml:"visibility"`
}

// Config holds the parameters of one run. It is copied when an Optimizer is
// built and never modified afterwards.
type Config struct {
	// Bases are optimized in order within every global cycle.
	Bases [2]Target `json:"bases"`

	// GlobalTarget is compared against the mean of the fresh readings taken
	// at the end of a cycle.
	GlobalTarget float64 `json:"globalTarget"`

	MaxGlobalRetries int `json:"maxGlobalRetries"`
	MaxBasisRetries  int `json:"maxBasisRetries"`

	// ImpactTestAngle is the relative perturbation, in degrees, used to rank
	// paddles.
	ImpactTestAngle float64 `json:"impactTestAngle"`

	// RelaxStep is subtracted from a basis threshold after each failed attempt.
	RelaxStep float64 `json:"relaxStep"`

	// ScanStep is the 1D sweep spacing. The sweep covers [Min, Max) and, when
	// IncludeUpperBound is set, Max itself as the last point.
	ScanStep          float64 `json:"scanStep"`
	IncludeUpperBound bool    `json:"includeUpperBound"`

	// GridOffsets are applied to both paddles of the 2D scan. Must contain 0.
	GridOffsets []float64 `json:"gridOffsets"`

	// Home moves every paddle to HomeAngle once before the first cycle.
	Home      bool    `json:"home"`
	HomeAngle float64 `json:"homeAngle"`
}

// DefaultConfig returns the parameters used on the bench setup.
func DefaultConfig() Config {
	return Config{
		Bases: [2]Target{
			{Basis: device.BasisHV, Visibility: 0.95},
			{Basis: device.BasisDA, Visibility: 0.98},
		},
		GlobalTarget:      0.95,
		MaxGlobalRetries:  10,
		MaxBasisRetries:   4,
		ImpactTestAngle:   10,
		RelaxStep:         0.002,
		ScanStep:          20,
		IncludeUpperBound: true,
		GridOffsets:       []float64{-20, -10, 0, 10, 20},
		Home:              true,
		HomeAngle:         0,
	}
}

// Validate checks every field. It does not know the actuator range; New
// checks HomeAngle against it.
func (c Config) Validate() error {
	for i, t := range c.Bases {
		field := fmt.Sprintf("Bases[%d]", i)
		if t.Basis == "" {
			return &ConfigError{Field: field + ".Basis", Reason: "cannot be empty"}
		}
		if t.Visibility <= 0 || t.Visibility > 1 {
			return &ConfigError{Field: field + ".Visibility", Reason: "must be in (0, 1]"}
		}
	}
	if c.Bases[0].Basis == c.Bases[1].Basis {
		return &ConfigError{Field: "Bases", Reason: "must name two different bases"}
	}
	if c.GlobalTarget <= 0 || c.GlobalTarget > 1 {
		return &ConfigError{Field: "GlobalTarget", Reason: "must be in (0, 1]"}
	}
	if c.MaxGlobalRetries < 1 {
		return &ConfigError{Field: "MaxGlobalRetries", Reason: "must be at least 1"}
	}
	if c.MaxBasisRetries < 1 {
		return &ConfigError{Field: "MaxBasisRetries", Reason: "must be at least 1"}
	}
	if c.ImpactTestAngle <= 0 {
		return &ConfigError{Field: "ImpactTestAngle", Reason: "must be positive"}
	}
	if c.RelaxStep < 0 {
		return &ConfigError{Field: "RelaxStep", Reason: "cannot be negative"}
	}
	if c.ScanStep <= 0 {
		return &ConfigError{Field: "ScanStep", Reason: "must be positive"}
	}
	if len(c.GridOffsets) == 0 {
		return &ConfigError{Field: "GridOffsets", Reason: "cannot be empty"}
	}
	if !slices.Contains(c.GridOffsets, 0) {
		return &ConfigError{Field: "GridOffsets", Reason: "must contain 0"}
	}
	return nil
}

func (c Config) clone() Config {
	c.GridOffsets = slices.Clone(c.GridOffsets)
	return c
}
