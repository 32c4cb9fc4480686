// Package config defines process configuration and loads it from defaults,
// an optional YAML file and POLCOMP_ environment variables.
package config

import (
	"time"

	"github.com/cwbudde/polcomp/internal/device"
	"github.com/cwbudde/polcomp/internal/search"
	"github.com/cwbudde/polcomp/internal/sim"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// DataDir holds run reports and traces.
	DataDir string `koanf:"data_dir"`

	Search  Search  `koanf:"search"`
	Sim     Sim     `koanf:"sim"`
	Session Session `koanf:"session"`
}

// Search mirrors search.Config with flat, file-friendly keys.
type Search struct {
	HVTarget          float64   `koanf:"hv_target"`
	DATarget          float64   `koanf:"da_target"`
	GlobalTarget      float64   `koanf:"global_target"`
	MaxGlobalRetries  int       `koanf:"max_global_retries"`
	MaxBasisRetries   int       `koanf:"max_basis_retries"`
	ImpactTestAngle   float64   `koanf:"impact_test_angle"`
	RelaxStep         float64   `koanf:"relax_step"`
	ScanStep          float64   `koanf:"scan_step"`
	IncludeUpperBound bool      `koanf:"include_upper_bound"`
	GridOffsets       []float64 `koanf:"grid_offsets"`
	Home              bool      `koanf:"home"`
	HomeAngle         float64   `koanf:"home_angle"`
}

// Sim configures the simulated bench. When Scenario names a file, that file
// defines the bench and the remaining fields are ignored.
type Sim struct {
	Scenario string        `koanf:"scenario"`
	Seed     int64         `koanf:"seed"`
	Noise    float64       `koanf:"noise"`
	Settle   time.Duration `koanf:"settle"`
	Switch   time.Duration `koanf:"switch"`
}

// Session configures exclusive access to the bench.
type Session struct {
	// Backend is "local" (in-process) or "redis" (shared across processes).
	Backend   string        `koanf:"backend"`
	RedisAddr string        `koanf:"redis_addr"`
	Key       string        `koanf:"key"`
	TTL       time.Duration `koanf:"ttl"`
	// Wait bounds how long a run waits for the bench before failing.
	Wait time.Duration `koanf:"wait"`
}

// New returns the defaults.
func New() *Config {
	sc := search.DefaultConfig()
	def := sim.DefaultScenario()
	return &Config{
		LogLevel: "info",
		Addr:     ":8080",
		DataDir:  "./data",
		Search: Search{
			HVTarget:          sc.Bases[0].Visibility,
			DATarget:          sc.Bases[1].Visibility,
			GlobalTarget:      sc.GlobalTarget,
			MaxGlobalRetries:  sc.MaxGlobalRetries,
			MaxBasisRetries:   sc.MaxBasisRetries,
			ImpactTestAngle:   sc.ImpactTestAngle,
			RelaxStep:         sc.RelaxStep,
			ScanStep:          sc.ScanStep,
			IncludeUpperBound: sc.IncludeUpperBound,
			GridOffsets:       sc.GridOffsets,
			Home:              sc.Home,
			HomeAngle:         sc.HomeAngle,
		},
		Sim: Sim{
			Seed:   def.Seed,
			Noise:  def.Noise,
			Settle: def.Settle,
			Switch: def.Switch,
		},
		Session: Session{
			Backend: "local",
			Key:     "polcomp:bench",
			TTL:     30 * time.Second,
			Wait:    5 * time.Minute,
		},
	}
}

// SearchConfig builds the optimizer parameters. HV is optimized first.
func (c *Config) SearchConfig() search.Config {
	s := c.Search
	return search.Config{
		Bases: [2]search.Target{
			{Basis: device.BasisHV, Visibility: s.HVTarget},
			{Basis: device.BasisDA, Visibility: s.DATarget},
		},
		GlobalTarget:      s.GlobalTarget,
		MaxGlobalRetries:  s.MaxGlobalRetries,
		MaxBasisRetries:   s.MaxBasisRetries,
		ImpactTestAngle:   s.ImpactTestAngle,
		RelaxStep:         s.RelaxStep,
		ScanStep:          s.ScanStep,
		IncludeUpperBound: s.IncludeUpperBound,
		GridOffsets:       append([]float64(nil), s.GridOffsets...),
		Home:              s.Home,
		HomeAngle:         s.HomeAngle,
	}
}

// Scenario returns the simulated bench described by the sim section.
func (c *Config) Scenario() (*sim.Scenario, error) {
	if c.Sim.Scenario != "" {
		return sim.LoadScenario(c.Sim.Scenario)
	}
	sc := sim.DefaultScenario()
	sc.Seed = c.Sim.Seed
	sc.Noise = c.Sim.Noise
	sc.Settle = c.Sim.Settle
	sc.Switch = c.Sim.Switch
	if err := sc.Normalize(); err != nil {
		return nil, invalid("sim section", err)
	}
	return &sc, nil
}
