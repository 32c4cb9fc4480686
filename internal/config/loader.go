package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override. Nested keys use a double
// underscore: POLCOMP_SEARCH__HV_TARGET sets search.hv_target.
const EnvPrefix = "POLCOMP_"

// listKeys take comma separated values from the environment, e.g.
// POLCOMP_SEARCH__GRID_OFFSETS=-10,0,10.
var listKeys = map[string]bool{
	"search.grid_offsets": true,
}

// Load builds a Config by layering defaults, optional file, and env vars.
// Order of precedence (low -> high):
//  1. defaults (New())
//  2. file (YAML) from path, or POLCOMP_CONFIG when path is empty
//  3. env (prefix POLCOMP_)
func Load(_ context.Context, path string) (*Config, error) {
	base := New()

	k := koanf.New(".")

	if path == "" {
		path = os.Getenv(EnvPrefix + "CONFIG")
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: read %s: %w", ErrLoadConfig, path, err)
		}
	}

	envProvider := env.ProviderWithValue(EnvPrefix, ".", func(key, value string) (string, any) {
		key = strings.TrimPrefix(key, EnvPrefix)
		key = strings.ReplaceAll(strings.ToLower(key), "__", ".")
		if listKeys[key] {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			return key, parts
		}
		return key, value
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}

	cfg := *base
	if k.Exists("search.grid_offsets") {
		// a list from file or env replaces the default offsets outright
		cfg.Search.GridOffsets = nil
	}
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return invalid(fmt.Sprintf("log_level %q must be one of debug, info, warn, error", c.LogLevel), nil)
	}
	if c.Addr == "" {
		return invalid("addr must not be empty", nil)
	}
	if c.DataDir == "" {
		return invalid("data_dir must not be empty", nil)
	}
	if err := c.SearchConfig().Validate(); err != nil {
		return invalid("search section", err)
	}
	if c.Sim.Noise < 0 {
		return invalid("sim.noise cannot be negative", nil)
	}
	if c.Sim.Settle < 0 || c.Sim.Switch < 0 {
		return invalid("sim.settle and sim.switch cannot be negative", nil)
	}
	switch c.Session.Backend {
	case "local":
	case "redis":
		if c.Session.RedisAddr == "" {
			return invalid("session.redis_addr is required for the redis backend", nil)
		}
	default:
		return invalid(fmt.Sprintf("session.backend %q must be local or redis", c.Session.Backend), nil)
	}
	if c.Session.Key == "" {
		return invalid("session.key must not be empty", nil)
	}
	if c.Session.TTL <= 0 {
		return invalid("session.ttl must be positive", nil)
	}
	return nil
}
