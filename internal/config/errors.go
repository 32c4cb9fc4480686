package config

import (
	"errors"
	"fmt"
)

// Sentinel error kinds for this package. These allow errors.Is/As from callers.
var (
	ErrInvalidConfig = errors.New("invalid config")
	ErrLoadConfig    = errors.New("load config failed")
)

func invalid(msg string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, msg)
	}
	return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, msg, cause)
}
