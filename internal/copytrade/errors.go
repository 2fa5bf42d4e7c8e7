package copytrade

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig is the sentinel wrapped by every ConfigError.
	ErrInvalidConfig = errors.New("copytrade: invalid sizing configuration")

	// ErrCoordinatorClosed is returned when work is submitted after Close.
	ErrCoordinatorClosed = errors.New("copytrade: coordinator closed")

	// ErrLaneNotFound is returned by ResetLane for an unknown config.
	ErrLaneNotFound = errors.New("copytrade: lane not found")
)

// ConfigError is fatal to one config's lane: the lane is disabled until
// reset.
type ConfigError struct {
	ConfigID string
	Field    string
	Reason   string
}

func (e *ConfigError) Error() string {
	if e.ConfigID == "" {
		return fmt.Sprintf("%s: %s %s", ErrInvalidConfig, e.Field, e.Reason)
	}
	return fmt.Sprintf("%s: config %s: %s %s", ErrInvalidConfig, e.ConfigID, e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidConfig }

// ExecutionError is a rejected, failed or timed-out order. It is recorded as
// a failed attempt and never disables the config.
type ExecutionError struct {
	ConfigID string
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("copytrade: execution failed: %v", e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
