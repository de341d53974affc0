package train

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel errors.
var (
	// ErrConfig matches every *ConfigError.
	ErrConfig = errors.New("configuration error")

	// ErrInterrupted is returned by Run when the context is cancelled. The
	// returned error also wraps the context's cancellation cause.
	ErrInterrupted = errors.New("training interrupted")
)

// ConfigError reports a fatal configuration problem, such as images whose
// channel count differs from the network's input channels. These errors
// are never retried.
type ConfigError struct {
	Field    string // Offending setting or quantity, e.g. "channels"
	Expected any    // Expected value, nil when not applicable
	Actual   any    // Observed value, nil when not applicable
	Msg      string // Human readable explanation
	Err      error  // Underlying cause, may be nil
}

// Error implements error.
func (e *ConfigError) Error() string {
	s := "config " + e.Field
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Expected != nil || e.Actual != nil {
		s += fmt.Sprintf(" (expected %v, got %v)", e.Expected, e.Actual)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Is makes errors.Is(err, ErrConfig) true for every ConfigError.
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfig
}

// Unwrap returns the underlying cause.
func (e *ConfigError) Unwrap() error {
	return e.Err
}
