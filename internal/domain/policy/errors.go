package policy

import (
	"errors"
	"fmt"
)

// ErrInvalidPattern is returned for tool patterns that cannot be compiled.
var ErrInvalidPattern = errors.New("invalid tool pattern")

// ConfigurationError reports a configuration that cannot be evaluated safely.
// It is the only error class that should abort the surrounding request.
type ConfigurationError struct {
	// Field locates the problem, e.g. "rules[2].toolPattern".
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// IsConfigurationError reports whether err wraps a *ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

func configErr(field, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
