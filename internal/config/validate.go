package config

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// LogFormats lists the accepted log_format values.
var LogFormats = []string{"text", "json"}

// ValidationError represents a single invalid setting
type ValidationError struct {
	Key     string   // config key, e.g. "limit"
	EnvVar  string   // set when the value came from the environment
	Message string   // what is wrong
	Value   string   // the offending value
	Allowed []string // accepted values, when enumerable
}

// FormatError formats a ValidationError into a human-readable message.
func FormatError(err ValidationError) string {
	key := err.Key
	if err.EnvVar != "" {
		key = fmt.Sprintf("%s (%s)", err.Key, err.EnvVar)
	}
	if len(err.Allowed) > 0 {
		return fmt.Sprintf("%s: '%s' is not valid, must be one of: %s",
			key, err.Value, strings.Join(err.Allowed, ", "))
	}
	if err.Value != "" {
		return fmt.Sprintf("%s: '%s' is %s", key, err.Value, err.Message)
	}
	return fmt.Sprintf("%s: %s", key, err.Message)
}

// Error is returned when the configuration cannot be used.
type Error struct {
	Errors []ValidationError
}

func (e *Error) Error() string {
	messages := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		messages[i] = FormatError(err)
	}
	return "invalid configuration: " + strings.Join(messages, "; ")
}

// Validate checks every setting and collects all failures rather than
// stopping at the first one.
func Validate(c Config) error {
	var errs []ValidationError

	if strings.TrimSpace(c.Snapshot) == "" {
		errs = append(errs, ValidationError{Key: "snapshot", Message: "must not be empty"})
	}
	if c.Limit < 1 {
		errs = append(errs, ValidationError{Key: "limit", Value: fmt.Sprint(c.Limit), Message: "below the minimum of 1"})
	}
	if c.Jobs < 1 {
		errs = append(errs, ValidationError{Key: "jobs", Value: fmt.Sprint(c.Jobs), Message: "below the minimum of 1"})
	}
	if c.Timeout < 0 {
		errs = append(errs, ValidationError{Key: "timeout", Value: c.Timeout.String(), Message: "negative"})
	}
	if c.DialTimeout < 0 {
		errs = append(errs, ValidationError{Key: "dial_timeout", Value: c.DialTimeout.String(), Message: "negative"})
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, ValidationError{Key: "log_level", Value: c.LogLevel, Allowed: levelNames()})
	}
	if !contains(LogFormats, c.LogFormat) {
		errs = append(errs, ValidationError{Key: "log_format", Value: c.LogFormat, Allowed: LogFormats})
	}

	if len(errs) > 0 {
		return &Error{Errors: errs}
	}
	return nil
}

func levelNames() []string {
	names := make([]string, len(logrus.AllLevels))
	for i, l := range logrus.AllLevels {
		names[i] = l.String()
	}
	return names
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
