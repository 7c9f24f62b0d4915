package config

import "fmt"

// ValidationError describes a single invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

// Error makes ValidationError satisfy the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: invalid %s: %s", e.Field, e.Message)
}

func invalidField(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
