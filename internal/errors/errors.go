// Package errors provides custom error types for identity resolution failures.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrNotFound           = errors.New("not found")
	ErrTransient          = errors.New("transient resolver failure")
	ErrConflict           = errors.New("concurrent modification conflict")
	ErrConfigInvalid      = errors.New("invalid configuration")
	ErrMergeFailed        = errors.New("merge failed")
	ErrInstrumentNotFound = errors.New("instrument not found")
	ErrResolverNotFound   = errors.New("resolver not registered")
	ErrInputValidation    = errors.New("input validation failed")
	ErrDatabaseError      = errors.New("database error")
)

// TransientError is a retryable failure reported by a resolver.
type TransientError struct {
	Resolver string
	Err      error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolver %s transient error: %v", e.Resolver, e.Err)
	}
	return fmt.Sprintf("resolver %s transient error", e.Resolver)
}

func (e *TransientError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTransient}
	}
	return []error{ErrTransient, e.Err}
}

// NewTransientError creates a new TransientError.
func NewTransientError(resolver string, err error) *TransientError {
	return &TransientError{
		Resolver: resolver,
		Err:      err,
	}
}

// ConfigError represents a resolver rejecting admin-supplied options.
type ConfigError struct {
	Resolver string
	Option   string
	Message  string
}

func (e *ConfigError) Error() string {
	if e.Option != "" {
		return fmt.Sprintf("config error [%s] %s: %s", e.Resolver, e.Option, e.Message)
	}
	return fmt.Sprintf("config error [%s]: %s", e.Resolver, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return ErrConfigInvalid
}

// NewConfigError creates a new ConfigError.
func NewConfigError(resolver, option, message string) *ConfigError {
	return &ConfigError{
		Resolver: resolver,
		Option:   option,
		Message:  message,
	}
}

// MergeError reports a merge that was rolled back. Both instruments remain ACTIVE.
type MergeError struct {
	Loser    int64
	Survivor int64
	Reason   string
	Err      error
}

func (e *MergeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("merge %d into %d failed: %s: %v", e.Loser, e.Survivor, e.Reason, e.Err)
	}
	return fmt.Sprintf("merge %d into %d failed: %s", e.Loser, e.Survivor, e.Reason)
}

func (e *MergeError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrMergeFailed}
	}
	return []error{ErrMergeFailed, e.Err}
}

// NewMergeError creates a new MergeError.
func NewMergeError(loser, survivor int64, reason string, err error) *MergeError {
	return &MergeError{
		Loser:    loser,
		Survivor: survivor,
		Reason:   reason,
		Err:      err,
	}
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInputValidation
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// IsRetryable reports whether err should contribute to retry backoff rather than
// be treated as terminal.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrConflict)
}
