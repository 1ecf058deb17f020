// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrInvalidSchedule           = errors.New("invalid schedule")
	ErrAdvisoryUnavailable       = errors.New("advisory service unavailable")
	ErrMalformedAdvisoryResponse = errors.New("malformed advisory response")
	ErrConfigWriteFailed         = errors.New("config write failed")
	ErrQueueFull                 = errors.New("analysis queue is full")
	ErrInvalidRequest            = errors.New("invalid analysis request")
	ErrReportUnavailable         = errors.New("performance report unavailable")
	ErrMetricsUnavailable        = errors.New("live metrics unavailable")
	ErrTimeout                   = errors.New("operation timed out")
	ErrConfigInvalid             = errors.New("invalid configuration")
	ErrDataNotFound              = errors.New("data not found")
	ErrDatabaseError             = errors.New("database error")
	ErrReadOnlyMode              = errors.New("operation blocked: read-only mode enabled")
	ErrNotRunning                = errors.New("scheduler is not running")
)

// ScheduleError is returned when a cron expression cannot be committed.
type ScheduleError struct {
	Expression string
	Err        error
}

func (e *ScheduleError) Error() string {
	return fmt.Sprintf("invalid schedule %q: %v", e.Expression, e.Err)
}

// Unwrap exposes both the sentinel and the parser error.
func (e *ScheduleError) Unwrap() []error {
	return []error{ErrInvalidSchedule, e.Err}
}

// NewScheduleError creates a new ScheduleError.
func NewScheduleError(expression string, err error) *ScheduleError {
	return &ScheduleError{
		Expression: expression,
		Err:        err,
	}
}

// AdvisoryError represents a failed call to the advisory service.
type AdvisoryError struct {
	Model     string
	Operation string
	Kind      error // ErrAdvisoryUnavailable or ErrMalformedAdvisoryResponse
	Err       error
}

func (e *AdvisoryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("advisory error [%s] %s: %v: %v", e.Model, e.Operation, e.Kind, e.Err)
	}
	return fmt.Sprintf("advisory error [%s] %s: %v", e.Model, e.Operation, e.Kind)
}

func (e *AdvisoryError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewUnavailableError creates an AdvisoryError of kind ErrAdvisoryUnavailable.
func NewUnavailableError(model, operation string, err error) *AdvisoryError {
	return &AdvisoryError{
		Model:     model,
		Operation: operation,
		Kind:      ErrAdvisoryUnavailable,
		Err:       err,
	}
}

// NewMalformedError creates an AdvisoryError of kind ErrMalformedAdvisoryResponse.
func NewMalformedError(model, operation string, err error) *AdvisoryError {
	return &AdvisoryError{
		Model:     model,
		Operation: operation,
		Kind:      ErrMalformedAdvisoryResponse,
		Err:       err,
	}
}

// ConfigWriteError represents a failed auto-apply write.
type ConfigWriteError struct {
	Recommendation string
	Keys           []string
	Err            error
}

func (e *ConfigWriteError) Error() string {
	return fmt.Sprintf("config write failed for %q (keys %v): %v", e.Recommendation, e.Keys, e.Err)
}

func (e *ConfigWriteError) Unwrap() []error {
	return []error{ErrConfigWriteFailed, e.Err}
}

// NewConfigWriteError creates a new ConfigWriteError.
func NewConfigWriteError(recommendation string, keys []string, err error) *ConfigWriteError {
	return &ConfigWriteError{
		Recommendation: recommendation,
		Keys:           keys,
		Err:            err,
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

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// DataError represents a data-related error.
type DataError struct {
	DataType string
	Key      string
	Message  string
	Err      error
}

func (e *DataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("data error [%s] %s: %s: %v", e.DataType, e.Key, e.Message, e.Err)
	}
	return fmt.Sprintf("data error [%s] %s: %s", e.DataType, e.Key, e.Message)
}

func (e *DataError) Unwrap() error {
	return e.Err
}

// NewDataError creates a new DataError.
func NewDataError(dataType, key, message string, err error) *DataError {
	return &DataError{
		DataType: dataType,
		Key:      key,
		Message:  message,
		Err:      err,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
