package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType classifies a failure so callers can decide whether it is local to
// one command or fatal to the whole run.
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation" // invalid command set, aborts the run
	ErrorTypeSpawn      ErrorType = "spawn"      // child could not be created
	ErrorTypeWatch      ErrorType = "watch"      // filesystem observation could not be established
	ErrorTypeTimeout    ErrorType = "timeout"    // shutdown or kill wait elapsed
	ErrorTypeIO         ErrorType = "io"
	ErrorTypeInternal   ErrorType = "internal"
)

// DomainError represents a structured error with type and context
type DomainError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a DomainError of the same type
func (e *DomainError) Is(target error) bool {
	if other, ok := target.(*DomainError); ok {
		return e.Type == other.Type
	}
	return false
}

// WithContext adds context information to the error
func (e *DomainError) WithContext(key string, value interface{}) *DomainError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func NewDomainError(errorType ErrorType, message string, cause error) *DomainError {
	return &DomainError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

func NewValidationError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeValidation, message, cause)
}

func NewSpawnError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeSpawn, message, cause)
}

func NewWatchError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeWatch, message, cause)
}

func NewTimeoutError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeTimeout, message, cause)
}

func NewIOError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeIO, message, cause)
}

func NewInternalError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeInternal, message, cause)
}

// TypeOf returns the type of the first DomainError in err's chain, or ""
// for errors raised outside this module.
func TypeOf(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

func IsValidationError(err error) bool { return TypeOf(err) == ErrorTypeValidation }
func IsSpawnError(err error) bool      { return TypeOf(err) == ErrorTypeSpawn }
func IsWatchError(err error) bool      { return TypeOf(err) == ErrorTypeWatch }
func IsIOError(err error) bool         { return TypeOf(err) == ErrorTypeIO }

// ErrorCollection gathers several failures, e.g. every invalid command in a
// configuration, so they can be reported together.
type ErrorCollection struct {
	Errors []error
}

func (e *ErrorCollection) Error() string {
	switch len(e.Errors) {
	case 0:
		return "no errors"
	case 1:
		return e.Errors[0].Error()
	}
	msgs := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("%d errors occurred: %s", len(e.Errors), strings.Join(msgs, "; "))
}

func (e *ErrorCollection) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

func (e *ErrorCollection) HasErrors() bool {
	return len(e.Errors) > 0
}

// ToError returns nil when nothing was collected
func (e *ErrorCollection) ToError() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}

// Unwrap exposes the collected errors to errors.Is / errors.As
func (e *ErrorCollection) Unwrap() []error {
	return e.Errors
}

func NewErrorCollection() *ErrorCollection {
	return &ErrorCollection{
		Errors: make([]error, 0),
	}
}
