// Package errors provides standardized error handling for lattice components.
// It includes error classification, standard error variables, and helper
// functions for consistent error wrapping across the system.
//
// Every error that crosses a component boundary carries a class that tells
// the caller how to react: retry (transient), fix the request (invalid),
// give up (fatal), or treat the referenced thing as absent (not found).
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Class represents the classification of errors for handling purposes.
type Class int

const (
	// ClassTransient represents temporary errors that may be retried.
	ClassTransient Class = iota
	// ClassInvalid represents errors due to invalid input or configuration.
	ClassInvalid
	// ClassFatal represents unrecoverable errors that should stop processing.
	ClassFatal
	// ClassNotFound represents lookups for entities, projects, or links
	// that do not exist.
	ClassNotFound
)

// String returns the string representation of Class.
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassInvalid:
		return "invalid"
	case ClassFatal:
		return "fatal"
	case ClassNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions.
var (
	// Lifecycle errors
	ErrAlreadyStarted = errors.New("service already started")
	ErrNotStarted     = errors.New("service not started")
	ErrShuttingDown   = errors.New("service is shutting down")

	// Connection and transport errors
	ErrNoConnection      = errors.New("no connection available")
	ErrConnectionLost    = errors.New("connection lost")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrReconnectExceeded = errors.New("reconnect attempts exhausted")

	// Graph store errors
	ErrNodeNotFound     = errors.New("node not found")
	ErrEdgeNotFound     = errors.New("edge not found")
	ErrProjectNotFound  = errors.New("project not found")
	ErrStoreUnavailable = errors.New("graph store unavailable")

	// Query errors
	ErrQueryParse      = errors.New("query parse failed")
	ErrQueryValidation = errors.New("query validation failed")
	ErrDepthExceeded   = errors.New("traversal depth exceeds maximum")

	// Federation errors
	ErrLinkNotFound   = errors.New("federation link not found")
	ErrUnknownProject = errors.New("unknown federated project")

	// Transport protocol errors
	ErrUnknownTopic  = errors.New("unknown topic")
	ErrUnknownAction = errors.New("unknown action")

	// Resource errors
	ErrQueueFull   = errors.New("queue full")
	ErrRateLimited = errors.New("rate limited")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")
)

// ClassifiedError wraps an error with its classification.
type ClassifiedError struct {
	Class     Class
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface.
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error.
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient checks if an error is transient and should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ClassTransient
	}

	if errors.Is(err, ErrConnectionTimeout) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrNoConnection) ||
		errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrQueueFull) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Common transient patterns from transport-level causes.
	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection", "temporarily", "unavailable"} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsInvalid checks if an error is due to invalid input.
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ClassInvalid
	}

	return errors.Is(err, ErrQueryParse) ||
		errors.Is(err, ErrQueryValidation) ||
		errors.Is(err, ErrDepthExceeded) ||
		errors.Is(err, ErrUnknownTopic) ||
		errors.Is(err, ErrUnknownAction) ||
		errors.Is(err, ErrInvalidConfig)
}

// IsFatal checks if an error is fatal and should stop processing.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ClassFatal
	}

	return errors.Is(err, ErrMissingConfig)
}

// IsNotFound checks if an error refers to an absent entity, project, or link.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ClassNotFound
	}

	return errors.Is(err, ErrNodeNotFound) ||
		errors.Is(err, ErrEdgeNotFound) ||
		errors.Is(err, ErrProjectNotFound) ||
		errors.Is(err, ErrLinkNotFound) ||
		errors.Is(err, ErrUnknownProject)
}

// Classify returns the error class for an error. Unknown errors default to
// transient so callers err on the side of retrying.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassTransient
	case IsNotFound(err):
		return ClassNotFound
	case IsInvalid(err):
		return ClassInvalid
	case IsFatal(err):
		return ClassFatal
	default:
		return ClassTransient
	}
}

// newClassified creates a new classified error.
// Internal helper, use the Wrap* functions instead.
func newClassified(class Class, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context.
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ClassTransient, wrappedErr, component, method, wrappedErr.Error())
}

// WrapInvalid wraps an error as invalid with context.
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ClassInvalid, wrappedErr, component, method, wrappedErr.Error())
}

// WrapFatal wraps an error as fatal with context.
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ClassFatal, wrappedErr, component, method, wrappedErr.Error())
}

// WrapNotFound wraps an error as an absent-entity lookup with context.
func WrapNotFound(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ClassNotFound, wrappedErr, component, method, wrappedErr.Error())
}
