// Package errs defines the error taxonomy shared by every component.
//
// Each error carries a class that determines propagation: Validation and
// Timeout surface to the caller, Conflict and Dependency are retried
// locally, Duplicate is a no-op for callers, Fatal halts the owning shard.
package errs

import (
	"errors"
	"fmt"
)

// Class partitions failures by how they are handled.
type Class string

const (
	Validation Class = "validation" // bad input; never retried
	Conflict   Class = "conflict"   // version/CAS mismatch; bounded retry
	Dependency Class = "dependency" // store/bus unavailable; backoff retry
	Timeout    Class = "timeout"    // deadline exceeded; no side effects
	Duplicate  Class = "duplicate"  // idempotency replay; not an error for callers
	Fatal      Class = "fatal"      // invariant violated; halt shard
)

// Error is the taxonomy error type. Component, Key and EventID tag the
// failure for metrics and logs.
type Error struct {
	Class     Class  `json:"class"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Component string `json:"component,omitempty"`
	Key       string `json:"key,omitempty"`
	EventID   string `json:"event_id,omitempty"`
	Err       error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s [%s]: %s: %v", e.Class, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Class, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on class so callers can write errors.Is(err, errs.ErrConflict).
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Class == t.Class && (t.Code == "" || e.Code == t.Code)
	}
	return false
}

// Class sentinels for errors.Is checks.
var (
	ErrValidation = &Error{Class: Validation}
	ErrConflict   = &Error{Class: Conflict}
	ErrDependency = &Error{Class: Dependency}
	ErrTimeout    = &Error{Class: Timeout}
	ErrDuplicate  = &Error{Class: Duplicate}
	ErrFatal      = &Error{Class: Fatal}
)

// New creates a taxonomy error with a stable code and human message.
func New(class Class, code, format string, args ...interface{}) *Error {
	return &Error{Class: class, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates an underlying error with a class and code.
func Wrap(err error, class Class, code, format string, args ...interface{}) *Error {
	return &Error{Class: class, Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// Tag attaches (component, key, eventID) to an error, converting foreign
// errors to Dependency. The original error is preserved for unwrapping.
func Tag(err error, component, key, eventID string) *Error {
	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Class: Dependency, Code: "unclassified", Message: err.Error(), Err: err}
	}
	tagged := *e
	tagged.Component = component
	tagged.Key = key
	tagged.EventID = eventID
	return &tagged
}

// ClassOf reports the class of err, defaulting to Dependency for errors
// raised outside the taxonomy.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return Dependency
}

// CodeOf returns the stable code of err, or "unclassified".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return "unclassified"
}

// Retryable reports whether the class permits another attempt.
func Retryable(err error) bool {
	switch ClassOf(err) {
	case Conflict, Dependency:
		return true
	default:
		return false
	}
}
