// Package types provides shared types, interfaces, and errors for the application.
package types

import "errors"

// Sentinel errors for consistent error handling across the application.
// These errors can be checked with errors.Is() for type-safe error handling.
var (
	// Platform errors
	ErrCapabilityUnavailable = errors.New("platform capability unavailable in this context")
	ErrBrowserClosed         = errors.New("browser connection is closed")

	// Messaging errors
	ErrNoActiveTab = errors.New("no visible active tab")
	ErrNoReceiver  = errors.New("no message receiver attached to tab")

	// Store errors
	ErrStoreClosed  = errors.New("store is closed")
	ErrStoreCorrupt = errors.New("store file is corrupt")
	ErrInvalidCount = errors.New("stored counter is not a non-negative integer")

	// Pattern errors
	ErrPatternsEmpty = errors.New("patterns must define at least one entry per set")
	ErrPatternsClash = errors.New("script terms and parameter names must be disjoint")
)

// NeutralizeError describes a failure to tear down one controller registration.
// It implements the error interface and supports error unwrapping.
type NeutralizeError struct {
	Operation string // "enumerate" or "unregister"
	Scope     string // Registration scope, empty for enumeration failures
	Err       error  // Underlying error
}

// Error implements the error interface.
func (e *NeutralizeError) Error() string {
	if e.Scope == "" {
		return "failed to " + e.Operation + " controller registrations: " + e.Err.Error()
	}
	return "failed to " + e.Operation + " controller registration " + e.Scope + ": " + e.Err.Error()
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *NeutralizeError) Unwrap() error {
	return e.Err
}

// NewEnumerateError creates an error for a failed registration listing.
func NewEnumerateError(err error) *NeutralizeError {
	return &NeutralizeError{Operation: "enumerate", Err: err}
}

// NewUnregisterError creates an error for a failed unregistration.
func NewUnregisterError(scope string, err error) *NeutralizeError {
	return &NeutralizeError{Operation: "unregister", Scope: scope, Err: err}
}
