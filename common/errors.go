// Package common provides shared constants, types, and utilities
// used across the VPN profile manager.
package common

import "errors"

// Sentinel errors for profile and connection operations.
// These can be checked with errors.Is() for proper error handling.
var (
	// Profile errors.
	ErrProfileNotFound    = errors.New("profile not found")
	ErrDuplicateName      = errors.New("profile name already exists")
	ErrInvalidProfile     = errors.New("invalid profile data")
	ErrProfileBusy        = errors.New("profile is not idle")
	ErrUnknownType        = errors.New("unknown profile type")
	ErrUnsupportedVersion = errors.New("unsupported record version")
	ErrIDMismatch         = errors.New("profile directory does not match record id")

	// State machine errors.
	ErrAnotherActive     = errors.New("another profile is active")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrUnknownState      = errors.New("unknown connection state")

	// Connection errors.
	ErrNotConnected       = errors.New("no active connection")
	ErrConnectionFailed   = errors.New("connection failed")
	ErrBackendUnavailable = errors.New("connection backend unavailable")
	ErrTimeout            = errors.New("operation timed out")

	// Credential errors.
	ErrCredentialsNotFound = errors.New("credentials not found")
	ErrCredentialStorage   = errors.New("failed to store credentials")
	ErrEncryption          = errors.New("encryption error")
	ErrDecryption          = errors.New("decryption error")

	// Configuration errors.
	ErrConfigLoad = errors.New("failed to load configuration")
	ErrConfigSave = errors.New("failed to save configuration")
)

// WrapError wraps an error with additional context.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return &wrappedError{
		msg: message,
		err: err,
	}
}

type wrappedError struct {
	msg string
	err error
}

func (e *wrappedError) Error() string {
	return e.msg + ": " + e.err.Error()
}

func (e *wrappedError) Unwrap() error {
	return e.err
}
