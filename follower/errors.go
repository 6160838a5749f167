package follower

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure per the taxonomy of spec.md §7.
type ErrorKind int

const (
	// TransientTransport covers socket resets, timeouts, and 5xx: retried
	// with exponential back-off, the loop stays in Running.
	TransientTransport ErrorKind = iota
	// ProtocolViolation covers decode errors, tick regression, and missing
	// required fields: fatal, the loop transitions to Failed.
	ProtocolViolation
	// LogGap is x-from-present=false with requireFromPresent set: fatal,
	// the operator must reseed from a fresh snapshot.
	LogGap
	// StorageTransient covers lock timeouts and write-throttling: the
	// single marker is retried a bounded number of times, then escalated
	// to fatal.
	StorageTransient
	// StorageFatal covers corruption and unrecoverable storage failures.
	StorageFatal
	// ConfigInvalid covers a malformed restrict specification or other bad
	// configuration: the follower refuses to start.
	ConfigInvalid
	// Cancelled is a graceful stop requested externally.
	Cancelled
)

func (k ErrorKind) String() string {
	switch k {
	case TransientTransport:
		return "TransientTransport"
	case ProtocolViolation:
		return "ProtocolViolation"
	case LogGap:
		return "LogGap"
	case StorageTransient:
		return "StorageTransient"
	case StorageFatal:
		return "StorageFatal"
	case ConfigInvalid:
		return "ConfigInvalid"
	case Cancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Retryable reports whether the loop may recover from this kind locally
// without transitioning to Failed (spec.md §7 propagation rule).
func (k ErrorKind) Retryable() bool {
	return k == TransientTransport || k == StorageTransient
}

// Error wraps an underlying cause with its classified Kind.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func classified(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// AsFollowerError extracts an *Error from err, classifying unrecognized
// errors as StorageFatal (the conservative choice: an error the loop
// doesn't understand should not be silently retried forever).
func AsFollowerError(err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return classified(StorageFatal, err)
}
