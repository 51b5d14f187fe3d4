// Package errs defines the error taxonomy (spec.md §7): a small set of
// kinds, not types, that every unrecovered transport or storage error is
// tagged with on its way out of the core so the IPC surface can map it to
// a stable string code and HTTP status without inspecting error text.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the taxonomy's error kinds.
type Kind int

const (
	LowEnergyError Kind = iota
	ShortRangeError
	DeviceNotFoundError
	PersistenceError
	SerializationError
	SessionError
)

// Code returns the stable string code serialized to the UI.
func (k Kind) Code() string {
	switch k {
	case LowEnergyError:
		return "low_energy_error"
	case ShortRangeError:
		return "short_range_error"
	case DeviceNotFoundError:
		return "device_not_found"
	case PersistenceError:
		return "persistence_error"
	case SerializationError:
		return "serialization_error"
	case SessionError:
		return "session_error"
	default:
		return "unknown_error"
	}
}

// Error wraps an underlying error with a taxonomy Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Wrap tags err with kind. Wrap(kind, nil) returns nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Wrapf tags a newly-formatted error with kind.
func Wrapf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind from err, defaulting to kind ShortRangeError
// (the taxonomy's generic transport-failure bucket) when err was never
// tagged.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ShortRangeError
}
