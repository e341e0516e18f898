package service

import (
	"errors"

	"github.com/capitalize-ai/jobboard/pkg/metrics"
)

// Kind classifies a failed store operation.
type Kind string

const (
	// KindLoad is a failed fetch of conversations, messages or notifications.
	KindLoad Kind = "load"
	// KindCommand is a send or update rejected by the backend.
	KindCommand Kind = "command"
	// KindConnection is a realtime subscription that could not be
	// established or was dropped.
	KindConnection Kind = "connection"
	// KindValidation is input rejected locally without a remote call.
	KindValidation Kind = "validation"
)

var (
	// ErrEmptyMessage is returned for blank message text.
	ErrEmptyMessage = errors.New("message text is empty")
	// ErrMessageTooLong is returned for message text above MaxMessageLength.
	ErrMessageTooLong = errors.New("message text exceeds maximum length")
	// ErrInvalidText is returned for text that is not valid UTF-8.
	ErrInvalidText = errors.New("message text must be valid UTF-8")
	// ErrNotFound is returned when an id is not part of the loaded state.
	ErrNotFound = errors.New("not found")
	// ErrWrongUser is returned when an operation names a user other than
	// the session owner.
	ErrWrongUser = errors.New("operation issued for another user")
	// ErrSuperseded is returned when the view changed while the operation
	// was in flight; its result was discarded.
	ErrSuperseded = errors.New("superseded by a newer operation")
)

// Error is a failed store operation.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return e.Op + ": " + string(e.Kind) + " failure: " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a store error, or "" if err is not one.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

func fail(op string, kind Kind, err error) error {
	metrics.RecordStoreFailure(op, string(kind))
	return &Error{Op: op, Kind: kind, Err: err}
}
