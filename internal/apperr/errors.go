// Package apperr holds the error taxonomy shared by the reminder components.
//
// Validation and range errors are user facing: the command layer renders
// them verbatim. Transport and persistence errors are operational and are
// logged, never shown to users as-is.
package apperr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound reports a missing reminder.
	ErrNotFound = errors.New("not found")
	// ErrExpired reports a confirmation that timed out or was already handled.
	ErrExpired = errors.New("confirmation expired or already handled")
)

// ValidationError is a malformed user input.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Field == "" {
		return e.Msg
	}
	return e.Field + ": " + e.Msg
}

func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// OutOfRangeError rejects an instant beyond the scheduling horizon.
type OutOfRangeError struct {
	At    time.Time
	Limit time.Duration
}

func (e *OutOfRangeError) Error() string {
	if e == nil {
		return ""
	}
	days := int(e.Limit / (24 * time.Hour))
	return fmt.Sprintf("event time is too far in the future (limit %d days)", days)
}

// TransportError wraps a failure talking to the chat platform.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return "transport " + e.Op + " failed"
	}
	return "transport " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// PersistenceError wraps a failed durable write or read.
type PersistenceError struct {
	Op   string
	Kind string
	Key  string
	Err  error
}

func (e *PersistenceError) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("persistence ")
	b.WriteString(e.Op)
	if e.Kind != "" {
		b.WriteString(" ")
		b.WriteString(e.Kind)
		if e.Key != "" {
			b.WriteString("/")
			b.WriteString(e.Key)
		}
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsUserFacing reports whether err should be rendered to the requesting user.
func IsUserFacing(err error) bool {
	var ve *ValidationError
	var oe *OutOfRangeError
	return errors.As(err, &ve) || errors.As(err, &oe) ||
		errors.Is(err, ErrNotFound) || errors.Is(err, ErrExpired)
}

// UserMessage renders err for a chat reply. Operational errors collapse to a
// generic message.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Msg
	}
	if IsUserFacing(err) {
		return err.Error()
	}
	return "something went wrong, please try again"
}
