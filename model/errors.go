package model

import (
	"errors"
	"fmt"
	"strings"
)

// Error categories. Every error returned by a connector matches one of these
// with errors.Is.
var (
	ErrConnection    = errors.New("connection error")
	ErrProtocol      = errors.New("protocol error")
	ErrState         = errors.New("invalid session state")
	ErrInvalidFormat = errors.New("invalid format")
	ErrInvalidData   = errors.New("invalid data")
	ErrNotFound      = errors.New("not found")
)

// ConnectionError reports a failed or lost connection. The session it
// happened on must be reconnected.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return "imap " + e.Op + ": connection error"
	}
	return fmt.Sprintf("imap %s: connection error: %s", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConnection}
	}
	return []error{ErrConnection, e.Err}
}

// ProtocolError is a tagged NO or BAD completion.
type ProtocolError struct {
	Command string
	Status  string
	Text    string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("imap command failed: %s %s %s", e.Command, e.Status, e.Text)
}

func (e *ProtocolError) Unwrap() error { return ErrProtocol }

// StateError is returned when an operation is not allowed in the current
// session state.
type StateError struct {
	Op    string
	State string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("imap %s: not allowed in state %s", e.Op, e.State)
}

func (e *StateError) Unwrap() error { return ErrState }

// ItemError is the failure of a single record in a bulk operation.
type ItemError struct {
	Item string
	Err  error
}

func (e ItemError) Error() string { return e.Item + ": " + e.Err.Error() }

func (e ItemError) Unwrap() error { return e.Err }

// BatchError accompanies a partial result: the records that could be built
// are returned, the ones that could not are listed here.
type BatchError struct {
	Failures []ItemError
}

func (e *BatchError) Error() string {
	msgs := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		msgs = append(msgs, f.Error())
	}
	return fmt.Sprintf("%d record(s) failed: %s", len(e.Failures), strings.Join(msgs, "; "))
}

func (e *BatchError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f)
	}
	return errs
}
