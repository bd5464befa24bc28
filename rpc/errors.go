package rpc

import (
	"github.com/pkg/errors"
)

type Error string

func (e Error) Error() string {
	return string(e)
}

const (
	// ErrBrokerUnavailable reports a connection or channel failure. It is
	// fatal to the operation in progress and, when raised by the reply
	// consumer, to the whole session.
	ErrBrokerUnavailable = Error("broker unavailable")
	// ErrDuplicateCorrelationID is returned by Call when the generated id is
	// already pending.
	ErrDuplicateCorrelationID = Error("duplicate correlation id")
	ErrCallCancelled          = Error("call cancelled")
	ErrCallTimedOut           = Error("call timed out")
	ErrSessionClosed          = Error("session closed")
	// ErrUnmatchedResponse marks a reply with no pending call. Such replies
	// are logged and discarded.
	ErrUnmatchedResponse = Error("unmatched response")
	// ErrPublishFailure marks a reply the server could not publish.
	ErrPublishFailure   = Error("publish failure")
	ErrMalformedMessage = Error("malformed message")
)

// HandlerError is a failure reported by the remote handler.
type HandlerError struct {
	Message string
}

func (e *HandlerError) Error() string {
	return "handler error: " + e.Message
}

// kindError tags an underlying error with one of the Error kinds, so both
// errors.Is(err, kind) and errors.Is(err, cause) hold.
type kindError struct {
	kind Error
	err  error
	bare bool
}

// withKind wraps err with msg and tags it with kind. A nil err makes kind
// itself the cause.
func withKind(kind Error, err error, msg string) error {
	if err == nil {
		return &kindError{kind: kind, err: errors.Wrap(kind, msg), bare: true}
	}
	return &kindError{kind: kind, err: errors.Wrap(err, msg)}
}

func (e *kindError) Error() string {
	if e.bare {
		return e.err.Error()
	}
	return e.kind.Error() + ": " + e.err.Error()
}

func (e *kindError) Is(target error) bool {
	return target == e.kind
}

func (e *kindError) Unwrap() error {
	return e.err
}
