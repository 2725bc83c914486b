package client

import (
	"errors"
	"fmt"

	"github.com/torsten-rupp/bar-sub003/protocol"
)

// Kind classifies an Error.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConnection: negotiation, authorization or version check failed.
	KindConnection
	// KindCommunication: malformed data or I/O failure on a live connection.
	KindCommunication
	// KindCommand: the server answered a command with an error code.
	KindCommand
	// KindTimeout: a command deadline elapsed locally.
	KindTimeout
	// KindAborted: the command was aborted by the caller.
	KindAborted
	// KindDisconnected: there is no live connection.
	KindDisconnected
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindCommunication:
		return "communication"
	case KindCommand:
		return "command"
	case KindTimeout:
		return "timeout"
	case KindAborted:
		return "aborted"
	case KindDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Error is the error type returned by the client.
type Error struct {
	Kind       Kind
	Code       protocol.ErrorCode
	Message    string
	Underlying error
}

// Sentinels for errors.Is. They match any Error of the same Kind.
var (
	ErrDisconnected = &Error{Kind: KindDisconnected, Code: protocol.ErrorDisconnected, Message: "not connected"}
	ErrTimeout      = &Error{Kind: KindTimeout, Code: protocol.ErrorNetworkTimeout, Message: "timeout"}
	ErrAborted      = &Error{Kind: KindAborted, Code: protocol.ErrorAborted, Message: "aborted"}
)

func newError(kind Kind, code protocol.ErrorCode, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func wrapError(err error, kind Kind, code protocol.ErrorCode, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Underlying: err}
}

func (e *Error) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Code != protocol.ErrorNone {
		s += " (" + e.Code.String() + ")"
	}
	if e.Underlying != nil {
		s += ": " + e.Underlying.Error()
	}
	return s
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Underlying
}

// Is matches sentinel errors by Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t == e {
		return true
	}
	return isSentinel(t) && t.Kind == e.Kind
}

func isSentinel(err *Error) bool {
	return err == ErrDisconnected || err == ErrTimeout || err == ErrAborted
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// CodeOf returns the protocol error code carried by err, ErrorNone for nil
// and ErrorUnknown for foreign errors.
func CodeOf(err error) protocol.ErrorCode {
	if err == nil {
		return protocol.ErrorNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return protocol.ErrorUnknown
}
