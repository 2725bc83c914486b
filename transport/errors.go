package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
)

// Reason classifies why a connection attempt failed.
type Reason int

const (
	ReasonUnknown Reason = iota
	ReasonTimeout
	ReasonRefused
	ReasonUnreachable
	ReasonUnknownHost
	ReasonHandshake
	ReasonSession
	ReasonNoCredentials
)

func (r Reason) String() string {
	switch r {
	case ReasonTimeout:
		return "timeout"
	case ReasonRefused:
		return "connection refused"
	case ReasonUnreachable:
		return "host unreachable"
	case ReasonUnknownHost:
		return "unknown host"
	case ReasonHandshake:
		return "TLS handshake failed"
	case ReasonSession:
		return "session handshake failed"
	case ReasonNoCredentials:
		return "no usable credentials"
	default:
		return "connect failed"
	}
}

// Error is a negotiation failure carrying the most specific diagnostic
// collected over all attempted strategies.
type Error struct {
	Reason   Reason
	Strategy Strategy
	Address  string
	Err      error
}

func (e *Error) Error() string {
	if e.Address == "" {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("%s (%s, %s): %v", e.Reason, e.Address, e.Strategy, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ReasonOf returns the Reason of a negotiation error, or ReasonUnknown.
func ReasonOf(err error) Reason {
	var te *Error
	if errors.As(err, &te) {
		return te.Reason
	}
	return ReasonUnknown
}

// classify maps a dial error to a Reason.
func classify(err error) Reason {
	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.As(err, &dnsErr) && !dnsErr.IsTimeout:
		return ReasonUnknownHost
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return ReasonTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return ReasonTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return ReasonRefused
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return ReasonUnreachable
	}
	return ReasonUnknown
}

// stageError marks the stage an attempt failed in, so the dial stage can be
// classified from the socket error and later stages by their role.
type stageError struct {
	reason Reason
	err    error
}

func (e *stageError) Error() string { return e.err.Error() }

func (e *stageError) Unwrap() error { return e.err }

func handshakeFailed(err error) error {
	if r := classify(err); r == ReasonTimeout {
		return &stageError{reason: r, err: err}
	}
	return &stageError{reason: ReasonHandshake, err: err}
}

func sessionFailed(err error) error {
	if r := classify(err); r == ReasonTimeout {
		return &stageError{reason: r, err: err}
	}
	return &stageError{reason: ReasonSession, err: err}
}
