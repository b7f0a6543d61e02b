package common

import (
	"errors"
	"fmt"
)

// Kind classifies failures so callers can tell "reconnect" from "abandon
// the stream" from "fail fast".
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindTransport covers unreachable hosts, resets, closed sockets and short reads.
	KindTransport
	// KindProtocol covers malformed packets, rejected auth and stream desynchronisation.
	KindProtocol
	// KindRepository covers schema lookup failures.
	KindRepository
	// KindConfiguration is raised before any connection attempt.
	KindConfiguration
	// KindDecode covers malformed binary JSON and inconsistent bitmaps.
	KindDecode
	// KindSubscriber is returned when a subscriber rejects an event.
	KindSubscriber
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindRepository:
		return "repository"
	case KindConfiguration:
		return "configuration"
	case KindDecode:
		return "decode"
	case KindSubscriber:
		return "subscriber"
	default:
		return "unknown"
	}
}

// Error is a failure tagged with its Kind and the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a kind. A nil err yields nil.
func NewError(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a kinded error from a format string.
func Errorf(kind Kind, op string, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsTransport reports whether err should be handled by reconnecting.
func IsTransport(err error) bool {
	return KindOf(err) == KindTransport
}
