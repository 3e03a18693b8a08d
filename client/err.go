package client

import (
	"errors"

	"github.com/ValerySidorin/raijin/internal/proto"
)

var (
	ErrConnClosed            = errors.New("connection closed")
	ErrWorkerClosed          = errors.New("subscription worker closed")
	ErrWorkerAlreadyRunning  = errors.New("subscription worker already running")
	ErrEmptySubscriptionName = errors.New("empty subscription name")

	ErrSubscriptionInUse           = errors.New("subscription is in use")
	ErrSubscriptionDoesNotExist    = errors.New("subscription does not exist")
	ErrSubscriptionClosed          = errors.New("subscription closed")
	ErrSubscriptionSuperseded      = errors.New("subscription superseded")
	ErrSubscriptionAlreadyExists   = errors.New("subscription already exists")
	ErrSubscriptionAmbiguousTarget = errors.New("ambiguous subscription target")
	ErrInvalidQuery                = errors.New("invalid query")
	ErrDocumentNotFound            = errors.New("document not found")

	// ErrSubscriptionInvalidState marks a worker that gave up reconnecting
	// after its erroneous period ran out.
	ErrSubscriptionInvalidState = errors.New("subscription in invalid state")

	// ErrSubscriberError wraps a handler failure surfaced on the run
	// handle when subscriber errors are not ignored.
	ErrSubscriberError = errors.New("subscriber error")
)

// Error is a failure reported by the server. Known failure types also
// match the package sentinel errors via errors.Is.
type Error struct {
	Type    string
	Message string

	sentinel error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Type + ": " + e.Message
	}
	return e.Type
}

func (e *Error) Unwrap() error {
	return e.sentinel
}

func errFromWire(perr *proto.Error) error {
	e := &Error{Type: string(perr.Type), Message: perr.Message}
	switch perr.Type {
	case proto.ErrTypeSubscriptionInUse:
		e.sentinel = ErrSubscriptionInUse
	case proto.ErrTypeSubscriptionDoesNotExist:
		e.sentinel = ErrSubscriptionDoesNotExist
	case proto.ErrTypeSubscriptionClosed:
		e.sentinel = ErrSubscriptionClosed
	case proto.ErrTypeSubscriptionSuperseded:
		e.sentinel = ErrSubscriptionSuperseded
	case proto.ErrTypeSubscriptionAlreadyExists:
		e.sentinel = ErrSubscriptionAlreadyExists
	case proto.ErrTypeSubscriptionAmbiguousTarget:
		e.sentinel = ErrSubscriptionAmbiguousTarget
	case proto.ErrTypeInvalidQuery:
		e.sentinel = ErrInvalidQuery
	case proto.ErrTypeDocumentNotFound:
		e.sentinel = ErrDocumentNotFound
	}
	return e
}

// IsServerError reports whether err was reported by the server rather than
// produced by the transport.
func IsServerError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}
