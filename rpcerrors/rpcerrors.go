// Package rpcerrors holds the error kinds shared across the transport
// core (spec-named kinds: ClosedStream, ClosedSession, UnprocessedRequest,
// WriteTimeout, RequestTimeout, CancelledSubscription, AbortedStream,
// EndpointGroup, IllegalState).
//
// Following the teacher's style (eventloop/errors.go): exported error
// values and thin wrapper types with Unwrap, matched with errors.Is/As,
// never a custom exception hierarchy.
package rpcerrors

import (
	"errors"
	"fmt"
)

var (
	// ErrClosedStream is returned when writing to a stream that has
	// already observed an orderly close.
	ErrClosedStream = errors.New("rpc: write to closed stream")

	// ErrClosedSession is returned when a session refuses to send any
	// further requests (e.g. it is draining or already closed).
	ErrClosedSession = errors.New("rpc: session refuses sends")

	// ErrWriteTimeout indicates the first byte of a request was not
	// written to the wire before the configured deadline.
	ErrWriteTimeout = errors.New("rpc: write timeout")

	// ErrRequestTimeout indicates a response was not produced before the
	// configured deadline.
	ErrRequestTimeout = errors.New("rpc: request timeout")

	// ErrCancelledSubscription indicates a stream subscriber cancelled
	// its subscription.
	ErrCancelledSubscription = errors.New("rpc: subscription cancelled")

	// ErrAbortedStream indicates a publisher aborted before, or instead
	// of, ever being subscribed to; later subscribers fail with this.
	ErrAbortedStream = errors.New("rpc: stream aborted")

	// ErrNoEndpoints indicates an endpoint group has no endpoints
	// available, typically after health filtering.
	ErrNoEndpoints = errors.New("rpc: endpoint group has no endpoints")
)

// IllegalStateError reports a precondition violation, such as a second
// subscribe to a single-subscriber stream.
type IllegalStateError struct {
	Message string
}

func (e *IllegalStateError) Error() string {
	if e.Message == "" {
		return "rpc: illegal state"
	}
	return "rpc: illegal state: " + e.Message
}

// IllegalState constructs an *IllegalStateError.
func IllegalState(message string) error {
	return &IllegalStateError{Message: message}
}

// UnprocessedRequestError wraps a cause indicating the request never
// reached the wire, so it is safe for a caller to retry it.
type UnprocessedRequestError struct {
	Cause error
}

func (e *UnprocessedRequestError) Error() string {
	return fmt.Sprintf("rpc: unprocessed request: %v", e.Cause)
}

func (e *UnprocessedRequestError) Unwrap() error {
	return e.Cause
}

// Unprocessed wraps cause as an *UnprocessedRequestError.
func Unprocessed(cause error) error {
	return &UnprocessedRequestError{Cause: cause}
}

// RequestRejectedError reports a call refused by a circuit breaker in
// the OPEN state, without ever attempting it. breaker.Breaker does not
// construct it: CanRequest reports a rejection only by returning false.
type RequestRejectedError struct {
	Key any
}

func (e *RequestRejectedError) Error() string {
	return fmt.Sprintf("rpc: request rejected by circuit breaker for key %v", e.Key)
}

// Is reports whether target is also a *RequestRejectedError, regardless
// of key, matching the teacher's AggregateError.Is pattern of matching
// "any error of this kind".
func (e *RequestRejectedError) Is(target error) bool {
	_, ok := target.(*RequestRejectedError)
	return ok
}
