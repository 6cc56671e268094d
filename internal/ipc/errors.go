package ipc

import "errors"

var (
	// ErrTransport reports that the underlying stream failed or could not be
	// established for reasons other than the listener being gone.
	ErrTransport = errors.New("transport failure")
	// ErrConnectionInvalid reports that the connection reached its terminal
	// state, locally or because the peer went away.
	ErrConnectionInvalid = errors.New("connection invalid")
	// ErrEndpointGone reports that the listener behind an endpoint no longer
	// exists.
	ErrEndpointGone = errors.New("endpoint gone")
	// ErrNoMatchingRequest is returned when replying to something that was not
	// received as a request, or replying twice.
	ErrNoMatchingRequest = errors.New("no matching request")
	// ErrMalformedMessage reports an undecodable message body.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrInvalidState is returned for operations not legal in the current
	// state.
	ErrInvalidState = errors.New("invalid state")
	// ErrResourceExhausted is returned when a listener cannot be allocated.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrInterrupted is wrapped in ErrTransport when a call was in flight
	// while the stream dropped.
	ErrInterrupted = errors.New("connection interrupted")
)
