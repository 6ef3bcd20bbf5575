package rtc

import (
	"errors"
	"fmt"
)

// ErrRetryExhausted is surfaced exactly once when the retry budget runs out.
var ErrRetryExhausted = errors.New("retry attempts exhausted")

// ErrClosed is returned by operations invoked after Close.
var ErrClosed = errors.New("connection is closed")

// InitializationError means the transport could not be constructed.
type InitializationError struct {
	Err error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("initialization failed: %v", e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

// NegotiationError means an offer/answer operation was invalid: wrong state,
// out-of-order description, or a description the transport rejected.
type NegotiationError struct {
	Err error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation failed: %v", e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// TransportFailure means the live transport reported failed. It feeds the
// retry pipeline rather than propagating to callers directly.
type TransportFailure struct {
	Err error
}

func (e *TransportFailure) Error() string {
	if e.Err == nil {
		return "transport failed"
	}
	return fmt.Sprintf("transport failed: %v", e.Err)
}

func (e *TransportFailure) Unwrap() error { return e.Err }
