package network

import (
	"fmt"
)

// NegotiationError is returned when the capability request of an endpoint fails.
// A control that hits it is disabled for good.
type NegotiationError struct {
	Endpoint string
	Err      error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiate capabilities of %s: %s", e.Endpoint, e.Err)
}

func (e *NegotiationError) Unwrap() error {
	return e.Err
}

// TransportError is a segment request that failed with a permanent status or ran out of attempts.
type TransportError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("segment transport failed: %s", e.Err)
	}
	return fmt.Sprintf("segment transport failed: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// FinalizeError is any finalize response outside of the pending, redirected and token cases.
type FinalizeError struct {
	URL        string
	StatusCode int
	Body       string
	Err        error
}

func (e *FinalizeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("finalize %s: %s", e.URL, e.Err)
	}
	return fmt.Sprintf("finalize %s: HTTP %d: %s", e.URL, e.StatusCode, e.Body)
}

func (e *FinalizeError) Unwrap() error {
	return e.Err
}
