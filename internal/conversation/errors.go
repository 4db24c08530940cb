package conversation

import (
	"errors"
	"fmt"
)

const errLoggerKey = "err"

// ErrUnauthenticated is returned when a client is built for a session that is not signed in.
var ErrUnauthenticated = errors.New("session is not authenticated")

// TransportError reports a request that failed before any reply was streamed: the request could not be
// sent or the proxy answered with a non-success status.
type TransportError struct {
	// StatusCode is zero when no response was received.
	StatusCode int
	// Message and Detail come from the proxy's JSON error body, when there is one.
	Message string
	Detail  string
	Err     error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode == 0:
		return fmt.Sprintf("transport failure: %v", e.Err)
	case e.Detail != "":
		return fmt.Sprintf("proxy returned %d: %s: %s", e.StatusCode, e.Message, e.Detail)
	case e.Message != "":
		return fmt.Sprintf("proxy returned %d: %s", e.StatusCode, e.Message)
	default:
		return fmt.Sprintf("proxy returned %d", e.StatusCode)
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// StreamReadError reports a failure while reading the reply. The partial reply stays in the transcript.
type StreamReadError struct {
	MessageID string
	// Received is the number of bytes of text merged before the failure.
	Received int
	Err      error
}

func (e *StreamReadError) Error() string {
	return fmt.Sprintf("stream read failure after %d bytes: %v", e.Received, e.Err)
}

func (e *StreamReadError) Unwrap() error {
	return e.Err
}
