package traccar

import (
	"errors"
	"fmt"
	"io"
)

var (
	// ErrNotConfigured is returned by every call when the integration is
	// disabled or has no credentials. Callers treat it as a no-op.
	ErrNotConfigured = errors.New("traccar integration not configured")
	// ErrInvalidArgument rejects bad input before any request is sent.
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found on traccar")
)

// RemoteServiceError is a failed exchange with the telemetry API. Status is 0
// when no response was received (transport failure, timeout, open breaker).
type RemoteServiceError struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *RemoteServiceError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("traccar %s: %v", e.Op, e.Err)
	}
	if e.Body == "" {
		return fmt.Sprintf("traccar %s: status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("traccar %s: status %d: %s", e.Op, e.Status, e.Body)
}

func (e *RemoteServiceError) Unwrap() error { return e.Err }

// Temporary reports whether the next sweep may succeed where this one failed.
func (e *RemoteServiceError) Temporary() bool {
	return e.Status == 0 || e.Status == 429 || e.Status >= 500
}

const maxErrorBodySize = 4096

func readBodyForError(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, maxErrorBodySize))
	if err != nil {
		return "(failed to read response body)"
	}
	if len(body) == maxErrorBodySize {
		return string(body) + "\n... (truncated)"
	}
	return string(body)
}
