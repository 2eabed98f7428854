// Package gateway provides the HTTP client used to issue test-management
// commands (config CRUD, run listing, run start) against the backend and to
// translate its failure modes into typed errors callers can branch on.
package gateway

import (
	"errors"
	"fmt"
)

// ErrNotFound reports that the addressed config or run does not exist.
var ErrNotFound = errors.New("gateway: resource not found")

// ValidationError carries field-level rejections returned by the backend.
// The request was understood but its content was refused.
type ValidationError struct {
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("gateway: validation failed: %s", e.Message)
	}
	return fmt.Sprintf("gateway: validation failed: %s (%d field errors)", e.Message, len(e.Fields))
}

// TransportError wraps connectivity and server-side failures: the command may
// or may not have reached the backend, so callers must not assume either way.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("gateway: %s: unexpected status %d", e.Op, e.StatusCode)
}

func (e *TransportError) Unwrap() error { return e.Err }
