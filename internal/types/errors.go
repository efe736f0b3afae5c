package types

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy of the execution engine. Hardware-adjacent errors abort
// the step/process, storage errors stay tick-scoped, claim conflicts are
// not errors at all for the caller.

// ErrClaimConflict: another arbiter already claimed the command. Skip silently.
var ErrClaimConflict = errors.New("command already claimed")

// ErrCommandTimeout: a caller's bounded wait on a command elapsed.
var ErrCommandTimeout = errors.New("command wait timed out")

// ErrNotFound: entity does not exist in storage.
var ErrNotFound = errors.New("not found")

// LinkError: PLC unreachable or request timed out. The arbiter retries a
// bounded number of times before escalating to a failed command.
type LinkError struct {
	Op   string
	Err  error
	Down bool // true while the link is disconnected and reconnecting
}

func (e *LinkError) Error() string {
	if e.Down {
		return fmt.Sprintf("plc link down during %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("plc link error during %s: %v", e.Op, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }

// IsLinkError reports whether err is hardware-link related.
func IsLinkError(err error) bool {
	var le *LinkError
	return errors.As(err, &le)
}

// ConfigurationError: missing or invalid step/parameter configuration.
// Resolved via a documented default where one exists; fatal otherwise.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// SafetyViolation: rejected before any hardware write reaches the PLC.
type SafetyViolation struct {
	Parameter string
	Value     float64
	Reason    string
}

func (e *SafetyViolation) Error() string {
	return fmt.Sprintf("safety violation on %s (value %g): %s", e.Parameter, e.Value, e.Reason)
}

// StorageError: transient persistence failure. The sampler rolls back the
// tick and retries on the next one instead of aborting its loop.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// EmergencyActive: a live stop signal blocks new commands and step
// transitions until it expires or is acknowledged.
type EmergencyActive struct {
	Signal string
	Until  time.Time
}

func (e *EmergencyActive) Error() string {
	return fmt.Sprintf("emergency signal %s active until %s", e.Signal, e.Until.Format(time.RFC3339))
}

// ErrorBody / ErrorResponse are the consistent REST error payload.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a consistent API error payload.
// details can be string, map, struct, etc.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}
