package statechart

import "fmt"

// ErrorCode is the closed taxonomy of runtime errors this package raises.
type ErrorCode string

const (
	CodeSpecError              ErrorCode = "SPEC_ERROR"
	CodeUnknownEvent           ErrorCode = "UNKNOWN_EVENT"
	CodeGuardError             ErrorCode = "GUARD_ERROR"
	CodeActionError            ErrorCode = "ACTION_ERROR"
	CodeServiceError           ErrorCode = "SERVICE_ERROR"
	CodeQueueFull              ErrorCode = "QUEUE_FULL"
	CodeUnknownTarget          ErrorCode = "UNKNOWN_TARGET"
	CodeNotFound               ErrorCode = "NOT_FOUND"
)

// Error is the shape every error raised by this package takes: a closed
// code plus machine/state/event context, so callers can switch on .Code
// instead of parsing strings.
type Error struct {
	Code      ErrorCode
	Message   string
	MachineID string
	StateID   string
	Event     string
	Cause     error
}

func (e *Error) Error() string {
	if e.StateID != "" {
		return fmt.Sprintf("%s: %s (machine=%s state=%s event=%s)", e.Code, e.Message, e.MachineID, e.StateID, e.Event)
	}
	return fmt.Sprintf("%s: %s (machine=%s)", e.Code, e.Message, e.MachineID)
}

func (e *Error) Unwrap() error { return e.Cause }

// SpecError is raised by the Spec Loader; it is always fatal to the load.
func SpecError(msg string, args ...interface{}) *Error {
	return &Error{Code: CodeSpecError, Message: fmt.Sprintf(msg, args...)}
}

// IsFatal reports whether an error, per §7, should terminate the owning
// machine rather than simply be logged and absorbed.
func IsFatal(err error) bool {
	se, ok := err.(*Error)
	if !ok {
		return false
	}
	switch se.Code {
	case CodeSpecError:
		return true
	default:
		return false
	}
}
