package review

import (
	"errors"
	"fmt"
)

// Code is the machine-readable error code reported to callers. Boundaries
// map codes to transport statuses; the engine itself never speaks HTTP.
type Code string

// Error codes.
const (
	CodeInvalidToken        Code = "invalid_token"
	CodeCaseNotFound        Code = "case_not_found"
	CodeCaseExpired         Code = "case_expired"
	CodeDuplicateSubmission Code = "duplicate_submission"
	CodeActionNotInline     Code = "action_not_inline"
	CodeRateLimited         Code = "rate_limited"
	CodeMissingAction       Code = "missing_action"
	CodeInvalidTransition   Code = "invalid_transition"
	CodeInvalidType         Code = "invalid_type"
)

// Error pairs a taxonomy code with a human-readable message.
type Error struct {
	Code    Code
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a taxonomy error with a formatted message.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the taxonomy code from err, or empty if err is not a
// taxonomy error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}

	var it *InvalidTransitionError
	if errors.As(err, &it) {
		return CodeInvalidTransition
	}

	return ""
}

// InvalidTransitionError is returned when a transition is not permitted by
// the table. It indicates a programming error at the boundary: status
// preconditions should have been checked before calling Transition.
type InvalidTransitionError struct {
	From Status
	To   Status
}

// Error implements the error interface, naming both states.
func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s -> %s", e.From, e.To)
}

// ErrCaseNotFound is returned by storage lookups for unknown case IDs.
var ErrCaseNotFound = &Error{
	Code:    CodeCaseNotFound,
	Message: "no review case with that ID",
}

// ErrVersionConflict is returned by storage backends when an optimistic
// write loses the version race. Under the engine's per-case serialization it
// indicates an external writer.
var ErrVersionConflict = errors.New("case version conflict")
