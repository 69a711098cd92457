package artifact

import (
	"errors"
	"fmt"
)

// Error codes used to classify synchronization failures.
const (
	CodeParse                = "PARSE_ERROR"
	CodeNamingConflict       = "NAMING_CONFLICT"
	CodeDependencyCycle      = "DEPENDENCY_CYCLE"
	CodeApplyFailed          = "APPLY_FAILED"
	CodeUnsupportedOperation = "UNSUPPORTED_OPERATION"
	CodePolicyViolation      = "POLICY_VIOLATION"
	CodeCoordinator          = "COORDINATOR_ERROR"
)

// ErrUnsupportedOperation is returned by targets that cannot perform an
// operation, such as altering a populated table.
var ErrUnsupportedOperation = errors.New("operation not supported by target")

// Error is a classified synchronization error carrying the artifact it
// concerns. Per-artifact errors are collected in the cycle report; only
// coordinator errors abort a cycle.
type Error struct {
	// Code classifies the error for programmatic handling.
	Code string `json:"code"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	Kind      Kind   `json:"kind,omitempty"`
	Name      string `json:"name,omitempty"`
	Location  string `json:"location,omitempty"`
	Operation string `json:"operation,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	switch {
	case e.Location != "" && e.Operation != "":
		msg = fmt.Sprintf("%s (location=%s, operation=%s)", msg, e.Location, e.Operation)
	case e.Location != "":
		msg = fmt.Sprintf("%s (location=%s)", msg, e.Location)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors with the same code, so errors.Is(err, &Error{Code: CodeParse})
// works regardless of the artifact involved.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithArtifact records the artifact the error concerns.
func (e *Error) WithArtifact(kind Kind, name, location string) *Error {
	e.Kind = kind
	e.Name = name
	e.Location = location
	return e
}

// WithRef records the artifact identified by ref.
func (e *Error) WithRef(ref Ref) *Error {
	return e.WithArtifact(ref.Kind, ref.Name, ref.Location)
}

// WithOperation records the target operation that failed.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// NewParseError reports a definition that could not be read or validated.
func NewParseError(location string, err error) *Error {
	e := newError(CodeParse, "failed to parse definition", err)
	e.Location = location
	return e
}

// NewNamingConflictError reports a name already claimed by another location.
func NewNamingConflictError(def *Definition, owner string) *Error {
	msg := fmt.Sprintf("name %q already claimed by %s", def.Name, owner)
	return newError(CodeNamingConflict, msg, nil).WithRef(def.Ref())
}

// NewDependencyCycleError reports that ordering fell back to declaration
// order. It is informational; the cycle still proceeds.
func NewDependencyCycleError(cycle []string) *Error {
	return newError(CodeDependencyCycle, fmt.Sprintf("dependency cycle detected: %v", cycle), nil)
}

// NewApplyError reports a failed target or store operation for one artifact.
// A cause wrapping ErrUnsupportedOperation is classified as unsupported instead.
func NewApplyError(ref Ref, operation string, err error) *Error {
	code, msg := CodeApplyFailed, "failed to apply artifact"
	if errors.Is(err, ErrUnsupportedOperation) {
		code, msg = CodeUnsupportedOperation, "operation not supported for artifact"
	}
	return newError(code, msg, err).WithRef(ref).WithOperation(operation)
}

// NewPolicyViolationError reports an artifact rejected by an admission policy.
func NewPolicyViolationError(def *Definition, message string) *Error {
	return newError(CodePolicyViolation, message, nil).WithRef(def.Ref())
}

// NewCoordinatorError reports an unexpected failure that aborted a cycle.
func NewCoordinatorError(message string, err error) *Error {
	return newError(CodeCoordinator, message, err)
}

func hasCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsParseError reports whether err is a parse error.
func IsParseError(err error) bool { return hasCode(err, CodeParse) }

// IsNamingConflict reports whether err is a naming conflict.
func IsNamingConflict(err error) bool { return hasCode(err, CodeNamingConflict) }

// IsDependencyCycle reports whether err is a dependency cycle warning.
func IsDependencyCycle(err error) bool { return hasCode(err, CodeDependencyCycle) }

// IsApplyError reports whether err is an apply failure.
func IsApplyError(err error) bool { return hasCode(err, CodeApplyFailed) }

// IsUnsupportedOperation reports whether err is an unsupported operation.
func IsUnsupportedOperation(err error) bool { return hasCode(err, CodeUnsupportedOperation) }

// IsPolicyViolation reports whether err is a policy rejection.
func IsPolicyViolation(err error) bool { return hasCode(err, CodePolicyViolation) }

// IsCoordinatorError reports whether err aborted a cycle.
func IsCoordinatorError(err error) bool { return hasCode(err, CodeCoordinator) }

// CodeOf returns the code of a classified error, or "" for other errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
