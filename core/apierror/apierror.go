/*Package apierror defines the typed errors shared by all provisioning
components, together with their HTTP status mapping.

Every workflow step returns one of these types rather than a generic
failure, so callers can distinguish bad input from missing entities,
state conflicts and dependency failures without string matching.
*/
package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies the error class independently of the message.
type Code string

const (
	// CodeValidation is bad or missing caller input.
	CodeValidation Code = "validation"
	// CodeAuthorization means the caller is not the owner or carries a
	// bad credential.
	CodeAuthorization Code = "authorization"
	// CodeAuthentication means a cryptographic proof failed verification.
	CodeAuthentication Code = "authentication"
	// CodeNotFound means the referenced entity is absent.
	CodeNotFound Code = "not_found"
	// CodeConflict means the state has already transitioned.
	CodeConflict Code = "conflict"
	// CodeAlreadyUsed means a one-time resource was consumed before.
	CodeAlreadyUsed Code = "already_used"
	// CodeDependency means a CA, registry or broker call failed or timed out.
	CodeDependency Code = "dependency"
	// CodeInternal is an unexpected failure.
	CodeInternal Code = "internal"
)

// Error is a typed error with an HTTP status.
type Error struct {
	Status  int
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.Err }

// Is makes two apierror values match when their codes match, so that
// errors.Is(err, apierror.NotFound("")) works as a class check.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// Wrap attaches a cause to the error and returns it.
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}

// Validation returns a 400 error for bad caller input.
func Validation(format string, args ...interface{}) *Error {
	return &Error{Status: http.StatusBadRequest, Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// Authorization returns a 403 error.
func Authorization(format string, args ...interface{}) *Error {
	return &Error{Status: http.StatusForbidden, Code: CodeAuthorization, Message: fmt.Sprintf(format, args...)}
}

// Authentication returns a 403 error for a failed cryptographic proof.
func Authentication(format string, args ...interface{}) *Error {
	return &Error{Status: http.StatusForbidden, Code: CodeAuthentication, Message: fmt.Sprintf(format, args...)}
}

// NotFound returns a 404 error.
func NotFound(format string, args ...interface{}) *Error {
	return &Error{Status: http.StatusNotFound, Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// Conflict returns a 409 error.
func Conflict(format string, args ...interface{}) *Error {
	return &Error{Status: http.StatusConflict, Code: CodeConflict, Message: fmt.Sprintf(format, args...)}
}

// AlreadyUsed returns a 409 error for a consumed one-time resource.
func AlreadyUsed(format string, args ...interface{}) *Error {
	return &Error{Status: http.StatusConflict, Code: CodeAlreadyUsed, Message: fmt.Sprintf(format, args...)}
}

// Dependency returns a 502 error for a failed external call.
func Dependency(format string, args ...interface{}) *Error {
	return &Error{Status: http.StatusBadGateway, Code: CodeDependency, Message: fmt.Sprintf(format, args...)}
}

// Internal returns a 500 error.
func Internal(format string, args ...interface{}) *Error {
	return &Error{Status: http.StatusInternalServerError, Code: CodeInternal, Message: fmt.Sprintf(format, args...)}
}

// StatusOf maps any error to an HTTP status code. Errors outside the
// taxonomy map to 500.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return http.StatusInternalServerError
}

// CodeOf returns the code of an error, or CodeInternal for errors
// outside the taxonomy.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
