package output

import (
	"fmt"
)

// Error is a structured error with code, displayable message, and retry hint.
// Every failure that crosses a package boundary in erplink is one of these;
// raw transport errors are kept only as Cause.
type Error struct {
	Code       string
	Message    string
	HTTPStatus int
	Retryable  bool
	Cause      error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// ExitCode returns the appropriate CLI exit code for this error.
func (e *Error) ExitCode() int {
	return ExitCodeFor(e.Code)
}

// Error constructors for common cases.

func ErrUsage(msg string) *Error {
	return &Error{Code: CodeUsage, Message: msg}
}

// ErrConfig reports missing or invalid configuration. Never retryable:
// the caller has to fix the input.
func ErrConfig(msg string) *Error {
	return &Error{Code: CodeConfig, Message: msg}
}

// ErrProtocol reports a malformed server response. Never retried
// automatically.
func ErrProtocol(msg string) *Error {
	return &Error{Code: CodeProtocol, Message: msg}
}

// ErrAuth reports an authentication failure with a message suitable for
// direct display.
func ErrAuth(msg string) *Error {
	return &Error{
		Code:       CodeAuth,
		Message:    msg,
		HTTPStatus: 401,
	}
}

// ErrAuthStatus reports a failed token acquisition, carrying the HTTP status
// of the token endpoint response and the server-provided description when
// one was present.
func ErrAuthStatus(status int, description string) *Error {
	if description == "" {
		description = fmt.Sprintf("Authentication failed (HTTP %d)", status)
	}
	return &Error{
		Code:       CodeAuth,
		Message:    description,
		HTTPStatus: status,
	}
}

func ErrNetwork(cause error) *Error {
	return &Error{
		Code:      CodeNetwork,
		Message:   "Network error: " + cause.Error(),
		Retryable: true,
		Cause:     cause,
	}
}

func ErrTimeout(cause error) *Error {
	return &Error{
		Code:      CodeTimeout,
		Message:   "Request timed out",
		Retryable: true,
		Cause:     cause,
	}
}

// ErrHTTP reports a non-2xx response. serverMessage is the best-effort
// extraction from the response body and may be empty.
func ErrHTTP(status int, serverMessage string) *Error {
	msg := fmt.Sprintf("Request failed (HTTP %d)", status)
	if serverMessage != "" {
		msg = serverMessage
	}
	return &Error{
		Code:       CodeAPI,
		Message:    msg,
		HTTPStatus: status,
		Retryable:  true,
	}
}

func ErrStore(op string, cause error) *Error {
	return &Error{
		Code:    CodeStore,
		Message: fmt.Sprintf("credential store %s failed", op),
		Cause:   cause,
	}
}
