// Package chainerr defines the closed error-code enumeration the fabric
// uses to tag every failure and map it to a wire Outcome.
package chainerr

import (
	"fmt"

	"github.com/chainbox/chainbox/pkg/contracts"
)

// Code is the closed set of error kinds a fabric component may raise.
type Code string

const (
	CodeExecutionError         Code = "EXECUTION_ERROR"
	CodeExecutionTimeout       Code = "EXECUTION_TIMEOUT"
	CodeMaxCallDepthExceeded   Code = "MAX_CALL_DEPTH_EXCEEDED"
	CodeForbidden              Code = "FORBIDDEN"
	CodeFunctionNotFound       Code = "FUNCTION_NOT_FOUND"
	CodeCircuitOpen            Code = "CIRCUIT_OPEN"
	CodeMeshCallFailed         Code = "MESH_CALL_FAILED"
	CodeInvalidSignature       Code = "INVALID_SIGNATURE"
	CodeAdapterNotFound        Code = "ADAPTER_NOT_FOUND"
	CodeRateLimited            Code = "RATE_LIMITED"
	CodeTenantQuotaExceeded    Code = "TENANT_QUOTA_EXCEEDED"
	CodeUnauthorized           Code = "UNAUTHORIZED"
	CodePayloadTooLarge        Code = "PAYLOAD_TOO_LARGE"
	CodeInternalError          Code = "INTERNAL_ERROR"
	CodeInputValidation        Code = "INPUT_VALIDATION_FAILED"
	// CodeAccessDenied is reserved equivalent to CodeForbidden, per the
	// source's own note: it appears in the non-retryable set but is never
	// emitted.
	CodeAccessDenied Code = "ACCESS_DENIED"
)

// Error is the structured error every fabric component raises instead of a
// bare error string, so the Executor can normalise it into an outcome tag.
type Error struct {
	Code    Code
	Fn      string
	TraceID string
	Message string
	Meta    map[string]any
}

func (e *Error) Error() string {
	if e.Fn != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Fn)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds a structured error.
func New(code Code, fn, message string) *Error {
	return &Error{Code: code, Fn: fn, Message: message}
}

// Newf builds a structured error with a formatted message.
func Newf(code Code, fn, format string, args ...any) *Error {
	return &Error{Code: code, Fn: fn, Message: fmt.Sprintf(format, args...)}
}

// WithTrace attaches a trace id, returning the receiver for chaining.
func (e *Error) WithTrace(traceID string) *Error {
	e.TraceID = traceID
	return e
}

// WithMeta attaches metadata, returning the receiver for chaining.
func (e *Error) WithMeta(meta map[string]any) *Error {
	e.Meta = meta
	return e
}

// Outcome maps an error code to its wire-level outcome tag.
func (e *Error) Outcome() contracts.Outcome {
	return CodeOutcome(e.Code)
}

// CodeOutcome maps a code to the outcome tag, independent of any specific
// error instance.
func CodeOutcome(c Code) contracts.Outcome {
	switch c {
	case CodeExecutionTimeout:
		return contracts.OutcomeTimeout
	case CodeCircuitOpen:
		return contracts.OutcomeCircuitOpen
	case CodeForbidden, CodeAccessDenied:
		return contracts.OutcomeForbidden
	case CodeFunctionNotFound:
		return contracts.OutcomeNotFound
	default:
		return contracts.OutcomeFailure
	}
}

// nonRetryable is the closed set of codes that are terminal for an attempt
// and are never retried, regardless of the caller's requested retry budget.
var nonRetryable = map[Code]bool{
	CodeForbidden:            true,
	CodeMaxCallDepthExceeded: true,
	CodeAccessDenied:         true,
	CodeRateLimited:          true,
	CodeTenantQuotaExceeded:  true,
	CodeUnauthorized:         true,
	CodeCircuitOpen:          true,
	CodeInputValidation:      true,
}

// Retryable reports whether an error of this code may be retried within a
// call's retry budget.
func Retryable(c Code) bool {
	return !nonRetryable[c]
}

// As extracts a *Error from err, or wraps it as CodeInternalError if it is
// some other error type — the Executor's fail-closed failure-normalisation
// hook.
func As(err error, fn string) *Error {
	if err == nil {
		return nil
	}
	if ce, ok := err.(*Error); ok {
		return ce
	}
	return &Error{Code: CodeInternalError, Fn: fn, Message: err.Error()}
}

// Envelope is the wire-level shape errors are serialised as in the result
// envelope / audit log.
type Envelope struct {
	Error    Code           `json:"error"`
	Message  string         `json:"message"`
	Function string         `json:"function,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// ToEnvelope converts a structured error into its wire form.
func (e *Error) ToEnvelope() Envelope {
	return Envelope{Error: e.Code, Message: e.Message, Function: e.Fn, Meta: e.Meta}
}
