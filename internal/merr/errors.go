// Package merr implements the seven-kind error taxonomy every component of
// the agent-orchestration substrate classifies failures against:
// validation, auth, busy, timeout, transient, permanent, cancelled. A
// fluent error-builder / classification-helper shape lets AgentRuntime's
// retry policy and the ResponseEvent error{code} wire shape both dispatch
// on error kind rather than on a Go type assertion.
package merr

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/xerrors"
)

// Kind is one of the seven error categories from the error handling
// design. It is distinct from a wire-level error code: several codes may
// share a kind (e.g. "busy" and "concurrent_request" both classify as
// KindBusy).
type Kind string

const (
	KindValidation Kind = "validation"
	KindAuth       Kind = "auth"
	KindBusy       Kind = "busy"
	KindTimeout    Kind = "timeout"
	KindTransient  Kind = "transient"
	KindPermanent  Kind = "permanent"
	KindCancelled  Kind = "cancelled"
)

// Code is the wire-level identifier surfaced in a ResponseEvent's
// error.code field.
type Code string

const (
	CodeValidation   Code = "validation"
	CodeUnauthorized Code = "unauthorized"
	CodeBusy         Code = "busy"
	CodeConcurrent   Code = "concurrent_request"
	CodeTimeout      Code = "timeout"
	CodeInternal     Code = "internal"
	CodeCancelled    Code = "cancelled"
)

// Error is the structured error type every component returns. It carries
// enough context to decide retry policy (AgentRuntime), HTTP status
// (the ingress collaborator), and the client-facing error{code} field
// (StreamingPipeline) without any downstream type assertions beyond
// errors.As on *Error itself.
type Error struct {
	Kind      Kind
	Code      Code
	Message   string
	Operation string
	Resource  string
	Err       error `json:"-"`
	Timestamp time.Time
	Metadata  map[string]any
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Operation != "" {
		msg = fmt.Sprintf("%s: %s", e.Operation, msg)
	}
	if e.Resource != "" {
		msg = fmt.Sprintf("%s [resource=%s]", msg, e.Resource)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, code Code, message string, err error) *Error {
	return &Error{
		Kind:      kind,
		Code:      code,
		Message:   message,
		Err:       err,
		Timestamp: time.Now(),
		Metadata:  make(map[string]any),
	}
}

// WithOperation names the component operation that produced the error.
func (e *Error) WithOperation(op string) *Error {
	e.Operation = op
	return e
}

// WithResource names the resource (session id, agent name, channel) the
// error concerns.
func (e *Error) WithResource(resource string) *Error {
	e.Resource = resource
	return e
}

// WithMetadata attaches one arbitrary key/value pair, useful for fields
// that don't merit a dedicated struct member (retry attempt count, gap
// size, etc).
func (e *Error) WithMetadata(key string, value any) *Error {
	e.Metadata[key] = value
	return e
}

// Constructors, one per taxonomy kind.

func NewValidation(message string) *Error {
	return newError(KindValidation, CodeValidation, message, nil)
}

func NewAuth(message string) *Error {
	return newError(KindAuth, CodeUnauthorized, message, nil)
}

func NewBusy(sessionID int64) *Error {
	return newError(KindBusy, CodeBusy, "a request is already in flight for this session", nil).
		WithResource(fmt.Sprintf("session:%d", sessionID))
}

func NewConcurrentRequest(sessionID int64) *Error {
	return newError(KindBusy, CodeConcurrent, "concurrent request rejected", nil).
		WithResource(fmt.Sprintf("session:%d", sessionID))
}

func NewTimeout(operation string, d time.Duration) *Error {
	return newError(KindTimeout, CodeTimeout, fmt.Sprintf("%s exceeded deadline of %s", operation, d), nil).
		WithOperation(operation)
}

// wrapWithFrame attaches an xerrors call-frame to err so the underlying
// cause still satisfies errors.Is/errors.As through the %w verb while the
// message gains the call site that observed the failure.
func wrapWithFrame(operation string, err error) error {
	return xerrors.Errorf("%s: %w", operation, err)
}

func NewTransient(operation string, err error) *Error {
	return newError(KindTransient, CodeInternal, "transient failure", wrapWithFrame(operation, err)).WithOperation(operation)
}

func NewPermanent(operation string, err error) *Error {
	return newError(KindPermanent, CodeInternal, "unrecoverable failure", wrapWithFrame(operation, err)).WithOperation(operation)
}

func NewCancelled(operation string) *Error {
	return newError(KindCancelled, CodeCancelled, "operation cancelled", nil).WithOperation(operation)
}

// Classification helpers.

// AsError unwraps err into a *Error if any error in its chain is one.
func AsError(err error) (*Error, bool) {
	var me *Error
	if errors.As(err, &me) {
		return me, true
	}
	return nil, false
}

// IsKind reports whether err classifies as the given Kind.
func IsKind(err error, kind Kind) bool {
	me, ok := AsError(err)
	return ok && me.Kind == kind
}

// IsRetryable reports whether AgentRuntime should re-enqueue the message
// that produced err. Only KindTransient is retryable; every other kind is
// either surfaced immediately or sent straight to dead-letter.
func IsRetryable(err error) bool {
	return IsKind(err, KindTransient)
}

// GetCode extracts the wire-level error code, defaulting to "internal"
// for non-classified errors.
func GetCode(err error) Code {
	if me, ok := AsError(err); ok {
		return me.Code
	}
	return CodeInternal
}

// HTTPStatus maps a Kind to the status code the ingress collaborator
// should use when an error terminates a request before a stream opens.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindBusy:
		return http.StatusConflict
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCancelled:
		return http.StatusRequestTimeout
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
