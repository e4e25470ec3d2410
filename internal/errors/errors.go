package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rcourtman/pulse-license-engine/pkg/licensing"
)

// Base error types
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("concurrent modification")
	ErrUnavailable  = errors.New("store unavailable")
	ErrInternal     = errors.New("internal error")
)

// Kind is the category of an error. It decides the HTTP status, whether the
// error is retried and how loudly it is logged.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindRejected    Kind = "rejected"
	KindUnknownTxid Kind = "unknown_txid"
	KindNotFound    Kind = "not_found"
	KindConflict    Kind = "conflict"
	KindUnavailable Kind = "unavailable"
	KindInternal    Kind = "internal"
)

// Stable reason codes returned to callers.
const (
	CodeInvalidInput           = "invalid_input"
	CodeInvalidKey             = "invalid_key"
	CodeKeyNotFound            = "key_not_found"
	CodeKeyAlreadyConsumed     = "key_already_consumed"
	CodeInvalidTransition      = "invalid_transition"
	CodeMissingTxid            = "missing_txid"
	CodeMalformedPayload       = "malformed_payload"
	CodePayloadTooLarge        = "payload_too_large"
	CodeUnknownTxid            = "unknown_txid"
	CodeConcurrentModification = "concurrent_modification"
	CodeStoreUnavailable       = "store_unavailable"
	CodeNotFound               = "not_found"
	CodeInternal               = "internal_error"
)

// Error is a structured error for engine operations.
type Error struct {
	Kind      Kind
	Code      string
	Op        string // Operation that failed (e.g., "activation.consume")
	Message   string // Human-readable message safe to return to callers
	Err       error  // Underlying error
	Retryable bool
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	if e.Err != nil && e.Message != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrInvalidInput:
		return e.Kind == KindValidation
	case ErrConflict:
		return e.Kind == KindConflict
	case ErrUnavailable:
		return e.Kind == KindUnavailable
	case ErrInternal:
		return e.Kind == KindInternal
	}

	return errors.Is(e.Err, target)
}

// New creates an Error of the given kind.
func New(kind Kind, code, op, message string, err error) *Error {
	return &Error{
		Kind:      kind,
		Code:      code,
		Op:        op,
		Message:   message,
		Err:       err,
		Retryable: kind == KindConflict || kind == KindUnavailable,
	}
}

// Helper functions

// Validation reports malformed input. Never retried.
func Validation(op, message string) error {
	return New(KindValidation, CodeInvalidInput, op, message, nil)
}

// ValidationCode reports malformed input with a specific reason code.
func ValidationCode(op, code, message string, err error) error {
	return New(KindValidation, code, op, message, err)
}

// Rejected reports a business rejection such as an invalid key.
func Rejected(op, code, message string) error {
	return New(KindRejected, code, op, message, nil)
}

// NotFound reports a missing entity.
func NotFound(op, message string) error {
	return New(KindNotFound, CodeNotFound, op, message, nil)
}

// Conflict reports a lost optimistic-concurrency race.
func Conflict(op string, err error) error {
	return New(KindConflict, CodeConcurrentModification, op, "concurrent modification, retry", err)
}

// Unavailable wraps a store or dependency failure.
func Unavailable(op string, err error) error {
	return New(KindUnavailable, CodeStoreUnavailable, op, "storage temporarily unavailable", err)
}

// Internal wraps an unexpected failure.
func Internal(op string, err error) error {
	return New(KindInternal, CodeInternal, op, "internal error", err)
}

// Wrap classifies err for op. Already structured errors keep their kind;
// domain errors from pkg/licensing and base sentinels are mapped; anything
// else is internal.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	switch {
	case errors.Is(err, licensing.ErrInvalidKey):
		return New(KindRejected, CodeInvalidKey, op, "key does not match", err)
	case errors.Is(err, licensing.ErrKeyConsumed):
		return New(KindRejected, CodeKeyAlreadyConsumed, op, "activation key already consumed", err)
	case errors.Is(err, licensing.ErrInvalidTransition):
		return New(KindRejected, CodeInvalidTransition, op, err.Error(), err)
	case errors.Is(err, licensing.ErrInvalidPlanDays):
		return New(KindValidation, CodeInvalidInput, op, err.Error(), err)
	case errors.Is(err, licensing.ErrMissingTxid):
		return New(KindValidation, CodeMissingTxid, op, "payload carries no txid", err)
	case errors.Is(err, licensing.ErrMalformedPayload):
		return New(KindValidation, CodeMalformedPayload, op, "payload is not a JSON object", err)
	case errors.Is(err, ErrConflict):
		return Conflict(op, err)
	case errors.Is(err, ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return Unavailable(op, err)
	case errors.Is(err, ErrNotFound):
		return New(KindNotFound, CodeNotFound, op, "not found", err)
	case errors.Is(err, context.Canceled):
		return New(KindUnavailable, CodeStoreUnavailable, op, "request canceled", err)
	}
	return Internal(op, err)
}

// KindOf returns the kind of err, or KindInternal for unstructured errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindOf(Wrap("", err))
}

// CodeOf returns the reason code of err.
func CodeOf(err error) string {
	var e *Error
	if errors.As(Wrap("", err), &e) {
		return e.Code
	}
	return ""
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrUnavailable)
}

// IsSystemError reports whether err should be logged at error level with
// request context. Business rejections are not.
func IsSystemError(err error) bool {
	switch KindOf(err) {
	case KindUnavailable, KindInternal:
		return true
	}
	return false
}

// HTTPStatus maps err to a response status.
func HTTPStatus(err error) int {
	if CodeOf(err) == CodePayloadTooLarge {
		return http.StatusRequestEntityTooLarge
	}
	switch KindOf(err) {
	case "":
		return http.StatusOK
	case KindValidation:
		return http.StatusBadRequest
	case KindRejected:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindUnknownTxid:
		return http.StatusOK
	case KindConflict:
		return http.StatusConflict
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the caller-safe message for err.
func Message(err error) string {
	var e *Error
	if errors.As(Wrap("", err), &e) {
		if e.Message != "" {
			return e.Message
		}
	}
	return "internal error"
}
