package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an application error
type Kind string

const (
	KindUnknown            Kind = "UNKNOWN"
	KindAuthFailure        Kind = "AUTH_FAILURE"
	KindAlreadyBound       Kind = "ALREADY_BOUND"
	KindUnknownRecipient   Kind = "UNKNOWN_RECIPIENT"
	KindMalformedEnvelope  Kind = "MALFORMED_ENVELOPE"
	KindPersistenceFailure Kind = "PERSISTENCE_FAILURE"
	KindForbidden          Kind = "FORBIDDEN"
	KindRateLimited        Kind = "RATE_LIMITED"
	KindBadRequest         Kind = "BAD_REQUEST"
	KindNotFound           Kind = "NOT_FOUND"
	KindInternal           Kind = "INTERNAL"
)

// Code returns the numeric code sent to clients for this kind
func (k Kind) Code() int {
	switch k {
	case KindAuthFailure:
		return 401
	case KindAlreadyBound:
		return 409
	case KindUnknownRecipient, KindNotFound:
		return 404
	case KindMalformedEnvelope, KindBadRequest:
		return 400
	case KindPersistenceFailure:
		return 503
	case KindForbidden:
		return 403
	case KindRateLimited:
		return 429
	default:
		return 500
	}
}

// Error is the error type surfaced to clients
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error of the same kind, so errors.Is(err, ErrAlreadyBound) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == ""
}

// Sentinels for errors.Is comparisons.
var (
	ErrAuthFailure        = &Error{Kind: KindAuthFailure}
	ErrAlreadyBound       = &Error{Kind: KindAlreadyBound}
	ErrUnknownRecipient   = &Error{Kind: KindUnknownRecipient}
	ErrMalformedEnvelope  = &Error{Kind: KindMalformedEnvelope}
	ErrPersistenceFailure = &Error{Kind: KindPersistenceFailure}
	ErrForbidden          = &Error{Kind: KindForbidden}
	ErrNotFound           = &Error{Kind: KindNotFound}
)

// Constructors
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func AuthFailure(msg string) error {
	return New(KindAuthFailure, msg)
}

func AlreadyBound(identity string) error {
	return New(KindAlreadyBound, fmt.Sprintf("identity %s is already bound to another connection", identity))
}

func UnknownRecipient(identity string) error {
	return New(KindUnknownRecipient, fmt.Sprintf("unknown recipient %s", identity))
}

func MalformedEnvelope(msg string) error {
	return New(KindMalformedEnvelope, msg)
}

func PersistenceFailure(msg string, cause error) error {
	return Wrap(KindPersistenceFailure, msg, cause)
}

func Forbidden(msg string) error {
	return New(KindForbidden, msg)
}

func BadRequest(msg string) error {
	return New(KindBadRequest, msg)
}

func NotFound(msg string) error {
	return New(KindNotFound, msg)
}

func Internal(msg string, cause error) error {
	return Wrap(KindInternal, msg, cause)
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
