// Package apperr defines the error kinds surfaced by the auth core.
// Callers match kinds with errors.Is against the Err* sentinels; the HTTP
// layer maps them to status codes.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

type Kind string

const (
	KindNotFound            Kind = "not_found"
	KindAlreadyVerified     Kind = "already_verified"
	KindAlreadyFilled       Kind = "already_filled"
	KindCodeMismatch        Kind = "code_mismatch"
	KindExpired             Kind = "expired"
	KindRateLimited         Kind = "rate_limited"
	KindDuplicateCredential Kind = "duplicate_credential"
	KindMandatoryInput      Kind = "mandatory_input"
	KindInvalidToken        Kind = "invalid_token"
	KindNotificationFailed  Kind = "notification_failed"
	KindConflict            Kind = "conflict"
	KindAlreadyRevoked      Kind = "already_revoked"
	KindInvalid             Kind = "invalid_input"
	KindUnauthorized        Kind = "unauthorized"
)

var (
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrAlreadyVerified     = &Error{Kind: KindAlreadyVerified}
	ErrAlreadyFilled       = &Error{Kind: KindAlreadyFilled}
	ErrCodeMismatch        = &Error{Kind: KindCodeMismatch}
	ErrExpired             = &Error{Kind: KindExpired}
	ErrRateLimited         = &Error{Kind: KindRateLimited}
	ErrDuplicateCredential = &Error{Kind: KindDuplicateCredential}
	ErrMandatoryInput      = &Error{Kind: KindMandatoryInput}
	ErrInvalidToken        = &Error{Kind: KindInvalidToken}
	ErrNotificationFailed  = &Error{Kind: KindNotificationFailed}
	ErrConflict            = &Error{Kind: KindConflict}
	ErrAlreadyRevoked      = &Error{Kind: KindAlreadyRevoked}
	ErrInvalid             = &Error{Kind: KindInvalid}
	ErrUnauthorized        = &Error{Kind: KindUnauthorized}
)

// Error is a business-rule failure. Detail is for logs, never for end users.
type Error struct {
	Kind    Kind
	Detail  string
	RetryAt time.Time
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if !e.RetryAt.IsZero() {
		msg += fmt.Sprintf(" (retry at %s)", e.RetryAt.Format(time.RFC3339))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func New(kind Kind, detail string) error {
	return &Error{Kind: kind, Detail: detail}
}

func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying cause.
func Wrap(kind Kind, err error, detail string) error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// RateLimited reports a refused send together with the instant it may be retried.
func RateLimited(retryAt time.Time, detail string) error {
	return &Error{Kind: KindRateLimited, Detail: detail, RetryAt: retryAt}
}

// KindOf returns the kind of the first *Error in err's chain, or "" when
// err is not a business failure.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// RetryAt extracts the retry instant of a RateLimited error.
func RetryAt(err error) (time.Time, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindRateLimited && !e.RetryAt.IsZero() {
		return e.RetryAt, true
	}
	return time.Time{}, false
}
