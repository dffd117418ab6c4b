package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents a typed domain error with HTTP awareness.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports whether target carries the same code, so cloned errors still
// match their predefined sentinel.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// New creates a new Error instance.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Wrap attaches context to an existing error.
func Wrap(err error, code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Err: err}
}

// Predefined errors for common scenarios.
var (
	ErrNotFound           = New("NOT_FOUND", http.StatusNotFound, "resource not found")
	ErrConflict           = New("CONFLICT", http.StatusConflict, "conflict")
	ErrPreconditionFailed = New("PRECONDITION_FAILED", http.StatusPreconditionFailed, "precondition failed")
	ErrValidation         = New("VALIDATION_ERROR", http.StatusBadRequest, "validation failed")
	ErrInternal           = New("INTERNAL_ERROR", http.StatusInternalServerError, "internal server error")
	ErrCacheMiss          = New("CACHE_MISS", http.StatusNotFound, "cache miss")

	ErrStudentNotFound          = New("STUDENT_NOT_FOUND", http.StatusNotFound, "student not found")
	ErrFamilyNotFound           = New("FAMILY_NOT_FOUND", http.StatusNotFound, "family not found")
	ErrAlreadyWithdrawn         = New("ALREADY_WITHDRAWN", http.StatusConflict, "student already withdrawn")
	ErrNotWithdrawn             = New("NOT_WITHDRAWN", http.StatusConflict, "student is not withdrawn")
	ErrLastActiveChild          = New("LAST_ACTIVE_CHILD", http.StatusBadRequest, "billing must be recalculated or cancelled when withdrawing the last active child")
	ErrSubscriptionNotFound     = New("SUBSCRIPTION_NOT_FOUND", http.StatusNotFound, "no active subscription for family")
	ErrInvalidSubscriptionState = New("INVALID_SUBSCRIPTION_STATE", http.StatusBadRequest, "subscription is not in the required state")
	ErrProviderNotConfigured    = New("PROVIDER_NOT_CONFIGURED", http.StatusBadRequest, "payment provider is not configured")
)

// FromError normalises any error into an *Error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, ErrInternal.Code, ErrInternal.Status, ErrInternal.Message)
}

// IsDomain reports whether err is a typed error describing a client-side
// condition (4xx) rather than an internal failure.
func IsDomain(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Status >= 400 && e.Status < 500
}

// Clone returns a copy of the error allowing for message overrides.
func Clone(err *Error, message string) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	if message != "" {
		clone.Message = message
	}
	return &clone
}
