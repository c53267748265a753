// Package apperr holds the error taxonomy shared by the guard, the usage
// recorder and the billing run, and maps it onto HTTP status codes.
package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// AuthReason distinguishes why authentication failed.
type AuthReason string

const (
	ReasonMissing        AuthReason = "missing"
	ReasonInvalid        AuthReason = "invalid"
	ReasonRevoked        AuthReason = "revoked"
	ReasonSecretMismatch AuthReason = "secret_mismatch"
	ReasonForbidden      AuthReason = "forbidden"
)

type AuthenticationError struct {
	Reason  AuthReason
	Message string
}

func (e *AuthenticationError) Error() string { return e.Message }

func Unauthenticated(reason AuthReason, msg string) error {
	return &AuthenticationError{Reason: reason, Message: msg}
}

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func Invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

type RateLimitError struct {
	RetryAfter   time.Duration
	BlockedUntil time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter.Round(time.Second))
}

type NotFoundError struct {
	Resource string
	Message  string
}

func (e *NotFoundError) Error() string { return e.Message }

func NotFound(resource, msg string) error {
	return &NotFoundError{Resource: resource, Message: msg}
}

// PaymentRequiredError rejects callers with an overdue invoice.
type PaymentRequiredError struct {
	InvoiceID string
}

func (e *PaymentRequiredError) Error() string { return "Invoice payment overdue" }

// TransientError wraps a dependency failure that is worth retrying.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// StorageError means a write or read against the system of record failed.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

func Storage(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// HTTPStatus maps err onto the status code surfaced to callers.
func HTTPStatus(err error) int {
	var (
		authErr     *AuthenticationError
		validErr    *ValidationError
		rateErr     *RateLimitError
		notFoundErr *NotFoundError
		payErr      *PaymentRequiredError
		transErr    *TransientError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &authErr):
		return http.StatusUnauthorized
	case errors.As(err, &validErr):
		return http.StatusBadRequest
	case errors.As(err, &rateErr):
		return http.StatusTooManyRequests
	case errors.As(err, &notFoundErr):
		return http.StatusNotFound
	case errors.As(err, &payErr):
		return http.StatusPaymentRequired
	case errors.As(err, &transErr):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Response is the JSON body written for every guard decision.
type Response struct {
	Status     int    `json:"status"`
	Message    string `json:"message"`
	Field      string `json:"field,omitempty"`
	RetryAfter int64  `json:"retry_after,omitempty"`
}

// WriteJSON writes v with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError renders err as a Response. Internal errors never leak their text.
func WriteError(w http.ResponseWriter, err error) {
	status := HTTPStatus(err)
	resp := Response{Status: status, Message: err.Error()}

	var (
		validErr *ValidationError
		rateErr  *RateLimitError
	)
	if errors.As(err, &validErr) {
		resp.Field = validErr.Field
	}
	if errors.As(err, &rateErr) {
		secs := int64(rateErr.RetryAfter.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		resp.RetryAfter = secs
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	if status == http.StatusInternalServerError {
		resp.Message = "Internal Server Error"
	}
	if status == http.StatusServiceUnavailable {
		resp.Message = "Service temporarily unavailable"
	}
	WriteJSON(w, status, resp)
}
