// Package errors provides the typed error taxonomy shared by the moment core.
//
// Every failure surfaced by a lifecycle or escrow operation is a *ServiceError
// carrying a stable Code, a user-safe Message, the HTTP status used by the API
// layer and optional Details that are only shown to admin callers. errors.Is
// matches two ServiceErrors by Code, so callers can compare against the
// exported sentinels:
//
//	if errors.Is(err, apperrors.ErrClaimConflict) { ... }
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code identifies a class of failure.
type Code string

const (
	CodeInvalidTransition      Code = "INVALID_TRANSITION"
	CodeClaimConflict          Code = "CLAIM_CONFLICT"
	CodeContributorCapExceeded Code = "CONTRIBUTOR_CAP_EXCEEDED"
	CodeSelfDealingRejected    Code = "SELF_DEALING_REJECTED"
	CodeInsufficientBalance    Code = "INSUFFICIENT_BALANCE"
	CodeEscrowAlreadyResolved  Code = "ESCROW_ALREADY_RESOLVED"
	CodeUnauthorized           Code = "UNAUTHORIZED"
	CodeProviderSoftFailure    Code = "PROVIDER_SOFT_FAILURE"

	CodeUnauthenticated Code = "UNAUTHENTICATED"
	CodeNotFound        Code = "NOT_FOUND"
	CodeInvalidInput    Code = "INVALID_INPUT"
	CodeRestricted      Code = "RESTRICTED"
	CodeWindowClosed    Code = "WINDOW_CLOSED"
	CodeRetryLimit      Code = "RETRY_LIMIT"
	CodeStaleState      Code = "STALE_STATE"
	CodeRateLimited     Code = "RATE_LIMITED"
	CodeInternal        Code = "INTERNAL"
)

// ServiceError is the error type returned across the core.
type ServiceError struct {
	Code       Code           `json:"code"`
	Message    string         `json:"message"`
	HTTPStatus int            `json:"-"`
	Details    map[string]any `json:"details,omitempty"`
	Err        error          `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Is reports whether target is a ServiceError with the same code.
func (e *ServiceError) Is(target error) bool {
	t, ok := target.(*ServiceError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithDetails returns a copy of the error with an extra detail entry.
func (e *ServiceError) WithDetails(key string, value any) *ServiceError {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// Public strips details and the wrapped cause, leaving only what a regular
// user may see.
func (e *ServiceError) Public() *ServiceError {
	return &ServiceError{Code: e.Code, Message: e.Message, HTTPStatus: e.HTTPStatus}
}

func newError(code Code, status int, message string) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: status}
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidTransition      = newError(CodeInvalidTransition, http.StatusConflict, "This action is not available right now")
	ErrClaimConflict          = newError(CodeClaimConflict, http.StatusConflict, "This moment has already been claimed")
	ErrContributorCapExceeded = newError(CodeContributorCapExceeded, http.StatusConflict, "This moment has reached its contributor limit")
	ErrSelfDealingRejected    = newError(CodeSelfDealingRejected, http.StatusUnprocessableEntity, "You cannot do this on your own moment or account")
	ErrInsufficientBalance    = newError(CodeInsufficientBalance, http.StatusPaymentRequired, "Insufficient balance")
	ErrEscrowAlreadyResolved  = newError(CodeEscrowAlreadyResolved, http.StatusOK, "Escrow already resolved")
	ErrUnauthorized           = newError(CodeUnauthorized, http.StatusForbidden, "You are not allowed to perform this action")
	ErrProviderSoftFailure    = newError(CodeProviderSoftFailure, http.StatusAccepted, "Provider unavailable")
	ErrUnauthenticated        = newError(CodeUnauthenticated, http.StatusUnauthorized, "Authentication required")
	ErrNotFound               = newError(CodeNotFound, http.StatusNotFound, "Not found")
	ErrInvalidInput           = newError(CodeInvalidInput, http.StatusBadRequest, "Invalid request")
	ErrRestricted             = newError(CodeRestricted, http.StatusForbidden, "Your account is restricted from this action")
	ErrWindowClosed           = newError(CodeWindowClosed, http.StatusConflict, "The time window for this action has closed")
	ErrRetryLimit             = newError(CodeRetryLimit, http.StatusConflict, "No attempts left for this action")
	ErrStaleState             = newError(CodeStaleState, http.StatusConflict, "State changed, refresh and try again")
	ErrRateLimited            = newError(CodeRateLimited, http.StatusTooManyRequests, "Too many requests")
	ErrInternal               = newError(CodeInternal, http.StatusInternalServerError, "Internal error")
)

// InvalidTransition reports a (state, event) pair missing from a transition table.
func InvalidTransition(entity, from, event string) *ServiceError {
	return ErrInvalidTransition.
		WithDetails("entity", entity).
		WithDetails("from", from).
		WithDetails("event", event)
}

// Unauthorized reports an actor whose role does not permit the action.
func Unauthorized(action string) *ServiceError {
	return ErrUnauthorized.WithDetails("action", action)
}

// Unauthenticated reports a missing or invalid credential.
func Unauthenticated(reason string) *ServiceError {
	return ErrUnauthenticated.WithDetails("reason", reason)
}

// InvalidToken wraps a token validation failure.
func InvalidToken(err error) *ServiceError {
	e := Unauthenticated("invalid token")
	e.Err = err
	return e
}

// NotFound reports a missing entity.
func NotFound(entity, id string) *ServiceError {
	return ErrNotFound.WithDetails("entity", entity).WithDetails("id", id)
}

// InvalidInput reports a malformed request field.
func InvalidInput(field, reason string) *ServiceError {
	e := ErrInvalidInput.WithDetails("field", field).WithDetails("reason", reason)
	e.Message = fmt.Sprintf("Invalid %s", field)
	return e
}

// InsufficientBalance reports a debit that would make a balance negative.
func InsufficientBalance(accountID string) *ServiceError {
	return ErrInsufficientBalance.WithDetails("account_id", accountID)
}

// RateLimitExceeded reports a throttled caller.
func RateLimitExceeded(limit int, window string) *ServiceError {
	return ErrRateLimited.WithDetails("limit", limit).WithDetails("window", window)
}

// Internal wraps an unexpected failure.
func Internal(message string, err error) *ServiceError {
	e := ErrInternal.WithDetails("reason", message)
	e.Err = err
	return e
}

// GetServiceError extracts a *ServiceError from an error chain.
func GetServiceError(err error) *ServiceError {
	if err == nil {
		return nil
	}
	var se *ServiceError
	if stderrors.As(err, &se) {
		return se
	}
	return nil
}

// From converts any error into a *ServiceError, wrapping unknown errors as
// INTERNAL.
func From(err error) *ServiceError {
	if se := GetServiceError(err); se != nil {
		return se
	}
	return Internal("unexpected error", err)
}

// Is is a convenience alias for the standard library function.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As is a convenience alias for the standard library function.
func As(err error, target any) bool { return stderrors.As(err, target) }

// New is a convenience alias for the standard library function.
func New(text string) error { return stderrors.New(text) }
