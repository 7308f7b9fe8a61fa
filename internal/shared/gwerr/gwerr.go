// Package gwerr defines the gateway's error taxonomy and its mapping to HTTP
// status codes.
package gwerr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnauthorized means the API key is missing or unknown.
	ErrUnauthorized = errors.New("invalid or missing API key")
	// ErrRateLimited means the account exceeded its request quota.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrInsufficientFunds means the wallet cannot cover the request cost.
	ErrInsufficientFunds = errors.New("insufficient balance")
	// ErrInvalidModel means the requested model has no deployment target.
	ErrInvalidModel = errors.New("unsupported model")
	// ErrProviderUnavailable means the upstream could not be reached in time.
	ErrProviderUnavailable = errors.New("upstream provider unavailable")
)

// ProviderError is a structured error returned by the upstream provider.
type ProviderError struct {
	Status  int
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error (status %d): %s", e.Status, e.Message)
}

// HTTPStatus maps a gateway error to the status code returned to the caller.
// Provider errors keep the upstream status when it is a valid HTTP code.
func HTTPStatus(err error) int {
	var pe *ProviderError
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrInvalidModel):
		return http.StatusBadRequest
	case errors.Is(err, ErrProviderUnavailable):
		return http.StatusBadGateway
	case errors.As(err, &pe):
		if pe.Status >= 400 && pe.Status < 600 {
			return pe.Status
		}
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
