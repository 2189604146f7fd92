package sessionkit

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrValidation indicates malformed caller input rejected before any network call.
	ErrValidation = errors.New("session.validation")
	// ErrNoRefreshCredential indicates a refresh was needed but no refresh token is stored.
	ErrNoRefreshCredential = errors.New("session.refresh.no_refresh_token")
	// ErrSessionCleared indicates the session was cleared while the caller waited.
	ErrSessionCleared = errors.New("session.cleared")
	// ErrRefreshRejected indicates the server refused the refresh credential.
	ErrRefreshRejected = errors.New("session.refresh.rejected")
	// ErrMissingAccessToken indicates a success response without an access token.
	ErrMissingAccessToken = errors.New("session.response.missing_access_token")
)

func validationError(field string) error {
	return fmt.Errorf("%w: missing_%s", ErrValidation, field)
}

// NetworkError wraps connectivity and timeout failures. Callers may retry.
type NetworkError struct {
	Op  string
	Err error
}

func (err *NetworkError) Error() string {
	return fmt.Sprintf("session.network.%s: %v", err.Op, err.Err)
}

func (err *NetworkError) Unwrap() error {
	return err.Err
}

// RefreshError reports a refresh that ended the session.
type RefreshError struct {
	Reason Reason
	Err    error
}

func (err *RefreshError) Error() string {
	return fmt.Sprintf("session.refresh.%s: %v", err.Reason, err.Err)
}

func (err *RefreshError) Unwrap() error {
	return err.Err
}

// RateLimitError reports a server-imposed cool-down.
type RateLimitError struct {
	RetryAfter time.Duration
	Message    string
}

func (err *RateLimitError) Error() string {
	return fmt.Sprintf("session.rate_limited: retry after %s", err.RetryAfter)
}

// APIError reports any other non-success response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (err *APIError) Error() string {
	switch {
	case err.Code != "" && err.Message != "":
		return fmt.Sprintf("session.api.%d: %s: %s", err.StatusCode, err.Code, err.Message)
	case err.Code != "":
		return fmt.Sprintf("session.api.%d: %s", err.StatusCode, err.Code)
	case err.Message != "":
		return fmt.Sprintf("session.api.%d: %s", err.StatusCode, err.Message)
	default:
		return fmt.Sprintf("session.api.%d: %s", err.StatusCode, http.StatusText(err.StatusCode))
	}
}

// Unauthorized reports whether the error is an authorization failure that survived the
// one-shot refresh.
func (err *APIError) Unauthorized() bool {
	return err.StatusCode == http.StatusUnauthorized
}
