package calendar

import (
	"errors"
	"fmt"
)

// ErrNoCredentials is returned when no credential strategy can be built from configuration.
var ErrNoCredentials = errors.New("calendar: no credential strategy configured")

// CredentialError reports a failure to obtain a bearer token for the calendar API.
type CredentialError struct {
	Err error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("calendar: credential acquisition failed: %v", e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// APIError reports a failed calendar API call made with a valid credential.
// StatusCode is zero when the request never produced a response.
type APIError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("calendar: request failed: %v", e.Err)
	}
	return fmt.Sprintf("calendar: api returned status %d: %s", e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error { return e.Err }

// IsCredentialError reports whether err is (or wraps) a CredentialError.
func IsCredentialError(err error) bool {
	var ce *CredentialError
	return errors.As(err, &ce)
}

// IsAPIError reports whether err is (or wraps) an APIError.
func IsAPIError(err error) bool {
	var ae *APIError
	return errors.As(err, &ae)
}
