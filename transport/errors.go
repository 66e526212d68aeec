package transport

import (
	stderrors "errors"
	"fmt"
)

// Every failure leaving this package wraps exactly one of these kinds,
// so callers can classify with errors.Is.
var (
	// ErrTransport covers network-level failures and responses that no
	// longer match the provider's documented flow (a missing Location
	// header or query parameter usually means the flow changed).
	ErrTransport = stderrors.New("transport failure")

	// ErrTimeout is a request that exceeded the configured budget.
	ErrTimeout = stderrors.New("request timed out")

	// ErrParse is an expected token, fragment or pattern missing from
	// an otherwise well-formed response.
	ErrParse = stderrors.New("expected value not found in response")

	// ErrSchoolNotFound is an empty or unusable tenant-search result.
	ErrSchoolNotFound = stderrors.New("school not found")

	// ErrDiscovery is a missing or malformed discovery document.
	ErrDiscovery = stderrors.New("discovery document missing api link")

	// ErrResolution is a missing link relation in an API body.
	ErrResolution = stderrors.New("link relation missing from response")
)

// APIError reports a non-success status from an authenticated data
// call, preserving the status code for the caller.
type APIError struct {
	StatusCode int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api request failed with status %d", e.StatusCode)
}
