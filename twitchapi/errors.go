package twitchapi

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthExpired marks a Helix 401. Call absorbs the first one by refreshing.
	ErrAuthExpired = errors.New("twitchapi: access token rejected")
	// ErrCredentialExpired matches any *CredentialExpiredError.
	ErrCredentialExpired = errors.New("twitchapi: credential expired")
)

// CredentialExpiredError reports a refresh that could not produce a new token.
type CredentialExpiredError struct {
	TenantID string
	// Rejected is true when the identity provider refused the refresh token,
	// false when the refresh failed for transport reasons.
	Rejected bool
	Err      error
}

func (e *CredentialExpiredError) Error() string {
	if e.Rejected {
		return fmt.Sprintf("credential for tenant %s rejected: %v", e.TenantID, e.Err)
	}
	return fmt.Sprintf("refresh for tenant %s failed: %v", e.TenantID, e.Err)
}

func (e *CredentialExpiredError) Unwrap() error { return e.Err }

func (e *CredentialExpiredError) Is(target error) bool { return target == ErrCredentialExpired }

// UpstreamError is a non-2xx, non-401 Helix response.
type UpstreamError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("helix %s: status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// Temporary reports whether the failure is worth retrying later (rate limit or server error).
func (e *UpstreamError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}
