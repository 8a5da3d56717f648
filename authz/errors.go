package authz

import (
	"errors"
	"fmt"
)

// Sentinel errors for the authorization flows. Callers are expected to branch
// with errors.Is; none of these are retried internally.
var (
	ErrAuthorizationCancelled   = errors.New("authz: user cancelled the authorization")
	ErrAuthorizationDenied      = errors.New("authz: authorization denied")
	ErrAuthorizationInFlight    = errors.New("authz: an authorization is already in flight for this account")
	ErrMissingAuthorizationCode = errors.New("authz: no code parameter found in redirect")

	ErrTokenExchangeFailed = errors.New("authz: token exchange failed")
	ErrTokenRefreshFailed  = errors.New("authz: token refresh failed")
	ErrInvalidRefreshToken = errors.New("authz: refresh token is not a decodable JWT")
	ErrNetworkTimeout      = errors.New("authz: token endpoint request timed out")
	ErrRevokeNotSupported  = errors.New("authz: provider has no revoke endpoint configured")

	ErrAccountNotFound   = errors.New("authz: account not found")
	ErrAmbiguousClientID = errors.New("authz: more than one account registered for client id")

	// ErrStoreNotFound is recoverable: a module substitutes an empty session.
	ErrStoreNotFound = errors.New("authz: no stored session for account")
	ErrStoreCorrupt  = errors.New("authz: stored session is corrupt")
)

// DeniedError carries the provider-reported denial reason so embedding
// applications can show something better than a generic failure.
type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("authz: authorization denied: %s", e.Reason)
}

func (e *DeniedError) Is(target error) bool {
	return target == ErrAuthorizationDenied
}

// ExchangeError reports a failed call to a token endpoint. Status is zero when
// the request never completed; Err holds the transport error in that case.
type ExchangeError struct {
	Endpoint string
	Status   int
	Err      error
	kind     error
}

func newExchangeError(kind error, endpoint string, status int, err error) *ExchangeError {
	return &ExchangeError{Endpoint: endpoint, Status: status, Err: err, kind: kind}
}

func (e *ExchangeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: POST %s: %v", e.kind, e.Endpoint, e.Err)
	}
	return fmt.Sprintf("%v: POST %s: status %d", e.kind, e.Endpoint, e.Status)
}

func (e *ExchangeError) Is(target error) bool {
	return target == e.kind
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}
