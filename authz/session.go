package authz

import "time"

// Session holds the tokens issued for one account. It is a value: a successful
// exchange or refresh produces a whole new Session, never a field mutation.
// The JSON names are the persisted wire format.
type Session struct {
	AccountID             string    `json:"accountId"`
	AccessToken           string    `json:"access_token,omitempty"`
	AccessTokenExpiresAt  time.Time `json:"accessTokenExpirationDate,omitempty"`
	RefreshToken          string    `json:"refresh_token,omitempty"`
	RefreshTokenExpiresAt time.Time `json:"refreshTokenExpirationDate,omitempty"`
}

// AccessTokenValid reports whether the access token can still authorize calls.
// A session without an access token, or without a known expiry, counts as
// expired.
func (s Session) AccessTokenValid(now time.Time) bool {
	return s.AccessToken != "" && now.Before(s.AccessTokenExpiresAt)
}

// RefreshTokenValid reports whether a refresh may be attempted. Providers that
// never state a refresh expiry leave the timestamp zero; the token is then
// usable until the provider rejects it.
func (s Session) RefreshTokenValid(now time.Time) bool {
	if s.RefreshToken == "" {
		return false
	}
	return s.RefreshTokenExpiresAt.IsZero() || now.Before(s.RefreshTokenExpiresAt)
}
