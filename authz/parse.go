package authz

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenResponse matches the JSON token endpoint payload used by generic,
// Google, and Keycloak providers.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// parseTokenResponse turns a token endpoint body into the replacement Session
// for prev. Expiry timestamps are absolute, computed against now. A response
// that omits refresh_token keeps prev's refresh token and its expiry.
func parseTokenResponse(kind Kind, body []byte, prev Session, now time.Time) (Session, error) {
	switch kind {
	case KindGeneric, KindGoogle:
		return parseJSONResponse(body, prev, now)
	case KindKeycloak:
		return parseKeycloakResponse(body, prev, now)
	case KindFacebook:
		return parseFacebookResponse(body, prev, now)
	default:
		return Session{}, fmt.Errorf("authz: no parser for provider kind %q", kind)
	}
}

func parseJSONResponse(body []byte, prev Session, now time.Time) (Session, error) {
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return Session{}, fmt.Errorf("parse token response: %w", err)
	}
	return sessionFromResponse(tr, prev, now), nil
}

func parseKeycloakResponse(body []byte, prev Session, now time.Time) (Session, error) {
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return Session{}, fmt.Errorf("parse token response: %w", err)
	}
	next := sessionFromResponse(tr, prev, now)

	// Keycloak embeds the refresh lifetime in the token itself as exp/iat
	// claims. Only a freshly issued token needs decoding; a carried-over one
	// keeps the expiry computed when it was issued.
	if tr.RefreshToken != "" {
		ttl, err := refreshTokenLifetime(tr.RefreshToken)
		if err != nil {
			return Session{}, err
		}
		next.RefreshTokenExpiresAt = now.Add(ttl)
	}
	return next, nil
}

func parseFacebookResponse(body []byte, prev Session, now time.Time) (Session, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return Session{}, fmt.Errorf("parse token response: %w", err)
	}
	accessToken := values.Get("access_token")
	if accessToken == "" {
		return Session{}, fmt.Errorf("parse token response: no access_token in body")
	}

	next := Session{
		AccountID:             prev.AccountID,
		AccessToken:           accessToken,
		RefreshToken:          prev.RefreshToken,
		RefreshTokenExpiresAt: prev.RefreshTokenExpiresAt,
	}
	if expires := values.Get("expires"); expires != "" {
		seconds, err := strconv.ParseInt(expires, 10, 64)
		if err != nil {
			return Session{}, fmt.Errorf("parse token response: expires %q: %w", expires, err)
		}
		next.AccessTokenExpiresAt = now.Add(time.Duration(seconds) * time.Second)
	}
	return next, nil
}

func sessionFromResponse(tr tokenResponse, prev Session, now time.Time) Session {
	next := Session{
		AccountID:   prev.AccountID,
		AccessToken: tr.AccessToken,
	}
	if tr.ExpiresIn > 0 {
		next.AccessTokenExpiresAt = now.Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	if tr.RefreshToken != "" {
		next.RefreshToken = tr.RefreshToken
	} else {
		next.RefreshToken = prev.RefreshToken
		next.RefreshTokenExpiresAt = prev.RefreshTokenExpiresAt
	}
	return next
}

// refreshTokenLifetime reads exp and iat from the refresh token's payload
// without verifying the signature; this module is not the token's audience.
func refreshTokenLifetime(token string) (time.Duration, error) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidRefreshToken, err)
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return 0, fmt.Errorf("%w: exp or iat claim missing", ErrInvalidRefreshToken)
	}
	return claims.ExpiresAt.Time.Sub(claims.IssuedAt.Time), nil
}
