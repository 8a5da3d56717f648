package authz

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// Kind selects the token-response parsing strategy for a provider. The set is
// closed: every Kind is matched exhaustively in parseTokenResponse.
type Kind string

const (
	KindGeneric  Kind = "generic"
	KindGoogle   Kind = "google"
	KindKeycloak Kind = "keycloak"
	KindFacebook Kind = "facebook"
)

// Config is the immutable description of one account's OAuth2 provider.
// Endpoints may be paths relative to BaseURL or absolute URLs.
type Config struct {
	Kind Kind `json:"kind" yaml:"kind"`

	BaseURL              string `json:"baseURL" yaml:"base_url"`
	AuthzEndpoint        string `json:"authzEndpoint" yaml:"authz_endpoint"`
	AccessTokenEndpoint  string `json:"accessTokenEndpoint" yaml:"access_token_endpoint"`
	RefreshTokenEndpoint string `json:"refreshTokenEndpoint,omitempty" yaml:"refresh_token_endpoint,omitempty"`
	RevokeTokenEndpoint  string `json:"revokeTokenEndpoint,omitempty" yaml:"revoke_token_endpoint,omitempty"`

	RedirectURL  string   `json:"redirectURL" yaml:"redirect_url"`
	ClientID     string   `json:"clientId" yaml:"client_id"`
	ClientSecret string   `json:"clientSecret,omitempty" yaml:"client_secret,omitempty"`
	Scopes       []string `json:"scopes,omitempty" yaml:"scopes,omitempty"`
	AccountID    string   `json:"accountId" yaml:"account_id"`
}

func (c Config) withDefaults() Config {
	if c.Kind == "" {
		c.Kind = KindGeneric
	}
	if c.AccountID == "" {
		c.AccountID = c.ClientID
	}
	return c
}

func (c Config) validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("authz: config for account %q: client id required", c.AccountID)
	}
	if c.AuthzEndpoint == "" || c.AccessTokenEndpoint == "" {
		return fmt.Errorf("authz: config for account %q: authorization and access token endpoints required", c.AccountID)
	}
	switch c.Kind {
	case KindGeneric, KindGoogle, KindKeycloak, KindFacebook:
	default:
		return fmt.Errorf("authz: config for account %q: unknown kind %q", c.AccountID, c.Kind)
	}
	return nil
}

// endpointURL resolves an endpoint against BaseURL. Absolute endpoints pass
// through untouched (Facebook configures absolute URLs with an empty BaseURL).
func (c Config) endpointURL(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	return c.BaseURL + endpoint
}

func (c Config) refreshEndpointURL() string {
	if c.RefreshTokenEndpoint != "" {
		return c.endpointURL(c.RefreshTokenEndpoint)
	}
	return c.endpointURL(c.AccessTokenEndpoint)
}

// authorizationURL builds the user-facing authorization request. Scopes are
// space-joined and encoded by url.Values, which yields the `+`-joined,
// percent-encoded query value providers expect.
func (c Config) authorizationURL(state string) string {
	oc := oauth2.Config{
		ClientID:    c.ClientID,
		RedirectURL: c.RedirectURL,
		Scopes:      c.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL: c.endpointURL(c.AuthzEndpoint),
		},
	}
	return oc.AuthCodeURL(state)
}

// GoogleConfig presets Google's OAuth2 endpoints.
func GoogleConfig(clientID string, scopes []string, accountID, redirectURL string) Config {
	return Config{
		Kind:                 KindGoogle,
		BaseURL:              "https://accounts.google.com/",
		AuthzEndpoint:        "o/oauth2/auth",
		AccessTokenEndpoint:  "o/oauth2/token",
		RefreshTokenEndpoint: "o/oauth2/token",
		RevokeTokenEndpoint:  "rest/revoke",
		RedirectURL:          redirectURL,
		ClientID:             clientID,
		Scopes:               scopes,
		AccountID:            accountID,
	}.withDefaults()
}

// KeycloakConfig presets a Keycloak realm's endpoints. An empty realm defaults
// to "{clientId}-realm"; the account id defaults to the client id.
func KeycloakConfig(clientID, host, realm, redirectURL string) Config {
	if realm == "" {
		realm = clientID + "-realm"
	}
	return Config{
		Kind:                 KindKeycloak,
		BaseURL:              strings.TrimSuffix(host, "/") + "/auth/",
		AuthzEndpoint:        fmt.Sprintf("realms/%s/tokens/login", realm),
		AccessTokenEndpoint:  fmt.Sprintf("realms/%s/tokens/access/codes", realm),
		RefreshTokenEndpoint: fmt.Sprintf("realms/%s/tokens/refresh", realm),
		RevokeTokenEndpoint:  fmt.Sprintf("realms/%s/tokens/logout", realm),
		RedirectURL:          redirectURL,
		ClientID:             clientID,
		AccountID:            clientID,
	}.withDefaults()
}

// FacebookConfig presets Facebook's OAuth2 endpoints. Facebook requires the
// client secret on token exchange and answers with a query-string body.
func FacebookConfig(clientID, clientSecret string, scopes []string, accountID string) Config {
	return Config{
		Kind:                 KindFacebook,
		AuthzEndpoint:        "https://www.facebook.com/dialog/oauth",
		AccessTokenEndpoint:  "https://graph.facebook.com/oauth/access_token",
		RefreshTokenEndpoint: "https://graph.facebook.com/oauth/access_token",
		RevokeTokenEndpoint:  "https://www.facebook.com/me/permissions",
		RedirectURL:          "fb" + clientID + "://authorize/",
		ClientID:             clientID,
		ClientSecret:         clientSecret,
		Scopes:               scopes,
		AccountID:            accountID,
	}.withDefaults()
}

// DiscoverConfig fills a generic Config from the issuer's OIDC discovery
// document. The revocation endpoint is picked up when the issuer publishes one.
func DiscoverConfig(ctx context.Context, issuer, clientID, clientSecret, redirectURL string, scopes []string, accountID string) (Config, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return Config{}, fmt.Errorf("discover issuer %s: %w", issuer, err)
	}

	var extra struct {
		RevocationEndpoint string `json:"revocation_endpoint"`
	}
	if err := provider.Claims(&extra); err != nil {
		return Config{}, fmt.Errorf("discover issuer %s: parse metadata: %w", issuer, err)
	}

	endpoint := provider.Endpoint()
	return Config{
		Kind:                 KindGeneric,
		AuthzEndpoint:        endpoint.AuthURL,
		AccessTokenEndpoint:  endpoint.TokenURL,
		RefreshTokenEndpoint: endpoint.TokenURL,
		RevokeTokenEndpoint:  extra.RevocationEndpoint,
		RedirectURL:          redirectURL,
		ClientID:             clientID,
		ClientSecret:         clientSecret,
		Scopes:               scopes,
		AccountID:            accountID,
	}.withDefaults(), nil
}
