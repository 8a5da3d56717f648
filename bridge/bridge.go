// Package bridge exposes the account registry to an embedding application as
// a small JSON-over-HTTP command surface: add accounts, request access tokens,
// revoke. It does no OAuth work of its own.
package bridge

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"oauth2c/authz"
)

// Bridge serves the command surface for one registry.
type Bridge struct {
	registry *authz.Registry
	logger   *slog.Logger
}

// New constructs a bridge.
func New(registry *authz.Registry, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{registry: registry, logger: logger}
}

// Routes constructs the HTTP router for the command surface.
func (b *Bridge) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/accounts", b.handleListAccounts)
	r.Post("/accounts", b.handleAdd)
	r.Post("/accounts/google", b.handleAddGoogle)
	r.Post("/accounts/keycloak", b.handleAddKeycloak)
	r.Post("/accounts/facebook", b.handleAddFacebook)
	r.Post("/accounts/{accountID}/access", b.handleRequestAccess)
	r.Post("/accounts/{accountID}/revoke", b.handleRevoke)

	return r
}

type accountResponse struct {
	AccountID string `json:"accountId"`
	ClientID  string `json:"clientId"`
	Kind      string `json:"kind"`
}

type accessResponse struct {
	AccessToken string `json:"access_token"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (b *Bridge) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, b.registry.AccountIDs())
}

func (b *Bridge) handleAdd(w http.ResponseWriter, r *http.Request) {
	var cfg authz.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	b.addAccount(w, cfg)
}

func (b *Bridge) handleAddGoogle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID    string   `json:"clientId"`
		Scopes      []string `json:"scopes"`
		AccountID   string   `json:"accountId"`
		RedirectURL string   `json:"redirectURL"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	b.addAccount(w, authz.GoogleConfig(req.ClientID, req.Scopes, req.AccountID, req.RedirectURL))
}

func (b *Bridge) handleAddKeycloak(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID    string `json:"clientId"`
		Host        string `json:"host"`
		Realm       string `json:"realm"`
		RedirectURL string `json:"redirectURL"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	b.addAccount(w, authz.KeycloakConfig(req.ClientID, req.Host, req.Realm, req.RedirectURL))
}

func (b *Bridge) handleAddFacebook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID     string   `json:"clientId"`
		ClientSecret string   `json:"clientSecret"`
		Scopes       []string `json:"scopes"`
		AccountID    string   `json:"accountId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	b.addAccount(w, authz.FacebookConfig(req.ClientID, req.ClientSecret, req.Scopes, req.AccountID))
}

func (b *Bridge) addAccount(w http.ResponseWriter, cfg authz.Config) {
	module, err := b.registry.Add(cfg)
	if err != nil {
		b.logger.Error("add account", "error", err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	added := module.Config()
	writeJSON(w, http.StatusOK, accountResponse{
		AccountID: added.AccountID,
		ClientID:  added.ClientID,
		Kind:      string(added.Kind),
	})
}

func (b *Bridge) handleRequestAccess(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	module, err := b.registry.GetByName(accountID)
	if err != nil {
		writeError(w, err)
		return
	}

	token, err := module.RequestAccess(r.Context())
	if err != nil {
		b.logger.Warn("request access failed", "account", accountID, "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accessResponse{AccessToken: token})
}

func (b *Bridge) handleRevoke(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	module, err := b.registry.GetByName(accountID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := module.Revoke(r.Context()); err != nil {
		b.logger.Warn("revoke failed", "account", accountID, "error", err)
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeError maps the authz error taxonomy onto HTTP statuses so embedding
// applications can distinguish cancellation from real failures.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, authz.ErrAccountNotFound):
		status = http.StatusNotFound
	case errors.Is(err, authz.ErrAmbiguousClientID):
		status = http.StatusConflict
	case errors.Is(err, authz.ErrAuthorizationInFlight):
		status = http.StatusConflict
	case errors.Is(err, authz.ErrAuthorizationCancelled),
		errors.Is(err, authz.ErrAuthorizationDenied):
		status = http.StatusUnauthorized
	case errors.Is(err, authz.ErrMissingAuthorizationCode),
		errors.Is(err, authz.ErrInvalidRefreshToken),
		errors.Is(err, authz.ErrRevokeNotSupported):
		status = http.StatusBadRequest
	case errors.Is(err, authz.ErrNetworkTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, authz.ErrTokenExchangeFailed),
		errors.Is(err, authz.ErrTokenRefreshFailed):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
