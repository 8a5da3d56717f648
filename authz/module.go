package authz

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"oauth2c/webflow"
)

// DefaultHTTPTimeout bounds token endpoint calls when no client is supplied.
const DefaultHTTPTimeout = 30 * time.Second

// SessionStore persists one Session per account id. Load returns
// ErrStoreNotFound for an absent record and ErrStoreCorrupt for an unreadable
// one.
type SessionStore interface {
	Save(session Session) error
	Load(accountID string) (Session, error)
	Delete(accountID string) error
}

// Module drives the token lifecycle for a single account: it decides between
// returning a live access token, refreshing, or sending the user through the
// authorization-code flow via the webflow broker.
type Module struct {
	cfg    Config
	store  SessionStore
	broker webflow.Broker
	client *http.Client
	logger *slog.Logger

	mu       sync.Mutex
	session  Session
	inFlight bool
	pending  *pendingAuthorization
}

// pendingAuthorization matches an outstanding browser round to its eventual
// redirect. The result channel resumes the RequestAccess caller.
type pendingAuthorization struct {
	state  string
	result chan authorizationResult
}

type authorizationResult struct {
	token string
	err   error
}

// NewModule constructs a module and loads any prior session from the store.
// An absent record starts the account with an empty session; a corrupt one is
// an error the caller has to deal with.
func NewModule(cfg Config, store SessionStore, broker webflow.Broker, client *http.Client, logger *slog.Logger) (*Module, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}

	session, err := store.Load(cfg.AccountID)
	if errors.Is(err, ErrStoreNotFound) {
		session = Session{AccountID: cfg.AccountID}
	} else if err != nil {
		return nil, fmt.Errorf("load session for account %q: %w", cfg.AccountID, err)
	}
	session.AccountID = cfg.AccountID

	return &Module{
		cfg:     cfg,
		store:   store,
		broker:  broker,
		client:  client,
		logger:  logger,
		session: session,
	}, nil
}

// Config returns the provider configuration the module was built with.
func (m *Module) Config() Config {
	return m.cfg
}

// Session returns a copy of the current session.
func (m *Module) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// RequestAccess resolves to an access token. A valid token returns
// immediately; an expired one with a usable refresh token is refreshed;
// otherwise the broker opens the authorization UI and the call blocks until
// CompleteAuthorization resolves it or ctx ends. A second call while one is in
// flight for this account fails with ErrAuthorizationInFlight.
func (m *Module) RequestAccess(ctx context.Context) (string, error) {
	now := time.Now()

	m.mu.Lock()
	if m.session.AccessTokenValid(now) {
		token := m.session.AccessToken
		m.mu.Unlock()
		return token, nil
	}
	if m.inFlight {
		m.mu.Unlock()
		return "", ErrAuthorizationInFlight
	}
	m.inFlight = true

	if m.session.RefreshTokenValid(now) {
		prev := m.session
		m.mu.Unlock()

		next, err := m.refresh(ctx, prev)

		m.mu.Lock()
		m.inFlight = false
		if err == nil {
			m.session = next
		}
		m.mu.Unlock()
		if err != nil {
			// Falling back to a fresh authorization round is the caller's
			// decision, not ours: a transient network blip must not relaunch
			// a browser flow.
			return "", err
		}
		return next.AccessToken, nil
	}

	p := &pendingAuthorization{
		state:  uuid.NewString(),
		result: make(chan authorizationResult, 1),
	}
	m.pending = p
	m.mu.Unlock()

	req := webflow.Request{
		AuthorizationURL: m.cfg.authorizationURL(p.state),
		RedirectURL:      m.cfg.RedirectURL,
		CorrelationID:    m.cfg.AccountID,
		State:            p.state,
	}
	m.logger.Info("starting authorization code flow", "account", m.cfg.AccountID)
	if err := m.broker.Authorize(ctx, req); err != nil {
		m.abandon(p)
		return "", fmt.Errorf("open authorization ui: %w", err)
	}

	select {
	case res := <-p.result:
		return res.token, res.err
	case <-ctx.Done():
		m.abandon(p)
		return "", ctx.Err()
	}
}

// abandon clears a pending authorization unless CompleteAuthorization already
// claimed it.
func (m *Module) abandon(p *pendingAuthorization) {
	m.mu.Lock()
	if m.pending == p {
		m.pending = nil
		m.inFlight = false
	}
	m.mu.Unlock()
}

// CompleteAuthorization consumes the redirect delivered by the broker,
// exchanges the code, persists the new session, and resumes the RequestAccess
// caller if one is still waiting. It also works with no waiter, so a redirect
// arriving after a process restart still lands the session in the store.
func (m *Module) CompleteAuthorization(ctx context.Context, result webflow.RedirectResult) (string, error) {
	m.mu.Lock()
	p := m.pending
	m.pending = nil
	m.mu.Unlock()

	token, err := m.finishAuthorization(ctx, p, result)

	if p != nil {
		m.mu.Lock()
		m.inFlight = false
		m.mu.Unlock()
		p.result <- authorizationResult{token: token, err: err}
	}
	return token, err
}

func (m *Module) finishAuthorization(ctx context.Context, p *pendingAuthorization, result webflow.RedirectResult) (string, error) {
	if result.Cancelled {
		return "", ErrAuthorizationCancelled
	}
	if result.ErrorDetail != "" {
		return "", &DeniedError{Reason: result.ErrorDetail}
	}

	u, err := url.Parse(result.ResponseURL)
	if err != nil {
		return "", fmt.Errorf("parse redirect url: %w", err)
	}
	query := u.Query()
	if code := query.Get("error"); code != "" {
		reason := query.Get("error_description")
		if reason == "" {
			reason = code
		}
		return "", &DeniedError{Reason: reason}
	}
	// State can only be checked while the originating request is live; after a
	// restart there is nothing to compare against.
	if p != nil && query.Get("state") != p.state {
		return "", &DeniedError{Reason: "state mismatch"}
	}
	code := query.Get("code")
	if code == "" {
		return "", ErrMissingAuthorizationCode
	}
	return m.exchange(ctx, code)
}

// exchange swaps an authorization code for a session.
func (m *Module) exchange(ctx context.Context, code string) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", m.cfg.ClientID)
	form.Set("redirect_uri", m.cfg.RedirectURL)
	if m.cfg.ClientSecret != "" {
		form.Set("client_secret", m.cfg.ClientSecret)
	}

	endpoint := m.cfg.endpointURL(m.cfg.AccessTokenEndpoint)
	body, err := m.postForm(ctx, endpoint, form, ErrTokenExchangeFailed)
	if err != nil {
		return "", err
	}

	next, err := m.replaceSession(body)
	if err != nil {
		return "", err
	}
	m.logger.Info("authorization code exchanged", "account", m.cfg.AccountID)
	return next.AccessToken, nil
}

// refresh obtains a new access token with prev's refresh token. Persists and
// returns the replacement session; the caller installs it.
func (m *Module) refresh(ctx context.Context, prev Session) (Session, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", prev.RefreshToken)
	form.Set("client_id", m.cfg.ClientID)
	if m.cfg.ClientSecret != "" {
		form.Set("client_secret", m.cfg.ClientSecret)
	}

	body, err := m.postForm(ctx, m.cfg.refreshEndpointURL(), form, ErrTokenRefreshFailed)
	if err != nil {
		return Session{}, err
	}

	next, err := parseTokenResponse(m.cfg.Kind, body, prev, time.Now())
	if err != nil {
		return Session{}, err
	}
	next.AccountID = m.cfg.AccountID
	if err := m.store.Save(next); err != nil {
		return Session{}, fmt.Errorf("persist session for account %q: %w", m.cfg.AccountID, err)
	}
	m.logger.Info("access token refreshed", "account", m.cfg.AccountID)
	return next, nil
}

// Revoke invalidates the tokens at the provider, clears the session, and
// deletes the stored record.
func (m *Module) Revoke(ctx context.Context) error {
	if m.cfg.RevokeTokenEndpoint == "" {
		return ErrRevokeNotSupported
	}

	m.mu.Lock()
	if m.inFlight {
		m.mu.Unlock()
		return ErrAuthorizationInFlight
	}
	m.inFlight = true
	session := m.session
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.inFlight = false
		m.mu.Unlock()
	}()

	token := session.RefreshToken
	if token == "" {
		token = session.AccessToken
	}
	form := url.Values{}
	form.Set("client_id", m.cfg.ClientID)
	form.Set("token", token)

	endpoint := m.cfg.endpointURL(m.cfg.RevokeTokenEndpoint)
	if _, err := m.postForm(ctx, endpoint, form, ErrTokenExchangeFailed); err != nil {
		return fmt.Errorf("revoke tokens: %w", err)
	}

	if err := m.store.Delete(m.cfg.AccountID); err != nil {
		return fmt.Errorf("delete stored session for account %q: %w", m.cfg.AccountID, err)
	}
	m.mu.Lock()
	m.session = Session{AccountID: m.cfg.AccountID}
	m.mu.Unlock()
	m.logger.Info("tokens revoked", "account", m.cfg.AccountID)
	return nil
}

// AuthorizationFields returns the header pair for outbound API requests, or
// ok=false when no unexpired access token exists.
func (m *Module) AuthorizationFields() (name, value string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.session.AccessTokenValid(time.Now()) {
		return "", "", false
	}
	return "Authorization", "Bearer " + m.session.AccessToken, true
}

// SetAuthorization attaches the bearer header to req when possible.
func (m *Module) SetAuthorization(req *http.Request) bool {
	name, value, ok := m.AuthorizationFields()
	if !ok {
		return false
	}
	req.Header.Set(name, value)
	return true
}

// replaceSession parses a token endpoint body against the current session,
// stamps the account id (provider responses never carry it), persists, and
// installs the replacement.
func (m *Module) replaceSession(body []byte) (Session, error) {
	m.mu.Lock()
	prev := m.session
	m.mu.Unlock()

	next, err := parseTokenResponse(m.cfg.Kind, body, prev, time.Now())
	if err != nil {
		return Session{}, err
	}
	next.AccountID = m.cfg.AccountID
	if err := m.store.Save(next); err != nil {
		return Session{}, fmt.Errorf("persist session for account %q: %w", m.cfg.AccountID, err)
	}

	m.mu.Lock()
	m.session = next
	m.mu.Unlock()
	return next, nil
}

// postForm runs one url-encoded POST against a token endpoint and returns the
// raw body. kind selects the error taxonomy entry for failures.
func (m *Module) postForm(ctx context.Context, endpoint string, form url.Values, kind error) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, newExchangeError(kind, endpoint, 0, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: POST %s: %v", ErrNetworkTimeout, endpoint, err)
		}
		return nil, newExchangeError(kind, endpoint, 0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newExchangeError(kind, endpoint, 0, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newExchangeError(kind, endpoint, resp.StatusCode, nil)
	}
	return body, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
