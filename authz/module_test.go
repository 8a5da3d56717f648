package authz

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"oauth2c/webflow"
)

type memStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	loads    int
	saves    int
	deletes  int
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]Session)}
}

func (ms *memStore) Save(session Session) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.saves++
	ms.sessions[session.AccountID] = session
	return nil
}

func (ms *memStore) Load(accountID string) (Session, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.loads++
	session, ok := ms.sessions[accountID]
	if !ok {
		return Session{}, ErrStoreNotFound
	}
	return session, nil
}

func (ms *memStore) Delete(accountID string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.deletes++
	delete(ms.sessions, accountID)
	return nil
}

type fakeBroker struct {
	mu          sync.Mutex
	requests    []webflow.Request
	onAuthorize func(req webflow.Request)
}

func (fb *fakeBroker) Authorize(ctx context.Context, req webflow.Request) error {
	fb.mu.Lock()
	fb.requests = append(fb.requests, req)
	fb.mu.Unlock()
	if fb.onAuthorize != nil {
		fb.onAuthorize(req)
	}
	return nil
}

func (fb *fakeBroker) callCount() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return len(fb.requests)
}

// fakeProvider serves a token endpoint with a canned response.
type fakeProvider struct {
	srv      *httptest.Server
	mu       sync.Mutex
	hits     int
	lastForm url.Values
	status   int
	body     string
}

func newFakeProvider(t *testing.T, body string) *fakeProvider {
	t.Helper()
	fp := &fakeProvider{status: http.StatusOK, body: body}
	fp.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		fp.mu.Lock()
		fp.hits++
		fp.lastForm = r.PostForm
		status, payload := fp.status, fp.body
		fp.mu.Unlock()
		w.WriteHeader(status)
		fmt.Fprint(w, payload)
	}))
	t.Cleanup(fp.srv.Close)
	return fp
}

func (fp *fakeProvider) hitCount() int {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return fp.hits
}

func testConfig(fp *fakeProvider) Config {
	return Config{
		Kind:                KindGeneric,
		AuthzEndpoint:       fp.srv.URL + "/authorize",
		AccessTokenEndpoint: fp.srv.URL + "/token",
		RevokeTokenEndpoint: fp.srv.URL + "/revoke",
		RedirectURL:         "app://oauth2Callback",
		ClientID:            "client-1",
		Scopes:              []string{"openid", "profile"},
		AccountID:           "acct-1",
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestModule(t *testing.T, cfg Config, st SessionStore, broker webflow.Broker) *Module {
	t.Helper()
	m, err := NewModule(cfg, st, broker, nil, testLogger())
	if err != nil {
		t.Fatalf("NewModule: %v", err)
	}
	return m
}

func TestRequestAccessReturnsLiveTokenWithoutIO(t *testing.T) {
	fp := newFakeProvider(t, `{}`)
	st := newMemStore()
	st.sessions["acct-1"] = Session{
		AccountID:            "acct-1",
		AccessToken:          "live",
		AccessTokenExpiresAt: time.Now().Add(time.Hour),
	}
	broker := &fakeBroker{}
	m := newTestModule(t, testConfig(fp), st, broker)

	token, err := m.RequestAccess(context.Background())
	if err != nil {
		t.Fatalf("RequestAccess: %v", err)
	}
	if token != "live" {
		t.Fatalf("token = %q, want live", token)
	}
	if fp.hitCount() != 0 || broker.callCount() != 0 {
		t.Fatalf("expected no provider or broker calls, got %d/%d", fp.hitCount(), broker.callCount())
	}
}

func TestRequestAccessFreshAccountStartsAuthorization(t *testing.T) {
	fp := newFakeProvider(t, `{}`)
	st := newMemStore()
	broker := &fakeBroker{}

	ctx, cancel := context.WithCancel(context.Background())
	// The broker "opens" the UI; the user never comes back.
	broker.onAuthorize = func(webflow.Request) { cancel() }

	m := newTestModule(t, testConfig(fp), st, broker)
	_, err := m.RequestAccess(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if broker.callCount() != 1 {
		t.Fatalf("broker calls = %d, want 1", broker.callCount())
	}
	// A fresh account must go straight to authorization: no refresh POST.
	if fp.hitCount() != 0 {
		t.Fatalf("token endpoint hit %d times, want 0", fp.hitCount())
	}
	if st.saves != 0 {
		t.Fatalf("store writes = %d, want 0", st.saves)
	}
}

func TestRequestAccessAuthorizationRoundTrip(t *testing.T) {
	fp := newFakeProvider(t, `{"access_token":"fresh","expires_in":3600,"refresh_token":"rt"}`)
	st := newMemStore()
	broker := &fakeBroker{}
	var m *Module
	broker.onAuthorize = func(req webflow.Request) {
		// Simulate the user finishing the browser round.
		go m.CompleteAuthorization(context.Background(), webflow.RedirectResult{
			ResponseURL: req.RedirectURL + "?code=good&state=" + req.State,
		})
	}
	m = newTestModule(t, testConfig(fp), st, broker)

	token, err := m.RequestAccess(context.Background())
	if err != nil {
		t.Fatalf("RequestAccess: %v", err)
	}
	if token != "fresh" {
		t.Fatalf("token = %q, want fresh", token)
	}

	fp.mu.Lock()
	form := fp.lastForm
	fp.mu.Unlock()
	if form.Get("grant_type") != "authorization_code" || form.Get("code") != "good" {
		t.Fatalf("unexpected exchange form: %v", form)
	}
	if form.Get("redirect_uri") != "app://oauth2Callback" {
		t.Fatalf("redirect_uri = %q", form.Get("redirect_uri"))
	}

	stored, err := st.Load("acct-1")
	if err != nil {
		t.Fatalf("session not persisted: %v", err)
	}
	if stored.AccessToken != "fresh" || stored.AccountID != "acct-1" {
		t.Fatalf("persisted session = %+v", stored)
	}
}

func TestRequestAccessRefreshesExpiredToken(t *testing.T) {
	fp := newFakeProvider(t, `{"access_token":"renewed","expires_in":3600}`)
	st := newMemStore()
	st.sessions["acct-1"] = Session{
		AccountID:            "acct-1",
		AccessToken:          "stale",
		AccessTokenExpiresAt: time.Now().Add(-time.Minute),
		RefreshToken:         "refresh-me",
	}
	broker := &fakeBroker{}
	cfg := testConfig(fp)
	cfg.RefreshTokenEndpoint = fp.srv.URL + "/refresh"
	cfg.ClientSecret = "s3cret"
	m := newTestModule(t, cfg, st, broker)

	token, err := m.RequestAccess(context.Background())
	if err != nil {
		t.Fatalf("RequestAccess: %v", err)
	}
	if token != "renewed" {
		t.Fatalf("token = %q, want renewed", token)
	}
	if fp.hitCount() != 1 {
		t.Fatalf("refresh POSTs = %d, want exactly 1", fp.hitCount())
	}
	if broker.callCount() != 0 {
		t.Fatalf("broker invoked %d times during refresh", broker.callCount())
	}

	fp.mu.Lock()
	form := fp.lastForm
	fp.mu.Unlock()
	if form.Get("grant_type") != "refresh_token" || form.Get("refresh_token") != "refresh-me" {
		t.Fatalf("unexpected refresh form: %v", form)
	}
	if form.Get("client_secret") != "s3cret" {
		t.Fatalf("client_secret missing from refresh form")
	}

	stored, _ := st.Load("acct-1")
	if stored.RefreshToken != "refresh-me" {
		t.Fatalf("refresh token not carried over: %+v", stored)
	}
}

func TestRequestAccessRefreshFailureDoesNotReauthorize(t *testing.T) {
	fp := newFakeProvider(t, `{"error":"invalid_grant"}`)
	fp.status = http.StatusBadRequest
	st := newMemStore()
	st.sessions["acct-1"] = Session{
		AccountID:    "acct-1",
		RefreshToken: "refresh-me",
	}
	broker := &fakeBroker{}
	m := newTestModule(t, testConfig(fp), st, broker)

	_, err := m.RequestAccess(context.Background())
	if !errors.Is(err, ErrTokenRefreshFailed) {
		t.Fatalf("err = %v, want ErrTokenRefreshFailed", err)
	}
	if broker.callCount() != 0 {
		t.Fatal("refresh failure must not fall back to the authorization flow")
	}

	var exchangeErr *ExchangeError
	if !errors.As(err, &exchangeErr) {
		t.Fatalf("err %T does not carry exchange details", err)
	}
	if exchangeErr.Status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", exchangeErr.Status)
	}
}

func TestCompleteAuthorizationCancelled(t *testing.T) {
	fp := newFakeProvider(t, `{}`)
	st := newMemStore()
	m := newTestModule(t, testConfig(fp), st, &fakeBroker{})

	_, err := m.CompleteAuthorization(context.Background(), webflow.RedirectResult{Cancelled: true})
	if !errors.Is(err, ErrAuthorizationCancelled) {
		t.Fatalf("err = %v, want ErrAuthorizationCancelled", err)
	}
	if fp.hitCount() != 0 {
		t.Fatal("no exchange POST may be issued on cancellation")
	}
	if st.saves != 0 {
		t.Fatal("no session may be written on cancellation")
	}
}

func TestCompleteAuthorizationProviderDenied(t *testing.T) {
	fp := newFakeProvider(t, `{}`)
	m := newTestModule(t, testConfig(fp), newMemStore(), &fakeBroker{})

	_, err := m.CompleteAuthorization(context.Background(), webflow.RedirectResult{
		ResponseURL: "app://oauth2Callback?error=access_denied&error_description=user+said+no",
	})
	if !errors.Is(err, ErrAuthorizationDenied) {
		t.Fatalf("err = %v, want ErrAuthorizationDenied", err)
	}
	var denied *DeniedError
	if !errors.As(err, &denied) || denied.Reason != "user said no" {
		t.Fatalf("denial reason lost: %v", err)
	}
}

func TestCompleteAuthorizationMissingCode(t *testing.T) {
	fp := newFakeProvider(t, `{}`)
	m := newTestModule(t, testConfig(fp), newMemStore(), &fakeBroker{})

	_, err := m.CompleteAuthorization(context.Background(), webflow.RedirectResult{
		ResponseURL: "app://oauth2Callback?foo=bar",
	})
	if !errors.Is(err, ErrMissingAuthorizationCode) {
		t.Fatalf("err = %v, want ErrMissingAuthorizationCode", err)
	}
}

func TestCompleteAuthorizationStateMismatch(t *testing.T) {
	fp := newFakeProvider(t, `{"access_token":"x","expires_in":60}`)
	st := newMemStore()
	broker := &fakeBroker{}
	var m *Module
	broker.onAuthorize = func(req webflow.Request) {
		go m.CompleteAuthorization(context.Background(), webflow.RedirectResult{
			ResponseURL: req.RedirectURL + "?code=good&state=forged",
		})
	}
	m = newTestModule(t, testConfig(fp), st, broker)

	_, err := m.RequestAccess(context.Background())
	if !errors.Is(err, ErrAuthorizationDenied) {
		t.Fatalf("err = %v, want ErrAuthorizationDenied", err)
	}
	if fp.hitCount() != 0 {
		t.Fatal("forged state must not reach the token endpoint")
	}
}

func TestRequestAccessRejectsConcurrentCall(t *testing.T) {
	fp := newFakeProvider(t, `{}`)
	st := newMemStore()
	broker := &fakeBroker{}
	started := make(chan struct{})
	release := make(chan struct{})
	broker.onAuthorize = func(webflow.Request) {
		close(started)
		<-release
	}
	m := newTestModule(t, testConfig(fp), st, broker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := m.RequestAccess(ctx)
		done <- err
	}()

	<-started
	if _, err := m.RequestAccess(context.Background()); !errors.Is(err, ErrAuthorizationInFlight) {
		t.Fatalf("second call err = %v, want ErrAuthorizationInFlight", err)
	}

	close(release)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("first call err = %v, want context.Canceled", err)
	}
}

func TestAuthorizationFields(t *testing.T) {
	fp := newFakeProvider(t, `{}`)
	st := newMemStore()
	st.sessions["acct-1"] = Session{
		AccountID:            "acct-1",
		AccessToken:          "bearer-me",
		AccessTokenExpiresAt: time.Now().Add(time.Hour),
	}
	m := newTestModule(t, testConfig(fp), st, &fakeBroker{})

	name, value, ok := m.AuthorizationFields()
	if !ok || name != "Authorization" || value != "Bearer bearer-me" {
		t.Fatalf("AuthorizationFields = %q %q %v", name, value, ok)
	}

	req := httptest.NewRequest(http.MethodGet, "http://api.example/things", nil)
	if !m.SetAuthorization(req) {
		t.Fatal("SetAuthorization returned false")
	}
	if got := req.Header.Get("Authorization"); got != "Bearer bearer-me" {
		t.Fatalf("header = %q", got)
	}
}

func TestAuthorizationFieldsExpired(t *testing.T) {
	fp := newFakeProvider(t, `{}`)
	st := newMemStore()
	st.sessions["acct-1"] = Session{
		AccountID:            "acct-1",
		AccessToken:          "stale",
		AccessTokenExpiresAt: time.Now().Add(-time.Minute),
	}
	m := newTestModule(t, testConfig(fp), st, &fakeBroker{})

	if _, _, ok := m.AuthorizationFields(); ok {
		t.Fatal("expected no authorization fields for an expired token")
	}
}

func TestRevokeClearsSession(t *testing.T) {
	fp := newFakeProvider(t, `{}`)
	st := newMemStore()
	st.sessions["acct-1"] = Session{
		AccountID:            "acct-1",
		AccessToken:          "tok",
		AccessTokenExpiresAt: time.Now().Add(time.Hour),
		RefreshToken:         "ref",
	}
	m := newTestModule(t, testConfig(fp), st, &fakeBroker{})

	if err := m.Revoke(context.Background()); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if fp.hitCount() != 1 {
		t.Fatalf("revoke POSTs = %d, want 1", fp.hitCount())
	}
	if _, err := st.Load("acct-1"); !errors.Is(err, ErrStoreNotFound) {
		t.Fatalf("stored session survived revoke: %v", err)
	}
	if _, _, ok := m.AuthorizationFields(); ok {
		t.Fatal("module still authorizes after revoke")
	}

	fp.mu.Lock()
	form := fp.lastForm
	fp.mu.Unlock()
	if form.Get("token") != "ref" {
		t.Fatalf("revoked token = %q, want the refresh token", form.Get("token"))
	}
}

func TestRevokeWithoutEndpoint(t *testing.T) {
	fp := newFakeProvider(t, `{}`)
	cfg := testConfig(fp)
	cfg.RevokeTokenEndpoint = ""
	m := newTestModule(t, cfg, newMemStore(), &fakeBroker{})

	if err := m.Revoke(context.Background()); !errors.Is(err, ErrRevokeNotSupported) {
		t.Fatalf("err = %v, want ErrRevokeNotSupported", err)
	}
}

func TestRequestAccessNetworkTimeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	t.Cleanup(slow.Close)

	st := newMemStore()
	st.sessions["acct-1"] = Session{AccountID: "acct-1", RefreshToken: "ref"}
	cfg := Config{
		Kind:                KindGeneric,
		AuthzEndpoint:       slow.URL + "/authorize",
		AccessTokenEndpoint: slow.URL + "/token",
		RedirectURL:         "app://oauth2Callback",
		ClientID:            "client-1",
		AccountID:           "acct-1",
	}
	client := &http.Client{Timeout: 50 * time.Millisecond}
	m, err := NewModule(cfg, st, &fakeBroker{}, client, testLogger())
	if err != nil {
		t.Fatalf("NewModule: %v", err)
	}

	_, err = m.RequestAccess(context.Background())
	if !errors.Is(err, ErrNetworkTimeout) {
		t.Fatalf("err = %v, want ErrNetworkTimeout", err)
	}
}
