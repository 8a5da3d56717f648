package authz

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"oauth2c/webflow"
)

// RegistryConfig tunes registry-owned resources.
type RegistryConfig struct {
	// HTTPTimeout bounds token endpoint calls for every module.
	HTTPTimeout time.Duration
	// StatePath, when set, makes the registry durable: registered provider
	// configurations are written there and replayed by Restore.
	StatePath string
}

// Registry maps account ids to their authorization modules. It is the single
// shared structure of the package; construct one per application rather than
// relying on process-global state.
type Registry struct {
	cfg    RegistryConfig
	store  SessionStore
	broker webflow.Broker
	client *http.Client
	logger *slog.Logger

	mu      sync.RWMutex
	modules map[string]*Module
	configs []Config
}

// NewRegistry constructs an empty registry.
func NewRegistry(cfg RegistryConfig, store SessionStore, broker webflow.Broker, logger *slog.Logger) *Registry {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = DefaultHTTPTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:     cfg,
		store:   store,
		broker:  broker,
		client:  &http.Client{Timeout: cfg.HTTPTimeout},
		logger:  logger,
		modules: make(map[string]*Module),
	}
}

// Add registers an account and returns its module. Adding an account id twice
// returns the existing module without touching storage again.
func (r *Registry) Add(cfg Config) (*Module, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.modules[cfg.AccountID]; ok {
		return existing, nil
	}

	module, err := NewModule(cfg, r.store, r.broker, r.client, r.logger.With("account", cfg.AccountID))
	if err != nil {
		return nil, err
	}
	r.modules[cfg.AccountID] = module
	r.configs = append(r.configs, cfg)
	r.logger.Info("account registered", "account", cfg.AccountID, "kind", string(cfg.Kind))

	if r.cfg.StatePath != "" {
		if err := r.saveStateLocked(); err != nil {
			r.logger.Warn("persist account state failed", "error", err)
		}
	}
	return module, nil
}

// AddGoogle registers an account against Google's endpoints.
func (r *Registry) AddGoogle(clientID string, scopes []string, accountID, redirectURL string) (*Module, error) {
	return r.Add(GoogleConfig(clientID, scopes, accountID, redirectURL))
}

// AddKeycloak registers an account against a Keycloak realm.
func (r *Registry) AddKeycloak(clientID, host, realm, redirectURL string) (*Module, error) {
	return r.Add(KeycloakConfig(clientID, host, realm, redirectURL))
}

// AddFacebook registers an account against Facebook's endpoints.
func (r *Registry) AddFacebook(clientID, clientSecret string, scopes []string, accountID string) (*Module, error) {
	return r.Add(FacebookConfig(clientID, clientSecret, scopes, accountID))
}

// GetByName looks an account up by id.
func (r *Registry) GetByName(accountID string) (*Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	module, ok := r.modules[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrAccountNotFound, accountID)
	}
	return module, nil
}

// GetByClientID looks an account up by OAuth client id. Client ids are assumed
// unique across accounts; a second match is a caller error, not something to
// resolve silently.
func (r *Registry) GetByClientID(clientID string) (*Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var found *Module
	for _, module := range r.modules {
		if module.Config().ClientID != clientID {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("%w: %q", ErrAmbiguousClientID, clientID)
		}
		found = module
	}
	if found == nil {
		return nil, fmt.Errorf("%w: client id %q", ErrAccountNotFound, clientID)
	}
	return found, nil
}

// AccountIDs lists the registered account ids.
func (r *Registry) AccountIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.modules))
	for id := range r.modules {
		ids = append(ids, id)
	}
	return ids
}

// CompleteAuthorization dispatches a redirect result to the module the
// correlation id names. Brokers call this; it implements webflow.Completer.
func (r *Registry) CompleteAuthorization(ctx context.Context, correlationID string, result webflow.RedirectResult) (string, error) {
	module, err := r.GetByName(correlationID)
	if err != nil {
		return "", err
	}
	return module.CompleteAuthorization(ctx, result)
}

// SaveState writes the registered provider configurations to StatePath.
func (r *Registry) SaveState() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.saveStateLocked()
}

func (r *Registry) saveStateLocked() error {
	if r.cfg.StatePath == "" {
		return fmt.Errorf("authz: registry has no state path configured")
	}
	data, err := yaml.Marshal(r.configs)
	if err != nil {
		return fmt.Errorf("marshal account state: %w", err)
	}
	tmp := r.cfg.StatePath + ".tmp"
	if err := os.MkdirAll(filepath.Dir(r.cfg.StatePath), 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write account state: %w", err)
	}
	if err := os.Rename(tmp, r.cfg.StatePath); err != nil {
		return fmt.Errorf("write account state: %w", err)
	}
	return nil
}

// Restore replays Add for every configuration persisted at StatePath,
// reconstructing one module per stored account. A missing state file is not an
// error; the registry simply starts empty.
func (r *Registry) Restore() error {
	if r.cfg.StatePath == "" {
		return nil
	}
	data, err := os.ReadFile(r.cfg.StatePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read account state: %w", err)
	}

	var configs []Config
	if err := yaml.Unmarshal(data, &configs); err != nil {
		return fmt.Errorf("parse account state: %w", err)
	}
	for _, cfg := range configs {
		if _, err := r.Add(cfg); err != nil {
			return fmt.Errorf("restore account %q: %w", cfg.AccountID, err)
		}
	}
	return nil
}
