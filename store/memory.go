package store

import (
	"fmt"
	"sync"

	"oauth2c/authz"
)

// MemoryStore keeps sessions in a mutex-guarded map. Nothing survives the
// process; use FileStore for real deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]authz.Session
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]authz.Session)}
}

// Save stores or replaces the session for its account id.
func (ms *MemoryStore) Save(session authz.Session) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.sessions[session.AccountID] = session
	return nil
}

// Load retrieves the session for an account id.
func (ms *MemoryStore) Load(accountID string) (authz.Session, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	session, ok := ms.sessions[accountID]
	if !ok {
		return authz.Session{}, fmt.Errorf("%w: %q", authz.ErrStoreNotFound, accountID)
	}
	return session, nil
}

// Delete removes the session for an account id.
func (ms *MemoryStore) Delete(accountID string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.sessions, accountID)
	return nil
}
