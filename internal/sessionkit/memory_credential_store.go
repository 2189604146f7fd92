package sessionkit

import (
	"context"
	"sync"
)

// MemoryCredentialStore keeps the credential in process memory. Intended for tests and
// one-shot CLI runs.
type MemoryCredentialStore struct {
	mutex      sync.RWMutex
	credential Credential
}

// NewMemoryCredentialStore creates a store seeded with initial.
func NewMemoryCredentialStore(initial Credential) *MemoryCredentialStore {
	return &MemoryCredentialStore{credential: initial}
}

// Get returns a copy of the current credential.
func (store *MemoryCredentialStore) Get() Credential {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	return store.credential
}

// Set merges update into the stored credential.
func (store *MemoryCredentialStore) Set(ctx context.Context, update CredentialUpdate) (Credential, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.credential = update.apply(store.credential)
	return store.credential, nil
}

// Clear wipes every field.
func (store *MemoryCredentialStore) Clear(ctx context.Context) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.credential = Credential{}
	return nil
}
