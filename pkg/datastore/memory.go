package datastore

import "sync"

// MemoryStore provides an in-memory CredentialStore implementation for tests.
type MemoryStore struct {
	mu      sync.Mutex
	users   map[string]string
	saved   bool
	saves   int
	saveErr error
}

// NewMemory creates an empty MemoryStore (Load reports ErrNoSnapshot).
func NewMemory() *MemoryStore {
	return &MemoryStore{}
}

// NewMemoryWith creates a MemoryStore holding an existing snapshot.
func NewMemoryWith(users map[string]string) *MemoryStore {
	return &MemoryStore{users: copyUsers(users), saved: true}
}

func (m *MemoryStore) Load() (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.saved {
		return nil, ErrNoSnapshot
	}
	return copyUsers(m.users), nil
}

func (m *MemoryStore) Save(users map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.users = copyUsers(users)
	m.saved = true
	m.saves++
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

// Snapshot returns a copy of the last saved table.
func (m *MemoryStore) Snapshot() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyUsers(m.users)
}

// Saves returns how many successful Save calls were made.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// FailSaves makes every following Save return err (nil restores normal
// behavior).
func (m *MemoryStore) FailSaves(err error) {
	m.mu.Lock()
	m.saveErr = err
	m.mu.Unlock()
}
