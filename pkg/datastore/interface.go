// Package datastore persists credential snapshots.
//
// A snapshot is the complete username -> password hash table. Backends never
// apply incremental changes: every Save replaces the previous snapshot
// wholesale.
package datastore

import "errors"

// ErrNoSnapshot is returned by Load when nothing has been persisted yet
// (first run).
var ErrNoSnapshot = errors.New("datastore: no credential snapshot")

// CredentialStore defines the persistence interface for the credential table.
// Implementations include the JSON file store, the SQLite store and an
// in-memory store for tests.
type CredentialStore interface {
	// Load returns the last saved snapshot or ErrNoSnapshot.
	Load() (map[string]string, error)

	// Save replaces the persisted snapshot with users.
	Save(users map[string]string) error

	// Close releases the underlying storage.
	Close() error
}

// Compile-time checks.
var (
	_ CredentialStore = (*FileStore)(nil)
	_ CredentialStore = (*SQLiteStore)(nil)
	_ CredentialStore = (*MemoryStore)(nil)
)

func copyUsers(users map[string]string) map[string]string {
	out := make(map[string]string, len(users))
	for k, v := range users {
		out[k] = v
	}
	return out
}
