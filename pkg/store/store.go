// Package store holds the credential table shared by every connection.
//
// The table is loaded from a datastore.CredentialStore once at startup and
// kept in memory. Every mutation (registration, plaintext-to-hash upgrade)
// happens under one mutex and rewrites the full snapshot before the mutex is
// released, so concurrent mutations can never lose each other's updates.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/NicolasHaas/gochat/pkg/crypto"
	"github.com/NicolasHaas/gochat/pkg/datastore"
	"github.com/NicolasHaas/gochat/pkg/model"
)

var (
	ErrMissingCredentials = errors.New("store: missing username or password")
	ErrUserExists         = errors.New("store: username already exists")
	ErrInvalidCredentials = errors.New("store: invalid username or password")
)

// DefaultUsers are the accounts created on first run.
var DefaultUsers = map[string]string{
	"admin": "admin123",
	"user1": "pass1",
	"user2": "pass2",
}

// Options configures Open.
type Options struct {
	// Params is the Argon2id cost for new hashes (zero value = crypto.DefaultParams).
	Params crypto.Params

	// Seed replaces DefaultUsers on first run.
	Seed map[string]string
}

// Store is the in-memory credential table.
type Store struct {
	mu      sync.Mutex
	users   map[string]string // username -> hash (or legacy plaintext)
	backend datastore.CredentialStore
	params  crypto.Params
}

// Open loads the snapshot from backend. When the backend has never been
// written, the seed accounts are hashed and saved.
func Open(backend datastore.CredentialStore, opts Options) (*Store, error) {
	params := opts.Params
	if params == (crypto.Params{}) {
		params = crypto.DefaultParams
	}
	s := &Store{backend: backend, params: params}

	users, err := backend.Load()
	switch {
	case errors.Is(err, datastore.ErrNoSnapshot):
		seed := opts.Seed
		if seed == nil {
			seed = DefaultUsers
		}
		if users, err = s.hashAll(seed); err != nil {
			return nil, err
		}
		if err := backend.Save(users); err != nil {
			return nil, fmt.Errorf("store: save seed accounts: %w", err)
		}
		slog.Info("created default accounts", "count", len(users))
	case err != nil:
		return nil, fmt.Errorf("store: load credentials: %w", err)
	}

	if users == nil {
		users = map[string]string{}
	}
	s.users = users
	slog.Debug("credential table loaded", "users", len(users), "plaintext", s.countPlaintext())
	return s, nil
}

func (s *Store) hashAll(plain map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(plain))
	for username, password := range plain {
		hash, err := crypto.HashPassword(password, s.params)
		if err != nil {
			return nil, fmt.Errorf("store: hash seed account %q: %w", username, err)
		}
		out[username] = hash
	}
	return out, nil
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// Exists reports whether username is registered.
func (s *Store) Exists(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[username]
	return ok
}

// Len returns the number of registered users.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

// Users returns every account sorted by username.
func (s *Store) Users() []model.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]model.User, 0, len(s.users))
	for name, hash := range s.users {
		users = append(users, model.User{Username: name, PasswordHash: hash})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users
}

// Register creates a new account. The caller is expected to have trimmed the
// username.
func (s *Store) Register(username, password string) error {
	if username == "" || model.ValidatePassword(password) != nil {
		return ErrMissingCredentials
	}
	if err := model.ValidateUsername(username); err != nil {
		return fmt.Errorf("store: register: %w", err)
	}
	if s.Exists(username) {
		return ErrUserExists
	}

	// Hashing is slow; do it without holding the lock and re-check below.
	hash, err := crypto.HashPassword(password, s.params)
	if err != nil {
		return fmt.Errorf("store: register: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[username]; ok {
		return ErrUserExists
	}
	s.users[username] = hash
	if err := s.backend.Save(s.users); err != nil {
		delete(s.users, username)
		return fmt.Errorf("store: register: %w", err)
	}
	slog.Info("user registered", "user", username)
	return nil
}

// Verify checks a login. Legacy plaintext entries are accepted once and
// immediately replaced by a hash.
func (s *Store) Verify(username, password string) error {
	if username == "" || password == "" {
		return ErrInvalidCredentials
	}

	s.mu.Lock()
	stored, ok := s.users[username]
	s.mu.Unlock()
	if !ok {
		return ErrInvalidCredentials
	}

	if crypto.IsHashed(stored) {
		match, err := crypto.VerifyPassword(password, stored)
		if err != nil {
			slog.Error("unreadable password hash", "user", username, "err", err)
			return ErrInvalidCredentials
		}
		if !match {
			return ErrInvalidCredentials
		}
		return nil
	}

	if !crypto.EqualPlaintext(password, stored) {
		return ErrInvalidCredentials
	}
	if _, err := s.upgrade(username, stored, password); err != nil {
		// The login itself is valid; the entry stays plaintext until the
		// next successful login.
		slog.Warn("failed to upgrade plaintext credential", "user", username, "err", err)
	}
	return nil
}

// upgrade replaces a plaintext entry with its hash if the entry still holds
// the same plaintext. It returns false when another goroutine got there
// first, which makes it safe to call concurrently for the same user.
func (s *Store) upgrade(username, plaintext, password string) (bool, error) {
	hash, err := crypto.HashPassword(password, s.params)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users[username] != plaintext {
		return false, nil
	}
	s.users[username] = hash
	if err := s.backend.Save(s.users); err != nil {
		s.users[username] = plaintext
		return false, err
	}
	slog.Info("upgraded plaintext credential", "user", username)
	return true, nil
}

// MigrateAll hashes every remaining plaintext entry and returns how many
// were upgraded.
func (s *Store) MigrateAll() (int, error) {
	s.mu.Lock()
	pending := map[string]string{}
	for name, stored := range s.users {
		if !crypto.IsHashed(stored) {
			pending[name] = stored
		}
	}
	s.mu.Unlock()

	upgraded := 0
	for name, plaintext := range pending {
		done, err := s.upgrade(name, plaintext, plaintext)
		if err != nil {
			return upgraded, fmt.Errorf("store: migrate %q: %w", name, err)
		}
		if done {
			upgraded++
		}
	}
	return upgraded, nil
}

func (s *Store) countPlaintext() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, stored := range s.users {
		if !crypto.IsHashed(stored) {
			n++
		}
	}
	return n
}
