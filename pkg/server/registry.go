package server

import (
	"errors"
	"sort"
	"sync"
)

var (
	// ErrAlreadyLoggedIn is returned when the username is bound to another connection.
	ErrAlreadyLoggedIn = errors.New("server: already logged in")
	// ErrConnBound is returned when the connection already carries a different session.
	ErrConnBound = errors.New("server: connection already has a session")
)

// Registry maps live connections to authenticated usernames in both
// directions. At most one connection per username and one username per
// connection.
type Registry struct {
	mu     sync.RWMutex
	byConn map[*Conn]string
	byName map[string]*Conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byConn: make(map[*Conn]string),
		byName: make(map[string]*Conn),
	}
}

// Register binds conn to username. The check and the insert happen under one
// lock, so two concurrent logins for the same name cannot both succeed.
// Registering the same pair twice is a no-op.
func (r *Registry) Register(c *Conn, username string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.byName[username]; ok {
		if owner == c {
			return nil
		}
		return ErrAlreadyLoggedIn
	}
	if _, ok := r.byConn[c]; ok {
		return ErrConnBound
	}
	r.byConn[c] = username
	r.byName[username] = c
	return nil
}

// Unregister removes the session bound to c and returns the freed username.
func (r *Registry) Unregister(c *Conn) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	username, ok := r.byConn[c]
	if !ok {
		return "", false
	}
	delete(r.byConn, c)
	if r.byName[username] == c {
		delete(r.byName, username)
	}
	return username, true
}

// Lookup returns the connection bound to username.
func (r *Registry) Lookup(username string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byName[username]
	return c, ok
}

// UsernameOf returns the username bound to c.
func (r *Registry) UsernameOf(c *Conn) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	username, ok := r.byConn[c]
	return username, ok
}

// Snapshot returns a copy of the connection -> username mapping.
func (r *Registry) Snapshot() map[*Conn]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[*Conn]string, len(r.byConn))
	for c, username := range r.byConn {
		out[c] = username
	}
	return out
}

// OnlineUsernames returns the sorted list of logged-in usernames.
func (r *Registry) OnlineUsernames() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.byName))
	for username := range r.byName {
		names = append(names, username)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Count returns the number of active sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

// Clear removes every session and returns the connections that were bound.
func (r *Registry) Clear() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := make([]*Conn, 0, len(r.byConn))
	for c := range r.byConn {
		conns = append(conns, c)
	}
	r.byConn = make(map[*Conn]string)
	r.byName = make(map[string]*Conn)
	return conns
}
