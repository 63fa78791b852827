// Package presence tracks which users currently hold a live relay
// connection.
//
// The registry maps each user id to at most one connection. A new
// registration for an already-present user silently supersedes the
// prior connection (last-connection-wins); the evicted handle is
// returned so the caller can close it. All mutation funnels through
// the registry's mutex, preserving the single-writer discipline the
// relay dispatcher relies on.
package presence

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/cipherchat/cipherchat/wire"
)

// Entry pairs a registered user with their live connection.
type Entry struct {
	UserID      string
	DisplayName string
	Conn        wire.Conn
}

// Registry is the process-wide presence table. The zero value is not
// usable; create one with NewRegistry.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// NewRegistry creates an empty presence registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register binds a connection to a user id. When the user already has
// a registered connection, the old one is evicted and returned so the
// caller can close it; otherwise evicted is nil.
func (r *Registry) Register(userID, displayName string, conn wire.Conn) (evicted wire.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.entries[userID]; ok && prev.Conn != conn {
		evicted = prev.Conn
		logrus.WithFields(logrus.Fields{
			"function": "Register",
			"user_id":  userID,
		}).Warn("Superseding existing connection for user")
	}

	r.entries[userID] = &Entry{UserID: userID, DisplayName: displayName, Conn: conn}

	logrus.WithFields(logrus.Fields{
		"function": "Register",
		"user_id":  userID,
		"users":    len(r.entries),
	}).Info("User registered as present")

	return evicted
}

// Unregister removes the entry whose connection matches. When the
// handle was already superseded by a newer registration, the call is a
// no-op for presence purposes and wasLive is false; only the currently
// registered handle's disconnect flips the user offline.
func (r *Registry) Unregister(conn wire.Conn) (userID, displayName string, wasLive bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, entry := range r.entries {
		if entry.Conn == conn {
			delete(r.entries, id)
			logrus.WithFields(logrus.Fields{
				"function": "Unregister",
				"user_id":  id,
				"users":    len(r.entries),
			}).Info("User unregistered")
			return id, entry.DisplayName, true
		}
	}
	return "", "", false
}

// Lookup returns the live connection for a user, if present. O(1),
// never blocks on I/O.
func (r *Registry) Lookup(userID string) (wire.Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[userID]
	if !ok {
		return nil, false
	}
	return entry.Conn, true
}

// UserOf returns the entry currently bound to a connection, if the
// connection is the live handle for some user.
func (r *Registry) UserOf(conn wire.Conn) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, entry := range r.entries {
		if entry.Conn == conn {
			return *entry, true
		}
	}
	return Entry{}, false
}

// Snapshot returns a copy of all current entries, for presence
// broadcast fan-out.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, *entry)
	}
	return entries
}

// Len reports the number of present users.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.entries)
}
