package web

import (
	"context"
	"sync"

	"github.com/zapdeck/panel/internal/connection"
)

// SessionFactory builds a connection session for a user.
type SessionFactory func(userID string) (*connection.Session, error)

// Registry holds one connection session per authenticated user, created
// lazily on first use and loaded from the settings store.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*registryEntry
	factory SessionFactory
}

// registryEntry gates creation and hydration so concurrent callers block on
// the first initialization instead of seeing an unhydrated session.
type registryEntry struct {
	once    sync.Once
	session *connection.Session
	err     error
}

// NewRegistry creates an empty session registry.
func NewRegistry(factory SessionFactory) *Registry {
	return &Registry{
		entries: make(map[string]*registryEntry),
		factory: factory,
	}
}

// Session returns the user's session, creating and hydrating it on first
// access. Concurrent callers for the same user share one initialization; a
// failed initialization is forgotten so the next request retries it.
func (r *Registry) Session(ctx context.Context, userID string) (*connection.Session, error) {
	r.mu.Lock()
	entry, ok := r.entries[userID]
	if !ok {
		entry = &registryEntry{}
		r.entries[userID] = entry
	}
	r.mu.Unlock()

	entry.once.Do(func() {
		session, err := r.factory(userID)
		if err != nil {
			entry.err = err
			return
		}
		if err := session.Load(ctx); err != nil {
			session.Close()
			entry.err = err
			return
		}
		entry.session = session
	})

	if entry.err != nil {
		r.mu.Lock()
		if r.entries[userID] == entry {
			delete(r.entries, userID)
		}
		r.mu.Unlock()
		return nil, entry.err
	}
	return entry.session, nil
}

// CloseAll shuts down every session, used on server shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for userID, entry := range r.entries {
		if entry.session != nil {
			entry.session.Close()
		}
		delete(r.entries, userID)
	}
}
