// Package registry implements the process-wide table of live tunnels.
//
// The registry is constructed once and passed by reference to every session
// task; it is the only structure mutated concurrently by independent
// sessions. All mutations are atomic with respect to lookups: a lookup never
// observes a half-installed entry.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/burrownet/burrow/internal/auth"
	"github.com/burrownet/burrow/internal/identity"
	"github.com/burrownet/burrow/internal/logging"
	"github.com/burrownet/burrow/internal/transport"
)

// ErrServiceTaken is returned under the oldest-wins policy when a new entry
// declares a service name an existing entry already owns.
var ErrServiceTaken = errors.New("service name already registered")

// EvictionPolicy decides who keeps a service name when two authenticated
// tunnels declare it.
type EvictionPolicy string

const (
	// EvictNewestWins drains the existing owner; the newcomer takes the
	// name. Default.
	EvictNewestWins EvictionPolicy = "newest-wins"

	// EvictOldestWins rejects the newcomer; the existing owner keeps the
	// name.
	EvictOldestWins EvictionPolicy = "oldest-wins"
)

// SessionHandle is the slice of a session the registry and router need:
// opening streams toward the peer and starting a graceful drain. The
// lifecycle manager owns the session itself.
type SessionHandle interface {
	OpenStream(ctx context.Context) (transport.Stream, error)
	Drain(reason uint16, message string)
}

// Entry is one registered tunnel. Immutable after insertion.
type Entry struct {
	SessionID    identity.SessionID
	Handle       SessionHandle
	Principal    *auth.Principal
	Services     []string
	Seq          uint64
	RegisteredAt time.Time
}

// String returns a short human-readable form.
func (e *Entry) String() string {
	return fmt.Sprintf("Entry{%s principal=%s services=%v}",
		e.SessionID.ShortString(), e.Principal.Name, e.Services)
}

// Registry maps session IDs to entries and service names to their single
// Active owner.
type Registry struct {
	mu        sync.RWMutex
	entries   map[identity.SessionID]*Entry
	byService map[string]identity.SessionID
	nextSeq   uint64
	policy    EvictionPolicy
	logger    *slog.Logger
}

// New creates an empty registry with the given eviction policy.
func New(policy EvictionPolicy, logger *slog.Logger) *Registry {
	if policy == "" {
		policy = EvictNewestWins
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries:   make(map[identity.SessionID]*Entry),
		byService: make(map[string]identity.SessionID),
		nextSeq:   1,
		policy:    policy,
		logger:    logger,
	}
}

// Insert installs an entry, resolving service-name collisions per the
// eviction policy. On success it returns the entries displaced by this
// insertion; the caller is responsible for draining their sessions. Under
// oldest-wins a collision rejects the new entry with ErrServiceTaken and the
// registry is unchanged.
func (r *Registry) Insert(e *Entry) ([]*Entry, error) {
	if e == nil || e.Handle == nil {
		return nil, fmt.Errorf("nil registry entry")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Find current owners of the declared names.
	losers := make(map[identity.SessionID]*Entry)
	for _, name := range e.Services {
		ownerID, taken := r.byService[name]
		if !taken || ownerID == e.SessionID {
			continue
		}
		if r.policy == EvictOldestWins {
			return nil, fmt.Errorf("%w: %q held by %s", ErrServiceTaken, name, ownerID.ShortString())
		}
		losers[ownerID] = r.entries[ownerID]
	}

	// Evicting a session frees every name it declared, not only the
	// contested one; the whole session drains.
	evicted := make([]*Entry, 0, len(losers))
	for id, loser := range losers {
		for _, name := range loser.Services {
			if r.byService[name] == id {
				delete(r.byService, name)
			}
		}
		delete(r.entries, id)
		evicted = append(evicted, loser)
	}
	sort.Slice(evicted, func(i, j int) bool { return evicted[i].Seq < evicted[j].Seq })

	e.Seq = r.nextSeq
	r.nextSeq++
	if e.RegisteredAt.IsZero() {
		e.RegisteredAt = time.Now()
	}

	r.entries[e.SessionID] = e
	for _, name := range e.Services {
		r.byService[name] = e.SessionID
	}

	if len(evicted) > 0 {
		r.logger.Info("service ownership transferred",
			logging.KeySession, e.SessionID.ShortString(),
			"evicted", len(evicted))
	}

	return evicted, nil
}

// Remove deletes a session's entry and frees its service names. Returns the
// removed entry, or false if the session was not registered.
func (r *Registry) Remove(id identity.SessionID) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}

	delete(r.entries, id)
	for _, name := range e.Services {
		if r.byService[name] == id {
			delete(r.byService, name)
		}
	}

	return e, true
}

// LookupByService returns the entry currently owning the named service.
func (r *Registry) LookupByService(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byService[name]
	if !ok {
		return nil, false
	}
	e, ok := r.entries[id]
	return e, ok
}

// Get returns the entry for a session ID.
func (r *Registry) Get(id identity.SessionID) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	return e, ok
}

// Snapshot returns all entries in registration order.
func (r *Registry) Snapshot() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	return entries
}

// Services returns the currently owned service names, sorted.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.byService))
	for name := range r.byService {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
