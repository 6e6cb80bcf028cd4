package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/burrownet/burrow/internal/auth"
	"github.com/burrownet/burrow/internal/identity"
	"github.com/burrownet/burrow/internal/transport"
)

// stubHandle records drain calls.
type stubHandle struct {
	mu      sync.Mutex
	drained bool
	reason  uint16
}

func (h *stubHandle) OpenStream(ctx context.Context) (transport.Stream, error) {
	return nil, errors.New("not implemented")
}

func (h *stubHandle) Drain(reason uint16, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drained = true
	h.reason = reason
}

func newEntry(t *testing.T, services ...string) *Entry {
	t.Helper()
	return &Entry{
		SessionID: identity.MustNewSessionID(),
		Handle:    &stubHandle{},
		Principal: &auth.Principal{Name: "test", Kind: "psk", Scopes: []string{"*"}},
		Services:  services,
	}
}

func TestInsertAndLookup(t *testing.T) {
	r := New(EvictNewestWins, nil)

	e := newEntry(t, "db-1", "db-2")
	evicted, err := r.Insert(e)
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if len(evicted) != 0 {
		t.Errorf("Expected no evictions, got %d", len(evicted))
	}

	got, ok := r.LookupByService("db-1")
	if !ok {
		t.Fatal("LookupByService(db-1) returned none")
	}
	if got.SessionID != e.SessionID {
		t.Errorf("Wrong owner: got %s, want %s", got.SessionID, e.SessionID)
	}

	if _, ok := r.LookupByService("db-9"); ok {
		t.Error("LookupByService(db-9) should return none")
	}

	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestNewestWinsEviction(t *testing.T) {
	r := New(EvictNewestWins, nil)

	older := newEntry(t, "svc-x", "svc-y")
	if _, err := r.Insert(older); err != nil {
		t.Fatalf("Insert older failed: %v", err)
	}

	newer := newEntry(t, "svc-x")
	evicted, err := r.Insert(newer)
	if err != nil {
		t.Fatalf("Insert newer failed: %v", err)
	}
	if len(evicted) != 1 || evicted[0].SessionID != older.SessionID {
		t.Fatalf("Expected older entry evicted, got %v", evicted)
	}

	// Newcomer owns the contested name.
	got, ok := r.LookupByService("svc-x")
	if !ok || got.SessionID != newer.SessionID {
		t.Error("svc-x should belong to the newer entry")
	}

	// Eviction frees the loser's other names too.
	if _, ok := r.LookupByService("svc-y"); ok {
		t.Error("svc-y should be free after its owner was evicted")
	}

	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestOldestWinsRejection(t *testing.T) {
	r := New(EvictOldestWins, nil)

	older := newEntry(t, "svc-x")
	if _, err := r.Insert(older); err != nil {
		t.Fatalf("Insert older failed: %v", err)
	}

	newer := newEntry(t, "svc-x")
	if _, err := r.Insert(newer); !errors.Is(err, ErrServiceTaken) {
		t.Fatalf("Expected ErrServiceTaken, got %v", err)
	}

	// Existing owner untouched.
	got, ok := r.LookupByService("svc-x")
	if !ok || got.SessionID != older.SessionID {
		t.Error("svc-x should still belong to the older entry")
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestRemove(t *testing.T) {
	r := New(EvictNewestWins, nil)

	e := newEntry(t, "db-1")
	if _, err := r.Insert(e); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	removed, ok := r.Remove(e.SessionID)
	if !ok || removed.SessionID != e.SessionID {
		t.Fatal("Remove should return the entry")
	}
	if _, ok := r.LookupByService("db-1"); ok {
		t.Error("db-1 should be free after removal")
	}
	if _, ok := r.Remove(e.SessionID); ok {
		t.Error("Second Remove should report not found")
	}
}

func TestSnapshotOrder(t *testing.T) {
	r := New(EvictNewestWins, nil)

	first := newEntry(t, "a")
	second := newEntry(t, "b")
	third := newEntry(t, "c")
	for _, e := range []*Entry{first, second, third} {
		if _, err := r.Insert(e); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("Snapshot length = %d, want 3", len(snap))
	}
	want := []identity.SessionID{first.SessionID, second.SessionID, third.SessionID}
	for i, e := range snap {
		if e.SessionID != want[i] {
			t.Errorf("Snapshot[%d] = %s, want %s", i, e.SessionID, want[i])
		}
	}

	services := r.Services()
	if len(services) != 3 || services[0] != "a" || services[2] != "c" {
		t.Errorf("Services() = %v, want [a b c]", services)
	}
}

func TestConcurrentSameNameRegistration(t *testing.T) {
	r := New(EvictNewestWins, nil)

	const n = 16
	entries := make([]*Entry, n)
	for i := range entries {
		entries[i] = newEntry(t, "contested")
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	evictedTotal := 0

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(e *Entry) {
			defer wg.Done()
			evicted, err := r.Insert(e)
			if err != nil {
				t.Errorf("Insert failed: %v", err)
				return
			}
			mu.Lock()
			evictedTotal += len(evicted)
			mu.Unlock()
		}(entries[i])
	}
	wg.Wait()

	// Exactly one owner remains; everyone else was evicted.
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
	if evictedTotal != n-1 {
		t.Errorf("Evicted %d entries, want %d", evictedTotal, n-1)
	}

	owner, ok := r.LookupByService("contested")
	if !ok {
		t.Fatal("contested should have an owner")
	}
	if _, registered := r.Get(owner.SessionID); !registered {
		t.Error("Owner should be registered")
	}
}
