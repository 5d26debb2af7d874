package keypool

import (
	"errors"
	"testing"

	"github.com/solara-labs/gemini-gateway/internal/upstream"
)

// stubStore records MarkInvalid calls for assertions.
type stubStore struct {
	marked []string
	err    error
}

func (s *stubStore) MarkInvalid(key string) error {
	s.marked = append(s.marked, key)
	return s.err
}

func newTestManager(t *testing.T, keys ...string) (*Manager, *stubStore) {
	t.Helper()
	store := &stubStore{}
	m := New(store, nil)
	for _, k := range keys {
		if !m.Add(k) {
			t.Fatalf("Add(%q) rejected", k)
		}
	}
	return m, store
}

// acquireAll drains one full rotation cycle (pool-size acquisitions) and
// returns the set of keys seen.
func acquireAll(t *testing.T, m *Manager) map[string]int {
	t.Helper()
	seen := make(map[string]int)
	for i := 0; i < m.Len(); i++ {
		key, err := m.Acquire()
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		seen[key]++
	}
	return seen
}

// TestAcquire_EmptyPool verifies the typed error when no keys are live.
func TestAcquire_EmptyPool(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Acquire()
	if !errors.Is(err, ErrNoKeyAvailable) {
		t.Fatalf("expected ErrNoKeyAvailable, got %v", err)
	}
}

// TestAcquire_RotationFairness verifies that over any window of N consecutive
// acquisitions against a stable pool of N keys, each key is returned exactly
// once — in the first cycle and in every subsequent one.
func TestAcquire_RotationFairness(t *testing.T) {
	m, _ := newTestManager(t, "key-a", "key-b", "key-c")

	for cycle := 0; cycle < 3; cycle++ {
		seen := acquireAll(t, m)
		if len(seen) != 3 {
			t.Fatalf("cycle %d: expected 3 distinct keys, got %d", cycle, len(seen))
		}
		for k, n := range seen {
			if n != 1 {
				t.Errorf("cycle %d: key %q acquired %d times, want 1", cycle, k, n)
			}
		}
	}
}

// TestAdd_RejectsDuplicates verifies a key can only be in the live pool once.
func TestAdd_RejectsDuplicates(t *testing.T) {
	m, _ := newTestManager(t, "key-a")

	if m.Add("key-a") {
		t.Error("duplicate Add should be rejected")
	}
	if m.Len() != 1 {
		t.Errorf("pool size = %d, want 1", m.Len())
	}
}

// TestAdd_RejectsInvalidated verifies an invalidated key can never rejoin.
func TestAdd_RejectsInvalidated(t *testing.T) {
	m, _ := newTestManager(t, "key-a")
	m.Invalidate("key-a")

	if m.Add("key-a") {
		t.Error("invalidated key must not rejoin the pool")
	}
	if m.Len() != 0 {
		t.Errorf("pool size = %d, want 0", m.Len())
	}
}

// TestAdd_RebuildsCursor verifies that membership growth mid-cycle starts a
// fresh cycle covering the new member.
func TestAdd_RebuildsCursor(t *testing.T) {
	m, _ := newTestManager(t, "key-a", "key-b")

	if _, err := m.Acquire(); err != nil {
		t.Fatal(err)
	}
	m.Add("key-c")

	seen := acquireAll(t, m)
	if len(seen) != 3 {
		t.Fatalf("expected a full fresh cycle over 3 keys, got %d distinct", len(seen))
	}
}

// TestReportFailure_TransientKeepsKey verifies transient failures do not
// change pool membership.
func TestReportFailure_TransientKeepsKey(t *testing.T) {
	m, store := newTestManager(t, "key-a", "key-b")

	m.ReportFailure("key-a", upstream.ClassTransient)

	if m.Len() != 2 {
		t.Errorf("pool size = %d, want 2 after transient failure", m.Len())
	}
	if len(store.marked) != 0 {
		t.Errorf("transient failure must not be persisted, got %v", store.marked)
	}
}

// TestReportFailure_CredentialInvalidRemoves verifies credential-invalid
// failures remove the key permanently and persist it.
func TestReportFailure_CredentialInvalidRemoves(t *testing.T) {
	m, store := newTestManager(t, "key-a", "key-b", "key-c")

	m.ReportFailure("key-b", upstream.ClassCredentialInvalid)

	if m.Len() != 2 {
		t.Fatalf("pool size = %d, want 2", m.Len())
	}
	// key-b must never be acquired again.
	for i := 0; i < 10; i++ {
		key, err := m.Acquire()
		if err != nil {
			t.Fatal(err)
		}
		if key == "key-b" {
			t.Fatal("invalidated key returned by Acquire")
		}
	}
	if len(store.marked) != 1 || store.marked[0] != "key-b" {
		t.Errorf("persisted keys = %v, want [key-b]", store.marked)
	}

	snap := m.Snapshot()
	if snap.Live != 2 || snap.Invalid != 1 {
		t.Errorf("snapshot = %+v, want live=2 invalid=1", snap)
	}
}

// TestInvalidate_Idempotent verifies repeated invalidation persists only once.
func TestInvalidate_Idempotent(t *testing.T) {
	m, store := newTestManager(t, "key-a")

	m.Invalidate("key-a")
	m.Invalidate("key-a")

	if len(store.marked) != 1 {
		t.Errorf("MarkInvalid called %d times, want 1", len(store.marked))
	}
	if m.Snapshot().Invalid != 1 {
		t.Errorf("invalid count = %d, want 1", m.Snapshot().Invalid)
	}
}

// TestInvalidate_LastKeyEmptiesPool verifies draining the pool surfaces
// ErrNoKeyAvailable rather than recycling dead keys.
func TestInvalidate_LastKeyEmptiesPool(t *testing.T) {
	m, _ := newTestManager(t, "key-a")

	m.Invalidate("key-a")

	if _, err := m.Acquire(); !errors.Is(err, ErrNoKeyAvailable) {
		t.Fatalf("expected ErrNoKeyAvailable, got %v", err)
	}
}

// TestInvalidate_PersistErrorDoesNotBlock verifies a failing store does not
// prevent in-memory invalidation.
func TestInvalidate_PersistErrorDoesNotBlock(t *testing.T) {
	store := &stubStore{err: errors.New("disk full")}
	m := New(store, nil)
	m.Add("key-a")

	m.Invalidate("key-a")

	if m.Len() != 0 {
		t.Error("key should be removed even when persistence fails")
	}
}

func TestDigest(t *testing.T) {
	if got := Digest("AIzaSyAbCdEfGh123"); got != "AIzaSyAb..." {
		t.Errorf("Digest = %q", got)
	}
	if got := Digest("short"); got != "short" {
		t.Errorf("Digest of short key = %q, want unchanged", got)
	}
}
