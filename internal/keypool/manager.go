// Package keypool manages the pool of upstream API keys: fair rotation,
// bootstrap validation, failover, and permanent invalidation.
//
// A key is always in exactly one of three places: the live pool (eligible for
// Acquire), the pending-validation queue owned by the Validator, or the
// invalid set. Invalid keys never return to the live pool within a process
// lifetime; they are persisted so future starts skip re-probing them.
package keypool

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/solara-labs/gemini-gateway/internal/upstream"
)

// ErrNoKeyAvailable is returned by Acquire when the live pool is empty.
// It is surfaced to clients as a service-unavailable condition; background
// validation and reconfiguration are the only recovery paths.
var ErrNoKeyAvailable = errors.New("keypool: no API key available")

// PersistStore is the settings collaborator that records invalid keys across
// restarts. A nil store disables persistence.
type PersistStore interface {
	MarkInvalid(key string) error
}

// Stats is a point-in-time snapshot of pool membership, used by the health
// endpoint and metrics.
type Stats struct {
	Live    int `json:"live"`
	Invalid int `json:"invalid"`
}

// Manager owns the live pool, the rotation cursor over it, and the invalid
// set. All three live under one mutex, which makes Acquire and ReportFailure
// linearizable: no two acquisitions in a cycle return the same key, and a
// removal is visible to every subsequent acquisition.
type Manager struct {
	mu sync.Mutex

	live    []string            // rotation order; membership changes rebuild the cursor
	cursor  []string            // keys not yet yielded this cycle, consumed from the end
	invalid map[string]struct{} // permanently dead for this process lifetime

	store PersistStore
	log   *slog.Logger
}

// New creates an empty Manager. Keys enter the live pool through Add — the
// Validator does that during bootstrap.
func New(store PersistStore, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		invalid: make(map[string]struct{}),
		store:   store,
		log:     log,
	}
}

// Add promotes a validated key into the live pool and starts a fresh rotation
// cycle. Duplicates and keys already proven invalid are rejected.
func (m *Manager) Add(key string) bool {
	if key == "" {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dead := m.invalid[key]; dead {
		return false
	}
	for _, k := range m.live {
		if k == key {
			return false
		}
	}

	m.live = append(m.live, key)
	m.rebuildCursorLocked()
	return true
}

// Acquire returns the next key from the rotation cursor. When the cursor is
// exhausted it is rebuilt from the live pool, so N consecutive acquisitions
// over a stable pool of N keys yield each key exactly once.
func (m *Manager) Acquire() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.live) == 0 {
		return "", ErrNoKeyAvailable
	}
	if len(m.cursor) == 0 {
		m.rebuildCursorLocked()
	}

	key := m.cursor[len(m.cursor)-1]
	m.cursor = m.cursor[:len(m.cursor)-1]
	return key, nil
}

// ReportFailure records an upstream rejection for key. Credential-invalid
// failures remove the key from the live pool, persist it into the invalid
// set, and rebuild the cursor. Transient failures leave membership alone —
// the caller retries with the next acquired key.
func (m *Manager) ReportFailure(key string, class upstream.ErrorClass) {
	if class != upstream.ClassCredentialInvalid {
		return
	}
	m.Invalidate(key)
}

// ReportSuccess confirms key works. Pool membership is unchanged — this
// exists for bootstrap bookkeeping symmetry and debug logging.
func (m *Manager) ReportSuccess(key string) {
	m.log.Debug("key_success", slog.String("key", Digest(key)))
}

// Invalidate removes key from the live pool permanently and records it in
// the persisted settings store. Invalidating an unknown or already-invalid
// key is a no-op.
func (m *Manager) Invalidate(key string) {
	m.mu.Lock()

	if _, dead := m.invalid[key]; dead {
		m.mu.Unlock()
		return
	}
	m.invalid[key] = struct{}{}

	removed := false
	for i, k := range m.live {
		if k == key {
			m.live = append(m.live[:i], m.live[i+1:]...)
			removed = true
			break
		}
	}
	if removed {
		m.rebuildCursorLocked()
	}
	remaining := len(m.live)
	m.mu.Unlock()

	m.log.Warn("key_invalidated",
		slog.String("key", Digest(key)),
		slog.Int("remaining", remaining),
	)

	if m.store != nil {
		if err := m.store.MarkInvalid(key); err != nil {
			m.log.Error("key_persist_failed",
				slog.String("key", Digest(key)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Len returns the live pool size.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Snapshot returns current pool membership counts.
func (m *Manager) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Live: len(m.live), Invalid: len(m.invalid)}
}

// rebuildCursorLocked starts a fresh rotation cycle over the current live
// pool. Called on cycle exhaustion and on every membership change — both are
// the same operation, so concurrent triggers cannot double-rebuild: whoever
// holds the lock rebuilds, and the other caller sees a full cursor.
// Caller holds m.mu.
func (m *Manager) rebuildCursorLocked() {
	m.cursor = make([]string, len(m.live))
	copy(m.cursor, m.live)
}

// Digest returns a short loggable form of a key. Secrets never appear in
// logs in full.
func Digest(key string) string {
	if len(key) <= 8 {
		return key
	}
	return key[:8] + "..."
}
