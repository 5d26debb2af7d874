// Package coalesce merges concurrently-issued identical requests so only one
// upstream call is made per unique in-flight fingerprint.
//
// The first caller to Join a fingerprint becomes the owner: it performs the
// upstream call and settles the flight with Resolve or Abandon. Every later
// caller with the same fingerprint becomes a follower and waits on the shared
// flight instead of calling upstream. Failures are delivered to all followers
// but never cached — a new request after settlement starts a fresh cycle.
package coalesce

import (
	"context"
	"sync"
	"time"
)

// Flight is the shared completion handle for one in-flight fingerprint.
// The owner writes body/err exactly once before closing done; followers only
// read after done is closed, so no field needs further locking.
type Flight struct {
	done chan struct{}

	body []byte
	err  error

	created time.Time
}

// Wait blocks until the owner settles the flight or ctx is cancelled.
// A follower's cancellation affects only that follower — the owner's call
// keeps running for everyone else.
func (f *Flight) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-f.done:
		return f.body, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Tracker owns the fingerprint → Flight map. Safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	flights map[string]*Flight
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{flights: make(map[string]*Flight)}
}

// Join atomically looks up fingerprint. If no flight exists one is created
// and owner is true: the caller must perform the upstream call and then
// settle the flight with Resolve or Abandon. Otherwise the existing flight is
// returned with owner false and the caller should Wait on it.
func (t *Tracker) Join(fingerprint string) (f *Flight, owner bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if f, ok := t.flights[fingerprint]; ok {
		return f, false
	}

	f = &Flight{
		done:    make(chan struct{}),
		created: time.Now(),
	}
	t.flights[fingerprint] = f
	return f, true
}

// Resolve publishes body to every follower of fingerprint and removes the
// flight. Owner-only. The entry is gone the moment this returns, so a new
// request with the same fingerprint starts a fresh cycle.
func (t *Tracker) Resolve(fingerprint string, body []byte) {
	t.settle(fingerprint, body, nil)
}

// Abandon publishes err to every follower of fingerprint and removes the
// flight. Owner-only. Coalesced failures are not retried per follower — each
// caller surfaces the same failure.
func (t *Tracker) Abandon(fingerprint string, err error) {
	t.settle(fingerprint, nil, err)
}

func (t *Tracker) settle(fingerprint string, body []byte, err error) {
	t.mu.Lock()
	f, ok := t.flights[fingerprint]
	if ok {
		delete(t.flights, fingerprint)
	}
	t.mu.Unlock()

	if !ok {
		return
	}

	f.body = body
	f.err = err
	close(f.done)
}

// Len returns the number of flights currently in progress.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.flights)
}

// SweepStale force-abandons flights older than maxAge and returns how many
// were dropped. A correctly-behaving owner always settles its flight; this is
// the scheduler-invoked safety net against a leaked entry wedging a
// fingerprint forever.
func (t *Tracker) SweepStale(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	t.mu.Lock()
	var stale []*Flight
	for fp, f := range t.flights {
		if f.created.Before(cutoff) {
			delete(t.flights, fp)
			stale = append(stale, f)
		}
	}
	t.mu.Unlock()

	for _, f := range stale {
		f.err = context.DeadlineExceeded
		close(f.done)
	}
	return len(stale)
}
