package proxy

import (
	"context"
	"testing"
	"time"

	"github.com/solara-labs/gemini-gateway/internal/cache"
)

func TestSweeper_ReapsExpiredEntriesAndStaleFlights(t *testing.T) {
	mc := cache.NewMemoryCache(100)
	g := NewGateway(context.Background(), newTestPool(t, "key-1"),
		&fakeTransport{invokeFn: okResponse("x")}, mc,
		GatewayOptions{Logger: discardLogger(), MaxRetries: 1, UpstreamTimeout: time.Millisecond})

	// An already-expired cache entry and a flight old enough to be presumed
	// leaked. staleAfter = 2 × 1ms × 1 = 2ms.
	mc.Set(context.Background(), "req:dead", []byte("v"), time.Millisecond)
	flight, owner := g.flights.Join("req:leaked")
	if !owner {
		t.Fatal("expected to own the flight")
	}
	time.Sleep(10 * time.Millisecond)

	s := NewSweeper(context.Background(), g, 5*time.Millisecond, discardLogger(), nil)
	defer s.Close()

	deadline := time.Now().Add(2 * time.Second)
	for mc.Len() != 0 || g.flights.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("sweep never completed: cache=%d flights=%d", mc.Len(), g.flights.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A force-abandoned flight delivers a timeout error to anyone waiting.
	if _, err := flight.Wait(context.Background()); err == nil {
		t.Fatal("stale flight should deliver an error after being swept")
	}

	// Fresh entries survive.
	mc.Set(context.Background(), "req:alive", []byte("v"), time.Hour)
	time.Sleep(20 * time.Millisecond)
	if _, ok := mc.Get(context.Background(), "req:alive"); !ok {
		t.Error("unexpired entry must survive sweeps")
	}
}

func TestSweeper_CloseIsIdempotent(t *testing.T) {
	g := newTestGateway(t, &fakeTransport{invokeFn: okResponse("x")}, "key-1")
	s := NewSweeper(context.Background(), g, time.Minute, discardLogger(), nil)

	s.Close()
	s.Close()
}

func TestSweeper_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	g := newTestGateway(t, &fakeTransport{invokeFn: okResponse("x")}, "key-1")

	s := NewSweeper(ctx, g, time.Millisecond, discardLogger(), nil)
	cancel()

	done := make(chan struct{})
	go func() {
		s.Close() // waits for the goroutine, which must have exited on cancel
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper goroutine did not stop on context cancellation")
	}
}

func TestSweeper_PanicsOnNilContext(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic with nil context")
		}
	}()
	g := newTestGateway(t, &fakeTransport{invokeFn: okResponse("x")}, "key-1")
	NewSweeper(nil, g, time.Minute, discardLogger(), nil)
}
