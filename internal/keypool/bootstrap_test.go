package keypool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/solara-labs/gemini-gateway/internal/upstream"
)

// fakeTransport routes Probe calls through probeFn.
type fakeTransport struct {
	probeFn func(ctx context.Context, key string) error
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Probe(ctx context.Context, key string) error {
	return f.probeFn(ctx, key)
}

func (f *fakeTransport) Invoke(context.Context, string, *upstream.ChatRequest) (*upstream.ChatResponse, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeTransport) ListModels(context.Context, string) ([]string, error) {
	return nil, nil
}

// probeByValidity treats keys prefixed "good" as valid.
func probeByValidity(_ context.Context, key string) error {
	if len(key) >= 4 && key[:4] == "good" {
		return nil
	}
	return &upstream.Error{
		Class:      upstream.ClassCredentialInvalid,
		StatusCode: 401,
		Message:    "API key not valid",
	}
}

// TestBootstrap_FirstValidInstalled verifies that candidates are probed in
// order, the first valid key is installed synchronously, and the untested
// remainder is returned for background validation.
func TestBootstrap_FirstValidInstalled(t *testing.T) {
	pool := New(nil, nil)
	v := NewValidator(context.Background(), pool, &fakeTransport{probeFn: probeByValidity}, nil, ValidatorOptions{})
	defer v.Close()

	first, rest := v.Bootstrap(context.Background(),
		[]string{"bad-1", "bad-2", "good-1", "good-2", "bad-3"})

	if first != "good-1" {
		t.Fatalf("first valid = %q, want good-1", first)
	}
	if len(rest) != 2 || rest[0] != "good-2" || rest[1] != "bad-3" {
		t.Fatalf("rest = %v, want [good-2 bad-3]", rest)
	}
	if pool.Len() != 1 {
		t.Errorf("pool size = %d, want 1 (only the first valid key installed)", pool.Len())
	}

	snap := pool.Snapshot()
	if snap.Invalid != 2 {
		t.Errorf("invalid count = %d, want 2 (bad-1 and bad-2 probed and failed)", snap.Invalid)
	}
}

// TestBootstrap_AllInvalid verifies the empty result when no candidate works.
func TestBootstrap_AllInvalid(t *testing.T) {
	pool := New(nil, nil)
	v := NewValidator(context.Background(), pool, &fakeTransport{probeFn: probeByValidity}, nil, ValidatorOptions{})
	defer v.Close()

	first, rest := v.Bootstrap(context.Background(), []string{"bad-1", "bad-2"})

	if first != "" || rest != nil {
		t.Fatalf("got (%q, %v), want empty result", first, rest)
	}
	if pool.Len() != 0 {
		t.Errorf("pool size = %d, want 0", pool.Len())
	}
}

// TestBootstrap_ProbeTimeoutFailsClosed verifies that a probe exceeding the
// timeout marks the key invalid rather than leaving it pending.
func TestBootstrap_ProbeTimeoutFailsClosed(t *testing.T) {
	slow := &fakeTransport{probeFn: func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	}}

	pool := New(nil, nil)
	v := NewValidator(context.Background(), pool, slow, nil, ValidatorOptions{
		ProbeTimeout: 10 * time.Millisecond,
	})
	defer v.Close()

	first, _ := v.Bootstrap(context.Background(), []string{"hanging-key"})

	if first != "" {
		t.Fatalf("hanging key must not validate, got %q", first)
	}
	if pool.Snapshot().Invalid != 1 {
		t.Errorf("invalid count = %d, want 1 (fail-closed on timeout)", pool.Snapshot().Invalid)
	}
}

// TestValidateRemaining verifies background probing promotes valid keys and
// retires invalid ones without blocking the caller.
func TestValidateRemaining(t *testing.T) {
	pool := New(nil, nil)
	v := NewValidator(context.Background(), pool, &fakeTransport{probeFn: probeByValidity}, nil, ValidatorOptions{
		ProbeDelay: time.Millisecond,
	})
	defer v.Close()

	v.ValidateRemaining([]string{"good-2", "bad-3", "good-3"})

	deadline := time.Now().Add(5 * time.Second)
	for pool.Len() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if pool.Len() != 2 {
		t.Fatalf("pool size = %d, want 2 valid keys promoted", pool.Len())
	}
	if pool.Snapshot().Invalid != 1 {
		t.Errorf("invalid count = %d, want 1", pool.Snapshot().Invalid)
	}
}

// TestValidatorClose_StopsBackgroundProbing verifies Close interrupts the
// background goroutine promptly even with a long probe delay.
func TestValidatorClose_StopsBackgroundProbing(t *testing.T) {
	pool := New(nil, nil)
	v := NewValidator(context.Background(), pool, &fakeTransport{probeFn: probeByValidity}, nil, ValidatorOptions{
		ProbeDelay: time.Hour,
	})

	v.ValidateRemaining([]string{"good-2"})

	done := make(chan struct{})
	go func() {
		v.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return; background goroutine stuck")
	}
}
