package keypool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/solara-labs/gemini-gateway/internal/upstream"
)

const (
	defaultProbeTimeout = upstream.DefaultProbeTimeout
	defaultProbeDelay   = 250 * time.Millisecond
)

// Validator turns a configured list of candidate keys into a live pool
// without blocking service availability longer than necessary: the first
// candidate that probes valid is installed synchronously, the rest are probed
// one at a time by a supervised background goroutine.
type Validator struct {
	pool      *Manager
	transport upstream.Transport
	log       *slog.Logger

	probeTimeout time.Duration
	probeDelay   time.Duration

	baseCtx context.Context
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// ValidatorOptions tunes probe behaviour. Zero values use package defaults.
type ValidatorOptions struct {
	// ProbeTimeout bounds a single validation probe. A timed-out probe
	// classifies the key as invalid (fail-closed). Default: 10s.
	ProbeTimeout time.Duration

	// ProbeDelay is the pause between background probes, rate-limiting the
	// validation traffic itself. Default: 250ms.
	ProbeDelay time.Duration
}

// NewValidator creates a Validator bound to pool and transport.
func NewValidator(ctx context.Context, pool *Manager, tr upstream.Transport, log *slog.Logger, opts ValidatorOptions) *Validator {
	if ctx == nil {
		panic("keypool: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	probeTimeout := opts.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}
	probeDelay := opts.ProbeDelay
	if probeDelay <= 0 {
		probeDelay = defaultProbeDelay
	}

	return &Validator{
		pool:         pool,
		transport:    tr,
		log:          log,
		probeTimeout: probeTimeout,
		probeDelay:   probeDelay,
		baseCtx:      ctx,
		done:         make(chan struct{}),
	}
}

// Bootstrap probes candidates strictly in configured order and installs the
// first valid one into the pool, unblocking request serving. It returns that
// key ("" when every candidate failed) and the untested remainder, which the
// caller hands to ValidateRemaining.
//
// Candidates already in the persisted invalid set must be filtered out by the
// caller before Bootstrap — the pool's Add would reject them anyway, but
// probing known-dead keys just slows startup.
func (v *Validator) Bootstrap(ctx context.Context, candidates []string) (firstValid string, rest []string) {
	for i, key := range candidates {
		if err := v.probe(ctx, key); err != nil {
			v.log.Warn("bootstrap_key_invalid",
				slog.String("key", Digest(key)),
				slog.String("error", err.Error()),
			)
			v.pool.Invalidate(key)
			continue
		}

		v.log.Info("bootstrap_key_valid", slog.String("key", Digest(key)))
		v.pool.Add(key)
		return key, candidates[i+1:]
	}

	v.log.Error("bootstrap_no_valid_key")
	return "", nil
}

// ValidateRemaining probes the leftover candidates in the background, one at
// a time with an inter-probe delay. Valid keys join the live pool (triggering
// a cursor rebuild); invalid ones are persisted. The goroutine is supervised:
// a panic is logged and never crashes the process.
func (v *Validator) ValidateRemaining(candidates []string) {
	if len(candidates) == 0 {
		return
	}

	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				v.log.Error("validator_panic", slog.Any("panic", r))
			}
		}()

		v.log.Info("background_validation_started", slog.Int("candidates", len(candidates)))

		valid := 0
		for _, key := range candidates {
			select {
			case <-v.done:
				return
			case <-v.baseCtx.Done():
				return
			case <-time.After(v.probeDelay):
			}

			if err := v.probe(v.baseCtx, key); err != nil {
				v.log.Warn("background_key_invalid",
					slog.String("key", Digest(key)),
					slog.String("error", err.Error()),
				)
				v.pool.Invalidate(key)
				continue
			}

			if v.pool.Add(key) {
				valid++
			}
		}

		v.log.Info("background_validation_finished",
			slog.Int("valid", valid),
			slog.Int("pool_size", v.pool.Len()),
		)
	}()
}

// Close stops background validation and waits for the goroutine to exit.
// Safe to call multiple times.
func (v *Validator) Close() {
	v.once.Do(func() { close(v.done) })
	v.wg.Wait()
}

// probe runs one validation call under the probe timeout. Every failure —
// including a deadline — classifies the key as invalid (fail-closed).
func (v *Validator) probe(ctx context.Context, key string) error {
	pctx, cancel := context.WithTimeout(ctx, v.probeTimeout)
	defer cancel()
	return v.transport.Probe(pctx, key)
}
