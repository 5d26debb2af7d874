package proxy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/solara-labs/gemini-gateway/internal/cache"
	"github.com/solara-labs/gemini-gateway/internal/metrics"
)

const defaultSweepInterval = 60 * time.Second

// Sweeper is the background scheduler that reaps expired cache entries and
// force-abandons stale coalescing flights. Both stores also protect themselves
// lazily on access; the sweeper keeps memory bounded during idle periods when
// nothing touches them.
type Sweeper struct {
	gw       *Gateway
	interval time.Duration
	// staleAfter is the age past which an unsettled flight is presumed leaked.
	// Sized so that no correctly-running owner (all retries included) can
	// still be working when it fires.
	staleAfter time.Duration
	log        *slog.Logger
	metrics    *metrics.Registry

	baseCtx context.Context
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// NewSweeper creates and starts the background sweeper.
func NewSweeper(ctx context.Context, gw *Gateway, interval time.Duration, log *slog.Logger, m *metrics.Registry) *Sweeper {
	if ctx == nil {
		panic("sweeper: context must not be nil")
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if log == nil {
		log = slog.Default()
	}

	s := &Sweeper{
		gw:         gw,
		interval:   interval,
		staleAfter: 2 * gw.upstreamTimeout * time.Duration(gw.maxRetries),
		log:        log,
		metrics:    m,
		baseCtx:    ctx,
		done:       make(chan struct{}),
	}

	s.wg.Add(1)
	go s.run()
	return s
}

// Close stops the sweeper and waits for the goroutine to exit.
// Safe to call multiple times.
func (s *Sweeper) Close() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *Sweeper) run() {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("sweeper_panic", slog.Any("panic", r))
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.baseCtx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	expired := 0
	if sw, ok := s.gw.cache.(cache.Sweeper); ok {
		expired = sw.Sweep()
	}

	stale := s.gw.flights.SweepStale(s.staleAfter)

	if s.metrics != nil {
		if mc, ok := s.gw.cache.(*cache.MemoryCache); ok {
			s.metrics.SetCacheEntries(mc.Len())
		}
		s.metrics.SetInflightFingerprints(s.gw.flights.Len())
	}

	if expired > 0 || stale > 0 {
		s.log.Debug("sweep_completed",
			slog.Int("expired_cache_entries", expired),
			slog.Int("stale_flights", stale),
		)
	}
}
