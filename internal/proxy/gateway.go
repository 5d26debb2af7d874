// Package proxy is the core request dispatcher.
//
// The Gateway receives an incoming OpenAI-compatible request, checks the
// response cache, coalesces concurrent identical requests into a single
// upstream call, and forwards the winner to the upstream transport using a
// key drawn from the rotation pool — retrying with the next key when the
// upstream rejects one.
//
// Key design constraints:
//   - Proxy overhead < 2 ms P50 (SLA). No blocking I/O on the hot path.
//   - Logger, cache, and rate limiter are optional and nil-safe.
//   - All I/O uses context.Context so timeouts propagate correctly.
//   - Streaming responses are pass-through (SSE); they are never cached and
//     never coalesced.
//   - The owner of a coalesced flight runs under the gateway's base context,
//     not the owning client's request context, so a disconnecting owner does
//     not abort the call its followers are waiting on.
package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/solara-labs/gemini-gateway/internal/cache"
	"github.com/solara-labs/gemini-gateway/internal/coalesce"
	"github.com/solara-labs/gemini-gateway/internal/keypool"
	"github.com/solara-labs/gemini-gateway/internal/logger"
	"github.com/solara-labs/gemini-gateway/internal/metrics"
	"github.com/solara-labs/gemini-gateway/internal/ratelimit"
	"github.com/solara-labs/gemini-gateway/internal/upstream"
	"github.com/solara-labs/gemini-gateway/pkg/apierr"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"
)

// fallbackModels is served by GET /v1/models when the startup model fetch
// failed or has not completed yet.
var fallbackModels = []string{"gemini-2.5-pro", "gemini-pro"}

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events and retry
	// diagnostics. Defaults to slog.Default when nil.
	Logger *slog.Logger

	// MaxRetries is the maximum number of upstream attempts per request
	// (including the first). Must be ≥ 1. Default: 3.
	MaxRetries int

	// UpstreamTimeout is the per-attempt upstream request timeout.
	// Default: upstream.DefaultInvokeTimeout (30s).
	UpstreamTimeout time.Duration

	// Metrics enables Prometheus metrics collection. When nil, metrics are disabled.
	Metrics *metrics.Registry

	// CacheTTL is the TTL stamped on cache entries at write time.
	// Default: 1h.
	CacheTTL time.Duration
}

// Gateway is the main proxy — all dependencies are injected via the constructor
// so they can be replaced with mock doubles in unit tests.
type Gateway struct {
	pool      *keypool.Manager
	transport upstream.Transport
	cache     cache.Cache
	flights   *coalesce.Tracker
	baseCtx   context.Context
	log       *slog.Logger
	metrics   *metrics.Registry

	maxRetries      int
	upstreamTimeout time.Duration
	cacheTTL        time.Duration

	// Optional dependencies — nil-safe when not configured.
	rpmLimiter *ratelimit.RPMLimiter
	reqLogger  *logger.Logger

	// CORS allowed origins. Empty slice means deny all; ["*"] means allow all.
	corsOrigins []string

	// Model identifiers fetched from the upstream at startup. Guarded by
	// modelsMu because the fetch completes after the server starts serving.
	modelsMu sync.RWMutex
	models   []string

	started time.Time
}

// NewGateway creates a fully configured Gateway.
func NewGateway(
	baseCtx context.Context,
	pool *keypool.Manager,
	tr upstream.Transport,
	c cache.Cache,
	opts GatewayOptions,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	maxRetries := opts.MaxRetries
	if maxRetries < 1 {
		maxRetries = 3
	}

	upstreamTimeout := opts.UpstreamTimeout
	if upstreamTimeout <= 0 {
		upstreamTimeout = upstream.DefaultInvokeTimeout
	}

	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}

	return &Gateway{
		pool:            pool,
		transport:       tr,
		cache:           c,
		flights:         coalesce.NewTracker(),
		baseCtx:         baseCtx,
		log:             log,
		metrics:         opts.Metrics,
		maxRetries:      maxRetries,
		upstreamTimeout: upstreamTimeout,
		cacheTTL:        cacheTTL,
		started:         time.Now(),
	}
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// SetRateLimiters injects the RPM rate limiter.
func (g *Gateway) SetRateLimiters(rpm *ratelimit.RPMLimiter) {
	g.rpmLimiter = rpm
}

// SetLogger injects the async request logger.
func (g *Gateway) SetLogger(l *logger.Logger) {
	g.reqLogger = l
}

// SetModels publishes the model list fetched from the upstream at startup.
func (g *Gateway) SetModels(models []string) {
	g.modelsMu.Lock()
	g.models = models
	g.modelsMu.Unlock()
}

// ServableModels returns the published model list, or the static fallback
// when no list has been fetched.
func (g *Gateway) ServableModels() []string {
	g.modelsMu.RLock()
	defer g.modelsMu.RUnlock()
	if len(g.models) == 0 {
		return fallbackModels
	}
	return g.models
}

// Flights exposes the coalescing tracker for the background sweeper.
func (g *Gateway) Flights() *coalesce.Tracker { return g.flights }

// ── Internal request / response types ─────────────────────────────────────────

type (
	inboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	inboundRequest struct {
		Model       string           `json:"model"`
		Messages    []inboundMessage `json:"messages"`
		Stream      bool             `json:"stream"`
		Temperature float64          `json:"temperature"`
		MaxTokens   int              `json:"max_tokens"`
	}

	outboundUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	outboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	outboundChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}

	outboundResponse struct {
		ID      string           `json:"id"`
		Object  string           `json:"object"`
		Created int64            `json:"created"`
		Model   string           `json:"model"`
		Choices []outboundChoice `json:"choices"`
		Usage   outboundUsage    `json:"usage"`
	}
)

// dispatchChat is the core handler for /v1/chat/completions and /v1/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	path := string(ctx.Path())
	route := "chat_completions"
	if path == "/v1/completions" {
		route = "completions"
	}
	source := "upstream" // cache|coalesced|upstream
	inputTokens, outputTokens := 0, 0
	streaming := false

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		if streaming {
			return // finalised by the stream writer
		}
		g.metrics.DecInFlight()
		dur := time.Since(start)
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), dur)
		g.metrics.ObserveRequest(route, source, dur)
		g.metrics.AddTokens(source, inputTokens, outputTokens)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	// 1. Parse request body.
	var req inboundRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if len(req.Messages) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'messages' must not be empty",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.Bool("stream", req.Stream),
	)

	// 2. Rate limit check (RPM).
	if g.rpmLimiter != nil {
		allowed, err := g.rpmLimiter.Allow(ctx)
		if err == nil && !allowed {
			if g.metrics != nil {
				g.metrics.RecordRateLimit("blocked")
			}
			g.log.WarnContext(ctx, "rate_limit_exceeded",
				slog.String("request_id", reqID),
			)
			apierr.WriteRateLimit(ctx)
			return
		}
		if err != nil {
			// Fail-open verdict: the limiter could not reach Redis.
			g.log.WarnContext(ctx, "rate_limit_degraded",
				slog.String("request_id", reqID),
				slog.String("error", err.Error()),
			)
		}
		if g.metrics != nil {
			if err != nil {
				g.metrics.RecordRateLimit("error")
			} else {
				g.metrics.RecordRateLimit("allowed")
			}
		}
	}

	// 3. Build the normalized upstream request.
	msgs := make([]upstream.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = upstream.Message{Role: m.Role, Content: m.Content}
	}

	upReq := &upstream.ChatRequest{
		Model:       req.Model,
		Messages:    msgs,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		RequestID:   reqID,
	}

	// 4. Streaming — pass-through. Streams are never cached or coalesced.
	if req.Stream {
		resp, err := g.callUpstream(upReq)
		if err != nil {
			g.log.ErrorContext(ctx, "upstream_error",
				slog.String("request_id", reqID),
				slog.String("error", err.Error()),
				slog.Duration("elapsed", time.Since(start)),
			)
			handleUpstreamError(ctx, err)
			return
		}
		if resp.Stream == nil {
			// Upstream decided not to stream after all. Serve the response we
			// already have — calling again would double-bill the request.
			body, merr := json.Marshal(buildEnvelope(resp))
			if merr != nil {
				apierr.Write(ctx, fasthttp.StatusInternalServerError,
					"failed to serialize response", apierr.TypeInternal, apierr.CodeInternalError)
				return
			}
			inputTokens = resp.Usage.InputTokens
			outputTokens = resp.Usage.OutputTokens
			ctx.Response.Header.Set("X-Cache", xCacheMISS)
			ctx.SetContentType("application/json")
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetBody(body)
			g.logRequest(reqID, resp.Model,
				inputTokens, outputTokens, time.Since(start), fasthttp.StatusOK, false, false)
			return
		}
		streaming = true
		writeSSE(ctx, resp, func(outputTokens int) {
			g.logRequest(reqID, resp.Model, 0, outputTokens,
				time.Since(start), fasthttp.StatusOK, false, false)
			if g.metrics != nil {
				// End-to-end duration is measured until stream drain.
				dur := time.Since(start)
				g.metrics.ObserveHTTP(route, fasthttp.StatusOK, dur)
				g.metrics.ObserveRequest(route, "upstream", dur)
				g.metrics.AddTokens("upstream", 0, outputTokens)
				g.metrics.DecInFlight()
			}
		})
		return
	}

	fp := Fingerprint(upReq)

	// 5. Cache lookup.
	if g.cache != nil {
		if cachedBody, ok := g.cache.Get(ctx, fp); ok {
			source = "cache"
			if g.metrics != nil {
				g.metrics.CacheGetHit()
			}
			g.log.DebugContext(ctx, "cache_hit",
				slog.String("request_id", reqID),
				slog.String("model", req.Model),
			)
			inputTokens, outputTokens = extractUsage(cachedBody)
			ctx.Response.Header.Set("X-Cache", xCacheHIT)
			ctx.SetContentType("application/json")
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetBody(cachedBody)

			g.logRequest(reqID, req.Model,
				inputTokens, outputTokens, time.Since(start), fasthttp.StatusOK, true, false)
			return
		}
		if g.metrics != nil {
			g.metrics.CacheGetMiss()
		}
	} else if g.metrics != nil {
		g.metrics.CacheGetBypass()
	}

	// 6. Coalesce: exactly one caller per fingerprint goes upstream; everyone
	// else waits on the shared flight.
	flight, owner := g.flights.Join(fp)
	if g.metrics != nil {
		g.metrics.SetInflightFingerprints(g.flights.Len())
	}

	if !owner {
		source = "coalesced"
		if g.metrics != nil {
			g.metrics.RecordCoalesced("follower")
		}
		body, err := flight.Wait(ctx)
		if err != nil {
			g.log.WarnContext(ctx, "coalesced_failure",
				slog.String("request_id", reqID),
				slog.String("error", err.Error()),
			)
			handleUpstreamError(ctx, err)
			g.logRequest(reqID, req.Model,
				0, 0, time.Since(start), ctx.Response.StatusCode(), false, true)
			return
		}
		inputTokens, outputTokens = extractUsage(body)
		ctx.Response.Header.Set("X-Cache", xCacheMISS)
		ctx.Response.Header.Set("X-Coalesced", "true")
		ctx.SetContentType("application/json")
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBody(body)

		g.logRequest(reqID, req.Model,
			inputTokens, outputTokens, time.Since(start), fasthttp.StatusOK, false, true)
		return
	}

	if g.metrics != nil {
		g.metrics.RecordCoalesced("owner")
	}

	// 7. Owner path: call upstream with key-rotation retries. Failures are
	// delivered to every follower but never cached.
	resp, err := g.callUpstream(upReq)
	if err != nil {
		g.flights.Abandon(fp, err)
		g.log.ErrorContext(ctx, "upstream_error",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		handleUpstreamError(ctx, err)
		g.logRequest(reqID, req.Model,
			0, 0, time.Since(start), ctx.Response.StatusCode(), false, false)
		return
	}

	// 8. Build an OpenAI-compatible response envelope.
	body, err := json.Marshal(buildEnvelope(resp))
	if err != nil {
		g.flights.Abandon(fp, err)
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeInternal, apierr.CodeInternalError)
		return
	}

	// 9. Populate the cache before releasing followers, so a request arriving
	// right after settlement hits the cache instead of starting a new flight.
	if g.cache != nil {
		if err := g.cache.Set(ctx, fp, body, g.cacheTTL); err != nil {
			if g.metrics != nil {
				g.metrics.CacheSetError()
			}
		} else if g.metrics != nil {
			g.metrics.CacheSetOK()
		}
	}

	g.flights.Resolve(fp, body)
	if g.metrics != nil {
		g.metrics.SetInflightFingerprints(g.flights.Len())
	}

	// 10. Emit request log entry asynchronously.
	g.logRequest(reqID, resp.Model,
		resp.Usage.InputTokens, resp.Usage.OutputTokens,
		time.Since(start), fasthttp.StatusOK, false, false)
	inputTokens = resp.Usage.InputTokens
	outputTokens = resp.Usage.OutputTokens

	g.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", reqID),
		slog.String("model", resp.Model),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
		slog.Duration("elapsed", time.Since(start)),
	)

	ctx.Response.Header.Set("X-Cache", xCacheMISS)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// callUpstream performs the upstream call with key-rotation retries.
//
// Each attempt acquires the next key from the rotation cursor and runs under
// its own timeout derived from the gateway's base context, so an owner whose
// client disconnected keeps the call alive for its followers. Transient
// failures rotate to the next key; credential-invalid failures additionally
// remove the rejected key from the pool. An exhausted pool surfaces
// keypool.ErrNoKeyAvailable.
func (g *Gateway) callUpstream(req *upstream.ChatRequest) (*upstream.ChatResponse, error) {
	var lastErr error

	for attempt := 1; attempt <= g.maxRetries; attempt++ {
		key, err := g.pool.Acquire()
		if err != nil {
			if g.metrics != nil {
				g.metrics.RecordKeyAcquisition("exhausted")
			}
			if lastErr != nil {
				// The pool drained while we were rotating. The client contract
				// is service-unavailable either way; keep the last upstream
				// error in the chain for the logs.
				return nil, fmt.Errorf("%w (last upstream error: %v)", keypool.ErrNoKeyAvailable, lastErr)
			}
			return nil, err
		}
		if g.metrics != nil {
			g.metrics.RecordKeyAcquisition("ok")
		}

		// Non-streaming attempts run under a hard deadline. A streaming
		// attempt must outlive the deadline once established, so it gets a
		// cancel-only context with a watchdog that covers Invoke itself
		// (the transports block until the first upstream event).
		var attemptCtx context.Context
		var cancel context.CancelFunc
		var watchdog *time.Timer
		if req.Stream {
			attemptCtx, cancel = context.WithCancel(g.baseCtx)
			watchdog = time.AfterFunc(g.upstreamTimeout, cancel)
		} else {
			attemptCtx, cancel = context.WithTimeout(g.baseCtx, g.upstreamTimeout)
		}
		attemptStart := time.Now()
		resp, err := g.transport.Invoke(attemptCtx, key, req)
		attemptDur := time.Since(attemptStart)
		if watchdog != nil {
			watchdog.Stop()
		}

		if err == nil {
			g.pool.ReportSuccess(key)
			if g.metrics != nil {
				g.metrics.ObserveUpstreamAttempt("success", attemptDur)
				snap := g.pool.Snapshot()
				g.metrics.SetKeyPool(snap.Live, snap.Invalid)
			}
			if resp.Stream != nil {
				resp.Stream = g.watchStream(key, resp.Stream, cancel)
			} else {
				cancel()
			}
			return resp, nil
		}
		cancel()

		class := upstream.Classify(err)
		if errors.Is(err, context.DeadlineExceeded) {
			// A production timeout is transient: the key may be fine and the
			// upstream merely slow.
			class = upstream.ClassTransient
		}
		g.pool.ReportFailure(key, class)
		lastErr = err

		if g.metrics != nil {
			g.metrics.ObserveUpstreamAttempt(class.String(), attemptDur)
			if class == upstream.ClassCredentialInvalid {
				g.metrics.RecordKeyInvalidation()
			}
			snap := g.pool.Snapshot()
			g.metrics.SetKeyPool(snap.Live, snap.Invalid)
		}

		g.log.WarnContext(g.baseCtx, "upstream_attempt_failed",
			slog.String("request_id", req.RequestID),
			slog.String("key", keypool.Digest(key)),
			slog.Int("attempt", attempt),
			slog.String("class", class.String()),
			slog.String("error", err.Error()),
		)
	}

	return nil, lastErr
}

// watchStream relays stream chunks, reporting mid-stream failures to the key
// pool and releasing the attempt context once the stream drains. The first
// chunk is guaranteed good — the transports surface first-event failures as
// Invoke errors — so everything seen here happened after the stream committed.
func (g *Gateway) watchStream(key string, src <-chan upstream.StreamChunk, release context.CancelFunc) <-chan upstream.StreamChunk {
	out := make(chan upstream.StreamChunk)
	go func() {
		defer release()
		defer close(out)
		for chunk := range src {
			if chunk.Err != nil {
				class := upstream.Classify(chunk.Err)
				g.pool.ReportFailure(key, class)
				if g.metrics != nil {
					if class == upstream.ClassCredentialInvalid {
						g.metrics.RecordKeyInvalidation()
					}
					snap := g.pool.Snapshot()
					g.metrics.SetKeyPool(snap.Live, snap.Invalid)
				}
				g.log.Warn("stream_failed",
					slog.String("key", keypool.Digest(key)),
					slog.String("class", class.String()),
					slog.String("error", chunk.Err.Error()),
				)
			}
			out <- chunk
		}
	}()
	return out
}

// buildEnvelope wraps an upstream response in the OpenAI chat.completion
// envelope.
func buildEnvelope(resp *upstream.ChatResponse) outboundResponse {
	return outboundResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []outboundChoice{
			{
				Index:        0,
				Message:      outboundMessage{Role: "assistant", Content: resp.Content},
				FinishReason: "stop",
			},
		},
		Usage: outboundUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}

// logRequest enqueues a RequestLog entry to the async logger. Never blocks.
func (g *Gateway) logRequest(
	requestID, model string,
	inputTokens, outputTokens int,
	latency time.Duration,
	status int,
	isCached, isCoalesced bool,
) {
	if g.reqLogger == nil {
		return
	}

	reqUUID, _ := uuid.Parse(requestID)

	// Clamp to uint16 max so we don't overflow the field.
	latencyMs := uint16(latency.Milliseconds())
	if latency.Milliseconds() > 65535 {
		latencyMs = 65535
	}

	g.reqLogger.Log(logger.RequestLog{
		ID:           reqUUID,
		Model:        model,
		InputTokens:  uint32(inputTokens),
		OutputTokens: uint32(outputTokens),
		LatencyMs:    latencyMs,
		Status:       uint16(status),
		Cached:       isCached,
		Coalesced:    isCoalesced,
		CreatedAt:    time.Now(),
	})
}

// extractUsage pulls token counts out of a serialized response body.
// Best-effort: a body without usage yields zeros.
func extractUsage(body []byte) (input, output int) {
	var u struct {
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &u); err != nil {
		return 0, 0
	}
	return u.Usage.PromptTokens, u.Usage.CompletionTokens
}

// handleUpstreamError maps upstream errors to the appropriate HTTP response.
//
//	keypool.ErrNoKeyAvailable                → 503 + Retry-After
//	statusCoder (errors carrying HTTP codes) → passed through with remapping
//	context.DeadlineExceeded                 → 504 Gateway Timeout
//	all other errors                         → 502 Bad Gateway
func handleUpstreamError(ctx *fasthttp.RequestCtx, err error) {
	type statusCoder interface{ HTTPStatus() int }

	if errors.Is(err, keypool.ErrNoKeyAvailable) {
		apierr.WriteServiceUnavailable(ctx, "no valid API key available")
		return
	}
	if sc, ok := err.(statusCoder); ok {
		apierr.WriteUpstreamError(ctx, sc.HTTPStatus(), err.Error())
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		apierr.WriteTimeout(ctx)
		return
	}

	apierr.Write(ctx, fasthttp.StatusBadGateway,
		err.Error(), apierr.TypeUpstream, apierr.CodeUpstreamError)
}

// writeSSE streams response chunks from the upstream as Server-Sent Events.
// onComplete is called once the stream drains with an estimated output token
// count (≈ chars/4), enabling async logging for streaming requests.
func writeSSE(ctx *fasthttp.RequestCtx, resp *upstream.ChatResponse, onComplete func(outputTokens int)) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer

		var sb strings.Builder
		for chunk := range resp.Stream {
			if chunk.Err != nil {
				// The stream is already committed as 200; deliver the failure
				// in-band and terminate.
				data, _ := json.Marshal(map[string]any{
					"error": map[string]string{
						"message": chunk.Err.Error(),
						"type":    apierr.TypeUpstream,
						"code":    apierr.CodeUpstreamError,
					},
				})
				fmt.Fprintf(w, "data: %s\n\n", data)
				w.Flush() //nolint:errcheck
				break
			}
			sb.WriteString(chunk.Content)

			delta := map[string]any{
				"id":      "chatcmpl-stream",
				"object":  "chat.completion.chunk",
				"created": time.Now().Unix(),
				"choices": []map[string]any{
					{
						"index": 0,
						"delta": map[string]string{"content": chunk.Content},
						"finish_reason": func() any {
							if chunk.FinishReason != "" {
								return chunk.FinishReason
							}
							return nil
						}(),
					},
				},
			}
			data, _ := json.Marshal(delta)
			fmt.Fprintf(w, "data: %s\n\n", data)
			w.Flush() //nolint:errcheck
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush() //nolint:errcheck

		// Estimate output tokens: ~4 characters per token (GPT-style heuristic).
		estimated := sb.Len() / 4
		if estimated == 0 {
			estimated = 1
		}
		if onComplete != nil {
			onComplete(estimated)
		}
	})
}
