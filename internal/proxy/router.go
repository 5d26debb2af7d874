package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/solara-labs/gemini-gateway/internal/cache"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the proxy routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Start starts the HTTP server on addr (e.g. ":8080").
// Pass nil for routes to start in proxy-only mode.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	r := router.New()

	r.POST("/v1/chat/completions", g.handleChatCompletions)
	r.POST("/v1/completions", g.handleCompletions)
	r.GET("/v1/models", g.handleModels)
	r.GET("/health", g.handleHealth)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)

	srv := &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return srv.ListenAndServe(addr)
}

func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatchChat(ctx)
}

func (g *Gateway) handleCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatchChat(ctx)
}

// handleModels serves the OpenAI-compatible model list. The list is fetched
// from the upstream at startup; until then a static fallback is served.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	models := g.ServableModels()

	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}

	data := make([]modelEntry, len(models))
	now := time.Now().Unix()
	for i, id := range models {
		data[i] = modelEntry{ID: id, Object: "model", Created: now, OwnedBy: "google"}
	}

	writeJSON(ctx, map[string]any{
		"object": "list",
		"data":   data,
	})
}

// handleHealth reports pool membership and in-flight state. Always 200 — an
// empty pool is reported in the body, not as an HTTP failure, so orchestrators
// don't restart a process that may recover through background validation.
func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	snap := g.pool.Snapshot()
	status := "ok"
	if snap.Live == 0 {
		status = "degraded"
	}

	body := map[string]any{
		"status":         status,
		"keys":           snap,
		"in_flight":      g.flights.Len(),
		"uptime_seconds": int64(time.Since(g.started).Seconds()),
	}
	if mc, ok := g.cache.(*cache.MemoryCache); ok {
		body["cache_entries"] = mc.Len()
	}

	writeJSON(ctx, body)
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
