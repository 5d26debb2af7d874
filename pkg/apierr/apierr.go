// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeInternal           = "internal_error"
	TypeServiceUnavailable = "service_unavailable"
	TypeUpstream           = "upstream_error"
	TypeInvalidRequest     = "invalid_request_error"
	TypeRateLimit          = "rate_limit_error"
)

// Code constants.
const (
	CodeInternalError     = "internal_error"
	CodeNoKeyAvailable    = "no_key_available"
	CodeUpstreamError     = "upstream_error"
	CodeRequestTimeout    = "request_timeout"
	CodeInvalidRequest    = "invalid_request"
	CodeRateLimitExceeded = "rate_limit_exceeded"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteServiceUnavailable writes a 503 for an exhausted key pool. Retry-After
// hints that the pool may recover once background validation finishes or an
// operator supplies fresh keys.
func WriteServiceUnavailable(ctx *fasthttp.RequestCtx, msg string) {
	ctx.Response.Header.Set("Retry-After", "30")
	Write(ctx, fasthttp.StatusServiceUnavailable, msg, TypeServiceUnavailable, CodeNoKeyAvailable)
}

// WriteUpstreamError maps an upstream HTTP status to the appropriate gateway status.
//
//	Upstream 429  → 429 + Retry-After: 60
//	Upstream 4xx  → passed through
//	Upstream 5xx  → 502
//	Default       → 502
func WriteUpstreamError(ctx *fasthttp.RequestCtx, upstreamStatus int, msg string) {
	switch {
	case upstreamStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimit, CodeRateLimitExceeded)
	case upstreamStatus >= 400 && upstreamStatus < 500:
		Write(ctx, upstreamStatus, msg, TypeUpstream, CodeUpstreamError)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeUpstream, CodeUpstreamError)
	}
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "upstream request timed out", TypeUpstream, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimit, CodeRateLimitExceeded)
}
