// Package upstream defines the transport boundary between the gateway and the
// generative-AI backend reachable through it.
//
// Two implementations exist in sub-packages:
//   - gemini — the public Gemini API, authenticated per call with an API key
//     drawn from the rotation pool.
//   - vertex — the managed-credential Vertex AI backend, authenticated via
//     Application Default Credentials.
//
// Errors crossing this boundary carry an ErrorClass so the key pool can tell
// "this key is dead" apart from "try again with another key".
package upstream

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Default timeouts applied when configuration leaves them unset.
const (
	DefaultInvokeTimeout = 30 * time.Second
	DefaultProbeTimeout  = 10 * time.Second
)

// ErrorClass partitions upstream failures by how the key pool must react.
type ErrorClass int

const (
	// ClassTransient — network faults, rate limits, 5xx. The key stays in
	// the pool; the caller retries with the next acquired key.
	ClassTransient ErrorClass = iota

	// ClassCredentialInvalid — authentication or quota-exhaustion signals.
	// The key is removed from the pool permanently.
	ClassCredentialInvalid
)

// String returns the metrics/log label for the class.
func (c ErrorClass) String() string {
	if c == ClassCredentialInvalid {
		return "credential_invalid"
	}
	return "transient"
}

// Error is a structured failure returned by a Transport.
type Error struct {
	Class      ErrorClass
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream: %s (status=%d, class=%s)", e.Message, e.StatusCode, e.Class)
}

// HTTPStatus reports the upstream HTTP status for response mapping.
func (e *Error) HTTPStatus() int { return e.StatusCode }

// Classify maps any error from a Transport call to an ErrorClass.
//
// The mapping is an explicit status-code enumeration rather than error-text
// matching:
//
//	401, 403            → credential-invalid (bad or revoked key)
//	400 + key-invalid   → credential-invalid (Gemini reports malformed keys as 400)
//	429                 → transient (rate limit; the key recovers on its own)
//	5xx, timeouts, rest → transient
func Classify(err error) ErrorClass {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Class
	}
	return ClassTransient
}

type (
	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string
		Content string
	}

	// Usage — token usage stats.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// StreamChunk is a single token chunk delivered during a streaming response.
	// A chunk with Err set terminates the stream; Err carries the same
	// classification as an Invoke error so the caller can react to a key
	// dying mid-stream.
	StreamChunk struct {
		Content      string
		FinishReason string
		Err          error
	}

	// ChatRequest — normalized client request.
	ChatRequest struct {
		Model       string
		Messages    []Message
		Stream      bool
		Temperature float64
		MaxTokens   int
		RequestID   string
	}

	// ChatResponse — normalized upstream response.
	ChatResponse struct {
		ID      string
		Model   string
		Content string
		Usage   Usage
		Stream  <-chan StreamChunk // nil if it's not a stream.
	}
)

// Transport is the upstream collaborator consumed by the gateway core.
//
// Probe is a cheap liveness check used during bootstrap and background
// validation — never on the request hot path. Invoke performs one production
// call with the given key. ListModels reports the model identifiers the
// backend will serve for the given key.
type Transport interface {
	Name() string
	Probe(ctx context.Context, key string) error
	Invoke(ctx context.Context, key string, req *ChatRequest) (*ChatResponse, error)
	ListModels(ctx context.Context, key string) ([]string, error)
}
