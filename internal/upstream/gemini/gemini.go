// Package gemini implements upstream.Transport for the public Gemini API
// (official GenAI SDK), authenticated per call with a pool-supplied API key.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math/rand"
	"net/http"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/solara-labs/gemini-gateway/internal/upstream"
)

const transportName = "gemini"

// Transport implements upstream.Transport. SDK clients are created lazily per
// API key and cached, so a pool of N keys costs N clients for the lifetime of
// the process instead of one client per request.
type Transport struct {
	baseURL    string
	httpClient *http.Client

	mu      sync.Mutex
	clients map[string]*genai.Client
}

// Option configures a Transport.
type Option func(*Transport)

// WithBaseURL overrides the API base URL (useful for testing against mocks).
func WithBaseURL(u string) Option {
	return func(t *Transport) { t.baseURL = u }
}

// New creates a Gemini Transport.
func New(opts ...Option) *Transport {
	t := &Transport{
		httpClient: &http.Client{Timeout: upstream.DefaultInvokeTimeout},
		clients:    make(map[string]*genai.Client),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Transport) Name() string { return transportName }

// Probe performs a cheap liveness check for key: a one-item model listing.
// Any error — including a deadline — means the key fails validation.
func (t *Transport) Probe(ctx context.Context, key string) error {
	client, err := t.clientForKey(ctx, key)
	if err != nil {
		return err
	}
	if _, err := client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1}); err != nil {
		return toError(err)
	}
	return nil
}

// ListModels returns the model identifiers servable with key, with the
// "models/" resource prefix stripped.
func (t *Transport) ListModels(ctx context.Context, key string) ([]string, error) {
	client, err := t.clientForKey(ctx, key)
	if err != nil {
		return nil, err
	}

	var names []string
	for model, err := range client.Models.All(ctx) {
		if err != nil {
			return nil, toError(err)
		}
		if model == nil || model.Name == "" {
			continue
		}
		names = append(names, strings.TrimPrefix(model.Name, "models/"))
	}
	return names, nil
}

// Invoke performs one production call with key.
func (t *Transport) Invoke(ctx context.Context, key string, req *upstream.ChatRequest) (*upstream.ChatResponse, error) {
	client, err := t.clientForKey(ctx, key)
	if err != nil {
		return nil, err
	}

	contents, cfg := buildContentsAndConfig(req)

	if req.Stream {
		return openStream(ctx, client, req.Model, contents, cfg)
	}
	return handleResponse(ctx, client, req, contents, cfg)
}

func buildContentsAndConfig(req *upstream.ChatRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	var systemPrompt string
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content

		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))

		default: // user / unknown
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	var cfg *genai.GenerateContentConfig
	if systemPrompt != "" || req.Temperature > 0 || req.MaxTokens > 0 {
		cfg = &genai.GenerateContentConfig{}
	}

	if cfg != nil && systemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemPrompt}},
		}
	}
	if cfg != nil && req.Temperature > 0 {
		cfg.Temperature = genai.Ptr[float32](float32(req.Temperature))
	}
	if cfg != nil && req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	return contents, cfg
}

func handleResponse(
	ctx context.Context,
	client *genai.Client,
	req *upstream.ChatRequest,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) (*upstream.ChatResponse, error) {
	resp, err := client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, toError(err)
	}

	id := req.RequestID
	if id == "" {
		if resp != nil && resp.ResponseID != "" {
			id = resp.ResponseID
		} else {
			id = generateID()
		}
	}

	out := ""
	if resp != nil {
		out = resp.Text()
	}

	var inTok, outTok int
	if resp != nil && resp.UsageMetadata != nil {
		inTok = int(resp.UsageMetadata.PromptTokenCount)
		outTok = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	return &upstream.ChatResponse{
		ID:      id,
		Model:   req.Model,
		Content: out,
		Usage: upstream.Usage{
			InputTokens:  inTok,
			OutputTokens: outTok,
		},
	}, nil
}

// openStream starts a streaming generation and blocks until the first
// upstream event, so a rejection (bad key, bad model) comes back as a
// classified Invoke error and the caller's key rotation still works. Failures
// after the first event are delivered in-band as a terminal Err chunk.
func openStream(
	ctx context.Context,
	client *genai.Client,
	model string,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) (*upstream.ChatResponse, error) {
	next, stop := iter.Pull2(client.Models.GenerateContentStream(ctx, model, contents, cfg))

	resp, err, ok := next()
	if err != nil {
		stop()
		return nil, toError(err)
	}

	ch := make(chan upstream.StreamChunk, 64)
	go func() {
		defer stop()
		defer close(ch)

		for ok {
			if err != nil {
				ch <- upstream.StreamChunk{Err: toError(err)}
				return
			}
			if chunk, send := chunkFrom(resp); send {
				ch <- chunk
			}
			resp, err, ok = next()
		}
	}()

	return &upstream.ChatResponse{Model: model, Stream: ch}, nil
}

// chunkFrom extracts a deliverable chunk from one stream event. Events with
// neither text nor a finish reason are skipped.
func chunkFrom(resp *genai.GenerateContentResponse) (upstream.StreamChunk, bool) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return upstream.StreamChunk{}, false
	}

	c := resp.Candidates[0]
	text := candidateText(c)
	finish := ""
	if c.FinishReason != "" {
		finish = string(c.FinishReason)
	}
	if text == "" && finish == "" {
		return upstream.StreamChunk{}, false
	}

	return upstream.StreamChunk{Content: text, FinishReason: finish}, true
}

func (t *Transport) clientForKey(ctx context.Context, key string) (*genai.Client, error) {
	if key == "" {
		return nil, &upstream.Error{
			Class:      upstream.ClassCredentialInvalid,
			StatusCode: 401,
			Message:    "empty API key",
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.clients[key]; ok {
		return c, nil
	}

	cfg := &genai.ClientConfig{
		APIKey:     key,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: t.httpClient,
	}
	if t.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: t.baseURL}
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}

	t.clients[key] = client
	return client, nil
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil || len(c.Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// generateID produces a random hex ID for responses that don't include one.
func generateID() string {
	return fmt.Sprintf("gemini-%x", rand.Int63())
}

// toError converts SDK errors into classified upstream errors. This is the
// single place where Gemini status codes are enumerated into the
// transient / credential-invalid taxonomy.
func toError(err error) error {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return err
	}

	class := upstream.ClassTransient
	switch {
	case apiErr.Code == 401 || apiErr.Code == 403:
		class = upstream.ClassCredentialInvalid
	case apiErr.Code == 400 && strings.Contains(apiErr.Message, "API key"):
		// Gemini reports malformed or revoked keys as 400 INVALID_ARGUMENT
		// with an "API key not valid" message.
		class = upstream.ClassCredentialInvalid
	}

	return &upstream.Error{
		Class:      class,
		StatusCode: apiErr.Code,
		Message:    apiErr.Message,
	}
}
