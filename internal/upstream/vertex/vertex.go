// Package vertex implements upstream.Transport for Google Vertex AI — the
// managed-credential backend. It uses the same google.golang.org/genai SDK as
// the gemini transport but authenticates via Application Default Credentials,
// so the pool-supplied key is a managed-credential handle rather than a
// secret: the SDK ignores it and resolves auth from the environment.
//
// Required configuration:
//   - VERTEX_PROJECT  — Google Cloud project ID
//   - VERTEX_LOCATION — region, e.g. "us-central1" (default)
//
// Authentication is handled via ADC:
//   - GOOGLE_APPLICATION_CREDENTIALS pointing to a service account key file, or
//   - Workload Identity / GCE metadata server when running on GCP.
package vertex

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math/rand"
	"strings"

	"google.golang.org/genai"

	"github.com/solara-labs/gemini-gateway/internal/upstream"
)

const (
	defaultLocation = "us-central1"
	transportName   = "vertex"
)

// CredentialHandle is the pool entry installed for the ADC-backed credential.
// The pool rotates over handles like any other key; this backend only ever
// has one.
const CredentialHandle = "vertex-adc"

// Transport implements upstream.Transport for Vertex AI.
type Transport struct {
	project  string
	location string
	client   *genai.Client
}

// Option configures a Transport.
type Option func(*Transport)

// WithLocation overrides the default Vertex AI region.
func WithLocation(loc string) Option {
	return func(t *Transport) { t.location = loc }
}

// New creates a Vertex AI Transport. Auth is resolved via Application
// Default Credentials — no API key needed.
func New(ctx context.Context, project string, opts ...Option) (*Transport, error) {
	t := &Transport{
		project:  project,
		location: defaultLocation,
	}
	for _, o := range opts {
		o(t)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project:  t.project,
		Location: t.location,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		return nil, fmt.Errorf("vertex: create client: %w", err)
	}

	t.client = client
	return t, nil
}

func (t *Transport) Name() string { return transportName }

// Probe checks that the ADC credential can list models.
func (t *Transport) Probe(ctx context.Context, _ string) error {
	if _, err := t.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1}); err != nil {
		return toError(err)
	}
	return nil
}

// ListModels returns the model identifiers servable through this project,
// with resource prefixes stripped.
func (t *Transport) ListModels(ctx context.Context, _ string) ([]string, error) {
	var names []string
	for model, err := range t.client.Models.All(ctx) {
		if err != nil {
			return nil, toError(err)
		}
		if model == nil || model.Name == "" {
			continue
		}
		name := model.Name
		if i := strings.LastIndex(name, "/"); i >= 0 {
			name = name[i+1:]
		}
		names = append(names, name)
	}
	return names, nil
}

// Invoke performs one production call. The key argument is ignored — Vertex
// auth lives in the client.
func (t *Transport) Invoke(ctx context.Context, _ string, req *upstream.ChatRequest) (*upstream.ChatResponse, error) {
	contents, cfg := buildContentsAndConfig(req)

	if req.Stream {
		return t.openStream(ctx, req.Model, contents, cfg)
	}
	return t.handleResponse(ctx, req, contents, cfg)
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
		default:
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

func (t *Transport) handleResponse(
	ctx context.Context,
	req *upstream.ChatRequest,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) (*upstream.ChatResponse, error) {
	resp, err := t.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, toError(err)
	}

	id := req.RequestID
	if id == "" {
		if resp != nil && resp.ResponseID != "" {
			id = resp.ResponseID
		} else {
			id = fmt.Sprintf("vertex-%x", rand.Int63())
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
// upstream event, so an ADC rejection comes back as a classified Invoke
// error. Failures after the first event are delivered in-band as a terminal
// Err chunk.
func (t *Transport) openStream(
	ctx context.Context,
	model string,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) (*upstream.ChatResponse, error) {
	next, stop := iter.Pull2(t.client.Models.GenerateContentStream(ctx, model, contents, cfg))

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
	var sb strings.Builder
	if c.Content != nil {
		for _, p := range c.Content.Parts {
			if p != nil && p.Text != "" {
				sb.WriteString(p.Text)
			}
		}
	}
	finish := ""
	if c.FinishReason != "" {
		finish = string(c.FinishReason)
	}
	if sb.Len() == 0 && finish == "" {
		return upstream.StreamChunk{}, false
	}

	return upstream.StreamChunk{Content: sb.String(), FinishReason: finish}, true
}

// toError converts SDK errors into classified upstream errors. For the
// managed backend an auth failure means the ADC credential itself is broken,
// which is still credential-invalid from the pool's point of view.
func toError(err error) error {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return err
	}

	class := upstream.ClassTransient
	if apiErr.Code == 401 || apiErr.Code == 403 {
		class = upstream.ClassCredentialInvalid
	}

	return &upstream.Error{
		Class:      class,
		StatusCode: apiErr.Code,
		Message:    apiErr.Message,
	}
}
