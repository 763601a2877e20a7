package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pylonproxy/pylon/internal/registry"
)

// Default endpoints for the OpenAI-compatible providers we route to.
// A ModelConfig.BaseURL overrides these.
var defaultBaseURLs = map[string]string{
	"openai":   "https://api.openai.com/v1",
	"mistral":  "https://api.mistral.ai/v1",
	"deepseek": "https://api.deepseek.com/v1",
	"groq":     "https://api.groq.com/openai/v1",
}

// OpenAIClient talks to OpenAI-compatible chat completion endpoints.
// Per-attempt timeouts are enforced by the caller through the context;
// the embedded http.Client carries no timeout of its own.
type OpenAIClient struct {
	httpClient *http.Client
	baseURLs   map[string]string
}

// OpenAIClientOption is a functional option for configuring OpenAIClient.
type OpenAIClientOption func(*OpenAIClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) OpenAIClientOption {
	return func(c *OpenAIClient) {
		c.httpClient = client
	}
}

// WithProviderBaseURL overrides the default endpoint for a provider name.
func WithProviderBaseURL(provider, url string) OpenAIClientOption {
	return func(c *OpenAIClient) {
		c.baseURLs[provider] = strings.TrimSuffix(url, "/")
	}
}

// NewOpenAIClient creates a client for OpenAI-compatible upstreams.
func NewOpenAIClient(opts ...OpenAIClientOption) *OpenAIClient {
	c := &OpenAIClient{
		httpClient: &http.Client{},
		baseURLs:   make(map[string]string),
	}
	for k, v := range defaultBaseURLs {
		c.baseURLs[k] = v
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete performs a synchronous chat completion.
func (c *OpenAIClient) Complete(ctx context.Context, cfg *registry.ModelConfig, payload map[string]any) (map[string]any, error) {
	resp, err := c.do(ctx, cfg, payload, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, adaptTransportError(cfg.Provider, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.errorFromResponse(cfg.Provider, resp.StatusCode, respBody)
	}

	var body map[string]any
	if err := json.Unmarshal(respBody, &body); err != nil {
		return nil, &Error{
			Kind:     KindUpstream,
			Provider: cfg.Provider,
			Message:  fmt.Sprintf("malformed upstream response: %v", err),
			Cause:    err,
		}
	}
	// A literal JSON null decodes without error into a nil map.
	if body == nil {
		return nil, &Error{
			Kind:     KindUpstream,
			Provider: cfg.Provider,
			Message:  "malformed upstream response: empty body",
		}
	}
	return body, nil
}

// StreamComplete opens a streaming chat completion. The request asks the
// upstream to include usage totals on the final chunk.
func (c *OpenAIClient) StreamComplete(ctx context.Context, cfg *registry.ModelConfig, payload map[string]any) (Stream, error) {
	resp, err := c.do(ctx, cfg, payload, true)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, c.errorFromResponse(cfg.Provider, resp.StatusCode, respBody)
	}

	return newSSEStream(cfg.Provider, resp.Body), nil
}

// do builds and executes the upstream HTTP request.
func (c *OpenAIClient) do(ctx context.Context, cfg *registry.ModelConfig, payload map[string]any, stream bool) (*http.Response, error) {
	body, err := json.Marshal(c.buildBody(cfg, payload, stream))
	if err != nil {
		return nil, &Error{
			Kind:     KindBadRequest,
			Provider: cfg.Provider,
			Message:  fmt.Sprintf("cannot encode request body: %v", err),
			Cause:    err,
		}
	}

	url := c.baseURL(cfg) + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{
			Kind:     KindUnclassified,
			Provider: cfg.Provider,
			Message:  fmt.Sprintf("cannot build upstream request: %v", err),
			Cause:    err,
		}
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, adaptTransportError(cfg.Provider, err)
	}
	return resp, nil
}

// buildBody merges the model's passthrough params under the client
// payload. Client-supplied values win except explicit nulls, which fall
// back to the configured default. The alias is replaced by the upstream
// model name, and streaming requests opt in to usage reporting.
func (c *OpenAIClient) buildBody(cfg *registry.ModelConfig, payload map[string]any, stream bool) map[string]any {
	body := make(map[string]any, len(payload)+len(cfg.Params)+2)
	for k, v := range payload {
		body[k] = v
	}
	for k, v := range cfg.Params {
		if cur, present := body[k]; !present || cur == nil {
			body[k] = v
		}
	}
	body["model"] = cfg.UpstreamModel()
	if stream {
		body["stream"] = true
		if _, present := body["stream_options"]; !present {
			body["stream_options"] = map[string]any{"include_usage": true}
		}
	}
	return body
}

func (c *OpenAIClient) baseURL(cfg *registry.ModelConfig) string {
	if cfg.BaseURL != "" {
		return strings.TrimSuffix(cfg.BaseURL, "/")
	}
	if url, ok := c.baseURLs[cfg.Provider]; ok {
		return url
	}
	return defaultBaseURLs["openai"]
}

// errorFromResponse converts a non-200 upstream response into an *Error,
// preferring the upstream's own error message when it parses.
func (c *OpenAIClient) errorFromResponse(provider string, status int, body []byte) *Error {
	message := strings.TrimSpace(string(body))

	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		message = parsed.Error.Message
	}
	if message == "" {
		message = http.StatusText(status)
	}

	return &Error{
		Kind:     kindForStatus(status),
		Provider: provider,
		Status:   status,
		Message:  message,
	}
}

// DefaultUpstreamTimeout is a conservative ceiling used by callers that
// have no configured default.
const DefaultUpstreamTimeout = 120 * time.Second
