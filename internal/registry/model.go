// Package registry maps client-facing model aliases to upstream model
// configurations. The table is built once from configuration and replaced
// wholesale on reload; individual entries are never mutated.
package registry

import (
	"strings"
	"time"
)

// ModelConfig describes one routable model. Values are fixed at load time;
// a ModelConfig handed out by Resolve must be treated as read-only.
type ModelConfig struct {
	// Alias is the client-facing model name, unique within the registry.
	Alias string

	// Model is the upstream identifier, provider-prefixed
	// (e.g. "openai/gpt-4.1", "anthropic/claude-sonnet-4").
	Provider string
	Model    string

	// APIKey is the resolved credential for this model. It is looked up
	// from the environment at load time and never written back anywhere.
	APIKey string

	// BaseURL overrides the provider's default endpoint when set.
	BaseURL string

	// Timeout is the per-attempt request timeout. Zero means use the
	// process-wide default.
	Timeout time.Duration

	// Retries is the retry budget for retryable failures. Nil means use
	// the process-wide default; zero means never retry.
	Retries *int

	// Params holds passthrough request parameters (temperature,
	// max_tokens, ...). Opaque to the dispatch core; merged into the
	// upstream request body with client-supplied values winning.
	Params map[string]any

	// Pricing is the per-token price table for cost accounting, when known.
	Pricing *Pricing
}

// Pricing holds USD prices per million tokens.
type Pricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// Cost returns the USD cost for the given token counts.
func (p *Pricing) Cost(promptTokens, completionTokens int) float64 {
	in := float64(promptTokens) / 1_000_000 * p.InputPerMillion
	out := float64(completionTokens) / 1_000_000 * p.OutputPerMillion
	return in + out
}

// UpstreamModel returns the model identifier without the provider prefix,
// which is what OpenAI-compatible endpoints expect in the request body.
func (m *ModelConfig) UpstreamModel() string {
	if i := strings.IndexByte(m.Model, '/'); i >= 0 {
		return m.Model[i+1:]
	}
	return m.Model
}

// InferProvider derives the provider name from an upstream model
// identifier. An explicit "provider/" prefix always wins; otherwise the
// name is matched against well-known model families.
func InferProvider(model string) string {
	if model == "" {
		return "unknown"
	}
	if i := strings.IndexByte(model, '/'); i >= 0 {
		return model[:i]
	}

	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "gpt-"), strings.HasPrefix(lower, "o1-"),
		strings.HasPrefix(lower, "text-davinci"):
		return "openai"
	case strings.Contains(lower, "claude"):
		return "anthropic"
	case strings.HasPrefix(lower, "gemini"), strings.HasPrefix(lower, "palm"):
		return "google"
	case strings.HasPrefix(lower, "mistral"):
		return "mistral"
	case strings.HasPrefix(lower, "llama"):
		return "meta"
	default:
		return "unknown"
	}
}
