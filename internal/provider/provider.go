// Package provider abstracts the upstream LLM services behind a single
// client interface. All failures surface as *Error values carrying a
// FailureKind, regardless of which upstream produced them.
package provider

import (
	"context"

	"github.com/pylonproxy/pylon/internal/registry"
)

// Client performs completions against an upstream for a resolved model.
type Client interface {
	// Complete performs a synchronous chat completion. The returned body
	// is the upstream response decoded as generic JSON, forwarded to the
	// caller verbatim apart from the model field.
	Complete(ctx context.Context, cfg *registry.ModelConfig, payload map[string]any) (map[string]any, error)

	// StreamComplete opens a streaming chat completion. The stream is a
	// lazy, finite, non-restartable chunk sequence; it may fail partway
	// through, in which case Recv returns an *Error.
	StreamComplete(ctx context.Context, cfg *registry.ModelConfig, payload map[string]any) (Stream, error)
}

// Stream yields upstream chunks in arrival order. Recv returns io.EOF
// when the sequence is exhausted. Close releases the underlying
// connection and is safe to call more than once.
type Stream interface {
	Recv() (map[string]any, error)
	Close() error
}

// Usage holds the token counts reported by an upstream response.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// UsageFromBody extracts token usage from an OpenAI-shaped response or
// chunk body. Returns nil when the body carries no usage object;
// providers commonly report usage only on the final streaming chunk.
func UsageFromBody(body map[string]any) *Usage {
	raw, ok := body["usage"].(map[string]any)
	if !ok || raw == nil {
		return nil
	}
	return &Usage{
		PromptTokens:     intField(raw, "prompt_tokens"),
		CompletionTokens: intField(raw, "completion_tokens"),
		TotalTokens:      intField(raw, "total_tokens"),
	}
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
