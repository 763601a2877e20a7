// Package security prevents credentials from leaking into logs or the
// usage ledger.
package security

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
)

// Redacted replaces any detected credential material.
const Redacted = "[REDACTED]"

// credentialPatterns matches the API key formats of the providers we
// route to, plus generic bearer material.
var credentialPatterns = []*regexp.Regexp{
	// Anthropic keys must match before the generic OpenAI prefix.
	regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{20,}`),
	// OpenAI-style keys: sk-...
	regexp.MustCompile(`sk-[a-zA-Z0-9_-]{20,}`),
	// Google AI keys: AIza...
	regexp.MustCompile(`AIza[a-zA-Z0-9_-]{30,}`),
	// Bearer tokens embedded in header dumps
	regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._-]{20,}`),
}

// sensitiveKeys are payload/attribute names whose values are always
// redacted regardless of shape.
var sensitiveKeys = []string{
	"api_key", "apikey", "api-key", "authorization", "bearer",
	"credential", "password", "secret", "token",
}

// Redact replaces credential material in a string.
func Redact(s string) string {
	out := s
	for _, p := range credentialPatterns {
		out = p.ReplaceAllString(out, Redacted)
	}
	return out
}

// RedactPayload returns a deep copy of a request payload with credential
// values removed. Used before a payload snapshot is written to the
// ledger; the original map is never modified.
func RedactPayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	return redactMap(payload)
}

func redactMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if isSensitiveKey(k) {
			out[k] = Redacted
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch t := v.(type) {
	case string:
		return Redact(t)
	case map[string]any:
		return redactMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = redactValue(e)
		}
		return out
	default:
		return v
	}
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, k := range sensitiveKeys {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// RedactingHandler wraps an slog.Handler and scrubs credential material
// from every record before it is written.
type RedactingHandler struct {
	inner slog.Handler
}

// NewRedactingHandler wraps an existing handler.
func NewRedactingHandler(inner slog.Handler) *RedactingHandler {
	return &RedactingHandler{inner: inner}
}

func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *RedactingHandler) Handle(ctx context.Context, r slog.Record) error {
	clean := slog.Record{
		Time:    r.Time,
		Message: Redact(r.Message),
		Level:   r.Level,
		PC:      r.PC,
	}
	r.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(redactAttr(a))
		return true
	})
	return h.inner.Handle(ctx, clean)
}

func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		redacted[i] = redactAttr(a)
	}
	return &RedactingHandler{inner: h.inner.WithAttrs(redacted)}
}

func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{inner: h.inner.WithGroup(name)}
}

func redactAttr(a slog.Attr) slog.Attr {
	if isSensitiveKey(a.Key) {
		return slog.String(a.Key, Redacted)
	}
	if s, ok := a.Value.Any().(string); ok {
		return slog.String(a.Key, Redact(s))
	}
	return a
}
