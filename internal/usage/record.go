// Package usage defines the per-request audit record and the sinks it is
// written to. Recording is fire-and-forget: no Recorder may surface a
// failure to the request path.
package usage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Outcome tags how a request ended.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeError     Outcome = "error"
	OutcomeCancelled Outcome = "client_cancelled"
)

// Record is the single audit row emitted for every accepted request.
// Token counts and cost are nil when the upstream never reported them
// (e.g. a failure before any response).
type Record struct {
	ID        uuid.UUID
	Timestamp time.Time

	Alias    string
	Provider string

	PromptTokens     *int
	CompletionTokens *int
	TotalTokens      *int
	Cost             *float64

	Duration time.Duration
	Outcome  Outcome

	// ErrorCode is the classified code for error outcomes, empty otherwise.
	ErrorCode string
	// ErrorDetail is the human-readable failure description, empty otherwise.
	ErrorDetail string

	// Request is a redacted snapshot of the client payload, kept for the
	// ledger's request browser. May be nil.
	Request map[string]any
}

// NewRecord creates a record stamped with a fresh ID and the current time.
func NewRecord(alias, provider string) *Record {
	return &Record{
		ID:        uuid.New(),
		Timestamp: time.Now().UTC(),
		Alias:     alias,
		Provider:  provider,
	}
}

// Recorder accepts finished records. Implementations swallow their own
// failures; Record never returns an error.
type Recorder interface {
	Record(ctx context.Context, rec *Record)
}

// RecorderFunc adapts a function to the Recorder interface.
type RecorderFunc func(ctx context.Context, rec *Record)

func (f RecorderFunc) Record(ctx context.Context, rec *Record) {
	f(ctx, rec)
}

// MultiRecorder fans a record out to several sinks in order.
type MultiRecorder []Recorder

func (m MultiRecorder) Record(ctx context.Context, rec *Record) {
	for _, r := range m {
		r.Record(ctx, rec)
	}
}
