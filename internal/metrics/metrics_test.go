package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pylonproxy/pylon/internal/usage"
)

func TestRecorderFeedsCollectors(t *testing.T) {
	m := New(prometheus.NewRegistry())
	recorder := m.Recorder()

	prompt, completion := 10, 5
	cost := 0.0042
	rec := usage.NewRecord("gpt-test", "openai")
	rec.Outcome = usage.OutcomeSuccess
	rec.Duration = 300 * time.Millisecond
	rec.PromptTokens = &prompt
	rec.CompletionTokens = &completion
	rec.Cost = &cost

	recorder.Record(context.Background(), rec)
	recorder.Record(context.Background(), rec)

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("gpt-test", "openai", "success")); got != 2 {
		t.Errorf("requests counter = %f, want 2", got)
	}
	if got := testutil.ToFloat64(m.TokensTotal.WithLabelValues("gpt-test", "openai", "input")); got != 20 {
		t.Errorf("input tokens = %f, want 20", got)
	}
	if got := testutil.ToFloat64(m.TokensTotal.WithLabelValues("gpt-test", "openai", "output")); got != 10 {
		t.Errorf("output tokens = %f, want 10", got)
	}
	if got := testutil.ToFloat64(m.CostTotal.WithLabelValues("gpt-test", "openai")); got != 2*cost {
		t.Errorf("cost counter = %f, want %f", got, 2*cost)
	}
}

func TestRecorder_MissingUsageLeavesCountersAlone(t *testing.T) {
	m := New(prometheus.NewRegistry())
	recorder := m.Recorder()

	rec := usage.NewRecord("gpt-test", "openai")
	rec.Outcome = usage.OutcomeError
	recorder.Record(context.Background(), rec)

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("gpt-test", "openai", "error")); got != 1 {
		t.Errorf("requests counter = %f, want 1", got)
	}
	if got := testutil.CollectAndCount(m.TokensTotal); got != 0 {
		t.Errorf("token series = %d, want none for a request without usage", got)
	}
}
