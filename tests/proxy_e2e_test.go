// Package tests provides end-to-end tests for the proxy: real HTTP in,
// a mock OpenAI-compatible upstream out, a real SQLite ledger in between.
package tests

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pylonproxy/pylon/internal/dispatch"
	"github.com/pylonproxy/pylon/internal/handler"
	"github.com/pylonproxy/pylon/internal/provider"
	"github.com/pylonproxy/pylon/internal/registry"
	"github.com/pylonproxy/pylon/internal/security"
	"github.com/pylonproxy/pylon/internal/usage"
)

// newMockUpstream simulates an OpenAI-compatible provider. Behavior is
// keyed off the model name in the request body:
//   - "good"   -> 200 with a completion and usage
//   - "flaky"  -> 429 twice, then 200
//   - "badkey" -> 401
//   - "stream" -> SSE chunks, usage on the final chunk, then [DONE]
//   - "broken" -> SSE chunk, then an in-band error event
func newMockUpstream(calls *int32) *httptest.Server {
	var flakyCalls int32

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)

		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		model, _ := req["model"].(string)

		switch model {
		case "flaky":
			if atomic.AddInt32(&flakyCalls, 1) <= 2 {
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprint(w, `{"error":{"message":"rate limited, try again"}}`)
				return
			}
			fallthrough
		case "good":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{
				"id": "chatcmpl-mock",
				"object": "chat.completion",
				"model": "good",
				"choices": [{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],
				"usage": {"prompt_tokens":12,"completion_tokens":8,"total_tokens":20}
			}`)
		case "badkey":
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":{"message":"invalid api key"}}`)
		case "stream":
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "data: {\"id\":\"chatcmpl-mock\",\"choices\":[{\"delta\":{\"content\":\"hel\"}}]}\n\n")
			fmt.Fprint(w, "data: {\"id\":\"chatcmpl-mock\",\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
			fmt.Fprint(w, "data: {\"id\":\"chatcmpl-mock\",\"choices\":[],\"usage\":{\"prompt_tokens\":4,\"completion_tokens\":2,\"total_tokens\":6}}\n\n")
			fmt.Fprint(w, "data: [DONE]\n\n")
		case "broken":
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "data: {\"id\":\"chatcmpl-mock\",\"choices\":[{\"delta\":{\"content\":\"hel\"}}]}\n\n")
			fmt.Fprint(w, "data: {\"error\":{\"message\":\"backend worker died\"}}\n\n")
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":{"message":"unknown model"}}`)
		}
	}))
}

type proxyFixture struct {
	router *gin.Engine
	store  *usage.Store
	calls  *int32
}

func newProxy(t *testing.T) *proxyFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(security.NewRedactingHandler(slog.NewTextHandler(io.Discard, nil)))

	var calls int32
	upstream := newMockUpstream(&calls)
	t.Cleanup(upstream.Close)

	zero := 0
	reg := registry.New([]*registry.ModelConfig{
		{
			Alias: "mock-good", Provider: "mock", Model: "mock/good",
			APIKey: "sk-mock-abcdefghij1234567890", BaseURL: upstream.URL,
			Pricing: &registry.Pricing{InputPerMillion: 1.0, OutputPerMillion: 2.0},
		},
		{Alias: "mock-flaky", Provider: "mock", Model: "mock/flaky", BaseURL: upstream.URL},
		{Alias: "mock-badkey", Provider: "mock", Model: "mock/badkey", BaseURL: upstream.URL, Retries: &zero},
		{Alias: "mock-stream", Provider: "mock", Model: "mock/stream", BaseURL: upstream.URL},
		{Alias: "mock-broken", Provider: "mock", Model: "mock/broken", BaseURL: upstream.URL},
	})

	store, err := usage.OpenStore(usage.StoreConfig{
		Path: filepath.Join(t.TempDir(), "ledger.db"),
	}, logger)
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	d := dispatch.New(reg, provider.NewOpenAIClient(), store,
		dispatch.Defaults{Timeout: 5 * time.Second, Retries: 3},
		dispatch.WithLogger(logger),
		dispatch.WithBackoff(func(int) time.Duration { return time.Millisecond }),
		dispatch.WithSanitizer(security.RedactPayload),
	)

	router := gin.New()
	router.Use(handler.RecoveryMiddleware(logger))
	router.Use(handler.CORSMiddleware())
	router.Use(handler.RequestIDMiddleware())
	handler.New(d, reg, store, handler.WithLogger(logger)).Register(router)

	return &proxyFixture{router: router, store: store, calls: &calls}
}

func (f *proxyFixture) post(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *proxyFixture) ledgerRows(t *testing.T) []usage.Row {
	t.Helper()
	rows, err := f.store.Recent(context.Background(), usage.Filter{})
	if err != nil {
		t.Fatalf("ledger query: %v", err)
	}
	return rows
}

func TestE2E_HappyPath(t *testing.T) {
	f := newProxy(t)

	w := f.post(t, `{"model":"mock-good","messages":[{"role":"user","content":"hi"}]}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", w.Code, w.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp["model"] != "mock-good" {
		t.Errorf("model = %v, want the alias, not the upstream name", resp["model"])
	}
	if resp["id"] != "chatcmpl-mock" {
		t.Errorf("id = %v, upstream body must pass through", resp["id"])
	}
	if atomic.LoadInt32(f.calls) != 1 {
		t.Errorf("upstream calls = %d, want 1", atomic.LoadInt32(f.calls))
	}

	rows := f.ledgerRows(t)
	if len(rows) != 1 {
		t.Fatalf("ledger rows = %d, want 1", len(rows))
	}
	row := rows[0]
	if row.Outcome != "success" {
		t.Errorf("ledger outcome = %q, want success", row.Outcome)
	}
	if row.TotalTokens == nil || *row.TotalTokens != 20 {
		t.Errorf("ledger tokens = %v, want 20", row.TotalTokens)
	}
	wantCost := 12.0/1_000_000*1.0 + 8.0/1_000_000*2.0
	if row.Cost == nil || math.Abs(*row.Cost-wantCost) > 1e-12 {
		t.Errorf("ledger cost = %v, want %g", row.Cost, wantCost)
	}
	t.Log("✓ happy path: proxied, aliased, and recorded")
}

func TestE2E_UnknownModel(t *testing.T) {
	f := newProxy(t)

	w := f.post(t, `{"model":"ghost","messages":[{"role":"user","content":"hi"}]}`)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if !strings.Contains(w.Body.String(), "mock-good") {
		t.Errorf("body %q should list configured models", w.Body.String())
	}
	if atomic.LoadInt32(f.calls) != 0 {
		t.Errorf("upstream calls = %d, unknown models must never reach the upstream", atomic.LoadInt32(f.calls))
	}
	rows := f.ledgerRows(t)
	if len(rows) != 1 || rows[0].Outcome != "error" {
		t.Errorf("ledger = %+v, want one error row", rows)
	}
	t.Log("✓ unknown model rejected with 404 and the alias list")
}

func TestE2E_RetryUntilSuccess(t *testing.T) {
	f := newProxy(t)

	w := f.post(t, `{"model":"mock-flaky","messages":[{"role":"user","content":"hi"}]}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 after retries (%s)", w.Code, w.Body.String())
	}
	if atomic.LoadInt32(f.calls) != 3 {
		t.Errorf("upstream calls = %d, want 3 (two 429s then success)", atomic.LoadInt32(f.calls))
	}
	rows := f.ledgerRows(t)
	if len(rows) != 1 || rows[0].Outcome != "success" {
		t.Errorf("ledger = %+v, want exactly one success row despite retries", rows)
	}
	t.Log("✓ transient 429s retried transparently")
}

func TestE2E_AuthFailureNotRetried(t *testing.T) {
	f := newProxy(t)

	w := f.post(t, `{"model":"mock-badkey","messages":[{"role":"user","content":"hi"}]}`)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if atomic.LoadInt32(f.calls) != 1 {
		t.Errorf("upstream calls = %d, auth failures must not retry", atomic.LoadInt32(f.calls))
	}

	var env struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	if env.Error.Type != "authentication_error" {
		t.Errorf("error type = %q, want authentication_error", env.Error.Type)
	}
	if env.Error.Message != "invalid api key" {
		t.Errorf("message = %q, upstream detail should be preserved", env.Error.Message)
	}
	t.Log("✓ 401 surfaced once, unretried, in the OpenAI envelope")
}

func TestE2E_Streaming(t *testing.T) {
	f := newProxy(t)

	w := f.post(t, `{"model":"mock-stream","stream":true,"messages":[{"role":"user","content":"hi"}]}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	events := strings.Split(strings.TrimSpace(w.Body.String()), "\n\n")
	if len(events) != 4 {
		t.Fatalf("events = %d, want 3 chunks + [DONE]: %q", len(events), w.Body.String())
	}
	if events[len(events)-1] != "data: [DONE]" {
		t.Errorf("last event = %q, want data: [DONE]", events[len(events)-1])
	}

	rows := f.ledgerRows(t)
	if len(rows) != 1 {
		t.Fatalf("ledger rows = %d, want 1", len(rows))
	}
	if rows[0].Outcome != "success" {
		t.Errorf("ledger outcome = %q, want success", rows[0].Outcome)
	}
	if rows[0].TotalTokens == nil || *rows[0].TotalTokens != 6 {
		t.Errorf("ledger tokens = %v, want 6 from the final chunk", rows[0].TotalTokens)
	}
	t.Log("✓ stream relayed chunk for chunk and usage captured from the tail")
}

func TestE2E_StreamBreaksMidFlight(t *testing.T) {
	f := newProxy(t)

	w := f.post(t, `{"model":"mock-broken","stream":true,"messages":[{"role":"user","content":"hi"}]}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, headers are already out when a stream breaks", w.Code)
	}

	body := w.Body.String()
	events := strings.Split(strings.TrimSpace(body), "\n\n")
	if len(events) != 3 {
		t.Fatalf("events = %d, want chunk + error event + [DONE]: %q", len(events), body)
	}
	if !strings.Contains(events[1], "backend worker died") {
		t.Errorf("error event = %q, want the upstream failure relayed in-band", events[1])
	}
	if events[2] != "data: [DONE]" {
		t.Errorf("last event = %q, a broken stream must still terminate with [DONE]", events[2])
	}

	rows := f.ledgerRows(t)
	if len(rows) != 1 || rows[0].Outcome != "error" {
		t.Errorf("ledger = %+v, want one error row", rows)
	}
	t.Log("✓ mid-stream failure reported in-band and the stream terminated")
}

func TestE2E_InspectionEndpoints(t *testing.T) {
	f := newProxy(t)

	for i := 0; i < 2; i++ {
		f.post(t, `{"model":"mock-good","messages":[{"role":"user","content":"hi"}]}`)
	}
	f.post(t, `{"model":"mock-badkey","messages":[{"role":"user","content":"hi"}]}`)

	req := httptest.NewRequest(http.MethodGet, "/requests?model=mock-good", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("/requests status = %d", w.Code)
	}
	var reqs struct {
		Count int `json:"count"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &reqs)
	if reqs.Count != 2 {
		t.Errorf("/requests?model=mock-good count = %d, want 2", reqs.Count)
	}

	req = httptest.NewRequest(http.MethodGet, "/stats", nil)
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	var stats struct {
		Models []usage.ModelStats `json:"models"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &stats)
	if len(stats.Models) != 2 {
		t.Fatalf("/stats models = %d, want 2", len(stats.Models))
	}
	for _, m := range stats.Models {
		if m.Model == "mock-badkey" && m.Errors != 1 {
			t.Errorf("mock-badkey errors = %d, want 1", m.Errors)
		}
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "healthy") {
		t.Errorf("/health = %d %q, want healthy", w.Code, w.Body.String())
	}
	t.Log("✓ ledger-backed inspection endpoints consistent with traffic")
}
