package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pylonproxy/pylon/internal/provider"
	"github.com/pylonproxy/pylon/internal/registry"
	"github.com/pylonproxy/pylon/internal/usage"
)

// Defaults are the process-wide fallbacks applied when a model does not
// override them. They are injected at construction; the dispatcher reads
// no ambient global state.
type Defaults struct {
	// Timeout is the per-attempt upstream timeout.
	Timeout time.Duration

	// Retries is the retry budget for retryable failures.
	Retries int
}

// Result is the outcome of a dispatched request. Exactly one of Body and
// Envelope is set unless the request was cancelled or fully streamed, in
// which case nothing remains to send.
type Result struct {
	Status   int
	Body     map[string]any
	Envelope *Envelope

	// Cancelled is set when the client went away before a response could
	// be produced; the caller must not write anything.
	Cancelled bool

	// Streamed is set when the response was already written as SSE.
	Streamed bool
}

// Dispatcher coordinates one request end to end: alias resolution, the
// retry loop, streaming delegation, failure classification, and the
// single usage record every accepted request must produce.
type Dispatcher struct {
	registry *registry.Registry
	client   provider.Client
	recorder usage.Recorder
	logger   *slog.Logger
	defaults Defaults
	backoff  BackoffFunc
	sanitize func(map[string]any) map[string]any
}

// Option is a functional option for configuring a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithBackoff replaces the retry backoff schedule.
func WithBackoff(b BackoffFunc) Option {
	return func(d *Dispatcher) {
		d.backoff = b
	}
}

// WithSanitizer sets the function applied to request payloads before they
// are attached to usage records.
func WithSanitizer(f func(map[string]any) map[string]any) Option {
	return func(d *Dispatcher) {
		d.sanitize = f
	}
}

// New creates a Dispatcher.
func New(reg *registry.Registry, client provider.Client, recorder usage.Recorder, defaults Defaults, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: reg,
		client:   client,
		recorder: recorder,
		logger:   slog.Default(),
		defaults: defaults,
		backoff:  DefaultBackoff,
		sanitize: func(m map[string]any) map[string]any { return m },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Complete handles a non-streaming chat completion request.
func (d *Dispatcher) Complete(ctx context.Context, alias string, payload map[string]any) Result {
	start := time.Now()
	rec := usage.NewRecord(alias, "unknown")
	rec.Request = d.sanitize(payload)
	defer d.emit(ctx, rec, start)

	cfg, err := d.registry.Resolve(alias)
	if err != nil {
		return d.failResult(rec, err)
	}
	rec.Provider = cfg.Provider

	timeout, retries := d.effective(cfg)

	var lastStatus int
	var lastEnv Envelope
	attempts := 0
	for attempt := 0; attempt <= retries; attempt++ {
		if ctx.Err() != nil {
			return d.cancelResult(rec, alias, attempts)
		}
		attempts++

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		body, err := d.client.Complete(attemptCtx, cfg, payload)
		cancel()

		if err == nil && body == nil {
			err = &provider.Error{
				Kind:     provider.KindUpstream,
				Provider: cfg.Provider,
				Message:  "upstream returned an empty response body",
			}
		}

		if err == nil {
			d.fillUsage(rec, cfg, provider.UsageFromBody(body))
			rec.Outcome = usage.OutcomeSuccess
			// The client asked for the alias; never leak the upstream name.
			body["model"] = alias
			return Result{Status: http.StatusOK, Body: body}
		}

		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return d.cancelResult(rec, alias, attempts)
		}

		status, env, retryable := Classify(err)
		lastStatus, lastEnv = status, env

		if !retryable || attempt == retries {
			break
		}

		d.logger.Warn("retryable upstream failure, backing off",
			slog.String("model", alias),
			slog.Int("attempt", attempts),
			slog.String("code", env.Error.Code),
		)
		if err := d.wait(ctx, d.backoff(attempt)); err != nil {
			return d.cancelResult(rec, alias, attempts)
		}
	}

	rec.Outcome = usage.OutcomeError
	rec.ErrorCode = lastEnv.Error.Code
	rec.ErrorDetail = lastEnv.Error.Message
	d.logTerminalFailure(alias, lastStatus, lastEnv, attempts, start)
	return Result{Status: lastStatus, Envelope: &lastEnv}
}

// Stream handles a streaming chat completion request. Retries apply only
// to opening the stream; once chunks are flowing, failures are terminal.
// When the stream opens, the relay writes the SSE body and the returned
// Result has Streamed set; otherwise the Result carries the error to
// send as a regular JSON response.
func (d *Dispatcher) Stream(ctx context.Context, alias string, payload map[string]any, w EventWriter) Result {
	start := time.Now()
	rec := usage.NewRecord(alias, "unknown")
	rec.Request = d.sanitize(payload)
	defer d.emit(ctx, rec, start)

	cfg, err := d.registry.Resolve(alias)
	if err != nil {
		return d.failResult(rec, err)
	}
	rec.Provider = cfg.Provider

	timeout, retries := d.effective(cfg)

	var stream provider.Stream
	attempts := 0
	for attempt := 0; attempt <= retries; attempt++ {
		if ctx.Err() != nil {
			return d.cancelResult(rec, alias, attempts)
		}
		attempts++

		// The open attempt is bounded by the per-attempt timeout, but the
		// stream itself must be allowed to outlive it, so the deadline is
		// a timer that is disarmed once the stream is established.
		attemptCtx, cancel := context.WithCancel(ctx)
		timer := time.AfterFunc(timeout, cancel)
		s, err := d.client.StreamComplete(attemptCtx, cfg, payload)
		if err == nil && !timer.Stop() {
			// The deadline fired while the open was completing, so the
			// stream's context is already cancelled and it cannot be used.
			s.Close()
			err = context.Canceled
		}
		if err == nil {
			defer cancel()
			stream = s
			break
		}
		timer.Stop()
		cancel()

		if errors.Is(err, context.Canceled) {
			if ctx.Err() != nil {
				return d.cancelResult(rec, alias, attempts)
			}
			err = &provider.Error{
				Kind:     provider.KindTimeout,
				Provider: cfg.Provider,
				Message:  fmt.Sprintf("request timed out after %s", timeout),
			}
		}

		status, env, retryable := Classify(err)

		if !retryable || attempt == retries {
			rec.Outcome = usage.OutcomeError
			rec.ErrorCode = env.Error.Code
			rec.ErrorDetail = env.Error.Message
			d.logTerminalFailure(alias, status, env, attempts, start)
			return Result{Status: status, Envelope: &env}
		}

		d.logger.Warn("retryable upstream failure opening stream, backing off",
			slog.String("model", alias),
			slog.Int("attempt", attempts),
			slog.String("code", env.Error.Code),
		)
		if err := d.wait(ctx, d.backoff(attempt)); err != nil {
			return d.cancelResult(rec, alias, attempts)
		}
	}

	relay := newStreamRelay(alias, cfg, stream, w, d.logger)
	relay.run(ctx)
	relay.finalize(rec, func(u *provider.Usage) { d.fillUsage(rec, cfg, u) })
	return Result{Status: http.StatusOK, Streamed: true}
}

// effective returns the timeout and retry budget for a model, falling
// back to the injected process defaults.
func (d *Dispatcher) effective(cfg *registry.ModelConfig) (time.Duration, int) {
	timeout := d.defaults.Timeout
	if cfg.Timeout > 0 {
		timeout = cfg.Timeout
	}
	if timeout <= 0 {
		timeout = provider.DefaultUpstreamTimeout
	}
	retries := d.defaults.Retries
	if cfg.Retries != nil {
		retries = *cfg.Retries
	}
	if retries < 0 {
		retries = 0
	}
	return timeout, retries
}

// emit hands the finished record to the recorder. It runs on every exit
// path and uses a detached context so a gone client cannot stop the
// ledger write.
func (d *Dispatcher) emit(ctx context.Context, rec *usage.Record, start time.Time) {
	rec.Duration = time.Since(start)
	if rec.Outcome == "" {
		rec.Outcome = usage.OutcomeError
		rec.ErrorCode = "internal_error"
	}
	d.recorder.Record(context.WithoutCancel(ctx), rec)
}

func (d *Dispatcher) failResult(rec *usage.Record, err error) Result {
	status, env, _ := Classify(err)
	rec.Outcome = usage.OutcomeError
	rec.ErrorCode = env.Error.Code
	rec.ErrorDetail = env.Error.Message
	return Result{Status: status, Envelope: &env}
}

func (d *Dispatcher) cancelResult(rec *usage.Record, alias string, attempts int) Result {
	rec.Outcome = usage.OutcomeCancelled
	d.logger.Info("client disconnected before completion",
		slog.String("model", alias),
		slog.Int("attempts", attempts),
	)
	return Result{Cancelled: true}
}

func (d *Dispatcher) fillUsage(rec *usage.Record, cfg *registry.ModelConfig, u *provider.Usage) {
	if u == nil {
		return
	}
	prompt, completion, total := u.PromptTokens, u.CompletionTokens, u.TotalTokens
	rec.PromptTokens = &prompt
	rec.CompletionTokens = &completion
	rec.TotalTokens = &total
	if cfg.Pricing != nil {
		cost := cfg.Pricing.Cost(prompt, completion)
		rec.Cost = &cost
	}
}

func (d *Dispatcher) logTerminalFailure(alias string, status int, env Envelope, attempts int, start time.Time) {
	level := slog.LevelWarn
	if status == http.StatusInternalServerError {
		level = slog.LevelError
	}
	d.logger.Log(context.Background(), level, "request failed",
		slog.String("model", alias),
		slog.Int("status", status),
		slog.String("type", env.Error.Type),
		slog.String("code", env.Error.Code),
		slog.Int("attempts", attempts),
		slog.Duration("elapsed", time.Since(start)),
	)
}

// wait sleeps for d, returning early with the context error if the
// client goes away first.
func (d *Dispatcher) wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
