package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	"github.com/pylonproxy/pylon/internal/provider"
	"github.com/pylonproxy/pylon/internal/registry"
	"github.com/pylonproxy/pylon/internal/usage"
)

// EventWriter writes one SSE event frame to the client and flushes it.
// A returned error means the connection is no longer writable.
type EventWriter interface {
	WriteEvent(data []byte) error
}

var doneEvent = []byte("[DONE]")

// streamRelay drives an upstream chunk sequence onto the client's SSE
// connection. The cancellation signal is polled before every chunk; a
// write failure is treated the same as a disconnect. Whatever happens,
// the relay terminates and leaves exactly one outcome behind.
type streamRelay struct {
	alias  string
	cfg    *registry.ModelConfig
	stream provider.Stream
	w      EventWriter
	logger *slog.Logger

	lastUsage        *provider.Usage
	chunksSent       int
	clientGone       bool
	disconnectLogged bool
	failEnv          *Envelope
}

func newStreamRelay(alias string, cfg *registry.ModelConfig, stream provider.Stream, w EventWriter, logger *slog.Logger) *streamRelay {
	return &streamRelay{
		alias:  alias,
		cfg:    cfg,
		stream: stream,
		w:      w,
		logger: logger,
	}
}

// run consumes the upstream until it ends, fails, or the client goes
// away. The terminal [DONE] event is sent only while the client is still
// reachable; after an observed disconnect no further bytes are written.
func (r *streamRelay) run(ctx context.Context) {
	defer r.stream.Close()

	for {
		// Cancellation is polled before consuming, so a gone client stops
		// us without burning further upstream compute.
		select {
		case <-ctx.Done():
			r.disconnect()
			return
		default:
		}

		chunk, err := r.stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				r.disconnect()
				return
			}
			// Headers went out with the 200 long ago; the only way to
			// report this is an in-band error event.
			_, env, _ := Classify(err)
			r.failEnv = &env
			r.logger.Warn("upstream stream failed mid-flight",
				slog.String("model", r.alias),
				slog.Int("chunks_sent", r.chunksSent),
				slog.String("code", env.Error.Code),
			)
			if werr := r.w.WriteEvent(env.JSON()); werr != nil {
				r.disconnect()
				return
			}
			break
		}

		// Last-seen usage wins; most providers report totals only on the
		// final chunk.
		if u := provider.UsageFromBody(chunk); u != nil {
			r.lastUsage = u
		}

		data, err := json.Marshal(chunk)
		if err != nil {
			continue
		}
		if werr := r.w.WriteEvent(data); werr != nil {
			r.disconnect()
			return
		}
		r.chunksSent++
	}

	if werr := r.w.WriteEvent(doneEvent); werr != nil {
		r.disconnect()
	}
}

// disconnect marks the client gone, logging the event once per request
// no matter how many transport errors follow.
func (r *streamRelay) disconnect() {
	r.clientGone = true
	if r.disconnectLogged {
		return
	}
	r.disconnectLogged = true
	r.logger.Info("client disconnected during streaming",
		slog.String("model", r.alias),
		slog.Int("chunks_sent", r.chunksSent),
	)
}

// finalize stamps the outcome and partial usage onto the request's
// record. An upstream failure takes precedence over a disconnect noticed
// afterwards; partial usage is kept on every path.
func (r *streamRelay) finalize(rec *usage.Record, fill func(*provider.Usage)) {
	fill(r.lastUsage)
	switch {
	case r.failEnv != nil:
		rec.Outcome = usage.OutcomeError
		rec.ErrorCode = r.failEnv.Error.Code
		rec.ErrorDetail = r.failEnv.Error.Message
	case r.clientGone:
		rec.Outcome = usage.OutcomeCancelled
	default:
		rec.Outcome = usage.OutcomeSuccess
	}
}
