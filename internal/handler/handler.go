// Package handler provides the HTTP surface of the proxy: the
// OpenAI-compatible completion endpoints plus the local inspection
// endpoints backed by the usage ledger.
package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pylonproxy/pylon/internal/dispatch"
	"github.com/pylonproxy/pylon/internal/registry"
	"github.com/pylonproxy/pylon/internal/usage"
)

// Handler wires the HTTP endpoints to the dispatcher and the ledger.
type Handler struct {
	dispatcher *dispatch.Dispatcher
	registry   *registry.Registry
	store      *usage.Store
	logger     *slog.Logger
	started    time.Time
}

// HandlerOption is a functional option for configuring Handler.
type HandlerOption func(*Handler)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// New creates a Handler.
func New(d *dispatch.Dispatcher, reg *registry.Registry, store *usage.Store, opts ...HandlerOption) *Handler {
	h := &Handler{
		dispatcher: d,
		registry:   reg,
		store:      store,
		logger:     slog.Default(),
		started:    time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register attaches all routes to the router.
func (h *Handler) Register(r gin.IRouter) {
	r.POST("/v1/chat/completions", h.HandleChatCompletion)
	r.POST("/chat/completions", h.HandleChatCompletion)
	r.GET("/v1/models", h.HandleModels)
	r.GET("/models", h.HandleModels)
	r.GET("/health", h.HandleHealth)
	r.GET("/requests", h.HandleRequests)
	r.GET("/stats", h.HandleStats)
}

// HandleChatCompletion handles POST /v1/chat/completions, the main proxy
// endpoint. The payload is kept as a raw map so unknown OpenAI fields pass
// through to the upstream untouched.
func (h *Handler) HandleChatCompletion(c *gin.Context) {
	var payload map[string]any
	if err := c.ShouldBindJSON(&payload); err != nil {
		h.sendError(c, http.StatusBadRequest, "invalid_request_error", "invalid request body: "+err.Error(), "invalid_request")
		return
	}

	model, _ := payload["model"].(string)
	if model == "" {
		h.sendError(c, http.StatusBadRequest, "invalid_request_error", "model is required", "invalid_request")
		return
	}
	if messages, ok := payload["messages"].([]any); !ok || len(messages) == 0 {
		h.sendError(c, http.StatusBadRequest, "invalid_request_error", "messages array is required", "invalid_request")
		return
	}

	if stream, _ := payload["stream"].(bool); stream {
		h.streamCompletion(c, model, payload)
		return
	}

	res := h.dispatcher.Complete(c.Request.Context(), model, payload)
	if res.Cancelled {
		// Client is gone; nothing useful can be written.
		c.Abort()
		return
	}
	if res.Envelope != nil {
		c.JSON(res.Status, res.Envelope)
		return
	}
	c.JSON(http.StatusOK, res.Body)
}

func (h *Handler) streamCompletion(c *gin.Context, model string, payload map[string]any) {
	w := newSSEWriter(c.Writer)
	res := h.dispatcher.Stream(c.Request.Context(), model, payload, w)
	if res.Streamed || res.Cancelled {
		return
	}
	// The stream never opened, so no SSE bytes went out and a plain JSON
	// error response is still possible.
	if res.Envelope != nil {
		c.JSON(res.Status, res.Envelope)
	}
}

// HandleModels handles GET /v1/models (and the unversioned alias) and
// lists the configured aliases in OpenAI-compatible form.
func (h *Handler) HandleModels(c *gin.Context) {
	models := h.registry.All()
	data := make([]gin.H, 0, len(models))
	for _, m := range models {
		data = append(data, gin.H{
			"id":       m.Alias,
			"object":   "model",
			"created":  h.started.Unix(),
			"owned_by": m.Provider,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   data,
	})
}

// HandleHealth handles GET /health.
func (h *Handler) HandleHealth(c *gin.Context) {
	status := "healthy"
	ledger := "ok"
	if h.store != nil {
		if err := h.store.Ping(c.Request.Context()); err != nil {
			status = "degraded"
			ledger = err.Error()
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         status,
		"models":         h.registry.Len(),
		"ledger":         ledger,
		"uptime_seconds": int(time.Since(h.started).Seconds()),
	})
}

// HandleRequests handles GET /requests and pages through the usage ledger,
// newest first. Supported query parameters: model, provider, since
// (RFC 3339), limit, offset.
func (h *Handler) HandleRequests(c *gin.Context) {
	f := usage.Filter{
		Model:    c.Query("model"),
		Provider: c.Query("provider"),
		Limit:    intQuery(c, "limit", 0),
		Offset:   intQuery(c, "offset", 0),
	}
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.sendError(c, http.StatusBadRequest, "invalid_request_error", "since must be an RFC 3339 timestamp", "invalid_request")
			return
		}
		f.Since = t
	}

	rows, err := h.store.Recent(c.Request.Context(), f)
	if err != nil {
		h.logger.Error("ledger query failed", slog.String("error", err.Error()))
		h.sendError(c, http.StatusInternalServerError, "api_error", "failed to query usage ledger", "internal_error")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"requests": rows,
		"count":    len(rows),
	})
}

// HandleStats handles GET /stats and aggregates ledger rows per model over
// a trailing window. The window defaults to 24 hours.
func (h *Handler) HandleStats(c *gin.Context) {
	hours := intQuery(c, "hours", 24)
	if hours <= 0 {
		h.sendError(c, http.StatusBadRequest, "invalid_request_error", "hours must be positive", "invalid_request")
		return
	}
	since := time.Now().Add(-time.Duration(hours) * time.Hour)

	stats, err := h.store.Stats(c.Request.Context(), since)
	if err != nil {
		h.logger.Error("ledger query failed", slog.String("error", err.Error()))
		h.sendError(c, http.StatusInternalServerError, "api_error", "failed to query usage ledger", "internal_error")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"window_hours": hours,
		"models":       stats,
	})
}

// sendError writes an error response in OpenAI-compatible format.
func (h *Handler) sendError(c *gin.Context, status int, errType, message, code string) {
	env := dispatch.NewEnvelope(errType, message, code)
	c.JSON(status, env)
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
