package handler

import (
	"fmt"

	"github.com/gin-gonic/gin"
)

// sseWriter adapts a gin response writer to the dispatch event writer.
// Headers go out lazily on the first event, so a stream that fails to open
// can still be answered with a plain JSON error.
type sseWriter struct {
	w       gin.ResponseWriter
	started bool
}

func newSSEWriter(w gin.ResponseWriter) *sseWriter {
	return &sseWriter{w: w}
}

// WriteEvent writes one server-sent event and flushes it to the client.
func (s *sseWriter) WriteEvent(data []byte) error {
	if !s.started {
		header := s.w.Header()
		header.Set("Content-Type", "text/event-stream")
		header.Set("Cache-Control", "no-cache")
		header.Set("Connection", "keep-alive")
		header.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(200)
		s.started = true
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.w.Flush()
	return nil
}
