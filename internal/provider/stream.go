package provider

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
)

// sseStream reads Server-Sent Events from an upstream response body and
// yields the decoded chunks. The upstream signals normal completion with
// a "data: [DONE]" line.
type sseStream struct {
	provider string
	body     io.ReadCloser
	scanner  *bufio.Scanner

	mu     sync.Mutex
	closed bool
}

func newSSEStream(provider string, body io.ReadCloser) *sseStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseStream{
		provider: provider,
		body:     body,
		scanner:  scanner,
	}
}

// Recv returns the next chunk, io.EOF at the end of the sequence, or an
// *Error if the stream breaks or a chunk does not parse.
func (s *sseStream) Recv() (map[string]any, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, io.EOF
	}

	for {
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return nil, adaptTransportError(s.provider, err)
			}
			// Upstream closed without [DONE]; treat as normal end.
			return nil, io.EOF
		}

		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue // comments, event names, keep-alives
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return nil, io.EOF
		}

		var chunk map[string]any
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil, &Error{
				Kind:     KindUpstream,
				Provider: s.provider,
				Message:  fmt.Sprintf("malformed stream chunk: %v", err),
				Cause:    err,
			}
		}

		// OpenAI-compatible upstreams report mid-stream failures as an
		// in-band error object.
		if errObj, ok := chunk["error"].(map[string]any); ok {
			message, _ := errObj["message"].(string)
			if message == "" {
				message = "upstream reported a stream error"
			}
			return nil, &Error{
				Kind:     KindUpstream,
				Provider: s.provider,
				Message:  message,
			}
		}

		return chunk, nil
	}
}

// Close releases the underlying connection. Safe to call repeatedly.
func (s *sseStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}
