// Package dispatch is the request-dispatch core: it resolves aliases,
// drives upstream completions with bounded retries, relays streaming
// responses, normalizes every failure into one envelope shape, and
// guarantees exactly one usage record per accepted request.
package dispatch

import "encoding/json"

// Envelope is the uniform error body returned to clients, matching the
// OpenAI error shape regardless of which upstream failed.
type Envelope struct {
	Error Detail `json:"error"`
}

// Detail carries the normalized failure description.
type Detail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// NewEnvelope builds an envelope from its parts.
func NewEnvelope(errType, message, code string) Envelope {
	return Envelope{Error: Detail{Message: message, Type: errType, Code: code}}
}

// JSON serializes the envelope. The shape is fixed, so encoding cannot fail.
func (e Envelope) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}
