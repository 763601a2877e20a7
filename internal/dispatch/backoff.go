package dispatch

import (
	"math"
	"math/rand"
	"time"
)

// BackoffFunc returns how long to wait before retry attempt n (0-based).
type BackoffFunc func(attempt int) time.Duration

const (
	defaultBackoffBase = 500 * time.Millisecond
	defaultBackoffCap  = 30 * time.Second
)

// DefaultBackoff is exponential backoff with full jitter:
// delay = rand(0, min(cap, base * 2^attempt)).
func DefaultBackoff(attempt int) time.Duration {
	exp := float64(defaultBackoffBase) * math.Pow(2, float64(attempt))
	if exp > float64(defaultBackoffCap) {
		exp = float64(defaultBackoffCap)
	}
	d := time.Duration(rand.Float64() * exp)
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}
