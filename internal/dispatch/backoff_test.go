package dispatch

import (
	"testing"
	"time"
)

func TestDefaultBackoff_Bounds(t *testing.T) {
	for attempt := 0; attempt < 12; attempt++ {
		ceiling := defaultBackoffBase << attempt
		if ceiling > defaultBackoffCap || ceiling <= 0 {
			ceiling = defaultBackoffCap
		}
		for i := 0; i < 100; i++ {
			d := DefaultBackoff(attempt)
			if d < time.Millisecond {
				t.Fatalf("attempt %d: delay %v below floor", attempt, d)
			}
			if d > ceiling {
				t.Fatalf("attempt %d: delay %v above ceiling %v", attempt, d, ceiling)
			}
		}
	}
}

func TestDefaultBackoff_Jitters(t *testing.T) {
	seen := make(map[time.Duration]bool)
	for i := 0; i < 50; i++ {
		seen[DefaultBackoff(4)] = true
	}
	if len(seen) < 2 {
		t.Error("DefaultBackoff(4) returned a constant; expected jitter")
	}
}
