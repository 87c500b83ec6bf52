package backoff_test

import (
	"testing"
	"time"

	"github.com/LLM-Dev-Ops/fleet/backoff"
)

func TestConstant_ReturnsFixedDelay(t *testing.T) {
	c := backoff.NewConstant(3 * time.Second)
	for attempt := 1; attempt <= 10; attempt++ {
		if got := c.Delay(attempt); got != 3*time.Second {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, 3*time.Second)
		}
	}
}

func TestExponential_DoublesEachAttempt(t *testing.T) {
	e := backoff.NewExponential(time.Second, time.Hour)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},  // 1 * 2^0
		{2, 2 * time.Second},  // 1 * 2^1
		{3, 4 * time.Second},  // 1 * 2^2
		{4, 8 * time.Second},  // 1 * 2^3
		{5, 16 * time.Second}, // 1 * 2^4
	}
	for _, tt := range tests {
		if got := e.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponential_CapsAtMax(t *testing.T) {
	e := backoff.NewExponential(time.Second, 10*time.Second)

	if got := e.Delay(5); got != 10*time.Second {
		t.Errorf("Delay(5) = %v, want %v (capped at Max)", got, 10*time.Second)
	}
	if got := e.Delay(30); got != 10*time.Second {
		t.Errorf("Delay(30) = %v, want %v (capped at Max)", got, 10*time.Second)
	}
}

func TestExponentialWithJitter_WithinBounds(t *testing.T) {
	e := backoff.NewExponentialWithJitter(time.Second, time.Minute)

	for attempt := 1; attempt <= 6; attempt++ {
		base := time.Second << (attempt - 1)
		for range 100 {
			got := e.Delay(attempt)
			// Equal jitter: delay is in [base/2, base).
			if got < base/2 {
				t.Errorf("Delay(%d) = %v, want >= %v", attempt, got, base/2)
			}
			if got >= base {
				t.Errorf("Delay(%d) = %v, want < %v", attempt, got, base)
			}
		}
	}
}

func TestExponentialWithJitter_ProducesVariance(t *testing.T) {
	e := backoff.NewExponentialWithJitter(time.Second, time.Minute)

	seen := make(map[time.Duration]bool)
	for range 100 {
		seen[e.Delay(3)] = true
	}
	if len(seen) < 2 {
		t.Errorf("expected variance in jitter, got only %d distinct values", len(seen))
	}
}

func TestDefaultStrategy_ReturnsUsableStrategy(t *testing.T) {
	s := backoff.DefaultStrategy()
	if s == nil {
		t.Fatal("DefaultStrategy() returned nil")
	}
	if got := s.Delay(1); got <= 0 {
		t.Errorf("Delay(1) = %v, want > 0", got)
	}
	// The cap holds even for absurd attempt counts.
	if got := s.Delay(50); got > 30*time.Second {
		t.Errorf("Delay(50) = %v, want <= 30s", got)
	}
}
