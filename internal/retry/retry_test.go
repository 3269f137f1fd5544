// Copyright 2025 James Ross
package retry

import (
	"testing"
	"time"
)

func TestEvaluateExhausted(t *testing.T) {
	d := Evaluate(4, 3, 500*time.Millisecond, Exponential, 10*time.Minute)
	if d.Retry {
		t.Fatalf("expected retries exhausted at attempt 4 with max_retries=3, got %+v", d)
	}
}

func TestEvaluateExponentialGrowthAndCeiling(t *testing.T) {
	base := 500 * time.Millisecond
	ceiling := 10 * time.Minute

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 500 * time.Millisecond},
		{2, 1 * time.Second},
		{3, 2 * time.Second},
		{4, 4 * time.Second},
	}
	for _, c := range cases {
		d := Evaluate(c.attempt, 10, base, Exponential, ceiling)
		if !d.Retry {
			t.Fatalf("attempt %d: expected retry", c.attempt)
		}
		if d.Delay != c.want {
			t.Errorf("attempt %d: delay = %v, want %v", c.attempt, d.Delay, c.want)
		}
	}

	// Many attempts must cap at the ceiling, never overflow or go negative.
	d := Evaluate(40, 50, base, Exponential, ceiling)
	if d.Delay != ceiling {
		t.Errorf("expected delay capped at ceiling %v, got %v", ceiling, d.Delay)
	}
}

func TestEvaluateFixed(t *testing.T) {
	base := 2 * time.Second
	ceiling := 10 * time.Minute
	for attempt := 1; attempt <= 5; attempt++ {
		d := Evaluate(attempt, 10, base, Fixed, ceiling)
		if !d.Retry || d.Delay != base {
			t.Errorf("attempt %d: expected fixed delay %v, got retry=%v delay=%v", attempt, base, d.Retry, d.Delay)
		}
	}
}

func TestEvaluateFixedAboveCeiling(t *testing.T) {
	d := Evaluate(1, 5, 20*time.Minute, Fixed, 10*time.Minute)
	if d.Delay != 10*time.Minute {
		t.Errorf("expected fixed delay capped at ceiling, got %v", d.Delay)
	}
}

func TestEvaluateZeroMaxRetries(t *testing.T) {
	d := Evaluate(1, 0, 500*time.Millisecond, Exponential, time.Minute)
	if d.Retry {
		t.Fatalf("expected no retry when max_retries=0, got %+v", d)
	}
}
