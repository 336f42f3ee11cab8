package relay

import (
	"testing"
	"time"
)

func TestHealthOpensAfterThreshold(t *testing.T) {
	h := NewHealth(3, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	for i := 0; i < 2; i++ {
		h.RecordFailure(now)
	}
	if h.State != CircuitClosed {
		t.Fatalf("expected closed before threshold, got %s", h.State)
	}
	h.RecordFailure(now)
	if h.State != CircuitOpen {
		t.Fatalf("expected open at threshold, got %s", h.State)
	}
	if h.Allow(now) {
		t.Fatalf("expected open circuit to block attempts within cooldown")
	}
}

func TestHealthHalfOpenAfterCooldown(t *testing.T) {
	h := NewHealth(1, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	h.RecordFailure(now)
	if h.State != CircuitOpen {
		t.Fatalf("expected open, got %s", h.State)
	}
	later := now.Add(2 * time.Minute)
	if !h.Allow(later) {
		t.Fatalf("expected allow after cooldown elapses")
	}
	if h.State != CircuitHalfOpen {
		t.Fatalf("expected half_open after cooldown probe, got %s", h.State)
	}
}

func TestHealthSuccessResetsStreak(t *testing.T) {
	h := NewHealth(2, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	h.RecordFailure(now)
	h.RecordSuccess(now)
	if h.ConsecutiveFailures != 0 || h.State != CircuitClosed {
		t.Fatalf("expected reset to closed/0, got %s/%d", h.State, h.ConsecutiveFailures)
	}
}

func TestHealthDefaultsApplied(t *testing.T) {
	h := NewHealth(0, 0)
	if h.failureThreshold != DefaultConsecutiveFailureThreshold {
		t.Fatalf("expected default threshold applied")
	}
	if h.cooldown != DefaultCooldown {
		t.Fatalf("expected default cooldown applied")
	}
}
