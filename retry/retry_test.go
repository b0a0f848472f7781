package retry

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
)

func TestCalculateDelay(t *testing.T) {
	p := Policy{MaxRetries: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{60, time.Second},
		{-1, 100 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := p.CalculateDelay(tt.attempt); got != tt.want {
			t.Errorf("CalculateDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestCalculateDelayWithoutCapSaturates(t *testing.T) {
	p := Policy{BaseDelay: time.Hour}

	for _, attempt := range []int{30, 60} {
		if got := p.CalculateDelay(attempt); got != time.Duration(math.MaxInt64) {
			t.Errorf("CalculateDelay(%d) = %v, want the largest duration", attempt, got)
		}
	}
	if got := p.CalculateDelay(2); got != 4*time.Hour {
		t.Errorf("CalculateDelay(2) = %v, want 4h", got)
	}
}

func TestAttempts(t *testing.T) {
	if got := (Policy{MaxRetries: 3}).Attempts(); got != 4 {
		t.Errorf("Attempts() = %d, want 4", got)
	}
	if got := (Policy{MaxRetries: -2}).Attempts(); got != 1 {
		t.Errorf("Attempts() = %d, want 1", got)
	}
}

func TestWaitCancelled(t *testing.T) {
	p := Policy{BaseDelay: time.Hour, MaxDelay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := p.Wait(ctx, 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait() error = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Wait() did not return promptly after cancellation")
	}
}

func TestWaitElapses(t *testing.T) {
	p := Policy{BaseDelay: 5 * time.Millisecond, MaxDelay: 10 * time.Millisecond}
	if err := p.Wait(context.Background(), 0); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
}
