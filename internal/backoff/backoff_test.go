package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPolicyDelay(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: time.Second, Factor: 2, Jitter: 0.5}

	tests := []struct {
		name    string
		attempt int
		r       float64
		want    time.Duration
	}{
		{name: "first attempt", attempt: 1, r: 0, want: 100 * time.Millisecond},
		{name: "zero attempt clamps", attempt: 0, r: 0, want: 100 * time.Millisecond},
		{name: "doubles", attempt: 3, r: 0, want: 400 * time.Millisecond},
		{name: "jitter", attempt: 2, r: 0.5, want: 250 * time.Millisecond},
		{name: "capped", attempt: 10, r: 0.9, want: time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Delay(tt.attempt, tt.r); got != tt.want {
				t.Errorf("Delay(%d, %v) = %v, want %v", tt.attempt, tt.r, got, tt.want)
			}
		})
	}
}

func fastPolicy() Policy {
	return Policy{Initial: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(), 5, func(attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryExhausted(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Retry(context.Background(), fastPolicy(), 3, func(int) error {
		calls++
		return boom
	})
	if !errors.Is(err, ErrAttemptsExhausted) || !errors.Is(err, boom) {
		t.Fatalf("Retry() error = %v, want exhausted wrapping boom", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	boom := errors.New("boom")
	err := Retry(ctx, Policy{Initial: time.Hour, Factor: 1}, 3, func(int) error {
		cancel()
		return boom
	})
	if !errors.Is(err, context.Canceled) || !errors.Is(err, boom) {
		t.Fatalf("Retry() error = %v, want canceled wrapping boom", err)
	}
}

func TestRetryRunsAtLeastOnce(t *testing.T) {
	calls := 0
	_ = Retry(context.Background(), fastPolicy(), 0, func(int) error {
		calls++
		return nil
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
