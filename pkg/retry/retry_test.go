package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig(attempts int) Config {
	return Config{MaxAttempts: attempts, InitialWait: time.Millisecond, MaxWait: time.Millisecond, Multiplier: 2}
}

func TestDoSucceedsAfterRetryableErrors(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		calls++
		if calls < 3 {
			return Retryable(errors.New("flaky"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	err := Do(context.Background(), fastConfig(5), func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("err = %v, want %v", err, permanent)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoReturnsLastErrorWhenExhausted(t *testing.T) {
	base := errors.New("still down")
	calls := 0
	retries := 0
	cfg := fastConfig(4)
	cfg.OnRetry = func(int, error, time.Duration) { retries++ }

	err := Do(context.Background(), cfg, func() error {
		calls++
		return Retryable(base)
	})
	if !errors.Is(err, base) {
		t.Fatalf("err = %v, want wrapped %v", err, base)
	}
	if !IsRetryable(err) {
		t.Error("exhausted error should keep the retryable marker")
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 4", calls)
	}
	if retries != 3 {
		t.Errorf("OnRetry calls = %d, want 3", retries)
	}
}

func TestDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 10, InitialWait: time.Hour, MaxWait: time.Hour, Multiplier: 1}

	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, cfg, func() error { return Retryable(errors.New("down")) })
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Do did not return after cancel")
	}
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	v, err := DoWithResult(context.Background(), fastConfig(2), func() (string, error) {
		calls++
		if calls == 1 {
			return "", Retryable(errors.New("once"))
		}
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("DoWithResult = %q, %v", v, err)
	}
}

func TestBackoffCapsAtMaxWait(t *testing.T) {
	cfg := Config{InitialWait: 100 * time.Millisecond, MaxWait: 300 * time.Millisecond, Multiplier: 2}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 300 * time.Millisecond},
		{8, 300 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := Backoff(cfg, tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
