package errors

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestRetryStopsOnNonTransient(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		attempts++
		return Newf(KindProvider, "permanent failure")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt for a non-transient error, got %d", attempts)
	}
}

func TestRetryRecoversFromTransient(t *testing.T) {
	attempts := 0
	result, err := RetryWithResult(context.Background(), RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}, func(ctx context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", Newf(KindRateLimited, "throttled")
		}
		return "done", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "done" || attempts != 3 {
		t.Fatalf("got result=%q attempts=%d", result, attempts)
	}
}

func TestRetryExhaustsBudget(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		attempts++
		return Newf(KindTimeout, "deadline")
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if !Is(err, KindTimeout) {
		t.Fatalf("expected wrapped timeout, got %v", err)
	}
}

func TestRetryHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, DefaultRetryConfig(), func(ctx context.Context) error {
		t.Fatal("fn should not run after cancellation")
		return nil
	})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"rate limited", Newf(KindRateLimited, "slow down"), true},
		{"timeout", Newf(KindTimeout, "deadline"), true},
		{"unavailable", Newf(KindUnavailable, "502"), true},
		{"circuit open", New(KindUnavailable, ErrCircuitOpen), false},
		{"provider", Newf(KindProvider, "bad model"), false},
		{"logic", Newf(KindLogic, "invariant"), false},
		{"plain", fmt.Errorf("who knows"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTransient(tc.err); got != tc.want {
				t.Fatalf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestClassifyHTTPStatus(t *testing.T) {
	cases := map[int]Kind{
		429: KindRateLimited,
		408: KindTimeout,
		504: KindTimeout,
		502: KindUnavailable,
		503: KindUnavailable,
		500: KindProvider,
		400: KindProvider,
	}
	for status, want := range cases {
		if got := ClassifyHTTPStatus(status); got != want {
			t.Errorf("ClassifyHTTPStatus(%d) = %v, want %v", status, got, want)
		}
	}
}
