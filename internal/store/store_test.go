package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"genmarket/internal/eventtypes"
)

func TestNormalizeTaskTypeRejectsUnknown(t *testing.T) {
	if _, err := normalizeTaskType("Dance Generation"); !errors.Is(err, ErrUnknownTaskType) {
		t.Fatalf("expected ErrUnknownTaskType, got %v", err)
	}
	kind, err := normalizeTaskType(string(eventtypes.TaskImage))
	if err != nil || kind != eventtypes.TaskImage {
		t.Fatalf("expected TaskImage, got %v %v", kind, err)
	}
}

func TestRetryReadExhaustsAfterFiveAttemptsWithExpectedDelays(t *testing.T) {
	attempts := 0
	start := time.Now()
	_, err := retryRead(context.Background(), func(ctx context.Context) (int, error) {
		attempts++
		return 0, ErrNotFound
	})
	elapsed := time.Since(start)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after exhaustion, got %v", err)
	}
	if attempts != maxReadAttempts {
		t.Fatalf("expected exactly %d attempts, got %d", maxReadAttempts, attempts)
	}
	// 100+200+400+800+1600 = 3100ms of sleeping, one delay after each of the 5 attempts.
	if elapsed < 3000*time.Millisecond {
		t.Fatalf("expected cumulative backoff of ~3.1s, elapsed only %v", elapsed)
	}
}

func TestRetryReadReturnsImmediatelyOnNonNotFoundError(t *testing.T) {
	boom := errors.New("boom")
	attempts := 0
	_, err := retryRead(context.Background(), func(ctx context.Context) (int, error) {
		attempts++
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt for a non-retryable error, got %d", attempts)
	}
}

func TestRetryReadSucceedsOnLaterAttempt(t *testing.T) {
	attempts := 0
	v, err := retryRead(context.Background(), func(ctx context.Context) (int, error) {
		attempts++
		if attempts < 3 {
			return 0, ErrNotFound
		}
		return 42, nil
	})
	if err != nil || v != 42 {
		t.Fatalf("expected success with value 42, got %v %v", v, err)
	}
	if attempts != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", attempts)
	}
}
