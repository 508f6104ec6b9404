package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDo_FirstTrySucceeds(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 3, 10*time.Millisecond, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do() = %v, want nil", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDo_RecoversAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 5, 5*time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("endpoint returned 503")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() = %v, want nil", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDo_ReturnsLastErrorWhenExhausted(t *testing.T) {
	calls := 0
	endpointDown := errors.New("connection refused")
	err := Do(context.Background(), 3, 5*time.Millisecond, func() error {
		calls++
		return endpointDown
	})
	if !errors.Is(err, endpointDown) {
		t.Fatalf("Do() = %v, want %v", err, endpointDown)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDo_PermanentShortCircuits(t *testing.T) {
	calls := 0
	gone := errors.New("endpoint returned 410")
	err := Do(context.Background(), 5, 5*time.Millisecond, func() error {
		calls++
		return Permanent(gone)
	})
	// Do unwraps before returning, so callers match on the cause.
	if !errors.Is(err, gone) {
		t.Fatalf("Do() = %v, want %v", err, gone)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDo_ContextCancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancelling inside the attempt makes the backoff select observe a
	// closed Done channel, so the outcome is deterministic.
	calls := 0
	err := Do(ctx, 5, time.Minute, func() error {
		calls++
		cancel()
		return errors.New("slow endpoint")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do() = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDo_MinimumOneAttempt(t *testing.T) {
	for _, attempts := range []int{0, -1} {
		calls := 0
		err := Do(context.Background(), attempts, time.Millisecond, func() error {
			calls++
			return nil
		})
		if err != nil {
			t.Fatalf("Do(attempts=%d) = %v, want nil", attempts, err)
		}
		if calls != 1 {
			t.Fatalf("Do(attempts=%d): calls = %d, want 1", attempts, calls)
		}
	}
}

func TestDo_BackoffGrows(t *testing.T) {
	calls := 0
	start := time.Now()
	err := Do(context.Background(), 3, 20*time.Millisecond, func() error {
		calls++
		return errors.New("fail")
	})
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("Do() = nil, want error")
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	// Two sleeps: ~20ms then ~40ms, each with -25% jitter at worst.
	if elapsed < 40*time.Millisecond {
		t.Errorf("elapsed = %v, want at least 40ms of backoff", elapsed)
	}
}

func TestPermanent_PreservesCause(t *testing.T) {
	cause := errors.New("bad request")
	err := Permanent(cause)
	if !errors.Is(err, cause) {
		t.Fatal("Permanent should wrap its cause for errors.Is")
	}
	if err.Error() != cause.Error() {
		t.Fatalf("Error() = %q, want %q", err.Error(), cause.Error())
	}
}
