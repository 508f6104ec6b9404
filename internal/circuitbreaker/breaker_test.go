package circuitbreaker

import (
	"testing"
	"time"
)

func TestBreaker_AllowWhenClosed(t *testing.T) {
	b := New(3, 100*time.Millisecond)
	if !b.Allow("openai") {
		t.Fatal("expected closed circuit to allow")
	}
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	// 2 failures = still closed
	b.RecordFailure("openai")
	b.RecordFailure("openai")
	if !b.Allow("openai") {
		t.Fatal("should still allow before threshold")
	}

	// 3rd failure = open
	b.RecordFailure("openai")
	if b.Allow("openai") {
		t.Fatal("should be open after 3 failures")
	}
	if b.State("openai") != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State("openai"))
	}
}

func TestBreaker_OpenToHalfOpenAfterDuration(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("openai")
	b.RecordFailure("openai")
	if b.Allow("openai") {
		t.Fatal("should be open")
	}

	// Wait for open duration.
	time.Sleep(60 * time.Millisecond)

	// Should transition to half-open and allow one probe.
	if !b.Allow("openai") {
		t.Fatal("should allow probe in half-open")
	}
	if b.State("openai") != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State("openai"))
	}

	// Second request while half-open should be rejected.
	if b.Allow("openai") {
		t.Fatal("should reject second request in half-open")
	}
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("openai")
	b.RecordFailure("openai")
	time.Sleep(60 * time.Millisecond)
	b.Allow("openai") // Transitions to half-open

	b.RecordSuccess("openai")
	if b.State("openai") != StateClosed {
		t.Fatalf("expected StateClosed after success, got %v", b.State("openai"))
	}
	if !b.Allow("openai") {
		t.Fatal("should allow after recovery")
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("openai")
	b.RecordFailure("openai")
	time.Sleep(60 * time.Millisecond)
	b.Allow("openai") // Transitions to half-open

	b.RecordFailure("openai")
	if b.State("openai") != StateOpen {
		t.Fatalf("expected StateOpen after half-open failure, got %v", b.State("openai"))
	}
}

func TestBreaker_SuccessResets(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure("openai")
	b.RecordFailure("openai")
	b.RecordSuccess("openai")

	// Should not trip with only 1 more failure (counter was reset).
	b.RecordFailure("openai")
	if !b.Allow("openai") {
		t.Fatal("should still be closed after reset")
	}
}

func TestBreaker_ProvidersAreIndependent(t *testing.T) {
	b := New(2, 100*time.Millisecond)

	b.RecordFailure("openai")
	b.RecordFailure("openai")

	// openai is open; anthropic should be unaffected.
	if b.Allow("openai") {
		t.Fatal("openai should be open")
	}
	if !b.Allow("anthropic") {
		t.Fatal("anthropic should be closed")
	}
}

func TestBreaker_UnknownProviderIsClosed(t *testing.T) {
	b := New(2, 100*time.Millisecond)
	if b.State("mock") != StateClosed {
		t.Fatalf("expected StateClosed for unknown provider, got %v", b.State("mock"))
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
