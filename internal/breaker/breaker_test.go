package breaker

import (
	"testing"
	"time"
)

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 5, RecoveryTimeout: time.Minute, HalfOpenMaxProbes: 1})

	for i := 0; i < 4; i++ {
		if !b.Allow() {
			t.Fatalf("Allow() = false before trip, attempt %d", i)
		}
		b.RecordFailure()
	}
	if b.State() != Closed {
		t.Fatalf("state = %v after 4 failures, want Closed", b.State())
	}

	if !b.Allow() {
		t.Fatalf("Allow() = false on 5th attempt")
	}
	b.RecordFailure()

	if b.State() != Open {
		t.Fatalf("state = %v after 5th failure, want Open", b.State())
	}
	if b.Allow() {
		t.Fatalf("Allow() = true while Open, want false")
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := New(Config{FailureThreshold: 1, RecoveryTimeout: 10 * time.Millisecond, HalfOpenMaxProbes: 1})

	b.Allow()
	b.RecordFailure()
	if b.State() != Open {
		t.Fatalf("state = %v, want Open", b.State())
	}

	time.Sleep(20 * time.Millisecond)

	if !b.Allow() {
		t.Fatalf("Allow() = false after recovery timeout, want true (half-open probe)")
	}
	if b.State() != HalfOpen {
		t.Fatalf("state = %v, want HalfOpen", b.State())
	}

	b.RecordSuccess()
	if b.State() != Closed {
		t.Fatalf("state = %v after probe success, want Closed", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New(Config{FailureThreshold: 1, RecoveryTimeout: 10 * time.Millisecond, HalfOpenMaxProbes: 1})

	b.Allow()
	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	if !b.Allow() {
		t.Fatalf("Allow() = false after recovery timeout")
	}
	b.RecordFailure()

	if b.State() != Open {
		t.Fatalf("state = %v after half-open probe failure, want Open", b.State())
	}
}

func TestBreakerHalfOpenCapsProbes(t *testing.T) {
	b := New(Config{FailureThreshold: 1, RecoveryTimeout: 10 * time.Millisecond, HalfOpenMaxProbes: 1})

	b.Allow()
	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	if !b.Allow() {
		t.Fatalf("first half-open probe should be allowed")
	}
	if b.Allow() {
		t.Fatalf("second concurrent half-open probe should be rejected when max probes is 1")
	}
}
