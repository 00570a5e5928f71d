package mock

import (
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	before := time.Now()
	got := RealClock{}.Now()
	after := time.Now()

	if got.Before(before) || got.After(after) {
		t.Errorf("RealClock.Now() returned time outside expected range")
	}
}

func TestMockClock_AdvanceAndSet(t *testing.T) {
	start := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)

	if !clock.Now().Equal(start) {
		t.Fatalf("Expected %v, got %v", start, clock.Now())
	}

	clock.Advance(25 * time.Minute)
	if want := start.Add(25 * time.Minute); !clock.Now().Equal(want) {
		t.Errorf("Expected %v after advance, got %v", want, clock.Now())
	}

	later := time.Date(2026, 7, 4, 0, 0, 0, 0, time.UTC)
	clock.Set(later)
	if !clock.Now().Equal(later) {
		t.Errorf("Expected %v after Set, got %v", later, clock.Now())
	}
}

func TestMockClock_ZeroTime(t *testing.T) {
	before := time.Now()
	clock := NewMockClock(time.Time{})
	after := time.Now()

	if got := clock.Now(); got.Before(before) || got.After(after) {
		t.Errorf("MockClock with zero time should initialize to current time")
	}
}

func TestMockClock_RefreshWindow(t *testing.T) {
	issued := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	expiresAt := issued.Add(30 * time.Minute)
	threshold := 5 * time.Minute
	clock := NewMockClock(issued)

	nearExpiry := func() bool { return !clock.Now().Add(threshold).Before(expiresAt) }

	if nearExpiry() {
		t.Error("Token should not be near expiry at issue time")
	}
	clock.Advance(24 * time.Minute)
	if nearExpiry() {
		t.Error("Token should not be near expiry after 24 minutes")
	}
	clock.Advance(time.Minute)
	if !nearExpiry() {
		t.Error("Token should be near expiry 5 minutes before expiry")
	}
}
