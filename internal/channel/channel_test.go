package channel

import (
	"errors"
	"strings"
	"testing"
	"time"
)

// TestErrorCeiling tests that a channel trips invalid after too many
// consecutive errors.
func TestErrorCeiling(t *testing.T) {
	b := NewBase("test", 3)
	err := errors.New("connection refused")

	for i := 0; i < 3; i++ {
		if !b.IncErrCnt(err) {
			t.Fatalf("Channel tripped after %d errors, ceiling is 3", i+1)
		}
	}
	if b.IncErrCnt(err) {
		t.Error("Fourth consecutive error should trip the ceiling")
	}
	if b.Valid() {
		t.Error("Channel should be invalid after tripping")
	}
}

// TestErrorDecay tests that successes let the error count decay so a
// flaky connection never trips.
func TestErrorDecay(t *testing.T) {
	b := NewBase("test", 3)
	err := errors.New("timeout")

	// Alternate failure and success well past the ceiling
	for i := 0; i < 20; i++ {
		if !b.IncErrCnt(err) {
			t.Fatal("Alternating errors and successes should never trip the ceiling")
		}
		b.DecErrCnt()
	}
	if !b.Valid() {
		t.Error("Channel should still be valid")
	}
}

// TestRestartResetsState tests that re-validating clears the error budget.
func TestRestartResetsState(t *testing.T) {
	b := NewBase("test", 2)
	err := errors.New("boom")
	for b.IncErrCnt(err) {
	}
	if b.Valid() {
		t.Fatal("Expected invalid channel")
	}

	b.SetValid(true, false)
	if !b.Valid() {
		t.Error("Expected valid after restart")
	}
	if b.ErrCnt() != 0 {
		t.Errorf("Expected error count reset, got %d", b.ErrCnt())
	}
	if !b.IncErrCnt(err) {
		t.Error("Restarted channel should have a fresh error budget")
	}
}

// TestPause tests the rate-limit pause state.
func TestPause(t *testing.T) {
	b := NewBase("test", 3)
	if b.Paused() {
		t.Error("New channel should not be paused")
	}
	b.PauseUntil(time.Now().Add(time.Hour))
	if !b.Paused() {
		t.Error("Channel should be paused")
	}
	if !b.Valid() {
		t.Error("Pausing is not an error, channel stays valid")
	}
	b.PauseUntil(time.Now().Add(-time.Second))
	if b.Paused() {
		t.Error("Pause in the past should have expired")
	}
}

// TestStatus tests the user-facing status lines.
func TestStatus(t *testing.T) {
	b := NewBase("test", 3)

	if got := b.Status(); got != "active" {
		t.Errorf("Expected 'active', got %q", got)
	}

	b.SetAircraftServed(42)
	if got := b.Status(); got != "active, serving 42 aircraft" {
		t.Errorf("Unexpected status: %q", got)
	}

	b.PauseUntil(time.Now().Add(30 * time.Second))
	if got := b.Status(); !strings.HasPrefix(got, "paused") {
		t.Errorf("Expected paused status, got %q", got)
	}

	b.SetValid(false, true)
	if got := b.Status(); !strings.HasPrefix(got, "inactive") {
		t.Errorf("Expected inactive status, got %q", got)
	}
}

// TestEnableSwitch tests the user on/off switch, independent of validity.
func TestEnableSwitch(t *testing.T) {
	b := NewBase("test", 3)

	if !b.IsEnabled() {
		t.Fatal("New channel should be enabled and valid")
	}

	b.SetEnabled(false)
	if b.IsEnabled() {
		t.Error("Disabled channel must not report enabled")
	}
	if !b.Valid() {
		t.Error("Disabling must not touch validity")
	}
	if got := b.Status(); got != "off" {
		t.Errorf("Expected status 'off', got %q", got)
	}

	b.SetEnabled(true)
	if !b.IsEnabled() {
		t.Error("Re-enabled channel should report enabled again")
	}

	b.SetValid(false, true)
	if b.IsEnabled() {
		t.Error("Invalid channel must not report enabled")
	}
}
