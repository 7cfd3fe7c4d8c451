package cache

import (
	"testing"
	"time"
)

func TestReadGate_OpenByDefault(t *testing.T) {
	gate := NewReadGate(3, 15*time.Second)
	if !gate.AllowRead() {
		t.Error("Expected new gate to allow reads")
	}
}

func TestReadGate_ClosesAfterConsecutiveErrors(t *testing.T) {
	gate := NewReadGate(3, 15*time.Second)

	gate.NoteL1Error()
	gate.NoteL1Error()
	if !gate.AllowRead() {
		t.Fatal("Expected gate open below the error limit")
	}

	gate.NoteL1Error()
	if gate.AllowRead() {
		t.Error("Expected gate closed after consecutive error limit")
	}
}

func TestReadGate_SuccessReopens(t *testing.T) {
	gate := NewReadGate(2, time.Hour)

	gate.NoteL1Error()
	gate.NoteL1Error()
	if gate.AllowRead() {
		t.Fatal("Expected gate closed")
	}

	gate.NoteL1OK()
	if !gate.AllowRead() {
		t.Error("Expected recovery to reopen the gate immediately")
	}
}

func TestReadGate_BackoffElapses(t *testing.T) {
	gate := NewReadGate(1, 15*time.Second)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	gate.now = func() time.Time { return now }

	gate.NoteL1Error()
	if gate.AllowRead() {
		t.Fatal("Expected gate closed during backoff")
	}

	now = now.Add(16 * time.Second)
	if !gate.AllowRead() {
		t.Error("Expected gate to reopen after the backoff elapsed")
	}
}

func TestReadGate_Defaults(t *testing.T) {
	gate := NewReadGate(0, 0)
	if gate.consecutiveLimit != 3 || gate.backoff != 15*time.Second {
		t.Errorf("Unexpected defaults: limit=%d backoff=%s", gate.consecutiveLimit, gate.backoff)
	}
}
