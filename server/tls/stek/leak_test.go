package stek

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/goleak"
)

// TestMain ensures no goroutine leaks across all tests in this package
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// TestRotator_Run_NoGoroutineLeak verifies that cancelling the context stops
// the rotation loop and that keys rotate while it runs.
func TestRotator_Run_NoGoroutineLeak(t *testing.T) {
	defer goleak.VerifyNone(t)

	r, err := New(20*time.Millisecond, 3, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create rotator: %v", err)
	}
	first := r.Keys()[0]

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for r.Keys()[0] == first {
		if time.Now().After(deadline) {
			t.Fatal("keys were not rotated")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
