package watcher

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestNewDebouncer(t *testing.T) {
	t.Parallel()

	if d := NewDebouncer(0); d.Duration() != DefaultDebounceDuration {
		t.Errorf("Duration() = %v, want %v", d.Duration(), DefaultDebounceDuration)
	}
	if d := NewDebouncer(time.Second); d.Duration() != time.Second {
		t.Errorf("Duration() = %v, want 1s", d.Duration())
	}
}

func TestDebouncerCoalesces(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	d := NewDebouncer(60 * time.Millisecond)
	for i := 0; i < 5; i++ {
		d.Trigger(func() { calls.Add(1) })
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(150 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("callback ran %d times, want 1", got)
	}
}

func TestDebouncerCancel(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	d := NewDebouncer(30 * time.Millisecond)
	d.Trigger(func() { calls.Add(1) })
	d.Cancel()
	time.Sleep(80 * time.Millisecond)
	if got := calls.Load(); got != 0 {
		t.Errorf("callback ran %d times after Cancel", got)
	}
}
