package opstream

import (
	"testing"
	"time"
)

// onLoop runs fn on the loop and waits for it, so tests can mutate and
// inspect pipeline state from the test goroutine.
func onLoop(t *testing.T, l *Loop, fn func()) {
	t.Helper()
	done := make(chan struct{})
	if !l.Post(func() {
		fn()
		close(done)
	}) {
		t.Fatal("loop is stopped")
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop stalled")
	}
}

func stringCodec() KeyCodec[string] {
	return KeyCodec[string]{
		Encode: func(s string) string { return s },
		Decode: func(s string) (string, error) { return s, nil },
	}
}

// recv reads one value with a timeout.
func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for value")
		panic("unreachable")
	}
}

// expectNone asserts that no value arrives within the grace period.
func expectNone[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected value: %v", v)
	case <-time.After(100 * time.Millisecond):
	}
}
