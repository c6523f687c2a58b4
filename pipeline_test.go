package opstream

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alecthomas/assert/v2"
)

// testPipeline drives a pipeline with a sender that reports every batch's
// values on sent and blocks until a result arrives on release.
type testPipeline struct {
	loop     *Loop
	p        *BatchPipeline[string, int]
	sent     chan []int
	release  chan error
	complete chan int64
	errs     chan error
}

func newTestPipeline(t *testing.T) *testPipeline {
	t.Helper()

	tp := &testPipeline{
		loop:     NewLoop(),
		sent:     make(chan []int, 16),
		release:  make(chan error, 16),
		complete: make(chan int64, 16),
		errs:     make(chan error, 16),
	}
	go tp.loop.Run()
	t.Cleanup(tp.loop.Stop)

	var inflight sync.WaitGroup
	tp.p = newBatchPipeline(context.Background(), tp.loop, &inflight, stringCodec(), func(ctx context.Context, b *KeyedBatch[string, int]) error {
		var values []int
		_ = b.Each(ctx, func(_ context.Context, _ string, vs []int) error {
			values = vs
			return nil
		})
		tp.sent <- values
		return <-tp.release
	})
	tp.p.onWorkComplete = func(offset int64) { tp.complete <- offset }
	tp.p.onError = func(err error) { tp.errs <- err }
	return tp
}

func (tp *testPipeline) add(t *testing.T, offset int64) {
	onLoop(t, tp.loop, func() { tp.p.Add("doc", int(offset), offset) })
}

func TestBatchPipeline_Add(t *testing.T) {
	t.Run("first add opens the range at offset minus one", func(t *testing.T) {
		tp := newTestPipeline(t)
		tp.add(t, 10)

		onLoop(t, tp.loop, func() {
			assert.Equal(t, Range{Tail: 9, Head: 10}, tp.p.rng)
		})
		assert.Equal(t, []int{10}, recv(t, tp.sent))
		tp.release <- nil
		assert.Equal(t, int64(10), recv(t, tp.complete))

		// Drained: tail stops contributing, head survives.
		onLoop(t, tp.loop, func() {
			assert.True(t, tp.p.rng.Empty())
			assert.Equal(t, int64(10), tp.p.rng.Head)
		})
	})

	t.Run("burst coalesces into exactly two sends", func(t *testing.T) {
		tp := newTestPipeline(t)

		tp.add(t, 1)
		assert.Equal(t, []int{1}, recv(t, tp.sent))

		// Everything arriving while the first batch drains lands in one
		// follow-up batch.
		for offset := int64(2); offset <= 100; offset++ {
			tp.add(t, offset)
		}

		tp.release <- nil
		assert.Equal(t, int64(1), recv(t, tp.complete))

		second := recv(t, tp.sent)
		assert.Equal(t, 99, len(second))
		assert.Equal(t, 2, second[0])
		assert.Equal(t, 100, second[98])

		tp.release <- nil
		assert.Equal(t, int64(100), recv(t, tp.complete))
		expectNone(t, tp.sent)
	})
}

func TestBatchPipeline_SendFailure(t *testing.T) {
	tp := newTestPipeline(t)
	tp.add(t, 5)
	assert.Equal(t, []int{5}, recv(t, tp.sent))

	boom := errors.New("boom")
	tp.release <- boom
	assert.IsError(t, recv(t, tp.errs), boom)

	// The failed batch is retained and the tail never advances; recovery
	// is restart-from-checkpoint.
	onLoop(t, tp.loop, func() {
		assert.False(t, tp.p.current.empty())
		assert.Equal(t, int64(4), tp.p.rng.Tail)
	})

	// The in-flight slot is still occupied, so nothing new goes out.
	tp.add(t, 6)
	expectNone(t, tp.sent)
}

func TestBatchPipeline_Close(t *testing.T) {
	t.Run("no sends after close", func(t *testing.T) {
		tp := newTestPipeline(t)
		onLoop(t, tp.loop, func() { tp.p.Close() })
		tp.add(t, 1)
		expectNone(t, tp.sent)
	})

	t.Run("in-flight send completes and updates the range", func(t *testing.T) {
		tp := newTestPipeline(t)
		tp.add(t, 1)
		assert.Equal(t, []int{1}, recv(t, tp.sent))

		onLoop(t, tp.loop, func() { tp.p.Close() })
		tp.add(t, 2)

		tp.release <- nil
		assert.Equal(t, int64(1), recv(t, tp.complete))
		expectNone(t, tp.sent)

		// Pending still holds offset 2, so the range must keep covering
		// it: the checkpoint may not advance past undurable work.
		onLoop(t, tp.loop, func() {
			assert.Equal(t, Range{Tail: 1, Head: 2}, tp.p.rng)
		})
	})
}
