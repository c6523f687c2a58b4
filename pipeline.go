package opstream

import (
	"context"
	"sync"
)

// Sender submits one accumulated batch to its destination. It is invoked on
// its own goroutine and may block on storage I/O; the pipeline posts its
// result back onto the loop.
type Sender[K any, V any] func(ctx context.Context, batch *KeyedBatch[K, V]) error

// offsetBatch pairs a KeyedBatch with the highest log offset that
// contributed to it. The offset sentinel doubles as the emptiness marker.
type offsetBatch[K any, V any] struct {
	batch  *KeyedBatch[K, V]
	offset int64
}

func newOffsetBatch[K any, V any](codec KeyCodec[K]) *offsetBatch[K, V] {
	return &offsetBatch[K, V]{
		batch:  NewKeyedBatch[K, V](codec),
		offset: offsetNone,
	}
}

func (b *offsetBatch[K, V]) empty() bool {
	return b.offset == offsetNone
}

func (b *offsetBatch[K, V]) clear() {
	b.offset = offsetNone
	b.batch.Clear()
}

// BatchPipeline is a double-buffered send loop. Adds accumulate into the
// pending slot; at most one send per pipeline is in flight at a time,
// draining the current slot. While current drains, pending keeps
// accumulating, so the producer never blocks on storage latency.
//
// All methods must be invoked on the owning loop. Completions are posted
// back there, so add and the completion continuation never interleave.
type BatchPipeline[K any, V any] struct {
	send Sender[K, V]
	loop *Loop
	ctx  context.Context

	pending *offsetBatch[K, V]
	current *offsetBatch[K, V]

	rng    Range
	closed bool

	// inflight tracks send goroutines so the owner can drain them.
	inflight *sync.WaitGroup

	// Callback slots, wired by the owning PipelineSet.
	onWorkComplete func(offset int64)
	onError        func(err error)
}

func newBatchPipeline[K any, V any](ctx context.Context, loop *Loop, inflight *sync.WaitGroup, codec KeyCodec[K], send Sender[K, V]) *BatchPipeline[K, V] {
	return &BatchPipeline[K, V]{
		send:     send,
		loop:     loop,
		ctx:      ctx,
		pending:  newOffsetBatch[K, V](codec),
		current:  newOffsetBatch[K, V](codec),
		rng:      emptyRange(),
		inflight: inflight,
	}
}

// Add appends (id, value) at the given offset and requests a send. Offsets
// must be monotonically non-decreasing across calls; the log guarantees
// this per partition.
func (p *BatchPipeline[K, V]) Add(id K, value V, offset int64) {
	wasEmpty := p.rng.Empty()
	p.rng.Head = offset
	if wasEmpty {
		// The lowest offset the host could checkpoint right now is
		// offset-1: this message is not yet durable.
		p.rng.Tail = offset - 1
	}
	p.pending.batch.Add(id, value)
	p.pending.offset = offset
	p.requestSend()
}

func (p *BatchPipeline[K, V]) requestSend() {
	if !p.current.empty() {
		// A send is in flight; its completion re-enters sendPending.
		return
	}
	p.sendPending()
}

func (p *BatchPipeline[K, V]) sendPending() {
	if p.closed || p.pending.empty() {
		return
	}

	// Wholesale slot swap: pending becomes the in-flight batch, the
	// drained slot starts accumulating new adds.
	p.pending, p.current = p.current, p.pending

	batch, offset := p.current.batch, p.current.offset
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		err := p.send(p.ctx, batch)
		p.loop.Post(func() {
			p.sendDone(offset, err)
		})
	}()
}

func (p *BatchPipeline[K, V]) sendDone(offset int64, err error) {
	if err != nil {
		// Fatal for the pipeline: current is retained, tail stays put.
		// Recovery is restart-from-checkpoint.
		if p.onError != nil {
			p.onError(err)
		}
		return
	}

	p.rng.Tail = offset
	p.current.clear()
	p.sendPending()
	if p.current.empty() && p.pending.empty() {
		// Fully drained: stop contributing to the union. Head survives
		// so the checkpoint can still advance to it.
		p.rng.Tail = offsetNone
	}
	if p.onWorkComplete != nil {
		p.onWorkComplete(offset)
	}
}

// Close stops the pipeline from initiating sends. An in-flight send is
// allowed to complete and still updates the range.
func (p *BatchPipeline[K, V]) Close() {
	p.closed = true
}

func (p *BatchPipeline[K, V]) stateRange() Range {
	return p.rng
}
