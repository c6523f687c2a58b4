package opstream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// pipeline is the view the PipelineSet has of its members, independent of
// their key and value types.
type pipeline interface {
	stateRange() Range
	Close()
}

// PipelineSet holds a set of BatchPipelines sharing one log stream and
// derives the global checkpoint offset from their ranges: the tail of the
// union while any pipeline has work in flight, the highest head seen once
// all of them have drained. The derived offset is monotonically
// non-decreasing; every increase is reported through OnOffsetChanged.
//
// All state is owned by the loop; callbacks fire on it.
type PipelineSet struct {
	log  *slog.Logger
	loop *Loop
	ctx  context.Context

	pipelines  []pipeline
	lastOffset int64

	inflight sync.WaitGroup

	// Callback slots, configured by the owner before any adds.
	OnOffsetChanged func(offset int64)
	OnError         func(err error)
}

func NewPipelineSet(ctx context.Context, log *slog.Logger, loop *Loop) *PipelineSet {
	return &PipelineSet{
		log:        log,
		loop:       loop,
		ctx:        ctx,
		lastOffset: offsetNone,
	}
}

// CreatePipeline instantiates a BatchPipeline bound to the set: its work
// completions trigger checkpoint recomputation and its errors are re-emitted
// through the set. Free function because methods cannot introduce type
// parameters.
func CreatePipeline[K any, V any](s *PipelineSet, codec KeyCodec[K], send Sender[K, V]) *BatchPipeline[K, V] {
	p := newBatchPipeline(s.ctx, s.loop, &s.inflight, codec, send)
	p.onWorkComplete = func(offset int64) {
		s.recompute()
	}
	p.onError = func(err error) {
		if s.OnError != nil {
			s.OnError(err)
		}
	}
	s.pipelines = append(s.pipelines, p)
	return p
}

// recompute derives the checkpoint offset from the pipeline ranges. The safe
// offset is the greatest o such that every offset <= o has been durably
// committed by every pipeline that saw it; that is the union tail while work
// is outstanding, and the highest head otherwise.
func (s *PipelineSet) recompute() {
	maxHead := s.lastOffset
	u := emptyRange()
	for _, p := range s.pipelines {
		r := p.stateRange()
		maxHead = max(maxHead, r.Head)
		u = u.Union(r)
	}

	offset := maxHead
	if !u.Empty() {
		offset = u.Tail
	}

	if offset < s.lastOffset {
		// The ranges no longer cover the committed prefix. This cannot
		// happen if pipeline invariants hold.
		panic(fmt.Sprintf("checkpoint offset moved backwards: %d < %d", offset, s.lastOffset))
	}

	if offset != s.lastOffset {
		s.lastOffset = offset
		s.log.Debug("checkpoint offset advanced", "offset", offset)
		if s.OnOffsetChanged != nil {
			s.OnOffsetChanged(offset)
		}
	}
}

// Close flips every pipeline to closed. In-flight sends complete naturally.
func (s *PipelineSet) Close() {
	for _, p := range s.pipelines {
		p.Close()
	}
}

// waitInflight blocks until all send goroutines have finished and posted
// their completions. Must not be called on the loop.
func (s *PipelineSet) waitInflight() {
	s.inflight.Wait()
}
