package opstream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// HostContext is the sink for checkpoint advances and fatal errors. Both
// methods are invoked from the processor's loop only.
type HostContext interface {
	// Checkpoint advances the durable log position. Called once per
	// distinct derived offset; idempotent for equal values.
	Checkpoint(offset int64)

	// Error reports a fatal error. With restart true the host is expected
	// to terminate and restart the processor from the last checkpoint.
	Error(err error, restart bool)
}

// Processor consumes one partition of the log and persists sequenced
// operations to the operation store. Messages are classified by type:
// sequenced operations coalesce into per-document batches on the primary
// pipeline; everything else passes through the idle pipeline so that
// non-persisted traffic still advances the checkpoint.
//
// Handle may be called from any goroutine; all state mutation runs on the
// processor's loop.
type Processor struct {
	log  *slog.Logger
	loop *Loop
	host HostContext

	ops      OperationStore
	contents ContentStore

	set     *PipelineSet
	primary *BatchPipeline[DocumentKey, *OperationDocument]
	idle    *BatchPipeline[struct{}, int64]

	failed bool
}

// NewProcessor wires the pipeline set to the host context and creates the
// primary and idle pipelines. contents may be nil, in which case split
// sequence-number updates are skipped.
func NewProcessor(ctx context.Context, log *slog.Logger, loop *Loop, host HostContext, ops OperationStore, contents ContentStore) *Processor {
	p := &Processor{
		log:      log,
		loop:     loop,
		host:     host,
		ops:      ops,
		contents: contents,
	}

	p.set = NewPipelineSet(ctx, log, loop)
	p.set.OnOffsetChanged = func(offset int64) {
		if p.failed {
			return
		}
		p.host.Checkpoint(offset)
	}
	p.set.OnError = func(err error) {
		if p.failed {
			return
		}
		p.failed = true
		p.host.Error(err, true)
	}

	p.primary = CreatePipeline(p.set, DocumentKeyCodec(), p.primarySend)
	p.idle = CreatePipeline(p.set, singletonCodec(), func(ctx context.Context, batch *KeyedBatch[struct{}, int64]) error {
		return nil
	})

	return p
}

// Handle routes one inbound message. It returns once the message has been
// posted; batching and storage I/O proceed asynchronously.
func (p *Processor) Handle(msg Message) {
	p.loop.Post(func() {
		p.handle(msg)
	})
}

func (p *Processor) handle(msg Message) {
	var env envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		// Dropped entirely: the offset is not routed, so the checkpoint
		// stays pinned until a later well-formed message advances it.
		p.log.Error("dropping malformed message", "offset", msg.Offset, "error", err)
		return
	}

	if env.Type == TypeSequencedOperation && env.Operation != nil {
		doc := &OperationDocument{
			TenantID:   env.TenantID,
			DocumentID: env.DocumentID,
			Operation:  env.Operation.normalize(),
		}
		p.primary.Add(DocumentKey{TenantID: env.TenantID, DocumentID: env.DocumentID}, doc, msg.Offset)
		return
	}

	p.idle.Add(struct{}{}, msg.Offset, msg.Offset)
}

// primarySend writes one batch: per document group, a bulk insert of the
// operations and, concurrently, sequence-number updates for split
// operations. Duplicate keys are expected on replay and absorbed.
func (p *Processor) primarySend(ctx context.Context, batch *KeyedBatch[DocumentKey, *OperationDocument]) error {
	return batch.Each(ctx, func(ctx context.Context, key DocumentKey, docs []*OperationDocument) error {
		g, ctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			err := p.ops.InsertMany(ctx, docs)
			if err != nil && !errors.Is(err, ErrDuplicateKey) {
				return err
			}
			return nil
		})

		g.Go(func() error {
			if p.contents == nil {
				return nil
			}
			for _, doc := range docs {
				op := &doc.Operation
				if !op.split() {
					continue
				}
				ref := ContentRef{
					TenantID:             doc.TenantID,
					DocumentID:           doc.DocumentID,
					ClientID:             op.ClientID,
					ClientSequenceNumber: op.ClientSequenceNumber,
				}
				err := p.contents.UpdateSequenceNumber(ctx, ref, op.SequenceNumber)
				if err != nil && !errors.Is(err, ErrDuplicateKey) {
					return err
				}
			}
			return nil
		})

		return g.Wait()
	})
}

// Close flips the pipelines to closed and waits for in-flight sends and
// their completions to land. The loop itself stays owned by the caller.
func (p *Processor) Close() {
	done := make(chan struct{})
	if !p.loop.Post(func() {
		p.set.Close()
		close(done)
	}) {
		return
	}
	<-done

	// Closed pipelines start no new sends, so one wait plus a barrier
	// covers every outstanding completion.
	p.set.waitInflight()
	barrier := make(chan struct{})
	if p.loop.Post(func() { close(barrier) }) {
		<-barrier
	}
}
