package opstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"golang.org/x/exp/slices"
)

// Consumer runs one Processor per assigned partition of a topic. Records are
// fed through each partition's loop; checkpoint advances are committed back
// to the consumer group, so a restart resumes after the last offset every
// pipeline had durably processed.
type Consumer struct {
	log   *slog.Logger
	group string
	topic string

	client      *kgo.Client
	adminClient *kadm.Client

	ops      OperationStore
	contents ContentStore

	maxPollRecords int
	pollTimeout    time.Duration

	mu      sync.Mutex
	workers map[int32]*partitionWorker

	failed chan error
}

type partitionWorker struct {
	loop *Loop
	proc *Processor
}

func NewConsumer(brokers []string, group, topic string, ops OperationStore, opts ...Option) (*Consumer, error) {
	c := &Consumer{
		log:            NullLogger(),
		group:          group,
		topic:          topic,
		ops:            ops,
		maxPollRecords: 10000,
		pollTimeout:    time.Second * 10,
		workers:        map[int32]*partitionWorker{},
		failed:         make(chan error, 1),
	}

	for _, opt := range opts {
		opt(c)
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topic),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(c.assigned),
		kgo.OnPartitionsRevoked(c.revoked),
	)
	if err != nil {
		return nil, err
	}
	c.client = client
	c.adminClient = kadm.NewClient(client)

	return c, nil
}

func (c *Consumer) assigned(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	parts := slices.Clone(assigned[c.topic])
	slices.Sort(parts)
	c.log.Info("partitions assigned", "topic", c.topic, "partitions", parts)

	for _, partition := range parts {
		loop := NewLoop()
		host := &commitHost{c: c, partition: partition}
		proc := NewProcessor(context.Background(), c.log.With("partition", partition), loop, host, c.ops, c.contents)
		go loop.Run()
		c.workers[partition] = &partitionWorker{loop: loop, proc: proc}
	}
}

func (c *Consumer) revoked(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.log.Info("partitions revoked", "topic", c.topic, "partitions", revoked[c.topic])
	for _, partition := range revoked[c.topic] {
		w, ok := c.workers[partition]
		if !ok {
			continue
		}
		delete(c.workers, partition)
		// Drain before the group hands the partition elsewhere, so the
		// final commit covers everything in flight.
		w.proc.Close()
		w.loop.Stop()
	}
}

func (c *Consumer) worker(partition int32) *partitionWorker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workers[partition]
}

// commitHost binds a partition's Processor to group offset commits.
type commitHost struct {
	c         *Consumer
	partition int32
}

func (h *commitHost) Checkpoint(offset int64) {
	h.c.commit(h.partition, offset)
}

func (h *commitHost) Error(err error, restart bool) {
	h.c.fail(fmt.Errorf("partition %d: %w", h.partition, err))
}

// commit records that every message at or below offset is durable: the
// committed position is offset+1, the next offset to consume.
func (c *Consumer) commit(partition int32, offset int64) {
	errCh := make(chan error, 1)
	c.client.CommitOffsetsSync(context.Background(), map[string]map[int32]kgo.EpochOffset{
		c.topic: {
			partition: {Epoch: -1, Offset: offset + 1},
		},
	}, func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, resp *kmsg.OffsetCommitResponse, err error) {
		if err != nil {
			errCh <- err
			return
		}
		for _, topic := range resp.Topics {
			for _, p := range topic.Partitions {
				if err := kerr.ErrorForCode(p.ErrorCode); err != nil {
					errCh <- err
					return
				}
			}
		}
		errCh <- nil
	})

	if err := <-errCh; err != nil {
		c.fail(fmt.Errorf("commit offset %d for partition %d: %w", offset, partition, err))
		return
	}
	c.log.Debug("committed", "topic", c.topic, "partition", partition, "offset", offset)
}

func (c *Consumer) fail(err error) {
	select {
	case c.failed <- err:
	default:
	}
}

// Run polls and dispatches records until the context is canceled, Close is
// called, or a partition fails fatally. On return all partition processors
// have drained and the client is closed.
func (c *Consumer) Run(ctx context.Context) error {
	c.logCommittedOffsets(ctx)

	var runErr error
poll:
	for {
		select {
		case err := <-c.failed:
			runErr = err
			break poll
		default:
		}

		pollCtx, cancel := context.WithTimeout(ctx, c.pollTimeout)
		fetches := c.client.PollRecords(pollCtx, c.maxPollRecords)
		cancel()

		if fetches.IsClientClosed() {
			break poll
		}
		if ctx.Err() != nil {
			break poll
		}

		for _, fetchError := range fetches.Errors() {
			if errors.Is(fetchError.Err, context.DeadlineExceeded) || errors.Is(fetchError.Err, context.Canceled) {
				continue
			}
			runErr = fmt.Errorf("fetch error on topic %s, partition %d: %w", fetchError.Topic, fetchError.Partition, fetchError.Err)
			break poll
		}

		fetches.EachPartition(func(fetch kgo.FetchTopicPartition) {
			w := c.worker(fetch.Partition)
			if w == nil {
				return
			}
			for _, record := range fetch.Records {
				w.proc.Handle(Message{Offset: record.Offset, Value: record.Value})
			}
		})
	}

	c.shutdown()

	if runErr == nil {
		select {
		case runErr = <-c.failed:
		default:
		}
	}
	return runErr
}

// Close requests a graceful shutdown; Run drains and returns.
func (c *Consumer) Close() {
	c.client.Close()
}

func (c *Consumer) shutdown() {
	c.mu.Lock()
	workers := c.workers
	c.workers = map[int32]*partitionWorker{}
	c.mu.Unlock()

	for partition, w := range workers {
		w.proc.Close()
		w.loop.Stop()
		c.log.Debug("partition drained", "partition", partition)
	}
	c.client.Close()
}

func (c *Consumer) logCommittedOffsets(ctx context.Context) {
	resp, err := c.adminClient.FetchOffsets(ctx, c.group)
	if err != nil {
		c.log.Warn("failed to fetch committed offsets", "group", c.group, "error", err)
		return
	}
	resp.Each(func(o kadm.OffsetResponse) {
		c.log.Info("resuming", "topic", o.Topic, "partition", o.Partition, "offset", o.At)
	})
}
