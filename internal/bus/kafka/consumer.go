package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"socialfeed/internal/bus"
	"socialfeed/internal/hashroute"
	"socialfeed/internal/log"
	"socialfeed/internal/metrics"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Consumer reads post events in a consumer group. A failed delivery is
// retried in place with backoff, and a partition's offset is committed only
// up to the lowest record that has not finished yet.
type Consumer struct {
	cfg       Config
	deliverer bus.Deliverer
	logger    zerolog.Logger

	client  *kgo.Client
	shards  []chan *kgo.Record
	acks    chan recordAck
	offsets *offsetTracker

	pauseMux sync.Mutex
	paused   bool

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	poll         func(context.Context) (kgo.Fetches, error)
	allow        func()
	markCommit   func(*kgo.Record)
	commitMarked func(context.Context) error
	pauseFetch   func(...string)
	resumeFetch  func(...string)
}

type recordAck struct {
	record  *kgo.Record
	outcome string
}

func NewConsumer(cfg Config, deliverer bus.Deliverer, opts ...kgo.Opt) (*Consumer, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deliverer == nil {
		return nil, fmt.Errorf("deliverer is required")
	}
	kopts := append(cfg.clientOpts(),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.FetchMaxWait(cfg.Fetch.MaxWait),
		kgo.FetchMinBytes(cfg.Fetch.MinBytes),
		kgo.FetchMaxBytes(cfg.Fetch.MaxBytes),
	)
	c := newConsumer(cfg, deliverer)
	forget := func(_ context.Context, _ *kgo.Client, lost map[string][]int32) { c.offsets.forget(lost) }
	kopts = append(kopts, kgo.OnPartitionsRevoked(forget), kgo.OnPartitionsLost(forget))
	kopts = append(kopts, opts...)
	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}
	c.client = cl
	c.poll = func(ctx context.Context) (kgo.Fetches, error) {
		fetches := cl.PollRecords(ctx, cfg.MaxPollRecords)
		if errs := fetches.Errors(); len(errs) > 0 {
			return fetches, errs[0].Err
		}
		return fetches, nil
	}
	c.allow = cl.AllowRebalance
	c.markCommit = func(r *kgo.Record) { cl.MarkCommitRecords(r) }
	c.commitMarked = func(ctx context.Context) error { return cl.CommitMarkedOffsets(ctx) }
	c.pauseFetch = func(topics ...string) { _ = cl.PauseFetchTopics(topics...) }
	c.resumeFetch = func(topics ...string) { cl.ResumeFetchTopics(topics...) }
	return c, nil
}

func newConsumer(cfg Config, deliverer bus.Deliverer) *Consumer {
	shards := make([]chan *kgo.Record, cfg.WorkerCount)
	for i := range shards {
		shards[i] = make(chan *kgo.Record, cfg.QueueCapacity)
	}
	return &Consumer{
		cfg:       cfg,
		deliverer: deliverer,
		logger:    log.WithComponent("bus.kafka.consumer"),
		shards:    shards,
		acks:      make(chan recordAck, cfg.QueueCapacity),
		offsets:   newOffsetTracker(),
		done:      make(chan struct{}),
	}
}

// Start launches the poll loop and returns.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
	c.logger.Info().Str("topic", c.cfg.Topic).Str("group", c.cfg.GroupID).Int("workers", c.cfg.WorkerCount).Msg("consumer started")
	return nil
}

func (c *Consumer) Close() error {
	c.once.Do(func() {
		if c.cancel == nil {
			close(c.done)
		} else {
			c.cancel()
		}
	})
	<-c.done
	if c.client != nil {
		c.client.Close()
	}
	return nil
}

func (c *Consumer) run(ctx context.Context) {
	defer close(c.done)
	var workers sync.WaitGroup
	for _, shard := range c.shards {
		workers.Add(1)
		go func(shard <-chan *kgo.Record) {
			defer workers.Done()
			c.runWorker(ctx, shard)
		}(shard)
	}
	acksDone := make(chan struct{})
	go func() {
		defer close(acksDone)
		c.handleAcks(ctx)
	}()

	defer func() {
		for _, shard := range c.shards {
			close(shard)
		}
		workers.Wait()
		<-acksDone
	}()

	for ctx.Err() == nil {
		fetches, err := c.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error().Err(err).Msg("poll records")
			time.Sleep(time.Second)
			continue
		}
		fetches.EachRecord(func(rec *kgo.Record) {
			c.dispatch(ctx, rec)
		})
		c.allow()
	}
}

// dispatch blocks until the record's shard has room, pausing fetches while
// it waits.
func (c *Consumer) dispatch(ctx context.Context, rec *kgo.Record) {
	shard := c.shards[c.shardFor(rec)]
	c.offsets.begin(rec)
	for {
		select {
		case shard <- rec:
			c.maybeResume(shard)
			return
		case <-ctx.Done():
			return
		default:
			c.maybePause(shard)
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func (c *Consumer) shardFor(rec *kgo.Record) int {
	recipient, err := bus.RecipientFromKey(string(rec.Key))
	if err != nil {
		return 0
	}
	return hashroute.ShardFor(recipient, len(c.shards))
}

func (c *Consumer) runWorker(ctx context.Context, records <-chan *kgo.Record) {
	for rec := range records {
		outcome := c.deliver(ctx, rec)
		select {
		case c.acks <- recordAck{record: rec, outcome: outcome}:
		case <-ctx.Done():
		}
	}
}

// deliver retries a failed record on the same worker until it is delivered,
// dropped or ctx ends. Later records of the recipient wait behind it.
func (c *Consumer) deliver(ctx context.Context, rec *kgo.Record) string {
	backoff := c.cfg.RetryBackoff
	for {
		outcome := c.processRecord(ctx, rec)
		metrics.BusConsumedTotal.WithLabelValues("kafka", outcome).Inc()
		if outcome != "requeue" {
			return outcome
		}
		select {
		case <-ctx.Done():
			return outcome
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxRetryBackoff)
	}
}

func (c *Consumer) processRecord(ctx context.Context, rec *kgo.Record) (outcome string) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Int64("offset", rec.Offset).Msg("delivery panicked")
			outcome = "requeue"
		}
	}()
	recipient, err := bus.RecipientFromKey(string(rec.Key))
	if err != nil {
		c.logger.Warn().Err(err).Int64("offset", rec.Offset).Msg("dropping event")
		return "drop"
	}
	if _, err := bus.DecodePost(rec.Value); err != nil {
		c.logger.Warn().Err(err).Str("user_id", recipient).Msg("dropping event")
		return "drop"
	}
	if err := c.deliverer.Deliver(ctx, recipient, rec.Value); err != nil {
		c.logger.Error().Err(err).Str("user_id", recipient).Msg("delivery failed")
		return "requeue"
	}
	return "ack"
}

// handleAcks commits delivered and dropped records once every earlier record
// of the partition has finished. A requeued record never finishes, so its
// partition stays committed below it and a restart or rebalance redelivers it.
func (c *Consumer) handleAcks(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ack := <-c.acks:
			if ack.record == nil || ack.outcome == "requeue" {
				continue
			}
			upTo := c.offsets.finish(ack.record)
			if upTo == nil {
				continue
			}
			c.markCommit(upTo)
			if err := c.commitMarked(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn().Err(err).Msg("commit offsets")
			}
		}
	}
}

func (c *Consumer) maybePause(shard chan *kgo.Record) {
	c.pauseMux.Lock()
	defer c.pauseMux.Unlock()
	if c.paused || len(shard) < cap(shard) {
		return
	}
	c.pauseFetch(c.cfg.Topic)
	c.paused = true
}

func (c *Consumer) maybeResume(shard chan *kgo.Record) {
	c.pauseMux.Lock()
	defer c.pauseMux.Unlock()
	if !c.paused || len(shard) > cap(shard)/2 {
		return
	}
	c.resumeFetch(c.cfg.Topic)
	c.paused = false
}
