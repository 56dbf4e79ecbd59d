package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"socialfeed/internal/bus"
	"socialfeed/internal/hashroute"
	"socialfeed/internal/log"
	"socialfeed/internal/metrics"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Consumer drains the feed_updates queue into a bus.Deliverer. Deliveries for
// one recipient always land on the same worker, so they are delivered in the
// order the broker handed them out.
type Consumer struct {
	cfg       Config
	deliverer bus.Deliverer
	logger    zerolog.Logger

	conn     *amqp091.Connection
	ch       *amqp091.Channel
	deliver  <-chan amqp091.Delivery
	shards   []chan deliveryTask
	closed   chan struct{}
	closeErr atomic.Value
	wg       sync.WaitGroup
}

type deliveryTask struct {
	ctx      context.Context
	delivery amqp091.Delivery
}

func NewConsumer(cfg Config, deliverer bus.Deliverer) (*Consumer, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deliverer == nil {
		return nil, fmt.Errorf("deliverer is required")
	}
	shards := make([]chan deliveryTask, cfg.Workers)
	for i := range shards {
		shards[i] = make(chan deliveryTask, cfg.DeliveryQueue)
	}
	return &Consumer{
		cfg:       cfg,
		deliverer: deliverer,
		logger:    log.WithComponent("bus.rabbitmq.consumer"),
		shards:    shards,
		closed:    make(chan struct{}),
	}, nil
}

func (c *Consumer) Start(ctx context.Context) error {
	conn, ch, err := dial(c.cfg)
	if err != nil {
		return err
	}
	if err := ch.Qos(c.cfg.PrefetchCount, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("set prefetch: %w", err)
	}
	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(c.cfg.Queue, c.cfg.Binding, c.cfg.Exchange, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("bind queue key=%s: %w", c.cfg.Binding, err)
	}
	deliveries, err := ch.Consume(c.cfg.Queue, c.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("consume queue: %w", err)
	}
	c.conn, c.ch = conn, ch
	c.run(ctx, deliveries)
	c.logger.Info().
		Str("queue", c.cfg.Queue).
		Str("binding", c.cfg.Binding).
		Int("prefetch", c.cfg.PrefetchCount).
		Int("workers", c.cfg.Workers).
		Msg("consumer started")
	return nil
}

func (c *Consumer) run(ctx context.Context, deliveries <-chan amqp091.Delivery) {
	c.deliver = deliveries
	c.wg.Add(1)
	go c.readLoop(ctx)
	for _, shard := range c.shards {
		c.wg.Add(1)
		go c.workerLoop(ctx, shard)
	}
}

func (c *Consumer) Close() error {
	select {
	case <-c.closed:
		if v := c.closeErr.Load(); v != nil {
			return v.(error)
		}
		return nil
	default:
		close(c.closed)
	}
	if c.ch != nil {
		_ = c.ch.Cancel(c.cfg.ConsumerTag, false)
	}
	c.wg.Wait()
	var errs []error
	if c.ch != nil {
		if err := c.ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	c.closeErr.Store(err)
	return err
}

func (c *Consumer) readLoop(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		for _, shard := range c.shards {
			close(shard)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case d, ok := <-c.deliver:
			if !ok {
				return
			}
			shard := c.shards[c.shardFor(d.RoutingKey)]
			select {
			case shard <- deliveryTask{ctx: ctx, delivery: d}:
			case <-ctx.Done():
				return
			case <-c.closed:
				return
			}
		}
	}
}

// shardFor keeps malformed keys on shard 0; processDelivery drops them.
func (c *Consumer) shardFor(routingKey string) int {
	recipient, err := bus.RecipientFromKey(routingKey)
	if err != nil {
		return 0
	}
	return hashroute.ShardFor(recipient, len(c.shards))
}

func (c *Consumer) workerLoop(ctx context.Context, tasks <-chan deliveryTask) {
	defer c.wg.Done()
	for task := range tasks {
		c.processDelivery(task.ctx, task.delivery)
	}
}

// processDelivery acknowledges only after the delivery attempt. A failed or
// panicking attempt is requeued; a message that can never be delivered is
// dropped.
func (c *Consumer) processDelivery(ctx context.Context, d amqp091.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("routing_key", d.RoutingKey).Msg("delivery panicked, requeueing")
			c.settle(d, "requeue")
		}
	}()

	recipient, err := bus.RecipientFromKey(d.RoutingKey)
	if err != nil {
		c.logger.Warn().Err(err).Msg("dropping event")
		c.settle(d, "drop")
		return
	}
	if _, err := bus.DecodePost(d.Body); err != nil {
		c.logger.Warn().Err(err).Str("user_id", recipient).Msg("dropping event")
		c.settle(d, "drop")
		return
	}
	if err := c.deliverer.Deliver(ctx, recipient, d.Body); err != nil {
		c.logger.Error().Err(err).Str("user_id", recipient).Msg("delivery failed, requeueing")
		c.settle(d, "requeue")
		return
	}
	c.settle(d, "ack")
}

func (c *Consumer) settle(d amqp091.Delivery, outcome string) {
	var err error
	switch outcome {
	case "ack":
		err = d.Ack(false)
	case "requeue":
		err = d.Nack(false, true)
	default:
		err = d.Nack(false, false)
	}
	if err != nil {
		c.logger.Error().Err(err).Str("outcome", outcome).Uint64("delivery_tag", d.DeliveryTag).Msg("settle delivery")
	}
	metrics.BusConsumedTotal.WithLabelValues("rabbitmq", outcome).Inc()
}
