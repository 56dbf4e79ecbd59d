package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"socialfeed/internal/bus"
	"socialfeed/internal/domain"
	"socialfeed/internal/log"
	"socialfeed/internal/metrics"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

var errPublisherClosed = errors.New("rabbitmq publisher closed")

// Publisher sends post events to the topic exchange. A broken channel is
// re-dialed on the next publish.
type Publisher struct {
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	conn   *amqp091.Connection
	ch     *amqp091.Channel
	closed bool
}

func NewPublisher(cfg Config) (*Publisher, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Publisher{cfg: cfg, logger: log.WithComponent("bus.rabbitmq.publisher")}, nil
}

// Connect dials eagerly so misconfiguration shows up at startup.
func (p *Publisher) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ensureChannel()
}

func (p *Publisher) PublishPost(ctx context.Context, recipientID string, post domain.Post) error {
	body, err := bus.EncodePost(post)
	if err != nil {
		return err
	}
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    post.ID,
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureChannel(); err != nil {
		metrics.BusPublishedTotal.WithLabelValues("rabbitmq", "error").Inc()
		return err
	}
	if err := p.ch.PublishWithContext(ctx, p.cfg.Exchange, bus.RoutingKey(recipientID), false, false, msg); err != nil {
		metrics.BusPublishedTotal.WithLabelValues("rabbitmq", "error").Inc()
		return fmt.Errorf("publish post %s to %s: %w", post.ID, recipientID, err)
	}
	metrics.BusPublishedTotal.WithLabelValues("rabbitmq", "ok").Inc()
	return nil
}

func (p *Publisher) ensureChannel() error {
	if p.closed {
		return errPublisherClosed
	}
	if p.ch != nil && !p.ch.IsClosed() {
		return nil
	}
	p.release()
	conn, ch, err := dial(p.cfg)
	if err != nil {
		return err
	}
	p.conn, p.ch = conn, ch
	p.logger.Info().Str("exchange", p.cfg.Exchange).Msg("publisher connected")
	return nil
}

func (p *Publisher) release() error {
	var errs []error
	if p.ch != nil && !p.ch.IsClosed() {
		errs = append(errs, p.ch.Close())
	}
	if p.conn != nil && !p.conn.IsClosed() {
		errs = append(errs, p.conn.Close())
	}
	p.ch, p.conn = nil, nil
	return errors.Join(errs...)
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.release()
}
