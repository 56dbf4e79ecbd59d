package kafka

import (
	"context"
	"fmt"

	"socialfeed/internal/bus"
	"socialfeed/internal/domain"
	"socialfeed/internal/metrics"

	"github.com/twmb/franz-go/pkg/kgo"
)

type Publisher struct {
	cfg     Config
	client  *kgo.Client
	produce func(context.Context, *kgo.Record) error
}

func NewPublisher(cfg Config, opts ...kgo.Opt) (*Publisher, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kopts := append(cfg.clientOpts(), kgo.DefaultProduceTopic(cfg.Topic), kgo.RequiredAcks(kgo.AllISRAcks()))
	kopts = append(kopts, opts...)
	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}
	p := &Publisher{cfg: cfg, client: cl}
	p.produce = func(ctx context.Context, r *kgo.Record) error { return cl.ProduceSync(ctx, r).FirstErr() }
	return p, nil
}

func (p *Publisher) PublishPost(ctx context.Context, recipientID string, post domain.Post) error {
	body, err := bus.EncodePost(post)
	if err != nil {
		return err
	}
	rec := &kgo.Record{Topic: p.cfg.Topic, Key: []byte(bus.RoutingKey(recipientID)), Value: body}
	if err := p.produce(ctx, rec); err != nil {
		metrics.BusPublishedTotal.WithLabelValues("kafka", "error").Inc()
		return fmt.Errorf("produce post %s to %s: %w", post.ID, recipientID, err)
	}
	metrics.BusPublishedTotal.WithLabelValues("kafka", "ok").Inc()
	return nil
}

func (p *Publisher) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}
