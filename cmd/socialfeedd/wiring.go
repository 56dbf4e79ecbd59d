package main

import (
	"context"
	"fmt"

	"socialfeed/internal/bus"
	"socialfeed/internal/bus/kafka"
	"socialfeed/internal/bus/rabbitmq"
	"socialfeed/internal/config"
	"socialfeed/internal/feedcache"
	"socialfeed/internal/log"
	"socialfeed/internal/replica"
	"socialfeed/internal/storage"
	"socialfeed/internal/storage/postgres"
	"socialfeed/internal/storage/sqlite"

	"github.com/redis/go-redis/v9"
)

type migratingNode interface {
	storage.Node
	Migrate(ctx context.Context) error
}

func openNode(ctx context.Context, cfg config.DatabaseConfig, name, url string) (migratingNode, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		node, err := postgres.Open(ctx, name, url, postgres.PoolConfig{
			MaxConns:        cfg.MaxConns,
			MinConns:        cfg.MinConns,
			MaxConnLifetime: cfg.MaxConnLifetime,
		})
		if err != nil {
			return nil, err
		}
		return node, nil
	case config.DriverSQLite:
		node, err := sqlite.Open(name, url)
		if err != nil {
			return nil, err
		}
		return node, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// openRouter opens the write node and every replica. Nodes opened before a
// failure are closed again.
func openRouter(ctx context.Context, cfg config.DatabaseConfig) (*replica.Router, migratingNode, error) {
	write, err := openNode(ctx, cfg, "primary", cfg.WriteURL)
	if err != nil {
		return nil, nil, err
	}
	reads := make([]storage.Node, 0, len(cfg.ReplicaURLs))
	for i, url := range cfg.ReplicaURLs {
		node, err := openNode(ctx, cfg, fmt.Sprintf("replica-%d", i+1), url)
		if err != nil {
			_ = write.Close()
			for _, n := range reads {
				_ = n.Close()
			}
			return nil, nil, err
		}
		reads = append(reads, node)
	}
	logger := log.WithComponent("replica")
	router := replica.New(write, reads, replica.Config{
		HealthInterval: cfg.HealthInterval,
		ProbeTimeout:   cfg.ProbeTimeout,
		OnExhausted: func() {
			logger.Error().Msg("serving reads from primary until a replica recovers")
		},
	})
	return router, write, nil
}

func newCache(cfg config.CacheConfig) (*feedcache.Cache, *redis.Client) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return feedcache.New(client, feedcache.Config{
		KeyPrefix: cfg.KeyPrefix,
		Capacity:  cfg.FeedSize,
		TTL:       cfg.TTL,
	}), client
}

func rabbitConfig(cfg config.RabbitMQConfig) rabbitmq.Config {
	return rabbitmq.Config{
		URL:           cfg.URL,
		Endpoints:     cfg.Endpoints,
		Exchange:      cfg.Exchange,
		Queue:         cfg.Queue,
		Binding:       cfg.Binding,
		ConsumerTag:   cfg.ConsumerTag,
		PrefetchCount: cfg.PrefetchCount,
		Workers:       cfg.Workers,
		DeliveryQueue: cfg.DeliveryQueue,
		TLS: rabbitmq.TLSConfig{
			Enabled:            cfg.TLS.Enabled,
			InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
			ServerName:         cfg.TLS.ServerName,
			CAFile:             cfg.TLS.CAFile,
			CertFile:           cfg.TLS.CertFile,
			KeyFile:            cfg.TLS.KeyFile,
		},
		Auth: rabbitmq.AuthConfig{Username: cfg.Username, Password: cfg.Password},
	}
}

func kafkaConfig(cfg config.KafkaConfig) kafka.Config {
	return kafka.Config{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		ClientID:    cfg.ClientID,
		WorkerCount: cfg.WorkerCount,
		Auth: kafka.AuthConfig{
			SASL: kafka.SASLConfig{
				Enabled:  cfg.Username != "",
				Username: cfg.Username,
				Password: cfg.Password,
			},
			TLS: kafka.TLSConfig{
				Enabled:            cfg.TLS.Enabled,
				InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
			},
		},
	}
}

func newPublisher(cfg config.BusConfig) (bus.Publisher, error) {
	switch cfg.Driver {
	case config.BusRabbitMQ:
		p, err := rabbitmq.NewPublisher(rabbitConfig(cfg.RabbitMQ))
		if err != nil {
			return nil, err
		}
		if err := p.Connect(); err != nil {
			return nil, fmt.Errorf("connect rabbitmq publisher: %w", err)
		}
		return p, nil
	case config.BusKafka:
		p, err := kafka.NewPublisher(kafkaConfig(cfg.Kafka))
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return bus.Nop{}, nil
	}
}

// newConsumer returns nil when the bus is disabled.
func newConsumer(cfg config.BusConfig, d bus.Deliverer) (bus.Consumer, error) {
	switch cfg.Driver {
	case config.BusRabbitMQ:
		c, err := rabbitmq.NewConsumer(rabbitConfig(cfg.RabbitMQ), d)
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.BusKafka:
		c, err := kafka.NewConsumer(kafkaConfig(cfg.Kafka), d)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, nil
	}
}
