// Package kafka is the alternative event bus driver. Post events go to one
// topic keyed by routing key, so a recipient's events share a partition.
package kafka

import (
	"crypto/tls"
	"errors"
	"time"

	"socialfeed/internal/bus"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

type Config struct {
	Brokers        []string
	Topic          string
	GroupID        string
	ClientID       string
	WorkerCount    int
	MaxPollRecords int
	QueueCapacity  int
	// RetryBackoff is the first wait before a failed delivery is retried;
	// it doubles up to maxRetryBackoff.
	RetryBackoff   time.Duration
	Auth           AuthConfig
	Fetch          FetchConfig
}

const maxRetryBackoff = 5 * time.Second

type AuthConfig struct {
	SASL SASLConfig
	TLS  TLSConfig
}

type SASLConfig struct {
	Enabled  bool
	Username string
	Password string
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
}

type FetchConfig struct {
	MinBytes int32
	MaxBytes int32
	MaxWait  time.Duration
}

func (c *Config) withDefaults() {
	if c.Topic == "" {
		c.Topic = bus.DefaultExchange
	}
	if c.GroupID == "" {
		c.GroupID = bus.DefaultQueue
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 256
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 500
	}
	if c.Fetch.MaxWait <= 0 {
		c.Fetch.MaxWait = time.Second
	}
	if c.Fetch.MinBytes <= 0 {
		c.Fetch.MinBytes = 1
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 50 << 20
	}
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if c.Topic == "" {
		return errors.New("kafka.topic is required")
	}
	if c.GroupID == "" {
		return errors.New("kafka.group_id is required")
	}
	return nil
}

func (c Config) clientOpts() []kgo.Opt {
	opts := []kgo.Opt{kgo.SeedBrokers(c.Brokers...)}
	if c.ClientID != "" {
		opts = append(opts, kgo.ClientID(c.ClientID))
	}
	if c.Auth.TLS.Enabled {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: c.Auth.TLS.InsecureSkipVerify}))
	}
	if c.Auth.SASL.Enabled {
		opts = append(opts, kgo.SASL(plain.Auth{User: c.Auth.SASL.Username, Pass: c.Auth.SASL.Password}.AsMechanism()))
	}
	return opts
}
