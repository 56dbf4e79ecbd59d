package rabbitmq

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"socialfeed/internal/bus"

	"github.com/rabbitmq/amqp091-go"
)

type Config struct {
	URL           string
	Endpoints     []string
	Exchange      string
	Queue         string
	Binding       string
	ConsumerTag   string
	PrefetchCount int
	Workers       int
	DeliveryQueue int
	TLS           TLSConfig
	Auth          AuthConfig
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
	ServerName         string
	CAFile             string
	CertFile           string
	KeyFile            string
}

type AuthConfig struct {
	Username string
	Password string
}

func (c *Config) withDefaults() {
	if c.Exchange == "" {
		c.Exchange = bus.DefaultExchange
	}
	if c.Queue == "" {
		c.Queue = bus.DefaultQueue
	}
	if c.Binding == "" {
		c.Binding = bus.DefaultBinding
	}
	if c.ConsumerTag == "" {
		c.ConsumerTag = "socialfeed-rabbitmq"
	}
	if c.PrefetchCount == 0 {
		c.PrefetchCount = bus.DefaultPrefetch
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.DeliveryQueue == 0 {
		c.DeliveryQueue = 64
	}
}

func (c Config) Validate() error {
	if c.Exchange == "" {
		return fmt.Errorf("rabbitmq exchange is required")
	}
	if c.Queue == "" {
		return fmt.Errorf("rabbitmq queue is required")
	}
	if c.PrefetchCount < 1 {
		return fmt.Errorf("rabbitmq prefetch_count must be >= 1")
	}
	if c.Workers < 1 {
		return fmt.Errorf("rabbitmq workers must be >= 1")
	}
	if c.DeliveryQueue < 1 {
		return fmt.Errorf("rabbitmq delivery_queue must be >= 1")
	}
	if c.endpoint() == "" {
		return fmt.Errorf("rabbitmq url or endpoints is required")
	}
	return nil
}

func (c Config) endpoint() string {
	if strings.TrimSpace(c.URL) != "" {
		return strings.TrimSpace(c.URL)
	}
	for _, e := range c.Endpoints {
		if strings.TrimSpace(e) != "" {
			return strings.TrimSpace(e)
		}
	}
	return ""
}

// dial opens a connection and channel and declares the durable topic
// exchange both sides rely on.
func dial(cfg Config) (*amqp091.Connection, *amqp091.Channel, error) {
	dialCfg := amqp091.Config{}
	if cfg.Auth.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: cfg.Auth.Username, Password: cfg.Auth.Password}}
	}
	tlsCfg, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, nil, err
	}
	dialCfg.TLSClientConfig = tlsCfg

	conn, err := amqp091.DialConfig(cfg.endpoint(), dialCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("declare exchange: %w", err)
	}
	return conn, ch, nil
}

func buildTLSConfig(c TLSConfig) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: c.InsecureSkipVerify, ServerName: c.ServerName}
	if c.CAFile != "" {
		pemBytes, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read rabbitmq ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("parse rabbitmq ca_file")
		}
		tlsCfg.RootCAs = pool
	}
	if c.CertFile != "" || c.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load rabbitmq cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
