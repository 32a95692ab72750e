// Package nats connects the engine to NATS JetStream: confirmed payments are
// published there and client observation reports are consumed from it.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

var (
	ErrClientClosed = errors.New("nats client closed")
	ErrNotConnected = errors.New("nats not connected")
)

type Config struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
	// MaxReconnects below zero retries forever.
	MaxReconnects  int           `yaml:"max_reconnects"`
	ReconnectWait  time.Duration `yaml:"reconnect_wait"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

func DefaultConfig() Config {
	return Config{
		URL:            nats.DefaultURL,
		Name:           "paywatch",
		MaxReconnects:  -1,
		ReconnectWait:  2 * time.Second,
		ConnectTimeout: 10 * time.Second,
	}
}

// Client is the engine's JetStream connection, shared by the confirmation
// sink and the report consumer.
type Client struct {
	nc *nats.Conn
	js jetstream.JetStream

	mu     sync.RWMutex
	closed bool
}

// Connect dials NATS and opens JetStream. Connection state changes are
// logged on logger.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats", "url", cfg.URL)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected, confirmations queue in the outbox", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "server", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("nats connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.URL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("open jetstream: %w", err)
	}
	logger.Info("connected to nats", "server", nc.ConnectedUrl())
	return &Client{nc: nc, js: js}, nil
}

func (c *Client) JetStream() jetstream.JetStream {
	return c.js
}

// Health fails once the client is closed or while the connection is down.
func (c *Client) Health(context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClientClosed
	}
	if c.nc == nil || !c.nc.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// Close drains pending publishes and acks before disconnecting.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
		return fmt.Errorf("drain: %w", err)
	}
	return nil
}
