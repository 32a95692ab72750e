// Package config loads the paywatch service configuration from a YAML file
// layered over defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/marko911/paywatch/internal/adapter/solana"
	"github.com/marko911/paywatch/internal/adapter/xrpl"
	pnats "github.com/marko911/paywatch/internal/platform/nats"
	"github.com/marko911/paywatch/internal/platform/storage"
	"github.com/marko911/paywatch/internal/platform/watchstore"
	"github.com/marko911/paywatch/internal/poller"
	"github.com/marko911/paywatch/internal/reconcile"
	"github.com/marko911/paywatch/internal/session"
)

type Config struct {
	Database storage.Config         `yaml:"database"`
	Redis    watchstore.RedisConfig `yaml:"redis"`
	NATS     NATSConfig             `yaml:"nats"`
	Kafka    KafkaConfig            `yaml:"kafka"`
	XRPL     XRPLConfig             `yaml:"xrpl"`
	Solana   SolanaConfig           `yaml:"solana"`
	Engine   EngineConfig           `yaml:"engine"`
	HTTP     HTTPConfig             `yaml:"http"`

	// Rates are static CRYPTO/FIAT rates, e.g. "XRP/USD": "0.52".
	Rates map[string]string `yaml:"rates"`
}

type NATSConfig struct {
	Enabled bool                       `yaml:"enabled"`
	Conn    pnats.Config               `yaml:"conn"`
	Reports pnats.ReportConsumerConfig `yaml:"reports"`
}

type KafkaConfig struct {
	Brokers      string        `yaml:"brokers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
	StaleAfter   time.Duration `yaml:"stale_after"`
}

type XRPLConfig struct {
	Enabled     bool `yaml:"enabled"`
	xrpl.Config `yaml:",inline"`
}

type SolanaConfig struct {
	Enabled       bool `yaml:"enabled"`
	solana.Config `yaml:",inline"`
}

// EngineConfig tunes watching and confirmation.
type EngineConfig struct {
	ReconnectDelay          time.Duration `yaml:"reconnect_delay"`
	MaxReconnects           int           `yaml:"max_reconnects"`
	PollInterval            time.Duration `yaml:"poll_interval"`
	PollTimeout             time.Duration `yaml:"poll_timeout"`
	CheckInterval           time.Duration `yaml:"check_interval"`
	PaymentTTL              time.Duration `yaml:"payment_ttl"`
	DefaultMinConfirmations int           `yaml:"default_min_confirmations"`
	MaxCASRetries           int           `yaml:"max_cas_retries"`
	RestoreLimit            int           `yaml:"restore_limit"`
	PruneInterval           time.Duration `yaml:"prune_interval"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

func DefaultConfig() Config {
	rc := reconcile.DefaultConfig()
	return Config{
		Database: storage.DefaultConfig(),
		Redis:    watchstore.DefaultRedisConfig(),
		NATS: NATSConfig{
			Enabled: true,
			Conn:    pnats.DefaultConfig(),
			Reports: pnats.DefaultReportConsumerConfig(),
		},
		Kafka: KafkaConfig{
			Brokers:      "localhost:9092",
			PollInterval: 500 * time.Millisecond,
			BatchSize:    100,
			StaleAfter:   5 * time.Minute,
		},
		XRPL:   XRPLConfig{Enabled: true, Config: xrpl.DefaultConfig()},
		Solana: SolanaConfig{Enabled: true, Config: solana.DefaultConfig()},
		Engine: EngineConfig{
			ReconnectDelay:          rc.Session.ReconnectDelay,
			MaxReconnects:           rc.Session.MaxReconnects,
			PollInterval:            rc.Poller.Interval,
			PollTimeout:             rc.Poller.QueryTimeout,
			CheckInterval:           rc.CheckInterval,
			PaymentTTL:              rc.PaymentTTL,
			DefaultMinConfirmations: rc.DefaultMinConfirmations,
			MaxCASRetries:           rc.MaxCASRetries,
			RestoreLimit:            rc.RestoreLimit,
			PruneInterval:           10 * time.Minute,
		},
		HTTP:  HTTPConfig{Addr: ":8080"},
		Rates: map[string]string{},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if !c.XRPL.Enabled && !c.Solana.Enabled {
		return fmt.Errorf("config: no chain enabled")
	}
	if c.Engine.MaxReconnects < 0 {
		return fmt.Errorf("config: engine.max_reconnects must not be negative")
	}
	if c.Engine.DefaultMinConfirmations < 1 {
		return fmt.Errorf("config: engine.default_min_confirmations must be at least 1")
	}
	return nil
}

// Reconcile builds the reconciliation service configuration.
func (c Config) Reconcile() reconcile.Config {
	e := c.Engine
	rc := reconcile.DefaultConfig()
	rc.Session = session.Config{
		ReconnectDelay: e.ReconnectDelay,
		MaxReconnects:  e.MaxReconnects,
		EventBuffer:    rc.Session.EventBuffer,
	}
	rc.Poller = poller.Config{
		Interval:     e.PollInterval,
		QueryTimeout: e.PollTimeout,
	}
	rc.CheckInterval = e.CheckInterval
	rc.PaymentTTL = e.PaymentTTL
	rc.DefaultMinConfirmations = e.DefaultMinConfirmations
	rc.MaxCASRetries = e.MaxCASRetries
	rc.RestoreLimit = e.RestoreLimit
	return rc
}
