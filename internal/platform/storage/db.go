// Package storage is the Postgres persistence layer of the payment engine:
// payments with compare-and-set status writes, the transactional outbox and
// installment bookkeeping.
package storage

import (
	"context"
	"embed"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`

	MaxConns          int32         `yaml:"max_conns"`
	MinConns          int32         `yaml:"min_conns"`
	MaxConnLifetime   time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `yaml:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `yaml:"health_check_period"`
}

// DefaultConfig points at a local development database.
func DefaultConfig() Config {
	return Config{
		Host:              "localhost",
		Port:              5432,
		User:              "paywatch",
		Password:          "paywatch_dev",
		Database:          "paywatch",
		SSLMode:           "disable",
		MaxConns:          20,
		MinConns:          2,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   30 * time.Minute,
		HealthCheckPeriod: time.Minute,
	}
}

// ConnectionString renders c as a postgres URL. Credentials are escaped so
// generated passwords survive.
func (c Config) ConnectionString() string {
	q := url.Values{}
	q.Set("sslmode", c.SSLMode)
	q.Set("application_name", "paywatch")
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:     "/" + c.Database,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// withDefaults fills unset pool limits. Connection fields are left alone.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SSLMode == "" {
		c.SSLMode = d.SSLMode
	}
	if c.MaxConns <= 0 {
		c.MaxConns = d.MaxConns
	}
	if c.MinConns <= 0 {
		c.MinConns = min(d.MinConns, c.MaxConns)
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = d.MaxConnLifetime
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = d.MaxConnIdleTime
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = d.HealthCheckPeriod
	}
	return c
}

// DB is the engine's pgx pool. Payments, outbox and installments share it.
type DB struct {
	pool *pgxpool.Pool
}

// New opens the pool and fails unless the database answers a ping.
func New(ctx context.Context, cfg Config) (*DB, error) {
	cfg = cfg.withDefaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping %s/%s: %w", cfg.Host, cfg.Database, err)
	}
	return &DB{pool: pool}, nil
}

func (db *DB) Close() {
	db.pool.Close()
}

func (db *DB) Health(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// WithTx runs fn in one transaction. It commits when fn returns nil and
// rolls back otherwise, including when fn panics.
func (db *DB) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, db.pool, fn)
}
