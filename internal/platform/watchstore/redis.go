// Package watchstore keeps the set of payments the engine is watching in
// Redis so a restarted process can resume them.
package watchstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyWatch       = "watch:"
	keyExpirations = "watch:expirations"
)

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	KeyPrefix string `yaml:"key_prefix"`

	// Grace keeps a record around after its payment expires so a late
	// restart still sees it and can settle the expiry.
	Grace time.Duration `yaml:"grace"`
}

func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:      "localhost:6379",
		KeyPrefix: "paywatch:",
		Grace:     time.Hour,
	}
}

// Record is what is stored per watched payment.
type Record struct {
	PaymentID    string    `json:"payment_id"`
	ExpiresAt    time.Time `json:"expires_at"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Store implements the reconciliation service's watch registry. Records
// live under their own key and in a sorted set scored by expiry.
type Store struct {
	client    *redis.Client
	keyPrefix string
	grace     time.Duration
	now       func() time.Time
}

func NewRedisStore(cfg RedisConfig) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	s := NewStoreWithClient(client, cfg.KeyPrefix)
	s.grace = cfg.Grace
	return s, nil
}

func NewStoreWithClient(client *redis.Client, keyPrefix string) *Store {
	return &Store{
		client:    client,
		keyPrefix: keyPrefix,
		grace:     time.Hour,
		now:       time.Now,
	}
}

func (s *Store) key(parts ...string) string {
	result := s.keyPrefix
	for _, p := range parts {
		result += p
	}
	return result
}

// Add records a watch. Adding an existing payment refreshes its expiry.
func (s *Store) Add(ctx context.Context, paymentID string, expiresAt time.Time) error {
	rec := Record{
		PaymentID:    paymentID,
		ExpiresAt:    expiresAt.UTC(),
		RegisteredAt: s.now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal watch: %w", err)
	}

	ttl := expiresAt.Sub(s.now()) + s.grace
	if ttl <= 0 {
		ttl = s.grace
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(keyWatch, paymentID), data, ttl)
	pipe.ZAdd(ctx, s.key(keyExpirations), redis.Z{
		Score:  float64(expiresAt.Unix()),
		Member: paymentID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add watch pipeline: %w", err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, paymentID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key(keyWatch, paymentID))
	pipe.ZRem(ctx, s.key(keyExpirations), paymentID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove watch pipeline: %w", err)
	}
	return nil
}

// List returns every registered payment id, soonest expiry first.
func (s *Store) List(ctx context.Context) ([]string, error) {
	ids, err := s.client.ZRange(ctx, s.key(keyExpirations), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list watches: %w", err)
	}
	return ids, nil
}

// Get returns the record for paymentID, or nil when none is stored.
func (s *Store) Get(ctx context.Context, paymentID string) (*Record, error) {
	data, err := s.client.Get(ctx, s.key(keyWatch, paymentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get watch: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal watch: %w", err)
	}
	return &rec, nil
}

// Prune drops index entries whose payment expired more than the grace
// period ago. Those payments were settled by another check or never will be.
func (s *Store) Prune(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.grace).Unix()

	expired, err := s.client.ZRangeByScore(ctx, s.key(keyExpirations), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("get expired watches: %w", err)
	}

	count := 0
	for _, id := range expired {
		if err := s.Remove(ctx, id); err == nil {
			count++
		}
	}
	return count, nil
}

func (s *Store) Count(ctx context.Context) (int64, error) {
	n, err := s.client.ZCard(ctx, s.key(keyExpirations)).Result()
	if err != nil {
		return 0, fmt.Errorf("count watches: %w", err)
	}
	return n, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}
