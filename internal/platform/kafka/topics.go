// Package kafka manages the topics outbox events are relayed to.
package kafka

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/marko911/paywatch/internal/payment"
)

const (
	TopicConfirmed = "payments.confirmed"
	TopicLedger    = "payments.ledger"
	TopicUnrouted  = "payments.unrouted"
)

// TopicForEvent maps an outbox event type to its topic.
func TopicForEvent(eventType string) string {
	switch eventType {
	case payment.EventTypeConfirmed:
		return TopicConfirmed
	case payment.EventTypeLedgerApplied:
		return TopicLedger
	default:
		return TopicUnrouted
	}
}

// TopicConfig defines the configuration for a Kafka topic.
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	RetentionMs       int64
	CleanupPolicy     string
}

func DefaultTopicConfigs() []TopicConfig {
	return []TopicConfig{
		{
			Name:              TopicConfirmed,
			Partitions:        6,
			ReplicationFactor: 1,
			RetentionMs:       30 * 24 * 60 * 60 * 1000, // 30 days
			CleanupPolicy:     "delete",
		},
		{
			Name:              TopicLedger,
			Partitions:        6,
			ReplicationFactor: 1,
			RetentionMs:       90 * 24 * 60 * 60 * 1000, // 90 days
			CleanupPolicy:     "delete",
		},
		{
			Name:              TopicUnrouted,
			Partitions:        1,
			ReplicationFactor: 1,
			RetentionMs:       7 * 24 * 60 * 60 * 1000, // 7 days
			CleanupPolicy:     "delete",
		},
	}
}

// SplitBrokers turns a comma separated broker list into seed addresses.
func SplitBrokers(brokers string) []string {
	list := strings.Split(brokers, ",")
	out := list[:0]
	for _, b := range list {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

type TopicManager struct {
	admin *kadm.Client
}

func NewTopicManager(brokers string) (*TopicManager, error) {
	client, err := kgo.NewClient(kgo.SeedBrokers(SplitBrokers(brokers)...))
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &TopicManager{admin: kadm.NewClient(client)}, nil
}

// EnsureTopics creates topics that don't exist yet.
func (m *TopicManager) EnsureTopics(ctx context.Context, configs []TopicConfig) error {
	existing, err := m.admin.ListTopics(ctx)
	if err != nil {
		return fmt.Errorf("list topics: %w", err)
	}

	for _, cfg := range configs {
		if existing.Has(cfg.Name) {
			continue
		}
		if err := m.CreateTopic(ctx, cfg); err != nil {
			return fmt.Errorf("create topic %s: %w", cfg.Name, err)
		}
	}
	return nil
}

func (m *TopicManager) CreateTopic(ctx context.Context, cfg TopicConfig) error {
	resp, err := m.admin.CreateTopics(ctx, cfg.Partitions, cfg.ReplicationFactor,
		map[string]*string{
			"retention.ms":   kadm.StringPtr(fmt.Sprintf("%d", cfg.RetentionMs)),
			"cleanup.policy": kadm.StringPtr(cfg.CleanupPolicy),
		},
		cfg.Name,
	)
	if err != nil {
		return fmt.Errorf("create topic: %w", err)
	}

	for _, r := range resp {
		if r.Err != nil {
			return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
		}
	}
	return nil
}

func (m *TopicManager) Close() {
	m.admin.Close()
}

// WaitForTopic waits for a topic to be available.
func (m *TopicManager) WaitForTopic(ctx context.Context, topic string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		topics, err := m.admin.ListTopics(ctx, topic)
		if err == nil && topics.Has(topic) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return fmt.Errorf("timeout waiting for topic %s", topic)
}
