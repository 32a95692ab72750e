package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/marko911/paywatch/internal/platform/kafka"
	"github.com/marko911/paywatch/internal/platform/storage"
)

type PublisherConfig struct {
	Brokers      string
	PollInterval time.Duration
	BatchSize    int
	// StaleAfter releases rows a crashed publisher left in processing.
	StaleAfter time.Duration
}

type outboxStore interface {
	FetchPendingMessages(ctx context.Context, limit int) ([]storage.OutboxMessage, error)
	MarkAsProcessing(ctx context.Context, ids []int64) ([]int64, error)
	MarkAsPublished(ctx context.Context, ids []int64) error
	MarkAsFailed(ctx context.Context, id int64, errMsg string) error
	ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Flush(ctx context.Context) error
	Close()
}

type Publisher struct {
	cfg    PublisherConfig
	repo   outboxStore
	client producer
	logger *slog.Logger
}

func newKafkaProducer(brokers string) (*kgo.Client, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(kafka.SplitBrokers(brokers)...),
		kgo.MaxProduceRequestsInflightPerBroker(1),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RecordRetries(5),
		kgo.RetryBackoffFn(func(n int) time.Duration {
			return time.Duration(n*100) * time.Millisecond
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return client, nil
}

func NewPublisher(cfg PublisherConfig, repo outboxStore, client producer, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Publisher{
		cfg:    cfg,
		repo:   repo,
		client: client,
		logger: logger.With("component", "outbox-publisher"),
	}
}

func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	var staleC <-chan time.Time
	if p.cfg.StaleAfter > 0 {
		stale := time.NewTicker(p.cfg.StaleAfter)
		defer stale.Stop()
		staleC = stale.C
		p.releaseStale(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return p.shutdown()
		case <-staleC:
			p.releaseStale(ctx)
		case <-ticker.C:
			if err := p.pollAndPublish(ctx); err != nil {
				p.logger.Error("poll and publish error", "error", err)
			}
		}
	}
}

func (p *Publisher) releaseStale(ctx context.Context) {
	n, err := p.repo.ReleaseStale(ctx, p.cfg.StaleAfter)
	if err != nil {
		p.logger.Warn("release stale rows failed", "error", err)
		return
	}
	if n > 0 {
		p.logger.Info("released stale outbox rows", "count", n)
	}
}

// pollAndPublish relays one batch. Records go out in outbox order in a
// single produce call so events of one payment keep their order on the
// partition.
func (p *Publisher) pollAndPublish(ctx context.Context) error {
	messages, err := p.repo.FetchPendingMessages(ctx, p.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("fetch pending messages: %w", err)
	}
	if len(messages) == 0 {
		return nil
	}

	ids := make([]int64, len(messages))
	for i, msg := range messages {
		ids[i] = msg.ID
	}

	claimed, err := p.repo.MarkAsProcessing(ctx, ids)
	if err != nil {
		return fmt.Errorf("mark as processing: %w", err)
	}
	if len(claimed) == 0 {
		return nil
	}

	claimedSet := make(map[int64]bool, len(claimed))
	for _, id := range claimed {
		claimedSet[id] = true
	}

	var records []*kgo.Record
	var recordIDs []int64
	for _, msg := range messages {
		if !claimedSet[msg.ID] {
			continue
		}
		records = append(records, toRecord(msg))
		recordIDs = append(recordIDs, msg.ID)
	}

	results := p.client.ProduceSync(ctx, records...)

	var successIDs []int64
	for i, res := range results {
		id := recordIDs[i]
		if res.Err != nil {
			p.logger.Error("failed to publish message", "id", id, "topic", res.Record.Topic, "error", res.Err)
			if err := p.repo.MarkAsFailed(ctx, id, res.Err.Error()); err != nil {
				p.logger.Error("failed to mark message as failed", "id", id, "error", err)
			}
			continue
		}
		successIDs = append(successIDs, id)
	}

	if len(successIDs) > 0 {
		if err := p.repo.MarkAsPublished(ctx, successIDs); err != nil {
			return fmt.Errorf("mark as published: %w", err)
		}
		p.logger.Info("published outbox messages", "count", len(successIDs))
	}
	return nil
}

func toRecord(msg storage.OutboxMessage) *kgo.Record {
	return &kgo.Record{
		Topic: msg.Topic,
		Key:   []byte(msg.PartitionKey),
		Value: msg.Payload,
		Headers: []kgo.RecordHeader{
			{Key: "event_id", Value: []byte(msg.EventID)},
			{Key: "event_type", Value: []byte(msg.EventType)},
		},
	}
}

func (p *Publisher) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.client.Flush(ctx); err != nil {
		p.logger.Error("error flushing kafka messages", "error", err)
	}
	p.client.Close()
	return nil
}
