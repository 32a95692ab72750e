package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/marko911/paywatch/internal/payment"
)

// TopicFunc maps an event type to the broker topic it is relayed to.
type TopicFunc func(eventType string) string

// OutboxRepository writes outbox rows inside payment transactions and lets
// the relay claim and settle them.
type OutboxRepository struct {
	db       *DB
	topicFor TopicFunc
}

// NewOutboxRepository uses the event type as topic when topicFor is nil.
func NewOutboxRepository(db *DB, topicFor TopicFunc) *OutboxRepository {
	if topicFor == nil {
		topicFor = func(eventType string) string { return eventType }
	}
	return &OutboxRepository{db: db, topicFor: topicFor}
}

// insert adds events within tx. Events are keyed by payment so the broker
// keeps one payment's events in order.
func (r *OutboxRepository) insert(ctx context.Context, tx pgx.Tx, events []payment.OutboxEvent) error {
	const q = `
		INSERT INTO outbox (event_id, event_type, topic, partition_key, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id) DO NOTHING`

	for _, ev := range events {
		if _, err := tx.Exec(ctx, q, ev.ID, ev.EventType, r.topicFor(ev.EventType), ev.Key, ev.Payload); err != nil {
			return fmt.Errorf("insert outbox %s: %w", ev.ID, err)
		}
	}
	return nil
}

// FetchPendingMessages returns pending rows oldest first.
func (r *OutboxRepository) FetchPendingMessages(ctx context.Context, limit int) ([]OutboxMessage, error) {
	const q = `
		SELECT id, event_id, event_type, topic, partition_key, payload,
		       status, retry_count, max_retries, last_error,
		       created_at, processed_at, published_at
		FROM outbox
		WHERE status = 'pending'
		ORDER BY id ASC
		LIMIT $1`

	rows, err := r.db.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	var out []OutboxMessage
	for rows.Next() {
		var m OutboxMessage
		if err := rows.Scan(
			&m.ID, &m.EventID, &m.EventType, &m.Topic, &m.PartitionKey, &m.Payload,
			&m.Status, &m.RetryCount, &m.MaxRetries, &m.LastError,
			&m.CreatedAt, &m.ProcessedAt, &m.PublishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkAsProcessing claims rows and returns the ids this caller won, so two
// relays never publish the same row.
func (r *OutboxRepository) MarkAsProcessing(ctx context.Context, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	const q = `
		UPDATE outbox
		SET status = 'processing', processed_at = $1
		WHERE id = ANY($2) AND status = 'pending'
		RETURNING id`

	rows, err := r.db.pool.Query(ctx, q, time.Now().UTC(), ids)
	if err != nil {
		return nil, fmt.Errorf("mark processing: %w", err)
	}
	defer rows.Close()

	var claimed []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		claimed = append(claimed, id)
	}
	return claimed, rows.Err()
}

func (r *OutboxRepository) MarkAsPublished(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	const q = `UPDATE outbox SET status = 'published', published_at = $1 WHERE id = ANY($2)`
	if _, err := r.db.pool.Exec(ctx, q, time.Now().UTC(), ids); err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}

// MarkAsFailed returns a row to pending until it runs out of retries.
func (r *OutboxRepository) MarkAsFailed(ctx context.Context, id int64, errMsg string) error {
	const q = `
		UPDATE outbox
		SET status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END,
		    retry_count = retry_count + 1,
		    last_error = $1,
		    processed_at = NULL
		WHERE id = $2`

	if _, err := r.db.pool.Exec(ctx, q, errMsg, id); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// ReleaseStale puts rows stuck in processing longer than olderThan back to
// pending. A relay that crashed mid-batch leaves such rows behind.
func (r *OutboxRepository) ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	const q = `
		UPDATE outbox
		SET status = 'pending', processed_at = NULL
		WHERE status = 'processing' AND processed_at < $1`

	tag, err := r.db.pool.Exec(ctx, q, time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("release stale: %w", err)
	}
	return tag.RowsAffected(), nil
}
