package nats

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

const (
	subjectConfirmed = "payments.confirmed"
	subjectReports   = "payments.reports"
)

// StreamConfig defines the configuration for a JetStream stream.
type StreamConfig struct {
	Name        string
	Subjects    []string
	Retention   jetstream.RetentionPolicy
	MaxAge      time.Duration // 0 = unlimited
	MaxBytes    int64         // 0 = unlimited
	Replicas    int
	Duplicates  time.Duration // dedup window for Nats-Msg-Id
	Description string
}

// DefaultPaymentsStreamConfig captures confirmed payment events and client
// observation reports.
func DefaultPaymentsStreamConfig() StreamConfig {
	return StreamConfig{
		Name:        "PAYMENTS",
		Subjects:    []string{subjectConfirmed + ".>", subjectReports + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      72 * time.Hour,
		MaxBytes:    1024 * 1024 * 1024,
		Replicas:    1,
		Duplicates:  10 * time.Minute,
		Description: "Payment confirmations and client observation reports",
	}
}

// EnsureStream creates or updates a JetStream stream. It is idempotent.
func EnsureStream(ctx context.Context, js jetstream.JetStream, cfg StreamConfig) (jetstream.Stream, error) {
	streamCfg := jetstream.StreamConfig{
		Name:        cfg.Name,
		Subjects:    cfg.Subjects,
		Retention:   cfg.Retention,
		MaxAge:      cfg.MaxAge,
		MaxBytes:    cfg.MaxBytes,
		Replicas:    cfg.Replicas,
		Duplicates:  cfg.Duplicates,
		Description: cfg.Description,
		Storage:     jetstream.FileStorage,
		Discard:     jetstream.DiscardOld,
	}

	stream, err := js.CreateOrUpdateStream(ctx, streamCfg)
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
	}
	return stream, nil
}

// ConsumerConfig defines the configuration for a durable JetStream consumer.
type ConsumerConfig struct {
	Name          string
	FilterSubject string
	DeliverPolicy jetstream.DeliverPolicy
	AckWait       time.Duration
	MaxDeliver    int
	MaxAckPending int
}

// DefaultReportsConsumerConfig consumes every client report. Reports are
// retried a few times because a check may lose a race with a watch.
func DefaultReportsConsumerConfig(name string) ConsumerConfig {
	return ConsumerConfig{
		Name:          name,
		FilterSubject: subjectReports + ".>",
		DeliverPolicy: jetstream.DeliverNewPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		MaxAckPending: 256,
	}
}

func EnsureConsumer(ctx context.Context, stream jetstream.Stream, cfg ConsumerConfig) (jetstream.Consumer, error) {
	consumerCfg := jetstream.ConsumerConfig{
		Name:          cfg.Name,
		Durable:       cfg.Name,
		DeliverPolicy: cfg.DeliverPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		MaxAckPending: cfg.MaxAckPending,
		FilterSubject: cfg.FilterSubject,
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, consumerCfg)
	if err != nil {
		return nil, fmt.Errorf("ensure consumer %s: %w", cfg.Name, err)
	}
	return consumer, nil
}

// SubjectForConfirmed returns the subject a confirmed payment is published on.
// Format: payments.confirmed.<chain>
func SubjectForConfirmed(chain string) string {
	return fmt.Sprintf("%s.%s", subjectConfirmed, chain)
}

// SubjectForReport returns the subject a client reports a transfer on.
// Format: payments.reports.<payment_id>
func SubjectForReport(paymentID string) string {
	return fmt.Sprintf("%s.%s", subjectReports, paymentID)
}

// PaymentIDFromSubject extracts the payment id from a report subject.
func PaymentIDFromSubject(subject string) (string, bool) {
	id, ok := strings.CutPrefix(subject, subjectReports+".")
	if !ok || id == "" || strings.Contains(id, ".") {
		return "", false
	}
	return id, true
}
