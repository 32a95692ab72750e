package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/marko911/paywatch/internal/payment"
)

// ReportFunc runs a check for a payment against client evidence.
type ReportFunc func(ctx context.Context, paymentID string, evidence payment.ClientEvidence) error

type ReportConsumerConfig struct {
	ConsumerName string        `yaml:"consumer_name"`
	BatchSize    int           `yaml:"batch_size"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

func DefaultReportConsumerConfig() ReportConsumerConfig {
	return ReportConsumerConfig{
		ConsumerName: "paywatch-reports",
		BatchSize:    32,
		FetchTimeout: 5 * time.Second,
	}
}

type disposition int

const (
	dispAck disposition = iota
	dispNak
	dispTerm
)

// ReportConsumer turns messages on payments.reports.<payment_id> into
// event-triggered checks.
type ReportConsumer struct {
	cfg      ReportConsumerConfig
	consumer jetstream.Consumer
	report   ReportFunc
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

func NewReportConsumer(ctx context.Context, js jetstream.JetStream, cfg ReportConsumerConfig, report ReportFunc, logger *slog.Logger) (*ReportConsumer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "report-consumer")

	streamCfg := DefaultPaymentsStreamConfig()
	stream, err := EnsureStream(ctx, js, streamCfg)
	if err != nil {
		return nil, err
	}

	consumer, err := EnsureConsumer(ctx, stream, DefaultReportsConsumerConfig(cfg.ConsumerName))
	if err != nil {
		return nil, err
	}

	logger.Info("report consumer initialized",
		"stream", streamCfg.Name,
		"consumer", cfg.ConsumerName,
	)

	return &ReportConsumer{
		cfg:      cfg,
		consumer: consumer,
		report:   report,
		logger:   logger,
		done:     make(chan struct{}),
	}, nil
}

// Run fetches reports until ctx is cancelled or Stop is called.
func (rc *ReportConsumer) Run(ctx context.Context) error {
	rc.mu.Lock()
	if rc.running {
		rc.mu.Unlock()
		return fmt.Errorf("report consumer already running")
	}
	rc.running = true
	rc.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-rc.done:
			return nil
		default:
			if err := rc.fetchAndHandle(ctx); err != nil {
				rc.logger.Error("fetch reports failed", "error", err)
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(time.Second):
				}
			}
		}
	}
}

func (rc *ReportConsumer) fetchAndHandle(ctx context.Context) error {
	msgs, err := rc.consumer.Fetch(rc.cfg.BatchSize, jetstream.FetchMaxWait(rc.cfg.FetchTimeout))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return fmt.Errorf("fetch messages: %w", err)
	}

	for msg := range msgs.Messages() {
		var ackErr error
		switch rc.handle(ctx, msg.Subject(), msg.Data()) {
		case dispAck:
			ackErr = msg.Ack()
		case dispNak:
			ackErr = msg.Nak()
		case dispTerm:
			ackErr = msg.Term()
		}
		if ackErr != nil {
			rc.logger.Warn("failed to settle message", "subject", msg.Subject(), "error", ackErr)
		}
	}

	if err := msgs.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		rc.logger.Warn("message iteration error", "error", err)
	}
	return nil
}

// handle decides what happens to one report. Malformed reports and reports
// the engine rejects are terminated; anything else is redelivered.
func (rc *ReportConsumer) handle(ctx context.Context, subject string, data []byte) disposition {
	paymentID, ok := PaymentIDFromSubject(subject)
	if !ok {
		rc.logger.Warn("report on unexpected subject", "subject", subject)
		return dispTerm
	}

	var ev payment.ClientEvidence
	if err := json.Unmarshal(data, &ev); err != nil {
		rc.logger.Warn("malformed report", "payment_id", paymentID, "error", err)
		return dispTerm
	}

	err := rc.report(ctx, paymentID, ev)
	switch {
	case err == nil:
		return dispAck
	case errors.Is(err, payment.ErrInvalidEvidence),
		errors.Is(err, payment.ErrInvalidPaymentID),
		errors.Is(err, payment.ErrPaymentNotFound):
		rc.logger.Info("report rejected", "payment_id", paymentID, "error", err)
		return dispTerm
	default:
		rc.logger.Warn("report check failed", "payment_id", paymentID, "error", err)
		return dispNak
	}
}

func (rc *ReportConsumer) Stop() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if !rc.running {
		return
	}
	rc.running = false
	close(rc.done)
}
