package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/marko911/paywatch/internal/payment"
)

// Publisher is the slice of jetstream.JetStream the sink needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Sink publishes confirmed payments to JetStream. The event id is the
// message id, so a redelivered notification is dropped by the stream's
// duplicate window.
type Sink struct {
	js     Publisher
	logger *slog.Logger
}

func NewSink(js Publisher, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{js: js, logger: logger.With("component", "nats-sink")}
}

func (s *Sink) Emit(ctx context.Context, ev payment.PaymentConfirmedEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal confirmed event: %w", err)
	}

	subject := SubjectForConfirmed(string(ev.Chain))
	ack, err := s.js.Publish(ctx, subject, data, jetstream.WithMsgID(ev.EventID))
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	s.logger.Debug("published confirmation",
		"payment_id", ev.PaymentID,
		"subject", subject,
		"seq", ack.Sequence,
		"duplicate", ack.Duplicate,
	)
	return nil
}
