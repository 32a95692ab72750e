// Package reconcile drives watched payments to a terminal status.
//
// The Service owns one watch goroutine per payment. Each watch consumes its
// subscription session, falls back to polling when the session fails and
// feeds every observation through the confirmation state machine. Checks for
// the same payment are serialized; checks for different payments never wait
// on each other.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/marko911/paywatch/internal/adapter"
	"github.com/marko911/paywatch/internal/confirmation"
	"github.com/marko911/paywatch/internal/payment"
	"github.com/marko911/paywatch/internal/poller"
	"github.com/marko911/paywatch/internal/session"
)

var (
	ErrClosed            = errors.New("reconcile service closed")
	ErrMissingDependency = errors.New("missing dependency")
)

// WatchRegistry remembers which payments are being watched so a restarted
// engine can resume them.
type WatchRegistry interface {
	Add(ctx context.Context, paymentID string, expiresAt time.Time) error
	Remove(ctx context.Context, paymentID string) error
	List(ctx context.Context) ([]string, error)
}

type Config struct {
	Session session.Config
	Poller  poller.Config

	// CheckInterval is how often a watched payment is re-checked to pick up
	// confirmation depth that no event announces.
	CheckInterval time.Duration

	PaymentTTL              time.Duration
	DefaultMinConfirmations int

	// MaxCASRetries bounds re-evaluation after losing a compare-and-set to a
	// non-terminal concurrent write.
	MaxCASRetries int

	RestoreLimit int
}

func DefaultConfig() Config {
	return Config{
		Session:                 session.DefaultConfig(),
		Poller:                  poller.DefaultConfig(),
		CheckInterval:           30 * time.Second,
		PaymentTTL:              payment.DefaultTTL,
		DefaultMinConfirmations: 1,
		MaxCASRetries:           3,
		RestoreLimit:            1000,
	}
}

// Deps are the collaborators of the Service. Repository and Adapters are
// required; the rest are optional.
type Deps struct {
	Repository payment.Repository
	Adapters   *adapter.Registry
	Oracle     payment.ExchangeRateOracle
	Sink       payment.NotificationSink
	Allocator  payment.InstallmentAllocator
	Watches    WatchRegistry
	Metrics    *Metrics
}

// ReconciliationResult describes what one check did.
type ReconciliationResult struct {
	Payment  payment.PendingPayment
	Previous payment.Status

	Observed     bool
	Persisted    bool
	Transitioned bool
	// Discarded is set when a concurrent write won and this evaluation was
	// thrown away.
	Discarded bool
	// Notified is set when this check triggered the confirmation event.
	Notified       bool
	InstallmentIDs []string
}

// CreateRequest describes a new payment. The exchange rate is locked at
// creation and never refreshed.
type CreateRequest struct {
	// ID is generated when empty.
	ID             string
	OrganizationID string
	InvoiceID      string

	Chain           payment.Chain
	TokenCode       string
	TokenMint       string
	TokenIssuer     string
	Address         string
	MatchIdentifier *uint32

	CryptoAmount     decimal.Decimal
	FiatCurrency     string
	MinConfirmations int
	TTL              time.Duration
}

type Service struct {
	cfg       Config
	repo      payment.Repository
	adapters  *adapter.Registry
	oracle    payment.ExchangeRateOracle
	sink      payment.NotificationSink
	allocator payment.InstallmentAllocator
	registry  WatchRegistry
	metrics   *Metrics
	logger    *slog.Logger

	now   func() time.Time
	locks *keyedMutex

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	watches map[string]*watch
	closed  bool
	wg      sync.WaitGroup
}

type watch struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config, deps Deps, logger *slog.Logger) (*Service, error) {
	if deps.Repository == nil {
		return nil, fmt.Errorf("%w: payment repository", ErrMissingDependency)
	}
	if deps.Adapters == nil {
		return nil, fmt.Errorf("%w: adapter registry", ErrMissingDependency)
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := DefaultConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = d.CheckInterval
	}
	if cfg.PaymentTTL <= 0 {
		cfg.PaymentTTL = d.PaymentTTL
	}
	if cfg.DefaultMinConfirmations < 1 {
		cfg.DefaultMinConfirmations = d.DefaultMinConfirmations
	}
	if cfg.MaxCASRetries < 1 {
		cfg.MaxCASRetries = d.MaxCASRetries
	}
	if cfg.RestoreLimit <= 0 {
		cfg.RestoreLimit = d.RestoreLimit
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:       cfg,
		repo:      deps.Repository,
		adapters:  deps.Adapters,
		oracle:    deps.Oracle,
		sink:      deps.Sink,
		allocator: deps.Allocator,
		registry:  deps.Watches,
		metrics:   deps.Metrics,
		logger:    logger.With("component", "reconcile"),
		now:       time.Now,
		locks:     newKeyedMutex(),
		ctx:       ctx,
		cancel:    cancel,
		watches:   make(map[string]*watch),
	}, nil
}

// CreatePayment locks the exchange rate, stores a pending payment and
// starts watching it.
func (s *Service) CreatePayment(ctx context.Context, req CreateRequest) (payment.PendingPayment, error) {
	if s.oracle == nil {
		return payment.PendingPayment{}, fmt.Errorf("%w: exchange rate oracle", ErrMissingDependency)
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	minConf := req.MinConfirmations
	if minConf == 0 {
		minConf = s.cfg.DefaultMinConfirmations
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.cfg.PaymentTTL
	}

	now := s.now()
	p := payment.PendingPayment{
		ID:                   id,
		OrganizationID:       req.OrganizationID,
		InvoiceID:            req.InvoiceID,
		Chain:                req.Chain,
		TokenCode:            req.TokenCode,
		TokenMint:            req.TokenMint,
		TokenIssuer:          req.TokenIssuer,
		Address:              req.Address,
		MatchIdentifier:      req.MatchIdentifier,
		ExpectedCryptoAmount: req.CryptoAmount,
		FiatCurrency:         req.FiatCurrency,
		MinConfirmations:     minConf,
		Status:               payment.StatusPending,
		CreatedAt:            now,
		UpdatedAt:            now,
		ExpiresAt:            now.Add(ttl),
	}
	if err := p.Validate(); err != nil {
		return payment.PendingPayment{}, err
	}
	if _, err := s.adapters.For(p.Chain); err != nil {
		return payment.PendingPayment{}, err
	}

	conv, err := s.oracle.Convert(ctx, req.CryptoAmount, req.TokenCode, req.FiatCurrency)
	if err != nil {
		return payment.PendingPayment{}, fmt.Errorf("lock exchange rate: %w", err)
	}
	p.ExpectedFiatAmount = conv.Amount
	p.ExchangeRate = conv.Rate

	if err := s.repo.Create(ctx, p); err != nil {
		return payment.PendingPayment{}, fmt.Errorf("store payment %s: %w", p.ID, err)
	}
	s.logger.Info("payment created",
		"payment_id", p.ID,
		"chain", p.Chain,
		"expected_amount", p.ExpectedCryptoAmount,
		"rate", p.ExchangeRate,
		"expires_at", p.ExpiresAt,
	)

	if err := s.WatchPayment(ctx, p); err != nil {
		return p, err
	}
	return p, nil
}

// GetStatus returns the stored payment.
func (s *Service) GetStatus(ctx context.Context, paymentID string) (payment.PendingPayment, error) {
	if paymentID == "" {
		return payment.PendingPayment{}, payment.ErrInvalidPaymentID
	}
	return s.repo.Get(ctx, paymentID)
}

// CheckNow evaluates a payment once. Evidence, when given, is verified
// against the chain before it is trusted. Chain failures never surface here;
// they mean "nothing observed yet".
func (s *Service) CheckNow(ctx context.Context, paymentID string, evidence *payment.ClientEvidence) (ReconciliationResult, error) {
	if paymentID == "" {
		return ReconciliationResult{}, payment.ErrInvalidPaymentID
	}
	if evidence != nil {
		if err := evidence.Validate(); err != nil {
			return ReconciliationResult{}, err
		}
	}

	res, err := s.check(ctx, paymentID, evidence, nil)
	if err == nil && res.Payment.Status.Terminal() {
		s.release(paymentID)
	}
	return res, err
}

// ReportClientObservation checks a payment against a client reported
// transfer.
func (s *Service) ReportClientObservation(ctx context.Context, paymentID string, evidence payment.ClientEvidence) (ReconciliationResult, error) {
	return s.CheckNow(ctx, paymentID, &evidence)
}

func (s *Service) check(ctx context.Context, id string, evidence *payment.ClientEvidence, observed *payment.ObservedTransfer) (ReconciliationResult, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return ReconciliationResult{}, fmt.Errorf("load payment %s: %w", id, err)
	}
	res := ReconciliationResult{Payment: p, Previous: p.Status}
	if p.Status.Terminal() {
		s.metrics.check(p.Chain, "terminal")
		return res, nil
	}

	a, err := s.adapters.For(p.Chain)
	if err != nil {
		return res, err
	}

	if observed == nil && !p.Expired(s.now()) {
		observed, err = s.observe(ctx, a, p, evidence)
		if err != nil {
			return res, err
		}
	}
	res.Observed = observed != nil

	for attempt := 1; ; attempt++ {
		out := confirmation.Reconcile(p, keepProgress(p, observed), s.now(), a.EffectiveMinConfirmations)
		if !out.Changed() {
			s.metrics.check(p.Chain, "unchanged")
			res.Payment = p
			return res, nil
		}

		patch, confirmed, err := buildPatch(out)
		if err != nil {
			return res, err
		}

		err = s.repo.CompareAndSetStatus(ctx, p.ID, p.Status, patch)
		if err == nil {
			return s.afterPersist(ctx, res, out, confirmed), nil
		}
		if !errors.Is(err, payment.ErrStatusConflict) {
			s.metrics.persistFailure()
			s.metrics.check(p.Chain, "persist_failed")
			s.logger.Error("persist failed, outcome discarded",
				"payment_id", p.ID,
				"status", out.Payment.Status,
				"error", err,
			)
			res.Payment = p
			return res, fmt.Errorf("persist payment %s: %w", p.ID, err)
		}

		current, gerr := s.repo.Get(ctx, id)
		if gerr != nil {
			return res, fmt.Errorf("reload payment %s: %w", id, gerr)
		}
		if current.Status.Terminal() || attempt >= s.cfg.MaxCASRetries {
			s.metrics.check(p.Chain, "discarded")
			s.logger.Info("concurrent update won, outcome discarded",
				"payment_id", p.ID,
				"wanted", out.Payment.Status,
				"stored", current.Status,
			)
			return ReconciliationResult{
				Payment:   current,
				Previous:  current.Status,
				Observed:  res.Observed,
				Discarded: true,
			}, nil
		}
		p = current
		res.Previous = current.Status
	}
}

func (s *Service) afterPersist(ctx context.Context, res ReconciliationResult, out confirmation.Outcome, confirmed *payment.PaymentConfirmedEvent) ReconciliationResult {
	p := out.Payment
	res.Payment = p
	res.Persisted = true
	res.Transitioned = out.Transitioned

	if out.Transitioned {
		s.metrics.check(p.Chain, "transitioned")
		s.metrics.transition(p.Chain, p.Status)
		s.logger.Info("payment status changed",
			"payment_id", p.ID,
			"chain", p.Chain,
			"from", out.Previous,
			"to", p.Status,
			"tx_hash", p.TransactionHash,
			"confirmations", p.Confirmations,
			"observed_amount", p.ObservedCryptoAmount,
			"observed_fiat", p.ObservedFiatAmount,
		)
	} else {
		s.metrics.check(p.Chain, "progress")
		s.logger.Debug("payment progress",
			"payment_id", p.ID,
			"tx_hash", p.TransactionHash,
			"confirmations", p.Confirmations,
			"observed_amount", p.ObservedCryptoAmount,
		)
	}

	if out.Has(confirmation.ActionApplyLedger) && s.allocator != nil && p.InvoiceID != "" {
		ids, err := s.allocator.ApplyAmount(ctx, p.InvoiceID, p.ID, out.LedgerAmount)
		if err != nil {
			s.metrics.sideEffectFailure("ledger")
			s.logger.Error("installment allocation failed",
				"payment_id", p.ID,
				"invoice_id", p.InvoiceID,
				"amount", out.LedgerAmount,
				"error", err,
			)
		} else {
			res.InstallmentIDs = ids
		}
	}

	if confirmed != nil {
		res.Notified = true
		if s.sink != nil {
			if err := s.sink.Emit(ctx, *confirmed); err != nil {
				s.metrics.sideEffectFailure("notify")
				s.logger.Warn("confirmation notification failed",
					"payment_id", p.ID,
					"event_id", confirmed.EventID,
					"error", err,
				)
			}
		}
	}
	return res
}

// observe asks the chain for the payment's transfer. Chain failures are
// logged and reported as no observation.
func (s *Service) observe(ctx context.Context, a adapter.Adapter, p payment.PendingPayment, evidence *payment.ClientEvidence) (*payment.ObservedTransfer, error) {
	if evidence != nil {
		return s.observeEvidence(ctx, a, p, adapter.TargetFor(p), *evidence)
	}

	t, err := s.pull(ctx, a, p)
	if err != nil {
		s.metrics.chainError(p.Chain)
		s.logger.Warn("chain query failed, treating as no observation",
			"payment_id", p.ID,
			"chain", p.Chain,
			"error", err,
		)
		return nil, nil
	}
	return t, nil
}

// pull follows the tracked transaction while it is not yet counted. Once it
// is, or when it cannot be fetched, the account is scanned for a transfer
// that has not been counted.
func (s *Service) pull(ctx context.Context, a adapter.Adapter, p payment.PendingPayment) (*payment.ObservedTransfer, error) {
	target := adapter.TargetFor(p)
	if p.TransactionHash != "" && !p.Credited(p.TransactionHash) {
		t, err := a.LookupTransfer(ctx, target, p.TransactionHash)
		if err == nil {
			return t, nil
		}
		s.metrics.chainError(p.Chain)
		s.logger.Warn("lookup of tracked transaction failed, polling instead",
			"payment_id", p.ID,
			"tx_hash", p.TransactionHash,
			"error", err,
		)
	}
	return a.PollOnce(ctx, target, p.CreatedAt)
}

func (s *Service) observeEvidence(ctx context.Context, a adapter.Adapter, p payment.PendingPayment, target adapter.WatchTarget, ev payment.ClientEvidence) (*payment.ObservedTransfer, error) {
	if ev.MatchIdentifier != nil && p.MatchIdentifier != nil && *ev.MatchIdentifier != *p.MatchIdentifier {
		return nil, fmt.Errorf("%w: destination tag %d does not match payment", payment.ErrInvalidEvidence, *ev.MatchIdentifier)
	}

	if p.Credited(ev.TransactionHash) {
		s.logger.Info("client evidence names a transfer already counted",
			"payment_id", p.ID,
			"tx_hash", ev.TransactionHash,
		)
		return nil, nil
	}

	t, err := a.LookupTransfer(ctx, target, ev.TransactionHash)
	switch {
	case err == nil:
		if !t.Amount.Equal(ev.Amount) {
			s.logger.Info("client reported amount differs from chain, using chain amount",
				"payment_id", p.ID,
				"tx_hash", ev.TransactionHash,
				"reported", ev.Amount,
				"delivered", t.Amount,
			)
		}
		t.Source = payment.SourceClient
		return t, nil
	case errors.Is(err, adapter.ErrTransferMismatch):
		s.logger.Warn("client evidence does not pay this payment, ignored",
			"payment_id", p.ID,
			"tx_hash", ev.TransactionHash,
			"error", err,
		)
		return nil, nil
	}

	s.metrics.chainError(p.Chain)
	amount := ev.Amount
	confs := a.EvidenceConfirmations()
	if p.TransactionHash == ev.TransactionHash {
		// The chain already told us what this transfer delivered.
		amount = p.ObservedCryptoAmount.Sub(p.CreditedCryptoAmount)
		confs = max(confs, p.Confirmations)
	}
	s.logger.Warn("could not verify client evidence, using conservative depth",
		"payment_id", p.ID,
		"tx_hash", ev.TransactionHash,
		"amount", amount,
		"confirmations", confs,
		"error", err,
	)

	match := ev.MatchIdentifier
	if match == nil {
		match = p.MatchIdentifier
	}
	return &payment.ObservedTransfer{
		TransactionHash: ev.TransactionHash,
		ToAddress:       p.Address,
		MatchIdentifier: match,
		Amount:          amount,
		Confirmations:   confs,
		ObservedAt:      s.now(),
		Source:          payment.SourceClient,
	}, nil
}

// keepProgress stops a late event for the tracked transaction from lowering
// its recorded depth.
func keepProgress(p payment.PendingPayment, t *payment.ObservedTransfer) *payment.ObservedTransfer {
	if t == nil || t.TransactionHash != p.TransactionHash || t.Confirmations >= p.Confirmations {
		return t
	}
	c := *t
	c.Confirmations = p.Confirmations
	return &c
}

// buildPatch turns an outcome into a patch carrying its outbox events.
func buildPatch(out confirmation.Outcome) (payment.Patch, *payment.PaymentConfirmedEvent, error) {
	p := out.Payment
	patch := payment.PatchFrom(p)

	if out.Has(confirmation.ActionApplyLedger) {
		ev := payment.LedgerAppliedEvent{
			EventID:      uuid.NewString(),
			PaymentID:    p.ID,
			InvoiceID:    p.InvoiceID,
			Status:       p.Status,
			FiatAmount:   out.LedgerAmount,
			FiatCurrency: p.FiatCurrency,
			AppliedAt:    p.UpdatedAt,
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			return payment.Patch{}, nil, fmt.Errorf("marshal ledger event: %w", err)
		}
		patch.Events = append(patch.Events, payment.OutboxEvent{
			ID:        ev.EventID,
			EventType: payment.EventTypeLedgerApplied,
			Key:       p.ID,
			Payload:   payload,
		})
	}

	var confirmed *payment.PaymentConfirmedEvent
	if out.Has(confirmation.ActionNotifyConfirmed) {
		confirmed = &payment.PaymentConfirmedEvent{
			EventID:              uuid.NewString(),
			PaymentID:            p.ID,
			OrganizationID:       p.OrganizationID,
			InvoiceID:            p.InvoiceID,
			Chain:                p.Chain,
			TokenCode:            p.TokenCode,
			TransactionHash:      p.TransactionHash,
			ObservedCryptoAmount: p.ObservedCryptoAmount,
			ObservedFiatAmount:   p.ObservedFiatAmount,
			FiatCurrency:         p.FiatCurrency,
			Confirmations:        p.Confirmations,
			ConfirmedAt:          p.UpdatedAt,
		}
		payload, err := json.Marshal(confirmed)
		if err != nil {
			return payment.Patch{}, nil, fmt.Errorf("marshal confirmed event: %w", err)
		}
		patch.Events = append(patch.Events, payment.OutboxEvent{
			ID:        confirmed.EventID,
			EventType: payment.EventTypeConfirmed,
			Key:       p.ID,
			Payload:   payload,
		})
	}
	return patch, confirmed, nil
}
