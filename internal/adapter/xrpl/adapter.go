package xrpl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marko911/paywatch/internal/adapter"
	"github.com/marko911/paywatch/internal/payment"
)

// Config holds XRPL adapter configuration.
type Config struct {
	// WebSocket endpoint, e.g. wss://xrplcluster.com
	Endpoint string `yaml:"endpoint"`

	DialTimeout    time.Duration `yaml:"dial_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// AccountTxLimit bounds how many recent transactions a poll inspects.
	AccountTxLimit int `yaml:"account_tx_limit"`
}

func DefaultConfig() Config {
	return Config{
		Endpoint:       "wss://xrplcluster.com",
		DialTimeout:    10 * time.Second,
		RequestTimeout: 15 * time.Second,
		AccountTxLimit: 20,
	}
}

// Adapter watches XRP and issued currency payments. A validated ledger is
// final, so one confirmation is always enough.
type Adapter struct {
	cfg    Config
	client *Client
	logger *slog.Logger
	now    func() time.Time
}

func New(cfg Config, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AccountTxLimit <= 0 {
		cfg.AccountTxLimit = DefaultConfig().AccountTxLimit
	}
	return &Adapter{
		cfg:    cfg,
		client: NewClient(cfg.Endpoint, cfg.DialTimeout, cfg.RequestTimeout, logger),
		logger: logger.With("adapter", "xrpl"),
		now:    time.Now,
	}
}

func (a *Adapter) Chain() payment.Chain { return payment.ChainXRP }

func (a *Adapter) EvidenceConfirmations() int { return 1 }

func (a *Adapter) EffectiveMinConfirmations(configured int) int {
	if configured > 1 {
		return 1
	}
	return configured
}

func (a *Adapter) Health(ctx context.Context) error {
	return a.client.Request(ctx, "ping", nil, nil)
}

func (a *Adapter) Close() error {
	return a.client.Close()
}

// Subscribe takes the validated ledger index of the account as a baseline,
// then streams payments validated after it.
func (a *Adapter) Subscribe(ctx context.Context, target adapter.WatchTarget) (adapter.Subscription, error) {
	var info struct {
		LedgerIndex        uint64 `json:"ledger_index"`
		LedgerCurrentIndex uint64 `json:"ledger_current_index"`
	}
	params := map[string]any{
		"account":      target.Address,
		"ledger_index": "validated",
	}
	if err := a.client.Request(ctx, "account_info", params, &info); err != nil {
		if IsRPCError(err, "actNotFound") {
			return nil, fmt.Errorf("%w: account %s not funded", adapter.ErrSubscriptionRejected, target.Address)
		}
		return nil, fmt.Errorf("account_info %s: %w", target.Address, err)
	}

	stream, err := a.client.subscribeAccount(ctx, target.Address)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", target.Address, err)
	}

	baseline := info.LedgerIndex
	if baseline == 0 {
		baseline = info.LedgerCurrentIndex
	}

	sub := &subscription{
		client:   a.client,
		stream:   stream,
		target:   target,
		baseline: baseline,
		logger:   a.logger.With("account", target.Address),
		now:      a.now,
		out:      make(chan payment.ObservedTransfer, 8),
		done:     make(chan struct{}),
		stop:     make(chan struct{}),
	}
	go sub.run()

	a.logger.Debug("subscribed", "account", target.Address, "baseline_ledger", baseline)
	return sub, nil
}

// PollOnce returns the most recent matching payment closed at or after since
// that target does not exclude.
func (a *Adapter) PollOnce(ctx context.Context, target adapter.WatchTarget, since time.Time) (*payment.ObservedTransfer, error) {
	var result struct {
		Transactions []json.RawMessage `json:"transactions"`
	}
	params := map[string]any{
		"account":          target.Address,
		"ledger_index_min": -1,
		"ledger_index_max": -1,
		"limit":            a.cfg.AccountTxLimit,
		"forward":          false,
	}
	if err := a.client.Request(ctx, "account_tx", params, &result); err != nil {
		if IsRPCError(err, "actNotFound") {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: account_tx %s: %v", adapter.ErrTransientRPC, target.Address, err)
	}

	for _, raw := range result.Transactions {
		tx, err := ParseTransaction(raw)
		if err != nil {
			a.logger.Warn("skipping malformed account_tx entry", "error", err)
			continue
		}
		if !tx.CloseTime.IsZero() && tx.CloseTime.Before(since) {
			// Newest first, so everything after this is older too.
			break
		}
		if !tx.Validated || !tx.Matches(target) || target.Excludes(tx.Hash) {
			continue
		}
		obs := tx.Observed(payment.SourcePoll, a.now())
		return &obs, nil
	}
	return nil, nil
}

// LookupTransfer fetches one transaction by hash and checks it against target.
func (a *Adapter) LookupTransfer(ctx context.Context, target adapter.WatchTarget, txHash string) (*payment.ObservedTransfer, error) {
	var raw json.RawMessage
	if err := a.client.Request(ctx, "tx", map[string]any{"transaction": txHash}, &raw); err != nil {
		if IsRPCError(err, "txnNotFound") {
			return nil, fmt.Errorf("%w: %s", adapter.ErrTransferNotFound, txHash)
		}
		return nil, fmt.Errorf("%w: tx %s: %v", adapter.ErrTransientRPC, txHash, err)
	}

	tx, err := ParseTransaction(raw)
	if err != nil {
		return nil, err
	}
	if tx.Hash == "" {
		tx.Hash = txHash
	}
	if !tx.Matches(target) {
		return nil, fmt.Errorf("%w: %s", adapter.ErrTransferMismatch, txHash)
	}

	obs := tx.Observed(payment.SourcePoll, a.now())
	return &obs, nil
}

type subscription struct {
	client   *Client
	stream   *accountStream
	target   adapter.WatchTarget
	baseline uint64
	logger   *slog.Logger
	now      func() time.Time

	out  chan payment.ObservedTransfer
	done chan struct{}
	stop chan struct{}

	stopOnce sync.Once
	mu       sync.Mutex
	err      error
}

func (s *subscription) Transfers() <-chan payment.ObservedTransfer { return s.out }
func (s *subscription) Done() <-chan struct{}                      { return s.done }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Unsubscribe() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.client.release(s.stream)
	})
}

func (s *subscription) run() {
	defer close(s.done)

	for {
		select {
		case <-s.stop:
			return
		case <-s.stream.done:
			s.mu.Lock()
			s.err = s.stream.err
			if s.err == nil {
				s.err = errors.New("account stream closed")
			}
			s.mu.Unlock()
			return
		case raw := <-s.stream.ch:
			tx, err := ParseTransaction(raw)
			if err != nil {
				s.logger.Warn("dropping malformed transaction", "error", err)
				continue
			}
			if !tx.Validated || tx.LedgerIndex <= s.baseline || !tx.Matches(s.target) {
				continue
			}

			obs := tx.Observed(payment.SourceSubscription, s.now())
			select {
			case s.out <- obs:
			case <-s.stop:
				return
			}
		}
	}
}
