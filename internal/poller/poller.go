// Package poller is the pull-mode fallback used when a live subscription
// cannot be held.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/marko911/paywatch/internal/payment"
)

// PullFunc queries the chain once. A nil transfer with a nil error means
// nothing has arrived yet.
type PullFunc func(ctx context.Context) (*payment.ObservedTransfer, error)

type Config struct {
	Interval time.Duration

	// QueryTimeout bounds one pull.
	QueryTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:     15 * time.Second,
		QueryTimeout: 10 * time.Second,
	}
}

// Poller calls a PullFunc immediately and then on every tick, emitting each
// observation that differs from the previous one.
type Poller struct {
	pull   PullFunc
	cfg    Config
	logger *slog.Logger

	events chan payment.ObservedTransfer
	done   chan struct{}

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	stopOnce sync.Once
	last     *payment.ObservedTransfer
	polls    int
	failures int
}

func New(pull PullFunc, cfg Config, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = d.QueryTimeout
	}
	return &Poller{
		pull:   pull,
		cfg:    cfg,
		logger: logger.With("component", "poller"),
		events: make(chan payment.ObservedTransfer, 1),
		done:   make(chan struct{}),
	}
}

func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	go p.run(ctx)
}

// Events is never closed; watch Done.
func (p *Poller) Events() <-chan payment.ObservedTransfer { return p.events }

func (p *Poller) Done() <-chan struct{} { return p.done }

// Stop is idempotent and waits for the polling goroutine to exit.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		started := p.started
		p.started = true
		cancel := p.cancel
		p.mu.Unlock()

		if !started {
			close(p.done)
			return
		}
		cancel()
	})
	<-p.done
}

// Stats returns the number of pulls made and how many of them failed.
func (p *Poller) Stats() (polls, failures int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.polls, p.failures
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		if !p.pollOnce(ctx) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pollOnce returns false when the poller should exit.
func (p *Poller) pollOnce(ctx context.Context) bool {
	qctx, cancel := context.WithTimeout(ctx, p.cfg.QueryTimeout)
	t, err := p.pull(qctx)
	cancel()

	p.mu.Lock()
	p.polls++
	if err != nil {
		p.failures++
	}
	p.mu.Unlock()

	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		p.logger.Warn("poll failed, retrying next tick", "error", err)
		return true
	}
	if t == nil || p.seen(*t) {
		return true
	}

	t.Source = payment.SourcePoll
	select {
	case p.events <- *t:
	case <-ctx.Done():
		return false
	}

	p.mu.Lock()
	p.last = t
	p.mu.Unlock()
	return true
}

func (p *Poller) seen(t payment.ObservedTransfer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last != nil &&
		p.last.TransactionHash == t.TransactionHash &&
		p.last.Confirmations == t.Confirmations &&
		p.last.Amount.Equal(t.Amount)
}
