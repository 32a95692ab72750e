// Package session owns the live chain subscription of one watched payment.
//
// A session connects through the chain adapter, forwards matching transfers
// on a typed channel and reconnects once after a drop. When the transport
// cannot be sustained it fails permanently and closes Fallback so the owner
// switches to polling.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/marko911/paywatch/internal/adapter"
	"github.com/marko911/paywatch/internal/payment"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Config holds reconnect policy.
type Config struct {
	// ReconnectDelay is the pause before every reconnect attempt.
	ReconnectDelay time.Duration

	// MaxReconnects bounds consecutive non-timeout failures. Rejections of
	// an unfunded account do not count.
	MaxReconnects int

	// EventBuffer is the capacity of the Events channel.
	EventBuffer int
}

func DefaultConfig() Config {
	return Config{
		ReconnectDelay: 3 * time.Second,
		MaxReconnects:  3,
		EventBuffer:    16,
	}
}

type Session struct {
	adapter adapter.Adapter
	target  adapter.WatchTarget
	cfg     Config
	logger  *slog.Logger

	events   chan payment.ObservedTransfer
	fallback chan struct{}
	done     chan struct{}

	mu       sync.Mutex
	state    State
	lastErr  error
	started  bool
	cancel   context.CancelFunc
	failOnce sync.Once
	stopOnce sync.Once
}

func New(a adapter.Adapter, target adapter.WatchTarget, cfg Config, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultConfig()
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = d.ReconnectDelay
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = d.MaxReconnects
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = d.EventBuffer
	}
	return &Session{
		adapter:  a,
		target:   target,
		cfg:      cfg,
		logger:   logger.With("component", "session", "chain", string(a.Chain()), "address", target.Address),
		events:   make(chan payment.ObservedTransfer, cfg.EventBuffer),
		fallback: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the session. Calling it again has no effect.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(ctx)
}

// Events carries matching transfers. It is never closed; watch Done.
func (s *Session) Events() <-chan payment.ObservedTransfer { return s.events }

// Fallback is closed when the session has failed for good.
func (s *Session) Fallback() <-chan struct{} { return s.fallback }

// Done is closed once the session goroutine has exited and released its
// subscription.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the last error seen, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Stop cancels the session and waits for it to release its subscription.
// It is safe to call more than once and from any goroutine other than a
// consumer blocked on Events.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		started := s.started
		s.started = true
		cancel := s.cancel
		s.mu.Unlock()

		if !started {
			close(s.done)
			return
		}
		cancel()
	})
	<-s.done
}

func (s *Session) setState(state State, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	if err != nil {
		s.lastErr = err
	}
}

func (s *Session) fail(err error) {
	s.setState(StateFailed, err)
	s.failOnce.Do(func() { close(s.fallback) })
	s.logger.Warn("subscription failed permanently, falling back to polling", "error", err)
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	failures := 0
	first := true

	for {
		if !first {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.ReconnectDelay):
			}
		}
		first = false

		s.setState(StateConnecting, nil)
		sub, err := s.adapter.Subscribe(ctx, s.target)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.setState(StateDisconnected, err)

			if errors.Is(err, adapter.ErrSubscriptionRejected) {
				s.logger.Info("account not ready, retrying", "error", err, "delay", s.cfg.ReconnectDelay)
				continue
			}
			if failures > 0 && adapter.IsTimeout(err) {
				s.fail(err)
				return
			}
			failures++
			if failures > s.cfg.MaxReconnects {
				s.fail(err)
				return
			}
			s.logger.Warn("subscribe failed, reconnecting", "error", err, "attempt", failures, "delay", s.cfg.ReconnectDelay)
			continue
		}

		failures = 0
		s.setState(StateSubscribed, nil)
		s.logger.Debug("subscribed")

		err = s.forward(ctx, sub)
		sub.Unsubscribe()
		if ctx.Err() != nil {
			return
		}

		s.setState(StateDisconnected, err)
		s.logger.Warn("subscription dropped, reconnecting", "error", err, "delay", s.cfg.ReconnectDelay)
		// The next Subscribe is a reconnect, so a timeout there is final.
		failures = 1
	}
}

// forward relays transfers until the subscription or the session ends.
func (s *Session) forward(ctx context.Context, sub adapter.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.Done():
			if err := sub.Err(); err != nil {
				return err
			}
			return adapter.ErrConnectionClosed
		case t := <-sub.Transfers():
			select {
			case s.events <- t:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
