package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/marko911/paywatch/internal/adapter"
	"github.com/marko911/paywatch/internal/payment"
	"github.com/marko911/paywatch/internal/poller"
	"github.com/marko911/paywatch/internal/session"
)

// WatchPayment starts monitoring p. Calling it again for a payment already
// being watched is a no-op, as is watching a terminal payment.
func (s *Service) WatchPayment(ctx context.Context, p payment.PendingPayment) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.Status.Terminal() {
		return nil
	}
	a, err := s.adapters.For(p.Chain)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if _, ok := s.watches[p.ID]; ok {
		s.mu.Unlock()
		return nil
	}
	wctx, cancel := context.WithCancel(s.ctx)
	w := &watch{cancel: cancel, done: make(chan struct{})}
	s.watches[p.ID] = w
	s.wg.Add(1)
	s.mu.Unlock()

	if s.registry != nil {
		if err := s.registry.Add(ctx, p.ID, p.ExpiresAt); err != nil {
			s.logger.Warn("could not record watch, it will not survive a restart",
				"payment_id", p.ID,
				"error", err,
			)
		}
	}
	s.metrics.watchStarted()
	s.logger.Info("watching payment",
		"payment_id", p.ID,
		"chain", p.Chain,
		"address", p.Address,
		"expires_at", p.ExpiresAt,
	)

	go s.runWatch(wctx, w, p, a)
	return nil
}

// Watching reports whether paymentID has a live watch.
func (s *Service) Watching(paymentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.watches[paymentID]
	return ok
}

func (s *Service) ActiveWatches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watches)
}

// release cancels a watch without waiting for it, so it is safe to call from
// the watch itself.
func (s *Service) release(paymentID string) {
	s.mu.Lock()
	w := s.watches[paymentID]
	s.mu.Unlock()
	if w != nil {
		w.cancel()
	}
}

// StopWatching cancels a watch and waits until its subscription is released.
func (s *Service) StopWatching(paymentID string) {
	s.mu.Lock()
	w := s.watches[paymentID]
	s.mu.Unlock()
	if w == nil {
		return
	}
	w.cancel()
	<-w.done
}

func (s *Service) runWatch(ctx context.Context, w *watch, p payment.PendingPayment, a adapter.Adapter) {
	logger := s.logger.With("payment_id", p.ID, "chain", p.Chain)

	defer func() {
		s.mu.Lock()
		if s.watches[p.ID] == w {
			delete(s.watches, p.ID)
		}
		s.mu.Unlock()

		// A shutdown keeps the registry entry so the next start resumes it.
		if s.ctx.Err() == nil && s.registry != nil {
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.registry.Remove(rctx, p.ID); err != nil {
				logger.Warn("could not remove watch record", "error", err)
			}
			cancel()
		}

		w.cancel()
		s.metrics.watchStopped()
		close(w.done)
		s.wg.Done()
	}()

	sess := session.New(a, adapter.TargetFor(p), s.cfg.Session, logger)
	sess.Start(ctx)
	defer sess.Stop()

	var (
		pl       *poller.Poller
		polled   <-chan payment.ObservedTransfer
		fallback = sess.Fallback()
	)
	defer func() {
		if pl != nil {
			pl.Stop()
		}
	}()

	progress := time.NewTicker(s.cfg.CheckInterval)
	defer progress.Stop()
	expiry := time.NewTimer(max(p.ExpiresAt.Sub(s.now()), 0))
	defer expiry.Stop()

	// Catch transfers that landed before the subscription was in place.
	if s.settle(ctx, p.ID, nil, logger) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return

		case t := <-sess.Events():
			if s.settle(ctx, p.ID, &t, logger) {
				return
			}

		case t := <-polled:
			if s.settle(ctx, p.ID, &t, logger) {
				return
			}

		case <-fallback:
			fallback = nil
			s.metrics.fallback(p.Chain)
			logger.Warn("live subscription unavailable, falling back to polling",
				"error", sess.Err(),
				"interval", s.cfg.Poller.Interval,
			)
			pl = poller.New(s.pullFunc(p, a), s.cfg.Poller, logger)
			pl.Start(ctx)
			polled = pl.Events()

		case <-progress.C:
			if s.settle(ctx, p.ID, nil, logger) {
				return
			}

		case <-expiry.C:
			s.settle(ctx, p.ID, nil, logger)
			logger.Info("payment window closed, watch stopped")
			return
		}
	}
}

// settle runs one check and reports whether the watch should end.
func (s *Service) settle(ctx context.Context, id string, observed *payment.ObservedTransfer, logger *slog.Logger) bool {
	res, err := s.check(ctx, id, nil, observed)
	if err != nil {
		if errors.Is(err, payment.ErrPaymentNotFound) {
			logger.Warn("watched payment disappeared, watch stopped")
			return true
		}
		if ctx.Err() == nil {
			logger.Error("check failed", "error", err)
		}
		return false
	}
	return res.Payment.Status.Terminal()
}

// pullFunc polls with the stored payment so transfers counted since the
// watch started are skipped.
func (s *Service) pullFunc(p payment.PendingPayment, a adapter.Adapter) poller.PullFunc {
	return func(ctx context.Context) (*payment.ObservedTransfer, error) {
		cur, err := s.repo.Get(ctx, p.ID)
		if err != nil {
			cur = p
		}
		return s.pull(ctx, a, cur)
	}
}

// Restore resumes watches after a restart from the watch registry and the
// repository. It returns how many watches were started.
func (s *Service) Restore(ctx context.Context) (int, error) {
	watchable, err := s.repo.ListWatchable(ctx, s.cfg.RestoreLimit)
	if err != nil {
		return 0, err
	}

	seen := make(map[string]struct{}, len(watchable))
	started := 0
	for _, p := range watchable {
		seen[p.ID] = struct{}{}
		if s.resume(ctx, p) {
			started++
		}
	}

	if s.registry == nil {
		return started, nil
	}
	ids, err := s.registry.List(ctx)
	if err != nil {
		s.logger.Warn("could not list watch records", "error", err)
		return started, nil
	}
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		p, err := s.repo.Get(ctx, id)
		if err != nil && !errors.Is(err, payment.ErrPaymentNotFound) {
			s.logger.Warn("could not load watched payment", "payment_id", id, "error", err)
			continue
		}
		if err != nil || p.Status.Terminal() {
			if err := s.registry.Remove(ctx, id); err != nil {
				s.logger.Warn("could not remove stale watch record", "payment_id", id, "error", err)
			}
			continue
		}
		if s.resume(ctx, p) {
			started++
		}
	}

	s.logger.Info("watches restored", "count", started)
	return started, nil
}

// resume reports whether a new watch was started for p.
func (s *Service) resume(ctx context.Context, p payment.PendingPayment) bool {
	if s.Watching(p.ID) {
		return false
	}
	if err := s.WatchPayment(ctx, p); err != nil {
		s.logger.Warn("could not resume watch", "payment_id", p.ID, "error", err)
		return false
	}
	return true
}

// Close stops every watch and waits for them to release their subscriptions.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.logger.Info("reconcile service closed")
	return nil
}
