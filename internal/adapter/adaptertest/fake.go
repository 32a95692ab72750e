// Package adaptertest provides an in-memory chain adapter for tests.
package adaptertest

import (
	"context"
	"sync"
	"time"

	"github.com/marko911/paywatch/internal/adapter"
	"github.com/marko911/paywatch/internal/payment"
)

// Fake is a scriptable adapter. Fields guarded by mu may be changed while
// the fake is in use.
type Fake struct {
	ChainID          payment.Chain
	EvidenceDepth    int
	FinalityOverride func(int) int

	mu          sync.Mutex
	subscribeFn func(attempt int) error
	attempts    int
	subs        []*FakeSubscription
	poll        *payment.ObservedTransfer
	pollErr     error
	lookups     map[string]*payment.ObservedTransfer
	lookupErr   error
	polls       int
	healthErr   error
}

func New(chain payment.Chain) *Fake {
	return &Fake{ChainID: chain, lookups: make(map[string]*payment.ObservedTransfer)}
}

// OnSubscribe scripts the result of each Subscribe call by attempt number,
// starting at 1.
func (f *Fake) OnSubscribe(fn func(attempt int) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeFn = fn
}

func (f *Fake) SetPoll(t *payment.ObservedTransfer, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.poll, f.pollErr = t, err
}

func (f *Fake) SetLookup(hash string, t *payment.ObservedTransfer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups[hash] = t
}

func (f *Fake) SetLookupErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookupErr = err
}

func (f *Fake) SetHealth(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthErr = err
}

// Attempts returns how many times Subscribe was called.
func (f *Fake) Attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func (f *Fake) Polls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

// Subscriptions returns every subscription handed out so far.
func (f *Fake) Subscriptions() []*FakeSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeSubscription(nil), f.subs...)
}

// Last returns the most recent subscription or nil.
func (f *Fake) Last() *FakeSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) == 0 {
		return nil
	}
	return f.subs[len(f.subs)-1]
}

func (f *Fake) Chain() payment.Chain { return f.ChainID }

func (f *Fake) Subscribe(ctx context.Context, target adapter.WatchTarget) (adapter.Subscription, error) {
	f.mu.Lock()
	f.attempts++
	attempt := f.attempts
	fn := f.subscribeFn
	f.mu.Unlock()

	if fn != nil {
		if err := fn(attempt); err != nil {
			return nil, err
		}
	}

	sub := &FakeSubscription{
		Target:    target,
		transfers: make(chan payment.ObservedTransfer, 16),
		done:      make(chan struct{}),
	}
	f.mu.Lock()
	f.subs = append(f.subs, sub)
	f.mu.Unlock()
	return sub, nil
}

func (f *Fake) PollOnce(ctx context.Context, target adapter.WatchTarget, since time.Time) (*payment.ObservedTransfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	if f.poll == nil || target.Excludes(f.poll.TransactionHash) {
		return nil, nil
	}
	t := *f.poll
	return &t, nil
}

func (f *Fake) LookupTransfer(ctx context.Context, target adapter.WatchTarget, txHash string) (*payment.ObservedTransfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	t, ok := f.lookups[txHash]
	if !ok {
		return nil, adapter.ErrTransferNotFound
	}
	out := *t
	return &out, nil
}

func (f *Fake) EvidenceConfirmations() int { return f.EvidenceDepth }

func (f *Fake) EffectiveMinConfirmations(n int) int {
	if f.FinalityOverride != nil {
		return f.FinalityOverride(n)
	}
	return n
}

func (f *Fake) Health(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthErr
}

// FakeSubscription is driven by the test through Push and Fail.
type FakeSubscription struct {
	Target adapter.WatchTarget

	transfers chan payment.ObservedTransfer
	done      chan struct{}

	mu           sync.Mutex
	err          error
	closed       bool
	unsubscribed int
}

func (s *FakeSubscription) Transfers() <-chan payment.ObservedTransfer { return s.transfers }
func (s *FakeSubscription) Done() <-chan struct{}                      { return s.done }

func (s *FakeSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Push delivers a transfer. It gives up once the subscription is closed.
func (s *FakeSubscription) Push(t payment.ObservedTransfer) {
	select {
	case s.transfers <- t:
	case <-s.done:
	}
}

// Fail simulates a dropped connection.
func (s *FakeSubscription) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = err
	s.closed = true
	close(s.done)
}

func (s *FakeSubscription) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribed++
	if !s.closed {
		s.closed = true
		close(s.done)
	}
}

// Unsubscribed returns how many times Unsubscribe was called.
func (s *FakeSubscription) Unsubscribed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubscribed
}
