package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/marko911/paywatch/internal/payment"
)

// Registry maps each chain variant to its adapter.
type Registry struct {
	mu       sync.RWMutex
	adapters map[payment.Chain]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[payment.Chain]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for a.Chain().
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Chain()] = a
}

func (r *Registry) For(chain payment.Chain) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[chain]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChain, chain)
	}
	return a, nil
}

// Chains returns the registered chains in a stable order.
func (r *Registry) Chains() []payment.Chain {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]payment.Chain, 0, len(r.adapters))
	for c := range r.adapters {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Health checks every adapter and joins the failures.
func (r *Registry) Health(ctx context.Context) error {
	var errs []error
	for _, c := range r.Chains() {
		a, _ := r.For(c)
		if err := a.Health(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every adapter that holds a connection. Adapters sharing a
// connection must tolerate being closed more than once.
func (r *Registry) Close() error {
	var errs []error
	for _, c := range r.Chains() {
		a, _ := r.For(c)
		if cl, ok := a.(io.Closer); ok {
			if err := cl.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", c, err))
			}
		}
	}
	return errors.Join(errs...)
}
