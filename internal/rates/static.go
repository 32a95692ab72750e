// Package rates provides exchange rate oracles for locking a payment's fiat
// value at creation.
package rates

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/marko911/paywatch/internal/payment"
)

var ErrRateUnavailable = errors.New("exchange rate unavailable")

// Static serves fixed rates keyed by "CRYPTO/FIAT", e.g. "XRP/USD".
type Static struct {
	mu    sync.RWMutex
	rates map[string]decimal.Decimal
}

// NewStatic parses rates given as decimal strings.
func NewStatic(raw map[string]string) (*Static, error) {
	s := &Static{rates: make(map[string]decimal.Decimal, len(raw))}
	for pair, v := range raw {
		rate, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("rate %s: %w", pair, err)
		}
		if err := s.Set(pair, rate); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Set replaces the rate for pair.
func (s *Static) Set(pair string, rate decimal.Decimal) error {
	from, to, ok := strings.Cut(pair, "/")
	if !ok || from == "" || to == "" {
		return fmt.Errorf("rate pair %q: want CRYPTO/FIAT", pair)
	}
	if !rate.IsPositive() {
		return fmt.Errorf("rate %s must be positive", pair)
	}

	s.mu.Lock()
	s.rates[key(from, to)] = rate
	s.mu.Unlock()
	return nil
}

func (s *Static) Convert(_ context.Context, amount decimal.Decimal, fromCrypto, toFiat string) (payment.Conversion, error) {
	s.mu.RLock()
	rate, ok := s.rates[key(fromCrypto, toFiat)]
	s.mu.RUnlock()
	if !ok {
		return payment.Conversion{}, fmt.Errorf("%w: %s/%s", ErrRateUnavailable, fromCrypto, toFiat)
	}
	return payment.Conversion{Amount: amount.Mul(rate), Rate: rate}, nil
}

func key(from, to string) string {
	return strings.ToUpper(from) + "/" + strings.ToUpper(to)
}
