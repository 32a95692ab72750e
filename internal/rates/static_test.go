package rates

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestStatic_Convert(t *testing.T) {
	s, err := NewStatic(map[string]string{
		"XRP/USD":  "0.5",
		"usdc/eur": "0.92",
	})
	if err != nil {
		t.Fatalf("NewStatic: %v", err)
	}
	ctx := context.Background()

	conv, err := s.Convert(ctx, decimal.RequireFromString("50.2"), "xrp", "usd")
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if !conv.Amount.Equal(decimal.RequireFromString("25.1")) || !conv.Rate.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("conversion = %s at %s", conv.Amount, conv.Rate)
	}

	conv, err = s.Convert(ctx, decimal.NewFromInt(100), "USDC", "EUR")
	if err != nil || !conv.Amount.Equal(decimal.NewFromInt(92)) {
		t.Errorf("USDC/EUR = %v, %v", conv.Amount, err)
	}

	if _, err := s.Convert(ctx, decimal.NewFromInt(1), "SOL", "USD"); !errors.Is(err, ErrRateUnavailable) {
		t.Errorf("expected ErrRateUnavailable, got %v", err)
	}
}

func TestNewStatic_Invalid(t *testing.T) {
	tests := []map[string]string{
		{"XRPUSD": "1"},
		{"XRP/USD": "abc"},
		{"XRP/USD": "0"},
		{"/USD": "1"},
	}
	for _, raw := range tests {
		if _, err := NewStatic(raw); err == nil {
			t.Errorf("NewStatic(%v) accepted invalid input", raw)
		}
	}
}
