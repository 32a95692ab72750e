package reconcile

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marko911/paywatch/internal/adapter"
	"github.com/marko911/paywatch/internal/adapter/adaptertest"
	"github.com/marko911/paywatch/internal/payment"
	"github.com/marko911/paywatch/internal/poller"
	"github.com/marko911/paywatch/internal/session"
)

type memRepo struct {
	mu        sync.Mutex
	payments  map[string]payment.PendingPayment
	events    []payment.OutboxEvent
	casErr    error
	casCalls  int
	beforeCAS func(r *memRepo, id string)
}

func newMemRepo(ps ...payment.PendingPayment) *memRepo {
	r := &memRepo{payments: make(map[string]payment.PendingPayment)}
	for _, p := range ps {
		r.payments[p.ID] = p
	}
	return r
}

func (r *memRepo) Get(ctx context.Context, id string) (payment.PendingPayment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return payment.PendingPayment{}, payment.ErrPaymentNotFound
	}
	return p, nil
}

func (r *memRepo) Create(ctx context.Context, p payment.PendingPayment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.payments[p.ID]; ok {
		return fmt.Errorf("payment %s exists", p.ID)
	}
	r.payments[p.ID] = p
	return nil
}

func (r *memRepo) CompareAndSetStatus(ctx context.Context, id string, expected payment.Status, patch payment.Patch) error {
	r.mu.Lock()
	hook := r.beforeCAS
	r.beforeCAS = nil
	r.mu.Unlock()
	if hook != nil {
		hook(r, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.casCalls++
	if r.casErr != nil {
		return r.casErr
	}
	p, ok := r.payments[id]
	if !ok {
		return payment.ErrPaymentNotFound
	}
	if p.Status != expected {
		return payment.ErrStatusConflict
	}
	r.payments[id] = p.Apply(patch)
	r.events = append(r.events, patch.Events...)
	return nil
}

func (r *memRepo) ListWatchable(ctx context.Context, limit int) ([]payment.PendingPayment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	var out []payment.PendingPayment
	for _, p := range r.payments {
		if !p.Status.Terminal() && p.ExpiresAt.After(now) && len(out) < limit {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *memRepo) setStatus(id string, status payment.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.payments[id]
	p.Status = status
	r.payments[id] = p
}

func (r *memRepo) setCASErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.casErr = err
}

func (r *memRepo) eventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.EventType)
	}
	return out
}

type recordingSink struct {
	mu     sync.Mutex
	events []payment.PaymentConfirmedEvent
	err    error
}

func (s *recordingSink) Emit(ctx context.Context, ev payment.PaymentConfirmedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type allocation struct {
	invoiceID string
	paymentID string
	fiat      decimal.Decimal
}

type recordingAllocator struct {
	mu    sync.Mutex
	calls []allocation
}

func (a *recordingAllocator) ApplyAmount(ctx context.Context, invoiceID, paymentID string, fiat decimal.Decimal) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, allocation{invoiceID, paymentID, fiat})
	return []string{"inst-1"}, nil
}

func (a *recordingAllocator) allocations() []allocation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]allocation(nil), a.calls...)
}

type fixedOracle struct {
	mu    sync.Mutex
	rate  decimal.Decimal
	calls int
}

func (o *fixedOracle) Convert(ctx context.Context, amount decimal.Decimal, fromCrypto, toFiat string) (payment.Conversion, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	return payment.Conversion{Amount: amount.Mul(o.rate), Rate: o.rate}, nil
}

type memRegistry struct {
	mu  sync.Mutex
	ids map[string]time.Time
}

func newMemRegistry() *memRegistry {
	return &memRegistry{ids: make(map[string]time.Time)}
}

func (m *memRegistry) Add(ctx context.Context, id string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids[id] = expiresAt
	return nil
}

func (m *memRegistry) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ids, id)
	return nil
}

func (m *memRegistry) List(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.ids))
	for id := range m.ids {
		out = append(out, id)
	}
	return out, nil
}

func (m *memRegistry) has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.ids[id]
	return ok
}

type harness struct {
	svc       *Service
	repo      *memRepo
	sink      *recordingSink
	allocator *recordingAllocator
	oracle    *fixedOracle
	registry  *memRegistry
	xrp       *adaptertest.Fake
	sol       *adaptertest.Fake
	spl       *adaptertest.Fake
}

func xrpFinality(n int) int {
	if n > 1 {
		return 1
	}
	return n
}

func newHarness(t *testing.T, ps ...payment.PendingPayment) *harness {
	t.Helper()
	h := &harness{
		repo:      newMemRepo(ps...),
		sink:      &recordingSink{},
		allocator: &recordingAllocator{},
		oracle:    &fixedOracle{rate: decimal.RequireFromString("0.5")},
		registry:  newMemRegistry(),
		xrp:       adaptertest.New(payment.ChainXRP),
		sol:       adaptertest.New(payment.ChainSolanaNative),
		spl:       adaptertest.New(payment.ChainSolanaSPL),
	}
	h.xrp.FinalityOverride = xrpFinality
	h.xrp.EvidenceDepth = 1

	cfg := Config{
		Session:       session.Config{ReconnectDelay: 5 * time.Millisecond, MaxReconnects: 1},
		Poller:        poller.Config{Interval: 5 * time.Millisecond, QueryTimeout: time.Second},
		CheckInterval: time.Hour,
	}
	svc, err := New(cfg, Deps{
		Repository: h.repo,
		Adapters:   adapter.NewRegistry(h.xrp, h.sol, h.spl),
		Oracle:     h.oracle,
		Sink:       h.sink,
		Allocator:  h.allocator,
		Watches:    h.registry,
		Metrics:    NewMetrics(nil),
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.svc = svc
	t.Cleanup(func() { svc.Close() })
	return h
}

func (h *harness) stored(t *testing.T, id string) payment.PendingPayment {
	t.Helper()
	p, err := h.repo.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return p
}

func tag(v uint32) *uint32 { return &v }

func xrpPayment(id, expected string, minConf int) payment.PendingPayment {
	now := time.Now()
	return payment.PendingPayment{
		ID:                   id,
		OrganizationID:       "org-1",
		InvoiceID:            "inv-" + id,
		Chain:                payment.ChainXRP,
		TokenCode:            "XRP",
		Address:              "rDest",
		MatchIdentifier:      tag(42),
		ExpectedCryptoAmount: decimal.RequireFromString(expected),
		ExpectedFiatAmount:   decimal.RequireFromString(expected).Mul(decimal.RequireFromString("0.5")),
		ExchangeRate:         decimal.RequireFromString("0.5"),
		FiatCurrency:         "USD",
		MinConfirmations:     minConf,
		Status:               payment.StatusPending,
		CreatedAt:            now.Add(-time.Minute),
		UpdatedAt:            now.Add(-time.Minute),
		ExpiresAt:            now.Add(time.Hour),
	}
}

func splPayment(id, expected string, minConf int) payment.PendingPayment {
	p := xrpPayment(id, expected, minConf)
	p.Chain = payment.ChainSolanaSPL
	p.TokenCode = "USDC"
	p.TokenMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	p.Address = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"
	p.MatchIdentifier = nil
	p.ExchangeRate = decimal.NewFromInt(1)
	p.ExpectedFiatAmount = p.ExpectedCryptoAmount
	return p
}

func transfer(hash, amount string, confs int) *payment.ObservedTransfer {
	return &payment.ObservedTransfer{
		TransactionHash: hash,
		ToAddress:       "rDest",
		Amount:          decimal.RequireFromString(amount),
		Confirmations:   confs,
		ObservedAt:      time.Now(),
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
