package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marko911/paywatch/internal/adapter"
	"github.com/marko911/paywatch/internal/payment"
)

var ctx = context.Background()

func TestCheckNow_EndToEndConfirmed(t *testing.T) {
	h := newHarness(t, xrpPayment("p1", "50", 3))
	h.xrp.SetPoll(transfer("TX1", "50.2", 1), nil)

	res, err := h.svc.CheckNow(ctx, "p1", nil)
	if err != nil {
		t.Fatalf("CheckNow: %v", err)
	}

	if res.Payment.Status != payment.StatusConfirmed {
		t.Fatalf("status = %s, want confirmed", res.Payment.Status)
	}
	if !res.Payment.ObservedCryptoAmount.Equal(decimal.RequireFromString("50.2")) {
		t.Errorf("observed = %s, want 50.2", res.Payment.ObservedCryptoAmount)
	}
	if !res.Transitioned || !res.Persisted || !res.Notified {
		t.Errorf("result flags = %+v", res)
	}
	if got := h.sink.count(); got != 1 {
		t.Errorf("notifications = %d, want 1", got)
	}

	allocs := h.allocator.allocations()
	if len(allocs) != 1 || !allocs[0].fiat.Equal(decimal.RequireFromString("25.1")) {
		t.Errorf("allocations = %+v, want one of 25.1", allocs)
	}
	if len(res.InstallmentIDs) != 1 {
		t.Errorf("installments = %v", res.InstallmentIDs)
	}

	types := h.repo.eventTypes()
	if len(types) != 2 || types[0] != payment.EventTypeLedgerApplied || types[1] != payment.EventTypeConfirmed {
		t.Errorf("outbox events = %v", types)
	}
	if stored := h.stored(t, "p1"); stored.Status != payment.StatusConfirmed {
		t.Errorf("stored status = %s", stored.Status)
	}
}

func TestCheckNow_EndToEndUnderpaid(t *testing.T) {
	h := newHarness(t, splPayment("p2", "100", 3))
	h.spl.SetPoll(transfer("SIG1", "80", 5), nil)

	res, err := h.svc.CheckNow(ctx, "p2", nil)
	if err != nil {
		t.Fatalf("CheckNow: %v", err)
	}

	if res.Payment.Status != payment.StatusUnderpaid {
		t.Fatalf("status = %s, want underpaid", res.Payment.Status)
	}
	if res.Notified || h.sink.count() != 0 {
		t.Error("underpaid payment must not be announced as confirmed")
	}
	allocs := h.allocator.allocations()
	if len(allocs) != 1 || !allocs[0].fiat.Equal(decimal.NewFromInt(80)) {
		t.Errorf("allocations = %+v, want one of 80", allocs)
	}
	if types := h.repo.eventTypes(); len(types) != 1 || types[0] != payment.EventTypeLedgerApplied {
		t.Errorf("outbox events = %v", types)
	}
}

func TestCheckNow_UnderpaidThenTopUp(t *testing.T) {
	h := newHarness(t, splPayment("p3", "100", 2))

	h.spl.SetPoll(transfer("SIG1", "80", 2), nil)
	res, err := h.svc.CheckNow(ctx, "p3", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Payment.Status != payment.StatusUnderpaid {
		t.Fatalf("status = %s, want underpaid", res.Payment.Status)
	}

	// The counted transfer is skipped when the account is scanned again.
	res, err = h.svc.CheckNow(ctx, "p3", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Persisted || len(h.allocator.allocations()) != 1 {
		t.Errorf("counted transfer applied twice: %+v", res)
	}

	// A second transfer shows up unconfirmed and is tracked.
	h.spl.SetPoll(transfer("SIG2", "20", 1), nil)
	res, err = h.svc.CheckNow(ctx, "p3", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Payment.Status != payment.StatusUnderpaid || res.Payment.TransactionHash != "SIG2" {
		t.Fatalf("top-up not tracked: %+v", res.Payment)
	}
	if !res.Payment.ObservedCryptoAmount.Equal(decimal.NewFromInt(100)) {
		t.Errorf("observed = %s, want running total 100", res.Payment.ObservedCryptoAmount)
	}

	// The tracked top-up is followed by hash until it is deep enough.
	h.spl.SetLookup("SIG2", transfer("SIG2", "20", 2))
	res, err = h.svc.CheckNow(ctx, "p3", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Payment.Status != payment.StatusConfirmed {
		t.Fatalf("status = %s, want confirmed", res.Payment.Status)
	}

	allocs := h.allocator.allocations()
	if len(allocs) != 2 || !allocs[0].fiat.Equal(decimal.NewFromInt(80)) || !allocs[1].fiat.Equal(decimal.NewFromInt(20)) {
		t.Errorf("allocations = %+v, want 80 then 20", allocs)
	}
	if h.sink.count() != 1 {
		t.Errorf("notifications = %d, want 1", h.sink.count())
	}
	stored := h.stored(t, "p3")
	if !stored.Credited("SIG1") || !stored.Credited("SIG2") || !stored.AppliedFiatAmount.Equal(decimal.NewFromInt(100)) {
		t.Errorf("stored = %+v", stored)
	}
}

func TestCheckNow_ShortTopUpStaysUnderpaid(t *testing.T) {
	h := newHarness(t, splPayment("p3b", "100", 1))

	h.spl.SetPoll(transfer("SIG1", "50", 1), nil)
	if _, err := h.svc.CheckNow(ctx, "p3b", nil); err != nil {
		t.Fatal(err)
	}
	h.spl.SetPoll(transfer("SIG2", "20", 1), nil)
	res, err := h.svc.CheckNow(ctx, "p3b", nil)
	if err != nil {
		t.Fatal(err)
	}

	if res.Payment.Status != payment.StatusUnderpaid || !res.Persisted {
		t.Fatalf("result = %+v, want persisted underpaid", res)
	}
	if !res.Payment.ObservedCryptoAmount.Equal(decimal.NewFromInt(70)) {
		t.Errorf("observed = %s, want 70", res.Payment.ObservedCryptoAmount)
	}
	allocs := h.allocator.allocations()
	if len(allocs) != 2 || !allocs[1].fiat.Equal(decimal.NewFromInt(20)) {
		t.Errorf("allocations = %+v, want 50 then 20", allocs)
	}
	if types := h.repo.eventTypes(); len(types) != 2 || types[1] != payment.EventTypeLedgerApplied {
		t.Errorf("outbox events = %v", types)
	}
	if h.sink.count() != 0 {
		t.Error("short top-up announced as confirmed")
	}
}

func TestCheckNow_NotifiesAtMostOnce(t *testing.T) {
	h := newHarness(t, xrpPayment("p4", "10", 1))
	h.xrp.SetPoll(transfer("TX1", "10", 1), nil)

	for i := 0; i < 3; i++ {
		if _, err := h.svc.CheckNow(ctx, "p4", nil); err != nil {
			t.Fatal(err)
		}
	}
	if got := h.sink.count(); got != 1 {
		t.Errorf("notifications = %d, want 1", got)
	}
}

func TestCheckNow_ConcurrentChecksNotifyOnce(t *testing.T) {
	h := newHarness(t, xrpPayment("p5", "10", 1))
	h.xrp.SetPoll(transfer("TX1", "10", 1), nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.svc.CheckNow(ctx, "p5", nil); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if got := h.sink.count(); got != 1 {
		t.Errorf("notifications = %d, want 1", got)
	}
	if got := len(h.allocator.allocations()); got != 1 {
		t.Errorf("allocations = %d, want 1", got)
	}
	if n := h.svc.locks.len(); n != 0 {
		t.Errorf("lock entries left = %d", n)
	}
}

func TestCheckNow_Validation(t *testing.T) {
	h := newHarness(t, xrpPayment("p6", "10", 1))

	if _, err := h.svc.CheckNow(ctx, "", nil); !errors.Is(err, payment.ErrInvalidPaymentID) {
		t.Errorf("empty id: err = %v", err)
	}
	if _, err := h.svc.CheckNow(ctx, "p6", &payment.ClientEvidence{Amount: decimal.NewFromInt(1)}); !errors.Is(err, payment.ErrInvalidEvidence) {
		t.Errorf("missing hash: err = %v", err)
	}

	wrongTag := payment.ClientEvidence{TransactionHash: "TX", Amount: decimal.NewFromInt(10), MatchIdentifier: tag(7)}
	if _, err := h.svc.ReportClientObservation(ctx, "p6", wrongTag); !errors.Is(err, payment.ErrInvalidEvidence) {
		t.Errorf("wrong tag: err = %v", err)
	}
	if _, err := h.svc.CheckNow(ctx, "missing", nil); !errors.Is(err, payment.ErrPaymentNotFound) {
		t.Errorf("missing payment: err = %v", err)
	}
}

func TestCheckNow_ChainErrorIsNoObservation(t *testing.T) {
	h := newHarness(t, xrpPayment("p7", "10", 1))
	h.xrp.SetPoll(nil, adapter.ErrTransientRPC)

	res, err := h.svc.CheckNow(ctx, "p7", nil)
	if err != nil {
		t.Fatalf("chain errors must not surface: %v", err)
	}
	if res.Payment.Status != payment.StatusPending || res.Observed || res.Persisted {
		t.Errorf("result = %+v", res)
	}
}

func TestCheckNow_ProgressPersistedWhilePending(t *testing.T) {
	h := newHarness(t, splPayment("p8", "10", 32))
	h.spl.SetPoll(transfer("SIG1", "10", 4), nil)

	res, err := h.svc.CheckNow(ctx, "p8", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Persisted || res.Transitioned {
		t.Errorf("result = %+v, want persisted progress", res)
	}
	stored := h.stored(t, "p8")
	if stored.Status != payment.StatusPending || stored.Confirmations != 4 || stored.TransactionHash != "SIG1" {
		t.Errorf("stored = %+v", stored)
	}
	if len(h.allocator.allocations()) != 0 {
		t.Error("ledger must not move before a transition")
	}
}

func TestCheckNow_TerminalWinsOverConcurrentWrite(t *testing.T) {
	h := newHarness(t, xrpPayment("p9", "10", 1))
	h.xrp.SetPoll(transfer("TX1", "10", 1), nil)
	h.repo.beforeCAS = func(r *memRepo, id string) {
		r.setStatus(id, payment.StatusExpired)
	}

	res, err := h.svc.CheckNow(ctx, "p9", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Discarded || res.Payment.Status != payment.StatusExpired {
		t.Errorf("result = %+v, want discarded with expired", res)
	}
	if h.sink.count() != 0 || len(h.allocator.allocations()) != 0 {
		t.Error("side effects fired for a discarded outcome")
	}
}

func TestCheckNow_RetriesAfterNonTerminalConflict(t *testing.T) {
	p := xrpPayment("p10", "10", 1)
	h := newHarness(t, p)
	h.xrp.SetPoll(transfer("TX1", "10", 1), nil)
	h.repo.beforeCAS = func(r *memRepo, id string) {
		r.setStatus(id, payment.StatusUnderpaid)
	}

	res, err := h.svc.CheckNow(ctx, "p10", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Payment.Status != payment.StatusConfirmed || res.Previous != payment.StatusUnderpaid {
		t.Errorf("result = %+v, want underpaid to confirmed", res)
	}
	if h.sink.count() != 1 {
		t.Errorf("notifications = %d, want 1", h.sink.count())
	}
}

func TestCheckNow_PersistFailureFailsClosed(t *testing.T) {
	h := newHarness(t, xrpPayment("p11", "10", 1))
	h.xrp.SetPoll(transfer("TX1", "10", 1), nil)
	h.repo.setCASErr(errors.New("connection reset"))

	res, err := h.svc.CheckNow(ctx, "p11", nil)
	if err == nil {
		t.Fatal("expected persist error")
	}
	if res.Payment.Status != payment.StatusPending {
		t.Errorf("status = %s, want stored pending", res.Payment.Status)
	}
	if h.sink.count() != 0 || len(h.allocator.allocations()) != 0 {
		t.Fatal("side effects fired without a persisted transition")
	}

	h.repo.setCASErr(nil)
	res, err = h.svc.CheckNow(ctx, "p11", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Payment.Status != payment.StatusConfirmed || h.sink.count() != 1 {
		t.Errorf("retry did not confirm: %+v", res)
	}
}

func TestCheckNow_NotificationFailureKeepsConfirmation(t *testing.T) {
	h := newHarness(t, xrpPayment("p12", "10", 1))
	h.xrp.SetPoll(transfer("TX1", "10", 1), nil)
	h.sink.err = errors.New("broker down")

	res, err := h.svc.CheckNow(ctx, "p12", nil)
	if err != nil {
		t.Fatal(err)
	}
	if h.stored(t, "p12").Status != payment.StatusConfirmed || !res.Notified {
		t.Errorf("confirmation rolled back: %+v", res)
	}
}

func TestCheckNow_ExpiryBeatsObservation(t *testing.T) {
	p := xrpPayment("p13", "10", 1)
	p.ExpiresAt = time.Now().Add(-time.Second)
	h := newHarness(t, p)
	h.xrp.SetPoll(transfer("TX1", "10", 6), nil)

	res, err := h.svc.CheckNow(ctx, "p13", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Payment.Status != payment.StatusExpired {
		t.Errorf("status = %s, want expired", res.Payment.Status)
	}
	if h.xrp.Polls() != 0 {
		t.Error("chain queried for an expired payment")
	}
	if h.sink.count() != 0 {
		t.Error("expired payment notified")
	}
}

func TestCheckNow_TerminalIsReturnedAsIs(t *testing.T) {
	p := xrpPayment("p14", "10", 1)
	p.Status = payment.StatusConfirmed
	h := newHarness(t, p)
	h.xrp.SetPoll(transfer("TX9", "99", 9), nil)

	res, err := h.svc.CheckNow(ctx, "p14", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Persisted || res.Payment.TransactionHash != "" || h.xrp.Polls() != 0 {
		t.Errorf("terminal payment touched: %+v", res)
	}
}

func TestReportClientObservation_VerifiedAgainstChain(t *testing.T) {
	h := newHarness(t, xrpPayment("p15", "50", 1))
	h.xrp.SetLookup("TXC", transfer("TXC", "20", 1))

	res, err := h.svc.ReportClientObservation(ctx, "p15", payment.ClientEvidence{
		TransactionHash: "TXC",
		Amount:          decimal.NewFromInt(50),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Payment.Status != payment.StatusUnderpaid {
		t.Errorf("status = %s, want underpaid from the delivered amount", res.Payment.Status)
	}
	if !res.Payment.ObservedCryptoAmount.Equal(decimal.NewFromInt(20)) {
		t.Errorf("observed = %s, want chain amount 20", res.Payment.ObservedCryptoAmount)
	}
}

func TestReportClientObservation_LookupFailureUsesFinalityFloor(t *testing.T) {
	h := newHarness(t, xrpPayment("p16", "50", 3))
	h.xrp.SetLookupErr(adapter.ErrTransientRPC)

	res, err := h.svc.ReportClientObservation(ctx, "p16", payment.ClientEvidence{
		TransactionHash: "TXC",
		Amount:          decimal.NewFromInt(50),
		MatchIdentifier: tag(42),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Payment.Status != payment.StatusConfirmed || res.Payment.Confirmations != 1 {
		t.Errorf("result = %+v, want confirmed with one validation", res.Payment)
	}
}

func TestReportClientObservation_LookupFailureKeepsProgress(t *testing.T) {
	p := splPayment("p17", "10", 32)
	p.TransactionHash = "SIG1"
	p.Confirmations = 12
	p.ObservedCryptoAmount = decimal.NewFromInt(10)
	h := newHarness(t, p)
	h.spl.SetLookupErr(adapter.ErrTransientRPC)

	res, err := h.svc.ReportClientObservation(ctx, "p17", payment.ClientEvidence{
		TransactionHash: "SIG1",
		Amount:          decimal.NewFromInt(10),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Payment.Confirmations != 12 || res.Payment.Status != payment.StatusPending {
		t.Errorf("progress reset: %+v", res.Payment)
	}
}

func TestReportClientObservation_CountedTransferNotInflated(t *testing.T) {
	h := newHarness(t, xrpPayment("p17b", "100", 1))
	h.xrp.SetPoll(transfer("TX1", "80", 1), nil)
	if _, err := h.svc.CheckNow(ctx, "p17b", nil); err != nil {
		t.Fatal(err)
	}

	h.xrp.SetLookupErr(adapter.ErrTransientRPC)
	res, err := h.svc.ReportClientObservation(ctx, "p17b", payment.ClientEvidence{
		TransactionHash: "TX1",
		Amount:          decimal.NewFromInt(100),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Payment.Status != payment.StatusUnderpaid || !res.Payment.ObservedCryptoAmount.Equal(decimal.NewFromInt(80)) {
		t.Errorf("client amount overrode the chain: %+v", res.Payment)
	}
	if h.sink.count() != 0 || len(h.allocator.allocations()) != 1 {
		t.Errorf("notifications = %d allocations = %d", h.sink.count(), len(h.allocator.allocations()))
	}
}

func TestReportClientObservation_LookupFailureUsesTrackedAmount(t *testing.T) {
	p := xrpPayment("p17c", "100", 3)
	p.TransactionHash = "TX1"
	p.ObservedCryptoAmount = decimal.NewFromInt(80)
	h := newHarness(t, p)
	h.xrp.SetLookupErr(adapter.ErrTransientRPC)

	res, err := h.svc.ReportClientObservation(ctx, "p17c", payment.ClientEvidence{
		TransactionHash: "TX1",
		Amount:          decimal.NewFromInt(100),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Payment.Status != payment.StatusUnderpaid {
		t.Errorf("status = %s, want underpaid from the tracked amount", res.Payment.Status)
	}
	if !res.Payment.ObservedCryptoAmount.Equal(decimal.NewFromInt(80)) || h.sink.count() != 0 {
		t.Errorf("observed = %s notifications = %d", res.Payment.ObservedCryptoAmount, h.sink.count())
	}
}

func TestReportClientObservation_MismatchIgnored(t *testing.T) {
	h := newHarness(t, xrpPayment("p18", "10", 1))
	h.xrp.SetLookupErr(adapter.ErrTransferMismatch)

	res, err := h.svc.ReportClientObservation(ctx, "p18", payment.ClientEvidence{
		TransactionHash: "OTHER",
		Amount:          decimal.NewFromInt(10),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Observed || res.Payment.Status != payment.StatusPending {
		t.Errorf("mismatched evidence was used: %+v", res)
	}
}

func TestCreatePayment_LocksRateOnce(t *testing.T) {
	h := newHarness(t)

	p, err := h.svc.CreatePayment(ctx, CreateRequest{
		OrganizationID:   "org-1",
		Chain:            payment.ChainXRP,
		TokenCode:        "XRP",
		Address:          "rDest",
		MatchIdentifier:  tag(9),
		CryptoAmount:     decimal.NewFromInt(40),
		FiatCurrency:     "USD",
		MinConfirmations: 3,
	})
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}

	if p.ID == "" || p.Status != payment.StatusPending {
		t.Errorf("payment = %+v", p)
	}
	if !p.ExchangeRate.Equal(decimal.RequireFromString("0.5")) || !p.ExpectedFiatAmount.Equal(decimal.NewFromInt(20)) {
		t.Errorf("rate = %s fiat = %s", p.ExchangeRate, p.ExpectedFiatAmount)
	}
	if got := p.ExpiresAt.Sub(p.CreatedAt); got != payment.DefaultTTL {
		t.Errorf("ttl = %s, want %s", got, payment.DefaultTTL)
	}
	if h.oracle.calls != 1 {
		t.Errorf("oracle calls = %d, want 1", h.oracle.calls)
	}
	if !h.svc.Watching(p.ID) || !h.registry.has(p.ID) {
		t.Error("created payment is not watched")
	}

	h.xrp.SetPoll(transfer("TX1", "40", 1), nil)
	if _, err := h.svc.CheckNow(ctx, p.ID, nil); err != nil {
		t.Fatal(err)
	}
	if h.oracle.calls != 1 {
		t.Error("rate re-fetched after creation")
	}
}

func TestCreatePayment_Invalid(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.CreatePayment(ctx, CreateRequest{Chain: payment.ChainSolanaSPL, Address: "wallet", CryptoAmount: decimal.NewFromInt(1)})
	if !errors.Is(err, payment.ErrInvalidPayment) {
		t.Errorf("err = %v, want ErrInvalidPayment", err)
	}
	if h.oracle.calls != 0 {
		t.Error("oracle called for an invalid request")
	}
}

func TestGetStatus(t *testing.T) {
	h := newHarness(t, xrpPayment("p19", "10", 1))

	p, err := h.svc.GetStatus(ctx, "p19")
	if err != nil || p.ID != "p19" {
		t.Errorf("GetStatus = %+v, %v", p, err)
	}
	if _, err := h.svc.GetStatus(ctx, ""); !errors.Is(err, payment.ErrInvalidPaymentID) {
		t.Errorf("err = %v", err)
	}
}

func TestNew_RequiresRepositoryAndAdapters(t *testing.T) {
	if _, err := New(DefaultConfig(), Deps{}, nil); !errors.Is(err, ErrMissingDependency) {
		t.Errorf("err = %v", err)
	}
	if _, err := New(DefaultConfig(), Deps{Repository: newMemRepo()}, nil); !errors.Is(err, ErrMissingDependency) {
		t.Errorf("err = %v", err)
	}
}

func TestKeepProgress(t *testing.T) {
	p := xrpPayment("p", "10", 1)
	p.TransactionHash = "TX"
	p.Confirmations = 5

	if got := keepProgress(p, transfer("TX", "10", 2)); got.Confirmations != 5 {
		t.Errorf("stale depth applied: %d", got.Confirmations)
	}
	if got := keepProgress(p, transfer("TX2", "10", 2)); got.Confirmations != 2 {
		t.Errorf("new transaction depth changed: %d", got.Confirmations)
	}
	if keepProgress(p, nil) != nil {
		t.Error("nil observation changed")
	}
}
