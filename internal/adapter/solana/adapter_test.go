package solana

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"github.com/marko911/paywatch/internal/adapter"
	"github.com/marko911/paywatch/internal/payment"
)

type fakeReader struct {
	mu      sync.Mutex
	balance balance
	sigs    []sigInfo
	txs     map[string]txBalances
	confs   map[string]int
}

func newFakeReader() *fakeReader {
	return &fakeReader{txs: make(map[string]txBalances), confs: make(map[string]int)}
}

func (r *fakeReader) addTx(tx txBalances, slot uint64, blockTime time.Time, confs int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx.Slot = slot
	r.txs[tx.Signature] = tx
	r.confs[tx.Signature] = confs
	// Newest first, like getSignaturesForAddress.
	r.sigs = append([]sigInfo{{Signature: tx.Signature, Slot: slot, BlockTime: blockTime}}, r.sigs...)
}

func (r *fakeReader) Balance(context.Context, solana.PublicKey, bool) (balance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.balance, nil
}

func (r *fakeReader) RecentSignatures(_ context.Context, _ solana.PublicKey, limit int) ([]sigInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit > len(r.sigs) {
		limit = len(r.sigs)
	}
	return append([]sigInfo(nil), r.sigs[:limit]...), nil
}

func (r *fakeReader) Transaction(_ context.Context, sig string) (txBalances, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.txs[sig]
	if !ok {
		return txBalances{}, adapter.ErrTransferNotFound
	}
	return tx, nil
}

func (r *fakeReader) Confirmations(_ context.Context, sig string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.confs[sig], nil
}

func (r *fakeReader) Health(context.Context) error { return nil }

type fakeStream struct {
	updates      chan accountUpdate
	unsubscribed chan struct{}
	once         sync.Once
}

func (s *fakeStream) Recv(ctx context.Context) (accountUpdate, error) {
	select {
	case u, ok := <-s.updates:
		if !ok {
			return accountUpdate{}, errors.New("socket closed")
		}
		return u, nil
	case <-s.unsubscribed:
		return accountUpdate{}, errors.New("unsubscribed")
	case <-ctx.Done():
		return accountUpdate{}, ctx.Err()
	}
}

func (s *fakeStream) Unsubscribe() {
	s.once.Do(func() { close(s.unsubscribed) })
}

type fakeFeed struct {
	mu       sync.Mutex
	streams  []*fakeStream
	accounts []solana.PublicKey
}

func (f *fakeFeed) SubscribeAccount(_ context.Context, account solana.PublicKey) (accountStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeStream{updates: make(chan accountUpdate, 8), unsubscribed: make(chan struct{})}
	f.streams = append(f.streams, s)
	f.accounts = append(f.accounts, account)
	return s, nil
}

func (f *fakeFeed) last() *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[len(f.streams)-1]
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ResolveDelay = 10 * time.Millisecond
	return cfg
}

func await(t *testing.T, sub adapter.Subscription) payment.ObservedTransfer {
	t.Helper()
	select {
	case obs := <-sub.Transfers():
		return obs
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transfer")
	}
	return payment.ObservedTransfer{}
}

func TestNativeSubscribe_ReportsIncreaseOnly(t *testing.T) {
	reader := newFakeReader()
	reader.balance = balance{Raw: 1_000_000_000, Slot: 100, Known: true}
	feed := &fakeFeed{}
	a := newAdapter(payment.ChainSolanaNative, false, testConfig(), reader, feed, nil, nil)

	target := adapter.WatchTarget{Address: walletAddr, TokenCode: "SOL"}
	sub, err := a.Subscribe(context.Background(), target)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	reader.addTx(txBalances{
		Signature: "payIn",
		Keys:      []string{senderAddr, walletAddr},
		Pre:       []uint64{9_000_000_000, 500_000_000},
		Post:      []uint64{6_999_995_000, 2_500_000_000},
	}, 105, time.Now(), 3)

	stream := feed.last()
	// A decrease is ignored, the increase after it is reported.
	stream.updates <- accountUpdate{Slot: 101, Lamports: 500_000_000}
	stream.updates <- accountUpdate{Slot: 105, Lamports: 2_500_000_000}

	obs := await(t, sub)
	if obs.TransactionHash != "payIn" {
		t.Fatalf("tx = %s, want payIn", obs.TransactionHash)
	}
	// Delivered amount is the transaction's own credit, not the balance
	// difference since the snapshot.
	if !obs.Amount.Equal(decimal.NewFromInt(2)) {
		t.Errorf("amount = %s, want 2", obs.Amount)
	}
	if obs.Confirmations != 3 || obs.FromAddress != senderAddr || obs.ToAddress != walletAddr {
		t.Errorf("unexpected observation %+v", obs)
	}
}

func TestSPLSubscribe_WatchesAssociatedTokenAccount(t *testing.T) {
	wallet := solana.MustPublicKeyFromBase58(walletAddr)
	mint := solana.MustPublicKeyFromBase58(usdcMint)
	ata, _, err := solana.FindAssociatedTokenAddress(wallet, mint)
	if err != nil {
		t.Fatalf("derive ata: %v", err)
	}

	reader := newFakeReader()
	reader.balance = balance{Slot: 50}
	feed := &fakeFeed{}
	a := newAdapter(payment.ChainSolanaSPL, true, testConfig(), reader, feed, nil, nil)

	target := adapter.WatchTarget{Address: walletAddr, TokenCode: "USDC", TokenMint: usdcMint}
	sub, err := a.Subscribe(context.Background(), target)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if feed.accounts[0] != ata {
		t.Fatalf("subscribed %s, want associated token account %s", feed.accounts[0], ata)
	}

	reader.addTx(txBalances{
		Signature: "usdcIn",
		Keys:      []string{senderAddr, "senderToken", ata.String()},
		PreToken: []tokenBalance{
			{Index: 1, Mint: usdcMint, Owner: senderAddr, Amount: decimal.NewFromInt(200_000_000), Decimals: 6, HasDecimals: true},
		},
		PostToken: []tokenBalance{
			{Index: 1, Mint: usdcMint, Owner: senderAddr, Amount: decimal.NewFromInt(120_000_000), Decimals: 6, HasDecimals: true},
			{Index: 2, Mint: usdcMint, Owner: walletAddr, Amount: decimal.NewFromInt(80_000_000), Decimals: 6, HasDecimals: true},
		},
	}, 60, time.Now(), 32)

	data := make([]byte, 165)
	binary.LittleEndian.PutUint64(data[64:72], 80_000_000)
	feed.last().updates <- accountUpdate{Slot: 60, Data: data}

	obs := await(t, sub)
	if !obs.Amount.Equal(decimal.NewFromInt(80)) {
		t.Errorf("amount = %s, want 80", obs.Amount)
	}
	if obs.Confirmations != 32 || obs.ToAddress != walletAddr {
		t.Errorf("unexpected observation %+v", obs)
	}
}

func TestSubscribe_StreamFailureEndsSubscription(t *testing.T) {
	reader := newFakeReader()
	feed := &fakeFeed{}
	a := newAdapter(payment.ChainSolanaNative, false, testConfig(), reader, feed, nil, nil)

	sub, err := a.Subscribe(context.Background(), adapter.WatchTarget{Address: walletAddr})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	close(feed.last().updates)

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription did not end")
	}
	if !errors.Is(sub.Err(), adapter.ErrConnectionClosed) {
		t.Errorf("expected ErrConnectionClosed, got %v", sub.Err())
	}
	sub.Unsubscribe()
	sub.Unsubscribe()
}

func TestUnsubscribe_StopsCleanly(t *testing.T) {
	reader := newFakeReader()
	feed := &fakeFeed{}
	a := newAdapter(payment.ChainSolanaNative, false, testConfig(), reader, feed, nil, nil)

	sub, err := a.Subscribe(context.Background(), adapter.WatchTarget{Address: walletAddr})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	sub.Unsubscribe()
	sub.Unsubscribe()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription did not stop")
	}
	if sub.Err() != nil {
		t.Errorf("clean stop should not record an error, got %v", sub.Err())
	}
}

func TestPollOnce(t *testing.T) {
	reader := newFakeReader()
	a := newAdapter(payment.ChainSolanaNative, false, testConfig(), reader, &fakeFeed{}, nil, nil)
	created := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	reader.addTx(txBalances{
		Signature: "early",
		Keys:      []string{senderAddr, walletAddr},
		Pre:       []uint64{10, 0},
		Post:      []uint64{5, 5},
	}, 10, created.Add(-time.Hour), 32)
	reader.addTx(txBalances{
		Signature: "payIn",
		Keys:      []string{senderAddr, walletAddr},
		Pre:       []uint64{5_000_000_000, 5},
		Post:      []uint64{2_000_000_000, 3_000_000_005},
	}, 20, created.Add(time.Hour), 4)
	reader.addTx(txBalances{
		Signature: "payOut",
		Keys:      []string{walletAddr, senderAddr},
		Pre:       []uint64{3_000_000_005, 0},
		Post:      []uint64{2_000_000_005, 1_000_000_000},
	}, 30, created.Add(2*time.Hour), 1)

	target := adapter.WatchTarget{Address: walletAddr}
	obs, err := a.PollOnce(context.Background(), target, created)
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if obs == nil || obs.TransactionHash != "payIn" {
		t.Fatalf("expected payIn, got %+v", obs)
	}
	if !obs.Amount.Equal(decimal.NewFromInt(3)) || obs.Source != payment.SourcePoll {
		t.Errorf("unexpected observation %+v", obs)
	}

	obs, err = a.PollOnce(context.Background(), target, created.Add(90*time.Minute))
	if err != nil || obs != nil {
		t.Errorf("expected no credit after payIn, got %+v, %v", obs, err)
	}

	target.Exclude = []string{"payIn"}
	obs, err = a.PollOnce(context.Background(), target, created)
	if err != nil || obs != nil {
		t.Errorf("expected credited payIn to be skipped, got %+v, %v", obs, err)
	}
}

func TestLookupTransfer(t *testing.T) {
	reader := newFakeReader()
	a := newAdapter(payment.ChainSolanaNative, false, testConfig(), reader, &fakeFeed{}, nil, nil)
	reader.addTx(txBalances{
		Signature: "unrelated",
		Keys:      []string{senderAddr, systemProg},
		Pre:       []uint64{10, 0},
		Post:      []uint64{5, 5},
	}, 1, time.Now(), 1)

	target := adapter.WatchTarget{Address: walletAddr}
	if _, err := a.LookupTransfer(context.Background(), target, "missing"); !errors.Is(err, adapter.ErrTransferNotFound) {
		t.Errorf("expected ErrTransferNotFound, got %v", err)
	}
	if _, err := a.LookupTransfer(context.Background(), target, "unrelated"); !errors.Is(err, adapter.ErrTransferMismatch) {
		t.Errorf("expected ErrTransferMismatch, got %v", err)
	}
}

func TestFinality(t *testing.T) {
	a := newAdapter(payment.ChainSolanaSPL, true, testConfig(), newFakeReader(), &fakeFeed{}, nil, nil)
	if got := a.EffectiveMinConfirmations(12); got != 12 {
		t.Errorf("EffectiveMinConfirmations(12) = %d, want 12", got)
	}
	if a.EvidenceConfirmations() != 0 {
		t.Errorf("EvidenceConfirmations = %d, want 0", a.EvidenceConfirmations())
	}
}

func TestSubscribe_InvalidAddress(t *testing.T) {
	a := newAdapter(payment.ChainSolanaNative, false, testConfig(), newFakeReader(), &fakeFeed{}, nil, nil)
	if _, err := a.Subscribe(context.Background(), adapter.WatchTarget{Address: "not-base58!"}); err == nil {
		t.Error("expected error for invalid address")
	}
}
