// Package solana implements the Solana adapters for native SOL and SPL token
// payments. Both watch an account balance over accountSubscribe and resolve
// each increase to the transaction that caused it.
package solana

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/marko911/paywatch/internal/adapter"
	"github.com/marko911/paywatch/internal/payment"
)

// Config holds Solana adapter configuration.
type Config struct {
	RPCEndpoint string `yaml:"rpc_endpoint"`
	WSEndpoint  string `yaml:"ws_endpoint"`

	// Commitment for queries and subscriptions. "confirmed" by default.
	Commitment string `yaml:"commitment"`

	DialTimeout time.Duration `yaml:"dial_timeout"`

	// FinalizedDepth is the confirmation count reported for a finalized
	// transaction.
	FinalizedDepth int `yaml:"finalized_depth"`

	// SignatureLimit bounds how many recent signatures a poll inspects.
	SignatureLimit int `yaml:"signature_limit"`

	// DefaultTokenDecimals is used when neither the token account nor the
	// transaction reports decimals.
	DefaultTokenDecimals uint8 `yaml:"default_token_decimals"`

	// ResolveAttempts and ResolveDelay govern how long a balance change waits
	// for its signature to become queryable.
	ResolveAttempts int           `yaml:"resolve_attempts"`
	ResolveDelay    time.Duration `yaml:"resolve_delay"`
}

func DefaultConfig() Config {
	return Config{
		RPCEndpoint:          "https://api.mainnet-beta.solana.com",
		WSEndpoint:           "wss://api.mainnet-beta.solana.com",
		Commitment:           "confirmed",
		DialTimeout:          10 * time.Second,
		FinalizedDepth:       32,
		SignatureLimit:       20,
		DefaultTokenDecimals: 6,
		ResolveAttempts:      3,
		ResolveDelay:         time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RPCEndpoint == "" {
		c.RPCEndpoint = d.RPCEndpoint
	}
	if c.WSEndpoint == "" {
		c.WSEndpoint = d.WSEndpoint
	}
	if c.Commitment == "" {
		c.Commitment = d.Commitment
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.FinalizedDepth <= 0 {
		c.FinalizedDepth = d.FinalizedDepth
	}
	if c.SignatureLimit <= 0 {
		c.SignatureLimit = d.SignatureLimit
	}
	if c.DefaultTokenDecimals == 0 {
		c.DefaultTokenDecimals = d.DefaultTokenDecimals
	}
	if c.ResolveAttempts <= 0 {
		c.ResolveAttempts = d.ResolveAttempts
	}
	if c.ResolveDelay <= 0 {
		c.ResolveDelay = d.ResolveDelay
	}
	return c
}

// Adapter watches one Solana payment kind. Native payments watch the wallet
// itself; SPL payments watch the wallet's associated token account for the
// payment's mint.
type Adapter struct {
	chain  payment.Chain
	spl    bool
	cfg    Config
	reader chainReader
	feed   accountFeed
	closer io.Closer
	logger *slog.Logger
	now    func() time.Time
}

// NewNative returns the adapter for SOL payments.
func NewNative(conn *Conn, cfg Config, logger *slog.Logger) *Adapter {
	return newAdapter(payment.ChainSolanaNative, false, cfg, conn.reader(), conn, conn, logger)
}

// NewSPL returns the adapter for SPL token payments.
func NewSPL(conn *Conn, cfg Config, logger *slog.Logger) *Adapter {
	return newAdapter(payment.ChainSolanaSPL, true, cfg, conn.reader(), conn, conn, logger)
}

func newAdapter(chain payment.Chain, spl bool, cfg Config, reader chainReader, feed accountFeed, closer io.Closer, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		chain:  chain,
		spl:    spl,
		cfg:    cfg.withDefaults(),
		reader: reader,
		feed:   feed,
		closer: closer,
		logger: logger.With("adapter", string(chain)),
		now:    time.Now,
	}
}

func (a *Adapter) Chain() payment.Chain { return a.chain }

// EvidenceConfirmations is zero: a client reported signature proves nothing
// about depth until the node confirms it.
func (a *Adapter) EvidenceConfirmations() int { return 0 }

func (a *Adapter) EffectiveMinConfirmations(configured int) int { return configured }

func (a *Adapter) Health(ctx context.Context) error { return a.reader.Health(ctx) }

func (a *Adapter) Close() error {
	if a.closer == nil {
		return nil
	}
	return a.closer.Close()
}

// watchAccount resolves the account whose balance reflects the payment.
func (a *Adapter) watchAccount(target adapter.WatchTarget) (wallet, watched solana.PublicKey, mint string, err error) {
	wallet, err = solana.PublicKeyFromBase58(target.Address)
	if err != nil {
		return solana.PublicKey{}, solana.PublicKey{}, "", fmt.Errorf("invalid solana address %q: %w", target.Address, err)
	}
	if !a.spl {
		return wallet, wallet, "", nil
	}

	mintKey, err := solana.PublicKeyFromBase58(target.TokenMint)
	if err != nil {
		return solana.PublicKey{}, solana.PublicKey{}, "", fmt.Errorf("invalid token mint %q: %w", target.TokenMint, err)
	}
	ata, _, err := solana.FindAssociatedTokenAddress(wallet, mintKey)
	if err != nil {
		return solana.PublicKey{}, solana.PublicKey{}, "", fmt.Errorf("derive token account: %w", err)
	}
	return wallet, ata, mintKey.String(), nil
}

// transferIn extracts the credit to the watched account from tx.
func (a *Adapter) transferIn(tx txBalances, watched solana.PublicKey, mint string) (transfer, bool) {
	if a.spl {
		return tokenTransfer(tx, watched.String(), mint, a.cfg.DefaultTokenDecimals)
	}
	return nativeTransfer(tx, watched.String())
}

func (a *Adapter) observe(ctx context.Context, tx txBalances, target adapter.WatchTarget, watched solana.PublicKey, mint string, source payment.Source) (*payment.ObservedTransfer, error) {
	tr, ok := a.transferIn(tx, watched, mint)
	if !ok {
		return nil, nil
	}

	confs, err := a.reader.Confirmations(ctx, tx.Signature)
	if err != nil {
		a.logger.Warn("confirmation depth unavailable", "tx_hash", tx.Signature, "error", err)
		confs = 0
	}

	return &payment.ObservedTransfer{
		TransactionHash: tx.Signature,
		FromAddress:     tr.From,
		ToAddress:       target.Address,
		Amount:          tr.Amount,
		Confirmations:   confs,
		ObservedAt:      a.now(),
		Source:          source,
	}, nil
}

// Subscribe snapshots the balance, then opens the account feed. Only
// increases after the snapshot are reported.
func (a *Adapter) Subscribe(ctx context.Context, target adapter.WatchTarget) (adapter.Subscription, error) {
	_, watched, mint, err := a.watchAccount(target)
	if err != nil {
		return nil, err
	}

	snap, err := a.reader.Balance(ctx, watched, a.spl)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", watched, err)
	}

	stream, err := a.feed.SubscribeAccount(ctx, watched)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", watched, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		adapter:  a,
		stream:   stream,
		target:   target,
		watched:  watched,
		mint:     mint,
		last:     snap.Raw,
		fromSlot: snap.Slot,
		logger:   a.logger.With("account", watched.String()),
		cancel:   cancel,
		out:      make(chan payment.ObservedTransfer, 8),
		done:     make(chan struct{}),
	}
	go sub.run(runCtx)

	a.logger.Debug("subscribed", "account", watched.String(), "balance", snap.Raw, "slot", snap.Slot)
	return sub, nil
}

// PollOnce walks recent signatures of the watched account, newest first, and
// returns the first credit that landed at or after since.
func (a *Adapter) PollOnce(ctx context.Context, target adapter.WatchTarget, since time.Time) (*payment.ObservedTransfer, error) {
	_, watched, mint, err := a.watchAccount(target)
	if err != nil {
		return nil, err
	}

	sigs, err := a.reader.RecentSignatures(ctx, watched, a.cfg.SignatureLimit)
	if err != nil {
		return nil, err
	}

	for _, s := range sigs {
		if !s.BlockTime.IsZero() && s.BlockTime.Before(since) {
			break
		}
		if s.Failed || target.Excludes(s.Signature) {
			continue
		}

		tx, err := a.reader.Transaction(ctx, s.Signature)
		if err != nil {
			if errors.Is(err, adapter.ErrTransferNotFound) {
				continue
			}
			return nil, err
		}

		obs, err := a.observe(ctx, tx, target, watched, mint, payment.SourcePoll)
		if err != nil {
			return nil, err
		}
		if obs != nil {
			return obs, nil
		}
	}
	return nil, nil
}

func (a *Adapter) LookupTransfer(ctx context.Context, target adapter.WatchTarget, txHash string) (*payment.ObservedTransfer, error) {
	_, watched, mint, err := a.watchAccount(target)
	if err != nil {
		return nil, err
	}

	tx, err := a.reader.Transaction(ctx, txHash)
	if err != nil {
		return nil, err
	}

	obs, err := a.observe(ctx, tx, target, watched, mint, payment.SourcePoll)
	if err != nil {
		return nil, err
	}
	if obs == nil {
		return nil, fmt.Errorf("%w: %s", adapter.ErrTransferMismatch, txHash)
	}
	return obs, nil
}

// resolveLatest finds the transaction behind a balance increase. The
// signature can lag the notification, so it retries a few times.
func (a *Adapter) resolveLatest(ctx context.Context, target adapter.WatchTarget, watched solana.PublicKey, mint string, fromSlot uint64) (*payment.ObservedTransfer, error) {
	var lastErr error
	for attempt := 0; attempt < a.cfg.ResolveAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(a.cfg.ResolveDelay):
			}
		}

		sigs, err := a.reader.RecentSignatures(ctx, watched, 1)
		if err != nil {
			lastErr = err
			continue
		}
		if len(sigs) == 0 || sigs[0].Slot < fromSlot || sigs[0].Failed {
			lastErr = adapter.ErrTransferNotFound
			continue
		}

		tx, err := a.reader.Transaction(ctx, sigs[0].Signature)
		if err != nil {
			lastErr = err
			continue
		}
		obs, err := a.observe(ctx, tx, target, watched, mint, payment.SourceSubscription)
		if err != nil {
			lastErr = err
			continue
		}
		if obs == nil {
			lastErr = adapter.ErrTransferMismatch
			continue
		}
		return obs, nil
	}
	return nil, lastErr
}

type subscription struct {
	adapter  *Adapter
	stream   accountStream
	target   adapter.WatchTarget
	watched  solana.PublicKey
	mint     string
	last     uint64
	fromSlot uint64
	logger   *slog.Logger
	cancel   context.CancelFunc

	out  chan payment.ObservedTransfer
	done chan struct{}

	stopOnce sync.Once
	mu       sync.Mutex
	err      error
}

func (s *subscription) Transfers() <-chan payment.ObservedTransfer { return s.out }
func (s *subscription) Done() <-chan struct{}                      { return s.done }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Unsubscribe() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.stream.Unsubscribe()
	})
}

func (s *subscription) run(ctx context.Context) {
	defer close(s.done)

	for {
		upd, err := s.stream.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, adapter.ErrMalformedEvent) {
				s.logger.Warn("dropping malformed account notification", "error", err)
				continue
			}
			s.mu.Lock()
			s.err = fmt.Errorf("%w: %v", adapter.ErrConnectionClosed, err)
			s.mu.Unlock()
			return
		}

		current := upd.Lamports
		if s.adapter.spl {
			amount, ok := tokenAccountAmount(upd.Data)
			if !ok {
				s.logger.Warn("dropping token account update without amount", "slot", upd.Slot, "bytes", len(upd.Data))
				continue
			}
			current = amount
		}

		previous := s.last
		s.last = current
		if current <= previous {
			continue
		}

		obs, err := s.adapter.resolveLatest(ctx, s.target, s.watched, s.mint, s.fromSlot)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Polling picks it up later.
			s.logger.Warn("could not resolve balance increase", "slot", upd.Slot, "error", err)
			continue
		}

		select {
		case s.out <- *obs:
		case <-ctx.Done():
			return
		}
	}
}
