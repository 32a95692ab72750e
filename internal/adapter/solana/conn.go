package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"
	"github.com/shopspring/decimal"

	"github.com/marko911/paywatch/internal/adapter"
)

var ErrConnClosed = errors.New("solana connection closed")

// RPC is the part of the solana-go rpc client the adapters use.
type RPC interface {
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error)
	GetSignaturesForAddressWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetSignaturesForAddressOpts) ([]*rpc.TransactionSignature, error)
	GetTransaction(ctx context.Context, sig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetHealth(ctx context.Context) (string, error)
}

// chainReader answers the queries the adapter needs in its own types.
type chainReader interface {
	Balance(ctx context.Context, account solana.PublicKey, spl bool) (balance, error)
	RecentSignatures(ctx context.Context, account solana.PublicKey, limit int) ([]sigInfo, error)
	Transaction(ctx context.Context, signature string) (txBalances, error)
	Confirmations(ctx context.Context, signature string) (int, error)
	Health(ctx context.Context) error
}

type accountFeed interface {
	SubscribeAccount(ctx context.Context, account solana.PublicKey) (accountStream, error)
}

type accountStream interface {
	Recv(ctx context.Context) (accountUpdate, error)
	Unsubscribe()
}

// Conn is the Solana connection shared by the native and SPL adapters: one
// rpc client for queries and one lazily dialed WebSocket client carrying
// every account subscription.
type Conn struct {
	rpc        RPC
	wsURL      string
	commitment rpc.CommitmentType
	dial       time.Duration
	finalized  int
	logger     *slog.Logger

	mu     sync.Mutex
	ws     *ws.Client
	closed bool
}

func NewConn(cfg Config, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Conn{
		rpc:        rpc.New(cfg.RPCEndpoint),
		wsURL:      cfg.WSEndpoint,
		commitment: rpc.CommitmentType(cfg.Commitment),
		dial:       cfg.DialTimeout,
		finalized:  cfg.FinalizedDepth,
		logger:     logger.With("component", "solana-conn"),
	}
}

func (c *Conn) reader() chainReader {
	return rpcReader{client: c.rpc, commitment: c.commitment, finalizedDepth: c.finalized}
}

// SubscribeAccount opens an accountSubscribe on the shared socket.
func (c *Conn) SubscribeAccount(ctx context.Context, account solana.PublicKey) (accountStream, error) {
	client, err := c.wsClient(ctx)
	if err != nil {
		return nil, err
	}

	sub, err := client.AccountSubscribeWithOpts(account, c.commitment, solana.EncodingBase64)
	if err != nil {
		c.discard(client)
		if adapter.IsTimeout(err) {
			return nil, fmt.Errorf("%w: accountSubscribe %s: %v", adapter.ErrConnectionTimeout, account, err)
		}
		return nil, fmt.Errorf("%w: accountSubscribe %s: %v", adapter.ErrTransientRPC, account, err)
	}
	return &wsStream{conn: c, client: client, sub: sub}, nil
}

func (c *Conn) wsClient(ctx context.Context) (*ws.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrConnClosed
	}
	if c.ws != nil {
		return c.ws, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.dial)
	defer cancel()

	client, err := ws.Connect(dialCtx, c.wsURL)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if adapter.IsTimeout(err) || errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: dial %s: %v", adapter.ErrConnectionTimeout, c.wsURL, err)
		}
		return nil, fmt.Errorf("dial %s: %w", c.wsURL, err)
	}

	c.logger.Info("connected to solana websocket", "endpoint", c.wsURL)
	c.ws = client
	return client, nil
}

// discard drops a broken socket so the next subscription redials.
func (c *Conn) discard(client *ws.Client) {
	c.mu.Lock()
	if c.ws != client {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.mu.Unlock()

	c.logger.Warn("solana websocket dropped")
	go client.Close()
}

// Close shuts the WebSocket client. Safe to call from both adapters.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	return nil
}

type wsStream struct {
	conn   *Conn
	client *ws.Client
	sub    *ws.AccountSubscription
	once   sync.Once
}

func (s *wsStream) Recv(ctx context.Context) (accountUpdate, error) {
	res, err := s.sub.Recv(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.conn.discard(s.client)
		}
		return accountUpdate{}, err
	}
	if res == nil {
		return accountUpdate{}, fmt.Errorf("%w: empty account notification", adapter.ErrMalformedEvent)
	}

	upd := accountUpdate{Slot: res.Context.Slot, Lamports: res.Value.Lamports}
	if res.Value.Data != nil {
		upd.Data = res.Value.Data.GetBinary()
	}
	return upd, nil
}

func (s *wsStream) Unsubscribe() {
	s.once.Do(func() { s.sub.Unsubscribe() })
}

type rpcReader struct {
	client         RPC
	commitment     rpc.CommitmentType
	finalizedDepth int
}

func (r rpcReader) Balance(ctx context.Context, account solana.PublicKey, spl bool) (balance, error) {
	if !spl {
		res, err := r.client.GetBalance(ctx, account, r.commitment)
		if err != nil {
			return balance{}, classify("getBalance", err)
		}
		return balance{Raw: res.Value, Decimals: nativeDecimals, Slot: res.Context.Slot, Known: true}, nil
	}

	res, err := r.client.GetTokenAccountBalance(ctx, account, r.commitment)
	if err != nil {
		if missingAccount(err) {
			return balance{}, nil
		}
		return balance{}, classify("getTokenAccountBalance", err)
	}
	if res.Value == nil {
		return balance{}, nil
	}
	raw, err := decimal.NewFromString(res.Value.Amount)
	if err != nil {
		return balance{}, fmt.Errorf("%w: token amount %q", adapter.ErrMalformedEvent, res.Value.Amount)
	}
	return balance{
		Raw:      uint64(raw.IntPart()),
		Decimals: res.Value.Decimals,
		Slot:     res.Context.Slot,
		Known:    true,
	}, nil
}

func (r rpcReader) RecentSignatures(ctx context.Context, account solana.PublicKey, limit int) ([]sigInfo, error) {
	sigs, err := r.client.GetSignaturesForAddressWithOpts(ctx, account, &rpc.GetSignaturesForAddressOpts{
		Limit:      &limit,
		Commitment: r.commitment,
	})
	if err != nil {
		return nil, classify("getSignaturesForAddress", err)
	}

	out := make([]sigInfo, 0, len(sigs))
	for _, s := range sigs {
		if s == nil {
			continue
		}
		info := sigInfo{Signature: s.Signature.String(), Slot: s.Slot, Failed: s.Err != nil}
		if s.BlockTime != nil {
			info.BlockTime = s.BlockTime.Time()
		}
		out = append(out, info)
	}
	return out, nil
}

func (r rpcReader) Transaction(ctx context.Context, signature string) (txBalances, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return txBalances{}, fmt.Errorf("%w: bad signature %q", adapter.ErrTransferNotFound, signature)
	}

	maxVersion := uint64(0)
	res, err := r.client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     r.commitment,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return txBalances{}, fmt.Errorf("%w: %s", adapter.ErrTransferNotFound, signature)
		}
		return txBalances{}, classify("getTransaction", err)
	}
	if res == nil || res.Meta == nil || res.Transaction == nil {
		return txBalances{}, fmt.Errorf("%w: %s", adapter.ErrTransferNotFound, signature)
	}

	tx, err := res.Transaction.GetTransaction()
	if err != nil {
		return txBalances{}, fmt.Errorf("%w: decode %s: %v", adapter.ErrMalformedEvent, signature, err)
	}

	out := txBalances{
		Signature: signature,
		Slot:      res.Slot,
		Failed:    res.Meta.Err != nil,
		Pre:       res.Meta.PreBalances,
		Post:      res.Meta.PostBalances,
	}
	if res.BlockTime != nil {
		out.BlockTime = res.BlockTime.Time()
	}

	keys := make([]string, 0, len(tx.Message.AccountKeys)+len(res.Meta.LoadedAddresses.Writable)+len(res.Meta.LoadedAddresses.ReadOnly))
	for _, k := range tx.Message.AccountKeys {
		keys = append(keys, k.String())
	}
	for _, k := range res.Meta.LoadedAddresses.Writable {
		keys = append(keys, k.String())
	}
	for _, k := range res.Meta.LoadedAddresses.ReadOnly {
		keys = append(keys, k.String())
	}
	out.Keys = keys

	out.PreToken = convertTokenBalances(res.Meta.PreTokenBalances)
	out.PostToken = convertTokenBalances(res.Meta.PostTokenBalances)
	return out, nil
}

func convertTokenBalances(in []rpc.TokenBalance) []tokenBalance {
	out := make([]tokenBalance, 0, len(in))
	for _, b := range in {
		tb := tokenBalance{Index: int(b.AccountIndex), Mint: b.Mint.String(), Amount: decimal.Zero}
		if b.Owner != nil {
			tb.Owner = b.Owner.String()
		}
		if b.UiTokenAmount != nil {
			tb.Decimals = b.UiTokenAmount.Decimals
			tb.HasDecimals = true
			if amt, err := decimal.NewFromString(b.UiTokenAmount.Amount); err == nil {
				tb.Amount = amt
			}
		}
		out = append(out, tb)
	}
	return out
}

// Confirmations maps a signature status to a depth. Finalized, or a nil
// confirmation count which rpc nodes use for rooted slots, counts as the
// configured finalized depth.
func (r rpcReader) Confirmations(ctx context.Context, signature string) (int, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return 0, fmt.Errorf("%w: bad signature %q", adapter.ErrTransferNotFound, signature)
	}

	res, err := r.client.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return 0, classify("getSignatureStatuses", err)
	}
	if res == nil || len(res.Value) == 0 || res.Value[0] == nil {
		return 0, nil
	}

	st := res.Value[0]
	if st.Err != nil {
		return 0, nil
	}
	if st.ConfirmationStatus == rpc.ConfirmationStatusFinalized || st.Confirmations == nil {
		return r.finalizedDepth, nil
	}
	return int(*st.Confirmations), nil
}

func (r rpcReader) Health(ctx context.Context) error {
	status, err := r.client.GetHealth(ctx)
	if err != nil {
		return classify("getHealth", err)
	}
	if status != "ok" {
		return fmt.Errorf("%w: node health %q", adapter.ErrTransientRPC, status)
	}
	return nil
}

func classify(method string, err error) error {
	if adapter.IsTimeout(err) {
		return fmt.Errorf("%w: %s: %v", adapter.ErrConnectionTimeout, method, err)
	}
	return fmt.Errorf("%w: %s: %v", adapter.ErrTransientRPC, method, err)
}

// missingAccount matches the error a node returns for a token account that
// has not been created yet.
func missingAccount(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "could not find account") || strings.Contains(msg, "AccountNotFound")
}
