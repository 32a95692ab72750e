package adapter

import (
	"context"
	"slices"
	"time"

	"github.com/marko911/paywatch/internal/payment"
)

// WatchTarget is what a chain is asked to look for.
type WatchTarget struct {
	Address         string
	MatchIdentifier *uint32
	TokenCode       string
	TokenMint       string
	TokenIssuer     string

	// Exclude lists transactions already counted. PollOnce skips them so a
	// later transfer to the same account can be found.
	Exclude []string
}

// Excludes reports whether txHash should be skipped when polling.
func (t WatchTarget) Excludes(txHash string) bool {
	return slices.Contains(t.Exclude, txHash)
}

// TargetFor builds the watch target of a payment.
func TargetFor(p payment.PendingPayment) WatchTarget {
	return WatchTarget{
		Address:         p.Address,
		MatchIdentifier: p.MatchIdentifier,
		TokenCode:       p.TokenCode,
		TokenMint:       p.TokenMint,
		TokenIssuer:     p.TokenIssuer,
		Exclude:         slices.Clone(p.CreditedTransactions),
	}
}

type Adapter interface {
	Chain() payment.Chain

	// Subscribe snapshots the account, then streams matching transfers.
	Subscribe(ctx context.Context, target WatchTarget) (Subscription, error)

	// PollOnce returns the latest matching transfer since the given time that
	// target does not exclude, or nil when there is none yet.
	PollOnce(ctx context.Context, target WatchTarget, since time.Time) (*payment.ObservedTransfer, error)

	LookupTransfer(ctx context.Context, target WatchTarget, txHash string) (*payment.ObservedTransfer, error)

	// EvidenceConfirmations is the depth implied by a client reported hash
	// whose lookup failed.
	EvidenceConfirmations() int

	EffectiveMinConfirmations(configured int) int

	Health(ctx context.Context) error
}

// Subscription is one account feed on a shared chain connection.
type Subscription interface {
	Transfers() <-chan payment.ObservedTransfer

	// Done is closed when the feed dies. Err tells why.
	Done() <-chan struct{}

	Err() error

	// Unsubscribe releases this account only. Safe to call more than once.
	Unsubscribe()
}
