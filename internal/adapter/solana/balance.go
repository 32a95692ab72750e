package solana

import (
	"encoding/binary"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

const nativeDecimals = 9

// splAmountOffset is where the u64 amount sits in an SPL token account:
// mint (32 bytes) then owner (32 bytes) then amount.
const splAmountOffset = 64

type balance struct {
	Raw      uint64
	Decimals uint8
	Slot     uint64
	// Known is false when the account does not exist yet.
	Known bool
}

type accountUpdate struct {
	Slot     uint64
	Lamports uint64
	Data     []byte
}

type sigInfo struct {
	Signature string
	Slot      uint64
	BlockTime time.Time
	Failed    bool
}

type tokenBalance struct {
	Index int
	Mint  string
	Owner string
	// Amount is in base units.
	Amount      decimal.Decimal
	Decimals    uint8
	HasDecimals bool
}

// txBalances is the part of a fetched transaction the adapter looks at.
type txBalances struct {
	Signature string
	Slot      uint64
	BlockTime time.Time
	Failed    bool

	// Keys holds static account keys followed by loaded writable and
	// loaded readonly addresses, matching balance indexes.
	Keys []string

	Pre       []uint64
	Post      []uint64
	PreToken  []tokenBalance
	PostToken []tokenBalance
}

type transfer struct {
	Amount decimal.Decimal
	From   string
}

// tokenAccountAmount reads the raw amount from SPL token account data.
func tokenAccountAmount(data []byte) (uint64, bool) {
	if len(data) < splAmountOffset+8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(data[splAmountOffset : splAmountOffset+8]), true
}

// nativeTransfer returns the lamport credit to account in tx, as SOL. The
// sender is the account whose balance fell the most.
func nativeTransfer(tx txBalances, account string) (transfer, bool) {
	if tx.Failed {
		return transfer{}, false
	}
	idx := indexOf(tx.Keys, account)
	if idx < 0 || idx >= len(tx.Pre) || idx >= len(tx.Post) {
		return transfer{}, false
	}
	if tx.Post[idx] <= tx.Pre[idx] {
		return transfer{}, false
	}
	credit := tx.Post[idx] - tx.Pre[idx]

	var from string
	var largest uint64
	for i := range tx.Keys {
		if i == idx || i >= len(tx.Pre) || i >= len(tx.Post) {
			continue
		}
		if tx.Pre[i] > tx.Post[i] && tx.Pre[i]-tx.Post[i] > largest {
			largest = tx.Pre[i] - tx.Post[i]
			from = tx.Keys[i]
		}
	}

	return transfer{
		Amount: decimal.NewFromBigInt(new(big.Int).SetUint64(credit), -nativeDecimals),
		From:   from,
	}, true
}

// tokenTransfer returns the credit of mint to tokenAccount in tx. A token
// account created by the transaction has no pre balance and counts from zero.
// fallbackDecimals applies when the node did not report the mint's decimals.
func tokenTransfer(tx txBalances, tokenAccount, mint string, fallbackDecimals uint8) (transfer, bool) {
	if tx.Failed {
		return transfer{}, false
	}
	idx := indexOf(tx.Keys, tokenAccount)
	if idx < 0 {
		return transfer{}, false
	}

	post, ok := findToken(tx.PostToken, idx, mint)
	if !ok {
		return transfer{}, false
	}
	pre, _ := findToken(tx.PreToken, idx, mint)

	credit := post.Amount.Sub(pre.Amount)
	if !credit.IsPositive() {
		return transfer{}, false
	}

	var from string
	largest := decimal.Zero
	for _, p := range tx.PreToken {
		if p.Mint != mint || p.Index == idx {
			continue
		}
		after, _ := findToken(tx.PostToken, p.Index, mint)
		debit := p.Amount.Sub(after.Amount)
		if debit.GreaterThan(largest) {
			largest = debit
			from = p.Owner
			if from == "" && p.Index < len(tx.Keys) {
				from = tx.Keys[p.Index]
			}
		}
	}

	decimals := post.Decimals
	if !post.HasDecimals {
		decimals = fallbackDecimals
	}
	return transfer{Amount: credit.Shift(-int32(decimals)), From: from}, true
}

func findToken(balances []tokenBalance, idx int, mint string) (tokenBalance, bool) {
	for _, b := range balances {
		if b.Index == idx && b.Mint == mint {
			return b, true
		}
	}
	return tokenBalance{Amount: decimal.Zero}, false
}

func indexOf(keys []string, key string) int {
	for i, k := range keys {
		if k == key {
			return i
		}
	}
	return -1
}
