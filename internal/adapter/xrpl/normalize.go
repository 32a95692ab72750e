package xrpl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marko911/paywatch/internal/adapter"
	"github.com/marko911/paywatch/internal/payment"
)

// rippleEpoch is 2000-01-01T00:00:00Z in unix seconds.
const rippleEpoch = 946684800

const nativeCurrency = "XRP"

type txFields struct {
	TransactionType string          `json:"TransactionType"`
	Account         string          `json:"Account"`
	Destination     string          `json:"Destination"`
	DestinationTag  *uint32         `json:"DestinationTag"`
	Amount          json.RawMessage `json:"Amount"`
	DeliverMax      json.RawMessage `json:"DeliverMax"`
	Hash            string          `json:"hash"`
	Date            int64           `json:"date"`
	LedgerIndex     uint64          `json:"ledger_index"`
}

type txMeta struct {
	TransactionResult string          `json:"TransactionResult"`
	DeliveredAmount   json.RawMessage `json:"delivered_amount"`
	DeliveredAmountV1 json.RawMessage `json:"DeliveredAmount"`
}

// envelope covers the transaction stream message, account_tx entries and the
// tx result, in both API v1 and v2 shapes.
type envelope struct {
	Validated    bool            `json:"validated"`
	LedgerIndex  uint64          `json:"ledger_index"`
	EngineResult string          `json:"engine_result"`
	Hash         string          `json:"hash"`
	Date         int64           `json:"date"`
	Transaction  *txFields       `json:"transaction"`
	Tx           *txFields       `json:"tx"`
	TxJSON       *txFields       `json:"tx_json"`
	Meta         json.RawMessage `json:"meta"`
}

// Amount is an XRPL amount: drops of XRP or an issued currency value.
type Amount struct {
	Value    decimal.Decimal
	Currency string
	Issuer   string
}

// Transaction is the normalized view of one XRPL transaction.
type Transaction struct {
	Hash           string
	Type           string
	Account        string
	Destination    string
	DestinationTag *uint32
	Delivered      Amount
	Result         string
	Validated      bool
	LedgerIndex    uint64
	CloseTime      time.Time
}

// ParseAmount decodes a drops string or an issued currency object.
func ParseAmount(raw json.RawMessage) (Amount, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Amount{}, fmt.Errorf("%w: empty amount", adapter.ErrMalformedEvent)
	}

	if raw[0] == '"' {
		var drops string
		if err := json.Unmarshal(raw, &drops); err != nil {
			return Amount{}, fmt.Errorf("%w: amount: %v", adapter.ErrMalformedEvent, err)
		}
		d, err := decimal.NewFromString(drops)
		if err != nil {
			return Amount{}, fmt.Errorf("%w: drops %q: %v", adapter.ErrMalformedEvent, drops, err)
		}
		return Amount{Value: d.Shift(-6), Currency: nativeCurrency}, nil
	}

	var issued struct {
		Currency string `json:"currency"`
		Issuer   string `json:"issuer"`
		Value    string `json:"value"`
	}
	if err := json.Unmarshal(raw, &issued); err != nil {
		return Amount{}, fmt.Errorf("%w: amount: %v", adapter.ErrMalformedEvent, err)
	}
	v, err := decimal.NewFromString(issued.Value)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: issued value %q: %v", adapter.ErrMalformedEvent, issued.Value, err)
	}
	return Amount{Value: v, Currency: issued.Currency, Issuer: issued.Issuer}, nil
}

// ParseTransaction normalizes one transaction message. The delivered amount
// comes from the metadata; the nominal amount is used only when no metadata
// is present at all.
func ParseTransaction(raw []byte) (Transaction, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Transaction{}, fmt.Errorf("%w: %v", adapter.ErrMalformedEvent, err)
	}

	fields := env.TxJSON
	if fields == nil {
		fields = env.Transaction
	}
	if fields == nil {
		fields = env.Tx
	}
	if fields == nil {
		// API v1 tx results carry the fields at the top level.
		var flat txFields
		if err := json.Unmarshal(raw, &flat); err != nil {
			return Transaction{}, fmt.Errorf("%w: %v", adapter.ErrMalformedEvent, err)
		}
		fields = &flat
	}
	if fields.TransactionType == "" {
		return Transaction{}, fmt.Errorf("%w: missing transaction", adapter.ErrMalformedEvent)
	}

	tx := Transaction{
		Hash:           firstNonEmpty(env.Hash, fields.Hash),
		Type:           fields.TransactionType,
		Account:        fields.Account,
		Destination:    fields.Destination,
		DestinationTag: fields.DestinationTag,
		Validated:      env.Validated,
		LedgerIndex:    env.LedgerIndex,
		Result:         env.EngineResult,
	}
	if tx.LedgerIndex == 0 {
		tx.LedgerIndex = fields.LedgerIndex
	}
	date := env.Date
	if date == 0 {
		date = fields.Date
	}
	if date > 0 {
		tx.CloseTime = time.Unix(date+rippleEpoch, 0).UTC()
	}

	meta, hasMeta, err := parseMeta(env.Meta)
	if err != nil {
		return Transaction{}, err
	}
	if meta.TransactionResult != "" {
		tx.Result = meta.TransactionResult
	}

	if tx.Type != "Payment" {
		return tx, nil
	}

	var deliveredRaw json.RawMessage
	switch {
	case hasMeta && usable(meta.DeliveredAmount):
		deliveredRaw = meta.DeliveredAmount
	case hasMeta && usable(meta.DeliveredAmountV1):
		deliveredRaw = meta.DeliveredAmountV1
	case hasMeta:
		// A partial payment can deliver less than Amount, so with metadata
		// present the nominal amount is never a substitute.
		return Transaction{}, fmt.Errorf("%w: payment %s has no usable delivered amount", adapter.ErrMalformedEvent, tx.Hash)
	case len(fields.DeliverMax) > 0:
		deliveredRaw = fields.DeliverMax
	default:
		deliveredRaw = fields.Amount
	}

	tx.Delivered, err = ParseAmount(deliveredRaw)
	if err != nil {
		return Transaction{}, err
	}
	return tx, nil
}

func parseMeta(raw json.RawMessage) (txMeta, bool, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return txMeta{}, false, nil
	}
	var meta txMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return txMeta{}, false, fmt.Errorf("%w: meta: %v", adapter.ErrMalformedEvent, err)
	}
	return meta, true, nil
}

// usable rejects absent amounts and the "unavailable" marker rippled uses
// for transactions older than delivered_amount.
func usable(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return false
	}
	return !bytes.Equal(raw, []byte(`"unavailable"`))
}

// Matches reports whether tx is a successful incoming payment for target.
func (tx Transaction) Matches(target adapter.WatchTarget) bool {
	if tx.Type != "Payment" || tx.Result != "tesSUCCESS" {
		return false
	}
	if tx.Destination != target.Address {
		return false
	}
	if target.MatchIdentifier != nil {
		if tx.DestinationTag == nil || *tx.DestinationTag != *target.MatchIdentifier {
			return false
		}
	}
	if !tx.Delivered.Value.IsPositive() {
		return false
	}

	if payment.IsNativeXRP(target.TokenCode) {
		return target.TokenIssuer == "" && tx.Delivered.Currency == nativeCurrency
	}
	if target.TokenIssuer == "" {
		return false
	}
	return tx.Delivered.Issuer == target.TokenIssuer &&
		strings.EqualFold(tx.Delivered.Currency, target.TokenCode)
}

// Observed converts tx into an observation. A validated transaction is final.
func (tx Transaction) Observed(source payment.Source, now time.Time) payment.ObservedTransfer {
	confs := 0
	if tx.Validated {
		confs = 1
	}
	return payment.ObservedTransfer{
		TransactionHash: tx.Hash,
		FromAddress:     tx.Account,
		ToAddress:       tx.Destination,
		MatchIdentifier: tx.DestinationTag,
		Amount:          tx.Delivered.Value,
		Confirmations:   confs,
		ObservedAt:      now,
		Source:          source,
	}
}

// streamAccounts returns the accounts a transaction stream message concerns.
func streamAccounts(msg []byte) ([]string, error) {
	var env struct {
		Transaction *txFields `json:"transaction"`
		TxJSON      *txFields `json:"tx_json"`
	}
	if err := json.Unmarshal(msg, &env); err != nil {
		return nil, err
	}
	fields := env.TxJSON
	if fields == nil {
		fields = env.Transaction
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: transaction message without body", adapter.ErrMalformedEvent)
	}

	accounts := make([]string, 0, 2)
	if fields.Destination != "" {
		accounts = append(accounts, fields.Destination)
	}
	if fields.Account != "" && fields.Account != fields.Destination {
		accounts = append(accounts, fields.Account)
	}
	return accounts, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
