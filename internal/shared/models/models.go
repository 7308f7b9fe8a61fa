package models

import (
	"encoding/json"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/shopspring/decimal"
)

// CurrencyPlaces is the fixed precision for all monetary amounts.
const CurrencyPlaces = 3

// Account is a billable account as stored in the identity store. The gateway
// only ever reads accounts; balance changes go through ledger transactions.
type Account struct {
	ID         string
	APIKeyHash string
	Balance    decimal.Decimal
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// WalletSnapshot is a cached view of an account's balance. A snapshot older
// than the wallet cache TTL is treated as absent and refetched.
type WalletSnapshot struct {
	AccountID string          `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// CacheEntry is a stored upstream response keyed by request fingerprint.
// Entries are immutable; they expire or get overwritten by an identical
// fingerprint write.
type CacheEntry struct {
	Fingerprint string          `json:"fingerprint"`
	Response    json.RawMessage `json:"response"`
	Usage       openai.Usage    `json:"usage"`
	StoredAt    time.Time       `json:"stored_at"`
}

// LedgerTransaction is an append-only balance change record. Delta is
// negative for spend. The gateway creates at most one per billed request and
// never updates or deletes them.
type LedgerTransaction struct {
	ID          string
	AccountID   string
	Delta       decimal.Decimal
	Description string
	CreatedAt   time.Time
}
