// Package billing turns token usage into money and applies it to wallets.
package billing

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/llmops/metered-gateway/internal/gateway/wallet"
	"github.com/llmops/metered-gateway/internal/shared/gwerr"
	"github.com/llmops/metered-gateway/internal/shared/models"
)

// LedgerStore durably applies a balance delta with a description and returns
// the authoritative post-debit balance.
type LedgerStore interface {
	Debit(ctx context.Context, accountID string, amount decimal.Decimal, description string) (decimal.Decimal, error)
}

// Settlement is the outcome of billing one request.
type Settlement struct {
	Cost       decimal.Decimal
	NewBalance decimal.Decimal
}

type Meter struct {
	ledger  LedgerStore
	wallets *wallet.Cache
	price   Pricer
	logger  *zap.Logger
}

// NewMeter creates a cost meter that debits through ledger and refreshes the
// wallet snapshot cache after each successful debit.
func NewMeter(ledger LedgerStore, wallets *wallet.Cache, price Pricer, logger *zap.Logger) *Meter {
	return &Meter{ledger: ledger, wallets: wallets, price: price, logger: logger}
}

// Settle computes the cost of usage, checks sufficiency against the snapshot,
// debits the ledger, and writes the decremented balance back into the wallet
// cache. Returns gwerr.ErrInsufficientFunds without debiting when the wallet
// cannot cover the cost.
//
// The snapshot check is advisory: the ledger's own balance guard is what
// actually prevents an overdraft when concurrent settlements race.
func (m *Meter) Settle(ctx context.Context, rawKey string, snap *models.WalletSnapshot, model string, usage openai.Usage) (*Settlement, error) {
	cost := m.price(model, usage.TotalTokens)

	if snap.Balance.LessThan(cost) {
		return nil, gwerr.ErrInsufficientFunds
	}

	description := fmt.Sprintf("chat completion %s (%d tokens)", model, usage.TotalTokens)
	newBalance, err := m.ledger.Debit(ctx, snap.AccountID, cost, description)
	if err != nil {
		return nil, err
	}

	m.wallets.UpdateBalance(ctx, rawKey, snap.AccountID, newBalance)

	m.logger.Info("request settled",
		zap.String("account_id", snap.AccountID),
		zap.String("model", model),
		zap.Int("total_tokens", usage.TotalTokens),
		zap.String("cost", cost.StringFixed(models.CurrencyPlaces)),
		zap.String("balance", newBalance.StringFixed(models.CurrencyPlaces)),
	)

	return &Settlement{Cost: cost, NewBalance: newBalance}, nil
}
