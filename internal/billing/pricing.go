package billing

import (
	"github.com/shopspring/decimal"

	"github.com/llmops/metered-gateway/internal/shared/models"
)

// Pricer computes the monetary cost of a request from its model and total
// token usage. Implementations must be deterministic and side-effect free.
type Pricer func(model string, totalTokens int) decimal.Decimal

// Per-1k-token rates in USD. Unmapped models fall back to the highest rate so
// a pricing gap can never undercharge.
var (
	perThousandRates = map[string]decimal.Decimal{
		"gpt-4o":        decimal.RequireFromString("0.0125"),
		"gpt-4o-mini":   decimal.RequireFromString("0.00075"),
		"gpt-4":         decimal.RequireFromString("0.045"),
		"gpt-4-turbo":   decimal.RequireFromString("0.02"),
		"gpt-3.5-turbo": decimal.RequireFromString("0.0015"),
	}
	fallbackRate = decimal.RequireFromString("0.045")

	thousand = decimal.NewFromInt(1000)
)

// DefaultPricer prices a request from the static rate table, rounded to the
// gateway's fixed currency precision.
func DefaultPricer(model string, totalTokens int) decimal.Decimal {
	rate, ok := perThousandRates[model]
	if !ok {
		rate = fallbackRate
	}
	return rate.
		Mul(decimal.NewFromInt(int64(totalTokens))).
		Div(thousand).
		Round(models.CurrencyPlaces)
}
