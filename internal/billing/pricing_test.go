package billing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestDefaultPricerIsDeterministic(t *testing.T) {
	a := DefaultPricer("gpt-4o", 1234)
	b := DefaultPricer("gpt-4o", 1234)
	require.True(t, a.Equal(b))
}

func TestDefaultPricerRoundsToCurrencyPrecision(t *testing.T) {
	cost := DefaultPricer("gpt-4o", 100)
	// 100 tokens * 0.0125 / 1000 = 0.00125 -> 0.001 at 3 places.
	require.True(t, cost.Equal(decimal.RequireFromString("0.001")), "got %s", cost)
	require.LessOrEqual(t, int(cost.Exponent()*-1), 3)
}

func TestDefaultPricerScalesWithTokens(t *testing.T) {
	small := DefaultPricer("gpt-4", 100)
	large := DefaultPricer("gpt-4", 10000)
	require.True(t, large.GreaterThan(small))
}

func TestUnknownModelUsesFallbackRate(t *testing.T) {
	cost := DefaultPricer("some-future-model", 1000)
	require.True(t, cost.Equal(decimal.RequireFromString("0.045")), "got %s", cost)
}

func TestZeroTokensCostNothing(t *testing.T) {
	require.True(t, DefaultPricer("gpt-4o", 0).IsZero())
}
