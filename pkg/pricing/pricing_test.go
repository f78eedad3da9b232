package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestUSDValue(t *testing.T) {
	assert.True(t, USDValue("btc", d("0.5")).Equal(d("30000")))
	assert.True(t, USDValue("eth", d("2")).Equal(d("6000")))
	assert.True(t, USDValue("usdt", d("150")).Equal(d("150")))
	// Unknown tickers fall back to $1.
	assert.True(t, USDValue("xyz", d("42")).Equal(d("42")))
}

func TestCommissionRate(t *testing.T) {
	assert.True(t, CommissionRate(d("50")).Equal(d("0.012")))
	assert.True(t, CommissionRate(d("199.99")).Equal(d("0.012")))
	assert.True(t, CommissionRate(d("200")).Equal(d("0.007")))
	assert.True(t, CommissionRate(d("1999")).Equal(d("0.007")))
	assert.True(t, CommissionRate(d("2000")).Equal(d("0.004")))
	assert.True(t, CommissionRate(d("1000000")).Equal(d("0.004")))
}

func TestSpread(t *testing.T) {
	quotes := []Quote{
		{AmountTo: d("100")},
		{AmountTo: d("95")},
		{AmountTo: d("98")},
	}
	assert.True(t, Spread(quotes).Equal(d("0.05")))
	assert.True(t, Spread(quotes[:1]).IsZero())
	assert.True(t, Spread(nil).IsZero())
}

func TestApply_SortsByUserReceive(t *testing.T) {
	quotes := []Quote{
		{Provider: "a", AmountFrom: d("1"), AmountTo: d("98")},
		{Provider: "b", AmountFrom: d("1"), AmountTo: d("100")},
		{Provider: "c", AmountFrom: d("1"), AmountTo: d("99")},
	}
	out := Apply(quotes, "usdt", decimal.Zero)
	assert.Equal(t, "b", out[0].Provider)
	assert.Equal(t, "c", out[1].Provider)
	assert.Equal(t, "a", out[2].Provider)
	// Input order untouched.
	assert.Equal(t, "a", quotes[0].Provider)
}

func TestApply_TierRate(t *testing.T) {
	// $100 trade lands in the small tier: 1.2%, no volatility premium
	// with a single quote.
	quotes := []Quote{{Provider: "a", AmountFrom: d("100"), AmountTo: d("0.0016")}}
	out := Apply(quotes, "usdt", decimal.Zero)
	assert.True(t, out[0].PlatformFee.Equal(d("0.0016").Mul(d("0.012"))), "got %s", out[0].PlatformFee)
}

func TestApply_VolatilityPremium(t *testing.T) {
	// 5% spread exceeds the 2% threshold, adding 0.5% to the tier rate.
	quotes := []Quote{
		{Provider: "a", AmountFrom: d("100"), AmountTo: d("100")},
		{Provider: "b", AmountFrom: d("100"), AmountTo: d("95")},
	}
	out := Apply(quotes, "usdt", decimal.Zero)
	wantRate := d("0.012").Add(d("0.005"))
	assert.True(t, out[0].PlatformFee.Equal(d("100").Mul(wantRate)), "got %s", out[0].PlatformFee)
}

func TestApply_GasFloor(t *testing.T) {
	// Fee percentage would be tiny, the gas floor takes over.
	quotes := []Quote{{Provider: "a", AmountFrom: d("10"), AmountTo: d("10")}}
	out := Apply(quotes, "usdt", d("1"))
	assert.True(t, out[0].PlatformFee.Equal(d("1.5")), "got %s", out[0].PlatformFee)
	assert.True(t, out[0].UserReceive.Equal(d("8.5")))
}

func TestApply_NeverNegativeReceive(t *testing.T) {
	quotes := []Quote{{Provider: "a", AmountFrom: d("1"), AmountTo: d("0.5")}}
	out := Apply(quotes, "usdt", d("10"))
	assert.True(t, out[0].UserReceive.IsZero())
}

func TestEstimateSlippage(t *testing.T) {
	assert.True(t, EstimateSlippage(d("50"), decimal.Zero).Equal(d("0.0015")))
	assert.True(t, EstimateSlippage(d("500"), decimal.Zero).Equal(d("0.002")))
	assert.True(t, EstimateSlippage(d("5000"), decimal.Zero).Equal(d("0.003")))
	assert.True(t, EstimateSlippage(d("50000"), decimal.Zero).Equal(d("0.006")))
	// Half the spread is added on top.
	assert.True(t, EstimateSlippage(d("50"), d("0.04")).Equal(d("0.0215")))
}
