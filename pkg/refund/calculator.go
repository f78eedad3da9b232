package refund

import (
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"github.com/veilswap/middleware/pkg/config"
	"github.com/veilswap/middleware/pkg/pricing"
)

// Conservative gas estimates used for the refund amount calculation when
// no live estimate is available.
var calcGasEstimates = map[string]decimal.Decimal{
	"btc": decimal.RequireFromString("0.0001"),
	"eth": decimal.RequireFromString("0.001"),
	"sol": decimal.RequireFromString("0.00001"),
}

var defaultCalcGas = decimal.RequireFromString("0.0001")

// CalcGasEstimate returns the static gas reserve for a ticker.
func CalcGasEstimate(ticker string) decimal.Decimal {
	if g, ok := calcGasEstimates[ticker]; ok {
		return g
	}
	return defaultCalcGas
}

// Amount computes what the user gets back: the deposit minus platform and
// provider fees and a gas reserve. Clamped at zero.
func Amount(deposit, feeTotal, gasEstimate decimal.Decimal) decimal.Decimal {
	amount := deposit.Sub(feeTotal).Sub(gasEstimate)
	if amount.IsNegative() {
		return decimal.Zero
	}
	return amount
}

// BelowDust reports whether a refund amount is too small to send for its
// currency. Non BTC/ETH currencies use the USD threshold.
func BelowDust(cfg *config.RefundConfig, ticker string, amount decimal.Decimal) bool {
	switch ticker {
	case "btc":
		return amount.LessThan(decimal.NewFromFloat(cfg.MinRefundThresholdBTC))
	case "eth":
		return amount.LessThan(decimal.NewFromFloat(cfg.MinRefundThresholdETH))
	default:
		usd := pricing.USDValue(ticker, amount)
		return usd.LessThan(decimal.NewFromFloat(cfg.MinRefundThresholdUSD))
	}
}

// Priority scores a refund for queue ordering. Older and larger refunds
// come first, heavily retried ones drift back.
func Priority(cfg *config.RefundConfig, age time.Duration, amountUSD decimal.Decimal, attempt int) float64 {
	ageHours := age.Hours()
	if ageHours > 10 {
		ageHours = 10
	}

	usd, _ := amountUSD.Div(decimal.NewFromInt(100)).Float64()
	if usd > 10 {
		usd = 10
	}

	retry := float64(10 - attempt)
	if retry < 0 {
		retry = 0
	}

	return cfg.PriorityWeightAge*ageHours +
		cfg.PriorityWeightAmount*usd +
		cfg.PriorityWeightRetry*retry
}

// RetryDelay returns min(base * 2^attempt, max) with +-jitter.
func RetryDelay(cfg *config.RefundConfig, attempt int) time.Duration {
	delay := cfg.BaseRetryDelay << attempt
	if delay > cfg.MaxRetryDelay || delay <= 0 {
		delay = cfg.MaxRetryDelay
	}
	jitter := 1 + (rand.Float64()*2-1)*cfg.JitterFactor
	return time.Duration(float64(delay) * jitter)
}

// GasMultiplier escalates the gas price per retry attempt, capped.
func GasMultiplier(cfg *config.RefundConfig, attempt int) decimal.Decimal {
	m := decimal.NewFromInt(1).Add(
		decimal.NewFromFloat(cfg.GasMultiplierPerRetry).Mul(decimal.NewFromInt(int64(attempt))))
	max := decimal.NewFromFloat(cfg.MaxGasMultiplier)
	if m.GreaterThan(max) {
		return max
	}
	return m
}
