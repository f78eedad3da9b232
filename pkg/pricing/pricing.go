// Package pricing applies the platform commission to provider quotes and
// ranks them by what the user actually receives.
package pricing

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Commission tiers by trade size in USD.
var (
	tierSmall  = decimal.RequireFromString("0.012") // < $200
	tierMedium = decimal.RequireFromString("0.007") // < $2000
	tierLarge  = decimal.RequireFromString("0.004")

	tierSmallLimit  = decimal.NewFromInt(200)
	tierMediumLimit = decimal.NewFromInt(2000)
)

// volatilityPremium is added when the provider spread exceeds the
// threshold, pricing in the execution risk of a moving market.
var (
	volatilityPremium = decimal.RequireFromString("0.005")
	spreadThreshold   = decimal.RequireFromString("0.02")
)

// gasFloorMultiplier guarantees the platform fee covers the payout gas
// with headroom.
var gasFloorMultiplier = decimal.RequireFromString("1.5")

// Rough USD prices used only for tier selection. Precision does not matter
// here, the tiers are wide.
var usdPrices = map[string]decimal.Decimal{
	"btc":  decimal.NewFromInt(60000),
	"eth":  decimal.NewFromInt(3000),
	"xmr":  decimal.NewFromInt(150),
	"usdt": decimal.NewFromInt(1),
	"usdc": decimal.NewFromInt(1),
	"dai":  decimal.NewFromInt(1),
}

// Quote is one provider's offer for a pair and amount.
type Quote struct {
	Provider   string          `json:"provider"`
	AmountFrom decimal.Decimal `json:"amount_from"`
	AmountTo   decimal.Decimal `json:"amount_to"`
	ETAMinutes float64         `json:"eta_minutes"`
	KYCRating  string          `json:"kyc_rating"`

	// Filled in by Apply.
	PlatformFee   decimal.Decimal `json:"platform_fee"`
	UserReceive   decimal.Decimal `json:"user_receive"`
	EffectiveRate decimal.Decimal `json:"effective_rate"`
}

// USDValue estimates the USD value of an amount of a currency.
func USDValue(ticker string, amount decimal.Decimal) decimal.Decimal {
	price, ok := usdPrices[ticker]
	if !ok {
		price = decimal.NewFromInt(1)
	}
	return amount.Mul(price)
}

// CommissionRate returns the tier rate for a trade of the given USD size.
func CommissionRate(amountUSD decimal.Decimal) decimal.Decimal {
	switch {
	case amountUSD.LessThan(tierSmallLimit):
		return tierSmall
	case amountUSD.LessThan(tierMediumLimit):
		return tierMedium
	default:
		return tierLarge
	}
}

// Spread returns (max-min)/max of the quoted amount_to values, zero for
// fewer than two quotes.
func Spread(quotes []Quote) decimal.Decimal {
	if len(quotes) < 2 {
		return decimal.Zero
	}
	min, max := quotes[0].AmountTo, quotes[0].AmountTo
	for _, q := range quotes[1:] {
		if q.AmountTo.LessThan(min) {
			min = q.AmountTo
		}
		if q.AmountTo.GreaterThan(max) {
			max = q.AmountTo
		}
	}
	if max.IsZero() {
		return decimal.Zero
	}
	return max.Sub(min).Div(max)
}

// GasFloor is the minimum platform fee given the payout gas cost in the
// destination currency.
func GasFloor(gasCost decimal.Decimal) decimal.Decimal {
	return gasCost.Mul(gasFloorMultiplier)
}

// Apply computes the platform fee for every quote and returns them sorted
// by user_receive descending. gasCost is the estimated payout gas in the
// destination currency.
func Apply(quotes []Quote, fromTicker string, gasCost decimal.Decimal) []Quote {
	if len(quotes) == 0 {
		return quotes
	}

	rate := CommissionRate(USDValue(fromTicker, quotes[0].AmountFrom))
	if Spread(quotes).GreaterThan(spreadThreshold) {
		rate = rate.Add(volatilityPremium)
	}
	floor := GasFloor(gasCost)

	out := make([]Quote, len(quotes))
	copy(out, quotes)
	for i := range out {
		fee := out[i].AmountTo.Mul(rate)
		if fee.LessThan(floor) {
			fee = floor
		}
		receive := out[i].AmountTo.Sub(fee)
		if receive.IsNegative() {
			receive = decimal.Zero
		}
		out[i].PlatformFee = fee
		out[i].UserReceive = receive
		if !out[i].AmountFrom.IsZero() {
			out[i].EffectiveRate = receive.Div(out[i].AmountFrom)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UserReceive.GreaterThan(out[j].UserReceive)
	})
	return out
}

// EstimateSlippage returns the expected slippage fraction for a trade:
// a base term, a size term and half the current provider spread.
func EstimateSlippage(amountUSD, spread decimal.Decimal) decimal.Decimal {
	base := decimal.RequireFromString("0.001")

	var size decimal.Decimal
	switch {
	case amountUSD.LessThan(decimal.NewFromInt(100)):
		size = decimal.RequireFromString("0.0005")
	case amountUSD.LessThan(decimal.NewFromInt(1000)):
		size = decimal.RequireFromString("0.001")
	case amountUSD.LessThan(decimal.NewFromInt(10000)):
		size = decimal.RequireFromString("0.002")
	default:
		size = decimal.RequireFromString("0.005")
	}

	return base.Add(size).Add(spread.Mul(decimal.RequireFromString("0.5")))
}
