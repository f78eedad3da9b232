package listener

import (
	"math"
	"time"

	"github.com/veilswap/middleware/pkg/config"
)

// Deposit arrival times are modeled LogNormal over seconds since swap
// creation. The parameters put the median arrival around 10 minutes with a
// long right tail, which matches observed funding behavior.
const (
	logNormalMu    = 6.4
	logNormalSigma = 0.5
)

// Poll interval clamp.
const (
	minPollInterval = 5 * time.Second
	maxPollInterval = 3600 * time.Second
)

// Strategy computes the optimal deposit poll interval for a swap given its
// age. The interval balances the cost of a poll against the cost of
// detection delay: tau = sqrt(2*Cp / (Cd * lambda(t))) where lambda is the
// hazard rate of the arrival model.
type Strategy struct {
	costPerPoll     float64
	costPerDelaySec float64

	fresh time.Duration
	stale time.Duration
}

func NewStrategy(cfg *config.ListenerConfig) *Strategy {
	return &Strategy{
		costPerPoll:     cfg.CostPerPoll,
		costPerDelaySec: cfg.CostPerDelaySec,
		fresh:           cfg.FreshInterval,
		stale:           cfg.StaleInterval,
	}
}

// logNormalPDF is the density of the arrival model at t seconds.
func logNormalPDF(t float64) float64 {
	if t <= 0 {
		return 0
	}
	z := (math.Log(t) - logNormalMu) / logNormalSigma
	return math.Exp(-z*z/2) / (t * logNormalSigma * math.Sqrt(2*math.Pi))
}

// logNormalCDF is the probability the deposit has arrived by t seconds.
func logNormalCDF(t float64) float64 {
	if t <= 0 {
		return 0
	}
	z := (math.Log(t) - logNormalMu) / (logNormalSigma * math.Sqrt2)
	return 0.5 * (1 + math.Erf(z))
}

// hazard is the instantaneous arrival rate at t seconds given no arrival
// yet: f(t) / (1 - F(t)).
func hazard(t float64) float64 {
	survival := 1 - logNormalCDF(t)
	if survival <= 1e-12 {
		return 0
	}
	return logNormalPDF(t) / survival
}

// PollInterval returns the next poll interval for a swap of the given age,
// clamped to [5s, 1h]. Degenerate hazard values fall back to the coarse
// fixed schedule.
func (s *Strategy) PollInterval(age time.Duration) time.Duration {
	lambda := hazard(age.Seconds())
	if lambda <= 0 || math.IsNaN(lambda) || math.IsInf(lambda, 0) {
		return s.CoarseInterval(age)
	}

	tau := math.Sqrt(2 * s.costPerPoll / (s.costPerDelaySec * lambda))
	interval := time.Duration(tau * float64(time.Second))
	if interval < minPollInterval {
		return minPollInterval
	}
	if interval > maxPollInterval {
		return maxPollInterval
	}
	return interval
}

// CoarseInterval is the fixed fallback schedule: fresh swaps poll faster.
func (s *Strategy) CoarseInterval(age time.Duration) time.Duration {
	if age < 30*time.Minute {
		return s.fresh
	}
	return s.stale
}
