package risk

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/loopvault/risk-engine/internal/model"
)

type band struct {
	limit   float64
	penalty int
}

// Health-factor bands apply when HF is below the limit; leverage bands when
// leverage is above it. The first matching band in each table applies.
var (
	healthPenalties = []band{
		{1.1, 50},
		{1.3, 30},
		{1.5, 15},
		{2.0, 5},
	}
	leveragePenalties = []band{
		{3.5, 40},
		{3.0, 25},
		{2.5, 15},
		{2.0, 5},
	}
)

// RiskScore is 100 minus the health and leverage penalties, floored at 0.
// Higher is safer.
func RiskScore(healthFactor, leverage float64) int {
	score := 100
	for _, b := range healthPenalties {
		if healthFactor < b.limit {
			score -= b.penalty
			break
		}
	}
	for _, b := range leveragePenalties {
		if leverage > b.limit {
			score -= b.penalty
			break
		}
	}
	if score < 0 {
		return 0
	}
	return score
}

// AlertLevel classifies a vault independently of its score.
func AlertLevel(healthFactor, leverage float64) model.AlertLevel {
	switch {
	case healthFactor < 1.1 || leverage > 3.5:
		return model.LevelCritical
	case healthFactor < 1.3 || leverage > 2.5:
		return model.LevelHigh
	case healthFactor < 1.8 || leverage > 2.0:
		return model.LevelMedium
	default:
		return model.LevelLow
	}
}

const year = 365 * 24 * time.Hour

const (
	// MinAPYWindow is the shortest span of equity history annualized into a
	// staking APY.
	MinAPYWindow = 24 * time.Hour
	// MaxPlausibleAPY bounds the estimate in both directions. Anything
	// outside it is trading noise, not yield.
	MaxPlausibleAPY = 1.0
)

// EstimateAPY annualizes the vault's L1 equity growth from base to newest,
// after taking out netFlow (deposits minus withdrawals between the two
// reads, in equity units). ok is false when either read failed, the base is
// not positive, the window is shorter than MinAPYWindow, or the result is
// outside ±MaxPlausibleAPY.
func EstimateAPY(newest, base model.L1EquitySnapshot, netFlow decimal.Decimal) (apy float64, ok bool) {
	if !newest.EquityOK || !base.EquityOK || !base.Equity.IsPositive() {
		return 0, false
	}
	elapsed := newest.Timestamp.Sub(base.Timestamp)
	if elapsed < MinAPYWindow {
		return 0, false
	}
	gain := newest.Equity.Sub(base.Equity).Sub(netFlow)
	growth := toFloat(gain.DivRound(base.Equity, divPrecision))
	apy = growth * float64(year) / float64(elapsed)
	if math.Abs(apy) > MaxPlausibleAPY {
		return 0, false
	}
	return apy, true
}

// NetHLPFlow sums vault deposits minus vault withdrawals. Other L1 flow
// types move funds between the vault's own accounts and do not change its
// equity.
func NetHLPFlow(flows []model.HLPFlow) decimal.Decimal {
	net := decimal.Zero
	for _, f := range flows {
		switch f.Type {
		case model.HLPVaultDeposit:
			net = net.Add(f.Amount)
		case model.HLPVaultWithdraw:
			net = net.Sub(f.Amount)
		}
	}
	return net
}
