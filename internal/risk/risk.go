// Package risk computes leverage, health factor, liquidation price, net
// yield, risk score and alert level for a vault.
//
// ComputeSnapshot is pure: every output is derived from a single Inputs
// value, so a snapshot never mixes a position from one cycle with a price
// from another.
package risk

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/loopvault/risk-engine/internal/model"
)

// Config holds the protocol constants.
type Config struct {
	// LiquidationThreshold is the lending protocol's LTV at liquidation.
	LiquidationThreshold float64
	// LeverageCap replaces an infinite leverage when net capital is gone.
	LeverageCap float64
	// HealthFactorSafe is reported when there is no debt.
	HealthFactorSafe float64

	FallbackStakingAPY float64
	FallbackBorrowAPR  float64

	// AssetDecimals scales raw asset and share amounts to whole units.
	AssetDecimals int32
	// EquityDecimals scales L1 equity (USD) to whole dollars.
	EquityDecimals int32
}

// DefaultConfig returns the constants used in production.
func DefaultConfig() Config {
	return Config{
		LiquidationThreshold: 0.8,
		LeverageCap:          100,
		HealthFactorSafe:     999,
		FallbackStakingAPY:   0.08,
		FallbackBorrowAPR:    0.05,
		AssetDecimals:        18,
		EquityDecimals:       6,
	}
}

// Rates are the yield inputs. Nil means unavailable.
type Rates struct {
	StakingAPY *float64
	BorrowAPR  *float64
}

// Inputs is one cycle's captured input triple plus the holders to value.
type Inputs struct {
	Vault           model.VaultPosition
	StakingPrice    model.PriceObservation
	DerivativePrice model.PriceObservation
	// L1 is the most recent equity snapshot, nil when none exists.
	L1    *model.L1EquitySnapshot
	Rates Rates
	Users []model.UserPosition

	BlockNumber uint64
	Timestamp   time.Time
}

// Result is everything a cycle writes back.
type Result struct {
	Snapshot  model.RiskMetricSnapshot
	Valuation model.Valuation
	Users     []model.UserValuation
}

// Engine computes snapshots with fixed constants.
type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	if cfg.LiquidationThreshold <= 0 {
		cfg.LiquidationThreshold = 0.8
	}
	if cfg.LeverageCap <= 0 {
		cfg.LeverageCap = 100
	}
	if cfg.HealthFactorSafe <= 0 {
		cfg.HealthFactorSafe = 999
	}
	return &Engine{cfg: cfg}
}

// Config returns the engine's constants.
func (e *Engine) Config() Config { return e.cfg }

const divPrecision = 18

// ComputeSnapshot derives every metric from in.
func (e *Engine) ComputeSnapshot(in Inputs) Result {
	lt := decimal.NewFromFloat(e.cfg.LiquidationThreshold)

	exposure := e.units(in.Vault.TotalAssets)
	borrowed := e.units(in.Vault.BorrowedAmount)
	net := exposure.Sub(borrowed)

	derivPrice := in.DerivativePrice.Price
	stakingPrice := in.StakingPrice.Price
	if !stakingPrice.IsPositive() {
		stakingPrice = derivPrice
	}

	leverage := e.Leverage(exposure, borrowed)

	collateral := decimal.Zero
	if net.IsPositive() {
		collateral = net.Mul(derivPrice)
	}
	borrowedValue := borrowed.Mul(stakingPrice)

	hf := e.cfg.HealthFactorSafe
	liqPrice := decimal.Zero
	utilization := 0.0
	if borrowed.IsPositive() {
		hf = 0
		if borrowedValue.IsPositive() {
			hf = toFloat(collateral.Mul(lt).DivRound(borrowedValue, divPrecision))
		}
		if net.IsPositive() {
			liqPrice = borrowedValue.DivRound(net, divPrecision).DivRound(lt, divPrecision)
		}
		if capacity := collateral.Mul(lt); capacity.IsPositive() {
			utilization = toFloat(borrowedValue.DivRound(capacity, divPrecision))
		}
	}

	snap := model.RiskMetricSnapshot{
		Vault:             in.Vault.Address,
		BlockNumber:       in.BlockNumber,
		Timestamp:         in.Timestamp,
		LeverageRatio:     leverage,
		HealthFactor:      hf,
		LiquidationPrice:  liqPrice,
		DerivativePrice:   derivPrice,
		StakingPrice:      in.StakingPrice.Price,
		CollateralValue:   collateral,
		BorrowedValue:     borrowedValue,
		BorrowUtilization: utilization,
		RiskScore:         RiskScore(hf, leverage),
		AlertLevel:        AlertLevel(hf, leverage),
		PriceStale:        in.StakingPrice.Stale || in.DerivativePrice.Stale,
		PriceFallback:     in.StakingPrice.Fallback || in.DerivativePrice.Fallback,
	}

	snap.StakingAPY, snap.StakingAPYFallback = orFallback(in.Rates.StakingAPY, e.cfg.FallbackStakingAPY)
	snap.BorrowAPR, snap.BorrowAPRFallback = orFallback(in.Rates.BorrowAPR, e.cfg.FallbackBorrowAPR)
	snap.NetYield = NetYield(snap.StakingAPY, snap.BorrowAPR, leverage)

	nav := collateral
	if in.L1 != nil && in.L1.EquityOK {
		nav = nav.Add(in.L1.Equity.Shift(-e.cfg.EquityDecimals))
	} else {
		snap.L1Missing = true
	}
	snap.NetAssetValue = nav

	return Result{
		Snapshot: snap,
		Valuation: model.Valuation{
			LeverageRatio:   leverage,
			CollateralValue: collateral,
			NetAssetValue:   nav,
			BlockNumber:     in.BlockNumber,
			Timestamp:       in.Timestamp,
		},
		Users: e.valueUsers(in.Vault, in.Users, nav, stakingPrice),
	}
}

// Leverage is exposure / (exposure - borrowed). No debt is 1.0; exhausted
// net capital is the cap.
func (e *Engine) Leverage(exposure, borrowed decimal.Decimal) float64 {
	if !borrowed.IsPositive() {
		return 1.0
	}
	net := exposure.Sub(borrowed)
	if !net.IsPositive() {
		return e.cfg.LeverageCap
	}
	l := toFloat(exposure.DivRound(net, divPrecision))
	if l > e.cfg.LeverageCap {
		return e.cfg.LeverageCap
	}
	return l
}

// NetYield is stakingAPY x L - borrowAPR x (L - 1).
func NetYield(stakingAPY, borrowAPR, leverage float64) float64 {
	return stakingAPY*leverage - borrowAPR*(leverage-1)
}

func (e *Engine) valueUsers(v model.VaultPosition, users []model.UserPosition, nav, stakingPrice decimal.Decimal) []model.UserValuation {
	if len(users) == 0 {
		return nil
	}
	out := make([]model.UserValuation, 0, len(users))
	total := v.TotalShares
	var shareValue decimal.Decimal
	if total.IsPositive() {
		shareValue = nav.DivRound(e.units(total), divPrecision)
	}
	for _, u := range users {
		val := model.UserValuation{User: u.User, ShareValue: shareValue}
		if total.IsPositive() && u.Shares.IsPositive() {
			proportion := u.Shares.DivRound(total, divPrecision)
			val.ProportionOfVault = toFloat(proportion)
			val.CurrentValue = proportion.Mul(nav)
		}
		val.UnrealizedPnL = val.CurrentValue.Sub(e.units(u.DepositedAmount).Mul(stakingPrice))
		out = append(out, val)
	}
	return out
}

func (e *Engine) units(raw decimal.Decimal) decimal.Decimal {
	if e.cfg.AssetDecimals == 0 {
		return raw
	}
	return raw.Shift(-e.cfg.AssetDecimals)
}

func orFallback(v *float64, fallback float64) (float64, bool) {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return fallback, true
	}
	return *v, false
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
