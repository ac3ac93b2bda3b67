package risk

import (
	"math"
	"sort"
	"time"

	"github.com/loopvault/risk-engine/internal/model"
)

// YieldPoint is one snapshot's yield figures.
type YieldPoint struct {
	Timestamp   time.Time `json:"timestamp"`
	BlockNumber uint64    `json:"block_number"`
	NetYield    float64   `json:"net_yield"`
	StakingAPY  float64   `json:"staking_apy"`
	BorrowAPR   float64   `json:"borrow_apr"`
	Leverage    float64   `json:"leverage_ratio"`
	// Estimated is set when the staking APY was the configured fallback.
	Estimated bool `json:"estimated"`
}

// YieldSummary aggregates the yield of a run of snapshots.
type YieldSummary struct {
	DataPoints         int          `json:"data_points"`
	CurrentNetYield    float64      `json:"current_net_yield"`
	AverageNetYield    float64      `json:"average_net_yield"`
	NetYieldVolatility float64      `json:"net_yield_volatility"`
	CurrentStakingAPY  float64      `json:"current_staking_apy"`
	AverageStakingAPY  float64      `json:"average_staking_apy"`
	EstimatedPoints    int          `json:"estimated_points"`
	Points             []YieldPoint `json:"points"`
}

// SummarizeYield reduces snapshots (in any order) to a summary with points
// in ascending time. Volatility is the population standard deviation of net
// yield. The staking APY average covers measured points only and is zero
// when every point used the fallback.
func SummarizeYield(snaps []model.RiskMetricSnapshot) YieldSummary {
	sum := YieldSummary{Points: make([]YieldPoint, 0, len(snaps))}
	if len(snaps) == 0 {
		return sum
	}
	for _, s := range snaps {
		sum.Points = append(sum.Points, YieldPoint{
			Timestamp:   s.Timestamp,
			BlockNumber: s.BlockNumber,
			NetYield:    s.NetYield,
			StakingAPY:  s.StakingAPY,
			BorrowAPR:   s.BorrowAPR,
			Leverage:    s.LeverageRatio,
			Estimated:   s.StakingAPYFallback,
		})
	}
	sort.Slice(sum.Points, func(i, j int) bool { return sum.Points[i].Timestamp.Before(sum.Points[j].Timestamp) })

	var netTotal, apyTotal float64
	measured := 0
	for _, p := range sum.Points {
		netTotal += p.NetYield
		if p.Estimated {
			sum.EstimatedPoints++
			continue
		}
		apyTotal += p.StakingAPY
		measured++
	}
	n := float64(len(sum.Points))
	sum.DataPoints = len(sum.Points)
	sum.AverageNetYield = netTotal / n
	if measured > 0 {
		sum.AverageStakingAPY = apyTotal / float64(measured)
	}

	var variance float64
	for _, p := range sum.Points {
		dev := p.NetYield - sum.AverageNetYield
		variance += dev * dev
	}
	sum.NetYieldVolatility = math.Sqrt(variance / n)

	last := sum.Points[len(sum.Points)-1]
	sum.CurrentNetYield = last.NetYield
	sum.CurrentStakingAPY = last.StakingAPY
	return sum
}
