package risk

import (
	"testing"
	"time"

	"github.com/loopvault/risk-engine/internal/model"
)

func TestSummarizeYield(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	// Newest first, as ListRiskSnapshots returns them.
	snaps := []model.RiskMetricSnapshot{
		{Timestamp: t0.Add(2 * time.Hour), BlockNumber: 300, NetYield: 0.12, StakingAPY: 0.06},
		{Timestamp: t0.Add(time.Hour), BlockNumber: 200, NetYield: 0.10, StakingAPY: 0.08, StakingAPYFallback: true},
		{Timestamp: t0, BlockNumber: 100, NetYield: 0.08, StakingAPY: 0.04},
	}
	sum := SummarizeYield(snaps)

	if sum.DataPoints != 3 || sum.EstimatedPoints != 1 {
		t.Errorf("points = %d estimated = %d", sum.DataPoints, sum.EstimatedPoints)
	}
	if sum.Points[0].BlockNumber != 100 || sum.Points[2].BlockNumber != 300 {
		t.Errorf("points not ascending: %+v", sum.Points)
	}
	if !approx(sum.CurrentNetYield, 0.12) || !approx(sum.CurrentStakingAPY, 0.06) {
		t.Errorf("current = %v / %v", sum.CurrentNetYield, sum.CurrentStakingAPY)
	}
	if !approx(sum.AverageNetYield, 0.10) {
		t.Errorf("average net yield = %v", sum.AverageNetYield)
	}
	// The fallback point is left out of the staking average.
	if !approx(sum.AverageStakingAPY, 0.05) {
		t.Errorf("average staking apy = %v, want 0.05", sum.AverageStakingAPY)
	}
	// sqrt(((-0.02)^2 + 0 + 0.02^2) / 3)
	if !approx(sum.NetYieldVolatility, 0.016330) {
		t.Errorf("volatility = %v", sum.NetYieldVolatility)
	}
}

func TestSummarizeYield_Empty(t *testing.T) {
	sum := SummarizeYield(nil)
	if sum.DataPoints != 0 || sum.Points == nil || sum.AverageNetYield != 0 {
		t.Errorf("empty summary = %+v", sum)
	}
}
