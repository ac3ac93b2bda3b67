package risk

import (
	"testing"
	"time"

	"github.com/loopvault/risk-engine/internal/model"
)

func TestRiskScore(t *testing.T) {
	tests := []struct {
		hf, lev float64
		want    int
	}{
		{999, 1.0, 100},
		{2.0, 2.0, 100},
		{1.99, 2.01, 90},
		{1.49, 2.6, 70},
		{1.29, 3.01, 45},
		{1.09, 3.6, 10},
		{0.43, 2.857, 35},
		{0, 100, 10},
	}
	for _, tt := range tests {
		if got := RiskScore(tt.hf, tt.lev); got != tt.want {
			t.Errorf("RiskScore(%v, %v) = %d, want %d", tt.hf, tt.lev, got, tt.want)
		}
	}
}

func TestAlertLevel(t *testing.T) {
	tests := []struct {
		hf, lev float64
		want    model.AlertLevel
	}{
		{999, 1.0, model.LevelLow},
		{1.8, 2.0, model.LevelLow},
		{1.79, 1.0, model.LevelMedium},
		{5, 2.01, model.LevelMedium},
		{1.29, 1.0, model.LevelHigh},
		{5, 2.51, model.LevelHigh},
		{1.09, 1.0, model.LevelCritical},
		{5, 3.51, model.LevelCritical},
	}
	for _, tt := range tests {
		if got := AlertLevel(tt.hf, tt.lev); got != tt.want {
			t.Errorf("AlertLevel(%v, %v) = %s, want %s", tt.hf, tt.lev, got, tt.want)
		}
	}
}

func TestScoreAndLevelCanDisagree(t *testing.T) {
	// Leverage 3.6 alone is critical but only costs 40 points.
	if AlertLevel(5, 3.6) != model.LevelCritical || RiskScore(5, 3.6) != 60 {
		t.Error("level and score are independent classifiers")
	}
}

func TestEstimateAPY(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	day := 24 * time.Hour
	snap := func(equity float64, at time.Time) model.L1EquitySnapshot {
		return model.L1EquitySnapshot{Equity: d(equity), EquityOK: true, Timestamp: at}
	}

	tests := []struct {
		name    string
		newest  model.L1EquitySnapshot
		base    model.L1EquitySnapshot
		netFlow float64
		want    float64
		ok      bool
	}{
		{"one day", snap(1000.1, t0.Add(day)), snap(1000, t0), 0, 0.0365, true},
		{"two days", snap(1001, t0.Add(2*day)), snap(1000, t0), 0, 0.1825, true},
		{"deposit is not yield", snap(1500.1, t0.Add(day)), snap(1000, t0), 500, 0.0365, true},
		{"withdrawal is not a loss", snap(500.1, t0.Add(day)), snap(1000, t0), -500, 0.0365, true},
		{"short window", snap(1_000_100, t0.Add(100*time.Second)), snap(1_000_000, t0), 0, 0, false},
		{"short drop", snap(999_900, t0.Add(100*time.Second)), snap(1_000_000, t0), 0, 0, false},
		{"above band", snap(1010, t0.Add(day)), snap(1000, t0), 0, 0, false},
		{"below band", snap(990, t0.Add(day)), snap(1000, t0), 0, 0, false},
		{"zero base", snap(10, t0.Add(day)), snap(0, t0), 0, 0, false},
		{"failed read", model.L1EquitySnapshot{Timestamp: t0.Add(day)}, snap(1000, t0), 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apy, ok := EstimateAPY(tt.newest, tt.base, d(tt.netFlow))
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v (apy %v)", ok, tt.ok, apy)
			}
			if ok && !approx(apy, tt.want) {
				t.Errorf("apy = %f, want %f", apy, tt.want)
			}
		})
	}
}

func TestNetHLPFlow(t *testing.T) {
	flows := []model.HLPFlow{
		{Type: model.HLPVaultDeposit, Amount: d(500)},
		{Type: model.HLPVaultWithdraw, Amount: d(120)},
		{Type: model.HLPPerpTransfer, Amount: d(999)},
		{Type: model.HLPVaultDeposit, Amount: d(20)},
	}
	if got := NetHLPFlow(flows); !got.Equal(d(400)) {
		t.Errorf("net flow = %s, want 400", got)
	}
	if got := NetHLPFlow(nil); !got.IsZero() {
		t.Errorf("empty net flow = %s", got)
	}
}
