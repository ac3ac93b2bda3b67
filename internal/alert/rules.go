package alert

import (
	"fmt"

	"github.com/loopvault/risk-engine/internal/model"
)

// Rule watches one snapshot metric. A breach is value < Threshold when
// Below is set, value > Threshold otherwise; Critical is the tighter bound
// in the same direction.
type Rule struct {
	Type      model.AlertType
	Below     bool
	Threshold float64
	Critical  float64
	Metric    func(*model.RiskMetricSnapshot) float64
	Format    func(value, threshold float64) string
}

// Check returns whether the rule is breached, at which severity, and the
// observed value and threshold crossed.
func (r Rule) Check(s *model.RiskMetricSnapshot) (breached bool, sev model.Severity, value, threshold float64) {
	value = r.Metric(s)
	crossed := func(limit float64) bool {
		if r.Below {
			return value < limit
		}
		return value > limit
	}
	switch {
	case crossed(r.Critical):
		return true, model.SeverityCritical, value, r.Critical
	case crossed(r.Threshold):
		return true, model.SeverityWarning, value, r.Threshold
	}
	return false, "", value, r.Threshold
}

// DefaultRules are the liquidation, leverage and yield monitors.
var DefaultRules = []Rule{
	{
		Type:      model.AlertLiquidationRisk,
		Below:     true,
		Threshold: 1.2,
		Critical:  1.1,
		Metric:    func(s *model.RiskMetricSnapshot) float64 { return s.HealthFactor },
		Format: func(v, th float64) string {
			return fmt.Sprintf("Health factor %.4f below safe threshold %.2f", v, th)
		},
	},
	{
		Type:      model.AlertHighLeverage,
		Threshold: 3.0,
		Critical:  3.5,
		Metric:    func(s *model.RiskMetricSnapshot) float64 { return s.LeverageRatio },
		Format: func(v, th float64) string {
			return fmt.Sprintf("Leverage ratio %.2fx exceeds %.2fx", v, th)
		},
	},
	{
		Type:      model.AlertLowYield,
		Below:     true,
		Threshold: 0.02,
		Critical:  0,
		Metric:    func(s *model.RiskMetricSnapshot) float64 { return s.NetYield },
		Format: func(v, th float64) string {
			return fmt.Sprintf("Net yield %.2f%% below %.2f%%", v*100, th*100)
		},
	},
}
