// Package alert turns risk snapshots into emergency alert records.
//
// Each (vault, alert type) pair moves through none -> active(severity) ->
// resolved. Under PolicyEpisode a still-breached condition keeps its one
// active record, a severity change replaces it, and recovery resolves it.
// PolicyEveryCycle writes one record per breached snapshot and never
// auto-resolves, for consumers that read alerts as a breach time series.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loopvault/risk-engine/internal/metrics"
	"github.com/loopvault/risk-engine/internal/model"
	"github.com/loopvault/risk-engine/internal/store"
)

// Policy selects how repeated breaches are recorded.
type Policy string

const (
	PolicyEpisode    Policy = "episode"
	PolicyEveryCycle Policy = "every_cycle"
)

// ParsePolicy accepts "episode" and "every_cycle".
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "", PolicyEpisode:
		return PolicyEpisode, nil
	case PolicyEveryCycle:
		return p, nil
	}
	return "", fmt.Errorf("alert: unknown policy %q", s)
}

// Resolvers recorded on automatic transitions.
const (
	ResolvedByRecovery       = "system:recovered"
	ResolvedBySeverityChange = "system:severity_change"
)

// Notifier receives newly created alerts. Delivery is best-effort.
type Notifier interface {
	Notify(ctx context.Context, a model.EmergencyAlert) error
}

// Outcome reports what one evaluation changed.
type Outcome struct {
	Created  []model.EmergencyAlert
	Resolved []string
}

// Evaluator applies rules to snapshots.
type Evaluator struct {
	store     store.Store
	rules     []Rule
	policy    Policy
	notifiers []Notifier
	logger    *slog.Logger
	now       func() time.Time
}

// NewEvaluator creates an evaluator. nil rules means DefaultRules.
func NewEvaluator(st store.Store, rules []Rule, policy Policy, logger *slog.Logger, notifiers ...Notifier) *Evaluator {
	if rules == nil {
		rules = DefaultRules
	}
	if policy == "" {
		policy = PolicyEpisode
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		store:     st,
		rules:     rules,
		policy:    policy,
		notifiers: notifiers,
		logger:    logger,
		now:       time.Now,
	}
}

var idNamespace = uuid.MustParse("6f1c3a52-4b8e-4f0a-9d3e-2a7c5e8b1d40")

// AlertID is derived from the snapshot identity so that re-evaluating the
// same snapshot does not duplicate records.
func AlertID(vault string, t model.AlertType, sev model.Severity, at time.Time) string {
	name := strings.ToLower(vault) + "|" + string(t) + "|" + string(sev) + "|" + strconv.FormatInt(at.UnixNano(), 10)
	return uuid.NewSHA1(idNamespace, []byte(name)).String()
}

// Evaluate applies every rule to the snapshot.
func (e *Evaluator) Evaluate(ctx context.Context, snap *model.RiskMetricSnapshot) (Outcome, error) {
	var out Outcome

	active := map[model.AlertType][]model.EmergencyAlert{}
	if e.policy == PolicyEpisode {
		list, err := e.store.ActiveAlerts(ctx, snap.Vault)
		if err != nil {
			return out, fmt.Errorf("alert: load active: %w", err)
		}
		for _, a := range list {
			active[a.Type] = append(active[a.Type], a)
		}
	}

	var errs []error
	for _, r := range e.rules {
		breached, sev, value, threshold := r.Check(snap)
		current := active[r.Type]

		if e.policy == PolicyEveryCycle {
			if breached {
				errs = append(errs, e.create(ctx, &out, r, snap, sev, value, threshold))
			}
			continue
		}

		switch {
		case breached && len(current) == 1 && current[0].Severity == sev:
			// Same episode, nothing to record.
		case breached:
			for _, a := range current {
				errs = append(errs, e.resolve(ctx, &out, a, snap.Timestamp, ResolvedBySeverityChange))
			}
			errs = append(errs, e.create(ctx, &out, r, snap, sev, value, threshold))
		default:
			for _, a := range current {
				errs = append(errs, e.resolve(ctx, &out, a, snap.Timestamp, ResolvedByRecovery))
			}
		}
	}

	e.refreshGauge(ctx, snap.Vault)
	return out, errors.Join(errs...)
}

func (e *Evaluator) create(ctx context.Context, out *Outcome, r Rule, snap *model.RiskMetricSnapshot, sev model.Severity, value, threshold float64) error {
	a := model.EmergencyAlert{
		ID:           AlertID(snap.Vault, r.Type, sev, snap.Timestamp),
		Vault:        strings.ToLower(snap.Vault),
		Type:         r.Type,
		Severity:     sev,
		Message:      r.Format(value, threshold),
		TriggerValue: value,
		Threshold:    threshold,
		BlockNumber:  snap.BlockNumber,
		Timestamp:    snap.Timestamp,
	}
	inserted, err := e.store.InsertAlert(ctx, &a)
	if err != nil {
		return fmt.Errorf("alert: insert %s: %w", r.Type, err)
	}
	if !inserted {
		return nil
	}

	metrics.AlertsRaised.WithLabelValues(string(a.Type), string(a.Severity)).Inc()
	e.logger.Warn("alert raised",
		"vault", a.Vault, "type", a.Type, "severity", a.Severity,
		"value", value, "threshold", threshold, "block", a.BlockNumber)
	out.Created = append(out.Created, a)

	for _, n := range e.notifiers {
		if err := n.Notify(ctx, a); err != nil {
			e.logger.Warn("alert notification failed", "alert_id", a.ID, "err", err)
		}
	}
	return nil
}

func (e *Evaluator) resolve(ctx context.Context, out *Outcome, a model.EmergencyAlert, at time.Time, by string) error {
	changed, err := e.store.ResolveAlert(ctx, a.ID, at, by)
	if err != nil {
		return fmt.Errorf("alert: resolve %s: %w", a.ID, err)
	}
	if changed {
		out.Resolved = append(out.Resolved, a.ID)
		e.logger.Info("alert resolved", "vault", a.Vault, "type", a.Type, "alert_id", a.ID, "by", by)
	}
	return nil
}

// Resolve marks an alert resolved by an operator. Resolving an already
// resolved alert is a no-op that returns the stored record.
func (e *Evaluator) Resolve(ctx context.Context, id, by string) (*model.EmergencyAlert, error) {
	if by == "" {
		by = "operator"
	}
	changed, err := e.store.ResolveAlert(ctx, id, e.now().UTC(), by)
	if err != nil {
		return nil, err
	}
	a, err := e.store.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	if changed {
		e.logger.Info("alert resolved", "vault", a.Vault, "type", a.Type, "alert_id", a.ID, "by", by)
		e.refreshGauge(ctx, a.Vault)
	}
	return a, nil
}

func (e *Evaluator) refreshGauge(ctx context.Context, vault string) {
	list, err := e.store.ActiveAlerts(ctx, vault)
	if err != nil {
		return
	}
	metrics.ActiveAlerts.WithLabelValues(strings.ToLower(vault)).Set(float64(len(list)))
}
