package alert

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/loopvault/risk-engine/internal/model"
	"github.com/loopvault/risk-engine/internal/store"
)

const testVault = "0xvault"

var t0 = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

// recorder is a Notifier that keeps what it was sent.
type recorder struct {
	mu   sync.Mutex
	got  []model.EmergencyAlert
	fail bool
}

func (r *recorder) Notify(_ context.Context, a model.EmergencyAlert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, a)
	if r.fail {
		return errors.New("sink down")
	}
	return nil
}

func snap(i int, hf, lev, yield float64) *model.RiskMetricSnapshot {
	return &model.RiskMetricSnapshot{
		Vault:         testVault,
		BlockNumber:   uint64(1000 + i),
		Timestamp:     t0.Add(time.Duration(i) * time.Minute),
		HealthFactor:  hf,
		LeverageRatio: lev,
		NetYield:      yield,
	}
}

func healthy(i int) *model.RiskMetricSnapshot { return snap(i, 3, 1.5, 0.1) }

func activeOfType(t *testing.T, st store.Store, typ model.AlertType) []model.EmergencyAlert {
	t.Helper()
	list, err := st.ActiveAlerts(context.Background(), testVault)
	if err != nil {
		t.Fatal(err)
	}
	var out []model.EmergencyAlert
	for _, a := range list {
		if a.Type == typ {
			out = append(out, a)
		}
	}
	return out
}

func TestRuleCheck(t *testing.T) {
	liq := DefaultRules[0]
	tests := []struct {
		hf       float64
		breached bool
		sev      model.Severity
	}{
		{1.5, false, ""},
		{1.2, false, ""},
		{1.19, true, model.SeverityWarning},
		{1.1, true, model.SeverityWarning},
		{1.09, true, model.SeverityCritical},
	}
	for _, tt := range tests {
		breached, sev, _, _ := liq.Check(&model.RiskMetricSnapshot{HealthFactor: tt.hf})
		if breached != tt.breached || sev != tt.sev {
			t.Errorf("hf %v: got (%v, %q), want (%v, %q)", tt.hf, breached, sev, tt.breached, tt.sev)
		}
	}

	yield := DefaultRules[2]
	if _, sev, _, th := yield.Check(&model.RiskMetricSnapshot{NetYield: -0.01}); sev != model.SeverityCritical || th != 0 {
		t.Errorf("negative yield should be critical at 0, got %q %v", sev, th)
	}
}

func TestEpisode_Lifecycle(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	rec := &recorder{}
	e := NewEvaluator(ms, nil, PolicyEpisode, nil, rec)

	// Healthy: nothing.
	out, err := e.Evaluate(ctx, healthy(0))
	if err != nil || len(out.Created) != 0 {
		t.Fatalf("healthy cycle created %d alerts, err %v", len(out.Created), err)
	}

	// Warning breach opens one episode.
	out, err = e.Evaluate(ctx, snap(1, 1.15, 1.5, 0.1))
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Created) != 1 || out.Created[0].Severity != model.SeverityWarning {
		t.Fatalf("created = %+v", out.Created)
	}
	first := out.Created[0].ID

	// Still breached at the same severity: no new record.
	for i := 2; i < 5; i++ {
		out, _ = e.Evaluate(ctx, snap(i, 1.18, 1.5, 0.1))
		if len(out.Created) != 0 {
			t.Fatalf("cycle %d re-emitted an alert", i)
		}
	}
	if got := activeOfType(t, ms, model.AlertLiquidationRisk); len(got) != 1 || got[0].ID != first {
		t.Fatalf("active = %+v", got)
	}

	// Escalation replaces the episode.
	out, _ = e.Evaluate(ctx, snap(5, 1.05, 1.5, 0.1))
	if len(out.Created) != 1 || out.Created[0].Severity != model.SeverityCritical {
		t.Fatalf("escalation created = %+v", out.Created)
	}
	if len(out.Resolved) != 1 || out.Resolved[0] != first {
		t.Fatalf("escalation resolved = %v", out.Resolved)
	}
	old, _ := ms.GetAlert(ctx, first)
	if !old.Resolved || old.ResolvedBy != ResolvedBySeverityChange {
		t.Errorf("escalated alert = %+v", old)
	}
	critical := out.Created[0].ID

	// Recovery auto-resolves at the snapshot time.
	recovered := healthy(6)
	out, _ = e.Evaluate(ctx, recovered)
	if len(out.Resolved) != 1 || out.Resolved[0] != critical {
		t.Fatalf("recovery resolved = %v", out.Resolved)
	}
	a, _ := ms.GetAlert(ctx, critical)
	if !a.Resolved || a.ResolvedBy != ResolvedByRecovery || !a.ResolvedAt.Equal(recovered.Timestamp) {
		t.Errorf("recovered alert = %+v", a)
	}
	if got := activeOfType(t, ms, model.AlertLiquidationRisk); len(got) != 0 {
		t.Errorf("no alert should remain active, got %d", len(got))
	}

	if len(rec.got) != 2 {
		t.Errorf("notifier got %d alerts, want 2", len(rec.got))
	}
}

func TestEpisode_IdempotentPerSnapshot(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	e := NewEvaluator(ms, nil, PolicyEpisode, nil)

	s := snap(1, 0.9, 3.8, -0.05)
	out, err := e.Evaluate(ctx, s)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Created) != 3 {
		t.Fatalf("expected all three rules to fire, got %d", len(out.Created))
	}
	out, _ = e.Evaluate(ctx, s)
	if len(out.Created) != 0 || len(out.Resolved) != 0 {
		t.Errorf("re-evaluation changed state: %+v", out)
	}
	all, _ := ms.ListAlerts(ctx, testVault, 0)
	if len(all) != 3 {
		t.Errorf("stored %d alerts, want 3", len(all))
	}
}

func TestEveryCycle_RecordsEachBreach(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	e := NewEvaluator(ms, nil, PolicyEveryCycle, nil)

	for i := 0; i < 3; i++ {
		if _, err := e.Evaluate(ctx, snap(i, 3, 3.2, 0.1)); err != nil {
			t.Fatal(err)
		}
	}
	// Same snapshot again is still one record.
	e.Evaluate(ctx, snap(2, 3, 3.2, 0.1))
	e.Evaluate(ctx, healthy(3))

	got := activeOfType(t, ms, model.AlertHighLeverage)
	if len(got) != 3 {
		t.Errorf("expected one unresolved record per breached cycle, got %d", len(got))
	}
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	e := NewEvaluator(ms, nil, PolicyEpisode, nil)
	e.now = func() time.Time { return t0.Add(time.Hour) }

	out, _ := e.Evaluate(ctx, snap(1, 3, 3.2, 0.1))
	id := out.Created[0].ID

	a, err := e.Resolve(ctx, id, "ops@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if !a.Resolved || a.ResolvedBy != "ops@example.com" || !a.ResolvedAt.Equal(t0.Add(time.Hour)) {
		t.Errorf("resolved = %+v", a)
	}

	e.now = func() time.Time { return t0.Add(2 * time.Hour) }
	again, err := e.Resolve(ctx, id, "someone-else")
	if err != nil {
		t.Fatal(err)
	}
	if again.ResolvedBy != "ops@example.com" || !again.ResolvedAt.Equal(t0.Add(time.Hour)) {
		t.Errorf("second resolve must not change the record: %+v", again)
	}

	if _, err := e.Resolve(ctx, "missing", "x"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	// A later breach after a manual resolve opens a new episode.
	out, _ = e.Evaluate(ctx, snap(2, 3, 3.2, 0.1))
	if len(out.Created) != 1 || out.Created[0].ID == id {
		t.Errorf("expected a new episode, got %+v", out.Created)
	}
}

func TestNotifierFailureKeepsRecord(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	e := NewEvaluator(ms, nil, PolicyEpisode, nil, &recorder{fail: true})

	out, err := e.Evaluate(ctx, snap(1, 1.0, 1.5, 0.1))
	if err != nil {
		t.Fatalf("notification failure must not surface: %v", err)
	}
	if _, err := ms.GetAlert(ctx, out.Created[0].ID); err != nil {
		t.Errorf("alert should be stored: %v", err)
	}
}

func TestWebhook_Notify(t *testing.T) {
	var (
		mu   sync.Mutex
		body webhookPayload
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if r.Header.Get("Content-Type") != "application/json" {
			http.Error(w, "bad content type", http.StatusUnsupportedMediaType)
			return
		}
		json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	a := model.EmergencyAlert{ID: "a1", Vault: testVault, Type: model.AlertHighLeverage, Severity: model.SeverityCritical, Message: "Leverage ratio 3.80x exceeds 3.50x"}
	if err := NewWebhook(srv.URL, nil).Notify(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if body.Alert.ID != "a1" || body.Event != "alert.created" {
		t.Errorf("payload = %+v", body)
	}
	if body.Text != "[critical] high_leverage: Leverage ratio 3.80x exceeds 3.50x" {
		t.Errorf("text = %q", body.Text)
	}

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer failing.Close()
	if err := NewWebhook(failing.URL, nil).Notify(context.Background(), a); err == nil {
		t.Error("expected error from 400 response")
	}
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{"": PolicyEpisode, "Episode": PolicyEpisode, "every_cycle": PolicyEveryCycle} {
		got, err := ParsePolicy(in)
		if err != nil || got != want {
			t.Errorf("ParsePolicy(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParsePolicy("sometimes"); err == nil {
		t.Error("expected error")
	}
}
