package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/loopvault/risk-engine/internal/alert"
	"github.com/loopvault/risk-engine/internal/api"
	"github.com/loopvault/risk-engine/internal/engine"
	"github.com/loopvault/risk-engine/internal/ledger"
	"github.com/loopvault/risk-engine/internal/model"
	"github.com/loopvault/risk-engine/internal/store"
)

const (
	vaultAddr = "0x9f0a5b6c7d8e9f0a1b2c3d4e5f6a7b8c9d0e1f2a"
	alice     = "0x1111111111111111111111111111111111111111"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// ledgerIngester applies events straight to the ledger, standing in for
// the engine's queue.
type ledgerIngester struct {
	l *ledger.Ledger
}

func (li ledgerIngester) Submit(ctx context.Context, ev ledger.Event) (ledger.Result, error) {
	if err := ev.Validate(); err != nil {
		return ledger.Result{}, err
	}
	return li.l.Apply(ctx, ev)
}

type stoppedIngester struct{}

func (stoppedIngester) Submit(context.Context, ledger.Event) (ledger.Result, error) {
	return ledger.Result{}, engine.ErrStopped
}

// newTestEnv creates a test Service with in-memory store and chi router.
func newTestEnv(t *testing.T) (*api.Service, *store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	l := ledger.New(ms, nil, nil)
	ev := alert.NewEvaluator(ms, nil, alert.PolicyEpisode, nil)
	svc := api.NewService(ms, ledgerIngester{l: l}, ev, nil)

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return svc, ms, r
}

func doRequest(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func depositEvent(block uint64, user string, assets, shares float64) ledger.Event {
	return ledger.Event{Kind: ledger.KindDeposit, Deposit: &ledger.DepositEvent{
		Ref: model.EventRef{
			Vault:       vaultAddr,
			TxHash:      "0xdead",
			LogIndex:    uint(block % 7),
			BlockNumber: block,
			Timestamp:   time.Unix(1_700_000_000+int64(block), 0).UTC(),
		},
		Sender: user, Owner: user, Assets: d(assets), Shares: d(shares),
	}}
}

// seedSnapshot writes a risk snapshot directly in the store.
func seedSnapshot(t *testing.T, ms *store.MemoryStore, block uint64, hf float64) {
	t.Helper()
	snap := &model.RiskMetricSnapshot{
		Vault:        vaultAddr,
		BlockNumber:  block,
		Timestamp:    time.Unix(1_700_000_000+int64(block), 0).UTC(),
		HealthFactor: hf,
		RiskScore:    40,
		AlertLevel:   model.LevelHigh,
	}
	if err := ms.InsertRiskSnapshot(context.Background(), snap); err != nil {
		t.Fatalf("failed to seed snapshot: %v", err)
	}
}

// --- Ingest ---

func TestIngestEvent_Deposit(t *testing.T) {
	_, ms, router := newTestEnv(t)

	w := doRequest(t, router, "POST", "/api/v1/events", depositEvent(100, alice, 1000, 1000))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp api.EventResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Kind != ledger.KindDeposit || resp.Outcome != "applied" || !resp.Recorded {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.UsersApplied != 1 || !resp.VaultApplied {
		t.Errorf("expected vault and one user applied: %+v", resp)
	}

	v, err := ms.GetVaultPosition(context.Background(), vaultAddr)
	if err != nil {
		t.Fatal(err)
	}
	if !v.TotalAssets.Equal(d(1000)) || !v.TotalShares.Equal(d(1000)) {
		t.Errorf("vault totals = %s/%s", v.TotalAssets, v.TotalShares)
	}

	// Replay is acknowledged without double counting.
	w = doRequest(t, router, "POST", "/api/v1/events", depositEvent(100, alice, 1000, 1000))
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Outcome != "replayed" {
		t.Errorf("expected replayed, got %+v", resp)
	}
	v, _ = ms.GetVaultPosition(context.Background(), vaultAddr)
	if !v.TotalShares.Equal(d(1000)) {
		t.Errorf("replay changed shares: %s", v.TotalShares)
	}
}

func TestIngestEvent_Invalid(t *testing.T) {
	_, _, router := newTestEnv(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"kind":`},
		{"unknown kind", `{"kind":"mint"}`},
		{"missing payload", `{"kind":"deposit"}`},
		{"missing vault", `{"kind":"transfer","transfer":{"ref":{"tx_hash":"0x1"},"from":"a","to":"b","value":"1"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/v1/events", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestIngestEvent_EngineStopped(t *testing.T) {
	svc := api.NewService(store.NewMemoryStore(), stoppedIngester{}, nil, nil)
	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)

	w := doRequest(t, r, "POST", "/api/v1/events", depositEvent(1, alice, 1, 1))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}

// --- Reads ---

func TestGetVault(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doRequest(t, router, "GET", "/api/v1/vaults/"+vaultAddr+"/", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before any event, got %d", w.Code)
	}

	doRequest(t, router, "POST", "/api/v1/events", depositEvent(100, alice, 1000, 1000))

	// Mixed-case addresses resolve to the same vault.
	w = doRequest(t, router, "GET", "/api/v1/vaults/"+strings.ToUpper(vaultAddr[:10])+vaultAddr[10:]+"/", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var v model.VaultPosition
	json.NewDecoder(w.Body).Decode(&v)
	if v.DepositCount != 1 || !v.TotalAssets.Equal(d(1000)) {
		t.Errorf("unexpected vault: %+v", v)
	}
}

func TestListUsers_ActiveFilter(t *testing.T) {
	_, ms, router := newTestEnv(t)
	doRequest(t, router, "POST", "/api/v1/events", depositEvent(100, alice, 1000, 1000))

	inactive := &model.UserPosition{Vault: vaultAddr, User: "0x2222222222222222222222222222222222222222"}
	if err := ms.SaveUserPosition(context.Background(), inactive); err != nil {
		t.Fatal(err)
	}

	var users []model.UserPosition
	w := doRequest(t, router, "GET", "/api/v1/vaults/"+vaultAddr+"/users", nil)
	json.NewDecoder(w.Body).Decode(&users)
	if len(users) != 1 || users[0].User != alice {
		t.Errorf("expected only alice, got %+v", users)
	}

	w = doRequest(t, router, "GET", "/api/v1/vaults/"+vaultAddr+"/users?active=false", nil)
	json.NewDecoder(w.Body).Decode(&users)
	if len(users) != 2 {
		t.Errorf("expected 2 users including inactive, got %d", len(users))
	}

	w = doRequest(t, router, "GET", "/api/v1/vaults/"+vaultAddr+"/users/"+alice, nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 for alice, got %d", w.Code)
	}
	w = doRequest(t, router, "GET", "/api/v1/vaults/"+vaultAddr+"/users/0xnobody", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown user, got %d", w.Code)
	}
}

func TestMetrics_LatestAndHistory(t *testing.T) {
	_, ms, router := newTestEnv(t)

	w := doRequest(t, router, "GET", "/api/v1/vaults/"+vaultAddr+"/metrics/latest", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without snapshots, got %d", w.Code)
	}

	seedSnapshot(t, ms, 100, 1.5)
	seedSnapshot(t, ms, 150, 1.3)
	seedSnapshot(t, ms, 200, 1.15)

	w = doRequest(t, router, "GET", "/api/v1/vaults/"+vaultAddr+"/metrics/latest", nil)
	var snap model.RiskMetricSnapshot
	json.NewDecoder(w.Body).Decode(&snap)
	if snap.BlockNumber != 200 || snap.HealthFactor != 1.15 {
		t.Errorf("latest = block %d hf %v", snap.BlockNumber, snap.HealthFactor)
	}

	w = doRequest(t, router, "GET", "/api/v1/vaults/"+vaultAddr+"/metrics/history?limit=2", nil)
	var history []model.RiskMetricSnapshot
	json.NewDecoder(w.Body).Decode(&history)
	if len(history) != 2 || history[0].BlockNumber != 200 || history[1].BlockNumber != 150 {
		t.Errorf("history = %+v", history)
	}

	w = doRequest(t, router, "GET", "/api/v1/vaults/"+vaultAddr+"/metrics/history?limit=abc", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", w.Code)
	}
}

func TestEmptyListsAreArrays(t *testing.T) {
	_, _, router := newTestEnv(t)

	for _, path := range []string{"executions", "deposits", "withdrawals", "alerts", "metrics/history", "users"} {
		w := doRequest(t, router, "GET", "/api/v1/vaults/"+vaultAddr+"/"+path, nil)
		if w.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, w.Code)
			continue
		}
		if got := strings.TrimSpace(w.Body.String()); got != "[]" {
			t.Errorf("%s: expected [], got %s", path, got)
		}
	}

	w := doRequest(t, router, "GET", "/api/v1/vaults/"+vaultAddr+"/l1", nil)
	var st api.L1State
	json.NewDecoder(w.Body).Decode(&st)
	if st.Equity == nil || st.SpotBalances == nil {
		t.Errorf("expected empty arrays, got %+v", st)
	}
}

// --- Alerts ---

func TestAlerts_ListAndResolve(t *testing.T) {
	_, ms, router := newTestEnv(t)
	ctx := context.Background()

	a := &model.EmergencyAlert{
		ID:           "alert-1",
		Vault:        vaultAddr,
		Type:         model.AlertLiquidationRisk,
		Severity:     model.SeverityCritical,
		Message:      "health factor 1.05 below 1.1",
		TriggerValue: 1.05,
		Threshold:    1.1,
		BlockNumber:  200,
		Timestamp:    time.Unix(1_700_000_200, 0).UTC(),
	}
	if _, err := ms.InsertAlert(ctx, a); err != nil {
		t.Fatal(err)
	}

	var alerts []model.EmergencyAlert
	w := doRequest(t, router, "GET", "/api/v1/vaults/"+vaultAddr+"/alerts?active=true", nil)
	json.NewDecoder(w.Body).Decode(&alerts)
	if len(alerts) != 1 {
		t.Fatalf("expected 1 active alert, got %d", len(alerts))
	}

	w = doRequest(t, router, "POST", "/api/v1/alerts/alert-1/resolve", api.ResolveRequest{ResolvedBy: "ops@desk"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resolved model.EmergencyAlert
	json.NewDecoder(w.Body).Decode(&resolved)
	if !resolved.Resolved || resolved.ResolvedBy != "ops@desk" || resolved.ResolvedAt == nil {
		t.Errorf("unexpected resolved alert: %+v", resolved)
	}

	// Second resolve is a no-op that keeps the first resolver.
	w = doRequest(t, router, "POST", "/api/v1/alerts/alert-1/resolve", nil)
	json.NewDecoder(w.Body).Decode(&resolved)
	if w.Code != http.StatusOK || resolved.ResolvedBy != "ops@desk" {
		t.Errorf("second resolve: %d %+v", w.Code, resolved)
	}

	w = doRequest(t, router, "GET", "/api/v1/vaults/"+vaultAddr+"/alerts?active=true", nil)
	json.NewDecoder(w.Body).Decode(&alerts)
	if len(alerts) != 0 {
		t.Errorf("expected no active alerts, got %d", len(alerts))
	}

	w = doRequest(t, router, "GET", "/api/v1/vaults/"+vaultAddr+"/alerts", nil)
	json.NewDecoder(w.Body).Decode(&alerts)
	if len(alerts) != 1 || !alerts[0].Resolved {
		t.Errorf("history should keep the resolved alert: %+v", alerts)
	}

	w = doRequest(t, router, "POST", "/api/v1/alerts/missing/resolve", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}
