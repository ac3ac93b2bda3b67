// Package api provides the HTTP handlers for event ingest and for querying
// vault positions, risk metrics and alerts.
//
// Amounts are returned as decimal strings, never float64.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/loopvault/risk-engine/internal/engine"
	"github.com/loopvault/risk-engine/internal/ledger"
	"github.com/loopvault/risk-engine/internal/model"
	"github.com/loopvault/risk-engine/internal/store"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
	maxBodyBytes = 1 << 20
)

// Ingester applies indexer events. Implemented by engine.Engine.
type Ingester interface {
	Submit(ctx context.Context, ev ledger.Event) (ledger.Result, error)
}

// Resolver closes alerts. Implemented by alert.Evaluator.
type Resolver interface {
	Resolve(ctx context.Context, id, by string) (*model.EmergencyAlert, error)
}

// Service serves the read API and the ingest endpoint.
type Service struct {
	store    store.Store
	ingester Ingester
	alerts   Resolver
	logger   *slog.Logger
}

// NewService creates the API service. ingester and alerts may be nil, in
// which case the matching write endpoints answer 503.
func NewService(st store.Store, ingester Ingester, alerts Resolver, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, ingester: ingester, alerts: alerts, logger: logger}
}

// Routes mounts every handler on r, relative to /api/v1.
func (s *Service) Routes(r chi.Router) {
	r.Post("/events", s.IngestEvent)
	r.Post("/alerts/{alertID}/resolve", s.ResolveAlert)
	r.Get("/prices", s.ListPrices)

	r.Route("/vaults/{vault}", func(r chi.Router) {
		r.Get("/", s.GetVault)
		r.Get("/users", s.ListUsers)
		r.Get("/users/{user}", s.GetUser)
		r.Get("/metrics/latest", s.LatestMetrics)
		r.Get("/metrics/history", s.MetricsHistory)
		r.Get("/alerts", s.ListAlerts)
		r.Get("/executions", s.ListExecutions)
		r.Get("/deposits", s.ListDeposits)
		r.Get("/withdrawals", s.ListWithdrawals)
		r.Get("/l1", s.GetL1State)
		r.Get("/yield", s.GetYield)
		r.Get("/troves", s.ListTroves)
		r.Get("/troves/{troveID}/history", s.TroveHistory)
		r.Get("/loans", s.ListLoans)
		r.Get("/loan-events", s.ListLoanEvents)
		r.Get("/hlp-flows", s.ListHLPFlows)
	})
}

// --- Request/Response types ---

// EventResponse is the JSON body returned from POST /events.
type EventResponse struct {
	ID               string      `json:"id,omitempty"`
	Kind             ledger.Kind `json:"kind"`
	Outcome          string      `json:"outcome"`
	Recorded         bool        `json:"recorded"`
	VaultApplied     bool        `json:"vault_applied"`
	UsersApplied     int         `json:"users_applied"`
	PositionsApplied int         `json:"positions_applied"`
	Inconsistent     bool        `json:"inconsistent"`
}

// ResolveRequest is the optional JSON body for POST /alerts/{id}/resolve.
type ResolveRequest struct {
	ResolvedBy string `json:"resolved_by"`
}

// L1State is the JSON body returned from GET /vaults/{vault}/l1.
type L1State struct {
	Equity       []model.L1EquitySnapshot      `json:"equity"`
	SpotBalances []model.L1SpotBalanceSnapshot `json:"spot_balances"`
}

// IngestEvent handles POST /api/v1/events.
// The event is applied before the response is written.
func (s *Service) IngestEvent(w http.ResponseWriter, r *http.Request) {
	if s.ingester == nil {
		writeError(w, "ingest disabled", http.StatusServiceUnavailable)
		return
	}
	var ev ledger.Event
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&ev); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.ingester.Submit(r.Context(), ev)
	switch {
	case errors.Is(err, ledger.ErrUnknownKind),
		errors.Is(err, ledger.ErrMissingPayload),
		errors.Is(err, ledger.ErrMissingVault),
		errors.Is(err, ledger.ErrMissingTimestamp),
		errors.Is(err, ledger.ErrInvalidPayload):
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, engine.ErrStopped):
		writeError(w, "engine stopped", http.StatusServiceUnavailable)
		return
	case err != nil:
		s.logger.Error("ingest failed", "kind", ev.Kind, "err", err)
		writeError(w, "failed to apply event", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, EventResponse{
		ID:               res.ID,
		Kind:             res.Kind,
		Outcome:          res.Outcome(),
		Recorded:         res.Recorded,
		VaultApplied:     res.VaultApplied,
		UsersApplied:     res.UsersApplied,
		PositionsApplied: res.PositionsApplied,
		Inconsistent:     res.Inconsistent,
	})
}

// ResolveAlert handles POST /api/v1/alerts/{alertID}/resolve.
func (s *Service) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	if s.alerts == nil {
		writeError(w, "alerts disabled", http.StatusServiceUnavailable)
		return
	}
	var req ResolveRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	a, err := s.alerts.Resolve(r.Context(), chi.URLParam(r, "alertID"), strings.TrimSpace(req.ResolvedBy))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "alert not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to resolve alert", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// GetVault handles GET /api/v1/vaults/{vault}
func (s *Service) GetVault(w http.ResponseWriter, r *http.Request) {
	v, err := s.store.GetVaultPosition(r.Context(), vaultParam(r))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "vault not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to get vault", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// ListUsers handles GET /api/v1/vaults/{vault}/users
// Inactive positions are included only with ?active=false.
func (s *Service) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUserPositions(r.Context(), vaultParam(r))
	if err != nil {
		writeError(w, "failed to list users", http.StatusInternalServerError)
		return
	}
	if r.URL.Query().Get("active") != "false" {
		var filtered []model.UserPosition
		for _, u := range users {
			if u.Active {
				filtered = append(filtered, u)
			}
		}
		users = filtered
	}
	if users == nil {
		users = []model.UserPosition{}
	}
	writeJSON(w, http.StatusOK, users)
}

// GetUser handles GET /api/v1/vaults/{vault}/users/{user}
func (s *Service) GetUser(w http.ResponseWriter, r *http.Request) {
	user := strings.ToLower(chi.URLParam(r, "user"))
	p, err := s.store.GetUserPosition(r.Context(), vaultParam(r), user)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "position not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to get position", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// LatestMetrics handles GET /api/v1/vaults/{vault}/metrics/latest
func (s *Service) LatestMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.LatestRiskSnapshot(r.Context(), vaultParam(r))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "no risk snapshot yet", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to get risk snapshot", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// MetricsHistory handles GET /api/v1/vaults/{vault}/metrics/history?limit=N
// Newest first.
func (s *Service) MetricsHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	snaps, err := s.store.ListRiskSnapshots(r.Context(), vaultParam(r), limit)
	if err != nil {
		writeError(w, "failed to list risk snapshots", http.StatusInternalServerError)
		return
	}
	if snaps == nil {
		snaps = []model.RiskMetricSnapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

// ListAlerts handles GET /api/v1/vaults/{vault}/alerts
// ?active=true returns only unresolved alerts; otherwise the most recent
// alerts up to ?limit.
func (s *Service) ListAlerts(w http.ResponseWriter, r *http.Request) {
	var (
		alerts []model.EmergencyAlert
		err    error
	)
	if r.URL.Query().Get("active") == "true" {
		alerts, err = s.store.ActiveAlerts(r.Context(), vaultParam(r))
	} else {
		limit, ok := parseLimit(w, r)
		if !ok {
			return
		}
		alerts, err = s.store.ListAlerts(r.Context(), vaultParam(r), limit)
	}
	if err != nil {
		writeError(w, "failed to list alerts", http.StatusInternalServerError)
		return
	}
	if alerts == nil {
		alerts = []model.EmergencyAlert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

// ListExecutions handles GET /api/v1/vaults/{vault}/executions
func (s *Service) ListExecutions(w http.ResponseWriter, r *http.Request) {
	execs, err := s.store.ListLoopExecutions(r.Context(), vaultParam(r))
	if err != nil {
		writeError(w, "failed to list executions", http.StatusInternalServerError)
		return
	}
	if execs == nil {
		execs = []model.LoopExecution{}
	}
	writeJSON(w, http.StatusOK, execs)
}

// ListDeposits handles GET /api/v1/vaults/{vault}/deposits
func (s *Service) ListDeposits(w http.ResponseWriter, r *http.Request) {
	deps, err := s.store.ListDeposits(r.Context(), vaultParam(r))
	if err != nil {
		writeError(w, "failed to list deposits", http.StatusInternalServerError)
		return
	}
	if deps == nil {
		deps = []model.Deposit{}
	}
	writeJSON(w, http.StatusOK, deps)
}

// ListWithdrawals handles GET /api/v1/vaults/{vault}/withdrawals
func (s *Service) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	ws, err := s.store.ListWithdrawals(r.Context(), vaultParam(r))
	if err != nil {
		writeError(w, "failed to list withdrawals", http.StatusInternalServerError)
		return
	}
	if ws == nil {
		ws = []model.Withdrawal{}
	}
	writeJSON(w, http.StatusOK, ws)
}

// GetL1State handles GET /api/v1/vaults/{vault}/l1?limit=N
// Returns recent equity and spot balance rows, newest first.
func (s *Service) GetL1State(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	vault := vaultParam(r)

	equity, err := s.store.RecentL1Equity(ctx, vault, limit)
	if err != nil {
		writeError(w, "failed to load L1 equity", http.StatusInternalServerError)
		return
	}
	spot, err := s.store.RecentL1SpotBalances(ctx, vault, limit)
	if err != nil {
		writeError(w, "failed to load L1 spot balances", http.StatusInternalServerError)
		return
	}
	if equity == nil {
		equity = []model.L1EquitySnapshot{}
	}
	if spot == nil {
		spot = []model.L1SpotBalanceSnapshot{}
	}
	writeJSON(w, http.StatusOK, L1State{Equity: equity, SpotBalances: spot})
}

func vaultParam(r *http.Request) string {
	return strings.ToLower(chi.URLParam(r, "vault"))
}

// parseLimit reads ?limit, writing a 400 when it is malformed.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeError(w, "limit must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
