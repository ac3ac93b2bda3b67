package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/loopvault/risk-engine/internal/model"
	"github.com/loopvault/risk-engine/internal/risk"
)

var timeframes = map[string]time.Duration{
	"1h":  time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

// PriceHistory is the JSON body returned from GET /prices.
type PriceHistory struct {
	Timeframe    string                   `json:"timeframe,omitempty"`
	Count        int                      `json:"count"`
	Observations []model.PriceObservation `json:"observations"`
}

// YieldResponse is the JSON body returned from GET /vaults/{vault}/yield.
type YieldResponse struct {
	Timeframe string `json:"timeframe"`
	risk.YieldSummary
}

// ListPrices handles GET /api/v1/prices?asset=HYPE&timeframe=24h&limit=N
// Newest first. The timeframe is measured back from the newest stored
// observation, not from the wall clock.
func (s *Service) ListPrices(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	tf := r.URL.Query().Get("timeframe")
	window, ok := parseTimeframe(w, tf)
	if !ok {
		return
	}
	ctx := r.Context()
	asset := strings.TrimSpace(r.URL.Query().Get("asset"))

	var since time.Time
	if window > 0 {
		newest, err := s.store.ListPriceObservations(ctx, asset, time.Time{}, 1)
		if err != nil {
			writeError(w, "failed to list prices", http.StatusInternalServerError)
			return
		}
		if len(newest) > 0 {
			since = newest[0].ObservedAt.Add(-window)
		}
	}
	obs, err := s.store.ListPriceObservations(ctx, asset, since, limit)
	if err != nil {
		writeError(w, "failed to list prices", http.StatusInternalServerError)
		return
	}
	if obs == nil {
		obs = []model.PriceObservation{}
	}
	writeJSON(w, http.StatusOK, PriceHistory{Timeframe: tf, Count: len(obs), Observations: obs})
}

// GetYield handles GET /api/v1/vaults/{vault}/yield?timeframe=7d
// Summarizes the snapshots within the timeframe before the newest one.
func (s *Service) GetYield(w http.ResponseWriter, r *http.Request) {
	tf := r.URL.Query().Get("timeframe")
	if tf == "" {
		tf = "7d"
	}
	window, ok := parseTimeframe(w, tf)
	if !ok {
		return
	}
	snaps, err := s.store.ListRiskSnapshots(r.Context(), vaultParam(r), maxLimit)
	if err != nil {
		writeError(w, "failed to list risk snapshots", http.StatusInternalServerError)
		return
	}
	var inWindow []model.RiskMetricSnapshot
	if len(snaps) > 0 {
		from := snaps[0].Timestamp.Add(-window)
		for _, snap := range snaps {
			if !snap.Timestamp.Before(from) {
				inWindow = append(inWindow, snap)
			}
		}
	}
	writeJSON(w, http.StatusOK, YieldResponse{Timeframe: tf, YieldSummary: risk.SummarizeYield(inWindow)})
}

// ListTroves handles GET /api/v1/vaults/{vault}/troves
func (s *Service) ListTroves(w http.ResponseWriter, r *http.Request) {
	troves, err := s.store.ListTroves(r.Context(), vaultParam(r))
	if err != nil {
		writeError(w, "failed to list troves", http.StatusInternalServerError)
		return
	}
	if troves == nil {
		troves = []model.Trove{}
	}
	writeJSON(w, http.StatusOK, troves)
}

// TroveHistory handles GET /api/v1/vaults/{vault}/troves/{troveID}/history
// Oldest first.
func (s *Service) TroveHistory(w http.ResponseWriter, r *http.Request) {
	changes, err := s.store.ListTroveChanges(r.Context(), vaultParam(r), strings.ToLower(chi.URLParam(r, "troveID")))
	if err != nil {
		writeError(w, "failed to list trove history", http.StatusInternalServerError)
		return
	}
	if changes == nil {
		changes = []model.TroveChange{}
	}
	writeJSON(w, http.StatusOK, changes)
}

// ListLoans handles GET /api/v1/vaults/{vault}/loans
func (s *Service) ListLoans(w http.ResponseWriter, r *http.Request) {
	loans, err := s.store.ListLoans(r.Context(), vaultParam(r))
	if err != nil {
		writeError(w, "failed to list loans", http.StatusInternalServerError)
		return
	}
	if loans == nil {
		loans = []model.Loan{}
	}
	writeJSON(w, http.StatusOK, loans)
}

// ListLoanEvents handles GET /api/v1/vaults/{vault}/loan-events
func (s *Service) ListLoanEvents(w http.ResponseWriter, r *http.Request) {
	changes, err := s.store.ListLoanChanges(r.Context(), vaultParam(r))
	if err != nil {
		writeError(w, "failed to list loan events", http.StatusInternalServerError)
		return
	}
	if changes == nil {
		changes = []model.LoanChange{}
	}
	writeJSON(w, http.StatusOK, changes)
}

// ListHLPFlows handles GET /api/v1/vaults/{vault}/hlp-flows
func (s *Service) ListHLPFlows(w http.ResponseWriter, r *http.Request) {
	flows, err := s.store.ListHLPFlows(r.Context(), vaultParam(r), 0, 0)
	if err != nil {
		writeError(w, "failed to list hlp flows", http.StatusInternalServerError)
		return
	}
	if flows == nil {
		flows = []model.HLPFlow{}
	}
	writeJSON(w, http.StatusOK, flows)
}

// parseTimeframe maps ?timeframe to a window, writing a 400 for unknown
// values. An empty value means no window.
func parseTimeframe(w http.ResponseWriter, tf string) (time.Duration, bool) {
	if tf == "" {
		return 0, true
	}
	window, ok := timeframes[tf]
	if !ok {
		writeError(w, "timeframe must be one of 1h, 24h, 7d, 30d", http.StatusBadRequest)
		return 0, false
	}
	return window, true
}
