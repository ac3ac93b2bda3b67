package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loopvault/risk-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu sync.RWMutex

	vaults map[string]*model.VaultPosition
	users  map[string]*model.UserPosition

	deposits    map[string]model.Deposit
	withdrawals map[string]model.Withdrawal
	transfers   map[string]model.ShareTransfer
	executions  map[string]model.LoopExecution
	rawEvents   map[string]model.RawEvent

	troves       map[string]*model.Trove
	troveChanges map[string]model.TroveChange
	loans        map[string]*model.Loan
	loanChanges  map[string]model.LoanChange
	hlpFlows     map[string]model.HLPFlow

	// Insertion order for audit listings.
	depositOrder    []string
	withdrawalOrder []string
	executionOrder  []string

	snapshots map[string][]model.RiskMetricSnapshot // vault → ascending by time
	equity    map[string][]model.L1EquitySnapshot
	spot      map[string][]model.L1SpotBalanceSnapshot
	prices    []model.PriceObservation

	alerts     map[string]*model.EmergencyAlert
	alertOrder []string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		vaults:      make(map[string]*model.VaultPosition),
		users:       make(map[string]*model.UserPosition),
		deposits:    make(map[string]model.Deposit),
		withdrawals: make(map[string]model.Withdrawal),
		transfers:   make(map[string]model.ShareTransfer),
		executions:  make(map[string]model.LoopExecution),
		rawEvents:   make(map[string]model.RawEvent),

		troves:       make(map[string]*model.Trove),
		troveChanges: make(map[string]model.TroveChange),
		loans:        make(map[string]*model.Loan),
		loanChanges:  make(map[string]model.LoanChange),
		hlpFlows:     make(map[string]model.HLPFlow),

		snapshots: make(map[string][]model.RiskMetricSnapshot),
		equity:    make(map[string][]model.L1EquitySnapshot),
		spot:      make(map[string][]model.L1SpotBalanceSnapshot),
		alerts:    make(map[string]*model.EmergencyAlert),
	}
}

func key(s string) string { return strings.ToLower(s) }

// --- Vault aggregate ---

func (s *MemoryStore) GetVaultPosition(_ context.Context, vault string) (*model.VaultPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.vaults[key(vault)]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *v
	return &copy, nil
}

func (s *MemoryStore) LoadVaultLedger(ctx context.Context, vault string) (*model.VaultPosition, error) {
	return s.GetVaultPosition(ctx, vault)
}

func (s *MemoryStore) SaveVaultLedger(_ context.Context, v *model.VaultPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.vaults[key(v.Address)]
	if !ok {
		copy := *v
		s.vaults[key(v.Address)] = &copy
		return nil
	}
	// Valuation columns belong to the metrics cycle.
	existing.TotalAssets = v.TotalAssets
	existing.TotalShares = v.TotalShares
	existing.TotalStaked = v.TotalStaked
	existing.TotalDerivative = v.TotalDerivative
	existing.BorrowedAmount = v.BorrowedAmount
	existing.DepositCount = v.DepositCount
	existing.WithdrawalCount = v.WithdrawalCount
	existing.Cursor = v.Cursor
	existing.LastUpdatedBlock = v.LastUpdatedBlock
	existing.LastUpdatedTime = v.LastUpdatedTime
	return nil
}

func (s *MemoryStore) UpdateVaultValuation(_ context.Context, vault string, val model.Valuation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.vaults[key(vault)]
	if !ok {
		v = &model.VaultPosition{Address: key(vault)}
		s.vaults[key(vault)] = v
	}
	v.LeverageRatio = val.LeverageRatio
	v.CollateralValue = val.CollateralValue
	v.NetAssetValue = val.NetAssetValue
	if val.BlockNumber > v.LastUpdatedBlock {
		v.LastUpdatedBlock = val.BlockNumber
		v.LastUpdatedTime = val.Timestamp
	}
	return nil
}

// --- User positions ---

func (s *MemoryStore) GetUserPosition(_ context.Context, vault, user string) (*model.UserPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.users[model.UserKey(vault, user)]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) SaveUserPosition(_ context.Context, p *model.UserPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := model.UserKey(p.Vault, p.User)
	existing, ok := s.users[k]
	if !ok {
		copy := *p
		s.users[k] = &copy
		return nil
	}
	existing.Shares = p.Shares
	existing.DepositedAmount = p.DepositedAmount
	existing.DepositCount = p.DepositCount
	existing.Active = p.Active
	existing.Cursor = p.Cursor
	existing.LastUpdatedBlock = p.LastUpdatedBlock
	existing.LastUpdatedTime = p.LastUpdatedTime
	if !p.Active {
		existing.ShareValue = p.ShareValue
		existing.CurrentValue = p.CurrentValue
		existing.ProportionOfVault = p.ProportionOfVault
	}
	return nil
}

func (s *MemoryStore) ListUserPositions(_ context.Context, vault string) ([]model.UserPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.UserPosition
	for _, p := range s.users {
		if key(p.Vault) == key(vault) {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].User < result[j].User })
	return result, nil
}

func (s *MemoryStore) UpdateUserValuations(_ context.Context, vault string, vals []model.UserValuation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, val := range vals {
		p, ok := s.users[model.UserKey(vault, val.User)]
		if !ok {
			continue
		}
		p.ShareValue = val.ShareValue
		p.ProportionOfVault = val.ProportionOfVault
		p.CurrentValue = val.CurrentValue
		p.UnrealizedPnL = val.UnrealizedPnL
	}
	return nil
}

// --- Immutable audit trail ---

func (s *MemoryStore) InsertDeposit(_ context.Context, d *model.Deposit) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.deposits[d.ID]; ok {
		return false, nil
	}
	s.deposits[d.ID] = *d
	s.depositOrder = append(s.depositOrder, d.ID)
	return true, nil
}

func (s *MemoryStore) GetDeposit(_ context.Context, id string) (*model.Deposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.deposits[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (s *MemoryStore) ListDeposits(_ context.Context, vault string) ([]model.Deposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Deposit
	for _, id := range s.depositOrder {
		if d := s.deposits[id]; key(d.Ref.Vault) == key(vault) {
			result = append(result, d)
		}
	}
	return result, nil
}

func (s *MemoryStore) InsertWithdrawal(_ context.Context, w *model.Withdrawal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.withdrawals[w.ID]; ok {
		return false, nil
	}
	s.withdrawals[w.ID] = *w
	s.withdrawalOrder = append(s.withdrawalOrder, w.ID)
	return true, nil
}

func (s *MemoryStore) GetWithdrawal(_ context.Context, id string) (*model.Withdrawal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.withdrawals[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &w, nil
}

func (s *MemoryStore) ListWithdrawals(_ context.Context, vault string) ([]model.Withdrawal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Withdrawal
	for _, id := range s.withdrawalOrder {
		if w := s.withdrawals[id]; key(w.Ref.Vault) == key(vault) {
			result = append(result, w)
		}
	}
	return result, nil
}

func (s *MemoryStore) InsertTransfer(_ context.Context, t *model.ShareTransfer) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.transfers[t.ID]; ok {
		return false, nil
	}
	s.transfers[t.ID] = *t
	return true, nil
}

func (s *MemoryStore) GetTransfer(_ context.Context, id string) (*model.ShareTransfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.transfers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (s *MemoryStore) InsertLoopExecution(_ context.Context, e *model.LoopExecution) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[e.ID]; ok {
		return false, nil
	}
	s.executions[e.ID] = *e
	s.executionOrder = append(s.executionOrder, e.ID)
	return true, nil
}

func (s *MemoryStore) GetLoopExecution(_ context.Context, id string) (*model.LoopExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (s *MemoryStore) ListLoopExecutions(_ context.Context, vault string) ([]model.LoopExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LoopExecution
	for _, id := range s.executionOrder {
		if e := s.executions[id]; key(e.Ref.Vault) == key(vault) {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) FillLeverageAfter(_ context.Context, vault string, upToBlock uint64, leverage float64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, e := range s.executions {
		if key(e.Ref.Vault) != key(vault) || e.LeverageAfter != nil || e.Ref.BlockNumber > upToBlock {
			continue
		}
		l := leverage
		e.LeverageAfter = &l
		s.executions[id] = e
		n++
	}
	return n, nil
}

func (s *MemoryStore) InsertRawEvent(_ context.Context, e *model.RawEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rawEvents[e.ID]; ok {
		return false, nil
	}
	s.rawEvents[e.ID] = *e
	return true, nil
}

// --- Lending market and L1 flows ---

func troveKey(vault, id string) string { return key(vault) + "-" + key(id) }

func (s *MemoryStore) GetTrove(_ context.Context, vault, id string) (*model.Trove, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.troves[troveKey(vault, id)]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *t
	return &copy, nil
}

func (s *MemoryStore) SaveTrove(_ context.Context, t *model.Trove) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *t
	s.troves[troveKey(t.Vault, t.ID)] = &copy
	return nil
}

func (s *MemoryStore) ListTroves(_ context.Context, vault string) ([]model.Trove, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trove
	for _, t := range s.troves {
		if key(t.Vault) == key(vault) {
			result = append(result, *t)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) InsertTroveChange(_ context.Context, c *model.TroveChange) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.troveChanges[c.ID]; ok {
		return false, nil
	}
	s.troveChanges[c.ID] = *c
	return true, nil
}

func (s *MemoryStore) GetTroveChange(_ context.Context, id string) (*model.TroveChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.troveChanges[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (s *MemoryStore) ListTroveChanges(_ context.Context, vault, troveID string) ([]model.TroveChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TroveChange
	for _, c := range s.troveChanges {
		if key(c.Ref.Vault) != key(vault) || (troveID != "" && key(c.TroveID) != key(troveID)) {
			continue
		}
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool { return result[j].Ref.Cursor().After(result[i].Ref.Cursor()) })
	return result, nil
}

func (s *MemoryStore) GetLoan(_ context.Context, vault, id string) (*model.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.loans[troveKey(vault, id)]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *l
	return &copy, nil
}

func (s *MemoryStore) SaveLoan(_ context.Context, l *model.Loan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *l
	s.loans[troveKey(l.Vault, l.ID)] = &copy
	return nil
}

func (s *MemoryStore) ListLoans(_ context.Context, vault string) ([]model.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Loan
	for _, l := range s.loans {
		if key(l.Vault) == key(vault) {
			result = append(result, *l)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) InsertLoanChange(_ context.Context, c *model.LoanChange) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.loanChanges[c.ID]; ok {
		return false, nil
	}
	s.loanChanges[c.ID] = *c
	return true, nil
}

func (s *MemoryStore) GetLoanChange(_ context.Context, id string) (*model.LoanChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.loanChanges[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (s *MemoryStore) ListLoanChanges(_ context.Context, vault string) ([]model.LoanChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LoanChange
	for _, c := range s.loanChanges {
		if key(c.Ref.Vault) == key(vault) {
			result = append(result, c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[j].Ref.Cursor().After(result[i].Ref.Cursor()) })
	return result, nil
}

func (s *MemoryStore) InsertHLPFlow(_ context.Context, f *model.HLPFlow) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.hlpFlows[f.ID]; ok {
		return false, nil
	}
	s.hlpFlows[f.ID] = *f
	return true, nil
}

func (s *MemoryStore) ListHLPFlows(_ context.Context, vault string, fromBlock, toBlock uint64) ([]model.HLPFlow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.HLPFlow
	for _, f := range s.hlpFlows {
		b := f.Ref.BlockNumber
		if key(f.Ref.Vault) != key(vault) || b < fromBlock || (toBlock > 0 && b > toBlock) {
			continue
		}
		result = append(result, f)
	}
	sort.Slice(result, func(i, j int) bool { return result[j].Ref.Cursor().After(result[i].Ref.Cursor()) })
	return result, nil
}

// --- Time series ---

func (s *MemoryStore) InsertRiskSnapshot(_ context.Context, snap *model.RiskMetricSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(snap.Vault)
	series := s.snapshots[k]
	for _, existing := range series {
		if existing.Timestamp.Equal(snap.Timestamp) {
			return nil // keyed by vault+timestamp
		}
	}
	series = append(series, *snap)
	sort.SliceStable(series, func(i, j int) bool { return series[i].Timestamp.Before(series[j].Timestamp) })
	s.snapshots[k] = series
	return nil
}

func (s *MemoryStore) LatestRiskSnapshot(_ context.Context, vault string) (*model.RiskMetricSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	series := s.snapshots[key(vault)]
	if len(series) == 0 {
		return nil, ErrNotFound
	}
	latest := series[len(series)-1]
	return &latest, nil
}

func (s *MemoryStore) ListRiskSnapshots(_ context.Context, vault string, limit int) ([]model.RiskMetricSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	series := s.snapshots[key(vault)]
	var result []model.RiskMetricSnapshot
	for i := len(series) - 1; i >= 0; i-- {
		if limit > 0 && len(result) >= limit {
			break
		}
		result = append(result, series[i])
	}
	return result, nil
}

func (s *MemoryStore) InsertL1Equity(_ context.Context, snap *model.L1EquitySnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(snap.Vault)
	for _, existing := range s.equity[k] {
		if existing.BlockNumber == snap.BlockNumber {
			return nil
		}
	}
	s.equity[k] = append(s.equity[k], *snap)
	return nil
}

func (s *MemoryStore) InsertL1SpotBalance(_ context.Context, snap *model.L1SpotBalanceSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(snap.Vault)
	for _, existing := range s.spot[k] {
		if existing.BlockNumber == snap.BlockNumber && existing.Token == snap.Token {
			return nil
		}
	}
	s.spot[k] = append(s.spot[k], *snap)
	return nil
}

func (s *MemoryStore) RecentL1Equity(_ context.Context, vault string, limit int) ([]model.L1EquitySnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := append([]model.L1EquitySnapshot(nil), s.equity[key(vault)]...)
	sort.Slice(rows, func(i, j int) bool { return rows[i].BlockNumber > rows[j].BlockNumber })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (s *MemoryStore) L1EquityBefore(_ context.Context, vault string, at time.Time) (*model.L1EquitySnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *model.L1EquitySnapshot
	for i, e := range s.equity[key(vault)] {
		if !e.EquityOK || e.Timestamp.After(at) {
			continue
		}
		if best == nil || e.BlockNumber > best.BlockNumber {
			best = &s.equity[key(vault)][i]
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	copy := *best
	return &copy, nil
}

func (s *MemoryStore) RecentL1SpotBalances(_ context.Context, vault string, limit int) ([]model.L1SpotBalanceSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := append([]model.L1SpotBalanceSnapshot(nil), s.spot[key(vault)]...)
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].BlockNumber > rows[j].BlockNumber })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// InsertPriceObservation keys rows on (asset, observed_at); a repeat is a
// no-op, as in PostgreSQL.
func (s *MemoryStore) InsertPriceObservation(_ context.Context, p *model.PriceObservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.prices {
		if existing.Asset == p.Asset && existing.ObservedAt.Equal(p.ObservedAt) {
			return nil
		}
	}
	s.prices = append(s.prices, *p)
	return nil
}

func (s *MemoryStore) ListPriceObservations(_ context.Context, asset string, since time.Time, limit int) ([]model.PriceObservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []model.PriceObservation
	for _, p := range s.prices {
		if asset != "" && !strings.EqualFold(p.Asset, asset) {
			continue
		}
		if !since.IsZero() && p.ObservedAt.Before(since) {
			continue
		}
		rows = append(rows, p)
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].ObservedAt.After(rows[j].ObservedAt) })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// --- Alerts ---

func (s *MemoryStore) InsertAlert(_ context.Context, a *model.EmergencyAlert) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.alerts[a.ID]; ok {
		return false, nil
	}
	copy := *a
	s.alerts[a.ID] = &copy
	s.alertOrder = append(s.alertOrder, a.ID)
	return true, nil
}

func (s *MemoryStore) GetAlert(_ context.Context, id string) (*model.EmergencyAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) ActiveAlerts(_ context.Context, vault string) ([]model.EmergencyAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.EmergencyAlert
	for _, id := range s.alertOrder {
		a := s.alerts[id]
		if key(a.Vault) == key(vault) && !a.Resolved {
			result = append(result, *a)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListAlerts(_ context.Context, vault string, limit int) ([]model.EmergencyAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.EmergencyAlert
	for i := len(s.alertOrder) - 1; i >= 0; i-- {
		if limit > 0 && len(result) >= limit {
			break
		}
		a := s.alerts[s.alertOrder[i]]
		if vault == "" || key(a.Vault) == key(vault) {
			result = append(result, *a)
		}
	}
	return result, nil
}

func (s *MemoryStore) ResolveAlert(_ context.Context, id string, at time.Time, by string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[id]
	if !ok {
		return false, ErrNotFound
	}
	if a.Resolved {
		return false, nil
	}
	resolvedAt := at
	a.Resolved = true
	a.ResolvedAt = &resolvedAt
	a.ResolvedBy = by
	return true, nil
}
