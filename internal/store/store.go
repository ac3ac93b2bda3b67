// Package store defines the persistence interface for the risk engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// No multi-entity transactions are assumed. Immutable records are written
// with insert-if-absent semantics keyed by natural identity, so a replay or
// a concurrent reprocessing run converges on the same rows.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/loopvault/risk-engine/internal/model"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Vault aggregate ---

	// GetVaultPosition returns the vault aggregate or ErrNotFound.
	GetVaultPosition(ctx context.Context, vault string) (*model.VaultPosition, error)

	// LoadVaultLedger returns the vault aggregate from the source of truth,
	// never from a cache. The ledger's read-modify-write cycle uses it.
	LoadVaultLedger(ctx context.Context, vault string) (*model.VaultPosition, error)

	// SaveVaultLedger upserts the ledger-owned columns of a vault aggregate.
	SaveVaultLedger(ctx context.Context, v *model.VaultPosition) error

	// UpdateVaultValuation writes the metrics-owned columns.
	UpdateVaultValuation(ctx context.Context, vault string, val model.Valuation) error

	// --- User positions ---

	GetUserPosition(ctx context.Context, vault, user string) (*model.UserPosition, error)
	SaveUserPosition(ctx context.Context, p *model.UserPosition) error
	ListUserPositions(ctx context.Context, vault string) ([]model.UserPosition, error)
	UpdateUserValuations(ctx context.Context, vault string, vals []model.UserValuation) error

	// --- Immutable audit trail (insert-if-absent; bool reports a new row) ---

	InsertDeposit(ctx context.Context, d *model.Deposit) (bool, error)
	GetDeposit(ctx context.Context, id string) (*model.Deposit, error)
	ListDeposits(ctx context.Context, vault string) ([]model.Deposit, error)

	InsertWithdrawal(ctx context.Context, w *model.Withdrawal) (bool, error)
	GetWithdrawal(ctx context.Context, id string) (*model.Withdrawal, error)
	ListWithdrawals(ctx context.Context, vault string) ([]model.Withdrawal, error)

	InsertTransfer(ctx context.Context, t *model.ShareTransfer) (bool, error)
	GetTransfer(ctx context.Context, id string) (*model.ShareTransfer, error)

	InsertLoopExecution(ctx context.Context, e *model.LoopExecution) (bool, error)
	GetLoopExecution(ctx context.Context, id string) (*model.LoopExecution, error)
	ListLoopExecutions(ctx context.Context, vault string) ([]model.LoopExecution, error)

	// FillLeverageAfter sets LeverageAfter on every execution of the vault
	// at or before upToBlock that does not have one yet. Returns the number
	// of rows touched.
	FillLeverageAfter(ctx context.Context, vault string, upToBlock uint64, leverage float64) (int, error)

	InsertRawEvent(ctx context.Context, e *model.RawEvent) (bool, error)

	// --- Lending market and L1 flows ---

	GetTrove(ctx context.Context, vault, id string) (*model.Trove, error)
	SaveTrove(ctx context.Context, t *model.Trove) error
	ListTroves(ctx context.Context, vault string) ([]model.Trove, error)

	InsertTroveChange(ctx context.Context, c *model.TroveChange) (bool, error)
	GetTroveChange(ctx context.Context, id string) (*model.TroveChange, error)
	// ListTroveChanges returns changes in chain order. An empty troveID
	// matches every trove of the vault.
	ListTroveChanges(ctx context.Context, vault, troveID string) ([]model.TroveChange, error)

	GetLoan(ctx context.Context, vault, id string) (*model.Loan, error)
	SaveLoan(ctx context.Context, l *model.Loan) error
	ListLoans(ctx context.Context, vault string) ([]model.Loan, error)

	InsertLoanChange(ctx context.Context, c *model.LoanChange) (bool, error)
	GetLoanChange(ctx context.Context, id string) (*model.LoanChange, error)
	ListLoanChanges(ctx context.Context, vault string) ([]model.LoanChange, error)

	InsertHLPFlow(ctx context.Context, f *model.HLPFlow) (bool, error)
	// ListHLPFlows returns flows with fromBlock <= block <= toBlock in chain
	// order. A zero toBlock has no upper bound.
	ListHLPFlows(ctx context.Context, vault string, fromBlock, toBlock uint64) ([]model.HLPFlow, error)

	// --- Time series ---

	InsertRiskSnapshot(ctx context.Context, s *model.RiskMetricSnapshot) error
	LatestRiskSnapshot(ctx context.Context, vault string) (*model.RiskMetricSnapshot, error)
	ListRiskSnapshots(ctx context.Context, vault string, limit int) ([]model.RiskMetricSnapshot, error)

	InsertL1Equity(ctx context.Context, s *model.L1EquitySnapshot) error
	InsertL1SpotBalance(ctx context.Context, s *model.L1SpotBalanceSnapshot) error

	// RecentL1Equity returns up to limit equity snapshots, newest first.
	RecentL1Equity(ctx context.Context, vault string, limit int) ([]model.L1EquitySnapshot, error)

	// L1EquityBefore returns the newest successful equity read taken at or
	// before at, or ErrNotFound.
	L1EquityBefore(ctx context.Context, vault string, at time.Time) (*model.L1EquitySnapshot, error)

	// RecentL1SpotBalances returns up to limit spot rows, newest first.
	RecentL1SpotBalances(ctx context.Context, vault string, limit int) ([]model.L1SpotBalanceSnapshot, error)

	// InsertPriceObservation is a no-op for an existing (asset, observed_at).
	InsertPriceObservation(ctx context.Context, p *model.PriceObservation) error

	// ListPriceObservations returns up to limit observations newest first.
	// An empty asset matches every asset; a zero since has no lower bound.
	ListPriceObservations(ctx context.Context, asset string, since time.Time, limit int) ([]model.PriceObservation, error)

	// --- Alerts ---

	InsertAlert(ctx context.Context, a *model.EmergencyAlert) (bool, error)
	GetAlert(ctx context.Context, id string) (*model.EmergencyAlert, error)
	ActiveAlerts(ctx context.Context, vault string) ([]model.EmergencyAlert, error)
	ListAlerts(ctx context.Context, vault string, limit int) ([]model.EmergencyAlert, error)

	// ResolveAlert marks an alert resolved. Returns false when the alert was
	// already resolved; ErrNotFound when it does not exist.
	ResolveAlert(ctx context.Context, id string, at time.Time, by string) (bool, error)
}
