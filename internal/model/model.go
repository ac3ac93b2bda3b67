// Package model defines the core domain types shared across the risk engine.
// Amounts, shares and USD values use shopspring/decimal, never float64 for
// money. Ratios (leverage, health factor, yield) are plain float64.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// EventRef identifies one decoded log delivered by the indexer.
type EventRef struct {
	Vault       string    `json:"vault"`
	TxHash      string    `json:"tx_hash"`
	LogIndex    uint      `json:"log_index"`
	BlockNumber uint64    `json:"block_number"`
	Timestamp   time.Time `json:"timestamp"`
}

// ID is the deterministic primary key of everything derived from this event.
func (r EventRef) ID() string {
	return fmt.Sprintf("%s-%d", strings.ToLower(r.TxHash), r.LogIndex)
}

// Cursor returns the ordering position of the event within its contract.
func (r EventRef) Cursor() Cursor {
	return Cursor{Block: r.BlockNumber, LogIndex: r.LogIndex}
}

// Cursor orders events within a single contract's log stream. Mutable
// aggregates store the cursor of the last event they absorbed; an event at
// or before that watermark has already been applied.
type Cursor struct {
	Block    uint64 `json:"block"`
	LogIndex uint   `json:"log_index"`
}

// After reports whether c is strictly later than o.
func (c Cursor) After(o Cursor) bool {
	if c.Block != o.Block {
		return c.Block > o.Block
	}
	return c.LogIndex > o.LogIndex
}

// IsZero reports whether no event has been applied yet.
func (c Cursor) IsZero() bool {
	return c.Block == 0 && c.LogIndex == 0
}

// VaultPosition is the current aggregate for one vault. Ledger columns are
// written by the Position Ledger; valuation columns by the metrics cycle.
type VaultPosition struct {
	Address string `json:"address"`

	// Ledger columns.
	TotalAssets     decimal.Decimal `json:"total_assets"`
	TotalShares     decimal.Decimal `json:"total_shares"`
	TotalStaked     decimal.Decimal `json:"total_staked"`
	TotalDerivative decimal.Decimal `json:"total_derivative"` // derivative supplied as collateral
	BorrowedAmount  decimal.Decimal `json:"borrowed_amount"`
	DepositCount    int64           `json:"deposit_count"`
	WithdrawalCount int64           `json:"withdrawal_count"`
	Cursor          Cursor          `json:"cursor"`

	// Valuation columns.
	LeverageRatio   float64         `json:"leverage_ratio"`
	CollateralValue decimal.Decimal `json:"collateral_value"`
	NetAssetValue   decimal.Decimal `json:"net_asset_value"`

	LastUpdatedBlock uint64    `json:"last_updated_block"`
	LastUpdatedTime  time.Time `json:"last_updated_time"`
}

// Valuation is the subset of VaultPosition owned by the metrics cycle.
type Valuation struct {
	LeverageRatio   float64
	CollateralValue decimal.Decimal
	NetAssetValue   decimal.Decimal
	BlockNumber     uint64
	Timestamp       time.Time
}

// UserPosition is one holder's share of a vault. Positions are never
// deleted; a holder who exits keeps a zeroed, inactive row.
type UserPosition struct {
	Vault             string          `json:"vault"`
	User              string          `json:"user"`
	Shares            decimal.Decimal `json:"shares"`
	ShareValue        decimal.Decimal `json:"share_value"`
	ProportionOfVault float64         `json:"proportion_of_vault"`
	DepositedAmount   decimal.Decimal `json:"deposited_amount"`
	CurrentValue      decimal.Decimal `json:"current_value"`
	UnrealizedPnL     decimal.Decimal `json:"unrealized_pnl"`
	DepositCount      int64           `json:"deposit_count"`
	Active            bool            `json:"active"`
	Cursor            Cursor          `json:"cursor"`
	LastUpdatedBlock  uint64          `json:"last_updated_block"`
	LastUpdatedTime   time.Time       `json:"last_updated_time"`
}

// UserKey returns the composite key of a user position.
func UserKey(vault, user string) string {
	return strings.ToLower(vault) + "-" + strings.ToLower(user)
}

// UserValuation is the subset of UserPosition owned by the metrics cycle.
type UserValuation struct {
	User              string
	ShareValue        decimal.Decimal
	ProportionOfVault float64
	CurrentValue      decimal.Decimal
	UnrealizedPnL     decimal.Decimal
}

// Deposit is an immutable record of shares minted against a deposit.
type Deposit struct {
	ID               string          `json:"id"`
	Ref              EventRef        `json:"ref"`
	User             string          `json:"user"`
	Amount           decimal.Decimal `json:"amount"`
	Shares           decimal.Decimal `json:"shares"`
	SharePrice       decimal.Decimal `json:"share_price"`
	TotalSupplyAfter decimal.Decimal `json:"total_supply_after"`
}

// Withdrawal is an immutable record of shares burned for assets.
// EffectiveShares differs from Shares only when the recorded balance could
// not cover the burn; Inconsistent is set in that case.
type Withdrawal struct {
	ID               string          `json:"id"`
	Ref              EventRef        `json:"ref"`
	User             string          `json:"user"`
	Assets           decimal.Decimal `json:"assets"`
	Shares           decimal.Decimal `json:"shares"`
	EffectiveShares  decimal.Decimal `json:"effective_shares"`
	SharePrice       decimal.Decimal `json:"share_price"`
	TotalSupplyAfter decimal.Decimal `json:"total_supply_after"`
	Inconsistent     bool            `json:"inconsistent"`
}

// ShareTransfer is an immutable record of shares moved between holders.
type ShareTransfer struct {
	ID             string          `json:"id"`
	Ref            EventRef        `json:"ref"`
	From           string          `json:"from"`
	To             string          `json:"to"`
	Value          decimal.Decimal `json:"value"`
	EffectiveValue decimal.Decimal `json:"effective_value"`
	Inconsistent   bool            `json:"inconsistent"`
}

// ExecutionType is the inferred intent of a strategy batch.
type ExecutionType string

const (
	IncreaseLeverage ExecutionType = "increase_leverage"
	DecreaseLeverage ExecutionType = "decrease_leverage"
	Rebalance        ExecutionType = "rebalance"
)

// LoopExecution records one strategy batch. LeverageAfter stays nil until
// the next metrics cycle observes the post-execution leverage.
type LoopExecution struct {
	ID               string          `json:"id"`
	Ref              EventRef        `json:"ref"`
	Type             ExecutionType   `json:"execution_type"`
	Calls            int             `json:"calls"`
	StakingAmount    decimal.Decimal `json:"staking_amount"`    // signed: +stake, -unstake
	DerivativeAmount decimal.Decimal `json:"derivative_amount"` // signed: +supply
	BorrowDelta      decimal.Decimal `json:"borrow_delta"`      // signed: +borrow, -repay
	LeverageBefore   float64         `json:"leverage_before"`
	LeverageAfter    *float64        `json:"leverage_after,omitempty"`
	Success          bool            `json:"success"`
	ErrorMessage     string          `json:"error_message,omitempty"`
}

// RawEvent keeps the decoded payload of every applied event for audit.
type RawEvent struct {
	ID        string   `json:"id"`
	Ref       EventRef `json:"ref"`
	EventName string   `json:"event_name"`
	Payload   []byte   `json:"payload"`
}

// AlertLevel is the coarse classification carried on each snapshot.
type AlertLevel string

const (
	LevelLow      AlertLevel = "low"
	LevelMedium   AlertLevel = "medium"
	LevelHigh     AlertLevel = "high"
	LevelCritical AlertLevel = "critical"
)

// RiskMetricSnapshot is one evaluation cycle's output. Snapshots are never
// mutated; the flags record which inputs were degraded.
type RiskMetricSnapshot struct {
	Vault             string          `json:"vault"`
	BlockNumber       uint64          `json:"block_number"`
	Timestamp         time.Time       `json:"timestamp"`
	LeverageRatio     float64         `json:"leverage_ratio"`
	HealthFactor      float64         `json:"health_factor"`
	LiquidationPrice  decimal.Decimal `json:"liquidation_price"`
	DerivativePrice   decimal.Decimal `json:"derivative_price"`
	StakingPrice      decimal.Decimal `json:"staking_price"`
	CollateralValue   decimal.Decimal `json:"collateral_value"`
	BorrowedValue     decimal.Decimal `json:"borrowed_value"`
	NetAssetValue     decimal.Decimal `json:"net_asset_value"`
	BorrowUtilization float64         `json:"borrow_utilization"`
	NetYield          float64         `json:"net_yield"`
	StakingAPY        float64         `json:"staking_apy"`
	BorrowAPR         float64         `json:"borrow_apr"`
	RiskScore         int             `json:"risk_score"`
	AlertLevel        AlertLevel      `json:"alert_level"`

	PriceStale         bool `json:"price_stale"`
	PriceFallback      bool `json:"price_fallback"`
	StakingAPYFallback bool `json:"staking_apy_fallback"`
	BorrowAPRFallback  bool `json:"borrow_apr_fallback"`
	L1Missing          bool `json:"l1_missing"`
}

// Degraded reports whether any input to the snapshot was not live.
func (s *RiskMetricSnapshot) Degraded() bool {
	return s.PriceStale || s.PriceFallback || s.StakingAPYFallback || s.BorrowAPRFallback || s.L1Missing
}

// AlertType names the monitored condition.
type AlertType string

const (
	AlertLiquidationRisk AlertType = "liquidation_risk"
	AlertHighLeverage    AlertType = "high_leverage"
	AlertLowYield        AlertType = "low_yield"
)

// Severity of an emergency alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// EmergencyAlert is created by the alert evaluator. Resolution is the only
// permitted mutation.
type EmergencyAlert struct {
	ID           string     `json:"id"`
	Vault        string     `json:"vault"`
	Type         AlertType  `json:"alert_type"`
	Severity     Severity   `json:"severity"`
	Message      string     `json:"message"`
	TriggerValue float64    `json:"trigger_value"`
	Threshold    float64    `json:"threshold"`
	BlockNumber  uint64     `json:"block_number"`
	Timestamp    time.Time  `json:"timestamp"`
	Resolved     bool       `json:"resolved"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy   string     `json:"resolved_by,omitempty"`
}

// L1EquitySnapshot is one reader cycle's view of vault equity and the
// withdrawable balance. A field whose read failed keeps its zero value and
// a false OK flag.
type L1EquitySnapshot struct {
	Vault          string          `json:"vault"`
	Equity         decimal.Decimal `json:"equity"`
	LockedUntil    uint64          `json:"locked_until"`
	Withdrawable   decimal.Decimal `json:"withdrawable"`
	EquityOK       bool            `json:"equity_ok"`
	WithdrawableOK bool            `json:"withdrawable_ok"`
	BlockNumber    uint64          `json:"block_number"`
	Timestamp      time.Time       `json:"timestamp"`
}

// L1SpotBalanceSnapshot is one reader cycle's spot balance for one token.
type L1SpotBalanceSnapshot struct {
	Vault       string          `json:"vault"`
	Token       uint64          `json:"token"`
	Total       decimal.Decimal `json:"total"`
	Hold        decimal.Decimal `json:"hold"`
	EntryNtl    decimal.Decimal `json:"entry_ntl"`
	BlockNumber uint64          `json:"block_number"`
	Timestamp   time.Time       `json:"timestamp"`
}

// PriceObservation is the USD price used by one metrics cycle.
type PriceObservation struct {
	Asset      string          `json:"asset"`
	Price      decimal.Decimal `json:"price"`
	Source     string          `json:"source"`
	QuotedAt   time.Time       `json:"quoted_at"`
	ObservedAt time.Time       `json:"observed_at"`
	Stale      bool            `json:"stale"`
	Fallback   bool            `json:"fallback"`
}

// TroveOperation labels a lending-market trove event.
type TroveOperation string

const (
	TroveOpen      TroveOperation = "open"
	TroveAdjust    TroveOperation = "adjust"
	TroveUpdate    TroveOperation = "update"
	TroveClose     TroveOperation = "close"
	TroveLiquidate TroveOperation = "liquidate"
	TroveRedeem    TroveOperation = "redeem"
)

// Valid reports whether op is a known operation.
func (op TroveOperation) Valid() bool {
	switch op {
	case TroveOpen, TroveAdjust, TroveUpdate, TroveClose, TroveLiquidate, TroveRedeem:
		return true
	}
	return false
}

// TroveStatus is the lifecycle state of a trove.
type TroveStatus string

const (
	TroveActive     TroveStatus = "active"
	TroveClosed     TroveStatus = "closed"
	TroveLiquidated TroveStatus = "liquidated"
)

// Trove is the current state of one lending-market position. Debt,
// Collateral and Stake are the absolute values the market last reported.
type Trove struct {
	ID               string          `json:"id"`
	Vault            string          `json:"vault"`
	Owner            string          `json:"owner"`
	Debt             decimal.Decimal `json:"debt"`
	Collateral       decimal.Decimal `json:"collateral"`
	Stake            decimal.Decimal `json:"stake"`
	InterestRate     float64         `json:"interest_rate"`
	Status           TroveStatus     `json:"status"`
	Cursor           Cursor          `json:"cursor"`
	LastUpdatedBlock uint64          `json:"last_updated_block"`
	LastUpdatedTime  time.Time       `json:"last_updated_time"`
}

// TroveChange is the immutable record of one trove event.
type TroveChange struct {
	ID           string          `json:"id"`
	Ref          EventRef        `json:"ref"`
	TroveID      string          `json:"trove_id"`
	Owner        string          `json:"owner"`
	Operation    TroveOperation  `json:"operation"`
	Debt         decimal.Decimal `json:"debt"`
	Collateral   decimal.Decimal `json:"collateral"`
	Stake        decimal.Decimal `json:"stake"`
	InterestRate float64         `json:"interest_rate"`
	Fee          decimal.Decimal `json:"fee"`
}

// LoanOperation labels a teller event.
type LoanOperation string

const (
	LoanDeposit      LoanOperation = "deposit"
	LoanBulkDeposit  LoanOperation = "bulk_deposit"
	LoanBulkWithdraw LoanOperation = "bulk_withdraw"
)

// Valid reports whether op is a known operation.
func (op LoanOperation) Valid() bool {
	switch op {
	case LoanDeposit, LoanBulkDeposit, LoanBulkWithdraw:
		return true
	}
	return false
}

// Loan is the collateral one receiver holds through a teller contract.
type Loan struct {
	ID               string          `json:"id"`
	Vault            string          `json:"vault"`
	Teller           string          `json:"teller"`
	Borrower         string          `json:"borrower"`
	Collateral       decimal.Decimal `json:"collateral"`
	Cursor           Cursor          `json:"cursor"`
	LastUpdatedBlock uint64          `json:"last_updated_block"`
	LastUpdatedTime  time.Time       `json:"last_updated_time"`
}

// LoanKey returns the composite key of a loan.
func LoanKey(teller, receiver string) string {
	return strings.ToLower(teller) + "-" + strings.ToLower(receiver)
}

// LoanChange is the immutable record of one teller event. Effective is the
// amount actually applied; a withdrawal larger than the recorded collateral
// is clamped and flagged Inconsistent.
type LoanChange struct {
	ID           string          `json:"id"`
	Ref          EventRef        `json:"ref"`
	LoanID       string          `json:"loan_id"`
	Teller       string          `json:"teller"`
	Borrower     string          `json:"borrower"`
	Operation    LoanOperation   `json:"operation"`
	Asset        string          `json:"asset"`
	Amount       decimal.Decimal `json:"amount"`
	Effective    decimal.Decimal `json:"effective"`
	Inconsistent bool            `json:"inconsistent"`
}

// HLPFlowType labels a transfer between the vault's L1 accounts.
type HLPFlowType string

const (
	HLPVaultDeposit  HLPFlowType = "vault_deposit"
	HLPVaultWithdraw HLPFlowType = "vault_withdraw"
	HLPL1Deposit     HLPFlowType = "l1_deposit"
	HLPL1Withdrawal  HLPFlowType = "l1_withdrawal"
	HLPPerpTransfer  HLPFlowType = "perp_transfer"
	HLPSpotTransfer  HLPFlowType = "spot_transfer"
)

// Valid reports whether t is a known flow type.
func (t HLPFlowType) Valid() bool {
	switch t {
	case HLPVaultDeposit, HLPVaultWithdraw, HLPL1Deposit, HLPL1Withdrawal, HLPPerpTransfer, HLPSpotTransfer:
		return true
	}
	return false
}

// HLPFlow is the immutable record of one L1 write touching the vault.
// Amount is in the same raw units as L1EquitySnapshot.Equity.
type HLPFlow struct {
	ID     string          `json:"id"`
	Ref    EventRef        `json:"ref"`
	Type   HLPFlowType     `json:"flow_type"`
	User   string          `json:"user"`
	Target string          `json:"target"`
	Amount decimal.Decimal `json:"amount"`
}
