// Package ledger turns ordered vault events into current vault and user
// positions plus an immutable audit trail.
//
// Every apply is idempotent per (tx hash, log index). The immutable record
// is inserted first; a replay finds it and reuses the amounts stored with
// it. Each mutable aggregate carries a cursor watermark and absorbs an event
// only when the event is strictly after it. No cross-entity transaction is
// needed: a crash between writes is healed by replaying the same event.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/loopvault/risk-engine/internal/classify"
	"github.com/loopvault/risk-engine/internal/metrics"
	"github.com/loopvault/risk-engine/internal/model"
	"github.com/loopvault/risk-engine/internal/store"
)

var (
	ErrUnknownKind    = errors.New("ledger: unknown event kind")
	ErrMissingPayload = errors.New("ledger: event payload does not match kind")
	ErrMissingVault   = errors.New("ledger: event has no vault address")
	ErrInvalidPayload = errors.New("ledger: event payload is incomplete")

	// ErrMissingTimestamp rejects block ticks without a header time: the
	// tick time keys the snapshot and its alerts.
	ErrMissingTimestamp = errors.New("ledger: block event has no timestamp")
)

// Result describes what one apply did.
type Result struct {
	ID   string
	Kind Kind

	// Recorded is true when this call created the immutable record.
	Recorded bool
	// VaultApplied and UsersApplied count aggregates that absorbed the
	// event during this call.
	VaultApplied bool
	UsersApplied int
	// PositionsApplied counts troves and loans that absorbed the event.
	PositionsApplied int

	Skipped      bool
	Inconsistent bool
}

// Outcome is a short label for logs and metrics.
func (r Result) Outcome() string {
	switch {
	case r.Skipped:
		return "skipped"
	case r.Recorded || r.VaultApplied || r.UsersApplied > 0 || r.PositionsApplied > 0:
		return "applied"
	default:
		return "replayed"
	}
}

// Ledger applies events to a Store.
type Ledger struct {
	store      store.Store
	classifier *classify.Classifier
	logger     *slog.Logger
}

// New creates a ledger. The classifier labels loop executions; nil gets one
// with no bound protocol addresses, which labels every batch a rebalance.
func New(st store.Store, classifier *classify.Classifier, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	if classifier == nil {
		classifier = classify.New(nil, classify.DefaultRules)
	}
	return &Ledger{store: st, classifier: classifier, logger: logger}
}

// Apply dispatches a tagged event. Block events are not ledger events and
// are rejected.
func (l *Ledger) Apply(ctx context.Context, ev Event) (Result, error) {
	if err := ev.Validate(); err != nil {
		return Result{Kind: ev.Kind}, err
	}

	var res Result
	var err error
	switch ev.Kind {
	case KindDeposit:
		res, err = l.ApplyDeposit(ctx, ev.Deposit)
	case KindWithdrawal:
		res, err = l.ApplyWithdrawal(ctx, ev.Withdrawal)
	case KindTransfer:
		res, err = l.ApplyTransfer(ctx, ev.Transfer)
	case KindLoopExecution:
		res, err = l.ApplyLoopExecution(ctx, ev.Loop)
	case KindTrove:
		res, err = l.ApplyTrove(ctx, ev.Trove)
	case KindTeller:
		res, err = l.ApplyTeller(ctx, ev.Teller)
	case KindHLPTransfer:
		res, err = l.ApplyHLPTransfer(ctx, ev.HLP)
	default:
		return Result{Kind: ev.Kind}, ErrUnknownKind
	}

	outcome := res.Outcome()
	if err != nil {
		outcome = "error"
	}
	metrics.EventsApplied.WithLabelValues(string(ev.Kind), outcome).Inc()
	return res, err
}

// ApplyDeposit mints shares to the owner.
func (l *Ledger) ApplyDeposit(ctx context.Context, ev *DepositEvent) (Result, error) {
	ref := normalizeRef(ev.Ref)
	owner := normalize(ev.Owner)
	res := Result{ID: ref.ID(), Kind: KindDeposit}

	vault, err := l.loadVault(ctx, ref.Vault)
	if err != nil {
		return res, err
	}

	rec := &model.Deposit{
		ID:               res.ID,
		Ref:              ref,
		User:             owner,
		Amount:           ev.Assets,
		Shares:           ev.Shares,
		SharePrice:       sharePrice(ev.Assets, ev.Shares),
		TotalSupplyAfter: vault.TotalShares.Add(ev.Shares),
	}
	created, err := l.store.InsertDeposit(ctx, rec)
	if err != nil {
		return res, fmt.Errorf("ledger: insert deposit %s: %w", res.ID, err)
	}
	res.Recorded = created
	if !created {
		if rec, err = l.store.GetDeposit(ctx, res.ID); err != nil {
			return res, fmt.Errorf("ledger: reload deposit %s: %w", res.ID, err)
		}
	}

	cur := ref.Cursor()
	if cur.After(vault.Cursor) {
		vault.TotalAssets = vault.TotalAssets.Add(rec.Amount)
		vault.TotalShares = vault.TotalShares.Add(rec.Shares)
		vault.DepositCount++
		touchVault(vault, ref)
		if err := l.store.SaveVaultLedger(ctx, vault); err != nil {
			return res, fmt.Errorf("ledger: save vault %s: %w", ref.Vault, err)
		}
		res.VaultApplied = true
	}

	user, err := l.loadUser(ctx, ref.Vault, rec.User)
	if err != nil {
		return res, err
	}
	if cur.After(user.Cursor) {
		user.Shares = user.Shares.Add(rec.Shares)
		user.DepositedAmount = user.DepositedAmount.Add(rec.Amount)
		user.DepositCount++
		user.Active = true
		touchUser(user, ref)
		if err := l.store.SaveUserPosition(ctx, user); err != nil {
			return res, fmt.Errorf("ledger: save user %s: %w", rec.User, err)
		}
		res.UsersApplied++
	}

	l.recordRaw(ctx, ref, KindDeposit, ev)
	if res.Recorded {
		l.logger.Info("deposit applied",
			"vault", ref.Vault, "user", rec.User, "block", ref.BlockNumber,
			"assets", rec.Amount.String(), "shares", rec.Shares.String())
	}
	return res, nil
}

// ApplyWithdrawal burns shares from the owner. A burn larger than the
// recorded balance is clamped and flagged, never rejected.
func (l *Ledger) ApplyWithdrawal(ctx context.Context, ev *WithdrawalEvent) (Result, error) {
	ref := normalizeRef(ev.Ref)
	owner := normalize(ev.Owner)
	res := Result{ID: ref.ID(), Kind: KindWithdrawal}

	vault, err := l.loadVault(ctx, ref.Vault)
	if err != nil {
		return res, err
	}
	user, err := l.loadUser(ctx, ref.Vault, owner)
	if err != nil {
		return res, err
	}

	effective := decimal.Min(ev.Shares, user.Shares)
	if effective.IsNegative() {
		effective = decimal.Zero
	}
	rec := &model.Withdrawal{
		ID:               res.ID,
		Ref:              ref,
		User:             owner,
		Assets:           ev.Assets,
		Shares:           ev.Shares,
		EffectiveShares:  effective,
		SharePrice:       sharePrice(ev.Assets, ev.Shares),
		TotalSupplyAfter: nonNegative(vault.TotalShares.Sub(effective)),
		Inconsistent:     effective.LessThan(ev.Shares) || ev.Assets.GreaterThan(vault.TotalAssets),
	}
	created, err := l.store.InsertWithdrawal(ctx, rec)
	if err != nil {
		return res, fmt.Errorf("ledger: insert withdrawal %s: %w", res.ID, err)
	}
	res.Recorded = created
	if !created {
		if rec, err = l.store.GetWithdrawal(ctx, res.ID); err != nil {
			return res, fmt.Errorf("ledger: reload withdrawal %s: %w", res.ID, err)
		}
	}
	res.Inconsistent = rec.Inconsistent
	if created && rec.Inconsistent {
		metrics.LedgerInconsistencies.WithLabelValues(string(KindWithdrawal)).Inc()
		l.logger.Warn("withdrawal exceeds recorded balance, clamping",
			"vault", ref.Vault, "user", owner, "block", ref.BlockNumber,
			"shares", rec.Shares.String(), "effective_shares", rec.EffectiveShares.String(),
			"assets", rec.Assets.String(), "vault_assets", vault.TotalAssets.String())
	}

	cur := ref.Cursor()
	if cur.After(vault.Cursor) {
		vault.TotalAssets = nonNegative(vault.TotalAssets.Sub(rec.Assets))
		vault.TotalShares = nonNegative(vault.TotalShares.Sub(rec.EffectiveShares))
		vault.WithdrawalCount++
		touchVault(vault, ref)
		if err := l.store.SaveVaultLedger(ctx, vault); err != nil {
			return res, fmt.Errorf("ledger: save vault %s: %w", ref.Vault, err)
		}
		res.VaultApplied = true
	}

	if cur.After(user.Cursor) {
		user.Shares = nonNegative(user.Shares.Sub(rec.EffectiveShares))
		touchUser(user, ref)
		if user.Shares.IsZero() {
			deactivate(user)
		}
		if err := l.store.SaveUserPosition(ctx, user); err != nil {
			return res, fmt.Errorf("ledger: save user %s: %w", owner, err)
		}
		res.UsersApplied++
	}

	l.recordRaw(ctx, ref, KindWithdrawal, ev)
	if res.Recorded {
		l.logger.Info("withdrawal applied",
			"vault", ref.Vault, "user", owner, "block", ref.BlockNumber,
			"assets", rec.Assets.String(), "shares", rec.EffectiveShares.String())
	}
	return res, nil
}

// ApplyTransfer moves shares between holders. Mints and burns (either side
// is the zero address) are skipped; Deposit and Withdraw account for them.
// The sender and receiver are updated independently: a failure on one side
// is reported but does not prevent the other.
func (l *Ledger) ApplyTransfer(ctx context.Context, ev *TransferEvent) (Result, error) {
	ref := normalizeRef(ev.Ref)
	from, to := normalize(ev.From), normalize(ev.To)
	res := Result{ID: ref.ID(), Kind: KindTransfer}

	if isZeroAddress(from) || isZeroAddress(to) {
		res.Skipped = true
		return res, nil
	}

	sender, err := l.loadUser(ctx, ref.Vault, from)
	if err != nil {
		return res, err
	}

	effective := decimal.Min(ev.Value, sender.Shares)
	if effective.IsNegative() {
		effective = decimal.Zero
	}
	rec := &model.ShareTransfer{
		ID:             res.ID,
		Ref:            ref,
		From:           from,
		To:             to,
		Value:          ev.Value,
		EffectiveValue: effective,
		Inconsistent:   effective.LessThan(ev.Value),
	}
	created, err := l.store.InsertTransfer(ctx, rec)
	if err != nil {
		return res, fmt.Errorf("ledger: insert transfer %s: %w", res.ID, err)
	}
	res.Recorded = created
	if !created {
		if rec, err = l.store.GetTransfer(ctx, res.ID); err != nil {
			return res, fmt.Errorf("ledger: reload transfer %s: %w", res.ID, err)
		}
	}
	res.Inconsistent = rec.Inconsistent
	if created && rec.Inconsistent {
		metrics.LedgerInconsistencies.WithLabelValues(string(KindTransfer)).Inc()
		l.logger.Warn("transfer exceeds sender balance, clamping",
			"vault", ref.Vault, "from", from, "to", to, "block", ref.BlockNumber,
			"value", rec.Value.String(), "effective_value", rec.EffectiveValue.String())
	}

	if from == to {
		// Self-transfer: balances are unchanged.
		l.recordRaw(ctx, ref, KindTransfer, ev)
		return res, nil
	}

	cur := ref.Cursor()
	var errs []error

	if cur.After(sender.Cursor) {
		sender.Shares = nonNegative(sender.Shares.Sub(rec.EffectiveValue))
		touchUser(sender, ref)
		if sender.Shares.IsZero() {
			deactivate(sender)
		}
		if err := l.store.SaveUserPosition(ctx, sender); err != nil {
			l.logger.Error("transfer sender update failed", "vault", ref.Vault, "user", from, "id", res.ID, "err", err)
			errs = append(errs, fmt.Errorf("ledger: save sender %s: %w", from, err))
		} else {
			res.UsersApplied++
		}
	}

	applied, err := l.creditReceiver(ctx, ref, to, rec.EffectiveValue)
	if err != nil {
		l.logger.Error("transfer receiver update failed", "vault", ref.Vault, "user", to, "id", res.ID, "err", err)
		errs = append(errs, err)
	} else if applied {
		res.UsersApplied++
	}

	if len(errs) == 0 {
		l.recordRaw(ctx, ref, KindTransfer, ev)
	}
	return res, errors.Join(errs...)
}

func (l *Ledger) creditReceiver(ctx context.Context, ref model.EventRef, to string, value decimal.Decimal) (bool, error) {
	receiver, err := l.loadUser(ctx, ref.Vault, to)
	if err != nil {
		return false, err
	}
	if !ref.Cursor().After(receiver.Cursor) {
		return false, nil
	}
	receiver.Shares = receiver.Shares.Add(value)
	if receiver.Shares.IsPositive() {
		receiver.Active = true
	}
	touchUser(receiver, ref)
	if err := l.store.SaveUserPosition(ctx, receiver); err != nil {
		return false, fmt.Errorf("ledger: save receiver %s: %w", to, err)
	}
	return true, nil
}

// ApplyLoopExecution classifies a strategy batch, records it with the
// leverage observed before it ran, and folds successful legs into the vault
// aggregate. LeverageAfter is filled by the next metrics cycle.
func (l *Ledger) ApplyLoopExecution(ctx context.Context, ev *LoopExecutionEvent) (Result, error) {
	ref := normalizeRef(ev.Ref)
	res := Result{ID: ref.ID(), Kind: KindLoopExecution}

	vault, err := l.loadVault(ctx, ref.Vault)
	if err != nil {
		return res, err
	}

	breakdown := l.classifier.Inspect(ev.Targets, ev.calls())
	before := vault.LeverageRatio
	if before == 0 {
		before = 1.0
	}
	rec := &model.LoopExecution{
		ID:               res.ID,
		Ref:              ref,
		Type:             breakdown.Type,
		Calls:            len(ev.CallData),
		StakingAmount:    breakdown.StakingAmount,
		DerivativeAmount: breakdown.DerivativeAmount,
		BorrowDelta:      breakdown.BorrowDelta,
		LeverageBefore:   before,
		Success:          ev.Success,
		ErrorMessage:     ev.ErrorMessage,
	}
	created, err := l.store.InsertLoopExecution(ctx, rec)
	if err != nil {
		return res, fmt.Errorf("ledger: insert loop execution %s: %w", res.ID, err)
	}
	res.Recorded = created
	if !created {
		if rec, err = l.store.GetLoopExecution(ctx, res.ID); err != nil {
			return res, fmt.Errorf("ledger: reload loop execution %s: %w", res.ID, err)
		}
	} else {
		metrics.ExecutionsClassified.WithLabelValues(string(rec.Type)).Inc()
	}

	if rec.Success && ref.Cursor().After(vault.Cursor) {
		owned, err := l.ownsTroves(ctx, ref.Vault)
		if err != nil {
			return res, err
		}
		vault.TotalStaked = nonNegative(vault.TotalStaked.Add(rec.StakingAmount))
		if !owned {
			// Once the market reports the vault's troves, their collateral
			// and debt replace the amounts decoded from calldata.
			vault.TotalDerivative = nonNegative(vault.TotalDerivative.Add(rec.DerivativeAmount))
			vault.BorrowedAmount = nonNegative(vault.BorrowedAmount.Add(rec.BorrowDelta))
		}
		touchVault(vault, ref)
		if err := l.store.SaveVaultLedger(ctx, vault); err != nil {
			return res, fmt.Errorf("ledger: save vault %s: %w", ref.Vault, err)
		}
		res.VaultApplied = true
	}

	l.recordRaw(ctx, ref, KindLoopExecution, ev)
	if res.Recorded {
		l.logger.Info("loop execution recorded",
			"vault", ref.Vault, "block", ref.BlockNumber, "type", string(rec.Type),
			"calls", rec.Calls, "success", rec.Success, "leverage_before", rec.LeverageBefore)
	}
	return res, nil
}

// --- helpers ---

func (l *Ledger) loadVault(ctx context.Context, addr string) (*model.VaultPosition, error) {
	v, err := l.store.LoadVaultLedger(ctx, addr)
	if errors.Is(err, store.ErrNotFound) {
		return &model.VaultPosition{Address: addr}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: load vault %s: %w", addr, err)
	}
	return v, nil
}

func (l *Ledger) loadUser(ctx context.Context, vault, user string) (*model.UserPosition, error) {
	p, err := l.store.GetUserPosition(ctx, vault, user)
	if errors.Is(err, store.ErrNotFound) {
		return &model.UserPosition{Vault: vault, User: user}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: load user %s: %w", user, err)
	}
	return p, nil
}

// recordRaw keeps the decoded payload for audit. Failures are logged only.
func (l *Ledger) recordRaw(ctx context.Context, ref model.EventRef, kind Kind, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		l.logger.Warn("raw event encode failed", "id", ref.ID(), "err", err)
		return
	}
	if _, err := l.store.InsertRawEvent(ctx, &model.RawEvent{
		ID:        ref.ID(),
		Ref:       ref,
		EventName: string(kind),
		Payload:   data,
	}); err != nil {
		l.logger.Warn("raw event insert failed", "id", ref.ID(), "err", err)
	}
}

func touchVault(v *model.VaultPosition, ref model.EventRef) {
	v.Cursor = ref.Cursor()
	v.LastUpdatedBlock = ref.BlockNumber
	v.LastUpdatedTime = ref.Timestamp
}

func touchUser(p *model.UserPosition, ref model.EventRef) {
	p.Cursor = ref.Cursor()
	p.LastUpdatedBlock = ref.BlockNumber
	p.LastUpdatedTime = ref.Timestamp
}

// deactivate marks an exited holder. The row is kept for history.
func deactivate(p *model.UserPosition) {
	p.Active = false
	p.ShareValue = decimal.Zero
	p.CurrentValue = decimal.Zero
	p.ProportionOfVault = 0
}

func sharePrice(assets, shares decimal.Decimal) decimal.Decimal {
	if shares.IsZero() {
		return decimal.Zero
	}
	return assets.DivRound(shares, 18)
}

func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

func normalize(addr string) string { return strings.ToLower(strings.TrimSpace(addr)) }

func normalizeRef(ref model.EventRef) model.EventRef {
	ref.Vault = normalize(ref.Vault)
	ref.TxHash = normalize(ref.TxHash)
	return ref
}

func isZeroAddress(addr string) bool {
	if addr == "" {
		return true
	}
	return common.HexToAddress(addr) == (common.Address{})
}
