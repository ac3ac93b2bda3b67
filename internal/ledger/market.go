package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/loopvault/risk-engine/internal/metrics"
	"github.com/loopvault/risk-engine/internal/model"
	"github.com/loopvault/risk-engine/internal/store"
)

// ApplyTrove records a lending-market trove update and moves the trove to
// the reported values. When the vault owns the trove, the vault's borrowed
// amount and supplied collateral are recomputed from its active troves.
func (l *Ledger) ApplyTrove(ctx context.Context, ev *TroveEvent) (Result, error) {
	ref := normalizeRef(ev.Ref)
	res := Result{ID: ref.ID(), Kind: KindTrove}

	rec := &model.TroveChange{
		ID:           res.ID,
		Ref:          ref,
		TroveID:      normalize(ev.TroveID),
		Owner:        normalize(ev.Owner),
		Operation:    ev.Operation,
		Debt:         ev.Debt,
		Collateral:   ev.Collateral,
		Stake:        ev.Stake,
		InterestRate: ev.InterestRate,
		Fee:          ev.Fee,
	}
	created, err := l.store.InsertTroveChange(ctx, rec)
	if err != nil {
		return res, fmt.Errorf("ledger: insert trove change %s: %w", res.ID, err)
	}
	res.Recorded = created
	if !created {
		if rec, err = l.store.GetTroveChange(ctx, res.ID); err != nil {
			return res, fmt.Errorf("ledger: reload trove change %s: %w", res.ID, err)
		}
	}

	trove, err := l.loadTrove(ctx, ref.Vault, rec.TroveID)
	if err != nil {
		return res, err
	}
	cur := ref.Cursor()
	if cur.After(trove.Cursor) {
		if rec.Owner != "" {
			trove.Owner = rec.Owner
		}
		trove.Debt = nonNegative(rec.Debt)
		trove.Collateral = nonNegative(rec.Collateral)
		trove.Stake = nonNegative(rec.Stake)
		trove.InterestRate = rec.InterestRate
		trove.Status = model.TroveActive
		switch rec.Operation {
		case model.TroveClose:
			trove.Status = model.TroveClosed
		case model.TroveLiquidate:
			trove.Status = model.TroveLiquidated
		}
		if trove.Status != model.TroveActive {
			trove.Debt, trove.Collateral, trove.Stake = decimal.Zero, decimal.Zero, decimal.Zero
		}
		trove.Cursor = cur
		trove.LastUpdatedBlock = ref.BlockNumber
		trove.LastUpdatedTime = ref.Timestamp
		if err := l.store.SaveTrove(ctx, trove); err != nil {
			return res, fmt.Errorf("ledger: save trove %s: %w", trove.ID, err)
		}
		res.PositionsApplied++
	}

	if trove.Owner == ref.Vault {
		applied, err := l.syncVaultTroves(ctx, ref)
		if err != nil {
			return res, err
		}
		res.VaultApplied = applied
	}

	l.recordRaw(ctx, ref, KindTrove, ev)
	if res.Recorded {
		l.logger.Info("trove updated",
			"vault", ref.Vault, "trove", rec.TroveID, "owner", trove.Owner, "block", ref.BlockNumber,
			"operation", string(rec.Operation), "debt", rec.Debt.String(), "collateral", rec.Collateral.String())
	}
	return res, nil
}

// syncVaultTroves sets the vault's borrowed amount and supplied collateral
// to the totals of the active troves it owns.
func (l *Ledger) syncVaultTroves(ctx context.Context, ref model.EventRef) (bool, error) {
	vault, err := l.loadVault(ctx, ref.Vault)
	if err != nil {
		return false, err
	}
	if !ref.Cursor().After(vault.Cursor) {
		return false, nil
	}
	troves, err := l.store.ListTroves(ctx, ref.Vault)
	if err != nil {
		return false, fmt.Errorf("ledger: list troves %s: %w", ref.Vault, err)
	}
	debt, collateral := decimal.Zero, decimal.Zero
	for _, t := range troves {
		if t.Owner != ref.Vault || t.Status != model.TroveActive {
			continue
		}
		debt = debt.Add(t.Debt)
		collateral = collateral.Add(t.Collateral)
	}
	vault.BorrowedAmount = debt
	vault.TotalDerivative = collateral
	touchVault(vault, ref)
	if err := l.store.SaveVaultLedger(ctx, vault); err != nil {
		return false, fmt.Errorf("ledger: save vault %s: %w", ref.Vault, err)
	}
	return true, nil
}

// ownsTroves reports whether the market has reported any trove owned by
// the vault.
func (l *Ledger) ownsTroves(ctx context.Context, vault string) (bool, error) {
	troves, err := l.store.ListTroves(ctx, vault)
	if err != nil {
		return false, fmt.Errorf("ledger: list troves %s: %w", vault, err)
	}
	for _, t := range troves {
		if t.Owner == vault {
			return true, nil
		}
	}
	return false, nil
}

// ApplyTeller moves collateral in or out of a receiver's teller loan. A
// withdrawal larger than the recorded collateral is clamped and flagged.
func (l *Ledger) ApplyTeller(ctx context.Context, ev *TellerEvent) (Result, error) {
	ref := normalizeRef(ev.Ref)
	teller, receiver := normalize(ev.Teller), normalize(ev.Receiver)
	res := Result{ID: ref.ID(), Kind: KindTeller}

	loan, err := l.loadLoan(ctx, ref.Vault, teller, receiver)
	if err != nil {
		return res, err
	}

	effective := ev.Amount
	if ev.Operation == model.LoanBulkWithdraw {
		effective = decimal.Min(ev.Amount, loan.Collateral)
	}
	effective = nonNegative(effective)
	rec := &model.LoanChange{
		ID:           res.ID,
		Ref:          ref,
		LoanID:       loan.ID,
		Teller:       teller,
		Borrower:     receiver,
		Operation:    ev.Operation,
		Asset:        normalize(ev.Asset),
		Amount:       ev.Amount,
		Effective:    effective,
		Inconsistent: effective.LessThan(ev.Amount),
	}
	created, err := l.store.InsertLoanChange(ctx, rec)
	if err != nil {
		return res, fmt.Errorf("ledger: insert loan change %s: %w", res.ID, err)
	}
	res.Recorded = created
	if !created {
		if rec, err = l.store.GetLoanChange(ctx, res.ID); err != nil {
			return res, fmt.Errorf("ledger: reload loan change %s: %w", res.ID, err)
		}
	}
	res.Inconsistent = rec.Inconsistent
	if created && rec.Inconsistent {
		metrics.LedgerInconsistencies.WithLabelValues(string(KindTeller)).Inc()
		l.logger.Warn("teller withdrawal exceeds recorded collateral, clamping",
			"vault", ref.Vault, "loan", loan.ID, "block", ref.BlockNumber,
			"amount", rec.Amount.String(), "effective", rec.Effective.String())
	}

	if ref.Cursor().After(loan.Cursor) {
		if rec.Operation == model.LoanBulkWithdraw {
			loan.Collateral = nonNegative(loan.Collateral.Sub(rec.Effective))
		} else {
			loan.Collateral = loan.Collateral.Add(rec.Effective)
		}
		loan.Cursor = ref.Cursor()
		loan.LastUpdatedBlock = ref.BlockNumber
		loan.LastUpdatedTime = ref.Timestamp
		if err := l.store.SaveLoan(ctx, loan); err != nil {
			return res, fmt.Errorf("ledger: save loan %s: %w", loan.ID, err)
		}
		res.PositionsApplied++
	}

	l.recordRaw(ctx, ref, KindTeller, ev)
	if res.Recorded {
		l.logger.Info("teller event applied",
			"vault", ref.Vault, "loan", loan.ID, "block", ref.BlockNumber,
			"operation", string(rec.Operation), "amount", rec.Effective.String())
	}
	return res, nil
}

// ApplyHLPTransfer records an L1 flow of the vault's account. Flows carry no
// aggregate; the APY estimator nets them out of equity growth.
func (l *Ledger) ApplyHLPTransfer(ctx context.Context, ev *HLPTransferEvent) (Result, error) {
	ref := normalizeRef(ev.Ref)
	res := Result{ID: ref.ID(), Kind: KindHLPTransfer}

	rec := &model.HLPFlow{
		ID:     res.ID,
		Ref:    ref,
		Type:   ev.Type,
		User:   normalize(ev.User),
		Target: normalize(ev.Target),
		Amount: nonNegative(ev.Amount),
	}
	created, err := l.store.InsertHLPFlow(ctx, rec)
	if err != nil {
		return res, fmt.Errorf("ledger: insert hlp flow %s: %w", res.ID, err)
	}
	res.Recorded = created

	l.recordRaw(ctx, ref, KindHLPTransfer, ev)
	if res.Recorded {
		l.logger.Info("hlp flow recorded",
			"vault", ref.Vault, "type", string(rec.Type), "block", ref.BlockNumber,
			"amount", rec.Amount.String())
	}
	return res, nil
}

func (l *Ledger) loadTrove(ctx context.Context, vault, id string) (*model.Trove, error) {
	t, err := l.store.GetTrove(ctx, vault, id)
	if errors.Is(err, store.ErrNotFound) {
		return &model.Trove{ID: id, Vault: vault, Status: model.TroveActive}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: load trove %s: %w", id, err)
	}
	return t, nil
}

func (l *Ledger) loadLoan(ctx context.Context, vault, teller, receiver string) (*model.Loan, error) {
	id := model.LoanKey(teller, receiver)
	loan, err := l.store.GetLoan(ctx, vault, id)
	if errors.Is(err, store.ErrNotFound) {
		return &model.Loan{ID: id, Vault: vault, Teller: teller, Borrower: receiver}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: load loan %s: %w", id, err)
	}
	return loan, nil
}
