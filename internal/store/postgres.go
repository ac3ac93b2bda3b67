package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/loopvault/risk-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All amounts are stored as NUMERIC for exact decimal precision and moved
// across the wire as text.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// dec parses a NUMERIC::TEXT column. NULL and garbage read as zero.
func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// --- Vault aggregate ---

func (s *PostgresStore) GetVaultPosition(ctx context.Context, vault string) (*model.VaultPosition, error) {
	var v model.VaultPosition
	var assets, shares, staked, deriv, borrowed, collateral, nav string
	var cursorBlock, cursorLog, lastBlock int64

	err := s.pool.QueryRow(ctx,
		`SELECT address, total_assets::TEXT, total_shares::TEXT, total_staked::TEXT,
		        total_derivative::TEXT, borrowed_amount::TEXT, deposit_count, withdrawal_count,
		        cursor_block, cursor_log, leverage_ratio, collateral_value::TEXT,
		        net_asset_value::TEXT, last_updated_block, last_updated_time
		 FROM vault_positions WHERE address = $1`, strings.ToLower(vault)).
		Scan(&v.Address, &assets, &shares, &staked,
			&deriv, &borrowed, &v.DepositCount, &v.WithdrawalCount,
			&cursorBlock, &cursorLog, &v.LeverageRatio, &collateral,
			&nav, &lastBlock, &v.LastUpdatedTime)
	if err != nil {
		return nil, fmt.Errorf("get vault %s: %w", vault, notFound(err))
	}

	v.TotalAssets = dec(assets)
	v.TotalShares = dec(shares)
	v.TotalStaked = dec(staked)
	v.TotalDerivative = dec(deriv)
	v.BorrowedAmount = dec(borrowed)
	v.CollateralValue = dec(collateral)
	v.NetAssetValue = dec(nav)
	v.Cursor = model.Cursor{Block: uint64(cursorBlock), LogIndex: uint(cursorLog)}
	v.LastUpdatedBlock = uint64(lastBlock)
	return &v, nil
}

func (s *PostgresStore) LoadVaultLedger(ctx context.Context, vault string) (*model.VaultPosition, error) {
	return s.GetVaultPosition(ctx, vault)
}

func (s *PostgresStore) SaveVaultLedger(ctx context.Context, v *model.VaultPosition) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO vault_positions (address, total_assets, total_shares, total_staked,
		     total_derivative, borrowed_amount, deposit_count, withdrawal_count,
		     cursor_block, cursor_log, last_updated_block, last_updated_time)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC,
		     $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (address) DO UPDATE SET
		     total_assets = EXCLUDED.total_assets,
		     total_shares = EXCLUDED.total_shares,
		     total_staked = EXCLUDED.total_staked,
		     total_derivative = EXCLUDED.total_derivative,
		     borrowed_amount = EXCLUDED.borrowed_amount,
		     deposit_count = EXCLUDED.deposit_count,
		     withdrawal_count = EXCLUDED.withdrawal_count,
		     cursor_block = EXCLUDED.cursor_block,
		     cursor_log = EXCLUDED.cursor_log,
		     last_updated_block = EXCLUDED.last_updated_block,
		     last_updated_time = EXCLUDED.last_updated_time`,
		strings.ToLower(v.Address),
		v.TotalAssets.String(), v.TotalShares.String(), v.TotalStaked.String(),
		v.TotalDerivative.String(), v.BorrowedAmount.String(),
		v.DepositCount, v.WithdrawalCount,
		int64(v.Cursor.Block), int64(v.Cursor.LogIndex),
		int64(v.LastUpdatedBlock), v.LastUpdatedTime,
	)
	return err
}

func (s *PostgresStore) UpdateVaultValuation(ctx context.Context, vault string, val model.Valuation) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO vault_positions (address, leverage_ratio, collateral_value, net_asset_value,
		     last_updated_block, last_updated_time)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6)
		 ON CONFLICT (address) DO UPDATE SET
		     leverage_ratio = EXCLUDED.leverage_ratio,
		     collateral_value = EXCLUDED.collateral_value,
		     net_asset_value = EXCLUDED.net_asset_value,
		     last_updated_block = GREATEST(vault_positions.last_updated_block, EXCLUDED.last_updated_block),
		     last_updated_time = CASE WHEN EXCLUDED.last_updated_block > vault_positions.last_updated_block
		                              THEN EXCLUDED.last_updated_time
		                              ELSE vault_positions.last_updated_time END`,
		strings.ToLower(vault), val.LeverageRatio,
		val.CollateralValue.String(), val.NetAssetValue.String(),
		int64(val.BlockNumber), val.Timestamp,
	)
	return err
}

// --- User positions ---

const userColumns = `vault, user_address, shares::TEXT, share_value::TEXT, proportion_of_vault,
	deposited_amount::TEXT, current_value::TEXT, unrealized_pnl::TEXT, deposit_count, active,
	cursor_block, cursor_log, last_updated_block, last_updated_time`

func scanUser(row pgx.Row) (*model.UserPosition, error) {
	var p model.UserPosition
	var shares, shareValue, deposited, current, pnl string
	var cursorBlock, cursorLog, lastBlock int64

	if err := row.Scan(&p.Vault, &p.User, &shares, &shareValue, &p.ProportionOfVault,
		&deposited, &current, &pnl, &p.DepositCount, &p.Active,
		&cursorBlock, &cursorLog, &lastBlock, &p.LastUpdatedTime); err != nil {
		return nil, err
	}
	p.Shares = dec(shares)
	p.ShareValue = dec(shareValue)
	p.DepositedAmount = dec(deposited)
	p.CurrentValue = dec(current)
	p.UnrealizedPnL = dec(pnl)
	p.Cursor = model.Cursor{Block: uint64(cursorBlock), LogIndex: uint(cursorLog)}
	p.LastUpdatedBlock = uint64(lastBlock)
	return &p, nil
}

func (s *PostgresStore) GetUserPosition(ctx context.Context, vault, user string) (*model.UserPosition, error) {
	p, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM user_positions WHERE vault = $1 AND user_address = $2`,
		strings.ToLower(vault), strings.ToLower(user)))
	if err != nil {
		return nil, fmt.Errorf("get user %s/%s: %w", vault, user, notFound(err))
	}
	return p, nil
}

func (s *PostgresStore) SaveUserPosition(ctx context.Context, p *model.UserPosition) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_positions (vault, user_address, shares, share_value, proportion_of_vault,
		     deposited_amount, current_value, unrealized_pnl, deposit_count, active,
		     cursor_block, cursor_log, last_updated_block, last_updated_time)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
		     $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (vault, user_address) DO UPDATE SET
		     shares = EXCLUDED.shares,
		     deposited_amount = EXCLUDED.deposited_amount,
		     deposit_count = EXCLUDED.deposit_count,
		     active = EXCLUDED.active,
		     cursor_block = EXCLUDED.cursor_block,
		     cursor_log = EXCLUDED.cursor_log,
		     last_updated_block = EXCLUDED.last_updated_block,
		     last_updated_time = EXCLUDED.last_updated_time,
		     share_value = CASE WHEN EXCLUDED.active THEN user_positions.share_value ELSE EXCLUDED.share_value END,
		     current_value = CASE WHEN EXCLUDED.active THEN user_positions.current_value ELSE EXCLUDED.current_value END,
		     proportion_of_vault = CASE WHEN EXCLUDED.active THEN user_positions.proportion_of_vault ELSE EXCLUDED.proportion_of_vault END`,
		strings.ToLower(p.Vault), strings.ToLower(p.User),
		p.Shares.String(), p.ShareValue.String(), p.ProportionOfVault,
		p.DepositedAmount.String(), p.CurrentValue.String(), p.UnrealizedPnL.String(),
		p.DepositCount, p.Active,
		int64(p.Cursor.Block), int64(p.Cursor.LogIndex),
		int64(p.LastUpdatedBlock), p.LastUpdatedTime,
	)
	return err
}

func (s *PostgresStore) ListUserPositions(ctx context.Context, vault string) ([]model.UserPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+userColumns+` FROM user_positions WHERE vault = $1 ORDER BY user_address`,
		strings.ToLower(vault))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.UserPosition
	for rows.Next() {
		p, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) UpdateUserValuations(ctx context.Context, vault string, vals []model.UserValuation) error {
	if len(vals) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, v := range vals {
		batch.Queue(
			`UPDATE user_positions
			 SET share_value = $3::NUMERIC, proportion_of_vault = $4,
			     current_value = $5::NUMERIC, unrealized_pnl = $6::NUMERIC
			 WHERE vault = $1 AND user_address = $2`,
			strings.ToLower(vault), strings.ToLower(v.User),
			v.ShareValue.String(), v.ProportionOfVault,
			v.CurrentValue.String(), v.UnrealizedPnL.String(),
		)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

// --- Immutable audit trail ---

func inserted(tag interface{ RowsAffected() int64 }) bool {
	return tag.RowsAffected() > 0
}

func (s *PostgresStore) InsertDeposit(ctx context.Context, d *model.Deposit) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO vault_deposits (id, vault, tx_hash, log_index, block_number, block_time,
		     user_address, amount, shares, share_price, total_supply_after)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC)
		 ON CONFLICT (id) DO NOTHING`,
		d.ID, strings.ToLower(d.Ref.Vault), d.Ref.TxHash, int64(d.Ref.LogIndex),
		int64(d.Ref.BlockNumber), d.Ref.Timestamp, strings.ToLower(d.User),
		d.Amount.String(), d.Shares.String(), d.SharePrice.String(), d.TotalSupplyAfter.String(),
	)
	if err != nil {
		return false, err
	}
	return inserted(tag), nil
}

const depositColumns = `id, vault, tx_hash, log_index, block_number, block_time, user_address,
	amount::TEXT, shares::TEXT, share_price::TEXT, total_supply_after::TEXT`

func scanDeposit(row pgx.Row) (*model.Deposit, error) {
	var d model.Deposit
	var logIndex, block int64
	var amount, shares, price, supply string
	if err := row.Scan(&d.ID, &d.Ref.Vault, &d.Ref.TxHash, &logIndex, &block, &d.Ref.Timestamp,
		&d.User, &amount, &shares, &price, &supply); err != nil {
		return nil, err
	}
	d.Ref.LogIndex = uint(logIndex)
	d.Ref.BlockNumber = uint64(block)
	d.Amount = dec(amount)
	d.Shares = dec(shares)
	d.SharePrice = dec(price)
	d.TotalSupplyAfter = dec(supply)
	return &d, nil
}

func (s *PostgresStore) GetDeposit(ctx context.Context, id string) (*model.Deposit, error) {
	d, err := scanDeposit(s.pool.QueryRow(ctx,
		`SELECT `+depositColumns+` FROM vault_deposits WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get deposit %s: %w", id, notFound(err))
	}
	return d, nil
}

func (s *PostgresStore) ListDeposits(ctx context.Context, vault string) ([]model.Deposit, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+depositColumns+` FROM vault_deposits WHERE vault = $1
		 ORDER BY block_number, log_index`, strings.ToLower(vault))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Deposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *d)
	}
	return result, rows.Err()
}

func (s *PostgresStore) InsertWithdrawal(ctx context.Context, w *model.Withdrawal) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO vault_withdrawals (id, vault, tx_hash, log_index, block_number, block_time,
		     user_address, assets, shares, effective_shares, share_price, total_supply_after, inconsistent)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC,
		     $11::NUMERIC, $12::NUMERIC, $13)
		 ON CONFLICT (id) DO NOTHING`,
		w.ID, strings.ToLower(w.Ref.Vault), w.Ref.TxHash, int64(w.Ref.LogIndex),
		int64(w.Ref.BlockNumber), w.Ref.Timestamp, strings.ToLower(w.User),
		w.Assets.String(), w.Shares.String(), w.EffectiveShares.String(),
		w.SharePrice.String(), w.TotalSupplyAfter.String(), w.Inconsistent,
	)
	if err != nil {
		return false, err
	}
	return inserted(tag), nil
}

const withdrawalColumns = `id, vault, tx_hash, log_index, block_number, block_time, user_address,
	assets::TEXT, shares::TEXT, effective_shares::TEXT, share_price::TEXT,
	total_supply_after::TEXT, inconsistent`

func scanWithdrawal(row pgx.Row) (*model.Withdrawal, error) {
	var w model.Withdrawal
	var logIndex, block int64
	var assets, shares, effective, price, supply string
	if err := row.Scan(&w.ID, &w.Ref.Vault, &w.Ref.TxHash, &logIndex, &block, &w.Ref.Timestamp,
		&w.User, &assets, &shares, &effective, &price, &supply, &w.Inconsistent); err != nil {
		return nil, err
	}
	w.Ref.LogIndex = uint(logIndex)
	w.Ref.BlockNumber = uint64(block)
	w.Assets = dec(assets)
	w.Shares = dec(shares)
	w.EffectiveShares = dec(effective)
	w.SharePrice = dec(price)
	w.TotalSupplyAfter = dec(supply)
	return &w, nil
}

func (s *PostgresStore) GetWithdrawal(ctx context.Context, id string) (*model.Withdrawal, error) {
	w, err := scanWithdrawal(s.pool.QueryRow(ctx,
		`SELECT `+withdrawalColumns+` FROM vault_withdrawals WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get withdrawal %s: %w", id, notFound(err))
	}
	return w, nil
}

func (s *PostgresStore) ListWithdrawals(ctx context.Context, vault string) ([]model.Withdrawal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+withdrawalColumns+` FROM vault_withdrawals WHERE vault = $1
		 ORDER BY block_number, log_index`, strings.ToLower(vault))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *w)
	}
	return result, rows.Err()
}

func (s *PostgresStore) InsertTransfer(ctx context.Context, t *model.ShareTransfer) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO share_transfers (id, vault, tx_hash, log_index, block_number, block_time,
		     from_address, to_address, value, effective_value, inconsistent)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::NUMERIC, $10::NUMERIC, $11)
		 ON CONFLICT (id) DO NOTHING`,
		t.ID, strings.ToLower(t.Ref.Vault), t.Ref.TxHash, int64(t.Ref.LogIndex),
		int64(t.Ref.BlockNumber), t.Ref.Timestamp,
		strings.ToLower(t.From), strings.ToLower(t.To),
		t.Value.String(), t.EffectiveValue.String(), t.Inconsistent,
	)
	if err != nil {
		return false, err
	}
	return inserted(tag), nil
}

func (s *PostgresStore) GetTransfer(ctx context.Context, id string) (*model.ShareTransfer, error) {
	var t model.ShareTransfer
	var logIndex, block int64
	var value, effective string
	err := s.pool.QueryRow(ctx,
		`SELECT id, vault, tx_hash, log_index, block_number, block_time, from_address, to_address,
		        value::TEXT, effective_value::TEXT, inconsistent
		 FROM share_transfers WHERE id = $1`, id).
		Scan(&t.ID, &t.Ref.Vault, &t.Ref.TxHash, &logIndex, &block, &t.Ref.Timestamp,
			&t.From, &t.To, &value, &effective, &t.Inconsistent)
	if err != nil {
		return nil, fmt.Errorf("get transfer %s: %w", id, notFound(err))
	}
	t.Ref.LogIndex = uint(logIndex)
	t.Ref.BlockNumber = uint64(block)
	t.Value = dec(value)
	t.EffectiveValue = dec(effective)
	return &t, nil
}

func (s *PostgresStore) InsertLoopExecution(ctx context.Context, e *model.LoopExecution) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO loop_executions (id, vault, tx_hash, log_index, block_number, block_time,
		     execution_type, calls, staking_amount, derivative_amount, borrow_delta,
		     leverage_before, leverage_after, success, error_message)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC,
		     $12, $13, $14, $15)
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, strings.ToLower(e.Ref.Vault), e.Ref.TxHash, int64(e.Ref.LogIndex),
		int64(e.Ref.BlockNumber), e.Ref.Timestamp,
		string(e.Type), e.Calls, e.StakingAmount.String(), e.DerivativeAmount.String(),
		e.BorrowDelta.String(), e.LeverageBefore, e.LeverageAfter, e.Success, e.ErrorMessage,
	)
	if err != nil {
		return false, err
	}
	return inserted(tag), nil
}

const executionColumns = `id, vault, tx_hash, log_index, block_number, block_time, execution_type,
	calls, staking_amount::TEXT, derivative_amount::TEXT, borrow_delta::TEXT,
	leverage_before, leverage_after, success, error_message`

func scanExecution(row pgx.Row) (*model.LoopExecution, error) {
	var e model.LoopExecution
	var logIndex, block int64
	var execType, staking, deriv, borrow string
	if err := row.Scan(&e.ID, &e.Ref.Vault, &e.Ref.TxHash, &logIndex, &block, &e.Ref.Timestamp,
		&execType, &e.Calls, &staking, &deriv, &borrow,
		&e.LeverageBefore, &e.LeverageAfter, &e.Success, &e.ErrorMessage); err != nil {
		return nil, err
	}
	e.Ref.LogIndex = uint(logIndex)
	e.Ref.BlockNumber = uint64(block)
	e.Type = model.ExecutionType(execType)
	e.StakingAmount = dec(staking)
	e.DerivativeAmount = dec(deriv)
	e.BorrowDelta = dec(borrow)
	return &e, nil
}

func (s *PostgresStore) GetLoopExecution(ctx context.Context, id string) (*model.LoopExecution, error) {
	e, err := scanExecution(s.pool.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM loop_executions WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get loop execution %s: %w", id, notFound(err))
	}
	return e, nil
}

func (s *PostgresStore) ListLoopExecutions(ctx context.Context, vault string) ([]model.LoopExecution, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+executionColumns+` FROM loop_executions WHERE vault = $1
		 ORDER BY block_number, log_index`, strings.ToLower(vault))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.LoopExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}
	return result, rows.Err()
}

func (s *PostgresStore) FillLeverageAfter(ctx context.Context, vault string, upToBlock uint64, leverage float64) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE loop_executions SET leverage_after = $3
		 WHERE vault = $1 AND block_number <= $2 AND leverage_after IS NULL`,
		strings.ToLower(vault), int64(upToBlock), leverage)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) InsertRawEvent(ctx context.Context, e *model.RawEvent) (bool, error) {
	var payload any
	if len(e.Payload) > 0 && json.Valid(e.Payload) {
		payload = string(e.Payload)
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO raw_events (id, vault, event_name, block_number, log_index, tx_hash, block_time, payload)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::JSONB)
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, strings.ToLower(e.Ref.Vault), e.EventName, int64(e.Ref.BlockNumber),
		int64(e.Ref.LogIndex), e.Ref.TxHash, e.Ref.Timestamp, payload,
	)
	if err != nil {
		return false, err
	}
	return inserted(tag), nil
}

// --- Lending market and L1 flows ---

const troveColumns = `trove_id, vault, owner, debt::TEXT, collateral::TEXT, stake::TEXT,
	interest_rate, status, cursor_block, cursor_log, last_updated_block, last_updated_time`

func scanTrove(row pgx.Row) (*model.Trove, error) {
	var t model.Trove
	var debt, collateral, stake, status string
	var cursorBlock, cursorLog, lastBlock int64
	if err := row.Scan(&t.ID, &t.Vault, &t.Owner, &debt, &collateral, &stake,
		&t.InterestRate, &status, &cursorBlock, &cursorLog, &lastBlock, &t.LastUpdatedTime); err != nil {
		return nil, err
	}
	t.Debt = dec(debt)
	t.Collateral = dec(collateral)
	t.Stake = dec(stake)
	t.Status = model.TroveStatus(status)
	t.Cursor = model.Cursor{Block: uint64(cursorBlock), LogIndex: uint(cursorLog)}
	t.LastUpdatedBlock = uint64(lastBlock)
	return &t, nil
}

func (s *PostgresStore) GetTrove(ctx context.Context, vault, id string) (*model.Trove, error) {
	t, err := scanTrove(s.pool.QueryRow(ctx,
		`SELECT `+troveColumns+` FROM troves WHERE vault = $1 AND trove_id = $2`,
		strings.ToLower(vault), strings.ToLower(id)))
	if err != nil {
		return nil, fmt.Errorf("get trove %s/%s: %w", vault, id, notFound(err))
	}
	return t, nil
}

func (s *PostgresStore) SaveTrove(ctx context.Context, t *model.Trove) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO troves (vault, trove_id, owner, debt, collateral, stake, interest_rate,
		     status, cursor_block, cursor_log, last_updated_block, last_updated_time)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (vault, trove_id) DO UPDATE SET
		     owner = EXCLUDED.owner,
		     debt = EXCLUDED.debt,
		     collateral = EXCLUDED.collateral,
		     stake = EXCLUDED.stake,
		     interest_rate = EXCLUDED.interest_rate,
		     status = EXCLUDED.status,
		     cursor_block = EXCLUDED.cursor_block,
		     cursor_log = EXCLUDED.cursor_log,
		     last_updated_block = EXCLUDED.last_updated_block,
		     last_updated_time = EXCLUDED.last_updated_time`,
		strings.ToLower(t.Vault), strings.ToLower(t.ID), strings.ToLower(t.Owner),
		t.Debt.String(), t.Collateral.String(), t.Stake.String(), t.InterestRate,
		string(t.Status), int64(t.Cursor.Block), int64(t.Cursor.LogIndex),
		int64(t.LastUpdatedBlock), t.LastUpdatedTime,
	)
	return err
}

func (s *PostgresStore) ListTroves(ctx context.Context, vault string) ([]model.Trove, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+troveColumns+` FROM troves WHERE vault = $1 ORDER BY trove_id`,
		strings.ToLower(vault))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Trove
	for rows.Next() {
		t, err := scanTrove(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *t)
	}
	return result, rows.Err()
}

func (s *PostgresStore) InsertTroveChange(ctx context.Context, c *model.TroveChange) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO trove_changes (id, vault, tx_hash, log_index, block_number, block_time,
		     trove_id, owner, operation, debt, collateral, stake, interest_rate, fee)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC,
		     $13, $14::NUMERIC)
		 ON CONFLICT (id) DO NOTHING`,
		c.ID, strings.ToLower(c.Ref.Vault), c.Ref.TxHash, int64(c.Ref.LogIndex),
		int64(c.Ref.BlockNumber), c.Ref.Timestamp,
		strings.ToLower(c.TroveID), strings.ToLower(c.Owner), string(c.Operation),
		c.Debt.String(), c.Collateral.String(), c.Stake.String(), c.InterestRate, c.Fee.String(),
	)
	if err != nil {
		return false, err
	}
	return inserted(tag), nil
}

const troveChangeColumns = `id, vault, tx_hash, log_index, block_number, block_time, trove_id,
	owner, operation, debt::TEXT, collateral::TEXT, stake::TEXT, interest_rate, fee::TEXT`

func scanTroveChange(row pgx.Row) (*model.TroveChange, error) {
	var c model.TroveChange
	var logIndex, block int64
	var op, debt, collateral, stake, fee string
	if err := row.Scan(&c.ID, &c.Ref.Vault, &c.Ref.TxHash, &logIndex, &block, &c.Ref.Timestamp,
		&c.TroveID, &c.Owner, &op, &debt, &collateral, &stake, &c.InterestRate, &fee); err != nil {
		return nil, err
	}
	c.Ref.LogIndex = uint(logIndex)
	c.Ref.BlockNumber = uint64(block)
	c.Operation = model.TroveOperation(op)
	c.Debt = dec(debt)
	c.Collateral = dec(collateral)
	c.Stake = dec(stake)
	c.Fee = dec(fee)
	return &c, nil
}

func (s *PostgresStore) GetTroveChange(ctx context.Context, id string) (*model.TroveChange, error) {
	c, err := scanTroveChange(s.pool.QueryRow(ctx,
		`SELECT `+troveChangeColumns+` FROM trove_changes WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get trove change %s: %w", id, notFound(err))
	}
	return c, nil
}

func (s *PostgresStore) ListTroveChanges(ctx context.Context, vault, troveID string) ([]model.TroveChange, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+troveChangeColumns+` FROM trove_changes
		 WHERE vault = $1 AND ($2 = '' OR trove_id = $2)
		 ORDER BY block_number, log_index`, strings.ToLower(vault), strings.ToLower(troveID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.TroveChange
	for rows.Next() {
		c, err := scanTroveChange(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *c)
	}
	return result, rows.Err()
}

const loanColumns = `loan_id, vault, teller, borrower, collateral::TEXT,
	cursor_block, cursor_log, last_updated_block, last_updated_time`

func scanLoan(row pgx.Row) (*model.Loan, error) {
	var l model.Loan
	var collateral string
	var cursorBlock, cursorLog, lastBlock int64
	if err := row.Scan(&l.ID, &l.Vault, &l.Teller, &l.Borrower, &collateral,
		&cursorBlock, &cursorLog, &lastBlock, &l.LastUpdatedTime); err != nil {
		return nil, err
	}
	l.Collateral = dec(collateral)
	l.Cursor = model.Cursor{Block: uint64(cursorBlock), LogIndex: uint(cursorLog)}
	l.LastUpdatedBlock = uint64(lastBlock)
	return &l, nil
}

func (s *PostgresStore) GetLoan(ctx context.Context, vault, id string) (*model.Loan, error) {
	l, err := scanLoan(s.pool.QueryRow(ctx,
		`SELECT `+loanColumns+` FROM loans WHERE vault = $1 AND loan_id = $2`,
		strings.ToLower(vault), strings.ToLower(id)))
	if err != nil {
		return nil, fmt.Errorf("get loan %s/%s: %w", vault, id, notFound(err))
	}
	return l, nil
}

func (s *PostgresStore) SaveLoan(ctx context.Context, l *model.Loan) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO loans (vault, loan_id, teller, borrower, collateral,
		     cursor_block, cursor_log, last_updated_block, last_updated_time)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9)
		 ON CONFLICT (vault, loan_id) DO UPDATE SET
		     collateral = EXCLUDED.collateral,
		     cursor_block = EXCLUDED.cursor_block,
		     cursor_log = EXCLUDED.cursor_log,
		     last_updated_block = EXCLUDED.last_updated_block,
		     last_updated_time = EXCLUDED.last_updated_time`,
		strings.ToLower(l.Vault), strings.ToLower(l.ID), strings.ToLower(l.Teller),
		strings.ToLower(l.Borrower), l.Collateral.String(),
		int64(l.Cursor.Block), int64(l.Cursor.LogIndex),
		int64(l.LastUpdatedBlock), l.LastUpdatedTime,
	)
	return err
}

func (s *PostgresStore) ListLoans(ctx context.Context, vault string) ([]model.Loan, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+loanColumns+` FROM loans WHERE vault = $1 ORDER BY loan_id`,
		strings.ToLower(vault))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Loan
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *l)
	}
	return result, rows.Err()
}

func (s *PostgresStore) InsertLoanChange(ctx context.Context, c *model.LoanChange) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO loan_changes (id, vault, tx_hash, log_index, block_number, block_time,
		     loan_id, teller, borrower, operation, asset, amount, effective, inconsistent)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::NUMERIC, $13::NUMERIC, $14)
		 ON CONFLICT (id) DO NOTHING`,
		c.ID, strings.ToLower(c.Ref.Vault), c.Ref.TxHash, int64(c.Ref.LogIndex),
		int64(c.Ref.BlockNumber), c.Ref.Timestamp,
		strings.ToLower(c.LoanID), strings.ToLower(c.Teller), strings.ToLower(c.Borrower),
		string(c.Operation), c.Asset, c.Amount.String(), c.Effective.String(), c.Inconsistent,
	)
	if err != nil {
		return false, err
	}
	return inserted(tag), nil
}

const loanChangeColumns = `id, vault, tx_hash, log_index, block_number, block_time, loan_id,
	teller, borrower, operation, asset, amount::TEXT, effective::TEXT, inconsistent`

func scanLoanChange(row pgx.Row) (*model.LoanChange, error) {
	var c model.LoanChange
	var logIndex, block int64
	var op, amount, effective string
	if err := row.Scan(&c.ID, &c.Ref.Vault, &c.Ref.TxHash, &logIndex, &block, &c.Ref.Timestamp,
		&c.LoanID, &c.Teller, &c.Borrower, &op, &c.Asset, &amount, &effective, &c.Inconsistent); err != nil {
		return nil, err
	}
	c.Ref.LogIndex = uint(logIndex)
	c.Ref.BlockNumber = uint64(block)
	c.Operation = model.LoanOperation(op)
	c.Amount = dec(amount)
	c.Effective = dec(effective)
	return &c, nil
}

func (s *PostgresStore) GetLoanChange(ctx context.Context, id string) (*model.LoanChange, error) {
	c, err := scanLoanChange(s.pool.QueryRow(ctx,
		`SELECT `+loanChangeColumns+` FROM loan_changes WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get loan change %s: %w", id, notFound(err))
	}
	return c, nil
}

func (s *PostgresStore) ListLoanChanges(ctx context.Context, vault string) ([]model.LoanChange, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+loanChangeColumns+` FROM loan_changes WHERE vault = $1
		 ORDER BY block_number, log_index`, strings.ToLower(vault))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.LoanChange
	for rows.Next() {
		c, err := scanLoanChange(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *c)
	}
	return result, rows.Err()
}

func (s *PostgresStore) InsertHLPFlow(ctx context.Context, f *model.HLPFlow) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO hlp_flows (id, vault, tx_hash, log_index, block_number, block_time,
		     flow_type, user_address, target, amount)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::NUMERIC)
		 ON CONFLICT (id) DO NOTHING`,
		f.ID, strings.ToLower(f.Ref.Vault), f.Ref.TxHash, int64(f.Ref.LogIndex),
		int64(f.Ref.BlockNumber), f.Ref.Timestamp,
		string(f.Type), strings.ToLower(f.User), strings.ToLower(f.Target), f.Amount.String(),
	)
	if err != nil {
		return false, err
	}
	return inserted(tag), nil
}

func (s *PostgresStore) ListHLPFlows(ctx context.Context, vault string, fromBlock, toBlock uint64) ([]model.HLPFlow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, vault, tx_hash, log_index, block_number, block_time, flow_type,
		        user_address, target, amount::TEXT
		 FROM hlp_flows
		 WHERE vault = $1 AND block_number >= $2 AND ($3::BIGINT = 0 OR block_number <= $3)
		 ORDER BY block_number, log_index`,
		strings.ToLower(vault), int64(fromBlock), int64(toBlock))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.HLPFlow
	for rows.Next() {
		var f model.HLPFlow
		var logIndex, block int64
		var flowType, amount string
		if err := rows.Scan(&f.ID, &f.Ref.Vault, &f.Ref.TxHash, &logIndex, &block, &f.Ref.Timestamp,
			&flowType, &f.User, &f.Target, &amount); err != nil {
			return nil, err
		}
		f.Ref.LogIndex = uint(logIndex)
		f.Ref.BlockNumber = uint64(block)
		f.Type = model.HLPFlowType(flowType)
		f.Amount = dec(amount)
		result = append(result, f)
	}
	return result, rows.Err()
}

// --- Time series ---

func (s *PostgresStore) InsertRiskSnapshot(ctx context.Context, m *model.RiskMetricSnapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO risk_metric_snapshots (vault, snapshot_time, block_number, leverage_ratio,
		     health_factor, liquidation_price, derivative_price, staking_price, collateral_value,
		     borrowed_value, net_asset_value, borrow_utilization, net_yield, staking_apy, borrow_apr,
		     risk_score, alert_level, price_stale, price_fallback, staking_apy_fallback,
		     borrow_apr_fallback, l1_missing)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC,
		     $10::NUMERIC, $11::NUMERIC, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		 ON CONFLICT (vault, snapshot_time) DO NOTHING`,
		strings.ToLower(m.Vault), m.Timestamp, int64(m.BlockNumber), m.LeverageRatio,
		m.HealthFactor, m.LiquidationPrice.String(), m.DerivativePrice.String(),
		m.StakingPrice.String(), m.CollateralValue.String(), m.BorrowedValue.String(),
		m.NetAssetValue.String(), m.BorrowUtilization, m.NetYield, m.StakingAPY, m.BorrowAPR,
		m.RiskScore, string(m.AlertLevel), m.PriceStale, m.PriceFallback,
		m.StakingAPYFallback, m.BorrowAPRFallback, m.L1Missing,
	)
	return err
}

const snapshotColumns = `vault, snapshot_time, block_number, leverage_ratio, health_factor,
	liquidation_price::TEXT, derivative_price::TEXT, staking_price::TEXT, collateral_value::TEXT,
	borrowed_value::TEXT, net_asset_value::TEXT, borrow_utilization, net_yield, staking_apy,
	borrow_apr, risk_score, alert_level, price_stale, price_fallback, staking_apy_fallback,
	borrow_apr_fallback, l1_missing`

func scanSnapshot(row pgx.Row) (*model.RiskMetricSnapshot, error) {
	var m model.RiskMetricSnapshot
	var block int64
	var liq, deriv, staking, collateral, borrowed, nav, level string
	if err := row.Scan(&m.Vault, &m.Timestamp, &block, &m.LeverageRatio, &m.HealthFactor,
		&liq, &deriv, &staking, &collateral, &borrowed, &nav,
		&m.BorrowUtilization, &m.NetYield, &m.StakingAPY, &m.BorrowAPR, &m.RiskScore, &level,
		&m.PriceStale, &m.PriceFallback, &m.StakingAPYFallback, &m.BorrowAPRFallback,
		&m.L1Missing); err != nil {
		return nil, err
	}
	m.BlockNumber = uint64(block)
	m.LiquidationPrice = dec(liq)
	m.DerivativePrice = dec(deriv)
	m.StakingPrice = dec(staking)
	m.CollateralValue = dec(collateral)
	m.BorrowedValue = dec(borrowed)
	m.NetAssetValue = dec(nav)
	m.AlertLevel = model.AlertLevel(level)
	return &m, nil
}

func (s *PostgresStore) LatestRiskSnapshot(ctx context.Context, vault string) (*model.RiskMetricSnapshot, error) {
	m, err := scanSnapshot(s.pool.QueryRow(ctx,
		`SELECT `+snapshotColumns+` FROM risk_metric_snapshots WHERE vault = $1
		 ORDER BY snapshot_time DESC LIMIT 1`, strings.ToLower(vault)))
	if err != nil {
		return nil, fmt.Errorf("latest snapshot %s: %w", vault, notFound(err))
	}
	return m, nil
}

func (s *PostgresStore) ListRiskSnapshots(ctx context.Context, vault string, limit int) ([]model.RiskMetricSnapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+snapshotColumns+` FROM risk_metric_snapshots WHERE vault = $1
		 ORDER BY snapshot_time DESC LIMIT $2`, strings.ToLower(vault), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.RiskMetricSnapshot
	for rows.Next() {
		m, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *m)
	}
	return result, rows.Err()
}

func (s *PostgresStore) InsertL1Equity(ctx context.Context, e *model.L1EquitySnapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO l1_equity_snapshots (vault, block_number, block_time, equity, locked_until,
		     withdrawable, equity_ok, withdrawable_ok)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6::NUMERIC, $7, $8)
		 ON CONFLICT (vault, block_number) DO NOTHING`,
		strings.ToLower(e.Vault), int64(e.BlockNumber), e.Timestamp, e.Equity.String(),
		int64(e.LockedUntil), e.Withdrawable.String(), e.EquityOK, e.WithdrawableOK,
	)
	return err
}

func (s *PostgresStore) InsertL1SpotBalance(ctx context.Context, b *model.L1SpotBalanceSnapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO l1_spot_balance_snapshots (vault, token, block_number, block_time, total, hold, entry_ntl)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC)
		 ON CONFLICT (vault, token, block_number) DO NOTHING`,
		strings.ToLower(b.Vault), int64(b.Token), int64(b.BlockNumber), b.Timestamp,
		b.Total.String(), b.Hold.String(), b.EntryNtl.String(),
	)
	return err
}

func (s *PostgresStore) RecentL1Equity(ctx context.Context, vault string, limit int) ([]model.L1EquitySnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT vault, block_number, block_time, equity::TEXT, locked_until, withdrawable::TEXT,
		        equity_ok, withdrawable_ok
		 FROM l1_equity_snapshots WHERE vault = $1
		 ORDER BY block_number DESC LIMIT $2`, strings.ToLower(vault), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.L1EquitySnapshot
	for rows.Next() {
		var e model.L1EquitySnapshot
		var block, locked int64
		var equity, withdrawable string
		if err := rows.Scan(&e.Vault, &block, &e.Timestamp, &equity, &locked, &withdrawable,
			&e.EquityOK, &e.WithdrawableOK); err != nil {
			return nil, err
		}
		e.BlockNumber = uint64(block)
		e.LockedUntil = uint64(locked)
		e.Equity = dec(equity)
		e.Withdrawable = dec(withdrawable)
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *PostgresStore) L1EquityBefore(ctx context.Context, vault string, at time.Time) (*model.L1EquitySnapshot, error) {
	var e model.L1EquitySnapshot
	var block, locked int64
	var equity, withdrawable string
	err := s.pool.QueryRow(ctx,
		`SELECT vault, block_number, block_time, equity::TEXT, locked_until, withdrawable::TEXT,
		        equity_ok, withdrawable_ok
		 FROM l1_equity_snapshots WHERE vault = $1 AND equity_ok AND block_time <= $2
		 ORDER BY block_number DESC LIMIT 1`, strings.ToLower(vault), at).
		Scan(&e.Vault, &block, &e.Timestamp, &equity, &locked, &withdrawable,
			&e.EquityOK, &e.WithdrawableOK)
	if err != nil {
		return nil, fmt.Errorf("l1 equity before %s: %w", at.Format(time.RFC3339), notFound(err))
	}
	e.BlockNumber = uint64(block)
	e.LockedUntil = uint64(locked)
	e.Equity = dec(equity)
	e.Withdrawable = dec(withdrawable)
	return &e, nil
}

func (s *PostgresStore) RecentL1SpotBalances(ctx context.Context, vault string, limit int) ([]model.L1SpotBalanceSnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT vault, token, block_number, block_time, total::TEXT, hold::TEXT, entry_ntl::TEXT
		 FROM l1_spot_balance_snapshots WHERE vault = $1
		 ORDER BY block_number DESC, token LIMIT $2`, strings.ToLower(vault), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.L1SpotBalanceSnapshot
	for rows.Next() {
		var b model.L1SpotBalanceSnapshot
		var token, block int64
		var total, hold, entry string
		if err := rows.Scan(&b.Vault, &token, &block, &b.Timestamp, &total, &hold, &entry); err != nil {
			return nil, err
		}
		b.Token = uint64(token)
		b.BlockNumber = uint64(block)
		b.Total = dec(total)
		b.Hold = dec(hold)
		b.EntryNtl = dec(entry)
		result = append(result, b)
	}
	return result, rows.Err()
}

func (s *PostgresStore) InsertPriceObservation(ctx context.Context, p *model.PriceObservation) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO price_observations (asset, observed_at, price, source, quoted_at, stale, fallback)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7)
		 ON CONFLICT (asset, observed_at) DO NOTHING`,
		p.Asset, p.ObservedAt, p.Price.String(), p.Source, p.QuotedAt, p.Stale, p.Fallback,
	)
	return err
}

func (s *PostgresStore) ListPriceObservations(ctx context.Context, asset string, since time.Time, limit int) ([]model.PriceObservation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT asset, observed_at, price::TEXT, source, quoted_at, stale, fallback
		 FROM price_observations
		 WHERE ($1 = '' OR lower(asset) = lower($1)) AND observed_at >= $2
		 ORDER BY observed_at DESC LIMIT $3`, asset, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.PriceObservation
	for rows.Next() {
		var p model.PriceObservation
		var price string
		if err := rows.Scan(&p.Asset, &p.ObservedAt, &price, &p.Source, &p.QuotedAt, &p.Stale, &p.Fallback); err != nil {
			return nil, err
		}
		p.Price = dec(price)
		result = append(result, p)
	}
	return result, rows.Err()
}

// --- Alerts ---

func (s *PostgresStore) InsertAlert(ctx context.Context, a *model.EmergencyAlert) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO emergency_alerts (id, vault, alert_type, severity, message, trigger_value,
		     threshold, block_number, alert_time, resolved, resolved_at, resolved_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO NOTHING`,
		a.ID, strings.ToLower(a.Vault), string(a.Type), string(a.Severity), a.Message,
		a.TriggerValue, a.Threshold, int64(a.BlockNumber), a.Timestamp,
		a.Resolved, a.ResolvedAt, a.ResolvedBy,
	)
	if err != nil {
		return false, err
	}
	return inserted(tag), nil
}

const alertColumns = `id, vault, alert_type, severity, message, trigger_value, threshold,
	block_number, alert_time, resolved, resolved_at, resolved_by`

func scanAlert(row pgx.Row) (*model.EmergencyAlert, error) {
	var a model.EmergencyAlert
	var alertType, severity string
	var block int64
	if err := row.Scan(&a.ID, &a.Vault, &alertType, &severity, &a.Message, &a.TriggerValue,
		&a.Threshold, &block, &a.Timestamp, &a.Resolved, &a.ResolvedAt, &a.ResolvedBy); err != nil {
		return nil, err
	}
	a.Type = model.AlertType(alertType)
	a.Severity = model.Severity(severity)
	a.BlockNumber = uint64(block)
	return &a, nil
}

func (s *PostgresStore) GetAlert(ctx context.Context, id string) (*model.EmergencyAlert, error) {
	a, err := scanAlert(s.pool.QueryRow(ctx,
		`SELECT `+alertColumns+` FROM emergency_alerts WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get alert %s: %w", id, notFound(err))
	}
	return a, nil
}

func (s *PostgresStore) queryAlerts(ctx context.Context, sql string, args ...any) ([]model.EmergencyAlert, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.EmergencyAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	return result, rows.Err()
}

func (s *PostgresStore) ActiveAlerts(ctx context.Context, vault string) ([]model.EmergencyAlert, error) {
	return s.queryAlerts(ctx,
		`SELECT `+alertColumns+` FROM emergency_alerts WHERE vault = $1 AND NOT resolved
		 ORDER BY alert_time`, strings.ToLower(vault))
}

func (s *PostgresStore) ListAlerts(ctx context.Context, vault string, limit int) ([]model.EmergencyAlert, error) {
	if limit <= 0 {
		limit = 100
	}
	if vault == "" {
		return s.queryAlerts(ctx,
			`SELECT `+alertColumns+` FROM emergency_alerts ORDER BY alert_time DESC LIMIT $1`, limit)
	}
	return s.queryAlerts(ctx,
		`SELECT `+alertColumns+` FROM emergency_alerts WHERE vault = $1
		 ORDER BY alert_time DESC LIMIT $2`, strings.ToLower(vault), limit)
}

func (s *PostgresStore) ResolveAlert(ctx context.Context, id string, at time.Time, by string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE emergency_alerts SET resolved = TRUE, resolved_at = $2, resolved_by = $3
		 WHERE id = $1 AND NOT resolved`, id, at, by)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	if _, err := s.GetAlert(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}
