// Package l1read queries vault equity, withdrawable balance and spot
// balances from the L1 read precompiles and appends them as snapshots.
//
// The precompiles are addressed by contract address alone, so call data is
// the ABI-encoded argument tuple with no function selector.
package l1read

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/loopvault/risk-engine/internal/metrics"
	"github.com/loopvault/risk-engine/internal/model"
	"github.com/loopvault/risk-engine/internal/resilient"
	"github.com/loopvault/risk-engine/internal/store"
)

// Caller is the subset of ethclient.Client used by the reader.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Precompiles holds the fixed read addresses.
type Precompiles struct {
	VaultEquity  common.Address
	Withdrawable common.Address
	SpotBalance  common.Address
}

// Config binds the reader to one vault.
type Config struct {
	// Vault is the account whose L1 state is read.
	Vault common.Address
	// EquityVault is the L1 vault the account holds equity in.
	EquityVault common.Address
	// Tokens are the spot token ids to read, one payload each.
	Tokens      []uint64
	Precompiles Precompiles
	// PinBlock issues calls at the tick's block instead of latest.
	PinBlock bool
	// Concurrency bounds in-flight calls. Zero means unbounded.
	Concurrency int
}

// ErrDecode is returned when a precompile answers with an unexpected shape.
var ErrDecode = errors.New("l1read: unexpected result shape")

var (
	addressType, _ = abi.NewType("address", "", nil)
	uint64Type, _  = abi.NewType("uint64", "", nil)

	equityArgs       = abi.Arguments{{Name: "user", Type: addressType}, {Name: "vault", Type: addressType}}
	withdrawableArgs = abi.Arguments{{Name: "user", Type: addressType}}
	spotArgs         = abi.Arguments{{Name: "user", Type: addressType}, {Name: "token", Type: uint64Type}}

	equityResult       = abi.Arguments{{Name: "equity", Type: uint64Type}, {Name: "lockedUntilTimestamp", Type: uint64Type}}
	equityOnlyResult   = abi.Arguments{{Name: "equity", Type: uint64Type}}
	withdrawableResult = abi.Arguments{{Name: "withdrawable", Type: uint64Type}}
	spotResult         = abi.Arguments{{Name: "total", Type: uint64Type}, {Name: "hold", Type: uint64Type}, {Name: "entryNtl", Type: uint64Type}}
)

// Equity is the decoded vault-equity answer.
type Equity struct {
	Equity      uint64
	LockedUntil uint64
}

// Spot is the decoded spot-balance answer for one token.
type Spot struct {
	Token    uint64
	Total    uint64
	Hold     uint64
	EntryNtl uint64
}

// State is everything one cycle managed to read. Fields whose read failed
// are absent; Err joins the individual failures.
type State struct {
	Equity       *Equity
	Withdrawable *uint64
	Spot         []Spot
	Err          error
}

// Reader issues the precompile reads.
type Reader struct {
	caller Caller
	client *resilient.Client
	cfg    Config
	store  store.Store
	logger *slog.Logger
}

// New creates a reader. st may be nil when only Read is used.
func New(caller Caller, client *resilient.Client, cfg Config, st store.Store, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{caller: caller, client: client, cfg: cfg, store: st, logger: logger}
}

// EncodeEquity builds the selector-less (address user, address vault) payload.
func EncodeEquity(user, vault common.Address) ([]byte, error) {
	return equityArgs.Pack(user, vault)
}

// EncodeWithdrawable builds the selector-less (address user) payload.
func EncodeWithdrawable(user common.Address) ([]byte, error) {
	return withdrawableArgs.Pack(user)
}

// EncodeSpotBalance builds the selector-less (address user, uint64 token) payload.
func EncodeSpotBalance(user common.Address, token uint64) ([]byte, error) {
	return spotArgs.Pack(user, token)
}

// DecodeEquity accepts (uint64 equity, uint64 lockedUntil) and the older
// single-word (uint64 equity) answer.
func DecodeEquity(data []byte) (Equity, error) {
	if len(data) == 32 {
		vals, err := equityOnlyResult.Unpack(data)
		if err != nil {
			return Equity{}, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		return Equity{Equity: vals[0].(uint64)}, nil
	}
	vals, err := equityResult.Unpack(data)
	if err != nil {
		return Equity{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return Equity{Equity: vals[0].(uint64), LockedUntil: vals[1].(uint64)}, nil
}

// DecodeWithdrawable decodes (uint64 withdrawable).
func DecodeWithdrawable(data []byte) (uint64, error) {
	vals, err := withdrawableResult.Unpack(data)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return vals[0].(uint64), nil
}

// DecodeSpotBalance decodes (uint64 total, uint64 hold, uint64 entryNtl).
func DecodeSpotBalance(token uint64, data []byte) (Spot, error) {
	vals, err := spotResult.Unpack(data)
	if err != nil {
		return Spot{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return Spot{Token: token, Total: vals[0].(uint64), Hold: vals[1].(uint64), EntryNtl: vals[2].(uint64)}, nil
}

// call runs one raw eth_call through the resilient client. Decode failures
// are permanent; transport failures are retried.
func call[T any](ctx context.Context, r *Reader, to common.Address, payload []byte, block uint64, decode func([]byte) (T, error)) (T, error) {
	var at *big.Int
	if r.cfg.PinBlock && block > 0 {
		at = new(big.Int).SetUint64(block)
	}
	return resilient.Do(ctx, r.client, func(ctx context.Context) (T, error) {
		out, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: payload}, at)
		if err != nil {
			var zero T
			return zero, err
		}
		v, err := decode(out)
		if err != nil {
			return v, resilient.Permanent(err)
		}
		return v, nil
	})
}

// Read issues every read concurrently. A failed call or decode affects only
// its own field.
func (r *Reader) Read(ctx context.Context, block uint64) State {
	var (
		state     State
		equityErr error
		withdrErr error
		spotErrs  = make([]error, len(r.cfg.Tokens))
		spots     = make([]*Spot, len(r.cfg.Tokens))
	)

	// Plain Group: one failure must not cancel its siblings.
	var g errgroup.Group
	if r.cfg.Concurrency > 0 {
		g.SetLimit(r.cfg.Concurrency)
	}

	g.Go(func() error {
		payload, err := EncodeEquity(r.cfg.Vault, r.cfg.EquityVault)
		if err != nil {
			equityErr = err
			return nil
		}
		eq, err := call(ctx, r, r.cfg.Precompiles.VaultEquity, payload, block, DecodeEquity)
		if err != nil {
			equityErr = fmt.Errorf("vault equity: %w", err)
			return nil
		}
		state.Equity = &eq
		return nil
	})

	g.Go(func() error {
		payload, err := EncodeWithdrawable(r.cfg.Vault)
		if err != nil {
			withdrErr = err
			return nil
		}
		w, err := call(ctx, r, r.cfg.Precompiles.Withdrawable, payload, block, DecodeWithdrawable)
		if err != nil {
			withdrErr = fmt.Errorf("withdrawable: %w", err)
			return nil
		}
		state.Withdrawable = &w
		return nil
	})

	for i, token := range r.cfg.Tokens {
		g.Go(func() error {
			payload, err := EncodeSpotBalance(r.cfg.Vault, token)
			if err != nil {
				spotErrs[i] = err
				return nil
			}
			s, err := call(ctx, r, r.cfg.Precompiles.SpotBalance, payload, block, func(data []byte) (Spot, error) {
				return DecodeSpotBalance(token, data)
			})
			if err != nil {
				spotErrs[i] = fmt.Errorf("spot balance token %d: %w", token, err)
				return nil
			}
			spots[i] = &s
			return nil
		})
	}

	_ = g.Wait()

	if equityErr != nil {
		metrics.L1ReadFailures.WithLabelValues("equity").Inc()
	}
	if withdrErr != nil {
		metrics.L1ReadFailures.WithLabelValues("withdrawable").Inc()
	}
	errs := []error{equityErr, withdrErr}
	for i, s := range spots {
		if s != nil {
			state.Spot = append(state.Spot, *s)
			continue
		}
		metrics.L1ReadFailures.WithLabelValues("spot").Inc()
		errs = append(errs, spotErrs[i])
	}
	state.Err = errors.Join(errs...)
	return state
}

// Snapshot reads and appends the history rows for this block: one equity
// row always (with per-field OK flags) and one spot row per token read.
func (r *Reader) Snapshot(ctx context.Context, block uint64, at time.Time) (State, error) {
	state := r.Read(ctx, block)
	vault := toLowerHex(r.cfg.Vault)

	if state.Err != nil {
		r.logger.Warn("l1 read partially failed", "vault", vault, "block", block, "err", state.Err)
	}

	row := &model.L1EquitySnapshot{
		Vault:       vault,
		BlockNumber: block,
		Timestamp:   at,
	}
	if state.Equity != nil {
		row.Equity = fromUint64(state.Equity.Equity)
		row.LockedUntil = state.Equity.LockedUntil
		row.EquityOK = true
	}
	if state.Withdrawable != nil {
		row.Withdrawable = fromUint64(*state.Withdrawable)
		row.WithdrawableOK = true
	}

	var errs []error
	if err := r.store.InsertL1Equity(ctx, row); err != nil {
		errs = append(errs, fmt.Errorf("l1read: insert equity: %w", err))
	}
	for _, s := range state.Spot {
		if err := r.store.InsertL1SpotBalance(ctx, &model.L1SpotBalanceSnapshot{
			Vault:       vault,
			Token:       s.Token,
			Total:       fromUint64(s.Total),
			Hold:        fromUint64(s.Hold),
			EntryNtl:    fromUint64(s.EntryNtl),
			BlockNumber: block,
			Timestamp:   at,
		}); err != nil {
			errs = append(errs, fmt.Errorf("l1read: insert spot %d: %w", s.Token, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return state, err
	}

	r.logger.Info("l1 snapshot recorded",
		"vault", vault, "block", block,
		"equity_ok", row.EquityOK, "withdrawable_ok", row.WithdrawableOK,
		"spot_rows", len(state.Spot))
	return state, nil
}

func fromUint64(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}

func toLowerHex(a common.Address) string {
	return "0x" + common.Bytes2Hex(a.Bytes())
}
