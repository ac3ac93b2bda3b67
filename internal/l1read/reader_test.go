package l1read

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/loopvault/risk-engine/internal/resilient"
	"github.com/loopvault/risk-engine/internal/store"
)

var (
	vault       = common.HexToAddress("0x9f0A5b6C7d8E9f0A1b2c3D4e5F6a7B8c9D0E1f2A")
	hlpVault    = common.HexToAddress("0xdfc24b077bc1425AD1DEA75bCB6f8158E10Df303")
	precompiles = Precompiles{
		VaultEquity:  common.HexToAddress("0x0000000000000000000000000000000000000802"),
		Withdrawable: common.HexToAddress("0x0000000000000000000000000000000000000803"),
		SpotBalance:  common.HexToAddress("0x0000000000000000000000000000000000000801"),
	}
)

// fakeCaller answers by target address and records every call.
type fakeCaller struct {
	mu        sync.Mutex
	responses map[common.Address]func(data []byte) ([]byte, error)
	calls     map[common.Address][][]byte
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{
		responses: make(map[common.Address]func([]byte) ([]byte, error)),
		calls:     make(map[common.Address][][]byte),
	}
}

func (f *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	f.calls[*msg.To] = append(f.calls[*msg.To], msg.Data)
	fn := f.responses[*msg.To]
	f.mu.Unlock()
	if fn == nil {
		return nil, errors.New("no such precompile")
	}
	return fn(msg.Data)
}

func (f *fakeCaller) callCount(to common.Address) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls[to])
}

func mustPack(t *testing.T) func(b []byte, err error) []byte {
	return func(b []byte, err error) []byte {
		t.Helper()
		if err != nil {
			t.Fatalf("pack: %v", err)
		}
		return b
	}
}

func newTestReader(t *testing.T, caller Caller, st store.Store, tokens ...uint64) *Reader {
	t.Helper()
	client := resilient.New(resilient.Config{Name: "l1-test", MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond})
	return New(caller, client, Config{
		Vault:       vault,
		EquityVault: hlpVault,
		Tokens:      tokens,
		Precompiles: precompiles,
	}, st, nil)
}

func healthyCaller(t *testing.T) *fakeCaller {
	t.Helper()
	f := newFakeCaller()
	equity := mustPack(t)(equityResult.Pack(uint64(5_000_000_000), uint64(1_700_000_000)))
	withdrawable := mustPack(t)(withdrawableResult.Pack(uint64(1_250_000_000)))
	f.responses[precompiles.VaultEquity] = func([]byte) ([]byte, error) { return equity, nil }
	f.responses[precompiles.Withdrawable] = func([]byte) ([]byte, error) { return withdrawable, nil }
	f.responses[precompiles.SpotBalance] = func(data []byte) ([]byte, error) {
		vals, err := spotArgs.Unpack(data)
		if err != nil {
			return nil, err
		}
		token := vals[1].(uint64)
		return spotResult.Pack(100+token, token, 7*token)
	}
	return f
}

func TestEncode_SelectorLess(t *testing.T) {
	data, err := EncodeEquity(vault, hlpVault)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 64 {
		t.Fatalf("equity payload should be two ABI words, got %d bytes", len(data))
	}
	if !bytes.Equal(data[:32], common.LeftPadBytes(vault.Bytes(), 32)) {
		t.Error("first word should be the vault address, no selector prefix")
	}
	if !bytes.Equal(data[32:], common.LeftPadBytes(hlpVault.Bytes(), 32)) {
		t.Error("second word should be the equity vault address")
	}

	data, err = EncodeSpotBalance(vault, 150)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 64 || new(big.Int).SetBytes(data[32:]).Uint64() != 150 {
		t.Errorf("spot payload token word wrong: %x", data)
	}

	data, err = EncodeWithdrawable(vault)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 32 {
		t.Errorf("withdrawable payload should be one word, got %d bytes", len(data))
	}
}

func TestDecodeEquity_Shapes(t *testing.T) {
	full := mustPack(t)(equityResult.Pack(uint64(42), uint64(99)))
	eq, err := DecodeEquity(full)
	if err != nil || eq.Equity != 42 || eq.LockedUntil != 99 {
		t.Errorf("full shape: %+v, %v", eq, err)
	}

	single := mustPack(t)(equityOnlyResult.Pack(uint64(42)))
	eq, err = DecodeEquity(single)
	if err != nil || eq.Equity != 42 || eq.LockedUntil != 0 {
		t.Errorf("single-word shape: %+v, %v", eq, err)
	}

	for _, bad := range [][]byte{nil, {0x01, 0x02}, make([]byte, 40)} {
		if _, err := DecodeEquity(bad); !errors.Is(err, ErrDecode) {
			t.Errorf("DecodeEquity(%x) expected ErrDecode, got %v", bad, err)
		}
	}
}

func TestRead_AllSucceed(t *testing.T) {
	f := healthyCaller(t)
	r := newTestReader(t, f, nil, 0, 150)

	state := r.Read(context.Background(), 1000)
	if state.Err != nil {
		t.Fatalf("unexpected error: %v", state.Err)
	}
	if state.Equity == nil || state.Equity.Equity != 5_000_000_000 {
		t.Errorf("equity = %+v", state.Equity)
	}
	if state.Withdrawable == nil || *state.Withdrawable != 1_250_000_000 {
		t.Errorf("withdrawable = %v", state.Withdrawable)
	}
	if len(state.Spot) != 2 {
		t.Fatalf("expected 2 spot rows, got %d", len(state.Spot))
	}
	if s := state.Spot[1]; s.Token != 150 || s.Total != 250 || s.EntryNtl != 1050 {
		t.Errorf("spot[1] = %+v", s)
	}
}

func TestRead_PartialFailure(t *testing.T) {
	f := healthyCaller(t)
	f.responses[precompiles.Withdrawable] = func([]byte) ([]byte, error) {
		return nil, errors.New("rpc timeout")
	}
	f.responses[precompiles.SpotBalance] = func([]byte) ([]byte, error) {
		return []byte{0xde, 0xad}, nil
	}
	r := newTestReader(t, f, nil, 0)

	state := r.Read(context.Background(), 1000)
	if state.Err == nil {
		t.Fatal("expected joined error")
	}
	if state.Equity == nil || state.Equity.Equity != 5_000_000_000 {
		t.Error("equity read must succeed despite sibling failures")
	}
	if state.Withdrawable != nil {
		t.Error("withdrawable should be absent")
	}
	if len(state.Spot) != 0 {
		t.Error("garbled spot answer should be absent")
	}
	if !errors.Is(state.Err, ErrDecode) {
		t.Errorf("expected decode failure in %v", state.Err)
	}

	// Transport errors are retried, decode errors are not.
	if got := f.callCount(precompiles.Withdrawable); got != 2 {
		t.Errorf("withdrawable calls = %d, want 2", got)
	}
	if got := f.callCount(precompiles.SpotBalance); got != 1 {
		t.Errorf("spot calls = %d, want 1", got)
	}
}

func TestSnapshot_AppendsHistory(t *testing.T) {
	ms := store.NewMemoryStore()
	f := healthyCaller(t)
	r := newTestReader(t, f, ms, 0)
	ctx := context.Background()

	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	if _, err := r.Snapshot(ctx, 1000, t0); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Snapshot(ctx, 1100, t0.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}

	rows, err := ms.RecentL1Equity(ctx, vault.Hex(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 equity rows for unchanged state, got %d", len(rows))
	}
	if rows[0].BlockNumber != 1100 || !rows[0].EquityOK || !rows[0].WithdrawableOK {
		t.Errorf("newest row = %+v", rows[0])
	}
	if rows[0].Vault != "0x9f0a5b6c7d8e9f0a1b2c3d4e5f6a7b8c9d0e1f2a" {
		t.Errorf("vault key should be lower-case hex, got %s", rows[0].Vault)
	}

	spot, _ := ms.RecentL1SpotBalances(ctx, vault.Hex(), 10)
	if len(spot) != 2 {
		t.Errorf("expected 2 spot rows, got %d", len(spot))
	}
}

func TestSnapshot_RecordsFlagsOnFailure(t *testing.T) {
	ms := store.NewMemoryStore()
	f := healthyCaller(t)
	f.responses[precompiles.VaultEquity] = func([]byte) ([]byte, error) { return nil, errors.New("down") }
	r := newTestReader(t, f, ms, 0)

	state, err := r.Snapshot(context.Background(), 1000, time.Now().UTC())
	if err != nil {
		t.Fatalf("store errors only, got %v", err)
	}
	if state.Err == nil {
		t.Error("read failure should be reported on the state")
	}

	rows, _ := ms.RecentL1Equity(context.Background(), vault.Hex(), 1)
	if len(rows) != 1 {
		t.Fatal("equity row should be appended even when the equity read failed")
	}
	if rows[0].EquityOK || !rows[0].WithdrawableOK {
		t.Errorf("flags = equity %v withdrawable %v", rows[0].EquityOK, rows[0].WithdrawableOK)
	}
}
