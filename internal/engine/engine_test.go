package engine

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/loopvault/risk-engine/internal/alert"
	"github.com/loopvault/risk-engine/internal/classify"
	"github.com/loopvault/risk-engine/internal/l1read"
	"github.com/loopvault/risk-engine/internal/ledger"
	"github.com/loopvault/risk-engine/internal/model"
	"github.com/loopvault/risk-engine/internal/price"
	"github.com/loopvault/risk-engine/internal/resilient"
	"github.com/loopvault/risk-engine/internal/risk"
	"github.com/loopvault/risk-engine/internal/store"
)

const (
	vaultAddr = "0x9f0a5b6c7d8e9f0a1b2c3d4e5f6a7b8c9d0e1f2a"
	alice     = "0x1111111111111111111111111111111111111111"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

var t0 = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

// stubPrices returns fixed prices. When gate is set each call blocks until
// it is closed.
type stubPrices struct {
	mu    sync.Mutex
	p     price.Prices
	err   error
	calls int
	gate  chan struct{}
}

func (s *stubPrices) Prices(ctx context.Context) (price.Prices, error) {
	s.mu.Lock()
	s.calls++
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return price.Prices{}, ctx.Err()
		}
	}
	return s.p, s.err
}

func (s *stubPrices) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func unitPrices() *stubPrices {
	return &stubPrices{p: price.Prices{
		Staking:    model.PriceObservation{Asset: "HYPE", Price: d(1), Source: "stub", QuotedAt: t0},
		Derivative: model.PriceObservation{Asset: "stHYPE", Price: d(1), Source: "stub", QuotedAt: t0},
	}}
}

// stubL1 appends an equity row per call.
type stubL1 struct {
	st     store.Store
	equity decimal.Decimal
	calls  int
	mu     sync.Mutex
}

func (s *stubL1) Snapshot(ctx context.Context, block uint64, at time.Time) (l1read.State, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return l1read.State{}, s.st.InsertL1Equity(ctx, &model.L1EquitySnapshot{
		Vault: vaultAddr, Equity: s.equity, EquityOK: true, WithdrawableOK: true,
		BlockNumber: block, Timestamp: at,
	})
}

type published struct {
	mu     sync.Mutex
	topics []string
}

func (p *published) Publish(topic string, _ any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
}

func wholeUnitRisk() *risk.Engine {
	cfg := risk.DefaultConfig()
	cfg.AssetDecimals = 0
	return risk.NewEngine(cfg)
}

func newTestEngine(t *testing.T, ms *store.MemoryStore, prices PriceSource, l1 L1Snapshotter, pub Publisher) *Engine {
	t.Helper()
	led := ledger.New(ms, classify.New(nil, classify.DefaultRules), nil)
	return New(Config{Vault: vaultAddr, L1IntervalBlocks: 100, RiskIntervalBlocks: 10}, Deps{
		Store:     ms,
		Ledger:    led,
		Prices:    prices,
		L1:        l1,
		Risk:      wholeUnitRisk(),
		Alerts:    alert.NewEvaluator(ms, nil, alert.PolicyEpisode, nil),
		Publisher: pub,
	})
}

func start(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func block(n uint64) ledger.Event {
	return ledger.Event{Kind: ledger.KindBlock, Block: &ledger.BlockEvent{Number: n, Timestamp: t0.Add(time.Duration(n) * time.Second)}}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func seedLeveragedVault(t *testing.T, ms *store.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	if err := ms.SaveVaultLedger(ctx, &model.VaultPosition{
		Address:        vaultAddr,
		TotalAssets:    d(1_000_000),
		TotalShares:    d(1_000_000),
		BorrowedAmount: d(650_000),
		Cursor:         model.Cursor{Block: 90},
	}); err != nil {
		t.Fatal(err)
	}
	if err := ms.SaveUserPosition(ctx, &model.UserPosition{
		Vault: vaultAddr, User: alice, Shares: d(1_000_000), DepositedAmount: d(1_000_000), Active: true,
	}); err != nil {
		t.Fatal(err)
	}
	for _, e := range []model.LoopExecution{
		{ID: "exec-early", Ref: model.EventRef{Vault: vaultAddr, BlockNumber: 95}, Type: model.IncreaseLeverage, LeverageBefore: 1, Success: true},
		{ID: "exec-late", Ref: model.EventRef{Vault: vaultAddr, BlockNumber: 250}, Type: model.IncreaseLeverage, LeverageBefore: 1, Success: true},
	} {
		if _, err := ms.InsertLoopExecution(ctx, &e); err != nil {
			t.Fatal(err)
		}
	}
}

func TestRunCycle_FullPipeline(t *testing.T) {
	ms := store.NewMemoryStore()
	seedLeveragedVault(t, ms)
	l1 := &stubL1{st: ms, equity: d(0)}
	pub := &published{}
	e := newTestEngine(t, ms, unitPrices(), l1, pub)
	ctx := context.Background()

	b := ledger.BlockEvent{Number: 100, Timestamp: t0}
	snap, err := e.RunCycle(ctx, b, true, true)
	if err != nil {
		t.Fatal(err)
	}
	if snap.AlertLevel != model.LevelCritical || snap.RiskScore != 35 {
		t.Errorf("snapshot level/score = %s/%d", snap.AlertLevel, snap.RiskScore)
	}
	if snap.L1Missing {
		t.Error("L1 read in the same cycle should be used")
	}

	stored, err := ms.LatestRiskSnapshot(ctx, vaultAddr)
	if err != nil || stored.BlockNumber != 100 {
		t.Fatalf("stored snapshot = %+v, %v", stored, err)
	}
	if obs, _ := ms.ListPriceObservations(ctx, "", time.Time{}, 0); len(obs) != 2 {
		t.Errorf("price observations = %d, want 2", len(obs))
	}

	v, _ := ms.GetVaultPosition(ctx, vaultAddr)
	if v.LeverageRatio != snap.LeverageRatio || !v.TotalAssets.Equal(d(1_000_000)) {
		t.Errorf("vault after cycle = %+v", v)
	}
	u, _ := ms.GetUserPosition(ctx, vaultAddr, alice)
	if !u.CurrentValue.Equal(snap.NetAssetValue) {
		t.Errorf("sole holder value %s should equal nav %s", u.CurrentValue, snap.NetAssetValue)
	}

	early, _ := ms.GetLoopExecution(ctx, "exec-early")
	late, _ := ms.GetLoopExecution(ctx, "exec-late")
	if early.LeverageAfter == nil || *early.LeverageAfter != snap.LeverageRatio {
		t.Errorf("early execution leverage after = %v", early.LeverageAfter)
	}
	if late.LeverageAfter != nil {
		t.Error("execution after the snapshot block must stay pending")
	}

	active, _ := ms.ActiveAlerts(ctx, vaultAddr)
	if len(active) == 0 {
		t.Error("critical health factor should raise an alert")
	}
	if len(pub.topics) != 1 || pub.topics[0] != "snapshot" {
		t.Errorf("published = %v", pub.topics)
	}
}

func TestRunCycle_NoPrice(t *testing.T) {
	ms := store.NewMemoryStore()
	seedLeveragedVault(t, ms)
	prices := &stubPrices{err: price.ErrUnavailable}
	e := newTestEngine(t, ms, prices, nil, nil)

	if _, err := e.RunCycle(context.Background(), ledger.BlockEvent{Number: 100, Timestamp: t0}, false, true); !errors.Is(err, price.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, err := ms.LatestRiskSnapshot(context.Background(), vaultAddr); !errors.Is(err, store.ErrNotFound) {
		t.Error("no snapshot should be written without a price")
	}
}

// derivativeOnly quotes the derivative and nothing else.
type derivativeOnly struct{}

func (derivativeOnly) Name() string { return "hl" }

func (derivativeOnly) Quote(_ context.Context, asset string) (price.Quote, error) {
	if asset != "stHYPE" {
		return price.Quote{}, resilient.Permanent(price.ErrUnsupported)
	}
	return price.Quote{Asset: asset, Price: d(1.05), QuotedAt: t0, Source: "hl"}, nil
}

func TestRunCycle_StakingPriceMissingDegrades(t *testing.T) {
	ms := store.NewMemoryStore()
	seedLeveragedVault(t, ms)
	src := price.NewSource(price.Config{StakingAsset: "HYPE", DerivativeAsset: "stHYPE", ExchangeRate: d(1.05)},
		[]price.Upstream{{Quoter: derivativeOnly{}, Client: resilient.New(resilient.Config{Name: "hl", MaxAttempts: 1})}},
		nil, nil)
	e := newTestEngine(t, ms, src, nil, nil)

	snap, err := e.RunCycle(context.Background(), ledger.BlockEvent{Number: 100, Timestamp: t0}, false, true)
	if err != nil {
		t.Fatalf("cycle should degrade, not fail: %v", err)
	}
	if !snap.PriceFallback || !snap.Degraded() {
		t.Errorf("snapshot should be flagged, got %+v", snap)
	}
	if !snap.StakingPrice.Equal(d(1)) || !snap.DerivativePrice.Equal(d(1.05)) {
		t.Errorf("prices staking %s derivative %s", snap.StakingPrice, snap.DerivativePrice)
	}
}

func TestRunCycle_EmptyVault(t *testing.T) {
	ms := store.NewMemoryStore()
	e := newTestEngine(t, ms, unitPrices(), nil, nil)
	snap, err := e.RunCycle(context.Background(), ledger.BlockEvent{Number: 1, Timestamp: t0}, false, true)
	if err != nil {
		t.Fatal(err)
	}
	if snap.LeverageRatio != 1 || snap.HealthFactor != 999 || snap.AlertLevel != model.LevelLow {
		t.Errorf("empty vault snapshot = %+v", snap)
	}
}

func TestSubmit_RejectsTickWithoutHeaderTime(t *testing.T) {
	ms := store.NewMemoryStore()
	prices := unitPrices()
	e := newTestEngine(t, ms, prices, nil, nil)
	start(t, e)

	_, err := e.Submit(context.Background(), ledger.Event{Kind: ledger.KindBlock, Block: &ledger.BlockEvent{Number: 100}})
	if !errors.Is(err, ledger.ErrMissingTimestamp) {
		t.Fatalf("expected ErrMissingTimestamp, got %v", err)
	}
	if _, err := e.Submit(context.Background(), block(101)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "snapshot at the next valid tick", func() bool {
		_, err := ms.LatestRiskSnapshot(context.Background(), vaultAddr)
		return err == nil
	})
	snap, _ := ms.LatestRiskSnapshot(context.Background(), vaultAddr)
	if snap.BlockNumber != 101 || !snap.Timestamp.Equal(t0.Add(101*time.Second)) {
		t.Errorf("snapshot keyed at block %d time %s, want the tick's header time", snap.BlockNumber, snap.Timestamp)
	}
}

func TestSubmit_AppliesAndSchedules(t *testing.T) {
	ms := store.NewMemoryStore()
	prices := unitPrices()
	l1 := &stubL1{st: ms, equity: d(1_000_000)}
	e := newTestEngine(t, ms, prices, l1, nil)
	start(t, e)
	ctx := context.Background()

	res, err := e.Submit(ctx, ledger.Event{Kind: ledger.KindDeposit, Deposit: &ledger.DepositEvent{
		Ref:   model.EventRef{Vault: vaultAddr, TxHash: "0xaa", BlockNumber: 100, Timestamp: t0},
		Owner: alice, Sender: alice, Assets: d(1000), Shares: d(1000),
	}})
	if err != nil || !res.VaultApplied {
		t.Fatalf("deposit result = %+v, %v", res, err)
	}

	if _, err := e.Submit(ctx, block(100)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first snapshot", func() bool {
		_, err := ms.LatestRiskSnapshot(ctx, vaultAddr)
		return err == nil
	})
	waitFor(t, "first cycle to finish", func() bool { return !e.cycleRunning.Load() })

	// Within the risk interval: no new cycle.
	e.Submit(ctx, block(105))
	// Stale head: ignored.
	e.Submit(ctx, block(99))
	// Due again.
	e.Submit(ctx, block(110))
	waitFor(t, "second snapshot", func() bool {
		list, _ := ms.ListRiskSnapshots(ctx, vaultAddr, 0)
		return len(list) == 2
	})
	waitFor(t, "cycle to finish", func() bool { return !e.cycleRunning.Load() })

	if got := prices.callCount(); got != 2 {
		t.Errorf("price fetches = %d, want 2", got)
	}
	l1.mu.Lock()
	defer l1.mu.Unlock()
	if l1.calls != 1 {
		t.Errorf("l1 snapshots = %d, want 1 (interval 100)", l1.calls)
	}
}

func TestSubmit_RejectsInvalid(t *testing.T) {
	e := newTestEngine(t, store.NewMemoryStore(), unitPrices(), nil, nil)
	if _, err := e.Submit(context.Background(), ledger.Event{Kind: "mint"}); !errors.Is(err, ledger.ErrUnknownKind) {
		t.Errorf("expected ErrUnknownKind, got %v", err)
	}
}

func TestTick_SingleFlight(t *testing.T) {
	ms := store.NewMemoryStore()
	prices := unitPrices()
	prices.gate = make(chan struct{})
	e := newTestEngine(t, ms, prices, nil, nil)
	start(t, e)
	ctx := context.Background()

	e.Submit(ctx, block(10))
	waitFor(t, "cycle to start", func() bool { return prices.callCount() == 1 })

	// Due by interval but the first cycle is still running.
	e.Submit(ctx, block(20))
	e.Submit(ctx, block(30))

	close(prices.gate)
	waitFor(t, "cycle to finish", func() bool { return !e.cycleRunning.Load() })
	if got := prices.callCount(); got != 1 {
		t.Errorf("overlapping ticks should be dropped, got %d price fetches", got)
	}

	// The next due tick runs normally.
	e.Submit(ctx, block(40))
	waitFor(t, "next cycle", func() bool { return prices.callCount() == 2 })
}

func TestSubmit_AfterStop(t *testing.T) {
	e := newTestEngine(t, store.NewMemoryStore(), unitPrices(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	if _, err := e.Submit(context.Background(), block(1)); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}

type fakeHeads struct {
	mu   sync.Mutex
	head uint64
	err  error
}

func (f *fakeHeads) HeaderByNumber(_ context.Context, number *big.Int) (*gethtypes.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if number != nil {
		return nil, errors.New("poller should ask for latest")
	}
	if f.err != nil {
		return nil, f.err
	}
	return &gethtypes.Header{Number: new(big.Int).SetUint64(f.head), Time: 1_748_736_000 + f.head}, nil
}

func TestBlockPoller_EmitsNewHeads(t *testing.T) {
	heads := &fakeHeads{head: 500}
	var got []ledger.BlockEvent
	submit := func(_ context.Context, ev ledger.Event) (ledger.Result, error) {
		got = append(got, *ev.Block)
		return ledger.Result{}, nil
	}
	client := resilient.New(resilient.Config{Name: "rpc-test", MaxAttempts: 1})
	p := NewBlockPoller(heads, client, time.Second, submit, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := p.Poll(ctx); err != nil {
			t.Fatal(err)
		}
	}
	heads.head = 503
	p.Poll(ctx)

	if len(got) != 2 || got[0].Number != 500 || got[1].Number != 503 {
		t.Fatalf("emitted = %+v", got)
	}
	if !got[1].Timestamp.Equal(time.Unix(1_748_736_503, 0).UTC()) {
		t.Errorf("timestamp = %v", got[1].Timestamp)
	}

	heads.err = errors.New("rpc down")
	if err := p.Poll(ctx); err == nil {
		t.Error("expected poll error")
	}
}
