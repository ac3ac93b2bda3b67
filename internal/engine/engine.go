// Package engine drives the ledger and the risk cycle.
//
// Events are applied by a single consumer in arrival order. Block ticks in
// the same stream schedule L1 snapshots and risk cycles, which run off the
// consumer goroutine with at most one in flight.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loopvault/risk-engine/internal/alert"
	"github.com/loopvault/risk-engine/internal/l1read"
	"github.com/loopvault/risk-engine/internal/ledger"
	"github.com/loopvault/risk-engine/internal/metrics"
	"github.com/loopvault/risk-engine/internal/model"
	"github.com/loopvault/risk-engine/internal/price"
	"github.com/loopvault/risk-engine/internal/risk"
	"github.com/loopvault/risk-engine/internal/store"
)

// ErrStopped is returned by Submit once Run has returned.
var ErrStopped = errors.New("engine: stopped")

// PriceSource yields one cycle's prices.
type PriceSource interface {
	Prices(ctx context.Context) (price.Prices, error)
}

// L1Snapshotter reads and records L1 state for a block.
type L1Snapshotter interface {
	Snapshot(ctx context.Context, block uint64, at time.Time) (l1read.State, error)
}

// Publisher pushes updates to live subscribers.
type Publisher interface {
	Publish(topic string, payload any)
}

// equityLookback is how many recent equity rows are scanned for the
// newest successful read.
const equityLookback = 10

// Config controls scheduling.
type Config struct {
	Vault              string
	L1IntervalBlocks   uint64
	RiskIntervalBlocks uint64
	// APYWindow is how far back the APY estimate looks for its base equity
	// read. Values below risk.MinAPYWindow are raised to it.
	APYWindow time.Duration
	// BorrowAPR is the configured borrow rate, nil when unknown.
	BorrowAPR *float64
	// QueueSize bounds events waiting for the consumer.
	QueueSize int
}

// Deps are the collaborators. L1, Alerts and Publisher may be nil.
type Deps struct {
	Store     store.Store
	Ledger    *ledger.Ledger
	Prices    PriceSource
	L1        L1Snapshotter
	Risk      *risk.Engine
	Alerts    *alert.Evaluator
	Publisher Publisher
	Logger    *slog.Logger
}

type request struct {
	ev    ledger.Event
	reply chan reply
}

type reply struct {
	res ledger.Result
	err error
}

// Engine owns the event queue and the cycle scheduler.
type Engine struct {
	cfg  Config
	deps Deps

	queue chan request
	done  chan struct{}

	// Consumer-goroutine state.
	head          uint64
	lastL1Block   uint64
	lastRiskBlock uint64

	cycleRunning atomic.Bool
	cycles       sync.WaitGroup
}

// New creates an engine. Call Run to start consuming.
func New(cfg Config, deps Deps) *Engine {
	if cfg.L1IntervalBlocks == 0 {
		cfg.L1IntervalBlocks = 100
	}
	if cfg.RiskIntervalBlocks == 0 {
		cfg.RiskIntervalBlocks = 50
	}
	if cfg.APYWindow < risk.MinAPYWindow {
		cfg.APYWindow = risk.MinAPYWindow
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	cfg.Vault = strings.ToLower(cfg.Vault)
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Engine{
		cfg:   cfg,
		deps:  deps,
		queue: make(chan request, cfg.QueueSize),
		done:  make(chan struct{}),
	}
}

// Submit queues an event and waits for the consumer to apply it. Block
// events return once the tick is scheduled, not when its cycle finishes.
func (e *Engine) Submit(ctx context.Context, ev ledger.Event) (ledger.Result, error) {
	if err := ev.Validate(); err != nil {
		return ledger.Result{}, err
	}
	req := request{ev: ev, reply: make(chan reply, 1)}
	select {
	case e.queue <- req:
	case <-e.done:
		return ledger.Result{}, ErrStopped
	case <-ctx.Done():
		return ledger.Result{}, ctx.Err()
	}
	select {
	case r := <-req.reply:
		return r.res, r.err
	case <-e.done:
		return ledger.Result{}, ErrStopped
	case <-ctx.Done():
		return ledger.Result{}, ctx.Err()
	}
}

// Run consumes events until ctx is cancelled, then waits for any cycle in
// flight.
func (e *Engine) Run(ctx context.Context) error {
	defer func() {
		close(e.done)
		e.cycles.Wait()
	}()

	e.deps.Logger.Info("engine started", "vault", e.cfg.Vault,
		"l1_interval_blocks", e.cfg.L1IntervalBlocks, "risk_interval_blocks", e.cfg.RiskIntervalBlocks)

	for {
		select {
		case <-ctx.Done():
			e.deps.Logger.Info("engine stopping", "head", e.head)
			return ctx.Err()
		case req := <-e.queue:
			res, err := e.handle(ctx, req)
			req.reply <- reply{res: res, err: err}
		}
	}
}

func (e *Engine) handle(ctx context.Context, req request) (ledger.Result, error) {
	if req.ev.Kind == ledger.KindBlock {
		e.tick(ctx, *req.ev.Block)
		return ledger.Result{Kind: ledger.KindBlock, ID: fmt.Sprintf("block-%d", req.ev.Block.Number)}, nil
	}

	// The request context may already be gone; the event still applies.
	res, err := e.deps.Ledger.Apply(ctx, req.ev)
	if err != nil {
		e.deps.Logger.Error("event apply failed", "kind", req.ev.Kind, "id", res.ID, "err", err)
	}
	return res, err
}

// tick schedules due work for a block. Runs on the consumer goroutine.
func (e *Engine) tick(ctx context.Context, b ledger.BlockEvent) {
	if b.Number <= e.head {
		return
	}
	e.head = b.Number

	dueL1 := e.deps.L1 != nil && (e.lastL1Block == 0 || b.Number >= e.lastL1Block+e.cfg.L1IntervalBlocks)
	dueRisk := e.lastRiskBlock == 0 || b.Number >= e.lastRiskBlock+e.cfg.RiskIntervalBlocks
	if !dueL1 && !dueRisk {
		return
	}

	if !e.cycleRunning.CompareAndSwap(false, true) {
		metrics.CyclesSkipped.Inc()
		e.deps.Logger.Warn("cycle still running, tick dropped", "block", b.Number)
		return
	}
	if dueL1 {
		e.lastL1Block = b.Number
	}
	if dueRisk {
		e.lastRiskBlock = b.Number
	}

	e.cycles.Add(1)
	go func() {
		defer e.cycles.Done()
		defer e.cycleRunning.Store(false)
		if _, err := e.RunCycle(ctx, b, dueL1, dueRisk); err != nil {
			e.deps.Logger.Error("cycle failed", "block", b.Number, "err", err)
		}
	}()
}

// RunCycle fetches prices and (when withL1) L1 state concurrently, joins
// both, then computes and persists a snapshot when withRisk is set.
func (e *Engine) RunCycle(ctx context.Context, b ledger.BlockEvent, withL1, withRisk bool) (*model.RiskMetricSnapshot, error) {
	start := time.Now()
	log := e.deps.Logger.With("vault", e.cfg.Vault, "block", b.Number)

	var (
		g        errgroup.Group
		prices   price.Prices
		priceErr error
		l1Err    error
	)
	if withRisk {
		g.Go(func() error {
			prices, priceErr = e.deps.Prices.Prices(ctx)
			return nil
		})
	}
	if withL1 && e.deps.L1 != nil {
		g.Go(func() error {
			_, l1Err = e.deps.L1.Snapshot(ctx, b.Number, b.Timestamp)
			return nil
		})
	}
	_ = g.Wait()

	if l1Err != nil {
		log.Error("l1 snapshot not stored", "err", l1Err)
	}
	if !withRisk {
		return nil, l1Err
	}
	defer func() { metrics.CycleLatency.Observe(time.Since(start).Seconds()) }()

	if priceErr != nil {
		log.Warn("no usable price, snapshot skipped", "err", priceErr)
		return nil, priceErr
	}

	in, err := e.inputs(ctx, b, prices)
	if err != nil {
		return nil, err
	}
	res := e.deps.Risk.ComputeSnapshot(in)
	snap := res.Snapshot

	if err := e.deps.Store.InsertRiskSnapshot(ctx, &snap); err != nil {
		return nil, fmt.Errorf("engine: insert snapshot: %w", err)
	}
	if err := e.persist(ctx, b, prices, res); err != nil {
		log.Error("cycle outputs partially stored", "err", err)
	}

	metrics.HealthFactor.WithLabelValues(e.cfg.Vault).Set(snap.HealthFactor)
	metrics.LeverageRatio.WithLabelValues(e.cfg.Vault).Set(snap.LeverageRatio)
	metrics.RiskScore.WithLabelValues(e.cfg.Vault).Set(float64(snap.RiskScore))

	if e.deps.Alerts != nil {
		if _, err := e.deps.Alerts.Evaluate(ctx, &snap); err != nil {
			log.Error("alert evaluation failed", "err", err)
		}
	}
	if e.deps.Publisher != nil {
		e.deps.Publisher.Publish("snapshot", snap)
	}

	log.Info("risk cycle complete",
		"leverage", snap.LeverageRatio, "health_factor", snap.HealthFactor,
		"risk_score", snap.RiskScore, "alert_level", snap.AlertLevel,
		"degraded", snap.Degraded(), "duration", time.Since(start))
	return &snap, nil
}

// inputs captures the vault, holders and L1 history for one cycle.
func (e *Engine) inputs(ctx context.Context, b ledger.BlockEvent, prices price.Prices) (risk.Inputs, error) {
	vault, err := e.deps.Store.GetVaultPosition(ctx, e.cfg.Vault)
	switch {
	case errors.Is(err, store.ErrNotFound):
		vault = &model.VaultPosition{Address: e.cfg.Vault}
	case err != nil:
		return risk.Inputs{}, fmt.Errorf("engine: load vault: %w", err)
	}
	users, err := e.deps.Store.ListUserPositions(ctx, e.cfg.Vault)
	if err != nil {
		return risk.Inputs{}, fmt.Errorf("engine: load users: %w", err)
	}
	history, err := e.deps.Store.RecentL1Equity(ctx, e.cfg.Vault, equityLookback)
	if err != nil {
		return risk.Inputs{}, fmt.Errorf("engine: load l1 history: %w", err)
	}

	in := risk.Inputs{
		Vault:           *vault,
		StakingPrice:    prices.Staking,
		DerivativePrice: prices.Derivative,
		Users:           users,
		Rates:           risk.Rates{BorrowAPR: e.cfg.BorrowAPR},
		BlockNumber:     b.Number,
		Timestamp:       b.Timestamp,
	}
	for i := range history {
		if history[i].EquityOK {
			in.L1 = &history[i]
			break
		}
	}
	if in.L1 != nil {
		if apy, ok := e.estimateAPY(ctx, *in.L1); ok {
			in.Rates.StakingAPY = &apy
		}
	}
	return in, nil
}

// estimateAPY compares newest with the last successful equity read at least
// APYWindow older, net of L1 flows in between. Without a usable base the
// snapshot falls back to the configured APY.
func (e *Engine) estimateAPY(ctx context.Context, newest model.L1EquitySnapshot) (float64, bool) {
	base, err := e.deps.Store.L1EquityBefore(ctx, e.cfg.Vault, newest.Timestamp.Add(-e.cfg.APYWindow))
	if errors.Is(err, store.ErrNotFound) {
		return 0, false
	}
	if err != nil {
		e.deps.Logger.Warn("apy base lookup failed", "vault", e.cfg.Vault, "err", err)
		return 0, false
	}
	flows, err := e.deps.Store.ListHLPFlows(ctx, e.cfg.Vault, base.BlockNumber+1, newest.BlockNumber)
	if err != nil {
		e.deps.Logger.Warn("hlp flow lookup failed", "vault", e.cfg.Vault, "err", err)
		return 0, false
	}
	apy, ok := risk.EstimateAPY(newest, *base, risk.NetHLPFlow(flows))
	if !ok {
		e.deps.Logger.Debug("staking apy estimate rejected",
			"vault", e.cfg.Vault, "from_block", base.BlockNumber, "to_block", newest.BlockNumber, "flows", len(flows))
	}
	return apy, ok
}

// persist writes everything derived alongside the snapshot. Each write is
// independent of the others.
func (e *Engine) persist(ctx context.Context, b ledger.BlockEvent, prices price.Prices, res risk.Result) error {
	var errs []error
	for _, obs := range prices.Observations() {
		if err := e.deps.Store.InsertPriceObservation(ctx, &obs); err != nil {
			errs = append(errs, fmt.Errorf("engine: insert price %s: %w", obs.Asset, err))
		}
	}
	if err := e.deps.Store.UpdateVaultValuation(ctx, e.cfg.Vault, res.Valuation); err != nil {
		errs = append(errs, fmt.Errorf("engine: update valuation: %w", err))
	}
	if len(res.Users) > 0 {
		if err := e.deps.Store.UpdateUserValuations(ctx, e.cfg.Vault, res.Users); err != nil {
			errs = append(errs, fmt.Errorf("engine: update user valuations: %w", err))
		}
	}
	lev := res.Snapshot.LeverageRatio
	n, err := e.deps.Store.FillLeverageAfter(ctx, e.cfg.Vault, b.Number, lev)
	if err != nil {
		errs = append(errs, fmt.Errorf("engine: fill leverage after: %w", err))
	} else if n > 0 {
		e.deps.Logger.Info("leverage after recorded", "vault", e.cfg.Vault, "executions", n, "leverage", lev)
	}
	return errors.Join(errs...)
}
