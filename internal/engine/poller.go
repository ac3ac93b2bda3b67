package engine

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/loopvault/risk-engine/internal/ledger"
	"github.com/loopvault/risk-engine/internal/resilient"
)

// HeaderSource is the subset of ethclient.Client used by the poller.
type HeaderSource interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
}

// BlockPoller turns the chain head into block events for deployments where
// the indexer does not emit its own ticks. Only new heads are emitted;
// skipped blocks are not backfilled.
type BlockPoller struct {
	src      HeaderSource
	client   *resilient.Client
	interval time.Duration
	submit   func(ctx context.Context, ev ledger.Event) (ledger.Result, error)
	logger   *slog.Logger
	last     uint64
}

// NewBlockPoller creates a poller that hands ticks to submit, usually
// Engine.Submit.
func NewBlockPoller(src HeaderSource, client *resilient.Client, interval time.Duration,
	submit func(ctx context.Context, ev ledger.Event) (ledger.Result, error), logger *slog.Logger) *BlockPoller {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BlockPoller{src: src, client: client, interval: interval, submit: submit, logger: logger}
}

// Run polls until ctx is cancelled.
func (p *BlockPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("block poll failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll fetches the head once and emits it when it advanced.
func (p *BlockPoller) Poll(ctx context.Context) error {
	h, err := resilient.Do(ctx, p.client, func(ctx context.Context) (*gethtypes.Header, error) {
		return p.src.HeaderByNumber(ctx, nil)
	})
	if err != nil {
		return err
	}
	n := h.Number.Uint64()
	if n <= p.last {
		return nil
	}
	ev := ledger.Event{
		Kind:  ledger.KindBlock,
		Block: &ledger.BlockEvent{Number: n, Timestamp: time.Unix(int64(h.Time), 0).UTC()},
	}
	if _, err := p.submit(ctx, ev); err != nil {
		return err
	}
	p.last = n
	return nil
}
