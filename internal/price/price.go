// Package price fetches USD prices for the staking asset and its liquid
// staking derivative from external quote APIs.
//
// Quoters are tried in configured order. A quote older than MaxAge is
// treated as a miss. When every quoter misses, the last known good price is
// served and flagged Stale. An asset with no quote of its own is estimated
// from the other one through the exchange rate and flagged Fallback.
package price

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/loopvault/risk-engine/internal/metrics"
	"github.com/loopvault/risk-engine/internal/model"
	"github.com/loopvault/risk-engine/internal/resilient"
)

var (
	// ErrUnsupported is returned by a quoter that has no mapping for an asset.
	ErrUnsupported = errors.New("price: asset not supported by quoter")
	// ErrNoQuote is returned when the upstream answered without the asset.
	ErrNoQuote = errors.New("price: no quote in response")
	// ErrUnavailable is returned when no price can be produced at all.
	ErrUnavailable = errors.New("price: no live, cached or estimated price")
)

// Quote is a single upstream answer.
type Quote struct {
	Asset    string
	Price    decimal.Decimal
	QuotedAt time.Time
	Source   string
}

// Quoter fetches a USD quote for a logical asset symbol.
type Quoter interface {
	Name() string
	Quote(ctx context.Context, asset string) (Quote, error)
}

// Upstream pairs a quoter with the resilient client guarding it, so each
// API gets its own breaker and rate limit.
type Upstream struct {
	Quoter Quoter
	Client *resilient.Client
}

// Config names the two priced assets.
type Config struct {
	StakingAsset    string
	DerivativeAsset string
	// ExchangeRate is derivative units per staking unit, used when the
	// derivative has no quote of its own.
	ExchangeRate decimal.Decimal
	// MaxAge is the oldest acceptable quote. Zero accepts any age.
	MaxAge time.Duration
}

// Prices is one cycle's price pair.
type Prices struct {
	Staking    model.PriceObservation
	Derivative model.PriceObservation
}

// Observations returns both prices for persistence.
func (p Prices) Observations() []model.PriceObservation {
	return []model.PriceObservation{p.Staking, p.Derivative}
}

// Source resolves prices through the configured upstreams and cache.
type Source struct {
	cfg       Config
	upstreams []Upstream
	cache     Cache
	logger    *slog.Logger
	now       func() time.Time
}

// NewSource creates a price source. A nil cache gets an in-memory one.
func NewSource(cfg Config, upstreams []Upstream, cache Cache, logger *slog.Logger) *Source {
	if cache == nil {
		cache = NewMemoryCache()
	}
	if logger == nil {
		logger = slog.Default()
	}
	for i := range upstreams {
		if upstreams[i].Client == nil {
			upstreams[i].Client = resilient.New(resilient.DefaultConfig(upstreams[i].Quoter.Name()))
		}
	}
	return &Source{
		cfg:       cfg,
		upstreams: upstreams,
		cache:     cache,
		logger:    logger,
		now:       time.Now,
	}
}

// Prices returns the staking and derivative prices.
//
// Derivative precedence: its own live quote, then an estimate from a live
// staking price, then its last known good price, then an estimate from a
// stale staking price. A staking asset with neither a live nor a cached
// price is estimated back from the derivative and flagged Fallback.
func (s *Source) Prices(ctx context.Context) (Prices, error) {
	now := s.now().UTC()

	staking, stakingLive := s.live(ctx, s.cfg.StakingAsset, now)
	stakingOK := stakingLive
	if !stakingLive {
		staking, stakingOK = s.lastKnown(ctx, s.cfg.StakingAsset, now)
	}

	deriv, ok := s.live(ctx, s.cfg.DerivativeAsset, now)
	switch {
	case ok:
	case stakingLive:
		deriv = s.estimate(staking)
	default:
		if deriv, ok = s.lastKnown(ctx, s.cfg.DerivativeAsset, now); !ok {
			if !stakingOK {
				return Prices{}, fmt.Errorf("%w: %s and %s", ErrUnavailable, s.cfg.StakingAsset, s.cfg.DerivativeAsset)
			}
			deriv = s.estimate(staking)
		}
	}

	if !stakingOK {
		staking = s.estimateStaking(deriv)
		s.logger.Warn("no staking price, estimated from derivative",
			"asset", s.cfg.StakingAsset, "price", staking.Price.String(), "source", staking.Source)
	}
	return Prices{Staking: staking, Derivative: deriv}, nil
}

// live tries each upstream in order and returns the first fresh quote.
func (s *Source) live(ctx context.Context, asset string, now time.Time) (model.PriceObservation, bool) {
	for _, u := range s.upstreams {
		q, err := resilient.Do(ctx, u.Client, func(ctx context.Context) (Quote, error) {
			return u.Quoter.Quote(ctx, asset)
		})
		if err != nil {
			if !errors.Is(err, ErrUnsupported) {
				s.logger.Warn("price quote failed", "asset", asset, "source", u.Quoter.Name(), "err", err)
			}
			continue
		}
		if s.cfg.MaxAge > 0 && now.Sub(q.QuotedAt) > s.cfg.MaxAge {
			s.logger.Warn("price quote too old", "asset", asset, "source", q.Source, "quoted_at", q.QuotedAt)
			continue
		}
		obs := model.PriceObservation{
			Asset:      asset,
			Price:      q.Price,
			Source:     q.Source,
			QuotedAt:   q.QuotedAt,
			ObservedAt: now,
		}
		if err := s.cache.Put(ctx, obs); err != nil {
			s.logger.Warn("price cache write failed", "asset", asset, "err", err)
		}
		return obs, true
	}
	return model.PriceObservation{}, false
}

func (s *Source) lastKnown(ctx context.Context, asset string, now time.Time) (model.PriceObservation, bool) {
	obs, ok, err := s.cache.Get(ctx, asset)
	if err != nil {
		s.logger.Warn("price cache read failed", "asset", asset, "err", err)
	}
	if !ok {
		return model.PriceObservation{}, false
	}
	obs.ObservedAt = now
	obs.Stale = true
	metrics.PriceDegraded.WithLabelValues(asset, "stale").Inc()
	s.logger.Warn("serving last known price", "asset", asset, "price", obs.Price.String(), "quoted_at", obs.QuotedAt)
	return obs, true
}

func (s *Source) estimate(staking model.PriceObservation) model.PriceObservation {
	rate := s.cfg.ExchangeRate
	if rate.IsZero() {
		rate = decimal.NewFromInt(1)
	}
	metrics.PriceDegraded.WithLabelValues(s.cfg.DerivativeAsset, "estimated").Inc()
	return model.PriceObservation{
		Asset:      s.cfg.DerivativeAsset,
		Price:      staking.Price.Mul(rate),
		Source:     "estimate:" + staking.Source,
		QuotedAt:   staking.QuotedAt,
		ObservedAt: staking.ObservedAt,
		Stale:      staking.Stale,
		Fallback:   true,
	}
}

// estimateStaking inverts estimate: staking = derivative / rate.
func (s *Source) estimateStaking(deriv model.PriceObservation) model.PriceObservation {
	rate := s.cfg.ExchangeRate
	if rate.IsZero() {
		rate = decimal.NewFromInt(1)
	}
	metrics.PriceDegraded.WithLabelValues(s.cfg.StakingAsset, "estimated").Inc()
	return model.PriceObservation{
		Asset:      s.cfg.StakingAsset,
		Price:      deriv.Price.DivRound(rate, 18),
		Source:     "estimate:" + deriv.Source,
		QuotedAt:   deriv.QuotedAt,
		ObservedAt: deriv.ObservedAt,
		Stale:      deriv.Stale,
		Fallback:   true,
	}
}
