package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loopvault/risk-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot dashboard reads: the vault aggregate and the latest risk
// snapshot. Writes go to the primary store and invalidate the cache.
//
// Every cached key has a generation counter. A writer bumps it after the
// primary write; a reader fills the cache only if the generation did not
// move while it was reading the primary, so a slow reader can never put a
// row older than the last write back into the cache.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) SaveVaultLedger(ctx context.Context, v *model.VaultPosition) error {
	if err := s.Store.SaveVaultLedger(ctx, v); err != nil {
		return err
	}
	s.invalidate(ctx, vaultKey(v.Address))
	return nil
}

func (s *CachedStore) UpdateVaultValuation(ctx context.Context, vault string, val model.Valuation) error {
	if err := s.Store.UpdateVaultValuation(ctx, vault, val); err != nil {
		return err
	}
	s.invalidate(ctx, vaultKey(vault))
	return nil
}

func (s *CachedStore) InsertRiskSnapshot(ctx context.Context, m *model.RiskMetricSnapshot) error {
	if err := s.Store.InsertRiskSnapshot(ctx, m); err != nil {
		return err
	}
	s.invalidate(ctx, snapshotKey(m.Vault))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetVaultPosition(ctx context.Context, vault string) (*model.VaultPosition, error) {
	return readThrough(ctx, s, vaultKey(vault), func(ctx context.Context) (*model.VaultPosition, error) {
		return s.Store.GetVaultPosition(ctx, vault)
	})
}

func (s *CachedStore) LatestRiskSnapshot(ctx context.Context, vault string) (*model.RiskMetricSnapshot, error) {
	return readThrough(ctx, s, snapshotKey(vault), func(ctx context.Context) (*model.RiskMetricSnapshot, error) {
		return s.Store.LatestRiskSnapshot(ctx, vault)
	})
}

// LoadVaultLedger is not overridden: the embedded primary serves it.

// --- Cache helpers ---

// readThrough serves key from Redis, or loads it from the primary and fills
// the cache under WATCH on the key's generation.
func readThrough[T any](ctx context.Context, s *CachedStore, key string, load func(context.Context) (*T, error)) (*T, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var v T
		if json.Unmarshal(data, &v) == nil {
			return &v, nil
		}
	}

	var (
		v       *T
		loadErr error
		loaded  bool
	)
	s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		v, loadErr = load(ctx)
		loaded = true
		if loadErr != nil {
			return nil
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}, genKey(key))

	if !loaded {
		// Redis is unreachable: serve straight from the primary.
		return load(ctx)
	}
	if loadErr != nil {
		return nil, loadErr
	}
	// On redis.TxFailedErr a write landed while we were reading. The row is
	// still a valid read for this caller; it is just not cached.
	return v, nil
}

// invalidate bumps the key's generation and drops the cached value in one
// MULTI block. Errors are ignored: the TTL bounds staleness if Redis is down.
func (s *CachedStore) invalidate(ctx context.Context, key string) {
	s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, genKey(key))
		pipe.Del(ctx, key)
		return nil
	})
}

func vaultKey(addr string) string    { return fmt.Sprintf("vault:%s", strings.ToLower(addr)) }
func snapshotKey(addr string) string { return fmt.Sprintf("snapshot:%s", strings.ToLower(addr)) }
func genKey(key string) string       { return key + ":gen" }
