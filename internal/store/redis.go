package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/whale-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Only configs are cached: GetConfig and ListEnabledConfigsForTarget sit on
// the per-trade path. The attempt log and watchlist pass through.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateConfig(ctx context.Context, cfg *model.CopyConfig) error {
	if err := s.primary.CreateConfig(ctx, cfg); err != nil {
		return err
	}
	s.rdb.Del(ctx, targetKey(cfg.TargetWallet))
	s.cacheConfig(ctx, *cfg)
	return nil
}

func (s *CachedStore) SaveConfig(ctx context.Context, cfg model.CopyConfig) error {
	// The target may change; drop the old target's list too.
	prev, prevErr := s.primary.GetConfig(ctx, cfg.ID)
	if err := s.primary.SaveConfig(ctx, cfg); err != nil {
		return err
	}
	keys := []string{configKey(cfg.ID), targetKey(cfg.TargetWallet)}
	if prevErr == nil {
		keys = append(keys, targetKey(prev.TargetWallet))
	}
	s.rdb.Del(ctx, keys...)
	return nil
}

func (s *CachedStore) DeleteConfig(ctx context.Context, id string) error {
	prev, prevErr := s.primary.GetConfig(ctx, id)
	if err := s.primary.DeleteConfig(ctx, id); err != nil {
		return err
	}
	keys := []string{configKey(id)}
	if prevErr == nil {
		keys = append(keys, targetKey(prev.TargetWallet))
	}
	s.rdb.Del(ctx, keys...)
	return nil
}

func (s *CachedStore) RecordExecution(ctx context.Context, id string, at time.Time) (model.CopyConfig, error) {
	cfg, err := s.primary.RecordExecution(ctx, id, at)
	if err != nil {
		return cfg, err
	}
	s.rdb.Del(ctx, targetKey(cfg.TargetWallet))
	s.cacheConfig(ctx, cfg)
	return cfg, nil
}

func (s *CachedStore) ResetDailyCounters(ctx context.Context) (int, error) {
	n, err := s.primary.ResetDailyCounters(ctx)
	if err != nil {
		return 0, err
	}
	// Every cached config may hold a stale counter.
	iter := s.rdb.Scan(ctx, 0, cachePrefix+"*", 200).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
	return n, iter.Err()
}

func (s *CachedStore) AttachPnl(ctx context.Context, attemptID string, pnl decimal.Decimal) (model.CopyAttempt, error) {
	a, err := s.primary.AttachPnl(ctx, attemptID, pnl)
	if err != nil {
		return a, err
	}
	s.rdb.Del(ctx, configKey(a.ConfigID), targetKey(a.TargetWallet))
	return a, nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetConfig(ctx context.Context, id string) (model.CopyConfig, error) {
	data, err := s.rdb.Get(ctx, configKey(id)).Bytes()
	if err == nil {
		var cfg model.CopyConfig
		if json.Unmarshal(data, &cfg) == nil {
			return cfg, nil
		}
	}

	cfg, err := s.primary.GetConfig(ctx, id)
	if err != nil {
		return cfg, err
	}
	s.cacheConfig(ctx, cfg)
	return cfg, nil
}

func (s *CachedStore) ListEnabledConfigsForTarget(ctx context.Context, wallet string) ([]model.CopyConfig, error) {
	key := targetKey(wallet)
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var cfgs []model.CopyConfig
		if json.Unmarshal(data, &cfgs) == nil {
			return cfgs, nil
		}
	}

	cfgs, err := s.primary.ListEnabledConfigsForTarget(ctx, wallet)
	if err != nil {
		return nil, err
	}
	// An empty list is cached too: most whales have no followers.
	if data, err := json.Marshal(cfgs); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return cfgs, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListConfigsByUser(ctx context.Context, userWallet string) ([]model.CopyConfig, error) {
	return s.primary.ListConfigsByUser(ctx, userWallet)
}

func (s *CachedStore) AppendAttempt(ctx context.Context, a model.CopyAttempt) error {
	return s.primary.AppendAttempt(ctx, a)
}

func (s *CachedStore) ListAttempts(ctx context.Context, configID string, limit int) ([]model.CopyAttempt, error) {
	return s.primary.ListAttempts(ctx, configID, limit)
}

func (s *CachedStore) ListOpenAttempts(ctx context.Context, userWallet string) ([]model.CopyAttempt, error) {
	return s.primary.ListOpenAttempts(ctx, userWallet)
}

func (s *CachedStore) AttemptStats(ctx context.Context, configID string) (model.AttemptStats, error) {
	return s.primary.AttemptStats(ctx, configID)
}

func (s *CachedStore) ListTrackedWallets(ctx context.Context) ([]model.TrackedWallet, error) {
	return s.primary.ListTrackedWallets(ctx)
}

func (s *CachedStore) AddTrackedWallet(ctx context.Context, wallet, source string) (bool, error) {
	return s.primary.AddTrackedWallet(ctx, wallet, source)
}

// --- Cache helpers ---

func (s *CachedStore) cacheConfig(ctx context.Context, cfg model.CopyConfig) {
	if data, err := json.Marshal(cfg); err == nil {
		s.rdb.Set(ctx, configKey(cfg.ID), data, s.ttl)
	}
}

const cachePrefix = "whale:"

func configKey(id string) string { return fmt.Sprintf(cachePrefix+"config:%s", id) }
func targetKey(wallet string) string {
	return fmt.Sprintf(cachePrefix+"target:%s", model.NormalizeWallet(wallet))
}
