package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/whale-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	configs  map[string]model.CopyConfig
	attempts []model.CopyAttempt
	watch    map[string]model.TrackedWallet
	now      func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		configs: make(map[string]model.CopyConfig),
		watch:   make(map[string]model.TrackedWallet),
		now:     time.Now,
	}
}

func (s *MemoryStore) CreateConfig(_ context.Context, cfg *model.CopyConfig) error {
	if err := prepareConfig(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if _, ok := s.configs[cfg.ID]; ok {
		return fmt.Errorf("config %s already exists", cfg.ID)
	}
	if cfg.Enabled && s.enabledPairLocked(cfg.UserWallet, cfg.TargetWallet, cfg.ID) {
		return ErrDuplicateConfig
	}
	now := s.now()
	cfg.CreatedAt, cfg.UpdatedAt = now, now
	s.configs[cfg.ID] = *cfg
	return nil
}

func (s *MemoryStore) GetConfig(_ context.Context, id string) (model.CopyConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.configs[id]
	if !ok {
		return model.CopyConfig{}, fmt.Errorf("config %s: %w", id, ErrNotFound)
	}
	return cfg, nil
}

func (s *MemoryStore) SaveConfig(_ context.Context, cfg model.CopyConfig) error {
	if err := prepareConfig(&cfg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.configs[cfg.ID]
	if !ok {
		return fmt.Errorf("config %s: %w", cfg.ID, ErrNotFound)
	}
	if cfg.Enabled && s.enabledPairLocked(cfg.UserWallet, cfg.TargetWallet, cfg.ID) {
		return ErrDuplicateConfig
	}

	// Counters belong to the execution lane.
	cfg.TradesToday = cur.TradesToday
	cfg.TotalTrades = cur.TotalTrades
	cfg.TotalPnl = cur.TotalPnl
	cfg.LastTradeAt = cur.LastTradeAt
	cfg.CreatedAt = cur.CreatedAt
	cfg.UpdatedAt = s.now()
	s.configs[cfg.ID] = cfg
	return nil
}

func (s *MemoryStore) DeleteConfig(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.configs[id]; !ok {
		return fmt.Errorf("config %s: %w", id, ErrNotFound)
	}
	delete(s.configs, id)
	return nil
}

func (s *MemoryStore) ListConfigsByUser(_ context.Context, userWallet string) ([]model.CopyConfig, error) {
	user := model.NormalizeWallet(userWallet)
	return s.filterConfigs(func(c model.CopyConfig) bool { return c.UserWallet == user }), nil
}

func (s *MemoryStore) ListEnabledConfigsForTarget(_ context.Context, wallet string) ([]model.CopyConfig, error) {
	target := model.NormalizeWallet(wallet)
	return s.filterConfigs(func(c model.CopyConfig) bool {
		return c.Enabled && c.TargetWallet == target
	}), nil
}

func (s *MemoryStore) RecordExecution(_ context.Context, id string, at time.Time) (model.CopyConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, ok := s.configs[id]
	if !ok {
		return model.CopyConfig{}, fmt.Errorf("config %s: %w", id, ErrNotFound)
	}
	cfg.TradesToday++
	cfg.TotalTrades++
	t := at
	cfg.LastTradeAt = &t
	s.configs[id] = cfg
	return cfg, nil
}

func (s *MemoryStore) ResetDailyCounters(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, cfg := range s.configs {
		if cfg.TradesToday == 0 {
			continue
		}
		cfg.TradesToday = 0
		s.configs[id] = cfg
		n++
	}
	return n, nil
}

func (s *MemoryStore) AppendAttempt(_ context.Context, a model.CopyAttempt) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, a)
	return nil
}

func (s *MemoryStore) ListAttempts(_ context.Context, configID string, limit int) ([]model.CopyAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.CopyAttempt
	for i := len(s.attempts) - 1; i >= 0; i-- {
		if s.attempts[i].ConfigID != configID {
			continue
		}
		out = append(out, s.attempts[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ListOpenAttempts(_ context.Context, userWallet string) ([]model.CopyAttempt, error) {
	user := model.NormalizeWallet(userWallet)
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.CopyAttempt
	for _, a := range s.attempts {
		if a.UserWallet == user && a.Status == model.AttemptExecuted && !a.Pnl.Valid {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *MemoryStore) AttachPnl(_ context.Context, attemptID string, pnl decimal.Decimal) (model.CopyAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.attempts {
		a := &s.attempts[i]
		if a.ID != attemptID {
			continue
		}
		if a.Status != model.AttemptExecuted || a.Pnl.Valid {
			return model.CopyAttempt{}, ErrAttemptNotOpen
		}
		a.Pnl = decimal.NewNullDecimal(pnl)
		if cfg, ok := s.configs[a.ConfigID]; ok {
			cfg.TotalPnl = cfg.TotalPnl.Add(pnl)
			s.configs[a.ConfigID] = cfg
		}
		return *a, nil
	}
	return model.CopyAttempt{}, fmt.Errorf("attempt %s: %w", attemptID, ErrNotFound)
}

func (s *MemoryStore) AttemptStats(_ context.Context, configID string) (model.AttemptStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []model.CopyAttempt
	for _, a := range s.attempts {
		if a.ConfigID == configID {
			matched = append(matched, a)
		}
	}
	return statsFrom(configID, matched), nil
}

func (s *MemoryStore) ListTrackedWallets(_ context.Context) ([]model.TrackedWallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.TrackedWallet, 0, len(s.watch))
	for _, w := range s.watch {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Wallet < out[j].Wallet })
	return out, nil
}

func (s *MemoryStore) AddTrackedWallet(_ context.Context, wallet, source string) (bool, error) {
	w := model.NormalizeWallet(wallet)
	if w == "" {
		return false, fmt.Errorf("store: empty wallet")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.watch[w]; ok {
		return false, nil
	}
	s.watch[w] = model.TrackedWallet{Wallet: w, Source: source, AddedAt: s.now()}
	return true, nil
}

func (s *MemoryStore) filterConfigs(keep func(model.CopyConfig) bool) []model.CopyConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.CopyConfig
	for _, c := range s.configs {
		if keep(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *MemoryStore) enabledPairLocked(user, target, exceptID string) bool {
	for _, c := range s.configs {
		if c.ID != exceptID && c.Enabled && c.UserWallet == user && c.TargetWallet == target {
			return true
		}
	}
	return false
}
