package feed

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MidCache holds the latest mid price per instrument. It is fed by venue mid
// streams and read by normalizers and the paper executor.
type MidCache struct {
	mu      sync.RWMutex
	mids    map[string]decimal.Decimal
	updated time.Time
}

// NewMidCache creates an empty cache.
func NewMidCache() *MidCache {
	return &MidCache{mids: make(map[string]decimal.Decimal)}
}

// Set stores the mid for one instrument.
func (m *MidCache) Set(instrument string, mid decimal.Decimal) {
	m.mu.Lock()
	m.mids[instrument] = mid
	m.updated = time.Now()
	m.mu.Unlock()
}

// Merge stores many mids at once.
func (m *MidCache) Merge(mids map[string]decimal.Decimal) {
	m.mu.Lock()
	for k, v := range mids {
		m.mids[k] = v
	}
	m.updated = time.Now()
	m.mu.Unlock()
}

// Mid returns the latest mid for instrument.
func (m *MidCache) Mid(instrument string) (decimal.Decimal, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.mids[instrument]
	return v, ok
}

// Updated returns when the cache last changed.
func (m *MidCache) Updated() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.updated
}
