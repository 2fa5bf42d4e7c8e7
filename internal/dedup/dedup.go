// Package dedup suppresses re-delivery of trades that were already seen.
package dedup

const (
	// DefaultCapacity is the number of ids kept before the set is compacted.
	DefaultCapacity = 10000
	// DefaultRetain is the number of most recent ids kept after compaction.
	DefaultRetain = 5000
)

// Deduplicator is a bounded set of trade ids. When the set grows past its
// capacity only the most recently inserted ids are retained.
//
// It is owned by the engine's dispatch loop and is not safe for concurrent use.
type Deduplicator struct {
	capacity int
	retain   int
	ids      map[string]struct{}
	order    []string // insertion order, oldest first
	evicted  int64
}

// New creates a Deduplicator with the default bounds.
func New() *Deduplicator {
	return NewWithBounds(DefaultCapacity, DefaultRetain)
}

// NewWithBounds creates a Deduplicator that compacts down to retain ids once
// more than capacity ids are recorded.
func NewWithBounds(capacity, retain int) *Deduplicator {
	if capacity < 1 {
		capacity = 1
	}
	if retain < 0 || retain > capacity {
		retain = capacity / 2
	}
	return &Deduplicator{
		capacity: capacity,
		retain:   retain,
		ids:      make(map[string]struct{}, capacity+1),
		order:    make([]string, 0, capacity+1),
	}
}

// Seen reports whether id was recorded. Empty ids are never seen.
func (d *Deduplicator) Seen(id string) bool {
	if id == "" {
		return false
	}
	_, ok := d.ids[id]
	return ok
}

// Record adds id to the set. Empty ids are ignored.
func (d *Deduplicator) Record(id string) {
	if id == "" {
		return
	}
	if _, ok := d.ids[id]; ok {
		return
	}
	d.ids[id] = struct{}{}
	d.order = append(d.order, id)

	if len(d.order) > d.capacity {
		d.compact()
	}
}

// Check records id and reports whether it had already been seen.
func (d *Deduplicator) Check(id string) (duplicate bool) {
	if d.Seen(id) {
		return true
	}
	d.Record(id)
	return false
}

// Len returns the number of ids currently held.
func (d *Deduplicator) Len() int {
	return len(d.order)
}

// Evicted returns the number of ids dropped by compaction so far.
func (d *Deduplicator) Evicted() int64 {
	return d.evicted
}

// compact keeps the newest d.retain ids.
func (d *Deduplicator) compact() {
	drop := len(d.order) - d.retain
	for _, id := range d.order[:drop] {
		delete(d.ids, id)
	}
	kept := make([]string, d.retain, d.capacity+1)
	copy(kept, d.order[drop:])
	d.order = kept
	d.evicted += int64(drop)
}
