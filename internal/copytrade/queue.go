package copytrade

import (
	"log/slog"
	"runtime/debug"
	"sync"
)

// serialQueue is an unbounded FIFO drained by at most one goroutine at a
// time. A drain goroutine is started on the first push into an idle queue
// and exits when the queue is empty, so idle lanes cost nothing.
type serialQueue[T any] struct {
	mu     sync.Mutex
	items  []T
	busy   bool
	handle func(T)
	logger *slog.Logger
}

// push appends item and starts a drain goroutine, tracked by wg, if none is
// running.
func (q *serialQueue[T]) push(wg *sync.WaitGroup, item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	if q.busy {
		q.mu.Unlock()
		return
	}
	q.busy = true
	wg.Add(1)
	q.mu.Unlock()

	go q.drain(wg)
}

func (q *serialQueue[T]) drain(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.busy = false
			q.mu.Unlock()
			return
		}
		item := q.items[0]
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.mu.Unlock()

		q.run(item)
	}
}

// run isolates a panicking handler to the item that caused it.
func (q *serialQueue[T]) run(item T) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("copy lane handler panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	q.handle(item)
}

// clear drops queued items and returns how many were dropped.
func (q *serialQueue[T]) clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}

func (q *serialQueue[T]) state() (queued int, busy bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), q.busy
}
