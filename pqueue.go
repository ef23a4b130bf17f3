package ix

import (
	"sync"
	"sync/atomic"
)

const defaultQueueCapacity = 64

// queueItem is a min-heap element ordered by expire. index is a back-pointer
// into the heap slice, kept in sync on every swap so external code can
// cancel/reschedule an item in O(log n) without a linear search.
type queueItem struct {
	expire uint64
	value  any
	index  int
	inHeap bool
}

// Item is an opaque handle to a queueItem, returned by Queue.NewItem for
// the advanced (cancel/reschedule) API.
type Item struct {
	item *queueItem
}

// Value returns the opaque value the item was created with.
func (it *Item) Value() any {
	return it.item.value
}

// QueueExpireFunc is invoked once per firing, with the queue's mutex held.
// Callers must not recursively invoke operations on the same Queue from
// within the callback.
type QueueExpireFunc func(value any)

// Queue is a mutex-guarded binary min-heap ordered by absolute expiry. All
// operations hold a single coarse mutex; the heap is not lock-free and
// assumes moderate contention.
type Queue struct {
	mu        sync.Mutex
	items     []*queueItem
	expireFn  QueueExpireFunc
	allocItem func(expire uint64, value any) (*queueItem, error)
	release   func(*queueItem)
	stats     queueStats
	closed    atomic.Bool
}

// QueueOption configures a Queue at construction time.
type QueueOption func(*queueConfig)

type queueConfig struct {
	capacity  int
	expireFn  QueueExpireFunc
	allocItem func(expire uint64, value any) (*queueItem, error)
	release   func(*queueItem)
}

// WithCapacity overrides the default initial capacity (64). Values <= 0
// are ignored.
func WithCapacity(n int) QueueOption {
	return func(c *queueConfig) {
		if n > 0 {
			c.capacity = n
		}
	}
}

// WithExpireFunc sets the callback invoked once per firing by Expire and
// ExpireAll.
func WithExpireFunc(fn QueueExpireFunc) QueueOption {
	return func(c *queueConfig) {
		c.expireFn = fn
	}
}

// WithItemRecycler supplies a custom item allocator/releaser pair, the Go
// stand-in for the original's alloc_fn/free_fn/realloc_fn.
func WithItemRecycler(
	alloc func(expire uint64, value any) (*queueItem, error),
	release func(*queueItem),
) QueueOption {
	return func(c *queueConfig) {
		c.allocItem = alloc
		c.release = release
	}
}

// NewQueue creates a Queue. With no options it defaults to capacity 64.
func NewQueue(opts ...QueueOption) *Queue {
	cfg := queueConfig{capacity: defaultQueueCapacity}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Queue{
		items:     make([]*queueItem, 0, cfg.capacity),
		expireFn:  cfg.expireFn,
		allocItem: cfg.allocItem,
		release:   cfg.release,
	}
}

func (q *Queue) newItem(expire uint64, value any) (*queueItem, error) {
	if q.allocItem != nil {
		it, err := q.allocItem(expire, value)
		if err != nil {
			return nil, err
		}
		if it == nil {
			return nil, ErrAllocFailed
		}
		it.expire = expire
		it.value = value
		return it, nil
	}
	return &queueItem{expire: expire, value: value}, nil
}

func (q *Queue) destroyItem(it *queueItem) {
	if q.release != nil {
		q.release(it)
	}
}

func (q *Queue) less(i, j int) bool {
	return q.items[i].expire < q.items[j].expire
}

func (q *Queue) swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

// siftUp restores heap order after appending at the tail. Iterative rather
// than recursive to keep stack depth flat regardless of heap size.
func (q *Queue) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !q.less(i, parent) {
			return
		}
		q.swap(i, parent)
		i = parent
	}
}

// siftDown restores heap order after replacing the root (or any node).
func (q *Queue) siftDown(i int) {
	n := len(q.items)
	for {
		left := 2*i + 1
		right := 2*i + 2
		smallest := i

		if left < n && q.less(left, smallest) {
			smallest = left
		}
		if right < n && q.less(right, smallest) {
			smallest = right
		}
		if smallest == i {
			return
		}
		q.swap(i, smallest)
		i = smallest
	}
}

// insertLocked appends item and restores heap order; caller holds q.mu.
func (q *Queue) insertLocked(it *queueItem) {
	it.index = len(q.items)
	it.inHeap = true
	q.items = append(q.items, it)
	q.siftUp(it.index)
}

// removeLocked removes the item at its current index and restores heap
// order in O(log n); caller holds q.mu.
func (q *Queue) removeLocked(it *queueItem) {
	idx := it.index
	n := len(q.items)
	last := n - 1

	it.inHeap = false

	if idx == last {
		q.items = q.items[:last]
		return
	}

	q.items[idx] = q.items[last]
	q.items[idx].index = idx
	q.items = q.items[:last]

	parent := (idx - 1) / 2
	if idx > 0 && q.less(idx, parent) {
		q.siftUp(idx)
	} else {
		q.siftDown(idx)
	}
}

// NewItem creates an Item owned by the caller until it is inserted via
// InsertItem. It is the advanced API used for rescheduling.
func (q *Queue) NewItem(expire uint64, value any) (*Item, error) {
	it, err := q.newItem(expire, value)
	if err != nil {
		return nil, err
	}
	return &Item{item: it}, nil
}

// InsertItem inserts a previously created Item into the heap, growing
// capacity (doubling) if needed.
func (q *Queue) InsertItem(it *Item) error {
	if q.closed.Load() {
		return ErrClosed
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.insertLocked(it.item)
	q.stats.inserts.Add(1)
	return nil
}

// RemoveItem removes a previously inserted Item from the heap in O(log n).
func (q *Queue) RemoveItem(it *Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !it.item.inHeap {
		return ErrNotFound
	}
	q.removeLocked(it.item)
	q.stats.removed.Add(1)
	return nil
}

// RescheduleItem removes then reinserts item with a new deadline of
// now+newTTL. The back-pointer invariant never breaks at any intermediate
// observable state because both steps happen under the same lock.
func (q *Queue) RescheduleItem(now uint64, it *Item, newTTL uint64) error {
	if q.closed.Load() {
		return ErrClosed
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if !it.item.inHeap {
		return ErrNotFound
	}
	q.removeLocked(it.item)
	it.item.expire = now + newTTL
	q.insertLocked(it.item)
	q.stats.rescheduled.Add(1)
	return nil
}

// Insert creates an item with expire = now+ttl and inserts it.
func (q *Queue) Insert(now uint64, value any, ttl uint64) error {
	if q.closed.Load() {
		return ErrClosed
	}

	it, err := q.newItem(now+ttl, value)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.insertLocked(it)
	q.stats.inserts.Add(1)
	return nil
}

// Expire fires up to maxCount items whose expire <= now, earliest first,
// invoking the configured expire callback with the queue's mutex held.
// It stops after maxCount firings, or when the root's expire > now, or
// when the queue is empty. It unlocks along a single deferred exit path
// regardless of which condition ends the loop.
func (q *Queue) Expire(now uint64, maxCount int) int {
	if maxCount <= 0 {
		return 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	fired := 0
	for fired < maxCount && len(q.items) > 0 {
		root := q.items[0]
		if root.expire > now {
			break
		}

		if q.expireFn != nil {
			q.expireFn(root.value)
		}

		root.inHeap = false
		last := len(q.items) - 1
		q.items[0] = q.items[last]
		q.items[0].index = 0
		q.items = q.items[:last]
		q.siftDown(0)

		q.destroyItem(root)
		fired++
	}

	q.stats.expired.Add(uint64(fired))
	return fired
}

// ExpireAll is equivalent to Expire(now, math.MaxInt).
func (q *Queue) ExpireAll(now uint64) int {
	return q.Expire(now, int(^uint(0)>>1))
}

// Stats returns a point-in-time snapshot of the queue's advisory counters.
func (q *Queue) Stats() QueueStats {
	return q.stats.snapshot()
}

// Close expires every remaining item (firing the callback for each) and
// marks the queue closed. Further Insert/InsertItem/RescheduleItem calls
// return ErrClosed; Close itself is idempotent.
func (q *Queue) Close() {
	if q.closed.Swap(true) {
		return
	}
	q.ExpireAll(^uint64(0))
}
