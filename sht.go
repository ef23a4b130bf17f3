package ix

import (
	"bytes"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
)

const defaultBuckets = 100

// tableEntry is a key/value node inside a bucket's collision chain. Key
// bytes are always copied on insert; value is an opaque pointer the table
// never dereferences.
type tableEntry struct {
	hash  uint32
	key   []byte
	value any
	next  *tableEntry
}

// tableBucket is one line of the table: a reader-writer lock guarding a
// singly-linked collision chain, plus an advisory depth counter used only
// to decide when to trigger a resize.
type tableBucket struct {
	mu    sync.RWMutex
	depth atomic.Int32
	head  *tableEntry

	//lint:ignore U1000 prevents false sharing between adjacent buckets
	_ [(CacheLineSize - unsafe.Sizeof(struct {
		mu    sync.RWMutex
		depth atomic.Int32
		head  *tableEntry
	}{})%CacheLineSize) % CacheLineSize]byte
}

func newTableBucket() *tableBucket {
	return &tableBucket{}
}

func (b *tableBucket) lookup(key []byte, hash uint32) (any, bool) {
	for e := b.head; e != nil; e = e.next {
		if e.hash != hash {
			continue
		}
		if bytes.Equal(e.key, key) {
			return e.value, true
		}
	}
	return nil, false
}

func (b *tableBucket) insert(e *tableEntry) {
	e.next = b.head
	b.head = e
	b.depth.Add(1)
}

// tableGen is one generation of the table's bucket array: a fixed-size
// array of buckets, the resize-depth trigger computed from its size, and
// the drain cursor (guarded by gcMu) used while it is the old generation.
type tableGen struct {
	buckets  []*tableBucket
	size     int
	maxDepth int32
	gcIndex  int
	gcMu     sync.Mutex
}

// Table is a sharded hash table with online incremental resize: a
// per-bucket sync.RWMutex protects each collision chain, and a ref-counted
// barrier (Table.ref + Table.barrierMu) gates a generation swap until every
// foreground operation that started against the old generation has left.
type Table struct {
	cur atomic.Pointer[tableGen]
	old atomic.Pointer[tableGen]

	ref       atomic.Int32
	barrierMu sync.Mutex

	hash          HashFunc
	gcSteps       int
	allocNode     func(key []byte, value any) (*tableEntry, error)
	releaseNode   func(*tableEntry)
	doubleSizeGen atomic.Bool // mirrors do_double_size: true once current resize window is closed
	closed        atomic.Bool

	stats tableStats
}

// TableOption configures a Table at construction time.
type TableOption func(*tableConfig)

type tableConfig struct {
	buckets     int
	hash        HashFunc
	gcSteps     int
	allocNode   func(key []byte, value any) (*tableEntry, error)
	releaseNode func(*tableEntry)
}

// WithBuckets overrides the default initial bucket count (100). Values
// <= 0 are ignored (the default is used).
func WithBuckets(n int) TableOption {
	return func(c *tableConfig) {
		if n > 0 {
			c.buckets = n
		}
	}
}

// WithHash overrides the default one-at-a-time hash function.
func WithHash(fn HashFunc) TableOption {
	return func(c *tableConfig) {
		if fn != nil {
			c.hash = fn
		}
	}
}

// WithGCSteps overrides the default number of entries migrated from the
// old generation on each foreground operation during a resize (10).
func WithGCSteps(n int) TableOption {
	return func(c *tableConfig) {
		if n > 0 {
			c.gcSteps = n
		}
	}
}

// WithNodeAllocator supplies a custom entry allocator/releaser pair, the
// Go stand-in for the original's alloc_fn/free_fn so the table can be
// embedded in an arena-backed pool. alloc receives the already-copied key
// and the caller's opaque value and must return a fresh *tableEntry (or an
// error, which Insert/LookupOrInsert surface as ErrAllocFailed). release is
// called on every entry the table would otherwise drop via the GC.
func WithNodeAllocator(
	alloc func(key []byte, value any) (*tableEntry, error),
	release func(*tableEntry),
) TableOption {
	return func(c *tableConfig) {
		c.allocNode = alloc
		c.releaseNode = release
	}
}

// NewTable creates a Table. With no options it defaults to 100 buckets,
// the one-at-a-time hash, and 10 GC steps per foreground operation.
func NewTable(opts ...TableOption) *Table {
	cfg := tableConfig{
		buckets: defaultBuckets,
		hash:    oneAtATimeHash,
		gcSteps: 10,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	t := &Table{
		hash:        cfg.hash,
		gcSteps:     cfg.gcSteps,
		allocNode:   cfg.allocNode,
		releaseNode: cfg.releaseNode,
	}
	t.doubleSizeGen.Store(true)
	t.cur.Store(newTableGen(cfg.buckets))
	return t
}

func newTableGen(size int) *tableGen {
	g := &tableGen{
		buckets:  make([]*tableBucket, size),
		size:     size,
		maxDepth: isqrt(size),
	}
	for i := range g.buckets {
		g.buckets[i] = newTableBucket()
	}
	return g
}

// isqrt computes the integer square root, used to derive the per-bucket
// depth trigger floor(sqrt(size)): a table resizes once any bucket's chain
// grows past that threshold.
func isqrt(n int) int32 {
	if n <= 0 {
		return 0
	}
	x := n
	r := x
	for r > x/r {
		r = (r + x/r) / 2
	}
	return int32(r)
}

func (t *Table) newEntry(key []byte, hash uint32, value any) (*tableEntry, error) {
	if t.allocNode != nil {
		owned := append([]byte(nil), key...)
		e, err := t.allocNode(owned, value)
		if err != nil {
			return nil, errors.Wrapf(ErrAllocFailed, "ix: node allocator failed: %v", err)
		}
		if e == nil {
			return nil, ErrAllocFailed
		}
		e.hash = hash
		e.key = owned
		e.value = value
		return e, nil
	}
	return &tableEntry{
		hash:  hash,
		key:   append([]byte(nil), key...),
		value: value,
	}, nil
}

func (t *Table) destroyEntry(e *tableEntry) {
	if t.releaseNode != nil {
		t.releaseNode(e)
	}
}

// acquire admits one more foreground operation, blocked only behind the
// brief barrierMu window a resize holds while waiting for ref to drain.
func (t *Table) acquire() {
	t.barrierMu.Lock()
	t.ref.Add(1)
	t.barrierMu.Unlock()
}

func (t *Table) release() {
	t.ref.Add(-1)
}

func bucketFor(gen *tableGen, hash uint32) *tableBucket {
	return gen.buckets[int(uint(hash)%uint(gen.size))]
}

// tryClaimResize implements sht_double_size: exactly one concurrent caller
// wins the right to grow the table; everyone else is a no-op and gets nil.
// The winner gets ErrResizeInProgress if an old generation is still being
// drained. On that path the claim flag is not set back to true, so no later
// call can claim a resize again and the table stops growing.
func (t *Table) tryClaimResize() error {
	if !t.doubleSizeGen.CompareAndSwap(true, false) {
		return nil // someone else is already resizing this generation; not an error to the caller
	}

	if t.old.Load() != nil {
		// too many resizes too fast; matches sht.c's "if (h->old != NULL) return -1"
		return ErrResizeInProgress
	}

	cur := t.cur.Load()
	newGen := newTableGen(cur.size * 2)

	t.barrierMu.Lock()
	for t.ref.Load() > 1 {
		runtime.Gosched()
	}

	t.old.Store(cur)
	t.cur.Store(newGen)
	t.stats.doubleSize.Add(1)
	t.barrierMu.Unlock()

	t.doubleSizeGen.Store(true)
	return nil
}

// gc drains up to maxSteps entries from the old generation into the
// current one, starting from old.gcIndex and advancing sequentially over
// buckets. It is invoked opportunistically inside every foreground
// operation and may also be called directly via Table.GC.
func (t *Table) gc(maxSteps int) int {
	old := t.old.Load()
	if old == nil {
		return 0
	}

	if !old.gcMu.TryLock() {
		return 0
	}

	moved := 0
	for moved < maxSteps {
		if old.gcIndex >= old.size {
			break
		}

		ob := old.buckets[old.gcIndex]
		ob.mu.Lock()
		e := ob.head
		if e == nil {
			ob.mu.Unlock()
			old.gcIndex++
			continue
		}

		// Insert into the current generation before unlinking from the old
		// one, still holding the old bucket's lock: the key must be visible
		// in at least one generation at every instant, never in neither
		// (which would make a concurrent Lookup miss it) and never absent
		// from both while also absent from the link that LookupOrInsert
		// checks (which would insert a duplicate).
		next := e.next

		cur := t.cur.Load()
		nb := bucketFor(cur, e.hash)
		nb.mu.Lock()
		nb.insert(e)
		nb.mu.Unlock()

		ob.head = next
		ob.depth.Add(-1)
		ob.mu.Unlock()

		moved++
	}

	// The completion barrier runs while old.gcMu is still held, so a second
	// caller can't TryLock it, see the old generation fully drained, and
	// race this caller into the ref-drain spin below with its own ref
	// pinned on barrierMu. That race would deadlock both against a ref
	// that can now never drop to 1.
	if old.gcIndex >= old.size {
		t.barrierMu.Lock()
		for t.ref.Load() > 1 {
			runtime.Gosched()
		}
		t.old.Store(nil)
		t.barrierMu.Unlock()
	}
	old.gcMu.Unlock()

	return moved
}

// GC manually drains up to maxSteps entries from the old generation, if a
// resize is in progress. It returns the number of entries actually moved.
func (t *Table) GC(maxSteps int) int {
	t.acquire()
	defer t.release()
	return t.gc(maxSteps)
}

// Insert always inserts a new entry; it never deduplicates. A later Lookup
// returns the most recently inserted matching entry (LIFO per bucket).
func (t *Table) Insert(key []byte, value any) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if len(key) == 0 {
		return ErrInvalidArgument
	}

	hash := t.hash(key)
	entry, err := t.newEntry(key, hash, value)
	if err != nil {
		return err
	}

	t.acquire()
	defer t.release()

	t.gc(t.gcSteps)

	cur := t.cur.Load()
	b := bucketFor(cur, hash)

	if b.depth.Load() > cur.maxDepth {
		if err := t.tryClaimResize(); err != nil {
			t.stats.doubleSizeFail.Add(1)
		} else {
			cur = t.cur.Load()
			b = bucketFor(cur, hash)
		}
	}

	b.mu.Lock()
	collided := b.head != nil
	b.insert(entry)
	b.mu.Unlock()

	t.stats.inserts.Add(1)
	if collided {
		t.stats.collisions.Add(1)
	}

	return nil
}

// Lookup searches the current generation, then the old generation if a
// resize is in progress.
func (t *Table) Lookup(key []byte) (any, bool) {
	if len(key) == 0 {
		return nil, false
	}

	hash := t.hash(key)

	t.acquire()
	defer t.release()

	t.stats.lookups.Add(1)
	t.gc(t.gcSteps)

	cur := t.cur.Load()
	b := bucketFor(cur, hash)
	b.mu.RLock()
	v, ok := b.lookup(key, hash)
	b.mu.RUnlock()
	if ok {
		return v, true
	}

	if old := t.old.Load(); old != nil {
		ob := bucketFor(old, hash)
		ob.mu.RLock()
		v, ok = ob.lookup(key, hash)
		ob.mu.RUnlock()
	}

	return v, ok
}

// LookupOrInsert is an atomic get-or-insert: if a matching key exists
// (either generation) it returns the existing value, otherwise it inserts
// value and returns it. It never inserts a duplicate under concurrent
// callers: the new entry is allocated outside any lock, then the target
// bucket is rechecked for the key under its write lock before the entry is
// linked in.
func (t *Table) LookupOrInsert(key []byte, value any) (any, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if len(key) == 0 {
		return nil, ErrInvalidArgument
	}

	hash := t.hash(key)

	t.acquire()
	defer t.release()

	t.stats.lookups.Add(1)
	t.gc(t.gcSteps)

	cur := t.cur.Load()
	b := bucketFor(cur, hash)
	if b.depth.Load() > cur.maxDepth {
		if err := t.tryClaimResize(); err != nil {
			t.stats.doubleSizeFail.Add(1)
		} else {
			cur = t.cur.Load()
			b = bucketFor(cur, hash)
		}
	}

	if old := t.old.Load(); old != nil {
		ob := bucketFor(old, hash)
		ob.mu.RLock()
		v, ok := ob.lookup(key, hash)
		ob.mu.RUnlock()
		if ok {
			return v, nil
		}
	}

	var newEntry *tableEntry
	b.mu.Lock()
	for {
		if v, ok := b.lookup(key, hash); ok {
			b.mu.Unlock()
			if newEntry != nil {
				t.destroyEntry(newEntry)
			}
			return v, nil
		}

		if newEntry != nil {
			break // still the same chain we snapshotted; safe to insert
		}

		snapshot := b.head
		b.mu.Unlock()

		var err error
		newEntry, err = t.newEntry(key, hash, value)
		if err != nil {
			return nil, err
		}

		b.mu.Lock()
		if b.head != snapshot {
			continue // chain changed under us; re-check before inserting
		}
		break
	}

	collided := b.head != nil
	b.insert(newEntry)
	b.mu.Unlock()

	t.stats.inserts.Add(1)
	if collided {
		t.stats.collisions.Add(1)
	}

	return newEntry.value, nil
}

// Remove removes the first matching entry in the current generation, else
// the old generation. Removing an absent key returns ErrNotFound.
func (t *Table) Remove(key []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if len(key) == 0 {
		return ErrInvalidArgument
	}

	hash := t.hash(key)

	t.acquire()
	defer t.release()

	t.gc(t.gcSteps)

	cur := t.cur.Load()
	if t.removeFrom(cur, key, hash) {
		t.stats.removes.Add(1)
		return nil
	}

	if old := t.old.Load(); old != nil && t.removeFrom(old, key, hash) {
		t.stats.removes.Add(1)
		return nil
	}

	return ErrNotFound
}

func (t *Table) removeFrom(gen *tableGen, key []byte, hash uint32) bool {
	b := bucketFor(gen, hash)

	b.mu.Lock()
	defer b.mu.Unlock()

	var prev *tableEntry
	for e := b.head; e != nil; e = e.next {
		if e.hash != hash || !bytes.Equal(e.key, key) {
			prev = e
			continue
		}

		if prev == nil {
			b.head = e.next
		} else {
			prev.next = e.next
		}
		b.depth.Add(-1)
		t.destroyEntry(e)
		return true
	}

	return false
}

// Stats returns a point-in-time snapshot of the table's advisory counters.
func (t *Table) Stats() TableStats {
	return t.stats.snapshot()
}

// Close marks the table closed (further Insert/LookupOrInsert/Remove calls
// return ErrClosed) and drains both generations, releasing every entry via
// the configured node releaser (if any). It is idempotent.
func (t *Table) Close() {
	if t.closed.Swap(true) {
		return
	}

	for _, gen := range []*tableGen{t.old.Load(), t.cur.Load()} {
		if gen == nil {
			continue
		}
		for _, b := range gen.buckets {
			b.mu.Lock()
			for e := b.head; e != nil; {
				next := e.next
				t.destroyEntry(e)
				e = next
			}
			b.head = nil
			b.mu.Unlock()
		}
	}
}
