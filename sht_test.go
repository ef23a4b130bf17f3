package ix

import (
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_S1_Basic(t *testing.T) {
	tbl := NewTable(WithBuckets(10))

	v := 23
	key := []byte{0x2A}

	require.NoError(t, tbl.Insert(key, &v))

	got, ok := tbl.Lookup(key)
	require.True(t, ok)
	assert.Same(t, &v, got)

	_, ok = tbl.Lookup([]byte{0x17})
	assert.False(t, ok)

	require.NoError(t, tbl.Remove(key))

	_, ok = tbl.Lookup(key)
	assert.False(t, ok)
}

func TestTable_InsertRejectsEmptyKey(t *testing.T) {
	tbl := NewTable()
	assert.ErrorIs(t, tbl.Insert(nil, 1), ErrInvalidArgument)
	assert.ErrorIs(t, tbl.Insert([]byte{}, 1), ErrInvalidArgument)
}

func TestTable_RemoveNotFound(t *testing.T) {
	tbl := NewTable()
	assert.ErrorIs(t, tbl.Remove([]byte("missing")), ErrNotFound)
}

// TestTable_LookupAfterInsert is invariant 1: lookup always sees the most
// recently written value for a key, ignoring concurrent removal.
func TestTable_LookupAfterInsert(t *testing.T) {
	tbl := NewTable(WithBuckets(8))

	for i := 0; i < 500; i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		v := i
		require.NoError(t, tbl.Insert(key, v))

		got, ok := tbl.Lookup(key)
		require.True(t, ok)
		assert.Equal(t, v, got)
	}
}

// TestTable_LIFOChain verifies duplicate inserts of the same key produce a
// LIFO chain: lookup sees the most recently inserted value.
func TestTable_LIFOChain(t *testing.T) {
	tbl := NewTable()
	key := []byte("dup")

	require.NoError(t, tbl.Insert(key, 1))
	require.NoError(t, tbl.Insert(key, 2))
	require.NoError(t, tbl.Insert(key, 3))

	got, ok := tbl.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, 3, got)
}

// TestTable_S2_ConcurrentLookupOrInsert is invariant 2 and scenario S2: N
// goroutines race LookupOrInsert on the same set of keys; every goroutine
// observes the same winning value per key, and a final lookup of every key
// returns that winning value.
func TestTable_S2_ConcurrentLookupOrInsert(t *testing.T) {
	const goroutines = 10
	const keys = 10000

	tbl := NewTable(WithBuckets(10))

	results := make([][]int, goroutines)
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		g := g
		results[g] = make([]int, keys)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := 0; k < keys; k++ {
				key := []byte(fmt.Sprintf("k-%d", k))
				v, err := tbl.LookupOrInsert(key, g*keys+k)
				require.NoError(t, err)
				results[g][k] = v.(int)
			}
		}()
	}
	wg.Wait()

	for k := 0; k < keys; k++ {
		winner := results[0][k]
		for g := 1; g < goroutines; g++ {
			assert.Equal(t, winner, results[g][k], "key %d: all goroutines must observe the same winner", k)
		}

		key := []byte(fmt.Sprintf("k-%d", k))
		got, ok := tbl.Lookup(key)
		require.True(t, ok)
		assert.Equal(t, winner, got)
	}

	// The bucket count should have grown from the initial 10 as depth
	// exceeded sqrt(size) repeatedly.
	assert.Greater(t, tbl.cur.Load().size, 10)
}

// TestTable_ResizeSafety is invariant 7: N distinct-key inserts into a
// size-S table followed by lookups return all N values, regardless of
// intermediate resize events triggered along the way.
func TestTable_ResizeSafety(t *testing.T) {
	tbl := NewTable(WithBuckets(4))

	const n = 5000
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("resize-%d", i))
		require.NoError(t, tbl.Insert(key, i))
	}

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("resize-%d", i))
		got, ok := tbl.Lookup(key)
		require.True(t, ok, "key %d should still be present", i)
		assert.Equal(t, i, got)
	}

	assert.Greater(t, tbl.Stats().DoubleSize, uint64(0))
}

func TestTable_GCDrainsOldGeneration(t *testing.T) {
	tbl := NewTable(WithBuckets(4))

	for i := 0; i < 200; i++ {
		key := []byte(fmt.Sprintf("gc-%d", i))
		require.NoError(t, tbl.Insert(key, i))
	}

	// Drain any remaining old generation explicitly; GC is also invoked
	// opportunistically inside every foreground op above.
	for tbl.old.Load() != nil {
		tbl.GC(64)
	}
	assert.Nil(t, tbl.old.Load())
}

func TestTable_ConcurrentInsertsAndRemoves(t *testing.T) {
	tbl := NewTable(WithBuckets(16))

	const workers = 8
	const perWorker = 2000

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				key := []byte(fmt.Sprintf("w%d-%d", w, i))
				require.NoError(t, tbl.Insert(key, i))
				require.NoError(t, tbl.Remove(key))
			}
		}()
	}
	wg.Wait()
}

func TestTable_NodeAllocatorFailure(t *testing.T) {
	wantErr := fmt.Errorf("boom")
	tbl := NewTable(WithNodeAllocator(
		func(key []byte, value any) (*tableEntry, error) {
			return nil, wantErr
		},
		nil,
	))

	err := tbl.Insert([]byte("x"), 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllocFailed)
}

func TestTable_Close(t *testing.T) {
	tbl := NewTable()
	for i := 0; i < 10; i++ {
		require.NoError(t, tbl.Insert([]byte(fmt.Sprintf("c-%d", i)), i))
	}
	tbl.Close()
	tbl.Close() // idempotent

	_, ok := tbl.Lookup([]byte("c-0"))
	assert.False(t, ok)

	assert.ErrorIs(t, tbl.Insert([]byte("after-close"), 1), ErrClosed)
	_, err := tbl.LookupOrInsert([]byte("after-close"), 1)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, tbl.Remove([]byte("c-1")), ErrClosed)
}

func TestIsqrt(t *testing.T) {
	cases := map[int]int32{
		0: 0, 1: 1, 2: 1, 3: 1, 4: 2, 9: 3, 10: 3, 99: 9, 100: 10, 101: 10,
	}
	for n, want := range cases {
		assert.Equal(t, want, isqrt(n), "isqrt(%d)", n)
	}
	assert.Equal(t, int32(math.Sqrt(float64(1 << 20))), isqrt(1<<20))
}
