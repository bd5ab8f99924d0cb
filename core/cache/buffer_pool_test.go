package cache

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/driftdb/driftdb/core/storage/disk"
	"github.com/driftdb/driftdb/core/storage/page"
	"github.com/driftdb/driftdb/pkg/telemetry"
)

func setupPool(t *testing.T, poolSize int) (*BufferPool, *disk.DiskManager, *telemetry.Metrics) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pool.db")

	dm, err := disk.NewDiskManager(path, true, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })

	metrics := telemetry.New(prometheus.NewRegistry())
	pool := NewBufferPool(dm, poolSize, zap.NewNop(), metrics)
	return pool, dm, metrics
}

// createDataPage creates a data page holding one record keyed by its page id,
// still pinned.
func createDataPage(t *testing.T, pool *BufferPool) uint32 {
	t.Helper()
	p, err := pool.CreatePage(page.TypeData, false, 0)
	require.NoError(t, err)

	dp, ok := p.AsData()
	require.True(t, ok)
	_, ok = dp.InsertRecord(p.ID(), []byte(fmt.Sprintf("page-%d", p.ID())), 1)
	require.True(t, ok)

	return p.ID()
}

func TestBufferPool_CreateFetchRoundTrip(t *testing.T) {
	pool, _, metrics := setupPool(t, 4)

	pageID := createDataPage(t, pool)
	require.NoError(t, pool.UnpinPage(pageID, true))

	p, err := pool.FetchPage(pageID)
	require.NoError(t, err)

	dp, ok := p.AsData()
	require.True(t, ok)
	slot, ok := dp.GetSlotID(pageID)
	require.True(t, ok)
	data, ok := dp.GetRecord(slot)
	require.True(t, ok)
	assert.Equal(t, []byte(fmt.Sprintf("page-%d", pageID)), data)

	require.NoError(t, pool.UnpinPage(pageID, false))

	// Resident page: the fetch was a hit, no disk read.
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PoolHits))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.PoolMisses))
}

func TestBufferPool_LRUEviction(t *testing.T) {
	pool, _, metrics := setupPool(t, 10)

	pageIDs := make([]uint32, 10)
	for i := range pageIDs {
		pageIDs[i] = createDataPage(t, pool)
	}
	for _, id := range pageIDs {
		require.NoError(t, pool.UnpinPage(id, true))
	}
	require.Equal(t, 10, pool.ResidentPages())

	// The 11th page evicts the least recently unpinned frame, which holds
	// the first page; its dirty contents are flushed on the way out.
	eleventh := createDataPage(t, pool)
	require.NoError(t, pool.UnpinPage(eleventh, true))

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PoolEvictions))
	assert.Equal(t, 10, pool.ResidentPages())

	// Fetching the evicted page reads it back from disk, data intact.
	p, err := pool.FetchPage(pageIDs[0])
	require.NoError(t, err)
	dp, ok := p.AsData()
	require.True(t, ok)
	slot, ok := dp.GetSlotID(pageIDs[0])
	require.True(t, ok)
	data, ok := dp.GetRecord(slot)
	require.True(t, ok)
	assert.Equal(t, []byte(fmt.Sprintf("page-%d", pageIDs[0])), data)
	require.NoError(t, pool.UnpinPage(pageIDs[0], false))

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PoolMisses))
}

func TestBufferPool_EvictionFollowsUnpinOrder(t *testing.T) {
	pool, _, metrics := setupPool(t, 3)

	ids := make([]uint32, 3)
	for i := range ids {
		ids[i] = createDataPage(t, pool)
	}

	// Unpin out of creation order; eviction must follow unpin order.
	require.NoError(t, pool.UnpinPage(ids[1], true))
	require.NoError(t, pool.UnpinPage(ids[0], true))
	require.NoError(t, pool.UnpinPage(ids[2], true))

	fourth := createDataPage(t, pool)
	require.NoError(t, pool.UnpinPage(fourth, true))

	// ids[1] was the oldest candidate, so it is gone: fetching it is a miss,
	// while ids[0] and ids[2] are still hits.
	assert.Equal(t, 3, pool.ResidentPages())

	p, err := pool.FetchPage(ids[0])
	require.NoError(t, err)
	require.NoError(t, pool.UnpinPage(p.ID(), false))

	p, err = pool.FetchPage(ids[2])
	require.NoError(t, err)
	require.NoError(t, pool.UnpinPage(p.ID(), false))

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.PoolHits))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.PoolMisses))

	p, err = pool.FetchPage(ids[1])
	require.NoError(t, err)
	require.NoError(t, pool.UnpinPage(p.ID(), false))

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PoolMisses))
}

func TestBufferPool_PinBlocksEviction(t *testing.T) {
	pool, dm, _ := setupPool(t, 10)

	for i := 0; i < 10; i++ {
		createDataPage(t, pool)
	}

	// Every frame is pinned: no victim, the 11th create fails.
	_, err := pool.CreatePage(page.TypeData, false, 0)
	require.ErrorIs(t, err, ErrNoVictim)

	// The orphaned allocation goes back to the free list, so the id is
	// handed out again once a frame frees up.
	require.NoError(t, pool.UnpinPage(0, false))
	p, err := pool.CreatePage(page.TypeData, false, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), p.ID())
	assert.Equal(t, uint32(11), dm.PageCount())
}

func TestBufferPool_UnpinNonResident(t *testing.T) {
	pool, _, _ := setupPool(t, 2)

	err := pool.UnpinPage(123, false)
	require.ErrorIs(t, err, ErrPageNotResident)
}

func TestBufferPool_DoubleUnpinSaturates(t *testing.T) {
	pool, _, _ := setupPool(t, 2)

	pageID := createDataPage(t, pool)
	require.NoError(t, pool.UnpinPage(pageID, true))
	require.NoError(t, pool.UnpinPage(pageID, false), "double unpin is permitted")
	assert.Equal(t, uint32(0), pool.frames[pool.pageTable[pageID]].Pins())
}

func TestBufferPool_DirtyBitIsSticky(t *testing.T) {
	pool, _, metrics := setupPool(t, 2)

	pageID := createDataPage(t, pool)
	// Unpinning clean never clears the dirty bit a create or earlier unpin
	// set; the flush below must still write the page.
	require.NoError(t, pool.UnpinPage(pageID, false))

	require.NoError(t, pool.FlushPage(pageID))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PageFlushes))

	// Now clean: flushing again is a no-op success.
	require.NoError(t, pool.FlushPage(pageID))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PageFlushes))
}

func TestBufferPool_FlushNonResident(t *testing.T) {
	pool, _, _ := setupPool(t, 2)

	err := pool.FlushPage(99)
	require.ErrorIs(t, err, ErrPageNotResident)
}

func TestBufferPool_DeletePage(t *testing.T) {
	pool, dm, _ := setupPool(t, 4)

	pageID := createDataPage(t, pool)

	err := pool.DeletePage(pageID)
	require.ErrorIs(t, err, ErrPagePinned)

	require.NoError(t, pool.UnpinPage(pageID, true))
	require.NoError(t, pool.DeletePage(pageID))
	assert.Equal(t, 0, pool.ResidentPages())

	// The id is back on the free list.
	assert.Equal(t, pageID, dm.AllocatePage())
}

func TestBufferPool_CreateRejectsInvalidType(t *testing.T) {
	pool, dm, _ := setupPool(t, 2)

	_, err := pool.CreatePage(page.TypeInvalid, false, 0)
	require.ErrorIs(t, err, ErrInvalidPageType)

	_, err = pool.CreatePage(page.TypeSpecial, false, 0)
	require.ErrorIs(t, err, ErrInvalidPageType)

	assert.Equal(t, uint32(0), dm.PageCount(), "no allocation on rejected type")
}

func TestBufferPool_FetchUnknownPageLeavesPoolUnchanged(t *testing.T) {
	pool, _, _ := setupPool(t, 2)

	pageID := createDataPage(t, pool)
	require.NoError(t, pool.UnpinPage(pageID, true))

	_, err := pool.FetchPage(4242)
	require.Error(t, err)
	assert.Equal(t, 1, pool.ResidentPages())

	// The resident page is still evictable after the failed fetch.
	second := createDataPage(t, pool)
	require.NoError(t, pool.UnpinPage(second, true))
	third := createDataPage(t, pool)
	require.NoError(t, pool.UnpinPage(third, true))
	assert.Equal(t, 2, pool.ResidentPages())
}

func TestBufferPool_CreateIndexPage(t *testing.T) {
	pool, _, _ := setupPool(t, 2)

	p, err := pool.CreatePage(page.TypeIndex, true, 0)
	require.NoError(t, err)

	ip, ok := p.AsIndex()
	require.True(t, ok)
	assert.True(t, ip.IsLeaf())
	require.True(t, ip.InsertKey(1, 2))
	require.NoError(t, pool.UnpinPage(p.ID(), true))
}

func TestBufferPool_FlushAllPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")

	dm, err := disk.NewDiskManager(path, true, zap.NewNop())
	require.NoError(t, err)
	pool := NewBufferPool(dm, 8, zap.NewNop(), telemetry.New(prometheus.NewRegistry()))

	ids := make([]uint32, 4)
	for i := range ids {
		ids[i] = createDataPage(t, pool)
		require.NoError(t, pool.UnpinPage(ids[i], true))
	}

	pool.FlushAll()
	require.NoError(t, dm.Sync())
	require.NoError(t, dm.Close())

	dm, err = disk.NewDiskManager(path, false, zap.NewNop())
	require.NoError(t, err)
	defer dm.Close()

	for _, id := range ids {
		p, err := dm.FetchPage(id)
		require.NoError(t, err)

		dp, ok := p.AsData()
		require.True(t, ok)
		slot, ok := dp.GetSlotID(id)
		require.True(t, ok)
		data, ok := dp.GetRecord(slot)
		require.True(t, ok)
		assert.Equal(t, []byte(fmt.Sprintf("page-%d", id)), data)
	}
}
