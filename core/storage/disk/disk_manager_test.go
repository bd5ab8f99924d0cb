package disk

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/driftdb/driftdb/core/storage/page"
)

func setupDiskManager(t *testing.T) (*DiskManager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")

	dm, err := NewDiskManager(path, true, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })

	return dm, path
}

func TestDiskManager_CreateWritesHeader(t *testing.T) {
	dm, path := setupDiskManager(t)

	assert.Equal(t, uint32(0), dm.PageCount())
	require.NoError(t, dm.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, data, DatabaseHeaderSize)

	assert.Equal(t, DBMagic, binary.LittleEndian.Uint32(data[0:]))
	assert.Equal(t, DBVersion, binary.LittleEndian.Uint32(data[4:]))
	assert.Equal(t, uint32(page.PageSize), binary.LittleEndian.Uint32(data[8:]))
	assert.Equal(t, page.InvalidPageID, binary.LittleEndian.Uint32(data[16:]))
}

func TestDiskManager_OpenMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.db")

	_, err := NewDiskManager(path, false, zap.NewNop())
	require.ErrorIs(t, err, ErrFileNotFound)
}

func TestDiskManager_RejectsCorruptHeaders(t *testing.T) {
	corrupt := func(t *testing.T, offset int64, value uint32) string {
		t.Helper()
		path := filepath.Join(t.TempDir(), "test.db")
		dm, err := NewDiskManager(path, true, zap.NewNop())
		require.NoError(t, err)
		require.NoError(t, dm.Close())

		f, err := os.OpenFile(path, os.O_RDWR, 0o644)
		require.NoError(t, err)
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], value)
		_, err = f.WriteAt(buf[:], offset)
		require.NoError(t, err)
		require.NoError(t, f.Close())
		return path
	}

	t.Run("magic", func(t *testing.T) {
		path := corrupt(t, 0, 0xBADC0DE)
		_, err := NewDiskManager(path, false, zap.NewNop())
		require.ErrorIs(t, err, ErrBadMagic)
	})

	t.Run("version", func(t *testing.T) {
		path := corrupt(t, 4, 99)
		_, err := NewDiskManager(path, false, zap.NewNop())
		require.ErrorIs(t, err, ErrBadVersion)
	})

	t.Run("page size", func(t *testing.T) {
		path := corrupt(t, 8, 8192)
		_, err := NewDiskManager(path, false, zap.NewNop())
		require.ErrorIs(t, err, ErrBadPageSize)
	})
}

func TestDiskManager_AllocateSequential(t *testing.T) {
	dm, _ := setupDiskManager(t)

	assert.Equal(t, uint32(0), dm.AllocatePage())
	assert.Equal(t, uint32(1), dm.AllocatePage())
	assert.Equal(t, uint32(2), dm.AllocatePage())
	assert.Equal(t, uint32(3), dm.PageCount())
}

func TestDiskManager_AllocateReusesLowestFreed(t *testing.T) {
	dm, _ := setupDiskManager(t)

	for i := 0; i < 4; i++ {
		dm.AllocatePage()
	}

	require.True(t, dm.DeallocatePage(2))
	require.True(t, dm.DeallocatePage(0))
	require.True(t, dm.DeallocatePage(3))

	// The min-heap hands the lowest freed id back first.
	assert.Equal(t, uint32(0), dm.AllocatePage())
	assert.Equal(t, uint32(2), dm.AllocatePage())
	assert.Equal(t, uint32(3), dm.AllocatePage())
	assert.Equal(t, uint32(4), dm.AllocatePage())
	assert.Equal(t, uint32(5), dm.PageCount())
}

func TestDiskManager_DeallocateBoundaries(t *testing.T) {
	dm, _ := setupDiskManager(t)
	dm.AllocatePage()

	assert.False(t, dm.DeallocatePage(1), "pageCount is not allocated")
	assert.False(t, dm.DeallocatePage(page.InvalidPageID))
	assert.True(t, dm.DeallocatePage(0))

	// PageCount never decreases while the instance is live.
	assert.Equal(t, uint32(1), dm.PageCount())
}

func TestDiskManager_FetchInvalidPageID(t *testing.T) {
	dm, _ := setupDiskManager(t)

	_, err := dm.FetchPage(0)
	require.ErrorIs(t, err, ErrInvalidPageID)

	dm.AllocatePage()
	_, err = dm.FetchPage(1)
	require.ErrorIs(t, err, ErrInvalidPageID)
}

func TestDiskManager_FetchRejectsUnknownType(t *testing.T) {
	dm, _ := setupDiskManager(t)

	pageID := dm.AllocatePage()
	p := page.NewPage(pageID, page.TypeSpecial)
	require.NoError(t, dm.FlushPage(p))

	_, err := dm.FetchPage(pageID)
	require.ErrorIs(t, err, ErrBadPageType)
}

func TestDiskManager_FlushFetchRoundTrip(t *testing.T) {
	dm, _ := setupDiskManager(t)

	pageID := dm.AllocatePage()
	dp := page.NewDataPage(pageID)
	_, ok := dp.InsertRecord(7, []byte("payload"), 3)
	require.True(t, ok)

	require.NoError(t, dm.FlushPage(dp.Page))

	fetched, err := dm.FetchPage(pageID)
	require.NoError(t, err)
	assert.Equal(t, dp.Bytes(), fetched.Bytes())
}

func TestDiskManager_IndexPageRoundTrip(t *testing.T) {
	dm, _ := setupDiskManager(t)

	pageID := dm.AllocatePage()
	ip := page.NewIndexPage(pageID, true, 3)
	require.True(t, ip.InsertKey(42, 7))
	require.NoError(t, dm.FlushPage(ip.Page))

	fetched, err := dm.FetchPage(pageID)
	require.NoError(t, err)

	view, ok := fetched.AsIndex()
	require.True(t, ok)
	assert.True(t, view.IsLeaf())
	assert.Equal(t, uint16(3), view.Level())

	child, ok := view.Lookup(42)
	require.True(t, ok)
	assert.Equal(t, uint32(7), child)
}

func TestDiskManager_NewFileOneRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "one.db")

	dm, err := NewDiskManager(path, true, zap.NewNop())
	require.NoError(t, err)

	pageID := dm.AllocatePage()
	require.Equal(t, uint32(0), pageID)

	dp := page.NewDataPage(pageID)
	slot, ok := dp.InsertRecord(1, []byte("hello"), 1)
	require.True(t, ok)
	require.Equal(t, uint16(0), slot)

	require.NoError(t, dm.FlushPage(dp.Page))
	require.NoError(t, dm.Sync())
	require.NoError(t, dm.Close())

	dm, err = NewDiskManager(path, false, zap.NewNop())
	require.NoError(t, err)
	defer dm.Close()

	fetched, err := dm.FetchPage(0)
	require.NoError(t, err)

	view, ok := fetched.AsData()
	require.True(t, ok)

	foundSlot, ok := view.GetSlotID(1)
	require.True(t, ok)
	assert.Equal(t, uint16(0), foundSlot)

	data, ok := view.GetRecord(0)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), data)
}

func TestDiskManager_FreeListIsTransientAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")

	dm, err := NewDiskManager(path, true, zap.NewNop())
	require.NoError(t, err)
	dm.AllocatePage()
	dm.AllocatePage()
	require.True(t, dm.DeallocatePage(0))
	require.NoError(t, dm.Sync())
	require.NoError(t, dm.Close())

	dm, err = NewDiskManager(path, false, zap.NewNop())
	require.NoError(t, err)
	defer dm.Close()

	// Only pageCount survives; the freed id is not reused after reopen.
	assert.Equal(t, uint32(2), dm.PageCount())
	assert.Equal(t, uint32(2), dm.AllocatePage())
}
