// Package cache implements the buffer pool: a bounded set of frames mapping
// page identifiers to in-memory pages, with pin counts, dirty tracking,
// victim selection through a pluggable replacement policy, and coordinated
// eviction and flush against the disk manager.
package cache

import (
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/driftdb/driftdb/core/storage/disk"
	"github.com/driftdb/driftdb/core/storage/page"
	"github.com/driftdb/driftdb/pkg/telemetry"
)

var (
	ErrNoVictim        = errors.New("no frames available for eviction")
	ErrPageNotResident = errors.New("page not resident in buffer pool")
	ErrPagePinned      = errors.New("page is pinned")
	ErrInvalidPageType = errors.New("invalid page type")
	ErrAllocFailed     = errors.New("page allocation failed")
)

// BufferPool caches pages in a fixed number of frames. Every public
// operation, including the disk I/O it triggers, runs under one exclusive
// mutex, so operations are linearizable. Pages handed out by FetchPage and
// CreatePage come pinned; the caller must pair each acquisition with exactly
// one UnpinPage or the frame can never be evicted again.
type BufferPool struct {
	mu        sync.Mutex
	frames    []Frame
	pageTable map[uint32]int
	replacer  Replacer
	disk      *disk.DiskManager
	logger    *zap.Logger
	metrics   *telemetry.Metrics
}

// NewBufferPool preallocates poolSize empty frames backed by dm. A nil logger
// or metrics falls back to no-op instrumentation.
func NewBufferPool(dm *disk.DiskManager, poolSize int, logger *zap.Logger, metrics *telemetry.Metrics) *BufferPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = telemetry.New(prometheus.NewRegistry())
	}

	bp := &BufferPool{
		frames:    make([]Frame, poolSize),
		pageTable: make(map[uint32]int),
		replacer:  NewLRUReplacer(),
		disk:      dm,
		logger:    logger,
		metrics:   metrics,
	}

	logger.Info("initialized buffer pool", zap.Int("frames", poolSize))
	return bp
}

// FetchPage returns the page with the given id, reading it from disk when it
// is not resident. The returned page is pinned. A failed fetch leaves the
// resident pages, their pins and their dirty bits unchanged; a victim frame
// already taken from the replacer is put back as its most recently used
// candidate, so the eviction order can change.
func (bp *BufferPool) FetchPage(pageID uint32) (*page.Page, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if frameIdx, ok := bp.pageTable[pageID]; ok {
		frame := &bp.frames[frameIdx]
		frame.Pin()
		bp.replacer.Pin(frameIdx)
		bp.metrics.PoolHits.Inc()

		bp.logger.Debug("hit on page",
			zap.Uint32("pageId", pageID),
			zap.Int("frame", frameIdx))
		return frame.Page(), nil
	}

	victimIdx, ok := bp.findVictim()
	if !ok {
		bp.logger.Error("no frames available for page", zap.Uint32("pageId", pageID))
		return nil, fmt.Errorf("%w: page %d", ErrNoVictim, pageID)
	}

	p, err := bp.disk.FetchPage(pageID)
	if err != nil {
		bp.restoreVictim(victimIdx)
		bp.logger.Error("failed to fetch page from disk",
			zap.Uint32("pageId", pageID), zap.Error(err))
		return nil, err
	}

	if err := bp.evictFrame(victimIdx); err != nil {
		bp.restoreVictim(victimIdx)
		bp.logger.Error("failed to evict frame",
			zap.Int("frame", victimIdx), zap.Error(err))
		return nil, err
	}

	frame := &bp.frames[victimIdx]
	frame.Reset(p)
	frame.Pin()

	bp.pageTable[pageID] = victimIdx
	bp.replacer.Pin(victimIdx)
	bp.metrics.PoolMisses.Inc()
	bp.metrics.ResidentPages.Set(float64(len(bp.pageTable)))

	bp.logger.Info("loaded page",
		zap.Uint32("pageId", pageID),
		zap.Int("frame", victimIdx))
	return frame.Page(), nil
}

// CreatePage allocates a fresh page of the given type on disk and installs it
// into a frame, pinned and dirty. A new page has never been written, so it
// must be flushed before it can be dropped. isLeaf and level only apply to
// index pages.
func (bp *BufferPool) CreatePage(pageType page.PageType, isLeaf bool, level uint16) (*page.Page, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if pageType != page.TypeData && pageType != page.TypeIndex {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPageType, pageType)
	}

	newPageID := bp.disk.AllocatePage()
	if newPageID == page.InvalidPageID {
		bp.logger.Error("failed to allocate new page")
		return nil, ErrAllocFailed
	}

	victimIdx, ok := bp.findVictim()
	if !ok {
		bp.disk.DeallocatePage(newPageID)
		bp.logger.Error("no frames available for new page")
		return nil, fmt.Errorf("%w: new page %d", ErrNoVictim, newPageID)
	}

	if err := bp.evictFrame(victimIdx); err != nil {
		bp.restoreVictim(victimIdx)
		bp.disk.DeallocatePage(newPageID)
		bp.logger.Error("failed to evict frame for new page",
			zap.Int("frame", victimIdx), zap.Error(err))
		return nil, err
	}

	var p *page.Page
	switch pageType {
	case page.TypeIndex:
		p = page.NewIndexPage(newPageID, isLeaf, level).Page
	case page.TypeData:
		p = page.NewDataPage(newPageID).Page
	}

	frame := &bp.frames[victimIdx]
	frame.Reset(p)
	frame.Pin()
	frame.Mark()

	bp.pageTable[newPageID] = victimIdx
	bp.replacer.Pin(victimIdx)
	bp.metrics.PagesCreated.Inc()
	bp.metrics.ResidentPages.Set(float64(len(bp.pageTable)))

	bp.logger.Info("created page",
		zap.Uint32("pageId", newPageID),
		zap.Uint8("type", uint8(pageType)),
		zap.Int("frame", victimIdx))
	return p, nil
}

// DeletePage drops the page from the pool and deallocates it on disk. Fails
// while the page is pinned.
func (bp *BufferPool) DeletePage(pageID uint32) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if frameIdx, ok := bp.pageTable[pageID]; ok {
		frame := &bp.frames[frameIdx]
		if !frame.IsUnpinned() {
			bp.logger.Error("cannot delete pinned page", zap.Uint32("pageId", pageID))
			return fmt.Errorf("%w: page %d", ErrPagePinned, pageID)
		}

		frame.Reset(nil)
		delete(bp.pageTable, pageID)
		bp.replacer.Pin(frameIdx)
		bp.metrics.ResidentPages.Set(float64(len(bp.pageTable)))
	}

	if !bp.disk.DeallocatePage(pageID) {
		bp.logger.Error("failed to deallocate page", zap.Uint32("pageId", pageID))
		return fmt.Errorf("%w: page %d", disk.ErrInvalidPageID, pageID)
	}

	bp.logger.Info("deleted page", zap.Uint32("pageId", pageID))
	return nil
}

// UnpinPage releases one pin on a resident page, marking the frame dirty when
// the caller modified it. The dirty bit is never cleared here. Once the pin
// count reaches zero the frame becomes an eviction candidate.
func (bp *BufferPool) UnpinPage(pageID uint32, isDirty bool) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	frameIdx, ok := bp.pageTable[pageID]
	if !ok {
		bp.logger.Error("cannot unpin page, not resident", zap.Uint32("pageId", pageID))
		return fmt.Errorf("%w: page %d", ErrPageNotResident, pageID)
	}

	frame := &bp.frames[frameIdx]
	frame.Unpin()
	if isDirty {
		frame.Mark()
	}

	if frame.IsUnpinned() {
		bp.replacer.Unpin(frameIdx)
	}

	bp.logger.Debug("unpinned page",
		zap.Uint32("pageId", pageID),
		zap.Bool("dirty", isDirty),
		zap.Uint32("pins", frame.Pins()))
	return nil
}

// FlushPage writes a resident dirty page back to disk and clears its dirty
// bit. Flushing a clean page is a no-op success. A failed flush leaves the
// dirty bit set so the next attempt retries.
func (bp *BufferPool) FlushPage(pageID uint32) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	frameIdx, ok := bp.pageTable[pageID]
	if !ok {
		bp.logger.Error("cannot flush page, not resident", zap.Uint32("pageId", pageID))
		return fmt.Errorf("%w: page %d", ErrPageNotResident, pageID)
	}

	frame := &bp.frames[frameIdx]
	if frame.IsDirty() {
		if err := bp.disk.FlushPage(frame.Page()); err != nil {
			bp.logger.Error("failed to flush page",
				zap.Uint32("pageId", pageID), zap.Error(err))
			return err
		}
		frame.Unmark()
		bp.metrics.PageFlushes.Inc()
	}

	bp.logger.Debug("flushed page", zap.Uint32("pageId", pageID))
	return nil
}

// FlushAll writes every resident dirty page back to disk, logging and
// tolerating individual failures.
func (bp *BufferPool) FlushAll() {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	for pageID, frameIdx := range bp.pageTable {
		frame := &bp.frames[frameIdx]
		if !frame.IsDirty() {
			continue
		}
		if err := bp.disk.FlushPage(frame.Page()); err != nil {
			bp.logger.Error("failed to flush page",
				zap.Uint32("pageId", pageID), zap.Error(err))
			continue
		}
		frame.Unmark()
		bp.metrics.PageFlushes.Inc()
	}

	bp.logger.Info("flushed all pages")
}

// PoolSize returns the number of frames.
func (bp *BufferPool) PoolSize() int {
	return len(bp.frames)
}

// ResidentPages returns the number of pages currently held in frames.
func (bp *BufferPool) ResidentPages() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return len(bp.pageTable)
}

// findVictim prefers an empty frame, then falls back to the replacement
// policy. Called with the pool mutex held.
func (bp *BufferPool) findVictim() (int, bool) {
	for i := range bp.frames {
		if bp.frames[i].Page() == nil {
			return i, true
		}
	}
	return bp.replacer.Victim()
}

// restoreVictim puts a still-occupied frame back into the replacer after a
// failed fetch or create, keeping resident-unpinned frames eviction
// candidates. Called with the pool mutex held.
func (bp *BufferPool) restoreVictim(frameIdx int) {
	frame := &bp.frames[frameIdx]
	if frame.Page() != nil && frame.IsUnpinned() {
		bp.replacer.Unpin(frameIdx)
	}
}

// evictFrame returns a frame to the empty state, flushing first when dirty.
// Called with the pool mutex held.
func (bp *BufferPool) evictFrame(frameIdx int) error {
	frame := &bp.frames[frameIdx]
	if frame.Page() == nil {
		return nil
	}

	if !frame.IsUnpinned() {
		return fmt.Errorf("%w: frame %d", ErrPagePinned, frameIdx)
	}

	if frame.IsDirty() {
		if err := bp.disk.FlushPage(frame.Page()); err != nil {
			return err
		}
		bp.metrics.PageFlushes.Inc()
	}

	delete(bp.pageTable, frame.PageID())
	frame.Reset(nil)
	bp.metrics.PoolEvictions.Inc()
	bp.metrics.ResidentPages.Set(float64(len(bp.pageTable)))
	return nil
}
