package cache

import (
	"github.com/driftdb/driftdb/core/storage/page"
)

// Frame is one buffer pool slot. It holds at most one page, the pin count
// that keeps the page resident, and the dirty bit that forces a write-back
// before eviction. Frames are only mutated under the pool's mutex.
type Frame struct {
	page     *page.Page
	pageID   uint32
	pinCount uint32
	dirty    bool
}

// Reset installs a page into the frame, or empties it when p is nil. Pin
// count and dirty bit start cleared either way.
func (f *Frame) Reset(p *page.Page) {
	f.page = p
	if p != nil {
		f.pageID = p.ID()
	} else {
		f.pageID = 0
	}
	f.pinCount = 0
	f.dirty = false
}

// Pin increments the pin count and returns the new value.
func (f *Frame) Pin() uint32 {
	f.pinCount++
	return f.pinCount
}

// Unpin decrements the pin count, saturating at zero, and returns the new
// value.
func (f *Frame) Unpin() uint32 {
	if f.pinCount > 0 {
		f.pinCount--
	}
	return f.pinCount
}

// Mark sets the dirty bit.
func (f *Frame) Mark() {
	f.dirty = true
}

// Unmark clears the dirty bit.
func (f *Frame) Unmark() {
	f.dirty = false
}

// Page returns the resident page, nil for an empty frame.
func (f *Frame) Page() *page.Page {
	return f.page
}

// PageID returns the id of the resident page. Meaningless for empty frames.
func (f *Frame) PageID() uint32 {
	return f.pageID
}

// Pins returns the current pin count.
func (f *Frame) Pins() uint32 {
	return f.pinCount
}

// IsDirty reports whether the page was modified since its last flush.
func (f *Frame) IsDirty() bool {
	return f.dirty
}

// IsUnpinned reports whether no caller holds the frame pinned.
func (f *Frame) IsUnpinned() bool {
	return f.pinCount == 0
}
