package page

import (
	"encoding/binary"
	"sort"
)

// Index page layout (B+-tree node):
//
//	+---------------------------------+ 0x0000
//	| IndexHeader (28 bytes)          |
//	|   [common header]               | -- first 13 bytes
//	|   isLeaf:     uint8             |
//	|   nextPageId: uint32            | -- right sibling, 0 = none
//	|   prevPageId: uint32            | -- left sibling, 0 = none
//	|   parentId:   uint32            | -- 0 = root
//	|   level:      uint16            | -- 0 for leaves
//	+---------------------------------+ 0x001C
//	| IndexEntry array, sorted by key | -- {key uint64, pageId uint32,
//	|                                 |    offset uint16}
//	+---------------------------------+
//
// Sibling pointers form a doubly-linked list per level. Split and merge are
// node-local: fixing the old right sibling's prev pointer lives in another
// page and is the tree manager's job, under the same buffer pool pin.

const (
	// IndexHeaderSize is the common header plus the five index page fields.
	IndexHeaderSize = HeaderSize + 15

	// IndexEntrySize is the packed size of one entry: key(8) + pageId(4) +
	// offset(2).
	IndexEntrySize = 14

	// IndexMaxFreeSpace is the entry capacity in bytes of an empty index page.
	IndexMaxFreeSpace = PageSize - IndexHeaderSize

	// MaxEntries is the hard entry capacity of one node.
	MaxEntries = IndexMaxFreeSpace / IndexEntrySize

	// MinEntries is the underflow threshold.
	MinEntries = MaxEntries / 2
)

// Index header field offsets.
const (
	offIsLeaf     = HeaderSize
	offNextPageID = HeaderSize + 1
	offPrevPageID = HeaderSize + 5
	offParentID   = HeaderSize + 9
	offLevel      = HeaderSize + 13
)

// IndexPage is the B+-tree node view over a Page whose type byte is
// TypeIndex. Leaf entries map keys to record page ids; internal entries store
// separator keys with left-child pointers.
type IndexPage struct {
	*Page
}

// NewIndexPage constructs an empty index node with the given identifier.
func NewIndexPage(pageID uint32, isLeaf bool, level uint16) *IndexPage {
	p := NewPage(pageID, TypeIndex)
	ip := &IndexPage{Page: p}
	if isLeaf {
		ip.data[offIsLeaf] = 1
	}
	ip.putU32(offNextPageID, 0)
	ip.putU32(offPrevPageID, 0)
	ip.putU32(offParentID, 0)
	ip.putU16(offLevel, level)
	ip.setFreeSpace(IndexMaxFreeSpace)
	return ip
}

// IsLeaf reports whether this node is a leaf.
func (ip *IndexPage) IsLeaf() bool {
	return ip.data[offIsLeaf] != 0
}

// NextPage returns the right sibling's page id, 0 if none.
func (ip *IndexPage) NextPage() uint32 {
	return ip.u32(offNextPageID)
}

// PrevPage returns the left sibling's page id, 0 if none.
func (ip *IndexPage) PrevPage() uint32 {
	return ip.u32(offPrevPageID)
}

// ParentPage returns the parent's page id, 0 for the root.
func (ip *IndexPage) ParentPage() uint32 {
	return ip.u32(offParentID)
}

// Level returns the node's level, 0 for leaves.
func (ip *IndexPage) Level() uint16 {
	return ip.u16(offLevel)
}

// SetNextPage updates the right sibling pointer.
func (ip *IndexPage) SetNextPage(pageID uint32) {
	ip.putU32(offNextPageID, pageID)
}

// SetPrevPage updates the left sibling pointer.
func (ip *IndexPage) SetPrevPage(pageID uint32) {
	ip.putU32(offPrevPageID, pageID)
}

// SetParentPage updates the parent pointer.
func (ip *IndexPage) SetParentPage(pageID uint32) {
	ip.putU32(offParentID, pageID)
}

// IsOverflow reports whether the node is at or over capacity.
func (ip *IndexPage) IsOverflow() bool {
	return int(ip.ItemCount()) >= MaxEntries
}

// IsUnderflow reports whether the node is at or under the minimum fill.
func (ip *IndexPage) IsUnderflow() bool {
	return int(ip.ItemCount()) <= MinEntries
}

// EntryKey returns the key of entry i.
func (ip *IndexPage) EntryKey(i int) uint64 {
	return binary.LittleEndian.Uint64(ip.data[ip.entryPos(i):])
}

// EntryPageID returns the child pointer of entry i.
func (ip *IndexPage) EntryPageID(i int) uint32 {
	return ip.u32(ip.entryPos(i) + 8)
}

// Lookup returns the page id for key. On a leaf the key must match exactly.
// On an internal node it returns the child to descend into: the entry just
// below the upper bound, or the first entry when every separator exceeds key.
func (ip *IndexPage) Lookup(key uint64) (uint32, bool) {
	n := int(ip.ItemCount())
	i := ip.lowerBound(key)

	if i < n && ip.EntryKey(i) == key {
		return ip.EntryPageID(i), true
	}

	if ip.IsLeaf() {
		return 0, false
	}

	if n == 0 {
		return 0, false
	}
	if i == 0 {
		return ip.EntryPageID(0), true
	}
	return ip.EntryPageID(i - 1), true
}

// InsertKey places {key, pageId} at its sorted position, shifting the tail
// right. Fails when the node is full.
func (ip *IndexPage) InsertKey(key uint64, pageID uint32) bool {
	if ip.FreeSpace() < IndexEntrySize {
		return false
	}

	n := int(ip.ItemCount())
	i := ip.lowerBound(key)

	if i < n {
		start := ip.entryPos(i)
		end := ip.entryPos(n)
		copy(ip.data[start+IndexEntrySize:end+IndexEntrySize], ip.data[start:end])
	}

	pos := ip.entryPos(i)
	binary.LittleEndian.PutUint64(ip.data[pos:], key)
	ip.putU32(pos+8, pageID)
	ip.putU16(pos+12, 0)

	ip.setItemCount(uint16(n + 1))
	ip.setFreeSpace(ip.FreeSpace() - IndexEntrySize)
	return true
}

// RemoveKey deletes the entry with the exact key, shifting the tail left.
func (ip *IndexPage) RemoveKey(key uint64) bool {
	n := int(ip.ItemCount())
	i := ip.lowerBound(key)
	if i == n || ip.EntryKey(i) != key {
		return false
	}

	start := ip.entryPos(i)
	end := ip.entryPos(n)
	copy(ip.data[start:], ip.data[start+IndexEntrySize:end])

	ip.setItemCount(uint16(n - 1))
	ip.setFreeSpace(ip.FreeSpace() + IndexEntrySize)
	return true
}

// GetRange returns the page ids of every leaf entry with start <= key <= end,
// ascending. Internal nodes hold separators, not records, so they yield nil.
func (ip *IndexPage) GetRange(start, end uint64) []uint32 {
	if !ip.IsLeaf() {
		return nil
	}

	var results []uint32
	n := int(ip.ItemCount())
	for i := ip.lowerBound(start); i < n && ip.EntryKey(i) <= end; i++ {
		results = append(results, ip.EntryPageID(i))
	}
	return results
}

// Split moves the upper half of this node's entries into newPage and links it
// in as the right sibling. Returns the median key, the smallest key now in
// newPage. The old right sibling's prev pointer lives in another page; the
// caller fixes it under its own pin.
func (ip *IndexPage) Split(newPage *IndexPage) uint64 {
	n := int(ip.ItemCount())
	mid := n / 2
	moved := n - mid

	median := ip.EntryKey(mid)
	copy(newPage.data[IndexHeaderSize:], ip.data[ip.entryPos(mid):ip.entryPos(n)])

	newPage.SetNextPage(ip.NextPage())
	newPage.SetPrevPage(ip.ID())
	ip.SetNextPage(newPage.ID())

	newPage.setItemCount(uint16(moved))
	newPage.setFreeSpace(newPage.FreeSpace() - uint16(moved*IndexEntrySize))

	ip.setItemCount(uint16(mid))
	ip.setFreeSpace(ip.FreeSpace() + uint16(moved*IndexEntrySize))

	return median
}

// Merge appends the right sibling's entries onto this node and takes over its
// next pointer. Fails when the combined entries would not fit.
func (ip *IndexPage) Merge(right *IndexPage) bool {
	n := int(ip.ItemCount())
	rn := int(right.ItemCount())
	if n+rn > MaxEntries {
		return false
	}

	copy(ip.data[ip.entryPos(n):], right.data[IndexHeaderSize:right.entryPos(rn)])

	ip.SetNextPage(right.NextPage())
	ip.setItemCount(uint16(n + rn))
	ip.setFreeSpace(ip.FreeSpace() - uint16(rn*IndexEntrySize))
	return true
}

// lowerBound returns the index of the first entry with key >= target.
func (ip *IndexPage) lowerBound(target uint64) int {
	n := int(ip.ItemCount())
	return sort.Search(n, func(i int) bool {
		return ip.EntryKey(i) >= target
	})
}

func (ip *IndexPage) entryPos(i int) int {
	return IndexHeaderSize + i*IndexEntrySize
}
