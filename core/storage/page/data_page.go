package page

import (
	"encoding/binary"
)

// Data page layout (slotted):
//
//	+---------------------------------+ 0x0000
//	| DataHeader (23 bytes)           |
//	|   [common header]               | -- first 13 bytes
//	|   freeSpaceOffset: uint16       | -- start of free space
//	|   firstSlotOffset: uint16       | -- slot array location
//	|   firstFreeSlot:   uint16       | -- head of free-slot chain
//	|   slotCount:       uint16       | -- total slots ever created
//	|   directoryCount:  uint16       | -- key directory entries
//	+---------------------------------+ 0x0017
//	| SlotPair directory              | -- {key uint32, slotId uint16}
//	+---------------------------------+ varies ->
//	| SlotEntry array                 | -- {offset, length, flags uint16}
//	+---------------------------------+ <- varies
//	| free space                      |
//	+---------------------------------+ <- freeSpaceOffset
//	| records, growing downward       | -- {length, type uint16} + payload
//	+---------------------------------+ 0x1000
//
// The slot array sits immediately after the directory, so appending a
// directory pair shifts the slot array right by one PairSize.

const (
	// DataHeaderSize is the common header plus the five data page fields.
	DataHeaderSize = HeaderSize + 10

	// RecordHeaderSize prefixes every record: length(2) + type(2).
	RecordHeaderSize = 4

	// SlotSize is the size of one slot array entry.
	SlotSize = 6

	// PairSize is the size of one directory entry.
	PairSize = 6

	// DataMaxFreeSpace is the payload capacity of an empty data page.
	DataMaxFreeSpace = PageSize - DataHeaderSize

	// InvalidSlot marks the tail of the free-slot chain.
	InvalidSlot uint16 = 0xFFFF
)

// Slot flags.
const (
	SlotFlagNone    uint16 = 0x0000
	SlotFlagDeleted uint16 = 0x0001
)

// Data header field offsets.
const (
	offFreeSpaceOffset = HeaderSize
	offFirstSlotOffset = HeaderSize + 2
	offFirstFreeSlot   = HeaderSize + 4
	offSlotCount       = HeaderSize + 6
	offDirectoryCount  = HeaderSize + 8
)

// Slot entry field offsets, relative to the slot's position.
const (
	slotOffOffset = 0
	slotOffLength = 2
	slotOffFlags  = 4
)

// DataPage is the slotted-page view over a Page whose type byte is TypeData.
// Records are keyed by a 32-bit key through the directory; the key is not
// required to be unique, and lookups return the first match.
type DataPage struct {
	*Page
}

// NewDataPage constructs an empty data page with the given identifier.
func NewDataPage(pageID uint32) *DataPage {
	p := NewPage(pageID, TypeData)
	dp := &DataPage{Page: p}
	dp.putU16(offFreeSpaceOffset, PageSize)
	dp.putU16(offFirstSlotOffset, DataHeaderSize)
	dp.putU16(offFirstFreeSlot, InvalidSlot)
	dp.putU16(offSlotCount, 0)
	dp.putU16(offDirectoryCount, 0)
	dp.setFreeSpace(DataMaxFreeSpace)
	return dp
}

// SpaceNeeded returns the record-side space an insert of the given payload
// length consumes: slot entry, record header, and the payload itself. The
// directory pair comes on top of this.
func SpaceNeeded(length uint16) uint16 {
	return SlotSize + RecordHeaderSize + length
}

// SlotCount returns the total slot-array length, tombstones included.
func (dp *DataPage) SlotCount() uint16 {
	return dp.u16(offSlotCount)
}

// DirectoryCount returns the number of key directory entries.
func (dp *DataPage) DirectoryCount() uint16 {
	return dp.u16(offDirectoryCount)
}

// FirstFreeSlot returns the head of the free-slot chain, InvalidSlot if none.
func (dp *DataPage) FirstFreeSlot() uint16 {
	return dp.u16(offFirstFreeSlot)
}

// FreeSpaceOffset returns the byte offset where the record region starts.
func (dp *DataPage) FreeSpaceOffset() uint16 {
	return dp.u16(offFreeSpaceOffset)
}

// InsertRecord writes a record keyed by key and returns the slot it landed
// in. Fails without observable effect when the page cannot hold the record,
// its slot, and its directory pair.
func (dp *DataPage) InsertRecord(key uint32, data []byte, recType uint16) (uint16, bool) {
	length := uint16(len(data))
	recordSpace := SpaceNeeded(length)
	totalSpace := recordSpace + PairSize

	if !dp.HasSpace(totalSpace) {
		return 0, false
	}

	slotID, fromChain, ok := dp.takeSlot()
	if !ok {
		return 0, false
	}

	if !dp.insertPair(key, slotID) {
		dp.untakeSlot(slotID, fromChain)
		return 0, false
	}

	offset, ok := dp.allocateSpace(RecordHeaderSize + length)
	if !ok {
		dp.removeLastPair()
		dp.untakeSlot(slotID, fromChain)
		return 0, false
	}

	binary.LittleEndian.PutUint16(dp.data[offset:], length)
	binary.LittleEndian.PutUint16(dp.data[offset+2:], recType)
	copy(dp.data[int(offset)+RecordHeaderSize:], data)

	slot := dp.slotPos(slotID)
	dp.putU16(slot+slotOffOffset, offset)
	dp.putU16(slot+slotOffLength, length+RecordHeaderSize)
	dp.putU16(slot+slotOffFlags, SlotFlagNone)

	dp.setFreeSpace(dp.FreeSpace() - totalSpace)
	dp.setItemCount(dp.ItemCount() + 1)

	return slotID, true
}

// DeleteRecord tombstones the slot and threads it onto the free-slot chain.
// The record bytes stay in place until Compact reclaims them.
func (dp *DataPage) DeleteRecord(slotID uint16) bool {
	if slotID >= dp.SlotCount() {
		return false
	}

	slot := dp.slotPos(slotID)
	flags := dp.u16(slot + slotOffFlags)
	if flags&SlotFlagDeleted != 0 {
		return false
	}

	dp.putU16(slot+slotOffFlags, flags|SlotFlagDeleted)
	dp.putU16(slot+slotOffOffset, dp.FirstFreeSlot())
	dp.putU16(offFirstFreeSlot, slotID)
	dp.setItemCount(dp.ItemCount() - 1)

	return true
}

// GetRecord returns the payload of the live record in the given slot. The
// returned slice aliases the page buffer and is valid only while the caller
// holds the page pinned.
func (dp *DataPage) GetRecord(slotID uint16) ([]byte, bool) {
	if slotID >= dp.SlotCount() {
		return nil, false
	}

	slot := dp.slotPos(slotID)
	if dp.u16(slot+slotOffFlags)&SlotFlagDeleted != 0 {
		return nil, false
	}

	offset := int(dp.u16(slot + slotOffOffset))
	length := int(binary.LittleEndian.Uint16(dp.data[offset:]))
	return dp.data[offset+RecordHeaderSize : offset+RecordHeaderSize+length], true
}

// GetRecordType returns the type word of the live record in the given slot.
func (dp *DataPage) GetRecordType(slotID uint16) (uint16, bool) {
	if slotID >= dp.SlotCount() {
		return 0, false
	}

	slot := dp.slotPos(slotID)
	if dp.u16(slot+slotOffFlags)&SlotFlagDeleted != 0 {
		return 0, false
	}

	offset := int(dp.u16(slot + slotOffOffset))
	return binary.LittleEndian.Uint16(dp.data[offset+2:]), true
}

// GetSlotID returns the slot mapped to key by the directory, scanning in
// append order and returning the first match.
func (dp *DataPage) GetSlotID(key uint32) (uint16, bool) {
	dirCount := int(dp.DirectoryCount())
	for i := 0; i < dirCount; i++ {
		pair := DataHeaderSize + i*PairSize
		if dp.u32(pair) == key {
			return dp.u16(pair + 4), true
		}
	}
	return 0, false
}

// HasFlag reports whether the slot has the given flag set.
func (dp *DataPage) HasFlag(slotID uint16, flag uint16) bool {
	if slotID >= dp.SlotCount() {
		return false
	}
	return dp.u16(dp.slotPos(slotID)+slotOffFlags)&flag == flag
}

// SetFlag sets a flag word bit directly. Unlike DeleteRecord, setting
// SlotFlagDeleted here does not touch itemCount or the free-slot chain.
func (dp *DataPage) SetFlag(slotID uint16, flag uint16) bool {
	if slotID >= dp.SlotCount() {
		return false
	}
	slot := dp.slotPos(slotID)
	dp.putU16(slot+slotOffFlags, dp.u16(slot+slotOffFlags)|flag)
	return true
}

// ClearFlag clears a flag word bit directly.
func (dp *DataPage) ClearFlag(slotID uint16, flag uint16) bool {
	if slotID >= dp.SlotCount() {
		return false
	}
	slot := dp.slotPos(slotID)
	dp.putU16(slot+slotOffFlags, dp.u16(slot+slotOffFlags)&^flag)
	return true
}

// Compact moves all live record bytes into one contiguous run at the high end
// of the page and rebuilds the free-slot chain in slot-id order. Slot array
// positions of deleted slots are not reclaimed. Returns the number of bytes
// freed.
func (dp *DataPage) Compact() uint16 {
	slotCount := int(dp.SlotCount())
	writeOffset := uint16(PageSize)
	scratch := make([]byte, PageSize)

	for i := 0; i < slotCount; i++ {
		slot := dp.slotPos(uint16(i))
		if dp.u16(slot+slotOffFlags)&SlotFlagDeleted != 0 {
			continue
		}
		length := dp.u16(slot + slotOffLength)
		offset := dp.u16(slot + slotOffOffset)
		writeOffset -= length
		copy(scratch[writeOffset:], dp.data[offset:offset+length])
		dp.putU16(slot+slotOffOffset, writeOffset)
	}

	bytesFreed := writeOffset - dp.FreeSpaceOffset()
	if bytesFreed > 0 {
		copy(dp.data[writeOffset:], scratch[writeOffset:])
		dp.putU16(offFreeSpaceOffset, writeOffset)
		dp.setFreeSpace(dp.FreeSpace() + bytesFreed)
	}

	// Relink every deleted slot in ascending order so the chain head is the
	// smallest deleted slot and the tail ends at InvalidSlot.
	dp.putU16(offFirstFreeSlot, InvalidSlot)
	lastFree := InvalidSlot
	for i := 0; i < slotCount; i++ {
		slot := dp.slotPos(uint16(i))
		if dp.u16(slot+slotOffFlags)&SlotFlagDeleted == 0 {
			continue
		}
		if lastFree == InvalidSlot {
			dp.putU16(offFirstFreeSlot, uint16(i))
		} else {
			dp.putU16(dp.slotPos(lastFree)+slotOffOffset, uint16(i))
		}
		lastFree = uint16(i)
	}
	if lastFree != InvalidSlot {
		dp.putU16(dp.slotPos(lastFree)+slotOffOffset, InvalidSlot)
	}

	return bytesFreed
}

// NeedsCompact reports whether more than a quarter of the used space is dead.
// Used space is PageSize minus FreeSpace, so it includes the page headers,
// the directory and the slot array. Live space is itemCount record headers
// plus the stored length of every live slot, which already includes its own
// record header. Everything else counts as dead, so a lightly filled page can
// report true without any tombstones.
func (dp *DataPage) NeedsCompact() bool {
	used := uint32(PageSize) - uint32(dp.FreeSpace())
	actual := uint32(dp.ItemCount()) * RecordHeaderSize

	slotCount := int(dp.SlotCount())
	for i := 0; i < slotCount; i++ {
		slot := dp.slotPos(uint16(i))
		if dp.u16(slot+slotOffFlags)&SlotFlagDeleted == 0 {
			actual += uint32(dp.u16(slot + slotOffLength))
		}
	}

	return used > 0 && (used-actual)*4 > used
}

// slotPos returns the byte position of the slot entry. The slot array starts
// immediately after the directory.
func (dp *DataPage) slotPos(slotID uint16) int {
	return DataHeaderSize + int(dp.DirectoryCount())*PairSize + int(slotID)*SlotSize
}

// takeSlot pops the free-slot chain, or extends the slot array when the chain
// is empty and the new slot would not cross into the record region. The
// second return reports whether the slot came from the chain, for rollback.
func (dp *DataPage) takeSlot() (uint16, bool, bool) {
	head := dp.FirstFreeSlot()
	if head != InvalidSlot {
		next := dp.u16(dp.slotPos(head) + slotOffOffset)
		dp.putU16(offFirstFreeSlot, next)
		return head, true, true
	}

	slotCount := dp.SlotCount()
	newSlotEnd := dp.slotPos(slotCount) + SlotSize
	if newSlotEnd >= int(dp.FreeSpaceOffset()) {
		return 0, false, false
	}

	dp.putU16(offSlotCount, slotCount+1)
	return slotCount, false, true
}

// untakeSlot undoes takeSlot. A chain slot still holds its next-pointer in
// its offset field, so restoring the head is enough.
func (dp *DataPage) untakeSlot(slotID uint16, fromChain bool) {
	if fromChain {
		dp.putU16(offFirstFreeSlot, slotID)
		return
	}
	dp.putU16(offSlotCount, dp.SlotCount()-1)
}

// insertPair appends a (key, slotId) pair to the directory and shifts the
// slot array right by one pair so slots keep their positions relative to the
// directory end.
func (dp *DataPage) insertPair(key uint32, slotID uint16) bool {
	dirCount := dp.DirectoryCount()
	slotBytes := int(dp.SlotCount()) * SlotSize
	oldSlotStart := DataHeaderSize + int(dirCount)*PairSize
	newSlotEnd := oldSlotStart + PairSize + slotBytes
	if newSlotEnd >= int(dp.FreeSpaceOffset()) {
		return false
	}

	copy(dp.data[oldSlotStart+PairSize:newSlotEnd], dp.data[oldSlotStart:oldSlotStart+slotBytes])

	dp.putU32(oldSlotStart, key)
	dp.putU16(oldSlotStart+4, slotID)
	dp.putU16(offDirectoryCount, dirCount+1)
	dp.putU16(offFirstSlotOffset, uint16(oldSlotStart+PairSize))
	return true
}

// removeLastPair drops the most recently appended directory pair and shifts
// the slot array back left. Used to roll back a failed insert.
func (dp *DataPage) removeLastPair() {
	dirCount := dp.DirectoryCount()
	if dirCount == 0 {
		return
	}

	slotBytes := int(dp.SlotCount()) * SlotSize
	slotStart := DataHeaderSize + int(dirCount)*PairSize
	newSlotStart := slotStart - PairSize
	copy(dp.data[newSlotStart:newSlotStart+slotBytes], dp.data[slotStart:slotStart+slotBytes])

	dp.putU16(offDirectoryCount, dirCount-1)
	dp.putU16(offFirstSlotOffset, uint16(newSlotStart))
}

// allocateSpace reserves size bytes at the top of the record region, failing
// when the new record would cross the slot array end.
func (dp *DataPage) allocateSpace(size uint16) (uint16, bool) {
	newOffset := dp.FreeSpaceOffset() - size
	slotsEnd := DataHeaderSize + int(dp.DirectoryCount())*PairSize + int(dp.SlotCount())*SlotSize
	if int(newOffset) < slotsEnd {
		return 0, false
	}

	dp.putU16(offFreeSpaceOffset, newOffset)
	return newOffset, true
}
