// Package disk owns the database file: the 28-byte file header, page
// allocation and deallocation, page I/O, and header persistence. A single
// DiskManager instance owns the file at a time; no file locking is performed.
// The DiskManager is not safe for concurrent use; the buffer pool serializes
// access under its own mutex.
package disk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/driftdb/driftdb/core/storage/page"
)

const (
	// DBMagic identifies a database file ("PDB").
	DBMagic uint32 = 0x504442

	// DBVersion is the only file format version this build reads.
	DBVersion uint32 = 1

	// DatabaseHeaderSize is the packed size of the file header, and the
	// offset of page 0.
	DatabaseHeaderSize = 28
)

var (
	ErrInvalidPageID = errors.New("invalid page id")
	ErrBadMagic      = errors.New("invalid magic number")
	ErrBadVersion    = errors.New("unsupported database version")
	ErrBadPageSize   = errors.New("page size mismatch")
	ErrBadPageType   = errors.New("unknown page type on fetch")
	ErrShortRead     = errors.New("short page read")
	ErrFileNotFound  = errors.New("database file does not exist")
)

// DatabaseHeader is the file header, stored little-endian and packed at
// offset 0. Only PageCount changes over the file's life; FirstFreePage is
// written as InvalidPageID at creation and never updated, and LastLSN is
// reserved and stays 0 in this core.
type DatabaseHeader struct {
	Magic         uint32
	Version       uint32
	PageSize      uint32
	PageCount     uint32
	FirstFreePage uint32
	LastLSN       uint64
}

func (h *DatabaseHeader) marshal() []byte {
	buf := make([]byte, DatabaseHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:], h.Version)
	binary.LittleEndian.PutUint32(buf[8:], h.PageSize)
	binary.LittleEndian.PutUint32(buf[12:], h.PageCount)
	binary.LittleEndian.PutUint32(buf[16:], h.FirstFreePage)
	binary.LittleEndian.PutUint64(buf[20:], h.LastLSN)
	return buf
}

func (h *DatabaseHeader) unmarshal(buf []byte) {
	h.Magic = binary.LittleEndian.Uint32(buf[0:])
	h.Version = binary.LittleEndian.Uint32(buf[4:])
	h.PageSize = binary.LittleEndian.Uint32(buf[8:])
	h.PageCount = binary.LittleEndian.Uint32(buf[12:])
	h.FirstFreePage = binary.LittleEndian.Uint32(buf[16:])
	h.LastLSN = binary.LittleEndian.Uint64(buf[20:])
}

// DiskManager manages the database file and its free-page list. Pages are
// laid out sequentially after the header; page ids index from zero.
//
// Only PageCount and FirstFreePage survive a reopen; the in-memory free heap
// starts empty, so page ids freed in an earlier session are not reused until
// they are deallocated again.
type DiskManager struct {
	header    DatabaseHeader
	path      string
	file      *os.File
	freePages *PageHeap
	dirty     bool
	logger    *zap.Logger
}

// NewDiskManager opens the database at path. With create set, any existing
// file is overwritten and a fresh header written; otherwise the file must
// exist and carry a valid header, and any mismatch fails the open.
func NewDiskManager(path string, create bool, logger *zap.Logger) (*DiskManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dm := &DiskManager{
		path:      path,
		freePages: NewPageHeap(16),
		logger:    logger,
	}

	if create {
		if err := dm.initializeDatabase(); err != nil {
			return nil, err
		}
		return dm, nil
	}

	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
	}

	file, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open database file: %w", err)
	}
	dm.file = file

	if err := dm.readHeader(); err != nil {
		file.Close()
		return nil, err
	}

	logger.Info("opened database",
		zap.String("path", path),
		zap.Uint32("pageCount", dm.header.PageCount))
	return dm, nil
}

// AllocatePage hands out a page identifier, reusing the lowest freed id when
// one is available. No bytes are written until the page is first flushed.
func (dm *DiskManager) AllocatePage() uint32 {
	if pageID, ok := dm.freePages.ExtractMin(); ok {
		dm.dirty = true
		dm.logger.Info("allocated page from free list", zap.Uint32("pageId", pageID))
		return pageID
	}

	pageID := dm.header.PageCount
	dm.header.PageCount++
	dm.dirty = true
	dm.logger.Info("allocated new page", zap.Uint32("pageId", pageID))
	return pageID
}

// DeallocatePage returns a page id to the free list. The on-disk bytes of the
// page are left as they are.
func (dm *DiskManager) DeallocatePage(pageID uint32) bool {
	if pageID >= dm.header.PageCount {
		dm.logger.Error("cannot deallocate invalid page id", zap.Uint32("pageId", pageID))
		return false
	}

	dm.freePages.Insert(pageID)
	dm.dirty = true
	dm.logger.Info("deallocated page", zap.Uint32("pageId", pageID))
	return true
}

// FetchPage reads a page from disk and materializes it as its stored type.
// The page's entire buffer is overwritten with the on-disk bytes, so the
// returned page is bit-identical to what was last flushed.
func (dm *DiskManager) FetchPage(pageID uint32) (*page.Page, error) {
	if pageID >= dm.header.PageCount {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPageID, pageID)
	}

	buf := make([]byte, page.PageSize)
	n, err := dm.file.ReadAt(buf, dm.offset(pageID))
	if err != nil {
		return nil, fmt.Errorf("read page %d: %w", pageID, err)
	}
	if n != page.PageSize {
		return nil, fmt.Errorf("%w: page %d, got %d bytes", ErrShortRead, pageID, n)
	}

	var p *page.Page
	switch page.PageType(buf[0]) {
	case page.TypeData:
		p = page.NewDataPage(pageID).Page
	case page.TypeIndex:
		isLeaf := buf[page.HeaderSize] != 0
		level := binary.LittleEndian.Uint16(buf[page.IndexHeaderSize-2:])
		p = page.NewIndexPage(pageID, isLeaf, level).Page
	default:
		return nil, fmt.Errorf("%w: page %d, type %d", ErrBadPageType, pageID, buf[0])
	}

	copy(p.Bytes(), buf)
	dm.logger.Debug("fetched page",
		zap.Uint32("pageId", pageID),
		zap.Uint8("type", buf[0]))
	return p, nil
}

// FlushPage writes the page's 4096 bytes verbatim at its file offset. The
// database header is not touched.
func (dm *DiskManager) FlushPage(p *page.Page) error {
	if _, err := dm.file.WriteAt(p.Bytes(), dm.offset(p.ID())); err != nil {
		dm.logger.Error("failed to write page", zap.Uint32("pageId", p.ID()), zap.Error(err))
		return fmt.Errorf("write page %d: %w", p.ID(), err)
	}

	dm.logger.Debug("flushed page", zap.Uint32("pageId", p.ID()))
	return nil
}

// Sync rewrites the header if it changed, then flushes the file to stable
// storage.
func (dm *DiskManager) Sync() error {
	if dm.dirty {
		if err := dm.writeHeader(); err != nil {
			return err
		}
	}

	if err := dm.file.Sync(); err != nil {
		dm.logger.Error("failed to sync database file", zap.Error(err))
		return fmt.Errorf("sync database file: %w", err)
	}

	dm.dirty = false
	return nil
}

// Close persists a dirty header with one final sync attempt, logging failures
// rather than propagating them, then closes the file.
func (dm *DiskManager) Close() error {
	if dm.file == nil {
		return nil
	}

	if dm.dirty {
		if err := dm.writeHeader(); err != nil {
			dm.logger.Error("failed to write header during close", zap.Error(err))
		} else if err := dm.file.Sync(); err != nil {
			dm.logger.Error("failed to sync during close", zap.Error(err))
		}
		dm.dirty = false
	}

	err := dm.file.Close()
	dm.file = nil
	return err
}

// PageCount returns the number of pages the file accounts for, allocated or
// freed. It never decreases while the instance is live.
func (dm *DiskManager) PageCount() uint32 {
	return dm.header.PageCount
}

// FileSize returns the size of the database file in bytes, 0 on error.
func (dm *DiskManager) FileSize() uint64 {
	info, err := os.Stat(dm.path)
	if err != nil {
		dm.logger.Error("failed to stat database file", zap.Error(err))
		return 0
	}
	return uint64(info.Size())
}

func (dm *DiskManager) offset(pageID uint32) int64 {
	return DatabaseHeaderSize + int64(pageID)*page.PageSize
}

func (dm *DiskManager) readHeader() error {
	buf := make([]byte, DatabaseHeaderSize)
	n, err := dm.file.ReadAt(buf, 0)
	if err != nil || n != DatabaseHeaderSize {
		return fmt.Errorf("read database header: %w", err)
	}

	dm.header.unmarshal(buf)

	if dm.header.Magic != DBMagic {
		return fmt.Errorf("%w: 0x%X", ErrBadMagic, dm.header.Magic)
	}
	if dm.header.Version != DBVersion {
		return fmt.Errorf("%w: %d", ErrBadVersion, dm.header.Version)
	}
	if dm.header.PageSize != page.PageSize {
		return fmt.Errorf("%w: expected %d, got %d", ErrBadPageSize, page.PageSize, dm.header.PageSize)
	}

	return nil
}

func (dm *DiskManager) writeHeader() error {
	if _, err := dm.file.WriteAt(dm.header.marshal(), 0); err != nil {
		dm.logger.Error("failed to write header", zap.Error(err))
		return fmt.Errorf("write database header: %w", err)
	}
	return nil
}

func (dm *DiskManager) initializeDatabase() error {
	file, err := os.OpenFile(dm.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create database file: %w", err)
	}
	dm.file = file

	dm.header = DatabaseHeader{
		Magic:         DBMagic,
		Version:       DBVersion,
		PageSize:      page.PageSize,
		PageCount:     0,
		FirstFreePage: page.InvalidPageID,
		LastLSN:       0,
	}

	if err := dm.writeHeader(); err != nil {
		file.Close()
		os.Remove(dm.path)
		return err
	}

	dm.logger.Info("initialized new database", zap.String("path", dm.path))
	return nil
}
