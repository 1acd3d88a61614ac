package pager

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"quartzdb/core/storage/page"
)

// Sentinel errors for the storage layer.
var (
	ErrIO             = errors.New("i/o error")
	ErrDBFileExists   = errors.New("database file already exists")
	ErrDBFileNotFound = errors.New("database file not found")
	ErrPageBounds     = errors.New("page number exceeds file bounds")
	ErrNoWriteTxn     = errors.New("no write transaction in progress")
	ErrWriteTxnOpen   = errors.New("a write transaction is already in progress")
)

const (
	// Magic identifies a quartzdb database file.
	Magic uint32 = 0x7174_7A64 // "qtzd"
	// FormatVersion is bumped on incompatible file layout changes.
	FormatVersion uint32 = 1
	// fileHeaderSize is the fixed serialized size of FileHeader at the
	// start of page 0.
	fileHeaderSize = 64
)

// FileHeader is the page-0 metadata block: everything needed to locate
// the rest of the file. It is always written last during a checkpoint,
// so a crash mid-checkpoint leaves the previous header, and with it the
// previous committed state, intact.
type FileHeader struct {
	Magic         uint32
	FormatVersion uint32
	PageSize      uint32
	PageCount     uint32 // pages in the file, header page included
	FreelistHead  uint32 // PageID of the first free page, 0 if none
	SchemaRoot    uint32 // PageID of the catalog B-tree root, 0 until created
	SchemaCookie  uint32 // bumped on every schema change
	CommitSeq     uint64 // sequence number of the last committed checkpoint
}

// DiskManager performs raw page I/O against the single database file.
type DiskManager struct {
	mu       sync.Mutex
	filePath string
	file     *os.File
	pageSize int
}

// NewDiskManager prepares a disk manager for the given path. The file is
// not touched until OpenOrCreate.
func NewDiskManager(filePath string, pageSize int) *DiskManager {
	return &DiskManager{filePath: filePath, pageSize: pageSize}
}

// OpenOrCreate opens an existing database file or, when create is true
// and no file exists, initializes a new one with a fresh header.
// Opening an existing file validates magic, format version and page size.
func (dm *DiskManager) OpenOrCreate(create bool) (FileHeader, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	var header FileHeader

	_, statErr := os.Stat(dm.filePath)
	switch {
	case os.IsNotExist(statErr):
		if !create {
			return header, fmt.Errorf("%w: %s", ErrDBFileNotFound, dm.filePath)
		}
		file, err := os.OpenFile(dm.filePath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
		if err != nil {
			return header, fmt.Errorf("%w: creating file %s: %v", ErrIO, dm.filePath, err)
		}
		dm.file = file
		header = FileHeader{
			Magic:         Magic,
			FormatVersion: FormatVersion,
			PageSize:      uint32(dm.pageSize),
			PageCount:     1, // the header page itself
		}
		// Materialize page 0 at full page size so the file always holds
		// whole pages.
		headerPage := make([]byte, dm.pageSize)
		headerPage[page.TagOffset] = byte(page.TypeHeader)
		if _, err := dm.file.WriteAt(headerPage, 0); err != nil {
			dm.closeLocked()
			os.Remove(dm.filePath)
			return header, fmt.Errorf("%w: extending file for header page: %v", ErrIO, err)
		}
		if err := dm.writeHeaderLocked(header); err != nil {
			dm.closeLocked()
			os.Remove(dm.filePath)
			return header, err
		}

	case statErr == nil:
		file, err := os.OpenFile(dm.filePath, os.O_RDWR, 0666)
		if err != nil {
			return header, fmt.Errorf("%w: opening file %s: %v", ErrIO, dm.filePath, err)
		}
		dm.file = file
		header, err = dm.readHeaderLocked()
		if err != nil {
			dm.closeLocked()
			return header, err
		}
		if header.Magic != Magic {
			dm.closeLocked()
			return header, fmt.Errorf("%w: %s is not a quartzdb file", ErrIO, dm.filePath)
		}
		if header.FormatVersion != FormatVersion {
			dm.closeLocked()
			return header, fmt.Errorf("%w: unsupported format version %d", ErrIO, header.FormatVersion)
		}
		if header.PageSize != uint32(dm.pageSize) {
			dm.closeLocked()
			return header, fmt.Errorf("%w: file page size %d does not match configured page size %d",
				ErrIO, header.PageSize, dm.pageSize)
		}

	default:
		return header, fmt.Errorf("%w: stating file %s: %v", ErrIO, dm.filePath, statErr)
	}

	return header, nil
}

func (dm *DiskManager) writeHeaderLocked(header FileHeader) error {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(page.TypeHeader))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("%w: serializing file header: %v", ErrIO, err)
	}
	padding := make([]byte, fileHeaderSize-buf.Len())
	buf.Write(padding)
	if _, err := dm.file.WriteAt(buf.Bytes(), 0); err != nil {
		return fmt.Errorf("%w: writing file header: %v", ErrIO, err)
	}
	return nil
}

func (dm *DiskManager) readHeaderLocked() (FileHeader, error) {
	var header FileHeader
	data := make([]byte, fileHeaderSize)
	if _, err := dm.file.ReadAt(data, 0); err != nil {
		if err == io.EOF {
			return header, fmt.Errorf("%w: file too small to hold a header, likely corrupt", ErrIO)
		}
		return header, fmt.Errorf("%w: reading file header: %v", ErrIO, err)
	}
	buf := bytes.NewReader(data[1:]) // skip the page type tag
	if err := binary.Read(buf, binary.LittleEndian, &header); err != nil {
		return header, fmt.Errorf("%w: deserializing file header: %v", ErrIO, err)
	}
	return header, nil
}

// WriteHeader durably replaces the file header. This is the commit
// point of a checkpoint: callers must have already flushed and synced
// every content page.
func (dm *DiskManager) WriteHeader(header FileHeader, sync bool) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return fmt.Errorf("%w: file not open", ErrIO)
	}
	if err := dm.writeHeaderLocked(header); err != nil {
		return err
	}
	if sync {
		if err := dm.file.Sync(); err != nil {
			return fmt.Errorf("%w: syncing header: %v", ErrIO, err)
		}
	}
	return nil
}

// ReadHeader re-reads the header from disk.
func (dm *DiskManager) ReadHeader() (FileHeader, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return FileHeader{}, fmt.Errorf("%w: file not open", ErrIO)
	}
	return dm.readHeaderLocked()
}

// ReadPage reads the page at pageID into pageData, which must be exactly
// one page long.
func (dm *DiskManager) ReadPage(pageID page.PageID, pageData []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if dm.file == nil {
		return fmt.Errorf("%w: file not open", ErrIO)
	}
	if len(pageData) != dm.pageSize {
		return fmt.Errorf("%w: buffer size %d does not match page size %d", ErrIO, len(pageData), dm.pageSize)
	}

	offset := int64(pageID) * int64(dm.pageSize)
	bytesRead, err := dm.file.ReadAt(pageData, offset)
	if err != nil {
		if err == io.EOF {
			return fmt.Errorf("%w: page %d", ErrPageBounds, pageID)
		}
		return fmt.Errorf("%w: reading page %d: %v", ErrIO, pageID, err)
	}
	if bytesRead != dm.pageSize {
		return fmt.Errorf("%w: short read for page %d, expected %d, got %d", ErrIO, pageID, dm.pageSize, bytesRead)
	}
	return nil
}

// WritePage overwrites the page at pageID. The file is extended as a
// side effect when pageID lies one past the current end.
func (dm *DiskManager) WritePage(pageID page.PageID, pageData []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if dm.file == nil {
		return fmt.Errorf("%w: file not open", ErrIO)
	}
	if len(pageData) != dm.pageSize {
		return fmt.Errorf("%w: buffer size %d does not match page size %d", ErrIO, len(pageData), dm.pageSize)
	}

	offset := int64(pageID) * int64(dm.pageSize)
	if _, err := dm.file.WriteAt(pageData, offset); err != nil {
		return fmt.Errorf("%w: writing page %d: %v", ErrIO, pageID, err)
	}
	return nil
}

// Sync flushes outstanding writes to stable storage.
func (dm *DiskManager) Sync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil
	}
	if err := dm.file.Sync(); err != nil {
		return fmt.Errorf("%w: fsync: %v", ErrIO, err)
	}
	return nil
}

// Close syncs and closes the file.
func (dm *DiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.closeLocked()
}

func (dm *DiskManager) closeLocked() error {
	if dm.file == nil {
		return nil
	}
	syncErr := dm.file.Sync()
	closeErr := dm.file.Close()
	dm.file = nil
	if syncErr != nil {
		return fmt.Errorf("%w: sync on close: %v", ErrIO, syncErr)
	}
	return closeErr
}

// Path returns the database file path.
func (dm *DiskManager) Path() string { return dm.filePath }

// PageSize returns the configured page size.
func (dm *DiskManager) PageSize() int { return dm.pageSize }
