package file

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/gostonefire/hashdb/ecode"
	"github.com/gostonefire/hashdb/internal/record"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Methods - The I/O capability used by everything above the file layer. A transaction swaps in its
// own implementation so that writes are buffered instead of reaching the file.
type Methods interface {
	// Read - Fills buf from offset off, fully or not at all
	Read(off uint64, buf []byte) error
	// Write - Writes buf at offset off, fully or not at all
	Write(off uint64, buf []byte) error
	// OOB - Checks that end is within the file, refreshing the view of the file size first
	OOB(end uint64, probe bool) error
	// Expand - Grows the file by addition bytes
	Expand(addition uint64) error
	// Size - Returns the size of the file as currently seen
	Size() uint64
}

// Config - Is a struct to be passed in the call to Open and contains configuration that affects
// file processing.
//   - Name is the path of the database file, ignored for Internal stores
//   - Create creates the file if it does not exist
//   - Truncate truncates an existing file to zero length
//   - ReadOnly opens the file for reading only
//   - Internal keeps everything in memory, no file is involved
//   - NoMmap uses pread/pwrite instead of a shared mapping
//   - Mode is the permission used when creating the file
//   - Logger receives diagnostics
type Config struct {
	Name     string
	Create   bool
	Truncate bool
	ReadOnly bool
	Internal bool
	NoMmap   bool
	Mode     os.FileMode
	Logger   *zap.Logger
}

// Store - The backing store of a database, a memory mapped file, a file accessed with pread/pwrite or
// a byte slice for internal databases.
type Store struct {
	name     string
	file     *os.File
	fd       int
	mem      []byte
	mapped   bool
	size     uint64
	internal bool
	noMmap   bool
	readOnly bool
	order    binary.ByteOrder
	methods  Methods
	base     *baseMethods
	logger   *zap.Logger
}

// Open - Opens (or creates) the backing store described by cfg
//   - cfg is the file configuration
//
// It returns:
//   - store is a pointer to a Store struct, using the plain file methods and native byte order
//   - err is a normal go Error which should be nil if everything went ok
func Open(cfg Config) (store *Store, err error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	store = &Store{
		name:     cfg.Name,
		fd:       -1,
		internal: cfg.Internal,
		noMmap:   cfg.NoMmap,
		readOnly: cfg.ReadOnly,
		order:    record.NativeOrder,
		logger:   logger,
	}
	store.base = &baseMethods{S: store}
	store.methods = store.base

	if cfg.Internal {
		return
	}

	flags := os.O_RDWR
	if cfg.ReadOnly {
		flags = os.O_RDONLY
	}
	if cfg.Create {
		flags |= os.O_CREATE
	}
	if cfg.Truncate {
		flags |= os.O_TRUNC
	}
	mode := cfg.Mode
	if mode == 0 {
		mode = 0600
	}

	store.file, err = os.OpenFile(cfg.Name, flags, mode)
	if err != nil {
		err = ecode.IOErrorf("error while opening database file %s: %s", cfg.Name, err)
		store = nil
		return
	}
	store.fd = int(store.file.Fd())

	var stat os.FileInfo
	stat, err = store.file.Stat()
	if err != nil {
		_ = store.file.Close()
		store = nil
		err = ecode.IOErrorf("error while reading size of %s: %s", cfg.Name, err)
		return
	}
	store.size = uint64(stat.Size())
	store.mmap()

	return
}

// Fd - Returns the file descriptor, -1 for internal stores
func (S *Store) Fd() int {
	return S.fd
}

// Order - Returns the byte order of the file
func (S *Store) Order() binary.ByteOrder {
	return S.order
}

// SetOrder - Sets the byte order of the file, as detected from or written to its header
func (S *Store) SetOrder(order binary.ByteOrder) {
	S.order = order
}

// Converted - Returns true if words in the file are not in native byte order
func (S *Store) Converted() bool {
	return S.order != record.NativeOrder
}

// SetMethods - Replaces the methods in effect, nil restores the plain file methods
func (S *Store) SetMethods(m Methods) {
	if m == nil {
		S.methods = S.base
		return
	}
	S.methods = m
}

// Base - Returns the plain file methods, bypassing any replacement
func (S *Store) Base() Methods {
	return S.base
}

// Sync - Flushes the mapping and the file to stable storage
func (S *Store) Sync() (err error) {
	if S.internal {
		return
	}

	if S.mapped {
		if err = unix.Msync(S.mem, unix.MS_SYNC); err != nil {
			err = ecode.IOErrorf("error while msync of %s: %s", S.name, err)
			S.logger.Error("msync failed", zap.String("path", S.name), zap.Error(err))
			return
		}
	}

	if err = S.file.Sync(); err != nil {
		err = ecode.IOErrorf("error while fsync of %s: %s", S.name, err)
		S.logger.Error("fsync failed", zap.String("path", S.name), zap.Error(err))
	}

	return
}

// Close - Unmaps and closes the file
func (S *Store) Close() (err error) {
	S.munmap()
	if S.file != nil {
		err = S.file.Close()
		S.file = nil
		S.fd = -1
	}
	S.mem = nil

	return
}

// mmap - Maps the whole file, falling back to pread/pwrite if that is not possible
func (S *Store) mmap() {
	if S.internal || S.noMmap || S.size == 0 {
		return
	}

	prot := unix.PROT_READ | unix.PROT_WRITE
	if S.readOnly {
		prot = unix.PROT_READ
	}

	mem, err := unix.Mmap(S.fd, 0, int(S.size), prot, unix.MAP_SHARED)
	if err != nil {
		S.logger.Warn("mmap failed, using pread/pwrite", zap.String("path", S.name), zap.Uint64("size", S.size), zap.Error(err))
		return
	}

	if err = unix.Madvise(mem, unix.MADV_RANDOM); err != nil {
		S.logger.Warn("madvise failed on mapping", zap.String("path", S.name), zap.Error(err))
	}

	S.mem = mem
	S.mapped = true
}

// munmap - Drops the mapping if there is one
func (S *Store) munmap() {
	if !S.mapped {
		return
	}
	if err := unix.Munmap(S.mem); err != nil {
		S.logger.Error("munmap failed", zap.String("path", S.name), zap.Error(err))
	}
	S.mem = nil
	S.mapped = false
}

// remap - Takes a new file size into account
func (S *Store) remap(size uint64) {
	S.munmap()
	S.size = size
	S.mmap()
}

// Truncate - Cuts the file to size (only used when a file is being created)
func (S *Store) Truncate(size uint64) (err error) {
	if S.internal {
		if size <= uint64(len(S.mem)) {
			S.mem = S.mem[:size]
		} else {
			S.mem = append(S.mem, make([]byte, size-uint64(len(S.mem)))...)
		}
		S.size = size
		return
	}

	S.munmap()
	if err = S.file.Truncate(int64(size)); err != nil {
		err = ecode.IOErrorf("error while truncating %s to %d: %s", S.name, size, err)
		return
	}
	S.remap(size)

	return
}

// preadAll - Reads len(buf) bytes at off, retrying interrupted and partial reads
func preadAll(fd int, buf []byte, off uint64) (err error) {
	for len(buf) > 0 {
		var n int
		n, err = unix.Pread(fd, buf, int64(off))
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return
		}
		if n == 0 {
			err = fmt.Errorf("short read, %d bytes missing", len(buf))
			return
		}
		buf = buf[n:]
		off += uint64(n)
	}

	return
}

// pwriteAll - Writes all of buf at off, retrying interrupted and partial writes
func pwriteAll(fd int, buf []byte, off uint64) (err error) {
	for len(buf) > 0 {
		var n int
		n, err = unix.Pwrite(fd, buf, int64(off))
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return
		}
		if n == 0 {
			err = fmt.Errorf("short write, %d bytes left", len(buf))
			return
		}
		buf = buf[n:]
		off += uint64(n)
	}

	return
}
