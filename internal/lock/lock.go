package lock

import (
	"context"
	"errors"
	"io"
	"sort"
	"time"

	"github.com/gostonefire/hashdb/ecode"
	"github.com/gostonefire/hashdb/internal/conf"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Type - Kind of byte range lock
type Type int16

const (
	Unlocked Type = unix.F_UNLCK
	Read     Type = unix.F_RDLCK
	Write    Type = unix.F_WRLCK
)

// String - Returns the lock type name used in diagnostics
func (T Type) String() string {
	switch T {
	case Read:
		return "read"
	case Write:
		return "write"
	}
	return "unlocked"
}

// Flags - How to behave when a lock is not immediately available
type Flags int

const (
	// NoWait - Fail at once when the lock is held elsewhere
	NoWait Flags = 0
	// Wait - Block until the lock is granted or the wait context is done
	Wait Flags = 1
	// Probe - Do not log a failure, the caller only tests for contention
	Probe Flags = 2
)

// maxUpgradeTries - Number of deadlock retries before an allrecord upgrade gives up
const maxUpgradeTries = 50

// lockRecord - A lock held by this handle. For the allrecord lock off is 1 while the lock is
// upgradable.
type lockRecord struct {
	off    uint64
	length uint64
	count  uint32
	ltype  Type
}

// Locker - Per handle table of byte range locks on a database file. fcntl locks belong to the
// process and do not stack, so repeated requests for the same range only bump a count.
type Locker struct {
	fd        int
	disabled  bool
	readOnly  bool
	name      string
	recs      []lockRecord
	allrecord lockRecord
	waitCtx   context.Context
	limit     func() uint64
	logger    *zap.Logger
}

// Config - Configuration of a Locker
//   - Fd is the file descriptor to lock, ignored when Disabled
//   - Disabled turns every lock into bookkeeping only (internal databases, or no locking wanted)
//   - ReadOnly refuses write locks
//   - Name is used in diagnostics
//   - Limit returns the file size, lock offsets beyond the free bucket locks of that size are refused
//   - Logger receives diagnostics
type Config struct {
	Fd       int
	Disabled bool
	ReadOnly bool
	Name     string
	Limit    func() uint64
	Logger   *zap.Logger
}

// New - Returns a Locker with no locks held
func New(cfg Config) *Locker {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := cfg.Limit
	if limit == nil {
		limit = func() uint64 { return 1 << 62 }
	}

	return &Locker{
		fd:       cfg.Fd,
		disabled: cfg.Disabled,
		readOnly: cfg.ReadOnly,
		name:     cfg.Name,
		waitCtx:  context.Background(),
		limit:    limit,
		logger:   logger,
	}
}

// SetWaitContext - Sets the context bounding blocking lock waits, nil means wait forever.
// It returns the previous context.
func (L *Locker) SetWaitContext(ctx context.Context) (prev context.Context) {
	prev = L.waitCtx
	if ctx == nil {
		ctx = context.Background()
	}
	L.waitCtx = ctx
	return
}

// fcntl - Issues one fcntl lock call, retrying when interrupted
func (L *Locker) fcntl(cmd int, ltype Type, off, length uint64) (err error) {
	lk := unix.Flock_t{
		Type:   int16(ltype),
		Whence: io.SeekStart,
		Start:  int64(off),
		Len:    int64(length),
	}
	for {
		err = unix.FcntlFlock(uintptr(L.fd), cmd, &lk)
		if !errors.Is(err, unix.EINTR) {
			return
		}
	}
}

// contended - Returns true for the errors fcntl gives when a lock is held elsewhere
func contended(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EACCES)
}

// brlock - Takes an OS lock on [off, off+length), length 0 meaning to the end of any file
func (L *Locker) brlock(ltype Type, off, length uint64, flags Flags) (err error) {
	if L.disabled {
		return
	}

	if L.readOnly && ltype == Write {
		err = ecode.LockErrorf("write lock at %d on read only database %s", off, L.name)
		return
	}

	switch {
	case flags&Wait == 0:
		err = L.fcntl(unix.F_SETLK, ltype, off, length)
	case L.waitCtx.Done() == nil:
		err = L.fcntl(unix.F_SETLKW, ltype, off, length)
	default:
		err = L.pollLock(ltype, off, length)
	}

	if err == nil {
		return
	}

	var timeout ecode.Timeout
	if errors.As(err, &timeout) {
		return
	}

	if flags&Probe == 0 {
		L.logger.Error("brlock failed",
			zap.String("path", L.name),
			zap.Int("fd", L.fd),
			zap.Uint64("offset", off),
			zap.Uint64("length", length),
			zap.Stringer("type", ltype),
			zap.Int("flags", int(flags)),
			zap.Error(err))
	}
	err = ecode.LockErrorf("error while taking %s lock at %d (length %d) on %s: %s", ltype, off, length, L.name, err)

	return
}

// pollLock - Waits for a lock by retrying a non-blocking request until the wait context is done
func (L *Locker) pollLock(ltype Type, off, length uint64) (err error) {
	backoff := time.Millisecond
	for {
		err = L.fcntl(unix.F_SETLK, ltype, off, length)
		if err == nil || !contended(err) {
			return
		}

		timer := time.NewTimer(backoff)
		select {
		case <-L.waitCtx.Done():
			timer.Stop()
			err = ecode.Timeoutf("waiting for %s lock at %d on %s: %s", ltype, off, L.name, L.waitCtx.Err())
			return
		case <-timer.C:
		}

		if backoff < 50*time.Millisecond {
			backoff *= 2
		}
	}
}

// brunlock - Drops an OS lock on [off, off+length)
func (L *Locker) brunlock(off, length uint64) (err error) {
	if L.disabled {
		return
	}

	if err = L.fcntl(unix.F_SETLKW, Unlocked, off, length); err != nil {
		L.logger.Error("brunlock failed", zap.String("path", L.name), zap.Uint64("offset", off), zap.Error(err))
		err = ecode.LockErrorf("error while unlocking %d (length %d) on %s: %s", off, length, L.name, err)
	}

	return
}

// find - Returns the index of the record for [off, off+length) and whether it exists
func (L *Locker) find(off, length uint64) (idx int, found bool) {
	idx = sort.Search(len(L.recs), func(i int) bool {
		r := L.recs[i]
		return r.off > off || (r.off == off && r.length >= length)
	})
	found = idx < len(L.recs) && L.recs[idx].off == off && L.recs[idx].length == length
	return
}

// Nest - Takes a lock on [off, off+length), or bumps the count if this handle holds it already
func (L *Locker) Nest(off, length uint64, ltype Type, flags Flags) (err error) {
	if off >= conf.FreeLockStart+L.limit() {
		err = ecode.LockErrorf("invalid lock offset %d on %s", off, L.name)
		L.logger.Error("invalid lock offset", zap.String("path", L.name), zap.Uint64("offset", off))
		return
	}

	idx, found := L.find(off, length)
	if found {
		if L.recs[idx].ltype == Read && ltype == Write {
			err = ecode.LockErrorf("offset %d has read lock on %s", off, L.name)
			L.logger.Error("nested write lock over read lock", zap.String("path", L.name), zap.Uint64("offset", off))
			return
		}
		L.recs[idx].count++
		return
	}

	if err = L.brlock(ltype, off, length, flags); err != nil {
		return
	}

	L.recs = append(L.recs, lockRecord{})
	copy(L.recs[idx+1:], L.recs[idx:])
	L.recs[idx] = lockRecord{off: off, length: length, count: 1, ltype: ltype}

	return
}

// Unnest - Releases one reference to the lock on [off, off+length)
func (L *Locker) Unnest(off, length uint64, ltype Type) (err error) {
	idx, found := L.find(off, length)
	if !found {
		err = ecode.LockErrorf("unlock of unheld %s lock at %d on %s", ltype, off, L.name)
		L.logger.Error("unlock of unheld lock", zap.String("path", L.name), zap.Uint64("offset", off))
		return
	}

	if L.recs[idx].count > 1 {
		L.recs[idx].count--
		return
	}

	err = L.brunlock(off, length)
	L.recs = append(L.recs[:idx], L.recs[idx+1:]...)

	return
}

// hashRange - Maps a 64-bit hash prefix range onto the hash lock range
func hashRange(hashLock, hashLen uint64) (off, length uint64) {
	off = conf.HashLockStart + (hashLock >> (64 - conf.HashLockRangeBits))
	length = hashLen >> (64 - conf.HashLockRangeBits)
	if length == 0 {
		length = 1
	}
	return
}

// allrecordCovers - Returns true if the allrecord lock satisfies a request of ltype
func (L *Locker) allrecordCovers(ltype Type) bool {
	return L.allrecord.count > 0 && (ltype == Read || L.allrecord.ltype == Write)
}

// LockHashes - Locks the part of the hash lock range belonging to hashes in [hashLock, hashLock+hashLen)
func (L *Locker) LockHashes(hashLock, hashLen uint64, ltype Type, flags Flags) (err error) {
	if L.allrecordCovers(ltype) {
		return
	}

	if L.allrecord.count > 0 {
		err = ecode.LockErrorf("lock hashes: have %s allrecord lock on %s", L.allrecord.ltype, L.name)
		L.logger.Error("hash lock under allrecord lock", zap.String("path", L.name))
		return
	}
	if L.HasFreeLock() {
		err = ecode.LockErrorf("lock hashes: have free lock already on %s", L.name)
		L.logger.Error("hash lock after free lock", zap.String("path", L.name))
		return
	}
	if L.HasExpansionLock() {
		err = ecode.LockErrorf("lock hashes: have expansion lock already on %s", L.name)
		L.logger.Error("hash lock after expansion lock", zap.String("path", L.name))
		return
	}

	off, length := hashRange(hashLock, hashLen)
	return L.Nest(off, length, ltype, flags)
}

// UnlockHashes - Releases a lock taken by LockHashes
func (L *Locker) UnlockHashes(hashLock, hashLen uint64, ltype Type) (err error) {
	if L.allrecord.count > 0 {
		if L.allrecord.ltype == Read && ltype == Write {
			err = ecode.LockErrorf("unlock hashes: have read allrecord lock on %s", L.name)
		}
		return
	}

	off, length := hashRange(hashLock, hashLen)
	return L.Unnest(off, length, ltype)
}

// freeLockOff - Returns the lock offset of the free bucket at bOff
func freeLockOff(bOff uint64) uint64 {
	return conf.FreeLockStart + bOff
}

// LockFreeBucket - Write locks the free list bucket head at file offset bOff
func (L *Locker) LockFreeBucket(bOff uint64, flags Flags) (err error) {
	if L.allrecord.count > 0 {
		if L.allrecord.ltype == Write {
			return
		}
		err = ecode.LockErrorf("lock free bucket: allrecord read lock held on %s", L.name)
		L.logger.Error("free lock under read allrecord lock", zap.String("path", L.name))
		return
	}

	return L.Nest(freeLockOff(bOff), 1, Write, flags)
}

// UnlockFreeBucket - Releases a lock taken by LockFreeBucket
func (L *Locker) UnlockFreeBucket(bOff uint64) (err error) {
	if L.allrecord.count > 0 {
		return
	}

	return L.Unnest(freeLockOff(bOff), 1, Write)
}

// HasLocks - Returns true if this handle holds any lock
func (L *Locker) HasLocks() bool {
	return len(L.recs) > 0 || L.allrecord.count > 0
}

// HasHashLocks - Returns true if any hash range is locked
func (L *Locker) HasHashLocks() bool {
	for _, r := range L.recs {
		if r.off >= conf.HashLockStart && r.off < conf.HashLockStart+conf.HashLockRange {
			return true
		}
	}
	return false
}

// HasFreeLock - Returns true if any free bucket is locked
func (L *Locker) HasFreeLock() bool {
	for _, r := range L.recs {
		if r.off >= conf.FreeLockStart {
			return true
		}
	}
	return false
}

// HasExpansionLock - Returns true if the expansion lock is held
func (L *Locker) HasExpansionLock() bool {
	_, found := L.find(conf.ExpansionLock, 1)
	return found
}

// AllRecord - Locks all hashes and free buckets at once
//   - ltype is the lock type
//   - flags tells whether to wait
//   - upgradable marks a read lock that will later be upgraded. Only one handle at a time can hold such
//     a lock (callers take the transaction lock first), so it is treated as a write lock locally.
func (L *Locker) AllRecord(ltype Type, flags Flags, upgradable bool) (err error) {
	if L.allrecord.count > 0 && (ltype == Read || L.allrecord.ltype == Write) {
		L.allrecord.count++
		return
	}

	if L.allrecord.count > 0 {
		err = ecode.LockErrorf("allrecord lock: already have %s lock on %s", L.allrecord.ltype, L.name)
		return
	}

	if L.HasHashLocks() || L.HasFreeLock() {
		err = ecode.LockErrorf("allrecord lock: already have hash or free locks on %s", L.name)
		L.logger.Error("allrecord lock over held locks", zap.String("path", L.name))
		return
	}

	if upgradable && ltype != Read {
		err = ecode.Invalidf("allrecord lock: can only upgrade a read lock")
		return
	}

	if err = L.brlock(ltype, conf.HashLockStart, 0, flags); err != nil {
		return
	}

	L.allrecord.count = 1
	L.allrecord.ltype = ltype
	L.allrecord.off = 0
	if upgradable {
		L.allrecord.ltype = Write
		L.allrecord.off = 1
	}

	return
}

// AllRecordUnlock - Releases one reference to the allrecord lock
func (L *Locker) AllRecordUnlock(ltype Type) (err error) {
	if L.allrecord.count == 0 {
		err = ecode.LockErrorf("allrecord unlock: not locked on %s", L.name)
		return
	}

	// Upgradable locks are marked as write locks
	if L.allrecord.ltype != ltype && (L.allrecord.off == 0 || ltype != Read) {
		err = ecode.LockErrorf("allrecord unlock: have %s lock on %s", L.allrecord.ltype, L.name)
		return
	}

	if L.allrecord.count > 1 {
		L.allrecord.count--
		return
	}

	L.allrecord = lockRecord{}

	return L.brunlock(conf.HashLockStart, 0)
}

// AllRecordUpgrade - Turns an upgradable allrecord read lock into a write lock, waiting for readers
func (L *Locker) AllRecordUpgrade() (err error) {
	if L.allrecord.count != 1 {
		err = ecode.LockErrorf("allrecord upgrade: count %d too high on %s", L.allrecord.count, L.name)
		return
	}

	if L.allrecord.off != 1 {
		err = ecode.LockErrorf("allrecord upgrade: lock not upgradable on %s", L.name)
		return
	}

	if L.disabled {
		L.allrecord.ltype = Write
		L.allrecord.off = 0
		return
	}

	for i := 0; i < maxUpgradeTries; i++ {
		err = L.fcntl(unix.F_SETLKW, Write, conf.HashLockStart, 0)
		if err == nil {
			L.allrecord.ltype = Write
			L.allrecord.off = 0
			return
		}
		if !errors.Is(err, unix.EDEADLK) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	L.logger.Error("allrecord upgrade failed", zap.String("path", L.name), zap.Error(err))
	err = ecode.LockErrorf("allrecord upgrade failed on %s: %s", L.name, err)

	return
}

// HasAllRecord - Returns the type of the allrecord lock held, Unlocked if none
func (L *Locker) HasAllRecord() Type {
	if L.allrecord.count == 0 {
		return Unlocked
	}
	return L.allrecord.ltype
}

// openType - Read only handles can only take read locks, the open lock included
func (L *Locker) openType() Type {
	if L.readOnly {
		return Read
	}
	return Write
}

// LockOpen - Takes the open lock, serializing database creation and recovery at open
func (L *Locker) LockOpen(flags Flags) error {
	return L.Nest(conf.OpenLock, 1, L.openType(), flags)
}

// UnlockOpen - Releases the open lock
func (L *Locker) UnlockOpen() error {
	return L.Unnest(conf.OpenLock, 1, L.openType())
}

// LockExpand - Takes the expansion lock serializing file growth
func (L *Locker) LockExpand(ltype Type) error {
	return L.Nest(conf.ExpansionLock, 1, ltype, Wait)
}

// UnlockExpand - Releases the expansion lock
func (L *Locker) UnlockExpand(ltype Type) error {
	return L.Unnest(conf.ExpansionLock, 1, ltype)
}

// LockTransaction - Takes the transaction lock, only one transaction runs per file
func (L *Locker) LockTransaction(ltype Type, flags Flags) error {
	return L.Nest(conf.TransactionLock, 1, ltype, flags)
}

// UnlockTransaction - Releases the transaction lock
func (L *Locker) UnlockTransaction(ltype Type) error {
	return L.Unnest(conf.TransactionLock, 1, ltype)
}

// ReleaseAll - Drops every lock, used when the handle goes away
func (L *Locker) ReleaseAll() {
	for _, r := range L.recs {
		_ = L.brunlock(r.off, r.length)
	}
	L.recs = nil
	if L.allrecord.count > 0 {
		_ = L.brunlock(conf.HashLockStart, 0)
		L.allrecord = lockRecord{}
	}
}
