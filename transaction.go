package hashdb

import (
	"context"
	"hash/crc32"
	"slices"

	"github.com/gostonefire/hashdb/ecode"
	"github.com/gostonefire/hashdb/internal/conf"
	"github.com/gostonefire/hashdb/internal/file"
	"github.com/gostonefire/hashdb/internal/lock"
	"github.com/gostonefire/hashdb/internal/record"
	"go.uber.org/zap"
)

// transaction - An active transaction. It stands in for the file methods so that every write lands in a
// buffer of whole blocks, and reads see the buffered view.
//   - blocks are the dirty blocks by block number
//   - oldSize is the file size when the transaction started, size is the size of the view
//   - failed is set when a buffered write failed, the transaction can then only be cancelled
//   - recoveryOff is the recovery record chosen at commit, logOff where its log starts and logEnd its end
//   - oldRecovery is the recovery pointer in the file before the commit wrote it
type transaction struct {
	H           *HashDB
	blocks      map[uint64][]byte
	oldSize     uint64
	size        uint64
	failed      bool
	prepared    bool
	recoveryOff uint64
	logOff      uint64
	logEnd      uint64
	oldRecovery uint64
}

// logEntry - One contiguous range of the view to write to the file
type logEntry struct {
	off  uint64
	data []byte
}

// base - Returns the plain file methods
func (T *transaction) base() file.Methods {
	return T.H.store.Base()
}

// Read - Reads from the buffered view
func (T *transaction) Read(off uint64, buf []byte) (err error) {
	if err = T.OOB(off+uint64(len(buf)), false); err != nil {
		return
	}

	for len(buf) > 0 {
		blk := off / conf.TransactionBlockSize
		inBlk := off % conf.TransactionBlockSize
		n := min(conf.TransactionBlockSize-inBlk, uint64(len(buf)))

		if b, ok := T.blocks[blk]; ok {
			copy(buf[:n], b[inBlk:])
		} else {
			clear(buf[:n])
			if off < T.oldSize {
				m := min(n, T.oldSize-off)
				if err = T.base().Read(off, buf[:m]); err != nil {
					return
				}
			}
		}

		buf = buf[n:]
		off += n
	}

	return
}

// Write - Writes into the block buffer, loading a block from the file the first time it is touched
func (T *transaction) Write(off uint64, buf []byte) (err error) {
	if err = T.OOB(off+uint64(len(buf)), false); err != nil {
		T.failed = true
		return
	}

	for len(buf) > 0 {
		blk := off / conf.TransactionBlockSize
		inBlk := off % conf.TransactionBlockSize
		n := min(conf.TransactionBlockSize-inBlk, uint64(len(buf)))

		b, ok := T.blocks[blk]
		if !ok {
			b = make([]byte, conf.TransactionBlockSize)
			start := blk * conf.TransactionBlockSize
			if start < T.oldSize {
				if err = T.base().Read(start, b[:min(conf.TransactionBlockSize, T.oldSize-start)]); err != nil {
					T.failed = true
					return
				}
			}
			T.blocks[blk] = b
		}
		copy(b[inBlk:], buf[:n])

		buf = buf[n:]
		off += n
	}

	return
}

// OOB - Checks end against the size of the view, nobody else can grow the file during a transaction
func (T *transaction) OOB(end uint64, probe bool) (err error) {
	if end <= T.size {
		return
	}

	err = ecode.IOErrorf("out of bounds access to %d beyond transaction size %d", end, T.size)
	if !probe {
		T.H.logger.Error("transaction out of bounds", zap.Uint64("end", end), zap.Uint64("size", T.size))
	}

	return
}

// Expand - Grows the view, the file itself is grown at commit
func (T *transaction) Expand(addition uint64) error {
	T.size += addition
	return nil
}

// Size - Returns the size of the view
func (T *transaction) Size() uint64 {
	return T.size
}

// entries - Returns the dirty ranges in file order, leaving out the area the log itself is written to
func (T *transaction) entries() (list []logEntry) {
	blks := make([]uint64, 0, len(T.blocks))
	for blk := range T.blocks {
		blks = append(blks, blk)
	}
	slices.Sort(blks)

	for _, blk := range blks {
		start := blk * conf.TransactionBlockSize
		if start >= T.size {
			continue
		}
		end := min(start+conf.TransactionBlockSize, T.size)
		data := T.blocks[blk][:end-start]

		// Cut out [logOff, logEnd)
		if T.logOff < end && T.logEnd > start {
			if T.logOff > start {
				list = append(list, logEntry{off: start, data: data[:T.logOff-start]})
			}
			if T.logEnd < end {
				list = append(list, logEntry{off: T.logEnd, data: data[T.logEnd-start:]})
			}
			continue
		}

		list = append(list, logEntry{off: start, data: data})
	}

	return
}

// logSize - Returns the length of the recovery log for the current dirty blocks
func (T *transaction) logSize() (size uint64) {
	size = conf.RecoveryHeaderLength
	for _, e := range T.entries() {
		size += 16 + uint64(len(e.data))
	}
	return
}

// buildLog - Encodes the recovery log, its magic left invalid
func (T *transaction) buildLog(list []logEntry) (buf []byte) {
	order := T.H.store.Order()

	bodyLen := uint64(0)
	for _, e := range list {
		bodyLen += 16 + uint64(len(e.data))
	}

	buf = make([]byte, conf.RecoveryHeaderLength+bodyLen)
	p := conf.RecoveryHeaderLength
	for _, e := range list {
		order.PutUint64(buf[p:], e.off)
		order.PutUint64(buf[p+8:], uint64(len(e.data)))
		copy(buf[p+16:], e.data)
		p += 16 + uint64(len(e.data))
	}

	order.PutUint64(buf[0:], conf.RecoveryInvalidMagic)
	order.PutUint64(buf[8:], bodyLen)
	order.PutUint64(buf[16:], T.size)
	order.PutUint64(buf[24:], uint64(crc32.ChecksumIEEE(buf[conf.RecoveryHeaderLength:])))

	return
}

// TransactionStart - Starts a transaction, waiting for any other transaction on the file to finish.
// Until committed or cancelled, all changes made through the handle are only visible to it. Other handles
// can read the database meanwhile but not change it.
//
// It returns:
//   - err is nil on success, ecode.Nesting if a transaction is already active, ecode.LockError if the handle holds
//     locks (LockAll), ecode.ReadOnly for read only handles and ecode.Invalid for internal databases
func (H *HashDB) TransactionStart() error {
	return H.TransactionStartContext(context.Background())
}

// TransactionStartContext - Same as TransactionStart but gives up waiting for the transaction lock when ctx is done,
// returning ecode.Timeout
func (H *HashDB) TransactionStartContext(ctx context.Context) (err error) {
	if err = H.enter(); err != nil {
		return
	}
	defer H.mu.Unlock()

	if err = H.writable(); err != nil {
		return
	}
	if H.internal {
		err = ecode.Invalidf("can not start a transaction on an internal database")
		return
	}
	if H.txn != nil {
		err = ecode.Nestingf("transaction already active on %s", H.name)
		return
	}
	if H.locker.HasLocks() {
		err = ecode.LockErrorf("can not start a transaction on %s with locks held", H.name)
		return
	}

	prev := H.locker.SetWaitContext(ctx)
	defer H.locker.SetWaitContext(prev)

	if err = H.locker.LockTransaction(lock.Write, lock.Wait); err != nil {
		return
	}

	// First lock of the handle, someone may have died in commit
	var needs bool
	if needs, err = H.needsRecoveryCheck(); err == nil && needs {
		err = H.lockAndRecover()
	}
	if err != nil {
		_ = H.locker.UnlockTransaction(lock.Write)
		return
	}

	// Read lock over everything, upgraded to a write lock at commit
	if err = H.locker.AllRecord(lock.Read, lock.Wait, true); err != nil {
		_ = H.locker.UnlockTransaction(lock.Write)
		return
	}

	// Pick up expansions done by others before the lock was granted
	H.store.Refresh()
	size := H.store.Size()

	H.txn = &transaction{
		H:       H,
		blocks:  make(map[uint64][]byte),
		oldSize: size,
		size:    size,
	}
	H.store.SetMethods(H.txn)

	return
}

// TransactionCancel - Discards all changes of the active transaction
func (H *HashDB) TransactionCancel() (err error) {
	if err = H.enter(); err != nil {
		return
	}
	defer H.mu.Unlock()

	if H.txn == nil {
		err = ecode.Nestingf("no transaction to cancel on %s", H.name)
		return
	}

	return H.cancelTransaction()
}

// TransactionPrepareCommit - Does the first half of a commit: the changes are logged and synced to disk but not
// applied. From here a crash leaves a log that is replayed by the next handle. TransactionCommit finishes the
// commit, TransactionCancel throws it away.
func (H *HashDB) TransactionPrepareCommit() (err error) {
	if err = H.enter(); err != nil {
		return
	}
	defer H.mu.Unlock()

	if H.txn == nil {
		err = ecode.Nestingf("no transaction to prepare on %s", H.name)
		return
	}
	if H.txn.prepared {
		err = ecode.Invalidf("transaction on %s already prepared", H.name)
		return
	}

	if err = H.prepareCommit(); err != nil {
		_ = H.cancelTransaction()
	}

	return
}

// TransactionCommit - Makes all changes of the active transaction durable and visible, atomically.
// If the process dies during commit, the next handle to lock the file finds the log and completes the commit.
func (H *HashDB) TransactionCommit() (err error) {
	if err = H.enter(); err != nil {
		return
	}
	defer H.mu.Unlock()

	if H.txn == nil {
		err = ecode.Nestingf("no transaction to commit on %s", H.name)
		return
	}

	if !H.txn.prepared {
		if err = H.prepareCommit(); err != nil {
			_ = H.cancelTransaction()
			return
		}
	}

	return H.finishCommit()
}

// prepareCommit - Takes the write locks, places the recovery record, and writes and syncs the log
func (H *HashDB) prepareCommit() (err error) {
	T := H.txn
	if T.failed {
		err = ecode.IOErrorf("transaction on %s had write errors, can only be cancelled", H.name)
		return
	}

	if err = H.locker.AllRecordUpgrade(); err != nil {
		return
	}
	if err = H.locker.LockExpand(lock.Write); err != nil {
		return
	}

	// Nothing changed, nothing to log
	if len(T.blocks) == 0 && T.size == T.oldSize {
		T.prepared = true
		return
	}

	if err = H.allocateRecovery(); err != nil {
		return
	}

	base := H.store.Base()
	if fileSize := base.Size(); T.size > fileSize {
		if err = base.Expand(T.size - fileSize); err != nil {
			return
		}
	}

	// A recovery record carved past the old end of file so far only exists in the view
	if T.recoveryOff >= T.oldSize {
		hdr := make([]byte, conf.UsedHeaderLength)
		if err = T.Read(T.recoveryOff, hdr); err != nil {
			return
		}
		if err = base.Write(T.recoveryOff, hdr); err != nil {
			return
		}
	}

	// Log with invalid magic and the header pointer first, then make it valid
	if err = base.Write(T.logOff, T.buildLog(T.entries())); err != nil {
		return
	}
	if T.oldRecovery, err = H.readBaseOff(conf.RecoveryOffset); err != nil {
		return
	}
	if err = H.writeBaseOff(conf.RecoveryOffset, T.recoveryOff); err != nil {
		return
	}
	if err = H.store.Sync(); err != nil {
		return
	}
	if err = H.writeBaseOff(T.logOff, conf.RecoveryMagic); err != nil {
		H.needsRecovery = true
		return
	}
	if err = H.store.Sync(); err != nil {
		H.needsRecovery = true
		return
	}

	T.prepared = true

	return
}

// finishCommit - Applies the logged blocks, invalidates the log and ends the transaction
func (H *HashDB) finishCommit() (err error) {
	T := H.txn

	if T.logOff != 0 {
		err = H.applyEntries(T.entries())
		if err == nil {
			err = H.store.Sync()
		}
		if err == nil {
			err = H.writeBaseOff(T.logOff, conf.RecoveryInvalidMagic)
		}
		if err == nil {
			err = H.store.Sync()
		}

		if err != nil {
			H.logger.Error("commit failed after logging, recovering", zap.Error(err))
			H.needsRecovery = true
			H.store.SetMethods(nil)
			if recErr := H.recover(); recErr != nil {
				H.logger.Error("recovery after failed commit failed", zap.Error(recErr))
			}
		}
	}

	H.endTransaction()
	if err == nil {
		transactionCommitTotal.Inc()
	}

	return
}

// cancelTransaction - Throws away the buffer, removing a prepared log from the file
func (H *HashDB) cancelTransaction() (err error) {
	T := H.txn

	if T.prepared && T.logOff != 0 {
		err = H.writeBaseOff(T.logOff, conf.RecoveryInvalidMagic)
		// A new recovery record only exists in the discarded view
		if err == nil && T.oldRecovery != T.recoveryOff {
			err = H.writeBaseOff(conf.RecoveryOffset, T.oldRecovery)
		}
		if err == nil && T.recoveryOff >= T.oldSize {
			err = H.store.Base().Write(T.recoveryOff, make([]byte, conf.UsedHeaderLength))
		}
		if err == nil {
			err = H.store.Sync()
		}
		if err != nil {
			H.logger.Error("failed to remove recovery magic", zap.Error(err))
			H.needsRecovery = true
		}
	}

	H.endTransaction()
	transactionCancelTotal.Inc()

	return
}

// endTransaction - Restores the file methods and drops the transaction locks
func (H *HashDB) endTransaction() {
	H.store.SetMethods(nil)
	H.txn = nil

	if H.locker.HasExpansionLock() {
		_ = H.locker.UnlockExpand(lock.Write)
	}
	if ltype := H.locker.HasAllRecord(); ltype != lock.Unlocked {
		_ = H.locker.AllRecordUnlock(ltype)
	}
	_ = H.locker.UnlockTransaction(lock.Write)

	// A zone made by a cancelled transaction does not exist in the file
	H.store.Refresh()
	if H.zoneOff >= H.store.Size() {
		H.zoneOff = conf.HeaderLength
	}
}

// allocateRecovery - Chooses the record the log is written to. The current recovery record is reused if it
// is large enough. Otherwise a new one is carved from a new zone at the end of the view, so the log never
// overwrites anything the file held when the transaction started.
func (H *HashDB) allocateRecovery() (err error) {
	T := H.txn

	recOff, err := H.store.ReadOff(conf.RecoveryOffset)
	if err != nil {
		return
	}

	if recOff != 0 {
		var rec record.Used
		if rec, err = H.store.ReadUsed(recOff); err != nil {
			return
		}
		T.setRecovery(recOff, rec)
		if T.logEnd-T.logOff >= T.logSize() {
			return
		}

		// Too small, free it in the view
		T.setRecovery(0, record.Used{})
		if err = H.freeUsed(recOff, rec); err != nil {
			return
		}
		if err = H.store.WriteOff(conf.RecoveryOffset, 0); err != nil {
			return
		}
	}

	want := T.logSize()
	for {
		want *= 2
		var rec record.Used
		if recOff, rec, err = H.carveRecovery(want); err != nil {
			return
		}
		if err = H.store.WriteOff(conf.RecoveryOffset, recOff); err != nil {
			return
		}

		T.setRecovery(recOff, rec)
		if T.logEnd-T.logOff >= T.logSize() {
			return
		}

		// Carving dirtied more blocks than guessed, try again larger
		T.setRecovery(0, record.Used{})
		if err = H.freeUsed(recOff, rec); err != nil {
			return
		}
	}
}

// setRecovery - Records where the log goes for the recovery record rec at off, none if off is 0
func (T *transaction) setRecovery(off uint64, rec record.Used) {
	T.recoveryOff = off
	if off == 0 {
		T.logOff, T.logEnd = 0, 0
		return
	}
	T.logOff = off + conf.UsedHeaderLength + conf.RecoverySkip
	T.logEnd = off + conf.UsedHeaderLength + rec.DataArea()
}

// carveRecovery - Adds zones to the end of the view until one can hold a record with a log area of logLen
// bytes, and places the recovery record at the start of that zone
func (H *HashDB) carveRecovery(logLen uint64) (off uint64, rec record.Used, err error) {
	area := record.DataSize(0, conf.RecoverySkip+logLen)

	end, err := H.walkZones(nil)
	if err != nil {
		return
	}
	if end < H.store.Size() {
		if end, err = H.finishZone(end); err != nil {
			return
		}
	}

	for {
		zb := record.NextZoneBits(end - conf.HeaderLength)
		if zb > conf.MaxZoneBits {
			err = ecode.OutOfSpacef("no room for a recovery log of %d bytes in %s", logLen, H.name)
			return
		}
		if err = H.store.Expand(1 << zb); err != nil {
			return
		}
		hdr := record.ZoneHeaderLength(zb)

		if hdr+conf.UsedHeaderLength+area > 1<<zb {
			// Too small, a plain zone and on to the next
			if err = H.initZone(end, zb); err != nil {
				return
			}
			end += 1 << zb
			continue
		}

		words := make([]uint64, record.BucketsForZone(zb)+2)
		words[0] = uint64(zb)
		if err = H.store.WriteWords(end, words); err != nil {
			return
		}

		off = end + hdr
		rest := uint64(1)<<zb - hdr - conf.UsedHeaderLength - area
		if rest < conf.FreeHeaderLength {
			area += rest
			rest = 0
		}

		if rec, err = record.NewUsed(0, area, area, 0, zb); err != nil {
			return
		}
		if err = H.store.WriteUsed(off, rec); err != nil {
			return
		}
		if rest > 0 {
			err = H.addFreeRecord(zb, off+conf.UsedHeaderLength+area, rest)
		}
		expandTotal.Inc()

		return
	}
}

// applyEntries - Writes log entries to their place in the file
func (H *HashDB) applyEntries(list []logEntry) (err error) {
	base := H.store.Base()
	for _, e := range list {
		if err = base.Write(e.off, e.data); err != nil {
			return
		}
	}
	return
}

// writeBaseOff - Writes a word straight to the file, bypassing a transaction
func (H *HashDB) writeBaseOff(off, val uint64) error {
	buf := make([]byte, 8)
	H.store.Order().PutUint64(buf, val)
	return H.store.Base().Write(off, buf)
}

// readBaseOff - Reads a word straight from the file, bypassing a transaction
func (H *HashDB) readBaseOff(off uint64) (val uint64, err error) {
	buf := make([]byte, 8)
	if err = H.store.Base().Read(off, buf); err != nil {
		return
	}
	val = H.store.Order().Uint64(buf)
	return
}

// needsRecoveryCheck - Returns true if the file holds a valid recovery log, or a commit of this handle failed
func (H *HashDB) needsRecoveryCheck() (needs bool, err error) {
	if H.needsRecovery {
		return true, nil
	}
	if H.internal {
		return
	}

	recOff, err := H.readBaseOff(conf.RecoveryOffset)
	if err != nil || recOff == 0 {
		return
	}

	magic, err := H.readBaseOff(recOff + conf.UsedHeaderLength + conf.RecoverySkip)
	if err != nil {
		return
	}
	needs = magic == conf.RecoveryMagic

	return
}

// lockAndRecover - Replays the recovery log under the transaction lock and the allrecord write lock, which a
// committer holds for as long as its log is valid
func (H *HashDB) lockAndRecover() (err error) {
	if H.readOnly {
		err = ecode.Corruptf("%s needs recovery but is opened read only", H.name)
		H.logger.Error("recovery on read only handle")
		return
	}

	if err = H.locker.LockTransaction(lock.Write, lock.Wait); err != nil {
		return
	}
	defer func() {
		if unlockErr := H.locker.UnlockTransaction(lock.Write); err == nil {
			err = unlockErr
		}
	}()

	if err = H.locker.AllRecord(lock.Write, lock.Wait, false); err != nil {
		return
	}

	// The file may have been grown by the committer
	H.store.Refresh()

	err = H.recover()
	if unlockErr := H.locker.AllRecordUnlock(lock.Write); err == nil {
		err = unlockErr
	}

	return
}

// recover - Replays a valid recovery log, then invalidates it
func (H *HashDB) recover() (err error) {
	recOff, err := H.readBaseOff(conf.RecoveryOffset)
	if err != nil {
		return
	}
	if recOff == 0 {
		H.needsRecovery = false
		return
	}

	base := H.store.Base()
	buf := make([]byte, conf.UsedHeaderLength)
	if err = base.Read(recOff, buf); err != nil {
		return
	}
	rec := record.DecodeUsed(H.store.Order(), buf)
	if err = rec.Validate(recOff); err != nil {
		return
	}

	logOff := recOff + conf.UsedHeaderLength + conf.RecoverySkip
	hdr := make([]byte, conf.RecoveryHeaderLength)
	if err = base.Read(logOff, hdr); err != nil {
		return
	}
	order := H.store.Order()

	// Someone else recovered already
	if order.Uint64(hdr[0:]) != conf.RecoveryMagic {
		H.needsRecovery = false
		return
	}

	bodyLen := order.Uint64(hdr[8:])
	eof := order.Uint64(hdr[16:])
	if conf.RecoverySkip+conf.RecoveryHeaderLength+bodyLen > rec.DataArea() {
		err = ecode.Corruptf("recovery log of %d bytes overruns recovery record at %d", bodyLen, recOff)
		H.logger.Error("bad recovery log", zap.Error(err))
		return
	}

	body := make([]byte, bodyLen)
	if err = base.Read(logOff+conf.RecoveryHeaderLength, body); err != nil {
		return
	}
	if uint64(crc32.ChecksumIEEE(body)) != order.Uint64(hdr[24:]) {
		err = ecode.Corruptf("recovery log checksum mismatch at %d", logOff)
		H.logger.Error("bad recovery log", zap.Error(err))
		return
	}

	if size := base.Size(); eof > size {
		if err = base.Expand(eof - size); err != nil {
			return
		}
	}

	for p := uint64(0); p < bodyLen; {
		if p+16 > bodyLen {
			err = ecode.Corruptf("truncated recovery log entry at %d", p)
			return
		}
		off := order.Uint64(body[p:])
		n := order.Uint64(body[p+8:])
		p += 16
		if p+n > bodyLen || off+n > eof {
			err = ecode.Corruptf("recovery log entry of %d bytes at %d out of range", n, off)
			return
		}
		if err = base.Write(off, body[p:p+n]); err != nil {
			return
		}
		p += n
	}

	if err = H.store.Sync(); err != nil {
		return
	}
	if err = H.writeBaseOff(logOff, conf.RecoveryInvalidMagic); err != nil {
		return
	}
	if err = H.store.Sync(); err != nil {
		return
	}

	H.needsRecovery = false
	recoveryTotal.Inc()
	H.logger.Warn("recovered interrupted commit", zap.Uint64("recovery", recOff), zap.Uint64("eof", eof))

	return
}
