package hashdb

import (
	"fmt"
	"strings"

	"github.com/gostonefire/hashdb/ecode"
	"github.com/gostonefire/hashdb/internal/conf"
	"github.com/gostonefire/hashdb/internal/lock"
	"github.com/gostonefire/hashdb/internal/record"
	"go.uber.org/zap"
)

// StoreFlag - Tells Store how to treat an existing or missing key
type StoreFlag int

const (
	// Replace stores the record whether the key exists or not
	Replace StoreFlag = iota
	// Insert fails with ecode.Exists if the key exists
	Insert
	// Modify fails with ecode.NoExist if the key does not exist
	Modify
)

// String - Returns the flag name
func (S StoreFlag) String() string {
	switch S {
	case Replace:
		return "replace"
	case Insert:
		return "insert"
	case Modify:
		return "modify"
	}
	return fmt.Sprintf("StoreFlag(%d)", int(S))
}

// unlockHash - Releases the hash range locked by findAndLock
func (H *HashDB) unlockHash(h *hashInfo, ltype lock.Type) error {
	return H.locker.UnlockHashes(h.hlockStart, h.hlockRange, ltype)
}

// Fetch - Gets the data stored under key.
//   - key is the identifier of a record, any length including zero
//
// It returns:
//   - data is a copy of the stored data
//   - err is ecode.NoExist if the key is not stored, otherwise nil or another ecode kind
func (H *HashDB) Fetch(key []byte) (data []byte, err error) {
	if err = H.enter(); err != nil {
		return
	}
	defer H.mu.Unlock()

	var h hashInfo
	off, rec, err := H.findAndLock(key, lock.Read, &h, nil)
	if err != nil {
		return
	}

	if off == 0 {
		err = ecode.NoExist{}
	} else {
		data, err = H.store.AllocRead(off+conf.UsedHeaderLength+rec.KeyLength(), rec.DataLength())
		fetchTotal.Inc()
	}

	if unlockErr := H.unlockHash(&h, lock.Read); err == nil {
		err = unlockErr
	}

	return
}

// Exists - Returns true if key is stored
func (H *HashDB) Exists(key []byte) (exists bool, err error) {
	if err = H.enter(); err != nil {
		return
	}
	defer H.mu.Unlock()

	var h hashInfo
	off, _, err := H.findAndLock(key, lock.Read, &h, nil)
	if err != nil {
		return
	}
	exists = off != 0

	err = H.unlockHash(&h, lock.Read)

	return
}

// Store - Stores data under key.
//   - key is the identifier of a record, any length including zero
//   - data is the value, any length including zero
//   - flag is one of Replace, Insert or Modify
//
// It returns:
//   - err is nil on success, ecode.Exists or ecode.NoExist when refused by flag, ecode.ReadOnly for read
//     only handles, ecode.OutOfSpace when the file can not grow further
func (H *HashDB) Store(key, data []byte, flag StoreFlag) (err error) {
	if err = H.enter(); err != nil {
		return
	}
	defer H.mu.Unlock()

	if err = H.writable(); err != nil {
		return
	}
	if flag < Replace || flag > Modify {
		err = ecode.Invalidf("unknown store flag %d", int(flag))
		return
	}

	var h hashInfo
	off, rec, err := H.findAndLock(key, lock.Write, &h, nil)
	if err != nil {
		return
	}
	defer func() {
		if unlockErr := H.unlockHash(&h, lock.Write); err == nil {
			err = unlockErr
		}
	}()

	// Check validity of the request against what is there
	if off != 0 && flag == Insert {
		err = ecode.Exists{}
		return
	}
	if off == 0 && flag == Modify {
		err = ecode.NoExist{}
		return
	}

	if off != 0 {
		// Fits in place, the key stays where it is
		if rec.DataLength()+rec.ExtraPadding() >= uint64(len(data)) {
			if err = H.rewriteInPlace(off, rec, &h, uint64(len(key)), data); err == nil {
				storeTotal.Inc()
			}
			return
		}
	}

	if err = H.storeNew(&h, off, rec, key, data, false); err == nil {
		storeTotal.Inc()
	}

	return
}

// Append - Appends data to the data stored under key, storing it if the key does not exist. Records that are
// appended to get extra room when they move.
func (H *HashDB) Append(key, data []byte) (err error) {
	if err = H.enter(); err != nil {
		return
	}
	defer H.mu.Unlock()

	if err = H.writable(); err != nil {
		return
	}

	var h hashInfo
	off, rec, err := H.findAndLock(key, lock.Write, &h, nil)
	if err != nil {
		return
	}
	defer func() {
		if unlockErr := H.unlockHash(&h, lock.Write); err == nil {
			err = unlockErr
		}
	}()

	newData := data
	if off != 0 {
		// Room left in the padding, just write after the old data
		if rec.ExtraPadding() >= uint64(len(data)) {
			var newRec record.Used
			newRec, err = record.NewUsed(rec.KeyLength(), rec.DataLength()+uint64(len(data)), rec.DataArea(), h.h, rec.ZoneBits())
			if err != nil {
				return
			}
			if err = H.store.Write(off+conf.UsedHeaderLength+rec.KeyLength()+rec.DataLength(), data); err != nil {
				return
			}
			if err = H.store.WriteUsed(off, newRec); err == nil {
				storeTotal.Inc()
			}
			return
		}

		var old []byte
		if old, err = H.store.AllocRead(off+conf.UsedHeaderLength+rec.KeyLength(), rec.DataLength()); err != nil {
			return
		}
		newData = append(old, data...)
	}

	if err = H.storeNew(&h, off, rec, key, newData, true); err == nil {
		storeTotal.Inc()
	}

	return
}

// rewriteInPlace - Writes new data over the record at off, keeping the key and the data area
func (H *HashDB) rewriteInPlace(off uint64, rec record.Used, h *hashInfo, keyLen uint64, data []byte) (err error) {
	newRec, err := record.NewUsed(keyLen, uint64(len(data)), rec.DataArea(), h.h, rec.ZoneBits())
	if err != nil {
		return
	}

	if err = H.store.Write(off+conf.UsedHeaderLength+keyLen, data); err != nil {
		return
	}

	return H.store.WriteUsed(off, newRec)
}

// storeNew - Writes key and data to a new record and points the hash at it, freeing the old record if
// there was one. The hash range of the key must be write locked.
//   - h is the position found by findAndLock
//   - oldOff and oldRec are the current record of the key, oldOff is 0 if none
//   - growing asks for extra room
func (H *HashDB) storeNew(h *hashInfo, oldOff uint64, oldRec record.Used, key, data []byte, growing bool) (err error) {
	newOff, err := H.alloc(uint64(len(key)), uint64(len(data)), h.h, growing)
	if err != nil {
		return
	}

	buf := make([]byte, len(key)+len(data))
	copy(buf, key)
	copy(buf[len(key):], data)
	if err = H.store.Write(newOff+conf.UsedHeaderLength, buf); err != nil {
		return
	}

	if oldOff == 0 {
		return H.addToHash(h, newOff)
	}

	if err = H.replaceInHash(h, newOff); err != nil {
		return
	}

	return H.freeUsed(oldOff, oldRec)
}

// Delete - Removes key and its data
//   - key is the identifier of a record
//
// It returns:
//   - err is ecode.NoExist if the key is not stored, ecode.ReadOnly for read only handles
func (H *HashDB) Delete(key []byte) (err error) {
	if err = H.enter(); err != nil {
		return
	}
	defer H.mu.Unlock()

	return H.delete(key)
}

// delete - Removes key, the handle mutex must be held
func (H *HashDB) delete(key []byte) (err error) {
	if err = H.writable(); err != nil {
		return
	}

	var h hashInfo
	off, rec, err := H.findAndLock(key, lock.Write, &h, nil)
	if err != nil {
		return
	}
	defer func() {
		if unlockErr := H.unlockHash(&h, lock.Write); err == nil {
			err = unlockErr
		}
	}()

	if off == 0 {
		err = ecode.NoExist{}
		return
	}

	if err = H.deleteFromHash(&h); err != nil {
		return
	}
	if err = H.freeUsed(off, rec); err != nil {
		return
	}
	deleteTotal.Inc()

	return
}

// lockAll - Takes the allrecord lock, checking for an interrupted commit if it is the first lock held
func (H *HashDB) lockAll(ltype lock.Type) (err error) {
	check := H.txn == nil && !H.internal && !H.locker.HasLocks()

	if err = H.locker.AllRecord(ltype, lock.Wait, false); err != nil || !check {
		return
	}

	needs, err := H.needsRecoveryCheck()
	if err != nil || !needs {
		if err != nil {
			_ = H.locker.AllRecordUnlock(ltype)
		}
		return
	}

	if err = H.locker.AllRecordUnlock(ltype); err != nil {
		return
	}
	if err = H.lockAndRecover(); err != nil {
		return
	}

	return H.locker.AllRecord(ltype, lock.Wait, false)
}

// LockAll - Write locks the whole database for this handle. Operations on the handle still work while
// everyone else is kept out. Calls nest and must be balanced by UnlockAll.
func (H *HashDB) LockAll() (err error) {
	if err = H.enter(); err != nil {
		return
	}
	defer H.mu.Unlock()

	if err = H.writable(); err != nil {
		return
	}

	return H.lockAll(lock.Write)
}

// UnlockAll - Releases a LockAll
func (H *HashDB) UnlockAll() (err error) {
	if err = H.enter(); err != nil {
		return
	}
	defer H.mu.Unlock()

	return H.locker.AllRecordUnlock(lock.Write)
}

// LockAllRead - Read locks the whole database, other handles can read but not write. Calls nest and must be
// balanced by UnlockAllRead.
func (H *HashDB) LockAllRead() (err error) {
	if err = H.enter(); err != nil {
		return
	}
	defer H.mu.Unlock()

	return H.lockAll(lock.Read)
}

// UnlockAllRead - Releases a LockAllRead
func (H *HashDB) UnlockAllRead() (err error) {
	if err = H.enter(); err != nil {
		return
	}
	defer H.mu.Unlock()

	// Inside a transaction the allrecord lock is held as a write lock locally
	if H.locker.HasAllRecord() == lock.Write {
		return H.locker.AllRecordUnlock(lock.Write)
	}

	return H.locker.AllRecordUnlock(lock.Read)
}

// Stats - Figures about the space used in a database
//   - Size is the file size
//   - Zones is the number of zones
//   - Records is the number of key/data records and KeyBytes, DataBytes and PaddingBytes their content
//   - HashTables is the number of sub hash tables and HashDepth the deepest level reached
//   - FreeRecords is the number of free records, FreeBytes their total length including headers
//   - RecoveryBytes is the length of the recovery record, 0 if there is none
//   - Overhead is the bytes taken by the file header, zone headers and record headers
type Stats struct {
	Size          uint64
	Zones         int
	Records       int
	KeyBytes      uint64
	DataBytes     uint64
	PaddingBytes  uint64
	HashTables    int
	HashDepth     int
	FreeRecords   int
	FreeBytes     uint64
	RecoveryBytes uint64
	Overhead      uint64
}

// Stats - Walks the hash tree and every zone under a read lock over the whole database and sums up the
// space used. On a large file this reads all of it.
func (H *HashDB) Stats() (stats Stats, err error) {
	if err = H.enter(); err != nil {
		return
	}
	defer H.mu.Unlock()

	if err = H.lockAll(lock.Read); err != nil {
		return
	}
	defer func() {
		if unlockErr := H.locker.AllRecordUnlock(H.locker.HasAllRecord()); err == nil {
			err = unlockErr
		}
	}()

	tree, err := H.walkHash()
	if err != nil {
		return
	}
	recOff, err := H.store.ReadOff(conf.RecoveryOffset)
	if err != nil {
		return
	}

	stats.Size = H.store.Size()
	stats.HashTables = len(tree.tables)
	stats.HashDepth = tree.depth
	stats.Overhead = conf.HeaderLength

	_, err = H.walkZones(func(zoneOff uint64, zoneBits uint) error {
		stats.Zones++
		hdr := record.ZoneHeaderLength(zoneBits)
		stats.Overhead += hdr

		return H.walkRecords(zoneOff, zoneBits, func(off uint64, used *record.Used, free *record.Free) error {
			if free != nil {
				stats.FreeRecords++
				stats.FreeBytes += free.Length()
				return nil
			}

			stats.Overhead += conf.UsedHeaderLength
			switch {
			case off == recOff:
				stats.RecoveryBytes = used.Length()
			case tree.tables[off]:
				stats.Overhead += used.DataArea()
			default:
				stats.Records++
				stats.KeyBytes += used.KeyLength()
				stats.DataBytes += used.DataLength()
				stats.PaddingBytes += used.ExtraPadding()
			}
			return nil
		})
	})

	return
}

// Summary - Returns Stats as readable text
func (H *HashDB) Summary() (summary string, err error) {
	stats, err := H.Stats()
	if err != nil {
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Size of file: %d\n", stats.Size)
	fmt.Fprintf(&b, "Number of zones: %d\n", stats.Zones)
	fmt.Fprintf(&b, "Number of records: %d\n", stats.Records)
	fmt.Fprintf(&b, "Bytes of keys/data/padding: %d/%d/%d\n", stats.KeyBytes, stats.DataBytes, stats.PaddingBytes)
	fmt.Fprintf(&b, "Number of sub hash tables: %d (depth %d)\n", stats.HashTables, stats.HashDepth)
	fmt.Fprintf(&b, "Number of free records: %d (%d bytes)\n", stats.FreeRecords, stats.FreeBytes)
	fmt.Fprintf(&b, "Recovery area: %d\n", stats.RecoveryBytes)
	fmt.Fprintf(&b, "Overhead: %d\n", stats.Overhead)
	if stats.Size > 0 {
		fmt.Fprintf(&b, "Percentage keys/data/free/overhead: %.0f/%.0f/%.0f/%.0f\n",
			pct(stats.KeyBytes, stats.Size), pct(stats.DataBytes, stats.Size),
			pct(stats.FreeBytes, stats.Size), pct(stats.Overhead, stats.Size))
	}
	summary = b.String()

	H.logger.Debug("summary", zap.Int("records", stats.Records), zap.Uint64("size", stats.Size))

	return
}

// pct - Returns part as a percentage of whole
func pct(part, whole uint64) float64 {
	return float64(part) * 100 / float64(whole)
}
