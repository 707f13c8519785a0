package hashdb

import (
	"github.com/gostonefire/hashdb/ecode"
	"github.com/gostonefire/hashdb/internal/conf"
	"github.com/gostonefire/hashdb/internal/lock"
	"github.com/gostonefire/hashdb/internal/record"
)

// topLevelGroups - Number of groups in the top level hash table
const topLevelGroups = 1 << (conf.TopLevelHashBits - conf.HashGroupBits)

// iterateHash - Finds the next record from the cursor position within the current top level group.
// A record equal to the one returned last is passed over, so deleting it before stepping does not make
// the traversal skip the entry moved into its place. Records already returned from the group are passed
// over too, as the delete may move an entry from a visited bucket into one not yet visited.
//
// It returns:
//   - off is the record offset, 0 when the group holds no more
//   - err is an ecode error
func (H *HashDB) iterateHash(tinfo *traverseInfo) (off uint64, err error) {
	tlevel := &tinfo.levels[tinfo.numLevels-1]

again:
	var i int
	total := int(tlevel.totalBuckets)
	for i, err = H.store.FindNonZeroOff(tlevel.hashtable, int(tlevel.entry), total); err == nil && i != total; i, err = H.store.FindNonZeroOff(tlevel.hashtable, i+1, total) {
		var val uint64
		if val, err = H.store.ReadOff(tlevel.hashtable + uint64(i)*8); err != nil {
			return
		}
		slot := record.Slot(val)

		if slot.Offset() == tinfo.prev {
			continue
		}
		tlevel.entry = uint64(i)

		if !slot.IsSubHash() {
			if !tinfo.returned(slot.Offset()) {
				continue
			}
			off = slot.Offset()
			tinfo.prev = off
			return
		}

		// When coming back, use the next one
		if tinfo.numLevels == conf.MaxLevels {
			err = ecode.Corruptf("hash tree deeper than %d levels", conf.MaxLevels)
			return
		}
		tlevel.entry++
		tinfo.numLevels++
		tlevel = &tinfo.levels[tinfo.numLevels-1]
		*tlevel = traverseLevel{
			hashtable:    slot.Offset() + conf.UsedHeaderLength,
			entry:        0,
			totalBuckets: 1 << conf.SubLevelHashBits,
		}
		goto again
	}
	if err != nil {
		return
	}

	// Nothing left at the top level of this group
	if tinfo.numLevels == 1 {
		return
	}

	// Back up and keep going
	tinfo.numLevels--
	tlevel = &tinfo.levels[tinfo.numLevels-1]
	goto again
}

// nextInHash - Moves the cursor to the next record, one top level group at a time
//   - tinfo is the cursor
//   - withData also reads the data of the record
//
// It returns:
//   - key and data are copies of the record found
//   - ok is false when the traversal is done
//   - err is an ecode error
func (H *HashDB) nextInHash(tinfo *traverseInfo, withData bool) (key, data []byte, ok bool, err error) {
	for tinfo.toplevelGroup < topLevelGroups {
		start, length := hlockRange(tinfo.toplevelGroup)
		if err = H.lockHashes(start, length, lock.Read); err != nil {
			return
		}

		var off uint64
		off, err = H.iterateHash(tinfo)
		if err == nil && off != 0 {
			key, data, err = H.readRecord(off, withData)
			ok = err == nil
		}

		if unlockErr := H.locker.UnlockHashes(start, length, lock.Read); err == nil {
			err = unlockErr
		}
		if err != nil || ok {
			return
		}

		tinfo.toplevelGroup++
		tinfo.levels[0].hashtable += groupBytes
		tinfo.levels[0].entry = 0
		clear(tinfo.seen)
	}

	return
}

// firstInHash - Resets the cursor and moves it to the first record
func (H *HashDB) firstInHash(tinfo *traverseInfo, withData bool) (key, data []byte, ok bool, err error) {
	*tinfo = traverseInfo{numLevels: 1}
	tinfo.levels[0] = traverseLevel{
		hashtable:    conf.HashTableOffset,
		entry:        0,
		totalBuckets: conf.GroupSize,
	}

	return H.nextInHash(tinfo, withData)
}

// readRecord - Returns copies of the key and, if asked for, the data of the record at off
func (H *HashDB) readRecord(off uint64, withData bool) (key, data []byte, err error) {
	rec, err := H.store.ReadUsed(off)
	if err != nil {
		return
	}
	if err = rec.Validate(off); err != nil {
		return
	}

	n := rec.KeyLength()
	if withData {
		n += rec.DataLength()
	}

	buf, err := H.store.AllocRead(off+conf.UsedHeaderLength, n)
	if err != nil {
		return
	}
	key = buf[:rec.KeyLength():rec.KeyLength()]
	if withData {
		data = buf[rec.KeyLength():]
	}

	return
}

// Cursor - Walks all records of a database. No lock is held between steps, so records stored or deleted by
// others meanwhile may or may not be seen, but every record present for the whole walk is returned.
type Cursor struct {
	H       *HashDB
	tinfo   traverseInfo
	started bool
	done    bool
}

// Cursor - Returns a new cursor positioned before the first record
func (H *HashDB) Cursor() *Cursor {
	return &Cursor{H: H}
}

// First - Moves to the first record
//
// It returns:
//   - key and data are copies of the record
//   - ok is false if the database is empty
//   - err is an ecode error
func (C *Cursor) First() (key, data []byte, ok bool, err error) {
	if err = C.H.enter(); err != nil {
		return
	}
	defer C.H.mu.Unlock()

	C.started = true
	key, data, ok, err = C.H.firstInHash(&C.tinfo, true)
	C.done = err == nil && !ok

	return
}

// Next - Moves to the next record, the first one if First was never called
func (C *Cursor) Next() (key, data []byte, ok bool, err error) {
	if !C.started {
		return C.First()
	}
	if C.done {
		return
	}

	if err = C.H.enter(); err != nil {
		return
	}
	defer C.H.mu.Unlock()

	key, data, ok, err = C.H.nextInHash(&C.tinfo, true)
	C.done = err == nil && !ok

	return
}

// FirstKey - Returns the first key in traversal order, ecode.NoExist if the database is empty
func (H *HashDB) FirstKey() (key []byte, err error) {
	if err = H.enter(); err != nil {
		return
	}
	defer H.mu.Unlock()

	var tinfo traverseInfo
	key, _, ok, err := H.firstInHash(&tinfo, false)
	if err == nil && !ok {
		err = ecode.NoExist{}
	}

	return
}

// NextKey - Returns the key following key in traversal order, ecode.NoExist after the last one. If key is
// not stored, the walk resumes from where it would be.
func (H *HashDB) NextKey(key []byte) (next []byte, err error) {
	if err = H.enter(); err != nil {
		return
	}
	defer H.mu.Unlock()

	var tinfo traverseInfo
	var h hashInfo
	off, _, err := H.findAndLock(key, lock.Read, &h, &tinfo)
	if err != nil {
		return
	}
	tinfo.prev = off
	if err = H.unlockHash(&h, lock.Read); err != nil {
		return
	}

	next, _, ok, err := H.nextInHash(&tinfo, false)
	if err == nil && !ok {
		err = ecode.NoExist{}
	}

	return
}

// Traverse - Calls fn for every record, stopping early when fn returns false. fn is called without any
// lock held and may use the handle, deleting the record it was given included.
//   - fn receives copies of key and data
//
// It returns:
//   - count is the number of records fn was called for
//   - err is an ecode error
func (H *HashDB) Traverse(fn func(key, data []byte) bool) (count int, err error) {
	cur := H.Cursor()

	key, data, ok, err := cur.First()
	for ; err == nil && ok; key, data, ok, err = cur.Next() {
		count++
		if fn != nil && !fn(key, data) {
			return
		}
	}

	return
}
