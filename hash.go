package hashdb

import (
	"bytes"

	"github.com/gostonefire/hashdb/ecode"
	"github.com/gostonefire/hashdb/internal/conf"
	"github.com/gostonefire/hashdb/internal/lock"
	"github.com/gostonefire/hashdb/internal/record"
	"go.uber.org/zap"
)

// groupBytes - Length of a hash group in the file
const groupBytes = conf.GroupSize * 8

// hashInfo - Where a key lives, or would live, in the hash tree
//   - h is the full hash of the key
//   - groupStart is the file offset of the group holding the key
//   - homeBucket is the bucket within the group the key hashes to
//   - foundBucket is the bucket the key was found in, or the first empty bucket probed
//   - hashUsed is the number of hash bits consumed to reach the group
//   - group is a copy of the group slots
//   - hlockStart and hlockRange are the hash range locked while the group is used
type hashInfo struct {
	h           uint64
	groupStart  uint64
	homeBucket  uint64
	foundBucket uint64
	hashUsed    uint
	group       [conf.GroupSize]record.Slot
	hlockStart  uint64
	hlockRange  uint64
}

// traverseLevel - Position within one level of the hash tree
type traverseLevel struct {
	hashtable    uint64
	entry        uint64
	totalBuckets uint64
}

// traverseInfo - Cursor state of a traversal, a stack of levels from the top level group down
//   - prev is the record returned last
//   - seen holds the records returned from the current top level group
type traverseInfo struct {
	levels        [conf.MaxLevels]traverseLevel
	numLevels     int
	toplevelGroup uint64
	prev          uint64
	seen          map[uint64]struct{}
}

// returned - Marks the record at off as returned, reporting false if it already was
func (T *traverseInfo) returned(off uint64) (first bool) {
	if _, ok := T.seen[off]; ok {
		return
	}
	if T.seen == nil {
		T.seen = make(map[uint64]struct{}, conf.GroupSize)
	}
	T.seen[off] = struct{}{}

	return true
}

// hashKey - Hashes key with the file seed
func (H *HashDB) hashKey(key []byte) uint64 {
	return H.hash(key, H.seed)
}

// hlockRange - Returns the hash range locked for a top level group
func hlockRange(group uint64) (start, length uint64) {
	const shift = 64 - (conf.TopLevelHashBits - conf.HashGroupBits)
	start = group << shift
	length = 1 << shift
	return
}

// lockHashes - Locks a hash range. The first lock a handle takes is the point where a crashed commit by
// another process is noticed, so the recovery log is checked then.
func (H *HashDB) lockHashes(start, length uint64, ltype lock.Type) (err error) {
	check := H.txn == nil && !H.internal && !H.locker.HasLocks()

	if err = H.locker.LockHashes(start, length, ltype, lock.Wait); err != nil || !check {
		return
	}

	needs, err := H.needsRecoveryCheck()
	if err != nil || !needs {
		if err != nil {
			_ = H.locker.UnlockHashes(start, length, ltype)
		}
		return
	}

	if err = H.locker.UnlockHashes(start, length, ltype); err != nil {
		return
	}
	if err = H.lockAndRecover(); err != nil {
		return
	}

	return H.locker.LockHashes(start, length, ltype, lock.Wait)
}

// findAndLock - Locks the hash range of key and looks it up
//   - key is the key to find
//   - ltype is the lock type to take on the hash range
//   - h receives the position of the key
//   - tinfo, if not nil, receives the traversal position of the key
//
// It returns:
//   - off is the offset of the record, 0 if not found (h then tells where it would go)
//   - rec is the header of the record found
//   - err is an ecode error, in which case no lock is held. Otherwise the hash range stays locked.
func (H *HashDB) findAndLock(key []byte, ltype lock.Type, h *hashInfo, tinfo *traverseInfo) (off uint64, rec record.Used, err error) {
	h.h = H.hashKey(key)
	h.hashUsed = 0
	group := record.UseBits(h.h, conf.TopLevelHashBits-conf.HashGroupBits, &h.hashUsed)
	h.homeBucket = record.UseBits(h.h, conf.HashGroupBits, &h.hashUsed)

	h.hlockStart, h.hlockRange = hlockRange(group)
	if err = H.lockHashes(h.hlockStart, h.hlockRange, ltype); err != nil {
		return
	}

	hashtable := conf.HashTableOffset
	if tinfo != nil {
		tinfo.toplevelGroup = group
		tinfo.numLevels = 1
		tinfo.levels[0] = traverseLevel{
			hashtable:    hashtable + group*groupBytes,
			entry:        0,
			totalBuckets: conf.GroupSize,
		}
	}

	for h.hashUsed <= 64 {
		h.groupStart = hashtable + group*groupBytes
		var slots []record.Slot
		if slots, err = H.store.ReadSlots(h.groupStart, conf.GroupSize); err != nil {
			break
		}
		copy(h.group[:], slots)

		// Pointer to another hash table, go down
		if h.group[h.homeBucket].IsSubHash() {
			hashtable = h.group[h.homeBucket].Offset() + conf.UsedHeaderLength
			if tinfo != nil {
				// When coming back, use the next bucket
				tinfo.levels[tinfo.numLevels-1].entry += h.homeBucket + 1
			}
			group = record.UseBits(h.h, conf.SubLevelHashBits-conf.HashGroupBits, &h.hashUsed)
			h.homeBucket = record.UseBits(h.h, conf.HashGroupBits, &h.hashUsed)
			if tinfo != nil {
				if tinfo.numLevels == conf.MaxLevels {
					err = ecode.Corruptf("hash tree deeper than %d levels", conf.MaxLevels)
					break
				}
				tinfo.levels[tinfo.numLevels] = traverseLevel{
					hashtable:    hashtable,
					entry:        group << conf.HashGroupBits,
					totalBuckets: 1 << conf.SubLevelHashBits,
				}
				tinfo.numLevels++
			}
			continue
		}

		// It is in this group, search until empty or all searched
		h.foundBucket = h.homeBucket
		for i := uint64(0); i < conf.GroupSize; i++ {
			b := (h.homeBucket + i) % conf.GroupSize
			slot := h.group[b]
			if slot.IsSubHash() {
				continue
			}
			if slot.IsEmpty() {
				h.foundBucket = b
				break
			}

			var matched bool
			if matched, rec, err = H.match(key, h, slot); err != nil {
				break
			}
			if matched {
				h.foundBucket = b
				if tinfo != nil {
					tinfo.levels[tinfo.numLevels-1].entry += b
				}
				off = slot.Offset()
				return
			}
		}
		if err != nil {
			break
		}

		return
	}

	if err == nil {
		err = ecode.Corruptf("hash tree of %s deeper than the hash", H.name)
	}
	H.logger.Error("lookup failed", zap.Error(err))
	_ = H.locker.UnlockHashes(h.hlockStart, h.hlockRange, ltype)

	return
}

// match - Returns true if slot refers to the record of key, checking the cheap hash bits first
func (H *HashDB) match(key []byte, h *hashInfo, slot record.Slot) (ok bool, rec record.Used, err error) {
	if slot.HomeBucket() != h.homeBucket {
		return
	}

	if slot.Extra() != record.ExtraBits(h.h, h.hashUsed) {
		return
	}

	off := slot.Offset()
	if rec, err = H.store.ReadUsed(off); err != nil {
		return
	}

	if !rec.HashMatches(h.h) || rec.KeyLength() != uint64(len(key)) {
		return
	}

	stored, err := H.store.Access(off+conf.UsedHeaderLength, rec.KeyLength())
	if err != nil {
		return
	}
	ok = bytes.Equal(stored, key)

	return
}

// hashRecord - Returns the hash of the key of the record at off
func (H *HashDB) hashRecord(off uint64) (h uint64, err error) {
	rec, err := H.store.ReadUsed(off)
	if err != nil {
		return
	}

	key, err := H.store.Access(off+conf.UsedHeaderLength, rec.KeyLength())
	if err != nil {
		return
	}
	h = H.hashKey(key)

	return
}

// encodeOffset - Returns the slot for a record at off placed according to h
func encodeOffset(off uint64, h *hashInfo) record.Slot {
	return record.EncodeSlot(off, h.homeBucket, h.h, h.hashUsed)
}

// replaceInHash - Points the found slot at a new record for the same key
func (H *HashDB) replaceInHash(h *hashInfo, newOff uint64) error {
	return H.store.WriteOff(h.groupStart+h.foundBucket*8, uint64(encodeOffset(newOff, h)))
}

// addToHash - Adds a record for a key that was not found, expanding the group into a sub hash table
// when it is full
func (H *HashDB) addToHash(h *hashInfo, newOff uint64) (err error) {
	// Hit an empty bucket during search, that is where it goes
	if h.group[h.foundBucket].IsEmpty() {
		h.group[h.foundBucket] = encodeOffset(newOff, h)
		return H.store.WriteOff(h.groupStart+h.foundBucket*8, uint64(h.group[h.foundBucket]))
	}

	// Full, expand
	if err = H.expandGroup(h); err != nil {
		return
	}

	if h.group[h.homeBucket].IsSubHash() {
		// Expanded under our own bucket, write back the group and move down a level
		if err = H.store.WriteSlots(h.groupStart, h.group[:]); err != nil {
			return
		}

		hashtable := h.group[h.homeBucket].Offset() + conf.UsedHeaderLength
		gnum := record.UseBits(h.h, conf.SubLevelHashBits-conf.HashGroupBits, &h.hashUsed)
		h.homeBucket = record.UseBits(h.h, conf.HashGroupBits, &h.hashUsed)
		h.groupStart = hashtable + gnum*groupBytes

		var slots []record.Slot
		if slots, err = H.store.ReadSlots(h.groupStart, conf.GroupSize); err != nil {
			return
		}
		copy(h.group[:], slots)
	}

	if record.PutIntoGroup(h.group[:], h.homeBucket, encodeOffset(newOff, h)) {
		return H.store.WriteSlots(h.groupStart, h.group[:])
	}

	// Every entry (and this one) fell into the same group of the sub hash table
	h.foundBucket = h.homeBucket
	return H.addToHash(h, newOff)
}

// fullestBucket - Returns the bucket most entries of the group belong to, preferring newBucket on ties
func fullestBucket(group []record.Slot, newBucket uint64) uint64 {
	var counts [conf.GroupSize]int
	best, bestCount := newBucket, 0

	for _, s := range group {
		if s.IsEmpty() || s.IsSubHash() {
			continue
		}
		b := s.HomeBucket()
		counts[b]++
		if counts[b] > bestCount {
			best, bestCount = b, counts[b]
		}
	}

	// Reward the bucket of the new entry
	if counts[newBucket]+1 > bestCount {
		best = newBucket
	}

	return best
}

// expandGroup - Replaces the fullest bucket of a full group with a sub hash table and moves the entries
// belonging to that bucket into it. Entries sitting outside their home bucket are put back so that probing
// still finds them.
func (H *HashDB) expandGroup(h *hashInfo) (err error) {
	if h.hashUsed+conf.SubLevelHashBits > 64 {
		err = ecode.OutOfSpacef("hash group full with all hash bits used")
		H.logger.Error("hash tree exhausted", zap.Uint64("group", h.groupStart))
		return
	}

	bucket := fullestBucket(h.group[:], h.homeBucket)

	subhash, err := H.alloc(0, conf.SubHashTableLength, 0, false)
	if err != nil {
		return
	}
	if err = H.store.ZeroOut(subhash+conf.UsedHeaderLength, conf.SubHashTableLength); err != nil {
		return
	}

	// Remove any which are destined for bucket or are in the wrong place
	var vals []record.Slot
	for i := range h.group {
		s := h.group[i]
		if s.IsEmpty() || s.IsSubHash() {
			continue
		}
		if s.HomeBucket() == bucket || s.HomeBucket() != uint64(i) {
			vals = append(vals, s)
			h.group[i] = 0
		}
	}

	h.group[bucket] = record.SubHashSlot(subhash)
	subhash += conf.UsedHeaderLength

	// Put values back
	for _, v := range vals {
		if v.HomeBucket() == bucket {
			if err = H.addToSubhash(subhash, h.hashUsed, v); err != nil {
				return
			}
			continue
		}
		if !record.PutIntoGroup(h.group[:], v.HomeBucket(), v) {
			err = ecode.Corruptf("no room to put back entry 0x%x in group at %d", uint64(v), h.groupStart)
			return
		}
	}

	return
}

// addToSubhash - Places an existing entry into a new sub hash table, rehashing its key to find the group
func (H *HashDB) addToSubhash(subhash uint64, hashUsed uint, val record.Slot) (err error) {
	off := val.Offset()
	h := hashInfo{hashUsed: hashUsed}

	if h.h, err = H.hashRecord(off); err != nil {
		return
	}

	gnum := record.UseBits(h.h, conf.SubLevelHashBits-conf.HashGroupBits, &h.hashUsed)
	h.groupStart = subhash + gnum*groupBytes
	h.homeBucket = record.UseBits(h.h, conf.HashGroupBits, &h.hashUsed)

	group, err := H.store.ReadSlots(h.groupStart, conf.GroupSize)
	if err != nil {
		return
	}
	if !record.PutIntoGroup(group, h.homeBucket, encodeOffset(off, &h)) {
		err = ecode.Corruptf("sub hash group at %d full", h.groupStart)
		return
	}

	return H.store.WriteSlots(h.groupStart, group)
}

// deleteFromHash - Clears the found slot and re-places entries after it that were displaced from their
// home bucket, so that probing never stops early at the hole
func (H *HashDB) deleteFromHash(h *hashInfo) error {
	var movers []record.Slot

	h.group[h.foundBucket] = 0
	for i := uint64(1); i < conf.GroupSize; i++ {
		b := (h.foundBucket + i) % conf.GroupSize
		s := h.group[b]

		// Empty bucket, done
		if s.IsEmpty() {
			break
		}
		if s.IsSubHash() {
			continue
		}

		// Not happy where it is, move it
		if s.HomeBucket() != b {
			movers = append(movers, s)
			h.group[b] = 0
		}
	}

	for _, m := range movers {
		record.PutIntoGroup(h.group[:], m.HomeBucket(), m)
	}

	return H.store.WriteSlots(h.groupStart, h.group[:])
}
