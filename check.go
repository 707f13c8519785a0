package hashdb

import (
	"bytes"

	"github.com/gostonefire/hashdb/ecode"
	"github.com/gostonefire/hashdb/internal/conf"
	"github.com/gostonefire/hashdb/internal/lock"
	"github.com/gostonefire/hashdb/internal/record"
	"go.uber.org/zap"
)

// hashTree - What a walk of the hash tree found
//   - records counts the references to each record offset
//   - tables holds the offsets of sub hash table records
//   - depth is the number of levels of the deepest branch
type hashTree struct {
	records map[uint64]int
	tables  map[uint64]bool
	depth   int
}

// walkHash - Walks the hash tree without checking placement
func (H *HashDB) walkHash() (tree hashTree, err error) {
	tree = hashTree{records: make(map[uint64]int), tables: make(map[uint64]bool)}
	err = H.walkHashTable(&tree, conf.HashTableOffset, conf.TopLevelHashBits-conf.HashGroupBits, 0, 0, 1, false)
	return
}

// walkHashTable - Walks one hash table and the sub tables below it
//   - off is the offset of the first slot
//   - groupBits is the number of hash bits selecting the group in this table
//   - prefix holds the prefixBits hash bits that lead to this table
//   - depth is the level of the table, 1 for the top level
//   - verify checks that every record sits where its hash puts it
func (H *HashDB) walkHashTable(tree *hashTree, off uint64, groupBits uint, prefix uint64, prefixBits uint, depth int, verify bool) (err error) {
	if depth > conf.MaxLevels {
		return ecode.Corruptf("hash table at %d is deeper than %d levels", off, conf.MaxLevels)
	}
	tree.depth = max(tree.depth, depth)

	for g := uint64(0); g < 1<<groupBits; g++ {
		var group []record.Slot
		if group, err = H.store.ReadSlots(off+g*groupBytes, conf.GroupSize); err != nil {
			return
		}

		for b, slot := range group {
			if slot.IsEmpty() {
				continue
			}
			rOff := slot.Offset()

			if slot.IsSubHash() {
				if tree.tables[rOff] || tree.records[rOff] > 0 {
					return ecode.Corruptf("sub hash table at %d referenced twice", rOff)
				}
				tree.tables[rOff] = true

				if verify {
					if err = H.checkSubHashRecord(rOff); err != nil {
						return
					}
				}

				subPrefix := (prefix<<groupBits|g)<<conf.HashGroupBits | uint64(b)
				err = H.walkHashTable(tree, rOff+conf.UsedHeaderLength, conf.SubLevelHashBits-conf.HashGroupBits,
					subPrefix, prefixBits+groupBits+conf.HashGroupBits, depth+1, verify)
				if err != nil {
					return
				}
				continue
			}

			if tree.tables[rOff] {
				return ecode.Corruptf("record at %d is also a sub hash table", rOff)
			}
			tree.records[rOff]++

			if verify {
				if err = H.checkPlacement(group, uint64(b), g, groupBits, prefix, prefixBits); err != nil {
					return
				}
			}
		}
	}

	return
}

// checkSubHashRecord - Checks the record header of a sub hash table
func (H *HashDB) checkSubHashRecord(off uint64) (err error) {
	rec, err := H.store.ReadUsed(off)
	if err != nil {
		return
	}
	if err = rec.Validate(off); err != nil {
		return
	}
	if rec.KeyLength() != 0 || rec.DataLength() != conf.SubHashTableLength {
		err = ecode.Corruptf("sub hash table at %d has key length %d and data length %d", off, rec.KeyLength(), rec.DataLength())
	}
	return
}

// checkPlacement - Checks that the record in bucket of group hashes to this table, group and home bucket,
// and that probing from its home bucket reaches it
func (H *HashDB) checkPlacement(group []record.Slot, bucket, g uint64, groupBits uint, prefix uint64, prefixBits uint) (err error) {
	slot := group[bucket]
	off := slot.Offset()

	rec, err := H.store.ReadUsed(off)
	if err != nil {
		return
	}
	if err = rec.Validate(off); err != nil {
		return
	}

	h, err := H.hashRecord(off)
	if err != nil {
		return
	}

	used := uint(0)
	if prefixBits > 0 && record.UseBits(h, prefixBits, &used) != prefix {
		return ecode.Corruptf("record at %d has hash 0x%x outside its table prefix 0x%x", off, h, prefix)
	}
	if record.UseBits(h, groupBits, &used) != g {
		return ecode.Corruptf("record at %d has hash 0x%x outside its group %d", off, h, g)
	}
	home := record.UseBits(h, conf.HashGroupBits, &used)
	if home != slot.HomeBucket() {
		return ecode.Corruptf("record at %d has home bucket %d but slot says %d", off, home, slot.HomeBucket())
	}
	if slot.Extra() != record.ExtraBits(h, used) {
		return ecode.Corruptf("record at %d has bad extra hash bits in its slot", off)
	}
	if rec.Hash() != h&(1<<conf.HashBitsInRecord-1) {
		return ecode.Corruptf("record at %d has bad hash bits in its header", off)
	}

	// No hole between home and where it is
	for b := home; b != bucket; b = (b + 1) % conf.GroupSize {
		if group[b].IsEmpty() {
			return ecode.Corruptf("record at %d in bucket %d can not be reached from home bucket %d", off, bucket, home)
		}
	}

	return
}

// walkRecords - Calls fn for every record in a zone in file order. Exactly one of used and free is set;
// records being coalesced are passed as free.
func (H *HashDB) walkRecords(zoneOff uint64, zoneBits uint, fn func(off uint64, used *record.Used, free *record.Free) error) (err error) {
	end := zoneOff + 1<<zoneBits
	off := zoneOff + record.ZoneHeaderLength(zoneBits)

	for off < end {
		var word uint64
		if word, err = H.store.ReadOff(off); err != nil {
			return
		}

		var length uint64
		switch {
		case record.IsFreeMagic(word) || word&^(1<<6-1) == conf.CoalescingMagic:
			var f record.Free
			if f, err = H.store.ReadFree(off); err != nil {
				return
			}
			if f.ZoneBits() != zoneBits {
				return ecode.Corruptf("free record at %d claims zone bits %d in zone of %d", off, f.ZoneBits(), zoneBits)
			}
			length = f.Length()
			if off+length > end || length < conf.FreeHeaderLength {
				return ecode.Corruptf("free record at %d of length %d crosses zone end %d", off, length, end)
			}
			if fn != nil {
				err = fn(off, nil, &f)
			}

		case record.IsUsedMagic(word):
			var u record.Used
			if u, err = H.store.ReadUsed(off); err != nil {
				return
			}
			if u.ZoneBits() != zoneBits {
				return ecode.Corruptf("used record at %d claims zone bits %d in zone of %d", off, u.ZoneBits(), zoneBits)
			}
			length = u.Length()
			if off+length > end {
				return ecode.Corruptf("used record at %d of length %d crosses zone end %d", off, length, end)
			}
			if fn != nil {
				err = fn(off, &u, nil)
			}

		default:
			return ecode.Corruptf("bad magic 0x%x at %d", word, off)
		}
		if err != nil {
			return
		}

		off += length
	}

	return
}

// checkFreeLists - Walks every bucket list of a zone, collecting the records on them
func (H *HashDB) checkFreeLists(zoneOff uint64, zoneBits uint, onList map[uint64]bool) (err error) {
	for b := uint64(0); b <= record.BucketsForZone(zoneBits); b++ {
		bOff := record.BucketOffset(zoneOff, b)

		prev := uint64(0)
		var cur uint64
		if cur, err = H.store.ReadOff(bOff); err != nil {
			return
		}

		for cur != 0 {
			if onList[cur] {
				return ecode.Corruptf("free record at %d listed twice", cur)
			}
			if record.ZoneOf(cur, zoneBits) != zoneOff || cur < zoneOff+record.ZoneHeaderLength(zoneBits) {
				return ecode.Corruptf("free record at %d on list of zone %d lies outside it", cur, zoneOff)
			}

			var f record.Free
			if f, err = H.store.ReadFree(cur); err != nil {
				return
			}
			if err = f.Validate(cur); err != nil {
				return
			}
			if got := record.SizeToBucket(zoneBits, f.DataLen); got != b {
				return ecode.Corruptf("free record at %d of length %d in bucket %d, belongs in %d", cur, f.DataLen, b, got)
			}
			if f.Prev != prev {
				return ecode.Corruptf("free record at %d has prev %d, expected %d", cur, f.Prev, prev)
			}

			onList[cur] = true
			prev, cur = cur, f.Next
		}
	}

	return
}

// Check - Verifies the whole database under a read lock: the header, the placement of every record in the
// hash tree, the free lists and a linear walk of every zone.
//   - fn, if not nil, is called with the key and data of every record and any error it returns stops the check
//
// It returns:
//   - err is an ecode.Corrupt error describing the first problem found, the error of fn, or nil
func (H *HashDB) Check(fn func(key, data []byte) error) (err error) {
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

	if err = H.locker.LockExpand(lock.Read); err != nil {
		return
	}
	defer func() {
		if unlockErr := H.locker.UnlockExpand(lock.Read); err == nil {
			err = unlockErr
		}
	}()

	if err = H.check(fn); err != nil {
		H.logger.Error("check failed", zap.Error(err))
	}

	return
}

// check - Does the work of Check, locks held
func (H *HashDB) check(fn func(key, data []byte) error) (err error) {
	// Header
	hdr, err := H.store.AllocRead(0, conf.HashTableOffset)
	if err != nil {
		return
	}
	if !bytes.HasPrefix(hdr, []byte(conf.MagicFood)) {
		return ecode.Corruptf("bad magic food in header of %s", H.name)
	}
	if v := H.store.Order().Uint64(hdr[conf.VersionOffset:]); v != conf.Version {
		return ecode.Corruptf("bad version 0x%x in header of %s", v, H.name)
	}
	if h := H.store.Order().Uint64(hdr[conf.HashTestOffset:]); h != H.hash(record.HashMagicBytes(), H.seed) {
		return ecode.Corruptf("bad hash test 0x%x in header of %s", h, H.name)
	}
	recOff := H.store.Order().Uint64(hdr[conf.RecoveryOffset:])
	if recOff != 0 && (recOff < conf.HeaderLength || recOff >= H.store.Size()) {
		return ecode.Corruptf("recovery record offset %d out of range", recOff)
	}

	tree := hashTree{records: make(map[uint64]int), tables: make(map[uint64]bool)}
	if err = H.walkHashTable(&tree, conf.HashTableOffset, conf.TopLevelHashBits-conf.HashGroupBits, 0, 0, 1, true); err != nil {
		return
	}
	for off, n := range tree.records {
		if n > 1 {
			return ecode.Corruptf("record at %d referenced %d times", off, n)
		}
	}

	onList := make(map[uint64]bool)
	seen := 0
	recSeen := false

	end, err := H.walkZones(func(zoneOff uint64, zoneBits uint) error {
		if err := H.checkFreeLists(zoneOff, zoneBits, onList); err != nil {
			return err
		}

		return H.walkRecords(zoneOff, zoneBits, func(off uint64, used *record.Used, free *record.Free) error {
			if free != nil {
				if free.Magic() == conf.CoalescingMagic {
					H.logger.Warn("record left coalescing", zap.Uint64("offset", off))
					return nil
				}
				if !onList[off] {
					return ecode.Corruptf("free record at %d is on no list", off)
				}
				delete(onList, off)
				return nil
			}

			switch {
			case off == recOff:
				recSeen = true
				return nil
			case tree.tables[off]:
				delete(tree.tables, off)
				return nil
			case tree.records[off] == 0:
				return ecode.Corruptf("used record at %d is not in the hash", off)
			}
			seen++

			if fn == nil {
				return nil
			}
			buf, err := H.store.AllocRead(off+conf.UsedHeaderLength, used.KeyLength()+used.DataLength())
			if err != nil {
				return err
			}
			return fn(buf[:used.KeyLength():used.KeyLength()], buf[used.KeyLength():])
		})
	})
	if err != nil {
		return
	}

	// What the hash and the lists refer to must all have been met
	if end != H.store.Size() {
		// An expansion that died before writing the zone header, finished by the next expansion
		H.logger.Warn("unfinished zone at end of file", zap.Uint64("offset", end), zap.Uint64("size", H.store.Size()))
	}
	if recOff != 0 && !recSeen && recOff < end {
		return ecode.Corruptf("recovery record at %d not found in any zone", recOff)
	}
	if seen != len(tree.records) {
		return ecode.Corruptf("hash refers to %d records, %d found in zones", len(tree.records), seen)
	}
	if len(tree.tables) > 0 {
		return ecode.Corruptf("%d sub hash tables not found in zones", len(tree.tables))
	}
	if len(onList) > 0 {
		return ecode.Corruptf("%d listed free records not found in zones", len(onList))
	}

	return
}
