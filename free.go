package hashdb

import (
	"github.com/gostonefire/hashdb/ecode"
	"github.com/gostonefire/hashdb/internal/conf"
	"github.com/gostonefire/hashdb/internal/lock"
	"github.com/gostonefire/hashdb/internal/record"
	"go.uber.org/zap"
)

// wantSize - Returns the data area to ask for. A growing record gets room for half its data again.
func wantSize(keyLen, dataLen uint64, growing bool) uint64 {
	if growing {
		dataLen += dataLen / 2
	}
	return record.DataSize(keyLen, dataLen)
}

// recordLeftover - Returns how much of a free data area of total bytes to split off, 0 if the rest is too
// small to make a free record and becomes padding instead
func recordLeftover(keyLen, dataLen uint64, growing bool, total uint64) uint64 {
	need := wantSize(keyLen, dataLen, growing)
	if total < need+conf.FreeHeaderLength {
		return 0
	}
	return total - need
}

// zoneBitsAt - Reads the zone header at off, 0 for a zone that was never finished
func (H *HashDB) zoneBitsAt(off uint64) (zoneBits uint, err error) {
	v, err := H.store.ReadOff(off)
	if err != nil || v == 0 {
		return
	}

	if v < conf.InitialZoneBits || v > conf.MaxZoneBits {
		err = ecode.Corruptf("zone at %d has invalid size of %d bits", off, v)
		return
	}
	zoneBits = uint(v)

	return
}

// walkZones - Calls fn for each zone in file order, stopping at the end of the file or at a zone that was
// never finished (zero zone bits)
//   - fn is called with the zone offset and its size in bits, may be nil
//
// It returns:
//   - end is the offset after the last finished zone
//   - err is an ecode error, or the first error returned by fn
func (H *HashDB) walkZones(fn func(off uint64, zoneBits uint) error) (end uint64, err error) {
	size := H.store.Size()
	end = conf.HeaderLength

	for end+8 <= size {
		var zb uint
		if zb, err = H.zoneBitsAt(end); err != nil || zb == 0 {
			return
		}

		if want := record.NextZoneBits(end - conf.HeaderLength); zb != want {
			err = ecode.Corruptf("zone at %d has %d bits, expected %d", end, zb, want)
			return
		}
		if end+1<<zb > size {
			err = ecode.Corruptf("zone at %d of %d bits crosses end of file at %d", end, zb, size)
			return
		}

		if fn != nil {
			if err = fn(end, zb); err != nil {
				return
			}
		}
		end += 1 << zb
	}

	return
}

// initZone - Writes an empty zone header at off and makes the rest of the zone one free record
func (H *HashDB) initZone(off uint64, zoneBits uint) (err error) {
	words := make([]uint64, record.BucketsForZone(zoneBits)+2)
	words[0] = uint64(zoneBits)
	if err = H.store.WriteWords(off, words); err != nil {
		return
	}

	hdr := record.ZoneHeaderLength(zoneBits)

	return H.addFreeRecord(zoneBits, off+hdr, 1<<zoneBits-hdr)
}

// removeFromList - Unlinks the free record r at rOff from the bucket list at bOff
func (H *HashDB) removeFromList(bOff, rOff uint64, r record.Free) (err error) {
	// prev.next = next, or head = next
	off := bOff
	if r.Prev != 0 {
		off = r.Prev + 16
	}
	if err = H.store.WriteOff(off, r.Next); err != nil {
		return
	}

	// next.prev = prev
	if r.Next != 0 {
		err = H.store.WriteOff(r.Next+24, r.Prev)
	}

	return
}

// enqueueInFree - Pushes the free record r at off onto the head of the bucket list at bOff
func (H *HashDB) enqueueInFree(bOff, off uint64, r record.Free) (err error) {
	r.Prev = 0
	if r.Next, err = H.store.ReadOff(bOff); err != nil {
		return
	}

	// next.prev = new
	if r.Next != 0 {
		if err = H.store.WriteOff(r.Next+24, off); err != nil {
			return
		}
	}

	// head = new
	if err = H.store.WriteOff(bOff, off); err != nil {
		return
	}

	return H.store.WriteFree(off, r)
}

// absorbFollowing - Takes the free records that directly follow end, up to the end of the zone, off their
// lists. Neighbour buckets are only locked if that can be done at once since this may run against the
// lock order.
//
// It returns:
//   - newEnd is the end of the last record absorbed, end if none was
//   - err is an ecode error
func (H *HashDB) absorbFollowing(zoneOff uint64, zoneBits uint, end uint64) (newEnd uint64, err error) {
	newEnd = end
	zoneEnd := zoneOff + 1<<zoneBits
	if zoneEnd > H.store.Size() {
		zoneEnd = H.store.Size()
	}

	for newEnd+conf.FreeHeaderLength <= zoneEnd {
		var r record.Free
		if r, err = H.store.ReadFree(newEnd); err != nil {
			return
		}
		if !record.IsFreeMagic(r.MagicAndMeta) {
			break
		}

		nbOff := record.BucketOffset(zoneOff, record.SizeToBucket(zoneBits, r.DataLen))
		if H.locker.LockFreeBucket(nbOff, lock.NoWait|lock.Probe) != nil {
			break
		}

		// Re-check now that the bucket is locked
		if r, err = H.store.ReadFree(newEnd); err != nil {
			_ = H.locker.UnlockFreeBucket(nbOff)
			return
		}
		if !record.IsFreeMagic(r.MagicAndMeta) ||
			record.BucketOffset(zoneOff, record.SizeToBucket(zoneBits, r.DataLen)) != nbOff {
			_ = H.locker.UnlockFreeBucket(nbOff)
			break
		}

		err = H.removeFromList(nbOff, newEnd, r)
		_ = H.locker.UnlockFreeBucket(nbOff)
		if err != nil {
			return
		}
		newEnd += r.Length()
	}

	return
}

// markCoalescing - Writes a coalescing header over [off, off+length) so no one else merges it meanwhile
func (H *HashDB) markCoalescing(zoneBits uint, off, length uint64) error {
	return H.store.WriteFree(off, record.Free{
		MagicAndMeta: conf.CoalescingMagic | uint64(zoneBits),
		DataLen:      length - conf.UsedHeaderLength,
	})
}

// addFreeRecord - Returns [off, off+lenWithHeader) to the free lists of its zone, merged with any free
// records directly after it
func (H *HashDB) addFreeRecord(zoneBits uint, off, lenWithHeader uint64) (err error) {
	if lenWithHeader < conf.FreeHeaderLength || lenWithHeader%conf.RecordAlignment != 0 {
		err = ecode.Corruptf("free record at %d of invalid length %d", off, lenWithHeader)
		return
	}

	zoneOff := record.ZoneOf(off, zoneBits)
	if err = H.markCoalescing(zoneBits, off, lenWithHeader); err != nil {
		return
	}

	end, err := H.absorbFollowing(zoneOff, zoneBits, off+lenWithHeader)
	if err != nil {
		return
	}

	f := record.NewFree(zoneBits, end-off-conf.UsedHeaderLength)
	bOff := record.BucketOffset(zoneOff, record.SizeToBucket(zoneBits, f.DataLen))
	if err = H.locker.LockFreeBucket(bOff, lock.Wait); err != nil {
		return
	}
	err = H.enqueueInFree(bOff, off, f)
	if unlockErr := H.locker.UnlockFreeBucket(bOff); err == nil {
		err = unlockErr
	}

	return
}

// coalesce - Merges the listed free record r at off with the free records following it. The bucket at
// bOff must be locked by the caller and is unlocked if a merge happened or on error.
//
// It returns:
//   - merged is true if the record grew, the bucket lists have then changed
//   - err is an ecode error
func (H *HashDB) coalesce(zoneOff uint64, zoneBits uint, off, bOff uint64, r record.Free) (merged bool, err error) {
	end, err := H.absorbFollowing(zoneOff, zoneBits, off+r.Length())
	if err != nil {
		_ = H.locker.UnlockFreeBucket(bOff)
		return
	}

	// No adjacent free record
	if end == off+r.Length() {
		return
	}

	// Lists may have changed around r, re-read it before unlinking
	cur, err := H.store.ReadFree(off)
	if err == nil && cur.DataLen != r.DataLen {
		err = ecode.Corruptf("free record at %d changed length from %d to %d", off, r.DataLen, cur.DataLen)
	}
	if err == nil {
		err = H.removeFromList(bOff, off, cur)
	}
	if err == nil {
		err = H.markCoalescing(zoneBits, off, end-off)
	}
	_ = H.locker.UnlockFreeBucket(bOff)
	if err != nil {
		return
	}

	merged = true
	err = H.addFreeRecord(zoneBits, off, end-off)

	return
}

// lockAndAlloc - Takes the first record that fits from one bucket list
//   - zoneOff and zoneBits give the zone
//   - bucket is the bucket to take from
//   - keyLen, dataLen and growing give the size wanted
//   - hashLow is the key hash, its low bits go into the record header
//
// It returns:
//   - off is the offset of the new used record, 0 if nothing in the bucket fits
//   - err is an ecode error
func (H *HashDB) lockAndAlloc(zoneOff uint64, zoneBits uint, bucket, keyLen, dataLen uint64, growing bool, hashLow uint64) (off uint64, err error) {
	size := wantSize(keyLen, dataLen, growing)
	bOff := record.BucketOffset(zoneOff, bucket)

again:
	if err = H.locker.LockFreeBucket(bOff, lock.Wait); err != nil {
		return
	}

	var best record.Free
	bestOff := uint64(0)
	cur, err := H.store.ReadOff(bOff)
	for err == nil && cur != 0 {
		var r record.Free
		if r, err = H.store.ReadFree(cur); err != nil {
			break
		}
		if err = r.Validate(cur); err != nil {
			H.logger.Error("bad free record on list", zap.Uint64("offset", cur), zap.Uint64("bucket", bOff))
			break
		}

		if r.DataLen >= size {
			best, bestOff = r, cur
			break
		}

		// Walking the list anyway, try merging with what follows
		var merged bool
		if merged, err = H.coalesce(zoneOff, zoneBits, cur, bOff, r); err != nil {
			return
		}
		if merged {
			goto again
		}
		cur = r.Next
	}

	if err != nil || bestOff == 0 {
		if unlockErr := H.locker.UnlockFreeBucket(bOff); err == nil {
			err = unlockErr
		}
		return
	}

	if err = H.removeFromList(bOff, bestOff, best); err != nil {
		_ = H.locker.UnlockFreeBucket(bOff)
		return
	}

	// Mark it used before dropping the lock, otherwise it could be merged by someone else
	leftover := recordLeftover(keyLen, dataLen, growing, best.DataLen)
	var rec record.Used
	if rec, err = record.NewUsed(keyLen, dataLen, best.DataLen-leftover, hashLow, zoneBits); err == nil {
		err = H.store.WriteUsed(bestOff, rec)
	}
	if unlockErr := H.locker.UnlockFreeBucket(bOff); err == nil {
		err = unlockErr
	}
	if err != nil {
		return
	}

	if leftover > 0 {
		if err = H.addFreeRecord(zoneBits, bestOff+conf.UsedHeaderLength+best.DataLen-leftover, leftover); err != nil {
			return
		}
	}
	off = bestOff

	return
}

// findFreeHead - Returns the first non-empty bucket from bucket upward, past the last bucket if none
func (H *HashDB) findFreeHead(zoneOff uint64, zoneBits uint, bucket uint64) (uint64, error) {
	idx, err := H.store.FindNonZeroOff(record.BucketOffset(zoneOff, 0), int(bucket), int(record.BucketsForZone(zoneBits)+1))
	return uint64(idx), err
}

// getFree - Searches the zones for space, starting in the current zone and wrapping around
//
// It returns:
//   - off is the offset of the new used record, 0 if there is no room anywhere
//   - err is an ecode error
func (H *HashDB) getFree(keyLen, dataLen uint64, growing bool, hashLow uint64) (off uint64, err error) {
	size := wantSize(keyLen, dataLen, growing)
	start := H.zoneOff
	zoneOff := start
	wrapped := false

	for {
		var zb uint
		if zb, err = H.zoneBitsAt(zoneOff); err != nil {
			return
		}
		if zb == 0 {
			err = ecode.Corruptf("no zone at %d", zoneOff)
			return
		}

		// Skip zones too small to ever hold the record
		if size>>zb == 0 {
			var b uint64
			last := record.BucketsForZone(zb)
			for b, err = H.findFreeHead(zoneOff, zb, record.SizeToBucket(zb, size)); err == nil && b <= last; b, err = H.findFreeHead(zoneOff, zb, b+1) {
				if off, err = H.lockAndAlloc(zoneOff, zb, b, keyLen, dataLen, growing, hashLow); err != nil || off != 0 {
					if off != 0 {
						H.zoneOff = zoneOff
					}
					return
				}
			}
			if err != nil {
				return
			}
		}

		// Try the next zone if it exists
		next := zoneOff + 1<<zb
		var nextBits uint
		if next+8 <= H.store.Size() {
			if nextBits, err = H.zoneBitsAt(next); err != nil {
				return
			}
		}
		if nextBits == 0 {
			next = conf.HeaderLength
			wrapped = true
		}
		zoneOff = next

		if wrapped && zoneOff == start {
			return
		}
	}
}

// alloc - Allocates a used record for keyLen plus dataLen bytes, expanding the file when no zone has room
//   - keyLen and dataLen are the lengths to hold
//   - hashLow is the key hash, its low bits go into the record header
//   - growing asks for room to grow, used for records that are appended to
//
// It returns:
//   - off is the offset of the used record, its header written but key and data not
//   - err is an ecode error
func (H *HashDB) alloc(keyLen, dataLen, hashLow uint64, growing bool) (off uint64, err error) {
	for {
		if off, err = H.getFree(keyLen, dataLen, growing, hashLow); err != nil || off != 0 {
			return
		}
		if err = H.expand(keyLen, dataLen, growing); err != nil {
			return
		}
	}
}

// expand - Grows the file by whole zones until the record fits in the last one. Each new zone is as large
// as all zones before it together. An unfinished zone left by an interrupted expansion is finished instead.
func (H *HashDB) expand(keyLen, dataLen uint64, growing bool) (err error) {
	wanted := conf.UsedHeaderLength + wantSize(keyLen, dataLen, growing)
	oldSize := H.store.Size()

	if err = H.locker.LockExpand(lock.Write); err != nil {
		return
	}
	defer func() {
		if unlockErr := H.locker.UnlockExpand(lock.Write); err == nil {
			err = unlockErr
		}
	}()

	// Someone else may have expanded the file meanwhile
	H.store.Refresh()
	end, err := H.walkZones(nil)
	if err != nil {
		return
	}

	size := H.store.Size()
	if end < size {
		_, err = H.finishZone(end)
		return
	}
	if size != oldSize {
		return
	}

	for {
		zb := record.NextZoneBits(end - conf.HeaderLength)
		if zb > conf.MaxZoneBits {
			err = ecode.OutOfSpacef("can not grow %s beyond zones of %d bits", H.name, conf.MaxZoneBits)
			H.logger.Error("database full", zap.Uint64("size", end))
			return
		}

		if err = H.store.Expand(1 << zb); err != nil {
			return
		}
		if err = H.initZone(end, zb); err != nil {
			return
		}
		expandTotal.Inc()
		H.logger.Debug("expanded", zap.Uint64("zone", end), zap.Uint("zone_bits", zb))

		end += 1 << zb
		if wanted+record.ZoneHeaderLength(zb) <= 1<<zb {
			return
		}
	}
}

// finishZone - Initializes the zone at end, the end of the last finished zone, growing the file to hold it
// if the interrupted expansion did not get that far. The expansion lock must be held.
func (H *HashDB) finishZone(end uint64) (newEnd uint64, err error) {
	zb := record.NextZoneBits(end - conf.HeaderLength)
	H.logger.Warn("finishing interrupted zone", zap.Uint64("offset", end), zap.Uint("zone_bits", zb))

	if size := H.store.Size(); end+1<<zb > size {
		if err = H.store.Expand(end + 1<<zb - size); err != nil {
			return
		}
	}
	if err = H.initZone(end, zb); err != nil {
		return
	}
	newEnd = end + 1<<zb

	// A recovery pointer left behind by the interrupted commit must not point into the new free space
	recOff, err := H.store.ReadOff(conf.RecoveryOffset)
	if err == nil && recOff >= end && recOff < newEnd {
		err = H.store.WriteOff(conf.RecoveryOffset, 0)
	}

	return
}

// freeUsed - Returns the used record rec at off to the free lists
func (H *HashDB) freeUsed(off uint64, rec record.Used) error {
	return H.addFreeRecord(rec.ZoneBits(), off, rec.Length())
}
