package layout

import (
	"encoding/binary"
	"os"

	"github.com/gostonefire/hashdb/ecode"
	"github.com/gostonefire/hashdb/hashfunc"
	"github.com/gostonefire/hashdb/internal/conf"
	"github.com/gostonefire/hashdb/internal/record"
)

// kind - What an element of a layout is
type kind int

const (
	zoneKind kind = iota
	freeKind
	usedKind
	hashTableKind
)

// element - One zone or record of a layout
type element struct {
	kind     kind
	zoneBits uint
	dataLen  uint64
	key      []byte
	data     []byte
	extra    uint64
	off      uint64
}

// Layout - Describes a database file record by record so that tests can build exactly the file they need.
// Records follow the zone added before them. Space left at the end of a zone becomes a free record.
//   - Order is the byte order of the file, the native order unless set
type Layout struct {
	filename string
	elems    []element
	Order    binary.ByteOrder
}

// New - Returns an empty layout for filename
func New(filename string) *Layout {
	return &Layout{filename: filename, Order: record.NativeOrder}
}

// AddZone - Starts a new zone of zoneBits
func (L *Layout) AddZone(zoneBits uint) {
	L.elems = append(L.elems, element{kind: zoneKind, zoneBits: zoneBits})
}

// AddFree - Adds a free record with a data area of dataLen bytes (its full length is dataLen plus the
// two word used header)
func (L *Layout) AddFree(dataLen uint64) {
	L.elems = append(L.elems, element{kind: freeKind, dataLen: dataLen})
}

// AddUsed - Adds a record for key and data followed by extra bytes of padding
func (L *Layout) AddUsed(key, data []byte, extra uint64) {
	L.elems = append(L.elems, element{kind: usedKind, key: key, data: data, extra: extra})
}

// AddHashTable - Adds an empty sub hash table followed by extra bytes of padding
func (L *Layout) AddHashTable(extra uint64) {
	L.elems = append(L.elems, element{kind: hashTableKind, extra: extra})
}

// place - Assigns offsets to all elements, adding the free records that fill the zone tails
//
// It returns:
//   - elems are the elements with offsets, zone tails included
//   - size is the resulting file length
//   - err is an ecode.Invalid error if the layout can not be written
func (L *Layout) place() (elems []element, size uint64, err error) {
	off := conf.HeaderLength
	zoneEnd := uint64(0)
	var zoneBits uint

	fill := func() error {
		if zoneEnd == 0 || off == zoneEnd {
			return nil
		}
		rest := zoneEnd - off
		if rest < conf.FreeHeaderLength {
			return ecode.Invalidf("%d bytes left at end of zone ending at %d, too few for a free record", rest, zoneEnd)
		}
		elems = append(elems, element{kind: freeKind, dataLen: rest - conf.UsedHeaderLength, zoneBits: zoneBits, off: off})
		off = zoneEnd
		return nil
	}

	for _, e := range L.elems {
		if e.kind == zoneKind {
			if err = fill(); err != nil {
				return
			}
			if want := record.NextZoneBits(off - conf.HeaderLength); e.zoneBits != want {
				err = ecode.Invalidf("zone at %d must have %d bits, not %d", off, want, e.zoneBits)
				return
			}
			zoneBits = e.zoneBits
			zoneEnd = off + 1<<zoneBits
			e.off = off
			elems = append(elems, e)
			off += record.ZoneHeaderLength(zoneBits)
			continue
		}

		if zoneEnd == 0 {
			err = ecode.Invalidf("record added before any zone")
			return
		}

		var length uint64
		switch e.kind {
		case freeKind:
			length = conf.UsedHeaderLength + e.dataLen
			if length < conf.FreeHeaderLength {
				err = ecode.Invalidf("free record of %d bytes is too short", length)
				return
			}
		case usedKind:
			length = conf.UsedHeaderLength + uint64(len(e.key)+len(e.data)) + e.extra
		case hashTableKind:
			length = conf.UsedHeaderLength + conf.SubHashTableLength + e.extra
		}
		if length%conf.RecordAlignment != 0 || length-conf.UsedHeaderLength < conf.MinDataLength {
			err = ecode.Invalidf("record of %d bytes at %d is not aligned or too short", length, off)
			return
		}
		if off+length > zoneEnd {
			err = ecode.Invalidf("record of %d bytes at %d crosses zone end %d", length, off, zoneEnd)
			return
		}

		e.zoneBits = zoneBits
		e.off = off
		elems = append(elems, e)
		off += length
	}

	if err = fill(); err != nil {
		return
	}
	size = off

	return
}

// Write - Materializes the layout into the file, replacing whatever was there
//   - seed is the hash seed written to the header
//   - hash is the hash function the file is to be opened with
//
// It returns:
//   - err is an ecode.Invalid error if the layout is inconsistent, otherwise an ecode.IOError on write failure
func (L *Layout) Write(seed uint64, hash hashfunc.HashFunc) (err error) {
	elems, size, err := L.place()
	if err != nil {
		return
	}

	order := L.Order
	buf := make([]byte, size)
	copy(buf, record.HeaderToBytes(order, record.Header{
		Version:  conf.Version,
		HashTest: hash(record.HashMagicBytes(), seed),
		HashSeed: seed,
	}))

	top := make([]record.Slot, 1<<conf.TopLevelHashBits)
	var tables []uint64
	lastFree := make(map[uint64]uint64)
	zoneOff := uint64(0)

	for _, e := range elems {
		switch e.kind {
		case zoneKind:
			zoneOff = e.off
			order.PutUint64(buf[e.off:], uint64(e.zoneBits))

		case freeKind:
			// Appended to the tail of its bucket list
			f := record.NewFree(e.zoneBits, e.dataLen)
			bOff := record.BucketOffset(zoneOff, record.SizeToBucket(e.zoneBits, e.dataLen))
			if prev, ok := lastFree[bOff]; ok {
				f.Prev = prev
				order.PutUint64(buf[prev+16:], e.off)
			} else {
				order.PutUint64(buf[bOff:], e.off)
			}
			lastFree[bOff] = e.off
			f.Encode(order, buf[e.off:])

		case usedKind:
			h := hash(e.key, seed)
			keyLen, dataLen := uint64(len(e.key)), uint64(len(e.data))
			var rec record.Used
			if rec, err = record.NewUsed(keyLen, dataLen, keyLen+dataLen+e.extra, h, e.zoneBits); err != nil {
				return
			}
			rec.Encode(order, buf[e.off:])
			copy(buf[e.off+conf.UsedHeaderLength:], e.key)
			copy(buf[e.off+conf.UsedHeaderLength+keyLen:], e.data)

			// Into the top level by hash
			used := uint(0)
			group := record.UseBits(h, conf.TopLevelHashBits-conf.HashGroupBits, &used)
			home := record.UseBits(h, conf.HashGroupBits, &used)
			slots := top[group*conf.GroupSize : (group+1)*conf.GroupSize]
			if !record.PutIntoGroup(slots, home, record.EncodeSlot(e.off, home, h, used)) {
				err = ecode.Invalidf("top level hash group %d full", group)
				return
			}

		case hashTableKind:
			var rec record.Used
			if rec, err = record.NewUsed(0, conf.SubHashTableLength, conf.SubHashTableLength+e.extra, 0, e.zoneBits); err != nil {
				return
			}
			rec.Encode(order, buf[e.off:])
			tables = append(tables, e.off)
		}
	}

	// Sub hash tables go into groups nothing else uses
	for g := 0; len(tables) > 0 && g < len(top)/conf.GroupSize; g++ {
		slots := top[g*conf.GroupSize : (g+1)*conf.GroupSize]
		empty := true
		for _, s := range slots {
			empty = empty && s.IsEmpty()
		}
		if empty {
			slots[0] = record.SubHashSlot(tables[0])
			tables = tables[1:]
		}
	}
	if len(tables) > 0 {
		err = ecode.Invalidf("no free top level group left for %d sub hash tables", len(tables))
		return
	}

	for i, s := range top {
		order.PutUint64(buf[conf.HashTableOffset+uint64(i)*8:], uint64(s))
	}

	if err = os.WriteFile(L.filename, buf, 0600); err != nil {
		err = ecode.IOErrorf("error while writing layout to %s: %s", L.filename, err)
	}

	return
}
