package record

import "github.com/gostonefire/hashdb/internal/conf"

// Slot - A hash table entry: a record offset with the home bucket in the low bits, and the
// sub hash flag plus extra hash bits in the bits real offsets never reach. Zero is empty.
type Slot uint64

// Bits - Returns num bits of val starting at bit start
func Bits(val uint64, start, num uint) uint64 {
	return (val >> start) & (1<<num - 1)
}

// UseBits - Takes the next num bits from the top of h, advancing used
func UseBits(h uint64, num uint, used *uint) uint64 {
	if *used >= 64 {
		*used += num
		return 0
	}
	v := (h << *used) >> (64 - num)
	*used += num
	return v
}

// ExtraBits - Returns the OffUpperStealExtra hash bits following the used ones, zero filled
// once the hash runs out
func ExtraBits(h uint64, used uint) uint64 {
	if used >= 64 {
		return 0
	}
	return (h << used) >> (64 - conf.OffUpperStealExtra)
}

// EncodeSlot - Returns the slot for a record at off with home bucket, carrying the hash bits
// that follow the used ones
func EncodeSlot(off uint64, bucket uint64, h uint64, used uint) Slot {
	return Slot(bucket&conf.OffHashGroupMask |
		off&conf.OffMask |
		ExtraBits(h, used)<<conf.OffHashExtraBit)
}

// SubHashSlot - Returns the slot pointing at a sub hash table record at off
func SubHashSlot(off uint64) Slot {
	return Slot(off&conf.OffMask | 1<<conf.OffHashTruncatedBit)
}

// Offset - Returns the record offset
func (S Slot) Offset() uint64 {
	return uint64(S) & conf.OffMask
}

// HomeBucket - Returns the bucket within the group the entry belongs in
func (S Slot) HomeBucket() uint64 {
	return uint64(S) & conf.OffHashGroupMask
}

// IsSubHash - Returns true if the slot points to a sub hash table
func (S Slot) IsSubHash() bool {
	return Bits(uint64(S), conf.OffHashTruncatedBit, 1) == 1
}

// Extra - Returns the extra hash bits kept in the slot
func (S Slot) Extra() uint64 {
	return Bits(uint64(S), conf.OffHashExtraBit, conf.OffUpperStealExtra)
}

// IsEmpty - Returns true for an unused slot
func (S Slot) IsEmpty() bool {
	return S == 0
}

// PutIntoGroup - Places val in the first free slot from bucket onwards, wrapping within the group.
// It returns false if the group is full.
func PutIntoGroup(group []Slot, bucket uint64, val Slot) bool {
	for i := uint64(0); i < conf.GroupSize; i++ {
		b := (bucket + i) % conf.GroupSize
		if group[b].IsEmpty() {
			group[b] = val
			return true
		}
	}
	return false
}
