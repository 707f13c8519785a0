package record

import (
	"encoding/binary"

	"github.com/cznic/mathutil"
	"github.com/gostonefire/hashdb/ecode"
	"github.com/gostonefire/hashdb/internal/conf"
)

// Bit positions within the first word of a used record header
const (
	magicShift    = 48
	keyBitsShift  = 43
	keyBitsWidth  = 5
	paddingShift  = 11
	paddingWidth  = 32
	hashShift     = 6
	zoneBitsWidth = 6
)

// Used - The two word header in front of every key/data pair
//   - MagicAndMeta packs magic, key length width, extra padding, low hash bits and zone bits
//   - KeyAndDataLen packs key length in the low bits and data length in the remaining bits
type Used struct {
	MagicAndMeta  uint64
	KeyAndDataLen uint64
}

// Free - Header of a free record, linked into a free list bucket of its zone
//   - MagicAndMeta is FreeMagic (or CoalescingMagic) with the zone bits in the low 6 bits
//   - DataLen is the record length not counting the first two words
//   - Next and Prev are offsets of neighbours in the bucket list, zero terminated
type Free struct {
	MagicAndMeta uint64
	DataLen      uint64
	Next         uint64
	Prev         uint64
}

// Fls64 - Returns the 1-based index of the highest set bit, 0 for 0
func Fls64(v uint64) uint {
	if v == 0 {
		return 0
	}
	return uint(mathutil.Log2Uint64(v)) + 1
}

// NewUsed - Builds a used record header
//   - keyLen is the length of the key
//   - dataLen is the length of the data
//   - actualLen is the full data area (key, data and padding)
//   - hash is the full hash of the key, its low bits are stored
//   - zoneBits is the size in bits of the zone holding the record
//
// It returns:
//   - rec is the encoded header
//   - err is an ecode.IOError if the lengths can not be represented
func NewUsed(keyLen, dataLen, actualLen, hash uint64, zoneBits uint) (rec Used, err error) {
	if actualLen < keyLen+dataLen {
		err = ecode.IOErrorf("record area %d smaller than key %d plus data %d", actualLen, keyLen, dataLen)
		return
	}

	keyBits := uint64(Fls64(keyLen)+1) / 2
	extra := actualLen - (keyLen + dataLen)

	rec.MagicAndMeta = uint64(zoneBits)&(1<<zoneBitsWidth-1) |
		(hash&(1<<conf.HashBitsInRecord-1))<<hashShift |
		extra<<paddingShift |
		keyBits<<keyBitsShift |
		conf.UsedMagic<<magicShift
	rec.KeyAndDataLen = keyLen | dataLen<<(keyBits*2)

	if rec.KeyLength() != keyLen || rec.DataLength() != dataLen || rec.ExtraPadding() != extra || rec.ZoneBits() != zoneBits {
		err = ecode.IOErrorf("could not encode k=%d, d=%d, a=%d, z=%d", keyLen, dataLen, actualLen, zoneBits)
		rec = Used{}
	}

	return
}

// KeyBits - Returns the number of bits of KeyAndDataLen holding the key length
func (U Used) KeyBits() uint {
	return uint((U.MagicAndMeta>>keyBitsShift)&(1<<keyBitsWidth-1)) * 2
}

// KeyLength - Returns the key length
func (U Used) KeyLength() uint64 {
	return U.KeyAndDataLen & (1<<U.KeyBits() - 1)
}

// DataLength - Returns the data length
func (U Used) DataLength() uint64 {
	return U.KeyAndDataLen >> U.KeyBits()
}

// ExtraPadding - Returns the number of padding bytes after the data
func (U Used) ExtraPadding() uint64 {
	return (U.MagicAndMeta >> paddingShift) & (1<<paddingWidth - 1)
}

// ZoneBits - Returns the size in bits of the zone the record lives in
func (U Used) ZoneBits() uint {
	return uint(U.MagicAndMeta & (1<<zoneBitsWidth - 1))
}

// Hash - Returns the low hash bits stored in the header
func (U Used) Hash() uint64 {
	return (U.MagicAndMeta >> hashShift) & (1<<conf.HashBitsInRecord - 1)
}

// Magic - Returns the magic tag
func (U Used) Magic() uint64 {
	return U.MagicAndMeta >> magicShift
}

// DataArea - Returns the length of everything following the header
func (U Used) DataArea() uint64 {
	return U.KeyLength() + U.DataLength() + U.ExtraPadding()
}

// Length - Returns the full length of the record including its header
func (U Used) Length() uint64 {
	return conf.UsedHeaderLength + U.DataArea()
}

// Validate - Returns an ecode.Corrupt error if the magic is not the used record magic
func (U Used) Validate(off uint64) (err error) {
	if U.Magic() != conf.UsedMagic {
		err = ecode.Corruptf("bad magic 0x%x on used record at offset %d", U.Magic(), off)
	}
	return
}

// HashMatches - Returns true if the low bits of h equal the bits stored in the header
func (U Used) HashMatches(h uint64) bool {
	return U.Hash() == h&(1<<conf.HashBitsInRecord-1)
}

// Encode - Writes the header into buf (at least UsedHeaderLength bytes) using order
func (U Used) Encode(order binary.ByteOrder, buf []byte) {
	order.PutUint64(buf[0:], U.MagicAndMeta)
	order.PutUint64(buf[8:], U.KeyAndDataLen)
}

// DecodeUsed - Reads a used record header from buf using order
func DecodeUsed(order binary.ByteOrder, buf []byte) (rec Used) {
	rec.MagicAndMeta = order.Uint64(buf[0:])
	rec.KeyAndDataLen = order.Uint64(buf[8:])
	return
}

// NewFree - Builds a free record header for a record in a zone of zoneBits
func NewFree(zoneBits uint, dataLen uint64) (rec Free) {
	rec.MagicAndMeta = conf.FreeMagic | uint64(zoneBits)&(1<<zoneBitsWidth-1)
	rec.DataLen = dataLen
	return
}

// ZoneBits - Returns the size in bits of the zone the record lives in
func (F Free) ZoneBits() uint {
	return uint(F.MagicAndMeta & (1<<zoneBitsWidth - 1))
}

// Magic - Returns the magic with the zone bits masked off
func (F Free) Magic() uint64 {
	return F.MagicAndMeta &^ (1<<zoneBitsWidth - 1)
}

// Length - Returns the full length of the record including the words not counted in DataLen
func (F Free) Length() uint64 {
	return conf.UsedHeaderLength + F.DataLen
}

// Validate - Returns an ecode.Corrupt error if the magic is not the free record magic
func (F Free) Validate(off uint64) (err error) {
	if F.Magic() != conf.FreeMagic {
		err = ecode.Corruptf("bad magic 0x%x on free record at offset %d", F.Magic(), off)
	}
	return
}

// Encode - Writes the header into buf (at least FreeHeaderLength bytes) using order
func (F Free) Encode(order binary.ByteOrder, buf []byte) {
	order.PutUint64(buf[0:], F.MagicAndMeta)
	order.PutUint64(buf[8:], F.DataLen)
	order.PutUint64(buf[16:], F.Next)
	order.PutUint64(buf[24:], F.Prev)
}

// DecodeFree - Reads a free record header from buf using order
func DecodeFree(order binary.ByteOrder, buf []byte) (rec Free) {
	rec.MagicAndMeta = order.Uint64(buf[0:])
	rec.DataLen = order.Uint64(buf[8:])
	rec.Next = order.Uint64(buf[16:])
	rec.Prev = order.Uint64(buf[24:])
	return
}

// IsFreeMagic - Returns true if the first word of a record header carries the free magic
func IsFreeMagic(magicAndMeta uint64) bool {
	return magicAndMeta&^(1<<zoneBitsWidth-1) == conf.FreeMagic
}

// IsUsedMagic - Returns true if the first word of a record header carries the used magic
func IsUsedMagic(magicAndMeta uint64) bool {
	return magicAndMeta>>magicShift == conf.UsedMagic
}

// DataSize - Returns the data area needed to hold a key and data, aligned and never below MinDataLength
func DataSize(keyLen, dataLen uint64) (size uint64) {
	size = keyLen + dataLen
	if size < conf.MinDataLength {
		size = conf.MinDataLength
	}
	size = (size + conf.RecordAlignment - 1) &^ (conf.RecordAlignment - 1)
	return
}
