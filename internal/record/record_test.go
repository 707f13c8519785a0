//go:build unit

package record

import (
	"encoding/binary"
	"testing"

	"github.com/gostonefire/hashdb/ecode"
	"github.com/gostonefire/hashdb/internal/conf"
	"github.com/stretchr/testify/assert"
)

func TestNewUsed(t *testing.T) {
	t.Run("packs and unpacks all fields", func(t *testing.T) {
		// Execute
		rec, err := NewUsed(5, 1000, 1024, 0xffff_0000_0000_0013, 17)

		// Check
		assert.NoError(t, err, "encodes header")
		assert.Equal(t, uint64(5), rec.KeyLength(), "key length")
		assert.Equal(t, uint64(1000), rec.DataLength(), "data length")
		assert.Equal(t, uint64(19), rec.ExtraPadding(), "extra padding")
		assert.Equal(t, uint(17), rec.ZoneBits(), "zone bits")
		assert.Equal(t, uint64(0x13), rec.Hash(), "low hash bits")
		assert.Equal(t, conf.UsedMagic, rec.Magic(), "magic")
		assert.Equal(t, uint64(1024), rec.DataArea(), "data area")
		assert.Equal(t, uint64(1040), rec.Length(), "full length")
		assert.NoError(t, rec.Validate(0), "validates")
		assert.True(t, rec.HashMatches(0x33), "matches on low bits only")
	})

	t.Run("handles empty key", func(t *testing.T) {
		// Execute
		rec, err := NewUsed(0, conf.SubHashTableLength, conf.SubHashTableLength, 0, 16)

		// Check
		assert.NoError(t, err, "encodes header")
		assert.Equal(t, uint(0), rec.KeyBits(), "no key bits")
		assert.Equal(t, uint64(0), rec.KeyLength(), "key length")
		assert.Equal(t, conf.SubHashTableLength, rec.DataLength(), "data length")
	})

	t.Run("keeps key length width minimal", func(t *testing.T) {
		for _, keyLen := range []uint64{1, 2, 3, 4, 15, 16, 255, 256, 1 << 20} {
			// Execute
			rec, err := NewUsed(keyLen, 7, keyLen+7, 0, 16)

			// Check
			assert.NoError(t, err, "encodes header")
			assert.Equal(t, keyLen, rec.KeyLength(), "key length")
			assert.Equal(t, uint64(7), rec.DataLength(), "data length")
			assert.GreaterOrEqual(t, uint(Fls64(keyLen)+1), rec.KeyBits(), "key bits")
		}
	})

	t.Run("refuses padding beyond 32 bits", func(t *testing.T) {
		// Execute
		_, err := NewUsed(1, 1, 2+(1<<32), 0, 16)

		// Check
		assert.ErrorIs(t, err, ecode.IOError{}, "refuses to encode")
	})

	t.Run("refuses area smaller than contents", func(t *testing.T) {
		// Execute
		_, err := NewUsed(10, 10, 19, 0, 16)

		// Check
		assert.ErrorIs(t, err, ecode.IOError{}, "refuses to encode")
	})

	t.Run("round trips through both byte orders", func(t *testing.T) {
		// Prepare
		rec, err := NewUsed(3, 4, 16, 7, 20)
		assert.NoError(t, err, "encodes header")
		buf := make([]byte, conf.UsedHeaderLength)

		for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
			// Execute
			rec.Encode(order, buf)
			back := DecodeUsed(order, buf)

			// Check
			assert.Equal(t, rec, back, "decodes to the same header")
		}
	})
}

func TestUsedValidate(t *testing.T) {
	t.Run("flags bad magic as corrupt", func(t *testing.T) {
		// Prepare
		rec := Used{MagicAndMeta: 0x1234 << 48}

		// Execute
		err := rec.Validate(4711)

		// Check
		assert.ErrorIs(t, err, ecode.Corrupt{}, "corrupt record")
		assert.Contains(t, err.Error(), "4711", "names offset")
	})
}

func TestFree(t *testing.T) {
	t.Run("carries zone bits and magic", func(t *testing.T) {
		// Execute
		rec := NewFree(18, 100)

		// Check
		assert.Equal(t, uint(18), rec.ZoneBits(), "zone bits")
		assert.Equal(t, conf.FreeMagic, rec.Magic(), "magic")
		assert.Equal(t, uint64(116), rec.Length(), "length")
		assert.NoError(t, rec.Validate(0), "validates")
		assert.True(t, IsFreeMagic(rec.MagicAndMeta), "free magic detected")
		assert.False(t, IsUsedMagic(rec.MagicAndMeta), "not used magic")
	})

	t.Run("flags coalescing record as not free", func(t *testing.T) {
		// Prepare
		rec := Free{MagicAndMeta: conf.CoalescingMagic | 16}

		// Check
		assert.ErrorIs(t, rec.Validate(0), ecode.Corrupt{}, "not a free record")
		assert.False(t, IsFreeMagic(rec.MagicAndMeta), "free magic not detected")
	})

	t.Run("round trips links", func(t *testing.T) {
		// Prepare
		rec := NewFree(16, 48)
		rec.Next = 9000
		rec.Prev = 8600
		buf := make([]byte, conf.FreeHeaderLength)

		// Execute
		rec.Encode(binary.BigEndian, buf)
		back := DecodeFree(binary.BigEndian, buf)

		// Check
		assert.Equal(t, rec, back, "decodes to the same header")
	})
}

func TestDataSize(t *testing.T) {
	t.Run("never goes below the free record size", func(t *testing.T) {
		assert.Equal(t, conf.MinDataLength, DataSize(0, 0), "empty record")
		assert.Equal(t, conf.MinDataLength, DataSize(1, 1), "tiny record")
	})

	t.Run("aligns to 8 bytes", func(t *testing.T) {
		assert.Equal(t, uint64(24), DataSize(10, 7), "17 rounds to 24")
		assert.Equal(t, uint64(24), DataSize(12, 12), "24 stays 24")
	})
}

func TestFls64(t *testing.T) {
	t.Run("finds highest bit", func(t *testing.T) {
		assert.Equal(t, uint(0), Fls64(0), "zero")
		assert.Equal(t, uint(1), Fls64(1), "one")
		assert.Equal(t, uint(7), Fls64(65), "65")
		assert.Equal(t, uint(64), Fls64(1<<63), "top bit")
	})
}
