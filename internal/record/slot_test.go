//go:build unit

package record

import (
	"testing"

	"github.com/gostonefire/hashdb/internal/conf"
	"github.com/stretchr/testify/assert"
)

func TestEncodeSlot(t *testing.T) {
	t.Run("keeps offset, bucket and extra hash bits apart", func(t *testing.T) {
		// Prepare
		h := uint64(0b1010101110_1100110) << 47

		// Execute
		s := EncodeSlot(0x10000, 5, h, 10)

		// Check
		assert.Equal(t, uint64(0x10000), s.Offset(), "offset")
		assert.Equal(t, uint64(5), s.HomeBucket(), "home bucket")
		assert.Equal(t, uint64(0b1100110), s.Extra(), "next 7 bits after the used 10")
		assert.False(t, s.IsSubHash(), "direct record")
		assert.False(t, s.IsEmpty(), "in use")
	})

	t.Run("yields no extra bits once the hash is consumed", func(t *testing.T) {
		// Execute
		s := EncodeSlot(0x10000, 1, ^uint64(0), 64)

		// Check
		assert.Equal(t, uint64(0), s.Extra(), "no extra bits")
	})

	t.Run("flags sub hash tables", func(t *testing.T) {
		// Execute
		s := SubHashSlot(0x23450)

		// Check
		assert.True(t, s.IsSubHash(), "sub hash")
		assert.Equal(t, uint64(0x23450), s.Offset(), "offset")
		assert.Equal(t, uint64(0), s.HomeBucket(), "no bucket")
	})
}

func TestUseBits(t *testing.T) {
	t.Run("takes bits from the top", func(t *testing.T) {
		// Prepare
		h := uint64(0xABCDEF) << 40
		used := uint(0)

		// Execute
		first := UseBits(h, 7, &used)
		second := UseBits(h, 3, &used)

		// Check
		assert.Equal(t, uint64(0xAB>>1), first, "first 7 bits")
		assert.Equal(t, uint64(0b111), second, "next 3 bits")
		assert.Equal(t, uint(10), used, "bits used")
	})

	t.Run("returns zero past the end", func(t *testing.T) {
		// Prepare
		used := uint(64)

		// Execute
		v := UseBits(^uint64(0), 6, &used)

		// Check
		assert.Equal(t, uint64(0), v, "nothing left")
		assert.Equal(t, uint(70), used, "still advances")
	})
}

func TestPutIntoGroup(t *testing.T) {
	t.Run("wraps within the group", func(t *testing.T) {
		// Prepare
		group := make([]Slot, conf.GroupSize)
		group[6] = 1 << 3
		group[7] = 2 << 3

		// Execute
		ok := PutIntoGroup(group, 6, 3<<3)

		// Check
		assert.True(t, ok, "finds room")
		assert.Equal(t, Slot(3<<3), group[0], "wrapped to first slot")
	})

	t.Run("reports a full group", func(t *testing.T) {
		// Prepare
		group := make([]Slot, conf.GroupSize)
		for i := range group {
			group[i] = Slot(uint64(i+1) << 3)
		}

		// Execute
		ok := PutIntoGroup(group, 2, 99<<3)

		// Check
		assert.False(t, ok, "no room")
	})
}
