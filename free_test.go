//go:build integration

package hashdb

import (
	"testing"

	"github.com/gostonefire/hashdb/internal/conf"
	"github.com/gostonefire/hashdb/internal/record"
	"github.com/stretchr/testify/assert"
)

func TestWantSize(t *testing.T) {
	t.Run("adds room for growing records", func(t *testing.T) {
		// Execute
		plain := wantSize(4, 100, false)
		growing := wantSize(4, 100, true)

		// Check
		assert.Equal(t, uint64(104), plain, "aligned key and data")
		assert.Equal(t, uint64(160), growing, "half the data again")
	})

	t.Run("splits only when a free record fits", func(t *testing.T) {
		// Execute
		none := recordLeftover(0, 100, false, 104+conf.FreeHeaderLength-8)
		some := recordLeftover(0, 100, false, 104+conf.FreeHeaderLength)

		// Check
		assert.Zero(t, none, "too small to split")
		assert.Equal(t, conf.FreeHeaderLength, some, "split off")
	})
}

func TestAlloc(t *testing.T) {
	t.Run("reuses a freed record first", func(t *testing.T) {
		// Prepare
		db := newTestDB(t, Options{})
		assert.NoError(t, db.Store([]byte("a"), make([]byte, 200), Insert), "stores a")
		assert.NoError(t, db.Store([]byte("b"), make([]byte, 200), Insert), "stores b")
		offA := offsetOf(t, db, []byte("a"))
		assert.NoError(t, db.Delete([]byte("a")), "deletes a")

		// Execute
		err := db.Store([]byte("c"), make([]byte, 200), Insert)

		// Check
		assert.NoError(t, err, "stores c")
		assert.Equal(t, offA, offsetOf(t, db, []byte("c")), "took the freed record")
		assert.NoError(t, db.Check(nil), "checks out")

		// Clean up
		removeTestDB(t, db)
	})

	t.Run("coalesces with following free space", func(t *testing.T) {
		// Prepare
		db := newTestDB(t, Options{})
		assert.NoError(t, db.Store([]byte("a"), make([]byte, 200), Insert), "stores a")
		assert.NoError(t, db.Store([]byte("b"), make([]byte, 200), Insert), "stores b")
		offA := offsetOf(t, db, []byte("a"))
		assert.NoError(t, db.Delete([]byte("b")), "deletes b")
		assert.NoError(t, db.Delete([]byte("a")), "deletes a")

		// Execute
		stats, err := db.Stats()

		// Check
		assert.NoError(t, err, "gets stats")
		assert.Equal(t, 1, stats.FreeRecords, "one free record left")
		assert.NoError(t, db.Store([]byte("c"), make([]byte, 500), Insert), "stores c")
		assert.Equal(t, offA, offsetOf(t, db, []byte("c")), "merged space used")
		assert.NoError(t, db.Check(nil), "checks out")

		// Clean up
		removeTestDB(t, db)
	})

	t.Run("merges free neighbours found while searching", func(t *testing.T) {
		// Prepare
		db := newTestDB(t, Options{})
		for _, k := range []string{"a", "b", "c"} {
			assert.NoError(t, db.Store([]byte(k), make([]byte, 200), Insert), "stores record")
		}
		offA := offsetOf(t, db, []byte("a"))
		assert.NoError(t, db.Delete([]byte("a")), "deletes a")
		assert.NoError(t, db.Delete([]byte("b")), "deletes b")

		// Execute
		err := db.Store([]byte("d"), make([]byte, 250), Insert)

		// Check
		assert.NoError(t, err, "stores d")
		assert.Equal(t, offA, offsetOf(t, db, []byte("d")), "a and b merged to hold d")
		stats, err := db.Stats()
		assert.NoError(t, err, "gets stats")
		assert.Equal(t, 2, stats.FreeRecords, "split rest and zone tail left")
		assert.NoError(t, db.Check(nil), "checks out")

		// Clean up
		removeTestDB(t, db)
	})

	t.Run("finishes an interrupted zone", func(t *testing.T) {
		// Prepare
		db := newTestDB(t, Options{})
		end := db.store.Size()
		assert.NoError(t, db.store.Expand(1<<conf.InitialZoneBits), "grows file without zone header")

		// Execute
		zones := 0
		_, err := db.walkZones(func(off uint64, zoneBits uint) error {
			zones++
			return nil
		})
		expandErr := db.expand(0, 1<<10, false)

		// Check
		assert.NoError(t, err, "walks zones")
		assert.Equal(t, 1, zones, "unfinished zone not walked")
		assert.NoError(t, expandErr, "expands")
		zb, err := db.zoneBitsAt(end)
		assert.NoError(t, err, "reads zone header")
		assert.Equal(t, record.NextZoneBits(end-conf.HeaderLength), zb, "zone finished")
		assert.Equal(t, end+1<<conf.InitialZoneBits, db.store.Size(), "no further growth")
		assert.NoError(t, db.Check(nil), "checks out")

		// Clean up
		removeTestDB(t, db)
	})
}
