//go:build integration

package hashdb

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/gostonefire/hashdb/ecode"
	"github.com/gostonefire/hashdb/internal/conf"
	"github.com/gostonefire/hashdb/internal/record"
	"github.com/stretchr/testify/assert"
)

func TestTransaction(t *testing.T) {
	t.Run("leaves the file untouched on cancel", func(t *testing.T) {
		// Prepare
		db := newTestDB(t, Options{})
		for i := 0; i < 100; i++ {
			assert.NoError(t, db.Store([]byte(fmt.Sprintf("key-%d", i)), []byte("value"), Insert), "stores record")
		}
		before, err := os.ReadFile(testDB)
		assert.NoError(t, err, "reads file")

		// Execute
		assert.NoError(t, db.TransactionStart(), "starts transaction")
		for i := 0; i < 100; i++ {
			assert.NoError(t, db.Delete([]byte(fmt.Sprintf("key-%d", i))), "deletes record")
		}
		for i := 0; i < 300; i++ {
			assert.NoError(t, db.Store([]byte(fmt.Sprintf("new-%d", i)), make([]byte, 1000), Insert), "stores record")
		}
		err = db.TransactionCancel()

		// Check
		assert.NoError(t, err, "cancels")
		after, err := os.ReadFile(testDB)
		assert.NoError(t, err, "reads file")
		assert.Equal(t, len(before), len(after), "same size")
		assert.Equal(t, before, after, "same content")
		_, err = db.Fetch([]byte("new-0"))
		assert.ErrorIs(t, err, ecode.NoExist{}, "new record gone")
		data, err := db.Fetch([]byte("key-0"))
		assert.NoError(t, err, "old record back")
		assert.Equal(t, []byte("value"), data, "old data")
		assert.NoError(t, db.Check(nil), "checks out")

		// Clean up
		removeTestDB(t, db)
	})

	t.Run("sees its own changes", func(t *testing.T) {
		// Prepare
		db := newTestDB(t, Options{})
		assert.NoError(t, db.TransactionStart(), "starts transaction")

		// Execute
		err := db.Store([]byte("key"), []byte("value"), Insert)
		data, fetchErr := db.Fetch([]byte("key"))

		// Check
		assert.NoError(t, err, "stores record")
		assert.NoError(t, fetchErr, "fetches record")
		assert.Equal(t, []byte("value"), data, "visible inside")
		assert.NoError(t, db.Check(nil), "checks out inside")
		assert.NoError(t, db.TransactionCancel(), "cancels")

		// Clean up
		removeTestDB(t, db)
	})

	t.Run("makes commits durable", func(t *testing.T) {
		// Prepare
		db := newTestDB(t, Options{})
		assert.NoError(t, db.Store([]byte("old"), []byte("value"), Insert), "stores record")

		// Execute
		assert.NoError(t, db.TransactionStart(), "starts transaction")
		for i := 0; i < 500; i++ {
			assert.NoError(t, db.Store([]byte(fmt.Sprintf("key-%d", i)), make([]byte, 500), Insert), "stores record")
		}
		assert.NoError(t, db.Delete([]byte("old")), "deletes record")
		err := db.TransactionCommit()
		assert.NoError(t, db.Close(), "closes")
		db, openErr := Open(testDB, Options{})

		// Check
		assert.NoError(t, err, "commits")
		assert.NoError(t, openErr, "reopens")
		for i := 0; i < 500; i++ {
			data, err := db.Fetch([]byte(fmt.Sprintf("key-%d", i)))
			assert.NoError(t, err, "fetches record")
			assert.Len(t, data, 500, "correct data")
		}
		_, err = db.Fetch([]byte("old"))
		assert.ErrorIs(t, err, ecode.NoExist{}, "deleted record gone")
		recOff, err := db.store.ReadOff(conf.RecoveryOffset)
		assert.NoError(t, err, "reads recovery pointer")
		assert.NotZero(t, recOff, "recovery record made")
		assert.NoError(t, db.Check(nil), "checks out")

		// Clean up
		removeTestDB(t, db)
	})

	t.Run("reuses the recovery record", func(t *testing.T) {
		// Prepare
		db := newTestDB(t, Options{})
		assert.NoError(t, db.TransactionStart(), "starts transaction")
		for i := 0; i < 50; i++ {
			assert.NoError(t, db.Store([]byte(fmt.Sprintf("key-%d", i)), make([]byte, 100), Insert), "stores record")
		}
		assert.NoError(t, db.TransactionCommit(), "commits")
		recOff, err := db.store.ReadOff(conf.RecoveryOffset)
		assert.NoError(t, err, "reads recovery pointer")

		// Execute
		assert.NoError(t, db.TransactionStart(), "starts transaction")
		assert.NoError(t, db.Store([]byte("key-0"), []byte("small"), Modify), "modifies record")
		err = db.TransactionCommit()

		// Check
		assert.NoError(t, err, "commits")
		again, err := db.store.ReadOff(conf.RecoveryOffset)
		assert.NoError(t, err, "reads recovery pointer")
		assert.Equal(t, recOff, again, "same recovery record")
		assert.NoError(t, db.Check(nil), "checks out")

		// Clean up
		removeTestDB(t, db)
	})

	t.Run("refuses misuse", func(t *testing.T) {
		// Prepare
		db := newTestDB(t, Options{})

		// Execute
		commitErr := db.TransactionCommit()
		cancelErr := db.TransactionCancel()
		prepareErr := db.TransactionPrepareCommit()
		assert.NoError(t, db.TransactionStart(), "starts transaction")
		nestedErr := db.TransactionStart()
		assert.NoError(t, db.TransactionPrepareCommit(), "prepares")
		prepareAgainErr := db.TransactionPrepareCommit()

		// Check
		assert.ErrorIs(t, commitErr, ecode.Nesting{}, "commit without transaction")
		assert.ErrorIs(t, cancelErr, ecode.Nesting{}, "cancel without transaction")
		assert.ErrorIs(t, prepareErr, ecode.Nesting{}, "prepare without transaction")
		assert.ErrorIs(t, nestedErr, ecode.Nesting{}, "nested start")
		assert.ErrorIs(t, prepareAgainErr, ecode.Invalid{}, "prepare twice")
		assert.NoError(t, db.TransactionCommit(), "commits empty transaction")

		// Clean up
		removeTestDB(t, db)
	})

	t.Run("starts with a deadline when uncontended", func(t *testing.T) {
		// Prepare
		db := newTestDB(t, Options{})
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Execute
		err := db.TransactionStartContext(ctx)

		// Check
		assert.NoError(t, err, "starts transaction")
		assert.NoError(t, db.Store([]byte("key"), []byte("value"), Insert), "stores record")
		assert.NoError(t, db.TransactionCommit(), "commits")

		// Clean up
		removeTestDB(t, db)
	})

	t.Run("cancels an open transaction on close", func(t *testing.T) {
		// Prepare
		db := newTestDB(t, Options{})
		assert.NoError(t, db.TransactionStart(), "starts transaction")
		assert.NoError(t, db.Store([]byte("key"), []byte("value"), Insert), "stores record")

		// Execute
		assert.NoError(t, db.Close(), "closes")
		db, err := Open(testDB, Options{})

		// Check
		assert.NoError(t, err, "reopens")
		_, err = db.Fetch([]byte("key"))
		assert.ErrorIs(t, err, ecode.NoExist{}, "record never committed")

		// Clean up
		removeTestDB(t, db)
	})
}

func TestRecovery(t *testing.T) {
	t.Run("replays a prepared commit after a crash", func(t *testing.T) {
		// Prepare
		db := newTestDB(t, Options{})
		assert.NoError(t, db.Store([]byte("old"), []byte("value"), Insert), "stores record")
		assert.NoError(t, db.TransactionStart(), "starts transaction")
		for i := 0; i < 300; i++ {
			assert.NoError(t, db.Store([]byte(fmt.Sprintf("key-%d", i)), make([]byte, 300), Insert), "stores record")
		}
		assert.NoError(t, db.Store([]byte("old"), []byte("changed"), Modify), "modifies record")
		assert.NoError(t, db.TransactionPrepareCommit(), "prepares")
		abandon(db)

		// Execute
		db, err := Open(testDB, Options{})

		// Check
		if !assert.NoError(t, err, "reopens with recovery") {
			removeTestDB(t, nil)
			return
		}
		for i := 0; i < 300; i++ {
			_, err := db.Fetch([]byte(fmt.Sprintf("key-%d", i)))
			assert.NoError(t, err, "fetches record")
		}
		data, err := db.Fetch([]byte("old"))
		assert.NoError(t, err, "fetches record")
		assert.Equal(t, []byte("changed"), data, "change applied")
		needs, err := db.needsRecoveryCheck()
		assert.NoError(t, err, "checks recovery")
		assert.False(t, needs, "log invalidated")
		assert.NoError(t, db.Check(nil), "checks out")

		// Clean up
		removeTestDB(t, db)
	})

	t.Run("puts a new recovery record on disk before the log is valid", func(t *testing.T) {
		// Prepare
		db := newTestDB(t, Options{})
		assert.NoError(t, db.TransactionStart(), "starts transaction")
		assert.NoError(t, db.Store([]byte("key"), []byte("value"), Insert), "stores record")

		// Execute
		assert.NoError(t, db.TransactionPrepareCommit(), "prepares")

		// Check
		recOff, err := db.readBaseOff(conf.RecoveryOffset)
		assert.NoError(t, err, "reads recovery pointer")
		assert.Equal(t, db.txn.recoveryOff, recOff, "pointer on disk")
		assert.GreaterOrEqual(t, recOff, db.txn.oldSize, "carved past the old end of file")
		buf := make([]byte, conf.UsedHeaderLength)
		assert.NoError(t, db.store.Base().Read(recOff, buf), "reads record header from disk")
		rec := record.DecodeUsed(db.store.Order(), buf)
		assert.NoError(t, rec.Validate(recOff), "header on disk")
		assert.GreaterOrEqual(t, rec.DataArea(), db.txn.logEnd-recOff-conf.UsedHeaderLength, "holds the log")

		// Clean up
		assert.NoError(t, db.TransactionCancel(), "cancels")
		removeTestDB(t, db)
	})

	t.Run("recovers the first commit of a file", func(t *testing.T) {
		// Prepare
		db := newTestDB(t, Options{})
		assert.NoError(t, db.TransactionStart(), "starts transaction")
		assert.NoError(t, db.Store([]byte("key"), []byte("value"), Insert), "stores record")
		assert.NoError(t, db.TransactionPrepareCommit(), "prepares")
		abandon(db)

		// Execute
		db, err := Open(testDB, Options{})

		// Check
		if !assert.NoError(t, err, "reopens with recovery") {
			removeTestDB(t, nil)
			return
		}
		data, err := db.Fetch([]byte("key"))
		assert.NoError(t, err, "fetches record")
		assert.Equal(t, []byte("value"), data, "record recovered")
		assert.NoError(t, db.Check(nil), "checks out")

		// Clean up
		removeTestDB(t, db)
	})

	t.Run("replays again after a crash during replay", func(t *testing.T) {
		// Prepare
		db := newTestDB(t, Options{})
		assert.NoError(t, db.TransactionStart(), "starts transaction")
		assert.NoError(t, db.Store([]byte("key"), []byte("value"), Insert), "stores record")
		assert.NoError(t, db.TransactionPrepareCommit(), "prepares")

		// Half the blocks reach the file before the crash
		entries := db.txn.entries()
		assert.NoError(t, db.applyEntries(entries[:len(entries)/2]), "applies some blocks")
		abandon(db)

		// Execute
		db, err := Open(testDB, Options{})

		// Check
		if !assert.NoError(t, err, "reopens with recovery") {
			removeTestDB(t, nil)
			return
		}
		data, err := db.Fetch([]byte("key"))
		assert.NoError(t, err, "fetches record")
		assert.Equal(t, []byte("value"), data, "record recovered")
		assert.NoError(t, db.Check(nil), "checks out")

		// Clean up
		removeTestDB(t, db)
	})

	t.Run("refuses a log with a bad checksum", func(t *testing.T) {
		// Prepare
		db := newTestDB(t, Options{})
		assert.NoError(t, db.TransactionStart(), "starts transaction")
		assert.NoError(t, db.Store([]byte("key"), []byte("value"), Insert), "stores record")
		assert.NoError(t, db.TransactionPrepareCommit(), "prepares")
		logOff := db.txn.logOff
		abandon(db)

		f, err := os.OpenFile(testDB, os.O_RDWR, 0600)
		assert.NoError(t, err, "opens file")
		_, err = f.WriteAt([]byte{0xff, 0xff, 0xff, 0xff}, int64(logOff+conf.RecoveryHeaderLength+20))
		assert.NoError(t, err, "damages log")
		assert.NoError(t, f.Close(), "closes file")

		// Execute
		_, err = Open(testDB, Options{})

		// Check
		assert.ErrorIs(t, err, ecode.Corrupt{}, "bad checksum")
		assert.ErrorContains(t, err, "checksum", "fails on the checksum")

		// Clean up
		removeTestDB(t, nil)
	})

	t.Run("forgets a cancelled prepared commit", func(t *testing.T) {
		// Prepare
		db := newTestDB(t, Options{})
		assert.NoError(t, db.TransactionStart(), "starts transaction")
		assert.NoError(t, db.Store([]byte("key"), []byte("value"), Insert), "stores record")
		assert.NoError(t, db.TransactionPrepareCommit(), "prepares")

		// Execute
		err := db.TransactionCancel()
		assert.NoError(t, db.Close(), "closes")
		db, openErr := Open(testDB, Options{})

		// Check
		assert.NoError(t, err, "cancels")
		assert.NoError(t, openErr, "reopens")
		_, err = db.Fetch([]byte("key"))
		assert.ErrorIs(t, err, ecode.NoExist{}, "never applied")
		assert.NoError(t, db.Check(nil), "checks out")

		// Clean up
		removeTestDB(t, db)
	})
}
