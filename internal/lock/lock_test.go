//go:build unit

package lock

import (
	"os"
	"testing"

	"github.com/gostonefire/hashdb/ecode"
	"github.com/gostonefire/hashdb/internal/conf"
	"github.com/stretchr/testify/assert"
)

const testFile1 string = "locktest1.bin"

func newTestLocker(t *testing.T) (*Locker, func()) {
	f, err := os.OpenFile(testFile1, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	assert.NoError(t, err, "creates file")
	assert.NoError(t, f.Truncate(int64(conf.HeaderLength)), "sizes file")

	l := New(Config{Fd: int(f.Fd()), Name: testFile1, Limit: func() uint64 { return conf.HeaderLength }})

	return l, func() {
		l.ReleaseAll()
		_ = f.Close()
		_ = os.Remove(testFile1)
	}
}

func TestNest(t *testing.T) {
	t.Run("counts nested locks", func(t *testing.T) {
		// Prepare
		l, cleanUp := newTestLocker(t)

		// Execute
		err1 := l.Nest(conf.ExpansionLock, 1, Write, Wait)
		err2 := l.Nest(conf.ExpansionLock, 1, Write, Wait)

		// Check
		assert.NoError(t, err1, "first lock")
		assert.NoError(t, err2, "nested lock")
		assert.Len(t, l.recs, 1, "one record")
		assert.Equal(t, uint32(2), l.recs[0].count, "counted twice")

		assert.NoError(t, l.Unnest(conf.ExpansionLock, 1, Write), "first unlock")
		assert.True(t, l.HasExpansionLock(), "still held")
		assert.NoError(t, l.Unnest(conf.ExpansionLock, 1, Write), "second unlock")
		assert.False(t, l.HasLocks(), "nothing held")

		// Clean up
		cleanUp()
	})

	t.Run("refuses write over read", func(t *testing.T) {
		// Prepare
		l, cleanUp := newTestLocker(t)
		assert.NoError(t, l.Nest(conf.TransactionLock, 1, Read, Wait), "read lock")

		// Execute
		err := l.Nest(conf.TransactionLock, 1, Write, Wait)

		// Check
		assert.ErrorIs(t, err, ecode.LockError{}, "lock error")

		// Clean up
		cleanUp()
	})

	t.Run("refuses unlock of unheld lock", func(t *testing.T) {
		// Prepare
		l, cleanUp := newTestLocker(t)

		// Execute
		err := l.Unnest(conf.OpenLock, 1, Write)

		// Check
		assert.ErrorIs(t, err, ecode.LockError{}, "lock error")

		// Clean up
		cleanUp()
	})

	t.Run("refuses offsets beyond the file", func(t *testing.T) {
		// Prepare
		l, cleanUp := newTestLocker(t)

		// Execute
		err := l.Nest(conf.FreeLockStart+conf.HeaderLength, 1, Write, NoWait)

		// Check
		assert.ErrorIs(t, err, ecode.LockError{}, "lock error")

		// Clean up
		cleanUp()
	})
}

func TestLockHashes(t *testing.T) {
	t.Run("maps hash prefix onto lock range", func(t *testing.T) {
		// Prepare
		l, cleanUp := newTestLocker(t)
		h := uint64(5) << 57
		span := uint64(1) << 57

		// Execute
		err := l.LockHashes(h, span, Write, Wait)

		// Check
		assert.NoError(t, err, "locks hashes")
		assert.True(t, l.HasHashLocks(), "hash lock held")
		assert.Equal(t, conf.HashLockStart+5<<23, l.recs[0].off, "lock offset")
		assert.Equal(t, uint64(1)<<23, l.recs[0].length, "lock length")
		assert.NoError(t, l.UnlockHashes(h, span, Write), "unlocks")
		assert.False(t, l.HasLocks(), "nothing held")

		// Clean up
		cleanUp()
	})

	t.Run("refuses hash lock after free lock", func(t *testing.T) {
		// Prepare
		l, cleanUp := newTestLocker(t)
		assert.NoError(t, l.LockFreeBucket(conf.HeaderLength-8, NoWait), "locks free bucket")

		// Execute
		err := l.LockHashes(0, 1<<57, Read, Wait)

		// Check
		assert.ErrorIs(t, err, ecode.LockError{}, "lock order violation")
		assert.True(t, l.HasFreeLock(), "free lock held")
		assert.NoError(t, l.UnlockFreeBucket(conf.HeaderLength-8), "unlocks free bucket")

		// Clean up
		cleanUp()
	})

	t.Run("refuses hash lock under expansion lock", func(t *testing.T) {
		// Prepare
		l, cleanUp := newTestLocker(t)
		assert.NoError(t, l.LockExpand(Write), "locks expansion")

		// Execute
		err := l.LockHashes(0, 1<<57, Read, Wait)

		// Check
		assert.ErrorIs(t, err, ecode.LockError{}, "lock order violation")

		// Clean up
		cleanUp()
	})
}

func TestAllRecord(t *testing.T) {
	t.Run("satisfies hash and free locks", func(t *testing.T) {
		// Prepare
		l, cleanUp := newTestLocker(t)
		assert.NoError(t, l.AllRecord(Write, Wait, false), "allrecord lock")

		// Execute
		errHash := l.LockHashes(0, 1<<57, Write, Wait)
		errFree := l.LockFreeBucket(conf.HeaderLength-8, NoWait)

		// Check
		assert.NoError(t, errHash, "hash lock satisfied")
		assert.NoError(t, errFree, "free lock satisfied")
		assert.Len(t, l.recs, 0, "no separate records")
		assert.Equal(t, Write, l.HasAllRecord(), "write allrecord")
		assert.NoError(t, l.AllRecordUnlock(Write), "unlocks")
		assert.Equal(t, Unlocked, l.HasAllRecord(), "released")

		// Clean up
		cleanUp()
	})

	t.Run("read allrecord refuses write hash lock", func(t *testing.T) {
		// Prepare
		l, cleanUp := newTestLocker(t)
		assert.NoError(t, l.AllRecord(Read, Wait, false), "allrecord lock")

		// Execute
		errRead := l.LockHashes(0, 1<<57, Read, Wait)
		errWrite := l.LockHashes(0, 1<<57, Write, Wait)

		// Check
		assert.NoError(t, errRead, "read satisfied")
		assert.ErrorIs(t, errWrite, ecode.LockError{}, "write refused")

		// Clean up
		cleanUp()
	})

	t.Run("upgradable lock acts as write lock and upgrades", func(t *testing.T) {
		// Prepare
		l, cleanUp := newTestLocker(t)
		assert.NoError(t, l.AllRecord(Read, Wait, true), "upgradable lock")

		// Execute
		errFree := l.LockFreeBucket(conf.HeaderLength-8, NoWait)
		errUp := l.AllRecordUpgrade()

		// Check
		assert.NoError(t, errFree, "free lock satisfied")
		assert.NoError(t, errUp, "upgraded")
		assert.Equal(t, Write, l.HasAllRecord(), "write allrecord")
		assert.ErrorIs(t, l.AllRecordUpgrade(), ecode.LockError{}, "no second upgrade")
		assert.NoError(t, l.AllRecordUnlock(Write), "unlocks")

		// Clean up
		cleanUp()
	})

	t.Run("refuses allrecord over hash locks", func(t *testing.T) {
		// Prepare
		l, cleanUp := newTestLocker(t)
		assert.NoError(t, l.LockHashes(0, 1<<57, Read, Wait), "hash lock")

		// Execute
		err := l.AllRecord(Write, Wait, false)

		// Check
		assert.ErrorIs(t, err, ecode.LockError{}, "refused")

		// Clean up
		cleanUp()
	})

	t.Run("refuses upgradable write lock", func(t *testing.T) {
		// Prepare
		l, cleanUp := newTestLocker(t)

		// Execute
		err := l.AllRecord(Write, Wait, true)

		// Check
		assert.ErrorIs(t, err, ecode.Invalid{}, "invalid")

		// Clean up
		cleanUp()
	})
}

func TestDisabled(t *testing.T) {
	t.Run("keeps bookkeeping without a file", func(t *testing.T) {
		// Prepare
		l := New(Config{Fd: -1, Disabled: true})

		// Execute
		err := l.LockOpen(Wait)

		// Check
		assert.NoError(t, err, "locks")
		assert.True(t, l.HasLocks(), "recorded")
		assert.NoError(t, l.UnlockOpen(), "unlocks")
		assert.False(t, l.HasLocks(), "released")
	})

	t.Run("refuses write locks when read only", func(t *testing.T) {
		// Prepare
		l, cleanUp := newTestLocker(t)
		l.readOnly = true

		// Execute
		err := l.LockExpand(Write)

		// Check
		assert.ErrorIs(t, err, ecode.LockError{}, "refused")

		// Clean up
		cleanUp()
	})
}
