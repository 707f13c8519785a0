package hashdb

import (
	"context"
	"encoding/binary"
	"math/rand/v2"
	"os"
	"sync"

	"github.com/gostonefire/hashdb/ecode"
	"github.com/gostonefire/hashdb/hashfunc"
	"github.com/gostonefire/hashdb/internal/conf"
	"github.com/gostonefire/hashdb/internal/file"
	"github.com/gostonefire/hashdb/internal/lock"
	"github.com/gostonefire/hashdb/internal/record"
	"go.uber.org/zap"
)

// Options - Is a struct to be passed in the call to Open and contains configuration of the handle.
//   - Create creates the file if it does not exist
//   - Truncate wipes an existing file and creates a new database in it
//   - ReadOnly opens for reading only, every mutation fails with ecode.ReadOnly
//   - Internal keeps the database in memory, no file and no locking is involved
//   - NoLock skips byte range locking, for files only ever used by one handle
//   - NoMmap uses pread/pwrite instead of a shared mapping
//   - BigEndian creates a new file in big endian byte order (existing files keep their order)
//   - Seed is the hash seed of a new file, used only when FixedSeed is set, otherwise a random seed is generated
//   - Hash is an optional custom hash function, the default is siphash. A file must always be opened with the
//     hash function it was created with.
//   - Logger receives diagnostics, the default discards them
//   - Mode is the permission used when creating the file, default 0600
type Options struct {
	Create    bool
	Truncate  bool
	ReadOnly  bool
	Internal  bool
	NoLock    bool
	NoMmap    bool
	BigEndian bool
	Seed      uint64
	FixedSeed bool
	Hash      hashfunc.HashFunc
	Logger    *zap.Logger
	Mode      os.FileMode
}

// HashDB - The main implementation struct, a handle on one database file. All methods are safe for concurrent
// use, calls on the same handle are serialized.
type HashDB struct {
	mu            sync.Mutex
	name          string
	store         *file.Store
	locker        *lock.Locker
	hash          hashfunc.HashFunc
	seed          uint64
	readOnly      bool
	internal      bool
	zoneOff       uint64
	txn           *transaction
	needsRecovery bool
	id            fileID
	registered    bool
	closed        bool
	logger        *zap.Logger
}

// Open - Opens a database file, creating the database in it if the file is new (or truncated).
// An existing file is validated and, if a transaction commit was interrupted, recovered before the handle
// is returned. A file can only be open once per process.
//   - name is the path of the database file, ignored when opts.Internal is set
//   - opts is the handle configuration
//
// It returns:
//   - db is a pointer to a HashDB struct
//   - err is a normal go Error which should be nil if everything went ok, otherwise one of the ecode kinds
func Open(name string, opts Options) (db *HashDB, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	hashFn := opts.Hash
	if hashFn == nil {
		hashFn = hashfunc.SipHash
	}

	// Check validity of the options
	if opts.Internal {
		name = "<internal>"
	} else if name == "" {
		err = ecode.Invalidf("name can not be empty")
		return
	}
	if opts.ReadOnly && (opts.Create || opts.Truncate) {
		err = ecode.Invalidf("can not create or truncate %s when opening read only", name)
		return
	}

	store, err := file.Open(file.Config{
		Name:     name,
		Create:   opts.Create,
		Truncate: opts.Truncate,
		ReadOnly: opts.ReadOnly,
		Internal: opts.Internal,
		NoMmap:   opts.NoMmap,
		Mode:     opts.Mode,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("open failed", zap.String("path", name), zap.Error(err))
		return
	}

	H := &HashDB{
		name:     name,
		store:    store,
		hash:     hashFn,
		readOnly: opts.ReadOnly,
		internal: opts.Internal,
		logger:   logger.With(zap.String("path", name)),
	}
	H.locker = lock.New(lock.Config{
		Fd:       store.Fd(),
		Disabled: opts.Internal || opts.NoLock,
		ReadOnly: opts.ReadOnly,
		Name:     name,
		Limit:    store.Size,
		Logger:   logger,
	})

	if !opts.Internal {
		if H.id, err = registerFile(store.Fd(), name); err != nil {
			_ = store.Close()
			return
		}
		H.registered = true
	}

	if err = H.openHeader(opts); err != nil {
		H.locker.ReleaseAll()
		_ = store.Close()
		if H.registered {
			unregisterFile(H.id)
		}
		return
	}

	H.pickZone()
	db = H

	return
}

// openHeader - Creates or validates the file header under the open lock, recovering an interrupted commit
func (H *HashDB) openHeader(opts Options) (err error) {
	if err = H.locker.LockOpen(lock.Wait); err != nil {
		return
	}
	defer func() {
		if unlockErr := H.locker.UnlockOpen(); err == nil {
			err = unlockErr
		}
	}()

	H.store.Refresh()
	if H.store.Size() == 0 {
		if H.readOnly {
			err = ecode.Corruptf("%s is empty and opened read only", H.name)
			return
		}
		if err = H.newDatabase(opts); err != nil {
			return
		}
	}

	if H.store.Size() < conf.HeaderLength {
		err = ecode.Corruptf("%s is too short (%d bytes) to hold a header", H.name, H.store.Size())
		return
	}

	buf, err := H.store.AllocRead(0, conf.HashTableOffset)
	if err != nil {
		return
	}

	header, order, err := record.BytesToHeader(buf)
	if err != nil {
		H.logger.Error("bad header", zap.Error(err))
		return
	}
	H.store.SetOrder(order)
	H.seed = header.HashSeed

	if H.hash(record.HashMagicBytes(), H.seed) != header.HashTest {
		err = ecode.Corruptf("hash test of %s does not match, wrong hash function?", H.name)
		H.logger.Error("hash test mismatch", zap.Uint64("hash_test", header.HashTest))
		return
	}

	var needs bool
	if needs, err = H.needsRecoveryCheck(); err != nil || !needs {
		return
	}

	return H.lockAndRecover()
}

// newDatabase - Writes a fresh header and the first zone into an empty store
func (H *HashDB) newDatabase(opts Options) (err error) {
	seed := opts.Seed
	if !opts.FixedSeed {
		if seed, err = hashfunc.GenerateSeed(); err != nil {
			return
		}
	}

	order := record.NativeOrder
	if opts.BigEndian {
		order = binary.BigEndian
	}
	H.store.SetOrder(order)

	header := record.Header{
		Version:  conf.Version,
		HashTest: H.hash(record.HashMagicBytes(), seed),
		HashSeed: seed,
	}

	if err = H.store.Expand(conf.HeaderLength + 1<<conf.InitialZoneBits); err != nil {
		return
	}
	if err = H.store.Write(0, record.HeaderToBytes(order, header)); err != nil {
		return
	}

	if err = H.initZone(conf.HeaderLength, conf.InitialZoneBits); err != nil {
		return
	}

	H.logger.Info("created database", zap.Uint64("seed", seed), zap.Bool("big_endian", opts.BigEndian))

	return
}

// pickZone - Starts the allocator in a random zone to spread free list contention between handles
func (H *HashDB) pickZone() {
	var zones []uint64
	_, _ = H.walkZones(func(off uint64, zoneBits uint) error {
		zones = append(zones, off)
		return nil
	})

	H.zoneOff = conf.HeaderLength
	if len(zones) > 0 {
		H.zoneOff = zones[rand.IntN(len(zones))]
	}
}

// enter - Serializes a call on the handle, failing if it is closed. On success the caller must unlock H.mu.
func (H *HashDB) enter() error {
	H.mu.Lock()
	if H.closed {
		H.mu.Unlock()
		return ecode.Invalidf("database %s is closed", H.name)
	}
	return nil
}

// writable - Returns ecode.ReadOnly for read only handles
func (H *HashDB) writable() error {
	if H.readOnly {
		return ecode.ReadOnly{}
	}
	return nil
}

// Name - Returns the name the database was opened with
func (H *HashDB) Name() string {
	return H.name
}

// SetWaitContext - Bounds every blocking lock wait of the handle by ctx. A wait cut short by ctx returns
// ecode.Timeout. A nil ctx waits forever.
func (H *HashDB) SetWaitContext(ctx context.Context) {
	H.mu.Lock()
	defer H.mu.Unlock()

	H.locker.SetWaitContext(ctx)
}

// Close - Cancels any active transaction, releases all locks and closes the file. The handle can not be
// used afterward.
func (H *HashDB) Close() (err error) {
	if err = H.enter(); err != nil {
		return
	}
	defer H.mu.Unlock()

	if H.txn != nil {
		H.logger.Warn("closing with active transaction, cancelling it")
		_ = H.cancelTransaction()
	}

	H.locker.ReleaseAll()
	err = H.store.Close()
	if H.registered {
		unregisterFile(H.id)
	}
	H.closed = true

	return
}
