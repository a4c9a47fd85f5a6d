package embedkv

import (
	"fmt"
	"hash/fnv"
	"os"
	"runtime"
	"sync"
	"time"
	"unsafe"
)

// The largest step that can be taken when remapping the mmap.
const maxMmapStep = 1 << 30 // 1GB

// currentVersion is the data format version the engine writes and
// expects to read (spec.md §3, "meta page").
const currentVersion = version

// IgnoreNoSync, when true, forces every fsync regardless of NoSync.
// It defaults to false.
var IgnoreNoSync = false

// default page size resolved from the operating system at init time.
var defaultPageSize = os.Getpagesize()

// Logger receives optional diagnostic messages from the commit and
// consistency-check paths. The engine is silent by default, matching the
// teacher's own near-silent ambient logging posture; callers that want
// structured diagnostics supply their own implementation through
// Options.Logger.
type Logger interface {
	Printf(format string, args ...interface{})
}

// discardLogger is the default Logger: every call is a no-op.
type discardLogger struct{}

func (discardLogger) Printf(string, ...interface{}) {}

// DB represents a collection of buckets backed by a single file on
// disk. All data access is performed through transactions, which can be
// obtained through the DB. It is safe for concurrent use by multiple
// goroutines (spec.md §2, §4.1).
//
// NoGrowSync, NoFreelistSync, and NoSync control durability/throughput
// trade-offs; see each field's comment. They must not be changed
// concurrently with any other method call.
type DB struct {
	// When true, skips the truncate call when growing the database. This
	// can speed up writes on file systems that do not support sparse
	// files, at the cost of some OS data loss protection.
	NoGrowSync bool

	// When true, the free list is not synced to disk at commit, instead
	// being reconstructed by walking the whole db at open. This trades
	// slower opens for faster commits, and is appropriate for large
	// databases where most pages are referenced.
	NoFreelistSync bool

	// FreelistType controls whether the free list is persisted as an
	// array (the only format this engine writes; kept as a field for
	// forward compatibility with map-based layouts some forks use).
	FreelistType FreelistType

	// When true, fsync is skipped after every write. This is unsafe and
	// exists only so test harnesses can exercise scenario 6 (crash
	// between data write and meta write) deterministically.
	NoSync bool

	// Mmap flags passed through to mmap(2), e.g. syscall.MAP_POPULATE.
	MmapFlags int

	// MaxBatchSize and MaxBatchDelay are unused by this engine: Batch()
	// runs each call as its own Update transaction.
	MaxBatchSize  int
	MaxBatchDelay time.Duration

	// AllocSize has no effect: grow() extends the file to exactly the
	// size a commit needs and does not read this field.
	AllocSize int

	// StrictMode runs Tx.Check() during every commit, after the dirty
	// pages are written and before the meta page is, and panics with
	// every inconsistency found. Off by default: it walks every page
	// reachable from every bucket and is too slow for production use.
	StrictMode bool

	// Logger receives diagnostics from the commit and check paths. Never
	// nil once Open returns: defaults to a no-op.
	Logger Logger

	path     string
	file     *os.File
	lockfile *os.File
	dataref  []byte
	data     *[maxMapSize]byte
	datasz   int
	filesz   int
	meta0    *meta
	meta1    *meta
	pageSize int
	opened   bool
	rwtx     *Tx
	txs      []*Tx
	freelist *freelist
	stats    Stats

	pagePool sync.Pool

	batchMu sync.Mutex

	rwlock   sync.Mutex
	metalock sync.Mutex
	mmaplock sync.RWMutex
	statlock sync.RWMutex

	ops struct {
		writeAt func(b []byte, off int64) (n int, err error)
	}

	readOnly bool
}

// FreelistType names the freelist persistence format. This engine only
// implements FreelistArrayType; FreelistMapType is declared for
// Options compatibility and rejected by Open.
type FreelistType string

const (
	FreelistArrayType FreelistType = "array"
	FreelistMapType    FreelistType = "hashmap"
)

// Path returns the path to the currently open database file.
func (db *DB) Path() string { return db.path }

// GoString and String satisfy fmt for debugging.
func (db *DB) GoString() string { return fmt.Sprintf("embedkv.DB{path:%q}", db.path) }
func (db *DB) String() string   { return fmt.Sprintf("DB<%q>", db.path) }

// Options configures Open. A nil Options is equivalent to
// DefaultOptions.
type Options struct {
	// Timeout is the amount of time to wait for a file lock before giving
	// up. Zero means wait indefinitely.
	Timeout time.Duration

	// NoGrowSync, see DB.NoGrowSync.
	NoGrowSync bool

	// NoFreelistSync, see DB.NoFreelistSync.
	NoFreelistSync bool

	// FreelistType, see DB.FreelistType.
	FreelistType FreelistType

	// ReadOnly opens the database in read-only mode via the flock(2)
	// shared lock instead of exclusive.
	ReadOnly bool

	// MmapFlags, see DB.MmapFlags.
	MmapFlags int

	// InitialMmapSize is the initial size, in bytes, of the memory
	// mapped region. Setting this to a value greater than the expected
	// database size avoids remapping and the resulting write-lock
	// pause on growth (spec.md §4.3).
	InitialMmapSize int

	// PageSize overrides the OS page size used for new databases. Has no
	// effect when opening an existing file.
	PageSize int

	// NoSync, see DB.NoSync.
	NoSync bool

	// OpenFile, if set, replaces os.OpenFile for opening the data file.
	// Useful for tests that want to wrap the *os.File.
	OpenFile func(string, int, os.FileMode) (*os.File, error)

	// Mlock has no effect: Open does not lock the mapped file in memory.
	Mlock bool

	// Logger, see DB.Logger. Defaults to a no-op when unset.
	Logger Logger
}

// DefaultOptions are used if nil is passed to Open(). InitialMmapSize is
// 0 (the map grows from a minimal size on first use); NoGrowSync,
// NoFreelistSync, and ReadOnly are all false.
var DefaultOptions = &Options{
	Timeout:      0,
	NoGrowSync:   false,
	FreelistType: FreelistArrayType,
}

// Stats holds database-wide counters, refreshed at the end of every
// committed writer transaction (spec.md §4.7, "Stats").
type Stats struct {
	FreePageN     int
	PendingPageN  int
	FreeAlloc     int
	FreelistInuse int

	TxN     int
	OpenTxN int

	TxStats TxStats
}

// Sub returns the difference between two Stats snapshots.
func (s *Stats) Sub(other *Stats) Stats {
	if other == nil {
		return *s
	}
	var diff Stats
	diff.FreePageN = s.FreePageN
	diff.PendingPageN = s.PendingPageN
	diff.FreeAlloc = s.FreeAlloc
	diff.FreelistInuse = s.FreelistInuse
	diff.TxN = s.TxN - other.TxN
	diff.TxStats = s.TxStats.Sub(&other.TxStats)
	return diff
}

// Open creates and opens a database at the given path. If the file does
// not exist it will be created automatically (spec.md §4.1, "Open").
// Only one process may hold the database file at a time: a second Open
// on the same path blocks (or times out per Options.Timeout) on the
// exclusive file lock.
func Open(path string, mode os.FileMode, options *Options) (*DB, error) {
	db := &DB{opened: true}

	if options == nil {
		options = DefaultOptions
	}
	db.NoGrowSync = options.NoGrowSync
	db.NoFreelistSync = options.NoFreelistSync
	db.NoSync = options.NoSync
	db.FreelistType = options.FreelistType
	db.MmapFlags = options.MmapFlags
	db.Logger = options.Logger
	if db.Logger == nil {
		db.Logger = discardLogger{}
	}

	if options.FreelistType == FreelistMapType {
		return nil, fmt.Errorf("freelist type %q not supported: %w", options.FreelistType, ErrInvalid)
	}

	flag := os.O_RDWR
	if options.ReadOnly {
		flag = os.O_RDONLY
		db.readOnly = true
	}

	openFile := options.OpenFile
	if openFile == nil {
		openFile = os.OpenFile
	}

	var err error
	if db.file, err = openFile(path, flag|os.O_CREATE, mode); err != nil {
		_ = db.close()
		return nil, err
	}
	db.path = db.file.Name()

	if err := flock(db, !db.readOnly, options.Timeout); err != nil {
		_ = db.close()
		return nil, err
	}

	db.ops.writeAt = db.file.WriteAt

	if info, err := db.file.Stat(); err != nil {
		_ = db.close()
		return nil, err
	} else if info.Size() == 0 {
		if options.PageSize != 0 {
			db.pageSize = options.PageSize
		}
		if err := db.init(); err != nil {
			_ = db.close()
			return nil, err
		}
	} else {
		var buf [0x1000]byte
		if bw, err := db.file.ReadAt(buf[:], 0); err == nil && bw == len(buf) {
			m := db.pageInBuffer(buf[:], 0).meta()
			if err := m.validate(); err != nil {
				db.pageSize = defaultPageSize
			} else {
				db.pageSize = int(m.pageSize)
			}
		}
	}
	if db.pageSize == 0 {
		db.pageSize = defaultPageSize
	}

	db.pagePool = sync.Pool{
		New: func() interface{} {
			return make([]byte, db.pageSize)
		},
	}

	if err := db.mmap(options.InitialMmapSize); err != nil {
		_ = db.close()
		return nil, err
	}

	if db.readOnly {
		return db, nil
	}

	db.loadFreelist()

	return db, nil
}

// init lays out an empty database: two meta pages, a freelist page, and
// an empty leaf root page (spec.md §4.1, "init").
func (db *DB) init() error {
	if db.pageSize == 0 {
		db.pageSize = defaultPageSize
	}

	buf := make([]byte, db.pageSize*4)
	for i := 0; i < 2; i++ {
		p := db.pageInBuffer(buf, pgid(i))
		p.id = pgid(i)
		p.flags = metaPageFlag

		m := p.meta()
		m.magic = magic
		m.version = version
		m.pageSize = uint32(db.pageSize)
		m.freelist = 2
		m.root = bucket{root: 3}
		m.pgid = 4
		m.txid = txid(i)
		m.checksum = m.sum64()
	}

	p := db.pageInBuffer(buf, pgid(2))
	p.id = pgid(2)
	p.flags = freelistPageFlag
	p.count = 0

	p = db.pageInBuffer(buf, pgid(3))
	p.id = pgid(3)
	p.flags = leafPageFlag
	p.count = 0

	if _, err := db.ops.writeAt(buf, 0); err != nil {
		return err
	}
	if err := fdatasync(db); err != nil {
		return err
	}
	db.filesz = len(buf)

	return nil
}

// mmap opens the underlying memory map for the database, sizing it
// according to minsz and the doubling-then-1GiB-step policy in
// mmapSize (spec.md §4.3).
func (db *DB) mmap(minsz int) error {
	db.mmaplock.Lock()
	defer db.mmaplock.Unlock()

	info, err := db.file.Stat()
	if err != nil {
		return fmt.Errorf("mmap stat: %w", err)
	} else if int(info.Size()) < db.pageSize*2 {
		return fmt.Errorf("file size too small: %w", ErrInvalid)
	}

	var size = int(info.Size())
	if size < minsz {
		size = minsz
	}
	size, err = db.mmapSize(size)
	if err != nil {
		return err
	}

	if db.rwtx != nil {
		db.freelist = newFreelist()
	}

	if err := db.munmap(); err != nil {
		return err
	}

	if err := mmap(db, size); err != nil {
		return err
	}

	db.meta0 = db.pageInBuffer(db.dataref, 0).meta()
	db.meta1 = db.pageInBuffer(db.dataref, 1).meta()

	err0 := db.meta0.validate()
	err1 := db.meta1.validate()
	if err0 != nil && err1 != nil {
		return err0
	}

	return nil
}

// munmap unmaps the database file from memory.
func (db *DB) munmap() error {
	if err := munmap(db); err != nil {
		return fmt.Errorf("unmap error: %w", err)
	}
	return nil
}

// mmapSize determines the appropriate size for the mmap given the
// current size of the database: doubling from 32KB up to 1GB, then
// growing in 1GB increments, then rounding up to the nearest multiple
// of the page size (spec.md §4.3, "mmapSize policy"). Returns an error
// if the required size is too large.
func (db *DB) mmapSize(size int) (int, error) {
	for i := uint(15); i <= 30; i++ {
		if size <= 1<<i {
			return 1 << i, nil
		}
	}

	if size > maxMapSize {
		return 0, fmt.Errorf("mmap too large: %w", ErrInvalid)
	}

	sz := int64(size)
	if remainder := sz % int64(maxMmapStep); remainder > 0 {
		sz += int64(maxMmapStep) - remainder
	}

	pageSize := int64(db.pageSize)
	if (sz % pageSize) != 0 {
		sz = ((sz / pageSize) + 1) * pageSize
	}

	if sz > maxMapSize {
		sz = maxMapSize
	}

	return int(sz), nil
}

// grow grows the file, and if NoGrowSync is unset, the filesystem
// allocation backing it, to at least sz bytes (spec.md §4.3, "grow").
func (db *DB) grow(sz int) error {
	if sz <= db.filesz {
		return nil
	}

	if db.datasz < sz {
		if err := db.mmap(sz); err != nil {
			return err
		}
	}

	if !db.NoGrowSync && !db.readOnly {
		if runtime.GOOS != "windows" {
			if err := db.file.Truncate(int64(sz)); err != nil {
				return fmt.Errorf("file resize error: %w", err)
			}
		}
		if err := db.file.Sync(); err != nil {
			return fmt.Errorf("file sync error: %w", err)
		}
	}

	db.filesz = sz
	return nil
}

// loadFreelist reads the freelist from its on-disk page, or rebuilds it
// by walking every bucket when NoFreelistSync is set (spec.md §4.2,
// "Rebuild on open").
func (db *DB) loadFreelist() {
	db.freelist = newFreelist()
	if !db.hasSyncedFreelist() {
		ids := db.freepages()
		db.Logger.Printf("loadFreelist: rebuilding from %d live pages (NoFreelistSync)", len(ids))
		db.freelist.readIDs(ids)
		return
	}
	db.freelist.read(db.page(db.meta().freelist))
}

// hasSyncedFreelist reports whether the current meta points at a
// persisted freelist page.
func (db *DB) hasSyncedFreelist() bool {
	return db.meta().freelist != pgidNoFreelist
}

// freepages walks every page reachable from the root bucket and from
// every nested bucket stored in its own pages, and returns every other
// in-bounds page as free. Used to rebuild the
// freelist when NoFreelistSync is set, instead of trusting a possibly
// stale on-disk freelist page.
func (db *DB) freepages() []pgid {
	tx, err := db.beginTx()
	if err != nil {
		return nil
	}

	reachable := make(map[pgid]bool)
	reachable[0] = true
	reachable[1] = true

	var walk func(b *Bucket) error
	walk = func(b *Bucket) error {
		tx.forEachPage(b.root, func(p *page, _ int, _ []pgid) {
			for i := pgid(0); i <= pgid(p.overflow); i++ {
				reachable[p.id+i] = true
			}
		})
		return b.ForEach(func(k, _ []byte) error {
			if child := b.Bucket(k); child != nil && child.root != 0 {
				return walk(child)
			}
			return nil
		})
	}
	_ = walk(&tx.root)

	var free []pgid
	for i := pgid(2); i < tx.meta.pgid; i++ {
		if !reachable[i] {
			free = append(free, i)
		}
	}

	_ = tx.Rollback()
	return free
}

// Close releases all resources related to the database, blocking until
// every open transaction has released its reader slot.
func (db *DB) Close() error {
	db.rwlock.Lock()
	defer db.rwlock.Unlock()

	db.metalock.Lock()
	defer db.metalock.Unlock()

	db.mmaplock.Lock()
	defer db.mmaplock.Unlock()

	return db.close()
}

func (db *DB) close() error {
	if !db.opened {
		return nil
	}
	db.opened = false

	db.freelist = nil

	if err := db.munmap(); err != nil {
		return err
	}

	if db.file != nil {
		if !db.readOnly {
			_ = funlock(db)
		}
		if err := db.file.Close(); err != nil {
			return fmt.Errorf("db file close: %w", err)
		}
		db.file = nil
	}

	db.path = ""
	return nil
}

// Begin starts a new transaction. Multiple read-only transactions can
// run concurrently, but only one write transaction can run at a time.
// Obtain write transactions via Update() when possible, since Begin()
// requires manual Commit/Rollback discipline (spec.md §4.7).
func (db *DB) Begin(writable bool) (*Tx, error) {
	if writable {
		return db.beginRWTx()
	}
	return db.beginTx()
}

func (db *DB) beginTx() (*Tx, error) {
	db.metalock.Lock()

	db.mmaplock.RLock()

	if !db.opened {
		db.mmaplock.RUnlock()
		db.metalock.Unlock()
		return nil, ErrDatabaseNotOpen
	}

	t := &Tx{writable: false}
	t.init(db)

	db.txs = append(db.txs, t)
	n := len(db.txs)

	db.statlock.Lock()
	db.stats.TxN++
	db.stats.OpenTxN = n
	db.statlock.Unlock()

	db.metalock.Unlock()

	return t, nil
}

func (db *DB) beginRWTx() (*Tx, error) {
	if db.readOnly {
		return nil, ErrDatabaseReadOnly
	}

	db.rwlock.Lock()

	db.metalock.Lock()
	defer db.metalock.Unlock()

	if !db.opened {
		db.rwlock.Unlock()
		return nil, ErrDatabaseNotOpen
	}

	t := &Tx{writable: true}
	t.init(db)
	db.rwtx = t

	db.statlock.Lock()
	db.stats.TxN++
	db.statlock.Unlock()

	db.freePagesLocked()

	return t, nil
}

// freePagesLocked releases pending pages that no open reader can still
// observe (metalock held). Closed readers are removed from db.txs by
// removeTx, not here.
func (db *DB) freePagesLocked() {
	minid := txid(0xFFFFFFFFFFFFFFFF)
	for _, t := range db.txs {
		if txid(t.meta.txid) < minid {
			minid = txid(t.meta.txid)
		}
	}
	if minid > 0 {
		db.freelist.release(minid - 1)
	}
}

// removeTx unregisters a read-only transaction from db.txs.
func (db *DB) removeTx(tx *Tx) {
	db.mmaplock.RUnlock()

	db.metalock.Lock()
	for i, t := range db.txs {
		if t == tx {
			last := len(db.txs) - 1
			db.txs[i] = db.txs[last]
			db.txs = db.txs[:last]
			break
		}
	}
	n := len(db.txs)
	db.metalock.Unlock()

	db.statlock.Lock()
	db.stats.OpenTxN = n
	db.statlock.Unlock()
}

// Update executes fn within the context of a read-write managed
// transaction. If fn returns an error, the transaction is rolled back.
// Otherwise the transaction is committed. Any error from Commit() is
// returned instead (spec.md §4.1, "Update").
func (db *DB) Update(fn func(*Tx) error) error {
	t, err := db.Begin(true)
	if err != nil {
		return err
	}

	defer func() {
		if t.db != nil {
			t.managed = false
			_ = t.Rollback()
		}
	}()

	t.managed = true
	err = fn(t)
	t.managed = false
	if err != nil {
		_ = t.Rollback()
		return err
	}

	return t.Commit()
}

// View executes fn within the context of a managed read-only
// transaction.
func (db *DB) View(fn func(*Tx) error) error {
	t, err := db.Begin(false)
	if err != nil {
		return err
	}

	defer func() {
		if t.db != nil {
			t.managed = false
			_ = t.Rollback()
		}
	}()

	t.managed = true
	err = fn(t)
	t.managed = false
	if err != nil {
		_ = t.Rollback()
		return err
	}

	return t.Rollback()
}

// Batch is intentionally unimplemented: this engine is single-writer
// with cheap individual commits, so batching multiple callers' writes
// into one transaction (as bbolt's Batch does to amortize fsync cost)
// is a Non-goal (spec.md, "Non-goals"). Kept as a thin wrapper over
// Update for API familiarity.
func (db *DB) Batch(fn func(*Tx) error) error {
	return db.Update(fn)
}

// Sync forces a sync of the database file.
func (db *DB) Sync() error { return fdatasync(db) }

// Stats retrieves ongoing performance stats for the database.
func (db *DB) Stats() Stats {
	db.statlock.RLock()
	defer db.statlock.RUnlock()
	return db.stats
}

// Check runs Tx.Check() in a read-only transaction, draining its
// streamed errors into an ErrorList. It returns nil if the database is
// structurally sound, or a *ErrCorrupt aggregating every violation found
// otherwise — the public boundary spec.md §9 requires corruption to
// surface as an error here, never as a panic.
func (db *DB) Check() error {
	tx, err := db.Begin(false)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var errs ErrorList
	for e := range tx.Check() {
		errs = append(errs, e)
	}
	if len(errs) > 0 {
		corrupt := &ErrCorrupt{Errors: errs}
		db.Logger.Printf("check: %v", corrupt)
		return corrupt
	}
	return nil
}

// Info returns information about the database.
func (db *DB) Info() *Info {
	_assert(db.dataref != nil, "opened database expected")
	return &Info{Data: uintptr(unsafe.Pointer(&db.dataref[0])), PageSize: db.pageSize}
}

// Info holds statistics about the memory-mapped region, mostly useful
// for test harnesses that need to poke at raw pages.
type Info struct {
	Data     uintptr
	PageSize int
}

// page returns a reference to the page with the given id, backed by the
// mmap'd region.
func (db *DB) page(id pgid) *page {
	pos := id * pgid(db.pageSize)
	return (*page)(unsafe.Pointer(&db.data[pos]))
}

// pageInBuffer returns a page from a given byte array based on the
// current page size.
func (db *DB) pageInBuffer(b []byte, id pgid) *page {
	return (*page)(unsafe.Pointer(&b[id*pgid(db.pageSize)]))
}

// meta returns the meta page with the highest valid txid, preferring
// meta0 on a tie (spec.md §4.1, "choose highest valid txid").
func (db *DB) meta() *meta {
	metaA := db.meta0
	metaB := db.meta1
	if db.meta1.txid > db.meta0.txid {
		metaA = db.meta1
		metaB = db.meta0
	}

	if err := metaA.validate(); err == nil {
		return metaA
	} else if err := metaB.validate(); err == nil {
		return metaB
	}

	panic("embedkv.DB.meta(): invalid meta pages")
}

// allocate returns a contiguous block of memory starting at a given
// page, reusing freelist pages when available and otherwise extending
// the high-water mark (spec.md §4.2, "allocate").
func (db *DB) allocate(txid txid, count int) (*page, error) {
	var p *page
	if count == 1 {
		buf := db.pagePool.Get().([]byte)
		p = (*page)(unsafe.Pointer(&buf[0]))
	} else {
		buf := make([]byte, count*db.pageSize)
		p = (*page)(unsafe.Pointer(&buf[0]))
	}
	p.overflow = uint32(count - 1)

	if pid := db.freelist.allocate(count); pid != 0 {
		p.id = pid
		return p, nil
	}

	p.id = db.rwtx.meta.pgid
	var minsz = int((p.id+pgid(count))+1) * db.pageSize
	if minsz >= db.datasz {
		if err := db.mmap(minsz); err != nil {
			return nil, fmt.Errorf("mmap allocate error: %w", err)
		}
	}

	db.rwtx.meta.pgid += pgid(count)

	return p, nil
}

// checksum is a small helper shared by meta.sum64 and tests wanting to
// verify a page's stamped checksum independently.
func checksum(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
