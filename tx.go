package embedkv

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"
	"unsafe"
)

// txid is the internal, monotonically increasing transaction identifier
// (spec.md §3, "Transaction (Tx)").
type txid uint64

// Tx represents a read-only or read/write transaction on the database.
// Read-only transactions can be used for retrieving values and creating
// cursors. Read/write transactions can create and remove buckets and
// keys.
//
// You must commit or rollback every transaction. Pages cannot be
// reclaimed by the writer until no more transactions reference them; a
// long-running reader can cause the database to grow (spec.md §4.7).
type Tx struct {
	writable       bool
	managed        bool
	db             *DB
	meta           *meta
	root           Bucket
	pages          map[pgid]*page
	stats          TxStats
	commitHandlers []func()

	// WriteFlag specifies a flag, e.g. syscall.O_DIRECT, for write-related
	// methods like WriteTo(). Unset by default, which is appropriate for
	// mostly in-memory workloads.
	WriteFlag int
}

// init resets tx and snapshots db's current meta page (spec.md §4.7,
// "Begin").
func (tx *Tx) init(db *DB) {
	tx.db = db
	tx.pages = nil

	tx.meta = &meta{}
	db.meta().copy(tx.meta)

	tx.root = newBucket(tx)
	tx.root.bucket = &bucket{}
	*tx.root.bucket = tx.meta.root

	if tx.writable {
		tx.pages = make(map[pgid]*page)
		tx.meta.txid += 1
	}
}

// ID returns the transaction id.
func (tx *Tx) ID() int { return int(tx.meta.txid) }

// DB returns the database that created the transaction.
func (tx *Tx) DB() *DB { return tx.db }

// Size returns the current database size in bytes as seen by this
// transaction.
func (tx *Tx) Size() int64 { return int64(tx.meta.pgid) * int64(tx.db.pageSize) }

// Writable reports whether the transaction can perform writes.
func (tx *Tx) Writable() bool { return tx.writable }

// Cursor creates a cursor over the root bucket. Every item it returns
// has a nil value, since every root-level key addresses a bucket.
func (tx *Tx) Cursor() *Cursor { return tx.root.Cursor() }

// Stats returns a copy of the current transaction statistics.
func (tx *Tx) Stats() TxStats { return tx.stats }

// Bucket retrieves a top-level bucket by name, or nil if it doesn't
// exist. Valid only for the life of the transaction.
func (tx *Tx) Bucket(name []byte) *Bucket { return tx.root.Bucket(name) }

// CreateBucket creates a new top-level bucket.
func (tx *Tx) CreateBucket(name []byte) (*Bucket, error) { return tx.root.CreateBucket(name) }

// CreateBucketIfNotExists creates a new top-level bucket if it doesn't
// already exist.
func (tx *Tx) CreateBucketIfNotExists(name []byte) (*Bucket, error) {
	return tx.root.CreateBucketIfNotExists(name)
}

// DeleteBucket deletes a top-level bucket.
func (tx *Tx) DeleteBucket(name []byte) error { return tx.root.DeleteBucket(name) }

// ForEach executes fn for every top-level bucket.
func (tx *Tx) ForEach(fn func(name []byte, b *Bucket) error) error {
	return tx.root.ForEach(func(k, _ []byte) error {
		return fn(k, tx.root.Bucket(k))
	})
}

// OnCommit registers a handler run after the transaction successfully
// commits.
func (tx *Tx) OnCommit(fn func()) { tx.commitHandlers = append(tx.commitHandlers, fn) }

// Commit writes every change to disk following the ordering in spec.md
// §4.7: rebalance, spill, free the old freelist page, write the new
// freelist, write dirty pages, write the meta page. Any error aborts and
// rolls back, leaving the on-disk image identical to the pre-begin state
// (spec.md §7).
func (tx *Tx) Commit() error {
	_assert(!tx.managed, "managed tx commit not allowed")
	if tx.db == nil {
		return ErrTxClosed
	} else if !tx.writable {
		return ErrTxNotWritable
	}

	startTime := time.Now()
	tx.root.rebalance()
	if tx.stats.GetRebalance() > 0 {
		tx.stats.IncRebalanceTime(time.Since(startTime))
	}

	opgid := tx.meta.pgid

	startTime = time.Now()
	if err := tx.root.spill(); err != nil {
		tx.db.Logger.Printf("commit: spill error: %v", err)
		tx.rollback()
		return err
	}
	tx.stats.IncSpillTime(time.Since(startTime))

	tx.meta.root.root = tx.root.root

	if tx.meta.freelist != pgidNoFreelist {
		tx.db.freelist.free(tx.meta.txid, tx.page(tx.meta.freelist))
	}

	if tx.db.NoFreelistSync {
		tx.meta.freelist = pgidNoFreelist
	} else if err := tx.commitFreelist(); err != nil {
		tx.db.Logger.Printf("commit: freelist write error: %v", err)
		tx.rollback()
		return err
	}

	if tx.meta.pgid > opgid {
		if err := tx.db.grow(int(tx.meta.pgid+1) * tx.db.pageSize); err != nil {
			tx.db.Logger.Printf("commit: grow error: %v", err)
			tx.rollback()
			return err
		}
	}

	startTime = time.Now()
	if err := tx.write(); err != nil {
		tx.db.Logger.Printf("commit: write error: %v", err)
		tx.rollback()
		return err
	}

	if tx.db.StrictMode {
		var errs ErrorList
		for err := range tx.Check() {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			corrupt := &ErrCorrupt{Errors: errs}
			tx.db.Logger.Printf("commit: strict mode check failed: %v", corrupt)
			panic(corrupt.Error())
		}
	}

	if err := tx.writeMeta(); err != nil {
		tx.db.Logger.Printf("commit: meta write error: %v", err)
		tx.rollback()
		return err
	}
	tx.stats.IncWriteTime(time.Since(startTime))

	tx.close()

	for _, fn := range tx.commitHandlers {
		fn()
	}

	return nil
}

// commitFreelist allocates and writes a fresh freelist page, recording
// its pgid into the meta that will be written this commit (spec.md §4.7
// step 4).
func (tx *Tx) commitFreelist() error {
	p, err := tx.allocate((tx.db.freelist.size() / tx.db.pageSize) + 1)
	if err != nil {
		tx.rollback()
		return err
	}
	if err := tx.db.freelist.write(p); err != nil {
		tx.rollback()
		return err
	}
	tx.meta.freelist = p.id
	return nil
}

// Rollback closes the transaction and discards every change. Read-only
// transactions must be rolled back, never committed.
func (tx *Tx) Rollback() error {
	_assert(!tx.managed, "managed tx rollback not allowed")
	if tx.db == nil {
		return ErrTxClosed
	}
	tx.nonPhysicalRollback()
	return nil
}

// nonPhysicalRollback is used when the caller rolls back directly: no
// need to reload the freelist from disk since nothing was written yet.
func (tx *Tx) nonPhysicalRollback() {
	if tx.db == nil {
		return
	}
	if tx.writable {
		tx.db.freelist.rollback(tx.meta.txid)
	}
	tx.close()
}

// rollback reloads free page ids from disk, since a partial write may
// have left the in-memory freelist referencing pages never actually
// freed (spec.md §4.7, "Rollback (writer)").
func (tx *Tx) rollback() {
	if tx.db == nil {
		return
	}
	if tx.writable {
		tx.db.freelist.rollback(tx.meta.txid)
		if tx.db.data != nil {
			if tx.db.hasSyncedFreelist() {
				tx.db.freelist.reload(tx.db.page(tx.db.meta().freelist))
			} else {
				tx.db.freelist.reindex()
			}
		}
	}
	tx.close()
}

func (tx *Tx) close() {
	if tx.db == nil {
		return
	}
	if tx.writable {
		freeN := len(tx.db.freelist.ids)
		pendingN := tx.db.freelist.pendingCount()
		alloc := tx.db.freelist.size()

		tx.db.rwtx = nil
		tx.db.rwlock.Unlock()

		tx.db.statlock.Lock()
		tx.db.stats.FreePageN = freeN
		tx.db.stats.PendingPageN = pendingN
		tx.db.stats.FreeAlloc = (freeN + pendingN) * tx.db.pageSize
		tx.db.stats.FreelistInuse = alloc
		tx.db.stats.TxStats.add(&tx.stats)
		tx.db.statlock.Unlock()
	} else {
		tx.db.removeTx(tx)
	}

	tx.db = nil
	tx.meta = nil
	tx.root = Bucket{tx: tx}
	tx.pages = nil
}

// Copy writes the entire database to w, while holding a reader
// transaction so pages can't be reclaimed mid-copy. It is safe to keep
// using the database while the copy is in progress.
func (tx *Tx) Copy(w interface{ Write([]byte) (int, error) }) error {
	return tx.WriteTo(w)
}

// WriteTo writes the entire database to w.
func (tx *Tx) WriteTo(w interface{ Write([]byte) (int, error) }) error {
	if tx.db == nil {
		return ErrTxClosed
	}

	buf := make([]byte, tx.db.pageSize)
	p := tx.db.pageInBuffer(buf, 0)
	for i := 0; i < 2; i++ {
		p.id = pgid(i)
		if i == int(tx.meta.txid%2) {
			tx.meta.write(p)
		} else {
			other := &meta{}
			tx.db.meta().copy(other)
			other.txid--
			other.write(p)
		}
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("meta copy: %w", err)
		}
	}

	remaining := int64(tx.meta.pgid-2) * int64(tx.db.pageSize)
	_, err := w.Write(tx.db.data[2*tx.db.pageSize : 2*tx.db.pageSize+int(remaining)])
	return err
}

// allocate reserves count contiguous pages for writing, tracking the
// result as dirty on this Tx.
func (tx *Tx) allocate(count int) (*page, error) {
	p, err := tx.db.allocate(tx.meta.txid, count)
	if err != nil {
		return nil, err
	}
	tx.pages[p.id] = p

	tx.stats.IncPageCount(int64(count))
	tx.stats.IncPageAlloc(int64(count * tx.db.pageSize))
	return p, nil
}

// write flushes every dirty page to the file, in ascending pgid order,
// then fsyncs (spec.md §4.7, step 6).
func (tx *Tx) write() error {
	ps := make(pages, 0, len(tx.pages))
	for _, p := range tx.pages {
		ps = append(ps, p)
	}
	tx.pages = make(map[pgid]*page)
	sort.Sort(ps)

	for _, p := range ps {
		rem := (uint64(p.overflow) + 1) * uint64(tx.db.pageSize)
		offset := int64(p.id) * int64(tx.db.pageSize)

		var written uintptr
		for {
			sz := rem
			if sz > maxAllocSize-1 {
				sz = maxAllocSize - 1
			}
			buf := unsafeByteSlice(unsafe.Pointer(p), written, 0, int(sz))

			if _, err := tx.db.ops.writeAt(buf, offset); err != nil {
				return err
			}
			tx.stats.IncWrite(1)

			rem -= sz
			if rem == 0 {
				break
			}
			offset += int64(sz)
			written += uintptr(sz)
		}
	}

	if !tx.db.NoSync || IgnoreNoSync {
		if err := fdatasync(tx.db); err != nil {
			return err
		}
	}

	for _, p := range ps {
		if int(p.overflow) != 0 {
			continue
		}
		buf := unsafeByteSlice(unsafe.Pointer(p), 0, 0, tx.db.pageSize)
		for i := range buf {
			buf[i] = 0
		}
		tx.db.pagePool.Put(buf) //nolint:staticcheck
	}

	return nil
}

// writeMeta writes the meta page for this commit to its slot (txid mod
// 2) after stamping its checksum (spec.md §4.7, step 7).
func (tx *Tx) writeMeta() error {
	buf := make([]byte, tx.db.pageSize)
	p := tx.db.pageInBuffer(buf, 0)
	tx.meta.write(p)

	if _, err := tx.db.ops.writeAt(buf, int64(p.id)*int64(tx.db.pageSize)); err != nil {
		return err
	}
	if !tx.db.NoSync || IgnoreNoSync {
		if err := fdatasync(tx.db); err != nil {
			return err
		}
	}
	tx.stats.IncWrite(1)
	return nil
}

// page returns the page for id, preferring this Tx's dirty copy.
func (tx *Tx) page(id pgid) *page {
	if tx.pages != nil {
		if p, ok := tx.pages[id]; ok {
			p.fastCheck(id)
			return p
		}
	}
	p := tx.db.page(id)
	p.fastCheck(id)
	return p
}

// forEachPage walks every page reachable from pgidnum, depth-first,
// invoking fn with the page, its depth, and the stack of ancestor pgids.
func (tx *Tx) forEachPage(pgidnum pgid, fn func(*page, int, []pgid)) {
	stack := make([]pgid, 10)
	stack[0] = pgidnum
	tx.forEachPageInternal(stack[:1], fn)
}

func (tx *Tx) forEachPageInternal(pgidstack []pgid, fn func(*page, int, []pgid)) {
	p := tx.page(pgidstack[len(pgidstack)-1])
	fn(p, len(pgidstack)-1, pgidstack)

	if (p.flags & branchPageFlag) != 0 {
		for i := 0; i < int(p.count); i++ {
			elem := p.branchPageElement(uint16(i))
			tx.forEachPageInternal(append(pgidstack, elem.pgid), fn)
		}
	}
}

// Page returns information about the page with the given id. Safe for
// concurrent use only from a writable transaction.
func (tx *Tx) Page(id int) (*PageInfo, error) {
	if tx.db == nil {
		return nil, ErrTxClosed
	} else if pgid(id) >= tx.meta.pgid {
		return nil, nil
	}

	p := tx.db.page(pgid(id))
	info := &PageInfo{ID: id, Count: int(p.count), OverflowCount: int(p.overflow)}

	if tx.db.freelist.freed(pgid(id)) {
		info.Type = "free"
	} else {
		info.Type = p.typ()
	}
	return info, nil
}

// Check walks every page reachable from every top-level bucket,
// cross-checking reachability against the freelist, and streams any
// inconsistency found as plain errors rather than panicking (spec.md §7,
// "must not return success" on corruption). This is the low-level,
// streaming primitive; DB.Check is the public boundary that drains this
// channel into an ErrorList and wraps it as *ErrCorrupt.
func (tx *Tx) Check() <-chan error {
	ch := make(chan error)
	go tx.check(ch)
	return ch
}

func (tx *Tx) check(ch chan error) {
	var errs ErrorList

	freed := make(map[pgid]bool)
	for _, id := range tx.db.freelist.ids {
		freed[id] = true
	}
	for _, list := range tx.db.freelist.pending {
		for _, id := range list {
			freed[id] = true
		}
	}

	reachable := make(map[pgid]*page)
	reachable[0] = tx.page(0)
	reachable[1] = tx.page(1)
	if tx.meta.freelist != pgidNoFreelist {
		for i := uint32(0); i <= tx.page(tx.meta.freelist).overflow; i++ {
			reachable[tx.meta.freelist+pgid(i)] = tx.page(tx.meta.freelist)
		}
	}

	tx.checkBucket(&tx.root, reachable, freed, &errs)

	for i := pgid(0); i < tx.meta.pgid; i++ {
		if _, ok := reachable[i]; !ok && !freed[i] {
			errs = append(errs, fmt.Errorf("page %d: unreachable unfreed", int(i)))
		}
	}

	if len(errs) > 0 {
		tx.db.Logger.Printf("check: %d inconsistencies found", len(errs))
	}

	for _, e := range errs {
		ch <- e
	}
	close(ch)
}

func (tx *Tx) checkBucket(b *Bucket, reachable map[pgid]*page, freed map[pgid]bool, errs *ErrorList) {
	if b.root == 0 {
		return
	}

	tx.forEachPage(b.root, func(p *page, _ int, _ []pgid) {
		if p.id > tx.meta.pgid {
			*errs = append(*errs, fmt.Errorf("page %d: out of bounds: %d", int(p.id), int(tx.meta.pgid)))
		}

		for i := pgid(0); i <= pgid(p.overflow); i++ {
			id := p.id + i
			if freed[id] {
				*errs = append(*errs, fmt.Errorf("page %d: reachable freed", int(id)))
			}
			if _, ok := reachable[id]; ok {
				*errs = append(*errs, fmt.Errorf("page %d: multiple references", int(id)))
			}
			reachable[id] = p
		}

		if (p.flags & (branchPageFlag | leafPageFlag)) == 0 {
			*errs = append(*errs, fmt.Errorf("page %d: invalid type: %s", int(p.id), p.typ()))
		}
	})

	_ = b.ForEach(func(k, v []byte) error {
		if child := b.Bucket(k); child != nil {
			tx.checkBucket(child, reachable, freed, errs)
		}
		return nil
	})
}

// TxStats holds counters about the work a transaction performed.
type TxStats struct {
	PageCount int64
	PageAlloc int64

	CursorCount int64

	NodeCount int64
	NodeDeref int64

	Rebalance     int64
	RebalanceTime time.Duration

	Split     int64
	Spill     int64
	SpillTime time.Duration

	Write     int64
	WriteTime time.Duration
}

func (s *TxStats) add(other *TxStats) {
	s.IncPageCount(other.GetPageCount())
	s.IncPageAlloc(other.GetPageAlloc())
	s.IncCursorCount(other.GetCursorCount())
	s.IncNodeCount(other.GetNodeCount())
	s.IncNodeDeref(other.GetNodeDeref())
	s.IncRebalance(other.GetRebalance())
	s.IncRebalanceTime(other.GetRebalanceTime())
	s.IncSplit(other.GetSplit())
	s.IncSpill(other.GetSpill())
	s.IncSpillTime(other.GetSpillTime())
	s.IncWrite(other.GetWrite())
	s.IncWriteTime(other.GetWriteTime())
}

// Sub returns the difference between two stats snapshots, useful for
// measuring the work done between two points in time.
func (s *TxStats) Sub(other *TxStats) TxStats {
	var diff TxStats
	diff.PageCount = s.GetPageCount() - other.GetPageCount()
	diff.PageAlloc = s.GetPageAlloc() - other.GetPageAlloc()
	diff.CursorCount = s.GetCursorCount() - other.GetCursorCount()
	diff.NodeCount = s.GetNodeCount() - other.GetNodeCount()
	diff.NodeDeref = s.GetNodeDeref() - other.GetNodeDeref()
	diff.Rebalance = s.GetRebalance() - other.GetRebalance()
	diff.RebalanceTime = s.GetRebalanceTime() - other.GetRebalanceTime()
	diff.Split = s.GetSplit() - other.GetSplit()
	diff.Spill = s.GetSpill() - other.GetSpill()
	diff.SpillTime = s.GetSpillTime() - other.GetSpillTime()
	diff.Write = s.GetWrite() - other.GetWrite()
	diff.WriteTime = s.GetWriteTime() - other.GetWriteTime()
	return diff
}

func (s *TxStats) GetPageCount() int64            { return atomic.LoadInt64(&s.PageCount) }
func (s *TxStats) IncPageCount(delta int64) int64 { return atomic.AddInt64(&s.PageCount, delta) }
func (s *TxStats) GetPageAlloc() int64            { return atomic.LoadInt64(&s.PageAlloc) }
func (s *TxStats) IncPageAlloc(delta int64) int64 { return atomic.AddInt64(&s.PageAlloc, delta) }
func (s *TxStats) GetCursorCount() int64          { return atomic.LoadInt64(&s.CursorCount) }
func (s *TxStats) IncCursorCount(delta int64) int64 {
	return atomic.AddInt64(&s.CursorCount, delta)
}
func (s *TxStats) GetNodeCount() int64            { return atomic.LoadInt64(&s.NodeCount) }
func (s *TxStats) IncNodeCount(delta int64) int64 { return atomic.AddInt64(&s.NodeCount, delta) }
func (s *TxStats) GetNodeDeref() int64            { return atomic.LoadInt64(&s.NodeDeref) }
func (s *TxStats) IncNodeDeref(delta int64) int64 { return atomic.AddInt64(&s.NodeDeref, delta) }
func (s *TxStats) GetRebalance() int64            { return atomic.LoadInt64(&s.Rebalance) }
func (s *TxStats) IncRebalance(delta int64) int64 { return atomic.AddInt64(&s.Rebalance, delta) }
func (s *TxStats) GetRebalanceTime() time.Duration {
	return atomicLoadDuration(&s.RebalanceTime)
}
func (s *TxStats) IncRebalanceTime(delta time.Duration) time.Duration {
	return atomicAddDuration(&s.RebalanceTime, delta)
}
func (s *TxStats) GetSplit() int64            { return atomic.LoadInt64(&s.Split) }
func (s *TxStats) IncSplit(delta int64) int64 { return atomic.AddInt64(&s.Split, delta) }
func (s *TxStats) GetSpill() int64            { return atomic.LoadInt64(&s.Spill) }
func (s *TxStats) IncSpill(delta int64) int64 { return atomic.AddInt64(&s.Spill, delta) }
func (s *TxStats) GetSpillTime() time.Duration {
	return atomicLoadDuration(&s.SpillTime)
}
func (s *TxStats) IncSpillTime(delta time.Duration) time.Duration {
	return atomicAddDuration(&s.SpillTime, delta)
}
func (s *TxStats) GetWrite() int64            { return atomic.LoadInt64(&s.Write) }
func (s *TxStats) IncWrite(delta int64) int64 { return atomic.AddInt64(&s.Write, delta) }
func (s *TxStats) GetWriteTime() time.Duration {
	return atomicLoadDuration(&s.WriteTime)
}
func (s *TxStats) IncWriteTime(delta time.Duration) time.Duration {
	return atomicAddDuration(&s.WriteTime, delta)
}

func atomicAddDuration(ptr *time.Duration, du time.Duration) time.Duration {
	return time.Duration(atomic.AddInt64((*int64)(unsafe.Pointer(ptr)), int64(du)))
}

func atomicLoadDuration(ptr *time.Duration) time.Duration {
	return time.Duration(atomic.LoadInt64((*int64)(unsafe.Pointer(ptr))))
}
