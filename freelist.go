package embedkv

import (
	"fmt"
	"sort"
	"unsafe"
)

// freelist tracks pages freed by committed or rolled-back transactions
// until no reader can still observe the transaction that freed them
// (spec.md §4.2).
//
// Invariants maintained across every method: ids ∩ flatten(pending) = ∅;
// cache = ids ∪ flatten(pending); ids and every pending[t] stay sorted
// ascending; pgid 0 and 1 never appear anywhere in the structure.
type freelist struct {
	ids     pgids           // all free and currently reusable page ids, sorted.
	pending map[txid]pgids  // pages freed by txid, not yet safe to reuse.
	cache   map[pgid]bool   // union of ids and every pending[*], for O(1) membership.
}

// newFreelist returns an empty, initialized freelist.
func newFreelist() *freelist {
	return &freelist{
		pending: make(map[txid]pgids),
		cache:   make(map[pgid]bool),
	}
}

// size returns the number of bytes needed to serialize the freelist,
// accounting for the 0xFFFF overflow-count convention.
func (f *freelist) size() int {
	n := f.count()
	if n >= 0xFFFF {
		// The first slot holds the true count; see write().
		n++
	}
	return pageHeaderSize + int(unsafe.Sizeof(pgid(0)))*n
}

// count returns the total number of free and pending pages.
func (f *freelist) count() int {
	return f.freeCount() + f.pendingCount()
}

// freeCount returns the number of immediately reusable pages.
func (f *freelist) freeCount() int {
	return len(f.ids)
}

// pendingCount returns the number of pages awaiting release.
func (f *freelist) pendingCount() int {
	var n int
	for _, list := range f.pending {
		n += len(list)
	}
	return n
}

// copyall writes a single sorted list containing every free and pending
// pgid into dst. dst must be at least f.count() long.
func (f *freelist) copyall(dst []pgid) {
	m := make(pgids, 0, f.pendingCount())
	for _, list := range f.pending {
		m = append(m, list...)
	}
	sort.Sort(m)
	mergepgids(dst, f.ids, m)
}

// allocate scans ids left-to-right for the first run of exactly n
// consecutive pgids and returns its starting id, removing the run from
// ids and cache. It returns 0 if no such run exists (spec.md §4.2).
func (f *freelist) allocate(n int) pgid {
	if len(f.ids) == 0 {
		return 0
	}

	var initial, previd pgid
	for i, id := range f.ids {
		_assert(id > 1, "invalid page allocation: %d", id)

		// Reset the run if this id isn't contiguous with the last one.
		if previd == 0 || id-previd != 1 {
			initial = id
		}

		// Found a contiguous run of the requested length.
		if (id-initial)+1 == pgid(n) {
			// Fast path: allocating off the front of the slice.
			if (i + 1) == n {
				f.ids = f.ids[i+1:]
			} else {
				copy(f.ids[i-n+1:], f.ids[i+1:])
				f.ids = f.ids[:len(f.ids)-n]
			}

			for j := pgid(0); j < pgid(n); j++ {
				delete(f.cache, initial+j)
			}
			return initial
		}

		previd = id
	}
	return 0
}

// free inserts page.id .. page.id+page.overflow into pending[txid]. It
// panics if any of those pgids are already tracked as free (a double
// free is an internal invariant violation, spec.md §4.2).
func (f *freelist) free(txid txid, p *page) {
	_assert(p.id > 1, "cannot free page 0 or 1: %d", p.id)

	ids := f.pending[txid]
	for id := p.id; id <= p.id+pgid(p.overflow); id++ {
		_assert(!f.cache[id], "page %d already freed", id)
		ids = append(ids, id)
		f.cache[id] = true
	}
	f.pending[txid] = ids
}

// release moves every pending[t] with t <= uptoTxid into ids, in sorted
// order, and drops those entries from pending (spec.md §4.2).
func (f *freelist) release(uptoTxid txid) {
	m := make(pgids, 0)
	for tid, ids := range f.pending {
		if tid <= uptoTxid {
			m = append(m, ids...)
			delete(f.pending, tid)
		}
	}
	sort.Sort(m)
	f.ids = f.ids.merge(m)
}

// rollback discards pending[txid] entirely, removing its pgids from
// cache (spec.md §4.2).
func (f *freelist) rollback(txid txid) {
	for _, id := range f.pending[txid] {
		delete(f.cache, id)
	}
	delete(f.pending, txid)
}

// freed reports whether the given pgid is tracked anywhere in the
// freelist (free or pending).
func (f *freelist) freed(pgid pgid) bool {
	return f.cache[pgid]
}

// read initializes the freelist's immediately-reusable ids from a
// freelist page (spec.md §4.2, "read").
func (f *freelist) read(p *page) {
	if (p.flags & freelistPageFlag) == 0 {
		panic(fmt.Sprintf("invalid freelist page: %d, page type is %s", p.id, p.typ()))
	}

	ids := p.freelistPageIds()
	if len(ids) == 0 {
		f.ids = nil
	} else {
		idsCopy := make(pgids, len(ids))
		copy(idsCopy, ids)
		sort.Sort(idsCopy)
		f.ids = idsCopy
	}
	f.reindex()
}

// write serializes every free and pending pgid onto a freelist page,
// using the 0xFFFF overflow convention when count would otherwise
// overflow a uint16 (spec.md §4.2, "write"). Pending pages are persisted
// too: on crash, everything pending becomes free on reload.
func (f *freelist) write(p *page) error {
	p.flags |= freelistPageFlag

	l := f.count()
	switch {
	case l == 0:
		p.count = uint16(l)
	case l < 0xFFFF:
		p.count = uint16(l)
		data := unsafeAdd(unsafe.Pointer(p), unsafe.Sizeof(*p))
		f.copyall(unsafe.Slice((*pgid)(data), l))
	default:
		p.count = 0xFFFF
		data := unsafeAdd(unsafe.Pointer(p), unsafe.Sizeof(*p))
		ids := unsafe.Slice((*pgid)(data), l+1)
		ids[0] = pgid(l)
		f.copyall(ids[1:])
	}
	return nil
}

// reload re-reads the freelist from its on-disk page, then filters out
// any pgid still tracked as pending — used after a rollback that needs
// to discard in-memory dirty state (spec.md §4.7, tx rollback).
func (f *freelist) reload(p *page) {
	f.read(p)

	pending := make(map[pgid]bool)
	for _, list := range f.pending {
		for _, id := range list {
			pending[id] = true
		}
	}

	var a pgids
	for _, id := range f.ids {
		if !pending[id] {
			a = append(a, id)
		}
	}
	f.ids = a
	f.reindex()
}

// readIDs replaces ids with a copy of the given list, sorted ascending,
// and rebuilds cache. Used by DB.loadFreelist when NoFreelistSync is set
// and the freelist must be reconstructed by walking live pages rather
// than trusted from its on-disk page (spec.md §4.2, "Rebuild on open").
func (f *freelist) readIDs(ids []pgid) {
	f.ids = make(pgids, len(ids))
	copy(f.ids, ids)
	sort.Sort(f.ids)
	f.reindex()
}

// reindex rebuilds cache from ids and pending.
func (f *freelist) reindex() {
	f.cache = make(map[pgid]bool, len(f.ids))
	for _, id := range f.ids {
		f.cache[id] = true
	}
	for _, list := range f.pending {
		for _, id := range list {
			f.cache[id] = true
		}
	}
}
