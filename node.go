package embedkv

import (
	"bytes"
	"sort"
	"unsafe"
)

// inode is an internal node entry: either a leaf key/value (or key/
// sub-bucket-header when flags&bucketLeafFlag != 0) or a branch routing
// entry pointing at child_pgid (spec.md §3, "Node (in-memory)").
type inode struct {
	flags uint32
	pgid  pgid
	key   []byte
	value []byte
}

type inodes []inode

// node is the mutable, in-memory shadow of a page, materialized lazily
// the first time a writer transaction touches that page (spec.md §4.4).
type node struct {
	bucket     *Bucket
	isLeaf     bool
	unbalanced bool
	spilled    bool
	key        []byte // cached first key, as known to the parent
	pgid       pgid
	parent     *node
	children   nodes
	inodes     inodes
}

type nodes []*node

func (s nodes) Len() int      { return len(s) }
func (s nodes) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s nodes) Less(i, j int) bool {
	return bytes.Compare(s[i].inodes[0].key, s[j].inodes[0].key) == -1
}

// root returns the top-level node this node is attached to.
func (n *node) root() *node {
	if n.parent == nil {
		return n
	}
	return n.parent.root()
}

// minKeys returns the minimum number of inodes this node should carry
// after rebalance: 1 for a leaf, 2 for a branch (spec.md §4.4).
func (n *node) minKeys() int {
	if n.isLeaf {
		return 1
	}
	return 2
}

// size returns the size of the node once serialized to a page.
func (n *node) size() int {
	sz := pageHeaderSize
	elsz := n.pageElementSize()
	for _, item := range n.inodes {
		sz += elsz + len(item.key) + len(item.value)
	}
	return sz
}

// sizeLessThan reports whether the node would serialize to fewer than v
// bytes, short-circuiting once the running total reaches v.
func (n *node) sizeLessThan(v int) bool {
	sz := pageHeaderSize
	elsz := n.pageElementSize()
	for _, item := range n.inodes {
		sz += elsz + len(item.key) + len(item.value)
		if sz >= v {
			return false
		}
	}
	return true
}

// pageElementSize returns the on-page element size for this node's kind.
func (n *node) pageElementSize() int {
	if n.isLeaf {
		return leafPageElementSize
	}
	return branchPageElementSize
}

// childAt returns the child node at a given index. Only valid on a
// branch node.
func (n *node) childAt(index int) *node {
	_assert(!n.isLeaf, "invalid childAt(%d) on a leaf node", index)
	return n.bucket.node(n.inodes[index].pgid, n)
}

// childIndex returns the index of a given child node within its
// parent's inodes.
func (n *node) childIndex(child *node) int {
	return sort.Search(len(n.inodes), func(i int) bool { return bytes.Compare(n.inodes[i].key, child.key) != -1 })
}

// numChildren returns the number of children (branch) or entries (leaf).
func (n *node) numChildren() int {
	return len(n.inodes)
}

// nextSibling returns the node immediately to the right under the same
// parent, or nil if n is the rightmost child.
func (n *node) nextSibling() *node {
	if n.parent == nil {
		return nil
	}
	index := n.parent.childIndex(n)
	if index >= n.parent.numChildren()-1 {
		return nil
	}
	return n.parent.childAt(index + 1)
}

// prevSibling returns the node immediately to the left under the same
// parent, or nil if n is the leftmost child.
func (n *node) prevSibling() *node {
	if n.parent == nil {
		return nil
	}
	index := n.parent.childIndex(n)
	if index == 0 {
		return nil
	}
	return n.parent.childAt(index - 1)
}

// put inserts or overwrites an inode. When oldKey != newKey this renames
// the routing entry — used when a child's smallest key changes after a
// split or merge (spec.md §4.4, "Insert/delete on a node").
func (n *node) put(oldKey, newKey, value []byte, pgid pgid, flags uint32) {
	if pgid >= n.bucket.tx.meta.pgid {
		panic("pgid above high water mark")
	} else if len(oldKey) <= 0 {
		panic("put: zero-length old key")
	} else if len(newKey) <= 0 {
		panic("put: zero-length new key")
	}

	index := sort.Search(len(n.inodes), func(i int) bool { return bytes.Compare(n.inodes[i].key, oldKey) != -1 })

	exact := len(n.inodes) > 0 && index < len(n.inodes) && bytes.Equal(n.inodes[index].key, oldKey)
	if !exact {
		n.inodes = append(n.inodes, inode{})
		copy(n.inodes[index+1:], n.inodes[index:])
	}

	in := &n.inodes[index]
	in.flags = flags
	in.key = newKey
	in.value = value
	in.pgid = pgid
	_assert(len(in.key) > 0, "put: zero-length inode key")
}

// del removes the inode with the given key, marking the node unbalanced
// so a later rebalance pass considers it (spec.md §4.4).
func (n *node) del(key []byte) {
	index := sort.Search(len(n.inodes), func(i int) bool { return bytes.Compare(n.inodes[i].key, key) != -1 })
	if index >= len(n.inodes) || !bytes.Equal(n.inodes[index].key, key) {
		return
	}
	n.inodes = append(n.inodes[:index], n.inodes[index+1:]...)
	n.unbalanced = true
}

// read populates the node from an on-disk leaf or branch page, copying
// key and value bytes into owned storage (spec.md §4.4, "Materialization").
func (n *node) read(p *page) {
	n.pgid = p.id
	n.isLeaf = (p.flags & leafPageFlag) != 0
	n.inodes = make(inodes, int(p.count))

	for i := 0; i < int(p.count); i++ {
		in := &n.inodes[i]
		if n.isLeaf {
			elem := p.leafPageElement(uint16(i))
			in.flags = elem.flags
			in.key = cloneBytes(elem.key())
			in.value = cloneBytes(elem.value())
		} else {
			elem := p.branchPageElement(uint16(i))
			in.pgid = elem.pgid
			in.key = cloneBytes(elem.key())
		}
		_assert(len(in.key) > 0, "read: zero-length inode key")
	}

	if len(n.inodes) > 0 {
		n.key = n.inodes[0].key
	} else {
		n.key = nil
	}
}

// write serializes the node onto a page: the element header array first,
// then packed key/value bytes appended from the end of the array outward
// (spec.md §4.4, "Materialization").
func (n *node) write(p *page) {
	_assert(p.count == 0 && p.flags == 0, "node cannot write into a non-empty page")

	if n.isLeaf {
		p.flags |= leafPageFlag
	} else {
		p.flags |= branchPageFlag
	}
	if len(n.inodes) >= 0xFFFF {
		panic("node has too many inodes to write to a single page header")
	}
	p.count = uint16(len(n.inodes))
	if p.count == 0 {
		return
	}

	b := unsafeByteSlice(unsafe.Pointer(p), uintptr(pageHeaderSize+n.pageElementSize()*len(n.inodes)), 0, maxAllocSizeFor(n))

	for i, item := range n.inodes {
		_assert(len(item.key) > 0, "write: zero-length inode key")

		if n.isLeaf {
			elem := p.leafPageElement(uint16(i))
			elem.pos = uint32(uintptr(unsafe.Pointer(&b[0])) - uintptr(unsafe.Pointer(elem)))
			elem.flags = item.flags
			elem.ksize = uint32(len(item.key))
			elem.vsize = uint32(len(item.value))
		} else {
			elem := p.branchPageElement(uint16(i))
			elem.pos = uint32(uintptr(unsafe.Pointer(&b[0])) - uintptr(unsafe.Pointer(elem)))
			elem.ksize = uint32(len(item.key))
			elem.pgid = item.pgid
			_assert(elem.pgid != p.id, "write: circular dependency occurred, node cannot point to itself")
		}

		klen, vlen := len(item.key), len(item.value)
		copy(b[0:], item.key)
		b = b[klen:]
		copy(b[0:], item.value)
		b = b[vlen:]
	}
}

// maxAllocSizeFor bounds the scratch byte slice write() carves out of the
// page buffer to the node's actual serialized size, so the unsafe slice
// construction never claims bytes past the allocation backing p.
func maxAllocSizeFor(n *node) int {
	sz := n.size() - pageHeaderSize - n.pageElementSize()*len(n.inodes)
	if sz < 0 {
		return 0
	}
	return sz
}

// split breaks the node into one or more nodes targeting
// fill_percent*pageSize each. Called only from spill. See spec.md §4.4,
// "Split algorithm".
func (n *node) split(pageSize int) []*node {
	var result = []*node{n}

	if len(n.inodes) <= minKeysPerPage*2 || n.size() < pageSize {
		return result
	}

	fillPercent := n.bucket.FillPercent
	if fillPercent < minFillPercent {
		fillPercent = minFillPercent
	} else if fillPercent > maxFillPercent {
		fillPercent = maxFillPercent
	}
	threshold := int(float64(pageSize) * fillPercent)

	size := pageHeaderSize
	internalNodes := n.inodes
	current := n
	current.inodes = nil

	for i, in := range internalNodes {
		elemSize := n.pageElementSize() + len(in.key) + len(in.value)

		if len(current.inodes) >= minKeysPerPage && i < len(internalNodes)-minKeysPerPage && size+elemSize > threshold {
			if n.parent == nil {
				n.parent = &node{bucket: n.bucket, children: []*node{n}}
			}

			current = &node{bucket: n.bucket, isLeaf: n.isLeaf, parent: n.parent}
			n.parent.children = append(n.parent.children, current)
			result = append(result, current)
			size = pageHeaderSize
		}

		size += elemSize
		current.inodes = append(current.inodes, in)
	}

	return result
}

// spill writes every dirtied node in this subtree to freshly allocated
// pages, splitting where necessary, bottom-up (spec.md §4.4, "Spill").
// It returns an error if the transaction cannot allocate more pages.
func (n *node) spill() error {
	tx := n.bucket.tx
	if n.spilled {
		return nil
	}

	sort.Sort(n.children)
	for i := 0; i < len(n.children); i++ {
		if err := n.children[i].spill(); err != nil {
			return err
		}
	}

	// Children may have been rewritten under new keys during their own
	// spill; the parent's cached child slice can now be dropped.
	n.children = nil

	for _, sn := range n.split(tx.db.pageSize) {
		if sn.pgid > 0 {
			tx.db.freelist.free(tx.meta.txid, tx.page(sn.pgid))
			sn.pgid = 0
		}

		p, err := tx.allocate((sn.size() / tx.db.pageSize) + 1)
		if err != nil {
			return err
		}

		_assert(p.id < tx.meta.pgid, "pgid (%d) above high water mark (%d)", p.id, tx.meta.pgid)
		sn.pgid = p.id
		sn.write(p)
		sn.spilled = true

		if sn.parent != nil {
			var key = sn.key
			if key == nil {
				key = sn.inodes[0].key
			}
			sn.parent.put(key, sn.inodes[0].key, nil, sn.pgid, 0)
			sn.key = sn.inodes[0].key
			_assert(len(sn.key) > 0, "spill: zero-length node key")
		}

		tx.stats.IncSpill(1)
	}

	if n.parent != nil && n.parent.pgid == 0 {
		n.parent.children = nil
		return n.parent.spill()
	}

	return nil
}

// rebalance attempts to merge the node with a sibling, or collapse a
// branch-root-of-one, after a deletion left it below threshold (spec.md
// §4.4, "Rebalance"). A no-op unless unbalanced is set.
func (n *node) rebalance() {
	if !n.unbalanced {
		return
	}
	n.unbalanced = false
	n.bucket.tx.stats.IncRebalance(1)

	threshold := n.bucket.tx.db.pageSize / 4
	if n.size() > threshold && len(n.inodes) > n.minKeys() {
		return
	}

	// Root special cases.
	if n.parent == nil {
		if !n.isLeaf && len(n.inodes) == 1 {
			child := n.bucket.node(n.inodes[0].pgid, n)
			n.isLeaf = child.isLeaf
			n.inodes = child.inodes[:]
			n.children = child.children

			for _, in := range n.inodes {
				if c, ok := n.bucket.nodes[in.pgid]; ok {
					c.parent = n
				}
			}

			child.parent = nil
			delete(n.bucket.nodes, child.pgid)
			child.free()
		}
		return
	}

	if n.numChildren() == 0 {
		n.parent.del(n.key)
		n.parent.removeChild(n)
		delete(n.bucket.nodes, n.pgid)
		n.free()
		n.parent.rebalance()
		return
	}

	_assert(n.parent.numChildren() > 1, "parent must have at least 2 children")

	var target *node
	useNextSibling := n.parent.childIndex(n) == 0
	if useNextSibling {
		target = n.nextSibling()
	} else {
		target = n.prevSibling()
	}

	if target.numChildren() > target.minKeys() {
		if useNextSibling {
			if c, ok := n.bucket.nodes[target.inodes[0].pgid]; ok {
				c.parent.removeChild(c)
				c.parent = n
				c.parent.children = append(c.parent.children, c)
			}
			n.inodes = append(n.inodes, target.inodes[0])
			target.inodes = target.inodes[1:]

			target.parent.put(target.key, target.inodes[0].key, nil, target.pgid, 0)
			target.key = target.inodes[0].key
			_assert(len(target.key) > 0, "rebalance(1): zero-length node key")
		} else {
			if c, ok := n.bucket.nodes[target.inodes[len(target.inodes)-1].pgid]; ok {
				c.parent.removeChild(c)
				c.parent = n
				c.parent.children = append(c.parent.children, c)
			}
			n.inodes = append(n.inodes, inode{})
			copy(n.inodes[1:], n.inodes)
			n.inodes[0] = target.inodes[len(target.inodes)-1]
			target.inodes = target.inodes[:len(target.inodes)-1]
		}

		n.parent.put(n.key, n.inodes[0].key, nil, n.pgid, 0)
		n.key = n.inodes[0].key
		_assert(len(n.key) > 0, "rebalance(2): zero-length node key")
		return
	}

	// Neither side has spare keys: merge n into (or out of) target.
	if useNextSibling {
		for _, in := range target.inodes {
			if c, ok := n.bucket.nodes[in.pgid]; ok {
				c.parent.removeChild(c)
				c.parent = n
				c.parent.children = append(c.parent.children, c)
			}
		}
		n.inodes = append(n.inodes, target.inodes...)
		n.parent.del(target.key)
		n.parent.removeChild(target)
		delete(n.bucket.nodes, target.pgid)
		target.free()
	} else {
		for _, in := range n.inodes {
			if c, ok := n.bucket.nodes[in.pgid]; ok {
				c.parent.removeChild(c)
				c.parent = target
				c.parent.children = append(c.parent.children, c)
			}
		}
		target.inodes = append(target.inodes, n.inodes...)
		n.parent.del(n.key)
		n.parent.removeChild(n)
		n.parent.put(target.key, target.inodes[0].key, nil, target.pgid, 0)
		delete(n.bucket.nodes, n.pgid)
		n.free()
	}

	n.parent.rebalance()
}

// removeChild drops target from the in-memory children cache only; it
// does not touch inodes.
func (n *node) removeChild(target *node) {
	for i, child := range n.children {
		if child == target {
			n.children = append(n.children[:i], n.children[i+1:]...)
			return
		}
	}
}

// dereference copies every inode's key and value bytes to heap memory so
// they survive an mmap remap (spec.md §9, "Mmap + mutation").
func (n *node) dereference() {
	if n.key != nil {
		key := make([]byte, len(n.key))
		copy(key, n.key)
		n.key = key
		_assert(n.pgid == 0 || len(n.key) > 0, "dereference: zero-length node key on existing node")
	}

	for i := range n.inodes {
		in := &n.inodes[i]

		key := make([]byte, len(in.key))
		copy(key, in.key)
		in.key = key
		_assert(len(in.key) > 0, "dereference: zero-length inode key")

		value := make([]byte, len(in.value))
		copy(value, in.value)
		in.value = value
	}

	for _, child := range n.children {
		child.dereference()
	}

	n.bucket.tx.stats.IncNodeDeref(1)
}

// free adds the node's current pgid (and its overflow) to the freelist
// under the current txid, then clears pgid (spec.md §4.4, "Free").
func (n *node) free() {
	if n.pgid != 0 {
		n.bucket.tx.db.freelist.free(n.bucket.tx.meta.txid, n.bucket.tx.page(n.pgid))
		n.pgid = 0
	}
}
