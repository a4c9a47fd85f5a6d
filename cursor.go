package embedkv

import (
	"bytes"
	"fmt"
	"sort"
)

// Cursor represents an iterator that can traverse over all key/value
// pairs in a bucket in ascending key order. Cursors see nested buckets
// with a nil value. Cursors can be obtained from a transaction and are
// valid as long as the transaction is open (spec.md §4.6).
type Cursor struct {
	bucket *Bucket
	stack  []elemRef
}

// elemRef represents a single level of the cursor's traversal stack: the
// page or node at that level, plus which element within it the cursor is
// positioned on (spec.md §4.6, "State").
type elemRef struct {
	page  *page
	node  *node
	index int
}

// isLeaf returns whether the ref is pointing at a leaf page/node.
func (r *elemRef) isLeaf() bool {
	if r.node != nil {
		return r.node.isLeaf
	}
	return (r.page.flags & leafPageFlag) != 0
}

// count returns the number of inodes or page elements.
func (r *elemRef) count() int {
	if r.node != nil {
		return len(r.node.inodes)
	}
	return int(r.page.count)
}

// Bucket returns the bucket that this cursor was created from.
func (c *Cursor) Bucket() *Bucket { return c.bucket }

// First moves the cursor to the first item and returns its key/value.
// Returns a nil key if the bucket is empty.
func (c *Cursor) First() (key []byte, value []byte) {
	_assert(c.bucket.tx.db != nil, "tx closed")
	c.stack = c.stack[:0]
	p, n := c.bucket.pageNode(c.bucket.root)
	c.stack = append(c.stack, elemRef{page: p, node: n, index: 0})
	c.first()

	if c.stack[len(c.stack)-1].count() == 0 {
		c.next()
	}

	k, v, flags := c.keyValue()
	if (flags & uint32(bucketLeafFlag)) != 0 {
		return k, nil
	}
	return k, v
}

// Last moves the cursor to the last item and returns its key/value.
func (c *Cursor) Last() (key []byte, value []byte) {
	_assert(c.bucket.tx.db != nil, "tx closed")
	c.stack = c.stack[:0]
	p, n := c.bucket.pageNode(c.bucket.root)
	ref := elemRef{page: p, node: n}
	ref.index = ref.count() - 1
	c.stack = append(c.stack, ref)
	c.last()
	k, v, flags := c.keyValue()
	if (flags & bucketLeafFlag) != 0 {
		return k, nil
	}
	return k, v
}

// Next moves the cursor to the next item and returns its key/value.
// Returns a nil key if the cursor is past the last item.
func (c *Cursor) Next() (key []byte, value []byte) {
	_assert(c.bucket.tx.db != nil, "tx closed")
	k, v, flags := c.next()
	if (flags & bucketLeafFlag) != 0 {
		return k, nil
	}
	return k, v
}

// Prev moves the cursor to the previous item and returns its key/value.
// Returns a nil key if the cursor is before the first item.
func (c *Cursor) Prev() (key []byte, value []byte) {
	_assert(c.bucket.tx.db != nil, "tx closed")

	for i := len(c.stack) - 1; i >= 0; i-- {
		elem := &c.stack[i]
		if elem.index > 0 {
			elem.index--
			break
		}
		c.stack = c.stack[:i]
	}

	if len(c.stack) == 0 {
		return nil, nil
	}

	c.last()
	k, v, flags := c.keyValue()
	if (flags & bucketLeafFlag) != 0 {
		return k, nil
	}
	return k, v
}

// Seek moves the cursor to the given key and returns it. If the key does
// not exist then the next key is used (nil if none follows). Returns a
// nil value for sub-bucket entries.
func (c *Cursor) Seek(seek []byte) (key []byte, value []byte) {
	k, v, flags := c.seek(seek)
	if k == nil {
		return nil, nil
	} else if (flags & bucketLeafFlag) != 0 {
		return k, nil
	}
	return k, v
}

// Delete removes the key/value item the cursor is currently positioned
// on. Fails with ErrIncompatibleValue if positioned on a sub-bucket.
func (c *Cursor) Delete() error {
	if c.bucket.tx.db == nil {
		return ErrTxClosed
	} else if !c.bucket.Writable() {
		return ErrTxNotWritable
	}

	key, _, flags := c.keyValue()
	if (flags & bucketLeafFlag) != 0 {
		return ErrIncompatibleValue
	}
	c.node().del(key)
	return nil
}

// seek recursively descends from the bucket's root looking for key,
// leaving the stack positioned on the matching or next leaf entry
// (spec.md §4.6, "seek(key)").
func (c *Cursor) seek(seek []byte) (key []byte, value []byte, flags uint32) {
	_assert(c.bucket.tx.db != nil, "tx closed")

	c.stack = c.stack[:0]
	c.search(seek, c.bucket.root)
	ref := &c.stack[len(c.stack)-1]

	if ref.index >= ref.count() {
		k, v, flags := c.next()
		return k, v, flags
	}

	return c.keyValue()
}

// next moves to the next leaf element across page/node boundaries,
// climbing the stack and descending back down as needed.
func (c *Cursor) next() (key []byte, value []byte, flags uint32) {
	for {
		var i int
		for i = len(c.stack) - 1; i >= 0; i-- {
			elem := &c.stack[i]
			if elem.index < elem.count()-1 {
				elem.index++
				break
			}
		}

		if i == -1 {
			return nil, nil, 0
		}

		c.stack = c.stack[:i+1]
		c.first()

		if c.stack[len(c.stack)-1].count() == 0 {
			continue
		}

		return c.keyValue()
	}
}

// first descends from the current top-of-stack ref down to the leftmost
// leaf, pushing one elemRef per level.
func (c *Cursor) first() {
	for {
		ref := &c.stack[len(c.stack)-1]
		if ref.isLeaf() {
			break
		}

		var pgid pgid
		if ref.node != nil {
			pgid = ref.node.inodes[ref.index].pgid
		} else {
			pgid = ref.page.branchPageElement(uint16(ref.index)).pgid
		}

		p, n := c.bucket.pageNode(pgid)
		c.stack = append(c.stack, elemRef{page: p, node: n, index: 0})
	}
}

// last descends from the current top-of-stack ref down to the rightmost
// leaf, pushing one elemRef per level.
func (c *Cursor) last() {
	for {
		ref := &c.stack[len(c.stack)-1]
		if ref.isLeaf() {
			break
		}

		var pgid pgid
		if ref.node != nil {
			pgid = ref.node.inodes[ref.index].pgid
		} else {
			pgid = ref.page.branchPageElement(uint16(ref.index)).pgid
		}

		p, n := c.bucket.pageNode(pgid)
		ref2 := elemRef{page: p, node: n}
		ref2.index = ref2.count() - 1
		c.stack = append(c.stack, ref2)
	}
}

// search binary-searches the page/node at pgid for seek, recurses into
// the appropriate child when it's a branch, and stops at a leaf match
// (spec.md §4.6, "seek(key)").
func (c *Cursor) search(seek []byte, id pgid) {
	p, n := c.bucket.pageNode(id)
	if p != nil && (p.flags&(branchPageFlag|leafPageFlag)) == 0 {
		panic(fmt.Sprintf("invalid page type: %d: %x", p.id, p.flags))
	}
	ref := elemRef{page: p, node: n}
	c.stack = append(c.stack, ref)

	if ref.isLeaf() {
		c.nsearch(seek)
		return
	}

	if n != nil {
		c.searchNode(seek, n)
		return
	}
	c.searchPage(seek, p)
}

func (c *Cursor) searchNode(seek []byte, n *node) {
	var exact bool
	index := sort.Search(len(n.inodes), func(i int) bool {
		ret := bytes.Compare(n.inodes[i].key, seek)
		if ret == 0 {
			exact = true
		}
		return ret != -1
	})
	if !exact && index > 0 {
		index--
	}
	c.stack[len(c.stack)-1].index = index

	c.search(seek, n.inodes[index].pgid)
}

func (c *Cursor) searchPage(seek []byte, p *page) {
	inodes := p.branchPageElements()

	var exact bool
	index := sort.Search(int(p.count), func(i int) bool {
		ret := bytes.Compare(inodes[i].key(), seek)
		if ret == 0 {
			exact = true
		}
		return ret != -1
	})
	if !exact && index > 0 {
		index--
	}
	c.stack[len(c.stack)-1].index = index

	c.search(seek, inodes[index].pgid)
}

// nsearch binary-searches the leaf page/node at the top of the stack.
func (c *Cursor) nsearch(key []byte) {
	ref := &c.stack[len(c.stack)-1]
	if n := ref.node; n != nil {
		index := sort.Search(len(n.inodes), func(i int) bool {
			return bytes.Compare(n.inodes[i].key, key) != -1
		})
		ref.index = index
		return
	}

	p := ref.page
	inodes := p.leafPageElements()
	index := sort.Search(int(p.count), func(i int) bool {
		return bytes.Compare(inodes[i].key(), key) != -1
	})
	ref.index = index
}

// keyValue returns the key/value/flags the cursor is currently
// positioned on.
func (c *Cursor) keyValue() ([]byte, []byte, uint32) {
	ref := &c.stack[len(c.stack)-1]
	if ref.count() == 0 || ref.index >= ref.count() {
		return nil, nil, 0
	}

	if ref.node != nil {
		in := &ref.node.inodes[ref.index]
		return in.key, in.value, in.flags
	}

	elem := ref.page.leafPageElement(uint16(ref.index))
	return elem.key(), elem.value(), elem.flags
}

// node materializes the node chain the cursor's stack currently
// describes, returning the leaf node for mutation (spec.md §4.6,
// "node()").
func (c *Cursor) node() *node {
	_assert(len(c.stack) > 0, "accessing a node with a zero-length cursor stack")

	if ref := &c.stack[len(c.stack)-1]; ref.node != nil && ref.isLeaf() {
		return ref.node
	}

	n := c.stack[0].node
	if n == nil {
		n = c.bucket.node(c.stack[0].page.id, nil)
	}
	for _, ref := range c.stack[:len(c.stack)-1] {
		_assert(!n.isLeaf, "expected branch node")
		n = n.childAt(ref.index)
	}

	_assert(n.isLeaf, "expected leaf node")
	return n
}
