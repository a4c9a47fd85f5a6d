package embedkv

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLeafNode() *node {
	tx := &Tx{meta: &meta{pgid: 1 << 20}}
	b := &Bucket{tx: tx, FillPercent: DefaultFillPercent}
	return &node{bucket: b, isLeaf: true}
}

func TestNodePutAndDel(t *testing.T) {
	n := newTestLeafNode()

	n.put([]byte("b"), []byte("b"), []byte("2"), 0, 0)
	n.put([]byte("a"), []byte("a"), []byte("1"), 0, 0)
	n.put([]byte("c"), []byte("c"), []byte("3"), 0, 0)

	require.Len(t, n.inodes, 3)
	assert.Equal(t, "a", string(n.inodes[0].key))
	assert.Equal(t, "b", string(n.inodes[1].key))
	assert.Equal(t, "c", string(n.inodes[2].key))

	n.put([]byte("b"), []byte("b"), []byte("22"), 0, 0)
	require.Len(t, n.inodes, 3)
	assert.Equal(t, "22", string(n.inodes[1].value))

	n.del([]byte("b"))
	require.Len(t, n.inodes, 2)
	assert.True(t, n.unbalanced)
	assert.Equal(t, "a", string(n.inodes[0].key))
	assert.Equal(t, "c", string(n.inodes[1].key))
}

func TestNodePutRejectsEmptyKey(t *testing.T) {
	n := newTestLeafNode()
	assert.Panics(t, func() { n.put(nil, nil, []byte("v"), 0, 0) })
}

func TestNodeWriteReadRoundTrip(t *testing.T) {
	n := newTestLeafNode()
	n.put([]byte("aaaa"), []byte("aaaa"), []byte("1111"), 0, 0)
	n.put([]byte("bbbb"), []byte("bbbb"), []byte("2222"), 0, bucketLeafFlag)

	buf := make([]byte, n.size())
	p := (*page)(unsafe.Pointer(&buf[0]))
	n.write(p)

	n2 := newTestLeafNode()
	n2.read(p)

	require.Len(t, n2.inodes, 2)
	assert.Equal(t, "aaaa", string(n2.inodes[0].key))
	assert.Equal(t, "1111", string(n2.inodes[0].value))
	assert.Equal(t, uint32(0), n2.inodes[0].flags)
	assert.Equal(t, "bbbb", string(n2.inodes[1].key))
	assert.Equal(t, uint32(bucketLeafFlag), n2.inodes[1].flags)
}

func TestNodeSplitRespectsMinKeys(t *testing.T) {
	n := newTestLeafNode()
	for i := 0; i < 3; i++ {
		k := []byte{byte('a' + i)}
		n.put(k, k, make([]byte, 10), 0, 0)
	}

	result := n.split(64)
	assert.Len(t, result, 1, "too few inodes to split")
}

func TestNodeSplitLargeNode(t *testing.T) {
	n := newTestLeafNode()
	for i := 0; i < 100; i++ {
		k := []byte{byte(i / 26), byte('a' + i%26)}
		n.put(k, k, make([]byte, 50), 0, 0)
	}

	result := n.split(512)
	assert.Greater(t, len(result), 1)

	for _, sn := range result {
		assert.GreaterOrEqual(t, len(sn.inodes), minKeysPerPage)
	}

	var total int
	for _, sn := range result {
		total += len(sn.inodes)
	}
	assert.Equal(t, 100, total)
}
