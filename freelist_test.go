package embedkv

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFreelistAllocateContiguousRun(t *testing.T) {
	f := newFreelist()
	f.ids = pgids{2, 3, 4, 5, 6, 8, 9}
	f.reindex()

	assert.Equal(t, pgid(2), f.allocate(3))
	assert.Equal(t, pgids{5, 6, 8, 9}, f.ids)
	assert.False(t, f.freed(3))
	assert.False(t, f.freed(4))
	assert.True(t, f.freed(5))

	assert.Equal(t, pgid(0), f.allocate(5))
}

func TestFreelistFreeRejectsDoubleFree(t *testing.T) {
	f := newFreelist()
	p := &page{id: 10, overflow: 1}
	f.free(1, p)
	assert.True(t, f.freed(10))
	assert.True(t, f.freed(11))

	assert.Panics(t, func() { f.free(2, p) })
}

func TestFreelistFreeRejectsLowPages(t *testing.T) {
	f := newFreelist()
	assert.Panics(t, func() { f.free(1, &page{id: 1}) })
	assert.Panics(t, func() { f.free(1, &page{id: 0}) })
}

func TestFreelistReleaseAndRollback(t *testing.T) {
	f := newFreelist()
	f.free(1, &page{id: 10})
	f.free(2, &page{id: 20})

	f.release(1)
	assert.Equal(t, pgids{10}, f.ids)
	assert.True(t, f.freed(20))
	assert.True(t, f.freed(10))

	f.rollback(2)
	assert.False(t, f.freed(20))
	assert.Equal(t, pgids{10}, f.ids)
}

func TestFreelistWriteReadRoundTrip(t *testing.T) {
	f := newFreelist()
	f.ids = pgids{2, 3, 10}
	f.pending = map[txid]pgids{5: {20, 21}}
	f.reindex()

	buf := make([]byte, f.size())
	p := (*page)(unsafe.Pointer(&buf[0]))
	require.NoError(t, f.write(p))
	assert.Equal(t, uint16(5), p.count)

	f2 := newFreelist()
	f2.read(p)
	assert.Equal(t, pgids{2, 3, 10, 20, 21}, f2.ids)
}

func TestFreelistOverflowConvention(t *testing.T) {
	f := newFreelist()
	ids := make(pgids, 0x10000)
	for i := range ids {
		ids[i] = pgid(i + 2)
	}
	f.ids = ids
	f.reindex()

	buf := make([]byte, f.size())
	p := (*page)(unsafe.Pointer(&buf[0]))
	require.NoError(t, f.write(p))
	assert.Equal(t, uint16(0xFFFF), p.count)

	f2 := newFreelist()
	f2.read(p)
	assert.Len(t, f2.ids, len(ids))
	assert.Equal(t, ids[0], f2.ids[0])
	assert.Equal(t, ids[len(ids)-1], f2.ids[len(f2.ids)-1])
}
