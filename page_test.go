package embedkv

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetaValidate(t *testing.T) {
	m := &meta{magic: magic, version: version, pageSize: 4096, root: bucket{root: 3}, freelist: 2, pgid: 4, txid: 1}
	m.checksum = m.sum64()
	require.NoError(t, m.validate())

	bad := *m
	bad.magic = 0
	require.Equal(t, ErrInvalid, bad.validate())

	bad = *m
	bad.version = version + 1
	require.Equal(t, ErrVersionMismatch, bad.validate())

	bad = *m
	bad.txid = 99
	require.Equal(t, ErrChecksum, bad.validate())
}

func TestMetaWriteStampsPageID(t *testing.T) {
	buf := make([]byte, 4096)
	p := (*page)(unsafe.Pointer(&buf[0]))

	m := &meta{magic: magic, version: version, pageSize: 4096, root: bucket{root: 3}, freelist: 2, pgid: 4, txid: 5}
	m.write(p)

	assert.Equal(t, pgid(1), p.id)
	assert.NotZero(t, p.meta().checksum)
	require.NoError(t, p.meta().validate())
}

func TestMetaWritePanicsAboveHighWater(t *testing.T) {
	buf := make([]byte, 4096)
	p := (*page)(unsafe.Pointer(&buf[0]))
	m := &meta{magic: magic, version: version, pageSize: 4096, root: bucket{root: 10}, pgid: 4, txid: 0}
	assert.Panics(t, func() { m.write(p) })
}

func TestPgidsMerge(t *testing.T) {
	a := pgids{1, 3, 5}
	b := pgids{2, 4, 6}
	got := a.merge(b)
	assert.Equal(t, pgids{1, 2, 3, 4, 5, 6}, got)

	assert.Equal(t, b, pgids{}.merge(b))
	assert.Equal(t, a, a.merge(pgids{}))
}

func TestPageTyp(t *testing.T) {
	p := &page{flags: leafPageFlag}
	assert.Equal(t, "leaf", p.typ())
	p.flags = branchPageFlag
	assert.Equal(t, "branch", p.typ())
	p.flags = metaPageFlag
	assert.Equal(t, "meta", p.typ())
	p.flags = freelistPageFlag
	assert.Equal(t, "freelist", p.typ())
}
