package embedkv

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCrashBetweenDataWriteAndMetaWrite exercises spec.md §8 scenario 6:
// a crash between commit step 6 (dirty pages durable) and step 7 (new
// meta page durable) must leave the database in the pre-commit state on
// reopen, because the meta slot the crashed commit targeted still holds
// its previous, valid contents.
//
// Real fault injection (coyove-bbolt's go.mod lists go.etcd.io/gofail
// for this) isn't grounded in anything the retrieved example pack
// shows the API of, so this simulates the crash directly: after a
// second commit lands its data pages, we zero the meta slot that
// commit was about to stamp, as if the process died before that write
// reached disk.
func TestCrashBetweenDataWriteAndMetaWrite(t *testing.T) {
	path := tempDBPath(t)

	db, err := Open(path, 0600, nil)
	require.NoError(t, err)

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("b"))
		if err != nil {
			return err
		}
		return b.Put([]byte("key1"), []byte("value1"))
	}))

	// The transaction that just committed wrote its meta into slot
	// txid%2; the *other* slot is where the next writer's commit will
	// land. Simulate a crash there after the second update's data pages
	// are durable but before its meta page is.
	nextSlot := int64((db.meta().txid + 1) % 2)
	pageSize := int64(db.pageSize)

	require.NoError(t, db.Update(func(tx *Tx) error {
		b := tx.Bucket([]byte("b"))
		return b.Put([]byte("key2"), []byte("value2"))
	}))

	require.NoError(t, db.Close())

	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	require.NoError(t, err)
	zero := make([]byte, pageSize)
	_, err = f.WriteAt(zero, nextSlot*pageSize)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	db2, err := Open(path, 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db2.Close() })

	require.NoError(t, db2.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("b"))
		require.NotNil(t, b)
		assert.Equal(t, "value1", string(b.Get([]byte("key1"))))
		assert.Nil(t, b.Get([]byte("key2")))
		return nil
	}))
}
