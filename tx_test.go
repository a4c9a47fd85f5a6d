package embedkv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTxManualCommitAndRollback(t *testing.T) {
	db := openTestDB(t)

	tx, err := db.Begin(true)
	require.NoError(t, err)
	b, err := tx.CreateBucket([]byte("b"))
	require.NoError(t, err)
	require.NoError(t, b.Put([]byte("k"), []byte("v")))
	require.NoError(t, tx.Commit())

	// Writer lock must be released after commit: a second writer tx
	// should be obtainable without blocking.
	tx2, err := db.Begin(true)
	require.NoError(t, err)
	require.NoError(t, tx2.Rollback())

	tx3, err := db.Begin(true)
	require.NoError(t, err)
	b3 := tx3.Bucket([]byte("b"))
	require.NoError(t, b3.Put([]byte("k2"), []byte("v2")))
	require.NoError(t, tx3.Rollback())

	require.NoError(t, db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("b"))
		assert.Equal(t, "v", string(b.Get([]byte("k"))))
		assert.Nil(t, b.Get([]byte("k2")))
		return nil
	}))
}

func TestTxReadOnlyRejectsWrites(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		_, err := tx.CreateBucket([]byte("b"))
		return err
	}))

	tx, err := db.Begin(false)
	require.NoError(t, err)
	b := tx.Bucket([]byte("b"))
	require.NotNil(t, b)
	assert.Equal(t, ErrTxNotWritable, b.Put([]byte("k"), []byte("v")))
	require.NoError(t, tx.Rollback())
}

func TestTxClosedAfterCommit(t *testing.T) {
	db := openTestDB(t)

	tx, err := db.Begin(true)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.Equal(t, ErrTxClosed, tx.Commit())
	assert.Equal(t, ErrTxClosed, tx.Rollback())
}

func TestTxStatsTrackWrites(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("b"))
		if err != nil {
			return err
		}
		for i := 0; i < 10; i++ {
			if err := b.Put([]byte{byte(i)}, []byte("v")); err != nil {
				return err
			}
		}
		tx.OnCommit(func() {
			stats := tx.Stats()
			assert.Greater(t, stats.GetPageCount(), int64(0))
		})
		return nil
	}))

	assert.Greater(t, db.Stats().TxN, 0)
}
