package embedkv

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempDBPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "data.db")
}

func openTestDB(t *testing.T) *DB {
	db, err := Open(tempDBPath(t), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// Scenario 1 & 2 from spec.md §8.
func TestUpdateViewPutGetDelete(t *testing.T) {
	db := openTestDB(t)

	err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("b"))
		if err != nil {
			return err
		}
		for _, kv := range [][2]string{{"001", "aaa"}, {"002", "bbb"}, {"003", "ccc"}, {"004", "ddd"}} {
			if err := b.Put([]byte(kv[0]), []byte(kv[1])); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("b"))
		require.NotNil(t, b)
		assert.Equal(t, "aaa", string(b.Get([]byte("001"))))
		assert.Equal(t, "ddd", string(b.Get([]byte("004"))))
		return nil
	})
	require.NoError(t, err)

	err = db.Update(func(tx *Tx) error {
		return tx.Bucket([]byte("b")).Delete([]byte("001"))
	})
	require.NoError(t, err)

	err = db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("b"))
		assert.Nil(t, b.Get([]byte("001")))
		assert.Equal(t, "bbb", string(b.Get([]byte("002"))))
		return nil
	})
	require.NoError(t, err)
}

// Scenario 3: an error inside Update rolls back every write performed
// within that transaction.
func TestUpdateRollsBackOnError(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("b"))
		if err != nil {
			return err
		}
		return b.Put([]byte("001"), []byte("aaa"))
	}))

	boom := fmt.Errorf("boom")
	err := db.Update(func(tx *Tx) error {
		b := tx.Bucket([]byte("b"))
		for i := 5; i <= 100; i++ {
			if err := b.Put([]byte(fmt.Sprintf("%03d", i)), []byte("z")); err != nil {
				return err
			}
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("b"))
		assert.Nil(t, b.Get([]byte("050")))
		assert.Equal(t, "aaa", string(b.Get([]byte("001"))))
		return nil
	}))
}

// Scenario 4: bulk insert, reopen, ordered cursor iteration.
func TestCursorOrderedIterationAfterReopen(t *testing.T) {
	path := tempDBPath(t)

	db, err := Open(path, 0600, nil)
	require.NoError(t, err)

	const n = 2000
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("b"))
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			key := []byte(fmt.Sprintf("%08d", i))
			if err := b.Put(key, make([]byte, 16)); err != nil {
				return err
			}
		}
		return nil
	}))
	require.NoError(t, db.Close())

	db2, err := Open(path, 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db2.Close() })

	require.NoError(t, db2.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("b"))
		require.NotNil(t, b)

		c := b.Cursor()
		count := 0
		var last string
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if count > 0 {
				assert.Less(t, last, string(k))
			}
			last = string(k)
			count++
		}
		assert.Equal(t, n, count)
		return nil
	}))
}

// Scenario 5: nested bucket round trip across reopen.
func TestNestedBucketRoundTrip(t *testing.T) {
	path := tempDBPath(t)

	db, err := Open(path, 0600, nil)
	require.NoError(t, err)

	require.NoError(t, db.Update(func(tx *Tx) error {
		a, err := tx.CreateBucket([]byte("a"))
		if err != nil {
			return err
		}
		nested, err := a.CreateBucket([]byte("b"))
		if err != nil {
			return err
		}
		return nested.Put([]byte("k"), []byte("v"))
	}))
	require.NoError(t, db.Close())

	db2, err := Open(path, 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db2.Close() })

	require.NoError(t, db2.View(func(tx *Tx) error {
		a := tx.Bucket([]byte("a"))
		require.NotNil(t, a)
		nested := a.Bucket([]byte("b"))
		require.NotNil(t, nested)
		assert.Equal(t, "v", string(nested.Get([]byte("k"))))
		return nil
	}))
}

func TestBucketRejectsBadKeys(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("b"))
		require.NoError(t, err)

		assert.Equal(t, ErrKeyRequired, b.Put(nil, []byte("v")))
		assert.Equal(t, ErrKeyTooLarge, b.Put(make([]byte, MaxKeySize+1), []byte("v")))

		longKey := make([]byte, MaxKeySize)
		assert.NoError(t, b.Put(longKey, []byte("v")))
		return nil
	}))
}

func TestCreateBucketConflicts(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		_, err := tx.CreateBucket([]byte("b"))
		require.NoError(t, err)

		_, err = tx.CreateBucket([]byte("b"))
		assert.Equal(t, ErrBucketExists, err)

		b2, err := tx.CreateBucketIfNotExists([]byte("b"))
		require.NoError(t, err)
		assert.NotNil(t, b2)
		return nil
	}))
}

func TestSequence(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("b"))
		require.NoError(t, err)

		assert.EqualValues(t, 0, b.Sequence())
		n1, err := b.NextSequence()
		require.NoError(t, err)
		assert.EqualValues(t, 1, n1)
		n2, err := b.NextSequence()
		require.NoError(t, err)
		assert.EqualValues(t, 2, n2)
		return nil
	}))
}

func TestOpenHonorsCustomPageSize(t *testing.T) {
	path := tempDBPath(t)

	const pageSize = 8192
	db, err := Open(path, 0600, &Options{PageSize: pageSize})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	assert.Equal(t, pageSize, db.pageSize)

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("b"))
		if err != nil {
			return err
		}
		return b.Put([]byte("k"), []byte("v"))
	}))

	require.NoError(t, db.Close())

	db2, err := Open(path, 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db2.Close() })

	assert.Equal(t, pageSize, db2.pageSize)
	require.NoError(t, db2.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("b"))
		assert.Equal(t, "v", string(b.Get([]byte("k"))))
		return nil
	}))
}

func TestTxCheckFindsNoInconsistencyOnFreshDB(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("b"))
		require.NoError(t, err)
		for i := 0; i < 50; i++ {
			require.NoError(t, b.Put([]byte(fmt.Sprintf("%03d", i)), []byte("v")))
		}
		return nil
	}))

	require.NoError(t, db.Check())
}
