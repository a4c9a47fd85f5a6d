package embedkv

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorSeekAndPrev(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("b"))
		if err != nil {
			return err
		}
		for i := 0; i < 20; i += 2 {
			k := []byte(fmt.Sprintf("%04d", i))
			if err := b.Put(k, k); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("b"))
		c := b.Cursor()

		// Seek an odd key not present: should land on the next even key.
		k, v := c.Seek([]byte("0007"))
		require.NotNil(t, k)
		assert.Equal(t, "0008", string(k))
		assert.Equal(t, "0008", string(v))

		k, _ = c.Prev()
		assert.Equal(t, "0006", string(k))

		// Seeking past the end returns a nil key.
		k, _ = c.Seek([]byte("9999"))
		assert.Nil(t, k)

		last, _ := c.Last()
		assert.Equal(t, "0018", string(last))

		first, _ := c.First()
		assert.Equal(t, "0000", string(first))
		return nil
	}))
}

func TestCursorSubBucketValueIsNil(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("b"))
		if err != nil {
			return err
		}
		if _, err := b.CreateBucket([]byte("sub")); err != nil {
			return err
		}
		return b.Put([]byte("plain"), []byte("v"))
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("b"))
		c := b.Cursor()

		k, v := c.First()
		assert.Equal(t, "plain", string(k))
		assert.Equal(t, "v", string(v))

		k, v = c.Next()
		assert.Equal(t, "sub", string(k))
		assert.Nil(t, v)
		return nil
	}))
}

func TestCursorDelete(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("b"))
		if err != nil {
			return err
		}
		require.NoError(t, b.Put([]byte("a"), []byte("1")))
		require.NoError(t, b.Put([]byte("b"), []byte("2")))

		c := b.Cursor()
		k, _ := c.Seek([]byte("a"))
		require.Equal(t, "a", string(k))
		return c.Delete()
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("b"))
		assert.Nil(t, b.Get([]byte("a")))
		assert.Equal(t, "2", string(b.Get([]byte("b"))))
		return nil
	}))
}
