package kv_test

import (
	"testing"

	cerr "github.com/carvefs/carve/errors"
	"github.com/carvefs/carve/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *kv.Store {
	t.Helper()
	store, err := kv.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore__Get__MissingKeyIsNotFound(t *testing.T) {
	store := newStore(t)
	_, err := store.Get(kv.Key(kv.PrefixExtentSet, "nope"))
	assert.ErrorIs(t, err, cerr.ErrNotFound)
}

func TestStore__Transaction__CommitIsAtomic(t *testing.T) {
	store := newStore(t)

	txn := store.NewTransaction()
	require.NoError(t, txn.Set(kv.Key(kv.PrefixExtentSet, "a"), []byte("one")))
	require.NoError(t, txn.Set(kv.Key(kv.PrefixExtentSet, "b"), []byte("two")))
	assert.Equal(t, 2, txn.Len())

	// Nothing is visible until the commit.
	_, err := store.Get(kv.Key(kv.PrefixExtentSet, "a"))
	assert.ErrorIs(t, err, cerr.ErrNotFound)

	require.NoError(t, txn.Commit())
	value, err := store.Get(kv.Key(kv.PrefixExtentSet, "a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), value)
}

func TestStore__Transaction__DiscardDropsMutations(t *testing.T) {
	store := newStore(t)

	txn := store.NewTransaction()
	require.NoError(t, txn.Set(kv.Key(kv.PrefixExtentSet, "a"), []byte("one")))
	txn.Discard()

	_, err := store.Get(kv.Key(kv.PrefixExtentSet, "a"))
	assert.ErrorIs(t, err, cerr.ErrNotFound)
}

func TestStore__Cursor__AscendingWithinPrefixOnly(t *testing.T) {
	store := newStore(t)

	txn := store.NewTransaction()
	require.NoError(t, txn.Set(kv.FreelistKey(4096), []byte("b")))
	require.NoError(t, txn.Set(kv.FreelistKey(0), []byte("a")))
	require.NoError(t, txn.Set(kv.FreelistKey(1<<40), []byte("c")))
	// Neighboring prefixes must not leak into the scan.
	require.NoError(t, txn.Set(kv.Key(kv.PrefixExtentSet, "x"), []byte("no")))
	require.NoError(t, txn.Set(kv.Key(kv.PrefixSuper, "y"), []byte("no")))
	require.NoError(t, txn.Commit())

	cur, err := store.NewCursor(kv.PrefixFreelist)
	require.NoError(t, err)
	defer cur.Close()

	var offsets []uint64
	for cur.Next() {
		offset, err := kv.FreelistKeyOffset(cur.Key())
		require.NoError(t, err)
		offsets = append(offsets, offset)
	}
	require.NoError(t, cur.Err())
	assert.Equal(t, []uint64{0, 4096, 1 << 40}, offsets,
		"freelist keys must iterate in ascending offset order")
}

func TestStore__Keys__FreelistRoundTrip(t *testing.T) {
	key := kv.FreelistKey(123456789)
	offset, err := kv.FreelistKeyOffset(key)
	require.NoError(t, err)
	assert.EqualValues(t, 123456789, offset)

	_, err = kv.FreelistKeyOffset([]byte("bogus"))
	assert.ErrorIs(t, err, cerr.ErrCorruptState)
}
