package kv_test

import (
	"testing"

	cerr "github.com/carvefs/carve/errors"
	"github.com/carvefs/carve/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters__Codec__RoundTrip(t *testing.T) {
	counters := []uint64{1, 0, 42, 1 << 63}
	decoded, err := kv.DecodeCounters(kv.EncodeCounters(counters))
	require.NoError(t, err)
	assert.Equal(t, counters, decoded)
}

func TestCounters__Decode__RejectsRaggedWidths(t *testing.T) {
	_, err := kv.DecodeCounters([]byte{1, 2, 3})
	assert.ErrorIs(t, err, cerr.ErrCorruptState)
	_, err = kv.DecodeCounters(nil)
	assert.ErrorIs(t, err, cerr.ErrCorruptState)
}

func mergeAndRead(t *testing.T, deltas ...[]uint64) []uint64 {
	t.Helper()
	store := newStore(t)
	key := kv.Key(kv.PrefixStats, "usage")
	for _, delta := range deltas {
		txn := store.NewTransaction()
		require.NoError(t, txn.Merge(key, kv.EncodeCounters(delta)))
		require.NoError(t, txn.Commit())
	}
	value, err := store.Get(key)
	require.NoError(t, err)
	counters, err := kv.DecodeCounters(value)
	require.NoError(t, err)
	return counters
}

func TestCounterMerger__AbsentKeyAdoptsDelta(t *testing.T) {
	delta := []uint64{3, 1, 4}
	assert.Equal(t, delta, mergeAndRead(t, delta),
		"merging into an absent key must adopt the delta unchanged")
}

func TestCounterMerger__ElementWiseAddition(t *testing.T) {
	got := mergeAndRead(t,
		[]uint64{1, 2, 3},
		[]uint64{10, 0, 5},
		[]uint64{0, 0, 1})
	assert.Equal(t, []uint64{11, 2, 9}, got)
}

// Element-wise addition is associative: applying (A+B)+C and A+(B+C) to an
// initially absent key converges on the same value regardless of how the
// store groups the operands during replay.
func TestCounterMerger__Associativity(t *testing.T) {
	a := []uint64{1, 2, 3}
	b := []uint64{7, 0, 11}
	c := []uint64{0, 5, 100}

	ab := make([]uint64, len(a))
	for i := range ab {
		ab[i] = a[i] + b[i]
	}
	bc := make([]uint64, len(a))
	for i := range bc {
		bc[i] = b[i] + c[i]
	}

	left := mergeAndRead(t, ab, c)  // merge(merge(A,B), C)
	right := mergeAndRead(t, a, bc) // merge(A, merge(B,C))
	serial := mergeAndRead(t, a, b, c)

	assert.Equal(t, left, right)
	assert.Equal(t, left, serial)
}

func TestCounterMerger__WidthMismatchSurfacesOnRead(t *testing.T) {
	store := newStore(t)
	key := kv.Key(kv.PrefixStats, "usage")

	txn := store.NewTransaction()
	require.NoError(t, txn.Merge(key, kv.EncodeCounters([]uint64{1, 2})))
	require.NoError(t, txn.Commit())

	txn = store.NewTransaction()
	require.NoError(t, txn.Merge(key, kv.EncodeCounters([]uint64{1})))
	require.NoError(t, txn.Commit())

	_, err := store.Get(key)
	assert.Error(t, err, "combining counter arrays of different widths must fail")
}
