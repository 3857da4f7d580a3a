package freelist_test

import (
	"testing"

	cerr "github.com/carvefs/carve/errors"
	"github.com/carvefs/carve/freelist"
	"github.com/carvefs/carve/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testCapacity  = 64 * 4096
	testAllocUnit = 4096
)

func newManager(t *testing.T) (*freelist.Manager, *kv.Store) {
	t.Helper()
	store, err := kv.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	m := freelist.New(store)
	txn := store.NewTransaction()
	require.NoError(t, m.Create(testCapacity, testAllocUnit, txn))
	require.NoError(t, txn.Commit())
	t.Cleanup(func() { m.Shutdown() })
	return m, store
}

// enumerate drains a full enumeration pass into a slice of intervals.
func enumerate(t *testing.T, m *freelist.Manager) [][2]uint64 {
	t.Helper()
	require.NoError(t, m.EnumerateReset())
	var intervals [][2]uint64
	for {
		offset, length, ok, err := m.EnumerateNext()
		require.NoError(t, err)
		if !ok {
			return intervals
		}
		intervals = append(intervals, [2]uint64{offset, length})
	}
}

func TestManager__Create__PersistsOneFullInterval(t *testing.T) {
	m, _ := newManager(t)
	assert.Equal(t, [][2]uint64{{0, testCapacity}}, enumerate(t, m))
	assert.EqualValues(t, testCapacity, m.Capacity())
	assert.EqualValues(t, testAllocUnit, m.AllocUnit())
}

func TestManager__Init__ValidatesSuperblock(t *testing.T) {
	_, store := newManager(t)

	fresh := freelist.New(store)
	require.NoError(t, fresh.Init(testCapacity))

	mismatched := freelist.New(store)
	err := mismatched.Init(testCapacity * 2)
	assert.ErrorIs(t, err, cerr.ErrCorruptState,
		"a capacity mismatch must refuse to open")
}

func TestManager__Init__MissingSuperblockIsCorrupt(t *testing.T) {
	store, err := kv.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	m := freelist.New(store)
	assert.ErrorIs(t, m.Init(testCapacity), cerr.ErrCorruptState)
}

func TestManager__Initialized(t *testing.T) {
	store, err := kv.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	m := freelist.New(store)
	ok, err := m.Initialized()
	require.NoError(t, err)
	assert.False(t, ok)

	txn := store.NewTransaction()
	require.NoError(t, m.Create(testCapacity, testAllocUnit, txn))
	require.NoError(t, txn.Commit())

	ok, err = m.Initialized()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestManager__Allocate__SplitsTheHostingInterval(t *testing.T) {
	m, store := newManager(t)

	txn := store.NewTransaction()
	require.NoError(t, m.Allocate(8*testAllocUnit, 4*testAllocUnit, txn))
	require.NoError(t, txn.Commit())

	assert.Equal(
		t,
		[][2]uint64{
			{0, 8 * testAllocUnit},
			{12 * testAllocUnit, testCapacity - 12*testAllocUnit},
		},
		enumerate(t, m))
}

func TestManager__Allocate__RangeMustBeFree(t *testing.T) {
	m, store := newManager(t)

	txn := store.NewTransaction()
	require.NoError(t, m.Allocate(0, 4*testAllocUnit, txn))
	require.NoError(t, txn.Commit())

	txn = store.NewTransaction()
	defer txn.Discard()
	err := m.Allocate(0, testAllocUnit, txn)
	assert.ErrorIs(t, err, cerr.ErrInvalidArgument,
		"allocating a range that is not free must fail")
}

func TestManager__Release__MergesWithBothNeighbors(t *testing.T) {
	m, store := newManager(t)

	// Carve out [0, 12u) then free it back in three pieces, middle last.
	txn := store.NewTransaction()
	require.NoError(t, m.Allocate(0, 12*testAllocUnit, txn))
	require.NoError(t, txn.Commit())

	txn = store.NewTransaction()
	require.NoError(t, m.Release(0, 4*testAllocUnit, txn))
	require.NoError(t, m.Release(8*testAllocUnit, 4*testAllocUnit, txn))
	require.NoError(t, m.Release(4*testAllocUnit, 4*testAllocUnit, txn))
	require.NoError(t, txn.Commit())

	assert.Equal(t, [][2]uint64{{0, testCapacity}}, enumerate(t, m),
		"adjacent free intervals must merge into one")
}

func TestManager__Release__DoubleFreeFails(t *testing.T) {
	m, store := newManager(t)

	txn := store.NewTransaction()
	defer txn.Discard()
	err := m.Release(0, testAllocUnit, txn)
	assert.ErrorIs(t, err, cerr.ErrInvalidArgument,
		"releasing into an interval that is already free must fail")
}

func TestManager__Enumerate__RestartsFromTheBeginning(t *testing.T) {
	m, store := newManager(t)

	txn := store.NewTransaction()
	require.NoError(t, m.Allocate(8*testAllocUnit, 8*testAllocUnit, txn))
	require.NoError(t, txn.Commit())

	first := enumerate(t, m)
	second := enumerate(t, m)
	assert.Equal(t, first, second, "a reset enumeration must replay the same sequence")
	require.Len(t, first, 2)
	assert.Less(t, first[0][0], first[1][0], "intervals must come back in ascending order")
}

func TestManager__Enumerate__ReleasesCursorWhenExhausted(t *testing.T) {
	m, _ := newManager(t)

	require.NoError(t, m.EnumerateReset())
	for {
		_, _, ok, err := m.EnumerateNext()
		require.NoError(t, err)
		if !ok {
			break
		}
	}

	// The drained cursor is gone; a new pass needs a fresh reset.
	_, _, _, err := m.EnumerateNext()
	assert.ErrorIs(t, err, cerr.ErrInvalidArgument)
	require.NoError(t, m.EnumerateReset())
	assert.Equal(t, [][2]uint64{{0, testCapacity}}, enumerate(t, m))
}

func TestManager__Reload__DropsStagedState(t *testing.T) {
	m, store := newManager(t)

	// Stage an allocation but abandon the transaction, then reload: the
	// mirror must forget the staged split.
	txn := store.NewTransaction()
	require.NoError(t, m.Allocate(0, 4*testAllocUnit, txn))
	txn.Discard()
	require.NoError(t, m.Reload())

	txn = store.NewTransaction()
	require.NoError(t, m.Allocate(0, 4*testAllocUnit, txn))
	require.NoError(t, txn.Commit())
	assert.Equal(
		t,
		[][2]uint64{{4 * testAllocUnit, testCapacity - 4*testAllocUnit}},
		enumerate(t, m))
}
