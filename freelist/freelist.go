// Package freelist persists the free portion of the device address space as
// an interval map in the key-value store. The persisted entries partition
// free space into disjoint intervals that never touch: releases coalesce
// with adjacent intervals before being written, so the key space does not
// fragment over time.
//
// The persisted freelist is the sole durable source of truth for free
// space. The in-memory allocator is rebuilt from it on every open by
// walking EnumerateNext.
package freelist

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	cerr "github.com/carvefs/carve/errors"
	"github.com/carvefs/carve/kv"
	"github.com/google/btree"
)

// RepresentationKind names the on-disk freelist layout. It is written to
// the superblock at create time and checked at every open so the engine
// refuses to interpret a layout it does not understand.
const RepresentationKind = "extent"

// Superblock field names under the superblock prefix.
const (
	superKeyKind      = "freelist_kind"
	superKeyCapacity  = "capacity"
	superKeyAllocUnit = "alloc_unit"
)

type interval struct {
	offset uint64
	length uint64
}

func (iv interval) end() uint64 {
	return iv.offset + iv.length
}

// Manager maintains the durable interval map plus an ordered in-memory
// mirror of it. The mirror provides read-your-writes across several staged
// updates inside one transaction; it is advisory only and is rebuilt from
// the persisted state after any failed commit (Reload) and at every open.
type Manager struct {
	store     *kv.Store
	capacity  uint64
	allocUnit uint64

	mu     sync.Mutex
	mirror *btree.BTreeG[interval]

	enum *kv.Cursor
}

// New returns an unattached manager; follow with Create for a fresh device
// or Init for an existing one.
func New(store *kv.Store) *Manager {
	return &Manager{
		store:  store,
		mirror: newMirror(),
	}
}

func newMirror() *btree.BTreeG[interval] {
	return btree.NewG(16, func(a, b interval) bool {
		return a.offset < b.offset
	})
}

// Create stages the initial freelist state for a fresh device into txn: the
// superblock record (representation kind, capacity, allocation unit) and a
// single free interval covering [0, capacity). The caller owns the commit.
func (m *Manager) Create(capacity, allocUnit uint64, txn *kv.Transaction) error {
	if allocUnit == 0 || capacity == 0 || capacity%allocUnit != 0 {
		return cerr.ErrInvalidArgument.WithMessage(fmt.Sprintf(
			"capacity %d is not a positive multiple of allocation unit %d",
			capacity, allocUnit))
	}

	if err := txn.Set(kv.Key(kv.PrefixSuper, superKeyKind), []byte(RepresentationKind)); err != nil {
		return err
	}
	if err := txn.Set(kv.Key(kv.PrefixSuper, superKeyCapacity), encodeU64(capacity)); err != nil {
		return err
	}
	if err := txn.Set(kv.Key(kv.PrefixSuper, superKeyAllocUnit), encodeU64(allocUnit)); err != nil {
		return err
	}
	if err := txn.Set(kv.FreelistKey(0), encodeU64(capacity)); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.capacity = capacity
	m.allocUnit = allocUnit
	m.mirror.Clear(false)
	m.mirror.ReplaceOrInsert(interval{offset: 0, length: capacity})
	return nil
}

// Initialized reports whether the store already holds a freelist
// superblock, i.e. the device was created before.
func (m *Manager) Initialized() (bool, error) {
	_, err := m.store.Get(kv.Key(kv.PrefixSuper, superKeyKind))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, cerr.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// Init attaches to the persisted state of an existing device. It fails with
// ErrCorruptState if the superblock is missing, records an unknown
// representation kind, or disagrees with the expected capacity.
func (m *Manager) Init(expectedCapacity uint64) error {
	kind, err := m.store.Get(kv.Key(kv.PrefixSuper, superKeyKind))
	if err != nil {
		return cerr.ErrCorruptState.WithMessage("superblock is missing a freelist kind")
	}
	if string(kind) != RepresentationKind {
		return cerr.ErrCorruptState.WithMessage(fmt.Sprintf(
			"unsupported freelist representation %q", string(kind)))
	}

	capacity, err := m.readSuperU64(superKeyCapacity)
	if err != nil {
		return err
	}
	if capacity != expectedCapacity {
		return cerr.ErrCorruptState.WithMessage(fmt.Sprintf(
			"recorded capacity %d does not match expected %d", capacity, expectedCapacity))
	}
	allocUnit, err := m.readSuperU64(superKeyAllocUnit)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.capacity = capacity
	m.allocUnit = allocUnit
	return m.loadMirror()
}

func (m *Manager) readSuperU64(name string) (uint64, error) {
	value, err := m.store.Get(kv.Key(kv.PrefixSuper, name))
	if err != nil {
		return 0, cerr.ErrCorruptState.WithMessage(
			fmt.Sprintf("superblock is missing %q", name))
	}
	if len(value) != 8 {
		return 0, cerr.ErrCorruptState.WithMessage(fmt.Sprintf(
			"superblock field %q has %d bytes, want 8", name, len(value)))
	}
	return binary.LittleEndian.Uint64(value), nil
}

// Capacity returns the device capacity recorded in the superblock.
func (m *Manager) Capacity() uint64 {
	return m.capacity
}

// AllocUnit returns the allocation unit recorded in the superblock.
func (m *Manager) AllocUnit() uint64 {
	return m.allocUnit
}

// Allocate stages the free-to-used transition of [offset, offset+length)
// into txn. The range must lie entirely inside one free interval; the
// interval is split around it.
func (m *Manager) Allocate(offset, length uint64, txn *kv.Transaction) error {
	if err := m.checkRange(offset, length); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var host interval
	found := false
	m.mirror.DescendLessOrEqual(interval{offset: offset}, func(it interval) bool {
		host, found = it, true
		return false
	})
	if !found || host.offset > offset || host.end() < offset+length {
		return cerr.ErrInvalidArgument.WithMessage(fmt.Sprintf(
			"range [%d, +%d) is not entirely free", offset, length))
	}

	m.mirror.Delete(host)
	if err := txn.Delete(kv.FreelistKey(host.offset)); err != nil {
		return err
	}
	if left := offset - host.offset; left > 0 {
		if err := m.stageInterval(interval{offset: host.offset, length: left}, txn); err != nil {
			return err
		}
	}
	if right := host.end() - (offset + length); right > 0 {
		if err := m.stageInterval(interval{offset: offset + length, length: right}, txn); err != nil {
			return err
		}
	}
	return nil
}

// Release stages the used-to-free transition of [offset, offset+length)
// into txn, merging with any adjacent free intervals so persisted intervals
// never touch.
func (m *Manager) Release(offset, length uint64, txn *kv.Transaction) error {
	if err := m.checkRange(offset, length); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	end := offset + length
	var left, right interval
	var haveLeft, haveRight bool
	m.mirror.DescendLessOrEqual(interval{offset: offset}, func(it interval) bool {
		left, haveLeft = it, true
		return false
	})
	m.mirror.AscendGreaterOrEqual(interval{offset: offset + 1}, func(it interval) bool {
		right, haveRight = it, true
		return false
	})

	if (haveLeft && left.end() > offset) || (haveRight && right.offset < end) {
		return cerr.ErrInvalidArgument.WithMessage(fmt.Sprintf(
			"range [%d, +%d) overlaps an interval that is already free", offset, length))
	}

	merged := interval{offset: offset, length: length}
	if haveLeft && left.end() == offset {
		m.mirror.Delete(left)
		if err := txn.Delete(kv.FreelistKey(left.offset)); err != nil {
			return err
		}
		merged.offset = left.offset
		merged.length += left.length
	}
	if haveRight && right.offset == end {
		m.mirror.Delete(right)
		if err := txn.Delete(kv.FreelistKey(right.offset)); err != nil {
			return err
		}
		merged.length += right.length
	}
	return m.stageInterval(merged, txn)
}

func (m *Manager) stageInterval(iv interval, txn *kv.Transaction) error {
	m.mirror.ReplaceOrInsert(iv)
	return txn.Set(kv.FreelistKey(iv.offset), encodeU64(iv.length))
}

func (m *Manager) checkRange(offset, length uint64) error {
	if length == 0 || offset%m.allocUnit != 0 || length%m.allocUnit != 0 {
		return cerr.ErrInvalidArgument.WithMessage(fmt.Sprintf(
			"range [%d, +%d) is empty or not aligned to allocation unit %d",
			offset, length, m.allocUnit))
	}
	if offset+length > m.capacity {
		return cerr.ErrInvalidArgument.WithMessage(fmt.Sprintf(
			"range [%d, +%d) extends past capacity %d", offset, length, m.capacity))
	}
	return nil
}

// Reload rebuilds the in-memory mirror from the persisted freelist. Called
// after a failed commit, when staged mirror updates must be thrown away.
func (m *Manager) Reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadMirror()
}

// loadMirror scans the persisted intervals into a fresh mirror, validating
// order and disjointness on the way. Caller holds mu.
func (m *Manager) loadMirror() error {
	cur, err := m.store.NewCursor(kv.PrefixFreelist)
	if err != nil {
		return err
	}
	defer cur.Close()

	mirror := newMirror()
	prevEnd := uint64(0)
	first := true
	for cur.Next() {
		offset, err := kv.FreelistKeyOffset(cur.Key())
		if err != nil {
			return err
		}
		length, err := decodeU64(cur.Value())
		if err != nil {
			return err
		}
		if !first && offset <= prevEnd {
			return cerr.ErrCorruptState.WithMessage(fmt.Sprintf(
				"free interval at %d overlaps or touches the previous one ending at %d",
				offset, prevEnd))
		}
		if offset+length > m.capacity {
			return cerr.ErrCorruptState.WithMessage(fmt.Sprintf(
				"free interval [%d, +%d) extends past capacity %d",
				offset, length, m.capacity))
		}
		mirror.ReplaceOrInsert(interval{offset: offset, length: length})
		prevEnd = offset + length
		first = false
	}
	if err := cur.Err(); err != nil {
		return err
	}
	m.mirror = mirror
	return nil
}

// EnumerateReset (re)starts enumeration of the persisted free intervals
// from the beginning. Enumeration reads committed state only and must not
// interleave with concurrent freelist mutation.
func (m *Manager) EnumerateReset() error {
	if m.enum != nil {
		if err := m.enum.Close(); err != nil {
			return err
		}
		m.enum = nil
	}
	cur, err := m.store.NewCursor(kv.PrefixFreelist)
	if err != nil {
		return err
	}
	m.enum = cur
	return nil
}

// EnumerateNext yields the next persisted free interval in ascending offset
// order. ok is false once the sequence is exhausted; the underlying cursor
// is released at that point, and a new pass needs EnumerateReset first.
func (m *Manager) EnumerateNext() (offset, length uint64, ok bool, err error) {
	if m.enum == nil {
		return 0, 0, false, cerr.ErrInvalidArgument.WithMessage(
			"enumeration not started; call EnumerateReset first")
	}
	if !m.enum.Next() {
		err = m.enum.Err()
		if closeErr := m.enum.Close(); err == nil {
			err = closeErr
		}
		m.enum = nil
		return 0, 0, false, err
	}
	offset, err = kv.FreelistKeyOffset(m.enum.Key())
	if err != nil {
		return 0, 0, false, err
	}
	length, err = decodeU64(m.enum.Value())
	if err != nil {
		return 0, 0, false, err
	}
	return offset, length, true, nil
}

// Shutdown releases enumeration state. The manager must not be used after.
func (m *Manager) Shutdown() error {
	if m.enum != nil {
		err := m.enum.Close()
		m.enum = nil
		return err
	}
	return nil
}

func encodeU64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

func decodeU64(value []byte) (uint64, error) {
	if len(value) != 8 {
		return 0, cerr.ErrCorruptState.WithMessage(fmt.Sprintf(
			"interval length has %d bytes, want 8", len(value)))
	}
	return binary.LittleEndian.Uint64(value), nil
}
