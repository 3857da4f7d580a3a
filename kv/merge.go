package kv

import (
	"encoding/binary"
	"fmt"
	"io"

	cerr "github.com/carvefs/carve/errors"
	"github.com/cockroachdb/pebble"
)

// Values under the statistics prefix are fixed-width arrays of little-endian
// uint64 counters. The merge operator combines two arrays by element-wise
// addition, which is associative and commutative, so replay order never
// changes the result; merging into an absent key adopts the delta unchanged.
// Both operands must have the same width, asserted before any addition.

// CounterMerger returns the pebble merge operator for counter arrays. The
// operator name is persisted in the store and must not change across
// versions.
func CounterMerger() *pebble.Merger {
	return &pebble.Merger{
		Name: "carve.counter-add",
		Merge: func(key, value []byte) (pebble.ValueMerger, error) {
			m := &counterMerger{}
			if err := m.add(value); err != nil {
				return nil, err
			}
			return m, nil
		},
	}
}

type counterMerger struct {
	sum []uint64
}

func (m *counterMerger) add(value []byte) error {
	counters, err := DecodeCounters(value)
	if err != nil {
		return err
	}
	if m.sum == nil {
		m.sum = counters
		return nil
	}
	if len(counters) != len(m.sum) {
		return cerr.ErrCorruptState.WithMessage(fmt.Sprintf(
			"merging counter arrays of different widths: %d vs %d",
			len(m.sum), len(counters)))
	}
	for i := range m.sum {
		m.sum[i] += counters[i]
	}
	return nil
}

// MergeNewer folds in an operand newer than the current accumulation.
// Addition commutes, so newer and older operands are handled identically.
func (m *counterMerger) MergeNewer(value []byte) error {
	return m.add(value)
}

// MergeOlder folds in an operand older than the current accumulation.
func (m *counterMerger) MergeOlder(value []byte) error {
	return m.add(value)
}

func (m *counterMerger) Finish(includesBase bool) ([]byte, io.Closer, error) {
	return EncodeCounters(m.sum), nil, nil
}

// EncodeCounters serializes a counter array as fixed-width little-endian
// uint64 values.
func EncodeCounters(counters []uint64) []byte {
	buf := make([]byte, 8*len(counters))
	for i, c := range counters {
		binary.LittleEndian.PutUint64(buf[8*i:], c)
	}
	return buf
}

// DecodeCounters parses a counter array, rejecting values whose length is
// not a positive multiple of eight bytes.
func DecodeCounters(value []byte) ([]uint64, error) {
	if len(value) == 0 || len(value)%8 != 0 {
		return nil, cerr.ErrCorruptState.WithMessage(fmt.Sprintf(
			"counter value of %d bytes is not a whole number of uint64s", len(value)))
	}
	counters := make([]uint64, len(value)/8)
	for i := range counters {
		counters[i] = binary.LittleEndian.Uint64(value[8*i:])
	}
	return counters, nil
}
