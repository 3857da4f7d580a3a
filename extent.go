package carve

import (
	"encoding/binary"
	"fmt"

	cerr "github.com/carvefs/carve/errors"
	"github.com/noxer/bytewriter"
)

// Extent sets are persisted as a 32-bit count followed by that many
// (offset, length) pairs of 64-bit values, all little-endian, in allocation
// order.

const (
	extentSetHeaderSize = 4
	extentRecordSize    = 16
)

// EncodeExtentSet serializes extents into the persisted wire form.
func EncodeExtentSet(extents []Extent) ([]byte, error) {
	buf := make([]byte, extentSetHeaderSize+extentRecordSize*len(extents))
	w := bytewriter.New(buf)

	var field [8]byte
	binary.LittleEndian.PutUint32(field[:4], uint32(len(extents)))
	if _, err := w.Write(field[:4]); err != nil {
		return nil, cerr.ErrIOFailed.Wrap(err)
	}
	for _, e := range extents {
		binary.LittleEndian.PutUint64(field[:], e.Offset)
		if _, err := w.Write(field[:]); err != nil {
			return nil, cerr.ErrIOFailed.Wrap(err)
		}
		binary.LittleEndian.PutUint64(field[:], e.Length)
		if _, err := w.Write(field[:]); err != nil {
			return nil, cerr.ErrIOFailed.Wrap(err)
		}
	}
	return buf, nil
}

// DecodeExtentSet parses the persisted wire form back into extents.
func DecodeExtentSet(value []byte) ([]Extent, error) {
	if len(value) < extentSetHeaderSize {
		return nil, cerr.ErrCorruptState.WithMessage(fmt.Sprintf(
			"extent set record of %d bytes is shorter than its header", len(value)))
	}
	count := binary.LittleEndian.Uint32(value)
	if uint64(len(value)) != extentSetHeaderSize+extentRecordSize*uint64(count) {
		return nil, cerr.ErrCorruptState.WithMessage(fmt.Sprintf(
			"extent set record of %d bytes does not hold %d extents", len(value), count))
	}

	extents := make([]Extent, count)
	for i := range extents {
		rec := value[extentSetHeaderSize+extentRecordSize*i:]
		extents[i] = Extent{
			Offset: binary.LittleEndian.Uint64(rec),
			Length: binary.LittleEndian.Uint64(rec[8:]),
		}
	}
	return extents, nil
}

// TotalLength returns the sum of the extents' lengths in bytes.
func TotalLength(extents []Extent) uint64 {
	var total uint64
	for _, e := range extents {
		total += e.Length
	}
	return total
}
