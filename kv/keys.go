package kv

import (
	"encoding/binary"
	"fmt"

	cerr "github.com/carvefs/carve/errors"
)

// Key prefixes partition the keyspace. Every key is its prefix byte
// followed by a prefix-specific encoding.
const (
	// PrefixSuper holds the superblock scalars written at create time and
	// validated at every open (representation kind, capacity, block size).
	PrefixSuper = byte('S')

	// PrefixFreelist holds the free-interval map: key is the big-endian
	// byte offset so intervals iterate in ascending device order, value is
	// the fixed-width interval length.
	PrefixFreelist = byte('F')

	// PrefixStats holds counter arrays combined through the merge operator.
	PrefixStats = byte('T')

	// PrefixExtentSet holds named extent sets.
	PrefixExtentSet = byte('E')
)

// Key builds a key from a prefix and a string name.
func Key(prefix byte, name string) []byte {
	k := make([]byte, 0, 1+len(name))
	k = append(k, prefix)
	return append(k, name...)
}

// FreelistKey builds the freelist key for a byte offset. Big-endian so that
// lexicographic key order is ascending offset order.
func FreelistKey(offset uint64) []byte {
	k := make([]byte, 9)
	k[0] = PrefixFreelist
	binary.BigEndian.PutUint64(k[1:], offset)
	return k
}

// FreelistKeyOffset decodes the byte offset from a freelist key.
func FreelistKeyOffset(key []byte) (uint64, error) {
	if len(key) != 9 || key[0] != PrefixFreelist {
		return 0, cerr.ErrCorruptState.WithMessage(fmt.Sprintf(
			"malformed freelist key of %d bytes", len(key)))
	}
	return binary.BigEndian.Uint64(key[1:]), nil
}

// PrefixBounds returns the half-open key range covering every key with the
// given prefix, suitable for iterator bounds.
func PrefixBounds(prefix byte) (lower, upper []byte) {
	return []byte{prefix}, []byte{prefix + 1}
}
