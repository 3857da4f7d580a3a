package carve

import (
	"errors"
	"fmt"

	cerr "github.com/carvefs/carve/errors"
	"github.com/carvefs/carve/kv"
)

// Stats are the cumulative usage counters of a device. They are persisted
// as one counter array and updated through the store's associative merge
// operator, so deltas from different transactions combine in any order.
type Stats struct {
	AllocateCalls  uint64
	AllocatedBytes uint64
	ReleaseCalls   uint64
	ReleasedBytes  uint64
	Commits        uint64
}

// Positions in the persisted counter array. Append-only: reordering or
// removing a field changes the meaning of existing stores.
const (
	statAllocateCalls = iota
	statAllocatedBytes
	statReleaseCalls
	statReleasedBytes
	statCommits
	statCount
)

func statsKey() []byte {
	return kv.Key(kv.PrefixStats, "usage")
}

func statsDelta(s Stats) []byte {
	counters := make([]uint64, statCount)
	counters[statAllocateCalls] = s.AllocateCalls
	counters[statAllocatedBytes] = s.AllocatedBytes
	counters[statReleaseCalls] = s.ReleaseCalls
	counters[statReleasedBytes] = s.ReleasedBytes
	counters[statCommits] = s.Commits
	return kv.EncodeCounters(counters)
}

// Stats returns the device's cumulative counters. A device that has never
// committed a counter delta reports zeroes.
func (s *Store) Stats() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Stats{}, cerr.ErrClosed
	}

	value, err := s.db.Get(statsKey())
	if errors.Is(err, cerr.ErrNotFound) {
		return Stats{}, nil
	}
	if err != nil {
		return Stats{}, err
	}
	counters, err := kv.DecodeCounters(value)
	if err != nil {
		return Stats{}, err
	}
	if len(counters) != statCount {
		return Stats{}, cerr.ErrCorruptState.WithMessage(fmt.Sprintf(
			"statistics record has %d counters, want %d", len(counters), statCount))
	}
	return Stats{
		AllocateCalls:  counters[statAllocateCalls],
		AllocatedBytes: counters[statAllocatedBytes],
		ReleaseCalls:   counters[statReleaseCalls],
		ReleasedBytes:  counters[statReleasedBytes],
		Commits:        counters[statCommits],
	}, nil
}
