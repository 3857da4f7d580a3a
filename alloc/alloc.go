// Package alloc implements the in-memory free-space trackers for a
// block-oriented device. An Allocator accounts for capacity in fixed-size
// blocks and hands out contiguous block runs as byte extents.
//
// Allocators are purely in-memory. A freshly constructed allocator considers
// every block in use; the owner replays the durable freelist through
// InitAddFree before serving traffic, and persists every allocate/release
// through its own transaction layer.
package alloc

import (
	"fmt"

	cerr "github.com/carvefs/carve/errors"
)

// Extent is a contiguous byte range on the device.
type Extent struct {
	Offset uint64
	Length uint64
}

// End returns the first byte offset past the extent.
func (e Extent) End() uint64 {
	return e.Offset + e.Length
}

func (e Extent) String() string {
	return fmt.Sprintf("[offset: %d, length: %d]", e.Offset, e.Length)
}

// Strategy selects the free-space search structure used by an Allocator.
type Strategy string

const (
	// StrategyBitmap is the zone/span bitmap allocator. Reserve is a single
	// atomic counter update; search skips fully-used spans and zones via
	// aggregate counters before touching bits.
	StrategyBitmap Strategy = "bitmap"

	// StrategyList is a first-fit allocator over an ordered list of free
	// intervals. Simpler bookkeeping, linear search; useful for small
	// devices and as a cross-check for the bitmap strategy.
	StrategyList Strategy = "list"
)

// Config sizes an allocator. Capacity must be a multiple of MinAllocSize.
type Config struct {
	// Capacity is the total addressable size of the device in bytes.
	Capacity uint64

	// MinAllocSize is the accounting block size in bytes. All offsets and
	// lengths passed to the allocator must be multiples of it.
	MinAllocSize uint64

	// BlocksPerZone is the number of blocks per zone, the bitmap accounting
	// granule. Only meaningful for StrategyBitmap.
	BlocksPerZone uint64

	// ZonesPerSpan is the number of zones per span. Span aggregate counters
	// let the search skip fully-used regions without scanning each zone.
	// Only meaningful for StrategyBitmap.
	ZonesPerSpan uint64

	Strategy Strategy
}

// Allocator tracks which blocks of a fixed-capacity device are free.
//
// Reserve and Unreserve touch only an aggregate counter and may be called
// from any number of goroutines. Allocate, Release and InitAddFree mutate
// the underlying structure and are serialized internally against each other.
// A goroutine that reserved n blocks is guaranteed to find those blocks in
// the free pool when it allocates, even while other goroutines allocate
// against their own disjoint reservations.
type Allocator interface {
	// InitAddFree marks [offset, offset+length) free during rehydration.
	// It must not run concurrently with allocation traffic.
	InitAddFree(offset, length uint64) error

	// Reserve claims size bytes (rounded up to whole blocks) of aggregate
	// capacity without choosing blocks. It succeeds completely or fails
	// with ErrInsufficientSpace, never partially.
	Reserve(size uint64) error

	// Unreserve returns reserved-but-unconsumed capacity to the free pool.
	// The size must match what was previously reserved and not yet bound
	// by Allocate.
	Unreserve(size uint64)

	// Allocate binds previously reserved capacity to specific blocks. It
	// selects runs aligned to allocUnit, preferring blocks near hint when
	// nonzero and lowest offsets otherwise, and appends them to extents.
	// It returns the number of bytes actually allocated; a short result is
	// a normal return, not an error, and leaves the unconsumed part of the
	// caller's reservation intact.
	Allocate(want, allocUnit, hint uint64, extents *ExtentList) (uint64, error)

	// Release marks [offset, offset+length) free again. In-memory only;
	// persisting the transition is the caller's responsibility.
	Release(offset, length uint64) error

	// Free returns the current free byte count, net of reservations.
	Free() uint64

	// Shutdown drops the allocator's internal state. The allocator must
	// not be used afterwards.
	Shutdown()
}

// New builds an allocator for the given device geometry. All blocks start
// in the used state.
func New(cfg Config) (Allocator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Strategy {
	case StrategyBitmap, "":
		return newBitmapAllocator(cfg), nil
	case StrategyList:
		return newListAllocator(cfg), nil
	}
	return nil, cerr.ErrInvalidArgument.WithMessage(
		fmt.Sprintf("unknown allocator strategy %q", cfg.Strategy))
}

// Validate checks the geometry for internal consistency.
func (cfg Config) Validate() error {
	if cfg.MinAllocSize == 0 {
		return cerr.ErrInvalidArgument.WithMessage("MinAllocSize must be nonzero")
	}
	if cfg.Capacity == 0 || cfg.Capacity%cfg.MinAllocSize != 0 {
		return cerr.ErrInvalidArgument.WithMessage(fmt.Sprintf(
			"capacity %d is not a positive multiple of the block size %d",
			cfg.Capacity, cfg.MinAllocSize))
	}
	if cfg.Strategy == StrategyBitmap || cfg.Strategy == "" {
		if cfg.BlocksPerZone == 0 {
			return cerr.ErrInvalidArgument.WithMessage("BlocksPerZone must be nonzero")
		}
		if cfg.ZonesPerSpan == 0 {
			return cerr.ErrInvalidArgument.WithMessage("ZonesPerSpan must be nonzero")
		}
	}
	return nil
}

// checkRange validates that [offset, offset+length) is a nonempty,
// block-aligned range inside the device.
func (cfg Config) checkRange(offset, length uint64) error {
	if length == 0 || offset%cfg.MinAllocSize != 0 || length%cfg.MinAllocSize != 0 {
		return cerr.ErrInvalidArgument.WithMessage(fmt.Sprintf(
			"range [%d, +%d) is empty or not aligned to block size %d",
			offset, length, cfg.MinAllocSize))
	}
	if offset+length > cfg.Capacity {
		return cerr.ErrInvalidArgument.WithMessage(fmt.Sprintf(
			"range [%d, +%d) extends past capacity %d", offset, length, cfg.Capacity))
	}
	return nil
}

// blocksFor converts a byte size into a whole number of blocks, rounding up.
func (cfg Config) blocksFor(size uint64) uint64 {
	return (size + cfg.MinAllocSize - 1) / cfg.MinAllocSize
}
