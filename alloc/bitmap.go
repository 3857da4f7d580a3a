// Zone/span bitmap allocator.

package alloc

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/boljen/go-bitmap"
	cerr "github.com/carvefs/carve/errors"
)

// zone is the bitmap accounting granule: one bit per block, set while the
// block is in use, plus a free-block counter so the search can skip
// exhausted zones without reading bits.
type zone struct {
	bits bitmap.Bitmap
	free uint64
}

// bitmapAllocator organizes the device into zones of BlocksPerZone blocks
// and spans of ZonesPerSpan zones. Reservations run against a single atomic
// counter; bitmap mutation serializes on one mutex. Span aggregate counters
// are maintained alongside every bit flip so the allocate search can skip
// fully-used spans in O(1).
type bitmapAllocator struct {
	cfg        Config
	blockCount uint64

	// freeBlocks is the reservation counter: blocks neither allocated nor
	// promised to an in-flight reservation. Reserve/Unreserve touch only
	// this field.
	freeBlocks atomic.Int64

	mu    sync.Mutex
	zones []zone
	spans []uint64 // free blocks per span, summed over its zones
}

func newBitmapAllocator(cfg Config) *bitmapAllocator {
	blockCount := cfg.Capacity / cfg.MinAllocSize
	zoneCount := (blockCount + cfg.BlocksPerZone - 1) / cfg.BlocksPerZone
	spanCount := (zoneCount + cfg.ZonesPerSpan - 1) / cfg.ZonesPerSpan

	a := &bitmapAllocator{
		cfg:        cfg,
		blockCount: blockCount,
		zones:      make([]zone, zoneCount),
		spans:      make([]uint64, spanCount),
	}
	for i := range a.zones {
		bits := bitmap.New(int(cfg.BlocksPerZone))
		// Every block starts in the used state; free space is added back
		// explicitly during rehydration.
		for j := range bits {
			bits[j] = 0xff
		}
		a.zones[i].bits = bits
	}
	return a
}

func (a *bitmapAllocator) InitAddFree(offset, length uint64) error {
	if err := a.cfg.checkRange(offset, length); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.markFree(offset, length)
}

func (a *bitmapAllocator) Reserve(size uint64) error {
	need := int64(a.cfg.blocksFor(size))
	for {
		cur := a.freeBlocks.Load()
		if cur < need {
			return cerr.ErrInsufficientSpace.WithMessage(fmt.Sprintf(
				"reserving %d blocks but only %d are free", need, cur))
		}
		if a.freeBlocks.CompareAndSwap(cur, cur-need) {
			return nil
		}
	}
}

func (a *bitmapAllocator) Unreserve(size uint64) {
	a.freeBlocks.Add(int64(a.cfg.blocksFor(size)))
}

func (a *bitmapAllocator) Allocate(
	want, allocUnit, hint uint64, extents *ExtentList,
) (uint64, error) {
	unitBlocks, wantUnits, err := a.cfg.checkAllocArgs(want, allocUnit)
	if err != nil {
		return 0, err
	}
	if unitBlocks > a.cfg.BlocksPerZone {
		return 0, cerr.ErrInvalidArgument.WithMessage(fmt.Sprintf(
			"allocation unit of %d blocks exceeds the zone size %d",
			unitBlocks, a.cfg.BlocksPerZone))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	zoneCount := uint64(len(a.zones))
	var startZone uint64
	if hint != 0 {
		startZone = (hint / a.cfg.MinAllocSize) / a.cfg.BlocksPerZone
		if startZone >= zoneCount {
			startZone = 0
		}
	}

	// Scan in two linear segments so the span skip arithmetic never crosses
	// the wrap boundary: a short trailing span must not swallow zones at the
	// start of the device.
	var gotUnits uint64
	scan := func(from, to uint64) {
		for zi := from; zi < to && gotUnits < wantUnits; {
			if a.spans[zi/a.cfg.ZonesPerSpan] == 0 {
				// Nothing free anywhere in this span; jump to the next one.
				zi = (zi/a.cfg.ZonesPerSpan + 1) * a.cfg.ZonesPerSpan
				continue
			}
			if a.zones[zi].free >= unitBlocks {
				gotUnits += a.allocFromZone(zi, unitBlocks, wantUnits-gotUnits, extents)
			}
			zi++
		}
	}
	scan(startZone, zoneCount)
	scan(0, startZone)
	return gotUnits * allocUnit, nil
}

// allocFromZone claims as many aligned unit runs from zone zi as it can,
// up to needUnits, recording them in the accumulator. Caller holds mu.
func (a *bitmapAllocator) allocFromZone(
	zi, unitBlocks, needUnits uint64, extents *ExtentList,
) uint64 {
	z := &a.zones[zi]
	zoneBase := zi * a.cfg.BlocksPerZone
	zoneBlocks := a.zoneBlockCount(zi)

	var gotUnits uint64
	rel := alignUp(zoneBase, unitBlocks) - zoneBase
	for ; rel+unitBlocks <= zoneBlocks && gotUnits < needUnits; rel += unitBlocks {
		if z.free < unitBlocks {
			break
		}
		run := true
		for b := rel; b < rel+unitBlocks; b++ {
			if z.bits.Get(int(b)) {
				run = false
				break
			}
		}
		if !run {
			continue
		}
		for b := rel; b < rel+unitBlocks; b++ {
			z.bits.Set(int(b), true)
		}
		z.free -= unitBlocks
		a.spans[zi/a.cfg.ZonesPerSpan] -= unitBlocks
		extents.AddBlocks(zoneBase+rel, unitBlocks)
		gotUnits++
	}
	return gotUnits
}

func (a *bitmapAllocator) Release(offset, length uint64) error {
	if err := a.cfg.checkRange(offset, length); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.markFree(offset, length)
}

// markFree flips [offset, offset+length) to free and updates the zone, span
// and global counters. The whole range must currently be in use; a bad range
// leaves the map untouched. Caller holds mu.
func (a *bitmapAllocator) markFree(offset, length uint64) error {
	start := offset / a.cfg.MinAllocSize
	count := length / a.cfg.MinAllocSize

	for b := start; b < start+count; b++ {
		if !a.zones[b/a.cfg.BlocksPerZone].bits.Get(int(b % a.cfg.BlocksPerZone)) {
			return cerr.ErrInvalidArgument.WithMessage(fmt.Sprintf(
				"block %d is already free", b))
		}
	}
	for b := start; b < start+count; b++ {
		zi := b / a.cfg.BlocksPerZone
		a.zones[zi].bits.Set(int(b%a.cfg.BlocksPerZone), false)
		a.zones[zi].free++
		a.spans[zi/a.cfg.ZonesPerSpan]++
	}
	a.freeBlocks.Add(int64(count))
	return nil
}

func (a *bitmapAllocator) Free() uint64 {
	return uint64(a.freeBlocks.Load()) * a.cfg.MinAllocSize
}

func (a *bitmapAllocator) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.zones = nil
	a.spans = nil
	a.freeBlocks.Store(0)
}

// zoneBlockCount returns the number of addressable blocks in zone zi; the
// last zone may be shorter than BlocksPerZone.
func (a *bitmapAllocator) zoneBlockCount(zi uint64) uint64 {
	base := zi * a.cfg.BlocksPerZone
	if base+a.cfg.BlocksPerZone > a.blockCount {
		return a.blockCount - base
	}
	return a.cfg.BlocksPerZone
}

// checkAllocArgs validates an allocate request and converts it to block
// units: want must be a positive multiple of allocUnit, and allocUnit a
// positive multiple of the block size.
func (cfg Config) checkAllocArgs(want, allocUnit uint64) (unitBlocks, wantUnits uint64, err error) {
	if allocUnit == 0 || allocUnit%cfg.MinAllocSize != 0 {
		return 0, 0, cerr.ErrInvalidArgument.WithMessage(fmt.Sprintf(
			"allocation unit %d is not a positive multiple of the block size %d",
			allocUnit, cfg.MinAllocSize))
	}
	if want == 0 || want%allocUnit != 0 {
		return 0, 0, cerr.ErrInvalidArgument.WithMessage(fmt.Sprintf(
			"allocation size %d is not a positive multiple of the allocation unit %d",
			want, allocUnit))
	}
	return allocUnit / cfg.MinAllocSize, want / allocUnit, nil
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) / align * align
}
