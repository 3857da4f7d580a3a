// First-fit interval-list allocator.

package alloc

import (
	"fmt"
	"sync"
	"sync/atomic"

	cerr "github.com/carvefs/carve/errors"
	"github.com/google/btree"
)

// freeSpan is a run of free blocks, in block units, keyed by offset.
type freeSpan struct {
	offset uint64
	length uint64
}

func (s freeSpan) end() uint64 {
	return s.offset + s.length
}

// listAllocator keeps free space as an ordered tree of disjoint,
// non-touching block intervals and allocates first-fit. No zone or span
// acceleration; every search walks intervals in offset order.
type listAllocator struct {
	cfg        Config
	freeBlocks atomic.Int64

	mu   sync.Mutex
	tree *btree.BTreeG[freeSpan]
}

func newListAllocator(cfg Config) *listAllocator {
	return &listAllocator{
		cfg: cfg,
		tree: btree.NewG(16, func(a, b freeSpan) bool {
			return a.offset < b.offset
		}),
	}
}

func (a *listAllocator) InitAddFree(offset, length uint64) error {
	if err := a.cfg.checkRange(offset, length); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.insertFree(offset/a.cfg.MinAllocSize, length/a.cfg.MinAllocSize)
}

func (a *listAllocator) Reserve(size uint64) error {
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

func (a *listAllocator) Unreserve(size uint64) {
	a.freeBlocks.Add(int64(a.cfg.blocksFor(size)))
}

func (a *listAllocator) Allocate(
	want, allocUnit, hint uint64, extents *ExtentList,
) (uint64, error) {
	unitBlocks, wantUnits, err := a.cfg.checkAllocArgs(want, allocUnit)
	if err != nil {
		return 0, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	type claim struct {
		span  freeSpan
		start uint64
		count uint64
	}

	need := wantUnits * unitBlocks
	var claims []claim
	gather := func(from, stop uint64) {
		a.tree.AscendGreaterOrEqual(freeSpan{offset: from}, func(it freeSpan) bool {
			if need == 0 || it.offset >= stop {
				return false
			}
			start := alignUp(it.offset, unitBlocks)
			if start >= it.end() || it.end()-start < unitBlocks {
				return true
			}
			take := (it.end() - start) / unitBlocks * unitBlocks
			if take > need {
				take = need
			}
			claims = append(claims, claim{span: it, start: start, count: take})
			need -= take
			return true
		})
	}

	hintBlock := hint / a.cfg.MinAllocSize
	if hintBlock > 0 {
		gather(hintBlock, ^uint64(0))
		gather(0, hintBlock)
	} else {
		gather(0, ^uint64(0))
	}

	for _, c := range claims {
		a.tree.Delete(c.span)
		if c.start > c.span.offset {
			a.tree.ReplaceOrInsert(freeSpan{
				offset: c.span.offset,
				length: c.start - c.span.offset,
			})
		}
		if claimEnd := c.start + c.count; claimEnd < c.span.end() {
			a.tree.ReplaceOrInsert(freeSpan{
				offset: claimEnd,
				length: c.span.end() - claimEnd,
			})
		}
		extents.AddBlocks(c.start, c.count)
	}

	allocated := wantUnits*unitBlocks - need
	return allocated * a.cfg.MinAllocSize, nil
}

func (a *listAllocator) Release(offset, length uint64) error {
	if err := a.cfg.checkRange(offset, length); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.insertFree(offset/a.cfg.MinAllocSize, length/a.cfg.MinAllocSize); err != nil {
		return err
	}
	return nil
}

// insertFree adds [start, start+count) blocks to the free tree, coalescing
// with touching neighbors. The range must not overlap any free interval.
// Caller holds mu; the global counter is updated here.
func (a *listAllocator) insertFree(start, count uint64) error {
	end := start + count

	var left, right freeSpan
	var haveLeft, haveRight bool
	a.tree.DescendLessOrEqual(freeSpan{offset: start}, func(it freeSpan) bool {
		left, haveLeft = it, true
		return false
	})
	a.tree.AscendGreaterOrEqual(freeSpan{offset: start + 1}, func(it freeSpan) bool {
		right, haveRight = it, true
		return false
	})

	if haveLeft && left.end() > start {
		return cerr.ErrInvalidArgument.WithMessage(fmt.Sprintf(
			"blocks [%d, %d) are already free", start, end))
	}
	if haveRight && right.offset < end {
		return cerr.ErrInvalidArgument.WithMessage(fmt.Sprintf(
			"blocks [%d, %d) are already free", start, end))
	}

	merged := freeSpan{offset: start, length: count}
	if haveLeft && left.end() == start {
		a.tree.Delete(left)
		merged.offset = left.offset
		merged.length += left.length
	}
	if haveRight && right.offset == end {
		a.tree.Delete(right)
		merged.length += right.length
	}
	a.tree.ReplaceOrInsert(merged)

	a.freeBlocks.Add(int64(count))
	return nil
}

func (a *listAllocator) Free() uint64 {
	return uint64(a.freeBlocks.Load()) * a.cfg.MinAllocSize
}

func (a *listAllocator) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tree.Clear(false)
	a.freeBlocks.Store(0)
}
