package alloc

// ExtentList accumulates the block runs discovered during an allocation
// search into byte extents. Contiguous runs are coalesced into one extent;
// an extent never grows past the configured maximum length, so a long run
// is split into several extents. The list is reset at the start of each
// independent allocate call.
type ExtentList struct {
	blockSize    uint64
	maxExtentLen uint64 // bytes; 0 means unbounded
	extents      []Extent
}

// NewExtentList returns an accumulator for runs of blockSize-byte blocks.
// maxExtentLen caps the length of a single extent; zero disables the cap.
func NewExtentList(blockSize, maxExtentLen uint64) *ExtentList {
	return &ExtentList{
		blockSize:    blockSize,
		maxExtentLen: maxExtentLen,
	}
}

// AddBlocks records a run of count blocks starting at block index `block`.
// The run is merged with the previous extent when contiguous, and split as
// needed to honor the maximum extent length.
func (l *ExtentList) AddBlocks(block, count uint64) {
	offset := block * l.blockSize
	remaining := count * l.blockSize

	for remaining > 0 {
		if n := len(l.extents); n > 0 {
			last := &l.extents[n-1]
			if last.End() == offset && (l.maxExtentLen == 0 || last.Length < l.maxExtentLen) {
				take := remaining
				if l.maxExtentLen != 0 {
					if room := l.maxExtentLen - last.Length; take > room {
						take = room
					}
				}
				last.Length += take
				offset += take
				remaining -= take
				continue
			}
		}

		take := remaining
		if l.maxExtentLen != 0 && take > l.maxExtentLen {
			take = l.maxExtentLen
		}
		l.extents = append(l.extents, Extent{Offset: offset, Length: take})
		offset += take
		remaining -= take
	}
}

// Reset discards all accumulated extents but keeps the configuration.
func (l *ExtentList) Reset() {
	l.extents = l.extents[:0]
}

// Extents returns the accumulated extents in allocation order.
func (l *ExtentList) Extents() []Extent {
	return l.extents
}

// Count returns the number of accumulated extents.
func (l *ExtentList) Count() int {
	return len(l.extents)
}

// TotalLength returns the sum of all extent lengths in bytes.
func (l *ExtentList) TotalLength() uint64 {
	var total uint64
	for _, e := range l.extents {
		total += e.Length
	}
	return total
}
