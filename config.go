package carve

import (
	"io"
	"log/slog"

	"github.com/carvefs/carve/alloc"
	cerr "github.com/carvefs/carve/errors"
)

// Default geometry, applied by Create and Open when a field is zero.
const (
	// DefaultMinAllocSize is the default accounting block size in bytes.
	DefaultMinAllocSize uint64 = 4096

	// DefaultBlocksPerZone is the default zone size in blocks.
	DefaultBlocksPerZone uint64 = 1024

	// DefaultZonesPerSpan is the default span size in zones.
	DefaultZonesPerSpan uint64 = 1024
)

// Config describes a device and how to account for it. It is passed
// explicitly at Create/Open; the engine keeps no process-global state.
type Config struct {
	// Path is the directory holding the backing key-value store.
	Path string

	// Capacity is the total addressable size of the device in bytes. Fixed
	// at create time and validated at every open.
	Capacity uint64

	// MinAllocSize is the accounting block size in bytes. All allocation
	// sizes are rounded up to a multiple of it.
	MinAllocSize uint64

	// BlocksPerZone and ZonesPerSpan size the bitmap allocator's accounting
	// hierarchy. Ignored by the list strategy.
	BlocksPerZone uint64
	ZonesPerSpan  uint64

	// MaxExtentLength caps the length of a single returned extent in bytes;
	// longer runs are split. Zero disables the cap.
	MaxExtentLength uint64

	// Strategy selects the allocator implementation; defaults to the
	// zone/span bitmap.
	Strategy alloc.Strategy

	// Logger receives structured operational logs. Nil discards them.
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MinAllocSize == 0 {
		c.MinAllocSize = DefaultMinAllocSize
	}
	if c.BlocksPerZone == 0 {
		c.BlocksPerZone = DefaultBlocksPerZone
	}
	if c.ZonesPerSpan == 0 {
		c.ZonesPerSpan = DefaultZonesPerSpan
	}
	if c.Strategy == "" {
		c.Strategy = alloc.StrategyBitmap
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c
}

func (c Config) validate() error {
	if c.Path == "" {
		return cerr.ErrInvalidArgument.WithMessage("Path must not be empty")
	}
	if c.MaxExtentLength != 0 && c.MaxExtentLength%c.MinAllocSize != 0 {
		return cerr.ErrInvalidArgument.WithMessage(
			"MaxExtentLength must be a multiple of MinAllocSize")
	}
	return c.allocConfig().Validate()
}

func (c Config) allocConfig() alloc.Config {
	return alloc.Config{
		Capacity:      c.Capacity,
		MinAllocSize:  c.MinAllocSize,
		BlocksPerZone: c.BlocksPerZone,
		ZonesPerSpan:  c.ZonesPerSpan,
		Strategy:      c.Strategy,
	}
}
