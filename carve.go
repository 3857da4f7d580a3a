// Package carve is the free-space core of a block-oriented storage engine.
// It tracks which byte ranges of a fixed-capacity device are in use, hands
// out new extents on demand, and keeps the free list durable in a
// transactional key-value store so that a restart rebuilds exactly the
// state that was last committed.
//
// The pieces are: an in-memory block allocator (package alloc) searched at
// allocation time, a durable interval-map freelist (package freelist) that
// is the sole source of truth across restarts, and a thin transactional
// store facade (package kv). Store ties them together behind the public
// create/open/allocate/save/load/delete surface.
package carve

import (
	"github.com/carvefs/carve/alloc"
	cerr "github.com/carvefs/carve/errors"
)

// Extent is a contiguous allocated byte range on the device.
type Extent = alloc.Extent

// StoreError is the error type returned by all engine operations; test for
// the root causes below with errors.Is.
type StoreError = cerr.StoreError

// Root error causes, re-exported so callers only import this package.
var (
	ErrInsufficientSpace = cerr.ErrInsufficientSpace
	ErrCorruptState      = cerr.ErrCorruptState
	ErrTransactionFailed = cerr.ErrTransactionFailed
	ErrNotFound          = cerr.ErrNotFound
	ErrIOFailed          = cerr.ErrIOFailed
	ErrInvalidArgument   = cerr.ErrInvalidArgument
	ErrExists            = cerr.ErrExists
	ErrDeviceExists      = cerr.ErrDeviceExists
	ErrClosed            = cerr.ErrClosed
)
