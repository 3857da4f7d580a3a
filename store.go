package carve

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/carvefs/carve/alloc"
	cerr "github.com/carvefs/carve/errors"
	"github.com/carvefs/carve/freelist"
	"github.com/carvefs/carve/kv"
	"github.com/hashicorp/go-multierror"
)

// Store is an open device. It owns the backing key-value store, the durable
// freelist and the in-memory allocator, and exposes the named extent-set
// surface higher layers build on.
//
// Every mutating operation stages its freelist update and its metadata in
// one transaction and commits it durably before the in-memory state is
// considered settled, so a crash can never leave the two disagreeing.
type Store struct {
	cfg Config
	log *slog.Logger

	mu     sync.Mutex
	db     *kv.Store
	fl     *freelist.Manager
	alloc  alloc.Allocator
	closed bool
}

// Create initializes a fresh device at cfg.Path and opens it. It fails with
// ErrDeviceExists if the path already holds an initialized device.
func Create(cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	db, err := kv.Open(cfg.Path)
	if err != nil {
		return nil, err
	}
	fl := freelist.New(db)
	initialized, err := fl.Initialized()
	if err != nil {
		db.Close()
		return nil, err
	}
	if initialized {
		db.Close()
		return nil, cerr.ErrDeviceExists.WithMessage(cfg.Path)
	}

	txn := db.NewTransaction()
	if err := fl.Create(cfg.Capacity, cfg.MinAllocSize, txn); err != nil {
		txn.Discard()
		db.Close()
		return nil, err
	}
	if err := txn.Commit(); err != nil {
		db.Close()
		return nil, err
	}

	cfg.Logger.Info("device created",
		"path", cfg.Path, "capacity", cfg.Capacity, "block_size", cfg.MinAllocSize)
	return finishOpen(cfg, db, fl)
}

// Open attaches to an existing device at cfg.Path. The recorded capacity,
// allocation unit and freelist representation must match cfg; otherwise the
// open fails with ErrCorruptState rather than run on state it cannot verify.
func Open(cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	db, err := kv.Open(cfg.Path)
	if err != nil {
		return nil, err
	}
	fl := freelist.New(db)
	if err := fl.Init(cfg.Capacity); err != nil {
		db.Close()
		return nil, err
	}
	if fl.AllocUnit() != cfg.MinAllocSize {
		db.Close()
		return nil, cerr.ErrCorruptState.WithMessage(fmt.Sprintf(
			"recorded allocation unit %d does not match configured block size %d",
			fl.AllocUnit(), cfg.MinAllocSize))
	}
	return finishOpen(cfg, db, fl)
}

// finishOpen builds the in-memory allocator and rehydrates it from the
// persisted freelist. In-memory state is never trusted across a restart.
func finishOpen(cfg Config, db *kv.Store, fl *freelist.Manager) (*Store, error) {
	a, err := alloc.New(cfg.allocConfig())
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		cfg:   cfg,
		log:   cfg.Logger,
		db:    db,
		fl:    fl,
		alloc: a,
	}
	if err := s.rehydrate(); err != nil {
		db.Close()
		return nil, err
	}
	s.log.Info("device opened",
		"path", cfg.Path, "capacity", cfg.Capacity,
		"free", s.FreeSpace(), "strategy", string(cfg.Strategy))
	return s, nil
}

func (s *Store) rehydrate() error {
	if err := s.fl.EnumerateReset(); err != nil {
		return err
	}
	for {
		offset, length, ok, err := s.fl.EnumerateNext()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := s.alloc.InitAddFree(offset, length); err != nil {
			return cerr.ErrCorruptState.Wrap(err)
		}
	}
}

// Allocate reserves, binds and durably records size bytes (rounded up to
// whole blocks) under name, returning the allocated extents. The freelist
// update, the extent-set record and the statistics delta commit in one
// transaction; on any failure the in-memory claim is rolled back and the
// device is left exactly as before the call.
func (s *Store) Allocate(name string, size uint64) ([]Extent, error) {
	return s.AllocateWithHint(name, size, 0)
}

// AllocateWithHint is Allocate with a preferred starting byte offset for
// the block search. A zero hint means lowest-offset-first.
func (s *Store) AllocateWithHint(name string, size, hint uint64) ([]Extent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, cerr.ErrClosed
	}
	if name == "" || size == 0 {
		return nil, cerr.ErrInvalidArgument.WithMessage("name and size must be nonempty")
	}
	if _, err := s.db.Get(kv.Key(kv.PrefixExtentSet, name)); err == nil {
		return nil, cerr.ErrExists.WithMessage(name)
	} else if !errors.Is(err, cerr.ErrNotFound) {
		return nil, err
	}

	want := roundUp(size, s.cfg.MinAllocSize)

	// Reservation is the capacity promise; binding blocks comes next.
	if err := s.alloc.Reserve(want); err != nil {
		return nil, err
	}
	list := alloc.NewExtentList(s.cfg.MinAllocSize, s.cfg.MaxExtentLength)
	got, err := s.alloc.Allocate(want, s.cfg.MinAllocSize, hint, list)
	if err != nil {
		s.alloc.Unreserve(want)
		return nil, err
	}
	if got < want {
		// Short allocation: undo the partial claim and surface out-of-space.
		s.releaseInMemory(list.Extents())
		s.alloc.Unreserve(want - got)
		return nil, cerr.ErrInsufficientSpace.WithMessage(fmt.Sprintf(
			"allocated %d of %d bytes for %q", got, want, name))
	}
	extents := list.Extents()

	txn := s.db.NewTransaction()
	if err := s.stageAllocation(name, extents, txn); err != nil {
		txn.Discard()
		s.undoAllocation(extents)
		return nil, err
	}
	if err := txn.Commit(); err != nil {
		s.undoAllocation(extents)
		return nil, err
	}

	s.log.Debug("allocated extent set",
		"name", name, "bytes", got, "extents", len(extents))
	out := make([]Extent, len(extents))
	copy(out, extents)
	return out, nil
}

func (s *Store) stageAllocation(name string, extents []Extent, txn *kv.Transaction) error {
	for _, e := range extents {
		if err := s.fl.Allocate(e.Offset, e.Length, txn); err != nil {
			return err
		}
	}
	value, err := EncodeExtentSet(extents)
	if err != nil {
		return err
	}
	if err := txn.Set(kv.Key(kv.PrefixExtentSet, name), value); err != nil {
		return err
	}
	delta := statsDelta(Stats{
		AllocateCalls:  1,
		AllocatedBytes: TotalLength(extents),
		Commits:        1,
	})
	return txn.Merge(statsKey(), delta)
}

// undoAllocation reverts the in-memory side of a failed allocate: the
// freelist mirror is rebuilt from the (unchanged) persisted state and the
// claimed blocks go back to the bitmap and the free counter.
func (s *Store) undoAllocation(extents []Extent) {
	if err := s.fl.Reload(); err != nil {
		s.log.Error("freelist reload after failed commit", "error", err)
	}
	s.releaseInMemory(extents)
}

func (s *Store) releaseInMemory(extents []Extent) {
	for _, e := range extents {
		if err := s.alloc.Release(e.Offset, e.Length); err != nil {
			s.log.Error("release during rollback", "extent", e, "error", err)
		}
	}
}

// Save durably records extents under name, overwriting any previous set.
// It does not touch the allocator; the extents are assumed to already be
// allocated.
func (s *Store) Save(name string, extents []Extent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return cerr.ErrClosed
	}
	if name == "" || len(extents) == 0 {
		return cerr.ErrInvalidArgument.WithMessage("name and extents must be nonempty")
	}

	value, err := EncodeExtentSet(extents)
	if err != nil {
		return err
	}
	txn := s.db.NewTransaction()
	if err := txn.Set(kv.Key(kv.PrefixExtentSet, name), value); err != nil {
		txn.Discard()
		return err
	}
	if err := txn.Merge(statsKey(), statsDelta(Stats{Commits: 1})); err != nil {
		txn.Discard()
		return err
	}
	return txn.Commit()
}

// Load returns the extent set saved under name, or ErrNotFound.
func (s *Store) Load(name string) ([]Extent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, cerr.ErrClosed
	}

	value, err := s.db.Get(kv.Key(kv.PrefixExtentSet, name))
	if errors.Is(err, cerr.ErrNotFound) {
		return nil, cerr.ErrNotFound.WithMessage(fmt.Sprintf("extent set %q", name))
	}
	if err != nil {
		return nil, err
	}
	extents, err := DecodeExtentSet(value)
	if err != nil {
		return nil, err
	}
	if len(extents) == 0 {
		return nil, cerr.ErrCorruptState.WithMessage(fmt.Sprintf(
			"extent set %q is empty", name))
	}
	return extents, nil
}

// Delete releases the extents recorded under name and removes the record.
// The used-to-free freelist transition and the record removal commit in one
// transaction; the in-memory bitmap is freed only after the commit is
// durable.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return cerr.ErrClosed
	}

	value, err := s.db.Get(kv.Key(kv.PrefixExtentSet, name))
	if errors.Is(err, cerr.ErrNotFound) {
		return cerr.ErrNotFound.WithMessage(fmt.Sprintf("extent set %q", name))
	}
	if err != nil {
		return err
	}
	extents, err := DecodeExtentSet(value)
	if err != nil {
		return err
	}

	txn := s.db.NewTransaction()
	stage := func() error {
		for _, e := range extents {
			if err := s.fl.Release(e.Offset, e.Length, txn); err != nil {
				return err
			}
		}
		if err := txn.Delete(kv.Key(kv.PrefixExtentSet, name)); err != nil {
			return err
		}
		delta := statsDelta(Stats{
			ReleaseCalls:  1,
			ReleasedBytes: TotalLength(extents),
			Commits:       1,
		})
		return txn.Merge(statsKey(), delta)
	}
	if err := stage(); err != nil {
		txn.Discard()
		if rerr := s.fl.Reload(); rerr != nil {
			s.log.Error("freelist reload after failed stage", "error", rerr)
		}
		return err
	}
	if err := txn.Commit(); err != nil {
		if rerr := s.fl.Reload(); rerr != nil {
			s.log.Error("freelist reload after failed commit", "error", rerr)
		}
		return err
	}

	for _, e := range extents {
		if err := s.alloc.Release(e.Offset, e.Length); err != nil {
			// The commit already happened; a restart will rebuild a
			// consistent bitmap from the freelist.
			s.log.Error("in-memory release after delete", "extent", e, "error", err)
		}
	}
	s.log.Debug("deleted extent set",
		"name", name, "bytes", TotalLength(extents), "extents", len(extents))
	return nil
}

// List returns the names of all saved extent sets in lexicographic order.
func (s *Store) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, cerr.ErrClosed
	}

	cur, err := s.db.NewCursor(kv.PrefixExtentSet)
	if err != nil {
		return nil, err
	}
	defer cur.Close()

	var names []string
	for cur.Next() {
		names = append(names, string(cur.Key()[1:]))
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return names, nil
}

// FreeSpace returns the current free byte count, net of reservations.
func (s *Store) FreeSpace() uint64 {
	return s.alloc.Free()
}

// Close shuts the allocator and the backing store down. The store must not
// be used afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var result *multierror.Error
	if err := s.fl.Shutdown(); err != nil {
		result = multierror.Append(result, err)
	}
	s.alloc.Shutdown()
	if err := s.db.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	s.log.Info("device closed", "path", s.cfg.Path)
	return result.ErrorOrNil()
}

func roundUp(v, multiple uint64) uint64 {
	return (v + multiple - 1) / multiple * multiple
}
