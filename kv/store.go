// Package kv adapts the pebble key-value store to the narrow contract the
// engine consumes: point reads, atomic transactions with durable synchronous
// commit, prefix cursors, and the counter merge operator. Nothing above this
// package imports pebble directly.
package kv

import (
	cerr "github.com/carvefs/carve/errors"
	"github.com/cockroachdb/pebble"
)

// Store is an open key-value database.
type Store struct {
	db   *pebble.DB
	path string
}

// Open opens (creating if absent) the database at path with the engine's
// merge operator installed.
func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{
		Merger: CounterMerger(),
	})
	if err != nil {
		return nil, cerr.ErrIOFailed.Wrap(err)
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the directory the store was opened from.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return cerr.ErrIOFailed.Wrap(err)
	}
	return nil
}

// Get returns a copy of the value stored under key, or ErrNotFound.
func (s *Store) Get(key []byte) ([]byte, error) {
	value, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, cerr.ErrNotFound
	}
	if err != nil {
		return nil, cerr.ErrIOFailed.Wrap(err)
	}
	out := make([]byte, len(value))
	copy(out, value)
	if err := closer.Close(); err != nil {
		return nil, cerr.ErrIOFailed.Wrap(err)
	}
	return out, nil
}

// NewTransaction starts an empty atomic batch of mutations. The batch is
// applied all-or-nothing by Commit; an unused transaction must be Discarded.
func (s *Store) NewTransaction() *Transaction {
	return &Transaction{batch: s.db.NewBatch()}
}

// Transaction is an ordered, atomic batch of staged mutations. It is not a
// snapshot: reads during staging go to the committed state of the Store.
type Transaction struct {
	batch *pebble.Batch
	done  bool
}

// Set stages key = value.
func (t *Transaction) Set(key, value []byte) error {
	if err := t.batch.Set(key, value, nil); err != nil {
		return cerr.ErrIOFailed.Wrap(err)
	}
	return nil
}

// Delete stages removal of key.
func (t *Transaction) Delete(key []byte) error {
	if err := t.batch.Delete(key, nil); err != nil {
		return cerr.ErrIOFailed.Wrap(err)
	}
	return nil
}

// Merge stages a merge-operator delta against key.
func (t *Transaction) Merge(key, delta []byte) error {
	if err := t.batch.Merge(key, delta, nil); err != nil {
		return cerr.ErrIOFailed.Wrap(err)
	}
	return nil
}

// Len returns the number of staged mutations.
func (t *Transaction) Len() int {
	return int(t.batch.Count())
}

// Commit applies the batch atomically and blocks until it is durable.
// The transaction must not be reused afterwards.
func (t *Transaction) Commit() error {
	if t.done {
		return cerr.ErrInvalidArgument.WithMessage("transaction already finished")
	}
	t.done = true
	if err := t.batch.Commit(pebble.Sync); err != nil {
		t.batch.Close()
		return cerr.ErrTransactionFailed.Wrap(err)
	}
	return t.batch.Close()
}

// Discard abandons the staged mutations without applying them.
func (t *Transaction) Discard() {
	if t.done {
		return
	}
	t.done = true
	t.batch.Close()
}

// Cursor iterates the committed keys under one prefix in ascending order.
// Single consumer; the underlying freelist must not be mutated while a
// cursor over it is live.
type Cursor struct {
	iter    *pebble.Iterator
	started bool
}

// NewCursor positions a cursor before the first key with the given prefix.
func (s *Store) NewCursor(prefix byte) (*Cursor, error) {
	lower, upper := PrefixBounds(prefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return nil, cerr.ErrIOFailed.Wrap(err)
	}
	return &Cursor{iter: iter}, nil
}

// Next advances to the next key, or the first on the initial call. It
// returns false when the prefix is exhausted or iteration failed.
func (c *Cursor) Next() bool {
	if !c.started {
		c.started = true
		return c.iter.First()
	}
	return c.iter.Next()
}

// Key returns the current key. Valid until the next call to Next.
func (c *Cursor) Key() []byte {
	return c.iter.Key()
}

// Value returns the current value. Valid until the next call to Next.
func (c *Cursor) Value() []byte {
	return c.iter.Value()
}

// Err reports any iteration error encountered so far.
func (c *Cursor) Err() error {
	if err := c.iter.Error(); err != nil {
		return cerr.ErrIOFailed.Wrap(err)
	}
	return nil
}

func (c *Cursor) Close() error {
	if err := c.iter.Close(); err != nil {
		return cerr.ErrIOFailed.Wrap(err)
	}
	return nil
}
