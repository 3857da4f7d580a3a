// Package testing provides shared fixtures for engine tests.
package testing

import (
	"testing"

	"github.com/carvefs/carve"
	"github.com/stretchr/testify/require"
)

// NewConfig returns a Config for a temporary device that is removed when
// the test finishes.
func NewConfig(t *testing.T, capacity, blockSize uint64) carve.Config {
	t.Helper()
	return carve.Config{
		Path:         t.TempDir(),
		Capacity:     capacity,
		MinAllocSize: blockSize,
	}
}

// CreateStore creates a fresh device and closes it at test cleanup. Tests
// that reopen the device themselves should call Close first; double closes
// are harmless.
func CreateStore(t *testing.T, cfg carve.Config) *carve.Store {
	t.Helper()
	store, err := carve.Create(cfg)
	require.NoError(t, err, "failed to create device at %s", cfg.Path)
	t.Cleanup(func() { store.Close() })
	return store
}

// ReopenStore closes the store and opens the same device again, simulating
// a clean restart.
func ReopenStore(t *testing.T, store *carve.Store, cfg carve.Config) *carve.Store {
	t.Helper()
	require.NoError(t, store.Close(), "failed to close device before reopen")
	reopened, err := carve.Open(cfg)
	require.NoError(t, err, "failed to reopen device at %s", cfg.Path)
	t.Cleanup(func() { reopened.Close() })
	return reopened
}
