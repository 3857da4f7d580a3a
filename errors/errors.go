// Package errors defines the error values shared by every layer of the
// engine. Each exported sentinel is a root cause; layers attach context with
// WithMessage or Wrap and callers test with errors.Is against the sentinel.
package errors

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// StoreError is the error type returned by all engine operations. The chain
// always bottoms out at one of the exported sentinel values.
type StoreError interface {
	error
	WithMessage(message string) StoreError
	Wrap(err error) StoreError
}

type baseStoreError string

const rootError = baseStoreError("")

// ErrInsufficientSpace means a reserve or allocate could not be satisfied
// from the current free pool. Recoverable; the caller may retry smaller or
// surface out-of-space upward.
var ErrInsufficientSpace = rootError.WithMessage("insufficient free space")

// ErrCorruptState means persisted state disagrees with what the caller
// expects (capacity, representation kind, or a malformed record). Fatal to
// opening the device.
var ErrCorruptState = rootError.WithMessage("persisted state is corrupt or mismatched")

// ErrTransactionFailed means the backing store could not commit a
// transaction. The in-flight operation is aborted and rolled back.
var ErrTransactionFailed = rootError.WithMessage("transaction commit failed")

// ErrNotFound means a named extent set or key is absent.
var ErrNotFound = rootError.WithMessage("not found")

// ErrIOFailed means the backing store reported an I/O-level failure outside
// of a commit.
var ErrIOFailed = rootError.WithMessage("input/output error")

var ErrInvalidArgument = rootError.WithMessage("invalid argument")
var ErrExists = rootError.WithMessage("name already exists")
var ErrDeviceExists = rootError.WithMessage("device already initialized")
var ErrClosed = rootError.WithMessage("store is closed")

func (e baseStoreError) Error() string {
	return string(e)
}

func (e baseStoreError) WithMessage(message string) StoreError {
	return customStoreError{
		message:       message,
		originalError: e,
	}
}

func (e baseStoreError) Wrap(err error) StoreError {
	return customStoreError{
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: multierror.Append(e, err),
	}
}

// -----------------------------------------------------------------------------

type customStoreError struct {
	message       string
	originalError error
}

// Error implements the `error` interface. When called, it returns a string
// describing the error.
func (e customStoreError) Error() string {
	return e.message
}

func (e customStoreError) WithMessage(message string) StoreError {
	return customStoreError{
		message:       fmt.Sprintf("%s: %s", e.message, message),
		originalError: e,
	}
}

func (e customStoreError) Wrap(err error) StoreError {
	return customStoreError{
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: multierror.Append(e, err),
	}
}

func (e customStoreError) Unwrap() error {
	return e.originalError
}
