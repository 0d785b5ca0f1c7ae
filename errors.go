package pakcache

import (
	"errors"
	"fmt"

	"github.com/hupe1980/pakcache/blobstore"
	"github.com/hupe1980/pakcache/internal/codec"
	"github.com/hupe1980/pakcache/internal/crypt"
	"github.com/hupe1980/pakcache/internal/decode"
	"github.com/hupe1980/pakcache/internal/precache"
	"github.com/hupe1980/pakcache/internal/rawio"
	"github.com/hupe1980/pakcache/pak"
)

var (
	// ErrClosed is returned after the cache, or the file, was closed.
	ErrClosed = errors.New("pakcache: closed")
	// ErrNotMounted is returned for archives that are not mounted.
	ErrNotMounted = errors.New("pakcache: archive not mounted")
	// ErrAlreadyMounted is returned when mounting a name twice.
	ErrAlreadyMounted = errors.New("pakcache: archive already mounted")
	// ErrArchiveNotFound is returned when the backing blob does not exist.
	ErrArchiveNotFound = errors.New("pakcache: archive not found")
	// ErrFileNotFound is returned when an archive has no entry for a path.
	ErrFileNotFound = errors.New("pakcache: file not found")
	// ErrBusy is returned when unmounting an archive that is still in use.
	ErrBusy = errors.New("pakcache: archive busy")
	// ErrCanceled is the error of a canceled read.
	ErrCanceled = errors.New("pakcache: read canceled")
	// ErrTimeout is returned by ReadRequest.Wait when the timeout elapses.
	ErrTimeout = errors.New("pakcache: wait timed out")
	// ErrCapacityExhausted is returned when the request limit is reached.
	ErrCapacityExhausted = errors.New("pakcache: request capacity exhausted")
	// ErrKeyNotFound is returned when no key is known for an encrypted entry.
	ErrKeyNotFound = errors.New("pakcache: decryption key not found")
	// ErrCorrupt is returned when a block does not decode to its expected size.
	ErrCorrupt = errors.New("pakcache: corrupt data")
	// ErrIntegrity is returned in strict integrity mode for data whose hash
	// does not match the archive's signature table.
	ErrIntegrity = errors.New("pakcache: integrity check failed")
	// ErrAdapterFailure is wrapped by AdapterError.
	ErrAdapterFailure = errors.New("pakcache: raw read failed")
	// ErrInvalidConfig is returned by New for unusable options.
	ErrInvalidConfig = errors.New("pakcache: invalid configuration")
)

// AdapterError reports a raw archive range the backend could not deliver.
// Reads are not retried.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type AdapterError struct {
	Archive string
	Offset  int64
	Size    int64
	cause   error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("pakcache: raw read of %q at %d (%d bytes) failed", e.Archive, e.Offset, e.Size)
}

func (e *AdapterError) Unwrap() error { return e.cause }

func translateError(err error) error {
	if err == nil {
		return nil
	}

	var rre *decode.RawReadError
	if errors.As(err, &rre) {
		return &AdapterError{
			Archive: rre.Archive,
			Offset:  rre.Offset,
			Size:    rre.Size,
			cause:   fmt.Errorf("%w: %w", ErrAdapterFailure, err),
		}
	}

	switch {
	case errors.Is(err, decode.ErrCanceled):
		return fmt.Errorf("%w: %w", ErrCanceled, err)
	case errors.Is(err, decode.ErrClosed),
		errors.Is(err, precache.ErrClosed),
		errors.Is(err, rawio.ErrClosed):
		return fmt.Errorf("%w: %w", ErrClosed, err)
	case errors.Is(err, precache.ErrCapacityExhausted):
		return fmt.Errorf("%w: %w", ErrCapacityExhausted, err)
	case errors.Is(err, precache.ErrBusy):
		return fmt.Errorf("%w: %w", ErrBusy, err)
	case errors.Is(err, crypt.ErrKeyNotFound):
		return fmt.Errorf("%w: %w", ErrKeyNotFound, err)
	case errors.Is(err, codec.ErrCorrupt), errors.Is(err, pak.ErrInvalidEntry):
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	case errors.Is(err, decode.ErrIntegrity):
		return fmt.Errorf("%w: %w", ErrIntegrity, err)
	case errors.Is(err, blobstore.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrArchiveNotFound, err)
	}

	return err
}
