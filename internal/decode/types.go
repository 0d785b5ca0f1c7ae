package decode

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hupe1980/pakcache/internal/crypt"
	"github.com/hupe1980/pakcache/internal/precache"
	"github.com/hupe1980/pakcache/pak"
)

var (
	// ErrCanceled is the error of a read canceled by its owner.
	ErrCanceled = errors.New("decode: read canceled")
	// ErrClosed is returned for reads on a closed reader.
	ErrClosed = errors.New("decode: reader closed")
	// ErrRawRead is wrapped by RawReadError.
	ErrRawRead = errors.New("decode: raw read failed")
	// ErrIntegrity is returned in strict mode when a chunk hash mismatches.
	ErrIntegrity = errors.New("decode: integrity check failed")
)

// RawReadError reports a raw span the scheduler could not deliver.
type RawReadError struct {
	Archive string
	Offset  int64
	Size    int64
	Err     error
}

func (e *RawReadError) Error() string {
	return fmt.Sprintf("decode: raw read of %q [%d, %d) failed: %v", e.Archive, e.Offset, e.Offset+e.Size, e.Err)
}

func (e *RawReadError) Unwrap() []error { return []error{ErrRawRead, e.Err} }

// Scheduler is the subset of the precache scheduler a Reader needs.
type Scheduler interface {
	QueueRequest(archive string, offset, size int64, prio precache.Priority, owner precache.Callback) (precache.RequestID, error)
	Poll(id precache.RequestID, dst []byte) bool
	Cancel(id precache.RequestID) bool
	// Err returns why a request was delivered with ok=false.
	Err(id precache.RequestID) error
}

// File describes the file a Reader serves.
type File struct {
	Archive     string
	ArchiveSize int64
	Entry       pak.Entry
	// Signatures is nil for unsigned archives.
	Signatures *pak.SignatureTable
}

// IntegrityEvent describes a chunk whose hash does not match the signature
// table.
type IntegrityEvent struct {
	Archive  string
	Chunk    int
	Offset   int64
	Expected uint32
	Actual   uint32
}

// IntegrityHandler receives integrity events. It runs on a decode worker.
type IntegrityHandler func(IntegrityEvent)

// Observer receives decode events.
type Observer interface {
	OnBlockDecoded(archive string, raw, decoded int64, d time.Duration)
	OnDecodeFailed(archive string, err error)
	OnIntegrityFailure(ev IntegrityEvent)
	// OnReadCompleted is called once per finished read, including canceled
	// and failed ones.
	OnReadCompleted(archive string, bytes int64, d time.Duration, err error)
}

// NoopObserver ignores all events.
type NoopObserver struct{}

func (NoopObserver) OnBlockDecoded(string, int64, int64, time.Duration) {}
func (NoopObserver) OnDecodeFailed(string, error)                      {}
func (NoopObserver) OnIntegrityFailure(IntegrityEvent)                 {}
func (NoopObserver) OnReadCompleted(string, int64, time.Duration, error) {}

// DefaultRawBlockSize is the block size used to split uncompressed entries.
const DefaultRawBlockSize = 64 << 10

type options struct {
	keys         *crypt.Registry
	onIntegrity  IntegrityHandler
	strict       bool
	logger       *slog.Logger
	obs          Observer
	rawBlockSize int64
}

// Option configures a Reader.
type Option func(*options)

// WithKeys sets the registry used to decrypt encrypted entries.
func WithKeys(r *crypt.Registry) Option {
	return func(o *options) { o.keys = r }
}

// WithIntegrityHandler installs a handler for hash mismatches.
func WithIntegrityHandler(h IntegrityHandler) Option {
	return func(o *options) { o.onIntegrity = h }
}

// WithStrictIntegrity fails reads whose blocks do not verify. By default a
// mismatch is reported and decoding continues.
func WithStrictIntegrity(strict bool) Option {
	return func(o *options) { o.strict = strict }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithObserver installs an event observer.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.obs = obs
		}
	}
}

// WithRawBlockSize sets the block size for uncompressed entries. It must be
// a positive multiple of the cipher block size.
func WithRawBlockSize(n int64) Option {
	return func(o *options) {
		if n > 0 && n%crypt.BlockSize == 0 {
			o.rawBlockSize = n
		}
	}
}
