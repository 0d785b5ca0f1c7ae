// Package rawio adapts a blobstore.BlobStore to the asynchronous raw read
// interface the scheduler consumes.
//
// Each IssueRead runs on its own goroutine, gated by the resource
// controller's read slots and byte rate. Backend reads go through a circuit
// breaker so a failing store fails fast instead of queueing timeouts.
// Concurrent opens of the same archive share one backend handle.
package rawio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/hupe1980/pakcache/blobstore"
	"github.com/hupe1980/pakcache/internal/precache"
	"github.com/hupe1980/pakcache/internal/resource"
)

var (
	// ErrClosed is returned for opens and reads after Close.
	ErrClosed = errors.New("rawio: adapter closed")
	// ErrShortRead is returned when the backend delivers fewer bytes than asked.
	ErrShortRead = errors.New("rawio: short read")
)

// Options configures an Adapter.
type Options struct {
	// Resources gates concurrent reads and IO rate. nil means ungated.
	Resources *resource.Controller
	// Breaker configures the circuit breaker. A zero value trips after more
	// than five consecutive failures and lets a trial request through after 30 seconds.
	Breaker gobreaker.Settings
	// Logger receives read failures and breaker transitions.
	Logger *slog.Logger
}

// Adapter implements precache.RawIO over a blob store.
type Adapter struct {
	store  blobstore.BlobStore
	rc     *resource.Controller
	cb     *gobreaker.CircuitBreaker
	logger *slog.Logger

	group singleflight.Group

	mu       sync.Mutex
	blobs    map[string]*sharedBlob
	isClosed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type sharedBlob struct {
	name string
	blob blobstore.Blob
	refs int
}

var _ precache.RawIO = (*Adapter)(nil)

// New creates an adapter reading from store.
func New(store blobstore.BlobStore, opts Options) *Adapter {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	st := opts.Breaker
	if st.Name == "" {
		st.Name = "rawio"
	}
	if st.Timeout == 0 {
		st.Timeout = 30 * time.Second
	}
	userChange := st.OnStateChange
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		logger.Warn("backend circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		if userChange != nil {
			userChange(name, from, to)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		store:  store,
		rc:     opts.Resources,
		cb:     gobreaker.NewCircuitBreaker(st),
		logger: logger,
		blobs:  make(map[string]*sharedBlob),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Open opens name for reading. Concurrent and repeated opens of the same
// name share one backend blob, closed when the last file is closed.
func (a *Adapter) Open(ctx context.Context, name string) (precache.RawFile, error) {
	for {
		a.mu.Lock()
		if a.isClosed {
			a.mu.Unlock()
			return nil, ErrClosed
		}
		if sb := a.blobs[name]; sb != nil {
			sb.refs++
			a.mu.Unlock()
			return &file{a: a, sb: sb}, nil
		}
		a.mu.Unlock()

		v, err, _ := a.group.Do(name, func() (any, error) {
			blob, err := a.store.Open(ctx, name)
			if err != nil {
				return nil, err
			}
			sb := &sharedBlob{name: name, blob: blob}
			a.mu.Lock()
			a.blobs[name] = sb
			a.mu.Unlock()
			return sb, nil
		})
		if err != nil {
			return nil, fmt.Errorf("rawio: open %s: %w", name, err)
		}

		sb := v.(*sharedBlob)
		a.mu.Lock()
		if a.blobs[name] == sb {
			sb.refs++
			a.mu.Unlock()
			return &file{a: a, sb: sb}, nil
		}
		// The shared blob was closed before this caller could take a
		// reference; open again.
		a.mu.Unlock()
	}
}

func (a *Adapter) release(sb *sharedBlob) error {
	a.mu.Lock()
	if a.isClosed {
		a.mu.Unlock()
		return nil
	}
	sb.refs--
	if sb.refs > 0 {
		a.mu.Unlock()
		return nil
	}
	if a.blobs[sb.name] == sb {
		delete(a.blobs, sb.name)
	}
	a.mu.Unlock()
	return sb.blob.Close()
}

// Close waits for outstanding reads and closes every open blob. If ctx ends
// first, in-flight reads are canceled and Close returns ctx's error; the
// blobs are closed once those reads return.
func (a *Adapter) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.isClosed {
		a.mu.Unlock()
		return nil
	}
	a.isClosed = true
	a.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		a.cancel()
		go func() {
			<-drained
			if err := a.closeBlobs(); err != nil {
				a.logger.Error("closing blobs after abandoned close failed", "error", err)
			}
		}()
		return fmt.Errorf("rawio: close: %w", ctx.Err())
	}

	a.cancel()
	return a.closeBlobs()
}

func (a *Adapter) closeBlobs() error {
	a.mu.Lock()
	blobs := a.blobs
	a.blobs = make(map[string]*sharedBlob)
	a.mu.Unlock()

	var errs []error
	for _, sb := range blobs {
		if err := sb.blob.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BreakerState reports the circuit breaker state.
func (a *Adapter) BreakerState() gobreaker.State { return a.cb.State() }

func (a *Adapter) read(sb *sharedBlob, off, size int64) ([]byte, error) {
	if err := a.rc.AcquireRead(a.ctx); err != nil {
		return nil, err
	}
	defer a.rc.ReleaseRead()

	if err := a.rc.AcquireIO(a.ctx, int(size)); err != nil {
		return nil, err
	}

	v, err := a.cb.Execute(func() (any, error) {
		buf := make([]byte, size)
		n, err := sb.blob.ReadAt(a.ctx, buf, off)
		if int64(n) == size {
			// io.ReaderAt may report io.EOF alongside a full read at the end.
			return buf, nil
		}
		if err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %d of %d bytes at %d", ErrShortRead, n, size, off)
		}
		return nil, err
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

type file struct {
	a      *Adapter
	sb     *sharedBlob
	closed atomic.Bool
}

func (f *file) Size() int64 { return f.sb.blob.Size() }

// IssueRead reads asynchronously and calls done from the reading goroutine.
func (f *file) IssueRead(off, size int64, done func([]byte, error)) {
	a := f.a
	a.mu.Lock()
	if a.isClosed || f.closed.Load() {
		a.mu.Unlock()
		go done(nil, ErrClosed)
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()
		data, err := a.read(f.sb, off, size)
		if err != nil {
			a.logger.Error("backend read failed", "archive", f.sb.name, "offset", off, "size", size, "error", err)
		}
		done(data, err)
	}()
}

func (f *file) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}
	return f.a.release(f.sb)
}
