package pakcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hupe1980/pakcache/internal/decode"
)

// File is an open file of a mounted archive. Reads may be issued
// concurrently.
type File struct {
	c       *Cache
	m       *mount
	archive string
	path    string
	reader  *decode.Reader

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

var _ io.ReaderAt = (*File)(nil)

// Archive returns the name of the archive holding the file.
func (f *File) Archive() string { return f.archive }

// Path returns the file's path within its archive.
func (f *File) Path() string { return f.path }

// Size returns the uncompressed file size.
func (f *File) Size() int64 { return f.reader.Size() }

// Read starts an asynchronous read of length bytes at offset. buf is used as
// the destination when it is large enough. The range must lie within the
// file; negative or out-of-range arguments panic.
func (f *File) Read(offset, length int64, prio Priority, buf []byte) *ReadRequest {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return failedRequest(ErrClosed)
	}
	return &ReadRequest{req: f.reader.Read(offset, length, prio, buf)}
}

// ReadAt implements io.ReaderAt at PriorityNormal.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("pakcache: negative offset %d", off)
	}
	size := f.Size()
	if off >= size {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}

	n := min(int64(len(p)), size-off)
	req := f.Read(off, n, PriorityNormal, p)
	if err := req.WaitContext(context.Background()); err != nil {
		return 0, err
	}
	if n < int64(len(p)) {
		return int(n), io.EOF
	}
	return int(n), nil
}

// Close fails the file's outstanding reads with ErrClosed. Later reads fail
// immediately.
func (f *File) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()

		f.reader.Close()

		f.c.mu.Lock()
		f.m.files--
		delete(f.c.files, f)
		f.c.mu.Unlock()
	})
	return nil
}

// ReadRequest is an outstanding read. It completes exactly once.
type ReadRequest struct {
	req *decode.Request
	// err is set for requests refused before reaching the reader.
	err  error
	done chan struct{}
}

func failedRequest(err error) *ReadRequest {
	done := make(chan struct{})
	close(done)
	return &ReadRequest{err: err, done: done}
}

// Done is closed when the request completes.
func (r *ReadRequest) Done() <-chan struct{} {
	if r.req == nil {
		return r.done
	}
	return r.req.Done()
}

// Wait blocks until the request completes or timeout elapses. A timeout of
// zero or less waits indefinitely. On timeout the request keeps running.
func (r *ReadRequest) Wait(timeout time.Duration) error {
	if timeout <= 0 {
		return r.WaitContext(context.Background())
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := r.WaitContext(ctx)
	if errors.Is(err, context.DeadlineExceeded) && !r.IsComplete() {
		return fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
	return err
}

// WaitContext blocks until the request completes or ctx ends. It returns the
// read's error, or ctx's error if ctx ended first.
func (r *ReadRequest) WaitContext(ctx context.Context) error {
	select {
	case <-r.Done():
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsComplete reports whether the request finished, in any outcome.
func (r *ReadRequest) IsComplete() bool {
	select {
	case <-r.Done():
		return true
	default:
		return false
	}
}

// HasError reports whether the request finished unsuccessfully.
func (r *ReadRequest) HasError() bool { return r.Err() != nil }

// Err returns the read's error once it has completed.
func (r *ReadRequest) Err() error {
	if r.req == nil {
		return r.err
	}
	return translateError(r.req.Err())
}

// Bytes returns the data read, or nil unless the request succeeded.
func (r *ReadRequest) Bytes() []byte {
	if r.req == nil {
		return nil
	}
	return r.req.Bytes()
}

// Cancel abandons the request. It returns false if the request had already
// completed. Calling it more than once is safe.
func (r *ReadRequest) Cancel() bool {
	if r.req == nil {
		return false
	}
	return r.req.Cancel()
}
