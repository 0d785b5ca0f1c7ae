package decode

import (
	"context"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
)

// Request is an outstanding read. It completes exactly once: with the
// requested bytes, with an error, or canceled.
type Request struct {
	r      *Reader
	offset int64
	length int64
	first  int
	last   int
	dst    []byte
	start  time.Time

	// Guarded by r.mu.
	pending  *roaring.Bitmap
	finished bool
	err      error

	done chan struct{}
}

// Done is closed when the request completes.
func (q *Request) Done() <-chan struct{} { return q.done }

// Wait blocks until the request completes or ctx ends. It returns the
// request's error, or ctx's error if ctx ended first.
func (q *Request) Wait(ctx context.Context) error {
	select {
	case <-q.done:
		return q.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsComplete reports whether the request finished, in any outcome.
func (q *Request) IsComplete() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

// HasError reports whether the request finished unsuccessfully.
func (q *Request) HasError() bool { return q.Err() != nil }

// Err returns the request's error once it has completed.
func (q *Request) Err() error {
	if !q.IsComplete() {
		return nil
	}
	return q.err
}

// Bytes returns the data read, or nil unless the request succeeded.
func (q *Request) Bytes() []byte {
	if !q.IsComplete() || q.err != nil {
		return nil
	}
	return q.dst
}

// Cancel abandons the request. It returns false if the request had already
// completed.
func (q *Request) Cancel() bool {
	r := q.r
	r.mu.Lock()
	if q.finished {
		r.mu.Unlock()
		return false
	}
	r.finish(q, ErrCanceled)
	r.unlock()
	return true
}
