package precache

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func byteAt(off int64) byte { return byte(off % 251) }

func expected(off, size int64) []byte {
	out := make([]byte, size)
	for i := range out {
		out[i] = byteAt(off + int64(i))
	}
	return out
}

type manualRead struct {
	name string
	off  int64
	size int64
	done func([]byte, error)
}

// manualIO records raw reads and completes them only when told to.
type manualIO struct {
	mu      sync.Mutex
	sizes   map[string]int64
	openErr map[string]error
	pending []*manualRead
	issued  []*manualRead
	closed  map[string]int
}

func newManualIO() *manualIO {
	return &manualIO{
		sizes:   make(map[string]int64),
		openErr: make(map[string]error),
		closed:  make(map[string]int),
	}
}

func (m *manualIO) add(name string, size int64) *manualIO {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sizes[name] = size
	return m
}

func (m *manualIO) Open(_ context.Context, name string) (RawFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.openErr[name]; err != nil {
		return nil, err
	}
	size, ok := m.sizes[name]
	if !ok {
		return nil, errors.New("no such archive")
	}
	return &manualFile{m: m, name: name, size: size}, nil
}

func (m *manualIO) Pending() []*manualRead {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*manualRead(nil), m.pending...)
}

func (m *manualIO) Issued() []*manualRead {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*manualRead(nil), m.issued...)
}

func (m *manualIO) take(i int) *manualRead {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.pending[i]
	m.pending = append(m.pending[:i], m.pending[i+1:]...)
	return r
}

// completeAt finishes the i-th pending read with the archive bytes.
func (m *manualIO) completeAt(t *testing.T, i int) *manualRead {
	t.Helper()
	require.Greater(t, len(m.Pending()), i, "no pending read %d", i)
	r := m.take(i)
	r.done(expected(r.off, r.size), nil)
	return r
}

func (m *manualIO) completeNext(t *testing.T) *manualRead {
	t.Helper()
	return m.completeAt(t, 0)
}

func (m *manualIO) failNext(t *testing.T, err error) *manualRead {
	t.Helper()
	require.NotEmpty(t, m.Pending())
	r := m.take(0)
	r.done(nil, err)
	return r
}

func (m *manualIO) completeAll(t *testing.T) {
	t.Helper()
	for len(m.Pending()) > 0 {
		m.completeNext(t)
	}
}

type manualFile struct {
	m    *manualIO
	name string
	size int64
}

func (f *manualFile) Size() int64 { return f.size }

func (f *manualFile) IssueRead(off, size int64, done func([]byte, error)) {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	r := &manualRead{name: f.name, off: off, size: size, done: done}
	f.m.pending = append(f.m.pending, r)
	f.m.issued = append(f.m.issued, r)
}

func (f *manualFile) Close() error {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	f.m.closed[f.name]++
	return nil
}

// recorder collects owner callbacks.
type recorder struct {
	mu    sync.Mutex
	calls map[RequestID][]bool
}

func newRecorder() *recorder { return &recorder{calls: make(map[RequestID][]bool)} }

func (r *recorder) cb(id RequestID, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[id] = append(r.calls[id], ok)
}

func (r *recorder) get(id RequestID) []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.calls[id]...)
}

const kib = 1 << 10

func newTestScheduler(t *testing.T, io RawIO, cfg Config) *Scheduler {
	t.Helper()
	s := New(io, cfg)
	t.Cleanup(func() {
		if m, ok := io.(*manualIO); ok {
			m.completeAll(t)
		}
		_ = s.Close(context.Background())
	})
	return s
}

func queue(t *testing.T, s *Scheduler, archive string, off, size int64, p Priority, cb Callback) RequestID {
	t.Helper()
	id, err := s.QueueRequest(archive, off, size, p, cb)
	require.NoError(t, err)
	require.NotZero(t, id)
	return id
}

func poll(t *testing.T, s *Scheduler, id RequestID, off, size int64) {
	t.Helper()
	dst := make([]byte, size)
	require.True(t, s.Poll(id, dst), "poll %v", id)
	require.Equal(t, expected(off, size), dst)
}
