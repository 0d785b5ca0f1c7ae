package decode

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/pakcache/internal/codec"
	"github.com/hupe1980/pakcache/internal/conv"
	"github.com/hupe1980/pakcache/internal/crypt"
	"github.com/hupe1980/pakcache/internal/hash"
	"github.com/hupe1980/pakcache/internal/precache"
	"github.com/hupe1980/pakcache/internal/workpool"
	"github.com/hupe1980/pakcache/pak"
)

type blockState uint8

const (
	blockUnstarted blockState = iota
	blockRawRequested
	blockRawReady
	blockDecoding
	blockDecoded
	blockFailed
)

type block struct {
	index  int
	state  blockState
	refs   int
	raw    precache.RequestID
	hasRaw bool
	rawOff int64
	rawLen int64
	data   []byte
	// dispose marks a block whose raw bytes or decode result arrive after
	// its last reference was dropped.
	dispose bool
}

// Reader serves reads of one file. Safe for concurrent use.
type Reader struct {
	sched     Scheduler
	pool      *workpool.Pool
	file      File
	opts      options
	blockSize int64
	count     int

	mu      sync.Mutex
	closed  bool
	blocks  map[int]*block
	reads   map[*Request]struct{}
	cancels []precache.RequestID
	done    []*Request
}

// NewReader returns a reader for f. Raw bytes come from s; decoding runs on
// pool.
func NewReader(s Scheduler, pool *workpool.Pool, f File, opts ...Option) (*Reader, error) {
	o := options{
		logger:       slog.New(slog.DiscardHandler),
		obs:          NoopObserver{},
		rawBlockSize: DefaultRawBlockSize,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if err := f.Entry.Validate(f.ArchiveSize); err != nil {
		return nil, err
	}
	if f.Signatures != nil && f.Signatures.ChunkSize <= 0 {
		return nil, fmt.Errorf("%w: signature chunk size %d", pak.ErrInvalidEntry, f.Signatures.ChunkSize)
	}

	bs := f.Entry.BlockSize
	if !f.Entry.Compressed() {
		bs = o.rawBlockSize
	}
	count := 0
	if f.Entry.Size > 0 {
		count = int((f.Entry.Size + bs - 1) / bs)
	}

	return &Reader{
		sched:     s,
		pool:      pool,
		file:      f,
		opts:      o,
		blockSize: bs,
		count:     count,
		blocks:    make(map[int]*block),
		reads:     make(map[*Request]struct{}),
	}, nil
}

// Size returns the uncompressed file size.
func (r *Reader) Size() int64 { return r.file.Entry.Size }

// BlockSize returns the uncompressed size of a full block.
func (r *Reader) BlockSize() int64 { return r.blockSize }

// Resident returns the number of blocks in memory and their decoded bytes.
func (r *Reader) Resident() (blocks int, bytes int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.blocks {
		blocks++
		bytes += int64(len(b.data))
	}
	return blocks, bytes
}

// Read starts reading length bytes at offset into dst. dst is reused when it
// has enough capacity. A range outside the file panics.
func (r *Reader) Read(offset, length int64, prio precache.Priority, dst []byte) *Request {
	if offset < 0 || length < 0 || offset+length > r.Size() {
		panic(fmt.Sprintf("decode: read [%d, %d) outside file of %d bytes", offset, offset+length, r.Size()))
	}
	if int64(cap(dst)) < length {
		dst = make([]byte, length)
	}

	req := &Request{
		r:      r,
		offset: offset,
		length: length,
		dst:    dst[:length],
		start:  time.Now(),
		done:   make(chan struct{}),
	}
	if length == 0 {
		req.finished = true
		close(req.done)
		return req
	}
	req.first = int(offset / r.blockSize)
	req.last = int((offset + length - 1) / r.blockSize)
	req.pending = roaring.New()

	r.mu.Lock()
	if r.closed {
		req.finished = true
		req.err = ErrClosed
		close(req.done)
		r.mu.Unlock()
		return req
	}

	var issue []*block
	for i := req.first; i <= req.last; i++ {
		b := r.blocks[i]
		if b == nil {
			b = &block{index: i}
			r.blocks[i] = b
		}
		b.refs++
		b.dispose = false
		switch b.state {
		case blockDecoded:
		case blockUnstarted, blockFailed:
			b.state = blockRawRequested
			b.hasRaw = false
			b.rawOff, b.rawLen = r.rawRange(i)
			issue = append(issue, b)
			req.pending.Add(conv.MustIntToUint32(i))
		default:
			req.pending.Add(conv.MustIntToUint32(i))
		}
	}

	if req.pending.IsEmpty() {
		r.finish(req, nil)
	} else {
		r.reads[req] = struct{}{}
	}
	r.unlock()

	for _, b := range issue {
		r.issue(b, prio)
	}
	return req
}

// Close fails every outstanding read with ErrClosed and cancels the raw
// requests nobody needs anymore. Later reads fail immediately.
func (r *Reader) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for req := range r.reads {
		r.finish(req, ErrClosed)
	}
	r.unlock()
}

// span returns the stored range of block i and its uncompressed size.
func (r *Reader) span(i int) (pak.BlockSpan, int64) {
	e := &r.file.Entry
	if e.Compressed() {
		return e.Blocks[i], e.BlockUncompressedSize(i)
	}
	start := int64(i) * r.blockSize
	end := min(start+r.blockSize, e.Size)
	return pak.BlockSpan{Start: e.Offset + start, End: e.Offset + end}, end - start
}

// rawRange returns the archive range to fetch for block i: the stored span,
// cipher padding included, widened to whole signature chunks when signed.
func (r *Reader) rawRange(i int) (off, size int64) {
	s, _ := r.span(i)
	off, end := s.Start, r.file.Entry.StoredEnd(s)
	if sig := r.file.Signatures; sig != nil {
		off, end = sig.AlignSpan(off, end, r.file.ArchiveSize)
	}
	return off, end - off
}

func (r *Reader) live(b *block) bool { return r.blocks[b.index] == b }

// unlock releases the mutex, cancels the raw requests collected while it was
// held and reports finished reads.
func (r *Reader) unlock() {
	ids, done := r.cancels, r.done
	r.cancels, r.done = nil, nil
	r.mu.Unlock()
	for _, id := range ids {
		r.sched.Cancel(id)
	}
	for _, req := range done {
		r.opts.obs.OnReadCompleted(r.file.Archive, req.length, time.Since(req.start), req.err)
	}
}

func (r *Reader) issue(b *block, prio precache.Priority) {
	id, err := r.sched.QueueRequest(r.file.Archive, b.rawOff, b.rawLen, prio, func(id precache.RequestID, ok bool) {
		r.onRaw(b, id, ok)
	})

	r.mu.Lock()
	if err != nil {
		if r.live(b) && b.state == blockRawRequested {
			r.fail(b, fmt.Errorf("decode: queue raw read of %q: %w", r.file.Archive, err))
		}
		r.unlock()
		return
	}
	if !r.live(b) {
		r.mu.Unlock()
		r.sched.Cancel(id)
		return
	}
	if b.state == blockRawRequested {
		b.raw = id
		b.hasRaw = true
	}
	r.mu.Unlock()
}

// onRaw runs on the scheduler's delivery path.
func (r *Reader) onRaw(b *block, id precache.RequestID, ok bool) {
	if !ok {
		cause := r.sched.Err(id)
		r.sched.Cancel(id)
		var err error = &RawReadError{Archive: r.file.Archive, Offset: b.rawOff, Size: b.rawLen, Err: cause}
		if errors.Is(cause, precache.ErrCapacityExhausted) {
			err = fmt.Errorf("decode: raw read of %q: %w", r.file.Archive, cause)
		}
		r.mu.Lock()
		if r.live(b) {
			r.fail(b, err)
		}
		r.unlock()
		return
	}
	if !r.pool.Submit(func() { r.process(b, id) }) {
		r.sched.Cancel(id)
		r.mu.Lock()
		if r.live(b) {
			r.fail(b, ErrClosed)
		}
		r.unlock()
	}
}

func (r *Reader) process(b *block, id precache.RequestID) {
	r.mu.Lock()
	if !r.live(b) || b.dispose {
		r.drop(b)
		r.mu.Unlock()
		r.sched.Cancel(id)
		return
	}
	b.state = blockRawReady
	b.hasRaw = false
	r.mu.Unlock()

	raw := make([]byte, b.rawLen)
	if !r.sched.Poll(id, raw) {
		r.mu.Lock()
		if r.live(b) {
			r.fail(b, &RawReadError{Archive: r.file.Archive, Offset: b.rawOff, Size: b.rawLen})
		}
		r.unlock()
		return
	}

	r.mu.Lock()
	if !r.live(b) || b.dispose {
		r.drop(b)
		r.mu.Unlock()
		return
	}
	b.state = blockDecoding
	r.mu.Unlock()

	start := time.Now()
	data, err := r.decode(b, raw)

	r.mu.Lock()
	if !r.live(b) {
		r.mu.Unlock()
		return
	}
	if err != nil {
		r.opts.logger.Error("block decode failed", "archive", r.file.Archive, "block", b.index, "error", err)
		r.fail(b, err)
		r.unlock()
		r.opts.obs.OnDecodeFailed(r.file.Archive, err)
		return
	}
	if b.dispose {
		r.drop(b)
		r.mu.Unlock()
		return
	}
	b.state = blockDecoded
	b.data = data
	for req := range r.reads {
		req.pending.Remove(conv.MustIntToUint32(b.index))
		if req.pending.IsEmpty() {
			r.finish(req, nil)
		}
	}
	r.unlock()
	r.opts.obs.OnBlockDecoded(r.file.Archive, b.rawLen, int64(len(data)), time.Since(start))
}

// drop removes b from the block map if it is still there.
func (r *Reader) drop(b *block) {
	if r.live(b) {
		delete(r.blocks, b.index)
	}
}

func (r *Reader) decode(b *block, raw []byte) ([]byte, error) {
	e := &r.file.Entry
	span, size := r.span(b.index)

	if r.file.Signatures != nil {
		if err := r.verify(b, raw); err != nil {
			return nil, err
		}
	}

	stored := raw[span.Start-b.rawOff : e.StoredEnd(span)-b.rawOff]
	if e.Encrypted {
		if err := r.decrypt(stored); err != nil {
			return nil, err
		}
	}
	payload := stored[:span.Len()]

	if !e.Compressed() {
		return payload, nil
	}
	data, err := codec.Decompress(e.Compression, payload, int(size))
	if err != nil {
		return nil, fmt.Errorf("decode: %q block %d: %w", r.file.Archive, b.index, err)
	}
	return data, nil
}

func (r *Reader) decrypt(data []byte) error {
	if r.opts.keys == nil {
		return fmt.Errorf("decode: %q is encrypted and no keys are configured: %w", r.file.Archive, crypt.ErrKeyNotFound)
	}
	key, err := r.opts.keys.Lookup(r.file.Entry.KeyID)
	if err != nil {
		return err
	}
	return crypt.DecryptInPlace(key, data)
}

// verify checks the chunk hashes of raw, which starts on a chunk boundary.
func (r *Reader) verify(b *block, raw []byte) error {
	sig := r.file.Signatures
	first := int(b.rawOff / sig.ChunkSize)
	for j, got := range hash.ChunkSums(raw, int(sig.ChunkSize)) {
		c := first + j
		if c >= len(sig.Hashes) {
			break
		}
		want := sig.Hashes[c]
		if want == got {
			continue
		}

		ev := IntegrityEvent{
			Archive:  r.file.Archive,
			Chunk:    c,
			Offset:   int64(c) * sig.ChunkSize,
			Expected: want,
			Actual:   got,
		}
		r.opts.logger.Warn("chunk hash mismatch",
			"archive", ev.Archive, "chunk", ev.Chunk,
			"expected", fmt.Sprintf("%08x", want), "actual", fmt.Sprintf("%08x", got))
		r.opts.obs.OnIntegrityFailure(ev)
		if r.opts.onIntegrity != nil {
			r.opts.onIntegrity(ev)
		}
		if r.opts.strict {
			return fmt.Errorf("%w: %q chunk %d", ErrIntegrity, ev.Archive, c)
		}
	}
	return nil
}

// fail marks b failed and finishes every read waiting for it with err.
func (r *Reader) fail(b *block, err error) {
	b.state = blockFailed
	b.data = nil
	for req := range r.reads {
		if req.pending.Contains(conv.MustIntToUint32(b.index)) {
			r.finish(req, err)
		}
	}
	if b.refs == 0 {
		r.drop(b)
	}
}

// finish completes req, copying its range out on success, and releases its
// block references.
func (r *Reader) finish(req *Request, err error) {
	if req.finished {
		return
	}
	if err == nil {
		r.copyOut(req)
	}
	req.finished = true
	req.err = err
	delete(r.reads, req)
	r.release(req)
	r.done = append(r.done, req)
	close(req.done)
}

func (r *Reader) copyOut(req *Request) {
	end := req.offset + req.length
	for i := req.first; i <= req.last; i++ {
		b := r.blocks[i]
		bOff := int64(i) * r.blockSize
		lo := max(req.offset, bOff)
		hi := min(end, bOff+int64(len(b.data)))
		copy(req.dst[lo-req.offset:hi-req.offset], b.data[lo-bOff:hi-bOff])
	}
}

func (r *Reader) release(req *Request) {
	for i := req.first; i <= req.last; i++ {
		b := r.blocks[i]
		if b == nil {
			continue
		}
		b.refs--
		if b.refs > 0 {
			continue
		}
		switch b.state {
		case blockRawRequested:
			if b.hasRaw {
				r.cancels = append(r.cancels, b.raw)
			}
			delete(r.blocks, i)
		case blockRawReady, blockDecoding:
			b.dispose = true
		default:
			delete(r.blocks, i)
		}
	}
}
