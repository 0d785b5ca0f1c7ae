package precache

import (
	"context"
	"fmt"
	"log/slog"
	"math/bits"
	"sync"
	"time"

	"github.com/bits-and-blooms/bitset"

	"github.com/hupe1980/pakcache/internal/arena"
	"github.com/hupe1980/pakcache/internal/interval"
	"github.com/hupe1980/pakcache/internal/resource"
)

type blockState uint8

const (
	blockInFlight blockState = iota
	blockComplete
)

type request struct {
	archive *archiveState
	key     JoinedKey
	size    int64
	prio    Priority
	owner   Callback
	state   State
	// err is the reason a canceled or failed request did not complete.
	err error
}

func (r *request) first() uint64 { return uint64(r.key.Offset()) }
func (r *request) last() uint64  { return uint64(r.key.Offset() + r.size - 1) }

type block struct {
	archive   *archiveState
	key       JoinedKey
	size      int64
	data      []byte
	refs      int
	state     blockState
	retainSeq uint64
	issuedAt  time.Time
}

type archiveState struct {
	name  string
	index int
	file  RawFile
	size  int64
	// end of the last unit; block index ranges always span whole units.
	alignedSize int64

	waiting        [numPriorities]*interval.Index
	inFlightReqs   *interval.Index
	completeReqs   *interval.Index
	inFlightBlocks *interval.Index
	completeBlocks *interval.Index

	requests int // live request slots
	reads    int // outstanding raw reads
}

type retainEntry struct {
	h   arena.Handle
	seq uint64
}

type notification struct {
	fn Callback
	id RequestID
	ok bool
}

type pendingRead struct {
	file RawFile
	off  int64
	size int64
	done func([]byte, error)
}

// Scheduler is the block scheduler and cache. Safe for concurrent use.
type Scheduler struct {
	mu     sync.Mutex
	cfg    Config
	shift  uint
	io     RawIO
	rc     *resource.Controller
	logger *slog.Logger
	obs    Observer

	ctx    context.Context
	cancel context.CancelFunc
	closed bool

	archives map[string]*archiveState
	slots    []*archiveState
	freeSlot []int

	requests *arena.Pool[request]
	blocks   *arena.Pool[block]

	waitingCount [numPriorities]int
	floor        Priority
	head         JoinedKey
	hasHead      bool
	inFlightIO   int

	retained  []retainEntry
	retainSeq uint64

	notify     []notification
	reads      []pendingRead
	delivering int
	ioWG       sync.WaitGroup

	scratch *bitset.BitSet

	ioIssued  uint64
	ioFailed  uint64
	bytesRead uint64
	evictions uint64
}

// New creates a scheduler reading archives through io.
func New(io RawIO, cfg Config, opts ...Option) *Scheduler {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:      cfg,
		shift:    uint(bits.TrailingZeros64(uint64(cfg.Granularity))),
		io:       io,
		rc:       cfg.Resources,
		logger:   slog.New(slog.DiscardHandler),
		obs:      NoopObserver{},
		ctx:      ctx,
		cancel:   cancel,
		archives: make(map[string]*archiveState),
		requests: arena.New[request](cfg.MaxRequests),
		blocks:   arena.New[block](0),
		scratch:  bitset.New(0),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config { return s.cfg }

// QueueRequest registers a read of size bytes at offset in archive.
//
// If the archive cannot be opened the request is created in StateCanceled
// and owner is called with ok=false. Only ErrCapacityExhausted and ErrClosed
// are returned as errors; ErrCapacityExhausted is also returned when the
// units the request spans exceed the memory ceiling. Negative offsets, non-positive sizes and ranges
// past the end of the archive panic.
func (s *Scheduler) QueueRequest(archive string, offset, size int64, prio Priority, owner Callback) (RequestID, error) {
	if size <= 0 || offset < 0 {
		panic(fmt.Sprintf("precache: invalid range offset=%d size=%d", offset, size))
	}
	if !prio.Valid() {
		panic(fmt.Sprintf("precache: invalid priority %d", prio))
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}

	a, regErr := s.lookupOrRegister(archive)
	if regErr == nil && offset+size > a.size {
		s.mu.Unlock()
		panic(fmt.Sprintf("precache: range [%d, %d) past end of %q (%d bytes)", offset, offset+size, archive, a.size))
	}
	if regErr == nil {
		if limit := s.rc.MemoryLimit(); limit > 0 {
			if fp := s.footprint(a, offset, size); fp > limit {
				s.mu.Unlock()
				return 0, fmt.Errorf("%w: range [%d, %d) of %q needs %d bytes, memory limit is %d",
					ErrCapacityExhausted, offset, offset+size, archive, fp, limit)
			}
		}
	}

	h, r, err := s.requests.Alloc()
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	id := RequestID(h)
	r.size = size
	r.prio = prio
	r.owner = owner

	if regErr != nil {
		r.state = StateCanceled
		r.err = regErr
		s.logger.Warn("archive registration failed", "archive", archive, "error", regErr)
		s.queueNotify(r, id, false)
		s.unlockAndDeliver()
		return id, nil
	}

	r.archive = a
	r.key = MakeKey(a.index, offset)
	a.requests++
	first, last := r.first(), r.last()

	a.inFlightBlocks.ForEachOverlapping(first, last, func(it interval.Item) interval.Visit {
		s.blocks.MustGet(arena.Handle(it.ID)).refs++
		return interval.Continue
	})
	a.completeBlocks.ForEachOverlapping(first, last, func(it interval.Item) interval.Visit {
		s.blocks.MustGet(arena.Handle(it.ID)).refs++
		return interval.Continue
	})

	switch {
	case s.covered(a, first, last, false):
		r.state = StateComplete
		a.completeReqs.Insert(uint64(h), first, last)
		s.queueNotify(r, id, true)
	case s.covered(a, first, last, true):
		r.state = StateInFlight
		a.inFlightReqs.Insert(uint64(h), first, last)
	default:
		r.state = StateWaiting
		a.waiting[prio].Insert(uint64(h), first, last)
		s.waitingCount[prio]++
		s.startIO()
	}

	s.unlockAndDeliver()
	return id, nil
}

// Register opens archive if it is not registered yet and returns its size.
func (s *Scheduler) Register(archive string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	a, err := s.lookupOrRegister(archive)
	if err != nil {
		return 0, err
	}
	return a.size, nil
}

// lookupOrRegister returns the state for name, opening the archive on first
// use. The lock is released while the archive is opened.
func (s *Scheduler) lookupOrRegister(name string) (*archiveState, error) {
	if a := s.archives[name]; a != nil {
		return a, nil
	}

	s.mu.Unlock()
	f, err := s.io.Open(s.ctx, name)
	s.mu.Lock()

	if err != nil {
		return nil, err
	}
	if s.closed {
		_ = f.Close()
		return nil, ErrClosed
	}
	if a := s.archives[name]; a != nil {
		_ = f.Close()
		return a, nil
	}

	size := f.Size()
	if size <= 0 || size > MaxOffset {
		_ = f.Close()
		return nil, fmt.Errorf("precache: archive %q has unsupported size %d", name, size)
	}

	idx := -1
	if n := len(s.freeSlot); n > 0 {
		idx = s.freeSlot[n-1]
		s.freeSlot = s.freeSlot[:n-1]
	} else if len(s.slots) < MaxArchives {
		idx = len(s.slots)
		s.slots = append(s.slots, nil)
	}
	if idx < 0 {
		_ = f.Close()
		return nil, ErrTooManyArchives
	}

	g := s.cfg.Granularity
	aligned := (size + g - 1) &^ (g - 1)
	span, gran := uint64(aligned), uint64(g)
	a := &archiveState{
		name:           name,
		index:          idx,
		file:           f,
		size:           size,
		alignedSize:    aligned,
		inFlightReqs:   interval.New(span, gran),
		completeReqs:   interval.New(span, gran),
		inFlightBlocks: interval.New(span, gran),
		completeBlocks: interval.New(span, gran),
	}
	for p := range a.waiting {
		a.waiting[p] = interval.New(span, gran)
	}
	s.slots[idx] = a
	s.archives[name] = a
	s.logger.Debug("archive registered", "archive", name, "size", size, "slot", idx)
	return a, nil
}

// Poll copies the bytes of a complete request into dst and releases it.
// It returns false, without side effects, if id is unknown or the request is
// not complete. dst must hold at least the request size.
func (s *Scheduler) Poll(id RequestID, dst []byte) bool {
	s.mu.Lock()
	r, ok := s.requests.Get(arena.Handle(id))
	if !ok || r.state != StateComplete {
		s.mu.Unlock()
		return false
	}
	if int64(len(dst)) < r.size {
		s.mu.Unlock()
		panic(fmt.Sprintf("precache: poll buffer of %d bytes for a %d byte request", len(dst), r.size))
	}

	a := r.archive
	first, last := r.first(), r.last()
	reqOff := r.key.Offset()
	a.completeBlocks.ForEachOverlapping(first, last, func(it interval.Item) interval.Visit {
		b := s.blocks.MustGet(arena.Handle(it.ID))
		bOff := b.key.Offset()
		lo := max(bOff, reqOff)
		hi := min(bOff+b.size, reqOff+r.size)
		if lo < hi {
			copy(dst[lo-reqOff:hi-reqOff], b.data[lo-bOff:hi-bOff])
		}
		return interval.Continue
	})

	a.completeReqs.Remove(uint64(id), first, last)
	s.releaseRefs(a, first, last, true)
	s.freeRequest(arena.Handle(id), r)
	s.startIO()
	s.unlockAndDeliver()
	return true
}

// Cancel removes a request in any state and releases its blocks. Blocks
// that become unreferenced are freed without retention. It returns false if
// id is unknown.
func (s *Scheduler) Cancel(id RequestID) bool {
	s.mu.Lock()
	h := arena.Handle(id)
	r, ok := s.requests.Get(h)
	if !ok {
		s.mu.Unlock()
		return false
	}

	a := r.archive
	first, last := r.first(), r.last()
	switch r.state {
	case StateWaiting:
		a.waiting[r.prio].Remove(uint64(h), first, last)
		s.waitingCount[r.prio]--
		s.releaseRefs(a, first, last, false)
	case StateInFlight:
		a.inFlightReqs.Remove(uint64(h), first, last)
		s.releaseRefs(a, first, last, false)
	case StateComplete:
		a.completeReqs.Remove(uint64(h), first, last)
		s.releaseRefs(a, first, last, false)
	}
	s.freeRequest(h, r)
	s.startIO()
	s.unlockAndDeliver()
	return true
}

// SetMinimumPriority sets the floor below which waiting requests are not
// scheduled. Lowering it starts IO immediately.
func (s *Scheduler) SetMinimumPriority(p Priority) {
	if !p.Valid() {
		panic(fmt.Sprintf("precache: invalid priority %d", p))
	}
	s.mu.Lock()
	lowered := p < s.floor
	s.floor = p
	if lowered {
		s.startIO()
	}
	s.unlockAndDeliver()
}

// MinimumPriority returns the current floor.
func (s *Scheduler) MinimumPriority() Priority {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.floor
}

// State returns the state of a live request.
func (s *Scheduler) State(id RequestID) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests.Get(arena.Handle(id))
	if !ok {
		return 0, false
	}
	return r.state, true
}

// Err returns why a canceled or failed request did not complete. It is nil
// for requests in any other state and for unknown ids.
func (s *Scheduler) Err(id RequestID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests.Get(arena.Handle(id))
	if !ok {
		return nil
	}
	return r.err
}

// ArchiveSize returns the size of a registered archive.
func (s *Scheduler) ArchiveSize(name string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.archives[name]
	if !ok {
		return 0, false
	}
	return a.size, true
}

// CloseArchive drops a registered archive: retained blocks are freed and
// the raw file is closed. It returns ErrBusy while requests or reads are
// outstanding, and nil if the archive is not registered.
func (s *Scheduler) CloseArchive(name string) error {
	s.mu.Lock()
	a, ok := s.archives[name]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if a.requests > 0 || a.reads > 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBusy, name)
	}

	s.dropArchive(a)
	s.mu.Unlock()
	return a.file.Close()
}

func (s *Scheduler) dropArchive(a *archiveState) {
	a.completeBlocks.ForEachOverlapping(0, uint64(a.alignedSize-1), func(it interval.Item) interval.Visit {
		h := arena.Handle(it.ID)
		s.freeBlock(h, s.blocks.MustGet(h))
		return interval.Remove
	})
	delete(s.archives, a.name)
	s.slots[a.index] = nil
	s.freeSlot = append(s.freeSlot, a.index)
	if s.hasHead && s.head.Archive() == a.index {
		s.hasHead = false
	}
}

// Close fails waiting requests, waits for outstanding raw reads and closes
// every archive. Requests still live afterwards can only be canceled.
// Further calls return nil.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true

	for _, a := range s.slots {
		if a == nil {
			continue
		}
		for p := range a.waiting {
			a.waiting[p].ForEachOverlapping(0, uint64(a.alignedSize-1), func(it interval.Item) interval.Visit {
				h := arena.Handle(it.ID)
				r := s.requests.MustGet(h)
				r.state = StateFailed
				s.waitingCount[p]--
				s.releaseRefs(a, r.first(), r.last(), false)
				s.queueNotify(r, RequestID(h), false)
				return interval.Remove
			})
		}
	}
	s.unlockAndDeliver()

	done := make(chan struct{})
	go func() {
		s.ioWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	s.requests.Each(func(_ arena.Handle, r *request) bool {
		if r.state == StateComplete {
			r.state = StateFailed
		}
		return true
	})
	var files []RawFile
	for _, a := range s.slots {
		if a != nil {
			files = append(files, a.file)
			s.dropArchive(a)
		}
	}
	s.cancel()
	s.mu.Unlock()

	var firstErr error
	for _, f := range files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats returns a snapshot of scheduler state.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Archives:  len(s.archives),
		IOIssued:  s.ioIssued,
		IOFailed:  s.ioFailed,
		BytesRead: s.bytesRead,
		Evictions: s.evictions,
	}
	s.requests.Each(func(_ arena.Handle, r *request) bool {
		switch r.state {
		case StateWaiting:
			st.WaitingRequests++
		case StateInFlight:
			st.InFlightRequests++
		case StateComplete:
			st.CompleteRequests++
		case StateFailed, StateCanceled:
			st.FailedRequests++
		}
		return true
	})
	s.blocks.Each(func(_ arena.Handle, b *block) bool {
		switch b.state {
		case blockInFlight:
			st.InFlightBlocks++
		case blockComplete:
			st.CompleteBlocks++
			st.CachedBytes += b.size
			if b.refs == 0 {
				st.RetainedBlocks++
			}
		}
		return true
	})
	return st
}

func (s *Scheduler) freeRequest(h arena.Handle, r *request) {
	if r.archive != nil {
		r.archive.requests--
	}
	s.requests.Free(h)
}

func (s *Scheduler) freeBlock(h arena.Handle, b *block) {
	s.rc.ReleaseMemory(b.size)
	s.blocks.Free(h)
}

// footprint returns the bytes of the whole units [offset, offset+size)
// touches, which is the memory a request pins once all its blocks are
// resident.
func (s *Scheduler) footprint(a *archiveState, offset, size int64) int64 {
	g := s.cfg.Granularity
	start := offset &^ (g - 1)
	end := min((offset+size+g-1)&^(g-1), a.size)
	return end - start
}

// blockRange returns the index range of a block, extended to whole units.
func (s *Scheduler) blockRange(b *block) (uint64, uint64) {
	off := b.key.Offset()
	g := s.cfg.Granularity
	end := (off + b.size + g - 1) &^ (g - 1)
	return uint64(off), uint64(end - 1)
}
