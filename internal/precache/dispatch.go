package precache

import (
	"fmt"
	"time"

	"github.com/hupe1980/pakcache/internal/arena"
	"github.com/hupe1980/pakcache/internal/interval"
)

func (s *Scheduler) queueNotify(r *request, id RequestID, ok bool) {
	if r.owner != nil {
		s.notify = append(s.notify, notification{fn: r.owner, id: id, ok: ok})
	}
}

// unlockAndDeliver releases the lock, issues queued raw reads and runs queued
// owner callbacks. Callbacks may re-enter the scheduler; nested calls leave
// delivery to the outermost loop.
func (s *Scheduler) unlockAndDeliver() {
	reads := s.reads
	s.reads = nil

	if s.delivering > 0 {
		s.mu.Unlock()
		issue(reads)
		return
	}

	s.delivering++
	for {
		notes := s.notify
		s.notify = nil
		s.mu.Unlock()

		issue(reads)
		for _, n := range notes {
			n.fn(n.id, n.ok)
		}

		s.mu.Lock()
		if len(s.notify) == 0 && len(s.reads) == 0 {
			s.delivering--
			s.mu.Unlock()
			return
		}
		reads = s.reads
		s.reads = nil
	}
}

func issue(reads []pendingRead) {
	for _, r := range reads {
		r.file.IssueRead(r.off, r.size, r.done)
	}
}

// covered reports whether every unit of [first, last] is covered by complete
// blocks, or by complete or in-flight blocks when withInFlight is set.
func (s *Scheduler) covered(a *archiveState, first, last uint64, withInFlight bool) bool {
	_, found := s.firstUnfilled(a, first, last, withInFlight)
	return !found
}

// firstUnfilled returns the start of the first unit of [first, last] not
// covered by any block.
func (s *Scheduler) firstUnfilled(a *archiveState, first, last uint64, withInFlight bool) (uint64, bool) {
	bs := s.scratch
	bs.ClearAll()
	a.completeBlocks.MaskCoverage(first, last, s.shift, bs)
	if withInFlight {
		a.inFlightBlocks.MaskCoverage(first, last, s.shift, bs)
	}

	base := first >> s.shift
	units := last>>s.shift - base + 1
	for u := range units {
		if !bs.Test(uint(u)) {
			return (base + u) << s.shift, true
		}
	}
	return 0, false
}

// startIO issues raw reads while IO slots and memory are available.
func (s *Scheduler) startIO() {
	for !s.closed && s.inFlightIO < s.cfg.MaxConcurrentIO {
		p, ok := s.topPriority()
		if !ok {
			return
		}
		a, unit, ok := s.pickTarget(p)
		if !ok {
			s.logger.Error("waiting requests without unfilled units", "priority", p)
			return
		}
		if !s.startBlock(a, unit, p) {
			if !s.starved() {
				return
			}
			g := uint64(s.cfg.Granularity)
			s.logger.Warn("memory ceiling starves waiting requests, failing them",
				"archive", a.name, "offset", unit, "limit", s.rc.MemoryLimit(), "usage", s.rc.MemoryUsage())
			s.failOverlapping(a, unit, unit+g-1, fmt.Errorf("%w: memory limit %d held by waiting requests",
				ErrCapacityExhausted, s.rc.MemoryLimit()))
		}
	}
}

// starved reports whether a refused block can never be admitted: no read is
// in flight and no complete request is left whose Poll or Cancel would
// release memory.
func (s *Scheduler) starved() bool {
	if s.inFlightIO > 0 {
		return false
	}
	for _, a := range s.slots {
		if a != nil && !a.completeReqs.Empty() {
			return false
		}
	}
	return true
}

func (s *Scheduler) topPriority() (Priority, bool) {
	for p := numPriorities - 1; p >= int(s.floor); p-- {
		if s.waitingCount[p] > 0 {
			return Priority(p), true
		}
	}
	return 0, false
}

// pickTarget returns the first unfilled unit of a waiting request at p,
// preferring positions at or after the read head.
func (s *Scheduler) pickTarget(p Priority) (*archiveState, uint64, bool) {
	if s.hasHead {
		if a := s.slots[s.head.Archive()]; a != nil && !a.waiting[p].Empty() {
			from := uint64(s.head.Offset())
			if from < uint64(a.alignedSize) {
				if unit, ok := s.scanWaiting(a, p, from); ok {
					return a, unit, true
				}
			}
		}
	}
	for _, a := range s.slots {
		if a == nil || a.waiting[p].Empty() {
			continue
		}
		if unit, ok := s.scanWaiting(a, p, 0); ok {
			return a, unit, true
		}
	}
	return nil, 0, false
}

// scanWaiting finds the lowest unfilled unit at or after from among the
// waiting requests at p. Once a candidate is known, the scan range shrinks
// so requests starting past it are skipped.
func (s *Scheduler) scanWaiting(a *archiveState, p Priority, from uint64) (uint64, bool) {
	var best uint64
	found := false
	qe := uint64(a.alignedSize - 1)
	a.waiting[p].ForEachOverlappingShrinking(from, &qe, func(it interval.Item, qe *uint64) bool {
		unit, ok := s.firstUnfilled(a, max(it.Start, from), it.End, true)
		if ok && (!found || unit < best) {
			best, found = unit, true
			if unit > from {
				*qe = unit - 1
			} else {
				return false
			}
		}
		return true
	})
	return best, found
}

// startBlock grows a read from unit and issues it. It returns false if the
// memory ceiling refused the block.
func (s *Scheduler) startBlock(a *archiveState, unit uint64, p Priority) bool {
	g := uint64(s.cfg.Granularity)
	minPrio := max(int(s.floor), int(p)-s.cfg.MaxPrioritySpread)

	end := unit + g
	for end-unit < uint64(s.cfg.MaxRequestSize) && end < uint64(a.size) {
		next, nextLast := end, end+g-1
		if s.anyBlock(a, next, nextLast) || !s.anyWaiting(a, next, nextLast, minPrio) {
			break
		}
		end += g
	}
	size := int64(min(end, uint64(a.size)) - unit)

	if !s.rc.TryAcquireMemory(size) && (!s.dropRetained() || !s.rc.TryAcquireMemory(size)) {
		s.logger.Debug("memory ceiling reached, deferring read", "archive", a.name, "size", size)
		return false
	}

	h, b, err := s.blocks.Alloc()
	if err != nil {
		s.rc.ReleaseMemory(size)
		s.logger.Error("block allocation failed", "error", err)
		return false
	}
	b.archive = a
	b.key = MakeKey(a.index, int64(unit))
	b.size = size
	b.state = blockInFlight
	b.issuedAt = time.Now()

	first, last := s.blockRange(b)
	a.inFlightBlocks.Insert(uint64(h), first, last)

	for q := range a.waiting {
		a.waiting[q].ForEachOverlapping(first, last, func(it interval.Item) interval.Visit {
			b.refs++
			if !s.covered(a, it.Start, it.End, true) {
				return interval.Continue
			}
			r := s.requests.MustGet(arena.Handle(it.ID))
			r.state = StateInFlight
			a.inFlightReqs.Insert(it.ID, it.Start, it.End)
			s.waitingCount[q]--
			return interval.Remove
		})
	}

	s.inFlightIO++
	a.reads++
	s.ioIssued++
	s.head = MakeKey(a.index, int64(unit)+size)
	s.hasHead = true
	s.obs.OnIOIssued(a.name, int64(unit), size)

	s.ioWG.Add(1)
	s.reads = append(s.reads, pendingRead{
		file: a.file,
		off:  int64(unit),
		size: size,
		done: func(data []byte, err error) { s.complete(h, data, err) },
	})
	return true
}

func (s *Scheduler) anyBlock(a *archiveState, first, last uint64) bool {
	stop := func(interval.Item) interval.Visit { return interval.Stop }
	return !a.inFlightBlocks.ForEachOverlapping(first, last, stop) ||
		!a.completeBlocks.ForEachOverlapping(first, last, stop)
}

func (s *Scheduler) anyWaiting(a *archiveState, first, last uint64, minPrio int) bool {
	stop := func(interval.Item) interval.Visit { return interval.Stop }
	for q := numPriorities - 1; q >= minPrio; q-- {
		if !a.waiting[q].ForEachOverlapping(first, last, stop) {
			return true
		}
	}
	return false
}

// complete handles a raw read result. It runs on the adapter's goroutine.
func (s *Scheduler) complete(h arena.Handle, data []byte, err error) {
	defer s.ioWG.Done()

	s.mu.Lock()
	b := s.blocks.MustGet(h)
	a := b.archive
	first, last := s.blockRange(b)
	a.inFlightBlocks.Remove(uint64(h), first, last)
	s.inFlightIO--
	a.reads--

	if err == nil && int64(len(data)) != b.size {
		err = fmt.Errorf("%w: got %d of %d bytes", ErrShortRead, len(data), b.size)
	}
	s.obs.OnIOCompleted(a.name, b.size, time.Since(b.issuedAt), err)

	if err != nil {
		s.ioFailed++
		s.logger.Error("raw read failed", "archive", a.name, "offset", b.key.Offset(), "size", b.size, "error", err)
		s.freeBlock(h, b)
		s.failOverlapping(a, first, last, err)
		s.startIO()
		s.unlockAndDeliver()
		return
	}

	s.bytesRead += uint64(b.size)
	if b.refs == 0 {
		s.freeBlock(h, b)
		s.startIO()
		s.unlockAndDeliver()
		return
	}

	b.data = data
	b.state = blockComplete
	a.completeBlocks.Insert(uint64(h), first, last)

	a.inFlightReqs.ForEachOverlapping(first, last, func(it interval.Item) interval.Visit {
		if !s.covered(a, it.Start, it.End, false) {
			return interval.Continue
		}
		r := s.requests.MustGet(arena.Handle(it.ID))
		r.state = StateComplete
		a.completeReqs.Insert(it.ID, it.Start, it.End)
		s.queueNotify(r, RequestID(it.ID), true)
		return interval.Remove
	})

	s.startIO()
	s.unlockAndDeliver()
}

// failOverlapping moves every waiting or in-flight request overlapping
// [first, last] to StateFailed with err as the reason.
func (s *Scheduler) failOverlapping(a *archiveState, first, last uint64, err error) {
	var failed []arena.Handle
	fail := func(it interval.Item) interval.Visit {
		failed = append(failed, arena.Handle(it.ID))
		return interval.Remove
	}
	for q := range a.waiting {
		n := len(failed)
		a.waiting[q].ForEachOverlapping(first, last, fail)
		s.waitingCount[q] -= len(failed) - n
	}
	a.inFlightReqs.ForEachOverlapping(first, last, fail)

	for _, h := range failed {
		r := s.requests.MustGet(h)
		r.state = StateFailed
		r.err = err
		s.releaseRefs(a, r.first(), r.last(), false)
		s.queueNotify(r, RequestID(h), false)
	}
}

// releaseRefs drops one reference from every block overlapping a request.
// Complete blocks reaching zero are retained when retain is set and freed
// otherwise; in-flight blocks are disposed when their read completes.
func (s *Scheduler) releaseRefs(a *archiveState, first, last uint64, retain bool) {
	a.inFlightBlocks.ForEachOverlapping(first, last, func(it interval.Item) interval.Visit {
		s.blocks.MustGet(arena.Handle(it.ID)).refs--
		return interval.Continue
	})
	a.completeBlocks.ForEachOverlapping(first, last, func(it interval.Item) interval.Visit {
		h := arena.Handle(it.ID)
		b := s.blocks.MustGet(h)
		b.refs--
		if b.refs > 0 {
			return interval.Continue
		}
		if retain {
			s.retainSeq++
			b.retainSeq = s.retainSeq
			s.retained = append(s.retained, retainEntry{h: h, seq: s.retainSeq})
			return interval.Continue
		}
		s.freeBlock(h, b)
		return interval.Remove
	})
	if retain {
		s.trimRetained()
	}
}

// trimRetained evicts the oldest retained blocks beyond the FIFO bound.
// Entries whose block was re-referenced, freed or re-retained are skipped.
func (s *Scheduler) trimRetained() {
	for len(s.retained) > s.cfg.RetainedBlocks {
		e := s.retained[0]
		s.retained[0] = retainEntry{}
		s.retained = s.retained[1:]

		b, ok := s.blocks.Get(e.h)
		if !ok || b.refs != 0 || b.state != blockComplete || b.retainSeq != e.seq {
			continue
		}
		first, last := s.blockRange(b)
		b.archive.completeBlocks.Remove(uint64(e.h), first, last)
		s.evictions++
		s.obs.OnBlockEvicted(b.archive.name, b.size)
		s.logger.Debug("retained block evicted", "archive", b.archive.name, "offset", b.key.Offset(), "size", b.size)
		s.freeBlock(e.h, b)
	}
}

// dropRetained frees every retained block and reports whether any was freed.
func (s *Scheduler) dropRetained() bool {
	freed := false
	for _, e := range s.retained {
		b, ok := s.blocks.Get(e.h)
		if !ok || b.refs != 0 || b.state != blockComplete || b.retainSeq != e.seq {
			continue
		}
		first, last := s.blockRange(b)
		b.archive.completeBlocks.Remove(uint64(e.h), first, last)
		s.evictions++
		s.obs.OnBlockEvicted(b.archive.name, b.size)
		s.freeBlock(e.h, b)
		freed = true
	}
	clear(s.retained)
	s.retained = s.retained[:0]
	return freed
}
