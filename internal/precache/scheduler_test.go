package precache

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/pakcache/internal/resource"
)

func TestJoinedKey(t *testing.T) {
	k := MakeKey(7, 123456789)
	assert.Equal(t, 7, k.Archive())
	assert.Equal(t, int64(123456789), k.Offset())
	assert.Less(t, MakeKey(1, MaxOffset), MakeKey(2, 0))

	assert.Panics(t, func() { MakeKey(MaxArchives, 0) })
	assert.Panics(t, func() { MakeKey(0, MaxOffset+1) })
	assert.Panics(t, func() { MakeKey(0, -1) })
}

func TestScheduler_SingleRequest(t *testing.T) {
	io := newManualIO().add("a.pak", 1<<20)
	s := newTestScheduler(t, io, Config{})
	rec := newRecorder()

	id := queue(t, s, "a.pak", 100, 1000, PriorityNormal, rec.cb)

	state, ok := s.State(id)
	require.True(t, ok)
	assert.Equal(t, StateInFlight, state)
	assert.False(t, s.Poll(id, make([]byte, 1000)), "not complete yet")

	reads := io.Pending()
	require.Len(t, reads, 1)
	assert.Equal(t, int64(0), reads[0].off)
	assert.Equal(t, int64(64*kib), reads[0].size)

	io.completeNext(t)
	assert.Equal(t, []bool{true}, rec.get(id))
	require.NoError(t, s.CheckInvariants())

	poll(t, s, id, 100, 1000)
	assert.False(t, s.Poll(id, make([]byte, 1000)), "request is released by a successful poll")

	_, ok = s.State(id)
	assert.False(t, ok)

	st := s.Stats()
	assert.Equal(t, 1, st.CompleteBlocks)
	assert.Equal(t, 1, st.RetainedBlocks)
	assert.Equal(t, uint64(1), st.IOIssued)
	assert.Equal(t, uint64(64*kib), st.BytesRead)
	require.NoError(t, s.CheckInvariants())

	size, ok := s.ArchiveSize("a.pak")
	assert.True(t, ok)
	assert.Equal(t, int64(1<<20), size)
}

func TestScheduler_ConcreteScenario(t *testing.T) {
	// Ten 1 MiB files, 64 KiB granularity, 256 KiB reads, 10 retained blocks.
	// One IO slot: the first read holds it while the other requests arrive,
	// so they coalesce into a single grown read.
	io := newManualIO().add("game.pak", 10<<20)
	s := newTestScheduler(t, io, Config{
		Granularity:     64 * kib,
		MaxRequestSize:  256 * kib,
		RetainedBlocks:  10,
		MaxConcurrentIO: 1,
	})
	rec := newRecorder()

	a := queue(t, s, "game.pak", 0, 64*kib, PriorityHigh, rec.cb)
	b := queue(t, s, "game.pak", 32*kib, 64*kib, PriorityLow, rec.cb)
	c := queue(t, s, "game.pak", 96*kib, 64*kib, PriorityHigh, rec.cb)
	require.NoError(t, s.CheckInvariants())

	first := io.completeNext(t)
	assert.Equal(t, int64(0), first.off)
	assert.Equal(t, int64(64*kib), first.size)
	assert.Equal(t, []bool{true}, rec.get(a))

	second := io.completeNext(t)
	assert.Equal(t, int64(64*kib), second.off)
	assert.Equal(t, int64(128*kib), second.size)

	assert.Empty(t, io.Pending())
	assert.Len(t, io.Issued(), 2)
	assert.Equal(t, []bool{true}, rec.get(b))
	assert.Equal(t, []bool{true}, rec.get(c))
	require.NoError(t, s.CheckInvariants())

	poll(t, s, a, 0, 64*kib)
	poll(t, s, b, 32*kib, 64*kib)
	poll(t, s, c, 96*kib, 64*kib)

	st := s.Stats()
	assert.Equal(t, 2, st.RetainedBlocks)
	assert.Equal(t, int64(192*kib), st.CachedBytes)
	require.NoError(t, s.CheckInvariants())
}

func TestScheduler_ConcreteScenarioDefaults(t *testing.T) {
	// With two IO slots the low request's unit is issued before the second
	// high request arrives, so nothing coalesces.
	io := newManualIO().add("game.pak", 10<<20)
	s := newTestScheduler(t, io, Config{
		Granularity:    64 * kib,
		MaxRequestSize: 256 * kib,
		RetainedBlocks: 10,
	})
	require.Equal(t, DefaultConfig().MaxConcurrentIO, s.Config().MaxConcurrentIO)
	rec := newRecorder()

	a := queue(t, s, "game.pak", 0, 64*kib, PriorityHigh, rec.cb)
	b := queue(t, s, "game.pak", 32*kib, 64*kib, PriorityLow, rec.cb)
	c := queue(t, s, "game.pak", 96*kib, 64*kib, PriorityHigh, rec.cb)
	require.NoError(t, s.CheckInvariants())

	io.completeAll(t)
	issued := io.Issued()
	require.Len(t, issued, 3)
	for i, r := range issued {
		assert.Equal(t, int64(i)*64*kib, r.off)
		assert.Equal(t, int64(64*kib), r.size)
	}
	assert.Equal(t, []bool{true}, rec.get(a))
	assert.Equal(t, []bool{true}, rec.get(b))
	assert.Equal(t, []bool{true}, rec.get(c))

	poll(t, s, a, 0, 64*kib)
	poll(t, s, b, 32*kib, 64*kib)
	poll(t, s, c, 96*kib, 64*kib)

	st := s.Stats()
	assert.Equal(t, 3, st.RetainedBlocks)
	assert.Equal(t, int64(192*kib), st.CachedBytes)
	require.NoError(t, s.CheckInvariants())
}

func TestScheduler_NoDoubleService(t *testing.T) {
	io := newManualIO().add("a.pak", 4<<20)
	s := newTestScheduler(t, io, Config{MaxRequestSize: 256 * kib, MaxConcurrentIO: 4})
	rec := newRecorder()
	rng := rand.New(rand.NewPCG(1, 2))

	type req struct {
		id        RequestID
		off, size int64
	}
	var reqs []req
	for range 50 {
		off := rng.Int64N(1 << 20)
		size := 1 + rng.Int64N(300*kib)
		reqs = append(reqs, req{queue(t, s, "a.pak", off, size, Priority(rng.IntN(numPriorities)), rec.cb), off, size})

		if pending := io.Pending(); len(pending) > 0 && rng.IntN(2) == 0 {
			io.completeAt(t, rng.IntN(len(pending)))
		}
		require.NoError(t, s.CheckInvariants())
	}
	io.completeAll(t)
	require.NoError(t, s.CheckInvariants())

	served := make(map[int64]bool)
	for _, r := range io.Issued() {
		assert.Zero(t, r.off%(64*kib), "reads start on a unit boundary")
		assert.LessOrEqual(t, r.size, int64(256*kib))
		for u := r.off / (64 * kib); u*64*kib < r.off+r.size; u++ {
			assert.False(t, served[u], "unit %d fetched twice", u)
			served[u] = true
		}
	}

	for _, r := range reqs {
		assert.Equal(t, []bool{true}, rec.get(r.id))
		poll(t, s, r.id, r.off, r.size)
	}
	require.NoError(t, s.CheckInvariants())
}

func TestScheduler_PriorityMonotonicity(t *testing.T) {
	io := newManualIO().add("a.pak", 4<<20)
	s := newTestScheduler(t, io, Config{MaxConcurrentIO: 1, MaxRequestSize: 64 * kib})

	queue(t, s, "a.pak", 2<<20, 10, PriorityNormal, nil)
	low := queue(t, s, "a.pak", 0, 10, PriorityLow, nil)
	high := queue(t, s, "a.pak", 1<<20, 10, PriorityHigh, nil)

	io.completeNext(t)
	next := io.Pending()
	require.Len(t, next, 1)
	assert.Equal(t, int64(1<<20), next[0].off, "high priority is scheduled before low")

	io.completeNext(t)
	next = io.Pending()
	require.Len(t, next, 1)
	assert.Equal(t, int64(0), next[0].off)
	io.completeNext(t)

	for _, id := range []RequestID{low, high} {
		state, _ := s.State(id)
		assert.Equal(t, StateComplete, state)
	}
}

func TestScheduler_PrioritySpread(t *testing.T) {
	io := newManualIO().add("a.pak", 4<<20)
	s := newTestScheduler(t, io, Config{MaxConcurrentIO: 1, MaxRequestSize: 1 << 20, MaxPrioritySpread: 1})

	blocker := queue(t, s, "a.pak", 2<<20, 10, PriorityCriticalPath, nil)
	queue(t, s, "a.pak", 0, 64*kib, PriorityHigh, nil)
	queue(t, s, "a.pak", 64*kib, 64*kib, PriorityNormal, nil)
	queue(t, s, "a.pak", 128*kib, 64*kib, PriorityPrecache, nil)
	_ = blocker

	io.completeNext(t)
	next := io.Pending()
	require.Len(t, next, 1)
	assert.Equal(t, int64(0), next[0].off)
	assert.Equal(t, int64(128*kib), next[0].size, "precache request is too far below high to piggyback")
}

func TestScheduler_MinimumPriority(t *testing.T) {
	io := newManualIO().add("a.pak", 1<<20)
	s := newTestScheduler(t, io, Config{})

	s.SetMinimumPriority(PriorityHigh)
	assert.Equal(t, PriorityHigh, s.MinimumPriority())

	id := queue(t, s, "a.pak", 0, 10, PriorityNormal, nil)
	assert.Empty(t, io.Pending())
	state, _ := s.State(id)
	assert.Equal(t, StateWaiting, state)

	s.SetMinimumPriority(PriorityPrecache)
	assert.Len(t, io.Pending(), 1)

	assert.Panics(t, func() { s.SetMinimumPriority(Priority(42)) })
}

func TestScheduler_CancelWhileInFlight(t *testing.T) {
	io := newManualIO().add("a.pak", 1<<20)
	s := newTestScheduler(t, io, Config{})
	rec := newRecorder()

	id := queue(t, s, "a.pak", 0, 10, PriorityNormal, rec.cb)
	assert.True(t, s.Cancel(id))
	assert.False(t, s.Cancel(id), "second cancel is a benign miss")
	require.NoError(t, s.CheckInvariants())

	io.completeNext(t)
	assert.Empty(t, rec.get(id))
	assert.False(t, s.Poll(id, make([]byte, 10)))

	st := s.Stats()
	assert.Zero(t, st.CompleteBlocks, "late completion of an unreferenced block is disposed")
	assert.Zero(t, st.InFlightBlocks)
	require.NoError(t, s.CheckInvariants())
}

func TestScheduler_CancelAfterCompletion(t *testing.T) {
	io := newManualIO().add("a.pak", 1<<20)
	s := newTestScheduler(t, io, Config{})
	rec := newRecorder()

	id := queue(t, s, "a.pak", 0, 10, PriorityNormal, rec.cb)
	io.completeNext(t)
	assert.Equal(t, []bool{true}, rec.get(id))

	assert.True(t, s.Cancel(id))
	assert.Zero(t, s.Stats().CompleteBlocks, "canceled blocks skip retention")
	require.NoError(t, s.CheckInvariants())
}

func TestScheduler_CancelWaiting(t *testing.T) {
	io := newManualIO().add("a.pak", 1<<20)
	s := newTestScheduler(t, io, Config{MaxConcurrentIO: 1})

	queue(t, s, "a.pak", 0, 10, PriorityNormal, nil)
	waiting := queue(t, s, "a.pak", 512*kib, 10, PriorityNormal, nil)
	assert.True(t, s.Cancel(waiting))
	require.NoError(t, s.CheckInvariants())

	io.completeNext(t)
	assert.Empty(t, io.Pending(), "canceled request is never fetched")
	assert.Len(t, io.Issued(), 1)
}

func TestScheduler_Retention(t *testing.T) {
	io := newManualIO().add("a.pak", 1<<20)
	s := newTestScheduler(t, io, Config{RetainedBlocks: 2, MaxRequestSize: 64 * kib})

	for i := range int64(4) {
		off := i * 64 * kib
		id := queue(t, s, "a.pak", off, 64*kib, PriorityNormal, nil)
		io.completeNext(t)
		poll(t, s, id, off, 64*kib)
	}

	st := s.Stats()
	assert.Equal(t, 2, st.RetainedBlocks)
	assert.Equal(t, uint64(2), st.Evictions)
	require.NoError(t, s.CheckInvariants())

	rec := newRecorder()
	hit := queue(t, s, "a.pak", 3*64*kib, 64*kib, PriorityNormal, rec.cb)
	assert.Equal(t, []bool{true}, rec.get(hit), "retained block serves the read immediately")
	assert.Empty(t, io.Pending())
	poll(t, s, hit, 3*64*kib, 64*kib)

	miss := queue(t, s, "a.pak", 0, 64*kib, PriorityNormal, nil)
	assert.Len(t, io.Pending(), 1, "evicted block is fetched again")
	io.completeNext(t)
	poll(t, s, miss, 0, 64*kib)
	require.NoError(t, s.CheckInvariants())
}

func TestScheduler_ReadFailure(t *testing.T) {
	io := newManualIO().add("a.pak", 1<<20)
	s := newTestScheduler(t, io, Config{MaxRequestSize: 64 * kib, MaxConcurrentIO: 1})
	rec := newRecorder()

	r1 := queue(t, s, "a.pak", 0, 100, PriorityNormal, rec.cb)
	r2 := queue(t, s, "a.pak", 32*kib, 64*kib, PriorityNormal, rec.cb)

	io.failNext(t, errors.New("disk gone"))
	assert.Equal(t, []bool{false}, rec.get(r1))
	assert.Equal(t, []bool{false}, rec.get(r2))

	for _, id := range []RequestID{r1, r2} {
		state, ok := s.State(id)
		require.True(t, ok)
		assert.Equal(t, StateFailed, state)
		assert.False(t, s.Poll(id, make([]byte, 64*kib)))
	}
	assert.Empty(t, io.Pending(), "failed reads are not retried")
	require.NoError(t, s.CheckInvariants())

	assert.True(t, s.Cancel(r1))
	assert.True(t, s.Cancel(r2))
	assert.Equal(t, uint64(1), s.Stats().IOFailed)
	require.NoError(t, s.CheckInvariants())
}

func TestScheduler_ShortRead(t *testing.T) {
	io := newManualIO().add("a.pak", 1<<20)
	s := newTestScheduler(t, io, Config{})
	rec := newRecorder()

	id := queue(t, s, "a.pak", 0, 10, PriorityNormal, rec.cb)
	r := io.take(0)
	r.done(make([]byte, 5), nil)

	assert.Equal(t, []bool{false}, rec.get(id))
	state, _ := s.State(id)
	assert.Equal(t, StateFailed, state)
}

func TestScheduler_RegistrationFailure(t *testing.T) {
	io := newManualIO()
	io.openErr["bad.pak"] = errors.New("permission denied")
	s := newTestScheduler(t, io, Config{})
	rec := newRecorder()

	id := queue(t, s, "bad.pak", 0, 10, PriorityNormal, rec.cb)
	state, ok := s.State(id)
	require.True(t, ok)
	assert.Equal(t, StateCanceled, state)
	assert.Equal(t, []bool{false}, rec.get(id))
	assert.False(t, s.Poll(id, make([]byte, 10)))
	assert.True(t, s.Cancel(id))

	_, ok = s.ArchiveSize("bad.pak")
	assert.False(t, ok)
}

func TestScheduler_Preconditions(t *testing.T) {
	io := newManualIO().add("a.pak", 100)
	s := newTestScheduler(t, io, Config{})

	assert.Panics(t, func() { _, _ = s.QueueRequest("a.pak", -1, 10, PriorityNormal, nil) })
	assert.Panics(t, func() { _, _ = s.QueueRequest("a.pak", 0, 0, PriorityNormal, nil) })
	assert.Panics(t, func() { _, _ = s.QueueRequest("a.pak", 50, 51, PriorityNormal, nil) })
	assert.Panics(t, func() { _, _ = s.QueueRequest("a.pak", 0, 1, Priority(-1), nil) })

	id := queue(t, s, "a.pak", 0, 100, PriorityNormal, nil)
	io.completeNext(t)
	assert.Panics(t, func() { s.Poll(id, make([]byte, 99)) })
	poll(t, s, id, 0, 100)
}

func TestScheduler_CapacityExhausted(t *testing.T) {
	io := newManualIO().add("a.pak", 1<<20)
	s := newTestScheduler(t, io, Config{MaxRequests: 1})

	first := queue(t, s, "a.pak", 0, 10, PriorityNormal, nil)
	id, err := s.QueueRequest("a.pak", 10, 10, PriorityNormal, nil)
	assert.ErrorIs(t, err, ErrCapacityExhausted)
	assert.Zero(t, id)

	assert.True(t, s.Cancel(first))
	queue(t, s, "a.pak", 10, 10, PriorityNormal, nil)
}

func TestScheduler_MemoryCeiling(t *testing.T) {
	io := newManualIO().add("a.pak", 1<<20)
	rc := resource.NewController(resource.Config{MemoryLimitBytes: 64 * kib})
	s := newTestScheduler(t, io, Config{MaxRequestSize: 64 * kib, Resources: rc})

	r1 := queue(t, s, "a.pak", 0, 10, PriorityNormal, nil)
	r2 := queue(t, s, "a.pak", 128*kib, 10, PriorityNormal, nil)
	assert.Len(t, io.Pending(), 1, "second read waits for memory")
	assert.Equal(t, int64(64*kib), rc.MemoryUsage())

	io.completeNext(t)
	assert.Empty(t, io.Pending(), "block is still referenced")

	poll(t, s, r1, 0, 10)
	assert.Len(t, io.Pending(), 1, "retained block is dropped to make room")
	io.completeNext(t)
	poll(t, s, r2, 128*kib, 10)
	require.NoError(t, s.CheckInvariants())
}

func TestScheduler_MemoryCeilingTooSmall(t *testing.T) {
	io := newManualIO().add("a.pak", 1<<20)
	rc := resource.NewController(resource.Config{MemoryLimitBytes: 64 * kib})
	s := newTestScheduler(t, io, Config{MaxRequestSize: 64 * kib, Resources: rc})
	rec := newRecorder()

	id, err := s.QueueRequest("a.pak", 0, 128*kib, PriorityNormal, rec.cb)
	require.ErrorIs(t, err, ErrCapacityExhausted)
	assert.Zero(t, id)

	// 64 KiB starting mid-unit spans two units.
	_, err = s.QueueRequest("a.pak", 10, 64*kib, PriorityNormal, rec.cb)
	require.ErrorIs(t, err, ErrCapacityExhausted)

	assert.Empty(t, io.Pending())
	assert.Zero(t, rc.MemoryUsage())

	// A request ending at the archive tail only pins the bytes that exist.
	small := newManualIO().add("b.pak", 96*kib)
	s2 := newTestScheduler(t, small, Config{MaxRequestSize: 64 * kib, Resources: resource.NewController(resource.Config{MemoryLimitBytes: 96 * kib})})
	tail := queue(t, s2, "b.pak", 0, 96*kib, PriorityNormal, nil)
	small.completeAll(t)
	poll(t, s2, tail, 0, 96*kib)
	require.NoError(t, s.CheckInvariants())
	require.NoError(t, s2.CheckInvariants())
}

func TestScheduler_MemoryCeilingStarvation(t *testing.T) {
	io := newManualIO().add("a.pak", 1<<20)
	rc := resource.NewController(resource.Config{MemoryLimitBytes: 128 * kib})
	s := newTestScheduler(t, io, Config{MaxRequestSize: 64 * kib, MaxConcurrentIO: 1, Resources: rc})
	rec := newRecorder()

	low := queue(t, s, "a.pak", 0, 128*kib, PriorityNormal, rec.cb)
	high := queue(t, s, "a.pak", 256*kib, 128*kib, PriorityHigh, rec.cb)

	first := io.completeNext(t)
	assert.Equal(t, int64(0), first.off)
	second := io.completeNext(t)
	assert.Equal(t, int64(256*kib), second.off)

	// Each request pins half the ceiling and neither can finish; the one
	// being served gives way.
	assert.Equal(t, []bool{false}, rec.get(high))
	state, ok := s.State(high)
	require.True(t, ok)
	assert.Equal(t, StateFailed, state)
	assert.ErrorIs(t, s.Err(high), ErrCapacityExhausted)
	assert.NoError(t, s.Err(low))
	require.NoError(t, s.CheckInvariants())

	pending := io.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, int64(64*kib), pending[0].off)
	io.completeNext(t)

	assert.Equal(t, []bool{true}, rec.get(low))
	poll(t, s, low, 0, 128*kib)
	assert.True(t, s.Cancel(high))
	assert.LessOrEqual(t, rc.MemoryUsage(), int64(128*kib))
	require.NoError(t, s.CheckInvariants())
}

func TestScheduler_ErrReportsReadFailure(t *testing.T) {
	io := newManualIO().add("a.pak", 1<<20)
	s := newTestScheduler(t, io, Config{})
	rec := newRecorder()

	id := queue(t, s, "a.pak", 0, 10, PriorityNormal, rec.cb)
	boom := errors.New("disk on fire")
	io.failNext(t, boom)

	assert.Equal(t, []bool{false}, rec.get(id))
	assert.ErrorIs(t, s.Err(id), boom)
	assert.True(t, s.Cancel(id))
	assert.NoError(t, s.Err(id), "unknown ids have no error")
}

func TestScheduler_ReentrantCallback(t *testing.T) {
	io := newManualIO().add("a.pak", 1<<20)
	s := newTestScheduler(t, io, Config{})

	var (
		polled []byte
		next   RequestID
	)
	var id RequestID
	id = queue(t, s, "a.pak", 0, 10, PriorityNormal, func(got RequestID, ok bool) {
		require.True(t, ok)
		polled = make([]byte, 10)
		require.True(t, s.Poll(got, polled))
		var err error
		next, err = s.QueueRequest("a.pak", 5, 10, PriorityNormal, nil)
		require.NoError(t, err)
	})

	io.completeNext(t)
	assert.Equal(t, expected(0, 10), polled)

	state, ok := s.State(next)
	require.True(t, ok)
	assert.Equal(t, StateComplete, state, "retained block satisfies the follow-up read")
	_, ok = s.State(id)
	assert.False(t, ok)
	require.NoError(t, s.CheckInvariants())
}

func TestScheduler_MultipleArchives(t *testing.T) {
	io := newManualIO().add("a.pak", 1<<20).add("b.pak", 100)
	s := newTestScheduler(t, io, Config{MaxConcurrentIO: 4})

	a := queue(t, s, "a.pak", 0, 10, PriorityNormal, nil)
	b := queue(t, s, "b.pak", 0, 100, PriorityNormal, nil)

	reads := io.Pending()
	require.Len(t, reads, 2)
	assert.Equal(t, int64(100), reads[1].size, "last block is clipped to the archive size")

	io.completeAll(t)
	poll(t, s, a, 0, 10)
	poll(t, s, b, 0, 100)
	assert.Equal(t, 2, s.Stats().Archives)
}

func TestScheduler_CloseArchive(t *testing.T) {
	io := newManualIO().add("a.pak", 1<<20)
	s := newTestScheduler(t, io, Config{})

	id := queue(t, s, "a.pak", 0, 10, PriorityNormal, nil)
	assert.ErrorIs(t, s.CloseArchive("a.pak"), ErrBusy)

	io.completeNext(t)
	poll(t, s, id, 0, 10)
	require.NoError(t, s.CloseArchive("a.pak"))
	assert.Equal(t, 1, io.closed["a.pak"])
	assert.Zero(t, s.Stats().CompleteBlocks)

	_, ok := s.ArchiveSize("a.pak")
	assert.False(t, ok)
	require.NoError(t, s.CloseArchive("a.pak"))
}

func TestScheduler_Close(t *testing.T) {
	io := newManualIO().add("a.pak", 1<<20)
	s := New(io, Config{MaxConcurrentIO: 1})

	waitingDone := make(chan bool, 1)
	inflight := queue(t, s, "a.pak", 0, 10, PriorityNormal, nil)
	waiting := queue(t, s, "a.pak", 512*kib, 10, PriorityNormal, func(_ RequestID, ok bool) {
		waitingDone <- ok
	})

	closed := make(chan error, 1)
	go func() { closed <- s.Close(context.Background()) }()

	select {
	case ok := <-waitingDone:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("waiting request was not failed")
	}

	io.completeNext(t)
	require.NoError(t, <-closed)
	assert.Equal(t, 1, io.closed["a.pak"])

	assert.False(t, s.Poll(inflight, make([]byte, 10)))
	assert.True(t, s.Cancel(inflight))
	assert.True(t, s.Cancel(waiting))

	_, err := s.QueueRequest("a.pak", 0, 10, PriorityNormal, nil)
	assert.ErrorIs(t, err, ErrClosed)
	require.NoError(t, s.Close(context.Background()))
}

func TestScheduler_CloseTimeout(t *testing.T) {
	io := newManualIO().add("a.pak", 1<<20)
	s := New(io, Config{})
	queue(t, s, "a.pak", 0, 10, PriorityNormal, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Close(ctx), context.DeadlineExceeded)

	io.completeAll(t)
}

func TestScheduler_RandomOperations(t *testing.T) {
	io := newManualIO().add("a.pak", 2<<20).add("b.pak", 300*kib+17)
	s := newTestScheduler(t, io, Config{MaxRequestSize: 256 * kib, MaxConcurrentIO: 3, RetainedBlocks: 4})
	rng := rand.New(rand.NewPCG(7, 11))
	rec := newRecorder()

	type req struct {
		id        RequestID
		off, size int64
	}
	sizes := map[string]int64{"a.pak": 2 << 20, "b.pak": 300*kib + 17}
	names := []string{"a.pak", "b.pak"}
	var live []req

	for range 500 {
		switch op := rng.IntN(10); {
		case op < 4:
			name := names[rng.IntN(2)]
			off := rng.Int64N(sizes[name])
			size := 1 + rng.Int64N(min(200*kib, sizes[name]-off))
			live = append(live, req{queue(t, s, name, off, size, Priority(rng.IntN(numPriorities)), rec.cb), off, size})
		case op < 6 && len(io.Pending()) > 0:
			io.completeAt(t, rng.IntN(len(io.Pending())))
		case op < 7 && len(io.Pending()) > 0:
			io.failNext(t, errors.New("flaky"))
		case op < 8 && len(live) > 0:
			i := rng.IntN(len(live))
			assert.True(t, s.Cancel(live[i].id))
			live = append(live[:i], live[i+1:]...)
		case len(live) > 0:
			i := rng.IntN(len(live))
			r := live[i]
			if state, _ := s.State(r.id); state == StateComplete {
				poll(t, s, r.id, r.off, r.size)
				live = append(live[:i], live[i+1:]...)
			}
		}
		require.NoError(t, s.CheckInvariants())
	}

	io.completeAll(t)
	for _, r := range live {
		state, ok := s.State(r.id)
		require.True(t, ok)
		if state == StateComplete {
			poll(t, s, r.id, r.off, r.size)
		} else {
			assert.Equal(t, StateFailed, state)
			assert.True(t, s.Cancel(r.id))
		}
	}
	require.NoError(t, s.CheckInvariants())
	st := s.Stats()
	assert.Zero(t, st.WaitingRequests+st.InFlightRequests+st.CompleteRequests+st.FailedRequests)
}

func TestScheduler_Register(t *testing.T) {
	io := newManualIO().add("a.pak", 12345)
	s := newTestScheduler(t, io, Config{})

	size, err := s.Register("a.pak")
	require.NoError(t, err)
	assert.Equal(t, int64(12345), size)

	size, err = s.Register("a.pak")
	require.NoError(t, err)
	assert.Equal(t, int64(12345), size)

	_, err = s.Register("missing.pak")
	assert.Error(t, err)
	assert.Equal(t, 1, s.Stats().Archives)
}
