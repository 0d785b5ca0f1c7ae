package arena

import (
	"errors"
	"fmt"
)

// ErrCapacityExhausted is returned by Alloc when the pool is at its slot limit.
var ErrCapacityExhausted = errors.New("arena: capacity exhausted")

// Handle is a stable reference to a pool slot.
// The low 32 bits hold the slot index, the high 32 bits the generation.
// The zero Handle is never returned by Alloc.
type Handle uint64

// Nil is the invalid handle.
const Nil Handle = 0

func makeHandle(index, gen uint32) Handle {
	return Handle(uint64(gen)<<32 | uint64(index))
}

// Index returns the slot index.
func (h Handle) Index() uint32 { return uint32(h) }

// Gen returns the generation of the allocation.
func (h Handle) Gen() uint32 { return uint32(h >> 32) }

// String implements fmt.Stringer.
func (h Handle) String() string {
	return fmt.Sprintf("%d@%d", h.Index(), h.Gen())
}

type slot[T any] struct {
	gen  uint32
	used bool
	val  T
}

// Pool is a growable table of T with a free list.
type Pool[T any] struct {
	slots []slot[T]
	free  []uint32
	live  int
	limit int
}

// New creates a pool. limit caps the number of live slots; 0 means unbounded.
func New[T any](limit int) *Pool[T] {
	return &Pool[T]{limit: limit}
}

// Alloc reserves a zeroed slot and returns its handle.
func (p *Pool[T]) Alloc() (Handle, *T, error) {
	if p.limit > 0 && p.live >= p.limit {
		return Nil, nil, ErrCapacityExhausted
	}

	var idx uint32
	if n := len(p.free); n > 0 {
		idx = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		idx = uint32(len(p.slots)) //nolint:gosec // bounded by memory
		p.slots = append(p.slots, slot[T]{})
	}

	s := &p.slots[idx]
	// Generation 0 is reserved so that Nil never validates.
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.used = true
	var zero T
	s.val = zero
	p.live++

	return makeHandle(idx, s.gen), &s.val, nil
}

// Get returns the value for h, or false if h is stale or was never allocated.
func (p *Pool[T]) Get(h Handle) (*T, bool) {
	idx := h.Index()
	if h == Nil || int(idx) >= len(p.slots) {
		return nil, false
	}
	s := &p.slots[idx]
	if !s.used || s.gen != h.Gen() {
		return nil, false
	}
	return &s.val, true
}

// MustGet is Get for handles the caller knows to be live.
// It panics on a stale handle.
func (p *Pool[T]) MustGet(h Handle) *T {
	v, ok := p.Get(h)
	if !ok {
		panic(fmt.Sprintf("arena: stale handle %s", h))
	}
	return v
}

// Free releases the slot behind h. It panics on a stale handle (double free).
func (p *Pool[T]) Free(h Handle) {
	if _, ok := p.Get(h); !ok {
		panic(fmt.Sprintf("arena: free of stale handle %s", h))
	}
	s := &p.slots[h.Index()]
	var zero T
	s.val = zero
	s.used = false
	p.free = append(p.free, h.Index())
	p.live--
}

// Len returns the number of live slots.
func (p *Pool[T]) Len() int { return p.live }

// Each calls fn for every live slot in index order until fn returns false.
func (p *Pool[T]) Each(fn func(Handle, *T) bool) {
	for i := range p.slots {
		s := &p.slots[i]
		if !s.used {
			continue
		}
		if !fn(makeHandle(uint32(i), s.gen), &s.val) { //nolint:gosec // i < len(slots)
			return
		}
	}
}
