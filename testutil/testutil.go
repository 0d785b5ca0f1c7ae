package testutil

import (
	"math/rand"
	"sync"
)

// RNG struct encapsulates the random number generator and seed.
// It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)), //nolint:gosec // deterministic test data
		seed: seed,
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Int63n returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Int63n(n int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Int63n(n)
}

// Bytes returns n uniformly random bytes.
func (r *RNG) Bytes(n int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := make([]byte, n)
	_, _ = r.rand.Read(b)
	return b
}

var words = []string{
	"archive", "block", "cache", "chunk", "decode", "entry", "file", "index",
	"mount", "offset", "pak", "priority", "raw", "read", "request", "span",
}

// Text returns n bytes of space separated words drawn from a small
// vocabulary. The result compresses well with every codec.
func (r *RNG) Text(n int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := make([]byte, 0, n+16)
	for len(b) < n {
		b = append(b, words[r.rand.Intn(len(words))]...)
		b = append(b, ' ')
	}
	return b[:n]
}

// Range returns a random non-empty range [off, off+length) within size.
func (r *RNG) Range(size int64) (off, length int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	off = r.rand.Int63n(size)
	length = 1 + r.rand.Int63n(size-off)
	return off, length
}
