// Package resource governs the memory and IO budget shared by all archives.
//
// The Controller tracks three resources:
//
//   - Memory: bytes held by cache blocks (non-blocking, fail-fast)
//   - Reads: concurrent backend reads issued by the raw IO adapter
//   - IO rate: a token bucket over bytes read from the backend
//
// # Architecture
//
//	┌─────────────────────────────────────────────────────────────┐
//	│                        Controller                           │
//	├─────────────────┬─────────────────┬─────────────────────────┤
//	│  Memory Limit   │  Read Slots     │  IO Rate Limiter        │
//	│  (fail-fast)    │  (semaphore)    │  (token bucket)         │
//	├─────────────────┼─────────────────┼─────────────────────────┤
//	│  TryAcquire-    │  AcquireRead    │  AcquireIO              │
//	│  Memory         │  ReleaseRead    │                         │
//	│  ReleaseMemory  │                 │                         │
//	└─────────────────┴─────────────────┴─────────────────────────┘
//
// The precache scheduler reserves a block's bytes with TryAcquireMemory before
// issuing its read and leaves the range waiting if the reservation is refused.
// The memory is released when the block is freed.
//
// # Nil Safety
//
// All methods handle a nil Controller gracefully - they become no-ops.
package resource
