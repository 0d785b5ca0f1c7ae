// Package arena provides free-list backed slot pools with generation-tagged handles.
//
// The precache scheduler keeps its pending requests and cache blocks in pools and
// stores only handles in its interval indices. A handle packs the slot index with
// the generation of the allocation that produced it, so a handle that outlives its
// allocation is detected on lookup instead of silently aliasing the reused slot.
//
// # Concurrency Model
//
// Pools are not safe for concurrent use. The scheduler guards every pool with its
// own mutex.
//
// # Pointer Stability
//
// Get returns a pointer into the backing slice. Any Alloc may grow that slice, so
// pointers must not be held across an Alloc; keep the Handle instead.
package arena
