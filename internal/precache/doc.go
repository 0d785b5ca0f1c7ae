// Package precache schedules raw archive reads and caches the fetched blocks.
//
// Callers queue byte ranges with a priority. The scheduler keeps, per open
// archive, one interval index per request state and per block state, picks
// the next range to fetch (highest priority first, continuing from the last
// read position when possible), coalesces neighbouring waiting ranges into a
// single bounded read, and reference counts the resulting blocks by the
// requests overlapping them.
//
// A block nobody references is not freed at once: up to Config.RetainedBlocks
// of them stay in a FIFO so a re-read of recently released data is served
// from memory.
//
// All state is guarded by one mutex. Owner callbacks and raw read issuance
// happen after the mutex is released, so callbacks may call back into the
// scheduler.
package precache
