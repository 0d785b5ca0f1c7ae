package pakcache

import "github.com/hupe1980/pakcache/internal/precache"

// Priority orders reads. Higher priorities are fetched first; reads below
// the cache's minimum priority wait until it is lowered.
type Priority = precache.Priority

const (
	// PriorityPrecache is for speculative reads nobody waits on yet.
	PriorityPrecache = precache.PriorityPrecache
	PriorityLow      = precache.PriorityLow
	// PriorityBelowNormal sits between background and interactive reads.
	PriorityBelowNormal = precache.PriorityBelowNormal
	PriorityNormal      = precache.PriorityNormal
	PriorityHigh        = precache.PriorityHigh
	// PriorityCriticalPath is for reads that block the caller's progress.
	PriorityCriticalPath = precache.PriorityCriticalPath
)
