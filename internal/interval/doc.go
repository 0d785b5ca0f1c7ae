// Package interval implements a range index over power-of-two buckets.
//
// An Index maps inclusive byte ranges [Start, End] to opaque item ids. The key
// space [0, 2^rootShift) is split recursively at its midpoint down to a leaf
// width of one granularity unit. Every node keeps the items straddling its
// midpoint in an "on" bucket; items entirely in one half descend into the
// child for that half, or into the node's flat left/right bucket at leaf depth.
//
// Insert and Remove are O(depth). Overlap queries only descend into halves
// that intersect the query. Nodes are returned to a free list as soon as all
// of their buckets and children are empty.
//
// Index is not safe for concurrent use.
package interval
