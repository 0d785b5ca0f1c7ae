package interval

import (
	"fmt"
	"math/bits"

	"github.com/bits-and-blooms/bitset"
)

// Visit tells a traversal what to do after an item has been visited.
type Visit uint8

const (
	// Continue keeps the item and keeps visiting.
	Continue Visit = iota
	// Remove drops the item from the index and keeps visiting.
	Remove
	// Stop ends the traversal.
	Stop
)

// Item is a stored range. End is inclusive.
type Item struct {
	ID    uint64
	Start uint64
	End   uint64
}

func (it Item) overlaps(qs, qe uint64) bool {
	return it.Start <= qe && it.End >= qs
}

const noNode int32 = -1

type node struct {
	on    []Item
	left  []Item // leaf depth only
	right []Item // leaf depth only
	child [2]int32
}

func (n *node) empty() bool {
	return len(n.on) == 0 && len(n.left) == 0 && len(n.right) == 0 &&
		n.child[0] == noNode && n.child[1] == noNode
}

// Index is a radix interval tree.
type Index struct {
	nodes     []node
	free      []int32
	root      int32
	rootShift uint
	leafShift uint
	count     int
}

// New creates an index able to hold ranges inside [0, span).
// granularity must be a power of two; it sets the leaf bucket width.
func New(span, granularity uint64) *Index {
	if granularity == 0 || granularity&(granularity-1) != 0 {
		panic(fmt.Sprintf("interval: granularity %d is not a power of two", granularity))
	}
	if span == 0 {
		span = granularity
	}
	leaf := uint(bits.TrailingZeros64(granularity))
	root := uint(bits.Len64(span - 1))
	if root < leaf+1 {
		root = leaf + 1
	}
	return &Index{
		root:      noNode,
		rootShift: root,
		leafShift: leaf,
	}
}

// Len returns the number of stored items.
func (x *Index) Len() int { return x.count }

// Empty reports whether the index holds no items.
func (x *Index) Empty() bool { return x.count == 0 }

// NodeCount returns the number of live tree nodes.
func (x *Index) NodeCount() int { return len(x.nodes) - len(x.free) }

// Limit returns the exclusive upper bound of the key space.
func (x *Index) Limit() uint64 { return uint64(1) << x.rootShift }

func (x *Index) isLeaf(shift uint) bool { return shift <= x.leafShift+1 }

func (x *Index) checkRange(start, end uint64) {
	if start > end || end >= x.Limit() {
		panic(fmt.Sprintf("interval: range [%d, %d] outside [0, %d)", start, end, x.Limit()))
	}
}

func (x *Index) allocNode() int32 {
	if n := len(x.free); n > 0 {
		idx := x.free[n-1]
		x.free = x.free[:n-1]
		x.nodes[idx] = node{child: [2]int32{noNode, noNode}}
		return idx
	}
	x.nodes = append(x.nodes, node{child: [2]int32{noNode, noNode}})
	return int32(len(x.nodes) - 1) //nolint:gosec // node count is bounded by item count
}

func (x *Index) freeNode(idx int32) {
	x.nodes[idx] = node{}
	x.free = append(x.free, idx)
}

// Insert stores id under [start, end].
func (x *Index) Insert(id, start, end uint64) {
	x.checkRange(start, end)
	it := Item{ID: id, Start: start, End: end}

	if x.root == noNode {
		x.root = x.allocNode()
	}
	n, lo, shift := x.root, uint64(0), x.rootShift
	for {
		mid := lo + uint64(1)<<(shift-1)
		switch {
		case start < mid && end >= mid:
			x.nodes[n].on = append(x.nodes[n].on, it)
			x.count++
			return
		case end < mid:
			if x.isLeaf(shift) {
				x.nodes[n].left = append(x.nodes[n].left, it)
				x.count++
				return
			}
			c := x.nodes[n].child[0]
			if c == noNode {
				c = x.allocNode()
				x.nodes[n].child[0] = c
			}
			n = c
		default:
			if x.isLeaf(shift) {
				x.nodes[n].right = append(x.nodes[n].right, it)
				x.count++
				return
			}
			c := x.nodes[n].child[1]
			if c == noNode {
				c = x.allocNode()
				x.nodes[n].child[1] = c
			}
			n, lo = c, mid
		}
		shift--
	}
}

// Remove deletes the item id stored under exactly [start, end].
func (x *Index) Remove(id, start, end uint64) bool {
	x.checkRange(start, end)
	if x.root == noNode {
		return false
	}

	var path [64]int32
	depth := 0
	n, lo, shift := x.root, uint64(0), x.rootShift
	for {
		path[depth] = n
		depth++
		mid := lo + uint64(1)<<(shift-1)

		var list *[]Item
		side := -1
		switch {
		case start < mid && end >= mid:
			list = &x.nodes[n].on
		case end < mid:
			if x.isLeaf(shift) {
				list = &x.nodes[n].left
			} else {
				side = 0
			}
		default:
			if x.isLeaf(shift) {
				list = &x.nodes[n].right
			} else {
				side = 1
				lo = mid
			}
		}

		if list != nil {
			if !removeFromList(list, id, start, end) {
				return false
			}
			x.count--
			x.pruneUp(path[:depth])
			return true
		}

		c := x.nodes[n].child[side]
		if c == noNode {
			return false
		}
		n = c
		shift--
	}
}

func removeFromList(list *[]Item, id, start, end uint64) bool {
	l := *list
	for i := range l {
		if l[i].ID == id && l[i].Start == start && l[i].End == end {
			last := len(l) - 1
			l[i] = l[last]
			l[last] = Item{}
			*list = l[:last]
			return true
		}
	}
	return false
}

// pruneUp frees empty nodes from the bottom of path towards the root.
func (x *Index) pruneUp(path []int32) {
	for i := len(path) - 1; i >= 0; i-- {
		n := path[i]
		if !x.nodes[n].empty() {
			return
		}
		x.freeNode(n)
		if i == 0 {
			x.root = noNode
			return
		}
		parent := &x.nodes[path[i-1]]
		if parent.child[0] == n {
			parent.child[0] = noNode
		} else {
			parent.child[1] = noNode
		}
	}
}

// ForEachOverlapping calls fn for every item intersecting [qs, qe].
// fn may return Remove to drop the visited item or Stop to end the scan.
// It returns false if the scan was stopped.
func (x *Index) ForEachOverlapping(qs, qe uint64, fn func(Item) Visit) bool {
	if x.root == noNode || qs > qe {
		return true
	}
	if qe >= x.Limit() {
		qe = x.Limit() - 1
	}
	stopped := x.visit(x.root, 0, x.rootShift, qs, qe, fn)
	if x.root != noNode && x.nodes[x.root].empty() {
		x.freeNode(x.root)
		x.root = noNode
	}
	return !stopped
}

func (x *Index) visit(n int32, lo uint64, shift uint, qs, qe uint64, fn func(Item) Visit) bool {
	mid := lo + uint64(1)<<(shift-1)
	leaf := x.isLeaf(shift)

	if qs < mid {
		if leaf {
			if x.scan(&x.nodes[n].left, qs, qe, fn) {
				return true
			}
		} else if c := x.nodes[n].child[0]; c != noNode {
			stop := x.visit(c, lo, shift-1, qs, qe, fn)
			x.pruneChild(n, 0)
			if stop {
				return true
			}
		}
	}

	if x.scan(&x.nodes[n].on, qs, qe, fn) {
		return true
	}

	if qe >= mid {
		if leaf {
			if x.scan(&x.nodes[n].right, qs, qe, fn) {
				return true
			}
		} else if c := x.nodes[n].child[1]; c != noNode {
			stop := x.visit(c, mid, shift-1, qs, qe, fn)
			x.pruneChild(n, 1)
			if stop {
				return true
			}
		}
	}
	return false
}

func (x *Index) pruneChild(n int32, side int) {
	c := x.nodes[n].child[side]
	if c != noNode && x.nodes[c].empty() {
		x.freeNode(c)
		x.nodes[n].child[side] = noNode
	}
}

// scan visits a bucket and reports whether fn asked to stop.
func (x *Index) scan(list *[]Item, qs, qe uint64, fn func(Item) Visit) bool {
	l := *list
	for i := 0; i < len(l); {
		it := l[i]
		if !it.overlaps(qs, qe) {
			i++
			continue
		}
		switch fn(it) {
		case Remove:
			last := len(l) - 1
			l[i] = l[last]
			l[last] = Item{}
			l = l[:last]
			x.count--
			continue
		case Stop:
			*list = l
			return true
		}
		i++
	}
	*list = l
	return false
}

// ForEachOverlappingShrinking visits items intersecting [qs, *qe] in roughly
// ascending order. fn may lower *qe to narrow the rest of the traversal, and
// returns false to stop. The index must not be modified from fn.
func (x *Index) ForEachOverlappingShrinking(qs uint64, qe *uint64, fn func(it Item, qe *uint64) bool) bool {
	if x.root == noNode || qs > *qe {
		return true
	}
	if *qe >= x.Limit() {
		*qe = x.Limit() - 1
	}
	return !x.visitShrinking(x.root, 0, x.rootShift, qs, qe, fn)
}

func (x *Index) visitShrinking(n int32, lo uint64, shift uint, qs uint64, qe *uint64, fn func(Item, *uint64) bool) bool {
	mid := lo + uint64(1)<<(shift-1)
	leaf := x.isLeaf(shift)
	nd := &x.nodes[n]

	scan := func(l []Item) bool {
		for _, it := range l {
			if qs > *qe {
				return false
			}
			if it.overlaps(qs, *qe) && !fn(it, qe) {
				return true
			}
		}
		return false
	}

	if qs < mid {
		if leaf {
			if scan(nd.left) {
				return true
			}
		} else if c := nd.child[0]; c != noNode {
			if x.visitShrinking(c, lo, shift-1, qs, qe, fn) {
				return true
			}
		}
	}

	if scan(nd.on) {
		return true
	}

	if *qe >= mid && qs <= *qe {
		if leaf {
			if scan(nd.right) {
				return true
			}
		} else if c := nd.child[1]; c != noNode {
			if x.visitShrinking(c, mid, shift-1, qs, qe, fn) {
				return true
			}
		}
	}
	return false
}

// MaskCoverage sets bit i of out for every unit of width 1<<shift, counted
// from qs aligned down to the unit, that lies within [qs, qe] and is fully
// covered by some stored item. out must hold at least the number of units.
func (x *Index) MaskCoverage(qs, qe uint64, shift uint, out *bitset.BitSet) {
	if qs > qe {
		return
	}
	g := uint64(1) << shift
	base := qs &^ (g - 1)
	units := ((qe - base) >> shift) + 1

	x.ForEachOverlapping(qs, qe, func(it Item) Visit {
		lo := max(it.Start, base)
		first := (lo - base + g - 1) >> shift
		end := it.End + 1 - base
		if end < g {
			return Continue
		}
		last := end>>shift - 1
		if last >= units {
			last = units - 1
		}
		for u := first; u <= last; u++ {
			out.Set(uint(u))
		}
		return Continue
	})
}
