package precache

import "fmt"

const (
	offsetBits = 48
	// MaxOffset is the largest byte offset a JoinedKey can hold.
	MaxOffset = 1<<offsetBits - 1
	// MaxArchives is the number of archive slots a JoinedKey can address.
	MaxArchives = 1 << 16
)

// JoinedKey packs an archive index (high 16 bits) and a byte offset (low 48
// bits) so positions across archives order as plain integers.
type JoinedKey uint64

// MakeKey joins archive and offset. It panics if either is out of range.
func MakeKey(archive int, offset int64) JoinedKey {
	if archive < 0 || archive >= MaxArchives {
		panic(fmt.Sprintf("precache: archive index %d out of range", archive))
	}
	if offset < 0 || offset > MaxOffset {
		panic(fmt.Sprintf("precache: offset %d out of range", offset))
	}
	return JoinedKey(uint64(archive)<<offsetBits | uint64(offset))
}

// Archive returns the archive index.
func (k JoinedKey) Archive() int { return int(uint64(k) >> offsetBits) }

// Offset returns the byte offset.
func (k JoinedKey) Offset() int64 { return int64(uint64(k) & MaxOffset) }

func (k JoinedKey) String() string {
	return fmt.Sprintf("%d:%d", k.Archive(), k.Offset())
}
