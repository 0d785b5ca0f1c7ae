package pak

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hupe1980/pakcache/internal/codec"
	"github.com/hupe1980/pakcache/internal/conv"
)

// Directory resolves paths to entries. Implementations are immutable and
// safe for concurrent use.
type Directory interface {
	Lookup(path string) (Entry, bool)
	Len() int
	// Paths returns every path in sorted order.
	Paths() []string
}

// LoadDirectory builds a directory from decoded entries. With compact set
// the entries are re-encoded into a PackedDirectory; otherwise they are kept
// in a MapDirectory. The choice is fixed for the directory's lifetime.
func LoadDirectory(entries map[string]Entry, compact bool) (Directory, error) {
	if compact {
		return NewPackedDirectory(entries, DefaultPackedCacheSize)
	}
	return NewMapDirectory(entries), nil
}

// MapDirectory keeps entries as plain structs.
type MapDirectory struct {
	entries map[string]Entry
}

// NewMapDirectory copies entries into a new directory.
func NewMapDirectory(entries map[string]Entry) *MapDirectory {
	m := make(map[string]Entry, len(entries))
	for p, e := range entries {
		e.Blocks = slices.Clone(e.Blocks)
		m[p] = e
	}
	return &MapDirectory{entries: m}
}

func (d *MapDirectory) Lookup(path string) (Entry, bool) {
	e, ok := d.entries[path]
	if ok {
		e.Blocks = slices.Clone(e.Blocks)
	}
	return e, ok
}

func (d *MapDirectory) Len() int { return len(d.entries) }

func (d *MapDirectory) Paths() []string {
	paths := make([]string, 0, len(d.entries))
	for p := range d.entries {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	return paths
}

// DefaultPackedCacheSize is the number of unpacked entries a PackedDirectory
// keeps.
const DefaultPackedCacheSize = 256

var errTruncated = errors.New("pak: truncated packed entry")

// Flag bits of a packed entry header.
const (
	flagEncrypted = 1 << 0
	flagKeyID     = 1 << 1
	// Bits 2-3 hold the compression method.
	methodShift = 2
	methodMask  = 0b11
	// Block spans are contiguous: each starts where the previous one's
	// stored bytes end, so only lengths are encoded.
	flagContiguous = 1 << 4
)

// PackedDirectory stores entries bit-packed into one byte slice and unpacks
// them on lookup. Recently unpacked entries are cached.
//
// Layout per entry: a flag byte, then uvarints for offset, size, compressed
// size, block size and block count, an optional key id index, and the
// block spans (lengths only when contiguous, start deltas otherwise).
type PackedDirectory struct {
	data    []byte
	offsets map[string]uint32
	keyIDs  []string
	cache   *lru.Cache[string, Entry]
}

// NewPackedDirectory encodes entries. cacheSize <= 0 uses the default.
func NewPackedDirectory(entries map[string]Entry, cacheSize int) (*PackedDirectory, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultPackedCacheSize
	}
	cache, err := lru.New[string, Entry](cacheSize)
	if err != nil {
		return nil, err
	}

	d := &PackedDirectory{
		offsets: make(map[string]uint32, len(entries)),
		cache:   cache,
	}
	keyIndex := make(map[string]uint64)

	paths := make([]string, 0, len(entries))
	for p := range entries {
		paths = append(paths, p)
	}
	slices.Sort(paths)

	for _, p := range paths {
		e := entries[p]
		if e.Compression > methodMask {
			return nil, fmt.Errorf("%w: %s: compression %s cannot be packed", ErrInvalidEntry, p, e.Compression)
		}
		off, err := conv.IntToUint32(len(d.data))
		if err != nil {
			return nil, fmt.Errorf("pak: packed directory exceeds 4 GiB: %w", err)
		}
		d.offsets[p] = off

		flags := byte(e.Compression) << methodShift
		if e.Encrypted {
			flags |= flagEncrypted
		}
		if e.KeyID != "" {
			flags |= flagKeyID
		}
		contiguous := isContiguous(&e)
		if contiguous {
			flags |= flagContiguous
		}

		d.data = append(d.data, flags)
		d.data = binary.AppendUvarint(d.data, uint64(e.Offset))
		d.data = binary.AppendUvarint(d.data, uint64(e.Size))
		d.data = binary.AppendUvarint(d.data, uint64(e.CompressedSize))
		d.data = binary.AppendUvarint(d.data, uint64(e.BlockSize))
		d.data = binary.AppendUvarint(d.data, uint64(len(e.Blocks)))
		if e.KeyID != "" {
			idx, ok := keyIndex[e.KeyID]
			if !ok {
				idx = uint64(len(d.keyIDs))
				keyIndex[e.KeyID] = idx
				d.keyIDs = append(d.keyIDs, e.KeyID)
			}
			d.data = binary.AppendUvarint(d.data, idx)
		}

		prev := e.Offset
		for i, b := range e.Blocks {
			if !contiguous || i == 0 {
				d.data = binary.AppendVarint(d.data, b.Start-prev)
			}
			d.data = binary.AppendUvarint(d.data, uint64(b.Len()))
			prev = e.StoredEnd(b)
		}
	}
	return d, nil
}

func isContiguous(e *Entry) bool {
	for i := 1; i < len(e.Blocks); i++ {
		if e.Blocks[i].Start != e.StoredEnd(e.Blocks[i-1]) {
			return false
		}
	}
	return true
}

func (d *PackedDirectory) Lookup(path string) (Entry, bool) {
	if e, ok := d.cache.Get(path); ok {
		e.Blocks = slices.Clone(e.Blocks)
		return e, true
	}
	off, ok := d.offsets[path]
	if !ok {
		return Entry{}, false
	}
	e, err := d.unpack(d.data[off:])
	if err != nil {
		// The buffer was produced by NewPackedDirectory; a decode error is a bug.
		panic(err)
	}
	d.cache.Add(path, e)
	e.Blocks = slices.Clone(e.Blocks)
	return e, true
}

func (d *PackedDirectory) Len() int { return len(d.offsets) }

func (d *PackedDirectory) Paths() []string {
	paths := make([]string, 0, len(d.offsets))
	for p := range d.offsets {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	return paths
}

// PackedBytes returns the size of the packed entry data.
func (d *PackedDirectory) PackedBytes() int { return len(d.data) }

type packedReader struct {
	buf []byte
	err error
}

func (r *packedReader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf)
	if n <= 0 {
		r.err = errTruncated
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

func (r *packedReader) i64() int64 {
	v, err := conv.Uint64ToInt64(r.uvarint())
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("%w: %w", errTruncated, err)
	}
	return v
}

func (r *packedReader) varint() int64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Varint(r.buf)
	if n <= 0 {
		r.err = errTruncated
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

func (d *PackedDirectory) unpack(buf []byte) (Entry, error) {
	if len(buf) == 0 {
		return Entry{}, errTruncated
	}
	flags := buf[0]
	r := &packedReader{buf: buf[1:]}

	e := Entry{
		Compression: codec.Method((flags >> methodShift) & methodMask),
		Encrypted:   flags&flagEncrypted != 0,
	}
	e.Offset = r.i64()
	e.Size = r.i64()
	e.CompressedSize = r.i64()
	e.BlockSize = r.i64()
	n := r.uvarint()
	if flags&flagKeyID != 0 {
		idx := r.uvarint()
		if r.err == nil && idx >= uint64(len(d.keyIDs)) {
			return Entry{}, errTruncated
		}
		if r.err == nil {
			e.KeyID = d.keyIDs[idx]
		}
	}
	if r.err != nil {
		return Entry{}, r.err
	}

	if n > 0 {
		e.Blocks = make([]BlockSpan, n)
	}
	contiguous := flags&flagContiguous != 0
	prev := e.Offset
	for i := range e.Blocks {
		start := prev
		if !contiguous || i == 0 {
			start = prev + r.varint()
		}
		length := r.i64()
		e.Blocks[i] = BlockSpan{Start: start, End: start + length}
		prev = e.StoredEnd(e.Blocks[i])
	}
	return e, r.err
}
