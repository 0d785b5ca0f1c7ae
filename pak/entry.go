package pak

import (
	"errors"
	"fmt"

	"github.com/hupe1980/pakcache/internal/codec"
	"github.com/hupe1980/pakcache/internal/crypt"
)

// CompressionMethod identifies how an entry's blocks are compressed.
type CompressionMethod = codec.Method

const (
	CompressionNone = codec.None
	CompressionZlib = codec.Zlib
	CompressionZstd = codec.Zstd
	CompressionLZ4  = codec.LZ4
)

// ErrInvalidEntry is returned for entries whose layout is inconsistent.
var ErrInvalidEntry = errors.New("pak: invalid entry")

// BlockSpan is the compressed byte range [Start, End) of one compression
// block, as absolute archive offsets. Encrypted spans are stored padded to
// the cipher block size; End is the unpadded end.
type BlockSpan struct {
	Start int64
	End   int64
}

// Len returns the unpadded span length.
func (s BlockSpan) Len() int64 { return s.End - s.Start }

// Entry describes one file inside an archive.
type Entry struct {
	// Offset is where the entry's data starts in the archive.
	Offset int64
	// Size is the uncompressed size.
	Size int64
	// CompressedSize is the stored size, excluding cipher padding.
	CompressedSize int64
	Compression    CompressionMethod
	// BlockSize is the uncompressed size of every block except the last.
	BlockSize int64
	// Blocks lists compressed spans. Empty for uncompressed entries.
	Blocks    []BlockSpan
	Encrypted bool
	// KeyID selects the decryption key. Empty means the embedded key.
	KeyID string
}

// Compressed reports whether the entry is stored in compression blocks.
func (e *Entry) Compressed() bool { return e.Compression != CompressionNone }

// BlockCount returns the number of compression blocks.
func (e *Entry) BlockCount() int {
	if e.Size == 0 || e.BlockSize <= 0 {
		return 0
	}
	return int((e.Size + e.BlockSize - 1) / e.BlockSize)
}

// BlockUncompressedSize returns the uncompressed length of block i. The last
// block holds the remainder, or a full block when the size divides evenly.
func (e *Entry) BlockUncompressedSize(i int) int64 {
	if i < e.BlockCount()-1 {
		return e.BlockSize
	}
	if rem := e.Size % e.BlockSize; rem != 0 {
		return rem
	}
	return e.BlockSize
}

// StoredEnd returns where a span ends on disk, including cipher padding.
func (e *Entry) StoredEnd(s BlockSpan) int64 {
	if e.Encrypted {
		return s.Start + crypt.PaddedLen(s.Len())
	}
	return s.End
}

// Validate checks the entry against the size of its archive.
func (e *Entry) Validate(archiveSize int64) error {
	if e.Size < 0 || e.Offset < 0 {
		return fmt.Errorf("%w: negative offset or size", ErrInvalidEntry)
	}
	if e.Size == 0 {
		return nil
	}
	if e.BlockSize <= 0 {
		return fmt.Errorf("%w: block size %d", ErrInvalidEntry, e.BlockSize)
	}
	if e.Encrypted && e.BlockSize%crypt.BlockSize != 0 {
		return fmt.Errorf("%w: encrypted block size %d is not a multiple of %d", ErrInvalidEntry, e.BlockSize, crypt.BlockSize)
	}

	if !e.Compressed() {
		stored := e.Size
		if e.Encrypted {
			stored = crypt.PaddedLen(stored)
		}
		if e.Offset+stored > archiveSize {
			return fmt.Errorf("%w: data [%d, %d) past archive end %d", ErrInvalidEntry, e.Offset, e.Offset+stored, archiveSize)
		}
		return nil
	}

	if len(e.Blocks) != e.BlockCount() {
		return fmt.Errorf("%w: %d blocks for %d bytes at block size %d", ErrInvalidEntry, len(e.Blocks), e.Size, e.BlockSize)
	}
	for i, b := range e.Blocks {
		if b.Start < 0 || b.End <= b.Start {
			return fmt.Errorf("%w: block %d span [%d, %d)", ErrInvalidEntry, i, b.Start, b.End)
		}
		if end := e.StoredEnd(b); end > archiveSize {
			return fmt.Errorf("%w: block %d ends at %d past archive end %d", ErrInvalidEntry, i, end, archiveSize)
		}
	}
	return nil
}
