package testutil

import (
	"fmt"

	"github.com/hupe1980/pakcache/blobstore"
	"github.com/hupe1980/pakcache/internal/codec"
	"github.com/hupe1980/pakcache/internal/crypt"
	"github.com/hupe1980/pakcache/internal/hash"
	"github.com/hupe1980/pakcache/pak"
)

// DefaultBlockSize is the compression block size used when a FileSpec does
// not set one.
const DefaultBlockSize = 64 << 10

// headerSize is the number of filler bytes before the first file, so no
// entry starts at offset zero.
const headerSize = 100

// FileSpec describes one file to place in an archive.
type FileSpec struct {
	Path        string
	Data        []byte
	Compression codec.Method
	// BlockSize applies to compressed files. Zero uses DefaultBlockSize.
	BlockSize int64
	Encrypted bool
	// KeyID selects the key in ArchiveSpec.Keys. Empty is the embedded key.
	KeyID string
}

// ArchiveSpec describes an archive to build.
type ArchiveSpec struct {
	Name  string
	Files []FileSpec
	// Keys maps key ids to encryption keys; "" is the embedded key.
	Keys map[string]crypt.Key
	// SignatureChunkSize enables a signature table when positive.
	SignatureChunkSize int64
	// Compact selects the packed directory representation.
	Compact bool
}

// BuiltArchive is the result of BuildArchive.
type BuiltArchive struct {
	Archive *pak.Archive
	Data    []byte
	Entries map[string]pak.Entry
	// Files holds the uncompressed content by path.
	Files map[string][]byte
}

// BuildArchive lays out the files of spec back to back and returns the
// archive bytes together with its metadata.
func BuildArchive(spec ArchiveSpec) (*BuiltArchive, error) {
	data := make([]byte, headerSize)
	for i := range data {
		data[i] = byte(i)
	}

	entries := make(map[string]pak.Entry, len(spec.Files))
	files := make(map[string][]byte, len(spec.Files))

	for _, f := range spec.Files {
		if _, dup := entries[f.Path]; dup {
			return nil, fmt.Errorf("testutil: duplicate path %q", f.Path)
		}

		var key crypt.Key
		if f.Encrypted {
			k, ok := spec.Keys[f.KeyID]
			if !ok {
				return nil, fmt.Errorf("testutil: %s: %w: %q", f.Path, crypt.ErrKeyNotFound, f.KeyID)
			}
			key = k
		}

		e := pak.Entry{
			Offset:      int64(len(data)),
			Size:        int64(len(f.Data)),
			Compression: f.Compression,
			Encrypted:   f.Encrypted,
			KeyID:       f.KeyID,
			BlockSize:   f.BlockSize,
		}
		if e.BlockSize == 0 {
			e.BlockSize = DefaultBlockSize
		}

		if f.Compression == codec.None {
			stored, err := seal(f.Data, f.Encrypted, key)
			if err != nil {
				return nil, fmt.Errorf("testutil: %s: %w", f.Path, err)
			}
			e.CompressedSize = e.Size
			data = append(data, stored...)
		} else {
			for off := int64(0); off < e.Size; off += e.BlockSize {
				chunk := f.Data[off:min(off+e.BlockSize, e.Size)]
				compressed, err := codec.Compress(f.Compression, chunk)
				if err != nil {
					return nil, fmt.Errorf("testutil: %s block %d: %w", f.Path, off/e.BlockSize, err)
				}
				stored, err := seal(compressed, f.Encrypted, key)
				if err != nil {
					return nil, fmt.Errorf("testutil: %s: %w", f.Path, err)
				}
				start := int64(len(data))
				e.Blocks = append(e.Blocks, pak.BlockSpan{Start: start, End: start + int64(len(compressed))})
				e.CompressedSize += int64(len(compressed))
				data = append(data, stored...)
			}
		}

		entries[f.Path] = e
		files[f.Path] = f.Data
	}

	dir, err := pak.LoadDirectory(entries, spec.Compact)
	if err != nil {
		return nil, err
	}

	a := &pak.Archive{Name: spec.Name, Directory: dir}
	if spec.SignatureChunkSize > 0 {
		a.Signatures = &pak.SignatureTable{
			ChunkSize: spec.SignatureChunkSize,
			Hashes:    hash.ChunkSums(data, int(spec.SignatureChunkSize)),
		}
	}

	return &BuiltArchive{Archive: a, Data: data, Entries: entries, Files: files}, nil
}

// seal copies b, padding and encrypting it when encrypted is set.
func seal(b []byte, encrypted bool, key crypt.Key) ([]byte, error) {
	if !encrypted {
		return append([]byte(nil), b...), nil
	}
	out := make([]byte, crypt.PaddedLen(int64(len(b))))
	copy(out, b)
	if err := crypt.EncryptInPlace(key, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Put stores the archive bytes in store under the archive name.
func (b *BuiltArchive) Put(store *blobstore.MemoryStore) {
	store.Put(b.Archive.Name, b.Data)
}

// Corrupt flips one byte of the stored archive at off.
func (b *BuiltArchive) Corrupt(off int64) {
	b.Data[off] ^= 0xff
}

// TestKey returns a deterministic key derived from seed.
func TestKey(seed byte) crypt.Key {
	var k crypt.Key
	for i := range k {
		k[i] = seed + byte(i)*7
	}
	return k
}
