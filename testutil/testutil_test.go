package testutil

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/pakcache/internal/codec"
	"github.com/hupe1980/pakcache/internal/crypt"
	"github.com/hupe1980/pakcache/internal/hash"
)

func TestRNGDeterministic(t *testing.T) {
	a := NewRNG(42)
	b := NewRNG(42)
	assert.Equal(t, a.Bytes(64), b.Bytes(64))
	assert.Equal(t, a.Text(500), b.Text(500))

	a.Reset()
	b.Reset()
	assert.Equal(t, a.Intn(1000), b.Intn(1000))
	assert.Equal(t, int64(42), a.Seed())
}

func TestRNGRange(t *testing.T) {
	rng := NewRNG(1)
	for range 1000 {
		off, n := rng.Range(100)
		assert.GreaterOrEqual(t, off, int64(0))
		assert.Positive(t, n)
		assert.LessOrEqual(t, off+n, int64(100))
	}
}

func TestBuildArchive(t *testing.T) {
	rng := NewRNG(7)
	key := TestKey(3)
	text := rng.Text(150_000)
	raw := rng.Bytes(1000)

	built, err := BuildArchive(ArchiveSpec{
		Name: "test.pak",
		Files: []FileSpec{
			{Path: "plain", Data: raw},
			{Path: "zstd", Data: text, Compression: codec.Zstd, BlockSize: 64 << 10},
			{Path: "enc", Data: text[:5000], Compression: codec.Zlib, BlockSize: 4096, Encrypted: true},
		},
		Keys:               map[string]crypt.Key{"": key},
		SignatureChunkSize: 4096,
	})
	require.NoError(t, err)

	plain := built.Entries["plain"]
	assert.Equal(t, int64(headerSize), plain.Offset)
	assert.True(t, bytes.Equal(raw, built.Data[plain.Offset:plain.Offset+plain.Size]))

	z := built.Entries["zstd"]
	require.Len(t, z.Blocks, 3)
	require.NoError(t, z.Validate(int64(len(built.Data))))
	for i, b := range z.Blocks {
		out, err := codec.Decompress(codec.Zstd, built.Data[b.Start:b.End], int(z.BlockUncompressedSize(i)))
		require.NoError(t, err)
		start := int64(i) * z.BlockSize
		assert.True(t, bytes.Equal(text[start:start+int64(len(out))], out))
	}

	enc := built.Entries["enc"]
	require.NoError(t, enc.Validate(int64(len(built.Data))))
	first := enc.Blocks[0]
	stored := append([]byte(nil), built.Data[first.Start:enc.StoredEnd(first)]...)
	require.NoError(t, crypt.DecryptInPlace(key, stored))
	out, err := codec.Decompress(codec.Zlib, stored[:first.Len()], 4096)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(text[:4096], out))

	sig := built.Archive.Signatures
	require.NotNil(t, sig)
	assert.Equal(t, hash.ChunkSums(built.Data, 4096), sig.Hashes)
	assert.Equal(t, 3, built.Archive.Directory.Len())
}

func TestBuildArchiveErrors(t *testing.T) {
	_, err := BuildArchive(ArchiveSpec{
		Files: []FileSpec{{Path: "a", Data: []byte("x"), Encrypted: true, KeyID: "missing"}},
	})
	require.ErrorIs(t, err, crypt.ErrKeyNotFound)

	_, err = BuildArchive(ArchiveSpec{
		Files: []FileSpec{{Path: "a", Data: []byte("x")}, {Path: "a", Data: []byte("y")}},
	})
	require.Error(t, err)
}
