package blobstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/hupe1980/pakcache/internal/fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Open(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	s.Put("a.pak", []byte("hello world"))
	s.Put("b.pak", []byte("x"))
	assert.Equal(t, []string{"a.pak", "b.pak"}, s.List(""))

	blob, err := s.Open(ctx, "a.pak")
	require.NoError(t, err)
	defer blob.Close()
	assert.Equal(t, int64(11), blob.Size())

	buf := make([]byte, 5)
	n, err := blob.ReadAt(ctx, buf, 6)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "world", string(buf))

	n, err = blob.ReadAt(ctx, buf, 8)
	assert.Equal(t, 3, n)
	assert.ErrorIs(t, err, io.EOF)

	s.Delete("a.pak")
	n, err = blob.ReadAt(ctx, buf, 0)
	require.NoError(t, err, "open handles keep their data")
	assert.Equal(t, 5, n)
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	s := NewMemoryStore()
	s.Put("a", []byte("data"))
	blob, err := s.Open(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = blob.ReadAt(ctx, make([]byte, 2), 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocalStore(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.pak"), []byte("0123456789"), 0o600))
	ctx := context.Background()

	for _, tc := range []struct {
		name  string
		store *LocalStore
	}{
		{"mmap", NewLocalStore(dir)},
		{"file", NewLocalStore(dir, WithFileSystem(fs.Default))},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.store.Open(ctx, "missing.pak")
			assert.ErrorIs(t, err, ErrNotFound)

			blob, err := tc.store.Open(ctx, "a.pak")
			require.NoError(t, err)
			assert.Equal(t, int64(10), blob.Size())

			buf := make([]byte, 3)
			n, err := blob.ReadAt(ctx, buf, 7)
			require.NoError(t, err)
			assert.Equal(t, 3, n)
			assert.Equal(t, "789", string(buf))

			_, err = blob.ReadAt(ctx, buf, 9)
			assert.Error(t, err)

			require.NoError(t, blob.Close())
		})
	}
}

func TestLocalStore_FaultInjection(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.pak"), make([]byte, 64), 0o600))
	ctx := context.Background()

	ffs := fs.NewFaultyFS(nil)
	ffs.AddRule("bad.pak", fs.Fault{FailAfterBytes: 0})
	store := NewLocalStore(dir, WithFileSystem(ffs))

	blob, err := store.Open(ctx, "bad.pak")
	require.NoError(t, err)
	defer blob.Close()

	_, err = blob.ReadAt(ctx, make([]byte, 8), 0)
	assert.Error(t, err)
}
