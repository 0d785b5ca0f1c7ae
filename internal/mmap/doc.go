// Package mmap provides read-only memory-mapped file access.
//
// blobstore.LocalStore maps archive files so backend reads are plain copies out
// of the page cache.
//
//	m, err := mmap.Open("game.pak")
//	if err != nil { ... }
//	defer m.Close()
//	_ = m.Advise(mmap.AccessRandom)
//	data := m.Bytes()
//
// On Unix the mapping uses mmap(2) and madvise(2). Other platforms fall back to
// reading the whole file into memory, with Advise as a no-op.
//
// Close is idempotent. Callers must not touch Bytes after Close returns.
package mmap
