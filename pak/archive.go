package pak

// Archive is a mountable archive: the blob holding its bytes plus metadata.
type Archive struct {
	// Name is the blob name in the backing store.
	Name      string
	Directory Directory
	// Signatures is nil for unsigned archives.
	Signatures *SignatureTable
}

// SignatureTable holds one CRC32C per fixed-size chunk of the archive.
type SignatureTable struct {
	ChunkSize int64
	Hashes    []uint32
}

// ChunkRange returns the indices of the chunks overlapping [off, end).
func (t *SignatureTable) ChunkRange(off, end int64) (first, last int) {
	return int(off / t.ChunkSize), int((end - 1) / t.ChunkSize)
}

// AlignSpan widens [off, end) to chunk boundaries, clamped to archiveSize.
func (t *SignatureTable) AlignSpan(off, end, archiveSize int64) (int64, int64) {
	off -= off % t.ChunkSize
	if rem := end % t.ChunkSize; rem != 0 {
		end += t.ChunkSize - rem
	}
	return off, min(end, archiveSize)
}
