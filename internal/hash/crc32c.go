package hash

import "hash/crc32"

// crc32cTable is pre-computed for CRC32-Castagnoli polynomial.
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// CRC32C computes the CRC32-Castagnoli checksum of data.
func CRC32C(data []byte) uint32 {
	return crc32.Checksum(data, crc32cTable)
}

// ChunkSums splits data into chunkSize pieces and returns one CRC32C per
// piece. The final piece may be short.
func ChunkSums(data []byte, chunkSize int) []uint32 {
	if chunkSize <= 0 {
		panic("hash: chunk size must be positive")
	}
	sums := make([]uint32, 0, (len(data)+chunkSize-1)/chunkSize)
	for off := 0; off < len(data); off += chunkSize {
		end := min(off+chunkSize, len(data))
		sums = append(sums, CRC32C(data[off:end]))
	}
	return sums
}
