// Package hash provides hardware-accelerated checksums for archive integrity.
//
// # CRC32-Castagnoli (CRC32C)
//
// Signed archives carry one CRC32C per fixed-size signing chunk. The decode
// pipeline recomputes them over every raw span it reads:
//
//	sums := hash.ChunkSums(data, chunkSize)
//
// For one-shot checksums:
//
//	checksum := hash.CRC32C(data)
//
// Go's crc32 package automatically uses hardware instructions (SSE4.2, ARM CRC)
// when available.
package hash
