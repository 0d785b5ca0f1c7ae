// Package codec implements the per-block compression methods used by archive
// entries.
//
// Every compression block is an independent stream; decoding never needs
// state from a neighbouring block. Supported methods:
//
//   - None: stored bytes
//   - Zlib: RFC 1950 stream (klauspost/compress/zlib)
//   - Zstd: single zstd frame (klauspost/compress/zstd)
//   - LZ4: raw LZ4 block without frame header (pierrec/lz4/v4)
//
// Zstd and zlib coders are pooled.
package codec
