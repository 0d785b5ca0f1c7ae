// Package decode turns raw archive bytes into file contents.
//
// A Reader serves one file of an archive. Files are stored as fixed-size
// compression blocks; a read references every block it overlaps, requests the
// raw span of each block not yet in memory from the scheduler, and completes
// once all of them are decoded. Decoding (hash verification, decryption and
// decompression) runs on a shared worker pool.
//
// Decoded blocks live only while some read references them. Raw bytes are
// cached one level down by the scheduler.
package decode
