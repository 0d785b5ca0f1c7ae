// Package blobstore provides the storage abstraction archives are read from.
//
// BlobStore is the interface for reading immutable archive blobs.
// Implementations must be safe for concurrent use.
//
// # Built-in Implementations
//
//   - LocalStore: Local filesystem with mmap support
//   - MemoryStore: In-memory blobs for tests and embedded data
//   - s3.Store: Amazon S3 with range reads
//   - minio.Store: MinIO and other S3-compatible storage
//
// # Custom Implementations
//
// Implement the BlobStore interface to support custom storage backends:
//
//	type BlobStore interface {
//	    Open(ctx, name) (Blob, error)
//	}
//
//	type Blob interface {
//	    ReadAt(ctx, p, off) (int, error)
//	    io.Closer
//	    Size() int64
//	}
package blobstore
