// Package s3 provides an S3 implementation of the blobstore.BlobStore interface.
//
// # Usage
//
//	store, err := s3.New(ctx, "my-bucket",
//	    s3.WithPrefix("paks/"),
//	    s3.WithRegion("us-east-1"),
//	)
//
//	cache, err := pakcache.New(store)
//
// # Features
//
//   - Range reads map one scheduler IO to one GetObject call
//   - Configurable prefix for multi-tenant isolation
package s3
