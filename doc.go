// Package pakcache reads files out of large, immutable archives ("paks")
// that may be compressed, encrypted and signed.
//
// A Cache sits between callers and a blob store. Reads are asynchronous and
// prioritized: overlapping and neighbouring reads share backend requests,
// recently released raw blocks stay cached, and decoding runs on a worker
// pool.
//
// # Quick Start
//
//	store := blobstore.NewLocalStore("./paks")
//	c, _ := pakcache.New(store, pakcache.WithKey("", key))
//	defer c.Close(context.Background())
//
//	dir, _ := pak.LoadDirectory(entries, true)
//	_ = c.Mount(&pak.Archive{Name: "content.pak", Directory: dir})
//
//	f, _ := c.Open("content.pak", "textures/sky.dds")
//	req := f.Read(0, f.Size(), pakcache.PriorityHigh, nil)
//	if err := req.Wait(5 * time.Second); err == nil {
//		use(req.Bytes())
//	}
//
// # Backends
//
// Archives are read through blobstore.BlobStore: the local filesystem
// (memory mapped where supported), S3 (blobstore/s3), MinIO
// (blobstore/minio) or memory for tests.
//
// # Priorities
//
// Higher priorities are fetched first. SetMinimumPriority holds back
// everything below a level, e.g. to pause PriorityPrecache traffic while
// latency-critical reads run.
//
// # Integrity
//
// Archives with a signature table are verified chunk by chunk. A mismatch
// is reported through SubscribeIntegrity and the data is returned anyway,
// unless WithStrictIntegrity is set, in which case the read fails with
// ErrIntegrity.
package pakcache
