// Package testutil builds archives in memory for tests and benchmarks.
//
// It is not an authoring format: archives only need to be readable by this
// module's read path.
//
// # Content Generation
//
//	rng := testutil.NewRNG(seed)
//	data := rng.Text(300 << 10)   // compressible
//	noise := rng.Bytes(4096)      // incompressible
//
// # Archives
//
//	built, err := testutil.BuildArchive(testutil.ArchiveSpec{
//		Name: "content.pak",
//		Files: []testutil.FileSpec{
//			{Path: "a.bin", Data: data, Compression: codec.Zstd, BlockSize: 64 << 10},
//		},
//		SignatureChunkSize: 64 << 10,
//	})
//	built.Put(store)
package testutil
