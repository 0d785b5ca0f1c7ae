// Package fs provides a read-only filesystem abstraction for testability and
// fault injection.
//
//   - [FileSystem]: opens files for positional reads
//   - [LocalFS]: production implementation using the os package
//   - [FaultyFS]: test wrapper that injects open and read failures
//
// blobstore.LocalStore reads through a FileSystem when memory mapping is
// disabled, which lets tests surface backend read failures to the scheduler:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.AddRule("broken.pak", fs.Fault{FailAfterBytes: 0})
//	store := blobstore.NewLocalStore(dir, blobstore.WithFileSystem(ffs))
//
// This package intentionally does NOT include context.Context parameters.
// Local reads are short and not interruptible at the syscall level.
package fs
