// Package pak describes archive contents: entries, their compression blocks,
// directories mapping paths to entries, and per-archive signature tables.
//
// The on-disk directory format is not parsed here. Callers that already
// decoded a directory hand the entries to LoadDirectory, which keeps them
// either as a plain map or re-encoded into a compact bit-packed form:
//
//	dir, err := pak.LoadDirectory(entries, true)
//	archive := &pak.Archive{Name: "content.pak", Directory: dir}
package pak
