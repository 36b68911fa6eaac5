// Package real provides the production FileStore used by the filedrop
// transfer engine.
//
// FileStore reads source files with ranged reads and writes reassembled
// files with O_EXCL so an existing file is never overwritten:
//
//	store := real.NewFileStore()
//	src, err := chunk.Open(store, "/tmp/photo.jpg", limits.DefaultChunkSize)
//
// Tests that do not need the real filesystem use testing.SimulatedFileStore
// instead; both satisfy interfaces.FileStore.
package real
