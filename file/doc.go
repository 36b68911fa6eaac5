// Package file turns received chunks back into files.
//
// A Reassembler keeps one session per transfer, keyed by the sender's
// session id. Chunks are decoded with a codec.Codec, stored by index and
// deduplicated. After every new chunk a chain of CompletionPolicy values
// decides whether the session holds a whole file:
//
//	KnownTotalPolicy   every chunk of a declared or inferred total arrived
//	SingleChunkPolicy  one chunk and no total, confirmed after a settle delay
//	LargeCountPolicy   more chunks than a threshold and no total
//
// A complete session is concatenated in index order and written through an
// interfaces.FileStore under a sanitized name. Existing files are never
// overwritten; "name (1).ext" style alternatives are used instead. Gaps and
// write failures are reported through Options.OnComplete and leave the
// session open for a later attempt.
//
// Basic usage:
//
//	r := file.NewReassembler(real.NewFileStore(), nil, file.Options{
//		OutputDir: "./received",
//		OnComplete: func(c file.Completed) {
//			if c.Err == nil {
//				log.Printf("saved %s", c.Path)
//			}
//		},
//	})
//	defer r.Close()
//
// The Reassembler implements transport.ChunkProcessor and is normally
// handed to transport.NewServer.
package file
