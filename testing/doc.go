// Package testing provides an in-memory FileStore for deterministic testing
// of the filedrop transfer engine.
//
// # Overview
//
// SimulatedFileStore mirrors the production real.FileStore but keeps every
// file in a map. Tests seed source files with AddFile, read reassembled output
// with ReadFile, and inspect every CreateFile call through GetWriteLog.
//
// # Fault Injection
//
//	store := testing.NewSimulatedFileStore()
//	store.AddFile("/src/a.bin", data)
//	store.FailReadsFrom("/src/a.bin", 4096) // reads touching offset 4096+ fail
//	store.FailWrites(errors.New("disk full"))
//
// Injected read failures surface as testing.ErrInjected so callers can assert
// on error wrapping with errors.Is.
package testing
