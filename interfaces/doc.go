// Package interfaces defines the collaborator abstractions consumed by the
// filedrop transfer engine.
//
// # Overview
//
// The chunk source reads byte ranges of a local file and the reassembler
// writes completed files. Both go through FileStore so that tests and demos
// can run against an in-memory store while production code uses the OS
// filesystem:
//
//   - real.FileStore: backed by the os package
//   - testing.SimulatedFileStore: backed by an in-memory map
//
// The factory package selects one based on TransferConfig.UseSimulation.
//
// # Configuration
//
// TransferConfig carries every tunable of a transfer. The factory package
// fills it from defaults and FILEDROP_* environment variables:
//
//	cfg := factory.NewConfigFactory().Config()
//	store := factory.NewConfigFactory().CreateFileStore()
package interfaces
