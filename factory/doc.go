// Package factory builds filedrop configuration and file stores.
//
// # Configuration Sources
//
// NewConfigFactory starts from DefaultConfig and applies environment
// overrides. Invalid values are logged at Warn level and ignored:
//
//	FILEDROP_USE_SIMULATION     bool   in-memory file store
//	FILEDROP_CHUNK_SIZE         int    bytes per chunk
//	FILEDROP_MAX_IN_FLIGHT      int    concurrent chunk sends
//	FILEDROP_CONNECT_TIMEOUT    int    milliseconds
//	FILEDROP_RECONNECT_ATTEMPTS int    backoff reconnects
//	FILEDROP_RETRY_ATTEMPTS     int    per-chunk resends
//	FILEDROP_PORT               int    listen / peer port
//	FILEDROP_BIND_HOST          string receiver bind address
//	FILEDROP_OUTPUT_DIR         string reassembled file directory
//
// # File Stores
//
//	f := factory.NewConfigFactory()
//	store := f.CreateFileStore() // real.FileStore or testing.SimulatedFileStore
package factory
