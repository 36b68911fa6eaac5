// Package limits provides centralized size constants and validation functions
// for the filedrop transfer engine.
//
// # Size Hierarchy
//
//   - DefaultChunkSize (64 KiB): the slice size used by the chunk source when
//     the caller does not choose one.
//
//   - MaxChunkSize (4 MiB): the largest slice a sender may produce. Receivers
//     size their line buffers from it.
//
//   - MaxLineLength: the largest newline-delimited wire message a receiver
//     will buffer before discarding the partial line.
//
// # Validation Functions
//
// Each validation function wraps a sentinel error with the offending value:
//
//	if err := limits.ValidateChunkSize(size); err != nil {
//	    if errors.Is(err, limits.ErrChunkSizeInvalid) {
//	        // reject configuration
//	    }
//	}
package limits
