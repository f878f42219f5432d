// Package faultline is a debugging memory allocator that turns heap misuse into immediate,
// attributable faults.
//
// Requests that need more than MaxBinChunkSize bytes including overhead are served from
// page-granular regions. Each region starts with an access-denied guard page, so an underrun
// faults at the offending instruction; with AllocatorCreateTrailingGuardPage an overrun past
// the last page does too. Released regions are access-denied, so any later access faults.
//
// Smaller requests are served from bins of fixed-size chunks carved out of whole pages. Each
// chunk carries a canary block before the user bytes and a tail canary after them, and a
// released chunk is filled with a poison pattern. Canaries are verified when a chunk is
// released and poison is verified when a chunk is reused, so overruns and writes after
// release are detected at the next allocator call that touches the chunk.
//
// Double frees, frees of addresses that were never handed out, and frees of the allocator's
// own memory are detected on the spot. Every fault is reported through a Sink and ends the
// process; the error reported is marked with one of the memutils.Err values so that it can be
// classified with errors.Is.
package faultline
