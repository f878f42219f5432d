package memutils

import "github.com/cockroachdb/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// The fault taxonomy. Every fault reported by the allocator is marked with exactly one of these,
// so errors.Is can be used to classify a reported fault.
var (
	// ErrDoubleFree marks the release of an address that is already free
	ErrDoubleFree = errors.New("double free")
	// ErrInvalidFree marks the release of an address that the allocator never handed out, or that
	// fits neither the large-object nor the bin alignment rules
	ErrInvalidFree = errors.New("invalid free")
	// ErrProtectionViolation marks the release of a region owned by the allocator itself
	ErrProtectionViolation = errors.New("protection violation")
	// ErrCorruption marks a canary or poison mismatch: an out-of-bounds or use-after-free write
	// has already happened
	ErrCorruption = errors.New("segmentation fault")
	// ErrExhausted marks a bookkeeping or operating system resource that ran out
	ErrExhausted = errors.New("resource exhausted")
	// ErrPrecondition marks a broken internal invariant, such as a misaligned page range
	ErrPrecondition = errors.New("precondition violation")
	// ErrInvalidSize marks an allocation request with a negative size
	ErrInvalidSize = errors.New("invalid allocation size")
)
