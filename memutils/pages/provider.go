// Package pages obtains page-aligned memory from the operating system and toggles access
// permissions on page ranges.
//
// Addresses handed out by a Provider are never reused at the operating system level: every
// Create call advances a placement cursor and the memory is never unmapped. Reuse happens one
// level up, in the allocator's catalog.
package pages

// Provider is the operating system page source used by the allocator. Implementations are
// not required to be safe for concurrent use.
type Provider interface {
	// PageSize returns the size in bytes of a single page. It must be a power of two.
	PageSize() uintptr
	// Create maps size bytes of fresh, page-aligned memory and returns its address. size must be
	// a nonzero multiple of PageSize.
	Create(size uintptr) (uintptr, error)
	// Allow enables read and write access on the page range starting at address. address must
	// be page-aligned and size a nonzero multiple of PageSize.
	Allow(address, size uintptr) error
	// Deny removes all access to the page range starting at address, with the same alignment
	// requirements as Allow.
	Deny(address, size uintptr) error
}
