package faultline

import (
	"sync"
	"unsafe"
)

var (
	defaultOnce      sync.Once
	defaultAllocator *Allocator
)

// Default returns the process-wide allocator used by the package-level functions. It maps
// memory from the operating system, reports faults to stderr and is internally synchronized.
func Default() *Allocator {
	defaultOnce.Do(func() {
		defaultAllocator = New(nil, CreateOptions{})
	})

	return defaultAllocator
}

// Allocate allocates size bytes from the Default allocator
func Allocate(size int) unsafe.Pointer {
	return Default().Allocate(size)
}

// AllocateBytes allocates a byte slice of length size from the Default allocator
func AllocateBytes(size int) []byte {
	return Default().AllocateBytes(size)
}

// Release returns memory obtained from Allocate to the Default allocator
func Release(ptr unsafe.Pointer) {
	Default().Release(ptr)
}

// ReleaseBytes returns a slice obtained from AllocateBytes to the Default allocator
func ReleaseBytes(data []byte) {
	Default().ReleaseBytes(data)
}
