package faultline

import (
	"unsafe"

	"github.com/vkngwrapper/faultline/memutils"
)

// A bin chunk is laid out as
//
//	[0, 16)   header: one word holding the next free chunk with the allocated flag in bit 0,
//	          one word holding the size requested by the user
//	[16, 32)  canary block: every byte holds the bin index
//	[32, end) payload: handed to the user
//
// Chunks are 16-byte aligned, so the low bits of the next pointer are always zero and bit 0
// is free to carry the allocated flag. Bytes of the payload past the requested size keep the
// poison pattern written at release and serve as the tail canary.
const (
	chunkHeaderSize = Alignment
	chunkCanarySize = Alignment
	chunkOverhead   = chunkHeaderSize + chunkCanarySize

	chunkAllocatedFlag uintptr = 1
	chunkAddressMask           = ^(Alignment - 1)

	wordSize = unsafe.Sizeof(uintptr(0))
)

type chunkHeader struct {
	next      uintptr
	allocated bool
}

func decodeChunkHeader(word uintptr) chunkHeader {
	return chunkHeader{
		next:      word & chunkAddressMask,
		allocated: word&chunkAllocatedFlag != 0,
	}
}

func (h chunkHeader) encode() uintptr {
	if !memutils.IsAligned(h.next, Alignment) {
		panic("bin chunk link is not aligned")
	}

	word := h.next
	if h.allocated {
		word |= chunkAllocatedFlag
	}
	return word
}

// chunk is the address of a bin chunk's header
type chunk uintptr

func chunkFromPayload(address uintptr) chunk {
	return chunk(address - chunkOverhead)
}

func (c chunk) pointer() unsafe.Pointer {
	return unsafe.Pointer(uintptr(c))
}

func (c chunk) word() uintptr {
	return *(*uintptr)(c.pointer())
}

func (c chunk) header() chunkHeader {
	return decodeChunkHeader(c.word())
}

func (c chunk) setHeader(h chunkHeader) {
	*(*uintptr)(c.pointer()) = h.encode()
}

func (c chunk) userSize() uintptr {
	return *(*uintptr)(unsafe.Add(c.pointer(), wordSize))
}

func (c chunk) setUserSize(size uintptr) {
	*(*uintptr)(unsafe.Add(c.pointer(), wordSize)) = size
}

func (c chunk) payload() uintptr {
	return uintptr(c) + chunkOverhead
}

// canaryIntact returns true if every byte of the canary block holds the bin index
func (c chunk) canaryIntact(bin int) bool {
	return memutils.CheckPattern(c.pointer(), int(chunkHeaderSize), int(chunkCanarySize), byte(bin)) < 0
}

// poisonIntact checks the payload bytes in [from, capacity) against the poison pattern
func (c chunk) poisonIntact(bin int, from, capacity uintptr) bool {
	if from >= capacity {
		return true
	}
	return memutils.CheckPattern(c.pointer(), int(chunkOverhead+from), int(capacity-from), byte(bin)) < 0
}

func (c chunk) poison(bin int, capacity uintptr) {
	memutils.FillPattern(c.pointer(), int(chunkOverhead), int(capacity), byte(bin))
}
