package metadata

import (
	"fmt"
	"unsafe"
)

// SlotState indicates the status of the memory region described by a Slot
type SlotState uintptr

const (
	// SlotUninitialized marks a record that describes nothing and can be claimed
	SlotUninitialized SlotState = iota
	// SlotFree marks a region that is access-denied and can be handed out
	SlotFree
	// SlotAllocated marks a large allocation: a guard page followed by the user region
	SlotAllocated
	// SlotAllocatedSmall marks a page that has been carved into bin chunks
	SlotAllocatedSmall
	// SlotProtectedFreed marks a released region that must never be handed out again
	SlotProtectedFreed
	// SlotInternalUse marks a region owned by the allocator itself, such as the catalog
	SlotInternalUse
)

var slotStateMapping = map[SlotState]string{
	SlotUninitialized:  "Uninitialized",
	SlotFree:           "Free",
	SlotAllocated:      "Allocated",
	SlotAllocatedSmall: "AllocatedSmall",
	SlotProtectedFreed: "ProtectedFreed",
	SlotInternalUse:    "InternalUse",
}

func (s SlotState) String() string {
	str, ok := slotStateMapping[s]
	if !ok {
		return fmt.Sprintf("SlotState(%d)", uintptr(s))
	}
	return str
}

// Slot is a fixed-size record describing one contiguous region of memory obtained from the
// operating system. Slots hold no Go pointers so that they can live in memory the Go runtime
// does not manage.
type Slot struct {
	// InternalAddress is the start of the full region, including any guard page
	InternalAddress uintptr
	// UserAddress is the start of the region handed to the caller
	UserAddress uintptr
	// InternalSize is the size of the full region
	InternalSize uintptr
	// UserSize is the size originally requested by the caller
	UserSize uintptr
	State    SlotState
}

// SlotSize is the size in bytes of a single catalog record
const SlotSize = unsafe.Sizeof(Slot{})

// InternalEnd returns the first address past the region
func (s *Slot) InternalEnd() uintptr {
	return s.InternalAddress + s.InternalSize
}

// IsLive returns true if the record describes a region
func (s *Slot) IsLive() bool {
	return s.State != SlotUninitialized
}

// IsHandedOut returns true if the region belongs to a caller or to the allocator
func (s *Slot) IsHandedOut() bool {
	return s.State == SlotAllocated || s.State == SlotAllocatedSmall || s.State == SlotInternalUse
}

// Reset returns the record to SlotUninitialized
func (s *Slot) Reset() {
	*s = Slot{}
}

// MarkFree turns the record into a free region spanning its full internal range
func (s *Slot) MarkFree() {
	s.UserAddress = s.InternalAddress
	s.UserSize = s.InternalSize
	s.State = SlotFree
}
