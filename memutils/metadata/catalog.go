package metadata

import (
	"fmt"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/faultline/memutils"
	"golang.org/x/exp/slices"
)

// Catalog is the directory of every region under management. It is a flat array of Slot
// records, scanned linearly by every lookup. The records usually live in memory obtained from
// the operating system, in which case the catalog also tracks its own storage through one
// SlotInternalUse record (see SetStorage).
//
// The catalog does not manage access permissions: callers must make sure the memory backing
// the records is readable and writable before calling any method.
type Catalog struct {
	slots  []Slot
	unused int

	storageAddress uintptr
	storageSize    uintptr
}

// SlotsAt interprets size bytes at address as an array of catalog records
func SlotsAt(address, size uintptr) []Slot {
	return unsafe.Slice((*Slot)(unsafe.Pointer(address)), int(size/SlotSize))
}

// NewCatalog creates a catalog over the provided records. Records that are not
// SlotUninitialized are kept as they are.
func NewCatalog(slots []Slot) *Catalog {
	c := &Catalog{}
	c.Rebase(slots)
	return c
}

// Rebase moves the catalog onto a new array of records, which must already contain a copy of
// every live record.
func (c *Catalog) Rebase(slots []Slot) {
	c.slots = slots
	c.unused = 0
	for i := range c.slots {
		if !c.slots[i].IsLive() {
			c.unused++
		}
	}
}

// SetStorage informs the catalog of the memory its own records live in. Validate will then
// require exactly one SlotInternalUse record covering that memory.
func (c *Catalog) SetStorage(address, size uintptr) {
	c.storageAddress = address
	c.storageSize = size
}

// StorageAddress returns the address passed to SetStorage
func (c *Catalog) StorageAddress() uintptr { return c.storageAddress }

// StorageSize returns the size passed to SetStorage
func (c *Catalog) StorageSize() uintptr { return c.storageSize }

// Len returns the number of records, used or not
func (c *Catalog) Len() int { return len(c.slots) }

// Unused returns the number of SlotUninitialized records
func (c *Catalog) Unused() int { return c.unused }

// Slot returns the record at index
func (c *Catalog) Slot(index int) *Slot { return &c.slots[index] }

// Slots returns the underlying records
func (c *Catalog) Slots() []Slot { return c.slots }

// Install claims an unused record for the region at address, in the given state. The user
// range is set to the full internal range.
func (c *Catalog) Install(slot *Slot, address, size uintptr, state SlotState) {
	if slot.IsLive() {
		panic(fmt.Sprintf("attempted to install a region into a live record at 0x%x", slot.InternalAddress))
	}

	slot.InternalAddress = address
	slot.UserAddress = address
	slot.InternalSize = size
	slot.UserSize = size
	slot.State = state
	c.unused--
}

// Discard returns a live record to SlotUninitialized
func (c *Catalog) Discard(slot *Slot) {
	if !slot.IsLive() {
		panic("attempted to discard a record that is already uninitialized")
	}

	slot.Reset()
	c.unused++
}

// FindFit scans every record and returns the free record that satisfies size according to
// strategy, along with the first unused record encountered. Either may be nil.
func (c *Catalog) FindFit(size uintptr, strategy FitStrategy) (fit *Slot, empty *Slot) {
	for i := range c.slots {
		s := &c.slots[i]

		switch s.State {
		case SlotFree:
			if s.InternalSize < size {
				continue
			}

			switch strategy {
			case FitStrategyFirstFit:
				if fit == nil {
					fit = s
				}
			case FitStrategyLowestAddress:
				if fit == nil || s.InternalAddress < fit.InternalAddress {
					fit = s
				}
			default:
				if fit == nil || s.InternalSize < fit.InternalSize {
					fit = s
				}
			}
		case SlotUninitialized:
			if empty == nil {
				empty = s
			}
		}

		if fit != nil && empty != nil {
			if strategy == FitStrategyFirstFit {
				break
			}
			if strategy == FitStrategyBestFit && fit.InternalSize == size {
				break
			}
		}
	}

	return fit, empty
}

// FindByUserAddress returns the live record handed out at address, if any
func (c *Catalog) FindByUserAddress(address uintptr) *Slot {
	for i := range c.slots {
		if c.slots[i].IsLive() && c.slots[i].UserAddress == address {
			return &c.slots[i]
		}
	}

	return nil
}

// FindPrevByEndAddress returns the live record whose region ends exactly at address, if any
func (c *Catalog) FindPrevByEndAddress(address uintptr) *Slot {
	for i := range c.slots {
		if c.slots[i].IsLive() && c.slots[i].InternalEnd() == address {
			return &c.slots[i]
		}
	}

	return nil
}

// FindByStartAddress returns the live record whose region starts exactly at address, if any
func (c *Catalog) FindByStartAddress(address uintptr) *Slot {
	for i := range c.slots {
		if c.slots[i].IsLive() && c.slots[i].InternalAddress == address {
			return &c.slots[i]
		}
	}

	return nil
}

// FindContaining returns the live record whose internal range contains address, if any
func (c *Catalog) FindContaining(address uintptr) *Slot {
	for i := range c.slots {
		s := &c.slots[i]
		if s.IsLive() && address >= s.InternalAddress && address < s.InternalEnd() {
			return s
		}
	}

	return nil
}

// VisitAllSlots calls the provided callback once for each live record, in address order
func (c *Catalog) VisitAllSlots(visit func(slot Slot) error) error {
	for _, s := range c.liveSorted() {
		err := visit(s)
		if err != nil {
			return err
		}
	}

	return nil
}

func (c *Catalog) liveSorted() []Slot {
	live := make([]Slot, 0, len(c.slots)-c.unused)
	for i := range c.slots {
		if c.slots[i].IsLive() {
			live = append(live, c.slots[i])
		}
	}

	slices.SortFunc(live, func(a, b Slot) bool {
		return a.InternalAddress < b.InternalAddress
	})

	return live
}

// Validate performs internal consistency checks on the catalog: records must not overlap,
// handed out user addresses must lie inside their region, the unused count must match, and
// the catalog's own storage must be described by exactly one SlotInternalUse record.
func (c *Catalog) Validate() error {
	unused := 0
	storageRecords := 0

	for i := range c.slots {
		s := &c.slots[i]
		if !s.IsLive() {
			unused++
			continue
		}

		if _, known := slotStateMapping[s.State]; !known {
			return errors.Errorf("record %d has an unknown state %d", i, uintptr(s.State))
		}

		if s.InternalSize == 0 {
			return errors.Errorf("record %d at 0x%x is live but has no size", i, s.InternalAddress)
		}

		if s.IsHandedOut() && (s.UserAddress < s.InternalAddress || s.UserAddress >= s.InternalEnd()) {
			return errors.Errorf("record %d hands out 0x%x, which is outside of its region 0x%x-0x%x", i, s.UserAddress, s.InternalAddress, s.InternalEnd())
		}

		if c.storageAddress != 0 && s.InternalAddress == c.storageAddress {
			if s.State != SlotInternalUse {
				return errors.Errorf("the record describing the catalog storage at 0x%x is %s", s.InternalAddress, s.State)
			}
			if s.InternalSize < c.storageSize {
				return errors.Errorf("the record describing the catalog storage is %d bytes, but the catalog occupies %d", s.InternalSize, c.storageSize)
			}
			storageRecords++
		}
	}

	if unused != c.unused {
		return errors.Errorf("the catalog counts %d unused records, but %d were found", c.unused, unused)
	}

	if c.storageAddress != 0 && storageRecords != 1 {
		return errors.Errorf("expected exactly one record for the catalog storage at 0x%x, found %d", c.storageAddress, storageRecords)
	}

	live := c.liveSorted()
	for i := 1; i < len(live); i++ {
		prev, next := live[i-1], live[i]
		if prev.InternalEnd() > next.InternalAddress {
			return errors.Errorf("region 0x%x-0x%x (%s) overlaps region 0x%x-0x%x (%s)",
				prev.InternalAddress, prev.InternalEnd(), prev.State,
				next.InternalAddress, next.InternalEnd(), next.State)
		}
	}

	return nil
}

// AddDetailedStatistics sums the catalog's regions into stats. Allocations are counted by
// their requested user size. Bin pages and allocator-owned regions are counted as regions
// only; the bin allocator reports its chunks separately.
func (c *Catalog) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	for i := range c.slots {
		s := &c.slots[i]
		switch s.State {
		case SlotUninitialized:
			continue
		case SlotFree:
			stats.AddUnusedRange(int(s.InternalSize))
		case SlotAllocated:
			stats.AddAllocation(int(s.UserSize))
		}
		stats.AddRegion(int(s.InternalSize))
	}
}

// AddStatistics sums the catalog's regions into stats
func (c *Catalog) AddStatistics(stats *memutils.Statistics) {
	for i := range c.slots {
		s := &c.slots[i]
		if !s.IsLive() {
			continue
		}
		stats.AddRegion(int(s.InternalSize))
		if s.State == SlotAllocated {
			stats.AllocationCount++
			stats.AllocationBytes += int(s.UserSize)
		}
	}
}

// WriteJSON populates a json object with information about the catalog. When detailedMap is
// true, every live record is listed in address order.
func (c *Catalog) WriteJSON(json jwriter.ObjectState, detailedMap bool) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	c.AddDetailedStatistics(&stats)

	json.Name("Records").Int(len(c.slots))
	json.Name("UnusedRecords").Int(c.unused)
	json.Name("TotalBytes").Int(stats.RegionBytes)
	json.Name("UnusedBytes").Int(stats.FreeBytes())
	json.Name("Allocations").Int(stats.AllocationCount)
	json.Name("UnusedRanges").Int(stats.UnusedRangeCount)

	if !detailedMap {
		return
	}

	arrayState := json.Name("Regions").Array()
	defer arrayState.End()

	for _, s := range c.liveSorted() {
		obj := arrayState.Object()
		obj.Name("Address").String(fmt.Sprintf("0x%x", s.InternalAddress))
		obj.Name("Size").Int(int(s.InternalSize))
		obj.Name("State").String(s.State.String())
		if s.IsHandedOut() {
			obj.Name("UserAddress").String(fmt.Sprintf("0x%x", s.UserAddress))
			obj.Name("UserSize").Int(int(s.UserSize))
		}
		obj.End()
	}
}
