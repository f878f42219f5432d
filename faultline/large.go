package faultline

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/faultline/memutils"
	"github.com/vkngwrapper/faultline/memutils/metadata"
	"golang.org/x/exp/slog"
)

// largeRegionSize returns the size of the region that serves a large request of userSize
// bytes: the user bytes rounded up to Alignment, plus the leading guard page and an optional
// trailing guard page, rounded up to whole pages. Internal requests have no guard page.
func (a *Allocator) largeRegionSize(userSize uintptr) uintptr {
	if a.internal {
		return memutils.AlignUp(userSize, a.pageSize)
	}

	if userSize == 0 {
		userSize = 1
	}

	size := memutils.AlignUp(userSize, Alignment) + a.pageSize
	if a.createFlags&AllocatorCreateTrailingGuardPage != 0 {
		size += a.pageSize
	}

	return memutils.AlignUp(size, a.pageSize)
}

// reserveSlots grows the catalog when it is running out of unused records. It must be called
// before any operation that may claim records, and never while serving an internal request.
func (a *Allocator) reserveSlots() {
	if a.internal || a.catalog.Unused() > minUnusedSlots {
		return
	}

	a.growCatalog()
}

func (a *Allocator) allocateLarge(userSize uintptr) uintptr {
	regionSize := a.largeRegionSize(userSize)
	a.reserveSlots()

	for {
		fit, empty := a.catalog.FindFit(regionSize, a.strategy)
		if fit != nil {
			return a.claim(fit, empty, regionSize, userSize)
		}

		a.growPool(regionSize, empty)
	}
}

// claim hands out the first regionSize bytes of fit. Any remainder becomes a new free region
// in the empty record.
func (a *Allocator) claim(fit, empty *metadata.Slot, regionSize, userSize uintptr) uintptr {
	if fit.InternalSize > regionSize {
		if empty == nil {
			a.fatal(errors.Mark(errors.New("malloc(): no empty catalog records to split a free region"), memutils.ErrExhausted))
		}

		a.catalog.Install(empty, fit.InternalAddress+regionSize, fit.InternalSize-regionSize, metadata.SlotFree)
		fit.InternalSize = regionSize
	}

	if a.internal {
		fit.State = metadata.SlotInternalUse
		fit.UserAddress = fit.InternalAddress
		fit.UserSize = regionSize

		a.allow(fit.InternalAddress, regionSize)
		return fit.UserAddress
	}

	fit.State = metadata.SlotAllocated
	fit.UserAddress = fit.InternalAddress + a.pageSize
	fit.UserSize = userSize
	a.released.Delete(fit.UserAddress)

	permitted := regionSize - a.pageSize
	if a.createFlags&AllocatorCreateTrailingGuardPage != 0 {
		permitted -= a.pageSize
	}
	a.allow(fit.UserAddress, permitted)

	return fit.UserAddress
}

// growPool obtains a new region of at least regionSize bytes from the provider and adds it
// to the catalog as a free region, merged with any free region it turns out to be adjacent to.
func (a *Allocator) growPool(regionSize uintptr, empty *metadata.Slot) {
	if empty == nil {
		a.fatal(errors.Mark(errors.New("malloc(): no empty catalog records for a new region"), memutils.ErrExhausted))
	}

	size := a.bulkGrowthSize
	if size < regionSize {
		size = regionSize
	}

	address := a.createRegion(size)
	a.deny(address, size)

	a.logger.Debug("Allocator::growPool",
		slog.String("address", hexAddress(address)),
		slog.Uint64("size", uint64(size)),
	)

	region := a.catalog.FindPrevByEndAddress(address)
	if region != nil && region.State == metadata.SlotFree {
		region.InternalSize += size
	} else {
		region = empty
		a.catalog.Install(region, address, size, metadata.SlotFree)
	}

	next := a.catalog.FindByStartAddress(region.InternalEnd())
	if next != nil && next.State == metadata.SlotFree {
		region.InternalSize += next.InternalSize
		a.catalog.Discard(next)
	}

	region.MarkFree()
}

// growCatalog moves the catalog into a new internal region one page larger than the current
// one and releases the old storage.
func (a *Allocator) growCatalog() {
	prevInternal := a.internal
	a.internal = true
	defer func() { a.internal = prevInternal }()

	oldAddress := a.catalog.StorageAddress()
	oldSize := a.catalog.StorageSize()
	newSize := oldSize + a.pageSize

	newAddress := a.allocateLarge(newSize)

	slots := metadata.SlotsAt(newAddress, newSize)
	copied := copy(slots, a.catalog.Slots())
	clear(slots[copied:])

	a.catalog.Rebase(slots)
	a.catalog.SetStorage(newAddress, newSize)
	a.releaseLarge(oldAddress)

	a.counters.CatalogGrowths++

	a.logger.Debug("Allocator::growCatalog",
		slog.String("address", hexAddress(newAddress)),
		slog.Int("records", a.catalog.Len()),
		slog.Int("unused", a.catalog.Unused()),
	)
}

func (a *Allocator) releaseLarge(address uintptr) {
	s := a.catalog.FindByUserAddress(address)
	if s == nil || s.State == metadata.SlotFree {
		a.releaseUntracked(address)
	}

	switch s.State {
	case metadata.SlotProtectedFreed:
		a.fatal(errors.Mark(errors.Newf("free(): double free of 0x%x", address), memutils.ErrDoubleFree))
	case metadata.SlotInternalUse, metadata.SlotAllocatedSmall:
		if !a.internal {
			a.fatal(errors.Mark(errors.Newf("free(): 0x%x belongs to the allocator", address), memutils.ErrProtectionViolation))
		}
	}

	a.deny(s.InternalAddress, s.InternalSize)
	if !a.internal {
		a.released.Put(address, struct{}{})
	}

	if !a.internal && a.createFlags&AllocatorCreateQuarantineFreed != 0 {
		s.State = metadata.SlotProtectedFreed
		return
	}

	prev := a.catalog.FindPrevByEndAddress(s.InternalAddress)
	if prev != nil && prev.State == metadata.SlotFree {
		prev.InternalSize += s.InternalSize
		a.catalog.Discard(s)
		s = prev
	}

	next := a.catalog.FindByStartAddress(s.InternalEnd())
	if next != nil && next.State == metadata.SlotFree {
		s.InternalSize += next.InternalSize
		a.catalog.Discard(next)
	}

	s.MarkFree()
}
