package faultline

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/faultline/faultline/internal/utils"
	"github.com/vkngwrapper/faultline/memutils"
	"github.com/vkngwrapper/faultline/memutils/metadata"
	"github.com/vkngwrapper/faultline/memutils/pages"
	"golang.org/x/exp/slog"
)

// Allocator is a debugging allocator. Large requests get their own region behind an
// access-denied guard page, small requests are served from size-segregated bins with canaries,
// and released memory is access-denied so that use-after-free faults. Every misuse that can be
// detected is reported through the Sink and terminates the process.
//
// The allocator's own bookkeeping lives in pages obtained from the provider, and those pages
// are access-denied whenever no allocator call is in progress, so a stray write from user code
// cannot silently corrupt them.
type Allocator struct {
	mutex     utils.OptionalMutex
	logger    *slog.Logger
	provider  pages.Provider
	sink      Sink
	callbacks regionCallbacks

	createFlags    CreateFlags
	strategy       metadata.FitStrategy
	pageSize       uintptr
	bulkGrowthSize uintptr

	// catalog is nil until the first allocation
	catalog *metadata.Catalog
	bins    binDirectory
	// released holds user addresses that were released and not handed out since
	released *swiss.Map[uintptr, struct{}]

	// internal is set while the allocator is allocating or releasing its own bookkeeping
	internal    bool
	accessDepth int

	counters Counters
}

// PageSize returns the page size of the allocator's page provider
func (a *Allocator) PageSize() int {
	return int(a.pageSize)
}

// Allocate returns the address of size bytes of fresh memory. The address is aligned to at
// least Alignment, and to the page size for requests that do not fit in a bin. A size of 0
// is served as if it were 1 byte, so each call returns a distinct address.
func (a *Allocator) Allocate(size int) unsafe.Pointer {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if size < 0 {
		a.fatal(errors.Mark(errors.Newf("malloc(): invalid size %d", size), memutils.ErrInvalidSize))
	}

	a.ensureInitialized()

	a.enter()
	defer a.leave()

	address := a.allocate(uintptr(size))
	memutils.DebugValidate(a.validator())

	return unsafe.Pointer(address)
}

// AllocateBytes is Allocate, returning the memory as a byte slice of length size. The slice
// always has a capacity of at least 1 so that ReleaseBytes can recover its address.
func (a *Allocator) AllocateBytes(size int) []byte {
	ptr := a.Allocate(size)
	return unsafe.Slice((*byte)(ptr), max(size, 1))[:size]
}

// Release returns memory obtained from Allocate. Releasing nil is a no-op. Releasing anything
// else that is not a live allocation terminates the process.
func (a *Allocator) Release(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	address := uintptr(ptr)
	if a.catalog == nil {
		a.fatal(errors.Mark(errors.Newf("free(): 0x%x was never allocated", address), memutils.ErrInvalidFree))
	}

	a.enter()
	defer a.leave()

	switch {
	case memutils.IsAligned(address, a.pageSize):
		a.releaseLarge(address)
	case memutils.IsAligned(address, Alignment):
		a.releaseSmall(address)
	default:
		a.fatal(errors.Mark(errors.Newf("free(): 0x%x is not aligned to %d bytes", address, Alignment), memutils.ErrInvalidFree))
	}

	memutils.DebugValidate(a.validator())
}

// ReleaseBytes releases a slice obtained from AllocateBytes
func (a *Allocator) ReleaseBytes(data []byte) {
	if cap(data) == 0 {
		a.Release(nil)
		return
	}

	a.Release(unsafe.Pointer(&data[:1][0]))
}

// Validate performs internal consistency checks on the catalog and on every bin page. It
// returns the first problem found.
func (a *Allocator) Validate() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.catalog == nil {
		return nil
	}

	a.enter()
	defer a.leave()

	return a.validate()
}

func (a *Allocator) validate() error {
	err := a.catalog.Validate()
	if err != nil {
		return err
	}

	return a.validateBins()
}

type validatorFunc func() error

func (f validatorFunc) Validate() error { return f() }

func (a *Allocator) validator() memutils.Validatable {
	return validatorFunc(a.validate)
}

func (a *Allocator) allocate(size uintptr) uintptr {
	if !a.internal && a.createFlags&AllocatorCreateDisableBins == 0 {
		bin, ok := binForSize(size)
		if ok {
			return a.allocateSmall(bin, size)
		}
	}

	return a.allocateLarge(size)
}

// allocateInternal serves a request for the allocator's own bookkeeping. The region is
// recorded as SlotInternalUse, has no guard page and is fully accessible.
func (a *Allocator) allocateInternal(size uintptr) uintptr {
	prevInternal := a.internal
	a.internal = true
	defer func() { a.internal = prevInternal }()

	return a.allocateLarge(size)
}

func (a *Allocator) releaseInternal(address uintptr) {
	prevInternal := a.internal
	a.internal = true
	defer func() { a.internal = prevInternal }()

	a.releaseLarge(address)
}

// enter makes the bookkeeping pages accessible for the duration of an allocator call.
// Calls nest; only the outermost leave denies access again.
func (a *Allocator) enter() {
	if a.accessDepth == 0 {
		a.check(a.protectBookkeeping(true))
	}
	a.accessDepth++
}

func (a *Allocator) leave() {
	a.accessDepth--
	if a.accessDepth == 0 {
		a.check(a.protectBookkeeping(false))
	}
}

func (a *Allocator) protectBookkeeping(allow bool) error {
	if a.catalog == nil {
		return nil
	}

	protect := a.provider.Deny
	if allow {
		protect = a.provider.Allow
	}

	err := protect(a.catalog.StorageAddress(), a.catalog.StorageSize())
	if err != nil {
		return err
	}

	if a.bins.address != 0 {
		return protect(a.bins.address, a.pageSize)
	}

	return nil
}

func (a *Allocator) allow(address, size uintptr) {
	if size == 0 {
		return
	}
	a.check(a.provider.Allow(address, size))
}

func (a *Allocator) deny(address, size uintptr) {
	if size == 0 {
		return
	}
	a.check(a.provider.Deny(address, size))
}

func (a *Allocator) check(err error) {
	if err != nil {
		a.fatal(err)
	}
}

// fatal reports err to the sink, which is expected to terminate the process. If the sink
// returns, fatal panics with err.
func (a *Allocator) fatal(err error) {
	// leave the bookkeeping readable for whoever inspects the process next
	_ = a.protectBookkeeping(true)

	a.sink.ReportAndTerminate(err.Error())
	panic(err)
}

// ensureInitialized obtains the first region from the provider. Its first page becomes the
// catalog, the rest becomes the first free region.
func (a *Allocator) ensureInitialized() {
	if a.catalog != nil {
		return
	}

	size := a.bulkGrowthSize
	if size < 2*a.pageSize {
		size = 2 * a.pageSize
	}

	address := a.createRegion(size)

	slots := metadata.SlotsAt(address, a.pageSize)
	clear(slots)

	catalog := metadata.NewCatalog(slots)
	catalog.SetStorage(address, a.pageSize)
	catalog.Install(catalog.Slot(0), address, a.pageSize, metadata.SlotInternalUse)
	catalog.Install(catalog.Slot(1), address+a.pageSize, size-a.pageSize, metadata.SlotFree)
	a.catalog = catalog
	a.released = swiss.NewMap[uintptr, struct{}](64)

	a.deny(address, size)

	a.logger.Debug("Allocator::ensureInitialized",
		slog.String("catalog", hexAddress(address)),
		slog.Int("records", catalog.Len()),
	)
}

func (a *Allocator) createRegion(size uintptr) uintptr {
	address, err := a.provider.Create(size)
	if err != nil {
		a.fatal(errors.Mark(errors.Wrap(err, "malloc(): unable to obtain memory"), memutils.ErrExhausted))
	}

	a.counters.OSRegions++
	a.counters.OSBytes += int(size)
	a.callbacks.Create(address, size)

	return address
}

// releaseUntracked reports the release of an address that no live allocation accounts for.
// Only an address released earlier and not handed out since counts as a double free.
func (a *Allocator) releaseUntracked(address uintptr) {
	containing := a.catalog.FindContaining(address)
	if containing != nil {
		switch containing.State {
		case metadata.SlotInternalUse:
			a.fatal(errors.Mark(errors.Newf("free(): 0x%x belongs to the allocator", address), memutils.ErrProtectionViolation))
		case metadata.SlotFree, metadata.SlotProtectedFreed:
			if _, released := a.released.Get(address); released {
				a.fatal(errors.Mark(errors.Newf("free(): double free of 0x%x", address), memutils.ErrDoubleFree))
			}
		}
	}

	a.fatal(errors.Mark(errors.Newf("free(): 0x%x was not handed out by the allocator", address), memutils.ErrInvalidFree))
}
