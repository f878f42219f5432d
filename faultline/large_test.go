package faultline_test

import (
	"os"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/faultline/faultline"
	"github.com/vkngwrapper/faultline/memutils"
	"github.com/vkngwrapper/faultline/memutils/metadata"
	"github.com/vkngwrapper/faultline/memutils/pages"
	"github.com/vkngwrapper/faultline/mocks"
	"go.uber.org/mock/gomock"
)

// regionOf returns the catalog record handing out address
func regionOf(t *testing.T, allocator *faultline.Allocator, address unsafe.Pointer) metadata.Slot {
	var found metadata.Slot
	err := allocator.VisitAllSlots(func(slot metadata.Slot) error {
		if slot.IsHandedOut() && slot.UserAddress == uintptr(address) {
			found = slot
		}
		return nil
	})
	require.NoError(t, err)
	require.True(t, found.IsLive(), "no region hands out %p", address)

	return found
}

func countState(t *testing.T, allocator *faultline.Allocator, state metadata.SlotState) int {
	count := 0
	err := allocator.VisitAllSlots(func(slot metadata.Slot) error {
		if slot.State == state {
			count++
		}
		return nil
	})
	require.NoError(t, err)

	return count
}

func TestGuardPageFaults(t *testing.T) {
	allocator, _ := readyAllocator(t, faultline.CreateOptions{})
	pageSize := allocator.PageSize()

	ptr := allocator.Allocate(2 * pageSize)
	region := regionOf(t, allocator, ptr)
	require.Equal(t, metadata.SlotAllocated, region.State)
	require.Equal(t, uintptr(ptr)-uintptr(pageSize), region.InternalAddress)
	require.Equal(t, uintptr(3*pageSize), region.InternalSize)
	require.Equal(t, uintptr(2*pageSize), region.UserSize)

	requireAccessible(t, func() {
		writeByte(ptr, 0, 1)
		writeByte(ptr, 2*pageSize-1, 1)
	})

	requireAccessFault(t, func() {
		writeByte(ptr, -1, 1)
	})
	requireAccessFault(t, func() {
		sinkByte = readByte(ptr, -pageSize)
	})
}

func TestTrailingGuardPageFaults(t *testing.T) {
	allocator, _ := readyAllocator(t, faultline.CreateOptions{
		Flags: faultline.AllocatorCreateTrailingGuardPage,
	})
	pageSize := allocator.PageSize()

	ptr := allocator.Allocate(pageSize)
	region := regionOf(t, allocator, ptr)
	require.Equal(t, uintptr(3*pageSize), region.InternalSize)

	requireAccessible(t, func() {
		writeByte(ptr, pageSize-1, 1)
	})
	requireAccessFault(t, func() {
		writeByte(ptr, pageSize, 1)
	})
	requireAccessFault(t, func() {
		writeByte(ptr, -1, 1)
	})
}

func TestReleasedRegionFaults(t *testing.T) {
	allocator, _ := readyAllocator(t, faultline.CreateOptions{})

	ptr := allocator.Allocate(5000)
	writeByte(ptr, 4999, 1)
	allocator.Release(ptr)

	requireAccessFault(t, func() {
		writeByte(ptr, 0, 1)
	})
	requireAccessFault(t, func() {
		sinkByte = readByte(ptr, 4999)
	})
}

func TestDoubleFreeLarge(t *testing.T) {
	allocator, sink := readyAllocator(t, faultline.CreateOptions{})

	ptr := allocator.Allocate(5000)
	allocator.Release(ptr)

	requireFault(t, sink, memutils.ErrDoubleFree, func() {
		allocator.Release(ptr)
	})
	require.Contains(t, sink.reports[0], "double free")
}

func TestBestFitChoosesTightestRegion(t *testing.T) {
	pageSize := os.Getpagesize()
	allocator, _ := readyAllocator(t, faultline.CreateOptions{
		Flags:          faultline.AllocatorCreateDisableBins,
		BulkGrowthSize: 128 * pageSize,
	})

	// each request of n-1 pages occupies n pages including its guard page
	four := allocator.Allocate(3 * pageSize)
	allocator.Allocate(1)
	eight := allocator.Allocate(7 * pageSize)
	allocator.Allocate(1)
	sixteen := allocator.Allocate(15 * pageSize)
	allocator.Allocate(1)

	allocator.Release(four)
	allocator.Release(eight)
	allocator.Release(sixteen)

	six := allocator.Allocate(5 * pageSize)
	require.Equal(t, eight, six)

	region := regionOf(t, allocator, six)
	require.Equal(t, uintptr(6*pageSize), region.InternalSize)

	// the remainder of the eight page region is now the tightest fit for two pages
	two := allocator.Allocate(pageSize)
	require.Equal(t, uintptr(six)+uintptr(6*pageSize), uintptr(two))
	require.NoError(t, allocator.Validate())
}

func TestLowestAddressStrategy(t *testing.T) {
	allocator, _ := readyAllocator(t, faultline.CreateOptions{
		Flags:    faultline.AllocatorCreateDisableBins,
		Strategy: metadata.FitStrategyLowestAddress,
	})
	pageSize := allocator.PageSize()

	first := allocator.Allocate(7 * pageSize)
	allocator.Allocate(1)
	second := allocator.Allocate(3 * pageSize)
	allocator.Allocate(1)

	allocator.Release(first)
	allocator.Release(second)

	// the lowest address wins even though the second region is a tighter fit
	require.Equal(t, first, allocator.Allocate(2*pageSize))
}

func mockedProvider(ctrl *gomock.Controller) (*mocks.MockProvider, *pages.MmapProvider) {
	mmap := pages.NewMmapProvider()

	provider := mocks.NewMockProvider(ctrl)
	provider.EXPECT().PageSize().Return(mmap.PageSize()).AnyTimes()
	provider.EXPECT().Allow(gomock.Any(), gomock.Any()).DoAndReturn(mmap.Allow).AnyTimes()
	provider.EXPECT().Deny(gomock.Any(), gomock.Any()).DoAndReturn(mmap.Deny).AnyTimes()

	return provider, mmap
}

func TestReleaseCoalescesNeighbors(t *testing.T) {
	ctrl := gomock.NewController(t)

	provider, mmap := mockedProvider(ctrl)
	pageSize := int(mmap.PageSize())
	provider.EXPECT().Create(uintptr(64 * pageSize)).DoAndReturn(mmap.Create).Times(1)

	allocator, _ := readyAllocator(t, faultline.CreateOptions{
		Flags:          faultline.AllocatorCreateDisableBins,
		BulkGrowthSize: 64 * pageSize,
		Provider:       provider,
	})

	a := allocator.Allocate(3 * pageSize)
	b := allocator.Allocate(3 * pageSize)
	c := allocator.Allocate(3 * pageSize)
	require.Equal(t, 1, countState(t, allocator, metadata.SlotFree))

	allocator.Release(b)
	require.Equal(t, 2, countState(t, allocator, metadata.SlotFree))
	allocator.Release(a)
	require.Equal(t, 2, countState(t, allocator, metadata.SlotFree))
	allocator.Release(c)
	require.Equal(t, 1, countState(t, allocator, metadata.SlotFree))

	// one region covering all three, without another page request
	combined := allocator.Allocate(11 * pageSize)
	require.Equal(t, a, combined)
	require.Equal(t, 1, allocator.Counters().OSRegions)
	require.NoError(t, allocator.Validate())
}

func TestGrowthCoalescesAdjacentRegions(t *testing.T) {
	allocator, _ := readyAllocator(t, faultline.CreateOptions{
		Flags: faultline.AllocatorCreateDisableBins,
	})
	pageSize := allocator.PageSize()
	bulk := faultline.DefaultBulkGrowthSize

	var ptrs []unsafe.Pointer
	for allocator.Counters().OSRegions < 3 {
		ptrs = append(ptrs, allocator.Allocate(pageSize))
	}

	for _, ptr := range ptrs {
		allocator.Release(ptr)
	}

	var stats faultline.Statistics
	allocator.CalculateStatistics(&stats)
	require.Equal(t, 3*bulk, stats.OSBytes)
	require.Equal(t, 0, stats.AllocationCount)

	// every byte obtained from the provider is either free or owned by the allocator
	accounted := 0
	err := allocator.VisitAllSlots(func(slot metadata.Slot) error {
		require.Contains(t, []metadata.SlotState{metadata.SlotFree, metadata.SlotInternalUse}, slot.State)
		accounted += int(slot.InternalSize)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, stats.OSBytes, accounted)
	require.Equal(t, stats.OSBytes, stats.RegionBytes)
}

func TestCatalogGrowth(t *testing.T) {
	allocator, _ := readyAllocator(t, faultline.CreateOptions{
		Flags: faultline.AllocatorCreateDisableBins,
	})

	count := allocator.PageSize()/int(metadata.SlotSize) + 16
	ptrs := make([]unsafe.Pointer, 0, count)
	for i := 0; i < count; i++ {
		ptr := allocator.Allocate(64)
		writeByte(ptr, 63, byte(i))
		ptrs = append(ptrs, ptr)
	}

	require.GreaterOrEqual(t, allocator.Counters().CatalogGrowths, 1)
	require.NoError(t, allocator.Validate())
	require.Equal(t, 1, countState(t, allocator, metadata.SlotInternalUse))

	for i, ptr := range ptrs {
		require.Equal(t, byte(i), readByte(ptr, 63))
		allocator.Release(ptr)
	}

	var stats faultline.Statistics
	allocator.CalculateStatistics(&stats)
	require.Equal(t, 0, stats.AllocationCount)
	require.Greater(t, stats.CatalogRecords, allocator.PageSize()/int(metadata.SlotSize))
}

func TestQuarantineLarge(t *testing.T) {
	allocator, sink := readyAllocator(t, faultline.CreateOptions{
		Flags: faultline.AllocatorCreateQuarantineFreed,
	})

	ptr := allocator.Allocate(5000)
	allocator.Release(ptr)
	require.Equal(t, 1, countState(t, allocator, metadata.SlotProtectedFreed))

	again := allocator.Allocate(5000)
	require.NotEqual(t, ptr, again)

	requireAccessFault(t, func() {
		writeByte(ptr, 0, 1)
	})

	requireFault(t, sink, memutils.ErrDoubleFree, func() {
		allocator.Release(ptr)
	})
}

func TestProviderFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	provider := mocks.NewMockProvider(ctrl)
	provider.EXPECT().PageSize().Return(uintptr(4096)).AnyTimes()
	provider.EXPECT().Create(gomock.Any()).Return(uintptr(0), errors.New("out of address space"))

	sink := mocks.NewMockSink(ctrl)
	sink.EXPECT().ReportAndTerminate(gomock.Any()).Do(func(message string) {
		require.Contains(t, message, "out of address space")
	})

	allocator := faultline.New(nil, faultline.CreateOptions{
		Provider: provider,
		Sink:     sink,
	})

	defer func() {
		err, ok := recover().(error)
		require.True(t, ok)
		require.True(t, errors.Is(err, memutils.ErrExhausted))
	}()
	allocator.Allocate(64)
}

func TestRegionCallbacks(t *testing.T) {
	var sizes []int
	allocator, _ := readyAllocator(t, faultline.CreateOptions{
		BulkGrowthSize: 64 * 4096,
		RegionCallbacks: &faultline.RegionCallbackOptions{
			Create: func(allocator *faultline.Allocator, address uintptr, size int, userData interface{}) {
				require.Equal(t, "data", userData)
				require.True(t, memutils.IsAligned(address, uintptr(allocator.PageSize())))
				sizes = append(sizes, size)
			},
			UserData: "data",
		},
	})
	pageSize := allocator.PageSize()
	bulk := memutils.AlignUp(64*4096, pageSize)

	allocator.Allocate(64)
	require.Equal(t, []int{bulk}, sizes)

	allocator.Allocate(bulk * 2)
	require.Len(t, sizes, 2)
	require.GreaterOrEqual(t, sizes[1], bulk*2+pageSize)
}
