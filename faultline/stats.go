package faultline

import (
	"context"
	"fmt"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/faultline/memutils"
	"github.com/vkngwrapper/faultline/memutils/metadata"
	"golang.org/x/exp/slog"
)

func hexAddress(address uintptr) string {
	return fmt.Sprintf("0x%x", address)
}

// Counters tracks lifetime events of an allocator
type Counters struct {
	// OSRegions is the number of regions obtained from the page provider
	OSRegions int
	// OSBytes is the total size of the regions obtained from the page provider
	OSBytes int
	// CatalogGrowths is the number of times the catalog moved into a larger region
	CatalogGrowths int
	// BinPagesCarved is the number of pages carved into bin chunks
	BinPagesCarved int
	// BinPagesReturned is the number of bin pages given back once all their chunks were released
	BinPagesReturned int
}

// BinStatistics describes one bin with at least one page
type BinStatistics struct {
	Bin         int
	ChunkSize   int
	Pages       int
	ChunksInUse int
	ChunksFree  int
	// BytesInUse sums the requested sizes of the chunks in use
	BytesInUse int
}

// Statistics describes the current state of an allocator. Regions are catalog records,
// allocations are live large allocations and live bin chunks.
type Statistics struct {
	memutils.DetailedStatistics
	Counters

	CatalogRecords int
	UnusedRecords  int

	Bins []BinStatistics
}

// Counters returns the allocator's lifetime counters
func (a *Allocator) Counters() Counters {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.counters
}

// CalculateStatistics populates stats with the current state of the allocator
func (a *Allocator) CalculateStatistics(stats *Statistics) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.catalog != nil {
		a.enter()
		defer a.leave()
	}

	a.calculateStatistics(stats)
}

// calculateStatistics expects the lock to be held and the bookkeeping to be accessible
func (a *Allocator) calculateStatistics(stats *Statistics) {
	stats.DetailedStatistics.Clear()
	stats.Counters = a.counters
	stats.CatalogRecords = 0
	stats.UnusedRecords = 0
	stats.Bins = stats.Bins[:0]

	if a.catalog == nil {
		return
	}

	stats.CatalogRecords = a.catalog.Len()
	stats.UnusedRecords = a.catalog.Unused()

	var catalogStats memutils.DetailedStatistics
	catalogStats.Clear()
	a.catalog.AddDetailedStatistics(&catalogStats)
	stats.DetailedStatistics.AddDetailedStatistics(&catalogStats)

	for bin := 0; bin < binCount; bin++ {
		if a.bins.pageCounts[bin] == 0 {
			continue
		}
		stats.Bins = append(stats.Bins, BinStatistics{
			Bin:       bin,
			ChunkSize: int(binChunkSize(bin)),
		})
	}

	// bin chunks are unused ranges and allocations inside regions already counted above
	var chunkStats memutils.DetailedStatistics
	chunkStats.Clear()
	a.visitBinPages(func(page *binPage) {
		binStats := findBinStatistics(stats.Bins, page.bin)
		binStats.Pages++

		for i := 0; i < page.chunkCount; i++ {
			c := page.chunk(i)
			if !c.header().allocated {
				binStats.ChunksFree++
				chunkStats.AddUnusedRange(int(binChunkSize(page.bin)))
				continue
			}

			binStats.ChunksInUse++
			binStats.BytesInUse += int(c.userSize())
			chunkStats.AddAllocation(int(c.userSize()))
		}
	})
	stats.DetailedStatistics.AddDetailedStatistics(&chunkStats)
}

func findBinStatistics(bins []BinStatistics, bin int) *BinStatistics {
	for i := range bins {
		if bins[i].Bin == bin {
			return &bins[i]
		}
	}

	panic(fmt.Sprintf("no statistics entry for bin %d", bin))
}

// visitBinPages calls visit for every bin page in address order
func (a *Allocator) visitBinPages(visit func(page *binPage)) {
	if a.bins.pages == nil {
		return
	}

	_ = a.catalog.VisitAllSlots(func(slot metadata.Slot) error {
		if slot.State != metadata.SlotAllocatedSmall {
			return nil
		}

		page, ok := a.bins.pages.Get(slot.InternalAddress)
		if ok {
			visit(page)
		}
		return nil
	})
}

// VisitAllSlots calls the provided callback once for each region in the catalog, in address
// order. The records passed to the callback are copies.
func (a *Allocator) VisitAllSlots(visit func(slot metadata.Slot) error) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.catalog == nil {
		return nil
	}

	a.enter()
	defer a.leave()

	return a.catalog.VisitAllSlots(visit)
}

// CheckCorruption verifies the canaries and poison of every bin chunk and returns the first
// problem found. Unlike a release, it does not terminate the process.
func (a *Allocator) CheckCorruption() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.catalog == nil {
		return nil
	}

	a.enter()
	defer a.leave()

	return a.validateBins()
}

// LogUnreleased logs every allocation that is still live, followed by a summary record, and
// returns how many were found
func (a *Allocator) LogUnreleased() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.catalog == nil {
		return 0
	}

	a.enter()
	defer a.leave()

	_ = a.catalog.VisitAllSlots(func(slot metadata.Slot) error {
		if slot.State != metadata.SlotAllocated {
			return nil
		}

		a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
			slog.String("address", hexAddress(slot.UserAddress)),
			slog.Int("size", int(slot.UserSize)),
			slog.String("kind", "large"),
		)
		return nil
	})

	var summary memutils.Statistics
	a.catalog.AddStatistics(&summary)

	a.visitBinPages(func(page *binPage) {
		for i := 0; i < page.chunkCount; i++ {
			c := page.chunk(i)
			if !c.header().allocated {
				continue
			}

			summary.AllocationCount++
			summary.AllocationBytes += int(c.userSize())
			a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
				slog.String("address", hexAddress(c.payload())),
				slog.Int("size", int(c.userSize())),
				slog.String("kind", "bin"),
				slog.Int("bin", page.bin),
			)
		}
	})

	if summary.AllocationCount > 0 {
		a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] summary",
			slog.Int("allocations", summary.AllocationCount),
			slog.Int("bytes", summary.AllocationBytes),
			slog.Int("regions", summary.RegionCount),
			slog.Int("regionBytes", summary.RegionBytes),
		)
	}

	return summary.AllocationCount
}

// BuildStatsString returns a json string describing the allocator. When detailedMap is true,
// every region in the catalog is listed.
func (a *Allocator) BuildStatsString(detailedMap bool) string {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.catalog != nil {
		a.enter()
		defer a.leave()
	}

	var stats Statistics
	a.calculateStatistics(&stats)

	writer := jwriter.NewWriter()
	rootObj := writer.Object()

	totalObj := rootObj.Name("Total").Object()
	totalObj.Name("RegionCount").Int(stats.RegionCount)
	totalObj.Name("RegionBytes").Int(stats.RegionBytes)
	totalObj.Name("AllocationCount").Int(stats.AllocationCount)
	totalObj.Name("AllocationBytes").Int(stats.AllocationBytes)
	totalObj.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)
	if stats.AllocationCount > 0 {
		totalObj.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		totalObj.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}
	if stats.UnusedRangeCount > 0 {
		totalObj.Name("UnusedRangeSizeMin").Int(stats.UnusedRangeSizeMin)
		totalObj.Name("UnusedRangeSizeMax").Int(stats.UnusedRangeSizeMax)
	}
	totalObj.End()

	countersObj := rootObj.Name("Counters").Object()
	countersObj.Name("OSRegions").Int(stats.OSRegions)
	countersObj.Name("OSBytes").Int(stats.OSBytes)
	countersObj.Name("CatalogGrowths").Int(stats.CatalogGrowths)
	countersObj.Name("BinPagesCarved").Int(stats.BinPagesCarved)
	countersObj.Name("BinPagesReturned").Int(stats.BinPagesReturned)
	countersObj.End()

	generalObj := rootObj.Name("General").Object()
	generalObj.Name("PageSize").Int(int(a.pageSize))
	generalObj.Name("BulkGrowthSize").Int(int(a.bulkGrowthSize))
	generalObj.Name("Flags").String(a.createFlags.String())
	generalObj.Name("Strategy").String(a.strategy.String())
	generalObj.End()

	if a.catalog != nil {
		catalogObj := rootObj.Name("Catalog").Object()
		a.catalog.WriteJSON(catalogObj, detailedMap)
		catalogObj.End()
	}

	binsArray := rootObj.Name("Bins").Array()
	for _, bin := range stats.Bins {
		binObj := binsArray.Object()
		binObj.Name("Bin").Int(bin.Bin)
		binObj.Name("ChunkSize").Int(bin.ChunkSize)
		binObj.Name("Pages").Int(bin.Pages)
		binObj.Name("ChunksInUse").Int(bin.ChunksInUse)
		binObj.Name("ChunksFree").Int(bin.ChunksFree)
		binObj.Name("BytesInUse").Int(bin.BytesInUse)
		binObj.End()
	}
	binsArray.End()

	rootObj.End()

	return string(writer.Bytes())
}
