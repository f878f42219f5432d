package faultline_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/faultline/faultline"
	"golang.org/x/exp/slog"
)

func TestCalculateStatistics(t *testing.T) {
	allocator, _ := readyAllocator(t, faultline.CreateOptions{})

	var stats faultline.Statistics
	allocator.CalculateStatistics(&stats)
	require.Equal(t, 0, stats.RegionCount)
	require.Equal(t, 0, stats.OSRegions)

	large := allocator.Allocate(5000)
	allocator.Allocate(6000)
	small := allocator.Allocate(24)
	allocator.Allocate(100)

	allocator.CalculateStatistics(&stats)
	require.Equal(t, 4, stats.AllocationCount)
	require.Equal(t, 5000+6000+24+100, stats.AllocationBytes)
	require.Equal(t, 24, stats.AllocationSizeMin)
	require.Equal(t, 6000, stats.AllocationSizeMax)
	require.Equal(t, 1, stats.OSRegions)
	require.Equal(t, 2, stats.BinPagesCarved)

	require.Equal(t, []faultline.BinStatistics{
		{Bin: 3, ChunkSize: 64, Pages: 1, ChunksInUse: 1, ChunksFree: allocator.PageSize()/64 - 1, BytesInUse: 24},
		{Bin: 8, ChunkSize: 144, Pages: 1, ChunksInUse: 1, ChunksFree: allocator.PageSize()/144 - 1, BytesInUse: 100},
	}, stats.Bins)

	allocator.Release(large)
	allocator.Release(small)

	allocator.CalculateStatistics(&stats)
	require.Equal(t, 2, stats.AllocationCount)
	require.Equal(t, 6100, stats.AllocationBytes)
	require.Equal(t, 0, stats.Bins[0].ChunksInUse)
}

func TestBuildStatsString(t *testing.T) {
	allocator, _ := readyAllocator(t, faultline.CreateOptions{
		Flags: faultline.AllocatorCreateTrailingGuardPage,
	})

	allocator.Allocate(5000)
	allocator.Allocate(24)

	var stats struct {
		Total struct {
			RegionCount     int
			AllocationCount int
			AllocationBytes int
		}
		Counters struct {
			OSRegions      int
			BinPagesCarved int
		}
		General struct {
			PageSize int
			Flags    string
			Strategy string
		}
		Catalog struct {
			Records int
			Regions []struct {
				Address     string
				State       string
				UserAddress string
				UserSize    int
			}
		}
		Bins []struct {
			Bin         int
			ChunksInUse int
		}
	}

	str := allocator.BuildStatsString(true)
	require.NoError(t, json.Unmarshal([]byte(str), &stats))

	require.Equal(t, 2, stats.Total.AllocationCount)
	require.Equal(t, 5024, stats.Total.AllocationBytes)
	require.Equal(t, stats.Total.RegionCount, len(stats.Catalog.Regions))
	require.Equal(t, 1, stats.Counters.OSRegions)
	require.Equal(t, 1, stats.Counters.BinPagesCarved)
	require.Equal(t, allocator.PageSize(), stats.General.PageSize)
	require.Equal(t, "AllocatorCreateTrailingGuardPage", stats.General.Flags)
	require.Equal(t, "BestFit", stats.General.Strategy)
	require.Len(t, stats.Bins, 1)
	require.Equal(t, 3, stats.Bins[0].Bin)

	states := map[string]int{}
	for _, region := range stats.Catalog.Regions {
		require.True(t, strings.HasPrefix(region.Address, "0x"))
		states[region.State]++
		if region.State == "Allocated" {
			require.Equal(t, 5000, region.UserSize)
		}
	}
	require.Equal(t, map[string]int{
		"InternalUse":    2,
		"Allocated":      1,
		"AllocatedSmall": 1,
		"Free":           1,
	}, states)

	str = allocator.BuildStatsString(false)
	require.NotContains(t, str, `"Regions"`)
}

func TestLogUnreleased(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf))
	allocator := faultline.New(logger, faultline.CreateOptions{Sink: &recordingSink{}})

	require.Equal(t, 0, allocator.LogUnreleased())

	large := allocator.Allocate(5000)
	allocator.Allocate(24)
	allocator.Allocate(5000)
	allocator.Release(large)

	require.Equal(t, 2, allocator.LogUnreleased())
	require.Equal(t, 2, strings.Count(buf.String(), "[UNRELEASED MEMORY] unfreed allocation"))
	require.Equal(t, 1, strings.Count(buf.String(), "[UNRELEASED MEMORY] summary"))
	require.Contains(t, buf.String(), `"allocations":2`)
	require.Contains(t, buf.String(), `"bytes":5024`)
	require.Contains(t, buf.String(), `"kind":"bin"`)
	require.Contains(t, buf.String(), `"kind":"large"`)
	require.Contains(t, buf.String(), `"size":24`)
}
