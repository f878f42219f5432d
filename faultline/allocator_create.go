package faultline

import (
	"io"

	"github.com/vkngwrapper/faultline/faultline/internal/utils"
	"github.com/vkngwrapper/faultline/memutils"
	"github.com/vkngwrapper/faultline/memutils/metadata"
	"github.com/vkngwrapper/faultline/memutils/pages"
	"golang.org/x/exp/slog"
)

const (
	// Alignment is the alignment of every address handed out by the allocator
	Alignment uintptr = 16

	// DefaultBulkGrowthSize is the value that is used as the BulkGrowthSize when none is provided
	// via CreateOptions. It is equal to 1Mb.
	DefaultBulkGrowthSize int = 1024 * 1024

	// minUnusedSlots is the number of unused catalog records below which the catalog grows before
	// a large allocation is served
	minUnusedSlots = 8
)

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags

	// BulkGrowthSize is the minimum number of bytes requested from the page provider whenever the
	// allocator runs out of free regions. It is rounded up to the page size.
	BulkGrowthSize int

	// Strategy selects which free region serves a large allocation. The default is
	// metadata.FitStrategyBestFit.
	Strategy metadata.FitStrategy

	// Provider is the source of pages and access control. When it is nil, memory is mapped
	// from the operating system.
	Provider pages.Provider

	// Sink receives fault reports and terminates the process. When it is nil, faults are
	// written to stderr and the process exits with TerminateExitCode.
	Sink Sink

	// RegionCallbacks is an optional set of callbacks that are executed whenever the allocator
	// obtains memory from its page provider.
	RegionCallbacks *RegionCallbackOptions
}

// New creates a new Allocator. No memory is obtained until the first allocation.
//
// logger - The logger that receives growth and lifecycle messages. It may be nil.
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, options CreateOptions) *Allocator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard))
	}

	provider := options.Provider
	if provider == nil {
		provider = pages.NewMmapProvider()
	}

	sink := options.Sink
	if sink == nil {
		sink = NewStderrSink()
	}

	pageSize := provider.PageSize()
	memutils.DebugCheckPow2(pageSize, "page size")

	bulkGrowthSize := options.BulkGrowthSize
	if bulkGrowthSize <= 0 {
		bulkGrowthSize = DefaultBulkGrowthSize
	}

	allocator := &Allocator{
		mutex: utils.OptionalMutex{
			UseMutex: options.Flags&AllocatorCreateExternallySynchronized == 0,
		},
		logger:   logger,
		provider: provider,
		sink:     sink,

		createFlags:    options.Flags,
		strategy:       options.Strategy,
		pageSize:       pageSize,
		bulkGrowthSize: memutils.AlignUp(uintptr(bulkGrowthSize), pageSize),
	}
	if pageSize < 2*MaxBinChunkSize {
		// a bin page must hold at least two of the largest chunks
		allocator.createFlags |= AllocatorCreateDisableBins
	}
	allocator.callbacks = regionCallbacks{
		Callbacks: options.RegionCallbacks,
		Allocator: allocator,
	}

	logger.Debug("Allocator::New",
		slog.String("flags", options.Flags.String()),
		slog.String("strategy", options.Strategy.String()),
		slog.Uint64("pageSize", uint64(pageSize)),
		slog.Uint64("bulkGrowthSize", uint64(allocator.bulkGrowthSize)),
	)

	return allocator
}
