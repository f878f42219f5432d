package faultline

import "github.com/vkngwrapper/core/v2/common"

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

var allocatorCreateFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	allocatorCreateFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return allocatorCreateFlagsMapping.FlagsToString(f)
}

const (
	// AllocatorCreateExternallySynchronized ensures that the allocator will not be synchronized
	// internally. The consumer must guarantee it is used from only one goroutine at a time or is
	// synchronized by some other mechanism.
	AllocatorCreateExternallySynchronized CreateFlags = 1 << iota
	// AllocatorCreateQuarantineFreed keeps released large regions as ProtectedFreed forever instead
	// of returning them to the free pool, and keeps released bin chunks off their free list. Every
	// later access to released memory faults, at the cost of never reusing it.
	AllocatorCreateQuarantineFreed
	// AllocatorCreateTrailingGuardPage places an extra access-denied page after every large
	// allocation, so that overruns past the last page of the user region fault immediately.
	AllocatorCreateTrailingGuardPage
	// AllocatorCreateDisableBins routes every request through the large-object path, giving each
	// allocation its own guard page.
	AllocatorCreateDisableBins
	// AllocatorCreateRetainBinPages keeps bin pages whose chunks have all been released instead of
	// returning them to the catalog.
	AllocatorCreateRetainBinPages
)

func init() {
	AllocatorCreateExternallySynchronized.Register("AllocatorCreateExternallySynchronized")
	AllocatorCreateQuarantineFreed.Register("AllocatorCreateQuarantineFreed")
	AllocatorCreateTrailingGuardPage.Register("AllocatorCreateTrailingGuardPage")
	AllocatorCreateDisableBins.Register("AllocatorCreateDisableBins")
	AllocatorCreateRetainBinPages.Register("AllocatorCreateRetainBinPages")
}
