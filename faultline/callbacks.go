package faultline

// CreateRegionCallback is called each time the allocator obtains a new region from its page
// provider. The callback runs while the allocator is locked and must not call back into it.
type CreateRegionCallback func(
	allocator *Allocator,
	address uintptr,
	size int,
	userData interface{},
)

type RegionCallbackOptions struct {
	Create   CreateRegionCallback
	UserData interface{}
}

type regionCallbacks struct {
	Callbacks *RegionCallbackOptions
	Allocator *Allocator
}

func (c *regionCallbacks) Create(address uintptr, size uintptr) {
	if c.Callbacks != nil && c.Callbacks.Create != nil {
		c.Callbacks.Create(c.Allocator, address, int(size), c.Callbacks.UserData)
	}
}
