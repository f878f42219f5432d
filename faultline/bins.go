package faultline

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/faultline/memutils"
	"github.com/vkngwrapper/faultline/memutils/metadata"
	"golang.org/x/exp/slog"
)

const (
	// MaxBinChunkSize is the largest chunk served by a bin, overhead included. Requests that
	// need a larger chunk take the large-object path.
	MaxBinChunkSize = 1024

	binCount = int(MaxBinChunkSize / Alignment)
)

// binForSize returns the bin serving a request of userSize bytes. Bin i holds chunks of
// (i+1)*Alignment bytes, and a chunk always has room for at least one tail canary byte past
// the request, so the two smallest bins are never used.
func binForSize(userSize uintptr) (int, bool) {
	if userSize >= MaxBinChunkSize {
		return 0, false
	}

	size := memutils.AlignUp(userSize+1, Alignment) + chunkOverhead
	if size > MaxBinChunkSize {
		return 0, false
	}

	return int(size/Alignment) - 1, true
}

func binChunkSize(bin int) uintptr {
	return uintptr(bin+1) * Alignment
}

func binCapacity(bin int) uintptr {
	return binChunkSize(bin) - chunkOverhead
}

// binPage is a page carved into equally sized chunks of a single bin
type binPage struct {
	address    uintptr
	bin        int
	chunkCount int
	// live counts the chunks that are currently handed out
	live int
}

func (p *binPage) chunk(index int) chunk {
	return chunk(p.address + uintptr(index)*binChunkSize(p.bin))
}

func (p *binPage) isChunkStart(address uintptr) bool {
	if address < p.address {
		return false
	}

	offset := address - p.address
	size := binChunkSize(p.bin)
	return offset%size == 0 && offset/size < uintptr(p.chunkCount)
}

// binDirectory holds one singly linked free list per bin. The list heads live in an
// allocator-owned page that is access-denied between calls, the page index lives on the Go heap.
type binDirectory struct {
	address  uintptr
	pageSize uintptr
	pages    *swiss.Map[uintptr, *binPage]

	pageCounts [binCount]int
}

func (d *binDirectory) heads() []uintptr {
	return unsafe.Slice((*uintptr)(unsafe.Pointer(d.address)), binCount)
}

func (d *binDirectory) pageOf(address uintptr) *binPage {
	if d.pages == nil {
		return nil
	}

	page, ok := d.pages.Get(memutils.AlignDown(address, d.pageSize))
	if !ok {
		return nil
	}
	return page
}

func (a *Allocator) ensureBins() {
	if a.bins.address != 0 {
		return
	}

	a.reserveSlots()
	address := a.allocateInternal(a.pageSize)

	a.bins.address = address
	a.bins.pageSize = a.pageSize
	a.bins.pages = swiss.NewMap[uintptr, *binPage](16)
	clear(a.bins.heads())
}

func (a *Allocator) allocateSmall(bin int, userSize uintptr) uintptr {
	a.ensureBins()

	for {
		c, page := a.popChunk(bin)
		if page == nil {
			a.carvePage(bin)
			continue
		}

		// the payload still holds the poison pattern, which doubles as the tail canary
		c.setHeader(chunkHeader{allocated: true})
		c.setUserSize(userSize)
		page.live++
		a.released.Delete(c.payload())

		return c.payload()
	}
}

// popChunk unlinks the first free chunk of bin, verifying the chunk was not touched while
// it sat on the free list. It returns a nil page if the list is empty.
func (a *Allocator) popChunk(bin int) (chunk, *binPage) {
	heads := a.bins.heads()
	capacity := binCapacity(bin)

	for heads[bin] != 0 {
		c := chunk(heads[bin])

		page := a.bins.pageOf(uintptr(c))
		if page == nil || page.bin != bin || !page.isChunkStart(uintptr(c)) {
			a.fatal(errors.Mark(errors.Newf("malloc(): free list of bin %d points to 0x%x, which is not one of its chunks", bin, uintptr(c)), memutils.ErrCorruption))
		}

		header := c.header()
		heads[bin] = header.next
		if header.allocated {
			continue
		}

		if !c.canaryIntact(bin) {
			a.fatal(errors.Mark(errors.Newf("malloc(): canary of free chunk 0x%x was overwritten", c.payload()), memutils.ErrCorruption))
		}
		if !c.poisonIntact(bin, 0, capacity) {
			a.fatal(errors.Mark(errors.Newf("malloc(): chunk 0x%x was written after it was released", c.payload()), memutils.ErrCorruption))
		}

		return c, page
	}

	return 0, nil
}

// carvePage obtains a page for bin and links every chunk that fits wholly within it onto
// the bin's free list, lowest address first.
func (a *Allocator) carvePage(bin int) {
	a.reserveSlots()

	address := a.allocateInternal(a.pageSize)
	slot := a.catalog.FindByUserAddress(address)
	slot.State = metadata.SlotAllocatedSmall

	size := binChunkSize(bin)
	page := &binPage{
		address:    address,
		bin:        bin,
		chunkCount: int(a.pageSize / size),
	}

	heads := a.bins.heads()
	for i := page.chunkCount - 1; i >= 0; i-- {
		c := page.chunk(i)
		memutils.FillPattern(c.pointer(), int(chunkHeaderSize), int(size-chunkHeaderSize), byte(bin))
		c.setUserSize(0)
		c.setHeader(chunkHeader{next: heads[bin]})
		heads[bin] = uintptr(c)
	}

	a.bins.pages.Put(address, page)
	a.bins.pageCounts[bin]++
	a.counters.BinPagesCarved++

	a.logger.Debug("Allocator::carvePage",
		slog.Int("bin", bin),
		slog.Int("chunkSize", int(size)),
		slog.Int("chunks", page.chunkCount),
		slog.String("address", hexAddress(address)),
	)
}

func (a *Allocator) releaseSmall(address uintptr) {
	page := a.bins.pageOf(address)
	if page == nil {
		a.releaseUntracked(address)
	}

	if address < page.address+chunkOverhead || !page.isChunkStart(address-chunkOverhead) {
		a.fatal(errors.Mark(errors.Newf("free(): 0x%x is not the start of a chunk", address), memutils.ErrInvalidFree))
	}

	c := chunkFromPayload(address)
	bin := page.bin
	capacity := binCapacity(bin)

	header := c.header()
	if !header.allocated {
		a.fatal(errors.Mark(errors.Newf("free(): double free of 0x%x", address), memutils.ErrDoubleFree))
	}
	if header.next != 0 {
		a.fatal(errors.Mark(errors.Newf("free(): header of chunk 0x%x was overwritten", address), memutils.ErrCorruption))
	}

	canaryIndex := *(*byte)(unsafe.Pointer(address - 1))
	if int(canaryIndex) != bin || !c.canaryIntact(bin) {
		a.fatal(errors.Mark(errors.Newf("free(): canary before 0x%x was overwritten", address), memutils.ErrCorruption))
	}

	userSize := c.userSize()
	if userSize > capacity {
		a.fatal(errors.Mark(errors.Newf("free(): header of chunk 0x%x was overwritten", address), memutils.ErrCorruption))
	}
	if !c.poisonIntact(bin, userSize, capacity) {
		a.fatal(errors.Mark(errors.Newf("free(): canary after 0x%x (+%d) was overwritten", address, userSize), memutils.ErrCorruption))
	}

	c.poison(bin, capacity)
	c.setUserSize(0)
	c.setHeader(chunkHeader{})
	page.live--
	a.released.Put(address, struct{}{})

	if a.createFlags&AllocatorCreateQuarantineFreed != 0 {
		return
	}

	heads := a.bins.heads()
	c.setHeader(chunkHeader{next: heads[bin]})
	heads[bin] = uintptr(c)

	if page.live == 0 && a.createFlags&AllocatorCreateRetainBinPages == 0 && a.bins.pageCounts[bin] > 1 {
		a.returnPage(page)
	}
}

// returnPage unlinks every chunk of an unused page from its free list and releases the page
func (a *Allocator) returnPage(page *binPage) {
	heads := a.bins.heads()

	var prev chunk
	for cur := chunk(heads[page.bin]); cur != 0; {
		next := cur.header().next

		if page.isChunkStart(uintptr(cur)) {
			if prev == 0 {
				heads[page.bin] = next
			} else {
				prev.setHeader(chunkHeader{next: next})
			}
		} else {
			prev = cur
		}

		cur = chunk(next)
	}

	a.bins.pages.Delete(page.address)
	a.bins.pageCounts[page.bin]--
	a.releaseInternal(page.address)
	a.counters.BinPagesReturned++

	a.logger.Debug("Allocator::returnPage",
		slog.Int("bin", page.bin),
		slog.String("address", hexAddress(page.address)),
	)
}

// validateBins verifies the canaries and poison of every chunk, the live counts of every
// page, and that every free list only links chunks of its own bin.
func (a *Allocator) validateBins() error {
	if a.bins.pages == nil {
		return nil
	}

	var err error
	totalChunks := make([]int, binCount)
	a.bins.pages.Iter(func(address uintptr, page *binPage) bool {
		slot := a.catalog.FindByUserAddress(address)
		if slot == nil || slot.State != metadata.SlotAllocatedSmall {
			err = errors.Errorf("bin page 0x%x is not recorded as a bin page in the catalog", address)
			return true
		}

		err = a.checkBinPage(page)
		totalChunks[page.bin] += page.chunkCount
		return err != nil
	})
	if err != nil {
		return err
	}

	heads := a.bins.heads()
	for bin, head := range heads {
		steps := 0
		for cur := head; cur != 0; cur = chunk(cur).header().next {
			page := a.bins.pageOf(cur)
			if page == nil || page.bin != bin || !page.isChunkStart(cur) {
				return errors.Mark(errors.Newf("free list of bin %d points to 0x%x, which is not one of its chunks", bin, cur), memutils.ErrCorruption)
			}

			steps++
			if steps > totalChunks[bin] {
				return errors.Mark(errors.Newf("free list of bin %d contains a cycle", bin), memutils.ErrCorruption)
			}
		}
	}

	return nil
}

func (a *Allocator) checkBinPage(page *binPage) error {
	capacity := binCapacity(page.bin)
	live := 0

	for i := 0; i < page.chunkCount; i++ {
		c := page.chunk(i)
		if !c.canaryIntact(page.bin) {
			return errors.Mark(errors.Newf("canary of chunk 0x%x was overwritten", c.payload()), memutils.ErrCorruption)
		}

		header := c.header()
		if !header.allocated {
			if !c.poisonIntact(page.bin, 0, capacity) {
				return errors.Mark(errors.Newf("chunk 0x%x was written after it was released", c.payload()), memutils.ErrCorruption)
			}
			continue
		}

		live++
		userSize := c.userSize()
		if header.next != 0 || userSize > capacity {
			return errors.Mark(errors.Newf("header of chunk 0x%x was overwritten", c.payload()), memutils.ErrCorruption)
		}
		if !c.poisonIntact(page.bin, userSize, capacity) {
			return errors.Mark(errors.Newf("canary after 0x%x (+%d) was overwritten", c.payload(), userSize), memutils.ErrCorruption)
		}
	}

	if live != page.live {
		return errors.Errorf("bin page 0x%x counts %d live chunks, but %d were found", page.address, page.live, live)
	}

	return nil
}
