//go:build unix

package pages

import (
	"os"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/faultline/memutils"
	"golang.org/x/sys/unix"
)

// MmapProvider maps anonymous private memory with mmap and toggles access with mprotect
type MmapProvider struct {
	pageSize uintptr
	cursor   uintptr
}

var _ Provider = &MmapProvider{}

func NewMmapProvider() *MmapProvider {
	return &MmapProvider{
		pageSize: uintptr(os.Getpagesize()),
	}
}

func (p *MmapProvider) PageSize() uintptr {
	return p.pageSize
}

func (p *MmapProvider) checkRange(op string, address, size uintptr) error {
	if !memutils.IsAligned(address, p.pageSize) {
		return errors.Mark(errors.Newf("%s: address 0x%x is not page aligned", op, address), memutils.ErrPrecondition)
	}
	if size == 0 || !memutils.IsAligned(size, p.pageSize) {
		return errors.Mark(errors.Newf("%s: size %d is not a multiple of the page size %d", op, size, p.pageSize), memutils.ErrPrecondition)
	}

	return nil
}

func (p *MmapProvider) Create(size uintptr) (uintptr, error) {
	if size == 0 || !memutils.IsAligned(size, p.pageSize) {
		return 0, errors.Mark(errors.Newf("page_create: size %d is not a multiple of the page size %d", size, p.pageSize), memutils.ErrPrecondition)
	}

	// The cursor is only a hint: the kernel places the mapping elsewhere if the range is taken.
	hint := unsafe.Pointer(p.cursor)
	addr, err := unix.MmapPtr(-1, 0, hint, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON,
	)
	if err != nil {
		return 0, errors.Mark(errors.Wrapf(err, "page_create: unable to map %d bytes", size), memutils.ErrExhausted)
	}

	address := uintptr(addr)
	p.cursor = address + size

	return address, nil
}

func (p *MmapProvider) Allow(address, size uintptr) error {
	return p.protect("page_allow_access", address, size, unix.PROT_READ|unix.PROT_WRITE)
}

func (p *MmapProvider) Deny(address, size uintptr) error {
	return p.protect("page_deny_access", address, size, unix.PROT_NONE)
}

func (p *MmapProvider) protect(op string, address, size uintptr, prot int) error {
	err := p.checkRange(op, address, size)
	if err != nil {
		return err
	}

	err = unix.Mprotect(unsafe.Slice((*byte)(unsafe.Pointer(address)), size), prot)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "%s: mprotect failed for 0x%x (+%d)", op, address, size), memutils.ErrExhausted)
	}

	return nil
}
