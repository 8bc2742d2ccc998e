// Package shadowmem implements the Shadow-Frame Allocator: it requests one
// extra guest physical frame from the hypervisor, ready to be filled with a
// copy of an existing frame and to receive breakpoint bytes. The copying is
// done by the caller (the breakpoint table), not by this package.
//
// Grounded on gt_allocate_shadow_frame in the original guestrace sources,
// which chains xc_domain_setmaxmem, xc_domain_increase_reservation_exact and
// xc_domain_populate_physmap_exact. The original leaves partial failure
// unwound manually (a TODO in the source); Allocate instead stages its
// sub-steps and unwinds them in reverse on any failure, resolving spec §9's
// open rollback question.
package shadowmem

import (
	"github.com/guestrace/gtrace/errors"
	"github.com/guestrace/gtrace/internal/hypervisor"
)

// Allocator hands out guest physical frames for use as shadow copies of
// monitored pages, and tracks the domain's memory cap so it can be restored
// at teardown.
type Allocator struct {
	vmi hypervisor.VMI

	initMemBytes uint64
	currMemBytes uint64
}

// New constructs an Allocator, capturing the domain's current memory size as
// the value to restore at teardown. The original C code notes Xen does not
// reliably honor shrink requests; curr/init are tracked separately so a
// caller can at least report drift rather than silently accept it.
func New(vmi hypervisor.VMI) (*Allocator, error) {
	sz, err := vmi.MemSizeBytes()
	if err != nil {
		return nil, errors.NewSetupFailure("failed to read initial guest memory size")
	}
	return &Allocator{vmi: vmi, initMemBytes: sz, currMemBytes: sz}, nil
}

// InitMemBytes returns the guest's memory size observed at construction.
func (a *Allocator) InitMemBytes() uint64 { return a.initMemBytes }

// CurrMemBytes returns the guest's memory size as last known to the
// allocator (best-effort; see New's doc comment).
func (a *Allocator) CurrMemBytes() uint64 { return a.currMemBytes }

// Allocate raises the domain's memory cap by one page and reserves a new
// guest physical frame. On any sub-step failure it unwinds the sub-steps
// that already succeeded, in reverse order, and returns an InstallFailure.
func (a *Allocator) Allocate() (hypervisor.Frame, error) {
	newCap := a.currMemBytes + hypervisor.PageSize
	if err := a.vmi.SetMaxMem(newCap); err != nil {
		return 0, errors.New(errors.InstallFailure, "failed to raise memory cap for shadow frame: "+err.Error())
	}

	frame, err := a.vmi.IncreaseReservation()
	if err != nil {
		// Undo the maxmem bump; best-effort, error intentionally
		// discarded since we're already reporting a failure.
		_ = a.vmi.SetMaxMem(a.currMemBytes)
		return 0, errors.New(errors.InstallFailure, "failed to reserve shadow frame: "+err.Error())
	}

	a.currMemBytes = newCap
	return frame, nil
}

// Release returns a previously allocated frame to the hypervisor and lowers
// the memory cap back down. A failure to release the frame is reported and
// leaves the bookkeeping unchanged. A failure to lower the cap afterwards is
// ignored and the bookkeeping still records the lower cap, matching the
// original's observation that Xen does not reliably shrink a domain's memory.
func (a *Allocator) Release(frame hypervisor.Frame) error {
	if err := a.vmi.DecreaseReservation(frame); err != nil {
		return errors.New(errors.TeardownAnomaly, "failed to release shadow frame: "+err.Error())
	}
	if a.currMemBytes >= hypervisor.PageSize {
		a.currMemBytes -= hypervisor.PageSize
	}
	_ = a.vmi.SetMaxMem(a.currMemBytes)
	return nil
}
