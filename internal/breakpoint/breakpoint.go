// Package breakpoint implements the Breakpoint Table: a two-level index
// from frame to Page Record, and from in-page offset to Breakpoint Record,
// that owns the lifecycle of every emplaced trap.
//
// The original C sources (gt_page_record / gt_paddr_record in
// trace-syscalls.c) express ownership with raw back-pointers, forming a
// cycle between a breakpoint record, its page record, and the owning loop.
// Per the redesign called for in the specification's design notes, this
// package instead holds two flat arenas keyed by stable integer ids; a
// record references its parent by id rather than by pointer, so teardown
// order is a matter of walking a map rather than unwinding a pointer graph.
package breakpoint

import (
	"log"

	"github.com/guestrace/gtrace/errors"
	"github.com/guestrace/gtrace/internal/hypervisor"
	"github.com/guestrace/gtrace/internal/shadowmem"
	"github.com/guestrace/gtrace/pkg/callback"
)

// PageID identifies a Page Record within a Table.
type PageID uint64

// BreakpointID identifies a Breakpoint Record within a Table.
type BreakpointID uint64

// Page is the arena-resident Page Record: it tracks the original frame it
// shadows and the breakpoint offsets currently emplaced within it.
type Page struct {
	ID           PageID
	OrigFrame    hypervisor.Frame
	ShadowFrame  hypervisor.Frame
	Children     map[uint64]BreakpointID // offset -> breakpoint id
}

// Breakpoint is the arena-resident Breakpoint Record.
type Breakpoint struct {
	ID       BreakpointID
	PageID   PageID
	Offset   uint64
	EntryCB  callback.Entry
	ReturnCB callback.Return
	Payload  interface{}
}

// Table is the Loop's arena of Page and Breakpoint records, plus the
// frame-translation map and the physical-address lookup index that let the
// Trap Dispatcher resolve a faulting address in O(1).
type Table struct {
	vmi       hypervisor.VMI
	allocator *shadowmem.Allocator
	shadow    hypervisor.ViewID

	pages       map[PageID]*Page
	breakpoints map[BreakpointID]*Breakpoint
	frameToPage map[hypervisor.Frame]PageID // original frame -> page id
	nextPageID  PageID
	nextBPID    BreakpointID
}

// NewTable constructs an empty Table. shadow is the altp2m view that
// receives breakpointed pages.
func NewTable(vmi hypervisor.VMI, allocator *shadowmem.Allocator, shadow hypervisor.ViewID) *Table {
	return &Table{
		vmi:         vmi,
		allocator:   allocator,
		shadow:      shadow,
		pages:       map[PageID]*Page{},
		breakpoints: map[BreakpointID]*Breakpoint{},
		frameToPage: map[hypervisor.Frame]PageID{},
		nextPageID:  1,
		nextBPID:    1,
	}
}

// Install emplaces a breakpoint at va. If va's frame already has a page
// record, the existing breakpoint at that offset is reused rather than
// re-created (idempotent install, per the table's public contract).
func (t *Table) Install(va uint64, entryCB callback.Entry, returnCB callback.Return, payload interface{}) (*Breakpoint, error) {
	pa, err := t.vmi.TranslateKV2P(va)
	if err != nil {
		return nil, errors.New(errors.InstallFailure, "failed to translate virtual address: "+err.Error()).WithAddr(va)
	}

	frame := hypervisor.Frame(pa >> hypervisor.PageShift)
	offset := pa & (hypervisor.PageSize - 1)

	page, err := t.pageFor(frame)
	if err != nil {
		return nil, err
	}

	if existingID, ok := page.Children[offset]; ok {
		return t.breakpoints[existingID], nil
	}

	if err := t.vmi.Write8Phys(uint64(page.ShadowFrame)<<hypervisor.PageShift|offset, 0xCC); err != nil {
		if len(page.Children) == 0 {
			_ = t.destroyPage(page)
		}
		return nil, errors.New(errors.InstallFailure, "failed to write breakpoint byte: "+err.Error()).WithAddr(va)
	}

	bp := &Breakpoint{
		ID:       t.nextBPID,
		PageID:   page.ID,
		Offset:   offset,
		EntryCB:  entryCB,
		ReturnCB: returnCB,
		Payload:  payload,
	}
	t.breakpoints[bp.ID] = bp
	page.Children[offset] = bp.ID
	t.nextBPID++

	return bp, nil
}

// pageFor returns the Page Record for frame, allocating a shadow frame and
// arming the mem-access trap on first use.
func (t *Table) pageFor(frame hypervisor.Frame) (*Page, error) {
	if id, ok := t.frameToPage[frame]; ok {
		return t.pages[id], nil
	}

	shadow, err := t.allocator.Allocate()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, hypervisor.PageSize)
	if err := t.vmi.ReadPhys(uint64(frame)<<hypervisor.PageShift, buf); err != nil {
		_ = t.allocator.Release(shadow)
		return nil, errors.New(errors.InstallFailure, "failed to read original frame: "+err.Error())
	}
	if err := t.vmi.WritePhys(uint64(shadow)<<hypervisor.PageShift, buf); err != nil {
		_ = t.allocator.Release(shadow)
		return nil, errors.New(errors.InstallFailure, "failed to copy frame into shadow: "+err.Error())
	}

	if err := t.vmi.AltP2MChangeGFN(t.shadow, frame, shadow); err != nil {
		_ = t.allocator.Release(shadow)
		return nil, errors.New(errors.InstallFailure, "failed to remap shadow frame: "+err.Error())
	}

	if err := t.vmi.SetMemAccess(frame, hypervisor.MemAccessRW, t.shadow); err != nil {
		_ = t.vmi.AltP2MChangeGFN(t.shadow, frame, hypervisor.Frame(^uint64(0)))
		_ = t.allocator.Release(shadow)
		return nil, errors.New(errors.InstallFailure, "failed to arm mem-access trap: "+err.Error())
	}

	page := &Page{
		ID:          t.nextPageID,
		OrigFrame:   frame,
		ShadowFrame: shadow,
		Children:    map[uint64]BreakpointID{},
	}
	t.pages[page.ID] = page
	t.frameToPage[frame] = page.ID
	t.nextPageID++

	log.Printf("breakpoint: shadowing frame 0x%x with shadow frame 0x%x", frame, shadow)

	return page, nil
}

// Remove restores the shadow byte at bp's offset from the current original
// byte, then frees bp. If bp was the last child of its page, the page is
// destroyed: its shadow frame is released, the SLAT remap undone, and the
// mem-access trap disarmed.
func (t *Table) Remove(bp *Breakpoint) error {
	page, ok := t.pages[bp.PageID]
	if !ok {
		return errors.New(errors.TeardownAnomaly, "breakpoint references unknown page")
	}

	origByte, err := t.vmi.Read8Phys(uint64(page.OrigFrame)<<hypervisor.PageShift | bp.Offset)
	if err != nil {
		return errors.New(errors.TeardownAnomaly, "failed to read original byte during removal: "+err.Error())
	}
	if err := t.vmi.Write8Phys(uint64(page.ShadowFrame)<<hypervisor.PageShift|bp.Offset, origByte); err != nil {
		return errors.New(errors.TeardownAnomaly, "failed to restore shadow byte: "+err.Error())
	}

	delete(page.Children, bp.Offset)
	delete(t.breakpoints, bp.ID)

	if len(page.Children) == 0 {
		return t.destroyPage(page)
	}
	return nil
}

func (t *Table) destroyPage(page *Page) error {
	var errs errors.List

	if err := t.vmi.SetMemAccess(page.OrigFrame, hypervisor.MemAccessNone, t.shadow); err != nil {
		errs.Add(errors.New(errors.TeardownAnomaly, "failed to disarm mem-access trap: "+err.Error()))
	}
	if err := t.vmi.AltP2MChangeGFN(t.shadow, page.OrigFrame, hypervisor.Frame(^uint64(0))); err != nil {
		errs.Add(errors.New(errors.TeardownAnomaly, "failed to restore SLAT mapping: "+err.Error()))
	}
	if err := t.allocator.Release(page.ShadowFrame); err != nil {
		errs.Add(errors.New(errors.TeardownAnomaly, "failed to release shadow frame: "+err.Error()))
	}

	delete(t.pages, page.ID)
	delete(t.frameToPage, page.OrigFrame)

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// LookupPhys resolves a faulting guest physical address, within the shadow
// view, to its Breakpoint Record. Returns nil if the address is not one the
// table emplaced (a stale trap).
func (t *Table) LookupPhys(pa uint64) *Breakpoint {
	frame := hypervisor.Frame(pa >> hypervisor.PageShift)
	offset := pa & (hypervisor.PageSize - 1)

	pageID, ok := t.frameToPage[frame]
	if !ok {
		return nil
	}
	page := t.pages[pageID]
	bpID, ok := page.Children[offset]
	if !ok {
		return nil
	}
	return t.breakpoints[bpID]
}

// Page returns the Page Record owning bp, for callers that need the
// original/shadow frame numbers (e.g. the dispatcher's mem-access path).
func (t *Table) Page(bp *Breakpoint) *Page {
	return t.pages[bp.PageID]
}

// DrainAll removes every remaining breakpoint and page record, in the
// manner destroy() requires: best-effort, collecting failures into the
// returned list rather than aborting, since leaving the guest runnable is
// paramount.
func (t *Table) DrainAll() errors.List {
	var errs errors.List
	for _, bp := range t.breakpoints {
		if err := t.Remove(bp); err != nil {
			if e, ok := err.(*errors.Error); ok {
				errs.Add(e)
			} else if l, ok := err.(errors.List); ok {
				errs = append(errs, l...)
			}
		}
	}
	return errs
}

// Len reports how many breakpoints are currently installed, for status
// reporting.
func (t *Table) Len() int { return len(t.breakpoints) }
