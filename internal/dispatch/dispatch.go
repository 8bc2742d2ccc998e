// Package dispatch implements the Trap Dispatcher (spec §4.5) and the Step
// Coordinator (spec §4.6): the single hypervisor event handler that
// distinguishes call-site from return-site traps, drives the view-flip and
// single-step dance, invokes user callbacks, and rewrites the guest stack.
//
// The call-site/return-site algorithm here follows gt_breakpoint_cb in the
// original guestrace sources line for line; the per-VCPU step-event
// bookkeeping is shaped after the fixed-size worker table in this
// repository's process-pool package, adapted from a dynamically scaled pool
// of request handlers to a fixed one-slot-per-VCPU table of armed/idle
// state, since the VCPU count is fixed at Loop construction and traps are
// hypervisor-driven rather than request-driven.
package dispatch

import (
	"log"

	"github.com/guestrace/gtrace/internal/breakpoint"
	"github.com/guestrace/gtrace/internal/callstate"
	"github.com/guestrace/gtrace/internal/hypervisor"
	"github.com/guestrace/gtrace/pkg/callback"
)

// Dispatcher holds everything on-interrupt/on-mem-access/on-step need:
// the breakpoint table, the call-state tracker, and the two addresses
// finalized once at run() time.
type Dispatcher struct {
	vmi   hypervisor.VMI
	table *breakpoint.Table
	calls *callstate.Tracker
	steps *StepCoordinator

	shadowView hypervisor.ViewID

	// TrampolineAddr and ReturnAddr are immutable after run() finalizes
	// them (spec §5).
	TrampolineAddr uint64
	ReturnAddr     uint64

	wordWidth uint64
}

// New constructs a Dispatcher. wordWidth is the guest's pointer width in
// bytes (8 on the x86-64 guests this tracer supports).
func New(vmi hypervisor.VMI, table *breakpoint.Table, calls *callstate.Tracker, steps *StepCoordinator, shadowView hypervisor.ViewID, wordWidth uint64) *Dispatcher {
	return &Dispatcher{vmi: vmi, table: table, calls: calls, steps: steps, shadowView: shadowView, wordWidth: wordWidth}
}

// OnInterrupt services a breakpoint (INT3) trap. It always clears the
// hypervisor's re-inject flag on the response unless the trap turns out to
// be stale, since a trap we emplaced must never be serviced by the guest's
// own handler.
func (d *Dispatcher) OnInterrupt(event hypervisor.InterruptEvent) hypervisor.Response {
	if event.GLA == d.TrampolineAddr {
		return d.onReturnSite(event)
	}
	return d.onCallSite(event)
}

func (d *Dispatcher) onCallSite(event hypervisor.InterruptEvent) hypervisor.Response {
	pa, err := d.vmi.TranslateKV2P(event.GLA)
	if err != nil {
		return hypervisor.Response{Reinject: true}
	}

	bp := d.table.LookupPhys(pa)
	if bp == nil {
		// StaleTrap: not ours, let the guest's own handler see it.
		return hypervisor.Response{Reinject: true}
	}

	returnSlotPA, err := d.vmi.TranslateKV2P(event.Regs.RSP)
	if err != nil {
		// UnexpectedStack: the breakpoint is ours, but its stack pointer
		// does not resolve to guest memory. Do not record state, but
		// still let the guest make progress through the usual
		// view-flip/step.
		log.Printf("dispatch: call-site trap at 0x%x with unresolvable stack pointer 0x%x: %v", event.GLA, event.Regs.RSP, err)
		return d.unmodifiedStepResponseFor(event.VCPU)
	}

	returnWord, err := d.vmi.Read64Phys(returnSlotPA)
	if err != nil || returnWord != d.ReturnAddr {
		// UnexpectedStack: do not record state, but still let the
		// guest make progress through the usual view-flip/step.
		log.Printf("dispatch: call-site trap at 0x%x with unexpected stack word 0x%x (want 0x%x)", event.GLA, returnWord, d.ReturnAddr)
		return d.unmodifiedStepResponseFor(event.VCPU)
	}

	pid, _ := d.vmi.DTBToPID(event.Regs.CR3)
	threadID := callstate.ThreadID(event.Regs.RSP)

	cbEvent := callback.Event{VCPU: event.VCPU, Regs: event.Regs, PID: pid, ThreadID: uint64(threadID)}
	var payload interface{}
	if bp.EntryCB != nil {
		payload = bp.EntryCB(d.vmi, cbEvent, bp.Payload)
	}

	d.calls.Record(threadID, &callstate.Entry{Breakpoint: bp, Payload: payload, ReturnSlotPA: returnSlotPA})

	if err := d.vmi.Write64Phys(returnSlotPA, d.TrampolineAddr); err != nil {
		log.Printf("dispatch: failed to overwrite return slot at 0x%x: %v", returnSlotPA, err)
	}

	return d.unmodifiedStepResponseFor(event.VCPU)
}

func (d *Dispatcher) onReturnSite(event hypervisor.InterruptEvent) hypervisor.Response {
	threadID := callstate.ThreadID(event.Regs.RSP - d.wordWidth)

	entry := d.calls.Take(threadID)
	if entry == nil {
		// Spurious or post-teardown; nothing to correlate.
		return d.unmodifiedStepResponseFor(event.VCPU)
	}

	pid, _ := d.vmi.DTBToPID(event.Regs.CR3)
	cbEvent := callback.Event{VCPU: event.VCPU, Regs: event.Regs, PID: pid, ThreadID: uint64(threadID)}
	if entry.Breakpoint.ReturnCB != nil {
		entry.Breakpoint.ReturnCB(d.vmi, cbEvent, entry.Payload)
	}

	if err := d.vmi.SetVCPUReg("rip", event.VCPU, d.ReturnAddr); err != nil {
		log.Printf("dispatch: failed to restore rip on vcpu %d: %v", event.VCPU, err)
	}

	return d.unmodifiedStepResponseFor(event.VCPU)
}

// OnMemAccess services a memory-access trap on a monitored frame: it forces
// one step through the unmodified view so the accessing code sees pristine
// bytes, without mutating any table.
func (d *Dispatcher) OnMemAccess(event hypervisor.MemEvent) hypervisor.Response {
	return d.unmodifiedStepResponseFor(event.VCPU)
}

// OnStep services the completion of a single step: it flips the view back
// to shadow and disables single-stepping, restoring invariant I5.
func (d *Dispatcher) OnStep(event hypervisor.StepEvent) hypervisor.Response {
	d.steps.Disarm(event.VCPU)
	view := d.shadowView
	return hypervisor.Response{SwitchView: &view, ToggleSingleStep: true}
}

func (d *Dispatcher) unmodifiedStepResponseFor(vcpu int) hypervisor.Response {
	d.steps.Arm(vcpu)
	view := hypervisor.UnmodifiedView
	return hypervisor.Response{SwitchView: &view, ToggleSingleStep: true}
}
