package hypervisor

// Response is how a callback tells the hypervisor what to do with the VCPU
// that trapped, mirroring libvmi's VMI_EVENT_RESPONSE_* bitmask: a view
// switch and a single-step toggle are delivered together, atomically with
// respect to the one instruction being stepped (spec I5).
type Response struct {
	// SwitchView, if non-nil, changes the trapping VCPU's active SLAT
	// view for its next instruction.
	SwitchView *ViewID
	// ToggleSingleStep flips whether the VCPU single-steps before its
	// next event.
	ToggleSingleStep bool
	// Reinject, when true, tells the hypervisor to let the guest's own
	// handler service the interrupt (used for breakpoints the tracer did
	// not emplace).
	Reinject bool
}

// InterruptEvent describes a breakpoint (INT3) trap.
type InterruptEvent struct {
	VCPU int
	// GLA is the guest linear (virtual) address of the faulting
	// instruction.
	GLA  uint64
	Regs Regs
}

// InterruptCallback services a breakpoint trap and returns the response the
// hypervisor should apply to the trapping VCPU.
type InterruptCallback func(InterruptEvent) Response

// MemEvent describes a memory-access trap on a monitored frame.
type MemEvent struct {
	VCPU  int
	Frame Frame
	Regs  Regs
}

// MemCallback services a memory-access trap.
type MemCallback func(MemEvent) Response

// StepEvent describes a completed single-step on one VCPU.
type StepEvent struct {
	VCPU int
}

// StepCallback services the completion of a single step, restoring the
// tracer's shadow view.
type StepCallback func(StepEvent) Response
