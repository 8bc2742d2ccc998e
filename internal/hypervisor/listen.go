//go:build linux && cgo

package hypervisor

/*
#include <libvmi/libvmi.h>
#include <libvmi/events.h>

extern event_response_t goInterruptCB(vmi_instance_t vmi, vmi_event_t *event);
extern event_response_t goMemCB(vmi_instance_t vmi, vmi_event_t *event);
extern event_response_t goStepCB(vmi_instance_t vmi, vmi_event_t *event);

static void gt_init_interrupt_event(vmi_event_t *event) {
	memset(event, 0, sizeof(vmi_event_t));
	event->version = VMI_EVENTS_VERSION;
	event->type = VMI_EVENT_INTERRUPT;
	event->interrupt_event.intr = INT3;
	event->callback = goInterruptCB;
}

static void gt_init_mem_event(vmi_event_t *event) {
	memset(event, 0, sizeof(vmi_event_t));
	event->version = VMI_EVENTS_VERSION;
	event->type = VMI_EVENT_MEMORY;
	event->mem_event.in_access = VMI_MEMACCESS_RWX;
	event->mem_event.generic = 1;
	event->callback = goMemCB;
}

static void gt_init_step_event(vmi_event_t *event, vmi_vcpu_t vcpu) {
	memset(event, 0, sizeof(vmi_event_t));
	event->version = VMI_EVENTS_VERSION;
	event->type = VMI_EVENT_SINGLESTEP;
	SETUP_SINGLESTEP_EVENT(event, (1 << vcpu), goStepCB, 0);
}
*/
import "C"

import (
	"sync"
	"unsafe"
)

// handles indexes the libvmiVMI servicing each registered C event by the
// event's address, since cgo exports cannot be bound methods. Guestrace's
// own C code used GTLoop* passed through event->data for the same reason;
// here the instance is looked up from a small process-wide table instead,
// since Go values cannot be stored in event->data across the cgo boundary
// without pinning.
var (
	handlesMu sync.Mutex
	handles   = map[uintptr]*libvmiVMI{}
)

func registerHandle(h *libvmiVMI, event *C.vmi_event_t) {
	handlesMu.Lock()
	handles[uintptr(unsafe.Pointer(event))] = h
	handlesMu.Unlock()
}

func lookupHandle(event *C.vmi_event_t) *libvmiVMI {
	handlesMu.Lock()
	defer handlesMu.Unlock()
	return handles[uintptr(unsafe.Pointer(event))]
}

func toResponse(r Response) C.event_response_t {
	var resp C.event_response_t
	if r.SwitchView != nil {
		resp |= C.VMI_EVENT_RESPONSE_ALTP2M
	}
	if r.ToggleSingleStep {
		resp |= C.VMI_EVENT_RESPONSE_TOGGLE_SINGLESTEP
	}
	return resp
}

func (h *libvmiVMI) RegisterInterruptEvent(cb InterruptCallback) error {
	h.interruptCB = cb
	C.gt_init_interrupt_event(&h.interruptEvent)
	registerHandle(h, &h.interruptEvent)
	if C.vmi_register_event(h.vmi, &h.interruptEvent) == C.VMI_FAILURE {
		return &Error{Op: "vmi_register_event", Err: errNoInterrupt}
	}
	return nil
}

func (h *libvmiVMI) RegisterMemEvent(cb MemCallback) error {
	h.memCB = cb
	C.gt_init_mem_event(&h.memEvent)
	registerHandle(h, &h.memEvent)
	if C.vmi_register_event(h.vmi, &h.memEvent) == C.VMI_FAILURE {
		return &Error{Op: "vmi_register_event", Err: errNoMem}
	}
	return nil
}

func (h *libvmiVMI) RegisterStepEvent(vcpu int, cb StepCallback) error {
	h.stepCBs[vcpu] = cb
	event := &C.vmi_event_t{}
	C.gt_init_step_event(event, C.vmi_vcpu_t(vcpu))
	h.stepEvents[vcpu] = event
	registerHandle(h, event)
	if C.vmi_register_event(h.vmi, event) == C.VMI_FAILURE {
		return &Error{Op: "vmi_register_event", Err: errNoStep}
	}
	return nil
}

//export goInterruptCB
func goInterruptCB(vmi C.vmi_instance_t, event *C.vmi_event_t) C.event_response_t {
	h := lookupHandle(event)
	if h == nil || h.interruptCB == nil {
		return 0
	}
	regs := event.x86_regs
	r := h.interruptCB(InterruptEvent{
		VCPU: int(event.vcpu_id),
		GLA:  uint64(event.interrupt_event.gla),
		Regs: Regs{RSP: uint64(regs.rsp), RIP: uint64(regs.rip), CR3: uint64(regs.cr3)},
	})
	if r.SwitchView != nil {
		event.interrupt_event.altp2m_view = C.uint16_t(*r.SwitchView)
	}
	if !r.Reinject {
		event.interrupt_event.reinject = 0
	} else {
		event.interrupt_event.reinject = 1
	}
	return toResponse(r)
}

//export goMemCB
func goMemCB(vmi C.vmi_instance_t, event *C.vmi_event_t) C.event_response_t {
	h := lookupHandle(event)
	if h == nil || h.memCB == nil {
		return 0
	}
	regs := event.x86_regs
	r := h.memCB(MemEvent{
		VCPU:  int(event.vcpu_id),
		Frame: Frame(uint64(event.mem_event.gfn)),
		Regs:  Regs{RSP: uint64(regs.rsp), RIP: uint64(regs.rip), CR3: uint64(regs.cr3)},
	})
	if r.SwitchView != nil {
		event.mem_event.out_access = C.VMI_MEMACCESS_N
	}
	return toResponse(r)
}

//export goStepCB
func goStepCB(vmi C.vmi_instance_t, event *C.vmi_event_t) C.event_response_t {
	h := lookupHandle(event)
	if h == nil {
		return 0
	}
	cb, ok := h.stepCBs[int(event.vcpu_id)]
	if !ok {
		return 0
	}
	r := cb(StepEvent{VCPU: int(event.vcpu_id)})
	if r.SwitchView != nil {
		event.slat_id = C.uint16_t(*r.SwitchView)
	}
	return toResponse(r)
}
