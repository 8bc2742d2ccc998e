//go:build linux && cgo

// Package hypervisor's libvmi-backed VMI implementation. Building this file
// requires libvmi and libxenctrl development headers on the host; the
// fake in hvtest exercises the rest of the tracer without them.
package hypervisor

/*
#cgo pkg-config: libvmi xenctrl
#include <libvmi/libvmi.h>
#include <libvmi/events.h>
#include <libvmi/libvmi_extra.h>
#include <xenctrl.h>
#include <stdlib.h>
#include <string.h>

static status_t gt_read_pa(vmi_instance_t vmi, addr_t pa, void *buf, size_t len) {
	size_t bytes_read = 0;
	return vmi_read_pa(vmi, pa, len, buf, &bytes_read);
}

static status_t gt_write_pa(vmi_instance_t vmi, addr_t pa, void *buf, size_t len) {
	size_t bytes_written = 0;
	return vmi_write_pa(vmi, pa, len, buf, &bytes_written);
}
*/
import "C"

import (
	"fmt"
	"unsafe"
)

var (
	errNoInterrupt = fmt.Errorf("failed to register interrupt event")
	errNoMem       = fmt.Errorf("failed to register memory event")
	errNoStep      = fmt.Errorf("failed to register single-step event")
)

// libvmiVMI implements VMI against a live Xen domain via libvmi and libxc.
// Grounded on gt_loop_new/gt_loop_free and the gt_allocate_shadow_frame /
// gt_breakpoint_cb call sequences in the original guestrace C sources.
type libvmiVMI struct {
	vmi     C.vmi_instance_t
	xc      C.xc_interface_handle
	domid   C.uint32_t
	domName string

	interruptCB InterruptCallback
	memCB       MemCallback
	stepCBs     map[int]StepCallback

	interruptEvent C.vmi_event_t
	memEvent       C.vmi_event_t
	stepEvents     map[int]*C.vmi_event_t
}

// OpenLibVMI initializes libvmi and libxc against the named domain, the Go
// analogue of gt_loop_new.
func OpenLibVMI(domainName string) (VMI, error) {
	h := &libvmiVMI{domName: domainName, stepCBs: make(map[int]StepCallback), stepEvents: make(map[int]*C.vmi_event_t)}

	cname := C.CString(domainName)
	defer C.free(unsafe.Pointer(cname))

	var vmi C.vmi_instance_t
	status := C.vmi_init_complete(&vmi, unsafe.Pointer(cname),
		C.VMI_INIT_DOMAINNAME, nil, C.VMI_CONFIG_GLOBAL_FILE_ENTRY, nil, nil)
	if status == C.VMI_FAILURE {
		return nil, &Error{Op: "vmi_init_complete", Err: fmt.Errorf("failed to initialize libvmi for domain %q", domainName)}
	}
	h.vmi = vmi

	if C.vmi_get_winver(vmi) != C.VMI_OS_UNKNOWN {
		// winver probe is cheap and has no side effects; guards against
		// some libvmi builds leaving OS detection lazy.
	}

	xc := C.xc_interface_open(nil, nil, 0)
	if xc == nil {
		C.vmi_destroy(vmi)
		return nil, &Error{Op: "xc_interface_open", Err: fmt.Errorf("failed to open xc interface")}
	}
	h.xc = xc

	var domid C.uint32_t
	C.vmi_get_vmid(vmi, &domid)
	h.domid = domid

	return h, nil
}

func (h *libvmiVMI) Pause() error {
	if C.vmi_pause_vm(h.vmi) == C.VMI_FAILURE {
		return &Error{Op: "vmi_pause_vm", Err: fmt.Errorf("pause failed")}
	}
	return nil
}

func (h *libvmiVMI) Resume() error {
	if C.vmi_resume_vm(h.vmi) == C.VMI_FAILURE {
		return &Error{Op: "vmi_resume_vm", Err: fmt.Errorf("resume failed")}
	}
	return nil
}

func (h *libvmiVMI) Close() error {
	C.vmi_destroy(h.vmi)
	C.xc_interface_close(h.xc)
	return nil
}

func (h *libvmiVMI) OSType() OSType {
	switch C.vmi_get_ostype(h.vmi) {
	case C.VMI_OS_LINUX:
		return OSLinux
	case C.VMI_OS_WINDOWS:
		return OSWindows
	default:
		return OSUnknown
	}
}

func (h *libvmiVMI) AddressWidth() int {
	return int(C.vmi_get_address_width(h.vmi))
}

func (h *libvmiVMI) NumVCPUs() (int, error) {
	n := C.vmi_get_num_vcpus(h.vmi)
	if n == 0 {
		return 0, &Error{Op: "vmi_get_num_vcpus", Err: fmt.Errorf("domain reports zero vcpus")}
	}
	return int(n), nil
}

func (h *libvmiVMI) MemSizeBytes() (uint64, error) {
	sz := C.vmi_get_memsize(h.vmi)
	if sz == 0 {
		return 0, &Error{Op: "vmi_get_memsize", Err: fmt.Errorf("failed to read domain memory size")}
	}
	return uint64(sz), nil
}

func (h *libvmiVMI) TranslateKV2P(va uint64) (uint64, error) {
	var pa C.addr_t
	if C.vmi_translate_kv2p(h.vmi, C.addr_t(va), &pa) == C.VMI_FAILURE {
		return 0, &Error{Op: "vmi_translate_kv2p", Err: fmt.Errorf("translation failed for va 0x%x", va)}
	}
	return uint64(pa), nil
}

func (h *libvmiVMI) TranslateKSym2V(symbol string) (uint64, error) {
	csym := C.CString(symbol)
	defer C.free(unsafe.Pointer(csym))
	var va C.addr_t
	if C.vmi_translate_ksym2v(h.vmi, csym, &va) == C.VMI_FAILURE {
		return 0, nil
	}
	return uint64(va), nil
}

func (h *libvmiVMI) DTBToPID(dtb uint64) (int, error) {
	var pid C.vmi_pid_t
	if C.vmi_dtb_to_pid(h.vmi, C.addr_t(dtb), &pid) == C.VMI_FAILURE {
		return 0, &Error{Op: "vmi_dtb_to_pid", Err: fmt.Errorf("no pid for dtb 0x%x", dtb)}
	}
	return int(pid), nil
}

func (h *libvmiVMI) ReadPhys(pa uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	if C.gt_read_pa(h.vmi, C.addr_t(pa), unsafe.Pointer(&buf[0]), C.size_t(len(buf))) == C.VMI_FAILURE {
		return &Error{Op: "vmi_read_pa", Err: fmt.Errorf("read failed at pa 0x%x", pa)}
	}
	return nil
}

func (h *libvmiVMI) WritePhys(pa uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	if C.gt_write_pa(h.vmi, C.addr_t(pa), unsafe.Pointer(&buf[0]), C.size_t(len(buf))) == C.VMI_FAILURE {
		return &Error{Op: "vmi_write_pa", Err: fmt.Errorf("write failed at pa 0x%x", pa)}
	}
	return nil
}

func (h *libvmiVMI) Read8Phys(pa uint64) (uint8, error) {
	var v C.uint8_t
	if C.vmi_read_8_pa(h.vmi, C.addr_t(pa), &v) == C.VMI_FAILURE {
		return 0, &Error{Op: "vmi_read_8_pa", Err: fmt.Errorf("read failed at pa 0x%x", pa)}
	}
	return uint8(v), nil
}

func (h *libvmiVMI) Write8Phys(pa uint64, v uint8) error {
	if C.vmi_write_8_pa(h.vmi, C.addr_t(pa), C.uint8_t(v)) == C.VMI_FAILURE {
		return &Error{Op: "vmi_write_8_pa", Err: fmt.Errorf("write failed at pa 0x%x", pa)}
	}
	return nil
}

func (h *libvmiVMI) Read64Phys(pa uint64) (uint64, error) {
	var v C.uint64_t
	if C.vmi_read_64_pa(h.vmi, C.addr_t(pa), &v) == C.VMI_FAILURE {
		return 0, &Error{Op: "vmi_read_64_pa", Err: fmt.Errorf("read failed at pa 0x%x", pa)}
	}
	return uint64(v), nil
}

func (h *libvmiVMI) Write64Phys(pa uint64, v uint64) error {
	if C.vmi_write_64_pa(h.vmi, C.addr_t(pa), C.uint64_t(v)) == C.VMI_FAILURE {
		return &Error{Op: "vmi_write_64_pa", Err: fmt.Errorf("write failed at pa 0x%x", pa)}
	}
	return nil
}

func (h *libvmiVMI) GetVCPUReg(name string, vcpu int) (uint64, error) {
	reg, err := vcpuRegFromName(name)
	if err != nil {
		return 0, err
	}
	var v C.uint64_t
	if C.vmi_get_vcpureg(h.vmi, &v, reg, C.vmi_vcpu_t(vcpu)) == C.VMI_FAILURE {
		return 0, &Error{Op: "vmi_get_vcpureg", Err: fmt.Errorf("failed to read register %q on vcpu %d", name, vcpu)}
	}
	return uint64(v), nil
}

func (h *libvmiVMI) SetVCPUReg(name string, vcpu int, val uint64) error {
	reg, err := vcpuRegFromName(name)
	if err != nil {
		return err
	}
	if C.vmi_set_vcpureg(h.vmi, C.uint64_t(val), reg, C.vmi_vcpu_t(vcpu)) == C.VMI_FAILURE {
		return &Error{Op: "vmi_set_vcpureg", Err: fmt.Errorf("failed to write register %q on vcpu %d", name, vcpu)}
	}
	return nil
}

func vcpuRegFromName(name string) (C.reg_t, error) {
	switch name {
	case "rsp":
		return C.RSP, nil
	case "rip":
		return C.RIP, nil
	case "cr3":
		return C.CR3, nil
	case "lstar":
		return C.MSR_LSTAR, nil
	default:
		return 0, &Error{Op: "vcpuRegFromName", Err: fmt.Errorf("unknown register %q", name)}
	}
}

func (h *libvmiVMI) AltP2MSetDomainState(enable bool) error {
	var c C.int
	if enable {
		c = 1
	}
	if C.xc_altp2m_set_domain_state(h.xc, h.domid, C.uint8_t(c)) != 0 {
		return &Error{Op: "xc_altp2m_set_domain_state", Err: fmt.Errorf("failed to set altp2m domain state to %v", enable)}
	}
	return nil
}

func (h *libvmiVMI) AltP2MCreateView() (ViewID, error) {
	var view C.uint16_t
	if C.xc_altp2m_create_view(h.xc, h.domid, 0, &view) != 0 {
		return 0, &Error{Op: "xc_altp2m_create_view", Err: fmt.Errorf("failed to create altp2m view")}
	}
	return ViewID(view), nil
}

func (h *libvmiVMI) AltP2MDestroyView(v ViewID) error {
	if C.xc_altp2m_destroy_view(h.xc, h.domid, C.uint16_t(v)) != 0 {
		return &Error{Op: "xc_altp2m_destroy_view", Err: fmt.Errorf("failed to destroy view %d", v)}
	}
	return nil
}

func (h *libvmiVMI) AltP2MSwitchToView(v ViewID) error {
	if C.xc_altp2m_switch_to_view(h.xc, h.domid, C.uint16_t(v)) != 0 {
		return &Error{Op: "xc_altp2m_switch_to_view", Err: fmt.Errorf("failed to switch to view %d", v)}
	}
	return nil
}

func (h *libvmiVMI) AltP2MChangeGFN(view ViewID, origFrame, newFrame Frame) error {
	if C.xc_altp2m_change_gfn(h.xc, h.domid, C.uint16_t(view), C.xen_pfn_t(origFrame), C.xen_pfn_t(newFrame)) != 0 {
		return &Error{Op: "xc_altp2m_change_gfn", Err: fmt.Errorf("failed to remap frame 0x%x -> 0x%x in view %d", origFrame, newFrame, view)}
	}
	return nil
}

func (h *libvmiVMI) SetMaxMem(bytes uint64) error {
	kib := C.uint64_t(bytes / 1024)
	if C.xc_domain_setmaxmem(h.xc, h.domid, kib) != 0 {
		return &Error{Op: "xc_domain_setmaxmem", Err: fmt.Errorf("failed to raise maxmem to %d bytes", bytes)}
	}
	return nil
}

func (h *libvmiVMI) IncreaseReservation() (Frame, error) {
	var frame C.xen_pfn_t
	if C.xc_domain_increase_reservation_exact(h.xc, h.domid, 1, 0, 0, &frame) != 0 {
		return 0, &Error{Op: "xc_domain_increase_reservation_exact", Err: fmt.Errorf("failed to reserve a frame")}
	}
	if C.xc_domain_populate_physmap_exact(h.xc, h.domid, 1, 0, 0, &frame) != 0 {
		return 0, &Error{Op: "xc_domain_populate_physmap_exact", Err: fmt.Errorf("failed to populate physmap for frame 0x%x", uint64(frame))}
	}
	return Frame(frame), nil
}

func (h *libvmiVMI) DecreaseReservation(f Frame) error {
	frame := C.xen_pfn_t(f)
	if C.xc_domain_decrease_reservation_exact(h.xc, h.domid, 1, 0, &frame) != 0 {
		return &Error{Op: "xc_domain_decrease_reservation_exact", Err: fmt.Errorf("failed to release frame 0x%x", f)}
	}
	return nil
}

func (h *libvmiVMI) SetMemAccess(frame Frame, access MemAccess, view ViewID) error {
	var a C.vmi_mem_access_t
	switch access {
	case MemAccessNone:
		a = C.VMI_MEMACCESS_N
	case MemAccessR:
		a = C.VMI_MEMACCESS_R
	case MemAccessW:
		a = C.VMI_MEMACCESS_W
	case MemAccessX:
		a = C.VMI_MEMACCESS_X
	case MemAccessRW:
		a = C.VMI_MEMACCESS_RW
	default:
		return &Error{Op: "SetMemAccess", Err: fmt.Errorf("unsupported access mask %d", access)}
	}
	if C.vmi_set_mem_event(h.vmi, C.addr_t(frame), a, C.uint16_t(view)) == C.VMI_FAILURE {
		return &Error{Op: "vmi_set_mem_event", Err: fmt.Errorf("failed to arm frame 0x%x in view %d", frame, view)}
	}
	return nil
}

// Listen delivers pending libvmi events; see listen.go for the cgo export
// trampolines that turn C event callbacks back into Go calls.
func (h *libvmiVMI) Listen(timeoutMS int) error {
	if C.vmi_events_listen(h.vmi, C.uint32_t(timeoutMS)) == C.VMI_FAILURE {
		return &Error{Op: "vmi_events_listen", Err: fmt.Errorf("event listen failed")}
	}
	return nil
}
