// Package hvtest provides an in-memory hypervisor.VMI implementation so the
// rest of the tracer can be unit tested without a real Xen domain.
package hvtest

import (
	"fmt"
	"sort"
	"sync"

	"github.com/guestrace/gtrace/internal/hypervisor"
)

// Fake is a scriptable in-memory VMI. Tests populate Symbols and Mem
// directly, then drive the tracer via Fire* helpers that invoke whatever
// callbacks the code under test registered.
type Fake struct {
	mu sync.Mutex

	OS        hypervisor.OSType
	AddrWidth int
	VCPUs     int
	MemBytes  uint64

	// Symbols maps kernel symbol name to virtual address. A missing entry
	// means "unresolved", matching libvmi's convention of returning 0.
	Symbols map[string]uint64
	// Mem is physical memory, addressed by byte offset.
	Mem map[uint64]byte
	// Regs is per-vcpu named register state.
	Regs map[int]map[string]uint64
	// PAOffset is added to every virtual address TranslateKV2P resolves.
	// Zero (the default) identity-maps VA to PA, matching most tests'
	// needs; tests exercising code that must not confuse the two set this
	// to a nonzero value so a VA used where a PA belongs resolves to the
	// wrong memory instead of coincidentally landing on the right byte.
	PAOffset uint64

	views         map[hypervisor.ViewID]bool
	nextView      hypervisor.ViewID
	currentView   hypervisor.ViewID
	reservedNext  hypervisor.Frame
	reservedFrame map[hypervisor.Frame]bool
	memAccess     map[hypervisor.Frame]hypervisor.MemAccess

	interruptCB hypervisor.InterruptCallback
	memCB       hypervisor.MemCallback
	stepCBs     map[int]hypervisor.StepCallback

	paused bool
	closed bool
}

// New returns a Fake ready for use, with view 0 (the unmodified view)
// already present.
func New(os hypervisor.OSType, vcpus int) *Fake {
	return &Fake{
		OS:            os,
		AddrWidth:     8,
		VCPUs:         vcpus,
		MemBytes:      256 << 20,
		Symbols:       map[string]uint64{},
		Mem:           map[uint64]byte{},
		Regs:          map[int]map[string]uint64{},
		views:         map[hypervisor.ViewID]bool{hypervisor.UnmodifiedView: true},
		nextView:      1,
		reservedNext:  0x10000,
		reservedFrame: map[hypervisor.Frame]bool{},
		memAccess:     map[hypervisor.Frame]hypervisor.MemAccess{},
		stepCBs:       map[int]hypervisor.StepCallback{},
	}
}

func (f *Fake) Pause() error  { f.paused = true; return nil }
func (f *Fake) Resume() error { f.paused = false; return nil }
func (f *Fake) Close() error  { f.closed = true; return nil }

func (f *Fake) OSType() hypervisor.OSType { return f.OS }
func (f *Fake) AddressWidth() int         { return f.AddrWidth }

func (f *Fake) NumVCPUs() (int, error) { return f.VCPUs, nil }

func (f *Fake) MemSizeBytes() (uint64, error) { return f.MemBytes, nil }

func (f *Fake) TranslateKV2P(va uint64) (uint64, error) {
	return va + f.PAOffset, nil
}

func (f *Fake) TranslateKSym2V(symbol string) (uint64, error) {
	return f.Symbols[symbol], nil
}

func (f *Fake) DTBToPID(dtb uint64) (int, error) {
	return int(dtb % 4096), nil
}

func (f *Fake) ReadPhys(pa uint64, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range buf {
		buf[i] = f.Mem[pa+uint64(i)]
	}
	return nil
}

func (f *Fake) WritePhys(pa uint64, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, b := range buf {
		f.Mem[pa+uint64(i)] = b
	}
	return nil
}

func (f *Fake) Read8Phys(pa uint64) (uint8, error) {
	var buf [1]byte
	_ = f.ReadPhys(pa, buf[:])
	return buf[0], nil
}

func (f *Fake) Write8Phys(pa uint64, v uint8) error {
	return f.WritePhys(pa, []byte{v})
}

func (f *Fake) Read64Phys(pa uint64) (uint64, error) {
	var buf [8]byte
	_ = f.ReadPhys(pa, buf[:])
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v, nil
}

func (f *Fake) Write64Phys(pa uint64, v uint64) error {
	var buf [8]byte
	for i := range buf {
		buf[i] = byte(v)
		v >>= 8
	}
	return f.WritePhys(pa, buf[:])
}

func (f *Fake) GetVCPUReg(name string, vcpu int) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.Regs[vcpu]
	return m[name], nil
}

func (f *Fake) SetVCPUReg(name string, vcpu int, val uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.Regs[vcpu]
	if m == nil {
		m = map[string]uint64{}
		f.Regs[vcpu] = m
	}
	m[name] = val
	return nil
}

func (f *Fake) AltP2MSetDomainState(enable bool) error { return nil }

func (f *Fake) AltP2MCreateView() (hypervisor.ViewID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.nextView
	f.nextView++
	f.views[v] = true
	return v, nil
}

func (f *Fake) AltP2MDestroyView(v hypervisor.ViewID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.views[v] {
		return fmt.Errorf("unknown view %d", v)
	}
	delete(f.views, v)
	return nil
}

func (f *Fake) AltP2MSwitchToView(v hypervisor.ViewID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.views[v] {
		return fmt.Errorf("unknown view %d", v)
	}
	f.currentView = v
	return nil
}

func (f *Fake) AltP2MChangeGFN(view hypervisor.ViewID, origFrame, newFrame hypervisor.Frame) error {
	return nil
}

func (f *Fake) SetMaxMem(bytes uint64) error {
	f.MemBytes = bytes
	return nil
}

func (f *Fake) IncreaseReservation() (hypervisor.Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	frame := f.reservedNext
	f.reservedNext++
	f.reservedFrame[frame] = true
	return frame, nil
}

func (f *Fake) DecreaseReservation(frame hypervisor.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.reservedFrame[frame] {
		return fmt.Errorf("frame 0x%x not reserved", frame)
	}
	delete(f.reservedFrame, frame)
	return nil
}

func (f *Fake) SetMemAccess(frame hypervisor.Frame, access hypervisor.MemAccess, view hypervisor.ViewID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memAccess[frame] = access
	return nil
}

func (f *Fake) RegisterInterruptEvent(cb hypervisor.InterruptCallback) error {
	f.interruptCB = cb
	return nil
}

func (f *Fake) RegisterMemEvent(cb hypervisor.MemCallback) error {
	f.memCB = cb
	return nil
}

func (f *Fake) RegisterStepEvent(vcpu int, cb hypervisor.StepCallback) error {
	f.stepCBs[vcpu] = cb
	return nil
}

func (f *Fake) Listen(timeoutMS int) error { return nil }

// FireInterrupt invokes the registered interrupt callback as if a VCPU
// trapped a breakpoint, returning its response for assertions.
func (f *Fake) FireInterrupt(ev hypervisor.InterruptEvent) (hypervisor.Response, error) {
	if f.interruptCB == nil {
		return hypervisor.Response{}, fmt.Errorf("no interrupt callback registered")
	}
	return f.interruptCB(ev), nil
}

// FireMem invokes the registered memory-access callback.
func (f *Fake) FireMem(ev hypervisor.MemEvent) (hypervisor.Response, error) {
	if f.memCB == nil {
		return hypervisor.Response{}, fmt.Errorf("no memory callback registered")
	}
	return f.memCB(ev), nil
}

// FireStep invokes the step callback registered for ev.VCPU.
func (f *Fake) FireStep(ev hypervisor.StepEvent) (hypervisor.Response, error) {
	cb, ok := f.stepCBs[ev.VCPU]
	if !ok {
		return hypervisor.Response{}, fmt.Errorf("no step callback registered for vcpu %d", ev.VCPU)
	}
	return cb(ev), nil
}

// Views returns the currently live altp2m view ids, sorted, for assertions.
func (f *Fake) Views() []hypervisor.ViewID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]hypervisor.ViewID, 0, len(f.views))
	for v := range f.views {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CurrentView returns the view most recently passed to AltP2MSwitchToView.
func (f *Fake) CurrentView() hypervisor.ViewID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.currentView
}

var _ hypervisor.VMI = (*Fake)(nil)
