// Package callback defines the contract between the tracer core and the
// host application: the entry/return callback signatures a caller registers
// per kernel symbol, and the opaque-payload lifetime rule that governs them
// (spec §6 — tracker owns the payload from entry to return; the return
// callback is responsible for releasing anything it references).
package callback

import "github.com/guestrace/gtrace/internal/hypervisor"

// Event carries the trap context a callback needs: the VCPU that trapped,
// the guest's registers at the moment of the trap, and the resolved process
// id (derived from the current page-table root).
type Event struct {
	VCPU     int
	Regs     hypervisor.Regs
	PID      int
	ThreadID uint64
}

// Entry services a call-site trap. It may read guest memory and registers
// via vmi but must not mutate tracer state. Its return value becomes the
// per-call payload handed to the matching Return invocation.
type Entry func(vmi hypervisor.VMI, event Event, payload interface{}) interface{}

// Return services the matching return-site trap, receiving the per-call
// payload Entry produced. It must release any resources payload references;
// the tracker does not retain a reference after this call.
type Return func(vmi hypervisor.VMI, event Event, payload interface{})

// Registration is one entry in a set-callbacks batch: the kernel symbol to
// trap, its entry/return handlers, and an opaque payload passed to every
// Entry invocation for that symbol.
type Registration struct {
	Symbol  string
	Entry   Entry
	Return  Return
	Payload interface{}
}
