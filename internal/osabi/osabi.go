// Package osabi implements the OS-specific collaborator the specification
// describes as external to the core: a guest-OS sum type with a single
// behaviour, find-return-point-addr, resolved once at Loop construction.
//
// The original C sources express this as a pointer to a struct of function
// pointers (os_functions_linux / os_functions_windows), selected by
// vmi_get_ostype. Per the specification's design notes this is reimplemented
// as a Go sum type: a GuestOS value wraps exactly one of two concrete
// implementations, chosen once and never switched.
//
// Locating the return point requires disassembling the kernel's system-call
// dispatch routine to find the CALL instruction and the address immediately
// following it. The original links against libcapstone for this; here it is
// done with golang.org/x/arch/x86/x86asm, a pure-Go x86-64 decoder, so
// return-point discovery is implemented for real rather than left as a stub
// a caller must supply.
package osabi

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/guestrace/gtrace/errors"
	"github.com/guestrace/gtrace/internal/hypervisor"
)

// entrySymbol is the kernel symbol whose body contains the dispatch CALL
// the tracer must find the return point for.
type entrySymbol struct {
	linux   string
	windows string
}

// dispatchEntry names the symbol holding each guest OS's system-call
// dispatch routine; FindReturnPointAddr resolves it by name through the
// kernel symbol table.
var dispatchEntry = entrySymbol{
	linux:   "entry_SYSCALL_64",
	windows: "KiSystemCall64",
}

// GuestOS is the sum type Linux | Windows. The zero value is invalid; use
// New to construct one from a detected hypervisor.OSType.
type GuestOS struct {
	kind hypervisor.OSType
}

// New returns the GuestOS matching kind, or an error if kind is not one of
// the two supported guest families.
func New(kind hypervisor.OSType) (GuestOS, error) {
	switch kind {
	case hypervisor.OSLinux, hypervisor.OSWindows:
		return GuestOS{kind: kind}, nil
	default:
		return GuestOS{}, errors.NewSetupFailure("unsupported guest operating system")
	}
}

// Kind reports which concrete OS this value wraps.
func (g GuestOS) Kind() hypervisor.OSType { return g.kind }

// FindReturnPointAddr resolves the canonical return address: the virtual
// address of the instruction immediately following the kernel's dispatch
// call in the system-call handler. This is the only behaviour behind the
// sum type; adding a guest OS means adding a case here.
func (g GuestOS) FindReturnPointAddr(vmi hypervisor.VMI) (uint64, error) {
	var symbol string
	switch g.kind {
	case hypervisor.OSLinux:
		symbol = dispatchEntry.linux
	case hypervisor.OSWindows:
		symbol = dispatchEntry.windows
	default:
		return 0, errors.NewSetupFailure("guest OS not initialized")
	}

	entry, err := vmi.TranslateKSym2V(symbol)
	if err != nil {
		return 0, errors.NewSymbolUnresolved(symbol)
	}
	if entry == 0 {
		return 0, errors.NewSymbolUnresolved(symbol)
	}

	return findAddrAfterCall(vmi, entry)
}

// findAddrAfterCall disassembles the page beginning at startVA looking for
// the first CALL instruction, returning the address of the instruction that
// follows it. Grounded on _gt_find_addr_after_instruction in the original
// sources, translated from libcapstone to x86asm.
func findAddrAfterCall(vmi hypervisor.VMI, startVA uint64) (uint64, error) {
	startPA, err := vmi.TranslateKV2P(startVA)
	if err != nil {
		return 0, errors.NewSetupFailure("failed to translate dispatch entry point: " + err.Error())
	}

	code := make([]byte, hypervisor.PageSize)
	if err := vmi.ReadPhys(startPA, code); err != nil {
		return 0, errors.NewSetupFailure("failed to read dispatch routine: " + err.Error())
	}

	offset := 0
	for offset < len(code) {
		inst, err := x86asm.Decode(code[offset:], 64)
		if err != nil || inst.Len == 0 {
			// Resync by one byte; a corrupt decode this early in the
			// dispatch routine would itself be a setup failure, but
			// we prefer to keep scanning over aborting on a single
			// bad instruction in case of a stray data byte.
			offset++
			continue
		}
		if inst.Op == x86asm.CALL {
			return startVA + uint64(offset+inst.Len), nil
		}
		offset += inst.Len
	}

	return 0, errors.NewSetupFailure("did not find call in system-call dispatch routine")
}
