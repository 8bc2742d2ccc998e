// Package trampoline implements the Trampoline Locator: it scans the first
// page of the guest's system-call entry path for an existing single-byte
// breakpoint instruction and reuses its address as the return-trap site, so
// the guest's memory image gains no additional bytes under an integrity
// scan.
//
// Grounded on gt_find_trampoline_addr in the original guestrace sources,
// which reads MSR_LSTAR, translates it to a physical frame, and scans the
// frame for 0xCC.
package trampoline

import (
	"github.com/guestrace/gtrace/errors"
	"github.com/guestrace/gtrace/internal/hypervisor"
)

const breakpointByte = 0xCC

// Locate reads the whole page containing the guest's system-call entry point
// (taken from MSR_LSTAR on vcpu 0, which is shared across VCPUs on a given
// guest), scanning from the start of that page, and returns the virtual
// address of the first existing 0xCC byte.
func Locate(vmi hypervisor.VMI) (uint64, error) {
	lstar, err := vmi.GetVCPUReg("lstar", 0)
	if err != nil {
		return 0, errors.NewSetupFailure("failed to read MSR_LSTAR: " + err.Error())
	}

	pa, err := vmi.TranslateKV2P(lstar)
	if err != nil {
		return 0, errors.NewSetupFailure("failed to translate syscall entry point: " + err.Error())
	}

	frame := pa &^ (hypervisor.PageSize - 1)
	buf := make([]byte, hypervisor.PageSize)
	if err := vmi.ReadPhys(frame, buf); err != nil {
		return 0, errors.NewSetupFailure("failed to read syscall entry page: " + err.Error())
	}

	for offset, b := range buf {
		if b == breakpointByte {
			return lstar - (pa - frame) + uint64(offset), nil
		}
	}

	return 0, errors.NewSetupFailure("no existing breakpoint byte found in syscall entry page")
}
