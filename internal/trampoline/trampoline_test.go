package trampoline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guestrace/gtrace/internal/hypervisor"
	"github.com/guestrace/gtrace/internal/hypervisor/hvtest"
)

func TestLocateFindsExistingBreakpointByte(t *testing.T) {
	fake := hvtest.New(hypervisor.OSLinux, 1)
	const lstar = 0xffffffff81600000
	require.NoError(t, fake.SetVCPUReg("lstar", 0, lstar))

	frameStart := uint64(lstar) &^ (hypervisor.PageSize - 1)
	require.NoError(t, fake.Write8Phys(frameStart+0x42, 0xCC))

	addr, err := Locate(fake)
	require.NoError(t, err)
	assert.Equal(t, frameStart+0x42, addr)
}

func TestLocateFailsWhenNoBreakpointByteExists(t *testing.T) {
	fake := hvtest.New(hypervisor.OSLinux, 1)
	require.NoError(t, fake.SetVCPUReg("lstar", 0, 0xffffffff81600000))

	_, err := Locate(fake)
	require.Error(t, err)
}
