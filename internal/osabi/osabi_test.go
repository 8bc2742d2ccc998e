package osabi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guestrace/gtrace/internal/hypervisor"
	"github.com/guestrace/gtrace/internal/hypervisor/hvtest"
)

func TestNewRejectsUnknownOS(t *testing.T) {
	_, err := New(hypervisor.OSUnknown)
	require.Error(t, err)
}

func TestFindReturnPointAddrLocatesCallSuccessor(t *testing.T) {
	fake := hvtest.New(hypervisor.OSLinux, 1)
	const entryVA = 0xffffffff81a00000
	fake.Symbols["entry_SYSCALL_64"] = entryVA

	// nop; nop; call rel32=0; next instruction.
	code := []byte{0x90, 0x90, 0xE8, 0x00, 0x00, 0x00, 0x00, 0x90}
	require.NoError(t, fake.WritePhys(entryVA, code))

	g, err := New(hypervisor.OSLinux)
	require.NoError(t, err)

	addr, err := g.FindReturnPointAddr(fake)
	require.NoError(t, err)
	assert.Equal(t, entryVA+7, addr)
}

func TestFindReturnPointAddrFailsOnUnresolvedSymbol(t *testing.T) {
	fake := hvtest.New(hypervisor.OSLinux, 1)
	g, err := New(hypervisor.OSLinux)
	require.NoError(t, err)

	_, err = g.FindReturnPointAddr(fake)
	require.Error(t, err)
}
