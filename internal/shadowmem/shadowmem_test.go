package shadowmem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guestrace/gtrace/internal/hypervisor"
	"github.com/guestrace/gtrace/internal/hypervisor/hvtest"
)

func TestAllocateRaisesCapAndReservesFrame(t *testing.T) {
	fake := hvtest.New(hypervisor.OSLinux, 1)
	a, err := New(fake)
	require.NoError(t, err)

	initCap := a.InitMemBytes()

	frame, err := a.Allocate()
	require.NoError(t, err)
	assert.NotZero(t, frame)
	assert.Equal(t, initCap+hypervisor.PageSize, a.CurrMemBytes())
}

func TestReleaseLowersCap(t *testing.T) {
	fake := hvtest.New(hypervisor.OSLinux, 1)
	a, err := New(fake)
	require.NoError(t, err)

	initCap := a.InitMemBytes()
	frame, err := a.Allocate()
	require.NoError(t, err)

	require.NoError(t, a.Release(frame))
	assert.Equal(t, initCap, a.CurrMemBytes())
}

func TestReleaseUnknownFrameReportsTeardownAnomaly(t *testing.T) {
	fake := hvtest.New(hypervisor.OSLinux, 1)
	a, err := New(fake)
	require.NoError(t, err)

	err = a.Release(hypervisor.Frame(0xdeadbeef))
	require.Error(t, err)
}
