package breakpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guestrace/gtrace/internal/hypervisor"
	"github.com/guestrace/gtrace/internal/hypervisor/hvtest"
	"github.com/guestrace/gtrace/internal/shadowmem"
)

func newTestTable(t *testing.T) (*Table, *hvtest.Fake) {
	t.Helper()
	fake := hvtest.New(hypervisor.OSLinux, 1)
	alloc, err := shadowmem.New(fake)
	require.NoError(t, err)
	view, err := fake.AltP2MCreateView()
	require.NoError(t, err)
	return NewTable(fake, alloc, view), fake
}

const testVA = 0xffffffff81200100

func TestInstallArmsBreakpointByte(t *testing.T) {
	table, fake := newTestTable(t)

	bp, err := table.Install(testVA, nil, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, bp)

	page := table.Page(bp)
	b, _ := fake.Read8Phys(uint64(page.ShadowFrame)<<hypervisor.PageShift | bp.Offset)
	assert.Equal(t, uint8(0xCC), b)
}

func TestInstallIsIdempotent(t *testing.T) {
	table, _ := newTestTable(t)

	bp1, err := table.Install(testVA, nil, nil, nil)
	require.NoError(t, err)
	bp2, err := table.Install(testVA, nil, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, bp1.ID, bp2.ID)
	assert.Equal(t, 1, table.Len())
}

func TestRemoveRestoresOriginalByte(t *testing.T) {
	table, fake := newTestTable(t)

	pa, _ := fake.TranslateKV2P(testVA)
	require.NoError(t, fake.Write8Phys(pa, 0x48))

	bp, err := table.Install(testVA, nil, nil, nil)
	require.NoError(t, err)
	page := table.Page(bp)

	require.NoError(t, table.Remove(bp))

	b, _ := fake.Read8Phys(uint64(page.ShadowFrame)<<hypervisor.PageShift | bp.Offset)
	assert.Equal(t, uint8(0x48), b)
	assert.Equal(t, 0, table.Len())
}

func TestLookupPhysFindsInstalledBreakpoint(t *testing.T) {
	table, fake := newTestTable(t)

	bp, err := table.Install(testVA, nil, nil, nil)
	require.NoError(t, err)

	pa, _ := fake.TranslateKV2P(testVA)
	found := table.LookupPhys(pa)
	require.NotNil(t, found)
	assert.Equal(t, bp.ID, found.ID)
}

func TestLookupPhysReturnsNilForStaleTrap(t *testing.T) {
	table, _ := newTestTable(t)
	assert.Nil(t, table.LookupPhys(0xdeadb000))
}

func TestDrainAllClearsTable(t *testing.T) {
	table, _ := newTestTable(t)

	_, err := table.Install(testVA, nil, nil, nil)
	require.NoError(t, err)
	_, err = table.Install(testVA+0x100, nil, nil, nil)
	require.NoError(t, err)

	errs := table.DrainAll()
	assert.False(t, errs.HasErrors())
	assert.Equal(t, 0, table.Len())
}
