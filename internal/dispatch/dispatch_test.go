package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guestrace/gtrace/internal/breakpoint"
	"github.com/guestrace/gtrace/internal/callstate"
	"github.com/guestrace/gtrace/internal/hypervisor"
	"github.com/guestrace/gtrace/internal/hypervisor/hvtest"
	"github.com/guestrace/gtrace/internal/shadowmem"
	"github.com/guestrace/gtrace/pkg/callback"
)

const (
	testVA         = 0xffffffff81200100
	testReturnAddr = 0xffffffff81300000
	testTrampoline = 0xffffffff81400000
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *breakpoint.Table, *hvtest.Fake) {
	t.Helper()
	fake := hvtest.New(hypervisor.OSLinux, 2)
	alloc, err := shadowmem.New(fake)
	require.NoError(t, err)
	view, err := fake.AltP2MCreateView()
	require.NoError(t, err)
	table := breakpoint.NewTable(fake, alloc, view)
	calls := callstate.New()
	steps := NewStepCoordinator(2)

	d := New(fake, table, calls, steps, view, 8)
	d.TrampolineAddr = testTrampoline
	d.ReturnAddr = testReturnAddr

	return d, table, fake
}

func TestOnInterruptCallSiteRecordsEntryAndRewritesStack(t *testing.T) {
	d, table, fake := newTestDispatcher(t)

	const rsp = 0xffff88000a5f3e00
	require.NoError(t, fake.Write64Phys(rsp, testReturnAddr))

	entryCalled := false
	bp, err := table.Install(testVA, func(vmi hypervisor.VMI, ev callback.Event, payload interface{}) interface{} {
		entryCalled = true
		return "entry-payload"
	}, nil, nil)
	require.NoError(t, err)
	_ = bp

	resp := d.OnInterrupt(hypervisor.InterruptEvent{
		VCPU: 0,
		GLA:  testVA,
		Regs: hypervisor.Regs{RSP: rsp},
	})

	assert.True(t, entryCalled)
	assert.False(t, resp.Reinject)
	require.NotNil(t, resp.SwitchView)
	assert.Equal(t, hypervisor.UnmodifiedView, *resp.SwitchView)
	assert.True(t, resp.ToggleSingleStep)

	word, _ := fake.Read64Phys(rsp)
	assert.Equal(t, uint64(testTrampoline), word)
	assert.Equal(t, 1, d.calls.Len())
}

func TestOnInterruptCallSiteStaleTrapReinjects(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	resp := d.OnInterrupt(hypervisor.InterruptEvent{VCPU: 0, GLA: 0xdeadbeef})
	assert.True(t, resp.Reinject)
}

func TestOnInterruptCallSiteUnexpectedStackSkipsRecording(t *testing.T) {
	d, table, fake := newTestDispatcher(t)

	const rsp = 0xffff88000a5f3e00
	require.NoError(t, fake.Write64Phys(rsp, 0x1111)) // not the canonical return address

	_, err := table.Install(testVA, func(vmi hypervisor.VMI, ev callback.Event, payload interface{}) interface{} {
		t.Fatal("entry callback should not fire on unexpected stack")
		return nil
	}, nil, nil)
	require.NoError(t, err)

	resp := d.OnInterrupt(hypervisor.InterruptEvent{VCPU: 0, GLA: testVA, Regs: hypervisor.Regs{RSP: rsp}})
	assert.False(t, resp.Reinject)
	assert.Equal(t, 0, d.calls.Len())
}

func TestOnInterruptReturnSiteInvokesReturnCBAndRestoresRIP(t *testing.T) {
	d, table, fake := newTestDispatcher(t)

	const rsp = 0xffff88000a5f3e00
	require.NoError(t, fake.Write64Phys(rsp, testReturnAddr))

	var returnedPayload interface{}
	bp, err := table.Install(testVA, func(vmi hypervisor.VMI, ev callback.Event, payload interface{}) interface{} {
		return "call-payload"
	}, func(vmi hypervisor.VMI, ev callback.Event, payload interface{}) {
		returnedPayload = payload
	}, nil)
	require.NoError(t, err)
	_ = bp

	d.OnInterrupt(hypervisor.InterruptEvent{VCPU: 0, GLA: testVA, Regs: hypervisor.Regs{RSP: rsp}})
	require.Equal(t, 1, d.calls.Len())

	returnRSP := rsp + 8
	resp := d.OnInterrupt(hypervisor.InterruptEvent{VCPU: 0, GLA: testTrampoline, Regs: hypervisor.Regs{RSP: returnRSP}})

	assert.Equal(t, "call-payload", returnedPayload)
	assert.Equal(t, 0, d.calls.Len())
	assert.False(t, resp.Reinject)

	rip, _ := fake.GetVCPUReg("rip", 0)
	assert.Equal(t, uint64(testReturnAddr), rip)
}

func TestOnStepDisarmsAndSwitchesToShadowView(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	d.steps.Arm(0)

	resp := d.OnStep(hypervisor.StepEvent{VCPU: 0})
	assert.False(t, d.steps.IsArmed(0))
	require.NotNil(t, resp.SwitchView)
	assert.Equal(t, d.shadowView, *resp.SwitchView)
}
