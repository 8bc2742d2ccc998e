package loop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guestrace/gtrace/internal/hypervisor"
	"github.com/guestrace/gtrace/internal/hypervisor/hvtest"
	"github.com/guestrace/gtrace/pkg/callback"
)

func newTestLoop(t *testing.T) (*Loop, *hvtest.Fake) {
	t.Helper()
	fake := hvtest.New(hypervisor.OSLinux, 2)
	fake.Symbols["entry_SYSCALL_64"] = 0xffffffff81a00000
	require.NoError(t, fake.WritePhys(0xffffffff81a00000, []byte{0x90, 0xE8, 0x00, 0x00, 0x00, 0x00}))
	require.NoError(t, fake.SetVCPUReg("lstar", 0, 0xffffffff81600000))
	require.NoError(t, fake.Write8Phys(0xffffffff81600000+0x10, 0xCC))

	l, err := Construct(fake)
	require.NoError(t, err)
	return l, fake
}

func TestConstructCreatesShadowView(t *testing.T) {
	l, fake := newTestLoop(t)
	assert.Equal(t, hypervisor.OSLinux, l.OSType())
	assert.Contains(t, fake.Views(), l.shadowView)
}

func TestSetCallbackUnresolvedSymbolFails(t *testing.T) {
	l, _ := newTestLoop(t)
	err := l.SetCallback("nonexistent_symbol", nil, nil, nil)
	require.Error(t, err)
}

func TestSetCallbackInstallsBreakpoint(t *testing.T) {
	l, fake := newTestLoop(t)
	fake.Symbols["sys_open"] = 0xffffffff81200100

	err := l.SetCallback("sys_open", nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, l.BreakpointCount())
}

func TestSetCallbacksCountsPartialFailure(t *testing.T) {
	l, fake := newTestLoop(t)
	fake.Symbols["sys_open"] = 0xffffffff81200100

	count, errs := l.SetCallbacks([]callback.Registration{
		{Symbol: "sys_open"},
		{Symbol: "no_such_symbol"},
	})
	assert.Equal(t, 1, count)
	assert.True(t, errs.HasErrors())
}

func TestRunStopsOnQuitAndRestoresUnmodifiedView(t *testing.T) {
	l, fake := newTestLoop(t)

	done := make(chan error, 1)
	go func() { done <- l.Run() }()

	time.Sleep(20 * time.Millisecond)
	l.Quit()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Quit")
	}

	assert.True(t, l.Interrupted())
	assert.Equal(t, 0, l.BreakpointCount())
	assert.Equal(t, hypervisor.UnmodifiedView, fake.CurrentView())
}

// TestQuitRestoresInFlightCallReturnSlot exercises spec S5: quitting while a
// call is mid-flight must rewrite its hijacked return slot back to the
// canonical return address. PAOffset is nonzero so the guest stack pointer
// and its physical backing diverge numerically — the way they always do on
// a real guest — so a drain that used the untranslated virtual address
// instead of the translated physical address would corrupt the wrong byte
// and this assertion would catch it.
func TestQuitRestoresInFlightCallReturnSlot(t *testing.T) {
	l, fake := newTestLoop(t)
	fake.PAOffset = 0x1000

	fake.Symbols["sys_open"] = 0xffffffff81200100
	require.NoError(t, l.SetCallback("sys_open", nil, nil, nil))

	l.trap.ReturnAddr = 0xffffffff81300000
	l.trap.TrampolineAddr = 0xffffffff81400000

	const stackVA = 0xffff880000001ff8
	returnSlotPA := stackVA + fake.PAOffset
	require.NoError(t, fake.Write64Phys(returnSlotPA, l.trap.ReturnAddr))

	resp := l.trap.OnInterrupt(hypervisor.InterruptEvent{
		VCPU: 0,
		GLA:  0xffffffff81200100,
		Regs: hypervisor.Regs{RSP: stackVA, CR3: 0x1000},
	})
	require.False(t, resp.Reinject)
	require.Equal(t, 1, l.InFlightCallCount())

	// The call-site rewrite must also have landed on the translated
	// physical address, not the bare stack pointer.
	trampolineWord, err := fake.Read64Phys(returnSlotPA)
	require.NoError(t, err)
	assert.Equal(t, l.trap.TrampolineAddr, trampolineWord)

	l.Quit()

	assert.Equal(t, 0, l.InFlightCallCount())
	restored, err := fake.Read64Phys(returnSlotPA)
	require.NoError(t, err)
	assert.Equal(t, l.trap.ReturnAddr, restored, "Quit must restore the return slot through its translated physical address")
}
