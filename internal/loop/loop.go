// Package loop implements the Loop Controller: construct, configure, run,
// quit, destroy (spec §4.7). It owns the Breakpoint Table, Call-State
// Tracker, and Step Coordinator, and drives the hypervisor event loop that
// feeds the Trap Dispatcher.
//
// Grounded on this repository's process master (pkg/fpm/master.Master):
// the same construct/start/signal-driven-shutdown/wait shape, adapted from
// a FastCGI listener and worker pool to a hypervisor event-listen loop and
// a fixed per-VCPU step table. Quit mirrors gt_loop_quit in the original
// guestrace sources — it performs its teardown synchronously rather than
// merely flagging intent, so a caller observes a fully detached guest as
// soon as Quit returns.
package loop

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/guestrace/gtrace/errors"
	"github.com/guestrace/gtrace/internal/breakpoint"
	"github.com/guestrace/gtrace/internal/callstate"
	"github.com/guestrace/gtrace/internal/dispatch"
	"github.com/guestrace/gtrace/internal/hypervisor"
	"github.com/guestrace/gtrace/internal/osabi"
	"github.com/guestrace/gtrace/internal/shadowmem"
	"github.com/guestrace/gtrace/internal/trampoline"
	"github.com/guestrace/gtrace/pkg/callback"
)

// ListenTimeoutMS bounds how long one hypervisor event-listen call blocks,
// and therefore how promptly the interrupted flag is observed (spec §5).
const ListenTimeoutMS = 500

// Open connects to the named domain and returns a VMI; production builds
// call hypervisor.OpenLibVMI, tests inject an hvtest.Fake directly via
// Construct.
type Open func(guestName string) (hypervisor.VMI, error)

// Loop is the tracer core: one per traced guest.
type Loop struct {
	vmi hypervisor.VMI

	shadowView hypervisor.ViewID
	guestOS    osabi.GuestOS
	wordWidth  uint64

	allocator *shadowmem.Allocator
	table     *breakpoint.Table
	calls     *callstate.Tracker
	steps     *dispatch.StepCoordinator
	trap      *dispatch.Dispatcher

	interrupted atomic.Bool
	quitOnce    sync.Once
}

// Construct takes an already opened hypervisor interface, pauses the guest,
// enables altp2m, creates the shadow view, selects the OS-specific
// collaborator, and resumes the guest. Mirrors gt_loop_new.
func Construct(vmi hypervisor.VMI) (*Loop, error) {
	if err := vmi.Pause(); err != nil {
		return nil, errors.NewSetupFailure("failed to pause guest: " + err.Error())
	}

	guestOS, err := osabi.New(vmi.OSType())
	if err != nil {
		_ = vmi.Resume()
		return nil, err
	}

	if err := vmi.AltP2MSetDomainState(true); err != nil {
		_ = vmi.Resume()
		return nil, errors.NewSetupFailure("failed to enable altp2m: " + err.Error())
	}

	shadowView, err := vmi.AltP2MCreateView()
	if err != nil {
		_ = vmi.Resume()
		return nil, errors.NewSetupFailure("failed to create shadow view: " + err.Error())
	}

	allocator, err := shadowmem.New(vmi)
	if err != nil {
		_ = vmi.AltP2MDestroyView(shadowView)
		_ = vmi.Resume()
		return nil, err
	}

	numVCPUs, err := vmi.NumVCPUs()
	if err != nil {
		_ = vmi.AltP2MDestroyView(shadowView)
		_ = vmi.Resume()
		return nil, errors.NewSetupFailure("failed to read vcpu count: " + err.Error())
	}

	table := breakpoint.NewTable(vmi, allocator, shadowView)
	calls := callstate.New()
	steps := dispatch.NewStepCoordinator(numVCPUs)
	wordWidth := uint64(vmi.AddressWidth())

	trap := dispatch.New(vmi, table, calls, steps, shadowView, wordWidth)

	if err := vmi.Resume(); err != nil {
		return nil, errors.NewSetupFailure("failed to resume guest after setup: " + err.Error())
	}

	return &Loop{
		vmi:        vmi,
		shadowView: shadowView,
		guestOS:    guestOS,
		wordWidth:  wordWidth,
		allocator:  allocator,
		table:      table,
		calls:      calls,
		steps:      steps,
		trap:       trap,
	}, nil
}

// OSType reports the guest's detected operating system family.
func (l *Loop) OSType() hypervisor.OSType { return l.guestOS.Kind() }

// OSTypeString reports the guest's OS family as a string, for the status
// API's narrow StatsSource interface.
func (l *Loop) OSTypeString() string { return l.guestOS.Kind().String() }

// SetCallback translates symbol to a virtual address and installs a
// breakpoint there.
func (l *Loop) SetCallback(symbol string, entry callback.Entry, ret callback.Return, payload interface{}) error {
	va, err := l.vmi.TranslateKSym2V(symbol)
	if err != nil || va == 0 {
		return errors.NewSymbolUnresolved(symbol)
	}

	if err := l.vmi.Pause(); err != nil {
		return errors.NewSetupFailure("failed to pause guest for install: " + err.Error())
	}
	defer l.vmi.Resume()

	_, err = l.table.Install(va, entry, ret, payload)
	return err
}

// SetCallbacks calls SetCallback for each registration, returning how many
// installed successfully. A failure on one entry does not stop the others.
func (l *Loop) SetCallbacks(regs []callback.Registration) (int, errors.List) {
	var errs errors.List
	count := 0
	for _, r := range regs {
		if err := l.SetCallback(r.Symbol, r.Entry, r.Return, r.Payload); err != nil {
			if e, ok := err.(*errors.Error); ok {
				errs.Add(e)
			}
			continue
		}
		count++
	}
	return count, errs
}

// Run finalizes the canonical return address and trampoline address, wires
// the Trap Dispatcher to the hypervisor's event stream, and services events
// until Quit is called. Run returns when it observes the interrupted flag,
// which Quit sets before it starts its teardown; the teardown is complete
// only once Quit itself returns.
func (l *Loop) Run() error {
	returnAddr, err := l.guestOS.FindReturnPointAddr(l.vmi)
	if err != nil {
		return err
	}
	trampolineAddr, err := trampoline.Locate(l.vmi)
	if err != nil {
		return err
	}
	l.trap.ReturnAddr = returnAddr
	l.trap.TrampolineAddr = trampolineAddr

	if err := l.vmi.Pause(); err != nil {
		return errors.NewSetupFailure("failed to pause guest before run: " + err.Error())
	}

	if err := l.vmi.AltP2MSwitchToView(l.shadowView); err != nil {
		_ = l.vmi.Resume()
		return errors.NewSetupFailure("failed to switch to shadow view: " + err.Error())
	}

	if err := l.vmi.RegisterInterruptEvent(l.trap.OnInterrupt); err != nil {
		_ = l.vmi.Resume()
		return errors.NewSetupFailure("failed to register interrupt event: " + err.Error())
	}
	if err := l.vmi.RegisterMemEvent(l.trap.OnMemAccess); err != nil {
		_ = l.vmi.Resume()
		return errors.NewSetupFailure("failed to register mem event: " + err.Error())
	}
	for vcpu := 0; vcpu < l.steps.NumVCPUs(); vcpu++ {
		if err := l.vmi.RegisterStepEvent(vcpu, l.trap.OnStep); err != nil {
			_ = l.vmi.Resume()
			return errors.NewSetupFailure("failed to register step event: " + err.Error())
		}
	}

	if err := l.vmi.Resume(); err != nil {
		return errors.NewSetupFailure("failed to resume guest before event loop: " + err.Error())
	}

	for !l.interrupted.Load() {
		if err := l.vmi.Listen(ListenTimeoutMS); err != nil {
			log.Printf("loop: event listen error: %v", err)
		}
	}

	return nil
}

// Quit sets the interrupted flag and tears down every guest-visible trace
// of the tracer: pauses the guest, drains the breakpoint table and call
// tracker (restoring each hijacked return slot), reverts to the unmodified
// view, and resumes. Safe to call more than once; only the first call does
// any work.
func (l *Loop) Quit() {
	l.quitOnce.Do(func() {
		l.interrupted.Store(true)

		if err := l.vmi.Pause(); err != nil {
			log.Printf("loop: failed to pause guest for quit: %v", err)
		}

		l.calls.DrainAll(func(id callstate.ThreadID, e *callstate.Entry) {
			if err := l.vmi.Write64Phys(e.ReturnSlotPA, l.trap.ReturnAddr); err != nil {
				log.Printf("loop: teardown anomaly restoring return slot at 0x%x: %v", e.ReturnSlotPA, err)
			}
		})

		if errs := l.table.DrainAll(); errs.HasErrors() {
			log.Printf("loop: teardown anomalies draining breakpoint table: %v", errs)
		}

		if err := l.vmi.AltP2MSwitchToView(hypervisor.UnmodifiedView); err != nil {
			log.Printf("loop: failed to revert to unmodified view: %v", err)
		}

		if err := l.vmi.Resume(); err != nil {
			log.Printf("loop: failed to resume guest after quit: %v", err)
		}
	})
}

// Destroy first runs Quit (a no-op if Quit already ran), so the tables are
// drained and every hijacked return slot restored even if the caller skipped
// Quit. It then destroys the shadow view, disables altp2m, restores the
// initial memory cap, and closes the hypervisor handle, pausing and resuming
// the guest around that work.
func (l *Loop) Destroy() error {
	l.Quit()

	if err := l.vmi.Pause(); err != nil {
		log.Printf("loop: failed to pause guest for destroy: %v", err)
	}

	if err := l.vmi.AltP2MDestroyView(l.shadowView); err != nil {
		log.Printf("loop: failed to destroy shadow view: %v", err)
	}
	if err := l.vmi.AltP2MSetDomainState(false); err != nil {
		log.Printf("loop: failed to disable altp2m: %v", err)
	}
	if err := l.vmi.SetMaxMem(l.allocator.InitMemBytes()); err != nil {
		// Xen does not reliably honor a shrink request; log and move on
		// rather than block teardown on it.
		log.Printf("loop: failed to restore initial memory cap: %v", err)
	}

	if err := l.vmi.Resume(); err != nil {
		log.Printf("loop: failed to resume guest before close: %v", err)
	}

	return l.vmi.Close()
}

// BreakpointCount reports the number of currently installed breakpoints,
// for the status API.
func (l *Loop) BreakpointCount() int { return l.table.Len() }

// InFlightCallCount reports the number of calls awaiting their return
// trap, for the status API.
func (l *Loop) InFlightCallCount() int { return l.calls.Len() }

// Interrupted reports whether Quit has been called.
func (l *Loop) Interrupted() bool { return l.interrupted.Load() }
