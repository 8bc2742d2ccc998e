// Package callstate implements the Call-State Tracker: a map from
// thread-identity (the guest's stack pointer at call entry) to the
// in-flight call's state, used to correlate an entry trap with its matching
// return trap regardless of which VCPU services either one.
package callstate

import "github.com/guestrace/gtrace/internal/breakpoint"

// ThreadID is the guest's stack pointer value at call entry, stable for the
// duration of one call and therefore usable as a correlation key across
// VCPU migration.
type ThreadID uint64

// Entry is the state recorded at call entry and consumed at the matching
// return.
type Entry struct {
	// Breakpoint is the record that fired at entry.
	Breakpoint *breakpoint.Breakpoint
	// Payload is whatever the entry callback returned; owned by the
	// tracker until taken, at which point the return callback becomes
	// responsible for releasing any resources it references.
	Payload interface{}
	// ThreadID duplicates the map key; Record sets it so an Entry carries
	// its own thread identity.
	ThreadID ThreadID
	// ReturnSlotPA is the guest physical address of the hijacked return
	// slot, translated once at record time (vmi_translate_kv2p on the
	// entry-time stack pointer). Teardown writes the canonical return
	// address back through this physical address rather than the virtual
	// stack pointer the slot happens to share a numeric value with.
	ReturnSlotPA uint64
}

// Tracker is the Call-State Tracker.
type Tracker struct {
	entries map[ThreadID]*Entry
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{entries: map[ThreadID]*Entry{}}
}

// Record stores entry under threadID, per the dispatcher's call-site path.
func (t *Tracker) Record(threadID ThreadID, entry *Entry) {
	entry.ThreadID = threadID
	t.entries[threadID] = entry
}

// Take removes and returns the entry for threadID, or nil if there is none
// (a spurious or post-teardown return trap).
func (t *Tracker) Take(threadID ThreadID) *Entry {
	e, ok := t.entries[threadID]
	if !ok {
		return nil
	}
	delete(t.entries, threadID)
	return e
}

// Len reports the number of in-flight calls, for status reporting and
// pairing assertions (spec P1).
func (t *Tracker) Len() int { return len(t.entries) }

// DrainAll removes every entry, invoking visit on each before removal. The
// Loop's teardown path uses this to restore the canonical return address
// into every surviving thread's hijacked return slot.
func (t *Tracker) DrainAll(visit func(threadID ThreadID, entry *Entry)) {
	for id, e := range t.entries {
		visit(id, e)
		delete(t.entries, id)
	}
}
