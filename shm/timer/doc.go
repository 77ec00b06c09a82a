// Package timer implements the region-resident timer wheel.
//
// # Overview
//
// The wheel is a fixed ring of SlotCount slots. Slot k covers the window
// [before + k*Quantum, before + (k+1)*Quantum) measured from the window the
// wheel is currently on. A timer further out than one revolution sits in its
// slot with a round counter that each completed visit of that slot
// decrements.
//
// Every Tick visits slots in ring order:
//
//   - The current slot, while its window is still open, is scanned for
//     timers that are already due. This is what lets a 100ms timer fire at
//     101ms instead of at the end of its 32ms window.
//   - A slot whose window has closed is traversed once more to fire every
//     timer on its last round and decrement the rest, then the wheel
//     advances.
//
// A traversal examines at most PerSlot timers. A closed slot that could not
// be finished keeps a cursor (the last timer it kept) stamped with the wheel
// sequence, so the next Tick resumes there instead of re-scanning from the
// head or skipping ahead. Deleting the cursor timer moves the cursor back to
// its predecessor. New timers are appended at the tail of their slot so an
// unfinished traversal still reaches them.
//
// Fired timers are detached from their slot before any callback runs. A
// Delete that arrives while a timer is detached only marks it; the wheel
// destroys it once its callback returns.
//
// # Records
//
// Each timer is an object of the reserved type obj.TypeTimer. Its global id
// is the timer id handed to callers. Timers of one owner are chained from
// the owner's obj.Links anchor, so DeleteAll and the cascade on owner
// destruction never scan the wheel.
//
// # Owners
//
// The owner's type hooks must implement Handler. A timer whose owner handle
// no longer resolves is logged and destroyed when it comes due.
package timer
