// Package lockorder implements the paging subsystem's global lock order
// (spec.md §4.5) two ways, per design note §9: the Level enum gives every
// real mutex in frame/swap/page/process a fixed rank, and Tracker is a
// debug-build acquisition-order checker that panics the moment a thread
// acquires a lower-ranked lock while already holding a higher-ranked one.
//
// Grounded on original_source/pintos/src/vm/swap.c's own comment block
// ("ORDER OF ACQUIRING LOCKS ... the_lock_over_all_the_other_locks") and
// its acquire_tloatol/release_tloatol, lock_frame/unlock_frame,
// lock_suppl_page_table/unlock_suppl_page_table, lock_pagedir/
// unlock_pagedir DEBUG_DEADLOCK print pattern, generalized from ad hoc
// printf statements into a real checker.
package lockorder

import (
	"fmt"
	"os"
	"sync"
)

// Level ranks a mutex in the paging subsystem's fixed acquisition order.
// Acquiring a Level lower than one already held by the same caller is a
// lock-order violation.
type Level int

const (
	TLOATOL Level = iota
	CurrentSPT
	FrameTable
	OtherSPT
	Swap
	OtherPagedir
	CurrentPagedir
)

func (l Level) String() string {
	switch l {
	case TLOATOL:
		return "TLOATOL"
	case CurrentSPT:
		return "current-suppl-page-table"
	case FrameTable:
		return "frame-table"
	case OtherSPT:
		return "other-suppl-page-table"
	case Swap:
		return "swap"
	case OtherPagedir:
		return "other-pagedir"
	case CurrentPagedir:
		return "current-pagedir"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// DebugEnvVar is the environment variable that turns on the tracker
// (PINTOSIM_DEBUG_LOCKORDER=1).
const DebugEnvVar = "PINTOSIM_DEBUG_LOCKORDER"

// Tracker keeps, per calling thread, a stack of currently-held levels,
// and panics on an out-of-order acquisition. A Tracker with tracking
// disabled (the common case outside debug builds) is a no-op so callers
// can unconditionally call Acquire/Release without a feature-flag branch
// at every call site.
type Tracker struct {
	enabled bool
	mu      sync.Mutex
	held    map[interface{}][]Level
}

// NewTracker creates a tracker, enabled if PINTOSIM_DEBUG_LOCKORDER=1 is
// set in the environment.
func NewTracker() *Tracker {
	return &Tracker{
		enabled: os.Getenv(DebugEnvVar) == "1",
		held:    make(map[interface{}][]Level),
	}
}

// NewTrackerForced creates a tracker with tracking forced on regardless
// of the environment, for use in tests.
func NewTrackerForced() *Tracker {
	t := NewTracker()
	t.enabled = true
	return t
}

// Acquire records that who is about to hold level, panicking if who
// already holds a strictly higher level (which would mean the real
// acquisition about to happen violates the global order).
func (t *Tracker) Acquire(who interface{}, level Level) {
	if !t.enabled {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	stack := t.held[who]
	if len(stack) > 0 && stack[len(stack)-1] > level {
		panic(fmt.Sprintf("lockorder: %v acquired %s while already holding %s",
			who, level, stack[len(stack)-1]))
	}
	t.held[who] = append(stack, level)
}

// Release pops level off who's held-lock stack. Panics if level is not
// the most recently acquired level still held, which would mean locks
// are being released out of LIFO order.
func (t *Tracker) Release(who interface{}, level Level) {
	if !t.enabled {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	stack := t.held[who]
	if len(stack) == 0 || stack[len(stack)-1] != level {
		panic(fmt.Sprintf("lockorder: %v released %s out of order", who, level))
	}
	t.held[who] = stack[:len(stack)-1]
}
