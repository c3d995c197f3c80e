// Package process ties together a process's open-file table, address
// space, and parent/child/exit-status bookkeeping around a sched.Thread,
// the same way thread.h's user-process fields and userprog/process.c's
// wait/exit machinery extend struct thread in the original, and the way
// biscuit's fd/accnt/tinfo packages extend its own per-process state.
package process

import "sync/atomic"

// Accnt accumulates a process's CPU time in nanoseconds, mirroring
// biscuit's accnt.Accnt_t Userns/Sysns/Add/Fetch shape.
type Accnt struct {
	Userns int64
	Sysns  int64
}

// Utadd adds delta nanoseconds of user time.
func (a *Accnt) Utadd(delta int64) { atomic.AddInt64(&a.Userns, delta) }

// Systadd adds delta nanoseconds of system time.
func (a *Accnt) Systadd(delta int64) { atomic.AddInt64(&a.Sysns, delta) }

// Snapshot returns a consistent-enough read of both counters for
// reporting (rusage-style export); exact consistency between the two
// fields isn't required since they're independently atomic, matching
// the source's own tolerance for a racy read under its coarser lock.
func (a *Accnt) Snapshot() (userns, sysns int64) {
	return atomic.LoadInt64(&a.Userns), atomic.LoadInt64(&a.Sysns)
}

// Add merges n's counters into a.
func (a *Accnt) Add(n *Accnt) {
	un, sn := n.Snapshot()
	atomic.AddInt64(&a.Userns, un)
	atomic.AddInt64(&a.Sysns, sn)
}
