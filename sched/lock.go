package sched

// Lock is a kernel lock with priority donation (struct lock plus
// donate_priority/restore_priority in thread.c). Acquire/Release are
// scheduler methods, not Lock methods, because they act on "the calling
// thread" exactly as lock_acquire/lock_release do on thread_current() in
// the source — the scheduler, not the lock, knows who that is.
type Lock struct {
	holder   *Thread
	priority int // donation ceiling: highest priority among holder and waiters
	waiters  []*Thread
}

// NewLock creates an unheld lock.
func NewLock() *Lock {
	return &Lock{priority: PriMin}
}

// IsHeldBy reports whether t currently holds l.
func (l *Lock) IsHeldBy(t *Thread) bool {
	return l.holder == t
}

// Acquire blocks the calling thread until it holds l, donating its
// priority up the chain of locks-waiting-on-locks if donation is active
// (lock_acquire). The loop re-checks l.holder after waking because, like
// a Pintos semaphore, a newly-arriving acquirer can win the lock before
// an already-woken waiter gets to run again.
func (s *Scheduler) Acquire(l *Lock) {
	s.mu.Lock()
	cur := s.current
	for l.holder != nil {
		cur.LockTryingAcquire = l
		if cur.Priority > l.priority {
			l.priority = cur.Priority
		}
		if !s.mlfqs {
			s.donatePriorityLocked(cur)
		}
		l.waiters = insertByPriority(l.waiters, cur)
		cur.Status = Blocked
		s.scheduleLocked()
		s.mu.Unlock()
		s.awaitTurn(cur)
		s.mu.Lock()
	}
	cur.LockTryingAcquire = nil
	l.holder = cur
	if cur.Priority > l.priority {
		l.priority = cur.Priority
	}
	cur.LocksHolding = append(cur.LocksHolding, l)
	s.mu.Unlock()
}

// Release gives up l, restores the calling thread's un-donated priority,
// and wakes the highest-priority waiter (lock_release). It then yields if
// that waiter, or anyone else, now outranks the caller.
func (s *Scheduler) Release(l *Lock) {
	s.mu.Lock()
	cur := s.current
	l.holder = nil
	l.priority = PriMin
	removeLock(cur, l)
	if !s.mlfqs {
		s.restorePriorityLocked(cur)
	}
	if len(l.waiters) > 0 {
		next := l.waiters[0]
		l.waiters = l.waiters[1:]
		s.readyList = insertByPriority(s.readyList, next)
		next.Status = Ready
	}
	s.mu.Unlock()
	s.priorityYield()
}

// donatePriorityLocked walks the chain of threads each waiting on a lock
// held by the next, raising every holder's priority to at least donor's
// (donate_priority). Bounded by MaxDonationDepth. A holder may be sitting
// in the ready list (it yielded while holding the lock), so the ready
// list is re-sorted afterwards to keep it in priority order.
func (s *Scheduler) donatePriorityLocked(donor *Thread) {
	l := donor.LockTryingAcquire
	for depth := 0; l != nil && depth < MaxDonationDepth; depth++ {
		donee := l.holder
		if donee == nil {
			break
		}
		if donor.Priority > donee.Priority {
			donee.Priority = donor.Priority
			l.priority = donor.Priority
		}
		l = donee.LockTryingAcquire
	}
	sortByPriorityDesc(s.readyList)
}

// restorePriorityLocked resets t's priority to its base priority,
// raised to the highest ceiling among locks it still holds
// (restore_priority).
func (s *Scheduler) restorePriorityLocked(t *Thread) {
	priority := t.InitialPriority
	for _, l := range t.LocksHolding {
		if l.priority > priority {
			priority = l.priority
		}
	}
	t.Priority = priority
}

func removeLock(t *Thread, l *Lock) {
	for i, h := range t.LocksHolding {
		if h == l {
			t.LocksHolding = append(t.LocksHolding[:i], t.LocksHolding[i+1:]...)
			return
		}
	}
}
