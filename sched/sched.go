package sched

import (
	"sort"
	"sync"

	"pintosim/defs"
	"pintosim/fixedpoint"
)

// Scheduler is a cooperative single-CPU scheduler: exactly one thread's
// body runs at a time (the rest parked on cond), switched by explicit
// Block/Yield/Sleep calls and by Tick reporting that a time slice has
// expired. This stands in for thread.c's ready_list/waiting_list plus
// the switch_threads context switch, which in a goroutine-based
// simulation is replaced by parking and waking goroutines instead of
// swapping register state (design note: biscuit itself schedules via
// goroutines rather than a textbook ready queue, which is the structural
// idea this package borrows even though its algorithm comes from
// thread.c directly).
type Scheduler struct {
	mu   sync.Mutex
	cond *sync.Cond

	readyList   []*Thread
	waitingList []*Thread
	threadList  []*Thread

	current *Thread
	idle    *Thread

	mlfqs   bool
	loadAvg fixedpoint.FP

	ticks                            uint64
	threadTicks                      uint
	idleTicks, kernelTicks, userTicks uint64

	nextTid defs.Tid_t
}

// New creates a scheduler whose "main" thread is the calling goroutine
// itself, exactly as thread_init transforms the booting code's own
// stack into initial_thread rather than spawning a new one.
func New(mlfqs bool) *Scheduler {
	s := &Scheduler{mlfqs: mlfqs, nextTid: 2}
	s.cond = sync.NewCond(&s.mu)
	main := &Thread{
		Tid:             1,
		Name:            "main",
		Status:          Running,
		Priority:        PriDefault,
		InitialPriority: PriDefault,
	}
	s.current = main
	s.threadList = append(s.threadList, main)
	return s
}

// Start creates the idle thread, run when no other thread is ready
// (thread_start). Unlike the source, which learns idle_thread's
// identity by having the idle body introspect its own stack the first
// time it runs, this records the pointer at creation time — Go threads
// have real identity, so there is nothing to wait for.
func (s *Scheduler) Start() {
	s.mu.Lock()
	idle := s.newThreadLocked("idle", PriMin)
	idle.fn = func() {
		for {
			s.Block()
		}
	}
	s.idle = idle
	s.threadList = append(s.threadList, idle)
	s.readyList = insertByPriority(s.readyList, idle)
	idle.Status = Ready
	s.loadAvg = fixedpoint.FromInt(0)
	s.mu.Unlock()

	go func() {
		s.awaitTurn(idle)
		idle.fn()
	}()
}

func (s *Scheduler) newThreadLocked(name string, priority int) *Thread {
	t := &Thread{
		Tid:             s.nextTid,
		Name:            name,
		Status:          Blocked,
		Priority:        priority,
		InitialPriority: priority,
	}
	s.nextTid++
	if s.mlfqs && s.current != nil {
		t.RecentCPU = s.current.RecentCPU
		t.Nice = s.current.Nice
		recalcPriorityOne(t)
	}
	return t
}

// Spawn creates a new thread running fn and adds it to the ready list
// (thread_create), yielding the calling thread if the new thread now has
// strictly higher priority.
func (s *Scheduler) Spawn(name string, priority int, fn func()) *Thread {
	return s.SpawnWithData(name, priority, nil, fn)
}

// SpawnWithData is Spawn plus an opaque payload attached to the Thread
// before the goroutine is launched, so a caller building its own
// thread-control-block extension (process.Thread) never races fn's very
// first read of Data against the attaching assignment.
func (s *Scheduler) SpawnWithData(name string, priority int, data interface{}, fn func()) *Thread {
	s.mu.Lock()
	t := s.newThreadLocked(name, priority)
	t.Data = data
	t.fn = fn
	s.threadList = append(s.threadList, t)
	s.readyList = insertByPriority(s.readyList, t)
	t.Status = Ready
	s.mu.Unlock()

	go func() {
		s.awaitTurn(t)
		t.fn()
		s.exit(t)
	}()

	s.priorityYield()
	return t
}

// awaitTurn parks the calling goroutine until it is the scheduler's
// current thread.
func (s *Scheduler) awaitTurn(t *Thread) {
	s.mu.Lock()
	for s.current != t {
		s.cond.Wait()
	}
	s.mu.Unlock()
}

// scheduleLocked picks the next thread to run and wakes it. Callers must
// hold s.mu and must themselves call awaitTurn afterward if they are not
// the thread chosen to run next.
func (s *Scheduler) scheduleLocked() {
	var next *Thread
	if len(s.readyList) == 0 {
		next = s.idle
	} else {
		next = s.readyList[0]
		s.readyList = s.readyList[1:]
	}
	next.Status = Running
	s.current = next
	s.threadTicks = 0
	s.cond.Broadcast()
}

// Current returns the currently-scheduled thread.
func (s *Scheduler) Current() *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Block deschedules the calling thread until a future Unblock
// (thread_block). Must be called by the thread itself.
func (s *Scheduler) Block() {
	s.mu.Lock()
	cur := s.current
	cur.Status = Blocked
	s.scheduleLocked()
	s.mu.Unlock()
	s.awaitTurn(cur)
}

// Unblock makes a blocked thread ready without preempting the current
// thread (thread_unblock).
func (s *Scheduler) Unblock(t *Thread) {
	s.mu.Lock()
	s.readyList = insertByPriority(s.readyList, t)
	t.Status = Ready
	s.mu.Unlock()
}

// Yield puts the calling thread back on the ready list and schedules
// another thread (thread_yield).
func (s *Scheduler) Yield() {
	s.mu.Lock()
	cur := s.current
	if cur != s.idle {
		s.readyList = insertByPriority(s.readyList, cur)
	}
	cur.Status = Ready
	s.scheduleLocked()
	s.mu.Unlock()
	s.awaitTurn(cur)
}

// Sleep puts the calling thread to sleep until Tick reaches wakeupTick
// (thread_sleep).
func (s *Scheduler) Sleep(wakeupTick int64) {
	s.mu.Lock()
	cur := s.current
	cur.WakeupTick = wakeupTick
	s.waitingList = insertByWakeup(s.waitingList, cur)
	cur.Status = Blocked
	s.scheduleLocked()
	s.mu.Unlock()
	s.awaitTurn(cur)
}

func (s *Scheduler) wakeThreadsLocked(tick int64) {
	i := 0
	for i < len(s.waitingList) && s.waitingList[i].WakeupTick <= tick {
		i++
	}
	woken := s.waitingList[:i]
	s.waitingList = s.waitingList[i:]
	for _, t := range woken {
		s.readyList = insertByPriority(s.readyList, t)
		t.Status = Ready
	}
}

// exit removes the calling thread from the thread list and schedules
// another thread; the goroutine returns immediately afterward and never
// resumes (thread_exit). There is no equivalent of schedule_tail's
// palloc_free_page step: the Thread struct is simply garbage collected.
func (s *Scheduler) exit(t *Thread) {
	s.mu.Lock()
	for i, th := range s.threadList {
		if th == t {
			s.threadList = append(s.threadList[:i], s.threadList[i+1:]...)
			break
		}
	}
	t.Status = Dying
	s.scheduleLocked()
	s.mu.Unlock()
}

// priorityYield yields the calling thread if the ready list's front
// thread now outranks it (priority_yield), used after any operation
// that might have made a higher-priority thread ready.
func (s *Scheduler) priorityYield() {
	s.mu.Lock()
	if len(s.readyList) == 0 {
		s.mu.Unlock()
		return
	}
	front := s.readyList[0]
	cur := s.current
	doYield := cur != s.idle && cur.Priority < front.Priority
	s.mu.Unlock()
	if doYield {
		s.Yield()
	}
}

// Tick advances the simulated timer by one tick (thread_tick), waking
// sleepers, running the MLFQS recalculation cadence, and reporting
// whether the calling thread's time slice has expired. A real interrupt
// would defer the actual context switch until the interrupt returns
// (intr_yield_on_return); here the driver of the simulated clock is
// expected to call Yield() itself when Tick reports true.
func (s *Scheduler) Tick() (shouldYield bool) {
	s.mu.Lock()
	s.ticks++
	tick := int64(s.ticks)

	cur := s.current
	if cur == s.idle {
		s.idleTicks++
	} else {
		s.kernelTicks++
	}

	if s.mlfqs && cur != s.idle {
		cur.RecentCPU = cur.RecentCPU.AddInt(1)
	}

	s.wakeThreadsLocked(tick)

	if s.mlfqs {
		if tick%4 == 0 {
			s.recalcPriorityLocked()
		}
		if tick%TimerFreq == 0 {
			s.recalcRecentCPULocked()
		}
	}

	s.threadTicks++
	shouldYield = s.threadTicks >= TimeSlice
	s.mu.Unlock()
	return shouldYield
}

// SetPriority sets the calling thread's base priority (thread_set_priority).
// A no-op under MLFQS, which derives priority automatically.
func (s *Scheduler) SetPriority(newPriority int) {
	s.mu.Lock()
	if s.mlfqs {
		s.mu.Unlock()
		return
	}
	cur := s.current
	old := cur.Priority
	if cur.Priority == cur.InitialPriority {
		cur.Priority = newPriority
	}
	cur.InitialPriority = newPriority
	shouldYield := len(s.readyList) > 0 && old > newPriority
	s.mu.Unlock()
	if shouldYield {
		s.Yield()
	}
}

// SetNice sets the calling thread's MLFQS niceness, recalculating its
// priority immediately (thread_set_nice).
func (s *Scheduler) SetNice(newNice int) {
	s.mu.Lock()
	cur := s.current
	cur.Nice = newNice
	recalcRecentCPUOne(cur, s.loadAvg)
	recalcPriorityOne(cur)
	doYield := cur != s.idle
	s.mu.Unlock()
	if doYield {
		s.priorityYield()
	}
}

func insertByPriority(list []*Thread, t *Thread) []*Thread {
	i := 0
	for i < len(list) && list[i].Priority >= t.Priority {
		i++
	}
	return insertAt(list, i, t)
}

func insertByWakeup(list []*Thread, t *Thread) []*Thread {
	i := 0
	for i < len(list) && list[i].WakeupTick <= t.WakeupTick {
		i++
	}
	return insertAt(list, i, t)
}

func insertAt(list []*Thread, i int, t *Thread) []*Thread {
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = t
	return list
}

func sortByPriorityDesc(list []*Thread) {
	sort.SliceStable(list, func(i, j int) bool { return list[i].Priority > list[j].Priority })
}
