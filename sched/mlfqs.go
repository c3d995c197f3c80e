package sched

import "pintosim/fixedpoint"

// recentCPU is a thread's recent_cpu value under MLFQS.
type recentCPU = fixedpoint.FP

// recalcPriorityOne recomputes a single thread's MLFQS priority
// (priority_recalculate_indiv): PRI_MAX - (recent_cpu/4) - nice*2,
// clamped to [PRI_MIN, PRI_MAX].
func recalcPriorityOne(t *Thread) {
	p := PriMax - t.RecentCPU.DivInt(4).Round() - t.Nice*2
	if p > PriMax {
		p = PriMax
	}
	if p < PriMin {
		p = PriMin
	}
	t.Priority = p
}

// recalcRecentCPUOne recomputes a single thread's recent_cpu
// (recent_cpu_recalculate_indiv): recent_cpu = (2*load_avg)/(2*load_avg+1) * recent_cpu + nice.
func recalcRecentCPUOne(t *Thread, loadAvg fixedpoint.FP) {
	coeff := loadAvg.MulInt(2).Div(loadAvg.MulInt(2).AddInt(1))
	t.RecentCPU = coeff.Mul(t.RecentCPU).AddInt(t.Nice)
}

// recalcPriorityLocked recomputes every non-idle thread's priority and
// re-sorts the ready list (priority_recalculate). Must be called with
// the scheduler lock held.
func (s *Scheduler) recalcPriorityLocked() {
	for _, t := range s.threadList {
		if t == s.idle {
			continue
		}
		recalcPriorityOne(t)
	}
	sortByPriorityDesc(s.readyList)
}

// recalcRecentCPULocked recomputes load_avg and every thread's recent_cpu
// (recent_cpu_recalculate), then priorities. Must be called with the
// scheduler lock held.
func (s *Scheduler) recalcRecentCPULocked() {
	ready := len(s.readyList)
	if s.current != nil && s.current != s.idle {
		ready++
	}
	s.loadAvg = s.loadAvg.MulInt(59).DivInt(60).Add(fixedpoint.FromInt(ready).DivInt(60))
	for _, t := range s.threadList {
		if t == s.idle {
			continue
		}
		recalcRecentCPUOne(t, s.loadAvg)
	}
	s.recalcPriorityLocked()
}

// LoadAvg100 returns 100 times the system load average
// (thread_get_load_avg).
func (s *Scheduler) LoadAvg100() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadAvg.MulInt(100).Round()
}

// RecentCPU100 returns 100 times t's recent_cpu (thread_get_recent_cpu).
func (t *Thread) RecentCPU100() int {
	return t.RecentCPU.MulInt(100).Round()
}
