package process

import (
	"sync"

	"pintosim/defs"
	"pintosim/disk"
	"pintosim/filesys"
	"pintosim/page"
	"pintosim/sched"
)

// Process is one user process: its open files, current directory,
// address space, and parent/child/exit-status bookkeeping (the
// user-process fields thread.h adds to struct thread, plus
// userprog/process.c's wait/exit machinery).
//
// Unlike the source, where a single struct thread carries both kernel-
// thread and user-process fields in one union, this module keeps the
// two separate: sched.Thread is the pure kernel-thread-control-block
// (grounded directly on thread.c), and Process/Thread here are the
// process-layer extension attached to it via sched.Thread.Data, the same
// split biscuit makes between its own scheduler loop and its
// fd/accnt/tinfo packages.
type Process struct {
	PID defs.Tid_t
	Vol *filesys.Volume
	Cwd disk.Sector

	Fds *FdTable
	AS  *page.AddressSpace

	Accnt Accnt

	mu       sync.Mutex
	parent   *Process
	children map[defs.Tid_t]*Process
	exited   bool
	exitCode int
	waiter   *sched.Thread

	mmapMu   sync.Mutex
	mmaps    map[int]*Mmap
	nextMmap int
}

// Mmap records one outstanding mmap region so a later munmap(mapid) can
// locate and tear it down (mapid_t tracking is left to the process layer
// in the source too; vm/as.go keeps an analogous per-process mapping
// table).
type Mmap struct {
	Fd    int
	Addr  uintptr
	Pages int
}

// New creates a process: pid, filesystem volume, working directory
// sector, the shared paging manager, and read-only access to its
// executable image for demand-paged code/data segments.
func New(pid defs.Tid_t, vol *filesys.Volume, cwd disk.Sector, mgr *page.Manager, executable page.FileReaderAt) *Process {
	p := &Process{
		PID:      pid,
		Vol:      vol,
		Cwd:      cwd,
		Fds:      NewFdTable(),
		children: make(map[defs.Tid_t]*Process),
	}
	p.Fds.Install(&Fd{Ops: stdioFile{}}) // fd 0: stdin
	p.Fds.Install(&Fd{Ops: stdioFile{}}) // fd 1: console
	p.AS = page.NewAddressSpace(mgr, p, executable)
	return p
}

// stdioFile occupies descriptors 0 and 1, which the syscall layer serves
// itself (stdin and console), so files opened later are numbered from 2.
type stdioFile struct{}

func (stdioFile) Read([]byte) (int, defs.Err_t)  { return 0, defs.EINVAL }
func (stdioFile) Write([]byte) (int, defs.Err_t) { return 0, defs.EINVAL }
func (stdioFile) Close() defs.Err_t              { return 0 }
func (stdioFile) Reopen() (FileOps, defs.Err_t)  { return stdioFile{}, 0 }

// Children returns a snapshot of p's currently-tracked children, keyed
// by pid (used by callers that need to look up a just-exec'd child by
// the pid its own syscall handler returned).
func (p *Process) Children() map[defs.Tid_t]*Process {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[defs.Tid_t]*Process, len(p.children))
	for k, v := range p.children {
		out[k] = v
	}
	return out
}

// AddMmap records a newly established mapping and returns its mapid.
func (p *Process) AddMmap(fd int, addr uintptr, pages int) int {
	p.mmapMu.Lock()
	defer p.mmapMu.Unlock()
	if p.mmaps == nil {
		p.mmaps = make(map[int]*Mmap)
	}
	id := p.nextMmap
	p.nextMmap++
	p.mmaps[id] = &Mmap{Fd: fd, Addr: addr, Pages: pages}
	return id
}

// TakeMmap removes and returns the mapping recorded under mapid, or
// ok=false if mapid is unknown (munmap of a bogus mapid).
func (p *Process) TakeMmap(mapid int) (*Mmap, bool) {
	p.mmapMu.Lock()
	defer p.mmapMu.Unlock()
	m, ok := p.mmaps[mapid]
	if ok {
		delete(p.mmaps, mapid)
	}
	return m, ok
}

// AddChild records c as one of p's children (fork/exec's parent-child
// link, needed so a later Wait(pid) can find it).
func (p *Process) AddChild(c *Process) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c.parent = p
	p.children[c.PID] = c
}

// Exit tears down the process's resources and wakes any thread blocked
// in Wait for it. s is the scheduler the waiter (if any) is blocked on;
// Unblock is used rather than a raw channel send so the cooperative
// scheduler's single-current-thread invariant is never bypassed by a
// goroutine parking outside sched's own primitives.
func (p *Process) Exit(s *sched.Scheduler, code int) {
	p.Fds.CloseAll()
	p.AS.Close()

	p.mu.Lock()
	p.exited = true
	p.exitCode = code
	waiter := p.waiter
	p.waiter = nil
	p.mu.Unlock()

	if waiter != nil {
		s.Unblock(waiter)
	}
}

// Wait blocks the calling thread (caller) on s until the child identified
// by pid has exited, then returns its exit code and forgets the child
// (process_wait: each child may be waited on at most once). Returns
// ESRCH if pid does not name a still-trackable child.
func (p *Process) Wait(s *sched.Scheduler, caller *sched.Thread, pid defs.Tid_t) (int, defs.Err_t) {
	p.mu.Lock()
	c, ok := p.children[pid]
	if !ok {
		p.mu.Unlock()
		return -1, defs.ESRCH
	}
	if c.exited {
		delete(p.children, pid)
		code := c.exitCode
		p.mu.Unlock()
		return code, 0
	}
	c.mu.Lock()
	c.waiter = caller
	c.mu.Unlock()
	p.mu.Unlock()

	s.Block()

	p.mu.Lock()
	delete(p.children, pid)
	p.mu.Unlock()
	c.mu.Lock()
	code := c.exitCode
	c.mu.Unlock()
	return code, 0
}

// Thread is the kernel-thread-control-block extension process attaches
// to a sched.Thread (via sched.Thread.Data), giving a scheduled thread
// its owning process and its simulated user stack pointer — the latter
// needed both for the page-fault handler's stack-growth heuristic and
// for CopyIn/CopyOut's own potential stack-growth faults during argument
// copy-in.
type Thread struct {
	Sched *sched.Thread
	Proc  *Process
	Esp   uintptr
}

// Spawn creates a kernel thread for proc and attaches it as the
// sched.Thread's Data payload before the goroutine is launched.
func Spawn(s *sched.Scheduler, proc *Process, name string, priority int, fn func(*Thread)) *Thread {
	t := &Thread{Proc: proc}
	st := s.SpawnWithData(name, priority, t, func() { fn(t) })
	t.Sched = st
	return t
}

// CopyIn reads len(dst) bytes of user memory starting at vaddr into dst,
// faulting pages in as needed, and recovers from any unexpected
// invariant panic as a probe failure — the Go-native analogue of the
// syscall boundary's fault-safe pointer probe (exception.c's
// page_fault-return-address-rewriting trick in the source).
func (t *Thread) CopyIn(vaddr uintptr, dst []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	remaining := dst
	addr := vaddr
	for len(remaining) > 0 {
		data, off, found := t.Proc.AS.Access(addr, t.Esp, false)
		if !found {
			return false
		}
		n := copy(remaining, data[off:])
		if n == 0 {
			return false
		}
		remaining = remaining[n:]
		addr += uintptr(n)
	}
	return true
}

// CopyInCString reads a NUL-terminated string from user memory starting
// at vaddr, one byte at a time, failing if no terminator is found within
// maxLen bytes or if any byte faults (path/cmdline argument copy-in,
// which the source does via a dedicated get_user byte-at-a-time loop
// rather than a bulk copy since the string's length isn't known ahead of
// time).
func (t *Thread) CopyInCString(vaddr uintptr, maxLen int) (string, bool) {
	buf := make([]byte, 0, 64)
	var b [1]byte
	for i := 0; i < maxLen; i++ {
		if !t.CopyIn(vaddr+uintptr(i), b[:]) {
			return "", false
		}
		if b[0] == 0 {
			return string(buf), true
		}
		buf = append(buf, b[0])
	}
	return "", false
}

// ProbeWrite checks that the n bytes of user memory starting at vaddr
// are writable without copying anything into them, so a destination
// buffer can be validated before a state-changing call runs and only
// written to afterward (the syscall boundary's validate-before-mutate
// rule: a bad pointer must fault before any data is consumed).
func (t *Thread) ProbeWrite(vaddr uintptr, n int) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	remaining := n
	addr := vaddr
	for remaining > 0 {
		data, off, found := t.Proc.AS.Access(addr, t.Esp, true)
		if !found {
			return false
		}
		avail := len(data) - off
		if avail <= 0 {
			return false
		}
		if avail > remaining {
			avail = remaining
		}
		remaining -= avail
		addr += uintptr(avail)
	}
	return true
}

// CopyOut writes src into user memory starting at vaddr, faulting pages
// in as needed (write permission is checked per page by AS.Access).
func (t *Thread) CopyOut(vaddr uintptr, src []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	remaining := src
	addr := vaddr
	for len(remaining) > 0 {
		data, off, found := t.Proc.AS.Access(addr, t.Esp, true)
		if !found {
			return false
		}
		n := copy(data[off:], remaining)
		if n == 0 {
			return false
		}
		remaining = remaining[n:]
		addr += uintptr(n)
	}
	return true
}
