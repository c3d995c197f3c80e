// Package syscall dispatches the user-process system call surface:
// decoding a call number and its arguments off the simulated user stack,
// validating every user-supplied pointer before acting on it, and
// routing to the filesys/process/page operations that do the real work.
//
// Grounded on original_source/pintos/src/userprog/syscall.c (full 173-
// line read) for the dispatch shape — an arg-count-tiered switch reading
// successive words above the syscall number — and on biscuit's own
// syscall dispatcher (vm/userbuf.go's fault-safe user-memory probe) for
// the idea of centralizing pointer validation in one place rather than
// re-checking it in each handler.
package syscall

import (
	"sync/atomic"

	"pintosim/defs"
	"pintosim/filesys"
	"pintosim/klog"
	"pintosim/page"
	"pintosim/process"
	"pintosim/sched"
)

// pidCounter hands out pids for exec'd children; a real kernel allocates
// these from the same tid space as kernel threads, but nothing else in
// this module needs that coupling.
var pidCounter int64

func nextPid() defs.Tid_t {
	return defs.Tid_t(atomic.AddInt64(&pidCounter, 1))
}

// Number identifies a system call, matching the 20-call surface named
// in the source's syscall-nr.h (the prose elsewhere in the same
// document undercounts this as 15; the enumerated list is treated as
// authoritative — see design note).
type Number int

const (
	SysHalt Number = iota
	SysExit
	SysExec
	SysWait
	SysCreate
	SysRemove
	SysOpen
	SysFilesize
	SysRead
	SysWrite
	SysSeek
	SysTell
	SysClose
	SysMmap
	SysMunmap
	SysChdir
	SysMkdir
	SysReaddir
	SysIsdir
	SysInumber
)

// argCount is the number of machine-word arguments syscall.c pops for
// each call number, grounding the tiered dispatch in Dispatch below.
var argCount = map[Number]int{
	SysHalt: 0,

	SysExit:     1,
	SysExec:     1,
	SysWait:     1,
	SysRemove:   1,
	SysOpen:     1,
	SysFilesize: 1,
	SysTell:     1,
	SysClose:    1,
	SysMunmap:   1,
	SysChdir:    1,
	SysMkdir:    1,
	SysIsdir:    1,
	SysInumber:  1,

	SysCreate:  2,
	SysSeek:    2,
	SysMmap:    2,
	SysReaddir: 2,

	SysRead:  3,
	SysWrite: 3,
}

// NameMax mirrors filesys' own path-component limit; ConsoleFd and
// consoleChunk match the source's fd 1 console convention and its
// 1024-byte putbuf chunking in syscall.c's write handler.
const (
	NameMax      = filesys.NameMax
	ConsoleFd    = 1
	consoleChunk = 1024
)

// Loader is the injected collaborator that actually loads and begins
// executing a program image into a freshly created process's address
// space. It stands in for the ELF loader and trap/interrupt plumbing
// that spec.md's own Non-goals list as external collaborators identified
// only by their interfaces: this module has no CPU emulator to jump
// into loaded user code, so Exec can only construct the child process
// and hand it to Loader, returning the pid Loader reports.
type Loader interface {
	Load(child *process.Process, cmdline string) (defs.Tid_t, bool)
}

// Console is the write(fd=1, ...) destination; the terminal/console
// driver is likewise out of this module's scope per spec.md, so output
// is routed through this small interface instead of os.Stdout directly.
type Console interface {
	Write(p []byte) (int, error)
}

// Handler bundles every dependency the syscall surface needs to act:
// the mounted filesystem, the cooperative scheduler, the paging
// manager backing every process's address space, the out-of-scope
// program loader, and the console sink.
type Handler struct {
	Vol     *filesys.Volume
	Sched   *sched.Scheduler
	Mem     *page.Manager
	Loader  Loader
	Console Console
}

// NewHandler wires up a Handler from its dependencies.
func NewHandler(vol *filesys.Volume, s *sched.Scheduler, mem *page.Manager, loader Loader, console Console) *Handler {
	return &Handler{Vol: vol, Sched: s, Mem: mem, Loader: loader, Console: console}
}

// Dispatch reads the syscall number and its arguments off th's user
// stack at esp (mirroring syscall_handler's f->esp walk), validates
// them, and executes the call, returning the value to place in the
// caller's eax and whether the process faulted and must be killed
// instead (an invalid syscall-argument pointer is treated exactly like
// any other bad user pointer: terminate with status -1).
func (h *Handler) Dispatch(th *process.Thread, esp uintptr) (result uint32, fault bool) {
	var nbuf [4]byte
	if !th.CopyIn(esp, nbuf[:]) {
		return 0, true
	}
	num := Number(le32(nbuf[:]))

	n, known := argCount[num]
	if !known {
		klog.With(nil).Warnf("syscall: unknown call number %d", num)
		return 0, true
	}

	args := make([]uint32, n)
	for i := 0; i < n; i++ {
		var buf [4]byte
		if !th.CopyIn(esp+uintptr((i+1)*4), buf[:]) {
			return 0, true
		}
		args[i] = le32(buf[:])
	}

	switch num {
	case SysHalt:
		return h.sysHalt()
	case SysExit:
		return h.sysExit(th, int32(args[0]))
	case SysExec:
		return h.sysExec(th, uintptr(args[0]))
	case SysWait:
		return h.sysWait(th, defs.Tid_t(args[0]))
	case SysCreate:
		return h.sysCreate(th, uintptr(args[0]), int32(args[1]))
	case SysRemove:
		return h.sysRemove(th, uintptr(args[0]))
	case SysOpen:
		return h.sysOpen(th, uintptr(args[0]))
	case SysFilesize:
		return h.sysFilesize(th, int(args[0]))
	case SysRead:
		return h.sysRead(th, int(args[0]), uintptr(args[1]), int(args[2]))
	case SysWrite:
		return h.sysWrite(th, int(args[0]), uintptr(args[1]), int(args[2]))
	case SysSeek:
		return h.sysSeek(th, int(args[0]), int32(args[1]))
	case SysTell:
		return h.sysTell(th, int(args[0]))
	case SysClose:
		return h.sysClose(th, int(args[0]))
	case SysMmap:
		return h.sysMmap(th, int(args[0]), uintptr(args[1]))
	case SysMunmap:
		return h.sysMunmap(th, int(args[0]))
	case SysChdir:
		return h.sysChdir(th, uintptr(args[0]))
	case SysMkdir:
		return h.sysMkdir(th, uintptr(args[0]))
	case SysReaddir:
		return h.sysReaddir(th, int(args[0]), uintptr(args[1]))
	case SysIsdir:
		return h.sysIsdir(th, int(args[0]))
	case SysInumber:
		return h.sysInumber(th, int(args[0]))
	}
	return 0, true
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func boolTo32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

func (h *Handler) sysHalt() (uint32, bool) {
	klog.With(nil).Info("syscall: halt")
	panic("halt")
}

func (h *Handler) sysExit(th *process.Thread, status int32) (uint32, bool) {
	th.Proc.Exit(h.Sched, int(status))
	return 0, false
}

func (h *Handler) sysExec(th *process.Thread, cmdlineAddr uintptr) (uint32, bool) {
	cmdline, ok := th.CopyInCString(cmdlineAddr, 128)
	if !ok {
		return 0, true
	}
	child := process.New(nextPid(), th.Proc.Vol, th.Proc.Cwd, h.Mem, nil)
	th.Proc.AddChild(child)
	pid, ok := h.Loader.Load(child, cmdline)
	if !ok {
		return uint32(int32(-1)), false
	}
	return uint32(pid), false
}

func (h *Handler) sysWait(th *process.Thread, pid defs.Tid_t) (uint32, bool) {
	code, errc := th.Proc.Wait(h.Sched, th.Sched, pid)
	if errc != 0 {
		return uint32(int32(-1)), false
	}
	return uint32(int32(code)), false
}

func (h *Handler) sysCreate(th *process.Thread, pathAddr uintptr, size int32) (uint32, bool) {
	path, ok := th.CopyInCString(pathAddr, 512)
	if !ok || path == "" {
		return 0, true
	}
	errc := h.Vol.Create(path, size, th.Proc.Cwd)
	return boolTo32(errc == 0), false
}

func (h *Handler) sysRemove(th *process.Thread, pathAddr uintptr) (uint32, bool) {
	path, ok := th.CopyInCString(pathAddr, 512)
	if !ok || path == "" {
		return 0, true
	}
	errc := h.Vol.Remove(path, th.Proc.Cwd)
	return boolTo32(errc == 0), false
}

func (h *Handler) sysOpen(th *process.Thread, pathAddr uintptr) (uint32, bool) {
	path, ok := th.CopyInCString(pathAddr, 512)
	if !ok {
		return 0, true
	}
	if path == "" {
		return uint32(int32(-1)), false
	}
	sector, isDir, errc := h.Vol.Find(path, th.Proc.Cwd)
	if errc != 0 {
		return uint32(int32(-1)), false
	}
	if isDir {
		dir, errc := h.Vol.OpenDir(sector)
		if errc != 0 {
			return uint32(int32(-1)), false
		}
		fd := th.Proc.Fds.Install(&process.Fd{Ops: process.NewDirFile(dir), Perms: process.FDRead})
		return uint32(fd), false
	}
	ino, errc := h.Vol.Inodes.Open(sector)
	if errc != 0 {
		return uint32(int32(-1)), false
	}
	fd := th.Proc.Fds.Install(&process.Fd{Ops: process.NewInodeFile(h.Vol.Inodes, ino), Perms: process.FDRead | process.FDWrite})
	return uint32(fd), false
}

func (h *Handler) sysFilesize(th *process.Thread, fd int) (uint32, bool) {
	f, errc := th.Proc.Fds.Get(fd)
	if errc != 0 {
		return 0, false
	}
	inf, ok := f.Ops.(*process.InodeFile)
	if !ok {
		return 0, false
	}
	return uint32(inf.Ino().Length()), false
}

func (h *Handler) sysRead(th *process.Thread, fd int, bufAddr uintptr, size int) (uint32, bool) {
	if fd == 0 {
		return 0, false // stdin reads are out of this module's scope (no console input driver)
	}
	f, errc := th.Proc.Fds.Get(fd)
	if errc != 0 {
		return uint32(int32(-1)), false
	}
	if size > 0 && !th.ProbeWrite(bufAddr, size) {
		return 0, true
	}
	buf := make([]byte, size)
	n, errc := f.Ops.Read(buf)
	if errc != 0 {
		return uint32(int32(-1)), false
	}
	if n > 0 && !th.CopyOut(bufAddr, buf[:n]) {
		return 0, true
	}
	return uint32(n), false
}

func (h *Handler) sysWrite(th *process.Thread, fd int, bufAddr uintptr, size int) (uint32, bool) {
	buf := make([]byte, size)
	if size > 0 && !th.CopyIn(bufAddr, buf) {
		return 0, true
	}
	if fd == ConsoleFd {
		written := 0
		for written < len(buf) {
			end := written + consoleChunk
			if end > len(buf) {
				end = len(buf)
			}
			n, err := h.Console.Write(buf[written:end])
			if err != nil {
				break
			}
			written += n
		}
		return uint32(written), false
	}
	f, errc := th.Proc.Fds.Get(fd)
	if errc != 0 {
		return uint32(int32(-1)), false
	}
	n, errc := f.Ops.Write(buf)
	if errc != 0 {
		return uint32(int32(-1)), false
	}
	return uint32(n), false
}

func (h *Handler) sysSeek(th *process.Thread, fd int, pos int32) (uint32, bool) {
	f, errc := th.Proc.Fds.Get(fd)
	if errc != 0 {
		return 0, false
	}
	if inf, ok := f.Ops.(*process.InodeFile); ok {
		inf.Seek(pos)
	}
	return 0, false
}

func (h *Handler) sysTell(th *process.Thread, fd int) (uint32, bool) {
	f, errc := th.Proc.Fds.Get(fd)
	if errc != 0 {
		return 0, false
	}
	if inf, ok := f.Ops.(*process.InodeFile); ok {
		return uint32(inf.Offset()), false
	}
	return 0, false
}

func (h *Handler) sysClose(th *process.Thread, fd int) (uint32, bool) {
	th.Proc.Fds.Close(fd)
	return 0, false
}

func (h *Handler) sysMmap(th *process.Thread, fd int, addr uintptr) (uint32, bool) {
	if addr == 0 || addr%page.PageSize != 0 {
		return uint32(int32(-1)), false
	}
	f, errc := th.Proc.Fds.Get(fd)
	if errc != 0 {
		return uint32(int32(-1)), false
	}
	inf, ok := f.Ops.(*process.InodeFile)
	if !ok {
		return uint32(int32(-1)), false
	}
	length := inf.Ino().Length()
	if length == 0 {
		return uint32(int32(-1)), false
	}
	as := th.Proc.AS
	as.Lock()
	for i := 0; i < (int(length)+page.PageSize-1)/page.PageSize; i++ {
		if as.Search(addr+uintptr(i*page.PageSize)) != nil {
			as.Unlock()
			return uint32(int32(-1)), false
		}
	}
	as.Unlock()
	mfile := process.NewMmapFile(inf.Ino())
	pages := as.Mmap(addr, int(length), mfile)
	mapid := th.Proc.AddMmap(fd, addr, pages)
	return uint32(mapid), false
}

func (h *Handler) sysMunmap(th *process.Thread, mapid int) (uint32, bool) {
	m, ok := th.Proc.TakeMmap(mapid)
	if !ok {
		return 0, false
	}
	th.Proc.AS.Unmap(m.Addr, m.Pages)
	return 0, false
}

func (h *Handler) sysChdir(th *process.Thread, pathAddr uintptr) (uint32, bool) {
	path, ok := th.CopyInCString(pathAddr, 512)
	if !ok || path == "" {
		return 0, true
	}
	sector, errc := h.Vol.Chdir(path, th.Proc.Cwd)
	if errc != 0 {
		return 0, false
	}
	th.Proc.Cwd = sector
	return 1, false
}

func (h *Handler) sysMkdir(th *process.Thread, pathAddr uintptr) (uint32, bool) {
	path, ok := th.CopyInCString(pathAddr, 512)
	if !ok || path == "" {
		return 0, true
	}
	errc := h.Vol.Mkdir(path, th.Proc.Cwd)
	return boolTo32(errc == 0), false
}

func (h *Handler) sysReaddir(th *process.Thread, fd int, nameAddr uintptr) (uint32, bool) {
	f, errc := th.Proc.Fds.Get(fd)
	if errc != 0 {
		return 0, false
	}
	df, ok := f.Ops.(*process.DirFile)
	if !ok {
		return 0, false
	}
	if !th.ProbeWrite(nameAddr, filesys.NameMax+1) {
		return 0, true
	}
	name, ok := df.Readdir()
	if !ok {
		return 0, false
	}
	buf := make([]byte, len(name)+1)
	copy(buf, name)
	if !th.CopyOut(nameAddr, buf) {
		return 0, true
	}
	return 1, false
}

func (h *Handler) sysIsdir(th *process.Thread, fd int) (uint32, bool) {
	f, errc := th.Proc.Fds.Get(fd)
	if errc != 0 {
		return 0, false
	}
	_, isDir := f.Ops.(*process.DirFile)
	return boolTo32(isDir), false
}

func (h *Handler) sysInumber(th *process.Thread, fd int) (uint32, bool) {
	f, errc := th.Proc.Fds.Get(fd)
	if errc != 0 {
		return 0, false
	}
	switch v := f.Ops.(type) {
	case *process.InodeFile:
		return uint32(v.Ino().Sector()), false
	case *process.DirFile:
		return uint32(v.Ino().Sector()), false
	}
	return 0, false
}
