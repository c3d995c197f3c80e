package syscall

import (
	"testing"

	"github.com/stretchr/testify/require"

	"pintosim/cache"
	"pintosim/defs"
	"pintosim/disk"
	"pintosim/filesys"
	"pintosim/frame"
	"pintosim/freemap"
	"pintosim/inode"
	"pintosim/lockorder"
	"pintosim/page"
	"pintosim/process"
	"pintosim/sched"
	"pintosim/swap"
)

type fakeLoader struct{}

func (fakeLoader) Load(child *process.Process, cmdline string) (defs.Tid_t, bool) {
	return child.PID, true
}

type fakeConsole struct{ written []byte }

func (c *fakeConsole) Write(p []byte) (int, error) {
	c.written = append(c.written, p...)
	return len(p), nil
}

type fakeExecutable struct{}

func (fakeExecutable) ReadAt(p []byte, off int64) (int, error) { return 0, nil }

func newTestEnv(t *testing.T) (*Handler, *process.Process, *process.Thread, *fakeConsole) {
	t.Helper()
	dev := disk.NewMem(4096)
	c := cache.New(dev, 32)
	t.Cleanup(c.Done)

	pool := freemap.New(4096)
	iv := inode.NewVolume(c, pool)
	require.Equal(t, defs.Err_t(0), filesys.Format(iv, pool))
	vol := filesys.Mount(iv, pool)

	swapDev := disk.NewMem(disk.Sector(swap.SectorsPerPage * 64))
	mgr := page.NewManager(frame.New(), swap.New(swapDev), lockorder.NewTracker(), 16)

	proc := process.New(1, vol, inode.RootDirSector, mgr, fakeExecutable{})
	s := sched.New(false)
	s.Start()

	console := &fakeConsole{}
	h := NewHandler(vol, s, mgr, fakeLoader{}, console)

	th := &process.Thread{Proc: proc, Esp: page.PhysBase - page.PageSize}
	return h, proc, th, console
}

// pushArgs builds a syscall stack frame starting at th.Esp (the call
// number, then one word per argument above it) and returns th.Esp as
// its base address for Dispatch, exercising the same stack-
// growth path CopyOut itself already relies on.
func pushArgs(t *testing.T, th *process.Thread, num Number, args ...uint32) uintptr {
	t.Helper()
	base := th.Esp
	var buf [4]byte
	putLe32 := func(v uint32) []byte {
		buf[0] = byte(v)
		buf[1] = byte(v >> 8)
		buf[2] = byte(v >> 16)
		buf[3] = byte(v >> 24)
		return buf[:]
	}
	require.True(t, th.CopyOut(base, putLe32(uint32(num))))
	for i, a := range args {
		require.True(t, th.CopyOut(base+uintptr((i+1)*4), putLe32(a)))
	}
	return base
}

func writeCString(t *testing.T, th *process.Thread, addr uintptr, s string) {
	t.Helper()
	require.True(t, th.CopyOut(addr, append([]byte(s), 0)))
}

func TestCreateOpenWriteReadCloseRoundTrip(t *testing.T) {
	h, _, th, _ := newTestEnv(t)
	pathAddr := th.Esp + 4096
	writeCString(t, th, pathAddr, "/hello.txt")

	base := pushArgs(t, th, SysCreate, uint32(pathAddr), 0)
	res, fault := h.Dispatch(th, base)
	require.False(t, fault)
	require.Equal(t, uint32(1), res)

	base = pushArgs(t, th, SysOpen, uint32(pathAddr))
	res, fault = h.Dispatch(th, base)
	require.False(t, fault)
	fd := int(res)
	require.GreaterOrEqual(t, fd, 0)

	bufAddr := th.Esp + 8192
	writeCString(t, th, bufAddr, "payload")
	base = pushArgs(t, th, SysWrite, uint32(fd), uint32(bufAddr), 7)
	res, fault = h.Dispatch(th, base)
	require.False(t, fault)
	require.Equal(t, uint32(7), res)

	base = pushArgs(t, th, SysSeek, uint32(fd), 0)
	_, fault = h.Dispatch(th, base)
	require.False(t, fault)

	readAddr := th.Esp + 12288
	base = pushArgs(t, th, SysRead, uint32(fd), uint32(readAddr), 7)
	res, fault = h.Dispatch(th, base)
	require.False(t, fault)
	require.Equal(t, uint32(7), res)

	got := make([]byte, 7)
	require.True(t, th.CopyIn(readAddr, got))
	require.Equal(t, "payload", string(got))

	base = pushArgs(t, th, SysTell, uint32(fd))
	res, _ = h.Dispatch(th, base)
	require.Equal(t, uint32(7), res)

	base = pushArgs(t, th, SysClose, uint32(fd))
	_, fault = h.Dispatch(th, base)
	require.False(t, fault)
}

func TestMkdirChdirReaddir(t *testing.T) {
	h, _, th, _ := newTestEnv(t)
	pathAddr := th.Esp + 4096
	writeCString(t, th, pathAddr, "/sub")

	base := pushArgs(t, th, SysMkdir, uint32(pathAddr))
	res, fault := h.Dispatch(th, base)
	require.False(t, fault)
	require.Equal(t, uint32(1), res)

	base = pushArgs(t, th, SysChdir, uint32(pathAddr))
	res, fault = h.Dispatch(th, base)
	require.False(t, fault)
	require.Equal(t, uint32(1), res)

	base = pushArgs(t, th, SysOpen, uint32(pathAddr))
	res, fault = h.Dispatch(th, base)
	require.False(t, fault)
	fd := int(res)

	base = pushArgs(t, th, SysIsdir, uint32(fd))
	res, _ = h.Dispatch(th, base)
	require.Equal(t, uint32(1), res)

	nameAddr := th.Esp + 8192
	base = pushArgs(t, th, SysReaddir, uint32(fd), uint32(nameAddr))
	res, fault = h.Dispatch(th, base)
	require.False(t, fault)
	require.Equal(t, uint32(0), res) // freshly created dir has no entries
}

func TestWriteToConsoleFd(t *testing.T) {
	h, _, th, console := newTestEnv(t)
	bufAddr := th.Esp + 4096
	writeCString(t, th, bufAddr, "hi console")

	base := pushArgs(t, th, SysWrite, uint32(ConsoleFd), uint32(bufAddr), 10)
	res, fault := h.Dispatch(th, base)
	require.False(t, fault)
	require.Equal(t, uint32(10), res)
	require.Equal(t, "hi console", string(console.written))
}

func TestMmapWritePage1ThenMunmapWritesBackOnlyDirtyPage(t *testing.T) {
	h, proc, th, _ := newTestEnv(t)
	pathAddr := th.Esp + 4096
	writeCString(t, th, pathAddr, "/mapped.txt")

	size := int32(page.PageSize * 3)
	base := pushArgs(t, th, SysCreate, uint32(pathAddr), uint32(size))
	_, fault := h.Dispatch(th, base)
	require.False(t, fault)

	base = pushArgs(t, th, SysOpen, uint32(pathAddr))
	res, fault := h.Dispatch(th, base)
	require.False(t, fault)
	fd := int(res)

	mapAddr := uintptr(0x40000000)
	base = pushArgs(t, th, SysMmap, uint32(fd), uint32(mapAddr))
	res, fault = h.Dispatch(th, base)
	require.False(t, fault)
	mapid := int(res)
	require.GreaterOrEqual(t, mapid, 0)

	// Write into page 1 only (the boundary scenario: pages 0 and 2
	// remain whatever Create zero-initialized them to).
	page1 := mapAddr + uintptr(page.PageSize)
	payload := []byte("dirtied")
	require.True(t, th.CopyOut(page1, payload))

	base = pushArgs(t, th, SysMunmap, uint32(mapid))
	_, fault = h.Dispatch(th, base)
	require.False(t, fault)

	f, errc := proc.Fds.Get(fd)
	require.Equal(t, defs.Err_t(0), errc)
	inf := f.Ops.(*process.InodeFile)
	readBack := make([]byte, len(payload))
	n := inf.Ino().ReadAt(readBack, int32(page.PageSize))
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, readBack)
}

func TestExecSpawnsChildAndWaitReturnsItsExitCode(t *testing.T) {
	h, parent, th, _ := newTestEnv(t)
	cmdAddr := th.Esp + 4096
	writeCString(t, th, cmdAddr, "child-program")

	base := pushArgs(t, th, SysExec, uint32(cmdAddr))
	res, fault := h.Dispatch(th, base)
	require.False(t, fault)
	childPid := defs.Tid_t(res)
	require.Len(t, parent.Children(), 1)

	child := parent.Children()[childPid]
	require.NotNil(t, child)

	done := make(chan struct{})
	var waitRes uint32
	process.Spawn(h.Sched, parent, "waiter", sched.PriDefault, func(waiterTh *process.Thread) {
		waiterTh.Esp = th.Esp
		base := pushArgs(t, waiterTh, SysWait, uint32(childPid))
		waitRes, _ = h.Dispatch(waiterTh, base)
		close(done)
	})

	h.Sched.Yield()
	child.Exit(h.Sched, 5)
	h.Sched.Yield()
	<-done
	require.Equal(t, uint32(5), waitRes)
}

func TestExitClosesEveryOpenDescriptor(t *testing.T) {
	h, proc, th, _ := newTestEnv(t)
	pathAddr := th.Esp + 4096
	writeCString(t, th, pathAddr, "/exiting.txt")

	base := pushArgs(t, th, SysCreate, uint32(pathAddr), 0)
	_, fault := h.Dispatch(th, base)
	require.False(t, fault)
	base = pushArgs(t, th, SysOpen, uint32(pathAddr))
	res, fault := h.Dispatch(th, base)
	require.False(t, fault)
	fd := int(res)

	base = pushArgs(t, th, SysExit, uint32(0xFFFFFFFF)) // -1 as two's complement
	_, fault = h.Dispatch(th, base)
	require.False(t, fault)

	_, errc := proc.Fds.Get(fd)
	require.Equal(t, defs.EINVAL, errc)
}
