package process

import (
	"sync"

	"pintosim/defs"
	"pintosim/filesys"
	"pintosim/inode"
)

// File-descriptor permission bits (FD_READ/FD_WRITE/FD_CLOEXEC).
const (
	FDRead    = 0x1
	FDWrite   = 0x2
	FDCloexec = 0x4
)

// FileOps is the operation set a descriptor's backing object provides,
// narrowed from biscuit's fdops.Fdops_i to what this module's syscall
// surface needs.
type FileOps interface {
	Read(dst []byte) (int, defs.Err_t)
	Write(src []byte) (int, defs.Err_t)
	Close() defs.Err_t
	Reopen() (FileOps, defs.Err_t)
}

// Fd is one entry in a process's open-file table (fd.Fd_t).
type Fd struct {
	Ops   FileOps
	Perms int
}

// FdTable is a process's open-file-descriptor table: a dense slice
// allocated at the lowest free index, exactly like Unix fd semantics
// (and biscuit's own per-process fd map).
type FdTable struct {
	mu    sync.Mutex
	slots []*Fd
}

// NewFdTable creates an empty descriptor table.
func NewFdTable() *FdTable { return &FdTable{} }

// Install places f in the lowest-numbered free slot and returns its
// descriptor number.
func (t *FdTable) Install(f *Fd) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.slots {
		if s == nil {
			t.slots[i] = f
			return i
		}
	}
	t.slots = append(t.slots, f)
	return len(t.slots) - 1
}

// Get returns the descriptor at fd, or EINVAL if fd is not open.
func (t *FdTable) Get(fd int) (*Fd, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || fd >= len(t.slots) || t.slots[fd] == nil {
		return nil, defs.EINVAL
	}
	return t.slots[fd], 0
}

// Close closes and frees the slot at fd.
func (t *FdTable) Close(fd int) defs.Err_t {
	t.mu.Lock()
	if fd < 0 || fd >= len(t.slots) || t.slots[fd] == nil {
		t.mu.Unlock()
		return defs.EINVAL
	}
	f := t.slots[fd]
	t.slots[fd] = nil
	t.mu.Unlock()
	return f.Ops.Close()
}

// Dup duplicates fd into a fresh lowest-free slot by reopening its
// backing object (Copyfd's reopen-not-alias semantics).
func (t *FdTable) Dup(fd int) (int, defs.Err_t) {
	t.mu.Lock()
	if fd < 0 || fd >= len(t.slots) || t.slots[fd] == nil {
		t.mu.Unlock()
		return -1, defs.EINVAL
	}
	orig := t.slots[fd]
	t.mu.Unlock()

	reopened, errc := orig.Ops.Reopen()
	if errc != 0 {
		return -1, errc
	}
	return t.Install(&Fd{Ops: reopened, Perms: orig.Perms}), 0
}

// CloseAll closes every open descriptor (process teardown).
func (t *FdTable) CloseAll() {
	t.mu.Lock()
	slots := t.slots
	t.slots = nil
	t.mu.Unlock()
	for _, f := range slots {
		if f != nil {
			f.Ops.Close()
		}
	}
}

// InodeFile adapts an open inode.Inode, plus a private seek offset, to
// the FileOps a regular-file descriptor needs (fd.Fd_t wrapping a
// concrete fops implementation in the source).
type InodeFile struct {
	vol *inode.Volume
	ino *inode.Inode
	mu  sync.Mutex
	off int32
}

// NewInodeFile wraps an already-open inode as a file descriptor's
// backing object.
func NewInodeFile(vol *inode.Volume, ino *inode.Inode) *InodeFile {
	return &InodeFile{vol: vol, ino: ino}
}

func (f *InodeFile) Read(dst []byte) (int, defs.Err_t) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.ino.ReadAt(dst, f.off)
	f.off += int32(n)
	return n, 0
}

func (f *InodeFile) Write(src []byte) (int, defs.Err_t) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.ino.WriteAt(src, f.off)
	f.off += int32(n)
	return n, 0
}

func (f *InodeFile) Close() defs.Err_t {
	f.vol.Close(f.ino)
	return 0
}

func (f *InodeFile) Reopen() (FileOps, defs.Err_t) {
	reopened, errc := f.vol.Reopen(f.ino)
	if errc != 0 {
		return nil, errc
	}
	return &InodeFile{vol: f.vol, ino: reopened}, 0
}

// Ino exposes the backing inode for mmap and filesize/inumber, which
// need direct access rather than FileOps' sequential cursor.
func (f *InodeFile) Ino() *inode.Inode { return f.ino }

// Seek repositions the descriptor's cursor (the seek syscall).
func (f *InodeFile) Seek(pos int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.off = pos
}

// Offset reports the descriptor's current cursor (the tell syscall).
func (f *InodeFile) Offset() int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.off
}

// DirFile adapts an open filesys.Dir to FileOps so it can occupy a file
// descriptor slot; Read/Write are rejected with EISDIR exactly as
// attempting byte I/O on a directory fd is in the source, and Readdir is
// the extra operation the readdir syscall needs beyond plain FileOps.
type DirFile struct {
	dir    *filesys.Dir
	mu     sync.Mutex
	cursor int
}

// NewDirFile wraps an already-open directory as a file descriptor's
// backing object.
func NewDirFile(dir *filesys.Dir) *DirFile {
	return &DirFile{dir: dir}
}

func (d *DirFile) Read(dst []byte) (int, defs.Err_t)  { return 0, defs.EISDIR }
func (d *DirFile) Write(src []byte) (int, defs.Err_t) { return 0, defs.EISDIR }

func (d *DirFile) Close() defs.Err_t {
	d.dir.Close()
	return 0
}

func (d *DirFile) Reopen() (FileOps, defs.Err_t) {
	return nil, defs.EINVAL
}

// Readdir returns the next entry name, or ok=false once the directory is
// exhausted (the readdir syscall, minus the "." and ".." entries Readdir
// already skips).
func (d *DirFile) Readdir() (name string, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	name, next, ok := d.dir.Readdir(d.cursor)
	d.cursor = next
	return name, ok
}

// Ino exposes the backing directory's inode for inumber.
func (d *DirFile) Ino() *inode.Inode { return d.dir.Inode() }

// inodeFileAt adapts an inode.Inode to page.FileReaderAt/page.MmapFile's
// int64-offset, error-returning contract (inode.ReadAt/WriteAt return a
// plain int, consistent with this module's assume-disk-is-infallible
// convention elsewhere).
type inodeFileAt struct {
	ino *inode.Inode
}

// NewMmapFile wraps ino for use as an mmap'd page's backing file.
func NewMmapFile(ino *inode.Inode) inodeFileAt {
	return inodeFileAt{ino: ino}
}

func (r inodeFileAt) ReadAt(p []byte, off int64) (int, error) {
	return r.ino.ReadAt(p, int32(off)), nil
}

func (r inodeFileAt) WriteAt(p []byte, off int64) (int, error) {
	return r.ino.WriteAt(p, int32(off)), nil
}
