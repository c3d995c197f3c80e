// Package filesys provides the path-resolution facade and directory
// format sitting on top of inode: tokenized path walks, directory
// entries (itself just a specially-interpreted inode), and the
// create/open/remove/mkdir/readdir/chdir operations spec §4 names.
//
// Grounded on original_source/pintos/src/filesys/filesys.c (full read,
// 310 lines) for the path-walk control flow; the directory entry format
// itself (struct dir_entry / dir.c) is not present in the retrieval pack
// (absent from original_source/_INDEX.md), so its on-disk layout is this
// module's own design, following the same "fixed-size records inside an
// ordinary inode's byte stream" idea filesys.c's calls to dir_add/
// dir_lookup/dir_remove imply. Biscuit's ufs/ufs.go (name resolution atop
// its own inode layer) is the structural model for the Go translation.
package filesys

import (
	"bytes"
	"strings"

	"pintosim/defs"
	"pintosim/disk"
	"pintosim/freemap"
	"pintosim/inode"
)

// NameMax is the longest file name component this filesystem accepts.
const NameMax = 14

const (
	entrySectorOff = 0
	entryNameOff   = 4
	entryFlagsOff  = entryNameOff + NameMax + 1
	entrySize      = entryFlagsOff + 1

	flagInUse = 1 << 0
	flagIsDir = 1 << 1
)

// Volume is a mounted filesystem: an inode volume plus its free-space
// pool. Unlike the source, which reaches the caller's working directory
// through a process-global thread_current()->curr_dir_sector, every
// operation here takes the caller's current directory sector as an
// explicit argument — avoiding a dependency from filesys on the process
// package (process depends on filesys, not the reverse).
type Volume struct {
	Inodes *inode.Volume
	Free   *freemap.Pool
}

// Mount wraps an already-opened inode volume and free-space pool.
func Mount(inodes *inode.Volume, free *freemap.Pool) *Volume {
	return &Volume{Inodes: inodes, Free: free}
}

// Format lays down a fresh filesystem: a free-space pool and an empty
// root directory (do_format in the source).
func Format(inodes *inode.Volume, free *freemap.Pool) defs.Err_t {
	if errc := free.Format(inodes); errc != 0 {
		return errc
	}
	return createDir(inodes, inode.RootDirSector, inode.RootDirSector, 16)
}

// Dir wraps an open directory inode.
type Dir struct {
	vol *Volume
	ino *inode.Inode
}

func createDir(vol *inode.Volume, sector, parent disk.Sector, initialEntries int) defs.Err_t {
	if errc := vol.Create(sector, int32(initialEntries*entrySize), inode.TypeDir); errc != 0 {
		return errc
	}
	ino, errc := vol.Open(sector)
	if errc != 0 {
		return errc
	}
	defer vol.Close(ino)

	d := &Dir{vol: &Volume{Inodes: vol}, ino: ino}
	if !d.addRaw(".", sector, true) {
		return defs.ENOSPC
	}
	if !d.addRaw("..", parent, true) {
		return defs.ENOSPC
	}
	return 0
}

// OpenDir opens the directory inode at sector.
func (v *Volume) OpenDir(sector disk.Sector) (*Dir, defs.Err_t) {
	ino, errc := v.Inodes.Open(sector)
	if errc != 0 {
		return nil, errc
	}
	if v.Inodes.GetType(sector) != inode.TypeDir {
		v.Inodes.Close(ino)
		return nil, defs.ENOTDIR
	}
	return &Dir{vol: v, ino: ino}, 0
}

// Close releases the directory's underlying inode.
func (d *Dir) Close() {
	if d == nil {
		return
	}
	d.vol.Inodes.Close(d.ino)
}

// Inode returns the directory's underlying inode.
func (d *Dir) Inode() *inode.Inode { return d.ino }

type entry struct {
	sector disk.Sector
	name   string
	isDir  bool
	inUse  bool
	index  int
}

func decodeEntry(buf []byte, index int) entry {
	sector := disk.Sector(uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24)
	nameBuf := buf[entryNameOff:entryFlagsOff]
	n := bytes.IndexByte(nameBuf, 0)
	if n < 0 {
		n = len(nameBuf)
	}
	flags := buf[entryFlagsOff]
	return entry{
		sector: sector,
		name:   string(nameBuf[:n]),
		isDir:  flags&flagIsDir != 0,
		inUse:  flags&flagInUse != 0,
		index:  index,
	}
}

func encodeEntry(e entry) []byte {
	buf := make([]byte, entrySize)
	buf[0] = byte(e.sector)
	buf[1] = byte(e.sector >> 8)
	buf[2] = byte(e.sector >> 16)
	buf[3] = byte(e.sector >> 24)
	copy(buf[entryNameOff:entryFlagsOff], []byte(e.name))
	var flags byte
	if e.inUse {
		flags |= flagInUse
	}
	if e.isDir {
		flags |= flagIsDir
	}
	buf[entryFlagsOff] = flags
	return buf
}

func (d *Dir) readEntry(index int) (entry, bool) {
	buf := make([]byte, entrySize)
	n := d.ino.ReadAt(buf, int32(index*entrySize))
	if n != entrySize {
		return entry{}, false
	}
	return decodeEntry(buf, index), true
}

func (d *Dir) writeEntry(e entry) bool {
	return d.ino.WriteAt(encodeEntry(e), int32(e.index*entrySize)) == entrySize
}

// addRaw writes a new entry without checking for duplicates, used only
// for the "." and ".." bootstrap entries in createDir.
func (d *Dir) addRaw(name string, sector disk.Sector, isDir bool) bool {
	index := int(d.ino.Length()) / entrySize
	return d.writeEntry(entry{sector: sector, name: name, isDir: isDir, inUse: true, index: index})
}

// Lookup finds name within d, reporting the entry's sector and whether
// it is itself a directory (dir_lookup).
func (d *Dir) Lookup(name string) (sector disk.Sector, isDir bool, found bool) {
	count := int(d.ino.Length()) / entrySize
	for i := 0; i < count; i++ {
		e, ok := d.readEntry(i)
		if !ok {
			break
		}
		if e.inUse && e.name == name {
			return e.sector, e.isDir, true
		}
	}
	return 0, false, false
}

// Add inserts a new name -> sector mapping, reusing the first unused
// slot if one exists, or appending otherwise (dir_add). Fails if name is
// empty, too long, or already present.
func (d *Dir) Add(name string, isDir bool, sector disk.Sector) bool {
	if name == "" || len(name) > NameMax {
		return false
	}
	if _, _, found := d.Lookup(name); found {
		return false
	}
	count := int(d.ino.Length()) / entrySize
	slot := count
	for i := 0; i < count; i++ {
		e, ok := d.readEntry(i)
		if !ok {
			break
		}
		if !e.inUse {
			slot = i
			break
		}
	}
	return d.writeEntry(entry{sector: sector, name: name, isDir: isDir, inUse: true, index: slot})
}

// Remove deletes name from d (dir_remove). Refuses to remove a
// non-empty directory or one that is open elsewhere — there is no
// dir.c in the retrieval pack to follow verbatim here, so this is this
// module's own conservative resolution (recorded in DESIGN.md), matching
// ordinary Unix rmdir semantics rather than the bare record-erase a
// strict line-for-line port would have performed.
func (d *Dir) Remove(name string) defs.Err_t {
	sector, isDir, found := d.Lookup(name)
	if !found {
		return defs.ENOENT
	}
	target, errc := d.vol.Inodes.Open(sector)
	if errc != 0 {
		return errc
	}
	if isDir {
		sub := &Dir{vol: d.vol, ino: target}
		if !sub.isEmpty() || target.IsOpened() {
			d.vol.Inodes.Close(target)
			return defs.EINVAL
		}
	}

	count := int(d.ino.Length()) / entrySize
	for i := 0; i < count; i++ {
		e, ok := d.readEntry(i)
		if !ok {
			break
		}
		if e.inUse && e.name == name {
			e.inUse = false
			d.writeEntry(e)
			break
		}
	}
	d.vol.Inodes.Remove(target)
	d.vol.Inodes.Close(target)
	return 0
}

func (d *Dir) isEmpty() bool {
	count := int(d.ino.Length()) / entrySize
	for i := 0; i < count; i++ {
		e, ok := d.readEntry(i)
		if !ok {
			break
		}
		if e.inUse && e.name != "." && e.name != ".." {
			return false
		}
	}
	return true
}

// Readdir returns the next in-use entry name at or after cursor,
// reporting the cursor to resume from on the next call ("." and ".."
// are skipped, matching typical Pintos dir_readdir behavior).
func (d *Dir) Readdir(cursor int) (name string, next int, ok bool) {
	count := int(d.ino.Length()) / entrySize
	for i := cursor; i < count; i++ {
		e, readOk := d.readEntry(i)
		if !readOk {
			break
		}
		if e.inUse && e.name != "." && e.name != ".." {
			return e.name, i + 1, true
		}
	}
	return "", count, false
}

func checkPath(path string) bool {
	if path == "" {
		return false
	}
	onlySlash := true
	var last byte
	for i := 0; i < len(path); i++ {
		c := path[i]
		last = c
		if c == '/' {
			continue
		}
		onlySlash = false
	}
	return last != '/' || onlySlash
}

// walk resolves path component by component starting from cwd (or the
// root, if path is absolute), returning the final inode and whether it
// is a directory.
func (v *Volume) walk(path string, cwd disk.Sector) (disk.Sector, bool, defs.Err_t) {
	if !checkPath(path) {
		return 0, false, defs.EINVAL
	}
	start := cwd
	if path[0] == '/' {
		start = inode.RootDirSector
	}
	sector := start
	isDir := true
	for _, tok := range strings.Split(path, "/") {
		if tok == "" {
			continue
		}
		if !isDir {
			return 0, false, defs.ENOTDIR
		}
		dir, errc := v.OpenDir(sector)
		if errc != 0 {
			return 0, false, errc
		}
		next, nextIsDir, found := dir.Lookup(tok)
		dir.Close()
		if !found {
			return 0, false, defs.ENOENT
		}
		sector = next
		isDir = nextIsDir
	}
	return sector, isDir, 0
}

// splitParent resolves every path component but the last, returning the
// parent directory (still open — caller must Close it) and the final
// component name (filesys_create_routine).
func (v *Volume) splitParent(path string, cwd disk.Sector) (*Dir, string, defs.Err_t) {
	if !checkPath(path) {
		return nil, "", defs.EINVAL
	}
	start := cwd
	if path[0] == '/' {
		start = inode.RootDirSector
	}
	parts := make([]string, 0, 8)
	for _, tok := range strings.Split(path, "/") {
		if tok != "" {
			parts = append(parts, tok)
		}
	}
	if len(parts) == 0 {
		return nil, "", defs.EINVAL
	}
	sector := start
	for _, tok := range parts[:len(parts)-1] {
		dir, errc := v.OpenDir(sector)
		if errc != 0 {
			return nil, "", errc
		}
		next, nextIsDir, found := dir.Lookup(tok)
		dir.Close()
		if !found {
			return nil, "", defs.ENOENT
		}
		if !nextIsDir {
			return nil, "", defs.ENOTDIR
		}
		sector = next
	}
	last := parts[len(parts)-1]
	if len(last) > NameMax {
		return nil, "", defs.ENAMETOOLONG
	}
	dir, errc := v.OpenDir(sector)
	if errc != 0 {
		return nil, "", errc
	}
	return dir, last, 0
}

// Find resolves path to its inode's sector and whether it is a
// directory (filesys_find).
func (v *Volume) Find(path string, cwd disk.Sector) (disk.Sector, bool, defs.Err_t) {
	return v.walk(path, cwd)
}

// Create makes a new regular file named by path with the given initial
// size (filesys_create).
func (v *Volume) Create(path string, initialSize int32, cwd disk.Sector) defs.Err_t {
	dir, name, errc := v.splitParent(path, cwd)
	if errc != 0 {
		return errc
	}
	defer dir.Close()

	sector, ok := v.Free.Allocate(1)
	if !ok {
		return defs.ENOSPC
	}
	if errc := v.Inodes.Create(sector, initialSize, inode.TypeFile); errc != 0 {
		v.Free.Release(sector, 1)
		return errc
	}
	if !dir.Add(name, false, sector) {
		v.Free.Release(sector, 1)
		return defs.EEXIST
	}
	return 0
}

// Mkdir makes a new directory named by path (filesys_mkdir).
func (v *Volume) Mkdir(path string, cwd disk.Sector) defs.Err_t {
	dir, name, errc := v.splitParent(path, cwd)
	if errc != 0 {
		return errc
	}
	defer dir.Close()

	sector, ok := v.Free.Allocate(1)
	if !ok {
		return defs.ENOSPC
	}
	if errc := createDir(v.Inodes, sector, dir.Inode().Sector(), 16); errc != 0 {
		v.Free.Release(sector, 1)
		return errc
	}
	if !dir.Add(name, true, sector) {
		v.Free.Release(sector, 1)
		return defs.EEXIST
	}
	return 0
}

// Remove deletes the file or empty directory named by path
// (filesys_remove).
func (v *Volume) Remove(path string, cwd disk.Sector) defs.Err_t {
	dir, name, errc := v.splitParent(path, cwd)
	if errc != 0 {
		return errc
	}
	defer dir.Close()
	return dir.Remove(name)
}

// Chdir resolves path and returns its sector if it names a directory
// (filesys_chdir); the caller is responsible for storing it as its new
// current directory.
func (v *Volume) Chdir(path string, cwd disk.Sector) (disk.Sector, defs.Err_t) {
	sector, isDir, errc := v.walk(path, cwd)
	if errc != 0 {
		return 0, errc
	}
	if !isDir {
		return 0, defs.ENOTDIR
	}
	return sector, 0
}
