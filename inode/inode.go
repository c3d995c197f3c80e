// Package inode implements the on-disk and in-memory inode: multi-level
// block mapping (120 direct pointers, 4 singly-indirect, 1
// doubly-indirect), lazy block allocation, the open-inode set that
// guarantees a sector is never represented by two distinct in-memory
// inodes, and deny-write tracking for executables.
//
// Grounded on biscuit's fs/blk.go and fs/super.go (the shape of a
// buffer-cache-backed on-disk structure) and, for the exact block-mapping
// algorithm, original_source/pintos/src/filesys/inode.c (full read).
package inode

import (
	"encoding/binary"
	"sync"

	"pintosim/cache"
	"pintosim/defs"
	"pintosim/disk"
)

// Layout constants for the on-disk inode (spec §3).
const (
	DirectBlocks         = 120
	SinglyIndirectBlocks = 4
	Magic                = 0x494e4f44
)

// FreeMapSector and RootDirSector are reserved sector numbers, fixed at
// format time, exactly as in the source (defs.h's FREE_MAP_SECTOR and
// ROOT_DIR_SECTOR).
const (
	FreeMapSector disk.Sector = 0
	RootDirSector disk.Sector = 1
)

// Type identifies what an inode holds.
type Type uint32

const (
	TypeError Type = 0
	TypeFile  Type = 1
	TypeDir   Type = 2
)

// Byte offsets within the 512-byte on-disk inode: type(4) + length(4) +
// direct[120](480) + singly[4](16) + doubly(4) + magic(4) = 512.
const (
	offType   = 0
	offLength = 4
	offDirect = 8
	offSingly = offDirect + DirectBlocks*4
	offDoubly = offSingly + SinglyIndirectBlocks*4
	offMagic  = offDoubly + 4
)

// The free map's own on-disk record is a distinct, smaller layout
// (start(4) + length(4) + magic(4)), defined locally here exactly as
// struct inode_disk_0 is defined locally in inode.c rather than in
// free-map.c.
const (
	offFreeMapStart  = 0
	offFreeMapLength = 4
	offFreeMapMagic  = 8
)

// Allocator is the dependency inode needs for lazy block allocation. It
// is satisfied by *freemap.Pool. Accepting an interface here (instead of
// importing freemap) avoids the same mutual dependency inode.c and
// free-map.c have on each other in C, where it is resolved by a forward
// header declaration instead of a language-level cycle.
type Allocator interface {
	Allocate(n int) (disk.Sector, bool)
	Release(sector disk.Sector, n int)
}

// Volume ties a cache and an allocator to the set of currently-open
// inodes (the open_inodes list plus open_inodes_lock in inode.c, scoped
// per mounted filesystem instead of held in a process-wide global).
type Volume struct {
	c     *cache.Cache
	alloc Allocator

	mu   sync.Mutex
	open map[disk.Sector]*Inode
}

// NewVolume creates a volume over c using alloc for block allocation.
func NewVolume(c *cache.Cache, alloc Allocator) *Volume {
	return &Volume{c: c, alloc: alloc, open: make(map[disk.Sector]*Inode)}
}

// Cache returns the underlying buffer cache, for packages (freemap) that
// need to touch a reserved sector's record directly.
func (v *Volume) Cache() *cache.Cache { return v.c }

// Inode is the in-memory inode (struct inode in the source).
type Inode struct {
	vol *Volume

	mu           sync.Mutex
	sector       disk.Sector
	openCnt      int
	removed      bool
	denyWriteCnt int
}

func le32(b []byte) uint32       { return binary.LittleEndian.Uint32(b) }
func putLe32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }

func readU32(c *cache.Cache, sector disk.Sector, offset int) uint32 {
	var buf [4]byte
	c.Read(sector, disk.EOFSentinel, offset, 4, buf[:])
	return le32(buf[:])
}

func writeU32(c *cache.Cache, sector disk.Sector, offset int, v uint32) {
	var buf [4]byte
	putLe32(buf[:], v)
	c.Write(sector, offset, 4, buf[:], false)
}

// ReadFreeMapRecord and WriteFreeMapRecord give the freemap package
// access to the free map's own reserved-sector record without it having
// to know the byte layout itself (mirrors inode.c owning struct
// inode_disk_0 and free-map.c only ever reaching it through inode.c).
func ReadFreeMapRecord(c *cache.Cache) (start disk.Sector, length int32) {
	start = disk.Sector(readU32(c, FreeMapSector, offFreeMapStart))
	length = int32(readU32(c, FreeMapSector, offFreeMapLength))
	return
}

func WriteFreeMapRecord(c *cache.Cache, start disk.Sector, length int32) {
	writeU32(c, FreeMapSector, offFreeMapStart, uint32(start))
	writeU32(c, FreeMapSector, offFreeMapLength, uint32(length))
	writeU32(c, FreeMapSector, offFreeMapMagic, Magic)
}

// readBlockPointer reads the sector pointer stored at byte offset pos
// within sector, allocating and zeroing a fresh block and writing its
// pointer back if none is allocated yet and alloc is set (read_sector in
// the source).
func readBlockPointer(v *Volume, sector disk.Sector, pos int, alloc bool) (disk.Sector, defs.Err_t) {
	result := disk.Sector(readU32(v.c, sector, pos))
	if result > 0 {
		return result, 0
	}
	if !alloc {
		return 0, 0
	}
	newSector, ok := v.alloc.Allocate(1)
	if !ok {
		return 0, defs.ENOSPC
	}
	writeU32(v.c, sector, pos, uint32(newSector))
	v.c.Write(newSector, 0, 0, nil, true) // zero the fresh block
	return newSector, 0
}

// byteToSector returns the data sector holding byte offset pos of the
// inode stored at sector, allocating on demand when alloc is set
// (byte_to_sector in the source). Returns (0, 0) for an unallocated hole
// when alloc is false.
func (v *Volume) byteToSector(sector disk.Sector, pos int, alloc bool) (disk.Sector, defs.Err_t) {
	if sector == FreeMapSector {
		start, length := ReadFreeMapRecord(v.c)
		if pos < int(length) {
			return start + disk.Sector(pos/disk.SectorSize), 0
		}
		if !alloc {
			return 0, 0
		}
		return 0, defs.ENOSPC // the free map's own size is fixed at format time
	}

	const numPtrs = disk.SectorSize / 4
	index := pos / disk.SectorSize

	if index < DirectBlocks {
		return readBlockPointer(v, sector, offDirect+index*4, alloc)
	}
	index -= DirectBlocks

	subindex := index % numPtrs
	index /= numPtrs
	if index < SinglyIndirectBlocks {
		ptr, errc := readBlockPointer(v, sector, offSingly+index*4, alloc)
		if errc != 0 || ptr == 0 {
			return ptr, errc
		}
		return readBlockPointer(v, ptr, subindex*4, alloc)
	}
	index -= SinglyIndirectBlocks
	if index >= numPtrs {
		if alloc {
			return 0, defs.ENOSPC
		}
		return 0, 0
	}
	ptr, errc := readBlockPointer(v, sector, offDoubly, alloc)
	if errc != 0 || ptr == 0 {
		return ptr, errc
	}
	ptr2, errc := readBlockPointer(v, ptr, index*4, alloc)
	if errc != 0 || ptr2 == 0 {
		return ptr2, errc
	}
	return readBlockPointer(v, ptr2, subindex*4, alloc)
}

// Create initializes a fresh inode of the given type and length at
// sector. The free map's own record is written directly by
// WriteFreeMapRecord and must not go through Create.
func (v *Volume) Create(sector disk.Sector, length int32, typ Type) defs.Err_t {
	if sector == FreeMapSector {
		panic("inode: Create must not be called on the reserved free-map sector")
	}
	var rec [disk.SectorSize]byte
	putLe32(rec[offType:], uint32(typ))
	putLe32(rec[offLength:], uint32(length))
	putLe32(rec[offMagic:], Magic)
	v.c.Write(sector, 0, disk.SectorSize, rec[:], false)
	return 0
}

// Open returns the in-memory inode for sector, creating it and adding it
// to the volume's open set if it is not already resident (inode_open).
func (v *Volume) Open(sector disk.Sector) (*Inode, defs.Err_t) {
	v.mu.Lock()
	if ino, ok := v.open[sector]; ok {
		v.mu.Unlock()
		return v.Reopen(ino)
	}
	ino := &Inode{vol: v, sector: sector, openCnt: 1}
	v.open[sector] = ino
	v.mu.Unlock()
	return ino, 0
}

// Reopen increments an inode's opener count, failing if it has been
// removed and this is a race with the last closer.
func (v *Volume) Reopen(ino *Inode) (*Inode, defs.Err_t) {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	if ino.removed {
		return nil, defs.ENOENT
	}
	ino.openCnt++
	return ino, 0
}

// Close releases a reference to ino, freeing its blocks and on-disk
// inode if this was the last opener of a removed inode (inode_close).
func (v *Volume) Close(ino *Inode) {
	if ino == nil {
		return
	}
	v.mu.Lock()
	ino.mu.Lock()
	ino.openCnt--
	last := ino.openCnt == 0
	if last {
		delete(v.open, ino.sector)
	}
	v.mu.Unlock()

	if !last {
		ino.mu.Unlock()
		return
	}

	removed := ino.removed
	sector := ino.sector
	ino.mu.Unlock()

	if removed {
		length := v.length(sector)
		for pos := int32(0); pos < length; pos += disk.SectorSize {
			dataSector, errc := v.byteToSector(sector, int(pos), false)
			if errc != 0 {
				break
			}
			if dataSector > 0 {
				v.c.Remove(dataSector)
				v.alloc.Release(dataSector, 1)
			}
		}
		v.c.Remove(sector)
		v.alloc.Release(sector, 1)
	}
}

// Remove marks ino for deletion once its last opener closes it.
func (v *Volume) Remove(ino *Inode) {
	ino.mu.Lock()
	ino.removed = true
	ino.mu.Unlock()
	v.setType(ino.sector, TypeError)
}

func (v *Volume) setType(sector disk.Sector, typ Type) {
	writeU32(v.c, sector, offType, uint32(typ))
}

// GetType returns an inode's stored type as read through the cache
// (inode_get_type). There is no failure path: disk I/O is assumed
// infallible in this simulation.
func (v *Volume) GetType(sector disk.Sector) Type {
	return Type(readU32(v.c, sector, offType))
}

func (v *Volume) length(sector disk.Sector) int32 {
	off := offLength
	if sector == FreeMapSector {
		off = offFreeMapLength
	}
	return int32(readU32(v.c, sector, off))
}

func (v *Volume) setLength(sector disk.Sector, length int32) {
	off := offLength
	if sector == FreeMapSector {
		off = offFreeMapLength
	}
	writeU32(v.c, sector, off, uint32(length))
}

// Sector returns the inode's own on-disk sector number (inode_get_inumber).
func (ino *Inode) Sector() disk.Sector { return ino.sector }

// Length returns the inode's current byte length.
func (ino *Inode) Length() int32 {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	return ino.vol.length(ino.sector)
}

// IsOpened reports whether any opener besides the caller still holds
// this inode (inode_is_opened).
func (ino *Inode) IsOpened() bool {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	return ino.openCnt != 1
}

// DenyWrite disables writes to ino; must be paired with AllowWrite.
func (ino *Inode) DenyWrite() {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	ino.denyWriteCnt++
	if ino.denyWriteCnt > ino.openCnt {
		panic("inode: deny_write_cnt exceeds open_cnt")
	}
}

// AllowWrite re-enables writes previously disabled by DenyWrite.
func (ino *Inode) AllowWrite() {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	if ino.denyWriteCnt <= 0 {
		panic("inode: AllowWrite without matching DenyWrite")
	}
	ino.denyWriteCnt--
}

// ReadAt reads len(buf) bytes starting at offset, returning the number
// of bytes actually read (fewer than len(buf) at end of file).
func (ino *Inode) ReadAt(buf []byte, offset int32) int {
	v := ino.vol
	read := 0
	size := len(buf)
	for size > 0 {
		sectorOfs := int(offset) % disk.SectorSize
		sectorLeft := disk.SectorSize - sectorOfs

		ino.mu.Lock()
		inodeLen := v.length(ino.sector)
		inodeLeft := int32(0)
		if inodeLen > offset {
			inodeLeft = inodeLen - offset
		}
		minLeft := sectorLeft
		if int(inodeLeft) < minLeft {
			minLeft = int(inodeLeft)
		}
		chunk := size
		if minLeft < chunk {
			chunk = minLeft
		}
		if chunk <= 0 {
			ino.mu.Unlock()
			break
		}
		sectorIdx, errc := v.byteToSector(ino.sector, int(offset), true)
		if errc != 0 || sectorIdx == 0 {
			ino.mu.Unlock()
			break
		}
		nextHint, errc := v.byteToSector(ino.sector, int(offset)+disk.SectorSize, false)
		if errc != 0 {
			ino.mu.Unlock()
			break
		}
		ino.mu.Unlock()

		if !v.c.Read(sectorIdx, nextHint, sectorOfs, chunk, buf[read:read+chunk]) {
			break
		}
		size -= chunk
		offset += int32(chunk)
		read += chunk
	}
	return read
}

// WriteAt writes len(buf) bytes starting at offset, extending the
// inode's length as needed, and returns the number of bytes actually
// written.
func (ino *Inode) WriteAt(buf []byte, offset int32) int {
	v := ino.vol
	ino.mu.Lock()
	if ino.denyWriteCnt > 0 {
		ino.mu.Unlock()
		return 0
	}
	ino.mu.Unlock()

	written := 0
	size := len(buf)
	for size > 0 {
		ino.mu.Lock()
		sectorIdx, errc := v.byteToSector(ino.sector, int(offset), true)
		ino.mu.Unlock()
		if errc != 0 || sectorIdx == 0 {
			break
		}
		sectorOfs := int(offset) % disk.SectorSize
		sectorLeft := disk.SectorSize - sectorOfs
		chunk := size
		if sectorLeft < chunk {
			chunk = sectorLeft
		}
		if chunk <= 0 {
			break
		}
		if !v.c.Write(sectorIdx, sectorOfs, chunk, buf[written:written+chunk], false) {
			break
		}
		size -= chunk
		offset += int32(chunk)
		written += chunk

		ino.mu.Lock()
		if v.length(ino.sector) < offset {
			v.setLength(ino.sector, offset)
		}
		ino.mu.Unlock()
	}
	return written
}
