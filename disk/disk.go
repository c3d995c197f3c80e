// Package disk provides the block-device interface the buffer cache and
// swap pool sit on top of. The real disk driver is out of scope
// (spec §1); this package only fixes the synchronous sector I/O contract
// and supplies two concrete implementations for tests and for the
// cmd/pintosim and cmd/mkfs binaries to open real files with.
//
// Grounded on biscuit's fs/blk.go Disk_i interface and ufs/driver.go's
// ahci_disk_t file-backed disk.
package disk

import (
	"fmt"
	"os"
	"sync"

	atomicfile "github.com/natefinch/atomic"
)

// SectorSize is the fixed size of one block-device sector in bytes.
const SectorSize = 512

// EOFSentinel is the distinguished sector value meaning "no next sector"
// for read-ahead hints (spec §3).
const EOFSentinel Sector = 0

// Sector identifies a 512-byte block on a device.
type Sector uint32

// Disk_i is the synchronous sector-I/O contract every higher layer
// depends on. Disk operations are assumed infallible by the core (spec
// §7f); the error return exists only so the out-of-scope driver boundary
// has somewhere to report genuine device failure.
type Disk_i interface {
	ReadSector(s Sector, dst []byte) error
	WriteSector(s Sector, src []byte) error
	Size() Sector
}

// Mem is an in-memory disk, used by tests and by the buffer-cache
// boundary-scenario harness. Its only error is for a sector outside
// the disk.
type Mem struct {
	mu   sync.Mutex
	data [][SectorSize]byte
}

// NewMem allocates a zero-filled in-memory disk of nsectors sectors.
func NewMem(nsectors Sector) *Mem {
	return &Mem{data: make([][SectorSize]byte, nsectors)}
}

func (m *Mem) ReadSector(s Sector, dst []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(s) >= len(m.data) {
		return fmt.Errorf("disk: sector %d out of range (size %d)", s, len(m.data))
	}
	copy(dst, m.data[s][:])
	return nil
}

func (m *Mem) WriteSector(s Sector, src []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(s) >= len(m.data) {
		return fmt.Errorf("disk: sector %d out of range (size %d)", s, len(m.data))
	}
	copy(m.data[s][:], src)
	return nil
}

func (m *Mem) Size() Sector { return Sector(len(m.data)) }

// File is a disk backed by a host file, used by cmd/pintosim and
// cmd/mkfs. Seek+Read/Write mirror ufs/driver.go's ahci_disk_t; a single
// mutex serializes seek-then-access exactly as the teacher does.
type File struct {
	mu   sync.Mutex
	f    *os.File
	path string
	size Sector
}

// OpenFile opens an existing disk image file.
func OpenFile(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &File{f: f, path: path, size: Sector(st.Size() / SectorSize)}, nil
}

// CreateFile atomically creates a new disk image of nsectors zero-filled
// sectors, so a crash mid-format never leaves a partial image on disk
// (grounded on biscuit's mkfs writing a complete image in one shot).
func CreateFile(path string, nsectors Sector) (*File, error) {
	tmp, err := os.CreateTemp(os.TempDir(), "pintosim-disk-*")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())

	zero := make([]byte, SectorSize)
	for i := Sector(0); i < nsectors; i++ {
		if _, err := tmp.Write(zero); err != nil {
			tmp.Close()
			return nil, err
		}
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}
	if err := atomicfile.ReplaceFile(tmp.Name(), path); err != nil {
		return nil, err
	}
	return OpenFile(path)
}

func (d *File) ReadSector(s Sector, dst []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.f.Seek(int64(s)*SectorSize, 0); err != nil {
		return err
	}
	n, err := d.f.Read(dst[:SectorSize])
	if err != nil {
		return err
	}
	if n != SectorSize {
		return fmt.Errorf("disk: short read of sector %d (%d bytes)", s, n)
	}
	return nil
}

func (d *File) WriteSector(s Sector, src []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.f.Seek(int64(s)*SectorSize, 0); err != nil {
		return err
	}
	n, err := d.f.Write(src[:SectorSize])
	if err != nil {
		return err
	}
	if n != SectorSize {
		return fmt.Errorf("disk: short write of sector %d (%d bytes)", s, n)
	}
	return nil
}

func (d *File) Size() Sector { return d.size }

// Sync flushes the underlying file to stable storage.
func (d *File) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Sync()
}

// Close releases the underlying file handle.
func (d *File) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Close()
}
