package page

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"pintosim/disk"
	"pintosim/frame"
	"pintosim/lockorder"
	"pintosim/swap"
)

// fakeExecutable is a fixed in-memory read-only executable image.
type fakeExecutable struct {
	data []byte
}

func (f *fakeExecutable) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	return n, nil
}

// fakeMmapFile is an in-memory read/write file used for mmap tests.
type fakeMmapFile struct {
	data []byte
}

func (f *fakeMmapFile) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, f.data[off:])
	return n, nil
}

func (f *fakeMmapFile) WriteAt(p []byte, off int64) (int, error) {
	n := copy(f.data[off:], p)
	return n, nil
}

func newManager(t *testing.T, capacity int) *Manager {
	t.Helper()
	dev := disk.NewMem(disk.Sector(swap.SectorsPerPage * 16))
	return NewManager(frame.New(), swap.New(dev), lockorder.NewTracker(), capacity)
}

func TestLoadPageFromFilePopulatesAndZeroFills(t *testing.T) {
	mgr := newManager(t, 4)
	exe := &fakeExecutable{data: bytes.Repeat([]byte{0xAB}, PageSize)}
	as := NewAddressSpace(mgr, "p1", exe)

	mgr.acquireTLOATOL("p1")
	as.Lock()
	spg := as.AddSuppl(SupplEntry{Address: 0x1000, Offset: 0, ReadBytes: 10, Status: StatusInFile, Writable: false})
	ok := as.LoadPage(spg)
	as.Unlock()
	require.True(t, ok)

	data, off, ok := as.Access(0x1000, 0xC0000000, false)
	require.True(t, ok)
	require.Equal(t, uintptr(0), off)
	require.Equal(t, []byte{0xAB, 0xAB, 0xAB, 0xAB, 0xAB, 0xAB, 0xAB, 0xAB, 0xAB, 0xAB}, data[:10])
	for _, b := range data[10:] {
		require.Equal(t, byte(0), b)
	}
}

func TestStackGrowthFaultsJustBelowEsp(t *testing.T) {
	mgr := newManager(t, 4)
	as := NewAddressSpace(mgr, "p1", &fakeExecutable{})

	esp := PhysBase - PageSize
	ok := as.Fault(esp-4, esp, true)
	require.True(t, ok)

	data, _, ok := as.Access(esp-4, esp, false)
	require.True(t, ok)
	require.Equal(t, PageSize, len(data))
}

func TestFaultBeyondStackLimitFails(t *testing.T) {
	mgr := newManager(t, 4)
	as := NewAddressSpace(mgr, "p1", &fakeExecutable{})

	// A stack pointer low enough that growing it to the 8 MiB cap still
	// wouldn't reach PhysBase is rejected before any suppl-page lookup.
	badEsp := uintptr(0x1000)
	require.False(t, as.Fault(badEsp-4, badEsp, true))
}

func TestFaultOnUnmappedNonStackAddressFails(t *testing.T) {
	mgr := newManager(t, 4)
	as := NewAddressSpace(mgr, "p1", &fakeExecutable{})
	esp := PhysBase - PageSize

	// Far below esp and not one of the push/pusha slack offsets.
	require.False(t, as.Fault(esp-4096, esp, true))
}

func TestWriteToReadOnlyPageFails(t *testing.T) {
	mgr := newManager(t, 4)
	as := NewAddressSpace(mgr, "p1", &fakeExecutable{data: make([]byte, PageSize)})
	as.Lock()
	as.AddSuppl(SupplEntry{Address: 0x1000, Status: StatusInFile, Type: TypeReadOnly, Writable: false})
	as.Unlock()

	require.False(t, as.Fault(0x1000, PhysBase-PageSize, true))
}

func TestEvictionSwapsOutVictimUnderMemoryPressure(t *testing.T) {
	mgr := newManager(t, 1)
	exe := &fakeExecutable{data: bytes.Repeat([]byte{1}, PageSize)}
	as := NewAddressSpace(mgr, "p1", exe)
	esp := PhysBase - PageSize

	// First stack page fills the only physical frame.
	require.True(t, as.Fault(esp-4, esp, true))

	// A second, distinct page forces eviction of the first.
	mgr.acquireTLOATOL("p1")
	as.Lock()
	spg := as.AddSuppl(SupplEntry{Address: 0x5000, Offset: 0, ReadBytes: uint32(len(exe.data)), Status: StatusInFile, Writable: false})
	ok := as.LoadPage(spg)
	as.Unlock()
	require.True(t, ok)

	// The first page is no longer resident; touching it again must fault
	// it back in (from swap, since it was a zero-filled stack page).
	_, _, stillResident := as.Access(esp-4, esp, false)
	require.True(t, stillResident) // Access transparently re-faults it in.

	first := as.Search(esp - PageSize&^(PageSize-1))
	_ = first
}

func TestMmapThreePagesThenDirtyWritebackOnUnmap(t *testing.T) {
	mgr := newManager(t, 4)
	as := NewAddressSpace(mgr, "p1", &fakeExecutable{})
	file := &fakeMmapFile{data: bytes.Repeat([]byte{0x11}, 2*PageSize+100)}

	pages := as.Mmap(0x40000000, len(file.data), file)
	require.Equal(t, 3, pages)

	// Fault in the first page and dirty it via a simulated write.
	data, _, ok := as.Access(0x40000000, PhysBase-PageSize, true)
	require.True(t, ok)
	data[0] = 0x99

	as.Unmap(0x40000000, pages)
	require.Equal(t, byte(0x99), file.data[0])
}

func TestUnmapOfCleanPageDoesNotRewriteFile(t *testing.T) {
	mgr := newManager(t, 4)
	as := NewAddressSpace(mgr, "p1", &fakeExecutable{})
	original := bytes.Repeat([]byte{0x55}, PageSize)
	file := &fakeMmapFile{data: append([]byte(nil), original...)}

	pages := as.Mmap(0x40000000, len(file.data), file)
	_, _, ok := as.Access(0x40000000, PhysBase-PageSize, false)
	require.True(t, ok)

	as.Unmap(0x40000000, pages)
	require.True(t, bytes.Equal(original, file.data))
}

func TestCloseFreesFrames(t *testing.T) {
	mgr := newManager(t, 4)
	as := NewAddressSpace(mgr, "p1", &fakeExecutable{})
	esp := PhysBase - PageSize
	require.True(t, as.Fault(esp-4, esp, true))
	require.Equal(t, 1, mgr.Frames.Len())

	as.Close()
	require.Equal(t, 0, mgr.Frames.Len())
}
