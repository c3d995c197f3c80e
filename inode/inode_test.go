package inode

import (
	"testing"

	"github.com/stretchr/testify/require"

	"pintosim/cache"
	"pintosim/defs"
	"pintosim/disk"
)

// fakeAllocator hands out sequential sectors starting at base, with no
// reuse tracking — enough to exercise inode's block-mapping logic
// without pulling in the freemap package (kept independent to avoid a
// test-only import cycle risk).
type fakeAllocator struct {
	next disk.Sector
}

func (a *fakeAllocator) Allocate(n int) (disk.Sector, bool) {
	s := a.next
	a.next += disk.Sector(n)
	return s, true
}

func (a *fakeAllocator) Release(sector disk.Sector, n int) {}

func newTestVolume(t *testing.T, nsectors disk.Sector) (*Volume, *cache.Cache) {
	t.Helper()
	dev := disk.NewMem(nsectors)
	c := cache.New(dev, 16)
	t.Cleanup(c.Done)
	vol := NewVolume(c, &fakeAllocator{next: 10})
	return vol, c
}

func TestCreateOpenReadWrite(t *testing.T) {
	vol, _ := newTestVolume(t, 4096)
	require.Equal(t, defs.Err_t(0), vol.Create(2, 0, TypeFile))

	ino, errc := vol.Open(2)
	require.Equal(t, defs.Err_t(0), errc)

	payload := []byte("hello, pintosim")
	n := ino.WriteAt(payload, 0)
	require.Equal(t, len(payload), n)
	require.Equal(t, int32(len(payload)), ino.Length())

	got := make([]byte, len(payload))
	n = ino.ReadAt(got, 0)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, got)

	vol.Close(ino)
}

func TestOpenDedupesBySector(t *testing.T) {
	vol, _ := newTestVolume(t, 4096)
	require.Equal(t, defs.Err_t(0), vol.Create(2, 0, TypeFile))

	a, _ := vol.Open(2)
	b, _ := vol.Open(2)
	require.Same(t, a, b, "opening the same sector twice must return the same in-memory inode")

	vol.Close(a)
	vol.Close(b)
}

func TestIndirectBlockCrossing(t *testing.T) {
	vol, _ := newTestVolume(t, 4096)
	require.Equal(t, defs.Err_t(0), vol.Create(2, 0, TypeFile))
	ino, _ := vol.Open(2)
	defer vol.Close(ino)

	// 65,600 bytes crosses from direct blocks (120*512=61440) into the
	// singly-indirect range (spec §8 boundary scenario 1).
	size := 65600
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte((i*37 + 11) & 0xff)
	}
	n := ino.WriteAt(payload, 0)
	require.Equal(t, size, n)

	got := make([]byte, size)
	n = ino.ReadAt(got, 0)
	require.Equal(t, size, n)
	require.Equal(t, payload, got)
}

func TestRemovedInodeCannotBeReopened(t *testing.T) {
	vol, _ := newTestVolume(t, 4096)
	require.Equal(t, defs.Err_t(0), vol.Create(2, 0, TypeFile))
	ino, _ := vol.Open(2)

	payload := make([]byte, 1024)
	ino.WriteAt(payload, 0)

	vol.Remove(ino)
	require.True(t, ino.removed)

	_, errc := vol.Open(2)
	require.Equal(t, defs.ENOENT, errc, "reopening a removed inode after it was already scheduled for deletion should fail")

	vol.Close(ino)
}

func TestDenyWriteBlocksWrites(t *testing.T) {
	vol, _ := newTestVolume(t, 4096)
	require.Equal(t, defs.Err_t(0), vol.Create(2, 0, TypeFile))
	ino, _ := vol.Open(2)
	defer vol.Close(ino)

	ino.DenyWrite()
	n := ino.WriteAt([]byte("nope"), 0)
	require.Equal(t, 0, n)
	ino.AllowWrite()

	n = ino.WriteAt([]byte("yes"), 0)
	require.Equal(t, 3, n)
}
