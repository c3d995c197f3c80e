package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pintosim/disk"
)

func TestReadWriteRoundTrip(t *testing.T) {
	dev := disk.NewMem(16)
	c := New(dev, 4)
	defer c.Done()

	payload := make([]byte, disk.SectorSize)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.True(t, c.Write(3, 0, len(payload), payload, false))

	got := make([]byte, disk.SectorSize)
	require.True(t, c.Read(3, disk.EOFSentinel, 0, len(got), got))
	require.Equal(t, payload, got)
}

func TestWritePersistsAcrossEviction(t *testing.T) {
	dev := disk.NewMem(200)
	c := New(dev, 64)

	for s := disk.Sector(0); s < 128; s++ {
		buf := make([]byte, disk.SectorSize)
		buf[0] = byte(s)
		require.True(t, c.Write(s, 0, 1, buf[:1], true))
	}
	require.LessOrEqual(t, c.Len(), 64)
	c.Done()

	for s := disk.Sector(0); s < 128; s++ {
		raw := make([]byte, disk.SectorSize)
		require.NoError(t, dev.ReadSector(s, raw))
		require.Equal(t, byte(s), raw[0], "sector %d lost its write across eviction", s)
	}
}

func TestRemoveSkipsWriteback(t *testing.T) {
	dev := disk.NewMem(16)
	c := New(dev, 1) // single slot forces every new sector to evict this one

	buf := make([]byte, disk.SectorSize)
	buf[0] = 0xAA
	require.True(t, c.Write(0, 0, 1, buf[:1], false))
	c.Remove(0)

	// evict sector 0 by pulling in a second sector into the one slot
	other := make([]byte, disk.SectorSize)
	require.True(t, c.Read(1, disk.EOFSentinel, 0, 1, other))
	c.Done()

	raw := make([]byte, disk.SectorSize)
	require.NoError(t, dev.ReadSector(0, raw))
	require.NotEqual(t, byte(0xAA), raw[0], "removed entry should not have been written back")
}

func TestDoneFlushesAllDirtyEntries(t *testing.T) {
	dev := disk.NewMem(8)
	c := New(dev, 8)

	for s := disk.Sector(0); s < 8; s++ {
		buf := []byte{byte(s + 1)}
		require.True(t, c.Write(s, 0, 1, buf, false))
	}
	require.Greater(t, c.DirtyCount(), 0)
	c.Done()
	require.Equal(t, 0, c.DirtyCount())

	for s := disk.Sector(0); s < 8; s++ {
		raw := make([]byte, disk.SectorSize)
		require.NoError(t, dev.ReadSector(s, raw))
		require.Equal(t, byte(s+1), raw[0])
	}
}

func TestReadAheadPrefetchesHint(t *testing.T) {
	dev := disk.NewMem(16)
	c := New(dev, 4)
	defer c.Done()

	buf := []byte{0x42}
	require.True(t, c.Write(5, 0, 1, buf, false))
	dst := make([]byte, 1)
	require.True(t, c.Read(0, 5, 0, 1, dst))

	require.Eventually(t, func() bool {
		c.raMu.Lock()
		defer c.raMu.Unlock()
		return len(c.raPending) == 0
	}, time.Second, time.Millisecond, "read-ahead queue should drain")
}

func TestConcurrentAccessDoesNotRace(t *testing.T) {
	dev := disk.NewMem(256)
	c := New(dev, 32)
	defer c.Done()

	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				s := disk.Sector((w*50 + i) % 256)
				buf := []byte{byte(i)}
				c.Write(s, 0, 1, buf, false)
				dst := make([]byte, 1)
				c.Read(s, disk.EOFSentinel, 0, 1, dst)
			}
		}(w)
	}
	wg.Wait()
}

func TestDoneIsIdempotent(t *testing.T) {
	dev := disk.NewMem(4)
	c := New(dev, 4)
	c.Done()
	c.Done() // must not panic or double-close channels
}

// slowDisk wraps a disk.Mem and delays ReadSector on one chosen sector
// until the test releases it, so a test can force the "entry exists but
// ready=false" window wide enough to prove a concurrent reader actually
// blocks on ready_cv rather than observing a partial load.
type slowDisk struct {
	*disk.Mem
	slowSector disk.Sector
	started    chan struct{}
	release    chan struct{}
}

func newSlowDisk(mem *disk.Mem, slowSector disk.Sector) *slowDisk {
	return &slowDisk{
		Mem:        mem,
		slowSector: slowSector,
		started:    make(chan struct{}, 1),
		release:    make(chan struct{}),
	}
}

func (d *slowDisk) ReadSector(s disk.Sector, dst []byte) error {
	if s == d.slowSector {
		select {
		case d.started <- struct{}{}:
		default:
		}
		<-d.release
	}
	return d.Mem.ReadSector(s, dst)
}

func TestConcurrentReadBlocksUntilSlowLoadCompletes(t *testing.T) {
	mem := disk.NewMem(16)
	seed := make([]byte, disk.SectorSize)
	seed[0] = 0x7A
	require.NoError(t, mem.WriteSector(3, seed))

	dev := newSlowDisk(mem, 3)
	c := New(dev, 4)
	defer c.Done()

	first := make(chan []byte, 1)
	go func() {
		dst := make([]byte, 1)
		c.Read(3, disk.EOFSentinel, 0, 1, dst)
		first <- dst
	}()
	<-dev.started // the first reader is now blocked inside ReadSector

	second := make(chan []byte, 1)
	go func() {
		dst := make([]byte, 1)
		c.Read(3, disk.EOFSentinel, 0, 1, dst)
		second <- dst
	}()

	select {
	case <-second:
		t.Fatal("concurrent Read returned while the sector's disk load was still in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(dev.release)

	got1 := <-first
	got2 := <-second
	require.Equal(t, byte(0x7A), got1[0])
	require.Equal(t, byte(0x7A), got2[0])
}
