package frame

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeOwner struct {
	name     string
	mu       sync.Mutex
	accessed map[uintptr]bool
}

func newFakeOwner(name string) *fakeOwner {
	return &fakeOwner{name: name, accessed: make(map[uintptr]bool)}
}

func (o *fakeOwner) IsAccessed(vaddr uintptr) bool { return o.accessed[vaddr] }
func (o *fakeOwner) ClearAccessed(vaddr uintptr)   { o.accessed[vaddr] = false }
func (o *fakeOwner) Lock()                         { o.mu.Lock() }
func (o *fakeOwner) Unlock()                       { o.mu.Unlock() }

func TestAddAndRemoveRoundTrip(t *testing.T) {
	tbl := New()
	owner := newFakeOwner("a")
	tbl.Add(0x1000, owner, 0x2000)
	require.Equal(t, 1, tbl.Len())
	tbl.Remove(0x1000)
	require.Equal(t, 0, tbl.Len())
}

func TestRemoveUntrackedPanics(t *testing.T) {
	tbl := New()
	require.Panics(t, func() { tbl.Remove(0x9999) })
}

func TestEvictSkipsAccessedFramesThenClearsBit(t *testing.T) {
	tbl := New()
	a := newFakeOwner("a")
	b := newFakeOwner("b")
	tbl.Add(0x1000, a, 0x100)
	tbl.Add(0x2000, b, 0x200)
	a.accessed[0x100] = true
	b.accessed[0x200] = true

	self := newFakeOwner("self")
	old := tbl.Evict(self, 0x300)

	// Both were accessed on the first pass, so the second pass (bits now
	// cleared) must pick the very first one scanned.
	require.Equal(t, uintptr(0x2000), old.PhysAddr)
	require.False(t, b.accessed[0x200])
	old.Holder.Unlock()
}

func TestEvictReassignsVictimInPlace(t *testing.T) {
	tbl := New()
	owner := newFakeOwner("owner")
	tbl.Add(0x1000, owner, 0x100)

	self := newFakeOwner("self")
	old := tbl.Evict(self, 0x999)
	require.Equal(t, owner, old.Holder)
	require.Equal(t, uintptr(0x100), old.VAddr)
	old.Holder.Unlock()

	require.Equal(t, 1, tbl.Len())
}

func TestEvictDoesNotLockSelf(t *testing.T) {
	tbl := New()
	self := newFakeOwner("self")
	tbl.Add(0x1000, self, 0x100)
	old := tbl.Evict(self, 0x999)
	require.Equal(t, self, old.Holder)
	// self's lock must not already be held by Evict, or this would deadlock.
	self.Lock()
	self.Unlock()
}

func TestEvictPanicsOnEmptyTable(t *testing.T) {
	tbl := New()
	require.Panics(t, func() { tbl.Evict(newFakeOwner("self"), 0) })
}
