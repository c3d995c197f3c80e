// Package frame implements the global physical frame table: one entry
// per physical page actually in use, evicted by a second-chance roving
// cursor over a circular list exactly as vm/frame.c's frame_table does.
//
// frame has no Go-level dependency on the process package that owns
// each frame's user mapping; instead it depends on the small Owner
// interface below, the same dependency-inversion trick used between
// inode and freemap, since process (at the top of the paging stack)
// necessarily depends on page, which depends on frame — a direct
// import the other way would cycle.
//
// Grounded on original_source/pintos/src/vm/frame.c (add_frame,
// remove_frame/delete_frame, evict_loop/evict_frame) and, for the
// general shape of a mutex-guarded global table over page-sized units,
// biscuit's mem/mem.go Physmem_t free-list/refcount style.
package frame

import (
	"container/list"
	"sync"
)

// Owner is the part of a frame's user-mapping owner that eviction needs:
// the second-chance accessed bit, and the mutex guarding the owner's own
// supplementary page table (suppl_page_table_lock in thread.h).
type Owner interface {
	IsAccessed(vaddr uintptr) bool
	ClearAccessed(vaddr uintptr)
	Lock()
	Unlock()
}

// Record is one physical frame's entry in the frame table (struct frame).
type Record struct {
	PhysAddr uintptr
	Holder   Owner
	VAddr    uintptr
}

// Table is the global frame table (frame_table/frame_lock/frame_curr).
type Table struct {
	mu     sync.Mutex
	order  *list.List
	byAddr map[uintptr]*list.Element
	cursor *list.Element
}

// New creates an empty frame table.
func New() *Table {
	return &Table{
		order:  list.New(),
		byAddr: make(map[uintptr]*list.Element),
	}
}

// Add records that physAddr is now held by holder for user address vaddr
// (add_frame). New entries are pushed to the front, matching
// list_push_front, so a freshly added frame is the first one eviction
// visits each time the cursor wraps back around to the front.
func (t *Table) Add(physAddr uintptr, holder Owner, vaddr uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.order.PushFront(&Record{PhysAddr: physAddr, Holder: holder, VAddr: vaddr})
	t.byAddr[physAddr] = e
}

// Remove deletes the entry for physAddr (delete_frame). Panics if
// physAddr is not in the table, matching the source's ASSERT(false) on
// an unknown address.
func (t *Table) Remove(physAddr uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byAddr[physAddr]
	if !ok {
		panic("frame: remove of untracked physical address")
	}
	if t.cursor == e {
		t.cursor = e.Next()
	}
	t.order.Remove(e)
	delete(t.byAddr, physAddr)
}

// Evict runs the second-chance algorithm to find a victim frame, hands
// it to self for vaddr, and returns the victim's original contents
// (evict_frame/evict_loop). If the victim's original holder is not self,
// its Lock is left held on return — the caller (page.Manager's
// evict-and-writeback path) is responsible for Unlock, exactly as swap_out's comment
// "the lock is acquired during evict_frame" documents.
func (t *Table) Evict(self Owner, vaddr uintptr) Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.order.Len() == 0 {
		panic("frame: no frames available to evict")
	}
	for {
		if t.cursor == nil {
			t.cursor = t.order.Front()
		}
		for t.cursor != nil {
			victim := t.cursor.Value.(*Record)
			if victim.Holder.IsAccessed(victim.VAddr) {
				victim.Holder.ClearAccessed(victim.VAddr)
				t.cursor = t.cursor.Next()
				continue
			}
			if victim.Holder != self {
				victim.Holder.Lock()
			}
			old := *victim
			victim.Holder = self
			victim.VAddr = vaddr
			t.cursor = t.cursor.Next()
			return old
		}
		// Wrapped past the end of the list with nothing found in this
		// pass (everything was accessed); loop again from the front —
		// clearing every accessed bit along the way guarantees the next
		// pass finds a victim.
	}
}

// Len reports the number of tracked frames.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.order.Len()
}
