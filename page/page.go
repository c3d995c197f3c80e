// Package page implements the per-process supplementary page table, the
// page-fault handler (including stack growth), and mmap, tying together
// the frame table and swap pool exactly as vm/page.c, vm/swap.c, and the
// VM branch of userprog/exception.c do together.
//
// page cannot import the process package that will own each
// AddressSpace (process depends on page, not the other way around), so
// an AddressSpace's identity for locking/tracking purposes is an opaque
// owner value supplied by the caller, the same dependency-inversion
// pattern frame itself uses for Owner.
//
// Grounded on original_source/pintos/src/vm/page.c (supplementary page
// table operations, load_page), vm/swap.c (swap_out's three-way
// dispatch on page type), and userprog/exception.c's page_fault (stack
// growth heuristic, read-only write rejection, TLOATOL/suppl-page-table
// acquisition order). Physical memory is simulated as a fixed-capacity
// pool of byte buffers (Manager.Capacity) rather than real pages, since
// this module has no MMU to back — the frame table and swap pool are
// otherwise used exactly as the source does.
package page

import (
	"sync"

	"pintosim/frame"
	"pintosim/lockorder"
	"pintosim/swap"
)

// PageSize is the simulated virtual page size (PGSIZE), re-exported from
// swap for callers that only import page.
const PageSize = swap.PageSize

// PhysBase is the top of user virtual address space (PHYS_BASE).
const PhysBase uintptr = 0xC0000000

// StackLimit bounds how far a growing stack may extend (STACK_MAX, 8 MiB).
const StackLimit = 8 * 1024 * 1024

// Status is a supplementary page table entry's residency state.
type Status int

const (
	StatusInMemory Status = iota
	StatusInSwap
	StatusInFile
	StatusGrowingStack
)

// Type categorizes how a page is written back on eviction (TO_SWAP /
// TO_FILE / READ_ONLY).
type Type int

const (
	TypeToSwap Type = iota
	TypeToFile
	TypeReadOnly
)

// FileReaderAt is the executable-image access an IN_FILE load needs.
type FileReaderAt interface {
	ReadAt(p []byte, off int64) (int, error)
}

// MmapFile is the file access an mmap'd TO_FILE page needs for both
// initial load and dirty writeback.
type MmapFile interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}

// SupplEntry is one supplementary page table entry (struct page).
type SupplEntry struct {
	Address   uintptr
	Offset    uint32
	ReadBytes uint32
	Status    Status
	Writable  bool
	Type      Type
	File      MmapFile
}

type pte struct {
	physAddr uintptr
	writable bool
	accessed bool
	dirty    bool
}

// Manager is the systemwide paging coordinator: the frame table, the
// swap pool, the lock-order tracker, and TLOATOL (the_lock_over_all_the_
// other_locks), shared by every AddressSpace.
type Manager struct {
	Frames   *frame.Table
	Swap     *swap.Pool
	Tracker  *lockorder.Tracker
	Capacity int

	tloatol sync.Mutex

	physMu   sync.Mutex
	physData map[uintptr][]byte
	nextPhys uintptr
}

// NewManager creates a paging coordinator backed by frames, sw, and
// capacity simulated physical pages.
func NewManager(frames *frame.Table, sw *swap.Pool, tracker *lockorder.Tracker, capacity int) *Manager {
	return &Manager{
		Frames:   frames,
		Swap:     sw,
		Tracker:  tracker,
		Capacity: capacity,
		physData: make(map[uintptr][]byte),
	}
}

func (m *Manager) acquireTLOATOL(who interface{}) {
	m.Tracker.Acquire(who, lockorder.TLOATOL)
	m.tloatol.Lock()
}

func (m *Manager) releaseTLOATOL(who interface{}) {
	m.tloatol.Unlock()
	m.Tracker.Release(who, lockorder.TLOATOL)
}

func (m *Manager) allocPhys() (uintptr, []byte, bool) {
	m.physMu.Lock()
	defer m.physMu.Unlock()
	if len(m.physData) >= m.Capacity {
		return 0, nil, false
	}
	m.nextPhys++
	addr := m.nextPhys
	buf := make([]byte, PageSize)
	m.physData[addr] = buf
	return addr, buf, true
}

func (m *Manager) freePhys(addr uintptr) {
	m.physMu.Lock()
	defer m.physMu.Unlock()
	delete(m.physData, addr)
}

func (m *Manager) dataOf(addr uintptr) []byte {
	m.physMu.Lock()
	defer m.physMu.Unlock()
	return m.physData[addr]
}

// AddressSpace is one process's supplementary page table and simulated
// page directory (the per-thread suppl_page_table/pagedir pair).
type AddressSpace struct {
	mgr        *Manager
	owner      interface{}
	Executable FileReaderAt

	sptMu sync.Mutex
	suppl map[uintptr]*SupplEntry

	pdMu    sync.Mutex
	pagedir map[uintptr]*pte
}

// NewAddressSpace creates an address space. owner identifies the caller
// for lock-order tracking and frame-table self-comparison (typically the
// process.Thread that holds it, passed in opaquely to avoid an import
// cycle).
func NewAddressSpace(mgr *Manager, owner interface{}, executable FileReaderAt) *AddressSpace {
	return &AddressSpace{
		mgr:        mgr,
		owner:      owner,
		Executable: executable,
		suppl:      make(map[uintptr]*SupplEntry),
		pagedir:    make(map[uintptr]*pte),
	}
}

// IsAccessed and ClearAccessed implement frame.Owner's second-chance bit.
func (as *AddressSpace) IsAccessed(vaddr uintptr) bool {
	as.pdMu.Lock()
	defer as.pdMu.Unlock()
	e, ok := as.pagedir[vaddr]
	return ok && e.accessed
}

func (as *AddressSpace) ClearAccessed(vaddr uintptr) {
	as.pdMu.Lock()
	defer as.pdMu.Unlock()
	if e, ok := as.pagedir[vaddr]; ok {
		e.accessed = false
	}
}

// Lock and Unlock implement frame.Owner by guarding the supplementary
// page table, exactly as lock_suppl_page_table/unlock_suppl_page_table do.
func (as *AddressSpace) Lock()   { as.sptMu.Lock() }
func (as *AddressSpace) Unlock() { as.sptMu.Unlock() }

// AddSuppl inserts a new entry (add_suppl_page). Caller must hold Lock().
func (as *AddressSpace) AddSuppl(src SupplEntry) *SupplEntry {
	if _, exists := as.suppl[src.Address]; exists {
		panic("page: supplementary entry already exists for address")
	}
	e := src
	as.suppl[src.Address] = &e
	return &e
}

// Search finds the entry for vaddr, or nil (search_suppl_page). Caller
// must hold Lock().
func (as *AddressSpace) Search(vaddr uintptr) *SupplEntry {
	return as.suppl[vaddr]
}

// ModifySuppl updates spg's status/offset in place (modify_suppl_page).
// Caller must hold the owning AddressSpace's Lock().
func ModifySuppl(spg *SupplEntry, status Status, offset uint32) {
	spg.Status = status
	spg.Offset = offset
}

func (as *AddressSpace) setPTE(vaddr, physAddr uintptr, writable bool) {
	as.pdMu.Lock()
	defer as.pdMu.Unlock()
	as.pagedir[vaddr] = &pte{physAddr: physAddr, writable: writable, accessed: true}
}

func (as *AddressSpace) clearPTE(vaddr uintptr) {
	as.pdMu.Lock()
	defer as.pdMu.Unlock()
	delete(as.pagedir, vaddr)
}

func (as *AddressSpace) isDirty(vaddr uintptr) bool {
	as.pdMu.Lock()
	defer as.pdMu.Unlock()
	e, ok := as.pagedir[vaddr]
	return ok && e.dirty
}

// MarkDirty records a simulated write to the page containing vaddr (the
// hardware dirty bit pagedir_is_dirty reads in swap_out's TO_FILE branch).
func (as *AddressSpace) MarkDirty(vaddr uintptr) {
	page := vaddr &^ uintptr(PageSize-1)
	as.pdMu.Lock()
	defer as.pdMu.Unlock()
	if e, ok := as.pagedir[page]; ok {
		e.dirty = true
	}
}

// LoadPage brings spg into memory: allocates a frame (evicting one if
// physical memory is full), fills it according to spg's status, and
// maps it into the page directory (load_page). Caller must hold Lock()
// and must have already acquired TLOATOL, which this releases internally
// exactly as load_page does on both its allocate and evict paths.
func (as *AddressSpace) LoadPage(spg *SupplEntry) bool {
	physAddr, data, ok := as.mgr.allocPhys()
	if ok {
		as.mgr.Frames.Add(physAddr, as, spg.Address)
		as.mgr.releaseTLOATOL(as.owner)
	} else {
		var evicted bool
		physAddr, data, evicted = as.mgr.evictAndWriteback(as, spg.Address)
		if !evicted {
			return false
		}
	}

	switch spg.Status {
	case StatusInSwap:
		as.mgr.Swap.SwapIn(int(spg.Offset), data)
	case StatusInFile:
		src := FileReaderAt(as.Executable)
		if spg.File != nil {
			src = spg.File
		}
		if _, err := src.ReadAt(data[:spg.ReadBytes], int64(spg.Offset)); err != nil {
			panic(err)
		}
		for i := int(spg.ReadBytes); i < len(data); i++ {
			data[i] = 0
		}
	case StatusGrowingStack:
		for i := range data {
			data[i] = 0
		}
	default:
		panic("page: LoadPage called on a page already in memory")
	}

	ModifySuppl(spg, StatusInMemory, 0)
	as.setPTE(spg.Address, physAddr, spg.Writable)
	return true
}

// evictAndWriteback runs the frame table's second-chance eviction, then
// dispatches the victim's writeback according to its Type (swap_out).
func (m *Manager) evictAndWriteback(self *AddressSpace, vaddr uintptr) (uintptr, []byte, bool) {
	old := m.Frames.Evict(self, vaddr)
	victim := old.Holder.(*AddressSpace)
	spg := victim.Search(old.VAddr)
	if spg == nil {
		panic("page: evicted frame has no supplementary entry")
	}

	status := StatusInFile
	offset := spg.Offset
	switch spg.Type {
	case TypeToSwap:
		m.releaseTLOATOL(self.owner)
		data := m.dataOf(old.PhysAddr)
		idx, ok := m.Swap.SwapOut(data)
		if !ok {
			if victim != self {
				victim.Unlock()
			}
			return 0, nil, false
		}
		status = StatusInSwap
		offset = uint32(idx)
	case TypeToFile:
		m.releaseTLOATOL(self.owner)
		if victim.isDirty(old.VAddr) {
			data := m.dataOf(old.PhysAddr)
			if _, err := spg.File.WriteAt(data[:spg.ReadBytes], int64(spg.Offset)); err != nil {
				panic(err)
			}
		}
	case TypeReadOnly:
		m.releaseTLOATOL(self.owner)
	default:
		panic("page: unknown page type during eviction")
	}

	ModifySuppl(spg, status, offset)
	victim.clearPTE(old.VAddr)
	if victim != self {
		victim.Unlock()
	}
	return old.PhysAddr, m.dataOf(old.PhysAddr), true
}

// Fault handles a page fault at vaddr with the user stack pointer
// stackPtr, for a write access if write is true (the VM branch of
// page_fault). Returns false if the process must be terminated.
func (as *AddressSpace) Fault(vaddr, stackPtr uintptr, write bool) bool {
	if stackPtr+StackLimit < PhysBase {
		return false
	}
	faultPage := vaddr &^ uintptr(PageSize-1)

	as.mgr.acquireTLOATOL(as.owner)
	as.Lock()

	if spg := as.Search(faultPage); spg != nil {
		if write && spg.Type == TypeReadOnly {
			as.mgr.releaseTLOATOL(as.owner)
			as.Unlock()
			return false
		}
		ok := as.LoadPage(spg)
		as.Unlock()
		return ok
	}

	if vaddr >= stackPtr || vaddr == stackPtr-4 || vaddr == stackPtr-32 {
		spg := as.AddSuppl(SupplEntry{Address: faultPage, Status: StatusGrowingStack, Type: TypeToSwap, Writable: true})
		ok := as.LoadPage(spg)
		as.Unlock()
		return ok
	}

	as.mgr.releaseTLOATOL(as.owner)
	as.Unlock()
	return false
}

// Access returns the simulated physical bytes backing vaddr's page and
// the offset within it, faulting the page in if necessary (the syscall
// boundary's pointer-probing primitive sits on top of this). stackPtr is
// the accessing thread's current stack pointer, needed in case Access
// itself triggers a stack-growth fault.
func (as *AddressSpace) Access(vaddr, stackPtr uintptr, write bool) ([]byte, uintptr, bool) {
	page := vaddr &^ uintptr(PageSize-1)
	as.pdMu.Lock()
	e, ok := as.pagedir[page]
	as.pdMu.Unlock()
	if !ok {
		if !as.Fault(vaddr, stackPtr, write) {
			return nil, 0, false
		}
		as.pdMu.Lock()
		e, ok = as.pagedir[page]
		as.pdMu.Unlock()
		if !ok {
			return nil, 0, false
		}
	}
	if write && !e.writable {
		return nil, 0, false
	}
	if write {
		as.MarkDirty(page)
	}
	as.pdMu.Lock()
	e.accessed = true
	as.pdMu.Unlock()
	return as.mgr.dataOf(e.physAddr), vaddr - page, true
}

// Mmap registers a file-backed mapping of fileLen bytes starting at the
// page-aligned addr, returning the number of pages mapped. Caller must
// ensure addr does not overlap any existing mapping (process's mmap
// syscall handler is responsible for that check).
func (as *AddressSpace) Mmap(addr uintptr, fileLen int, file MmapFile) int {
	pages := (fileLen + PageSize - 1) / PageSize
	as.Lock()
	defer as.Unlock()
	for i := 0; i < pages; i++ {
		readBytes := PageSize
		if i == pages-1 && fileLen%PageSize != 0 {
			readBytes = fileLen % PageSize
		}
		as.AddSuppl(SupplEntry{
			Address:   addr + uintptr(i*PageSize),
			Offset:    uint32(i * PageSize),
			ReadBytes: uint32(readBytes),
			Status:    StatusInFile,
			Writable:  true,
			Type:      TypeToFile,
			File:      file,
		})
	}
	return pages
}

// Unmap tears down a pages-page mmap region starting at addr, writing
// back any dirty in-memory pages first (munmap is not in the retrieval
// pack; this follows the same dirty-check swap_out's TO_FILE branch and
// page_free's teardown logic use, applied at unmap time instead of
// eviction time).
func (as *AddressSpace) Unmap(addr uintptr, pages int) {
	as.mgr.acquireTLOATOL(as.owner)
	as.Lock()
	as.pdMu.Lock()
	for i := 0; i < pages; i++ {
		vaddr := addr + uintptr(i*PageSize)
		spg, ok := as.suppl[vaddr]
		if !ok {
			continue
		}
		if spg.Status == StatusInMemory {
			if e, ok := as.pagedir[vaddr]; ok {
				if e.dirty {
					data := as.mgr.dataOf(e.physAddr)
					if _, err := spg.File.WriteAt(data[:spg.ReadBytes], int64(spg.Offset)); err != nil {
						panic(err)
					}
				}
				as.mgr.Frames.Remove(e.physAddr)
				as.mgr.freePhys(e.physAddr)
				delete(as.pagedir, vaddr)
			}
		} else if spg.Status == StatusInSwap {
			as.mgr.Swap.Free(int(spg.Offset))
		}
		delete(as.suppl, vaddr)
	}
	as.pdMu.Unlock()
	as.Unlock()
	as.mgr.releaseTLOATOL(as.owner)
}

// Close tears down the entire address space (delete_suppl_page_table):
// every resident page's frame is released, every swapped-out page's slot
// is freed.
func (as *AddressSpace) Close() {
	as.mgr.acquireTLOATOL(as.owner)
	as.sptMu.Lock()
	as.pdMu.Lock()
	for _, e := range as.suppl {
		switch e.Status {
		case StatusInSwap:
			as.mgr.Swap.Free(int(e.Offset))
		case StatusInMemory:
			if pte, ok := as.pagedir[e.Address]; ok {
				as.mgr.Frames.Remove(pte.physAddr)
				as.mgr.freePhys(pte.physAddr)
			}
		}
	}
	as.suppl = make(map[uintptr]*SupplEntry)
	as.pagedir = make(map[uintptr]*pte)
	as.mgr.releaseTLOATOL(as.owner)
	as.pdMu.Unlock()
	as.sptMu.Unlock()
}
