// Package swap implements the page-sized swap slot pool: a bitmap over a
// raw block device, with exactly the operations vm/swap.c needs, reading
// and writing the device directly rather than through the buffer cache
// (swap traffic is bulk and never re-read through the ordinary file
// path, so caching it would only cost memory for no benefit — the same
// reasoning cache.c's own comments give for bypassing the cache on swap
// sectors).
//
// Grounded on original_source/pintos/src/vm/swap.c (PAGE_SIZE_IN_SECTORS,
// bitmap_scan_and_flip/bitmap_reset over swap_pool, swap_in/swap_out's
// disk access pattern) and the same []uint64 bitmap style freemap uses,
// itself grounded on biscuit's mem/mem.go Physmem_t.
package swap

import (
	"sync"

	"pintosim/disk"
)

// PageSize is the simulated virtual page size (PGSIZE).
const PageSize = 4096

// SectorsPerPage is PAGE_SIZE_IN_SECTORS: ceil(PGSIZE / SectorSize).
const SectorsPerPage = (PageSize + disk.SectorSize - 1) / disk.SectorSize

const wordBits = 64

// Pool is a page-granularity free-slot bitmap over a swap device
// (swap_pool/swap_lock).
type Pool struct {
	mu    sync.Mutex
	dev   disk.Disk_i
	words []uint64
	slots int
}

// New creates a pool with as many page-sized slots as dev holds
// (init_swap's bitmap_create(disk_size(swap_disk) / PAGE_SIZE_IN_SECTORS)).
func New(dev disk.Disk_i) *Pool {
	slots := int(dev.Size()) / SectorsPerPage
	return &Pool{
		dev:   dev,
		words: make([]uint64, (slots+wordBits-1)/wordBits),
		slots: slots,
	}
}

// SlotCount returns the total number of page-sized swap slots.
func (p *Pool) SlotCount() int {
	return p.slots
}

func (p *Pool) get(i int) bool {
	return p.words[i/wordBits]&(1<<uint(i%wordBits)) != 0
}

func (p *Pool) set(i int, v bool) {
	if v {
		p.words[i/wordBits] |= 1 << uint(i%wordBits)
	} else {
		p.words[i/wordBits] &^= 1 << uint(i%wordBits)
	}
}

// Free marks slot index as vacant (delete_swap). spg must not be read
// again from this index until it is reallocated.
func (p *Pool) Free(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= p.slots {
		panic("swap: free of out-of-range slot")
	}
	if !p.get(index) {
		panic("swap: free of already-free slot")
	}
	p.set(index, false)
}

// SwapIn copies the page stored at index into dst and marks the slot
// free, matching swap_in's read-then-bitmap_reset sequence. dst must be
// PageSize bytes.
func (p *Pool) SwapIn(index int, dst []byte) {
	if len(dst) != PageSize {
		panic("swap: SwapIn destination must be PageSize bytes")
	}
	base := disk.Sector(index * SectorsPerPage)
	for i := 0; i < SectorsPerPage; i++ {
		lo, hi := i*disk.SectorSize, (i+1)*disk.SectorSize
		if err := p.dev.ReadSector(base+disk.Sector(i), dst[lo:hi]); err != nil {
			panic(err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.get(index) {
		panic("swap: SwapIn of a slot that is not marked in use")
	}
	p.set(index, false)
}

// SwapOut finds a free slot, writes src into it, and returns the slot
// index (swap_out's TO_SWAP branch: bitmap_scan_and_flip then disk_write
// loop). The second return is false if the pool is full. src must be
// PageSize bytes.
func (p *Pool) SwapOut(src []byte) (int, bool) {
	if len(src) != PageSize {
		panic("swap: SwapOut source must be PageSize bytes")
	}
	p.mu.Lock()
	index := -1
	for i := 0; i < p.slots; i++ {
		if !p.get(i) {
			p.set(i, true)
			index = i
			break
		}
	}
	p.mu.Unlock()
	if index == -1 {
		return 0, false
	}

	base := disk.Sector(index * SectorsPerPage)
	for i := 0; i < SectorsPerPage; i++ {
		lo, hi := i*disk.SectorSize, (i+1)*disk.SectorSize
		if err := p.dev.WriteSector(base+disk.Sector(i), src[lo:hi]); err != nil {
			panic(err)
		}
	}
	return index, true
}
