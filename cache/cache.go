// Package cache implements the write-back buffer cache every higher layer
// of the filesystem reads and writes through: a fixed number of slots
// over a disk.Disk_i, with read-ahead, write-behind, and second-chance
// eviction under concurrent holders (spec §4.1).
//
// Grounded on biscuit's fs/blk.go (Bdev_block_t, two-lock entry design)
// and, for the exact algorithm, original_source/pintos/src/filesys/cache.c.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"pintosim/disk"
	"pintosim/klog"
)

// DefaultSlots is the number of resident entries the cache holds before
// it must evict (spec §8 boundary scenario 2: BUFFER_CACHE_LIMIT=64).
const DefaultSlots = 64

// WriteBehindInterval is how often the timer daemon wakes the
// write-behind daemon (spec §4.1).
const WriteBehindInterval = 5 * time.Second

// Entry is one cached sector plus its metadata (spec §3). meta guards
// the metadata fields and serializes readers against evictors; write
// serializes payload mutation and disk writeback. The two are
// deliberately independent so a reader of one sector never blocks behind
// a writeback of another (spec §4.1, "Why two locks").
type Entry struct {
	meta      sync.Mutex
	write     sync.Mutex
	readyCond *sync.Cond

	sector  disk.Sector
	dirty   bool
	ready   bool
	removed bool
	holders int
	data    [disk.SectorSize]byte
}

func newEntry(sector disk.Sector, hold bool) *Entry {
	e := &Entry{sector: sector}
	if hold {
		e.holders = 1
	}
	e.readyCond = sync.NewCond(&e.meta)
	return e
}

// Cache is the fixed-size buffer cache.
type Cache struct {
	dev   disk.Disk_i
	limit int

	listMu  sync.Mutex
	entries *list.List
	cursor  *list.Element

	raMu      sync.Mutex
	raCond    *sync.Cond
	raPending []disk.Sector
	raDone    bool

	wbCond *sync.Cond
	wbDone bool

	timerStop chan struct{}

	raSem *semaphore.Weighted
	wbSem *semaphore.Weighted
	eg    *errgroup.Group

	shutdownOnce sync.Once
}

func zeroedSem() *semaphore.Weighted {
	s := semaphore.NewWeighted(1)
	_ = s.Acquire(context.Background(), 1) // starts at 0, like sema_init(&s, 0)
	return s
}

// New creates a buffer cache of `limit` slots over dev and starts its
// read-ahead, write-behind, and timer daemons.
func New(dev disk.Disk_i, limit int) *Cache {
	if limit <= 0 {
		panic("cache: limit must be positive")
	}
	c := &Cache{
		dev:       dev,
		limit:     limit,
		entries:   list.New(),
		timerStop: make(chan struct{}),
		raSem:     zeroedSem(),
		wbSem:     zeroedSem(),
		eg:        &errgroup.Group{},
	}
	c.raCond = sync.NewCond(&c.raMu)
	c.wbCond = sync.NewCond(&c.listMu)

	c.eg.Go(func() error { c.readAheadDaemon(); return nil })
	c.eg.Go(func() error { c.writeBehindDaemon(); return nil })
	c.eg.Go(func() error { c.timerDaemon(); return nil })
	return c
}

// Read copies length bytes at offset within sector into dst. If nextHint
// is not the EOF sentinel, a read-ahead request for it is enqueued.
func (c *Cache) Read(sector, nextHint disk.Sector, offset, length int, dst []byte) bool {
	if offset < 0 || length < 0 || offset+length > disk.SectorSize {
		panic("cache: read range out of bounds")
	}
	ent := c.find(sector, true)
	ent.meta.Unlock()
	copy(dst, ent.data[offset:offset+length])
	c.epilogue(ent)

	if nextHint != disk.EOFSentinel {
		c.enqueueReadAhead(nextHint)
	}
	return true
}

// Write marks sector dirty and copies src into it at offset; when
// zeroTail is set the remainder of the sector past offset+length is
// zeroed in the same operation (first-touch allocation, spec §4.1).
func (c *Cache) Write(sector disk.Sector, offset, length int, src []byte, zeroTail bool) bool {
	if offset < 0 || length < 0 || offset+length > disk.SectorSize {
		panic("cache: write range out of bounds")
	}
	ent := c.find(sector, true)
	ent.dirty = true
	ent.write.Lock()
	ent.meta.Unlock()
	copy(ent.data[offset:offset+length], src)
	if zeroTail {
		for i := offset + length; i < disk.SectorSize; i++ {
			ent.data[i] = 0
		}
	}
	ent.write.Unlock()
	c.epilogue(ent)
	return true
}

// Remove marks a resident entry as vacatable without writeback — used
// when an inode's data sector or the inode sector itself is freed.
func (c *Cache) Remove(sector disk.Sector) {
	c.listMu.Lock()
	defer c.listMu.Unlock()
	for e := c.entries.Front(); e != nil; e = e.Next() {
		cand := e.Value.(*Entry)
		cand.meta.Lock()
		if cand.sector == sector {
			cand.removed = true
			cand.meta.Unlock()
			return
		}
		cand.meta.Unlock()
	}
}

// epilogue decrements an entry's holder count after a caller is done
// with it (buffer_cache_epilogue in the source).
func (c *Cache) epilogue(ent *Entry) {
	ent.meta.Lock()
	ent.holders--
	if ent.holders < 0 {
		panic("cache: holders underflow")
	}
	ent.meta.Unlock()
}

// find returns the entry for sector, creating or evicting as needed. If
// hold is true, the holder count is incremented and meta is returned
// locked; otherwise meta is unlocked before return.
func (c *Cache) find(sector disk.Sector, hold bool) *Entry {
	c.listMu.Lock()
	e := c.entries.Front()
	for e != nil {
		cand := e.Value.(*Entry)
		cand.meta.Lock()
		c.listMu.Unlock()
		if cand.sector == sector {
			if hold {
				cand.holders++
			}
			for !cand.ready {
				cand.readyCond.Wait()
			}
			if !hold {
				cand.meta.Unlock()
			}
			return cand
		}
		cand.meta.Unlock()
		c.listMu.Lock()
		e = e.Next()
	}
	// listMu is still held; add() takes ownership of releasing it.
	return c.add(sector, hold)
}

// add creates a fresh entry (if the cache has room) or evicts one, loads
// the sector from disk, and marks it ready. listMu must be held on
// entry; add releases it.
func (c *Cache) add(sector disk.Sector, hold bool) *Entry {
	var ent *Entry
	if c.entries.Len() < c.limit {
		ent = newEntry(sector, hold)
		c.entries.PushBack(ent)
		c.listMu.Unlock()
	} else {
		ent = c.evict(sector, hold)
	}

	buf := make([]byte, disk.SectorSize)
	if err := c.dev.ReadSector(sector, buf); err != nil {
		panic(err) // disk I/O is assumed infallible (spec §7f)
	}
	ent.meta.Lock()
	copy(ent.data[:], buf)
	ent.ready = true
	ent.readyCond.Broadcast()
	if !hold {
		ent.meta.Unlock()
	}
	return ent
}

// evict runs the second-chance eviction loop (spec §4.1). listMu must be
// held on entry; evict releases it.
func (c *Cache) evict(sector disk.Sector, hold bool) *Entry {
	var victim *Entry
	var oldSector disk.Sector
	var wasDirty bool

	for {
		if c.cursor == nil {
			c.cursor = c.entries.Front()
		}
		elem := c.cursor
		victim = elem.Value.(*Entry)
		c.cursor = elem.Next()

		victim.meta.Lock()
		if victim.holders == 0 && victim.ready {
			oldSector = victim.sector
			if hold {
				victim.holders = 1
			} else {
				victim.holders = 0
			}
			victim.sector = sector
			victim.ready = false
			wasDirty = victim.dirty
			victim.dirty = false
			if victim.removed {
				victim.removed = false
				c.listMu.Unlock()
				victim.meta.Unlock()
				klog.With(nil).WithField("sector", oldSector).Debug("cache: evicted removed entry, skipping writeback")
				return victim
			}
			break
		}
		victim.meta.Unlock()
	}
	c.listMu.Unlock()

	if wasDirty {
		victim.write.Lock()
		buf := make([]byte, disk.SectorSize)
		copy(buf, victim.data[:])
		victim.meta.Unlock()
		if err := c.dev.WriteSector(oldSector, buf); err != nil {
			panic(err)
		}
		victim.write.Unlock()
	} else {
		victim.meta.Unlock()
	}
	klog.With(nil).WithField("old_sector", oldSector).WithField("new_sector", sector).Debug("cache: evicted entry")
	return victim
}

func (c *Cache) enqueueReadAhead(sector disk.Sector) bool {
	c.raMu.Lock()
	defer c.raMu.Unlock()
	if c.raDone {
		return false
	}
	c.raPending = append(c.raPending, sector)
	c.raCond.Signal()
	return true
}

// readAheadDaemon waits for pending sectors and prefetches them. Signals
// are edge-triggered, so each wakeup drains the whole queue rather than
// popping a single entry (spec §9 Open Questions: "the correct choice is
// drain").
func (c *Cache) readAheadDaemon() {
	c.raMu.Lock()
	for !c.raDone {
		c.raCond.Wait()
		for len(c.raPending) > 0 {
			sector := c.raPending[0]
			c.raPending = c.raPending[1:]
			c.raMu.Unlock()
			c.find(sector, false) // prefetch only; find() unlocks meta for hold=false
			c.raMu.Lock()
		}
	}
	c.raMu.Unlock()
	c.raSem.Release(1)
}

// writeBehindDaemon periodically scans the cache and flushes dirty-ready
// entries, clearing dirty before I/O so a concurrent writer during the
// I/O re-marks the entry dirty rather than losing the update.
func (c *Cache) writeBehindDaemon() {
	c.listMu.Lock()
	for !c.wbDone {
		e := c.entries.Front()
		for e != nil {
			cand := e.Value.(*Entry)
			cand.meta.Lock()
			c.listMu.Unlock()
			if cand.ready && cand.dirty {
				cand.dirty = false
				cand.write.Lock()
				buf := make([]byte, disk.SectorSize)
				copy(buf, cand.data[:])
				sector := cand.sector
				cand.meta.Unlock()
				if err := c.dev.WriteSector(sector, buf); err != nil {
					panic(err)
				}
				cand.write.Unlock()
			} else {
				cand.meta.Unlock()
			}
			c.listMu.Lock()
			e = e.Next()
		}
		c.wbCond.Wait()
	}
	c.listMu.Unlock()
	c.wbSem.Release(1)
}

func (c *Cache) timerDaemon() {
	t := time.NewTicker(WriteBehindInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.listMu.Lock()
			c.wbCond.Signal()
			c.listMu.Unlock()
		case <-c.timerStop:
			return
		}
	}
}

// Done shuts the daemons down in order — read-ahead first (draining its
// pending list), then write-behind, then a final synchronous flush of
// every dirty entry — and waits for all three to acknowledge.
func (c *Cache) Done() {
	c.shutdownOnce.Do(func() {
		close(c.timerStop)

		c.raMu.Lock()
		c.raDone = true
		c.raCond.Signal()
		c.raMu.Unlock()
		_ = c.raSem.Acquire(context.Background(), 1)
		c.raMu.Lock()
		c.raPending = nil
		c.raMu.Unlock()

		c.listMu.Lock()
		c.wbDone = true
		c.wbCond.Signal()
		c.listMu.Unlock()
		_ = c.wbSem.Acquire(context.Background(), 1)

		c.listMu.Lock()
		flushed := 0
		for e := c.entries.Front(); e != nil; e = e.Next() {
			ent := e.Value.(*Entry)
			ent.meta.Lock()
			if ent.dirty {
				buf := make([]byte, disk.SectorSize)
				copy(buf, ent.data[:])
				sector := ent.sector
				ent.dirty = false
				ent.meta.Unlock()
				if err := c.dev.WriteSector(sector, buf); err != nil {
					panic(err)
				}
				flushed++
			} else {
				ent.meta.Unlock()
			}
		}
		c.listMu.Unlock()
		_ = c.eg.Wait()
		klog.With(nil).WithField("flushed", flushed).Info("cache: shutdown complete")
	})
}

// DirtyCount reports the number of dirty-ready entries, used by tests to
// verify Done() leaves no dirty data behind (spec §8 invariant).
func (c *Cache) DirtyCount() int {
	c.listMu.Lock()
	defer c.listMu.Unlock()
	n := 0
	for e := c.entries.Front(); e != nil; e = e.Next() {
		ent := e.Value.(*Entry)
		ent.meta.Lock()
		if ent.dirty {
			n++
		}
		ent.meta.Unlock()
	}
	return n
}

// Len reports the number of resident entries.
func (c *Cache) Len() int {
	c.listMu.Lock()
	defer c.listMu.Unlock()
	return c.entries.Len()
}
