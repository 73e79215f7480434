// Package blockcache implements a cache of fixed size device blocks.
//
// Blocks are keyed by (device, block number) and handed out as
// reference counted *Entry values. An entry whose reference count drops
// to zero is put at the end of the unused list; when the cache is full
// the entry at the front of that list (least recently released) is
// evicted. Dirty entries are written back to their device before they
// are evicted.
//
// The cache lock only guards bookkeeping. It is never held while doing
// device or swap I/O.
package blockcache

import (
	"container/list"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"
	"sync"

	"github.com/sahib/vmcache/device"
	"github.com/sahib/vmcache/status"
	"github.com/sahib/vmcache/swap"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Options configure a Cache.
type Options struct {
	// BlockSize is the size of one block in bytes. Must be a power of two.
	BlockSize int

	// MaxBlocks is the maximum number of resident blocks.
	// Zero means "limited by MaxMemory only".
	MaxBlocks int

	// MaxMemory is the maximum number of bytes held by resident blocks.
	// Zero means "limited by MaxBlocks only".
	MaxMemory int64

	// Swap is an optional second tier for clean, evicted blocks.
	Swap swap.Tier
}

// Stats is a snapshot of the cache's counters.
type Stats struct {
	Hits       int64
	Misses     int64
	Reads      int64
	Writes     int64
	Evictions  int64
	SwapOuts   int64
	SwapHits   int64
	Resident   int
	Referenced int
	Dirty      int
	Capacity   int
	UsedMemory int64
}

// Cache is a block cache. Create it with New() and call Init() before use.
type Cache struct {
	mu sync.Mutex

	opts        Options
	initialized bool
	capacity    int

	devices map[device.ID]device.Device
	entries map[blockKey]*Entry

	// Entries with zero references, least recently released first.
	unused *list.List

	// Version of the copy each key has in the swap tier.
	swapped     map[blockKey]uint64
	swapVersion uint64

	usedMemory int64
	stats      Stats

	nextTxID int64
	openTxs  int

	loads singleflight.Group
}

// New returns an uninitialized cache. No memory is allocated for the
// index before Init() is called.
func New(opts Options) *Cache {
	return &Cache{
		opts:    opts,
		devices: make(map[device.ID]device.Device),
	}
}

// Init sizes and allocates the index. Calling it again after a
// successful call does nothing.
func (c *Cache) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		return nil
	}

	bs := c.opts.BlockSize
	if bs <= 0 || bs&(bs-1) != 0 {
		return status.New(status.InvalidArgument, "block size %d is not a power of two", bs)
	}

	capacity := c.opts.MaxBlocks
	if c.opts.MaxMemory > 0 {
		byMemory := c.opts.MaxMemory / int64(bs)
		if capacity <= 0 || byMemory < int64(capacity) {
			capacity = int(byMemory)
		}
	}

	if capacity < 1 {
		return status.New(
			status.OutOfMemory,
			"cannot size block pool (max_blocks=%d max_memory=%d block_size=%d)",
			c.opts.MaxBlocks, c.opts.MaxMemory, bs,
		)
	}

	c.capacity = capacity
	c.entries = make(map[blockKey]*Entry, capacity)
	c.unused = list.New()
	c.swapped = make(map[blockKey]uint64)
	c.initialized = true

	log.Debugf("block cache: %d blocks of %d bytes", capacity, bs)
	return nil
}

// BlockSize returns the configured block size.
func (c *Cache) BlockSize() int {
	return c.opts.BlockSize
}

// UsedMemory returns the bytes held by resident entries.
func (c *Cache) UsedMemory() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.usedMemory
}

// AddDevice makes `dev` known to the cache.
func (c *Cache) AddDevice(dev device.Device) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := dev.ID()
	if id == device.NoDevice {
		return status.New(status.InvalidArgument, "device id %d is reserved", id)
	}

	if _, ok := c.devices[id]; ok {
		return status.New(status.InvalidArgument, "device %d already added", id)
	}

	c.devices[id] = dev
	return nil
}

// Device returns the device registered under `id`.
func (c *Cache) Device(id device.ID) (device.Device, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dev, ok := c.devices[id]
	return dev, ok
}

// RemoveDevice writes back all dirty blocks of device `id` and forgets
// about all of its blocks. It fails with Busy if a block is still
// referenced.
func (c *Cache) RemoveDevice(id device.ID) error {
	c.mu.Lock()
	if _, ok := c.devices[id]; !ok {
		c.mu.Unlock()
		return status.New(status.InvalidArgument, "no such device: %d", id)
	}

	initialized := c.initialized
	if err := c.checkUnusedLocked(id, false); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	if initialized {
		if err := c.SyncRange(id, 0, math.MaxInt64); err != nil {
			return err
		}
	}

	c.mu.Lock()
	if err := c.checkUnusedLocked(id, true); err != nil {
		c.mu.Unlock()
		return err
	}

	stale := []swap.Key{}
	for k, e := range c.entries {
		if k.dev == id {
			c.dropLocked(e)
		}
	}

	for k := range c.swapped {
		if k.dev == id {
			delete(c.swapped, k)
			stale = append(stale, k.swapKey())
		}
	}

	delete(c.devices, id)
	tier := c.opts.Swap
	c.mu.Unlock()

	if tier != nil {
		for _, sk := range stale {
			if err := tier.Del(sk); err != nil {
				log.WithError(err).Warnf("block cache: failed to drop swapped block %s", sk)
			}
		}
	}

	return nil
}

func (c *Cache) checkUnusedLocked(id device.ID, requireClean bool) error {
	for k, e := range c.entries {
		if k.dev != id {
			continue
		}

		if e.refs > 0 || e.writing {
			return status.New(status.Busy, "block %s still in use", k)
		}

		if requireClean && e.dirty {
			return status.New(status.Busy, "block %s is dirty", k)
		}
	}

	return nil
}

func (c *Cache) checkLocked(id device.ID, bn int64) (device.Device, error) {
	if !c.initialized {
		return nil, status.New(status.NotInitialized, "block cache")
	}

	dev, ok := c.devices[id]
	if !ok {
		return nil, status.New(status.InvalidArgument, "no such device: %d", id)
	}

	bs := int64(c.opts.BlockSize)
	if bn < 0 || bn > (dev.Size()/bs)-1 {
		return nil, status.New(status.InvalidArgument, "block %d out of range for device %d", bn, id)
	}

	return dev, nil
}

func (c *Cache) acquireLocked(e *Entry) {
	if e.refs == 0 && e.link != nil {
		c.unused.Remove(e.link)
		e.link = nil
	}

	e.refs++
	e.accessed++
}

func (c *Cache) insertLocked(k blockKey, data []byte) *Entry {
	e := &Entry{
		Dev:   k.dev,
		Block: k.block,
		Data:  data,
		cache: c,
	}

	c.entries[k] = e
	c.usedMemory += int64(len(data))
	delete(c.swapped, k)
	return e
}

func (c *Cache) dropLocked(e *Entry) {
	k := e.key()
	if c.entries[k] != e {
		panic(fmt.Sprintf("blockcache: %s is not indexed", e))
	}

	if e.link != nil {
		c.unused.Remove(e.link)
		e.link = nil
	}

	c.leaveTxLocked(e)
	delete(c.entries, k)
	delete(c.swapped, k)
	c.usedMemory -= int64(len(e.Data))
	if c.usedMemory < 0 {
		panic("blockcache: negative memory usage")
	}
}

// Get returns the entry for block `bn` of device `id`, reading it from
// the swap tier or the device if it is not resident. The returned entry
// holds a reference that must be given back with Release().
//
// Concurrent misses on the same block cause only one read.
func (c *Cache) Get(id device.ID, bn int64) (*Entry, error) {
	k := blockKey{dev: id, block: bn}
	loaded := false

	for {
		c.mu.Lock()
		dev, err := c.checkLocked(id, bn)
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}

		if e, ok := c.entries[k]; ok {
			c.acquireLocked(e)
			if !loaded {
				c.stats.Hits++
			}

			c.mu.Unlock()
			return e, nil
		}
		c.mu.Unlock()

		_, err, _ = c.loads.Do(k.String(), func() (interface{}, error) {
			return nil, c.load(dev, k)
		})

		if err != nil {
			return nil, err
		}

		// Loaded entries are not on the unused list until first released,
		// so they cannot be evicted before we pick them up here.
		loaded = true
	}
}

// GetWritable is Get() followed by MarkDirty().
func (c *Cache) GetWritable(id device.ID, bn int64) (*Entry, error) {
	e, err := c.Get(id, bn)
	if err != nil {
		return nil, err
	}

	c.MarkDirty(e)
	return e, nil
}

// GetEmpty returns a zeroed, dirty entry for the block without reading
// the device. Used when the whole block is going to be overwritten.
func (c *Cache) GetEmpty(id device.ID, bn int64) (*Entry, error) {
	return c.getEmpty(id, bn, nil)
}

func (c *Cache) getEmpty(id device.ID, bn int64, tx *Transaction) (*Entry, error) {
	k := blockKey{dev: id, block: bn}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.checkLocked(id, bn); err != nil {
		return nil, err
	}

	e, ok := c.entries[k]
	fresh := false
	if !ok {
		c.makeRoomLocked()
		if _, err := c.checkLocked(id, bn); err != nil {
			return nil, err
		}

		if e, ok = c.entries[k]; !ok {
			e = c.insertLocked(k, make([]byte, c.opts.BlockSize))
			fresh = true
		}
	}

	if tx != nil {
		if err := tx.joinLocked(e, fresh); err != nil {
			if fresh {
				c.dropLocked(e)
			}

			return nil, err
		}
	} else if e.inOpenTxLocked() {
		return nil, status.New(status.Busy, "%s belongs to %s", e, e.tx)
	}

	for idx := range e.Data {
		e.Data[idx] = 0
	}

	c.acquireLocked(e)
	e.dirty = true
	e.discard = false
	e.generation++
	return e, nil
}

func (c *Cache) load(dev device.Device, k blockKey) error {
	c.mu.Lock()
	if _, ok := c.entries[k]; ok {
		c.mu.Unlock()
		return nil
	}

	c.makeRoomLocked()
	version, inSwap := c.swapped[k]
	delete(c.swapped, k)
	tier := c.opts.Swap
	c.mu.Unlock()

	var data []byte
	if inSwap && tier != nil {
		data = c.swapIn(tier, k, version)
	}

	fromSwap := data != nil
	if !fromSwap {
		data = make([]byte, c.opts.BlockSize)
		if err := c.readBlock(dev, k.block, data); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return status.New(status.NotInitialized, "block cache closed during read")
	}

	if _, ok := c.entries[k]; ok {
		// GetEmpty() was quicker.
		return nil
	}

	c.insertLocked(k, data)
	c.stats.Misses++
	if fromSwap {
		c.stats.SwapHits++
	}

	return nil
}

func (c *Cache) readBlock(dev device.Device, bn int64, data []byte) error {
	n, err := dev.ReadAt(data, bn*int64(len(data)))
	if err == io.EOF && n == len(data) {
		err = nil
	}

	c.mu.Lock()
	c.stats.Reads++
	c.mu.Unlock()

	if err != nil {
		return status.Wrap(status.IOError, err, "read block %d of device %d", bn, dev.ID())
	}

	if n != len(data) {
		return status.New(status.IOError, "short read of block %d of device %d (%d bytes)", bn, dev.ID(), n)
	}

	return nil
}

func (c *Cache) writeBlock(dev device.Device, bn int64, data []byte) error {
	n, err := dev.WriteAt(data, bn*int64(len(data)))

	c.mu.Lock()
	c.stats.Writes++
	c.mu.Unlock()

	if err != nil {
		return status.Wrap(status.IOError, err, "write block %d of device %d", bn, dev.ID())
	}

	if n != len(data) {
		return status.New(status.IOError, "short write of block %d of device %d (%d bytes)", bn, dev.ID(), n)
	}

	return nil
}

// swapIn fetches a block from the swap tier. It returns nil if the tier
// does not have the expected version of it.
func (c *Cache) swapIn(tier swap.Tier, k blockKey, version uint64) []byte {
	blob, err := tier.Get(k.swapKey())
	if err != nil {
		return nil
	}

	if delErr := tier.Del(k.swapKey()); delErr != nil {
		log.WithError(delErr).Warnf("block cache: failed to drop swapped block %s", k)
	}

	if len(blob) != 8+c.opts.BlockSize || binary.BigEndian.Uint64(blob) != version {
		return nil
	}

	return blob[8:]
}

// swapOutLocked puts the data of a dropped clean entry into the swap tier.
// Must be called with c.mu held. The lock is released during the write.
func (c *Cache) swapOutLocked(k blockKey, data []byte) {
	tier := c.opts.Swap
	if tier == nil {
		return
	}

	c.swapVersion++
	version := c.swapVersion
	c.swapped[k] = version
	c.mu.Unlock()

	blob := make([]byte, 8+len(data))
	binary.BigEndian.PutUint64(blob, version)
	copy(blob[8:], data)
	err := tier.Put(k.swapKey(), blob)

	c.mu.Lock()
	if err != nil {
		log.WithError(err).Warnf("block cache: failed to swap out %s", k)
		if c.swapped[k] == version {
			delete(c.swapped, k)
		}

		return
	}

	c.stats.SwapOuts++
}

// makeRoomLocked evicts entries until there is space for one more.
// If every entry is referenced or cannot be written back, the cache
// grows beyond its capacity.
func (c *Cache) makeRoomLocked() {
	failed := make(map[*Entry]bool)
	for c.initialized && len(c.entries) >= c.capacity {
		if _, tried := c.evictOneLocked(failed); !tried {
			log.Warnf(
				"block cache: no evictable block, exceeding capacity of %d (%d resident)",
				c.capacity, len(c.entries),
			)
			return
		}
	}
}

func (c *Cache) pickVictimLocked(skip map[*Entry]bool) *Entry {
	for elem := c.unused.Front(); elem != nil; elem = elem.Next() {
		e, ok := elem.Value.(*Entry)
		if !ok {
			panic(fmt.Sprintf("blockcache: non-entry on unused list: %T", elem.Value))
		}

		if e.writing || skip[e] || e.inOpenTxLocked() {
			continue
		}

		return e
	}

	return nil
}

// evictOneLocked evicts the least recently released entry. `tried` is
// false if there was no candidate at all. Entries whose write-back
// failed are added to `failed` and stay dirty and resident.
func (c *Cache) evictOneLocked(failed map[*Entry]bool) (evicted bool, tried bool) {
	victim := c.pickVictimLocked(failed)
	if victim == nil {
		return false, false
	}

	k := victim.key()
	if victim.dirty {
		accessed := victim.accessed
		if err := c.writeBackLocked(victim); err != nil {
			log.WithError(err).Warnf("block cache: write-back of %s failed, keeping it", victim)
			failed[victim] = true
			return false, true
		}

		// Somebody might have used the entry while we were writing.
		if c.entries[k] != victim || victim.refs > 0 || victim.dirty || victim.accessed != accessed {
			return false, true
		}
	}

	c.dropLocked(victim)
	c.stats.Evictions++
	c.swapOutLocked(k, victim.Data)
	return true, true
}

// writeBackLocked writes a dirty entry to its device. c.mu is released
// during the write. The dirty flag is only cleared if the entry was not
// modified in the meantime.
func (c *Cache) writeBackLocked(e *Entry) error {
	dev, ok := c.devices[e.Dev]
	if !ok {
		return status.New(status.IOError, "device %d of %s vanished", e.Dev, e)
	}

	e.writing = true
	generation := e.generation
	buf := make([]byte, len(e.Data))
	copy(buf, e.Data)
	c.mu.Unlock()

	err := c.writeBlock(dev, e.Block, buf)

	c.mu.Lock()
	e.writing = false
	if err != nil {
		return err
	}

	if e.generation == generation {
		e.dirty = false
		if !e.inOpenTxLocked() {
			c.leaveTxLocked(e)
		}
	}

	if e.discard && e.refs == 0 && c.entries[e.key()] == e {
		c.dropLocked(e)
	}

	return nil
}

// Release gives back a reference obtained by Get, GetWritable or GetEmpty.
// Releasing more often than acquiring is a bug and panics.
func (c *Cache) Release(e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e.refs <= 0 {
		panic(fmt.Sprintf("blockcache: release of unreferenced %s", e))
	}

	e.refs--
	if e.refs > 0 {
		return
	}

	if c.entries[e.key()] != e {
		// Dropped by Close() while still referenced.
		return
	}

	if e.discard && !e.writing {
		c.dropLocked(e)
		return
	}

	e.link = c.unused.PushBack(e)
}

// MarkDirty flags the entry as modified. It will be written back before
// it is evicted or on the next Sync().
func (c *Cache) MarkDirty(e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e.dirty = true
	e.generation++
	e.discard = false
}

// SetDirty sets or clears the dirty flag of a referenced entry. Clearing
// it means the data matches the device again and needs no write-back.
// Blocks of open transactions cannot be cleared.
func (c *Cache) SetDirty(e *Entry, dirty bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e.refs <= 0 {
		return status.New(status.InvalidArgument, "%s is not referenced", e)
	}

	if dirty {
		e.dirty = true
		e.generation++
		e.discard = false
		return nil
	}

	if e.inOpenTxLocked() {
		return status.New(status.Busy, "%s belongs to %s", e, e.tx)
	}

	e.dirty = false
	e.generation++
	c.leaveTxLocked(e)
	return nil
}

// Sync writes back every dirty entry that is not referenced.
func (c *Cache) Sync() error {
	return c.syncWhere(func(blockKey) bool { return true }, nil)
}

// SyncRange writes back the unreferenced dirty entries of the `count`
// blocks starting at `bn` of device `id`.
func (c *Cache) SyncRange(id device.ID, bn, count int64) error {
	return c.syncWhere(func(k blockKey) bool {
		return k.dev == id && k.block >= bn && k.block-bn < count
	}, nil)
}

func (c *Cache) syncWhere(match func(blockKey) bool, wait func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return status.New(status.NotInitialized, "block cache")
	}

	dirty := []*Entry{}
	for k, e := range c.entries {
		if e.dirty && e.refs == 0 && !e.writing && !e.inOpenTxLocked() && match(k) {
			dirty = append(dirty, e)
		}
	}

	sort.Slice(dirty, func(i, j int) bool {
		if dirty[i].Dev != dirty[j].Dev {
			return dirty[i].Dev < dirty[j].Dev
		}

		return dirty[i].Block < dirty[j].Block
	})

	var firstErr error
	for _, e := range dirty {
		if wait != nil {
			c.mu.Unlock()
			err := wait()
			c.mu.Lock()

			if err != nil {
				return err
			}
		}

		if !e.dirty || e.refs > 0 || e.writing || e.inOpenTxLocked() || c.entries[e.key()] != e {
			continue
		}

		if err := c.writeBackLocked(e); err != nil {
			log.WithError(err).Warnf("block cache: sync of %s failed", e)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

// Discard drops the `count` blocks starting at `bn` without writing
// them back. Referenced blocks are dropped when they are released,
// unless they are marked dirty again. Blocks of open transactions are
// left alone.
func (c *Cache) Discard(id device.ID, bn, count int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return
	}

	for k, e := range c.entries {
		if k.dev != id || k.block < bn || k.block-bn >= count || e.inOpenTxLocked() {
			continue
		}

		if e.refs == 0 && !e.writing {
			c.dropLocked(e)
			continue
		}

		e.discard = true
		e.dirty = false
		c.leaveTxLocked(e)
	}
}

// Reclaim evicts up to `n` unreferenced entries and returns how many
// were evicted. It is meant to be called when memory is low.
func (c *Cache) Reclaim(n int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return 0
	}

	evictions := 0
	failed := make(map[*Entry]bool)
	for evictions < n {
		evicted, tried := c.evictOneLocked(failed)
		if !tried {
			break
		}

		if evicted {
			evictions++
		}
	}

	return evictions
}

// IsResident reports whether the block is currently cached.
func (c *Cache) IsResident(id device.ID, bn int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.entries[blockKey{dev: id, block: bn}]
	return ok
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Resident = len(c.entries)
	stats.Capacity = c.capacity
	stats.UsedMemory = c.usedMemory

	for _, e := range c.entries {
		if e.refs > 0 {
			stats.Referenced++
		}

		if e.dirty {
			stats.Dirty++
		}
	}

	return stats
}

// Close drops all entries. If `allowWrites` is true, dirty entries are
// written back first. The swap tier is closed too. The cache can be
// initialized again afterwards.
func (c *Cache) Close(allowWrites bool) error {
	var syncErr error
	if allowWrites {
		syncErr = c.Sync()
		if status.Is(syncErr, status.NotInitialized) {
			syncErr = nil
		}
	}

	c.mu.Lock()
	referenced := 0
	for _, e := range c.entries {
		if e.refs > 0 {
			referenced++
		}
	}

	if referenced > 0 {
		log.Warnf("block cache: closing with %d referenced blocks", referenced)
	}

	if c.openTxs > 0 {
		log.Warnf("block cache: closing with %d open transactions", c.openTxs)
	}

	for _, e := range c.entries {
		c.leaveTxLocked(e)
	}

	c.entries = make(map[blockKey]*Entry)
	c.unused = list.New()
	c.swapped = make(map[blockKey]uint64)
	c.usedMemory = 0
	c.initialized = false

	tier := c.opts.Swap
	c.opts.Swap = nil
	c.mu.Unlock()

	if tier != nil {
		if err := tier.Close(); err != nil && syncErr == nil {
			syncErr = err
		}
	}

	return syncErr
}
