package blockcache

import (
	"container/list"
	"fmt"

	"github.com/sahib/vmcache/device"
	"github.com/sahib/vmcache/swap"
)

type blockKey struct {
	dev   device.ID
	block int64
}

func (k blockKey) String() string {
	return fmt.Sprintf("%d:%d", k.dev, k.block)
}

func (k blockKey) swapKey() swap.Key {
	return swap.Key{Dev: k.dev, Block: k.block}
}

// Entry is one resident block. The pointer stays the same for as long
// as the block is resident, so two Get() calls without eviction in
// between return the very same *Entry.
//
// Data may be read by everyone holding a reference. Writers need to
// call MarkDirty() after modifying it.
type Entry struct {
	Dev   device.ID
	Block int64
	Data  []byte

	cache *Cache

	// All fields below are protected by cache.mu.
	refs       int
	dirty      bool
	writing    bool
	discard    bool
	generation uint64
	accessed   uint64

	// Transaction the entry was last modified in, if not written yet.
	tx *Transaction

	// Link into cache.unused, only set while refs == 0.
	link *list.Element
}

func (e *Entry) key() blockKey {
	return blockKey{dev: e.Dev, block: e.Block}
}

// Refs returns the current number of references.
func (e *Entry) Refs() int {
	e.cache.mu.Lock()
	defer e.cache.mu.Unlock()

	return e.refs
}

// Dirty reports whether the entry still needs a write-back.
func (e *Entry) Dirty() bool {
	e.cache.mu.Lock()
	defer e.cache.mu.Unlock()

	return e.dirty
}

// Accessed returns how often the entry was handed out by Get.
func (e *Entry) Accessed() uint64 {
	e.cache.mu.Lock()
	defer e.cache.mu.Unlock()

	return e.accessed
}

func (e *Entry) String() string {
	return fmt.Sprintf("<block %d:%d>", e.Dev, e.Block)
}
