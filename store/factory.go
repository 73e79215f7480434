package store

import (
	"sync"

	"github.com/sahib/vmcache/blockcache"
	"github.com/sahib/vmcache/physmem"
	"github.com/sahib/vmcache/status"
	"github.com/sahib/vmcache/vnode"
	log "github.com/sirupsen/logrus"
)

// Config is the part of the configuration the factory needs.
type Config struct {
	// PageSize is the size of one page. Must match the frame size.
	PageSize int

	// MaxStores limits the number of live stores.
	MaxStores int
}

// Factory creates stores. It owns nothing but the counter of live
// stores; frames, device memory and the block cache are shared.
type Factory struct {
	pageSize  int64
	maxStores int

	frames *physmem.Allocator
	memory *physmem.Memory
	cache  *blockcache.Cache

	mu     sync.Mutex
	live   int
	nextID uint64
}

// NewFactory creates a factory. `memory` and `cache` may be nil if no
// device or vnode stores are going to be created.
func NewFactory(cfg Config, frames *physmem.Allocator, memory *physmem.Memory, cache *blockcache.Cache) (*Factory, error) {
	if frames == nil {
		return nil, status.New(status.InvalidArgument, "no frame allocator")
	}

	if cfg.PageSize != frames.PageSize() {
		return nil, status.New(
			status.InvalidArgument,
			"page size %d does not match frame size %d",
			cfg.PageSize, frames.PageSize(),
		)
	}

	if cfg.MaxStores <= 0 {
		return nil, status.New(status.InvalidArgument, "max stores must be positive: %d", cfg.MaxStores)
	}

	return &Factory{
		pageSize:  int64(cfg.PageSize),
		maxStores: cfg.MaxStores,
		frames:    frames,
		memory:    memory,
		cache:     cache,
	}, nil
}

// PageSize returns the page size of all stores of this factory.
func (f *Factory) PageSize() int {
	return int(f.pageSize)
}

// Live returns the number of stores not destroyed yet.
func (f *Factory) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.live
}

func (f *Factory) pageAlign(offset int64) int64 {
	return offset &^ (f.pageSize - 1)
}

func (f *Factory) reserve(kind Kind) (*Store, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.live >= f.maxStores {
		return nil, status.New(status.OutOfMemory, "cannot allocate %s store: %d stores live", kind, f.live)
	}

	f.live++
	f.nextID++

	log.Debugf("created %s store %d", kind, f.nextID)
	return newStore(f, f.nextID, kind), nil
}

func (f *Factory) release() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.live <= 0 {
		panic("store: more stores destroyed than created")
	}

	f.live--
}

// CreateAnonymousNoSwap creates a zero-filled store without backing.
// The first `guardPages` pages deny every access.
func (f *Factory) CreateAnonymousNoSwap(isStack bool, guardPages int32) (*Store, error) {
	if guardPages < 0 {
		return nil, status.New(status.InvalidArgument, "negative guard page count: %d", guardPages)
	}

	s, err := f.reserve(KindAnonymous)
	if err != nil {
		return nil, err
	}

	s.anon = &anonymousStore{
		isStack:    isStack,
		guardPages: guardPages,
	}

	return s, nil
}

// CreateDevice creates a store mapping physical memory at `physicalBase`.
func (f *Factory) CreateDevice(physicalBase uint64) (*Store, error) {
	if physicalBase%uint64(f.pageSize) != 0 {
		return nil, status.New(status.InvalidArgument, "physical base %#x is not page aligned", physicalBase)
	}

	if f.memory == nil {
		return nil, status.New(status.InvalidArgument, "no physical memory to map")
	}

	s, err := f.reserve(KindDevice)
	if err != nil {
		return nil, err
	}

	s.dev = &deviceStore{base: physmem.Addr(physicalBase)}
	return s, nil
}

// CreateNull creates a store that denies every access.
func (f *Factory) CreateNull() (*Store, error) {
	return f.reserve(KindNull)
}

// CreateVnode creates a store that reads its pages from `node`. The
// store holds a reference on the vnode until it is destroyed.
func (f *Factory) CreateVnode(node *vnode.Vnode) (*Store, error) {
	if node == nil {
		return nil, status.New(status.NotFound, "no vnode")
	}

	if f.cache == nil {
		return nil, status.New(status.InvalidArgument, "no block cache for vnode stores")
	}

	if node.BlockSize() != f.cache.BlockSize() {
		return nil, status.New(
			status.InvalidArgument,
			"vnode %d uses block size %d, cache uses %d",
			node.ID(), node.BlockSize(), f.cache.BlockSize(),
		)
	}

	if err := node.Acquire(); err != nil {
		return nil, status.Wrap(status.NotFound, err, "vnode %d", node.ID())
	}

	s, err := f.reserve(KindVnode)
	if err != nil {
		node.Put()
		return nil, err
	}

	s.vn = &vnodeStore{node: node}
	return s, nil
}
