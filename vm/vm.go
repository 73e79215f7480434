// Package vm ties the frame allocator, the block cache and the store
// factory together into one System. The System is what the memory area
// manager and the file system talk to.
package vm

import (
	"sync"
	"time"

	e "github.com/pkg/errors"
	"github.com/sahib/config"
	"github.com/sahib/vmcache/blockcache"
	"github.com/sahib/vmcache/compress"
	"github.com/sahib/vmcache/defaults"
	"github.com/sahib/vmcache/device"
	"github.com/sahib/vmcache/physmem"
	"github.com/sahib/vmcache/status"
	"github.com/sahib/vmcache/store"
	"github.com/sahib/vmcache/swap"
	"github.com/sahib/vmcache/vnode"
	log "github.com/sirupsen/logrus"
)

const (
	// FrameBase is the physical address of the first page frame.
	FrameBase = physmem.Addr(0x100000)

	// DeviceBase is where the memory mappable by device stores starts.
	DeviceBase = physmem.Addr(0x100000000)
)

// Options configure a System.
type Options struct {
	PageSize       int
	MaxStores      int
	PhysicalPages  int
	PhysicalMemory int64

	BlockSize      int
	MaxBlocks      int
	MaxCacheMemory int64

	WriterEnabled      bool
	WriterInterval     time.Duration
	MaxWritesPerSecond int

	SwapEnabled     bool
	SwapBackend     string
	SwapPath        string
	SwapCompression compress.AlgorithmType
}

// OptionsFromConfig reads the options from a config built on
// defaults.Defaults.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	physMem, err := defaults.Bytes(cfg, "vm.physical_memory")
	if err != nil {
		return Options{}, err
	}

	cacheMem, err := defaults.Bytes(cfg, "cache.max_memory")
	if err != nil {
		return Options{}, err
	}

	algo, err := compress.AlgoFromString(cfg.String("swap.compression"))
	if err != nil {
		return Options{}, err
	}

	swapPath, err := defaults.ExpandPath(cfg.String("swap.path"))
	if err != nil {
		return Options{}, err
	}

	return Options{
		PageSize:           int(cfg.Int("vm.page_size")),
		MaxStores:          int(cfg.Int("vm.max_stores")),
		PhysicalPages:      int(cfg.Int("vm.physical_pages")),
		PhysicalMemory:     physMem,
		BlockSize:          int(cfg.Int("cache.block_size")),
		MaxBlocks:          int(cfg.Int("cache.max_blocks")),
		MaxCacheMemory:     cacheMem,
		WriterEnabled:      cfg.Bool("cache.writer.enabled"),
		WriterInterval:     cfg.Duration("cache.writer.interval"),
		MaxWritesPerSecond: int(cfg.Int("cache.writer.max_writes_per_second")),
		SwapEnabled:        cfg.Bool("swap.enabled"),
		SwapBackend:        cfg.String("swap.backend"),
		SwapPath:           swapPath,
		SwapCompression:    algo,
	}, nil
}

// System is the explicitly constructed global state: frames, device
// memory, the block cache and the store factory.
type System struct {
	opts Options

	frames   *physmem.Allocator
	memory   *physmem.Memory
	cache    *blockcache.Cache
	writer   *blockcache.Writer
	factory  *store.Factory
	bindings *store.Bindings

	mu     sync.Mutex
	isInit bool
	isShut bool
}

// New builds a System. Nothing is started before Init().
func New(opts Options) (*System, error) {
	frames, err := physmem.NewAllocator(FrameBase, opts.PageSize, opts.PhysicalPages)
	if err != nil {
		return nil, status.Wrap(status.InvalidArgument, err, "frames")
	}

	var memory *physmem.Memory
	if opts.PhysicalMemory > 0 {
		memory = physmem.NewMemory(DeviceBase, opts.PhysicalMemory)
	}

	var tier swap.Tier
	if opts.SwapEnabled {
		tier, err = swap.Open(swap.Options{
			Backend:     opts.SwapBackend,
			Path:        opts.SwapPath,
			Compression: opts.SwapCompression,
		})

		if err != nil {
			return nil, e.Wrap(err, "failed to open swap tier")
		}
	}

	cache := blockcache.New(blockcache.Options{
		BlockSize: opts.BlockSize,
		MaxBlocks: opts.MaxBlocks,
		MaxMemory: opts.MaxCacheMemory,
		Swap:      tier,
	})

	factory, err := store.NewFactory(store.Config{
		PageSize:  opts.PageSize,
		MaxStores: opts.MaxStores,
	}, frames, memory, cache)

	if err != nil {
		if tier != nil {
			tier.Close()
		}

		return nil, err
	}

	sys := &System{
		opts:     opts,
		frames:   frames,
		memory:   memory,
		cache:    cache,
		factory:  factory,
		bindings: store.NewBindings(factory),
	}

	if opts.WriterEnabled && opts.WriterInterval > 0 {
		sys.writer = blockcache.NewWriter(cache, opts.WriterInterval, opts.MaxWritesPerSecond)
	}

	return sys, nil
}

// NewFromConfig is New() with options read from `cfg`.
func NewFromConfig(cfg *config.Config) (*System, error) {
	opts, err := OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	return New(opts)
}

// Init initializes the block cache and starts the background writer.
// Calling it twice does nothing.
func (s *System) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isShut {
		return status.New(status.InvalidArgument, "system was shut down")
	}

	if s.isInit {
		return nil
	}

	if err := s.cache.Init(); err != nil {
		return err
	}

	if s.writer != nil {
		s.writer.Start()
	}

	s.isInit = true
	log.Infof(
		"vm: %d frames of %d bytes, block cache with %d byte blocks",
		s.opts.PhysicalPages, s.opts.PageSize, s.opts.BlockSize,
	)

	return nil
}

// Shutdown stops the writer and closes the cache. Dirty blocks are
// written back. Stores still alive are reported but not destroyed.
func (s *System) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isShut {
		return nil
	}

	if s.writer != nil {
		s.writer.Stop()
	}

	if live := s.factory.Live(); live > 0 {
		log.Warnf("vm: shutting down with %d live stores", live)
	}

	s.isShut = true
	return s.cache.Close(true)
}

// BlockCacheInit initializes the block cache. It fails once the system
// was shut down.
func (s *System) BlockCacheInit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isShut {
		return status.New(status.InvalidArgument, "system was shut down")
	}

	return s.cache.Init()
}

// BlockCacheUsedMemory returns the bytes held by cached blocks.
func (s *System) BlockCacheUsedMemory() int64 {
	return s.cache.UsedMemory()
}

// CreateAnonymousNoSwap creates a zero-filled store.
func (s *System) CreateAnonymousNoSwap(isStack bool, guardPages int32) (*store.Store, error) {
	return s.factory.CreateAnonymousNoSwap(isStack, guardPages)
}

// CreateDevice creates a store that maps physical memory at `physicalBase`.
func (s *System) CreateDevice(physicalBase uint64) (*store.Store, error) {
	return s.factory.CreateDevice(physicalBase)
}

// CreateNull creates a store that denies every access.
func (s *System) CreateNull() (*store.Store, error) {
	return s.factory.CreateNull()
}

// CreateVnode creates an unshared store reading from `node`.
func (s *System) CreateVnode(node *vnode.Vnode) (*store.Store, error) {
	return s.factory.CreateVnode(node)
}

// Bind returns the store shared by all areas mapping `node`.
func (s *System) Bind(node *vnode.Vnode) (*store.Store, error) {
	return s.bindings.Bind(node)
}

// Unbind drops one area's use of the store bound to `node`.
func (s *System) Unbind(node *vnode.Vnode) error {
	return s.bindings.Unbind(node)
}

// AddDevice makes `dev` readable through the block cache.
func (s *System) AddDevice(dev device.Device) error {
	return s.cache.AddDevice(dev)
}

// RemoveDevice writes back and forgets all blocks of device `id`.
func (s *System) RemoveDevice(id device.ID) error {
	return s.cache.RemoveDevice(id)
}

// Cache returns the block cache.
func (s *System) Cache() *blockcache.Cache {
	return s.cache
}

// Memory returns the physical memory device stores map.
func (s *System) Memory() *physmem.Memory {
	return s.memory
}

// Frames returns the page frame allocator.
func (s *System) Frames() *physmem.Allocator {
	return s.frames
}

// Factory returns the store factory.
func (s *System) Factory() *store.Factory {
	return s.factory
}
