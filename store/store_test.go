package store

import (
	"sync"
	"testing"
	"time"

	"github.com/sahib/vmcache/blockcache"
	"github.com/sahib/vmcache/device"
	"github.com/sahib/vmcache/physmem"
	"github.com/sahib/vmcache/status"
	"github.com/sahib/vmcache/util/testutil"
	"github.com/sahib/vmcache/vnode"
	"github.com/stretchr/testify/require"
)

const (
	testPageSize  = 4096
	testBlockSize = 512
	testDevBlocks = 64
	testDevID     = device.ID(1)
	testMemBase   = physmem.Addr(0x100000)
	testMemSize   = 16 * testPageSize
)

type testArea string

func (a testArea) String() string { return string(a) }

type testEnv struct {
	frames   *physmem.Allocator
	memory   *physmem.Memory
	cache    *blockcache.Cache
	mem      *device.Memory
	faulty   *device.Faulty
	counting *device.Counting
}

func (env *testEnv) devBytes(off, n int64) []byte {
	return env.mem.Bytes()[off : off+n]
}

type envOpts struct {
	frames    int
	maxStores int
	wrap      func(device.Device) device.Device
}

func withEnvOpts(t *testing.T, opts envOpts, fn func(f *Factory, env *testEnv)) {
	frames, err := physmem.NewAllocator(0x10000000, testPageSize, opts.frames)
	require.Nil(t, err)

	mem := device.NewMemoryFromBytes(testDevID, testutil.CreateDummyBuf(testDevBlocks*testBlockSize))
	faulty := device.NewFaulty(mem)

	var dev device.Device = faulty
	if opts.wrap != nil {
		dev = opts.wrap(dev)
	}

	counting := device.NewCounting(dev)

	cache := blockcache.New(blockcache.Options{
		BlockSize: testBlockSize,
		MaxBlocks: testDevBlocks,
	})
	require.Nil(t, cache.Init())
	require.Nil(t, cache.AddDevice(counting))

	env := &testEnv{
		frames:   frames,
		memory:   physmem.NewMemory(testMemBase, testMemSize),
		cache:    cache,
		mem:      mem,
		faulty:   faulty,
		counting: counting,
	}

	f, err := NewFactory(Config{
		PageSize:  testPageSize,
		MaxStores: opts.maxStores,
	}, env.frames, env.memory, env.cache)
	require.Nil(t, err)

	fn(f, env)
	require.Nil(t, cache.Close(false))
}

func withEnv(t *testing.T, fn func(f *Factory, env *testEnv)) {
	withEnvOpts(t, envOpts{frames: 16, maxStores: 128}, fn)
}

func requireDenied(t *testing.T, kind status.Kind, res Resolution, err error) {
	require.Equal(t, Denied, res.State)
	require.Nil(t, res.Page)
	require.True(t, status.Is(err, kind), "expected %s, got %v", kind, err)
}

func TestFactoryValidation(t *testing.T) {
	frames, err := physmem.NewAllocator(0, testPageSize, 1)
	require.Nil(t, err)

	_, err = NewFactory(Config{PageSize: 8192, MaxStores: 1}, frames, nil, nil)
	require.True(t, status.Is(err, status.InvalidArgument))

	_, err = NewFactory(Config{PageSize: testPageSize, MaxStores: 0}, frames, nil, nil)
	require.True(t, status.Is(err, status.InvalidArgument))

	f, err := NewFactory(Config{PageSize: testPageSize, MaxStores: 1}, frames, nil, nil)
	require.Nil(t, err)

	_, err = f.CreateDevice(0)
	require.True(t, status.Is(err, status.InvalidArgument))

	_, err = f.CreateVnode(vnode.New(1, testDevID, testBlockSize, 0))
	require.True(t, status.Is(err, status.InvalidArgument))
}

func TestAnonymousZeroFill(t *testing.T) {
	withEnv(t, func(f *Factory, env *testEnv) {
		_, err := f.CreateAnonymousNoSwap(false, -1)
		require.True(t, status.Is(err, status.InvalidArgument))

		st, err := f.CreateAnonymousNoSwap(false, 0)
		require.Nil(t, err)
		require.Equal(t, KindAnonymous, st.Kind())

		res, err := st.Fault(5000)
		require.Nil(t, err)
		require.Equal(t, Populated, res.State)
		require.Equal(t, int64(testPageSize), res.Page.Offset)
		require.Equal(t, make([]byte, testPageSize), res.Page.Data)
		require.Equal(t, 1, env.frames.Allocated())
		require.True(t, st.HasPage(testPageSize+1))

		// Write something, the page has to stay resident:
		res.Page.Data[0] = 0x17

		again, err := st.Fault(testPageSize)
		require.Nil(t, err)
		require.Equal(t, Populated, again.State)
		require.True(t, res.Page == again.Page)
		require.Equal(t, byte(0x17), again.Page.Data[0])
		require.Equal(t, 1, env.frames.Allocated())

		_, err = st.Fault(-1)
		require.True(t, status.Is(err, status.InvalidArgument))
	})
}

func TestAnonymousGuardPages(t *testing.T) {
	withEnv(t, func(f *Factory, env *testEnv) {
		st, err := f.CreateAnonymousNoSwap(true, 2)
		require.Nil(t, err)
		require.True(t, st.IsStack())
		require.Equal(t, int32(2), st.GuardPages())

		res, err := st.Fault(0)
		requireDenied(t, status.AccessDenied, res, err)

		res, err = st.Fault(testPageSize + 10)
		requireDenied(t, status.AccessDenied, res, err)

		res, err = st.Fault(2 * testPageSize)
		require.Nil(t, err)
		require.Equal(t, Populated, res.State)
		require.Equal(t, 1, env.frames.Allocated())
	})
}

func TestAnonymousDeferred(t *testing.T) {
	withEnvOpts(t, envOpts{frames: 2, maxStores: 8}, func(f *Factory, env *testEnv) {
		other, err := f.CreateAnonymousNoSwap(false, 0)
		require.Nil(t, err)

		st, err := f.CreateAnonymousNoSwap(false, 0)
		require.Nil(t, err)

		for idx := int64(0); idx < 2; idx++ {
			res, err := other.Fault(idx * testPageSize)
			require.Nil(t, err)
			require.Equal(t, Populated, res.State)
		}

		res, err := st.Fault(0)
		require.Nil(t, err)
		require.Equal(t, Deferred, res.State)
		require.Nil(t, res.Page)
		require.False(t, st.HasPage(0))

		require.Nil(t, other.Destroy())
		require.Equal(t, 0, env.frames.Allocated())

		res, err = st.Fault(0)
		require.Nil(t, err)
		require.Equal(t, Populated, res.State)
	})
}

func TestDeviceStore(t *testing.T) {
	withEnv(t, func(f *Factory, env *testEnv) {
		_, err := f.CreateDevice(uint64(testMemBase) + 1)
		require.True(t, status.Is(err, status.InvalidArgument))

		st, err := f.CreateDevice(uint64(testMemBase))
		require.Nil(t, err)
		require.Equal(t, KindDevice, st.Kind())

		view, err := env.memory.View(testMemBase+testPageSize, 1)
		require.Nil(t, err)
		view[0] = 0x42

		res, err := st.Fault(testPageSize + 100)
		require.Nil(t, err)
		require.Equal(t, Populated, res.State)
		require.Equal(t, testMemBase+testPageSize, res.Page.Addr)
		require.Equal(t, byte(0x42), res.Page.Data[0])

		// Device pages alias the memory, no frame is taken:
		require.Equal(t, int64(0), env.frames.TotalAllocs())
		res.Page.Data[1] = 0x43
		view, err = env.memory.View(testMemBase+testPageSize+1, 1)
		require.Nil(t, err)
		require.Equal(t, byte(0x43), view[0])

		res, err = st.Fault(testMemSize)
		requireDenied(t, status.AccessDenied, res, err)

		require.Nil(t, st.Destroy())
		require.Equal(t, int64(0), env.frames.TotalAllocs())
	})
}

func TestNullStore(t *testing.T) {
	withEnv(t, func(f *Factory, env *testEnv) {
		st, err := f.CreateNull()
		require.Nil(t, err)
		require.Equal(t, KindNull, st.Kind())

		for _, off := range []int64{0, testPageSize, 1 << 30} {
			res, err := st.Fault(off)
			requireDenied(t, status.AccessDenied, res, err)
		}

		require.Equal(t, 0, st.ResidentPages())
		require.Equal(t, int64(0), env.frames.TotalAllocs())
	})
}

func TestVnodeStore(t *testing.T) {
	withEnv(t, func(f *Factory, env *testEnv) {
		size := int64(testPageSize + 1000)
		node, err := vnode.NewContiguous(1, testDevID, testBlockSize, 8, size)
		require.Nil(t, err)

		st, err := f.CreateVnode(node)
		require.Nil(t, err)
		require.Equal(t, KindVnode, st.Kind())
		require.True(t, st.Vnode() == node)
		require.Equal(t, 1, node.Refs())

		res, err := st.Fault(0)
		require.Nil(t, err)
		require.Equal(t, Populated, res.State)
		require.Equal(t, env.devBytes(8*testBlockSize, testPageSize), res.Page.Data)

		// Last page: 1000 bytes of data, then zeros.
		res, err = st.Fault(testPageSize)
		require.Nil(t, err)
		require.Equal(t, Populated, res.State)

		expected := make([]byte, testPageSize)
		copy(expected, env.devBytes(8*testBlockSize+testPageSize, 1000))
		require.Equal(t, expected, res.Page.Data)

		res, err = st.Fault(2 * testPageSize)
		requireDenied(t, status.AccessDenied, res, err)

		require.Equal(t, 2, st.ResidentPages())
		require.Equal(t, 2, env.frames.Allocated())

		require.Nil(t, st.Destroy())
		require.Equal(t, 0, node.Refs())
		require.Equal(t, 0, env.frames.Allocated())
	})
}

func TestVnodeHoles(t *testing.T) {
	withEnv(t, func(f *Factory, env *testEnv) {
		node := vnode.New(2, testDevID, testBlockSize, testPageSize)
		require.Nil(t, node.AddExtent(vnode.Extent{FileBlock: 1, DeviceBlock: 20, Length: 1}))

		st, err := f.CreateVnode(node)
		require.Nil(t, err)

		res, err := st.Fault(0)
		require.Nil(t, err)
		require.Equal(t, Populated, res.State)

		expected := make([]byte, testPageSize)
		copy(expected[testBlockSize:], env.devBytes(20*testBlockSize, testBlockSize))
		require.Equal(t, expected, res.Page.Data)
		require.Equal(t, int64(1), env.counting.Reads())
	})
}

func TestVnodeReadError(t *testing.T) {
	withEnv(t, func(f *Factory, env *testEnv) {
		node, err := vnode.NewContiguous(3, testDevID, testBlockSize, 0, testPageSize)
		require.Nil(t, err)

		st, err := f.CreateVnode(node)
		require.Nil(t, err)

		env.faulty.FailReads(true)
		res, err := st.Fault(0)
		requireDenied(t, status.IOError, res, err)
		require.Equal(t, 0, st.ResidentPages())
		require.Equal(t, 0, env.frames.Allocated())

		env.faulty.FailReads(false)
		res, err = st.Fault(0)
		require.Nil(t, err)
		require.Equal(t, Populated, res.State)
	})
}

func TestVnodeExtentBeyondDevice(t *testing.T) {
	withEnv(t, func(f *Factory, env *testEnv) {
		node, err := vnode.NewContiguous(4, testDevID, testBlockSize, testDevBlocks, testBlockSize)
		require.Nil(t, err)

		st, err := f.CreateVnode(node)
		require.Nil(t, err)

		res, err := st.Fault(0)
		requireDenied(t, status.IOError, res, err)
	})
}

func TestVnodeInvalidated(t *testing.T) {
	withEnv(t, func(f *Factory, env *testEnv) {
		_, err := f.CreateVnode(nil)
		require.True(t, status.Is(err, status.NotFound))

		node := vnode.New(5, testDevID, testBlockSize, testBlockSize)
		node.Invalidate()

		_, err = f.CreateVnode(node)
		require.True(t, status.Is(err, status.NotFound))
		require.Equal(t, 0, f.Live())
	})
}

func TestVnodeBlockScenario(t *testing.T) {
	withEnv(t, func(f *Factory, env *testEnv) {
		pattern := testutil.CreatePatternBuf(testBlockSize, 0xAA)
		copy(env.devBytes(5*testBlockSize, testBlockSize), pattern)

		node, err := vnode.NewContiguous(6, testDevID, testBlockSize, 5, testBlockSize)
		require.Nil(t, err)

		st, err := f.CreateVnode(node)
		require.Nil(t, err)

		e1, err := env.cache.Get(testDevID, 5)
		require.Nil(t, err)
		require.Equal(t, pattern, e1.Data)
		env.cache.Release(e1)

		e2, err := env.cache.Get(testDevID, 5)
		require.Nil(t, err)
		require.True(t, e1 == e2)
		env.cache.Release(e2)
		require.Equal(t, int64(1), env.counting.Reads())

		// The store goes through the same cache entry:
		res, err := st.Fault(0)
		require.Nil(t, err)
		require.Equal(t, pattern, res.Page.Data[:testBlockSize])
		require.Equal(t, make([]byte, testPageSize-testBlockSize), res.Page.Data[testBlockSize:])
		require.Equal(t, int64(1), env.counting.Reads())
	})
}

func TestConcurrentFaultsResolveOnce(t *testing.T) {
	var blocking *device.Blocking
	wrap := func(dev device.Device) device.Device {
		blocking = device.NewBlocking(dev)
		return blocking
	}

	withEnvOpts(t, envOpts{frames: 16, maxStores: 8, wrap: wrap}, func(f *Factory, env *testEnv) {
		node, err := vnode.NewContiguous(7, testDevID, testBlockSize, 0, 4*testPageSize)
		require.Nil(t, err)

		st, err := f.CreateVnode(node)
		require.Nil(t, err)

		const N = 8
		pages := make(chan *Page, N)
		wg := &sync.WaitGroup{}

		for idx := 0; idx < N; idx++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := st.Fault(testPageSize)
				if err != nil || res.State != Populated {
					t.Errorf("fault failed: %v %v", res.State, err)
					return
				}

				pages <- res.Page
			}()
		}

		<-blocking.HasBlocked
		time.Sleep(20 * time.Millisecond)
		close(blocking.Unblock)
		wg.Wait()
		close(pages)

		var first *Page
		for page := range pages {
			if first == nil {
				first = page
			}

			require.True(t, first == page)
		}

		require.Equal(t, 1, env.frames.Allocated())
		require.Equal(t, int64(testPageSize/testBlockSize), env.counting.Reads())
		require.Equal(t, env.devBytes(testPageSize, testPageSize), first.Data)
	})
}

func TestConcurrentAnonymousFaults(t *testing.T) {
	withEnv(t, func(f *Factory, env *testEnv) {
		st, err := f.CreateAnonymousNoSwap(false, 0)
		require.Nil(t, err)

		const N = 16
		pages := make([]*Page, N)
		wg := &sync.WaitGroup{}

		for idx := 0; idx < N; idx++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				res, err := st.Fault(42)
				if err != nil {
					t.Errorf("fault failed: %v", err)
					return
				}

				pages[idx] = res.Page
			}(idx)
		}

		wg.Wait()
		for idx := 1; idx < N; idx++ {
			require.True(t, pages[0] == pages[idx])
		}

		require.Equal(t, 1, env.frames.Allocated())
	})
}

func TestWriteModified(t *testing.T) {
	withEnv(t, func(f *Factory, env *testEnv) {
		size := int64(testPageSize + 100)
		node, err := vnode.NewContiguous(8, testDevID, testBlockSize, 0, size)
		require.Nil(t, err)

		st, err := f.CreateVnode(node)
		require.Nil(t, err)

		full, err := st.Fault(0)
		require.Nil(t, err)
		copy(full.Page.Data, testutil.CreatePatternBuf(testPageSize, 0x5A))
		require.Nil(t, st.MarkPageDirty(0))

		tail, err := st.Fault(testPageSize)
		require.Nil(t, err)
		copy(tail.Page.Data, testutil.CreatePatternBuf(testPageSize, 0x6B))
		require.Nil(t, st.MarkPageDirty(testPageSize+50))
		require.True(t, st.IsDirty())

		require.True(t, status.Is(st.MarkPageDirty(4*testPageSize), status.InvalidArgument))

		require.Nil(t, st.WriteModified())
		require.False(t, st.IsDirty())
		require.Nil(t, env.cache.Sync())

		require.Equal(t, testutil.CreatePatternBuf(testPageSize, 0x5A), env.devBytes(0, testPageSize))
		require.Equal(t, testutil.CreatePatternBuf(100, 0x6B), env.devBytes(testPageSize, 100))

		// Bytes behind the end of file stay untouched:
		original := testutil.CreateDummyBuf(testPageSize + testBlockSize)
		require.Equal(t, original[testPageSize+100:], env.devBytes(testPageSize+100, testBlockSize-100))
	})
}

func TestWriteModifiedFailureKeepsBlocks(t *testing.T) {
	withEnv(t, func(f *Factory, env *testEnv) {
		node, err := vnode.NewContiguous(12, testDevID, testBlockSize, 0, 1000)
		require.Nil(t, err)

		st, err := f.CreateVnode(node)
		require.Nil(t, err)

		res, err := st.Fault(0)
		require.Nil(t, err)
		copy(res.Page.Data, testutil.CreatePatternBuf(1000, 0x5A))
		require.Nil(t, st.MarkPageDirty(0))

		// Block 1 is only partly covered and has to be read again:
		env.cache.Discard(testDevID, 0, 2)
		env.faulty.FailReads(true)

		err = st.WriteModified()
		require.True(t, status.Is(err, status.IOError))
		require.True(t, st.IsDirty())

		// Block 0 was filled first, but the failure rolled it back:
		require.False(t, env.cache.IsResident(testDevID, 0))
		require.Equal(t, 0, env.cache.Stats().Dirty)

		env.faulty.FailReads(false)
		require.Nil(t, st.WriteModified())
		require.False(t, st.IsDirty())
		require.Nil(t, env.cache.Sync())
		require.Equal(t, testutil.CreatePatternBuf(1000, 0x5A), env.devBytes(0, 1000))
	})
}

func TestPrefetch(t *testing.T) {
	withEnv(t, func(f *Factory, env *testEnv) {
		node, err := vnode.NewContiguous(13, testDevID, testBlockSize, 8, 2*testPageSize+100)
		require.Nil(t, err)

		st, err := f.CreateVnode(node)
		require.Nil(t, err)

		n, err := st.Prefetch(0, 2)
		require.Nil(t, err)
		require.Equal(t, 16, n)
		require.Equal(t, int64(16), env.counting.Reads())
		require.Equal(t, 0, env.frames.Allocated())

		n, err = st.Prefetch(10, 2)
		require.Nil(t, err)
		require.Equal(t, 0, n)

		res, err := st.Fault(testPageSize)
		require.Nil(t, err)
		require.Equal(t, Populated, res.State)
		require.Equal(t, env.devBytes((8+8)*testBlockSize, testPageSize), res.Page.Data)
		require.Equal(t, int64(16), env.counting.Reads())

		// Clipped to the end of the file:
		n, err = st.Prefetch(0, 10)
		require.Nil(t, err)
		require.Equal(t, 1, n)
		require.True(t, env.cache.IsResident(testDevID, 24))
		require.False(t, env.cache.IsResident(testDevID, 25))

		_, err = st.Prefetch(-1, 1)
		require.True(t, status.Is(err, status.InvalidArgument))

		env.cache.Discard(testDevID, 8, 17)
		env.faulty.FailReads(true)
		_, err = st.Prefetch(0, 1)
		require.True(t, status.Is(err, status.IOError))
		env.faulty.FailReads(false)

		anon, err := f.CreateAnonymousNoSwap(false, 0)
		require.Nil(t, err)
		n, err = anon.Prefetch(0, 4)
		require.Nil(t, err)
		require.Equal(t, 0, n)

		require.Nil(t, st.Destroy())
		_, err = st.Prefetch(0, 1)
		require.True(t, status.Is(err, status.InvalidArgument))
	})
}

func TestWriteModifiedAnonymous(t *testing.T) {
	withEnv(t, func(f *Factory, env *testEnv) {
		st, err := f.CreateAnonymousNoSwap(false, 0)
		require.Nil(t, err)

		_, err = st.Fault(0)
		require.Nil(t, err)
		require.Nil(t, st.MarkPageDirty(0))
		require.True(t, st.IsDirty())

		require.Nil(t, st.WriteModified())
		require.False(t, st.IsDirty())
		require.Equal(t, int64(0), env.counting.Writes())
	})
}

func TestDestroy(t *testing.T) {
	withEnv(t, func(f *Factory, env *testEnv) {
		st, err := f.CreateAnonymousNoSwap(false, 0)
		require.Nil(t, err)
		require.Equal(t, 1, f.Live())

		_, err = st.Fault(0)
		require.Nil(t, err)

		require.Nil(t, st.Attach(testArea("heap")))
		require.Nil(t, st.Attach(testArea("heap")))
		require.True(t, status.Is(st.Attach(testArea("stack")), status.Busy))
		require.Equal(t, testArea("heap"), st.Area())
		require.True(t, status.Is(st.Destroy(), status.Busy))

		st.Detach()
		require.Nil(t, st.Area())

		require.True(t, status.Is(st.Pin(testPageSize), status.InvalidArgument))
		require.Nil(t, st.Pin(10))
		require.True(t, status.Is(st.Destroy(), status.Busy))

		require.Nil(t, st.Unpin(10))
		require.True(t, status.Is(st.Unpin(10), status.InvalidArgument))

		require.Nil(t, st.Destroy())
		require.False(t, st.Live())
		require.Equal(t, 0, f.Live())
		require.Equal(t, 0, env.frames.Allocated())

		require.True(t, status.Is(st.Destroy(), status.InvalidArgument))
		require.True(t, status.Is(st.Attach(testArea("heap")), status.InvalidArgument))

		res, err := st.Fault(0)
		requireDenied(t, status.InvalidArgument, res, err)
	})
}

func TestMaxStores(t *testing.T) {
	withEnvOpts(t, envOpts{frames: 4, maxStores: 2}, func(f *Factory, env *testEnv) {
		s1, err := f.CreateNull()
		require.Nil(t, err)

		_, err = f.CreateAnonymousNoSwap(false, 0)
		require.Nil(t, err)

		_, err = f.CreateNull()
		require.True(t, status.Is(err, status.OutOfMemory))

		node := vnode.New(9, testDevID, testBlockSize, testBlockSize)
		_, err = f.CreateVnode(node)
		require.True(t, status.Is(err, status.OutOfMemory))
		require.Equal(t, 0, node.Refs())

		require.Nil(t, s1.Destroy())
		_, err = f.CreateNull()
		require.Nil(t, err)
	})
}
