package store

import (
	"sync"
	"testing"
	"time"

	"github.com/sahib/vmcache/device"
	"github.com/sahib/vmcache/status"
	"github.com/sahib/vmcache/vnode"
	"github.com/stretchr/testify/require"
)

func TestBindConcurrent(t *testing.T) {
	withEnv(t, func(f *Factory, env *testEnv) {
		b := NewBindings(f)
		node := vnode.New(1, testDevID, testBlockSize, testPageSize)

		const N = 32
		stores := make([]*Store, N)
		wg := &sync.WaitGroup{}

		for idx := 0; idx < N; idx++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				st, err := b.Bind(node)
				if err != nil {
					t.Errorf("bind failed: %v", err)
					return
				}

				stores[idx] = st
			}(idx)
		}

		wg.Wait()
		for idx := 1; idx < N; idx++ {
			require.True(t, stores[0] == stores[idx])
		}

		require.Equal(t, 1, f.Live())
		require.Equal(t, 1, node.Refs())

		st, refs := b.Lookup(node.ID())
		require.True(t, st == stores[0])
		require.Equal(t, N, refs)

		for idx := 0; idx < N-1; idx++ {
			require.Nil(t, b.Unbind(node))
		}

		require.True(t, st.Live())
		require.Nil(t, b.Unbind(node))
		require.False(t, st.Live())
		require.Equal(t, 0, b.Len())
		require.Equal(t, 0, f.Live())
		require.Equal(t, 0, node.Refs())

		// Unbinding without a binding does nothing:
		require.Nil(t, b.Unbind(node))
		require.Equal(t, 0, b.Len())
	})
}

func TestBindErrors(t *testing.T) {
	withEnv(t, func(f *Factory, env *testEnv) {
		b := NewBindings(f)

		_, err := b.Bind(nil)
		require.True(t, status.Is(err, status.NotFound))
		require.Nil(t, b.Unbind(nil))
		require.Nil(t, b.Unbind(vnode.New(77, testDevID, testBlockSize, testPageSize)))

		node := vnode.New(2, testDevID, testBlockSize, testPageSize)
		node.Invalidate()

		_, err = b.Bind(node)
		require.True(t, status.Is(err, status.NotFound))
		require.Equal(t, 0, b.Len())
	})
}

func TestBindReplacesDestroyedStore(t *testing.T) {
	withEnv(t, func(f *Factory, env *testEnv) {
		b := NewBindings(f)
		node := vnode.New(3, testDevID, testBlockSize, testPageSize)

		first, err := b.Bind(node)
		require.Nil(t, err)
		require.Nil(t, first.Destroy())

		second, err := b.Bind(node)
		require.Nil(t, err)
		require.False(t, first == second)
		require.True(t, second.Live())

		_, refs := b.Lookup(node.ID())
		require.Equal(t, 1, refs)
	})
}

func TestUnbindBusy(t *testing.T) {
	withEnv(t, func(f *Factory, env *testEnv) {
		b := NewBindings(f)
		node := vnode.New(4, testDevID, testBlockSize, testPageSize)

		st, err := b.Bind(node)
		require.Nil(t, err)
		require.Nil(t, st.Attach(testArea("mmap")))

		require.True(t, status.Is(b.Unbind(node), status.Busy))
		require.Equal(t, 1, b.Len())
		require.True(t, st.Live())

		st.Detach()
		require.Nil(t, b.Unbind(node))
		require.Equal(t, 0, b.Len())
	})
}

func TestUnbindDoesNotBlockBind(t *testing.T) {
	var blocking *device.Blocking
	opts := envOpts{
		frames:    16,
		maxStores: 128,
		wrap: func(dev device.Device) device.Device {
			blocking = device.NewBlocking(dev)
			return blocking
		},
	}

	withEnvOpts(t, opts, func(f *Factory, env *testEnv) {
		b := NewBindings(f)

		// Spans block 8 fully and block 9 partially.
		node, err := vnode.NewContiguous(10, testDevID, testBlockSize, 8, 1000)
		require.Nil(t, err)

		st, err := b.Bind(node)
		require.Nil(t, err)

		go func() {
			for idx := 0; idx < 2; idx++ {
				blocking.Unblock <- struct{}{}
			}
		}()

		res, err := st.Fault(0)
		require.Nil(t, err)
		require.Equal(t, Populated, res.State)
		<-blocking.HasBlocked

		res.Page.Data[600] = 0x77
		require.Nil(t, st.MarkPageDirty(0))

		// The partial block has to be read again for the write-back.
		env.cache.Discard(testDevID, 8, 2)

		unbound := make(chan error, 1)
		go func() { unbound <- b.Unbind(node) }()
		<-blocking.HasBlocked

		rebound := make(chan *Store, 1)
		go func() {
			again, err := b.Bind(node)
			if err != nil {
				t.Errorf("rebind failed: %v", err)
			}

			rebound <- again
		}()

		other := vnode.New(11, testDevID, testBlockSize, testPageSize)
		bound := make(chan error, 1)
		go func() {
			_, err := b.Bind(other)
			bound <- err
		}()

		select {
		case err := <-bound:
			require.Nil(t, err)
		case <-time.After(5 * time.Second):
			require.Fail(t, "bind waited for the write-back of another vnode")
		}

		select {
		case <-unbound:
			require.Fail(t, "unbind finished before its write-back")
		default:
		}

		blocking.Unblock <- struct{}{}
		require.Nil(t, <-unbound)
		require.False(t, st.Live())

		again := <-rebound
		require.NotNil(t, again)
		require.False(t, again == st)
		require.True(t, again.Live())

		_, refs := b.Lookup(node.ID())
		require.Equal(t, 1, refs)
		require.Equal(t, 2, b.Len())

		require.Nil(t, env.cache.Sync())
		require.Equal(t, []byte{0x77}, env.devBytes(9*testBlockSize+88, 1))
	})
}
