package store

import (
	"sync"

	"github.com/sahib/vmcache/status"
	"github.com/sahib/vmcache/vnode"
	log "github.com/sirupsen/logrus"
)

type binding struct {
	store *Store
	refs  int

	// closing is set while the last Unbind() destroys the store.
	// It is closed once the teardown finished, successful or not.
	closing chan struct{}
}

// Bindings makes sure that every vnode has at most one store, no matter
// how many areas map it. The table lock is not held while a store is
// destroyed, since that may write back modified pages.
type Bindings struct {
	factory *Factory

	mu    sync.Mutex
	bound map[vnode.ID]*binding
}

// NewBindings creates an empty binding table.
func NewBindings(factory *Factory) *Bindings {
	return &Bindings{
		factory: factory,
		bound:   make(map[vnode.ID]*binding),
	}
}

// Bind returns the store of `node`, creating it on first use. Every
// call counts as one referencing area and needs a matching Unbind().
// If the store of `node` is being torn down, Bind waits for that.
func (b *Bindings) Bind(node *vnode.Vnode) (*Store, error) {
	if node == nil {
		return nil, status.New(status.NotFound, "bind of nil vnode")
	}

	for {
		st, closing, err := b.tryBind(node)
		if closing == nil {
			return st, err
		}

		<-closing
	}
}

func (b *Bindings) tryBind(node *vnode.Vnode) (*Store, chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if bd, ok := b.bound[node.ID()]; ok {
		if bd.closing != nil {
			return nil, bd.closing, nil
		}

		if bd.store.Live() {
			bd.refs++
			return bd.store, nil, nil
		}

		// Somebody destroyed the store behind our back.
		log.Warnf("vnode %d: replacing destroyed %s", node.ID(), bd.store)
		delete(b.bound, node.ID())
	}

	st, err := b.factory.CreateVnode(node)
	if err != nil {
		return nil, nil, err
	}

	b.bound[node.ID()] = &binding{store: st, refs: 1}
	return st, nil, nil
}

// Unbind drops one reference of `node`'s store. The last one destroys
// the store and removes the binding. If the store cannot be destroyed
// yet (e.g. it is still attached or has pinned pages), the reference is
// kept and the error is returned. Unbinding a vnode without a binding
// does nothing.
func (b *Bindings) Unbind(node *vnode.Vnode) error {
	if node == nil {
		return nil
	}

	for {
		b.mu.Lock()
		bd, ok := b.bound[node.ID()]
		if !ok {
			b.mu.Unlock()
			return nil
		}

		if closing := bd.closing; closing != nil {
			b.mu.Unlock()
			<-closing
			continue
		}

		if bd.refs > 1 {
			bd.refs--
			b.mu.Unlock()
			return nil
		}

		if !bd.store.Live() {
			delete(b.bound, node.ID())
			b.mu.Unlock()
			return nil
		}

		closing := make(chan struct{})
		bd.closing = closing
		b.mu.Unlock()

		err := bd.store.Destroy()

		b.mu.Lock()
		bd.closing = nil
		if err == nil {
			delete(b.bound, node.ID())
		}

		close(closing)
		b.mu.Unlock()
		return err
	}
}

// Lookup returns the store bound to `id` and its reference count.
func (b *Bindings) Lookup(id vnode.ID) (*Store, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bd, ok := b.bound[id]
	if !ok {
		return nil, 0
	}

	return bd.store, bd.refs
}

// Len returns the number of bound vnodes.
func (b *Bindings) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.bound)
}
