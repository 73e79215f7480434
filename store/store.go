// Package store implements the backing stores of memory areas.
//
// A Store tells the memory manager how to produce the content of a page
// when it is first touched: anonymous stores hand out zeroed frames,
// device stores map physical memory directly, null stores refuse every
// access and vnode stores read file data through the block cache.
// Every kind is a case of the same Store type; Fault() dispatches on
// the kind.
package store

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sahib/vmcache/physmem"
	"github.com/sahib/vmcache/status"
	"github.com/sahib/vmcache/vnode"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Kind tells how a store produces its pages.
type Kind int

const (
	// KindAnonymous stores are zero-filled and have no backing.
	KindAnonymous = Kind(iota)
	// KindDevice stores map a range of physical memory.
	KindDevice
	// KindNull stores deny every access.
	KindNull
	// KindVnode stores read their pages from a file.
	KindVnode
)

func (k Kind) String() string {
	switch k {
	case KindAnonymous:
		return "anonymous"
	case KindDevice:
		return "device"
	case KindNull:
		return "null"
	case KindVnode:
		return "vnode"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Area is the memory area that uses a store.
type Area interface {
	String() string
}

// Page is a resident page of a store.
type Page struct {
	Offset int64
	Addr   physmem.Addr
	Data   []byte

	// owned pages came from the frame allocator and go back there.
	owned bool
	dirty bool
}

type anonymousStore struct {
	isStack    bool
	guardPages int32
}

type deviceStore struct {
	base physmem.Addr
}

type vnodeStore struct {
	node *vnode.Vnode
}

// Store is the backing store of one memory area.
type Store struct {
	id      uint64
	kind    Kind
	factory *Factory

	mu        sync.Mutex
	area      Area
	dirty     bool
	pages     map[int64]*Page
	pins      map[int64]int
	inflight  int
	destroyed bool

	faults singleflight.Group

	// Exactly one of these is set, depending on kind.
	anon *anonymousStore
	dev  *deviceStore
	vn   *vnodeStore
}

func newStore(f *Factory, id uint64, kind Kind) *Store {
	return &Store{
		id:      id,
		kind:    kind,
		factory: f,
		pages:   make(map[int64]*Page),
		pins:    make(map[int64]int),
	}
}

// ID returns the id the factory assigned to the store.
func (s *Store) ID() uint64 { return s.id }

// Kind returns the kind of the store.
func (s *Store) Kind() Kind { return s.kind }

// Vnode returns the vnode of a vnode store, nil otherwise.
func (s *Store) Vnode() *vnode.Vnode {
	if s.vn == nil {
		return nil
	}

	return s.vn.node
}

// IsStack reports whether an anonymous store backs a stack.
func (s *Store) IsStack() bool {
	return s.anon != nil && s.anon.isStack
}

// GuardPages returns the number of guard pages of an anonymous store.
func (s *Store) GuardPages() int32 {
	if s.anon == nil {
		return 0
	}

	return s.anon.guardPages
}

// Area returns the area the store is attached to, or nil.
func (s *Store) Area() Area {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.area
}

// Attach binds the store to `area`. A store can only be attached to one
// area at a time.
func (s *Store) Attach(area Area) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return status.New(status.InvalidArgument, "store %d is destroyed", s.id)
	}

	if s.area != nil && s.area != area {
		return status.New(status.Busy, "store %d is attached to %s", s.id, s.area)
	}

	s.area = area
	return nil
}

// Detach clears the owning area.
func (s *Store) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.area = nil
}

// Live is false after the store was destroyed.
func (s *Store) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return !s.destroyed
}

// IsDirty reports whether any resident page was modified since the last
// WriteModified().
func (s *Store) IsDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.dirty
}

// HasPage reports whether the page containing `offset` is resident.
func (s *Store) HasPage(offset int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.pages[s.factory.pageAlign(offset)]
	return ok
}

// ResidentPages returns the number of resident pages.
func (s *Store) ResidentPages() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.pages)
}

// Pin keeps the page containing `offset` from being released.
// The page must be resident.
func (s *Store) Pin(offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	off := s.factory.pageAlign(offset)
	if _, ok := s.pages[off]; !ok {
		return status.New(status.InvalidArgument, "pin of non-resident page %#x", off)
	}

	s.pins[off]++
	return nil
}

// Unpin reverses Pin().
func (s *Store) Unpin(offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	off := s.factory.pageAlign(offset)
	if s.pins[off] <= 0 {
		return status.New(status.InvalidArgument, "unpin of unpinned page %#x", off)
	}

	s.pins[off]--
	if s.pins[off] == 0 {
		delete(s.pins, off)
	}

	return nil
}

// MarkPageDirty records that the page containing `offset` was written to.
func (s *Store) MarkPageDirty(offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	off := s.factory.pageAlign(offset)
	page, ok := s.pages[off]
	if !ok {
		return status.New(status.InvalidArgument, "page %#x is not resident", off)
	}

	page.dirty = true
	s.dirty = true
	return nil
}

// WriteModified writes the modified pages of a vnode store back to the
// file through the block cache. For the other kinds there is nothing to
// write back and only the dirty state is cleared.
func (s *Store) WriteModified() error {
	s.mu.Lock()
	dirty := []*Page{}
	for _, page := range s.pages {
		if page.dirty {
			dirty = append(dirty, page)
		}
	}
	s.mu.Unlock()

	sort.Slice(dirty, func(i, j int) bool {
		return dirty[i].Offset < dirty[j].Offset
	})

	var firstErr error
	for _, page := range dirty {
		if s.kind == KindVnode {
			if err := s.writeVnodePage(page); err != nil {
				if firstErr == nil {
					firstErr = err
				}

				continue
			}
		}

		s.mu.Lock()
		page.dirty = false
		s.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.dirty = false
	for _, page := range s.pages {
		if page.dirty {
			s.dirty = true
			break
		}
	}

	return firstErr
}

// Destroy releases everything the store holds. The store must be
// detached and have no pinned page and no fault in progress. Modified
// pages of a vnode store are written back first.
func (s *Store) Destroy() error {
	if s.kind == KindVnode && s.IsDirty() {
		if err := s.WriteModified(); err != nil {
			log.WithError(err).Warnf("%s: failed to write back before destroy", s)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return status.New(status.InvalidArgument, "store %d destroyed twice", s.id)
	}

	if s.area != nil {
		return status.New(status.Busy, "store %d is still attached to %s", s.id, s.area)
	}

	if len(s.pins) > 0 {
		return status.New(status.Busy, "store %d has %d pinned pages", s.id, len(s.pins))
	}

	if s.inflight > 0 {
		return status.New(status.Busy, "store %d has %d faults in progress", s.id, s.inflight)
	}

	for off, page := range s.pages {
		if page.owned {
			s.factory.frames.Free(page.Addr)
		}

		delete(s.pages, off)
	}

	if s.vn != nil {
		s.vn.node.Put()
	}

	s.destroyed = true
	s.factory.release()

	log.Debugf("destroyed %s store %d", s.kind, s.id)
	return nil
}

func (s *Store) String() string {
	return fmt.Sprintf("<%s store %d>", s.kind, s.id)
}
