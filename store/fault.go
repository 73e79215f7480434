package store

import (
	"fmt"

	"github.com/sahib/vmcache/blockcache"
	"github.com/sahib/vmcache/physmem"
	"github.com/sahib/vmcache/status"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// State is the state of a page fault.
type State int

const (
	// Requested is the state of a fault that was not looked at yet.
	Requested = State(iota)
	// Resolving means the page content is being produced.
	Resolving
	// Populated means the page is resident now.
	Populated
	// Denied means the access is not allowed or the backing failed.
	// The error returned with it tells which.
	Denied
	// Deferred means no page frame was available. The caller should
	// free memory and fault again.
	Deferred
)

func (s State) String() string {
	switch s {
	case Requested:
		return "requested"
	case Resolving:
		return "resolving"
	case Populated:
		return "populated"
	case Denied:
		return "denied"
	case Deferred:
		return "deferred"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Resolution is the outcome of a fault.
type Resolution struct {
	State State
	Page  *Page
}

// prefetchParallelism limits the block reads one Prefetch() runs at once.
const prefetchParallelism = 8

func denied(err error) (Resolution, error) {
	return Resolution{State: Denied}, err
}

// Fault resolves an access to `offset`. Only one resolution per page
// runs at a time; concurrent faults on the same page wait for it and
// share its outcome. A page stays resident once populated, so later
// faults return it directly.
func (s *Store) Fault(offset int64) (Resolution, error) {
	if offset < 0 {
		return denied(status.New(status.InvalidArgument, "negative offset %d", offset))
	}

	off := s.factory.pageAlign(offset)

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return denied(status.New(status.InvalidArgument, "fault on destroyed store %d", s.id))
	}

	if page, ok := s.pages[off]; ok {
		s.mu.Unlock()
		return Resolution{State: Populated, Page: page}, nil
	}

	s.inflight++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inflight--
		s.mu.Unlock()
	}()

	val, err, _ := s.faults.Do(fmt.Sprintf("%d", off), func() (interface{}, error) {
		return s.resolve(off)
	})

	res, ok := val.(Resolution)
	if !ok {
		panic(fmt.Sprintf("store: bad resolution type %T", val))
	}

	return res, err
}

func (s *Store) resolve(off int64) (Resolution, error) {
	s.mu.Lock()
	if page, ok := s.pages[off]; ok {
		s.mu.Unlock()
		return Resolution{State: Populated, Page: page}, nil
	}
	s.mu.Unlock()

	var res Resolution
	var err error

	switch s.kind {
	case KindAnonymous:
		res, err = s.faultAnonymous(off)
	case KindDevice:
		res, err = s.faultDevice(off)
	case KindNull:
		res, err = denied(status.New(status.AccessDenied, "null store %d at %#x", s.id, off))
	case KindVnode:
		res, err = s.faultVnode(off)
	default:
		panic(fmt.Sprintf("store: unknown kind %d", s.kind))
	}

	if res.State == Populated {
		s.mu.Lock()
		s.pages[off] = res.Page
		s.mu.Unlock()
	}

	if err != nil {
		log.Debugf("%s: fault at %#x: %s: %v", s, off, res.State, err)
	}

	return res, err
}

func (s *Store) allocPage(off int64) (*Page, bool) {
	frame, ok := s.factory.frames.Alloc()
	if !ok {
		return nil, false
	}

	return &Page{
		Offset: off,
		Addr:   frame.Addr,
		Data:   frame.Data,
		owned:  true,
	}, true
}

func (s *Store) faultAnonymous(off int64) (Resolution, error) {
	if guard := int64(s.anon.guardPages); guard > 0 && off/s.factory.pageSize < guard {
		return denied(status.New(status.AccessDenied, "guard page at %#x", off))
	}

	page, ok := s.allocPage(off)
	if !ok {
		return Resolution{State: Deferred}, nil
	}

	return Resolution{State: Populated, Page: page}, nil
}

func (s *Store) faultDevice(off int64) (Resolution, error) {
	addr := s.dev.base + physmem.Addr(off)
	data, err := s.factory.memory.View(addr, int(s.factory.pageSize))
	if err != nil {
		return denied(status.Wrap(status.AccessDenied, err, "device store at %#x", addr))
	}

	return Resolution{
		State: Populated,
		Page:  &Page{Offset: off, Addr: addr, Data: data},
	}, nil
}

// blockSpan is the part of a page that is stored in one file block.
type blockSpan struct {
	fileBlock int64
	// offsets into the page and the block and the length of the span.
	pageOff, blockOff, n int64
}

// spans returns the parts of the page at `off` covered by the file.
func (s *Store) spans(off int64) []blockSpan {
	node := s.vn.node
	bs := int64(node.BlockSize())

	end := off + s.factory.pageSize
	if size := node.Size(); end > size {
		end = size
	}

	spans := []blockSpan{}
	for pos := off; pos < end; {
		fileBlock := pos / bs
		blockStart := fileBlock * bs
		spanEnd := blockStart + bs
		if spanEnd > end {
			spanEnd = end
		}

		spans = append(spans, blockSpan{
			fileBlock: fileBlock,
			pageOff:   pos - off,
			blockOff:  pos - blockStart,
			n:         spanEnd - pos,
		})

		pos = spanEnd
	}

	return spans
}

func (s *Store) faultVnode(off int64) (Resolution, error) {
	node := s.vn.node
	if off >= node.Size() {
		return denied(status.New(status.AccessDenied, "vnode %d: offset %#x beyond end of file", node.ID(), off))
	}

	page, ok := s.allocPage(off)
	if !ok {
		return Resolution{State: Deferred}, nil
	}

	cache := s.factory.cache
	group := &errgroup.Group{}

	for _, span := range s.spans(off) {
		span := span
		devBlock, mapped := node.Map(span.fileBlock)
		if !mapped {
			// Holes read as zero and the frame is zeroed already.
			continue
		}

		group.Go(func() error {
			entry, err := cache.Get(node.Device(), devBlock)
			if err != nil {
				return err
			}

			copy(
				page.Data[span.pageOff:span.pageOff+span.n],
				entry.Data[span.blockOff:span.blockOff+span.n],
			)

			cache.Release(entry)
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		s.factory.frames.Free(page.Addr)
		if status.Is(err, status.IOError) {
			return denied(err)
		}

		return denied(status.Wrap(status.IOError, err, "vnode %d at %#x", node.ID(), off))
	}

	return Resolution{State: Populated, Page: page}, nil
}

// writeVnodePage copies a page into the cached blocks of its file. All
// blocks of the page are modified in one transaction, so a failure
// leaves none of them changed.
func (s *Store) writeVnodePage(page *Page) error {
	node := s.vn.node
	cache := s.factory.cache
	bs := int64(node.BlockSize())

	tx, err := cache.StartTransaction()
	if err != nil {
		return err
	}

	for _, span := range s.spans(page.Offset) {
		devBlock, mapped := node.Map(span.fileBlock)
		if !mapped {
			log.Warnf("vnode %d: cannot write back to hole at block %d", node.ID(), span.fileBlock)
			continue
		}

		var entry *blockcache.Entry
		if span.n == bs {
			// The whole block gets overwritten, no need to read it.
			entry, err = tx.GetEmpty(node.Device(), devBlock)
		} else {
			entry, err = tx.GetWritable(node.Device(), devBlock)
		}

		if err != nil {
			if abortErr := tx.Abort(); abortErr != nil {
				log.WithError(abortErr).Warnf("%s: failed to abort %s", s, tx)
			}

			return err
		}

		copy(
			entry.Data[span.blockOff:span.blockOff+span.n],
			page.Data[span.pageOff:span.pageOff+span.n],
		)

		cache.Release(entry)
	}

	return tx.End()
}

// Prefetch reads the file blocks behind `pages` pages starting at
// `offset` into the block cache, without allocating page frames. It
// returns how many blocks had to be loaded. Stores other than vnode
// stores have nothing to prefetch.
func (s *Store) Prefetch(offset int64, pages int) (int, error) {
	if offset < 0 || pages < 0 {
		return 0, status.New(status.InvalidArgument, "bad prefetch range %d+%d", offset, pages)
	}

	if !s.Live() {
		return 0, status.New(status.InvalidArgument, "prefetch on destroyed store %d", s.id)
	}

	if s.kind != KindVnode {
		return 0, nil
	}

	node := s.vn.node
	cache := s.factory.cache
	bs := int64(node.BlockSize())

	start := s.factory.pageAlign(offset)
	end := start + int64(pages)*s.factory.pageSize
	if size := node.Size(); end > size {
		end = size
	}

	missing := []int64{}
	seen := make(map[int64]bool)
	for fileBlock := start / bs; fileBlock*bs < end; fileBlock++ {
		devBlock, mapped := node.Map(fileBlock)
		if !mapped || seen[devBlock] || cache.IsResident(node.Device(), devBlock) {
			continue
		}

		seen[devBlock] = true
		missing = append(missing, devBlock)
	}

	group := &errgroup.Group{}
	group.SetLimit(prefetchParallelism)

	for _, devBlock := range missing {
		devBlock := devBlock
		group.Go(func() error {
			entry, err := cache.Get(node.Device(), devBlock)
			if err != nil {
				return err
			}

			cache.Release(entry)
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		if status.Is(err, status.IOError) {
			return 0, err
		}

		return 0, status.Wrap(status.IOError, err, "prefetch of vnode %d", node.ID())
	}

	return len(missing), nil
}
