// Package physmem simulates the physical memory the stores map pages from.
// An Allocator hands out zeroed page frames from a fixed arena and keeps
// them on an index linked free list. A Memory is a flat physical address
// range that device stores map directly, without allocating frames.
package physmem

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// Addr is a simulated physical address.
type Addr uint64

const noFrame = ^uint32(0)

// ErrBadAddress is returned for addresses outside of a range.
var ErrBadAddress = errors.New("physical address out of range")

// Frame is one page of physical memory.
type Frame struct {
	Addr Addr
	Data []byte
}

type frameInfo struct {
	used bool
	// index of the next free frame, noFrame terminates the list.
	nexti uint32
}

// Allocator manages a fixed number of page frames.
type Allocator struct {
	mu sync.Mutex

	base     Addr
	pageSize int
	arena    []byte
	frames   []frameInfo

	freei   uint32
	freelen int

	// number of successful Alloc() calls since creation.
	allocs int64
}

// NewAllocator creates an allocator with `frames` frames of `pageSize`
// bytes each, starting at physical address `base`.
func NewAllocator(base Addr, pageSize, frames int) (*Allocator, error) {
	if pageSize <= 0 || pageSize&(pageSize-1) != 0 {
		return nil, errors.Errorf("page size must be a power of two: %d", pageSize)
	}

	if frames < 0 {
		return nil, errors.Errorf("negative frame count: %d", frames)
	}

	if uint64(base)%uint64(pageSize) != 0 {
		return nil, errors.Errorf("base %#x is not page aligned", base)
	}

	alloc := &Allocator{
		base:     base,
		pageSize: pageSize,
		arena:    make([]byte, pageSize*frames),
		frames:   make([]frameInfo, frames),
		freei:    noFrame,
	}

	// Build the free list backwards so the lowest frame is handed out first.
	for idx := frames - 1; idx >= 0; idx-- {
		alloc.frames[idx].nexti = alloc.freei
		alloc.freei = uint32(idx)
		alloc.freelen++
	}

	return alloc, nil
}

// PageSize returns the frame size in bytes.
func (a *Allocator) PageSize() int {
	return a.pageSize
}

func (a *Allocator) data(idx uint32) []byte {
	off := int(idx) * a.pageSize
	return a.arena[off : off+a.pageSize : off+a.pageSize]
}

// Alloc takes a zero-filled frame from the free list.
// The boolean is false if no frame is left.
func (a *Allocator) Alloc() (Frame, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := a.freei
	if idx == noFrame {
		return Frame{}, false
	}

	info := &a.frames[idx]
	if info.used {
		panic(fmt.Sprintf("physmem: frame %d on free list is in use", idx))
	}

	a.freei = info.nexti
	a.freelen--
	a.allocs++

	info.used = true
	info.nexti = noFrame

	data := a.data(idx)
	for i := range data {
		data[i] = 0
	}

	return Frame{
		Addr: a.base + Addr(int(idx)*a.pageSize),
		Data: data,
	}, true
}

// Free returns the frame at `addr` to the free list.
// Freeing a frame twice is a bug and panics.
func (a *Allocator) Free(addr Addr) {
	if addr < a.base || uint64(addr-a.base)%uint64(a.pageSize) != 0 {
		panic(fmt.Sprintf("physmem: free of bad frame address %#x", addr))
	}

	idx := uint32(uint64(addr-a.base) / uint64(a.pageSize))
	if int(idx) >= len(a.frames) {
		panic(fmt.Sprintf("physmem: free of bad frame address %#x", addr))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	info := &a.frames[idx]
	if !info.used {
		panic(fmt.Sprintf("physmem: double free of frame %#x", addr))
	}

	info.used = false
	info.nexti = a.freei
	a.freei = idx
	a.freelen++
}

// Allocated returns the number of frames currently in use.
func (a *Allocator) Allocated() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.frames) - a.freelen
}

// Available returns the number of free frames.
func (a *Allocator) Available() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.freelen
}

// TotalAllocs returns how many frames were ever handed out.
func (a *Allocator) TotalAllocs() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.allocs
}

// Memory is a contiguous range of simulated physical memory,
// e.g. a frame buffer or the registers of a device.
type Memory struct {
	base Addr
	data []byte
}

// NewMemory creates `size` bytes of physical memory starting at `base`.
func NewMemory(base Addr, size int64) *Memory {
	return &Memory{base: base, data: make([]byte, size)}
}

// Base returns the first physical address of the range.
func (m *Memory) Base() Addr { return m.base }

// Size returns the length of the range in bytes.
func (m *Memory) Size() int64 { return int64(len(m.data)) }

// View returns a slice aliasing `n` bytes at `addr`.
// Writes to the slice are visible to every other view of the range.
func (m *Memory) View(addr Addr, n int) ([]byte, error) {
	if addr < m.base || n < 0 {
		return nil, ErrBadAddress
	}

	off := uint64(addr - m.base)
	if off+uint64(n) > uint64(len(m.data)) {
		return nil, ErrBadAddress
	}

	return m.data[off : off+uint64(n) : off+uint64(n)], nil
}

// Contains reports whether `addr` lies inside the range.
func (m *Memory) Contains(addr Addr) bool {
	return addr >= m.base && uint64(addr-m.base) < uint64(len(m.data))
}
