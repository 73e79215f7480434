// Package vnode implements the file node references that vnode stores
// are created from. A vnode maps file blocks to device blocks with an
// extent map; file blocks that no extent covers are holes.
package vnode

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/btree"
	"github.com/pkg/errors"
	"github.com/sahib/vmcache/device"
)

// ID identifies a vnode.
type ID uint64

// ErrInvalid is returned for operations on an invalidated vnode.
var ErrInvalid = errors.New("vnode was invalidated")

// Extent maps `Length` file blocks starting at `FileBlock` to the
// device blocks starting at `DeviceBlock`.
type Extent struct {
	FileBlock   int64
	DeviceBlock int64
	Length      int64
}

// Less implements btree.Item.
func (e Extent) Less(than btree.Item) bool {
	return e.FileBlock < than.(Extent).FileBlock
}

func (e Extent) end() int64 {
	return e.FileBlock + e.Length
}

func (e Extent) String() string {
	return fmt.Sprintf("%d:%d+%d", e.FileBlock, e.DeviceBlock, e.Length)
}

// Vnode is a reference to a file on a device.
type Vnode struct {
	id        ID
	dev       device.ID
	blockSize int64

	mu      sync.RWMutex
	size    int64
	extents *btree.BTree
	valid   bool
	refs    int
}

// New creates a vnode without any extents (i.e. a sparse file).
func New(id ID, dev device.ID, blockSize int, size int64) *Vnode {
	return &Vnode{
		id:        id,
		dev:       dev,
		blockSize: int64(blockSize),
		size:      size,
		extents:   btree.New(8),
		valid:     true,
	}
}

// NewContiguous creates a vnode whose data is stored in consecutive
// device blocks starting at `startBlock`.
func NewContiguous(id ID, dev device.ID, blockSize int, startBlock, size int64) (*Vnode, error) {
	v := New(id, dev, blockSize, size)
	if blocks := v.Blocks(); blocks > 0 {
		if err := v.AddExtent(Extent{FileBlock: 0, DeviceBlock: startBlock, Length: blocks}); err != nil {
			return nil, err
		}
	}

	return v, nil
}

// ID returns the vnode id.
func (v *Vnode) ID() ID { return v.id }

// Device returns the device the file data lives on.
func (v *Vnode) Device() device.ID { return v.dev }

// BlockSize returns the block size the extents are expressed in.
func (v *Vnode) BlockSize() int { return int(v.blockSize) }

// Size returns the file size in bytes.
func (v *Vnode) Size() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return v.size
}

// SetSize changes the file size. Extents are not touched.
func (v *Vnode) SetSize(size int64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.size = size
}

// Blocks returns the number of file blocks needed for Size() bytes.
func (v *Vnode) Blocks() int64 {
	size := v.Size()
	return (size + v.blockSize - 1) / v.blockSize
}

// AddExtent adds `ext` to the extent map.
// Overlapping an existing extent is an error.
func (v *Vnode) AddExtent(ext Extent) error {
	if ext.Length <= 0 || ext.FileBlock < 0 || ext.DeviceBlock < 0 {
		return errors.Errorf("bad extent: %s", ext)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	var overlap *Extent
	v.extents.DescendLessOrEqual(ext, func(item btree.Item) bool {
		prev := item.(Extent)
		if prev.end() > ext.FileBlock {
			overlap = &prev
		}

		return false
	})

	v.extents.AscendGreaterOrEqual(ext, func(item btree.Item) bool {
		next := item.(Extent)
		if next.FileBlock < ext.end() {
			overlap = &next
		}

		return false
	})

	if overlap != nil {
		return errors.Errorf("extent %s overlaps %s", ext, overlap)
	}

	v.extents.ReplaceOrInsert(ext)
	return nil
}

// Map translates a file block into a device block. The boolean is
// false if the file block is a hole.
func (v *Vnode) Map(fileBlock int64) (int64, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	devBlock, found := int64(0), false
	v.extents.DescendLessOrEqual(Extent{FileBlock: fileBlock}, func(item btree.Item) bool {
		ext := item.(Extent)
		if fileBlock < ext.end() {
			devBlock, found = ext.DeviceBlock+(fileBlock-ext.FileBlock), true
		}

		return false
	})

	return devBlock, found
}

// Extents returns all extents ordered by file block.
func (v *Vnode) Extents() []Extent {
	v.mu.RLock()
	defer v.mu.RUnlock()

	exts := make([]Extent, 0, v.extents.Len())
	v.extents.Ascend(func(item btree.Item) bool {
		exts = append(exts, item.(Extent))
		return true
	})

	return exts
}

// Valid returns false once Invalidate() was called.
func (v *Vnode) Valid() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return v.valid
}

// Invalidate marks the vnode as deleted. Existing references keep
// working, but no new ones can be taken.
func (v *Vnode) Invalidate() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.valid = false
}

// Acquire takes a reference on the vnode.
func (v *Vnode) Acquire() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.valid {
		return ErrInvalid
	}

	v.refs++
	return nil
}

// Put gives back a reference taken with Acquire().
func (v *Vnode) Put() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.refs <= 0 {
		panic(fmt.Sprintf("vnode %d: put without reference", v.id))
	}

	v.refs--
}

// Refs returns the number of references held.
func (v *Vnode) Refs() int {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return v.refs
}

func (v *Vnode) String() string {
	return fmt.Sprintf("<vnode %d on dev %d: %d bytes>", v.id, v.dev, v.Size())
}

// ParseExtents parses a comma separated list of extents in the form
// `fileBlock:deviceBlock+length`, e.g. "0:100+8,8:200+4".
func ParseExtents(s string) ([]Extent, error) {
	exts := []Extent{}
	if strings.TrimSpace(s) == "" {
		return exts, nil
	}

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		colon := strings.IndexByte(part, ':')
		plus := strings.IndexByte(part, '+')
		if colon < 0 || plus < colon {
			return nil, errors.Errorf("bad extent `%s`: want file:device+length", part)
		}

		fields := []string{part[:colon], part[colon+1 : plus], part[plus+1:]}
		nums := make([]int64, len(fields))
		for idx, field := range fields {
			num, err := strconv.ParseInt(field, 10, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "bad extent `%s`", part)
			}

			nums[idx] = num
		}

		exts = append(exts, Extent{FileBlock: nums[0], DeviceBlock: nums[1], Length: nums[2]})
	}

	return exts, nil
}
