// Package device implements the block devices below the block cache.
// A device is addressed by byte offsets; the cache translates block
// numbers into offsets with its own block size.
package device

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// ID identifies a device inside a cache.
type ID int32

// NoDevice is never handed out to a real device.
const NoDevice = ID(-1)

var (
	// ErrOutOfRange is returned for accesses beyond the device size.
	ErrOutOfRange = errors.New("access beyond device size")
	// ErrClosed is returned when using a closed device.
	ErrClosed = errors.New("device is closed")
)

// Device is a random access block device.
type Device interface {
	io.ReaderAt
	io.WriterAt

	// ID returns the identifier the device was created with.
	ID() ID

	// Size returns the number of addressable bytes.
	Size() int64

	// Close releases any resource held by the device.
	Close() error
}

// Memory is a ramdisk: a device completely held in memory.
type Memory struct {
	mu     sync.RWMutex
	id     ID
	data   []byte
	closed bool
}

// NewMemory creates a zeroed ramdisk with `size` bytes.
func NewMemory(id ID, size int64) *Memory {
	return &Memory{id: id, data: make([]byte, size)}
}

// NewMemoryFromBytes creates a ramdisk that uses `data` as storage.
// Ownership of `data` goes to the device.
func NewMemoryFromBytes(id ID, data []byte) *Memory {
	return &Memory{id: id, data: data}
}

// ID returns the id of the ramdisk.
func (m *Memory) ID() ID { return m.id }

// Size returns the size of the ramdisk in bytes.
func (m *Memory) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return int64(len(m.data))
}

// ReadAt implements io.ReaderAt.
func (m *Memory) ReadAt(buf []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrClosed
	}

	if off < 0 || off >= int64(len(m.data)) {
		return 0, ErrOutOfRange
	}

	n := copy(buf, m.data[off:])
	if n < len(buf) {
		return n, io.EOF
	}

	return n, nil
}

// WriteAt implements io.WriterAt.
func (m *Memory) WriteAt(buf []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}

	if off < 0 || off+int64(len(buf)) > int64(len(m.data)) {
		return 0, ErrOutOfRange
	}

	return copy(m.data[off:], buf), nil
}

// Bytes gives direct access to the ramdisk contents.
// Only meant for tests and debugging tools.
func (m *Memory) Bytes() []byte {
	return m.data
}

// Close marks the device as closed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

func (m *Memory) String() string {
	return fmt.Sprintf("<ramdisk %d: %d bytes>", m.id, len(m.data))
}

// File is a device backed by a regular file (e.g. a disk image).
type File struct {
	id       ID
	fd       *os.File
	size     int64
	readOnly bool
}

// OpenFile opens `path` as device. If `readOnly` is true, writes fail.
func OpenFile(id ID, path string, readOnly bool) (*File, error) {
	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}

	fd, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open device %s", path)
	}

	info, err := fd.Stat()
	if err != nil {
		fd.Close()
		return nil, errors.Wrapf(err, "stat device %s", path)
	}

	return &File{
		id:       id,
		fd:       fd,
		size:     info.Size(),
		readOnly: readOnly,
	}, nil
}

// ID returns the id of the device.
func (f *File) ID() ID { return f.id }

// Size returns the size of the file at open time.
func (f *File) Size() int64 { return f.size }

// ReadAt implements io.ReaderAt.
func (f *File) ReadAt(buf []byte, off int64) (int, error) {
	if off >= f.size {
		return 0, ErrOutOfRange
	}

	return f.fd.ReadAt(buf, off)
}

// WriteAt implements io.WriterAt.
func (f *File) WriteAt(buf []byte, off int64) (int, error) {
	if f.readOnly {
		return 0, errors.Errorf("device %d is read-only", f.id)
	}

	if off+int64(len(buf)) > f.size {
		return 0, ErrOutOfRange
	}

	return f.fd.WriteAt(buf, off)
}

// Close syncs and closes the underlying file.
func (f *File) Close() error {
	if !f.readOnly {
		if err := f.fd.Sync(); err != nil {
			f.fd.Close()
			return err
		}
	}

	return f.fd.Close()
}
