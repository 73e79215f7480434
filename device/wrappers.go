package device

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// ErrInjected is returned by Faulty for every failed operation.
var ErrInjected = errors.New("injected device failure")

// Counting wraps a device and counts the I/O done on it.
type Counting struct {
	Device
	reads, writes int64
}

// NewCounting wraps `dev`.
func NewCounting(dev Device) *Counting {
	return &Counting{Device: dev}
}

// ReadAt counts and forwards.
func (c *Counting) ReadAt(buf []byte, off int64) (int, error) {
	atomic.AddInt64(&c.reads, 1)
	return c.Device.ReadAt(buf, off)
}

// WriteAt counts and forwards.
func (c *Counting) WriteAt(buf []byte, off int64) (int, error) {
	atomic.AddInt64(&c.writes, 1)
	return c.Device.WriteAt(buf, off)
}

// Reads returns the number of ReadAt calls so far.
func (c *Counting) Reads() int64 { return atomic.LoadInt64(&c.reads) }

// Writes returns the number of WriteAt calls so far.
func (c *Counting) Writes() int64 { return atomic.LoadInt64(&c.writes) }

// Faulty wraps a device and fails reads or writes on demand.
type Faulty struct {
	Device

	mu         sync.Mutex
	failReads  bool
	failWrites bool
	badOffsets map[int64]bool
}

// NewFaulty wraps `dev`. Initially no operation fails.
func NewFaulty(dev Device) *Faulty {
	return &Faulty{
		Device:     dev,
		badOffsets: make(map[int64]bool),
	}
}

// FailReads toggles failing of all reads.
func (f *Faulty) FailReads(fail bool) {
	f.mu.Lock()
	f.failReads = fail
	f.mu.Unlock()
}

// FailWrites toggles failing of all writes.
func (f *Faulty) FailWrites(fail bool) {
	f.mu.Lock()
	f.failWrites = fail
	f.mu.Unlock()
}

// FailAt makes every access starting at `off` fail.
func (f *Faulty) FailAt(off int64) {
	f.mu.Lock()
	f.badOffsets[off] = true
	f.mu.Unlock()
}

func (f *Faulty) shouldFail(off int64, write bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.badOffsets[off] {
		return true
	}

	if write {
		return f.failWrites
	}

	return f.failReads
}

// ReadAt forwards unless a failure was requested.
func (f *Faulty) ReadAt(buf []byte, off int64) (int, error) {
	if f.shouldFail(off, false) {
		return 0, ErrInjected
	}

	return f.Device.ReadAt(buf, off)
}

// WriteAt forwards unless a failure was requested.
func (f *Faulty) WriteAt(buf []byte, off int64) (int, error) {
	if f.shouldFail(off, true) {
		return 0, ErrInjected
	}

	return f.Device.WriteAt(buf, off)
}

// Blocking is a device that blocks every read until it is released.
// It signals on HasBlocked when a read started to wait.
type Blocking struct {
	Device
	HasBlocked chan struct{}
	Unblock    chan struct{}
}

// NewBlocking wraps `dev`.
func NewBlocking(dev Device) *Blocking {
	return &Blocking{
		Device:     dev,
		HasBlocked: make(chan struct{}, 1),
		Unblock:    make(chan struct{}),
	}
}

// ReadAt waits for Unblock before reading.
func (b *Blocking) ReadAt(buf []byte, off int64) (int, error) {
	select {
	case b.HasBlocked <- struct{}{}:
	default:
	}

	<-b.Unblock
	return b.Device.ReadAt(buf, off)
}
