// Package swap implements the optional second tier of the block cache.
// Clean blocks evicted from memory are parked here and consulted on a
// miss before going to the device. The tier is a pure cache: losing its
// contents never loses data.
package swap

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sahib/vmcache/compress"
	"github.com/sahib/vmcache/device"
)

var (
	// ErrMiss is returned by Get when the tier has no copy of the block.
	ErrMiss = errors.New("swap miss")
)

// Key addresses one block of one device.
type Key struct {
	Dev   device.ID
	Block int64
}

func (k Key) String() string {
	return fmt.Sprintf("%d-%d", k.Dev, k.Block)
}

// shard distributes keys over 256 buckets.
func (k Key) shard() string {
	return fmt.Sprintf("%02x", uint8(k.Block^int64(k.Dev)))
}

// Tier is a store for evicted clean blocks.
type Tier interface {
	// Put stores a copy of `data` under `key`.
	Put(key Key, data []byte) error

	// Get returns the data stored under `key` or ErrMiss.
	Get(key Key) ([]byte, error)

	// Del forgets `key`. Deleting a missing key is no error.
	Del(key Key) error

	// Close releases the tier and removes its contents.
	Close() error
}

// Backend names as used in the config.
const (
	BackendDir    = "dir"
	BackendBadger = "badger"
)

// Options configure a Tier.
type Options struct {
	Backend     string
	Path        string
	Compression compress.AlgorithmType
}

// Open creates a tier for `opts`.
func Open(opts Options) (Tier, error) {
	if opts.Path == "" {
		return nil, errors.New("swap: empty path")
	}

	switch opts.Backend {
	case BackendDir, "":
		return NewDirTier(opts.Path, opts.Compression)
	case BackendBadger:
		return NewBadgerTier(opts.Path, opts.Compression)
	default:
		return nil, errors.Errorf("swap: unknown backend `%s`", opts.Backend)
	}
}
