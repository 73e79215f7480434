package swap

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sahib/vmcache/compress"
	log "github.com/sirupsen/logrus"
)

// DirTier stores one file per block in a sharded directory.
type DirTier struct {
	dir  string
	algo compress.AlgorithmType
}

// NewDirTier creates the directory layout below `dir`.
func NewDirTier(dir string, algo compress.AlgorithmType) (*DirTier, error) {
	if _, err := compress.AlgorithmFromType(algo); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	for idx := 0; idx < 256; idx++ {
		shard := filepath.Join(dir, fmt.Sprintf("%02x", idx))
		if err := os.MkdirAll(shard, 0700); err != nil {
			return nil, err
		}
	}

	return &DirTier{dir: dir, algo: algo}, nil
}

func (t *DirTier) path(key Key) string {
	return filepath.Join(t.dir, key.shard(), key.String())
}

// Put implements Tier.
func (t *DirTier) Put(key Key, data []byte) error {
	packed, err := compress.Pack(t.algo, data)
	if err != nil {
		return err
	}

	return ioutil.WriteFile(t.path(key), packed, 0600)
}

// Get implements Tier.
func (t *DirTier) Get(key Key) ([]byte, error) {
	packed, err := ioutil.ReadFile(t.path(key))
	if err != nil {
		return nil, ErrMiss
	}

	data, err := compress.Unpack(packed)
	if err != nil {
		// A broken copy is as good as none.
		log.WithError(err).Warnf("swap dir: dropping corrupt block %s", key)
		t.Del(key)
		return nil, ErrMiss
	}

	return data, nil
}

// Del implements Tier.
func (t *DirTier) Del(key Key) error {
	err := os.Remove(t.path(key))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "swap dir: delete %s", key)
	}

	return nil
}

// Close implements Tier.
func (t *DirTier) Close() error {
	return os.RemoveAll(t.dir)
}
