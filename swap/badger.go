package swap

import (
	"os"
	"sync"

	"github.com/dgraph-io/badger"
	"github.com/pkg/errors"
	"github.com/sahib/vmcache/compress"
	log "github.com/sirupsen/logrus"
)

// BadgerTier keeps evicted blocks in a badger key value store.
type BadgerTier struct {
	mu   sync.Mutex
	path string
	db   *badger.DB
	algo compress.AlgorithmType
}

// NewBadgerTier opens (or creates) a badger database at `path`.
func NewBadgerTier(path string, algo compress.AlgorithmType) (*BadgerTier, error) {
	if _, err := compress.AlgorithmFromType(algo); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions
	opts.Dir = path
	opts.ValueDir = path

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "swap badger: open %s", path)
	}

	return &BadgerTier{
		path: path,
		db:   db,
		algo: algo,
	}, nil
}

// Put implements Tier.
func (t *BadgerTier) Put(key Key, data []byte) error {
	packed, err := compress.Pack(t.algo, data)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	return t.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key.String()), packed)
	})
}

// Get implements Tier.
func (t *BadgerTier) Get(key Key) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var packed []byte
	err := t.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key.String()))
		if err == badger.ErrKeyNotFound {
			return ErrMiss
		}

		if err != nil {
			return err
		}

		packed, err = item.ValueCopy(nil)
		return err
	})

	if err == ErrMiss {
		return nil, ErrMiss
	}

	if err != nil {
		log.WithError(err).Warnf("swap badger: get %s failed", key)
		return nil, ErrMiss
	}

	data, err := compress.Unpack(packed)
	if err != nil {
		log.WithError(err).Warnf("swap badger: dropping corrupt block %s", key)
		return nil, ErrMiss
	}

	return data, nil
}

// Del implements Tier.
func (t *BadgerTier) Del(key Key) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(key.String()))
		if err == badger.ErrKeyNotFound {
			return nil
		}

		return err
	})
}

// Close implements Tier.
func (t *BadgerTier) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.db.Close(); err != nil {
		return err
	}

	return os.RemoveAll(t.path)
}
