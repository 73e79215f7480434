package blockcache

import (
	"context"
	"fmt"

	"github.com/sahib/vmcache/device"
	"github.com/sahib/vmcache/status"
	log "github.com/sirupsen/logrus"
)

// TransactionState tells where a transaction is in its life.
type TransactionState int

const (
	// TransactionOpen transactions collect blocks. Their blocks are
	// neither written back nor evicted.
	TransactionOpen = TransactionState(iota)
	// TransactionEnded transactions are complete. Their blocks are
	// written back like every other dirty block.
	TransactionEnded
	// TransactionWritten transactions have all of their blocks on disk.
	TransactionWritten
	// TransactionAborted transactions had their blocks restored.
	TransactionAborted
)

func (s TransactionState) String() string {
	switch s {
	case TransactionOpen:
		return "open"
	case TransactionEnded:
		return "ended"
	case TransactionWritten:
		return "written"
	case TransactionAborted:
		return "aborted"
	default:
		return fmt.Sprintf("transaction-state(%d)", int(s))
	}
}

// undoRecord is what a block looked like before a transaction touched it.
type undoRecord struct {
	// data is nil if the block was not resident before.
	data  []byte
	dirty bool
}

// Transaction groups block modifications that have to reach the disk
// together or not at all. Blocks joined to an open transaction stay in
// memory until End() is called; Abort() restores their previous content.
//
// A block belongs to at most one open transaction.
type Transaction struct {
	ID    int64
	cache *Cache

	// Protected by cache.mu.
	state   TransactionState
	blocks  map[*Entry]*undoRecord
	written chan struct{}
}

// StartTransaction opens a new transaction.
func (c *Cache) StartTransaction() (*Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return nil, status.New(status.NotInitialized, "block cache")
	}

	c.nextTxID++
	tx := &Transaction{
		ID:      c.nextTxID,
		cache:   c,
		blocks:  make(map[*Entry]*undoRecord),
		written: make(chan struct{}),
	}

	c.openTxs++
	return tx, nil
}

func (tx *Transaction) String() string {
	return fmt.Sprintf("<transaction %d>", tx.ID)
}

// State returns the current state.
func (tx *Transaction) State() TransactionState {
	tx.cache.mu.Lock()
	defer tx.cache.mu.Unlock()

	return tx.state
}

// Blocks returns the number of blocks the transaction still owns.
func (tx *Transaction) Blocks() int {
	tx.cache.mu.Lock()
	defer tx.cache.mu.Unlock()

	return len(tx.blocks)
}

// Written is closed once every block of an ended transaction was
// written back, or the blocks were dropped otherwise.
func (tx *Transaction) Written() <-chan struct{} {
	return tx.written
}

// joinLocked adds `e` to the transaction and remembers its content.
// `fresh` entries were not resident before and are dropped on abort.
func (tx *Transaction) joinLocked(e *Entry, fresh bool) error {
	if tx.state != TransactionOpen {
		return status.New(status.InvalidArgument, "%s is %s", tx, tx.state)
	}

	if e.tx == tx {
		return nil
	}

	if e.tx != nil {
		if e.tx.state == TransactionOpen {
			return status.New(status.Busy, "%s belongs to %s", e, e.tx)
		}

		// A newer transaction supersedes the ended one for this block.
		tx.cache.leaveTxLocked(e)
	}

	undo := &undoRecord{dirty: e.dirty}
	if !fresh {
		undo.data = make([]byte, len(e.Data))
		copy(undo.data, e.Data)
	}

	e.tx = tx
	tx.blocks[e] = undo
	return nil
}

// GetWritable is Cache.GetWritable() for a block that is part of `tx`.
func (tx *Transaction) GetWritable(id device.ID, bn int64) (*Entry, error) {
	c := tx.cache
	e, err := c.Get(id, bn)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if err := tx.joinLocked(e, false); err != nil {
		c.mu.Unlock()
		c.Release(e)
		return nil, err
	}

	e.dirty = true
	e.generation++
	e.discard = false
	c.mu.Unlock()
	return e, nil
}

// GetEmpty is Cache.GetEmpty() for a block that is part of `tx`.
func (tx *Transaction) GetEmpty(id device.ID, bn int64) (*Entry, error) {
	return tx.cache.getEmpty(id, bn, tx)
}

// MarkDirty adds an entry the caller already references to `tx`. It
// must be called before the entry's data is modified.
func (tx *Transaction) MarkDirty(e *Entry) error {
	c := tx.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	if e.refs <= 0 {
		return status.New(status.InvalidArgument, "%s is not referenced", e)
	}

	if err := tx.joinLocked(e, false); err != nil {
		return err
	}

	e.dirty = true
	e.generation++
	e.discard = false
	return nil
}

// End closes the transaction. Its blocks become eligible for write-back.
func (tx *Transaction) End() error {
	c := tx.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	if tx.state != TransactionOpen {
		return status.New(status.InvalidArgument, "cannot end %s: it is %s", tx, tx.state)
	}

	tx.state = TransactionEnded
	c.openTxs--

	for e, undo := range tx.blocks {
		undo.data = nil
		if !e.dirty {
			c.leaveTxLocked(e)
		}
	}

	if len(tx.blocks) == 0 {
		tx.markWrittenLocked()
	}

	return nil
}

// Abort restores every block of the open transaction to the state it
// had before it joined. Blocks that were not resident are dropped.
func (tx *Transaction) Abort() error {
	c := tx.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	if tx.state != TransactionOpen {
		return status.New(status.InvalidArgument, "cannot abort %s: it is %s", tx, tx.state)
	}

	for e, undo := range tx.blocks {
		e.tx = nil
		e.generation++

		if undo.data == nil {
			e.dirty = false
			if c.entries[e.key()] != e {
				continue
			}

			if e.refs == 0 && !e.writing {
				c.dropLocked(e)
			} else {
				e.discard = true
			}

			continue
		}

		copy(e.Data, undo.data)
		e.dirty = undo.dirty
	}

	log.Debugf("block cache: aborted %s with %d blocks", tx, len(tx.blocks))

	tx.blocks = make(map[*Entry]*undoRecord)
	tx.state = TransactionAborted
	c.openTxs--
	return nil
}

// Sync writes back all blocks of an ended transaction and waits until
// they are on disk.
func (tx *Transaction) Sync(ctx context.Context) error {
	c := tx.cache
	c.mu.Lock()

	switch tx.state {
	case TransactionOpen:
		c.mu.Unlock()
		return status.New(status.Busy, "%s is still open", tx)
	case TransactionAborted:
		c.mu.Unlock()
		return status.New(status.InvalidArgument, "%s was aborted", tx)
	}

	entries := make([]*Entry, 0, len(tx.blocks))
	for e := range tx.blocks {
		entries = append(entries, e)
	}

	var firstErr error
	for _, e := range entries {
		if e.tx != tx || !e.dirty || e.writing || c.entries[e.key()] != e {
			continue
		}

		if err := c.writeBackLocked(e); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	c.mu.Unlock()

	if firstErr != nil {
		return firstErr
	}

	select {
	case <-tx.written:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (tx *Transaction) markWrittenLocked() {
	if tx.state != TransactionEnded {
		return
	}

	tx.state = TransactionWritten
	close(tx.written)
}

// leaveTxLocked removes `e` from the transaction it belongs to.
func (c *Cache) leaveTxLocked(e *Entry) {
	tx := e.tx
	if tx == nil {
		return
	}

	e.tx = nil
	delete(tx.blocks, e)
	if len(tx.blocks) == 0 {
		tx.markWrittenLocked()
	}
}

func (e *Entry) inOpenTxLocked() bool {
	return e.tx != nil && e.tx.state == TransactionOpen
}
