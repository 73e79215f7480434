package blockcache

import (
	"context"
	"testing"
	"time"

	"github.com/sahib/vmcache/status"
	"github.com/sahib/vmcache/util/testutil"
	"github.com/stretchr/testify/require"
)

func requireClosed(t *testing.T, ch <-chan struct{}) {
	select {
	case <-ch:
	default:
		require.Fail(t, "channel is not closed")
	}
}

func TestTransactionHoldsBlocksUntilEnd(t *testing.T) {
	withCache(t, 4, func(c *Cache, td *testDevice) {
		tx, err := c.StartTransaction()
		require.Nil(t, err)
		require.Equal(t, TransactionOpen, tx.State())

		e, err := tx.GetWritable(testDevID, 0)
		require.Nil(t, err)
		copy(e.Data, testutil.CreatePatternBuf(testBlockSize, 0xAA))
		c.Release(e)
		require.Equal(t, 1, tx.Blocks())

		require.Nil(t, c.Sync())
		w := NewWriter(c, time.Hour, 0)
		require.Nil(t, w.Flush(context.Background()))

		// Pressure does not push it out either:
		for bn := int64(1); bn <= 4; bn++ {
			getAndRelease(t, c, bn)
		}

		require.True(t, c.IsResident(testDevID, 0))
		require.Equal(t, int64(0), td.counting.Writes())
		require.Equal(t, testutil.CreateDummyBuf(testBlockSize), td.block(0))

		require.Nil(t, tx.End())
		require.Equal(t, TransactionEnded, tx.State())

		require.Nil(t, c.Sync())
		require.Equal(t, int64(1), td.counting.Writes())
		require.Equal(t, testutil.CreatePatternBuf(testBlockSize, 0xAA), td.block(0))
		require.Equal(t, TransactionWritten, tx.State())
		require.Equal(t, 0, tx.Blocks())
		requireClosed(t, tx.Written())
	})
}

func TestTransactionAbortRestores(t *testing.T) {
	withCache(t, 8, func(c *Cache, td *testDevice) {
		getAndRelease(t, c, 0)

		dirty, err := c.GetWritable(testDevID, 2)
		require.Nil(t, err)
		copy(dirty.Data, testutil.CreatePatternBuf(testBlockSize, 0x22))

		tx, err := c.StartTransaction()
		require.Nil(t, err)

		e0, err := tx.GetWritable(testDevID, 0)
		require.Nil(t, err)
		copy(e0.Data, testutil.CreatePatternBuf(testBlockSize, 0x11))
		c.Release(e0)

		e1, err := tx.GetEmpty(testDevID, 1)
		require.Nil(t, err)
		copy(e1.Data, testutil.CreatePatternBuf(testBlockSize, 0x44))
		c.Release(e1)

		require.Nil(t, tx.MarkDirty(dirty))
		copy(dirty.Data, testutil.CreatePatternBuf(testBlockSize, 0x33))
		c.Release(dirty)
		require.Equal(t, 3, tx.Blocks())

		require.Nil(t, tx.Abort())
		require.Equal(t, TransactionAborted, tx.State())
		require.Equal(t, 0, tx.Blocks())

		require.Equal(t, testutil.CreateDummyBuf(testBlockSize), e0.Data)
		require.False(t, e0.Dirty())

		// Block 1 was not resident before and is gone again:
		require.False(t, c.IsResident(testDevID, 1))

		// Block 2 was dirty before the transaction and stays dirty:
		require.Equal(t, testutil.CreatePatternBuf(testBlockSize, 0x22), dirty.Data)
		require.True(t, dirty.Dirty())

		require.Nil(t, c.Sync())
		require.Equal(t, int64(1), td.counting.Writes())
		require.Equal(t, testutil.CreatePatternBuf(testBlockSize, 0x22), td.block(2))

		require.True(t, status.Is(tx.End(), status.InvalidArgument))
		require.True(t, status.Is(tx.Abort(), status.InvalidArgument))
		require.True(t, status.Is(tx.Sync(context.Background()), status.InvalidArgument))

		_, err = tx.GetWritable(testDevID, 3)
		require.True(t, status.Is(err, status.InvalidArgument))
	})
}

func TestTransactionConflicts(t *testing.T) {
	withCache(t, 8, func(c *Cache, td *testDevice) {
		first, err := c.StartTransaction()
		require.Nil(t, err)
		second, err := c.StartTransaction()
		require.Nil(t, err)
		require.True(t, first.ID != second.ID)

		e, err := first.GetWritable(testDevID, 0)
		require.Nil(t, err)
		e.Data[0] = 0x01
		c.Release(e)

		_, err = second.GetWritable(testDevID, 0)
		require.True(t, status.Is(err, status.Busy))
		require.Equal(t, 0, e.Refs())

		_, err = second.GetEmpty(testDevID, 0)
		require.True(t, status.Is(err, status.Busy))

		_, err = c.GetEmpty(testDevID, 0)
		require.True(t, status.Is(err, status.Busy))

		require.True(t, status.Is(first.Sync(context.Background()), status.Busy))
		require.Nil(t, first.End())

		// The ended transaction hands the block over:
		again, err := second.GetWritable(testDevID, 0)
		require.Nil(t, err)
		require.True(t, again == e)
		again.Data[1] = 0x02
		c.Release(again)

		require.Equal(t, 0, first.Blocks())
		requireClosed(t, first.Written())

		require.Nil(t, second.End())
		require.Nil(t, second.Sync(context.Background()))
		requireClosed(t, second.Written())
		require.Equal(t, []byte{0x01, 0x02}, td.block(0)[:2])
		require.Equal(t, int64(1), td.counting.Writes())
	})
}

func TestTransactionEndWithoutBlocks(t *testing.T) {
	withCache(t, 8, func(c *Cache, td *testDevice) {
		tx, err := c.StartTransaction()
		require.Nil(t, err)
		require.Nil(t, tx.End())
		require.Equal(t, TransactionWritten, tx.State())
		require.Nil(t, tx.Sync(context.Background()))
	})

	c := New(Options{BlockSize: testBlockSize, MaxBlocks: 1})
	_, err := c.StartTransaction()
	require.True(t, status.Is(err, status.NotInitialized))
}

func TestTransactionSyncReportsErrors(t *testing.T) {
	withCache(t, 8, func(c *Cache, td *testDevice) {
		tx, err := c.StartTransaction()
		require.Nil(t, err)

		e, err := tx.GetEmpty(testDevID, 5)
		require.Nil(t, err)
		c.Release(e)
		require.Nil(t, tx.End())

		td.faulty.FailWrites(true)
		require.True(t, status.Is(tx.Sync(context.Background()), status.IOError))
		require.Equal(t, TransactionEnded, tx.State())

		td.faulty.FailWrites(false)
		require.Nil(t, tx.Sync(context.Background()))
		require.Equal(t, make([]byte, testBlockSize), td.block(5))
	})
}

func TestSetDirty(t *testing.T) {
	withCache(t, 8, func(c *Cache, td *testDevice) {
		e, err := c.GetWritable(testDevID, 3)
		require.Nil(t, err)
		require.Nil(t, c.SetDirty(e, false))
		require.False(t, e.Dirty())
		require.Nil(t, c.SetDirty(e, true))
		require.True(t, e.Dirty())
		require.Nil(t, c.SetDirty(e, false))
		c.Release(e)

		require.True(t, status.Is(c.SetDirty(e, true), status.InvalidArgument))

		tx, err := c.StartTransaction()
		require.Nil(t, err)
		inTx, err := tx.GetWritable(testDevID, 4)
		require.Nil(t, err)
		require.True(t, status.Is(c.SetDirty(inTx, false), status.Busy))
		c.Release(inTx)
		require.Nil(t, tx.Abort())

		require.Nil(t, c.Sync())
		require.Equal(t, int64(0), td.counting.Writes())
	})
}
