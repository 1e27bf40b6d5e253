package manager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xstorage-engine/conf"
	"github.com/zhukovaskychina/xstorage-engine/storage/common"
)

func newTestTrxManager(t *testing.T) *TransactionManager {
	cfg := conf.NewCfg()
	cfg.RedoLogDir = t.TempDir()
	cfg.LockWaitTimeout = 200 * time.Millisecond
	cfg.DeadlockInterval = 20 * time.Millisecond

	redo, err := NewRedoLogManager(cfg)
	require.NoError(t, err)
	lockMgr := NewLockManager(cfg, redo.LogWork)
	t.Cleanup(func() {
		lockMgr.Close()
		redo.Close()
	})
	return NewTransactionManager(cfg, redo, lockMgr)
}

func TestTransactionLifecycle(t *testing.T) {
	tm := newTestTrxManager(t)

	t.Run("提交路径", func(t *testing.T) {
		trx := tm.Begin(common.RepeatableRead)
		assert.Equal(t, TrxActive, trx.State())
		assert.True(t, tm.IsActive(trx.ID()))

		require.NoError(t, tm.Commit(trx))
		assert.Equal(t, TrxCommitted, trx.State())
		assert.False(t, tm.IsActive(trx.ID()))
	})

	t.Run("回滚路径", func(t *testing.T) {
		trx := tm.Begin(common.RepeatableRead)
		undo, err := tm.beginAbort(trx)
		require.NoError(t, err)
		assert.Empty(t, undo)
		assert.Equal(t, TrxAborting, trx.State())
		require.NoError(t, tm.finishAbort(trx))
		assert.Equal(t, TrxRolledBack, trx.State())
	})

	t.Run("已提交事务不可再提交", func(t *testing.T) {
		trx := tm.Begin(common.ReadCommitted)
		require.NoError(t, tm.Commit(trx))
		err := tm.Commit(trx)
		require.Error(t, err)
		var se *common.StorageError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, common.ClassContract, se.Class)
	})

	t.Run("撤销记录逆序返回", func(t *testing.T) {
		trx := tm.Begin(common.RepeatableRead)
		trx.recordLog(10, &LogOp{Slot: 1})
		trx.recordLog(11, &LogOp{Slot: 2})
		undo, err := tm.beginAbort(trx)
		require.NoError(t, err)
		require.Len(t, undo, 2)
		assert.Equal(t, common.SlotNo(2), undo[0].op.Slot)
		assert.Equal(t, common.SlotNo(1), undo[1].op.Slot)
		require.NoError(t, tm.finishAbort(trx))
	})
}

func TestTransactionTwoPhaseCommit(t *testing.T) {
	tm := newTestTrxManager(t)

	trx := tm.Begin(common.RepeatableRead)
	require.NoError(t, tm.Prepare(trx))
	assert.Equal(t, TrxPrepared, trx.State())

	// 准备记录已经落盘
	assert.GreaterOrEqual(t, tm.redo.FlushedLSN(), trx.LastLSN())
	sawPrepare := false
	require.NoError(t, tm.redo.Replay(0, func(rec *LogRecord) error {
		if rec.Type == LogPrepare && rec.TrxID == trx.ID() {
			sawPrepare = true
		}
		return nil
	}))
	assert.True(t, sawPrepare, "Prepare写入持久化的准备记录")

	// Prepared只能提交或回滚
	err := tm.Prepare(trx)
	require.Error(t, err)
	require.NoError(t, tm.Commit(trx))
}

func TestReadViewPolicy(t *testing.T) {
	tm := newTestTrxManager(t)

	t.Run("ReadCommitted每次操作取新快照", func(t *testing.T) {
		rc := tm.Begin(common.ReadCommitted)
		other := tm.Begin(common.RepeatableRead)

		view1 := tm.ViewFor(rc)
		assert.False(t, view1.Sees(other.ID()), "活跃事务不可见")
		require.NoError(t, tm.Commit(other))
		view2 := tm.ViewFor(rc)
		assert.True(t, view2.Sees(other.ID()), "提交后的新快照可见")
		require.NoError(t, tm.Commit(rc))
	})

	t.Run("RepeatableRead快照固定于Begin", func(t *testing.T) {
		rr := tm.Begin(common.RepeatableRead)
		other := tm.Begin(common.RepeatableRead)
		require.NoError(t, tm.Commit(other))

		view := tm.ViewFor(rr)
		assert.False(t, view.Sees(other.ID()), "Begin后启动的事务始终不可见")
		assert.Same(t, view, tm.ViewFor(rr))
		require.NoError(t, tm.Commit(rr))
	})

	t.Run("ReadUncommitted无快照", func(t *testing.T) {
		ru := tm.Begin(common.ReadUncommitted)
		assert.Nil(t, tm.ViewFor(ru))
		require.NoError(t, tm.Commit(ru))
	})
}

func TestSerializableWriteSkew(t *testing.T) {
	tm := newTestTrxManager(t)

	r1 := common.RowRef{SpaceID: 1, PageNo: 1, Slot: 1}
	r2 := common.RowRef{SpaceID: 1, PageNo: 1, Slot: 2}

	t1 := tm.Begin(common.Serializable)
	t2 := tm.Begin(common.Serializable)

	// 写偏斜：各自读对方将要写的行
	tm.RecordRead(t1, r1)
	tm.RecordRead(t2, r2)
	tm.RecordWrite(t1, r2)
	tm.RecordWrite(t2, r1)

	err := tm.Commit(t1)
	require.ErrorIs(t, err, common.ErrSerializationFailure)
	assert.True(t, common.IsRetryable(err))

	// 牺牲者回滚后另一方可提交
	_, err = tm.beginAbort(t1)
	require.NoError(t, err)
	require.NoError(t, tm.finishAbort(t1))
	require.NoError(t, tm.Commit(t2))
	assert.Equal(t, uint64(1), tm.Stats().SerializationFailures)
}

func TestSerializableDisjointRowsCommit(t *testing.T) {
	tm := newTestTrxManager(t)

	t1 := tm.Begin(common.Serializable)
	t2 := tm.Begin(common.Serializable)
	tm.RecordRead(t1, common.RowRef{SpaceID: 1, PageNo: 1, Slot: 1})
	tm.RecordWrite(t1, common.RowRef{SpaceID: 1, PageNo: 1, Slot: 2})
	tm.RecordRead(t2, common.RowRef{SpaceID: 1, PageNo: 2, Slot: 1})
	tm.RecordWrite(t2, common.RowRef{SpaceID: 1, PageNo: 2, Slot: 2})

	require.NoError(t, tm.Commit(t1))
	require.NoError(t, tm.Commit(t2))
}

func TestTransactionCancellation(t *testing.T) {
	tm := newTestTrxManager(t)

	t.Run("安全点响应取消", func(t *testing.T) {
		trx := tm.Begin(common.RepeatableRead)
		require.NoError(t, trx.CheckCancelled())
		trx.Cancel()
		err := trx.CheckCancelled()
		require.ErrorIs(t, err, common.ErrCancelled)
		assert.True(t, common.IsRetryable(err))
		_, err = tm.beginAbort(trx)
		require.NoError(t, err)
		require.NoError(t, tm.finishAbort(trx))
	})

	t.Run("进入提交后取消被忽略", func(t *testing.T) {
		trx := tm.Begin(common.RepeatableRead)
		require.NoError(t, tm.Commit(trx))
		trx.Cancel()
		assert.NoError(t, trx.CheckCancelled())
	})
}

func TestAdvanceTrxID(t *testing.T) {
	tm := newTestTrxManager(t)
	tm.AdvanceTrxID(500)
	trx := tm.Begin(common.ReadCommitted)
	assert.Greater(t, trx.ID(), common.TrxID(500))
	require.NoError(t, tm.Commit(trx))
}
