package manager

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xstorage-engine/conf"
	"github.com/zhukovaskychina/xstorage-engine/storage/common"
)

func newTestLockManager(t *testing.T, workFn func(common.TrxID) uint64) *LockManager {
	cfg := conf.NewCfg()
	cfg.LockWaitTimeout = 300 * time.Millisecond
	cfg.DeadlockInterval = 20 * time.Millisecond
	lm := NewLockManager(cfg, workFn)
	t.Cleanup(lm.Close)
	return lm
}

func TestLockModesConflict(t *testing.T) {
	t.Run("共享读相互兼容", func(t *testing.T) {
		assert.False(t, ModesConflict(AccessShareLock, AccessShareLock))
		assert.False(t, ModesConflict(AccessShareLock, RowExclusiveLock))
	})
	t.Run("完全互斥与一切冲突", func(t *testing.T) {
		for m := AccessShareLock; m < lockModeCount; m++ {
			assert.True(t, ModesConflict(AccessExclusiveLock, m), m.String())
		}
	})
	t.Run("冲突矩阵对称", func(t *testing.T) {
		for a := AccessShareLock; a < lockModeCount; a++ {
			for b := AccessShareLock; b < lockModeCount; b++ {
				assert.Equal(t, ModesConflict(a, b), ModesConflict(b, a),
					"%s vs %s", a, b)
			}
		}
	})
	t.Run("自斥模式", func(t *testing.T) {
		assert.True(t, ModesConflict(ShareUpdateExclusiveLock, ShareUpdateExclusiveLock))
		assert.True(t, ModesConflict(ShareRowExclusiveLock, ShareRowExclusiveLock))
		assert.False(t, ModesConflict(ShareLock, ShareLock))
		assert.False(t, ModesConflict(RowExclusiveLock, RowExclusiveLock))
	})
}

func TestLockManagerAcquireRelease(t *testing.T) {
	lm := newTestLockManager(t, nil)
	tag := RowLockTag(common.RowRef{SpaceID: 1, PageNo: 2, Slot: 3})

	t.Run("兼容模式并发持有", func(t *testing.T) {
		res, err := lm.AcquireLock(1, tag, AccessShareLock, true)
		require.NoError(t, err)
		assert.Equal(t, LockGranted, res)
		res, err = lm.AcquireLock(2, tag, AccessShareLock, true)
		require.NoError(t, err)
		assert.Equal(t, LockGranted, res)
		assert.ElementsMatch(t, []common.TrxID{1, 2}, lm.GetLockOwners(tag))
	})

	t.Run("冲突且不等待返回WouldBlock", func(t *testing.T) {
		res, err := lm.AcquireLock(3, tag, AccessExclusiveLock, false)
		require.NoError(t, err)
		assert.Equal(t, LockWouldBlock, res)
	})

	t.Run("重入请求直接成功", func(t *testing.T) {
		res, err := lm.AcquireLock(1, tag, AccessShareLock, true)
		require.NoError(t, err)
		assert.Equal(t, LockGranted, res)
	})

	t.Run("释放后冲突模式可获取", func(t *testing.T) {
		lm.ReleaseLocks(1)
		lm.ReleaseLocks(2)
		res, err := lm.AcquireLock(3, tag, AccessExclusiveLock, true)
		require.NoError(t, err)
		assert.Equal(t, LockGranted, res)
		lm.ReleaseLocks(3)
	})
}

func TestLockManagerWaitTimeout(t *testing.T) {
	lm := newTestLockManager(t, nil)
	tag := PageLockTag(1, 10)

	res, err := lm.AcquireLock(1, tag, AccessExclusiveLock, true)
	require.NoError(t, err)
	require.Equal(t, LockGranted, res)

	start := time.Now()
	_, err = lm.AcquireLock(2, tag, AccessShareLock, true)
	require.ErrorIs(t, err, common.ErrLockTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
	assert.True(t, common.IsRetryable(err))
	lm.ReleaseLocks(1)
}

func TestLockManagerFIFOFairness(t *testing.T) {
	lm := newTestLockManager(t, nil)
	tag := PageLockTag(1, 20)

	// A持共享锁；B排队等独占；C的共享请求不得越过B
	res, err := lm.AcquireLock(1, tag, AccessShareLock, true)
	require.NoError(t, err)
	require.Equal(t, LockGranted, res)

	grantOrder := make(chan common.TrxID, 2)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		res, err := lm.AcquireLock(2, tag, AccessExclusiveLock, true)
		if err == nil && res == LockGranted {
			grantOrder <- 2
		}
	}()

	// 等B进入等待队列
	require.Eventually(t, func() bool {
		return len(lm.GetLockWaiters(tag)) == 1
	}, time.Second, 5*time.Millisecond)

	// C与持有者兼容，但与队首的B冲突，不允许插队
	res, err = lm.AcquireLock(3, tag, AccessShareLock, false)
	require.NoError(t, err)
	assert.Equal(t, LockWouldBlock, res)

	wg.Add(1)
	go func() {
		defer wg.Done()
		res, err := lm.AcquireLock(3, tag, AccessShareLock, true)
		if err == nil && res == LockGranted {
			grantOrder <- 3
		}
	}()
	require.Eventually(t, func() bool {
		return len(lm.GetLockWaiters(tag)) == 2
	}, time.Second, 5*time.Millisecond)

	lm.ReleaseLocks(1)
	assert.Equal(t, common.TrxID(2), <-grantOrder, "先到的独占请求先获得锁")
	lm.ReleaseLocks(2)
	assert.Equal(t, common.TrxID(3), <-grantOrder)
	wg.Wait()
	lm.ReleaseLocks(3)
}

func TestLockManagerCancelWait(t *testing.T) {
	lm := newTestLockManager(t, nil)
	tag := RowLockTag(common.RowRef{SpaceID: 1, PageNo: 8, Slot: 0})

	res, err := lm.AcquireLock(1, tag, ExclusiveLock, true)
	require.NoError(t, err)
	require.Equal(t, LockGranted, res)

	cancel := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := lm.AcquireLockCancel(2, tag, ExclusiveLock, true, cancel)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return len(lm.GetLockWaiters(tag)) == 1
	}, time.Second, 5*time.Millisecond)

	close(cancel)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, common.ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("取消未唤醒等待中的锁请求")
	}
	assert.Empty(t, lm.GetLockWaiters(tag))

	// 被取消的等待者不再阻塞后续授予
	lm.ReleaseLocks(1)
	res, err = lm.AcquireLock(3, tag, ExclusiveLock, true)
	require.NoError(t, err)
	assert.Equal(t, LockGranted, res)
}

func TestLockManagerDeadlockDetection(t *testing.T) {
	work := map[common.TrxID]uint64{1: 100, 2: 10}
	lm := newTestLockManager(t, func(trxID common.TrxID) uint64 { return work[trxID] })

	r1 := RowLockTag(common.RowRef{SpaceID: 1, PageNo: 1, Slot: 1})
	r2 := RowLockTag(common.RowRef{SpaceID: 1, PageNo: 1, Slot: 2})

	res, err := lm.AcquireLock(1, r1, AccessExclusiveLock, true)
	require.NoError(t, err)
	require.Equal(t, LockGranted, res)
	res, err = lm.AcquireLock(2, r2, AccessExclusiveLock, true)
	require.NoError(t, err)
	require.Equal(t, LockGranted, res)

	type outcome struct {
		trxID common.TrxID
		err   error
	}
	results := make(chan outcome, 2)
	go func() {
		_, err := lm.AcquireLock(1, r2, AccessExclusiveLock, true)
		results <- outcome{1, err}
	}()
	// 确保事务1先入队，随后事务2闭合成环
	require.Eventually(t, func() bool {
		return len(lm.GetLockWaiters(r2)) == 1
	}, time.Second, 5*time.Millisecond)
	go func() {
		_, err := lm.AcquireLock(2, r1, AccessExclusiveLock, true)
		results <- outcome{2, err}
	}()

	first := <-results
	// 日志量小的事务2被选为牺牲者
	assert.Equal(t, common.TrxID(2), first.trxID)
	require.ErrorIs(t, first.err, common.ErrDeadlock)
	assert.True(t, common.IsRetryable(first.err))

	// 牺牲者回滚释放锁后，事务1的等待正常结束
	lm.ReleaseLocks(2)
	second := <-results
	assert.Equal(t, common.TrxID(1), second.trxID)
	require.NoError(t, second.err)

	assert.Equal(t, uint64(1), lm.Stats().Deadlocks)
	lm.ReleaseLocks(1)
}
