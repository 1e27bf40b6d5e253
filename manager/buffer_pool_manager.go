package manager

import (
	"sync/atomic"

	"github.com/zhukovaskychina/xstorage-engine/buffer_pool"
	"github.com/zhukovaskychina/xstorage-engine/conf"
	"github.com/zhukovaskychina/xstorage-engine/logger"
	"github.com/zhukovaskychina/xstorage-engine/storage/common"
)

// checkpointRetryCount 检查点刷盘的重试次数，之后判定为致命错误
const checkpointRetryCount = 3

// BufferPoolManager 缓冲池与检查点协调器
//
// 检查点把足够老的脏页刷盘并推进redo起点，缩短恢复时的重做
// 扫描。单页I/O错误上报调用方即可；检查点刷盘反复失败意味着
// 持久性承诺已无法兑现，引擎进入停止态拒绝后续写入。
type BufferPoolManager struct {
	pool *buffer_pool.BufferPool
	redo *RedoLogManager

	// 模糊检查点每轮推进的比例，(0,1]
	flushThreshold float64

	stopped     int32
	checkpoints uint64
}

// NewBufferPoolManager 创建缓冲池管理器
func NewBufferPoolManager(cfg *conf.Cfg, pool *buffer_pool.BufferPool, redo *RedoLogManager) *BufferPoolManager {
	threshold := cfg.FlushThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = 1
	}
	return &BufferPoolManager{
		pool:           pool,
		redo:           redo,
		flushThreshold: threshold,
	}
}

// Pool 底层缓冲池
func (bpm *BufferPoolManager) Pool() *buffer_pool.BufferPool { return bpm.pool }

// Stopped 引擎是否因致命检查点失败而停止
func (bpm *BufferPoolManager) Stopped() bool {
	return atomic.LoadInt32(&bpm.stopped) != 0
}

// Checkpoint 执行一次模糊检查点
//
// 按flush_threshold刷掉最老的一段脏页，然后以剩余脏页的最早
// oldestModification作为redo起点写检查点记录。
func (bpm *BufferPoolManager) Checkpoint() (common.LSN, error) {
	if bpm.Stopped() {
		return 0, common.ErrEngineStopped
	}

	next := bpm.redo.NextLSN()
	oldest := bpm.pool.OldestDirtyLSN()

	if oldest != common.InvalidLSN {
		cutoff := oldest + common.LSN(float64(next-oldest)*bpm.flushThreshold)
		if cutoff <= oldest {
			cutoff = oldest + 1
		}
		if err := bpm.flushWithRetry(cutoff); err != nil {
			return 0, err
		}
	}

	redoLSN := bpm.pool.OldestDirtyLSN()
	if redoLSN == common.InvalidLSN {
		redoLSN = next
	}
	lsn, err := bpm.redo.WriteCheckpoint(redoLSN)
	if err != nil {
		return 0, bpm.fatal(err)
	}
	atomic.AddUint64(&bpm.checkpoints, 1)
	return lsn, nil
}

// FullCheckpoint 刷掉全部脏页并写检查点，关闭路径用
func (bpm *BufferPoolManager) FullCheckpoint() (common.LSN, error) {
	if bpm.Stopped() {
		return 0, common.ErrEngineStopped
	}
	if err := bpm.flushWithRetry(common.InvalidLSN); err != nil {
		return 0, err
	}
	lsn, err := bpm.redo.WriteCheckpoint(bpm.redo.NextLSN())
	if err != nil {
		return 0, bpm.fatal(err)
	}
	atomic.AddUint64(&bpm.checkpoints, 1)
	return lsn, nil
}

// flushWithRetry 有界重试的脏页刷盘，重试耗尽即致命
func (bpm *BufferPoolManager) flushWithRetry(cutoff common.LSN) error {
	var err error
	for attempt := 0; attempt < checkpointRetryCount; attempt++ {
		if err = bpm.pool.FlushDirtyBefore(cutoff); err == nil {
			return nil
		}
		logger.Warnf("checkpoint flush attempt %d failed: %v", attempt+1, err)
	}
	return bpm.fatal(err)
}

// fatal 检查点失败不可恢复，停止引擎
func (bpm *BufferPoolManager) fatal(cause error) error {
	atomic.StoreInt32(&bpm.stopped, 1)
	logger.Errorf("checkpoint failed fatally, engine stopped: %v", cause)
	return common.ErrEngineStopped
}

// Checkpoints 已完成的检查点数
func (bpm *BufferPoolManager) Checkpoints() uint64 {
	return atomic.LoadUint64(&bpm.checkpoints)
}
