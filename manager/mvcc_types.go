package manager

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhukovaskychina/xstorage-engine/storage/common"
	"github.com/zhukovaskychina/xstorage-engine/storage/mvcc"
)

// TrxState 事务状态
type TrxState uint8

const (
	TrxNotStarted TrxState = iota
	TrxActive
	TrxPrepared   // 两阶段提交的准备完成态
	TrxCommitting // 提交中，不再响应取消
	TrxCommitted
	TrxAborting
	TrxRolledBack
)

func (s TrxState) String() string {
	switch s {
	case TrxNotStarted:
		return "NOT_STARTED"
	case TrxActive:
		return "ACTIVE"
	case TrxPrepared:
		return "PREPARED"
	case TrxCommitting:
		return "COMMITTING"
	case TrxCommitted:
		return "COMMITTED"
	case TrxAborting:
		return "ABORTING"
	case TrxRolledBack:
		return "ROLLED_BACK"
	default:
		return "UNKNOWN"
	}
}

// undoRecord 内存撤销记录
//
// 回滚按记录顺序逆序写回Before镜像。恢复路径不依赖它：
// 崩溃后的撤销信息从重做日志的PrevLSN链重建。
type undoRecord struct {
	op  *LogOp
	lsn common.LSN
}

// Transaction 一个事务的运行时状态
//
// cancelled为协作式取消标志，只在安全点检查；进入Committing
// 之后的取消请求被忽略。
type Transaction struct {
	mu sync.Mutex

	id        common.TrxID
	state     TrxState
	isolation common.IsolationLevel
	startTime time.Time

	// RepeatableRead及以上在Begin时固定快照
	readView *mvcc.ReadView

	// 本事务最近一条日志的LSN，PrevLSN链头
	lastLSN common.LSN

	undo []undoRecord

	cancelled  int32
	cancelOnce sync.Once
	cancelChan chan struct{}
}

// ID 事务ID
func (trx *Transaction) ID() common.TrxID { return trx.id }

// Isolation 隔离级别
func (trx *Transaction) Isolation() common.IsolationLevel { return trx.isolation }

// State 当前状态
func (trx *Transaction) State() TrxState {
	trx.mu.Lock()
	defer trx.mu.Unlock()
	return trx.state
}

// LastLSN 本事务最近一条日志的LSN
func (trx *Transaction) LastLSN() common.LSN {
	trx.mu.Lock()
	defer trx.mu.Unlock()
	return trx.lastLSN
}

// Cancel 请求协作式取消
//
// 标志只在安全点生效，调用方不能假设操作立即中断。锁等待是
// 安全点之一：关闭取消通道会唤醒正在排队的锁请求。
func (trx *Transaction) Cancel() {
	atomic.StoreInt32(&trx.cancelled, 1)
	if trx.cancelChan != nil {
		trx.cancelOnce.Do(func() { close(trx.cancelChan) })
	}
}

// CancelChan 取消通知通道，取消时被关闭
func (trx *Transaction) CancelChan() <-chan struct{} {
	return trx.cancelChan
}

// CheckCancelled 安全点检查
//
// 事务进入Committing后取消请求被忽略：提交决定一旦做出就
// 必须走完。
func (trx *Transaction) CheckCancelled() error {
	if atomic.LoadInt32(&trx.cancelled) == 0 {
		return nil
	}
	trx.mu.Lock()
	state := trx.state
	trx.mu.Unlock()
	if state == TrxCommitting || state == TrxCommitted {
		return nil
	}
	return common.ErrCancelled
}

// recordLog 登记一条日志及其撤销信息
func (trx *Transaction) recordLog(lsn common.LSN, op *LogOp) {
	trx.mu.Lock()
	defer trx.mu.Unlock()
	trx.lastLSN = lsn
	if op != nil {
		trx.undo = append(trx.undo, undoRecord{op: op, lsn: lsn})
	}
}

// TrxStats 事务管理器统计
type TrxStats struct {
	Started               uint64
	Committed             uint64
	RolledBack            uint64
	SerializationFailures uint64
	Active                int
}
