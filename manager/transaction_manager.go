package manager

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/xstorage-engine/conf"
	"github.com/zhukovaskychina/xstorage-engine/logger"
	"github.com/zhukovaskychina/xstorage-engine/storage/common"
	"github.com/zhukovaskychina/xstorage-engine/storage/mvcc"
)

// TransactionManager 事务与可见性管理器
//
// 负责事务ID分配、状态机、隔离级别对应的快照策略，以及
// Serializable级别的读写反依赖检查。
//
// 快照策略：ReadCommitted每次操作取新ReadView；RepeatableRead
// 和Serializable在Begin时固定一份。ReadUncommitted不建快照，
// 读取路径直接取版本链最新版本。
type TransactionManager struct {
	mu      sync.Mutex
	nextID  common.TrxID
	actives map[common.TrxID]*Transaction

	redo          *RedoLogManager
	lockMgr       *LockManager
	flushAtCommit int

	// Serializable的rw反依赖图及行访问登记
	serialMu    sync.Mutex
	serialGraph *mvcc.DependencyGraph
	rowReaders  map[common.RowRef]map[common.TrxID]struct{}
	rowWriters  map[common.RowRef]map[common.TrxID]struct{}

	started      uint64
	committed    uint64
	rolledBack   uint64
	serialFailed uint64
}

// NewTransactionManager 创建事务管理器
func NewTransactionManager(cfg *conf.Cfg, redo *RedoLogManager, lockMgr *LockManager) *TransactionManager {
	return &TransactionManager{
		nextID:        1,
		actives:       make(map[common.TrxID]*Transaction),
		redo:          redo,
		lockMgr:       lockMgr,
		flushAtCommit: cfg.FlushLogAtTrxCommit,
		serialGraph:   mvcc.NewDependencyGraph(),
		rowReaders:    make(map[common.RowRef]map[common.TrxID]struct{}),
		rowWriters:    make(map[common.RowRef]map[common.TrxID]struct{}),
	}
}

// Begin 开启事务
func (tm *TransactionManager) Begin(level common.IsolationLevel) *Transaction {
	tm.mu.Lock()
	trx := &Transaction{
		id:         tm.nextID,
		state:      TrxActive,
		isolation:  level,
		startTime:  time.Now(),
		cancelChan: make(chan struct{}),
	}
	tm.nextID++
	tm.actives[trx.id] = trx
	if level >= common.RepeatableRead {
		trx.readView = tm.makeReadViewLocked(trx.id)
	}
	tm.mu.Unlock()

	atomic.AddUint64(&tm.started, 1)
	logger.Debugf("trx %d begin, isolation=%s", trx.id, level)
	return trx
}

// makeReadViewLocked 以当前活跃事务集构造快照，调用方持有tm.mu
func (tm *TransactionManager) makeReadViewLocked(creator common.TrxID) *mvcc.ReadView {
	activeIDs := make([]common.TrxID, 0, len(tm.actives))
	for id := range tm.actives {
		if id != creator {
			activeIDs = append(activeIDs, id)
		}
	}
	sort.Slice(activeIDs, func(i, j int) bool { return activeIDs[i] < activeIDs[j] })

	minID := tm.nextID
	if len(activeIDs) > 0 {
		minID = activeIDs[0]
	}
	return mvcc.NewReadView(activeIDs, minID, tm.nextID, creator)
}

// ViewFor 取本次操作应使用的快照
//
// ReadCommitted每次调用返回新快照；更高级别返回Begin时固定的
// 快照。ReadUncommitted返回nil，调用方跳过可见性判断。
func (tm *TransactionManager) ViewFor(trx *Transaction) *mvcc.ReadView {
	switch trx.isolation {
	case common.ReadUncommitted:
		return nil
	case common.ReadCommitted:
		tm.mu.Lock()
		defer tm.mu.Unlock()
		return tm.makeReadViewLocked(trx.id)
	default:
		return trx.readView
	}
}

// RecordRead 登记Serializable事务的行读取
//
// 若该行已有其他活跃写者，立即登记rw反依赖边：读者先于写者。
func (tm *TransactionManager) RecordRead(trx *Transaction, ref common.RowRef) {
	if trx.isolation != common.Serializable {
		return
	}
	tm.serialMu.Lock()
	defer tm.serialMu.Unlock()
	if tm.rowReaders[ref] == nil {
		tm.rowReaders[ref] = make(map[common.TrxID]struct{})
	}
	tm.rowReaders[ref][trx.id] = struct{}{}
	for writer := range tm.rowWriters[ref] {
		if writer != trx.id {
			tm.serialGraph.AddEdge(trx.id, writer)
		}
	}
}

// RecordWrite 登记Serializable事务的行写入
//
// 既有读者对新写者构成rw反依赖：为每个读者添加指向本事务的边。
func (tm *TransactionManager) RecordWrite(trx *Transaction, ref common.RowRef) {
	if trx.isolation != common.Serializable {
		return
	}
	tm.serialMu.Lock()
	defer tm.serialMu.Unlock()
	if tm.rowWriters[ref] == nil {
		tm.rowWriters[ref] = make(map[common.TrxID]struct{})
	}
	tm.rowWriters[ref][trx.id] = struct{}{}
	for reader := range tm.rowReaders[ref] {
		if reader != trx.id {
			tm.serialGraph.AddEdge(reader, trx.id)
		}
	}
}

// checkSerializable 提交前的反依赖环检查
func (tm *TransactionManager) checkSerializable(trx *Transaction) error {
	if trx.isolation != common.Serializable {
		return nil
	}
	tm.serialMu.Lock()
	defer tm.serialMu.Unlock()
	if cycle := tm.serialGraph.FindCycle(trx.id); len(cycle) > 0 {
		atomic.AddUint64(&tm.serialFailed, 1)
		return common.ErrSerializationFailure
	}
	return nil
}

// forgetSerial 清理事务的反依赖登记
func (tm *TransactionManager) forgetSerial(trxID common.TrxID) {
	tm.serialMu.Lock()
	defer tm.serialMu.Unlock()
	tm.serialGraph.RemoveTransaction(trxID)
	for ref, readers := range tm.rowReaders {
		delete(readers, trxID)
		if len(readers) == 0 {
			delete(tm.rowReaders, ref)
		}
	}
	for ref, writers := range tm.rowWriters {
		delete(writers, trxID)
		if len(writers) == 0 {
			delete(tm.rowWriters, ref)
		}
	}
}

// Prepare 两阶段提交第一阶段
//
// 写入准备记录并保证事务全部日志落盘后进入Prepared；之后
// 事务只能提交或显式回滚，不再响应取消。崩溃后恢复路径凭
// 准备记录将事务重建为待决的Prepared态，既不重做提交也不
// 撤销。
func (tm *TransactionManager) Prepare(trx *Transaction) error {
	trx.mu.Lock()
	if trx.state != TrxActive {
		state := trx.state
		trx.mu.Unlock()
		return common.NewContractError("prepare in state " + state.String())
	}
	prevLSN := trx.lastLSN
	trx.mu.Unlock()

	lsn, err := tm.redo.Append(&LogRecord{TrxID: trx.id, PrevLSN: prevLSN, Type: LogPrepare})
	if err != nil {
		return errors.Trace(err)
	}
	if err := tm.redo.Flush(lsn); err != nil {
		return errors.Trace(err)
	}

	trx.mu.Lock()
	trx.state = TrxPrepared
	trx.lastLSN = lsn
	trx.mu.Unlock()
	logger.Debugf("trx %d prepared at lsn %d", trx.id, lsn)
	return nil
}

// Commit 提交事务
//
// Serializable先做反依赖环检查，失败时事务保持原状态由调用方
// 回滚重试。提交记录落盘与否由flush_log_at_trx_commit决定。
func (tm *TransactionManager) Commit(trx *Transaction) error {
	trx.mu.Lock()
	if trx.state != TrxActive && trx.state != TrxPrepared {
		state := trx.state
		trx.mu.Unlock()
		return common.NewContractError("commit in state " + state.String())
	}
	trx.mu.Unlock()

	if err := tm.checkSerializable(trx); err != nil {
		return err
	}

	trx.mu.Lock()
	trx.state = TrxCommitting
	prevLSN := trx.lastLSN
	trx.mu.Unlock()

	lsn, err := tm.redo.Append(&LogRecord{TrxID: trx.id, PrevLSN: prevLSN, Type: LogCommit})
	if err != nil {
		return errors.Trace(err)
	}
	if tm.flushAtCommit == 1 {
		if err := tm.redo.Flush(lsn); err != nil {
			return errors.Trace(err)
		}
	}

	trx.mu.Lock()
	trx.state = TrxCommitted
	trx.lastLSN = lsn
	trx.undo = nil
	trx.mu.Unlock()

	tm.finish(trx)
	atomic.AddUint64(&tm.committed, 1)
	logger.Debugf("trx %d committed at lsn %d", trx.id, lsn)
	return nil
}

// beginAbort 进入回滚态并交出撤销记录（按逆序）
//
// 实际的Before镜像回写由存储引擎执行，完成后调用finishAbort。
func (tm *TransactionManager) beginAbort(trx *Transaction) ([]undoRecord, error) {
	trx.mu.Lock()
	defer trx.mu.Unlock()
	switch trx.state {
	case TrxActive, TrxPrepared:
	case TrxAborting:
	default:
		return nil, common.NewContractError("abort in state " + trx.state.String())
	}
	trx.state = TrxAborting

	undo := make([]undoRecord, len(trx.undo))
	for i, u := range trx.undo {
		undo[len(trx.undo)-1-i] = u
	}
	return undo, nil
}

// finishAbort 撤销完成，写回滚记录并终结事务
func (tm *TransactionManager) finishAbort(trx *Transaction) error {
	trx.mu.Lock()
	prevLSN := trx.lastLSN
	trx.mu.Unlock()

	lsn, err := tm.redo.Append(&LogRecord{TrxID: trx.id, PrevLSN: prevLSN, Type: LogAbort})
	if err != nil {
		return errors.Trace(err)
	}

	trx.mu.Lock()
	trx.state = TrxRolledBack
	trx.lastLSN = lsn
	trx.undo = nil
	trx.mu.Unlock()

	tm.finish(trx)
	atomic.AddUint64(&tm.rolledBack, 1)
	logger.Debugf("trx %d rolled back", trx.id)
	return nil
}

// finish 事务终结的公共清理：活跃集、锁、日志量统计、反依赖登记
func (tm *TransactionManager) finish(trx *Transaction) {
	tm.mu.Lock()
	delete(tm.actives, trx.id)
	tm.mu.Unlock()

	tm.lockMgr.ReleaseLocks(trx.id)
	tm.redo.ReleaseTrxWork(trx.id)
	tm.forgetSerial(trx.id)
}

// IsActive 事务是否仍在活跃集中
func (tm *TransactionManager) IsActive(trxID common.TrxID) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	_, ok := tm.actives[trxID]
	return ok
}

// adoptPrepared 恢复期间重建一个待决的Prepared事务
//
// 事务重新进入活跃集，对新快照保持不可见，直到上层给出提交
// 或回滚的决定。undo为按日志顺序收集的撤销信息，回滚时使用。
func (tm *TransactionManager) adoptPrepared(trxID common.TrxID, lastLSN common.LSN, undo []undoRecord) *Transaction {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	trx := &Transaction{
		id:         trxID,
		state:      TrxPrepared,
		isolation:  common.ReadCommitted,
		startTime:  time.Now(),
		lastLSN:    lastLSN,
		undo:       undo,
		cancelChan: make(chan struct{}),
	}
	tm.actives[trxID] = trx
	return trx
}

// PreparedTransactions 当前处于Prepared态的事务，按ID升序
func (tm *TransactionManager) PreparedTransactions() []*Transaction {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	var out []*Transaction
	for _, trx := range tm.actives {
		if trx.State() == TrxPrepared {
			out = append(out, trx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// AdvanceTrxID 恢复后推进事务ID分配计数，保证新事务ID不回绕
func (tm *TransactionManager) AdvanceTrxID(seen common.TrxID) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if seen >= tm.nextID {
		tm.nextID = seen + 1
	}
}

// Stats 事务统计
func (tm *TransactionManager) Stats() TrxStats {
	tm.mu.Lock()
	active := len(tm.actives)
	tm.mu.Unlock()
	return TrxStats{
		Started:               atomic.LoadUint64(&tm.started),
		Committed:             atomic.LoadUint64(&tm.committed),
		RolledBack:            atomic.LoadUint64(&tm.rolledBack),
		SerializationFailures: atomic.LoadUint64(&tm.serialFailed),
		Active:                active,
	}
}
