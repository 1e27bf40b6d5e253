package manager

import (
	"sync"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/xstorage-engine/buffer_pool"
	"github.com/zhukovaskychina/xstorage-engine/conf"
	"github.com/zhukovaskychina/xstorage-engine/logger"
	"github.com/zhukovaskychina/xstorage-engine/storage/common"
	"github.com/zhukovaskychina/xstorage-engine/storage/pages"
)

const (
	// DataSpaceID 行数据表空间
	DataSpaceID common.SpaceID = 1
	// OverflowSpaceID 行外大值表空间
	OverflowSpaceID common.SpaceID = 2
)

var (
	// ErrRowNotVisible 行在当前快照下不存在可见版本
	ErrRowNotVisible = errors.New("no visible version for row")
	// ErrWriteConflict 行已被并发事务修改或删除
	ErrWriteConflict = common.NewConflictError("row changed by concurrent transaction")
)

// StorageEngine 事务存储引擎门面
//
// 组合表空间、缓冲池、重做日志、锁管理和事务管理，对外提供
// 行级读写操作。行以版本链组织，RowRef指向链头（最老版本），
// 新版本追加到链尾。
type StorageEngine struct {
	cfg *conf.Cfg

	spaces   *SpaceManager
	redo     *RedoLogManager
	pool     *buffer_pool.BufferPool
	bpm      *BufferPoolManager
	lockMgr  *LockManager
	trxMgr   *TransactionManager
	overflow *pages.OverflowStore

	// 插入游标，指向上一次成功插入的数据页
	cursorMu   sync.Mutex
	insertPage common.PageNo

	// 超过该字节数的负载移入行外存储
	overflowThreshold int

	closeOnce sync.Once
}

// NewStorageEngine 创建引擎并执行崩溃恢复
func NewStorageEngine(cfg *conf.Cfg) (*StorageEngine, error) {
	spaces, err := NewSpaceManager(cfg)
	if err != nil {
		return nil, errors.Trace(err)
	}
	redo, err := NewRedoLogManager(cfg)
	if err != nil {
		spaces.Close()
		return nil, errors.Trace(err)
	}

	pool := buffer_pool.NewBufferPool(&buffer_pool.BufferPoolConfig{
		PoolPages:  cfg.BufferPoolPages,
		PageSize:   cfg.PageSize,
		Provider:   spaces,
		LogFlusher: redo,
	})
	lockMgr := NewLockManager(cfg, redo.LogWork)

	engine := &StorageEngine{
		cfg:               cfg,
		spaces:            spaces,
		redo:              redo,
		pool:              pool,
		bpm:               NewBufferPoolManager(cfg, pool, redo),
		lockMgr:           lockMgr,
		trxMgr:            NewTransactionManager(cfg, redo, lockMgr),
		overflow:          pages.NewOverflowStore(spaces, OverflowSpaceID, cfg.PageSize, cfg.OverflowCompression),
		insertPage:        1,
		overflowThreshold: cfg.PageSize / 4,
	}

	if err := engine.recover(); err != nil {
		engine.Close()
		return nil, errors.Trace(err)
	}
	return engine, nil
}

// BeginTransaction 开启事务
func (e *StorageEngine) BeginTransaction(level common.IsolationLevel) (*Transaction, error) {
	if e.bpm.Stopped() {
		return nil, common.ErrEngineStopped
	}
	return e.trxMgr.Begin(level), nil
}

// Prepare 两阶段提交第一阶段：准备记录落盘后事务进入Prepared
func (e *StorageEngine) Prepare(trx *Transaction) error {
	if e.bpm.Stopped() {
		return common.ErrEngineStopped
	}
	return e.trxMgr.Prepare(trx)
}

// Commit 提交事务
func (e *StorageEngine) Commit(trx *Transaction) error {
	if e.bpm.Stopped() {
		return common.ErrEngineStopped
	}
	return e.trxMgr.Commit(trx)
}

// Abort 回滚事务，逆序写回Before镜像
func (e *StorageEngine) Abort(trx *Transaction) error {
	undo, err := e.trxMgr.beginAbort(trx)
	if err != nil {
		return errors.Trace(err)
	}
	for _, u := range undo {
		if err := e.applyUndo(trx, u.op); err != nil {
			return errors.Trace(err)
		}
	}
	return e.trxMgr.finishAbort(trx)
}

// applyUndo 撤销一条页面修改：写回Before镜像并记补偿日志
//
// 补偿日志与正常修改同样参与重做，崩溃穿插回滚也能收敛。
func (e *StorageEngine) applyUndo(trx *Transaction, op *LogOp) error {
	comp := &LogOp{
		SpaceID: op.SpaceID, PageNo: op.PageNo, Slot: op.Slot,
		Before: op.After, After: op.Before,
	}
	lsn, err := e.appendOp(trx, LogUpdate, comp)
	if err != nil {
		return errors.Trace(err)
	}
	return e.applyToPage(op.SpaceID, op.PageNo, op.Slot, op.Before, lsn)
}

// appendOp 写入一条页面修改日志并登记到事务
func (e *StorageEngine) appendOp(trx *Transaction, typ LogRecordType, op *LogOp) (common.LSN, error) {
	lsn, err := e.redo.Append(&LogRecord{
		TrxID:   trx.id,
		PrevLSN: trx.LastLSN(),
		Type:    typ,
		Payload: op.Encode(),
	})
	if err != nil {
		return 0, errors.Trace(err)
	}
	trx.recordLog(lsn, op)
	return lsn, nil
}

// applyToPage 将记录镜像写入槽位并推进页面LSN
//
// body为空表示撤销插入，槽位标记删除。
func (e *StorageEngine) applyToPage(spaceID common.SpaceID, pageNo common.PageNo, slot common.SlotNo, body []byte, lsn common.LSN) error {
	bp, err := e.pool.FetchPage(spaceID, pageNo)
	if err != nil {
		return errors.Trace(err)
	}
	bp.Latch()
	p := pages.NewPage(bp.Frame())
	if len(body) == 0 {
		err = p.DeleteRecord(slot)
	} else {
		err = p.WriteRecordAt(slot, body)
	}
	if err != nil {
		bp.Unlatch()
		e.pool.UnpinPage(bp, false)
		return errors.Trace(err)
	}
	p.SetLSN(lsn)
	bp.StampLSNLocked(lsn)
	bp.Unlatch()
	return e.pool.UnpinPage(bp, true)
}

// storePayload 负载编码，超过阈值的值移入行外存储
func (e *StorageEngine) storePayload(payload []byte) ([]byte, uint8, error) {
	if len(payload) <= e.overflowThreshold {
		return payload, 0, nil
	}
	ptr, err := e.overflow.Write(payload)
	if err != nil {
		return nil, 0, errors.Trace(err)
	}
	return ptr.Encode(), pages.RecordOverflow, nil
}

// loadPayload 解析版本负载，行外值按指针取回
func (e *StorageEngine) loadPayload(rv *pages.RecordVersion) ([]byte, error) {
	if !rv.IsOverflow() {
		return rv.Payload, nil
	}
	ptr, err := pages.DecodeOverflowPointer(rv.Payload)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return e.overflow.Read(ptr)
}

// InsertRow 插入一行，返回版本链头的引用
func (e *StorageEngine) InsertRow(trx *Transaction, payload []byte) (common.RowRef, error) {
	var none common.RowRef
	if e.bpm.Stopped() {
		return none, common.ErrEngineStopped
	}
	if err := trx.CheckCancelled(); err != nil {
		return none, err
	}

	if _, err := e.lockMgr.AcquireLockCancel(trx.id, SpaceLockTag(DataSpaceID), RowExclusiveLock, true, trx.CancelChan()); err != nil {
		return none, err
	}

	stored, flags, err := e.storePayload(payload)
	if err != nil {
		return none, errors.Trace(err)
	}
	version := &pages.RecordVersion{Xmin: trx.id, Flags: flags, Payload: stored}
	body := version.Encode()

	ref, err := e.placeRecord(trx, body)
	if err != nil {
		return none, errors.Trace(err)
	}

	// 链头已定位，行锁在任何等待者出现前就位
	if _, err := e.lockMgr.AcquireLockCancel(trx.id, RowLockTag(ref), ExclusiveLock, true, trx.CancelChan()); err != nil {
		return none, err
	}
	e.trxMgr.RecordWrite(trx, ref)
	return ref, nil
}

// placeRecord 在数据表空间找一个容得下body的页面并插入
//
// 从插入游标开始顺序探测，表空间尾部不足时扩展新页。
func (e *StorageEngine) placeRecord(trx *Transaction, body []byte) (common.RowRef, error) {
	var none common.RowRef
	e.cursorMu.Lock()
	defer e.cursorMu.Unlock()

	count, err := e.spaces.PageCount(DataSpaceID)
	if err != nil {
		return none, errors.Trace(err)
	}
	pageNo := e.insertPage
	for {
		if pageNo >= count {
			pageNo, err = e.spaces.AllocatePage(DataSpaceID)
			if err != nil {
				return none, errors.Trace(err)
			}
		}
		ref, err := e.insertAt(trx, pageNo, body)
		if err == nil {
			e.insertPage = pageNo
			return ref, nil
		}
		if err != pages.ErrPageFull {
			return none, errors.Trace(err)
		}
		pageNo++
	}
}

// insertAt 在指定页面插入记录镜像并写日志
func (e *StorageEngine) insertAt(trx *Transaction, pageNo common.PageNo, body []byte) (common.RowRef, error) {
	var none common.RowRef
	bp, err := e.pool.FetchPage(DataSpaceID, pageNo)
	if err != nil {
		return none, errors.Trace(err)
	}
	bp.Latch()
	p := pages.NewPage(bp.Frame())
	slot, err := p.InsertRecord(body)
	if err != nil {
		bp.Unlatch()
		e.pool.UnpinPage(bp, false)
		return none, err
	}

	op := &LogOp{SpaceID: DataSpaceID, PageNo: pageNo, Slot: slot, After: body}
	lsn, err := e.appendOp(trx, LogInsert, op)
	if err != nil {
		bp.Unlatch()
		e.pool.UnpinPage(bp, false)
		return none, errors.Trace(err)
	}
	p.SetLSN(lsn)
	bp.StampLSNLocked(lsn)
	bp.Unlatch()
	if err := e.pool.UnpinPage(bp, true); err != nil {
		return none, errors.Trace(err)
	}
	return common.RowRef{SpaceID: DataSpaceID, PageNo: pageNo, Slot: slot}, nil
}

// readVersion 读取一个记录版本
func (e *StorageEngine) readVersion(ref common.RowRef) (*pages.RecordVersion, error) {
	bp, err := e.pool.FetchPage(ref.SpaceID, ref.PageNo)
	if err != nil {
		return nil, errors.Trace(err)
	}
	bp.Latch()
	body, err := pages.NewPage(bp.Frame()).ReadRecord(ref.Slot)
	bp.Unlatch()
	e.pool.UnpinPage(bp, false)
	if err != nil {
		return nil, err
	}
	return pages.DecodeRecordVersion(body)
}

// chainTail 沿版本链走到最新版本
func (e *StorageEngine) chainTail(ref common.RowRef) (common.RowRef, *pages.RecordVersion, error) {
	cur := ref
	for {
		rv, err := e.readVersion(cur)
		if err != nil {
			return cur, nil, err
		}
		if !rv.HasNext() {
			return cur, rv, nil
		}
		cur = common.RowRef{SpaceID: cur.SpaceID, PageNo: rv.NextPage, Slot: rv.NextSlot}
	}
}

// FetchVisible 按事务快照返回行的可见版本负载
//
// 从链头向链尾遍历，返回最后一个可见版本。无可见版本时返回
// ErrRowNotVisible。
func (e *StorageEngine) FetchVisible(trx *Transaction, ref common.RowRef) ([]byte, error) {
	if err := trx.CheckCancelled(); err != nil {
		return nil, err
	}

	view := e.trxMgr.ViewFor(trx)
	var chosen *pages.RecordVersion

	cur := ref
	for {
		rv, err := e.readVersion(cur)
		if err != nil {
			return nil, err
		}
		if view == nil {
			// 读未提交：直接取链尾，未删除即可见
			if !rv.HasNext() {
				if rv.Xmax == common.InvalidTrxID {
					chosen = rv
				}
				break
			}
		} else if view.VersionVisible(rv.Xmin, rv.Xmax) {
			chosen = rv
		}
		if !rv.HasNext() {
			break
		}
		cur = common.RowRef{SpaceID: cur.SpaceID, PageNo: rv.NextPage, Slot: rv.NextSlot}
	}

	if chosen == nil {
		return nil, ErrRowNotVisible
	}
	e.trxMgr.RecordRead(trx, ref)
	return e.loadPayload(chosen)
}

// lockRowForWrite 写前取行锁并重新定位链尾
//
// 锁到手时行可能已被先行事务改写：锁等待期间提交的新版本
// 对本次写才是权威状态，必须重读链尾再做冲突判定，锁前读到
// 的版本不可信。
func (e *StorageEngine) lockRowForWrite(trx *Transaction, ref common.RowRef) (common.RowRef, *pages.RecordVersion, error) {
	var none common.RowRef
	if _, err := e.lockMgr.AcquireLockCancel(trx.id, SpaceLockTag(DataSpaceID), RowExclusiveLock, true, trx.CancelChan()); err != nil {
		return none, nil, err
	}
	if _, err := e.lockMgr.AcquireLockCancel(trx.id, RowLockTag(ref), ExclusiveLock, true, trx.CancelChan()); err != nil {
		return none, nil, err
	}

	tailRef, tail, err := e.chainTail(ref)
	if err != nil {
		return none, nil, err
	}
	// 链尾已被删除或改写
	if tail.Xmax != common.InvalidTrxID && tail.Xmax != trx.id {
		return none, nil, ErrWriteConflict
	}
	// 快照隔离下，快照后提交的新版本构成写写冲突
	if trx.isolation >= common.RepeatableRead && trx.readView != nil {
		if !trx.readView.VersionVisible(tail.Xmin, tail.Xmax) {
			return none, nil, ErrWriteConflict
		}
	}
	return tailRef, tail, nil
}

// UpdateRow 更新一行，追加新版本到链尾
func (e *StorageEngine) UpdateRow(trx *Transaction, ref common.RowRef, payload []byte) error {
	updated, err := e.UpdateRowWhere(trx, ref, nil, payload)
	if err != nil {
		return err
	}
	if !updated {
		return ErrWriteConflict
	}
	return nil
}

// UpdateRowWhere 条件更新
//
// pred在行锁到手后对链尾最新版本重新求值，为假时不做任何
// 修改返回false。锁前的判定不作数。
func (e *StorageEngine) UpdateRowWhere(trx *Transaction, ref common.RowRef, pred func([]byte) bool, payload []byte) (bool, error) {
	if e.bpm.Stopped() {
		return false, common.ErrEngineStopped
	}
	if err := trx.CheckCancelled(); err != nil {
		return false, err
	}

	tailRef, tail, err := e.lockRowForWrite(trx, ref)
	if err != nil {
		return false, err
	}

	if pred != nil {
		current, err := e.loadPayload(tail)
		if err != nil {
			return false, errors.Trace(err)
		}
		if !pred(current) {
			return false, nil
		}
	}

	stored, flags, err := e.storePayload(payload)
	if err != nil {
		return false, errors.Trace(err)
	}
	newVersion := &pages.RecordVersion{Xmin: trx.id, Flags: flags, Payload: stored}
	newRef, err := e.placeRecord(trx, newVersion.Encode())
	if err != nil {
		return false, errors.Trace(err)
	}

	// 旧链尾指向新版本并记下覆盖者
	before := tail.Encode()
	tail.Xmax = trx.id
	tail.NextPage = newRef.PageNo
	tail.NextSlot = newRef.Slot
	op := &LogOp{
		SpaceID: tailRef.SpaceID, PageNo: tailRef.PageNo, Slot: tailRef.Slot,
		Before: before, After: tail.Encode(),
	}
	lsn, err := e.appendOp(trx, LogUpdate, op)
	if err != nil {
		return false, errors.Trace(err)
	}
	if err := e.applyToPage(tailRef.SpaceID, tailRef.PageNo, tailRef.Slot, op.After, lsn); err != nil {
		return false, errors.Trace(err)
	}

	e.trxMgr.RecordWrite(trx, ref)
	return true, nil
}

// DeleteRow 删除一行：链尾版本记下删除者
func (e *StorageEngine) DeleteRow(trx *Transaction, ref common.RowRef) error {
	if e.bpm.Stopped() {
		return common.ErrEngineStopped
	}
	if err := trx.CheckCancelled(); err != nil {
		return err
	}

	tailRef, tail, err := e.lockRowForWrite(trx, ref)
	if err != nil {
		return err
	}

	before := tail.Encode()
	tail.Xmax = trx.id
	op := &LogOp{
		SpaceID: tailRef.SpaceID, PageNo: tailRef.PageNo, Slot: tailRef.Slot,
		Before: before, After: tail.Encode(),
	}
	lsn, err := e.appendOp(trx, LogDelete, op)
	if err != nil {
		return errors.Trace(err)
	}
	if err := e.applyToPage(tailRef.SpaceID, tailRef.PageNo, tailRef.Slot, op.After, lsn); err != nil {
		return errors.Trace(err)
	}

	e.trxMgr.RecordWrite(trx, ref)
	return nil
}

// Checkpoint 触发一次模糊检查点
func (e *StorageEngine) Checkpoint() (common.LSN, error) {
	return e.bpm.Checkpoint()
}

// FlushLog 强制落盘全部已追加日志
func (e *StorageEngine) FlushLog() error {
	return e.redo.Flush(common.LSN(^uint64(0)))
}

// recover 崩溃恢复：重做已落盘日志，撤销未提交事务
//
// 撤销信息必须从日志头收集：未提交事务的修改可能早于最近一次
// 检查点。重做则从检查点redo起点开始，页面LSN不小于记录LSN的
// 修改跳过，重复恢复与单次恢复收敛到同一状态。
//
// 写过准备记录但未终结的事务不回滚：重建为待决的Prepared态，
// 等待上层的提交或回滚决定。
func (e *StorageEngine) recover() error {
	redoFrom := e.redo.CheckpointLSN()

	// 活跃事务表：扫描中按序收集每个事务的修改
	type trxInfo struct {
		finished bool
		prepared bool
		lastLSN  common.LSN
		ops      []undoRecord
	}
	trxs := make(map[common.TrxID]*trxInfo)
	lookup := func(trxID common.TrxID) *trxInfo {
		info := trxs[trxID]
		if info == nil {
			info = &trxInfo{}
			trxs[trxID] = info
		}
		return info
	}
	maxTrxID := common.InvalidTrxID
	redone := 0

	err := e.redo.Replay(0, func(rec *LogRecord) error {
		if rec.TrxID > maxTrxID {
			maxTrxID = rec.TrxID
		}
		switch rec.Type {
		case LogInsert, LogUpdate, LogDelete:
			op, err := DecodeLogOp(rec.Payload)
			if err != nil {
				return errors.Trace(err)
			}
			info := lookup(rec.TrxID)
			info.ops = append(info.ops, undoRecord{op: op, lsn: rec.LSN})
			info.lastLSN = rec.LSN
			if rec.LSN < redoFrom {
				break
			}
			applied, err := e.redoOp(op, rec.LSN)
			if err != nil {
				return errors.Trace(err)
			}
			if applied {
				redone++
			}
		case LogPrepare:
			info := lookup(rec.TrxID)
			info.prepared = true
			info.lastLSN = rec.LSN
		case LogCommit, LogAbort:
			lookup(rec.TrxID).finished = true
		}
		return nil
	})
	if err != nil {
		return errors.Trace(err)
	}

	e.trxMgr.AdvanceTrxID(maxTrxID)

	// 撤销：未终结且未准备事务的修改逆序回滚
	undone := 0
	pending := 0
	for trxID, info := range trxs {
		if info.finished {
			continue
		}
		if info.prepared {
			e.trxMgr.adoptPrepared(trxID, info.lastLSN, info.ops)
			pending++
			continue
		}
		trx := &Transaction{id: trxID, state: TrxAborting}
		for i := len(info.ops) - 1; i >= 0; i-- {
			if err := e.applyUndo(trx, info.ops[i].op); err != nil {
				return errors.Trace(err)
			}
		}
		if _, err := e.redo.Append(&LogRecord{TrxID: trxID, PrevLSN: trx.LastLSN(), Type: LogAbort}); err != nil {
			return errors.Trace(err)
		}
		undone++
	}
	if redone > 0 || undone > 0 || pending > 0 {
		if err := e.FlushLog(); err != nil {
			return errors.Trace(err)
		}
		logger.Infof("recovery complete: %d records redone, %d transactions rolled back, %d prepared pending", redone, undone, pending)
	}
	return nil
}

// redoOp 重做一条页面修改，页面LSN不小于记录LSN时跳过
func (e *StorageEngine) redoOp(op *LogOp, lsn common.LSN) (bool, error) {
	bp, err := e.pool.FetchPage(op.SpaceID, op.PageNo)
	if err != nil {
		return false, errors.Trace(err)
	}
	bp.Latch()
	p := pages.NewPage(bp.Frame())
	if p.LSN() >= lsn {
		bp.Unlatch()
		e.pool.UnpinPage(bp, false)
		return false, nil
	}
	if len(op.After) == 0 {
		err = p.DeleteRecord(op.Slot)
	} else {
		err = p.WriteRecordAt(op.Slot, op.After)
	}
	if err != nil {
		bp.Unlatch()
		e.pool.UnpinPage(bp, false)
		return false, errors.Trace(err)
	}
	p.SetLSN(lsn)
	bp.StampLSNLocked(lsn)
	bp.Unlatch()
	return true, e.pool.UnpinPage(bp, true)
}

// PreparedTransactions 恢复后仍待决的Prepared事务
//
// 调用方对每个事务给出Commit或Abort的最终决定。
func (e *StorageEngine) PreparedTransactions() []*Transaction {
	return e.trxMgr.PreparedTransactions()
}

// GetLockOwners 资源当前的锁持有者
func (e *StorageEngine) GetLockOwners(tag ResourceTag) []common.TrxID {
	return e.lockMgr.GetLockOwners(tag)
}

// GetLockWaiters 资源当前的等待者，按队列顺序
func (e *StorageEngine) GetLockWaiters(tag ResourceTag) []common.TrxID {
	return e.lockMgr.GetLockWaiters(tag)
}

// TrxStats 事务统计
func (e *StorageEngine) TrxStats() TrxStats { return e.trxMgr.Stats() }

// LockStats 锁统计
func (e *StorageEngine) LockStats() LockStats { return e.lockMgr.Stats() }

// PoolStats 缓冲池统计
func (e *StorageEngine) PoolStats() map[string]uint64 { return e.pool.Stats() }

// LogStats 日志统计
func (e *StorageEngine) LogStats() LogStats { return e.redo.Stats() }

// Close 全量检查点后有序关闭各组件
func (e *StorageEngine) Close() error {
	var firstErr error
	e.closeOnce.Do(func() {
		if !e.bpm.Stopped() {
			if _, err := e.bpm.FullCheckpoint(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		e.lockMgr.Close()
		if err := e.redo.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := e.spaces.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	})
	return firstErr
}
