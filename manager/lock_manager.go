package manager

import (
	"encoding/binary"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhukovaskychina/xstorage-engine/conf"
	"github.com/zhukovaskychina/xstorage-engine/logger"
	"github.com/zhukovaskychina/xstorage-engine/storage/common"
	"github.com/zhukovaskychina/xstorage-engine/storage/mvcc"
	"github.com/zhukovaskychina/xstorage-engine/util"
)

const lockPartitionCount = 16

// lockPartition 锁表分区
type lockPartition struct {
	mu     sync.Mutex
	queues map[ResourceTag]*lockQueue
}

// waitEntry 记录一个事务当前在哪个锁对象上等待
type waitEntry struct {
	tag ResourceTag
	req *lockRequest
}

// LockManager 锁管理器
//
// 锁表按资源散列到固定分区，降低热点竞争。等待关系记入全局
// wait-for图，后台检测器在等待超过宽限期后做环检测；每个环
// 恰好牺牲一个事务，选日志量最小者（平局取事务ID较小者）。
//
// 锁顺序：分区锁先于图锁，全程一致。
type LockManager struct {
	partitions [lockPartitionCount]*lockPartition

	graphMu   sync.Mutex
	graph     *mvcc.DependencyGraph
	waitingAt map[common.TrxID]*waitEntry

	waitTimeout      time.Duration
	deadlockInterval time.Duration
	// 事务已写日志量，死锁牺牲者选择依据
	workFn func(common.TrxID) uint64

	grants    uint64
	waits     uint64
	timeouts  uint64
	deadlocks uint64

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewLockManager 创建锁管理器并启动死锁检测器
func NewLockManager(cfg *conf.Cfg, workFn func(common.TrxID) uint64) *LockManager {
	if workFn == nil {
		workFn = func(common.TrxID) uint64 { return 0 }
	}
	lm := &LockManager{
		graph:            mvcc.NewDependencyGraph(),
		waitingAt:        make(map[common.TrxID]*waitEntry),
		waitTimeout:      cfg.LockWaitTimeout,
		deadlockInterval: cfg.DeadlockInterval,
		workFn:           workFn,
		stopChan:         make(chan struct{}),
	}
	for i := range lm.partitions {
		lm.partitions[i] = &lockPartition{queues: make(map[ResourceTag]*lockQueue)}
	}

	lm.wg.Add(1)
	go lm.deadlockDetector()
	return lm
}

func (lm *LockManager) partition(tag ResourceTag) *lockPartition {
	var key [11]byte
	binary.BigEndian.PutUint32(key[0:], uint32(tag.SpaceID))
	binary.BigEndian.PutUint32(key[4:], uint32(tag.PageNo))
	binary.BigEndian.PutUint16(key[8:], uint16(tag.Slot))
	key[10] = uint8(tag.Scope)
	return lm.partitions[util.HashCode(key[:])%lockPartitionCount]
}

// AcquireLock 获取锁
//
// wait=false时遇到冲突立即返回LockWouldBlock，不排队。
// wait=true时进入FIFO等待队列；等待以超时、授予或被选为
// 死锁牺牲者结束。
func (lm *LockManager) AcquireLock(trxID common.TrxID, tag ResourceTag, mode LockMode, wait bool) (LockResult, error) {
	return lm.AcquireLockCancel(trxID, tag, mode, wait, nil)
}

// AcquireLockCancel 带取消通道的获取
//
// cancel被关闭时等待中的请求出队并返回ErrCancelled；nil通道
// 永不触发。协作式取消以锁等待为安全点之一。
func (lm *LockManager) AcquireLockCancel(trxID common.TrxID, tag ResourceTag, mode LockMode, wait bool, cancel <-chan struct{}) (LockResult, error) {
	part := lm.partition(tag)
	part.mu.Lock()

	q, ok := part.queues[tag]
	if !ok {
		q = &lockQueue{}
		part.queues[tag] = q
	}

	// 重入：同一事务同一模式的重复请求直接成功
	for _, g := range q.granted {
		if g.trxID == trxID && g.mode == mode {
			part.mu.Unlock()
			return LockGranted, nil
		}
	}

	if lm.canGrantLocked(q, trxID, mode) {
		q.granted = append(q.granted, &lockRequest{trxID: trxID, mode: mode, granted: true})
		part.mu.Unlock()
		atomic.AddUint64(&lm.grants, 1)
		return LockGranted, nil
	}

	if !wait {
		part.mu.Unlock()
		return LockWouldBlock, nil
	}

	req := &lockRequest{
		trxID:   trxID,
		mode:    mode,
		ch:      make(chan error, 1),
		waitsAt: time.Now(),
	}
	q.waiters = append(q.waiters, req)

	lm.graphMu.Lock()
	lm.addEdgesLocked(q, req)
	lm.waitingAt[trxID] = &waitEntry{tag: tag, req: req}
	lm.graphMu.Unlock()
	part.mu.Unlock()
	atomic.AddUint64(&lm.waits, 1)

	timer := time.NewTimer(lm.waitTimeout)
	defer timer.Stop()

	select {
	case err := <-req.ch:
		if err != nil {
			return LockWouldBlock, err
		}
		atomic.AddUint64(&lm.grants, 1)
		return LockGranted, nil
	case <-timer.C:
		if lm.abandonWait(part, q, req, trxID) {
			atomic.AddUint64(&lm.grants, 1)
			return LockGranted, nil
		}
		atomic.AddUint64(&lm.timeouts, 1)
		return LockWouldBlock, common.ErrLockTimeout
	case <-cancel:
		if lm.abandonWait(part, q, req, trxID) {
			atomic.AddUint64(&lm.grants, 1)
			return LockGranted, nil
		}
		return LockWouldBlock, common.ErrCancelled
	}
}

// abandonWait 等待者主动退出队列（超时或取消）
//
// 与授予竞争时以授予为准，返回true。调用方据此改报成功。
func (lm *LockManager) abandonWait(part *lockPartition, q *lockQueue, req *lockRequest, trxID common.TrxID) bool {
	part.mu.Lock()
	lm.graphMu.Lock()
	if req.granted {
		lm.graphMu.Unlock()
		part.mu.Unlock()
		<-req.ch
		return true
	}
	removeWaiter(q, req)
	lm.clearEdgesLocked(req)
	delete(lm.waitingAt, trxID)
	lm.grantWaitersLocked(q)
	lm.graphMu.Unlock()
	part.mu.Unlock()
	return false
}

// canGrantLocked 判断能否立即授予
//
// 须与所有其他事务的已授予模式兼容；队列非空时还须与所有
// 在队等待者兼容，否则FIFO公平性被破坏。
func (lm *LockManager) canGrantLocked(q *lockQueue, trxID common.TrxID, mode LockMode) bool {
	for _, g := range q.granted {
		if g.trxID != trxID && ModesConflict(mode, g.mode) {
			return false
		}
	}
	for _, w := range q.waiters {
		if w.trxID != trxID && ModesConflict(mode, w.mode) {
			return false
		}
	}
	return true
}

// addEdgesLocked 为等待者登记wait-for边，调用方持有分区锁和图锁
func (lm *LockManager) addEdgesLocked(q *lockQueue, req *lockRequest) {
	req.edges = req.edges[:0]
	for _, g := range q.granted {
		if g.trxID != req.trxID && ModesConflict(req.mode, g.mode) {
			lm.graph.AddEdge(req.trxID, g.trxID)
			req.edges = append(req.edges, g.trxID)
		}
	}
	for _, w := range q.waiters {
		if w == req {
			break
		}
		if w.trxID != req.trxID && ModesConflict(req.mode, w.mode) {
			lm.graph.AddEdge(req.trxID, w.trxID)
			req.edges = append(req.edges, w.trxID)
		}
	}
}

// clearEdgesLocked 撤销等待者的全部出边
func (lm *LockManager) clearEdgesLocked(req *lockRequest) {
	for _, to := range req.edges {
		lm.graph.RemoveEdge(req.trxID, to)
	}
	req.edges = nil
}

func removeWaiter(q *lockQueue, req *lockRequest) {
	for i, w := range q.waiters {
		if w == req {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}
}

// grantWaitersLocked 授予队列中所有当前可授予的等待者
//
// 按FIFO顺序扫描；等待者仅在与已授予集及其前方未授予等待者
// 都兼容时被授予。授予后对剩余等待者重建wait-for边。
// 调用方持有分区锁和图锁。
func (lm *LockManager) grantWaitersLocked(q *lockQueue) {
	changed := true
	for changed {
		changed = false
		for i := 0; i < len(q.waiters); i++ {
			w := q.waiters[i]
			ok := true
			for _, g := range q.granted {
				if g.trxID != w.trxID && ModesConflict(w.mode, g.mode) {
					ok = false
					break
				}
			}
			if ok {
				for j := 0; j < i; j++ {
					if q.waiters[j].trxID != w.trxID && ModesConflict(w.mode, q.waiters[j].mode) {
						ok = false
						break
					}
				}
			}
			if !ok {
				continue
			}
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			lm.clearEdgesLocked(w)
			delete(lm.waitingAt, w.trxID)
			w.granted = true
			q.granted = append(q.granted, w)
			w.ch <- nil
			changed = true
			break
		}
	}
	for _, w := range q.waiters {
		lm.clearEdgesLocked(w)
		lm.addEdgesLocked(q, w)
	}
}

// ReleaseLocks 释放事务持有的全部锁并唤醒可授予的等待者
func (lm *LockManager) ReleaseLocks(trxID common.TrxID) {
	for _, part := range lm.partitions {
		part.mu.Lock()
		lm.graphMu.Lock()
		for tag, q := range part.queues {
			kept := q.granted[:0]
			for _, g := range q.granted {
				if g.trxID != trxID {
					kept = append(kept, g)
				}
			}
			q.granted = kept
			lm.grantWaitersLocked(q)
			if len(q.granted) == 0 && len(q.waiters) == 0 {
				delete(part.queues, tag)
			}
		}
		lm.graphMu.Unlock()
		part.mu.Unlock()
	}

	lm.graphMu.Lock()
	lm.graph.RemoveTransaction(trxID)
	delete(lm.waitingAt, trxID)
	lm.graphMu.Unlock()
}

// deadlockDetector 后台死锁检测
//
// 每个周期对等待超过宽限期的事务做环检测，每个环恰好选出
// 一个牺牲者。
func (lm *LockManager) deadlockDetector() {
	defer lm.wg.Done()
	ticker := time.NewTicker(lm.deadlockInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			lm.detectOnce()
		case <-lm.stopChan:
			return
		}
	}
}

func (lm *LockManager) detectOnce() {
	grace := time.Now().Add(-lm.deadlockInterval)

	lm.graphMu.Lock()
	handled := make(map[common.TrxID]bool)
	var victims []common.TrxID

	waiting := make([]common.TrxID, 0, len(lm.waitingAt))
	for trxID := range lm.waitingAt {
		waiting = append(waiting, trxID)
	}
	sort.Slice(waiting, func(i, j int) bool { return waiting[i] < waiting[j] })

	for _, trxID := range waiting {
		entry := lm.waitingAt[trxID]
		if entry == nil || handled[trxID] || entry.req.waitsAt.After(grace) {
			continue
		}
		cycle := lm.graph.FindCycle(trxID)
		if len(cycle) == 0 {
			continue
		}
		victim := lm.chooseVictimLocked(cycle)
		for _, member := range cycle {
			handled[member] = true
		}
		if victim != common.InvalidTrxID {
			victims = append(victims, victim)
		}
	}
	lm.graphMu.Unlock()

	for _, victim := range victims {
		lm.cancelWaiter(victim)
	}
}

// chooseVictimLocked 在环中选牺牲者：日志量最小者，平局取较小事务ID
func (lm *LockManager) chooseVictimLocked(cycle []common.TrxID) common.TrxID {
	victim := common.InvalidTrxID
	var victimWork uint64
	for _, trxID := range cycle {
		if _, waiting := lm.waitingAt[trxID]; !waiting {
			continue
		}
		work := lm.workFn(trxID)
		if victim == common.InvalidTrxID || work < victimWork ||
			(work == victimWork && trxID < victim) {
			victim = trxID
			victimWork = work
		}
	}
	return victim
}

// cancelWaiter 将等待中的事务作为死锁牺牲者唤醒
func (lm *LockManager) cancelWaiter(trxID common.TrxID) {
	lm.graphMu.Lock()
	entry, ok := lm.waitingAt[trxID]
	lm.graphMu.Unlock()
	if !ok {
		return
	}

	part := lm.partition(entry.tag)
	part.mu.Lock()
	lm.graphMu.Lock()
	entry, ok = lm.waitingAt[trxID]
	if !ok || entry.req.granted {
		lm.graphMu.Unlock()
		part.mu.Unlock()
		return
	}
	q := part.queues[entry.tag]
	removeWaiter(q, entry.req)
	lm.clearEdgesLocked(entry.req)
	delete(lm.waitingAt, trxID)
	entry.req.ch <- common.ErrDeadlock
	lm.grantWaitersLocked(q)
	lm.graphMu.Unlock()
	part.mu.Unlock()

	atomic.AddUint64(&lm.deadlocks, 1)
	logger.Warnf("deadlock resolved: trx %d chosen as victim", trxID)
}

// GetLockOwners 当前持有者，调试与测试用
func (lm *LockManager) GetLockOwners(tag ResourceTag) []common.TrxID {
	part := lm.partition(tag)
	part.mu.Lock()
	defer part.mu.Unlock()
	q, ok := part.queues[tag]
	if !ok {
		return nil
	}
	out := make([]common.TrxID, 0, len(q.granted))
	for _, g := range q.granted {
		out = append(out, g.trxID)
	}
	return out
}

// GetLockWaiters 当前等待者，按队列顺序
func (lm *LockManager) GetLockWaiters(tag ResourceTag) []common.TrxID {
	part := lm.partition(tag)
	part.mu.Lock()
	defer part.mu.Unlock()
	q, ok := part.queues[tag]
	if !ok {
		return nil
	}
	out := make([]common.TrxID, 0, len(q.waiters))
	for _, w := range q.waiters {
		out = append(out, w.trxID)
	}
	return out
}

// Stats 锁管理器统计
func (lm *LockManager) Stats() LockStats {
	stats := LockStats{
		Grants:    atomic.LoadUint64(&lm.grants),
		Waits:     atomic.LoadUint64(&lm.waits),
		Timeouts:  atomic.LoadUint64(&lm.timeouts),
		Deadlocks: atomic.LoadUint64(&lm.deadlocks),
	}
	for _, part := range lm.partitions {
		part.mu.Lock()
		stats.ActiveQueues += len(part.queues)
		for _, q := range part.queues {
			stats.ActiveWaiters += len(q.waiters)
		}
		part.mu.Unlock()
	}
	return stats
}

// Close 停止死锁检测器
func (lm *LockManager) Close() {
	lm.stopOnce.Do(func() { close(lm.stopChan) })
	lm.wg.Wait()
}
