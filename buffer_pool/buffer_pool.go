package buffer_pool

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/xstorage-engine/logger"
	"github.com/zhukovaskychina/xstorage-engine/storage/basic"
	"github.com/zhukovaskychina/xstorage-engine/storage/common"
	"github.com/zhukovaskychina/xstorage-engine/storage/pages"
	"github.com/zhukovaskychina/xstorage-engine/util"
)

const (
	// maxUsage 使用计数上限，防止热页永不可驱逐
	maxUsage = 5
	// partitionCount 页表分区数，降低映射表锁竞争
	partitionCount = 16
)

// tablePartition 页表分区
type tablePartition struct {
	mu    sync.RWMutex
	table map[common.PageTag]int // tag -> 控制体下标
}

// BufferPoolConfig 缓冲池配置
type BufferPoolConfig struct {
	PoolPages  int // 缓冲池页面数
	PageSize   int // 页面大小（字节）
	Provider   basic.StorageProvider
	LogFlusher basic.LogFlusher // WAL先行规则依赖，可为nil（仅测试）
}

// BufferPool 共享页面缓冲池
//
// 控制体保存在稠密数组中，页表分区映射tag到数组下标；
// 驱逐采用时钟扫描：候选页usage递减，首个usage==0且未被pin的页被驱逐。
// 核心不变式：脏页落盘前，其newestModification对应的日志必须已落盘。
type BufferPool struct {
	mu sync.Mutex // 保护时钟指针、空闲列表和控制体的tag归属

	config      *BufferPoolConfig
	descriptors []*BufferPage
	partitions  [partitionCount]*tablePartition
	freeList    []int
	clockHand   int

	provider   basic.StorageProvider
	logFlusher basic.LogFlusher

	// Statistics
	hitCount   uint64
	missCount  uint64
	evictCount uint64
	flushCount uint64
}

// NewBufferPool 创建缓冲池
func NewBufferPool(config *BufferPoolConfig) *BufferPool {
	bp := &BufferPool{
		config:      config,
		descriptors: make([]*BufferPage, config.PoolPages),
		freeList:    make([]int, 0, config.PoolPages),
		provider:    config.Provider,
		logFlusher:  config.LogFlusher,
	}
	for i := 0; i < config.PoolPages; i++ {
		bp.descriptors[i] = NewBufferPage(config.PageSize)
		bp.freeList = append(bp.freeList, i)
	}
	for i := range bp.partitions {
		bp.partitions[i] = &tablePartition{table: make(map[common.PageTag]int)}
	}
	return bp
}

func (pool *BufferPool) partition(tag common.PageTag) *tablePartition {
	var key [8]byte
	binary.BigEndian.PutUint32(key[0:], uint32(tag.SpaceID))
	binary.BigEndian.PutUint32(key[4:], uint32(tag.PageNo))
	return pool.partitions[util.HashCode(key[:])%partitionCount]
}

// FetchPage 获取页面并pin住；未命中时从存储装载
//
// 同一页面的并发装载只发起一次I/O，其余请求在控制体上排队等待唤醒。
func (pool *BufferPool) FetchPage(spaceID common.SpaceID, pageNo common.PageNo) (*BufferPage, error) {
	tag := common.PageTag{SpaceID: spaceID, PageNo: pageNo}
	part := pool.partition(tag)

	for {
		part.mu.RLock()
		idx, ok := part.table[tag]
		if ok {
			bp := pool.descriptors[idx]
			bp.mu.Lock()
			part.mu.RUnlock()

			if !bp.valid || bp.spaceID != spaceID || bp.pageNo != pageNo {
				// 与驱逐竞争，重试
				bp.mu.Unlock()
				continue
			}
			bp.pinCount++
			for bp.iofix == BUF_IO_READ {
				bp.cond.Wait()
			}
			if bp.iofix == BUF_IO_ERROR {
				// 前一次装载失败，本次请求重新发起读取
				bp.iofix = BUF_IO_READ
				bp.ioErr = nil
				bp.mu.Unlock()
				return pool.loadFrame(bp, tag)
			}
			if bp.usage < maxUsage {
				bp.usage++
			}
			bp.mu.Unlock()
			atomic.AddUint64(&pool.hitCount, 1)
			return bp, nil
		}
		part.mu.RUnlock()

		// 未命中：占一个空闲控制体并注册映射，I/O在池锁外执行
		pool.mu.Lock()
		part.mu.RLock()
		if _, raced := part.table[tag]; raced {
			part.mu.RUnlock()
			pool.mu.Unlock()
			continue
		}
		part.mu.RUnlock()

		idx, err := pool.grabFreeSlot()
		if err != nil {
			pool.mu.Unlock()
			return nil, err
		}
		bp := pool.descriptors[idx]
		bp.mu.Lock()
		bp.spaceID = spaceID
		bp.pageNo = pageNo
		bp.valid = true
		bp.pinCount = 1
		bp.usage = 1
		bp.iofix = BUF_IO_READ
		bp.mu.Unlock()

		part.mu.Lock()
		part.table[tag] = idx
		part.mu.Unlock()
		pool.mu.Unlock()

		atomic.AddUint64(&pool.missCount, 1)
		return pool.loadFrame(bp, tag)
	}
}

// loadFrame 执行实际的页面读取，完成后唤醒所有等待者
//
// 调用前：bp已被pin住且iofix==BUF_IO_READ。
func (pool *BufferPool) loadFrame(bp *BufferPage, tag common.PageTag) (*BufferPage, error) {
	content, err := pool.provider.ReadPage(tag.SpaceID, tag.PageNo)

	bp.mu.Lock()
	defer bp.mu.Unlock()
	if err != nil {
		bp.iofix = BUF_IO_ERROR
		bp.ioErr = err
		bp.pinCount--
		bp.cond.Broadcast()
		return nil, errors.Annotatef(err, "load page %d/%d", tag.SpaceID, tag.PageNo)
	}
	copy(bp.frame, content)
	bp.newestModification = pages.NewPage(bp.frame).LSN()
	bp.iofix = BUF_IO_NONE
	bp.cond.Broadcast()
	return bp, nil
}

// grabFreeSlot 取一个可用控制体下标；空闲列表为空时运行时钟扫描
//
// 调用方持有池锁。
func (pool *BufferPool) grabFreeSlot() (int, error) {
	if n := len(pool.freeList); n > 0 {
		idx := pool.freeList[n-1]
		pool.freeList = pool.freeList[:n-1]
		return idx, nil
	}
	return pool.clockSweep()
}

// clockSweep 时钟扫描选出牺牲页并驱逐
//
// 每个候选页usage递减；首个usage==0且pinCount==0的页被驱逐，
// 被pin住的页永远不是候选。脏的牺牲页先按WAL先行规则落盘。
func (pool *BufferPool) clockSweep() (int, error) {
	n := len(pool.descriptors)
	for i := 0; i < n*(maxUsage+1); i++ {
		idx := pool.clockHand
		pool.clockHand = (pool.clockHand + 1) % n
		bp := pool.descriptors[idx]

		bp.mu.Lock()
		if !bp.valid || bp.pinCount > 0 || bp.iofix == BUF_IO_READ || bp.iofix == BUF_IO_WRITE {
			bp.mu.Unlock()
			continue
		}
		if bp.usage > 0 {
			bp.usage--
			bp.mu.Unlock()
			continue
		}
		if bp.dirty {
			if err := pool.flushLocked(bp); err != nil {
				logger.Warnf("evict: flush dirty victim %d/%d failed: %v", bp.spaceID, bp.pageNo, err)
				bp.mu.Unlock()
				continue
			}
		}
		tag := bp.Tag()
		bp.reset()
		bp.mu.Unlock()

		part := pool.partition(tag)
		part.mu.Lock()
		delete(part.table, tag)
		part.mu.Unlock()

		atomic.AddUint64(&pool.evictCount, 1)
		return idx, nil
	}
	return 0, ErrPoolExhausted
}

// Latch 获取页面内容闩，修改或读取frame期间必须持有
func (bp *BufferPage) Latch() { bp.mu.Lock() }

// Unlatch 释放页面内容闩
func (bp *BufferPage) Unlatch() { bp.mu.Unlock() }

// StampLSNLocked 持有内容闩时记录修改LSN
func (bp *BufferPage) StampLSNLocked(lsn common.LSN) {
	if lsn > bp.newestModification {
		bp.newestModification = lsn
	}
	if bp.oldestModification == common.InvalidLSN {
		bp.oldestModification = lsn
	}
}

// UnpinPage 释放pin；dirty=true时将页面标记为脏
func (pool *BufferPool) UnpinPage(bp *BufferPage, dirty bool) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if bp.pinCount <= 0 {
		return common.NewContractError("unpin of page that is not pinned")
	}
	if dirty {
		bp.dirty = true
		if bp.oldestModification == common.InvalidLSN {
			bp.oldestModification = bp.newestModification
		}
	}
	bp.pinCount--
	return nil
}

// FlushPage 将单个脏页落盘
func (pool *BufferPool) FlushPage(bp *BufferPage) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if !bp.valid || !bp.dirty {
		return nil
	}
	return pool.flushLocked(bp)
}

// flushLocked 落盘一个脏页，调用方持有bp.mu
//
// WAL先行：页面newestModification之前的日志必须先落盘，
// 否则崩溃恢复不可靠。
func (pool *BufferPool) flushLocked(bp *BufferPage) error {
	if pool.logFlusher != nil && bp.newestModification > pool.logFlusher.FlushedLSN() {
		if err := pool.logFlusher.Flush(bp.newestModification); err != nil {
			return errors.Annotate(err, "write-ahead flush")
		}
	}

	bp.iofix = BUF_IO_WRITE
	pages.NewPage(bp.frame).UpdateChecksum()
	err := pool.provider.WritePage(bp.spaceID, bp.pageNo, bp.frame)
	if err != nil {
		bp.iofix = BUF_IO_ERROR
		bp.ioErr = err
		return common.NewIOError("flush page", err)
	}
	bp.iofix = BUF_IO_NONE
	bp.dirty = false
	bp.oldestModification = common.InvalidLSN
	atomic.AddUint64(&pool.flushCount, 1)
	return nil
}

// FlushDirtyBefore 刷新所有oldestModification早于threshold的脏页
//
// threshold==InvalidLSN时刷新全部脏页。检查点用。
func (pool *BufferPool) FlushDirtyBefore(threshold common.LSN) error {
	var firstErr error
	for _, bp := range pool.descriptors {
		bp.mu.Lock()
		eligible := bp.valid && bp.dirty &&
			(threshold == common.InvalidLSN || bp.oldestModification < threshold)
		if eligible {
			if err := pool.flushLocked(bp); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		bp.mu.Unlock()
	}
	return firstErr
}

// OldestDirtyLSN 当前所有脏页中最早的oldestModification
//
// 返回InvalidLSN表示没有脏页。检查点的redo起点即由此决定。
func (pool *BufferPool) OldestDirtyLSN() common.LSN {
	oldest := common.InvalidLSN
	for _, bp := range pool.descriptors {
		bp.mu.Lock()
		if bp.valid && bp.dirty && bp.oldestModification != common.InvalidLSN {
			if oldest == common.InvalidLSN || bp.oldestModification < oldest {
				oldest = bp.oldestModification
			}
		}
		bp.mu.Unlock()
	}
	return oldest
}

// GetDirtyPages 返回当前所有脏页
func (pool *BufferPool) GetDirtyPages() []*BufferPage {
	var out []*BufferPage
	for _, bp := range pool.descriptors {
		bp.mu.Lock()
		if bp.valid && bp.dirty {
			out = append(out, bp)
		}
		bp.mu.Unlock()
	}
	return out
}

// Stats 缓冲池统计
func (pool *BufferPool) Stats() map[string]uint64 {
	return map[string]uint64{
		"hits":      atomic.LoadUint64(&pool.hitCount),
		"misses":    atomic.LoadUint64(&pool.missCount),
		"evictions": atomic.LoadUint64(&pool.evictCount),
		"flushes":   atomic.LoadUint64(&pool.flushCount),
	}
}

// Evictions 累计驱逐次数
func (pool *BufferPool) Evictions() uint64 {
	return atomic.LoadUint64(&pool.evictCount)
}
