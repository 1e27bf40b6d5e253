package buffer_pool

import (
	"sync"

	"github.com/zhukovaskychina/xstorage-engine/storage/common"
)

// buffer_io_fix 页面I/O状态
type buffer_io_fix uint8

const (
	BUF_IO_NONE  buffer_io_fix = iota // 无I/O
	BUF_IO_READ                       // 读取中
	BUF_IO_WRITE                      // 写回中
	BUF_IO_ERROR                      // I/O失败
)

// BufferPage 缓冲页面控制体
//
// 每个驻留页面有且仅有一个控制体。pinCount>0时页面不可被驱逐；
// usage为时钟扫描的使用计数；newest/oldestModification
// 分别为最后一次修改的LSN和首次置脏时的LSN。
type BufferPage struct {
	mu   sync.Mutex
	cond *sync.Cond // 等待页面I/O完成的队列

	// 基本信息，仅在驱逐/装载时变更（持有池锁）
	spaceID common.SpaceID
	pageNo  common.PageNo
	valid   bool

	// 状态，由mu保护
	pinCount int
	usage    uint32
	dirty    bool
	iofix    buffer_io_fix
	ioErr    error

	// 版本控制
	newestModification common.LSN
	oldestModification common.LSN

	// 页面内容
	frame []byte
}

// NewBufferPage 创建一个空闲控制体
func NewBufferPage(pageSize int) *BufferPage {
	bp := &BufferPage{frame: make([]byte, pageSize)}
	bp.cond = sync.NewCond(&bp.mu)
	return bp
}

// Tag 返回页面标识
func (bp *BufferPage) Tag() common.PageTag {
	return common.PageTag{SpaceID: bp.spaceID, PageNo: bp.pageNo}
}

// GetSpaceID 获取表空间ID
func (bp *BufferPage) GetSpaceID() common.SpaceID { return bp.spaceID }

// GetPageNo 获取页面号
func (bp *BufferPage) GetPageNo() common.PageNo { return bp.pageNo }

// Frame 页面内容帧；调用方必须持有pin
func (bp *BufferPage) Frame() []byte { return bp.frame }

// IsDirty 检查是否为脏页
func (bp *BufferPage) IsDirty() bool {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.dirty
}

// PinCount 当前pin数
func (bp *BufferPage) PinCount() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.pinCount
}

// NewestModification 最后一次修改的LSN
func (bp *BufferPage) NewestModification() common.LSN {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.newestModification
}

// OldestModification 首次置脏时的LSN
func (bp *BufferPage) OldestModification() common.LSN {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.oldestModification
}

// StampLSN 记录页面被某条日志记录修改
//
// 必须在页面仍被pin住、内容已修改之后调用；先于Unpin(dirty)。
func (bp *BufferPage) StampLSN(lsn common.LSN) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if lsn > bp.newestModification {
		bp.newestModification = lsn
	}
	if bp.oldestModification == common.InvalidLSN {
		bp.oldestModification = lsn
	}
}

// reset 重置控制体供复用，调用方持有池锁且pinCount==0
func (bp *BufferPage) reset() {
	bp.spaceID = 0
	bp.pageNo = 0
	bp.valid = false
	bp.usage = 0
	bp.dirty = false
	bp.iofix = BUF_IO_NONE
	bp.ioErr = nil
	bp.newestModification = 0
	bp.oldestModification = 0
}
