package manager

import (
	"time"

	"github.com/zhukovaskychina/xstorage-engine/storage/common"
)

// LockMode 锁模式，兼容性语义与PostgreSQL表级锁一致
type LockMode uint8

const (
	LockNone                 LockMode = iota
	AccessShareLock                   // 只读访问
	RowShareLock                      // SELECT FOR UPDATE/SHARE
	RowExclusiveLock                  // 行修改
	ShareUpdateExclusiveLock          // 并发维护操作，自斥
	ShareLock                         // 共享，阻塞行修改
	ShareRowExclusiveLock             // 共享且自斥
	ExclusiveLock                     // 仅允许只读并发
	AccessExclusiveLock               // 完全互斥
	lockModeCount
)

func (m LockMode) String() string {
	switch m {
	case AccessShareLock:
		return "ACCESS SHARE"
	case RowShareLock:
		return "ROW SHARE"
	case RowExclusiveLock:
		return "ROW EXCLUSIVE"
	case ShareUpdateExclusiveLock:
		return "SHARE UPDATE EXCLUSIVE"
	case ShareLock:
		return "SHARE"
	case ShareRowExclusiveLock:
		return "SHARE ROW EXCLUSIVE"
	case ExclusiveLock:
		return "EXCLUSIVE"
	case AccessExclusiveLock:
		return "ACCESS EXCLUSIVE"
	default:
		return "NONE"
	}
}

func bit(m LockMode) uint16 { return 1 << uint16(m) }

// lockConflicts 冲突矩阵：lockConflicts[m]为与模式m冲突的模式位集
var lockConflicts = [lockModeCount]uint16{
	AccessShareLock: bit(AccessExclusiveLock),
	RowShareLock:    bit(ExclusiveLock) | bit(AccessExclusiveLock),
	RowExclusiveLock: bit(ShareLock) | bit(ShareRowExclusiveLock) |
		bit(ExclusiveLock) | bit(AccessExclusiveLock),
	ShareUpdateExclusiveLock: bit(ShareUpdateExclusiveLock) | bit(ShareLock) |
		bit(ShareRowExclusiveLock) | bit(ExclusiveLock) | bit(AccessExclusiveLock),
	ShareLock: bit(RowExclusiveLock) | bit(ShareUpdateExclusiveLock) |
		bit(ShareRowExclusiveLock) | bit(ExclusiveLock) | bit(AccessExclusiveLock),
	ShareRowExclusiveLock: bit(RowExclusiveLock) | bit(ShareUpdateExclusiveLock) |
		bit(ShareLock) | bit(ShareRowExclusiveLock) | bit(ExclusiveLock) |
		bit(AccessExclusiveLock),
	ExclusiveLock: bit(RowShareLock) | bit(RowExclusiveLock) |
		bit(ShareUpdateExclusiveLock) | bit(ShareLock) | bit(ShareRowExclusiveLock) |
		bit(ExclusiveLock) | bit(AccessExclusiveLock),
	AccessExclusiveLock: bit(AccessShareLock) | bit(RowShareLock) |
		bit(RowExclusiveLock) | bit(ShareUpdateExclusiveLock) | bit(ShareLock) |
		bit(ShareRowExclusiveLock) | bit(ExclusiveLock) | bit(AccessExclusiveLock),
}

// ModesConflict 判断两种锁模式是否冲突
func ModesConflict(a, b LockMode) bool {
	return lockConflicts[a]&bit(b) != 0
}

// LockScope 锁对象粒度
type LockScope uint8

const (
	ScopeSpace LockScope = iota // 整个表空间
	ScopePage                   // 单个页面
	ScopeRow                    // 单行（版本链头）
)

// ResourceTag 锁对象标识
type ResourceTag struct {
	SpaceID common.SpaceID
	PageNo  common.PageNo
	Slot    common.SlotNo
	Scope   LockScope
}

// RowLockTag 行锁标识
func RowLockTag(ref common.RowRef) ResourceTag {
	return ResourceTag{SpaceID: ref.SpaceID, PageNo: ref.PageNo, Slot: ref.Slot, Scope: ScopeRow}
}

// PageLockTag 页面锁标识
func PageLockTag(spaceID common.SpaceID, pageNo common.PageNo) ResourceTag {
	return ResourceTag{SpaceID: spaceID, PageNo: pageNo, Scope: ScopePage}
}

// SpaceLockTag 表空间锁标识
func SpaceLockTag(spaceID common.SpaceID) ResourceTag {
	return ResourceTag{SpaceID: spaceID, Scope: ScopeSpace}
}

// LockResult 非阻塞加锁的结果
type LockResult uint8

const (
	LockGranted    LockResult = iota // 已授予
	LockWouldBlock                   // 需要等待（仅wait=false时返回）
)

// lockRequest 一次加锁请求
type lockRequest struct {
	trxID   common.TrxID
	mode    LockMode
	granted bool
	// 授予时收到nil；被选为死锁牺牲者时收到ErrDeadlock
	ch chan error
	// 当前持有的出边目标，用于队列变化时精确撤边
	edges   []common.TrxID
	waitsAt time.Time
}

// lockQueue 单个锁对象的请求队列
//
// granted为已授予集合；waiters严格FIFO，新请求仅在与已授予集
// 和所有在队等待者都兼容时才允许越过队列直接授予。
type lockQueue struct {
	granted []*lockRequest
	waiters []*lockRequest
}

// LockStats 锁管理器统计
type LockStats struct {
	Grants        uint64
	Waits         uint64
	Timeouts      uint64
	Deadlocks     uint64
	ActiveQueues  int
	ActiveWaiters int
}
