package common

// LSN 日志序列号，严格递增
type LSN uint64

// TrxID 事务ID类型
type TrxID uint64

// SpaceID 表空间ID
type SpaceID uint32

// PageNo 页面号
type PageNo uint32

// SlotNo 页内槽位号
type SlotNo uint16

const (
	// InvalidLSN 无效LSN
	InvalidLSN LSN = 0
	// InvalidTrxID 无效事务ID，记录版本中表示"未设置"
	InvalidTrxID TrxID = 0
	// InvalidPageNo 无效页面号
	InvalidPageNo PageNo = 0
)

// PageTag 唯一标识一个缓冲页面 (space_id, page_no)
type PageTag struct {
	SpaceID SpaceID
	PageNo  PageNo
}

// RowRef 逻辑行引用，指向行版本链的链头
type RowRef struct {
	SpaceID SpaceID
	PageNo  PageNo
	Slot    SlotNo
}

// IsolationLevel 事务隔离级别
type IsolationLevel uint8

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
	Serializable
)

func (l IsolationLevel) String() string {
	switch l {
	case ReadUncommitted:
		return "READ-UNCOMMITTED"
	case ReadCommitted:
		return "READ-COMMITTED"
	case RepeatableRead:
		return "REPEATABLE-READ"
	case Serializable:
		return "SERIALIZABLE"
	default:
		return "UNKNOWN"
	}
}
