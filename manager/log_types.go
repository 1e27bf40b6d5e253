package manager

import (
	"encoding/binary"

	"github.com/zhukovaskychina/xstorage-engine/storage/common"
)

// LogRecordType 重做日志记录类型
type LogRecordType uint8

const (
	LogInsert     LogRecordType = iota + 1 // 插入记录版本
	LogUpdate                              // 覆盖记录版本（含版本链指针修改）
	LogDelete                              // 标记删除
	LogCommit                              // 事务提交
	LogAbort                               // 事务回滚完成
	LogCheckpoint                          // 检查点，负载为redo起点LSN
	LogPrepare                             // 两阶段提交的准备记录
)

func (t LogRecordType) String() string {
	switch t {
	case LogInsert:
		return "INSERT"
	case LogUpdate:
		return "UPDATE"
	case LogDelete:
		return "DELETE"
	case LogCommit:
		return "COMMIT"
	case LogAbort:
		return "ABORT"
	case LogCheckpoint:
		return "CHECKPOINT"
	case LogPrepare:
		return "PREPARE"
	default:
		return "UNKNOWN"
	}
}

// 记录标志位
const (
	logFlagCompressed uint8 = 1 << 0 // 负载经snappy压缩
)

// LogRecord 一条重做日志记录
//
// PrevLSN串起同一事务的所有记录，回滚时沿链逆序撤销。
// 页面修改类记录的负载为LogOp编码。
type LogRecord struct {
	LSN     common.LSN
	TrxID   common.TrxID
	PrevLSN common.LSN
	Type    LogRecordType
	Payload []byte
}

// LogOp 页面修改的物理逻辑负载
//
// 重做：向(Space,PageNo,Slot)写入After；
// 撤销：写回Before，Before为空表示撤销插入（槽位标记删除）。
type LogOp struct {
	SpaceID common.SpaceID
	PageNo  common.PageNo
	Slot    common.SlotNo
	Before  []byte
	After   []byte
}

// Encode 序列化页面修改负载
func (op *LogOp) Encode() []byte {
	buf := make([]byte, 4+4+2+4+len(op.Before)+4+len(op.After))
	pos := 0
	binary.BigEndian.PutUint32(buf[pos:], uint32(op.SpaceID))
	pos += 4
	binary.BigEndian.PutUint32(buf[pos:], uint32(op.PageNo))
	pos += 4
	binary.BigEndian.PutUint16(buf[pos:], uint16(op.Slot))
	pos += 2
	binary.BigEndian.PutUint32(buf[pos:], uint32(len(op.Before)))
	pos += 4
	copy(buf[pos:], op.Before)
	pos += len(op.Before)
	binary.BigEndian.PutUint32(buf[pos:], uint32(len(op.After)))
	pos += 4
	copy(buf[pos:], op.After)
	return buf
}

// DecodeLogOp 反序列化页面修改负载
func DecodeLogOp(buf []byte) (*LogOp, error) {
	if len(buf) < 14 {
		return nil, ErrLogCorrupted
	}
	op := &LogOp{
		SpaceID: common.SpaceID(binary.BigEndian.Uint32(buf[0:])),
		PageNo:  common.PageNo(binary.BigEndian.Uint32(buf[4:])),
		Slot:    common.SlotNo(binary.BigEndian.Uint16(buf[8:])),
	}
	pos := 10
	beforeLen := int(binary.BigEndian.Uint32(buf[pos:]))
	pos += 4
	if pos+beforeLen+4 > len(buf) {
		return nil, ErrLogCorrupted
	}
	op.Before = append([]byte(nil), buf[pos:pos+beforeLen]...)
	pos += beforeLen
	afterLen := int(binary.BigEndian.Uint32(buf[pos:]))
	pos += 4
	if pos+afterLen > len(buf) {
		return nil, ErrLogCorrupted
	}
	op.After = append([]byte(nil), buf[pos:pos+afterLen]...)
	return op, nil
}

// LogStats 日志统计
type LogStats struct {
	AppendedRecords uint64
	FlushedLSN      common.LSN
	NextLSN         common.LSN
	CheckpointLSN   common.LSN
}
