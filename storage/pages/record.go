package pages

import (
	"encoding/binary"
	"errors"

	"github.com/zhukovaskychina/xstorage-engine/storage/common"
)

var ErrRecordCorrupted = errors.New("record version corrupted")

// 记录版本标志位
const (
	RecordOverflow uint8 = 1 << 0 // 负载为行外指针记录
)

// RecordVersionHeaderSize 版本头大小
const RecordVersionHeaderSize = 8 + 8 + 4 + 2 + 1

// RecordVersion 行版本
//
// 同一逻辑行的多个版本通过Next指针从旧到新串联。
// Xmax为0表示该版本仍是当前版本。
type RecordVersion struct {
	Xmin     common.TrxID  // 插入事务ID
	Xmax     common.TrxID  // 删除/覆盖事务ID，0=未设置
	NextPage common.PageNo // 新版本所在页面，0=无
	NextSlot common.SlotNo // 新版本槽位
	Flags    uint8
	Payload  []byte
}

// HasNext 是否存在更新的版本
func (rv *RecordVersion) HasNext() bool {
	return rv.NextPage != common.InvalidPageNo
}

// IsOverflow 负载是否为行外指针
func (rv *RecordVersion) IsOverflow() bool {
	return rv.Flags&RecordOverflow != 0
}

// Encode 序列化版本头+负载
func (rv *RecordVersion) Encode() []byte {
	buf := make([]byte, RecordVersionHeaderSize+len(rv.Payload))
	binary.BigEndian.PutUint64(buf[0:], uint64(rv.Xmin))
	binary.BigEndian.PutUint64(buf[8:], uint64(rv.Xmax))
	binary.BigEndian.PutUint32(buf[16:], uint32(rv.NextPage))
	binary.BigEndian.PutUint16(buf[20:], uint16(rv.NextSlot))
	buf[22] = rv.Flags
	copy(buf[RecordVersionHeaderSize:], rv.Payload)
	return buf
}

// DecodeRecordVersion 反序列化记录版本
func DecodeRecordVersion(body []byte) (*RecordVersion, error) {
	if len(body) < RecordVersionHeaderSize {
		return nil, ErrRecordCorrupted
	}
	rv := &RecordVersion{
		Xmin:     common.TrxID(binary.BigEndian.Uint64(body[0:])),
		Xmax:     common.TrxID(binary.BigEndian.Uint64(body[8:])),
		NextPage: common.PageNo(binary.BigEndian.Uint32(body[16:])),
		NextSlot: common.SlotNo(binary.BigEndian.Uint16(body[20:])),
		Flags:    body[22],
	}
	rv.Payload = make([]byte, len(body)-RecordVersionHeaderSize)
	copy(rv.Payload, body[RecordVersionHeaderSize:])
	return rv, nil
}
