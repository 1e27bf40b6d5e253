package pages

import (
	"encoding/binary"
	"errors"

	"github.com/zhukovaskychina/xstorage-engine/storage/common"
	"github.com/zhukovaskychina/xstorage-engine/util"
)

var (
	ErrPageFull      = errors.New("page full")
	ErrInvalidSlot   = errors.New("invalid slot number")
	ErrRecordDeleted = errors.New("record slot is dead")
)

// 页面头部布局
//
//	[0:8]   checksum (xxhash64，不含自身)
//	[8:16]  页面LSN (最后修改该页的日志记录)
//	[16:20] space id
//	[20:24] page no
//	[24:26] 空闲区下界 (槽目录尾)
//	[26:28] 空闲区上界 (记录堆首)
//	[28:30] 槽数量
//	[30]    标志位
//	[31:40] 保留
const (
	PageHeaderSize  = 40
	ChecksumSize    = 8
	slotEntrySize   = 6
	offChecksum     = 0
	offLSN          = 8
	offSpaceID      = 16
	offPageNo       = 20
	offFreeLower    = 24
	offFreeUpper    = 26
	offSlotCount    = 28
	offPageFlags    = 30
)

// SlotStatus 槽位状态
type SlotStatus uint8

const (
	SlotUnused SlotStatus = iota // 未使用
	SlotNormal                   // 正常记录
	SlotDead                     // 已删除，可回收
)

// Page 定长槽式页面
//
// 槽目录从头部向后增长，记录体从页尾向前增长。
// 不变式：空闲区下界永远不超过空闲区上界。
type Page struct {
	content []byte
}

// NewPage 包装一个已格式化的页面帧
func NewPage(content []byte) *Page {
	return &Page{content: content}
}

// FormatPage 将帧初始化为空页面
func FormatPage(content []byte, spaceID common.SpaceID, pageNo common.PageNo) *Page {
	for i := range content {
		content[i] = 0
	}
	binary.BigEndian.PutUint32(content[offSpaceID:], uint32(spaceID))
	binary.BigEndian.PutUint32(content[offPageNo:], uint32(pageNo))
	binary.BigEndian.PutUint16(content[offFreeLower:], PageHeaderSize)
	binary.BigEndian.PutUint16(content[offFreeUpper:], uint16(len(content)))
	p := &Page{content: content}
	p.UpdateChecksum()
	return p
}

func (p *Page) Content() []byte { return p.content }

func (p *Page) SpaceID() common.SpaceID {
	return common.SpaceID(binary.BigEndian.Uint32(p.content[offSpaceID:]))
}

func (p *Page) PageNo() common.PageNo {
	return common.PageNo(binary.BigEndian.Uint32(p.content[offPageNo:]))
}

// LSN 返回页面标记的最后修改LSN
func (p *Page) LSN() common.LSN {
	return common.LSN(binary.BigEndian.Uint64(p.content[offLSN:]))
}

// SetLSN 标记页面LSN，只允许单调递增
func (p *Page) SetLSN(lsn common.LSN) {
	if lsn > p.LSN() {
		binary.BigEndian.PutUint64(p.content[offLSN:], uint64(lsn))
	}
}

// UpdateChecksum 重算并写入页面校验和
func (p *Page) UpdateChecksum() {
	sum := util.PageChecksum(p.content, ChecksumSize)
	binary.BigEndian.PutUint64(p.content[offChecksum:], sum)
}

// VerifyChecksum 校验页面校验和
func (p *Page) VerifyChecksum() bool {
	stored := binary.BigEndian.Uint64(p.content[offChecksum:])
	return stored == util.PageChecksum(p.content, ChecksumSize)
}

func (p *Page) freeLower() int {
	return int(binary.BigEndian.Uint16(p.content[offFreeLower:]))
}

func (p *Page) freeUpper() int {
	return int(binary.BigEndian.Uint16(p.content[offFreeUpper:]))
}

func (p *Page) setFreeLower(v int) {
	binary.BigEndian.PutUint16(p.content[offFreeLower:], uint16(v))
}

func (p *Page) setFreeUpper(v int) {
	binary.BigEndian.PutUint16(p.content[offFreeUpper:], uint16(v))
}

// SlotCount 槽目录长度
func (p *Page) SlotCount() int {
	return int(binary.BigEndian.Uint16(p.content[offSlotCount:]))
}

func (p *Page) setSlotCount(n int) {
	binary.BigEndian.PutUint16(p.content[offSlotCount:], uint16(n))
}

// FreeSpace 当前连续空闲空间
func (p *Page) FreeSpace() int {
	return p.freeUpper() - p.freeLower()
}

func (p *Page) slotBase(slot common.SlotNo) int {
	return PageHeaderSize + int(slot)*slotEntrySize
}

func (p *Page) slotEntry(slot common.SlotNo) (offset, length int, status SlotStatus) {
	base := p.slotBase(slot)
	offset = int(binary.BigEndian.Uint16(p.content[base:]))
	length = int(binary.BigEndian.Uint16(p.content[base+2:]))
	status = SlotStatus(p.content[base+4])
	return
}

func (p *Page) setSlotEntry(slot common.SlotNo, offset, length int, status SlotStatus) {
	base := p.slotBase(slot)
	binary.BigEndian.PutUint16(p.content[base:], uint16(offset))
	binary.BigEndian.PutUint16(p.content[base+2:], uint16(length))
	p.content[base+4] = byte(status)
}

// SlotStatusOf 返回槽位状态
func (p *Page) SlotStatusOf(slot common.SlotNo) (SlotStatus, error) {
	if int(slot) >= p.SlotCount() {
		return SlotUnused, ErrInvalidSlot
	}
	_, _, st := p.slotEntry(slot)
	return st, nil
}

// InsertRecord 插入记录体，返回分配的槽位号
//
// 优先复用dead/unused槽位；空间不足时先尝试页内整理，仍不足返回ErrPageFull。
func (p *Page) InsertRecord(body []byte) (common.SlotNo, error) {
	slot, newSlot := p.findFreeSlot()
	need := len(body)
	if newSlot {
		need += slotEntrySize
	}
	if p.FreeSpace() < need {
		p.Compact()
		if p.FreeSpace() < need {
			return 0, ErrPageFull
		}
	}

	upper := p.freeUpper() - len(body)
	copy(p.content[upper:], body)
	p.setFreeUpper(upper)

	if newSlot {
		p.setSlotCount(p.SlotCount() + 1)
		p.setFreeLower(PageHeaderSize + p.SlotCount()*slotEntrySize)
	}
	p.setSlotEntry(slot, upper, len(body), SlotNormal)
	return slot, nil
}

// findFreeSlot 查找可复用槽位，否则返回下一个新槽位
func (p *Page) findFreeSlot() (common.SlotNo, bool) {
	count := p.SlotCount()
	for i := 0; i < count; i++ {
		_, _, st := p.slotEntry(common.SlotNo(i))
		if st == SlotDead || st == SlotUnused {
			return common.SlotNo(i), false
		}
	}
	return common.SlotNo(count), true
}

// ReadRecord 读取槽位上的记录体
func (p *Page) ReadRecord(slot common.SlotNo) ([]byte, error) {
	if int(slot) >= p.SlotCount() {
		return nil, ErrInvalidSlot
	}
	offset, length, status := p.slotEntry(slot)
	switch status {
	case SlotNormal:
		body := make([]byte, length)
		copy(body, p.content[offset:offset+length])
		return body, nil
	case SlotDead:
		return nil, ErrRecordDeleted
	default:
		return nil, ErrInvalidSlot
	}
}

// UpdateRecord 原地更新记录体，必要时页内重定位
func (p *Page) UpdateRecord(slot common.SlotNo, body []byte) error {
	if int(slot) >= p.SlotCount() {
		return ErrInvalidSlot
	}
	offset, length, status := p.slotEntry(slot)
	if status != SlotNormal {
		return ErrRecordDeleted
	}

	if len(body) <= length {
		copy(p.content[offset:], body)
		p.setSlotEntry(slot, offset, len(body), SlotNormal)
		return nil
	}

	// 放不下时标记旧体为死亡并重新分配；容量先行判断，失败时页面不变
	if len(body) > p.FreeSpace()+length {
		return ErrPageFull
	}
	p.setSlotEntry(slot, 0, 0, SlotDead)
	if p.FreeSpace() < len(body) {
		p.Compact()
	}
	upper := p.freeUpper() - len(body)
	copy(p.content[upper:], body)
	p.setFreeUpper(upper)
	p.setSlotEntry(slot, upper, len(body), SlotNormal)
	return nil
}

// WriteRecordAt 将记录体写入指定槽位，槽目录按需扩展
//
// 崩溃恢复重放时使用：同一条日志重放多次结果一致。
func (p *Page) WriteRecordAt(slot common.SlotNo, body []byte) error {
	for p.SlotCount() <= int(slot) {
		if p.FreeSpace() < slotEntrySize {
			return ErrPageFull
		}
		p.setSlotEntry(common.SlotNo(p.SlotCount()), 0, 0, SlotUnused)
		p.setSlotCount(p.SlotCount() + 1)
		p.setFreeLower(PageHeaderSize + p.SlotCount()*slotEntrySize)
	}

	_, _, status := p.slotEntry(slot)
	if status == SlotNormal {
		return p.UpdateRecord(slot, body)
	}
	if p.FreeSpace() < len(body) {
		p.Compact()
		if p.FreeSpace() < len(body) {
			return ErrPageFull
		}
	}
	upper := p.freeUpper() - len(body)
	copy(p.content[upper:], body)
	p.setFreeUpper(upper)
	p.setSlotEntry(slot, upper, len(body), SlotNormal)
	return nil
}

// DeleteRecord 标记槽位为死亡，空间由Compact回收
func (p *Page) DeleteRecord(slot common.SlotNo) error {
	if int(slot) >= p.SlotCount() {
		return ErrInvalidSlot
	}
	_, _, status := p.slotEntry(slot)
	if status != SlotNormal {
		return ErrRecordDeleted
	}
	p.setSlotEntry(slot, 0, 0, SlotDead)
	return nil
}

// Compact 页内整理，回收死亡记录占用的空间
func (p *Page) Compact() {
	type liveRecord struct {
		slot common.SlotNo
		body []byte
	}
	var live []liveRecord
	for i := 0; i < p.SlotCount(); i++ {
		slot := common.SlotNo(i)
		offset, length, status := p.slotEntry(slot)
		if status == SlotNormal {
			body := make([]byte, length)
			copy(body, p.content[offset:offset+length])
			live = append(live, liveRecord{slot: slot, body: body})
		}
	}

	upper := len(p.content)
	for _, rec := range live {
		upper -= len(rec.body)
		copy(p.content[upper:], rec.body)
		p.setSlotEntry(rec.slot, upper, len(rec.body), SlotNormal)
	}
	p.setFreeUpper(upper)
}
