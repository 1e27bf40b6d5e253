package pages

import (
	"encoding/binary"
	"sync"

	"github.com/juju/errors"
	"github.com/pierrec/lz4/v4"

	"github.com/zhukovaskychina/xstorage-engine/storage/basic"
	"github.com/zhukovaskychina/xstorage-engine/storage/common"
)

var ErrOverflowCorrupted = errors.New("overflow chain corrupted")

// OverflowPointerSize 行外指针记录大小
const OverflowPointerSize = 8 + 4 + 4 + 1

// OverflowPointer 行外指针记录，存放在主槽位中
//
// ValueID是行外值的键（首个溢出页面号），对逻辑记录的读取方透明。
type OverflowPointer struct {
	ValueID    uint64 // 行外值ID
	TotalSize  uint32 // 原始大小
	StoredSize uint32 // 落盘大小（压缩后）
	Compressed bool
}

// Encode 序列化行外指针
func (op *OverflowPointer) Encode() []byte {
	buf := make([]byte, OverflowPointerSize)
	binary.BigEndian.PutUint64(buf[0:], op.ValueID)
	binary.BigEndian.PutUint32(buf[8:], op.TotalSize)
	binary.BigEndian.PutUint32(buf[12:], op.StoredSize)
	if op.Compressed {
		buf[16] = 1
	}
	return buf
}

// DecodeOverflowPointer 反序列化行外指针
func DecodeOverflowPointer(body []byte) (*OverflowPointer, error) {
	if len(body) < OverflowPointerSize {
		return nil, ErrOverflowCorrupted
	}
	return &OverflowPointer{
		ValueID:    binary.BigEndian.Uint64(body[0:]),
		TotalSize:  binary.BigEndian.Uint32(body[8:]),
		StoredSize: binary.BigEndian.Uint32(body[12:]),
		Compressed: body[16] == 1,
	}, nil
}

// OverflowStore 行外记录存储
//
// 超过页内容量的记录分块存入独立的溢出表空间，
// 每个溢出页槽位0存一个块：[下一溢出页号(4B)][块数据]。
type OverflowStore struct {
	mu       sync.Mutex
	provider basic.StorageProvider
	spaceID  common.SpaceID
	pageSize int
	compress bool
}

// NewOverflowStore 创建行外存储
func NewOverflowStore(provider basic.StorageProvider, spaceID common.SpaceID, pageSize int, compress bool) *OverflowStore {
	return &OverflowStore{
		provider: provider,
		spaceID:  spaceID,
		pageSize: pageSize,
		compress: compress,
	}
}

// chunkCapacity 每个溢出页可容纳的块大小
func (s *OverflowStore) chunkCapacity() int {
	return s.pageSize - PageHeaderSize - slotEntrySize - 4
}

// Write 写入一个行外值，返回指针记录
func (s *OverflowStore) Write(value []byte) (*OverflowPointer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := value
	compressed := false
	if s.compress {
		bound := lz4.CompressBlockBound(len(value))
		dst := make([]byte, bound)
		n, err := lz4.CompressBlock(value, dst, nil)
		if err == nil && n > 0 && n < len(value) {
			stored = dst[:n]
			compressed = true
		}
	}

	// 预先分配整条链，再从尾部向前写块，保证next指针一次成形
	capacity := s.chunkCapacity()
	numChunks := (len(stored) + capacity - 1) / capacity
	if numChunks == 0 {
		numChunks = 1
	}
	pageNos := make([]common.PageNo, numChunks)
	for i := range pageNos {
		pageNo, err := s.provider.AllocatePage(s.spaceID)
		if err != nil {
			return nil, errors.Annotate(err, "allocate overflow page")
		}
		pageNos[i] = pageNo
	}

	for i := 0; i < numChunks; i++ {
		start := i * capacity
		end := start + capacity
		if end > len(stored) {
			end = len(stored)
		}
		next := common.InvalidPageNo
		if i+1 < numChunks {
			next = pageNos[i+1]
		}

		frame := make([]byte, s.pageSize)
		page := FormatPage(frame, s.spaceID, pageNos[i])
		chunk := make([]byte, 4+end-start)
		binary.BigEndian.PutUint32(chunk[0:], uint32(next))
		copy(chunk[4:], stored[start:end])
		if _, err := page.InsertRecord(chunk); err != nil {
			return nil, errors.Trace(err)
		}
		page.UpdateChecksum()
		if err := s.provider.WritePage(s.spaceID, pageNos[i], frame); err != nil {
			return nil, errors.Annotate(err, "write overflow page")
		}
	}

	return &OverflowPointer{
		ValueID:    uint64(pageNos[0]),
		TotalSize:  uint32(len(value)),
		StoredSize: uint32(len(stored)),
		Compressed: compressed,
	}, nil
}

// Read 读取一个行外值
func (s *OverflowStore) Read(ptr *OverflowPointer) ([]byte, error) {
	stored := make([]byte, 0, ptr.StoredSize)
	pageNo := common.PageNo(ptr.ValueID)

	for pageNo != common.InvalidPageNo {
		frame, err := s.provider.ReadPage(s.spaceID, pageNo)
		if err != nil {
			return nil, errors.Annotate(err, "read overflow page")
		}
		chunk, err := NewPage(frame).ReadRecord(0)
		if err != nil {
			return nil, errors.Trace(ErrOverflowCorrupted)
		}
		if len(chunk) < 4 {
			return nil, errors.Trace(ErrOverflowCorrupted)
		}
		pageNo = common.PageNo(binary.BigEndian.Uint32(chunk[0:]))
		stored = append(stored, chunk[4:]...)
	}

	if len(stored) != int(ptr.StoredSize) {
		return nil, errors.Trace(ErrOverflowCorrupted)
	}
	if !ptr.Compressed {
		return stored, nil
	}

	value := make([]byte, ptr.TotalSize)
	n, err := lz4.UncompressBlock(stored, value)
	if err != nil {
		return nil, errors.Annotate(err, "decompress overflow value")
	}
	if n != int(ptr.TotalSize) {
		return nil, errors.Trace(ErrOverflowCorrupted)
	}
	return value, nil
}
