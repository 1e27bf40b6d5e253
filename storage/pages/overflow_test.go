package pages

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xstorage-engine/storage/common"
)

// memProvider 内存版存储提供者，仅测试用
type memProvider struct {
	pageSize int
	pages    map[common.PageTag][]byte
	next     map[common.SpaceID]common.PageNo
}

func newMemProvider(pageSize int) *memProvider {
	return &memProvider{
		pageSize: pageSize,
		pages:    make(map[common.PageTag][]byte),
		next:     make(map[common.SpaceID]common.PageNo),
	}
}

func (m *memProvider) ReadPage(spaceID common.SpaceID, pageNo common.PageNo) ([]byte, error) {
	content, ok := m.pages[common.PageTag{SpaceID: spaceID, PageNo: pageNo}]
	if !ok {
		return nil, fmt.Errorf("page %d/%d not found", spaceID, pageNo)
	}
	out := make([]byte, len(content))
	copy(out, content)
	return out, nil
}

func (m *memProvider) WritePage(spaceID common.SpaceID, pageNo common.PageNo, content []byte) error {
	stored := make([]byte, len(content))
	copy(stored, content)
	m.pages[common.PageTag{SpaceID: spaceID, PageNo: pageNo}] = stored
	return nil
}

func (m *memProvider) AllocatePage(spaceID common.SpaceID) (common.PageNo, error) {
	m.next[spaceID]++
	pageNo := m.next[spaceID]
	frame := make([]byte, m.pageSize)
	FormatPage(frame, spaceID, pageNo)
	m.pages[common.PageTag{SpaceID: spaceID, PageNo: pageNo}] = frame
	return pageNo, nil
}

func (m *memProvider) PageCount(spaceID common.SpaceID) (common.PageNo, error) {
	return m.next[spaceID], nil
}

func (m *memProvider) Close() error { return nil }

func TestOverflowSmallValue(t *testing.T) {
	provider := newMemProvider(testPageSize)
	store := NewOverflowStore(provider, 2, testPageSize, false)

	value := []byte("a value that still goes out of line")
	ptr, err := store.Write(value)
	require.NoError(t, err)
	assert.Equal(t, uint32(len(value)), ptr.TotalSize)
	assert.False(t, ptr.Compressed)

	got, err := store.Read(ptr)
	require.NoError(t, err)
	assert.Equal(t, value, got)
}

func TestOverflowMultiPageChain(t *testing.T) {
	provider := newMemProvider(testPageSize)
	store := NewOverflowStore(provider, 2, testPageSize, false)

	// 远大于单页容量，强制分块成链
	value := make([]byte, testPageSize*3)
	for i := range value {
		value[i] = byte(i % 251)
	}

	ptr, err := store.Write(value)
	require.NoError(t, err)

	got, err := store.Read(ptr)
	require.NoError(t, err)
	require.True(t, bytes.Equal(value, got))

	count, _ := provider.PageCount(2)
	assert.GreaterOrEqual(t, int(count), 4)
}

func TestOverflowCompressed(t *testing.T) {
	provider := newMemProvider(testPageSize)
	store := NewOverflowStore(provider, 2, testPageSize, true)

	// 高度可压缩的值
	value := bytes.Repeat([]byte("xstorage"), 8192)
	ptr, err := store.Write(value)
	require.NoError(t, err)
	assert.True(t, ptr.Compressed)
	assert.Less(t, ptr.StoredSize, ptr.TotalSize)

	got, err := store.Read(ptr)
	require.NoError(t, err)
	assert.Equal(t, value, got)
}

func TestOverflowPointerRoundTrip(t *testing.T) {
	ptr := &OverflowPointer{ValueID: 9, TotalSize: 1024, StoredSize: 512, Compressed: true}
	decoded, err := DecodeOverflowPointer(ptr.Encode())
	require.NoError(t, err)
	assert.Equal(t, ptr, decoded)
}
