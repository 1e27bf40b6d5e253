package pages

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xstorage-engine/storage/common"
)

const testPageSize = 16384

func newTestPage(t *testing.T) *Page {
	t.Helper()
	frame := make([]byte, testPageSize)
	return FormatPage(frame, 1, 42)
}

func TestFormatPage(t *testing.T) {
	p := newTestPage(t)

	assert.Equal(t, common.SpaceID(1), p.SpaceID())
	assert.Equal(t, common.PageNo(42), p.PageNo())
	assert.Equal(t, common.InvalidLSN, p.LSN())
	assert.Equal(t, 0, p.SlotCount())
	assert.True(t, p.VerifyChecksum())
	assert.Equal(t, testPageSize-PageHeaderSize, p.FreeSpace())
}

func TestInsertAndReadRecord(t *testing.T) {
	p := newTestPage(t)

	slot, err := p.InsertRecord([]byte("hello storage"))
	require.NoError(t, err)
	assert.Equal(t, common.SlotNo(0), slot)

	slot2, err := p.InsertRecord([]byte("second record"))
	require.NoError(t, err)
	assert.Equal(t, common.SlotNo(1), slot2)

	body, err := p.ReadRecord(slot)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello storage"), body)

	body2, err := p.ReadRecord(slot2)
	require.NoError(t, err)
	assert.Equal(t, []byte("second record"), body2)
}

func TestFreeSpaceInvariant(t *testing.T) {
	p := newTestPage(t)

	// 空闲区下界永远不超过上界
	for i := 0; i < 100; i++ {
		_, err := p.InsertRecord(bytes.Repeat([]byte{0xAB}, 100))
		require.NoError(t, err)
		require.LessOrEqual(t, p.freeLower(), p.freeUpper())
	}
}

func TestInsertUntilPageFull(t *testing.T) {
	p := newTestPage(t)
	body := bytes.Repeat([]byte{0x01}, 1000)

	inserted := 0
	for {
		_, err := p.InsertRecord(body)
		if err == ErrPageFull {
			break
		}
		require.NoError(t, err)
		inserted++
		require.Less(t, inserted, 100, "page should fill up")
	}
	assert.Greater(t, inserted, 10)
	assert.LessOrEqual(t, p.freeLower(), p.freeUpper())
}

func TestDeleteAndReuseSlot(t *testing.T) {
	p := newTestPage(t)

	slot, err := p.InsertRecord([]byte("doomed"))
	require.NoError(t, err)
	_, err = p.InsertRecord([]byte("survivor"))
	require.NoError(t, err)

	require.NoError(t, p.DeleteRecord(slot))
	_, err = p.ReadRecord(slot)
	assert.Equal(t, ErrRecordDeleted, err)

	// 死亡槽位被复用
	reused, err := p.InsertRecord([]byte("recycled"))
	require.NoError(t, err)
	assert.Equal(t, slot, reused)

	body, err := p.ReadRecord(reused)
	require.NoError(t, err)
	assert.Equal(t, []byte("recycled"), body)
}

func TestUpdateRecordRelocation(t *testing.T) {
	p := newTestPage(t)

	slot, err := p.InsertRecord([]byte("short"))
	require.NoError(t, err)

	// 变长更新触发页内重定位
	longBody := bytes.Repeat([]byte{0x7F}, 500)
	require.NoError(t, p.UpdateRecord(slot, longBody))

	body, err := p.ReadRecord(slot)
	require.NoError(t, err)
	assert.Equal(t, longBody, body)
}

func TestUpdateRecordPageFullLeavesPageIntact(t *testing.T) {
	p := newTestPage(t)

	slot, err := p.InsertRecord([]byte("small"))
	require.NoError(t, err)

	huge := bytes.Repeat([]byte{0x11}, testPageSize)
	err = p.UpdateRecord(slot, huge)
	assert.Equal(t, ErrPageFull, err)

	// 失败后旧记录保持可读
	body, err := p.ReadRecord(slot)
	require.NoError(t, err)
	assert.Equal(t, []byte("small"), body)
}

func TestCompactReclaimsDeadSpace(t *testing.T) {
	p := newTestPage(t)

	var slots []common.SlotNo
	for i := 0; i < 10; i++ {
		slot, err := p.InsertRecord(bytes.Repeat([]byte{byte(i)}, 1000))
		require.NoError(t, err)
		slots = append(slots, slot)
	}
	freeBefore := p.FreeSpace()

	for i := 0; i < 10; i += 2 {
		require.NoError(t, p.DeleteRecord(slots[i]))
	}
	p.Compact()

	assert.Greater(t, p.FreeSpace(), freeBefore)

	// 存活记录整理后内容不变
	for i := 1; i < 10; i += 2 {
		body, err := p.ReadRecord(slots[i])
		require.NoError(t, err)
		assert.Equal(t, bytes.Repeat([]byte{byte(i)}, 1000), body)
	}
}

func TestWriteRecordAtIdempotent(t *testing.T) {
	p := newTestPage(t)

	// 重放语义：对同一槽位写同一记录体多次，结果一致
	require.NoError(t, p.WriteRecordAt(3, []byte("replayed")))
	require.NoError(t, p.WriteRecordAt(3, []byte("replayed")))

	assert.Equal(t, 4, p.SlotCount())
	body, err := p.ReadRecord(3)
	require.NoError(t, err)
	assert.Equal(t, []byte("replayed"), body)

	// 中间槽位保持未使用
	st, err := p.SlotStatusOf(1)
	require.NoError(t, err)
	assert.Equal(t, SlotUnused, st)
}

func TestSetLSNMonotonic(t *testing.T) {
	p := newTestPage(t)

	p.SetLSN(100)
	assert.Equal(t, common.LSN(100), p.LSN())

	// 页面LSN单调维护
	p.SetLSN(50)
	assert.Equal(t, common.LSN(100), p.LSN())

	p.SetLSN(200)
	assert.Equal(t, common.LSN(200), p.LSN())
}

func TestChecksumDetectsCorruption(t *testing.T) {
	p := newTestPage(t)
	_, err := p.InsertRecord([]byte("payload"))
	require.NoError(t, err)
	p.UpdateChecksum()
	require.True(t, p.VerifyChecksum())

	p.Content()[testPageSize/2] ^= 0xFF
	assert.False(t, p.VerifyChecksum())
}

func TestRecordVersionRoundTrip(t *testing.T) {
	rv := &RecordVersion{
		Xmin:     7,
		Xmax:     0,
		NextPage: 12,
		NextSlot: 3,
		Flags:    RecordOverflow,
		Payload:  []byte("row payload"),
	}

	decoded, err := DecodeRecordVersion(rv.Encode())
	require.NoError(t, err)
	assert.Equal(t, rv.Xmin, decoded.Xmin)
	assert.Equal(t, rv.Xmax, decoded.Xmax)
	assert.Equal(t, rv.NextPage, decoded.NextPage)
	assert.Equal(t, rv.NextSlot, decoded.NextSlot)
	assert.True(t, decoded.IsOverflow())
	assert.True(t, decoded.HasNext())
	assert.Equal(t, []byte("row payload"), decoded.Payload)
}

func TestDecodeRecordVersionTooShort(t *testing.T) {
	_, err := DecodeRecordVersion([]byte{1, 2, 3})
	assert.Equal(t, ErrRecordCorrupted, err)
}
