package buffer_pool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xstorage-engine/storage/common"
	"github.com/zhukovaskychina/xstorage-engine/storage/pages"
)

const testPageSize = 16 * 1024

// memProvider 内存页面存储，测试用
type memProvider struct {
	mu     sync.Mutex
	frames map[common.PageTag][]byte
	nextNo map[common.SpaceID]common.PageNo
	writes int
}

func newMemProvider() *memProvider {
	return &memProvider{
		frames: make(map[common.PageTag][]byte),
		nextNo: make(map[common.SpaceID]common.PageNo),
	}
}

func (m *memProvider) ReadPage(spaceID common.SpaceID, pageNo common.PageNo) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.frames[common.PageTag{SpaceID: spaceID, PageNo: pageNo}]; ok {
		out := make([]byte, len(f))
		copy(out, f)
		return out, nil
	}
	content := make([]byte, testPageSize)
	pages.FormatPage(content, spaceID, pageNo)
	return content, nil
}

func (m *memProvider) WritePage(spaceID common.SpaceID, pageNo common.PageNo, content []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := make([]byte, len(content))
	copy(f, content)
	m.frames[common.PageTag{SpaceID: spaceID, PageNo: pageNo}] = f
	m.writes++
	return nil
}

func (m *memProvider) AllocatePage(spaceID common.SpaceID) (common.PageNo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	no := m.nextNo[spaceID]
	m.nextNo[spaceID] = no + 1
	return no, nil
}

func (m *memProvider) PageCount(spaceID common.SpaceID) (common.PageNo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextNo[spaceID], nil
}

func (m *memProvider) Close() error { return nil }

// recordingFlusher 记录Flush调用的日志刷新器
type recordingFlusher struct {
	mu      sync.Mutex
	flushed common.LSN
	calls   []common.LSN
}

func (f *recordingFlusher) Flush(upto common.LSN) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, upto)
	if upto > f.flushed {
		f.flushed = upto
	}
	return nil
}

func (f *recordingFlusher) FlushedLSN() common.LSN {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushed
}

func newTestPool(poolPages int, flusher *recordingFlusher) (*BufferPool, *memProvider) {
	provider := newMemProvider()
	cfg := &BufferPoolConfig{
		PoolPages: poolPages,
		PageSize:  testPageSize,
		Provider:  provider,
	}
	if flusher != nil {
		cfg.LogFlusher = flusher
	}
	return NewBufferPool(cfg), provider
}

func TestBufferPoolFetchUnpin(t *testing.T) {
	pool, _ := newTestPool(8, nil)

	t.Run("未命中后命中", func(t *testing.T) {
		bp, err := pool.FetchPage(1, 0)
		require.NoError(t, err)
		assert.Equal(t, common.SpaceID(1), bp.GetSpaceID())
		assert.Equal(t, 1, bp.PinCount())
		require.NoError(t, pool.UnpinPage(bp, false))

		again, err := pool.FetchPage(1, 0)
		require.NoError(t, err)
		assert.Same(t, bp, again)
		require.NoError(t, pool.UnpinPage(again, false))

		stats := pool.Stats()
		assert.Equal(t, uint64(1), stats["misses"])
		assert.Equal(t, uint64(1), stats["hits"])
	})

	t.Run("重复unpin报契约错误", func(t *testing.T) {
		bp, err := pool.FetchPage(1, 1)
		require.NoError(t, err)
		require.NoError(t, pool.UnpinPage(bp, false))
		err = pool.UnpinPage(bp, false)
		require.Error(t, err)
	})
}

func TestBufferPoolEviction(t *testing.T) {
	t.Run("超出容量恰好驱逐一页", func(t *testing.T) {
		const poolPages = 4
		pool, _ := newTestPool(poolPages, nil)

		for i := 0; i < poolPages; i++ {
			bp, err := pool.FetchPage(1, common.PageNo(i))
			require.NoError(t, err)
			require.NoError(t, pool.UnpinPage(bp, false))
		}
		assert.Equal(t, uint64(0), pool.Evictions())

		bp, err := pool.FetchPage(1, common.PageNo(poolPages))
		require.NoError(t, err)
		require.NoError(t, pool.UnpinPage(bp, false))
		assert.Equal(t, uint64(1), pool.Evictions())
	})

	t.Run("被pin住的页面不会被驱逐", func(t *testing.T) {
		const poolPages = 4
		pool, _ := newTestPool(poolPages, nil)

		pinned := make([]*BufferPage, 0, poolPages)
		for i := 0; i < poolPages; i++ {
			bp, err := pool.FetchPage(1, common.PageNo(i))
			require.NoError(t, err)
			pinned = append(pinned, bp)
		}

		_, err := pool.FetchPage(1, common.PageNo(poolPages))
		require.ErrorIs(t, err, ErrPoolExhausted)

		for _, bp := range pinned {
			require.NoError(t, pool.UnpinPage(bp, false))
		}
		bp, err := pool.FetchPage(1, common.PageNo(poolPages))
		require.NoError(t, err)
		require.NoError(t, pool.UnpinPage(bp, false))
	})

	t.Run("脏的牺牲页在驱逐前落盘", func(t *testing.T) {
		const poolPages = 2
		flusher := &recordingFlusher{}
		pool, provider := newTestPool(poolPages, flusher)

		bp, err := pool.FetchPage(1, 0)
		require.NoError(t, err)
		bp.Latch()
		pages.NewPage(bp.Frame()).SetLSN(100)
		bp.StampLSNLocked(100)
		bp.Unlatch()
		require.NoError(t, pool.UnpinPage(bp, true))

		// 填满并再取一页，迫使0号页被驱逐
		for i := 1; i <= poolPages; i++ {
			p, err := pool.FetchPage(1, common.PageNo(i))
			require.NoError(t, err)
			require.NoError(t, pool.UnpinPage(p, false))
		}

		provider.mu.Lock()
		_, written := provider.frames[common.PageTag{SpaceID: 1, PageNo: 0}]
		provider.mu.Unlock()
		assert.True(t, written, "脏页应在驱逐前写回存储")
		assert.GreaterOrEqual(t, flusher.FlushedLSN(), common.LSN(100),
			"页面落盘前日志必须先落盘")
	})
}

func TestBufferPoolFlush(t *testing.T) {
	t.Run("FlushDirtyBefore按阈值刷新", func(t *testing.T) {
		flusher := &recordingFlusher{}
		pool, provider := newTestPool(8, flusher)

		dirtyAt := func(pageNo common.PageNo, lsn common.LSN) {
			bp, err := pool.FetchPage(1, pageNo)
			require.NoError(t, err)
			bp.Latch()
			pages.NewPage(bp.Frame()).SetLSN(lsn)
			bp.StampLSNLocked(lsn)
			bp.Unlatch()
			require.NoError(t, pool.UnpinPage(bp, true))
		}
		dirtyAt(0, 10)
		dirtyAt(1, 20)
		dirtyAt(2, 30)

		require.NoError(t, pool.FlushDirtyBefore(25))
		provider.mu.Lock()
		writes := provider.writes
		provider.mu.Unlock()
		assert.Equal(t, 2, writes)
		assert.Len(t, pool.GetDirtyPages(), 1)
		assert.Equal(t, common.LSN(30), pool.OldestDirtyLSN())

		require.NoError(t, pool.FlushDirtyBefore(common.InvalidLSN))
		assert.Empty(t, pool.GetDirtyPages())
		assert.Equal(t, common.InvalidLSN, pool.OldestDirtyLSN())
	})

	t.Run("刷新后内容可重新装载", func(t *testing.T) {
		pool, provider := newTestPool(2, &recordingFlusher{})

		bp, err := pool.FetchPage(7, 0)
		require.NoError(t, err)
		bp.Latch()
		p := pages.NewPage(bp.Frame())
		slot, err := p.InsertRecord([]byte("hello"))
		require.NoError(t, err)
		p.SetLSN(5)
		bp.StampLSNLocked(5)
		bp.Unlatch()
		require.NoError(t, pool.UnpinPage(bp, true))
		require.NoError(t, pool.FlushPage(bp))

		// 另起一个池模拟重启
		fresh := NewBufferPool(&BufferPoolConfig{
			PoolPages: 2, PageSize: testPageSize, Provider: provider,
		})
		bp2, err := fresh.FetchPage(7, 0)
		require.NoError(t, err)
		body, err := pages.NewPage(bp2.Frame()).ReadRecord(slot)
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), body)
		require.NoError(t, fresh.UnpinPage(bp2, false))
	})
}

func TestBufferPoolConcurrentFetch(t *testing.T) {
	pool, _ := newTestPool(16, nil)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				bp, err := pool.FetchPage(1, common.PageNo(i%32))
				if err != nil {
					continue
				}
				_ = pool.UnpinPage(bp, false)
			}
		}()
	}
	wg.Wait()
}
