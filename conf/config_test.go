package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCfgDefaults(t *testing.T) {
	cfg := NewCfg()

	assert.Equal(t, 16384, cfg.PageSize)
	assert.Equal(t, 1, cfg.FlushLogAtTrxCommit)
	assert.Equal(t, 5*time.Second, cfg.LockWaitTimeout)
	assert.True(t, cfg.OverflowCompression)
}

func TestCfgLoad(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "storage.ini")

	content := `
[storage]
data_dir = /var/lib/xstorage
page_size = 8192
buffer_pool_pages = 64

[redo_log]
flush_log_at_trx_commit = 0
compression = true

[lock]
wait_timeout = 2s
deadlock_interval = 100ms

[logs]
log_level = debug
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	cfg, err := NewCfg().Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/xstorage", cfg.DataDir)
	assert.Equal(t, 8192, cfg.PageSize)
	assert.Equal(t, 64, cfg.BufferPoolPages)
	assert.Equal(t, 0, cfg.FlushLogAtTrxCommit)
	assert.True(t, cfg.LogCompression)
	assert.Equal(t, 2*time.Second, cfg.LockWaitTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.DeadlockInterval)
	assert.Equal(t, "debug", cfg.LogLevel)

	// 未出现的配置项保持默认值
	assert.Equal(t, 16777216, cfg.LogBufferSize)
}

func TestCfgLoadMissingFile(t *testing.T) {
	_, err := NewCfg().Load("/nonexistent/storage.ini")
	assert.Error(t, err)
}
