package conf

import (
	"path/filepath"
	"time"

	"github.com/juju/errors"
	"gopkg.in/ini.v1"
)

// Cfg 存储引擎配置
//
// 配置项命名沿用 my.cnf 风格，空缺项取默认值。
type Cfg struct {
	Raw *ini.File

	// 基础路径
	DataDir    string // 数据目录（表空间文件）
	RedoLogDir string // 重做日志目录

	// 页面与缓冲池
	PageSize        int     // 页面大小（字节）
	BufferPoolPages int     // 缓冲池页面数
	FlushThreshold  float64 // 脏页刷新阈值（脏页比例）

	// 重做日志
	FlushLogAtTrxCommit int           // 1=提交时同步刷盘 0=延迟刷盘
	LogBufferSize       int           // 日志缓冲区大小（字节）
	LogFlushInterval    time.Duration // 后台刷新间隔
	LogCompression      bool          // 日志负载是否采用snappy压缩

	// 溢出记录
	OverflowCompression bool // 行外记录是否采用lz4压缩

	// 锁
	LockWaitTimeout  time.Duration // 锁等待超时
	DeadlockInterval time.Duration // 死锁检测宽限期

	// 日志输出
	LogPath  string
	LogLevel string
}

// NewCfg 创建带默认值的配置
func NewCfg() *Cfg {
	return &Cfg{
		Raw:                 ini.Empty(),
		DataDir:             "data",
		RedoLogDir:          "redo",
		PageSize:            16384, // 16KB
		BufferPoolPages:     1024,
		FlushThreshold:      0.25,
		FlushLogAtTrxCommit: 1,
		LogBufferSize:       16777216, // 16MB
		LogFlushInterval:    time.Second,
		LogCompression:      false,
		OverflowCompression: true,
		LockWaitTimeout:     5 * time.Second,
		DeadlockInterval:    50 * time.Millisecond,
		LogLevel:            "info",
	}
}

// Load 从ini文件加载配置
func (cfg *Cfg) Load(configPath string) (*Cfg, error) {
	iniFile, err := ini.Load(configPath)
	if err != nil {
		return nil, errors.Annotatef(err, "load config file %s", configPath)
	}
	cfg.Raw = iniFile

	cfg.parseStorageCfg(iniFile.Section("storage"))
	cfg.parseRedoCfg(iniFile.Section("redo_log"))
	cfg.parseLockCfg(iniFile.Section("lock"))
	cfg.parseLogsCfg(iniFile.Section("logs"))
	return cfg, nil
}

func (cfg *Cfg) parseStorageCfg(section *ini.Section) {
	cfg.DataDir = section.Key("data_dir").MustString(cfg.DataDir)
	cfg.PageSize = section.Key("page_size").MustInt(cfg.PageSize)
	cfg.BufferPoolPages = section.Key("buffer_pool_pages").MustInt(cfg.BufferPoolPages)
	cfg.FlushThreshold = section.Key("flush_threshold").MustFloat64(cfg.FlushThreshold)
	cfg.OverflowCompression = section.Key("overflow_compression").MustBool(cfg.OverflowCompression)
}

func (cfg *Cfg) parseRedoCfg(section *ini.Section) {
	cfg.RedoLogDir = section.Key("redo_log_dir").MustString(cfg.RedoLogDir)
	cfg.FlushLogAtTrxCommit = section.Key("flush_log_at_trx_commit").MustInt(cfg.FlushLogAtTrxCommit)
	cfg.LogBufferSize = section.Key("log_buffer_size").MustInt(cfg.LogBufferSize)
	cfg.LogFlushInterval = section.Key("flush_interval").MustDuration(cfg.LogFlushInterval)
	cfg.LogCompression = section.Key("compression").MustBool(cfg.LogCompression)
}

func (cfg *Cfg) parseLockCfg(section *ini.Section) {
	cfg.LockWaitTimeout = section.Key("wait_timeout").MustDuration(cfg.LockWaitTimeout)
	cfg.DeadlockInterval = section.Key("deadlock_interval").MustDuration(cfg.DeadlockInterval)
}

func (cfg *Cfg) parseLogsCfg(section *ini.Section) {
	cfg.LogPath = section.Key("log_path").MustString(cfg.LogPath)
	cfg.LogLevel = section.Key("log_level").MustString(cfg.LogLevel)
}

// ResolvePaths 将相对目录解析到baseDir之下
func (cfg *Cfg) ResolvePaths(baseDir string) {
	if !filepath.IsAbs(cfg.DataDir) {
		cfg.DataDir = filepath.Join(baseDir, cfg.DataDir)
	}
	if !filepath.IsAbs(cfg.RedoLogDir) {
		cfg.RedoLogDir = filepath.Join(baseDir, cfg.RedoLogDir)
	}
}
