package manager

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/xstorage-engine/conf"
	"github.com/zhukovaskychina/xstorage-engine/logger"
	"github.com/zhukovaskychina/xstorage-engine/storage/common"
	"github.com/zhukovaskychina/xstorage-engine/storage/pages"
)

const (
	// ioRetryCount 单页I/O的有界重试次数
	ioRetryCount = 3
	// ioRetryBackoff 首次重试的退避时间，之后逐次翻倍
	ioRetryBackoff = 10 * time.Millisecond
)

// spaceFile 单个表空间的落盘文件
//
// 0号页为表空间头页，永不承载记录，版本链指针因此可以用
// page_no==0表示"无"。
type spaceFile struct {
	mu        sync.Mutex
	file      *os.File
	pageCount common.PageNo
}

// SpaceManager 表空间管理器
//
// 每个表空间对应数据目录下的一个.ibd文件，按页面号定位偏移。
// 读取路径校验页面校验和，I/O错误做有界重试后上报调用方。
type SpaceManager struct {
	sync.RWMutex
	dataDir  string
	pageSize int
	files    map[common.SpaceID]*spaceFile
}

// NewSpaceManager 创建表空间管理器
func NewSpaceManager(cfg *conf.Cfg) (*SpaceManager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, errors.Annotate(err, "create data dir")
	}
	return &SpaceManager{
		dataDir:  cfg.DataDir,
		pageSize: cfg.PageSize,
		files:    make(map[common.SpaceID]*spaceFile),
	}, nil
}

func (sm *SpaceManager) spacePath(spaceID common.SpaceID) string {
	return filepath.Join(sm.dataDir, fmt.Sprintf("space_%d.ibd", spaceID))
}

// openSpace 打开（必要时创建）表空间文件
//
// 新建的表空间写入0号头页，数据页面从1号开始分配。
func (sm *SpaceManager) openSpace(spaceID common.SpaceID) (*spaceFile, error) {
	sm.RLock()
	sf, ok := sm.files[spaceID]
	sm.RUnlock()
	if ok {
		return sf, nil
	}

	sm.Lock()
	defer sm.Unlock()
	if sf, ok = sm.files[spaceID]; ok {
		return sf, nil
	}

	f, err := os.OpenFile(sm.spacePath(spaceID), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, common.NewIOError("open tablespace file", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, common.NewIOError("stat tablespace file", err)
	}
	sf = &spaceFile{file: f, pageCount: common.PageNo(fi.Size() / int64(sm.pageSize))}

	if sf.pageCount == 0 {
		header := make([]byte, sm.pageSize)
		pages.FormatPage(header, spaceID, 0).UpdateChecksum()
		if err := sm.writeAt(sf, 0, header); err != nil {
			f.Close()
			return nil, errors.Trace(err)
		}
		sf.pageCount = 1
		logger.Infof("created tablespace %d at %s", spaceID, sm.spacePath(spaceID))
	}

	sm.files[spaceID] = sf
	return sf, nil
}

// writeAt 带有界重试的页面写入
func (sm *SpaceManager) writeAt(sf *spaceFile, pageNo common.PageNo, content []byte) error {
	offset := int64(pageNo) * int64(sm.pageSize)
	var err error
	backoff := ioRetryBackoff
	for attempt := 0; attempt < ioRetryCount; attempt++ {
		if attempt > 0 {
			logger.Warnf("retry page write %d (attempt %d): %v", pageNo, attempt, err)
			time.Sleep(backoff)
			backoff *= 2
		}
		if _, err = sf.file.WriteAt(content, offset); err == nil {
			return nil
		}
	}
	return common.NewIOError(fmt.Sprintf("write page %d", pageNo), err)
}

// ReadPage 读取并校验一个页面
func (sm *SpaceManager) ReadPage(spaceID common.SpaceID, pageNo common.PageNo) ([]byte, error) {
	sf, err := sm.openSpace(spaceID)
	if err != nil {
		return nil, errors.Trace(err)
	}

	sf.mu.Lock()
	defer sf.mu.Unlock()
	if pageNo >= sf.pageCount {
		return nil, common.NewIOError(fmt.Sprintf("page %d beyond tablespace %d end", pageNo, spaceID), nil)
	}

	content := make([]byte, sm.pageSize)
	offset := int64(pageNo) * int64(sm.pageSize)
	backoff := ioRetryBackoff
	for attempt := 0; attempt < ioRetryCount; attempt++ {
		if attempt > 0 {
			logger.Warnf("retry page read %d/%d (attempt %d): %v", spaceID, pageNo, attempt, err)
			time.Sleep(backoff)
			backoff *= 2
		}
		if _, err = sf.file.ReadAt(content, offset); err == nil {
			break
		}
	}
	if err != nil {
		return nil, common.NewIOError(fmt.Sprintf("read page %d", pageNo), err)
	}

	if !pages.NewPage(content).VerifyChecksum() {
		return nil, common.NewIOError(fmt.Sprintf("space %d page %d", spaceID, pageNo), common.ErrChecksumMismatch)
	}
	return content, nil
}

// WritePage 写出一个页面，内容须已更新校验和
func (sm *SpaceManager) WritePage(spaceID common.SpaceID, pageNo common.PageNo, content []byte) error {
	sf, err := sm.openSpace(spaceID)
	if err != nil {
		return errors.Trace(err)
	}

	sf.mu.Lock()
	defer sf.mu.Unlock()
	if err := sm.writeAt(sf, pageNo, content); err != nil {
		return errors.Trace(err)
	}
	if pageNo >= sf.pageCount {
		sf.pageCount = pageNo + 1
	}
	return sf.file.Sync()
}

// AllocatePage 在表空间尾部分配一个新页面并落盘
func (sm *SpaceManager) AllocatePage(spaceID common.SpaceID) (common.PageNo, error) {
	sf, err := sm.openSpace(spaceID)
	if err != nil {
		return 0, errors.Trace(err)
	}

	sf.mu.Lock()
	defer sf.mu.Unlock()
	pageNo := sf.pageCount
	content := make([]byte, sm.pageSize)
	pages.FormatPage(content, spaceID, pageNo).UpdateChecksum()
	if err := sm.writeAt(sf, pageNo, content); err != nil {
		return 0, errors.Trace(err)
	}
	sf.pageCount = pageNo + 1
	return pageNo, nil
}

// PageCount 表空间当前页面数（含0号头页）
func (sm *SpaceManager) PageCount(spaceID common.SpaceID) (common.PageNo, error) {
	sf, err := sm.openSpace(spaceID)
	if err != nil {
		return 0, errors.Trace(err)
	}
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.pageCount, nil
}

// Close 同步并关闭所有表空间文件
func (sm *SpaceManager) Close() error {
	sm.Lock()
	defer sm.Unlock()
	var firstErr error
	for spaceID, sf := range sm.files {
		sf.mu.Lock()
		if err := sf.file.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := sf.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		sf.mu.Unlock()
		delete(sm.files, spaceID)
	}
	return firstErr
}
