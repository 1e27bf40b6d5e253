package basic

import (
	"github.com/zhukovaskychina/xstorage-engine/storage/common"
)

// StorageProvider 页面级存储提供者，由表空间管理器实现
//
// 只负责页面粒度的读写与分配，不做任何缓存或并发调度。
type StorageProvider interface {
	// ReadPage 读取一个页面，读取时校验checksum
	ReadPage(spaceID common.SpaceID, pageNo common.PageNo) ([]byte, error)

	// WritePage 将页面内容写回磁盘
	WritePage(spaceID common.SpaceID, pageNo common.PageNo, content []byte) error

	// AllocatePage 在表空间尾部分配一个新页面
	AllocatePage(spaceID common.SpaceID) (common.PageNo, error)

	// PageCount 返回表空间当前页面数
	PageCount(spaceID common.SpaceID) (common.PageNo, error)

	Close() error
}

// LogFlusher 日志刷盘接口，缓冲池用它执行WAL先行规则
//
// 脏页落盘之前必须保证 FlushedLSN() >= 页面的newestModification。
type LogFlusher interface {
	// Flush 阻塞直至所有LSN<=upto的日志记录落盘
	Flush(upto common.LSN) error

	// FlushedLSN 当前已落盘的最大LSN
	FlushedLSN() common.LSN
}
