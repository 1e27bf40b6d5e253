package buffer_pool

import "errors"

var (
	// ErrPoolExhausted 所有页面都被pin住，无法找到驱逐候选
	ErrPoolExhausted = errors.New("buffer pool exhausted: all pages pinned")
	// ErrPageIOFailed 页面I/O失败
	ErrPageIOFailed = errors.New("buffer page io failed")
)
