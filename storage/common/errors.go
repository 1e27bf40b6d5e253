package common

import (
	"errors"
	"fmt"
)

// ErrorClass 错误分类
//
// Conflict: 事务级冲突（锁超时、死锁牺牲、串行化失败），调用方回滚后可安全重试
// IO: 存储I/O错误（校验和不匹配、写入失败），单页错误上报调用方，检查点刷盘失败为致命错误
// Protocol: 协议错误（保留给取消侧信道，按设计静默忽略）
// Contract: 编程契约违反（释放未持有的锁等），属于缺陷而非运行时状态
type ErrorClass uint8

const (
	ClassConflict ErrorClass = iota
	ClassIO
	ClassProtocol
	ClassContract
)

func (c ErrorClass) String() string {
	switch c {
	case ClassConflict:
		return "CONFLICT"
	case ClassIO:
		return "IO"
	case ClassProtocol:
		return "PROTOCOL"
	case ClassContract:
		return "CONTRACT"
	default:
		return "UNKNOWN"
	}
}

// StorageError 存储核心的结构化错误
type StorageError struct {
	Class     ErrorClass // 错误分类
	Retryable bool       // 回滚后是否可安全重试
	Msg       string     // 错误描述
	Cause     error      // 底层错误
}

func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Class, e.Msg, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Class, e.Msg)
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// NewConflictError 创建冲突类错误（可重试）
func NewConflictError(msg string) *StorageError {
	return &StorageError{Class: ClassConflict, Retryable: true, Msg: msg}
}

// NewIOError 创建I/O类错误
func NewIOError(msg string, cause error) *StorageError {
	return &StorageError{Class: ClassIO, Retryable: false, Msg: msg, Cause: cause}
}

// NewContractError 创建契约违反错误
func NewContractError(msg string) *StorageError {
	return &StorageError{Class: ClassContract, Retryable: false, Msg: msg}
}

// 冲突类错误，事务边界处上抛，不会部分应用任何变更
var (
	ErrDeadlock             = NewConflictError("deadlock detected; transaction chosen as victim")
	ErrLockTimeout          = NewConflictError("lock wait timeout exceeded")
	ErrSerializationFailure = NewConflictError("could not serialize access due to read/write dependencies")
	ErrCancelled            = NewConflictError("operation cancelled at safe point")
)

// I/O类错误
var (
	ErrChecksumMismatch = &StorageError{Class: ClassIO, Msg: "page checksum mismatch"}
	ErrEngineStopped    = &StorageError{Class: ClassIO, Msg: "engine stopped: durability can no longer be guaranteed"}
)

// IsRetryable 判断错误回滚后是否可安全重试
func IsRetryable(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Retryable
}

// IsConflict 判断是否为冲突类错误
func IsConflict(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Class == ClassConflict
}
