package manager

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/juju/errors"

	"github.com/zhukovaskychina/xstorage-engine/conf"
	"github.com/zhukovaskychina/xstorage-engine/logger"
	"github.com/zhukovaskychina/xstorage-engine/storage/common"
)

var ErrLogCorrupted = errors.New("redo log record corrupted")

// 记录头: totalLen(4) + LSN(8) + TrxID(8) + PrevLSN(8) + type(1) + flags(1)
const logRecordHeaderSize = 4 + 8 + 8 + 8 + 1 + 1

const (
	redoLogFileName    = "redo.log"
	redoCheckpointFile = "redo_checkpoint"
)

// RedoLogManager 重做日志管理器
//
// LSN为逻辑计数器，按追加顺序严格递增。Flush(upto)保证不小于
// upto的所有已追加记录落盘后才返回；并发提交共享同一次fsync。
// 可选对记录负载做snappy压缩，压缩位记在记录flags中。
type RedoLogManager struct {
	mu      sync.Mutex
	logFile *os.File
	logDir  string

	nextLSN    common.LSN // 下一个待分配LSN
	flushedLSN common.LSN // 已落盘的最大LSN
	buffer     []byte     // 待落盘的编码记录
	bufferLSN  common.LSN // 缓冲区中最大的LSN

	compress      bool
	flushInterval time.Duration

	// 检查点
	checkpointLSN common.LSN

	// 事务日志量统计，死锁牺牲者选择依据
	trxWork map[common.TrxID]uint64

	appended uint64

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRedoLogManager 创建重做日志管理器并从既有日志恢复LSN计数
func NewRedoLogManager(cfg *conf.Cfg) (*RedoLogManager, error) {
	if err := os.MkdirAll(cfg.RedoLogDir, 0755); err != nil {
		return nil, errors.Annotate(err, "create redo log dir")
	}

	logFile, err := os.OpenFile(
		filepath.Join(cfg.RedoLogDir, redoLogFileName),
		os.O_CREATE|os.O_RDWR,
		0644,
	)
	if err != nil {
		return nil, common.NewIOError("open redo log", err)
	}

	r := &RedoLogManager{
		logFile:       logFile,
		logDir:        cfg.RedoLogDir,
		nextLSN:       1,
		compress:      cfg.LogCompression,
		flushInterval: cfg.LogFlushInterval,
		trxWork:       make(map[common.TrxID]uint64),
		stopChan:      make(chan struct{}),
	}
	r.buffer = make([]byte, 0, cfg.LogBufferSize)

	if err := r.recoverState(); err != nil {
		logFile.Close()
		return nil, errors.Trace(err)
	}

	r.wg.Add(1)
	go r.backgroundFlush()

	return r, nil
}

// recoverState 扫描既有日志，恢复nextLSN、flushedLSN和检查点
//
// 检查点文件先提供redo起点，日志中更新的检查点记录覆盖它。
// 扫描在最后一条完整记录处停止；写入中途崩溃留下的尾部残缺
// 记录必须截掉，否则其长度前缀会吞掉重启后追加的记录。
func (r *RedoLogManager) recoverState() error {
	if buf, err := os.ReadFile(filepath.Join(r.logDir, redoCheckpointFile)); err == nil && len(buf) >= 8 {
		r.checkpointLSN = common.LSN(binary.BigEndian.Uint64(buf))
	}

	lastLSN := common.LSN(0)
	validEnd, err := r.replayFile(0, func(rec *LogRecord) error {
		lastLSN = rec.LSN
		if rec.Type == LogCheckpoint && len(rec.Payload) >= 8 {
			if ckpt := common.LSN(binary.BigEndian.Uint64(rec.Payload)); ckpt > r.checkpointLSN {
				r.checkpointLSN = ckpt
			}
		}
		return nil
	})
	if err != nil {
		return errors.Trace(err)
	}
	if lastLSN > 0 {
		r.nextLSN = lastLSN + 1
		r.flushedLSN = lastLSN
		logger.Infof("redo log recovered: flushed_lsn=%d checkpoint_lsn=%d", r.flushedLSN, r.checkpointLSN)
	}

	fi, err := r.logFile.Stat()
	if err != nil {
		return common.NewIOError("stat redo log", err)
	}
	if fi.Size() > validEnd {
		logger.Warnf("redo log has torn tail: truncating %d bytes at offset %d", fi.Size()-validEnd, validEnd)
		if err := r.logFile.Truncate(validEnd); err != nil {
			return common.NewIOError("truncate redo log tail", err)
		}
		if err := r.logFile.Sync(); err != nil {
			return common.NewIOError("sync redo log", err)
		}
	}
	if _, err := r.logFile.Seek(validEnd, io.SeekStart); err != nil {
		return common.NewIOError("seek redo log end", err)
	}
	return nil
}

// Append 追加一条记录并分配LSN，记录进入日志缓冲区
//
// 此调用不保证落盘；提交路径和页面落盘前须调用Flush。
func (r *RedoLogManager) Append(rec *LogRecord) (common.LSN, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec.LSN = r.nextLSN
	r.nextLSN++

	encoded := r.encodeRecord(rec)
	r.buffer = append(r.buffer, encoded...)
	r.bufferLSN = rec.LSN
	r.appended++
	if rec.TrxID != common.InvalidTrxID {
		r.trxWork[rec.TrxID] += uint64(len(encoded))
	}
	return rec.LSN, nil
}

func (r *RedoLogManager) encodeRecord(rec *LogRecord) []byte {
	payload := rec.Payload
	var flags uint8
	if r.compress && len(payload) > 0 {
		packed := snappy.Encode(nil, payload)
		if len(packed) < len(payload) {
			payload = packed
			flags |= logFlagCompressed
		}
	}

	buf := make([]byte, logRecordHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:], uint32(len(buf)))
	binary.BigEndian.PutUint64(buf[4:], uint64(rec.LSN))
	binary.BigEndian.PutUint64(buf[12:], uint64(rec.TrxID))
	binary.BigEndian.PutUint64(buf[20:], uint64(rec.PrevLSN))
	buf[28] = uint8(rec.Type)
	buf[29] = flags
	copy(buf[logRecordHeaderSize:], payload)
	return buf
}

func decodeRecord(header []byte, body []byte) (*LogRecord, error) {
	rec := &LogRecord{
		LSN:     common.LSN(binary.BigEndian.Uint64(header[4:])),
		TrxID:   common.TrxID(binary.BigEndian.Uint64(header[12:])),
		PrevLSN: common.LSN(binary.BigEndian.Uint64(header[20:])),
		Type:    LogRecordType(header[28]),
	}
	if header[29]&logFlagCompressed != 0 {
		payload, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, errors.Annotate(ErrLogCorrupted, err.Error())
		}
		rec.Payload = payload
	} else {
		rec.Payload = append([]byte(nil), body...)
	}
	return rec, nil
}

// Flush 保证LSN不大于upto的所有记录落盘
func (r *RedoLogManager) Flush(upto common.LSN) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if upto != common.InvalidLSN && upto <= r.flushedLSN {
		return nil
	}
	return r.flushLocked()
}

// flushLocked 写出缓冲区并同步，调用方持有r.mu
func (r *RedoLogManager) flushLocked() error {
	if len(r.buffer) == 0 {
		return nil
	}
	if _, err := r.logFile.Write(r.buffer); err != nil {
		return common.NewIOError("write redo log", err)
	}
	if err := r.logFile.Sync(); err != nil {
		return common.NewIOError("sync redo log", err)
	}
	r.buffer = r.buffer[:0]
	r.flushedLSN = r.bufferLSN
	return nil
}

// FlushedLSN 已落盘的最大LSN
func (r *RedoLogManager) FlushedLSN() common.LSN {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushedLSN
}

// NextLSN 下一个待分配的LSN
func (r *RedoLogManager) NextLSN() common.LSN {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextLSN
}

// LogWork 事务累计写入的日志字节数
func (r *RedoLogManager) LogWork(trxID common.TrxID) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trxWork[trxID]
}

// ReleaseTrxWork 事务终结后清理其日志量统计
func (r *RedoLogManager) ReleaseTrxWork(trxID common.TrxID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.trxWork, trxID)
}

// WriteCheckpoint 写入检查点记录并持久化redo起点
//
// redoLSN为恢复时重做扫描的起点：不早于所有未落盘脏页的
// oldestModification。
func (r *RedoLogManager) WriteCheckpoint(redoLSN common.LSN) (common.LSN, error) {
	payload := make([]byte, 8)
	binary.BigEndian.PutUint64(payload, uint64(redoLSN))
	lsn, err := r.Append(&LogRecord{Type: LogCheckpoint, Payload: payload})
	if err != nil {
		return 0, errors.Trace(err)
	}
	if err := r.Flush(lsn); err != nil {
		return 0, errors.Trace(err)
	}

	r.mu.Lock()
	r.checkpointLSN = redoLSN
	r.mu.Unlock()

	// 检查点文件独立落盘，恢复时无须全量扫描也能拿到redo起点
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(redoLSN))
	path := filepath.Join(r.logDir, redoCheckpointFile)
	if err := os.WriteFile(path, buf, 0644); err != nil {
		return 0, common.NewIOError("write checkpoint file", err)
	}
	logger.Infof("checkpoint written: redo_lsn=%d checkpoint_record_lsn=%d", redoLSN, lsn)
	return lsn, nil
}

// CheckpointLSN 最近一次检查点的redo起点
func (r *RedoLogManager) CheckpointLSN() common.LSN {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checkpointLSN
}

// Replay 从fromLSN起顺序回放已落盘的日志记录
func (r *RedoLogManager) Replay(fromLSN common.LSN, fn func(*LogRecord) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.flushLocked(); err != nil {
		return errors.Trace(err)
	}
	if _, err := r.replayFile(fromLSN, fn); err != nil {
		return errors.Trace(err)
	}
	if _, err := r.logFile.Seek(0, io.SeekEnd); err != nil {
		return common.NewIOError("seek redo log end", err)
	}
	return nil
}

// replayFile 顺序扫描日志文件，尾部残缺记录视为未写完
//
// 返回最后一条完整记录结束处的文件偏移，供恢复路径截断残尾。
func (r *RedoLogManager) replayFile(fromLSN common.LSN, fn func(*LogRecord) error) (int64, error) {
	if _, err := r.logFile.Seek(0, io.SeekStart); err != nil {
		return 0, common.NewIOError("seek redo log start", err)
	}
	var validEnd int64
	header := make([]byte, logRecordHeaderSize)
	for {
		if _, err := io.ReadFull(r.logFile, header); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return validEnd, nil
			}
			return validEnd, common.NewIOError("read redo log header", err)
		}
		totalLen := int(binary.BigEndian.Uint32(header))
		if totalLen < logRecordHeaderSize {
			return validEnd, errors.Trace(ErrLogCorrupted)
		}
		body := make([]byte, totalLen-logRecordHeaderSize)
		if _, err := io.ReadFull(r.logFile, body); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return validEnd, nil
			}
			return validEnd, common.NewIOError("read redo log body", err)
		}
		rec, err := decodeRecord(header, body)
		if err != nil {
			return validEnd, errors.Trace(err)
		}
		validEnd += int64(totalLen)
		if rec.LSN < fromLSN {
			continue
		}
		if err := fn(rec); err != nil {
			return validEnd, errors.Trace(err)
		}
	}
}

// Stats 日志统计
func (r *RedoLogManager) Stats() LogStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return LogStats{
		AppendedRecords: r.appended,
		FlushedLSN:      r.flushedLSN,
		NextLSN:         r.nextLSN,
		CheckpointLSN:   r.checkpointLSN,
	}
}

// backgroundFlush 后台定期刷新
func (r *RedoLogManager) backgroundFlush() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.Flush(common.LSN(^uint64(0))); err != nil {
				logger.Errorf("background redo flush failed: %v", err)
			}
		case <-r.stopChan:
			return
		}
	}
}

// Close 停止后台刷新，落盘剩余日志并关闭文件
func (r *RedoLogManager) Close() error {
	r.stopOnce.Do(func() { close(r.stopChan) })
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.flushLocked(); err != nil {
		return errors.Trace(err)
	}
	return r.logFile.Close()
}
