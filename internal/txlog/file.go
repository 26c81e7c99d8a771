package txlog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// 内存中保留的最近记录条数上限，查询走内存，追加走磁盘。
const fileCacheDepth = 512

// FileLog 以 JSON-lines 追加写的方式落盘，进程重启时恢复最近记录。
// 适用于嵌入式单机部署。
type FileLog struct {
	mu       sync.RWMutex
	dataFile string
	records  []Record
}

// NewFileLog 创建文件日志，目录不存在时自动创建。
func NewFileLog(dataDir string) (*FileLog, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	log := &FileLog{dataFile: filepath.Join(dataDir, "transactions.log")}
	if err := log.loadFromDisk(); err != nil {
		return nil, err
	}
	return log, nil
}

// Append 以追加写的方式记录一条交易结果。
func (f *FileLog) Append(_ context.Context, record Record) error {
	if record.Timestamp == 0 {
		record.Timestamp = time.Now().Unix()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开交易日志失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化交易记录失败: %w", err)
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入交易日志失败: %w", err)
	}

	f.records = append([]Record{record}, f.records...)
	if len(f.records) > fileCacheDepth {
		f.records = f.records[:fileCacheDepth]
	}
	return nil
}

// ListLatest 返回最近的记录，按时间倒序排列。
func (f *FileLog) ListLatest(_ context.Context, limit int) ([]Record, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if limit <= 0 || limit > len(f.records) {
		limit = len(f.records)
	}
	results := make([]Record, limit)
	copy(results, f.records[:limit])
	return results, nil
}

// Close 对文件日志无需操作，句柄按次打开关闭。
func (f *FileLog) Close() error {
	return nil
}

func (f *FileLog) loadFromDisk() error {
	file, err := os.OpenFile(f.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取交易日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var restored []Record
	for scanner.Scan() {
		var record Record
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			// 跳过损坏的行而不是整体失败，尽可能多地恢复审计记录。
			continue
		}
		restored = append([]Record{record}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析交易日志失败: %w", err)
	}

	if len(restored) > fileCacheDepth {
		restored = restored[:fileCacheDepth]
	}
	f.records = restored
	return nil
}

var _ Log = (*FileLog)(nil)
