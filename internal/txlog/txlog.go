// Package txlog 提供交易结果的只追加审计日志。无论成功或失败，
// 每笔交易在到达终态时都会且仅会追加一条记录。
package txlog

import (
	"context"
	"encoding/json"
)

// Record 表示一条交易审计记录。写入后不可变更。
type Record struct {
	TransactionID   string          `json:"transaction_id"`
	ConsumerAgentID string          `json:"consumer_agent_id"`
	ServiceID       string          `json:"service_id"`
	ProviderAgentID string          `json:"provider_agent_id,omitempty"`
	Status          string          `json:"status"`
	Reason          string          `json:"reason,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Timestamp       int64           `json:"timestamp"`
}

// Log 抽象审计日志后端。嵌入式（文件）与外部存储（MySQL）实现必须可互换。
type Log interface {
	Append(ctx context.Context, record Record) error
	ListLatest(ctx context.Context, limit int) ([]Record, error)
	Close() error
}
