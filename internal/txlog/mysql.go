package txlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	// MySQL 驱动通过 database/sql 注册。
	_ "github.com/go-sql-driver/mysql"
)

// MySQLConfig 描述外部存储后端的连接参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// MySQLLog 使用 MySQL 作为外部审计存储，适用于多副本部署。
type MySQLLog struct {
	db *sql.DB
}

// NewMySQLLog 建立连接池并初始化数据表。
func NewMySQLLog(ctx context.Context, cfg MySQLConfig) (*MySQLLog, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到 MySQL: %w", err)
	}

	log := &MySQLLog{db: db}
	if err := log.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return log, nil
}

func (m *MySQLLog) ensureSchema(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS transaction_log (
        id BIGINT AUTO_INCREMENT PRIMARY KEY,
        transaction_id VARCHAR(128) NOT NULL,
        consumer_agent_id VARCHAR(128) NOT NULL,
        service_id VARCHAR(128) NOT NULL,
        provider_agent_id VARCHAR(128),
        status VARCHAR(32) NOT NULL,
        reason VARCHAR(64),
        result JSON,
        ts BIGINT NOT NULL,
        INDEX idx_transaction_id (transaction_id),
        INDEX idx_ts (ts)
)`)
	if err != nil {
		return fmt.Errorf("初始化 transaction_log 表失败: %w", err)
	}
	return nil
}

// Append 实现 Log 接口。
func (m *MySQLLog) Append(ctx context.Context, record Record) error {
	if record.Timestamp == 0 {
		record.Timestamp = time.Now().Unix()
	}
	var result any
	if len(record.Result) > 0 {
		result = string(record.Result)
	}
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO transaction_log
            (transaction_id, consumer_agent_id, service_id, provider_agent_id, status, reason, result, ts)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.TransactionID,
		record.ConsumerAgentID,
		record.ServiceID,
		nullable(record.ProviderAgentID),
		record.Status,
		nullable(record.Reason),
		result,
		record.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("写入交易日志失败: %w", err)
	}
	return nil
}

// ListLatest 实现 Log 接口。
func (m *MySQLLog) ListLatest(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := m.db.QueryContext(ctx,
		`SELECT transaction_id, consumer_agent_id, service_id, provider_agent_id, status, reason, result, ts
           FROM transaction_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("查询交易日志失败: %w", err)
	}
	defer rows.Close()

	var results []Record
	for rows.Next() {
		var record Record
		var provider, reason, result sql.NullString
		if err := rows.Scan(
			&record.TransactionID,
			&record.ConsumerAgentID,
			&record.ServiceID,
			&provider,
			&record.Status,
			&reason,
			&result,
			&record.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("扫描交易记录失败: %w", err)
		}
		record.ProviderAgentID = provider.String
		record.Reason = reason.String
		if result.Valid && result.String != "" {
			record.Result = json.RawMessage(result.String)
		}
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历交易记录失败: %w", err)
	}
	return results, nil
}

// Close 释放连接池。
func (m *MySQLLog) Close() error {
	if m == nil || m.db == nil {
		return nil
	}
	return m.db.Close()
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}

var _ Log = (*MySQLLog)(nil)
