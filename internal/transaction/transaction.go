package transaction

import (
	"encoding/json"
	"strings"

	xerrors "Amorce-Core/internal/errors"
)

// Status 表示事务在生命周期中的状态。
type Status string

const (
	StatusReceived        Status = "received"
	StatusVerified        Status = "verified"
	StatusRateLimited     Status = "rate_limited"
	StatusRouted          Status = "routed"
	StatusApprovedPending Status = "approved_pending"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
)

// Terminal 判断状态是否为终态。rate_limited 对单个事务而言同样是终点,
// 该事务不会再被推进。
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRateLimited:
		return true
	default:
		return false
	}
}

// Envelope 是签名覆盖的请求体。其规范化编码即验签输入,
// 字段增删都会使既有签名全部失效,修改前务必确认兼容性。
type Envelope struct {
	ConsumerAgentID string          `json:"consumer_agent_id"`
	ServiceID       string          `json:"service_id"`
	Payload         json.RawMessage `json:"payload"`
	TransactionID   string          `json:"transaction_id,omitempty"`
}

// Validate 检查信封的必填字段。
func (e *Envelope) Validate() error {
	if e == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "请求体不能为空")
	}
	if strings.TrimSpace(e.ConsumerAgentID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "consumer_agent_id 不能为空")
	}
	if strings.TrimSpace(e.ServiceID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "service_id 不能为空")
	}
	if len(e.Payload) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "payload 不能为空")
	}
	return nil
}

// Transaction 描述一次智能体间的服务调用及其推进过程。
// 一旦进入终态即不可变。
type Transaction struct {
	TransactionID   string          `json:"transaction_id"`
	ConsumerAgentID string          `json:"consumer_agent_id"`
	ServiceID       string          `json:"service_id"`
	Payload         json.RawMessage `json:"payload"`
	Signature       string          `json:"signature,omitempty"`
	Status          Status          `json:"status"`
	Reason          string          `json:"reason,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	ProviderAgentID string          `json:"provider_agent_id,omitempty"`
	ApprovalID      string          `json:"approval_id,omitempty"`
	CreatedAt       int64           `json:"created_at"`
	UpdatedAt       int64           `json:"updated_at"`
}

// Response 是事务接口返回给调用方的快照。
type Response struct {
	TransactionID string          `json:"transaction_id"`
	Status        Status          `json:"status"`
	Reason        string          `json:"reason,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	ApprovalID    string          `json:"approval_id,omitempty"`
	Timestamp     int64           `json:"timestamp"`
}

func responseOf(tx *Transaction) *Response {
	status := tx.Status
	reason := tx.Reason
	// 对外只暴露三种结论:completed、approved_pending、failed。
	// rate_limited 等中间态折叠为 failed,reason 保留细分原因。
	if status.Terminal() && status != StatusCompleted {
		status = StatusFailed
	}
	return &Response{
		TransactionID: tx.TransactionID,
		Status:        status,
		Reason:        reason,
		Result:        tx.Result,
		ApprovalID:    tx.ApprovalID,
		Timestamp:     tx.UpdatedAt,
	}
}

func cloneTransaction(tx *Transaction) *Transaction {
	if tx == nil {
		return nil
	}
	cloned := *tx
	if tx.Payload != nil {
		cloned.Payload = append(json.RawMessage(nil), tx.Payload...)
	}
	if tx.Result != nil {
		cloned.Result = append(json.RawMessage(nil), tx.Result...)
	}
	return &cloned
}
