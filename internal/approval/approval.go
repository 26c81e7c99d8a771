// Package approval 实现人工审批（HITL）请求的有界生命周期状态机：
// pending 可以且仅可以迁移到 approved、rejected 或 expired，三者均为终态。
package approval

import (
	xerrors "Amorce-Core/internal/errors"
)

// Status 表示审批请求的状态。
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Decision 是提交决定时的合法取值。
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Request 描述一条审批请求。状态一旦离开 pending 即不可再变更。
type Request struct {
	ApprovalID    string         `json:"approval_id"`
	TransactionID string         `json:"transaction_id,omitempty"`
	Summary       string         `json:"summary"`
	Details       map[string]any `json:"details,omitempty"`
	Status        Status         `json:"status"`
	CreatedAt     int64          `json:"created_at"`
	ExpiresAt     int64          `json:"expires_at"`
	Decision      Decision       `json:"decision,omitempty"`
	ApprovedBy    string         `json:"approved_by,omitempty"`
	ApprovedAt    int64          `json:"approved_at,omitempty"`
	Comments      string         `json:"comments,omitempty"`
}

// Terminal 判断请求是否已到达终态。
func (r *Request) Terminal() bool {
	return r != nil && r.Status != StatusPending
}

const (
	CodeApprovalNotFound xerrors.Code = "ApprovalNotFound"
	CodeInvalidDecision  xerrors.Code = "InvalidApprovalDecision"
)

var (
	// ErrNotFound 表示指定的审批请求不存在。
	ErrNotFound = xerrors.New(CodeApprovalNotFound, "approval not found")
	// ErrExpired 表示请求已过期，迟到的决定永远不会生效。
	ErrExpired = xerrors.New(xerrors.CodeApprovalExpired, "")
	// ErrAlreadyDecided 表示请求已有决定，重复提交被拒绝。
	ErrAlreadyDecided = xerrors.New(xerrors.CodeApprovalDecided, "")
)

func init() {
	xerrors.Register(CodeApprovalNotFound, xerrors.Attributes{
		Message:   "approval not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInvalidDecision, xerrors.Attributes{
		Message:   "decision must be approve or reject",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// cloneRequest 返回请求的深拷贝，避免调用方看到存储内的共享状态。
func cloneRequest(r *Request) *Request {
	clone := *r
	if r.Details != nil {
		details := make(map[string]any, len(r.Details))
		for key, value := range r.Details {
			details[key] = value
		}
		clone.Details = details
	}
	return &clone
}
