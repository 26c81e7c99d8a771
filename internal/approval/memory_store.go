package approval

import (
	"context"
	"sync"

	xerrors "Amorce-Core/internal/errors"
)

// Store 抽象审批请求的持久化。SubmitDecision 与过期检查必须按
// approval_id 原子执行：同一请求至多记录一次决定。
type Store interface {
	Create(ctx context.Context, request *Request) error
	// Get 返回请求快照，读取时惰性评估过期。
	Get(ctx context.Context, approvalID string, now int64) (*Request, error)
	// SubmitDecision 以 compare-and-set 语义把 pending 迁移到终态。
	SubmitDecision(ctx context.Context, approvalID string, decision Decision, approvedBy, comments string, now int64) (*Request, error)
	// ExpireDue 将所有已过期但仍 pending 的请求标记为 expired，返回被标记的快照。
	ExpireDue(ctx context.Context, now int64) ([]*Request, error)
	Close() error
}

// MemoryStore 以内存方式保存审批请求。锁的范围是单个 map 互斥量，
// 状态迁移全部在持锁期间完成，不存在并发读者可见的中间状态。
type MemoryStore struct {
	mu       sync.Mutex
	requests map[string]*Request
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*Request)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, request *Request) error {
	if request == nil || request.ApprovalID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "approval_id 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[request.ApprovalID]; ok {
		return xerrors.New(xerrors.CodeInvalidArgument, "审批请求已存在: "+request.ApprovalID)
	}
	m.requests[request.ApprovalID] = cloneRequest(request)
	return nil
}

// Get 实现 Store 接口。过期的 pending 请求在读取时被原子标记为 expired。
func (m *MemoryStore) Get(_ context.Context, approvalID string, now int64) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	request, ok := m.requests[approvalID]
	if !ok {
		return nil, ErrNotFound
	}
	m.expireLocked(request, now)
	return cloneRequest(request), nil
}

// SubmitDecision 实现 Store 接口。
func (m *MemoryStore) SubmitDecision(_ context.Context, approvalID string, decision Decision, approvedBy, comments string, now int64) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	request, ok := m.requests[approvalID]
	if !ok {
		return nil, ErrNotFound
	}

	// 过期检查先于决定写入：迟到的决定把请求迁移到 expired 而不是生效。
	m.expireLocked(request, now)
	if request.Status == StatusExpired {
		return cloneRequest(request), ErrExpired
	}
	if request.Status != StatusPending {
		return cloneRequest(request), ErrAlreadyDecided
	}

	switch decision {
	case DecisionApprove:
		request.Status = StatusApproved
	case DecisionReject:
		request.Status = StatusRejected
	default:
		return nil, xerrors.New(CodeInvalidDecision, "")
	}
	request.Decision = decision
	request.ApprovedBy = approvedBy
	request.ApprovedAt = now
	request.Comments = comments
	return cloneRequest(request), nil
}

// ExpireDue 实现 Store 接口。
func (m *MemoryStore) ExpireDue(_ context.Context, now int64) ([]*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []*Request
	for _, request := range m.requests {
		if m.expireLocked(request, now) {
			expired = append(expired, cloneRequest(request))
		}
	}
	return expired, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

// expireLocked 在持锁状态下评估过期，返回本次是否发生了迁移。
func (m *MemoryStore) expireLocked(request *Request, now int64) bool {
	if request.Status != StatusPending {
		return false
	}
	if now <= request.ExpiresAt {
		return false
	}
	request.Status = StatusExpired
	return true
}

var _ Store = (*MemoryStore)(nil)
