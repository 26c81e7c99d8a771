package approval

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "Amorce-Core/internal/errors"
	"Amorce-Core/pkg/logger"
)

// 默认与上限超时，防止永不过期的审批请求堆积。
const (
	defaultTimeout = 300 * time.Second
	maxTimeout     = 24 * time.Hour
)

// CreateRequest 描述创建审批请求所需的参数。
type CreateRequest struct {
	ApprovalID     string
	TransactionID  string
	Summary        string
	Details        map[string]any
	TimeoutSeconds int
}

// Manager 负责审批请求的创建、查询与决定提交。过期在读取与提交时
// 惰性评估；可选的后台巡检仅用于审计记账，不影响正确性。
type Manager struct {
	store Store
	now   func() time.Time
}

// ManagerOption 定义可选配置。
type ManagerOption func(*Manager)

// WithClock 注入时钟，供测试控制过期时间。
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager 构造审批管理器。
func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{store: store, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Create 创建一条新的审批请求，初始状态为 pending。
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Request, error) {
	if m.store == nil {
		return nil, xerrors.New(xerrors.CodeNotInitialized, "审批存储未初始化")
	}
	if strings.TrimSpace(req.Summary) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "summary 不能为空")
	}

	approvalID := strings.TrimSpace(req.ApprovalID)
	if approvalID == "" {
		approvalID = uuid.NewString()
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if timeout > maxTimeout {
		timeout = maxTimeout
	}

	now := m.now()
	request := &Request{
		ApprovalID:    approvalID,
		TransactionID: req.TransactionID,
		Summary:       req.Summary,
		Details:       req.Details,
		Status:        StatusPending,
		CreatedAt:     now.Unix(),
		ExpiresAt:     now.Add(timeout).Unix(),
	}
	if err := m.store.Create(ctx, request); err != nil {
		return nil, err
	}
	logger.Audit().Info("审批请求已创建",
		slog.String("approval_id", approvalID),
		slog.String("transaction_id", req.TransactionID),
		slog.Int64("expires_at", request.ExpiresAt),
	)
	return request, nil
}

// Get 返回审批请求的当前快照。
func (m *Manager) Get(ctx context.Context, approvalID string) (*Request, error) {
	if m.store == nil {
		return nil, xerrors.New(xerrors.CodeNotInitialized, "审批存储未初始化")
	}
	return m.store.Get(ctx, approvalID, m.now().Unix())
}

// SubmitDecision 提交一次审批决定。同一请求至多一次决定生效；
// 对已过期请求的提交返回 ApprovalExpired 且不改写任何决定字段。
func (m *Manager) SubmitDecision(ctx context.Context, approvalID string, decision Decision, approvedBy, comments string) (*Request, error) {
	if m.store == nil {
		return nil, xerrors.New(xerrors.CodeNotInitialized, "审批存储未初始化")
	}
	if strings.TrimSpace(approvedBy) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "approved_by 不能为空")
	}

	request, err := m.store.SubmitDecision(ctx, approvalID, decision, approvedBy, comments, m.now().Unix())
	if err != nil {
		return request, err
	}
	logger.Audit().Info("审批决定已记录",
		slog.String("approval_id", approvalID),
		slog.String("decision", string(decision)),
		slog.String("approved_by", approvedBy),
	)
	return request, nil
}

// StartSweeper 启动周期巡检，把已过期的 pending 请求标记出来并记入审计。
// 巡检只是记账手段，正确性由惰性过期保证。
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				expired, err := m.store.ExpireDue(ctx, m.now().Unix())
				if err != nil {
					logger.L().Error("审批过期巡检失败", slog.Any("error", err))
					continue
				}
				for _, request := range expired {
					logger.Audit().Info("审批请求已过期",
						slog.String("approval_id", request.ApprovalID),
						slog.String("transaction_id", request.TransactionID),
					)
				}
			}
		}
	}()
}
