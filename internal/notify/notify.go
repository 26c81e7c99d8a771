package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"Amorce-Core/pkg/logger"
)

// Event 是发布到事件总线的领域事件。
type Event struct {
	// Kind 形如 transaction.completed、approval.requested。
	Kind string `json:"kind"`
	// TransactionID 关联的事务标识，可能为空(纯审批事件)。
	TransactionID string `json:"transaction_id,omitempty"`
	// ApprovalID 关联的审批标识,仅审批类事件携带。
	ApprovalID string `json:"approval_id,omitempty"`
	// Payload 事件附加数据。
	Payload map[string]any `json:"payload,omitempty"`
	// Timestamp Unix 秒。
	Timestamp int64 `json:"timestamp"`
}

// 事件类型常量。
const (
	KindTransactionCompleted = "transaction.completed"
	KindTransactionFailed    = "transaction.failed"
	KindApprovalRequested    = "approval.requested"
	KindApprovalDecided      = "approval.decided"
	KindApprovalExpired      = "approval.expired"
)

// Notifier 把领域事件投递给外部订阅者。实现必须容忍重复投递。
type Notifier interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NoopNotifier 丢弃所有事件,用于未配置事件总线的部署。
type NoopNotifier struct{}

// Publish 实现 Notifier 接口。
func (NoopNotifier) Publish(context.Context, Event) error { return nil }

// Close 实现 Notifier 接口。
func (NoopNotifier) Close() error { return nil }

var _ Notifier = NoopNotifier{}

// Emit 发布事件并把失败降级为日志。事件总线不在事务关键路径上,
// 投递失败不应让事务本身失败。
func Emit(ctx context.Context, notifier Notifier, event Event) {
	if notifier == nil {
		return
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	if err := notifier.Publish(ctx, event); err != nil {
		logger.L().Warn("事件发布失败",
			slog.String("kind", event.Kind),
			slog.String("transaction_id", event.TransactionID),
			slog.Any("error", err),
		)
	}
}

func marshalEvent(event Event) ([]byte, error) {
	return json.Marshal(event)
}
