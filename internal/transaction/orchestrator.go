package transaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"Amorce-Core/internal/approval"
	"Amorce-Core/internal/canonical"
	xerrors "Amorce-Core/internal/errors"
	"Amorce-Core/internal/identity"
	"Amorce-Core/internal/notify"
	"Amorce-Core/internal/ratelimit"
	"Amorce-Core/internal/registry"
	"Amorce-Core/internal/txlog"
	"Amorce-Core/pkg/logger"
)

// RetryPolicy 描述对 RegistryUnavailable 的有限重试。
// 只有目录暂时不可达这一类错误会触发重试,逻辑性失败永不重试。
type RetryPolicy struct {
	Attempts int
	Interval time.Duration
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = 3
	}
	if p.Interval <= 0 {
		p.Interval = 200 * time.Millisecond
	}
	return p
}

// Orchestrator 串联验签、限流、路由、审批与投递,推进事务状态机。
// 所有依赖都以接口注入,运行期不感知具体后端。
type Orchestrator struct {
	agents    registry.AgentRegistry
	services  registry.ServiceRegistry
	limiter   ratelimit.Limiter
	store     Store
	log       txlog.Log
	approvals *approval.Manager
	forwarder Forwarder
	notifier  notify.Notifier
	retry     RetryPolicy
	// 敏感服务的审批等待时长(秒)。
	approvalTimeout int
	now             func() time.Time
}

// Options 汇总协调器的全部依赖。
type Options struct {
	Agents          registry.AgentRegistry
	Services        registry.ServiceRegistry
	Limiter         ratelimit.Limiter
	Store           Store
	Log             txlog.Log
	Approvals       *approval.Manager
	Forwarder       Forwarder
	Notifier        notify.Notifier
	Retry           RetryPolicy
	ApprovalTimeout int
	Clock           func() time.Time
}

// NewOrchestrator 构造事务协调器。
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Agents == nil || opts.Services == nil {
		return nil, xerrors.New(xerrors.CodeNotInitialized, "智能体/服务目录未初始化")
	}
	if opts.Store == nil {
		return nil, xerrors.New(xerrors.CodeNotInitialized, "事务存储未初始化")
	}
	if opts.Approvals == nil {
		return nil, xerrors.New(xerrors.CodeNotInitialized, "审批管理器未初始化")
	}
	o := &Orchestrator{
		agents:          opts.Agents,
		services:        opts.Services,
		limiter:         opts.Limiter,
		store:           opts.Store,
		log:             opts.Log,
		approvals:       opts.Approvals,
		forwarder:       opts.Forwarder,
		notifier:        opts.Notifier,
		retry:           opts.Retry.normalized(),
		approvalTimeout: opts.ApprovalTimeout,
		now:             opts.Clock,
	}
	if o.limiter == nil {
		o.limiter = ratelimit.NewNoop()
	}
	if o.forwarder == nil {
		o.forwarder = NewHTTPForwarder(0)
	}
	if o.notifier == nil {
		o.notifier = notify.NoopNotifier{}
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

// Transact 处理一次入站事务。业务层面的失败通过响应体的
// status/reason 表达,返回的 error 仅代表存储等基础设施故障。
func (o *Orchestrator) Transact(ctx context.Context, envelope Envelope, signature string) (*Response, error) {
	if err := envelope.Validate(); err != nil {
		return nil, err
	}
	// 验签输入在补全服务端生成的 transaction_id 之前固定下来,
	// 保证签名覆盖的字节与客户端发出的完全一致。
	signed, encodeErr := canonical.Encode(envelope)
	if envelope.TransactionID == "" {
		envelope.TransactionID = uuid.NewString()
	}

	now := o.now().Unix()
	tx := &Transaction{
		TransactionID:   envelope.TransactionID,
		ConsumerAgentID: envelope.ConsumerAgentID,
		ServiceID:       envelope.ServiceID,
		Payload:         envelope.Payload,
		Signature:       signature,
		Status:          StatusReceived,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	stored, created, err := o.store.CreateIfAbsent(ctx, tx)
	if err != nil {
		return nil, err
	}
	if !created {
		return o.replay(stored)
	}

	// 1. 验签。此检查先于一切资源访问。
	if encodeErr != nil {
		return o.fail(ctx, tx, xerrors.CodeInvalidSignature, "请求体无法规范化编码")
	}
	consumer, err := o.findAgent(ctx, envelope.ConsumerAgentID)
	if err != nil {
		if errors.Is(err, registry.ErrAgentNotFound) {
			return o.fail(ctx, tx, xerrors.CodeUnknownAgent, "")
		}
		return o.fail(ctx, tx, xerrors.CodeOf(err), "目录查询失败")
	}
	if consumer.Status != registry.AgentActive {
		// 已吊销的智能体不再被信任目录背书。
		return o.fail(ctx, tx, xerrors.CodeUnknownAgent, "智能体已被暂停")
	}
	pub, err := identity.ParsePublicKey(consumer.PublicKey)
	if err != nil {
		return o.fail(ctx, tx, xerrors.CodeInvalidSignature, "公钥无法解析")
	}
	if !identity.Verify(signed, signature, pub) {
		return o.fail(ctx, tx, xerrors.CodeInvalidSignature, "")
	}
	tx.Status = StatusVerified

	// 2. 限流。限流器自身故障按放行处理,不让基础设施故障阻断业务。
	allowed, err := o.limiter.Allow(ctx, envelope.ConsumerAgentID)
	if err != nil {
		logger.L().Warn("限流器不可用,放行请求",
			slog.String("transaction_id", tx.TransactionID),
			slog.Any("error", err),
		)
		allowed = true
	}
	if !allowed {
		tx.Status = StatusRateLimited
		tx.Reason = string(xerrors.CodeRateLimited)
		tx.UpdatedAt = o.now().Unix()
		if err := o.store.Update(ctx, tx); err != nil {
			return nil, err
		}
		o.appendLog(ctx, tx)
		return responseOf(tx), nil
	}

	// 3. 路由。
	contract, err := o.findService(ctx, envelope.ServiceID)
	if err != nil {
		if errors.Is(err, registry.ErrServiceNotFound) {
			return o.fail(ctx, tx, xerrors.CodeUnknownService, "")
		}
		return o.fail(ctx, tx, xerrors.CodeOf(err), "目录查询失败")
	}
	provider, err := o.findAgent(ctx, contract.ProviderAgentID)
	if err != nil {
		if errors.Is(err, registry.ErrAgentNotFound) {
			return o.fail(ctx, tx, xerrors.CodeProviderUnavailable, "服务合约指向的提供方不存在")
		}
		return o.fail(ctx, tx, xerrors.CodeOf(err), "目录查询失败")
	}
	if provider.Status != registry.AgentActive {
		return o.fail(ctx, tx, xerrors.CodeProviderUnavailable, "提供方已被暂停")
	}
	tx.Status = StatusRouted
	tx.ProviderAgentID = provider.AgentID

	// 4. 敏感服务挂起等待人工审批,由后续独立调用驱动恢复。
	if contract.Sensitive {
		request, err := o.approvals.Create(ctx, approval.CreateRequest{
			TransactionID: tx.TransactionID,
			Summary:       fmt.Sprintf("智能体 %s 请求调用敏感服务 %s", tx.ConsumerAgentID, tx.ServiceID),
			Details: map[string]any{
				"consumer_agent_id": tx.ConsumerAgentID,
				"service_id":        tx.ServiceID,
				"provider_agent_id": provider.AgentID,
			},
			TimeoutSeconds: o.approvalTimeout,
		})
		if err != nil {
			return nil, err
		}
		tx.Status = StatusApprovedPending
		tx.ApprovalID = request.ApprovalID
		tx.UpdatedAt = o.now().Unix()
		if err := o.store.Update(ctx, tx); err != nil {
			return nil, err
		}
		notify.Emit(ctx, o.notifier, notify.Event{
			Kind:          notify.KindApprovalRequested,
			TransactionID: tx.TransactionID,
			ApprovalID:    request.ApprovalID,
		})
		return responseOf(tx), nil
	}

	return o.deliver(ctx, tx, provider.Endpoint, contract.PathTemplate)
}

// GetTransaction 返回事务快照。挂起事务在读取时惰性评估关联审批的
// 过期与拒绝,保证调用方看到的状态不落后于审批事实。
func (o *Orchestrator) GetTransaction(ctx context.Context, transactionID string) (*Response, error) {
	tx, err := o.store.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if tx.Status != StatusApprovedPending || tx.ApprovalID == "" {
		return responseOf(tx), nil
	}
	request, err := o.approvals.Get(ctx, tx.ApprovalID)
	if err != nil {
		return responseOf(tx), nil
	}
	switch request.Status {
	case approval.StatusExpired:
		return o.fail(ctx, tx, xerrors.CodeApprovalExpired, "")
	case approval.StatusRejected:
		return o.fail(ctx, tx, xerrors.CodeApprovalRejected, "")
	default:
		// approved 的恢复只由审批接口驱动,读取不做投递副作用。
		return responseOf(tx), nil
	}
}

// ResolveApproval 在审批到达终态后恢复关联事务:approved 继续投递,
// rejected/expired 以对应原因终止。无关联事务时为空操作。
func (o *Orchestrator) ResolveApproval(ctx context.Context, request *approval.Request) (*Response, error) {
	if request == nil || !request.Terminal() {
		return nil, nil
	}
	tx, err := o.store.FindByApproval(ctx, request.ApprovalID)
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if tx.Status != StatusApprovedPending {
		return responseOf(tx), nil
	}

	switch request.Status {
	case approval.StatusApproved:
		contract, err := o.findService(ctx, tx.ServiceID)
		if err != nil {
			return o.fail(ctx, tx, xerrors.CodeUnknownService, "")
		}
		provider, err := o.findAgent(ctx, contract.ProviderAgentID)
		if err != nil || provider.Status != registry.AgentActive {
			return o.fail(ctx, tx, xerrors.CodeProviderUnavailable, "")
		}
		return o.deliver(ctx, tx, provider.Endpoint, contract.PathTemplate)
	case approval.StatusRejected:
		return o.fail(ctx, tx, xerrors.CodeApprovalRejected, "")
	case approval.StatusExpired:
		return o.fail(ctx, tx, xerrors.CodeApprovalExpired, "")
	default:
		return responseOf(tx), nil
	}
}

// deliver 把负载投递给提供方并落库记账。
func (o *Orchestrator) deliver(ctx context.Context, tx *Transaction, endpoint, pathTemplate string) (*Response, error) {
	result, err := o.forwarder.Forward(ctx, endpoint, pathTemplate, tx.Payload)
	if err != nil {
		return o.fail(ctx, tx, xerrors.CodeProviderError, err.Error())
	}
	tx.Status = StatusCompleted
	tx.Result = result
	tx.Reason = ""
	tx.UpdatedAt = o.now().Unix()
	if err := o.store.Update(ctx, tx); err != nil {
		return nil, err
	}
	o.appendLog(ctx, tx)
	notify.Emit(ctx, o.notifier, notify.Event{
		Kind:          notify.KindTransactionCompleted,
		TransactionID: tx.TransactionID,
	})
	return responseOf(tx), nil
}

// fail 将事务迁移到 failed 终态并记账。与并发的终态写入竞争失败时,
// 以先落库者为准返回既有结论。
func (o *Orchestrator) fail(ctx context.Context, tx *Transaction, code xerrors.Code, message string) (*Response, error) {
	tx.Status = StatusFailed
	tx.Reason = string(code)
	tx.UpdatedAt = o.now().Unix()
	if err := o.store.Update(ctx, tx); err != nil {
		if existing, getErr := o.store.Get(ctx, tx.TransactionID); getErr == nil && existing.Status.Terminal() {
			return responseOf(existing), nil
		}
		return nil, err
	}
	o.appendLog(ctx, tx)
	logger.Audit().Warn("事务失败",
		slog.String("transaction_id", tx.TransactionID),
		slog.String("reason", tx.Reason),
		slog.String("detail", message),
	)
	notify.Emit(ctx, o.notifier, notify.Event{
		Kind:          notify.KindTransactionFailed,
		TransactionID: tx.TransactionID,
		Payload:       map[string]any{"reason": tx.Reason},
	})
	return responseOf(tx), nil
}

// replay 处理重复的 transaction_id:终态返回缓存结果,
// 挂起中的返回当前快照,其余一律拒绝,绝不重复执行副作用。
func (o *Orchestrator) replay(existing *Transaction) (*Response, error) {
	if existing.Status.Terminal() || existing.Status == StatusApprovedPending {
		return responseOf(existing), nil
	}
	return &Response{
		TransactionID: existing.TransactionID,
		Status:        StatusFailed,
		Reason:        string(xerrors.CodeDuplicateTx),
		Timestamp:     o.now().Unix(),
	}, nil
}

// appendLog 把终态结果写入事务日志。日志失败只告警,不改变事务结论。
func (o *Orchestrator) appendLog(ctx context.Context, tx *Transaction) {
	if o.log == nil {
		return
	}
	record := txlog.Record{
		TransactionID:   tx.TransactionID,
		ConsumerAgentID: tx.ConsumerAgentID,
		ServiceID:       tx.ServiceID,
		ProviderAgentID: tx.ProviderAgentID,
		Status:          string(tx.Status),
		Reason:          tx.Reason,
		Result:          tx.Result,
		Timestamp:       tx.UpdatedAt,
	}
	if err := o.log.Append(ctx, record); err != nil {
		logger.L().Error("事务日志写入失败",
			slog.String("transaction_id", tx.TransactionID),
			slog.Any("error", err),
		)
	}
}

func (o *Orchestrator) findAgent(ctx context.Context, agentID string) (*registry.AgentRecord, error) {
	var record *registry.AgentRecord
	err := o.withRetry(ctx, func(ctx context.Context) error {
		var err error
		record, err = o.agents.FindAgent(ctx, agentID)
		return err
	})
	return record, err
}

func (o *Orchestrator) findService(ctx context.Context, serviceID string) (*registry.ServiceContract, error) {
	var contract *registry.ServiceContract
	err := o.withRetry(ctx, func(ctx context.Context) error {
		var err error
		contract, err = o.services.FindService(ctx, serviceID)
		return err
	})
	return contract, err
}

// withRetry 对可重试错误做有限指数退避,其余错误立刻返回。
func (o *Orchestrator) withRetry(ctx context.Context, op func(context.Context) error) error {
	delay := o.retry.Interval
	var err error
	for attempt := 0; attempt < o.retry.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		if err = op(ctx); err == nil || !xerrors.RetryableError(err) {
			return err
		}
	}
	return err
}
