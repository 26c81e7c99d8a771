package transaction

import (
	"context"
	"sync"

	xerrors "Amorce-Core/internal/errors"
)

// ErrTransactionNotFound 表示指定的事务不存在。
var ErrTransactionNotFound = xerrors.New(xerrors.CodeInvalidArgument, "事务不存在")

// Store 保存事务的当前状态。实现必须保证 CreateIfAbsent 的原子性:
// 同一 transaction_id 的并发首次写入只有一个成功,其余拿到已存在的副本。
type Store interface {
	// CreateIfAbsent 尝试写入新事务。若 transaction_id 已存在,
	// 返回已存在的副本和 false,不覆盖任何字段。
	CreateIfAbsent(ctx context.Context, tx *Transaction) (*Transaction, bool, error)
	// Update 覆盖既有事务。终态事务不允许再被更新。
	Update(ctx context.Context, tx *Transaction) error
	// Get 按 transaction_id 查找。
	Get(ctx context.Context, transactionID string) (*Transaction, error)
	// FindByApproval 按关联的 approval_id 查找等待审批的事务。
	FindByApproval(ctx context.Context, approvalID string) (*Transaction, error)
	Close() error
}

// MemoryStore 基于内存 map 实现 Store 接口,供单进程部署和测试使用。
type MemoryStore struct {
	mu           sync.Mutex
	transactions map[string]*Transaction
}

// NewMemoryStore 创建内存事务存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{transactions: make(map[string]*Transaction)}
}

// CreateIfAbsent 实现 Store 接口。
func (m *MemoryStore) CreateIfAbsent(_ context.Context, tx *Transaction) (*Transaction, bool, error) {
	if tx == nil || tx.TransactionID == "" {
		return nil, false, xerrors.New(xerrors.CodeInvalidArgument, "transaction_id 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.transactions[tx.TransactionID]; ok {
		return cloneTransaction(existing), false, nil
	}
	m.transactions[tx.TransactionID] = cloneTransaction(tx)
	return cloneTransaction(tx), true, nil
}

// Update 实现 Store 接口。
func (m *MemoryStore) Update(_ context.Context, tx *Transaction) error {
	if tx == nil || tx.TransactionID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "transaction_id 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.transactions[tx.TransactionID]
	if !ok {
		return ErrTransactionNotFound
	}
	if existing.Status.Terminal() {
		return xerrors.New(xerrors.CodeInvalidArgument, "终态事务不可修改")
	}
	m.transactions[tx.TransactionID] = cloneTransaction(tx)
	return nil
}

// Get 实现 Store 接口。
func (m *MemoryStore) Get(_ context.Context, transactionID string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.transactions[transactionID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return cloneTransaction(existing), nil
}

// FindByApproval 实现 Store 接口。
func (m *MemoryStore) FindByApproval(_ context.Context, approvalID string) (*Transaction, error) {
	if approvalID == "" {
		return nil, ErrTransactionNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range m.transactions {
		if tx.ApprovalID == approvalID {
			return cloneTransaction(tx), nil
		}
	}
	return nil, ErrTransactionNotFound
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
