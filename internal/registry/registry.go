package registry

import (
	"context"

	xerrors "Amorce-Core/internal/errors"
)

// AgentStatus 表示信任目录中智能体的状态。记录从不删除，只会被挂起，
// 以保证审计链路的连续性。
type AgentStatus string

const (
	AgentActive    AgentStatus = "active"
	AgentSuspended AgentStatus = "suspended"
)

// AgentRecord 是信任目录中的一条智能体记录。
type AgentRecord struct {
	AgentID      string      `json:"agent_id" yaml:"agent_id"`
	PublicKey    string      `json:"public_key" yaml:"public_key"`
	Endpoint     string      `json:"endpoint" yaml:"endpoint"`
	Status       AgentStatus `json:"status" yaml:"status"`
	RegisteredAt int64       `json:"registered_at,omitempty" yaml:"registered_at,omitempty"`
}

// ServiceContract 描述服务标识到提供方及调用路径的映射。
// 创建后除 Sensitive 标记外不可变更。
type ServiceContract struct {
	ServiceID       string `json:"service_id" yaml:"service_id"`
	ProviderAgentID string `json:"provider_agent_id" yaml:"provider_agent_id"`
	PathTemplate    string `json:"path_template" yaml:"path_template"`
	Sensitive       bool   `json:"sensitive" yaml:"sensitive"`
	RegisteredAt    int64  `json:"registered_at,omitempty" yaml:"registered_at,omitempty"`
}

var (
	// ErrAgentNotFound 表示目录中不存在该智能体，属于终态错误，不应重试。
	ErrAgentNotFound = xerrors.New(xerrors.CodeUnknownAgent, "")
	// ErrServiceNotFound 表示目录中不存在该服务。
	ErrServiceNotFound = xerrors.New(xerrors.CodeUnknownService, "")
	// ErrUnavailable 表示目录暂时不可达，调用方可以在有限次数内重试。
	ErrUnavailable = xerrors.New(xerrors.CodeRegistryUnavailable, "")
)

// AgentRegistry 抽象智能体信任目录。Local 与 Cloud 实现必须可以互换，
// 编排器只持有接口引用。
type AgentRegistry interface {
	FindAgent(ctx context.Context, agentID string) (*AgentRecord, error)
	RegisterAgent(ctx context.Context, record AgentRecord) (*AgentRecord, error)
	SuspendAgent(ctx context.Context, agentID string) error
}

// ServiceRegistry 抽象服务目录。
type ServiceRegistry interface {
	FindService(ctx context.Context, serviceID string) (*ServiceContract, error)
	RegisterService(ctx context.Context, contract ServiceContract) (*ServiceContract, error)
	SetSensitive(ctx context.Context, serviceID string, sensitive bool) error
}
