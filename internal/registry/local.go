package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	xerrors "Amorce-Core/internal/errors"
)

// localDocument 是本地目录文件的磁盘结构。
type localDocument struct {
	Agents   []AgentRecord     `yaml:"agents"`
	Services []ServiceContract `yaml:"services"`
}

// Local 以单个 YAML 文件承载智能体与服务目录：启动时全量加载进内存，
// 每次变更同步写回（write-through）。适用于单进程、低并发的独立部署；
// path 为空时退化为纯内存目录，供测试使用。
type Local struct {
	mu       sync.RWMutex
	path     string
	agents   map[string]*AgentRecord
	services map[string]*ServiceContract
}

// NewLocal 创建本地目录。文件不存在时视为空目录，首次变更时创建。
func NewLocal(path string) (*Local, error) {
	l := &Local{
		path:     path,
		agents:   make(map[string]*AgentRecord),
		services: make(map[string]*ServiceContract),
	}
	if path == "" {
		return l, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建目录数据目录失败: %w", err)
	}
	if err := l.loadFromDisk(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Local) loadFromDisk() error {
	content, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("读取目录文件失败: %w", err)
	}
	var doc localDocument
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return fmt.Errorf("解析目录文件失败: %w", err)
	}
	for i := range doc.Agents {
		record := doc.Agents[i]
		if record.Status == "" {
			record.Status = AgentActive
		}
		l.agents[record.AgentID] = &record
	}
	for i := range doc.Services {
		contract := doc.Services[i]
		l.services[contract.ServiceID] = &contract
	}
	return nil
}

// persist 在持有写锁的前提下将全量目录写回磁盘。
func (l *Local) persist() error {
	if l.path == "" {
		return nil
	}
	doc := localDocument{
		Agents:   make([]AgentRecord, 0, len(l.agents)),
		Services: make([]ServiceContract, 0, len(l.services)),
	}
	for _, record := range l.agents {
		doc.Agents = append(doc.Agents, *record)
	}
	for _, contract := range l.services {
		doc.Services = append(doc.Services, *contract)
	}
	encoded, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("序列化目录失败: %w", err)
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o644); err != nil {
		return fmt.Errorf("写入目录文件失败: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("替换目录文件失败: %w", err)
	}
	return nil
}

// FindAgent 实现 AgentRegistry 接口。
func (l *Local) FindAgent(_ context.Context, agentID string) (*AgentRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	record, ok := l.agents[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	clone := *record
	return &clone, nil
}

// RegisterAgent 注册或更新一条智能体记录。
func (l *Local) RegisterAgent(_ context.Context, record AgentRecord) (*AgentRecord, error) {
	if strings.TrimSpace(record.AgentID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "agent_id 不能为空")
	}
	if strings.TrimSpace(record.PublicKey) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "public_key 不能为空")
	}
	if record.Status == "" {
		record.Status = AgentActive
	}
	if record.RegisteredAt == 0 {
		record.RegisteredAt = time.Now().Unix()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	clone := record
	l.agents[record.AgentID] = &clone
	if err := l.persist(); err != nil {
		delete(l.agents, record.AgentID)
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "目录落盘失败")
	}
	result := record
	return &result, nil
}

// SuspendAgent 将智能体标记为挂起。记录保留以维持审计连续性。
func (l *Local) SuspendAgent(_ context.Context, agentID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	record, ok := l.agents[agentID]
	if !ok {
		return ErrAgentNotFound
	}
	previous := record.Status
	record.Status = AgentSuspended
	if err := l.persist(); err != nil {
		record.Status = previous
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "目录落盘失败")
	}
	return nil
}

// FindService 实现 ServiceRegistry 接口。
func (l *Local) FindService(_ context.Context, serviceID string) (*ServiceContract, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	contract, ok := l.services[serviceID]
	if !ok {
		return nil, ErrServiceNotFound
	}
	clone := *contract
	return &clone, nil
}

// RegisterService 注册服务契约。契约创建后不可变更，重复注册返回冲突。
func (l *Local) RegisterService(_ context.Context, contract ServiceContract) (*ServiceContract, error) {
	if strings.TrimSpace(contract.ServiceID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "service_id 不能为空")
	}
	if strings.TrimSpace(contract.ProviderAgentID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "provider_agent_id 不能为空")
	}
	if contract.RegisteredAt == 0 {
		contract.RegisteredAt = time.Now().Unix()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.services[contract.ServiceID]; ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "服务已注册: "+contract.ServiceID)
	}
	clone := contract
	l.services[contract.ServiceID] = &clone
	if err := l.persist(); err != nil {
		delete(l.services, contract.ServiceID)
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "目录落盘失败")
	}
	result := contract
	return &result, nil
}

// SetSensitive 调整服务的敏感标记，这是契约唯一允许的创建后变更。
func (l *Local) SetSensitive(_ context.Context, serviceID string, sensitive bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	contract, ok := l.services[serviceID]
	if !ok {
		return ErrServiceNotFound
	}
	previous := contract.Sensitive
	contract.Sensitive = sensitive
	if err := l.persist(); err != nil {
		contract.Sensitive = previous
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "目录落盘失败")
	}
	return nil
}

// 编译期接口检查。
var (
	_ AgentRegistry   = (*Local)(nil)
	_ ServiceRegistry = (*Local)(nil)
)
