package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	xerrors "Amorce-Core/internal/errors"
)

// CloudConfig 描述远端信任目录服务的连接参数。
type CloudConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Cloud 通过 HTTP 代理到外部信任目录服务。瞬时网络故障与 5xx 响应
// 映射为 RegistryUnavailable（可重试），404 映射为对应的 NotFound（终态）。
// 所有调用都受 ctx 与客户端超时约束，不会无限阻塞。
type Cloud struct {
	baseURL    *url.URL
	apiKey     string
	httpClient *http.Client
}

// NewCloud 创建云目录客户端。
func NewCloud(cfg CloudConfig) (*Cloud, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "目录服务地址不能为空")
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("解析目录服务地址失败: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Cloud{
		baseURL:    parsed,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// FindAgent 实现 AgentRegistry 接口。
func (c *Cloud) FindAgent(ctx context.Context, agentID string) (*AgentRecord, error) {
	var record AgentRecord
	if err := c.do(ctx, http.MethodGet, path.Join("api/v1/agents", url.PathEscape(agentID)), nil, &record, ErrAgentNotFound); err != nil {
		return nil, err
	}
	return &record, nil
}

// RegisterAgent 实现 AgentRegistry 接口。
func (c *Cloud) RegisterAgent(ctx context.Context, record AgentRecord) (*AgentRecord, error) {
	var created AgentRecord
	if err := c.do(ctx, http.MethodPost, "api/v1/agents", record, &created, nil); err != nil {
		return nil, err
	}
	return &created, nil
}

// SuspendAgent 实现 AgentRegistry 接口。
func (c *Cloud) SuspendAgent(ctx context.Context, agentID string) error {
	target := path.Join("api/v1/agents", url.PathEscape(agentID), "suspend")
	return c.do(ctx, http.MethodPost, target, nil, nil, ErrAgentNotFound)
}

// FindService 实现 ServiceRegistry 接口。
func (c *Cloud) FindService(ctx context.Context, serviceID string) (*ServiceContract, error) {
	var contract ServiceContract
	if err := c.do(ctx, http.MethodGet, path.Join("api/v1/services", url.PathEscape(serviceID)), nil, &contract, ErrServiceNotFound); err != nil {
		return nil, err
	}
	return &contract, nil
}

// RegisterService 实现 ServiceRegistry 接口。
func (c *Cloud) RegisterService(ctx context.Context, contract ServiceContract) (*ServiceContract, error) {
	var created ServiceContract
	if err := c.do(ctx, http.MethodPost, "api/v1/services", contract, &created, nil); err != nil {
		return nil, err
	}
	return &created, nil
}

// SetSensitive 实现 ServiceRegistry 接口。
func (c *Cloud) SetSensitive(ctx context.Context, serviceID string, sensitive bool) error {
	target := path.Join("api/v1/services", url.PathEscape(serviceID), "sensitive")
	body := map[string]bool{"sensitive": sensitive}
	return c.do(ctx, http.MethodPost, target, body, nil, ErrServiceNotFound)
}

// do 执行一次目录调用并按约定映射错误。notFound 为 nil 时 404 同样
// 视为目录不可用。
func (c *Cloud) do(ctx context.Context, method, endpoint string, body, out any, notFound error) error {
	target := c.baseURL.JoinPath(endpoint)

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化目录请求失败")
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造目录请求失败")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeRegistryUnavailable, err, "目录服务不可达")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound && notFound != nil:
		return notFound
	case resp.StatusCode >= 500:
		return xerrors.New(xerrors.CodeRegistryUnavailable,
			fmt.Sprintf("目录服务返回 %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("目录服务拒绝请求 (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload))))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return xerrors.Wrap(xerrors.CodeRegistryUnavailable, err, "解析目录响应失败")
	}
	return nil
}

var (
	_ AgentRegistry   = (*Cloud)(nil)
	_ ServiceRegistry = (*Cloud)(nil)
)
