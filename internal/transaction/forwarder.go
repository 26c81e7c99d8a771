package transaction

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "Amorce-Core/internal/errors"
)

// Forwarder 把事务负载投递给服务提供方。
type Forwarder interface {
	Forward(ctx context.Context, endpoint, pathTemplate string, payload json.RawMessage) (json.RawMessage, error)
}

// HTTPForwarder 通过 HTTP POST 调用提供方端点。
// 提供方失败不在核心内重试,重试策略由调用方自行决定。
type HTTPForwarder struct {
	client *http.Client
}

// NewHTTPForwarder 创建 HTTP 投递器。timeout 为零时默认 30 秒。
func NewHTTPForwarder(timeout time.Duration) *HTTPForwarder {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPForwarder{client: &http.Client{Timeout: timeout}}
}

// Forward 实现 Forwarder 接口。非 2xx 响应和传输层错误
// 都映射为 ProviderError。
func (f *HTTPForwarder) Forward(ctx context.Context, endpoint, pathTemplate string, payload json.RawMessage) (json.RawMessage, error) {
	url := joinEndpoint(endpoint, pathTemplate)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderError, err, "构造提供方请求失败")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderError, err, "调用提供方失败")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderError, err, "读取提供方响应失败")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, xerrors.New(xerrors.CodeProviderError, "提供方返回非成功状态",
			xerrors.WithMetadata("status_code", resp.Status))
	}
	if len(body) == 0 {
		return nil, nil
	}
	if !json.Valid(body) {
		return nil, xerrors.New(xerrors.CodeProviderError, "提供方响应不是合法 JSON")
	}
	return json.RawMessage(body), nil
}

func joinEndpoint(endpoint, pathTemplate string) string {
	base := strings.TrimSuffix(endpoint, "/")
	path := pathTemplate
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

var _ Forwarder = (*HTTPForwarder)(nil)
