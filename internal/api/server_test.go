package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"Amorce-Core/internal/approval"
	"Amorce-Core/internal/canonical"
	"Amorce-Core/internal/config"
	"Amorce-Core/internal/identity"
	"Amorce-Core/internal/registry"
	"Amorce-Core/internal/transaction"
)

type testEnv struct {
	server   *httptest.Server
	consumer *identity.Identity
}

func newTestEnv(t *testing.T, cfg *config.Config, sensitive bool) *testEnv {
	t.Helper()
	ctx := context.Background()

	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Name string `json:"name"`
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"message":"Hello, %s!"}`, payload.Name)
	}))
	t.Cleanup(provider.Close)

	consumer, err := identity.Generate()
	if err != nil {
		t.Fatalf("生成密钥失败: %v", err)
	}
	directory, err := registry.NewLocal("")
	if err != nil {
		t.Fatalf("创建目录失败: %v", err)
	}
	if _, err := directory.RegisterAgent(ctx, registry.AgentRecord{
		AgentID:   "a1",
		PublicKey: consumer.PublicKeyBase64(),
		Endpoint:  "http://a1.invalid",
	}); err != nil {
		t.Fatalf("注册消费方失败: %v", err)
	}
	if _, err := directory.RegisterAgent(ctx, registry.AgentRecord{
		AgentID:   "p1",
		PublicKey: consumer.PublicKeyBase64(),
		Endpoint:  provider.URL,
	}); err != nil {
		t.Fatalf("注册提供方失败: %v", err)
	}
	if _, err := directory.RegisterService(ctx, registry.ServiceContract{
		ServiceID:       "srv-greet",
		ProviderAgentID: "p1",
		PathTemplate:    "/greet",
		Sensitive:       sensitive,
	}); err != nil {
		t.Fatalf("注册服务失败: %v", err)
	}

	approvals := approval.NewManager(approval.NewMemoryStore())
	orchestrator, err := transaction.NewOrchestrator(transaction.Options{
		Agents:          directory,
		Services:        directory,
		Store:           transaction.NewMemoryStore(),
		Approvals:       approvals,
		ApprovalTimeout: 60,
	})
	if err != nil {
		t.Fatalf("构造协调器失败: %v", err)
	}

	srv := NewServer(Options{
		Config:       cfg,
		Orchestrator: orchestrator,
		Approvals:    approvals,
		Agents:       directory,
		Services:     directory,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, consumer: consumer}
}

func standaloneConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	return cfg
}

func (e *testEnv) transact(t *testing.T, txID string, corruptSignature bool) *http.Response {
	t.Helper()
	envelope := transaction.Envelope{
		ConsumerAgentID: "a1",
		ServiceID:       "srv-greet",
		Payload:         json.RawMessage(`{"name":"Alice"}`),
		TransactionID:   txID,
	}
	encoded, err := canonical.Encode(envelope)
	if err != nil {
		t.Fatalf("规范化编码失败: %v", err)
	}
	signature := e.consumer.Sign(encoded)
	if corruptSignature {
		signature = "AAAA" + signature[4:]
	}

	body, _ := json.Marshal(envelope)
	req, _ := http.NewRequest(http.MethodPost, e.server.URL+"/v1/a2a/transact", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, signature)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, standaloneConfig(t), false)

	resp, err := http.Get(env.server.URL + "/health")
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("期望 200,实际 %d", resp.StatusCode)
	}
	var body struct {
		Status string `json:"status"`
		Mode   string `json:"mode"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if body.Status != "ok" || body.Mode != config.ModeStandalone {
		t.Fatalf("健康检查响应不符: %+v", body)
	}
}

func TestTransactEndToEnd(t *testing.T) {
	env := newTestEnv(t, standaloneConfig(t), false)

	resp := env.transact(t, "tx_http_1", false)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("期望 200,实际 %d", resp.StatusCode)
	}
	var body transaction.Response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if body.Status != transaction.StatusCompleted {
		t.Fatalf("期望 completed,实际 %s (reason=%s)", body.Status, body.Reason)
	}
	if string(body.Result) != `{"message":"Hello, Alice!"}` {
		t.Fatalf("结果不符: %s", body.Result)
	}

	// 快照查询。
	snapshot, err := http.Get(env.server.URL + "/v1/a2a/transactions/tx_http_1")
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	defer snapshot.Body.Close()
	if snapshot.StatusCode != http.StatusOK {
		t.Fatalf("期望 200,实际 %d", snapshot.StatusCode)
	}
}

func TestTransactInvalidSignature(t *testing.T) {
	env := newTestEnv(t, standaloneConfig(t), false)

	resp := env.transact(t, "tx_http_bad", true)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("期望 401,实际 %d", resp.StatusCode)
	}
	var body struct {
		TransactionID string `json:"transaction_id"`
		Status        string `json:"status"`
		Reason        string `json:"reason"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if body.Status != "failed" || body.Reason != "InvalidSignature" {
		t.Fatalf("错误体不符: %+v", body)
	}
}

func TestAPIKeyEnforcedInCloudMode(t *testing.T) {
	cfg := standaloneConfig(t)
	cfg.Mode = config.ModeCloud
	cfg.Server.APIKey = "secret"
	env := newTestEnv(t, cfg, false)

	// 无密钥被拒。
	resp := env.transact(t, "tx_cloud_1", false)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("期望 401,实际 %d", resp.StatusCode)
	}

	// 健康检查不需要密钥。
	health, err := http.Get(env.server.URL + "/health")
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	defer health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Fatalf("健康检查不应要求密钥,实际 %d", health.StatusCode)
	}
}

func TestSensitiveApprovalOverHTTP(t *testing.T) {
	env := newTestEnv(t, standaloneConfig(t), true)

	resp := env.transact(t, "tx_http_sensitive", false)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("期望 202,实际 %d", resp.StatusCode)
	}
	var pending transaction.Response
	if err := json.NewDecoder(resp.Body).Decode(&pending); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if pending.Status != transaction.StatusApprovedPending || pending.ApprovalID == "" {
		t.Fatalf("期望 approved_pending,实际 %+v", pending)
	}

	// 提交审批决定,事务应随之完成。
	decision, _ := json.Marshal(map[string]string{
		"decision":    "approve",
		"approved_by": "operator-1",
	})
	submit, err := http.Post(
		env.server.URL+"/api/v1/approvals/"+pending.ApprovalID+"/submit",
		"application/json", bytes.NewReader(decision))
	if err != nil {
		t.Fatalf("提交审批失败: %v", err)
	}
	defer submit.Body.Close()
	if submit.StatusCode != http.StatusOK {
		t.Fatalf("期望 200,实际 %d", submit.StatusCode)
	}

	snapshot, err := http.Get(env.server.URL + "/v1/a2a/transactions/tx_http_sensitive")
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	defer snapshot.Body.Close()
	var final transaction.Response
	if err := json.NewDecoder(snapshot.Body).Decode(&final); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if final.Status != transaction.StatusCompleted {
		t.Fatalf("期望 completed,实际 %s (reason=%s)", final.Status, final.Reason)
	}
}

func TestDirectoryAdminOverHTTP(t *testing.T) {
	env := newTestEnv(t, standaloneConfig(t), false)

	agent, _ := json.Marshal(registry.AgentRecord{
		AgentID:   "a9",
		PublicKey: env.consumer.PublicKeyBase64(),
		Endpoint:  "http://a9.invalid",
	})
	created, err := http.Post(env.server.URL+"/api/v1/agents", "application/json", bytes.NewReader(agent))
	if err != nil {
		t.Fatalf("注册代理失败: %v", err)
	}
	defer created.Body.Close()
	if created.StatusCode != http.StatusCreated {
		t.Fatalf("期望 201,实际 %d", created.StatusCode)
	}

	got, err := http.Get(env.server.URL + "/api/v1/agents/a9")
	if err != nil {
		t.Fatalf("查询代理失败: %v", err)
	}
	defer got.Body.Close()
	if got.StatusCode != http.StatusOK {
		t.Fatalf("期望 200,实际 %d", got.StatusCode)
	}
	var record registry.AgentRecord
	if err := json.NewDecoder(got.Body).Decode(&record); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if record.AgentID != "a9" || record.Status != registry.AgentActive {
		t.Fatalf("代理记录不符: %+v", record)
	}

	service, err := http.Get(env.server.URL + "/api/v1/services/srv-greet")
	if err != nil {
		t.Fatalf("查询服务失败: %v", err)
	}
	defer service.Body.Close()
	if service.StatusCode != http.StatusOK {
		t.Fatalf("期望 200,实际 %d", service.StatusCode)
	}

	missing, err := http.Get(env.server.URL + "/api/v1/agents/ghost")
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("期望 404,实际 %d", missing.StatusCode)
	}
}

func TestApprovalCrudOverHTTP(t *testing.T) {
	env := newTestEnv(t, standaloneConfig(t), false)

	payload, _ := json.Marshal(map[string]any{
		"summary":         "manual check",
		"timeout_seconds": 30,
	})
	created, err := http.Post(env.server.URL+"/api/v1/approvals", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("创建审批失败: %v", err)
	}
	defer created.Body.Close()
	if created.StatusCode != http.StatusCreated {
		t.Fatalf("期望 201,实际 %d", created.StatusCode)
	}
	var body struct {
		ApprovalID string `json:"approval_id"`
		Status     string `json:"status"`
	}
	if err := json.NewDecoder(created.Body).Decode(&body); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if body.ApprovalID == "" || body.Status != "pending" {
		t.Fatalf("创建响应不符: %+v", body)
	}

	got, err := http.Get(env.server.URL + "/api/v1/approvals/" + body.ApprovalID)
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	defer got.Body.Close()
	if got.StatusCode != http.StatusOK {
		t.Fatalf("期望 200,实际 %d", got.StatusCode)
	}

	missing, err := http.Get(env.server.URL + "/api/v1/approvals/nope")
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("期望 404,实际 %d", missing.StatusCode)
	}
}
