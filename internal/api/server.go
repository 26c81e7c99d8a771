package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"Amorce-Core/internal/approval"
	"Amorce-Core/internal/config"
	xerrors "Amorce-Core/internal/errors"
	"Amorce-Core/internal/registry"
	"Amorce-Core/internal/transaction"
	"Amorce-Core/internal/txlog"
)

// 请求头约定。
const (
	HeaderAPIKey    = "X-API-Key"
	HeaderSignature = "X-Agent-Signature"
)

// Server 负责暴露 REST 接口,供智能体提交事务、运营方管理目录与审批。
type Server struct {
	addr         string
	apiKey       string
	mode         string
	version      string
	orchestrator *transaction.Orchestrator
	approvals    *approval.Manager
	agents       registry.AgentRegistry
	services     registry.ServiceRegistry
	log          txlog.Log
}

// Options 汇总服务依赖。
type Options struct {
	Config       *config.Config
	Orchestrator *transaction.Orchestrator
	Approvals    *approval.Manager
	Agents       registry.AgentRegistry
	Services     registry.ServiceRegistry
	Log          txlog.Log
}

// NewServer 构造 API 服务实例。
func NewServer(opts Options) *Server {
	s := &Server{
		orchestrator: opts.Orchestrator,
		approvals:    opts.Approvals,
		agents:       opts.Agents,
		services:     opts.Services,
		log:          opts.Log,
	}
	if opts.Config != nil {
		s.addr = opts.Config.Server.Address
		s.apiKey = opts.Config.Server.APIKey
		s.mode = opts.Config.Mode
		s.version = opts.Config.Runtime.Version
	}
	return s
}

// Handler 返回完整路由,便于测试直接挂接 httptest。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/a2a/transact", s.requireAPIKey(s.handleTransact))
	mux.HandleFunc("GET /v1/a2a/transactions/{id}", s.requireAPIKey(s.handleGetTransaction))
	mux.HandleFunc("GET /v1/a2a/transactions", s.requireAPIKey(s.handleListTransactions))
	mux.HandleFunc("POST /api/v1/approvals", s.requireAPIKey(s.handleCreateApproval))
	mux.HandleFunc("GET /api/v1/approvals/{id}", s.requireAPIKey(s.handleGetApproval))
	mux.HandleFunc("POST /api/v1/approvals/{id}/submit", s.requireAPIKey(s.handleSubmitDecision))
	mux.HandleFunc("POST /api/v1/agents", s.requireAPIKey(s.handleRegisterAgent))
	mux.HandleFunc("GET /api/v1/agents/{id}", s.requireAPIKey(s.handleGetAgent))
	mux.HandleFunc("POST /api/v1/agents/{id}/suspend", s.requireAPIKey(s.handleSuspendAgent))
	mux.HandleFunc("POST /api/v1/services", s.requireAPIKey(s.handleRegisterService))
	mux.HandleFunc("GET /api/v1/services/{id}", s.requireAPIKey(s.handleGetService))
	mux.HandleFunc("POST /api/v1/services/{id}/sensitive", s.requireAPIKey(s.handleSetSensitive))
	return mux
}

// Start 启动 HTTP 服务,直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// requireAPIKey 校验 X-API-Key。standalone 模式未配置密钥时放行,
// 其余情况用常数时间比较防止计时侧信道。
func (s *Server) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" && s.mode != config.ModeCloud {
			next(w, r)
			return
		}
		provided := r.Header.Get(HeaderAPIKey)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.apiKey)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "无效的 API Key"})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"mode":    s.mode,
		"version": s.version,
	})
}

func (s *Server) handleTransact(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "协调器未初始化"})
		return
	}
	var envelope transaction.Envelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "请求体解析失败"})
		return
	}

	resp, err := s.orchestrator.Transact(r.Context(), envelope, r.Header.Get(HeaderSignature))
	if err != nil {
		writeCodedError(w, envelope.TransactionID, err)
		return
	}
	writeJSON(w, statusCodeOf(resp), resp)
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	resp, err := s.orchestrator.GetTransaction(r.Context(), r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "事务不存在"})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	if s.log == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "事务日志未初始化"})
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	records, err := s.log.ListLatest(r.Context(), limit)
	if err != nil {
		writeCodedError(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleCreateApproval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ApprovalID     string         `json:"approval_id"`
		TransactionID  string         `json:"transaction_id"`
		Summary        string         `json:"summary"`
		Details        map[string]any `json:"details"`
		TimeoutSeconds int            `json:"timeout_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "请求体解析失败"})
		return
	}
	request, err := s.approvals.Create(r.Context(), approval.CreateRequest{
		ApprovalID:     req.ApprovalID,
		TransactionID:  req.TransactionID,
		Summary:        req.Summary,
		Details:        req.Details,
		TimeoutSeconds: req.TimeoutSeconds,
	})
	if err != nil {
		writeCodedError(w, "", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"approval_id": request.ApprovalID,
		"status":      request.Status,
		"created_at":  request.CreatedAt,
		"expires_at":  request.ExpiresAt,
	})
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	request, err := s.approvals.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeCodedError(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, request)
}

func (s *Server) handleSubmitDecision(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Decision   string `json:"decision"`
		ApprovedBy string `json:"approved_by"`
		Comments   string `json:"comments"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "请求体解析失败"})
		return
	}
	request, err := s.approvals.SubmitDecision(r.Context(), r.PathValue("id"),
		approval.Decision(req.Decision), req.ApprovedBy, req.Comments)
	if err != nil {
		writeCodedError(w, "", err)
		return
	}

	// 审批落定后立刻驱动关联事务:approved 继续投递,
	// rejected 以对应原因终止。恢复失败不影响审批结论本身。
	if s.orchestrator != nil {
		_, _ = s.orchestrator.ResolveApproval(r.Context(), request)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"approval_id": request.ApprovalID,
		"status":      request.Status,
		"approved_at": request.ApprovedAt,
	})
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var record registry.AgentRecord
	if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "请求体解析失败"})
		return
	}
	created, err := s.agents.RegisterAgent(r.Context(), record)
	if err != nil {
		writeCodedError(w, "", err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	record, err := s.agents.FindAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		writeCodedError(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleSuspendAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.agents.SuspendAgent(r.Context(), r.PathValue("id")); err != nil {
		writeCodedError(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "suspended"})
}

func (s *Server) handleRegisterService(w http.ResponseWriter, r *http.Request) {
	var contract registry.ServiceContract
	if err := json.NewDecoder(r.Body).Decode(&contract); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "请求体解析失败"})
		return
	}
	created, err := s.services.RegisterService(r.Context(), contract)
	if err != nil {
		writeCodedError(w, "", err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	contract, err := s.services.FindService(r.Context(), r.PathValue("id"))
	if err != nil {
		writeCodedError(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, contract)
}

func (s *Server) handleSetSensitive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Sensitive bool `json:"sensitive"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "请求体解析失败"})
		return
	}
	if err := s.services.SetSensitive(r.Context(), r.PathValue("id"), req.Sensitive); err != nil {
		writeCodedError(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// statusCodeOf 把业务结论映射为 HTTP 状态码。
func statusCodeOf(resp *transaction.Response) int {
	switch resp.Status {
	case transaction.StatusCompleted:
		return http.StatusOK
	case transaction.StatusApprovedPending:
		return http.StatusAccepted
	}
	return reasonStatusCode(xerrors.Code(resp.Reason))
}

func reasonStatusCode(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidSignature:
		return http.StatusUnauthorized
	case xerrors.CodeUnknownAgent, xerrors.CodeUnknownService:
		return http.StatusNotFound
	case xerrors.CodeRateLimited:
		return http.StatusTooManyRequests
	case xerrors.CodeDuplicateTx:
		return http.StatusConflict
	case xerrors.CodeApprovalDecided:
		return http.StatusConflict
	case xerrors.CodeApprovalExpired:
		return http.StatusGone
	case xerrors.CodeApprovalRejected:
		return http.StatusForbidden
	case xerrors.CodeProviderUnavailable, xerrors.CodeProviderError:
		return http.StatusBadGateway
	case xerrors.CodeRegistryUnavailable:
		return http.StatusServiceUnavailable
	case xerrors.CodeInvalidArgument, approval.CodeInvalidDecision:
		return http.StatusBadRequest
	case approval.CodeApprovalNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeCodedError 渲染统一错误体,reason 取稳定的错误码。
func writeCodedError(w http.ResponseWriter, transactionID string, err error) {
	code := xerrors.CodeOf(err)
	body := map[string]any{
		"status": "failed",
		"reason": string(code),
	}
	if strings.TrimSpace(transactionID) != "" {
		body["transaction_id"] = transactionID
	}
	writeJSON(w, reasonStatusCode(code), body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
