// Package amorce provides a Go client for the agent transaction runtime.
// It signs outgoing transactions with the agent's Ed25519 key over the
// canonical (RFC 8785) encoding of the request body, matching what the
// server verifies against the trust directory.
package amorce

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/gowebpki/jcs"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Header names understood by the server.
const (
	HeaderAPIKey    = "X-API-Key"
	HeaderSignature = "X-Agent-Signature"
)

// Client wraps the HTTP interactions with the transaction runtime REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	apiKey     string

	agentID    string
	signingKey ed25519.PrivateKey
}

// TransactRequest is the payload for a signed transaction submission.
type TransactRequest struct {
	ServiceID     string          `json:"service_id"`
	Payload       json.RawMessage `json:"payload"`
	TransactionID string          `json:"transaction_id,omitempty"`
}

// TransactResponse mirrors the server's transaction snapshot.
type TransactResponse struct {
	TransactionID string          `json:"transaction_id"`
	Status        string          `json:"status"`
	Reason        string          `json:"reason,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	ApprovalID    string          `json:"approval_id,omitempty"`
	Timestamp     int64           `json:"timestamp"`
}

// ApprovalRequest mirrors the server's approval snapshot.
type ApprovalRequest struct {
	ApprovalID    string         `json:"approval_id"`
	TransactionID string         `json:"transaction_id,omitempty"`
	Summary       string         `json:"summary"`
	Details       map[string]any `json:"details,omitempty"`
	Status        string         `json:"status"`
	CreatedAt     int64          `json:"created_at"`
	ExpiresAt     int64          `json:"expires_at"`
	Decision      string         `json:"decision,omitempty"`
	ApprovedBy    string         `json:"approved_by,omitempty"`
	ApprovedAt    int64          `json:"approved_at,omitempty"`
	Comments      string         `json:"comments,omitempty"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Reason     string `json:"reason"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Reason != "" {
		return fmt.Sprintf("amorce api error (%d): %s", e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("amorce api error (%d): %s", e.StatusCode, e.Message)
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient overrides the underlying http.Client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithAPIKey sets the X-API-Key header on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithIdentity sets the agent id and Ed25519 private key used to sign
// transactions. Without it, Transact fails.
func WithIdentity(agentID string, key ed25519.PrivateKey) Option {
	return func(c *Client) {
		c.agentID = agentID
		c.signingKey = key
	}
}

// NewClient instantiates a client for the transaction runtime API.
func NewClient(rawURL string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	c := &Client{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Transact submits a signed transaction and returns the server's verdict.
func (c *Client) Transact(ctx context.Context, req TransactRequest) (*TransactResponse, error) {
	if c.signingKey == nil || c.agentID == "" {
		return nil, fmt.Errorf("amorce: signing identity is not set")
	}
	envelope := map[string]any{
		"consumer_agent_id": c.agentID,
		"service_id":        req.ServiceID,
		"payload":           req.Payload,
	}
	if req.TransactionID != "" {
		envelope["transaction_id"] = req.TransactionID
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	canonical, err := jcs.Transform(body)
	if err != nil {
		return nil, fmt.Errorf("canonicalize request: %w", err)
	}
	signature := base64.StdEncoding.EncodeToString(ed25519.Sign(c.signingKey, canonical))

	httpReq, err := c.newRequest(ctx, http.MethodPost, "/v1/a2a/transact", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(HeaderSignature, signature)

	var out TransactResponse
	if err := c.do(httpReq, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTransaction fetches a transaction snapshot by identifier.
func (c *Client) GetTransaction(ctx context.Context, transactionID string) (*TransactResponse, error) {
	var out TransactResponse
	endpoint := "/v1/a2a/transactions/" + url.PathEscape(transactionID)
	if err := c.get(ctx, endpoint, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateApproval opens a standalone approval request.
func (c *Client) CreateApproval(ctx context.Context, summary string, details map[string]any, timeoutSeconds int) (*ApprovalRequest, error) {
	payload := map[string]any{
		"summary":         summary,
		"details":         details,
		"timeout_seconds": timeoutSeconds,
	}
	var out ApprovalRequest
	if err := c.post(ctx, "/api/v1/approvals", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetApproval fetches an approval snapshot by identifier.
func (c *Client) GetApproval(ctx context.Context, approvalID string) (*ApprovalRequest, error) {
	var out ApprovalRequest
	endpoint := "/api/v1/approvals/" + url.PathEscape(approvalID)
	if err := c.get(ctx, endpoint, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitDecision records an approve/reject decision on a pending approval.
func (c *Client) SubmitDecision(ctx context.Context, approvalID, decision, approvedBy, comments string) (*ApprovalRequest, error) {
	payload := map[string]any{
		"decision":    decision,
		"approved_by": approvedBy,
		"comments":    comments,
	}
	var out ApprovalRequest
	endpoint := "/api/v1/approvals/" + url.PathEscape(approvalID) + "/submit"
	if err := c.post(ctx, endpoint, payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set(HeaderAPIKey, c.apiKey)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Reason == "" && apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		// Failed transactions still carry a useful body.
		if out != nil {
			_ = json.Unmarshal(data, out)
		}
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
