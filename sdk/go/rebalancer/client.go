// Package rebalancer 是再平衡服务 REST 接口的 Go 客户端。
package rebalancer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"OpenYield-Rebalancer/internal/domain"
	"OpenYield-Rebalancer/internal/ledger"
	"OpenYield-Rebalancer/internal/rebalance"
)

// DefaultHTTPTimeout 是未传入 http.Client 时使用的超时。
const DefaultHTTPTimeout = 15 * time.Second

// Client 封装对再平衡服务的 HTTP 调用。
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	token      string
}

// Option 调整客户端。
type Option func(*Client)

// WithHTTPClient 使用自定义 http.Client。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithToken 设置 Bearer 令牌。
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// TriggerReceipt 是异步触发的回执。
type TriggerReceipt struct {
	RequestID   string `json:"request_id"`
	PortfolioID string `json:"portfolio_id"`
	Force       bool   `json:"force"`
}

// HistoryQuery 描述历史查询条件。
type HistoryQuery struct {
	Limit     int
	Offset    int
	Statuses  []domain.Status
	Ascending bool
}

// APIError 表示服务端返回的错误。
type APIError struct {
	StatusCode int
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("rebalancer api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("rebalancer api error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound 判断错误是否为 404。
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// NewClient 创建客户端，rawURL 为服务根地址。
func NewClient(rawURL string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url: %q", rawURL)
	}
	c := &Client{baseURL: parsed, httpClient: &http.Client{Timeout: DefaultHTTPTimeout}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Evaluate 只评估是否需要再平衡，不执行。
func (c *Client) Evaluate(ctx context.Context, portfolioID string, force bool) (domain.TriggerDecision, error) {
	var decision domain.TriggerDecision
	endpoint := portfolioPath(portfolioID, "evaluate")
	if force {
		endpoint += "?force=true"
	}
	err := c.send(ctx, http.MethodPost, endpoint, nil, &decision)
	return decision, err
}

// Rebalance 同步执行一次评估与计划，返回的 ExecutionID 非空时执行已开始。
func (c *Client) Rebalance(ctx context.Context, portfolioID string, force bool) (rebalance.CycleResult, error) {
	var result rebalance.CycleResult
	err := c.send(ctx, http.MethodPost, portfolioPath(portfolioID, "rebalance"), map[string]bool{"force": force}, &result)
	return result, err
}

// Trigger 投递异步触发请求。
func (c *Client) Trigger(ctx context.Context, portfolioID string, force bool) (TriggerReceipt, error) {
	var receipt TriggerReceipt
	err := c.send(ctx, http.MethodPost, portfolioPath(portfolioID, "triggers"), map[string]bool{"force": force}, &receipt)
	return receipt, err
}

// Execution 查询执行状态。
func (c *Client) Execution(ctx context.Context, executionID string) (*domain.RebalanceExecution, error) {
	var execution domain.RebalanceExecution
	if err := c.send(ctx, http.MethodGet, "/api/v1/executions/"+url.PathEscape(executionID), nil, &execution); err != nil {
		return nil, err
	}
	return &execution, nil
}

// Cancel 请求取消执行，返回是否已受理。
func (c *Client) Cancel(ctx context.Context, executionID string) (bool, error) {
	var out struct {
		Cancelled bool `json:"cancelled"`
	}
	err := c.send(ctx, http.MethodPost, "/api/v1/executions/"+url.PathEscape(executionID)+"/cancel", nil, &out)
	return out.Cancelled, err
}

// WaitForExecution 按 interval 轮询直到执行进入终态或 ctx 结束。
func (c *Client) WaitForExecution(ctx context.Context, executionID string, interval time.Duration) (*domain.RebalanceExecution, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		execution, err := c.Execution(ctx, executionID)
		if err != nil {
			return nil, err
		}
		if execution.Status.IsTerminal() {
			return execution, nil
		}
		select {
		case <-ctx.Done():
			return execution, ctx.Err()
		case <-ticker.C:
		}
	}
}

// History 分页查询历史执行。
func (c *Client) History(ctx context.Context, portfolioID string, q HistoryQuery) (ledger.Page, error) {
	values := url.Values{}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		values.Set("offset", strconv.Itoa(q.Offset))
	}
	if len(q.Statuses) > 0 {
		parts := make([]string, len(q.Statuses))
		for i, s := range q.Statuses {
			parts[i] = string(s)
		}
		values.Set("status", strings.Join(parts, ","))
	}
	if q.Ascending {
		values.Set("sort", "asc")
	}
	endpoint := portfolioPath(portfolioID, "executions")
	if encoded := values.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var page ledger.Page
	err := c.send(ctx, http.MethodGet, endpoint, nil, &page)
	return page, err
}

// Settings 读取组合设置。
func (c *Client) Settings(ctx context.Context, portfolioID string) (domain.RebalanceSettings, error) {
	var settings domain.RebalanceSettings
	err := c.send(ctx, http.MethodGet, portfolioPath(portfolioID, "settings"), nil, &settings)
	return settings, err
}

// UpdateSettings 提交设置变更。patch 中未出现的字段保持服务端当前值。
func (c *Client) UpdateSettings(ctx context.Context, portfolioID string, patch map[string]any) (domain.RebalanceSettings, error) {
	var settings domain.RebalanceSettings
	err := c.send(ctx, http.MethodPut, portfolioPath(portfolioID, "settings"), patch, &settings)
	return settings, err
}

func portfolioPath(portfolioID, action string) string {
	return "/api/v1/portfolios/" + url.PathEscape(portfolioID) + "/" + action
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	target, query, _ := strings.Cut(endpoint, "?")
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, target)
	u.RawPath = ""
	u.RawQuery = query

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: apiErr})
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
