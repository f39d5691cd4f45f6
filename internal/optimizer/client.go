package optimizer

import (
	"bytes"
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"

	"OpenYield-Rebalancer/internal/domain"
	xerrors "OpenYield-Rebalancer/internal/errors"
	"OpenYield-Rebalancer/pkg/logger"
)

const (
	optimizePath         = "/api/v1/portfolio/optimize"
	defaultTimeout       = 30 * time.Second
	defaultSuggestionTTL = 15 * time.Minute
	defaultMaxAttempts   = 3
	// percentTolerance 允许优化服务返回的百分比合计存在舍入误差。
	percentTolerance = 0.5
)

// Config 描述优化服务的连接参数。
type Config struct {
	BaseURL       string        `yaml:"base_url"`
	Timeout       time.Duration `yaml:"timeout"`
	SuggestionTTL time.Duration `yaml:"suggestion_ttl"`
	MaxAttempts   int           `yaml:"max_attempts"`
}

// HTTPClient 通过 HTTP 调用优化服务。
type HTTPClient struct {
	baseURL     string
	ttl         time.Duration
	maxAttempts int
	httpClient  *http.Client
	now         func() time.Time
	log         *slog.Logger
}

// NewHTTPClient 根据配置创建优化服务客户端。
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置优化服务地址")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ttl := cfg.SuggestionTTL
	if ttl <= 0 {
		ttl = defaultSuggestionTTL
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	return &HTTPClient{
		baseURL:     baseURL,
		ttl:         ttl,
		maxAttempts: attempts,
		httpClient:  &http.Client{Timeout: timeout},
		now:         time.Now,
		log:         logger.Named("optimizer"),
	}, nil
}

type assetData struct {
	ID         string  `json:"id"`
	Asset      string  `json:"asset"`
	Protocol   string  `json:"protocol"`
	Value      string  `json:"value"`
	Allocation float64 `json:"allocation"`
	Liquidity  string  `json:"liquidity,omitempty"`
}

type optimizeRequest struct {
	PortfolioData struct {
		ID         string      `json:"id"`
		TotalValue string      `json:"total_value"`
		Assets     []assetData `json:"assets"`
	} `json:"portfolio_data"`
	Preferences struct {
		RiskTolerance        string  `json:"risk_tolerance,omitempty"`
		MaxConcentration     float64 `json:"max_concentration,omitempty"`
		RebalancingFrequency string  `json:"rebalancing_frequency,omitempty"`
	} `json:"preferences"`
}

type allocationItem struct {
	Asset          string  `json:"asset"`
	Protocol       string  `json:"protocol"`
	Percentage     float64 `json:"percentage"`
	ExpectedReturn float64 `json:"expected_return"`
}

type optimizeResponse struct {
	Success      bool   `json:"success"`
	Error        string `json:"error"`
	Optimization struct {
		Allocations          []allocationItem `json:"allocations"`
		ExpectedReturn       float64          `json:"expected_return"`
		RiskScore            float64          `json:"risk_score"`
		SharpeRatio          float64          `json:"sharpe_ratio"`
		RebalancingFrequency string           `json:"rebalancing_frequency"`
		Confidence           float64          `json:"confidence"`
	} `json:"optimization"`
}

// SuggestAllocation 实现 Client。
func (c *HTTPClient) SuggestAllocation(ctx context.Context, portfolio domain.Portfolio, constraints Constraints) (domain.SuggestedAllocation, error) {
	payload, err := json.Marshal(buildRequest(portfolio, constraints))
	if err != nil {
		return domain.SuggestedAllocation{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化优化请求失败")
	}

	decoded, err := backoff.Retry(ctx, func() (*optimizeResponse, error) {
		return c.post(ctx, payload)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(c.maxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.log.Warn("请求优化服务失败，准备重试",
				slog.String("portfolio_id", portfolio.ID),
				slog.Duration("backoff", wait),
				slog.Any("error", err))
		}),
	)
	if err != nil {
		var permanent *backoff.PermanentError
		if stdErrors.As(err, &permanent) {
			err = permanent.Unwrap()
		}
		return domain.SuggestedAllocation{}, err
	}
	return c.toSuggestion(portfolio, decoded)
}

func (c *HTTPClient) post(ctx context.Context, payload []byte) (*optimizeResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+optimizePath, bytes.NewReader(payload))
	if err != nil {
		return nil, backoff.Permanent(xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构建优化请求失败"))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "请求优化服务失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		err := xerrors.New(xerrors.CodeUpstreamFailure,
			fmt.Sprintf("优化服务返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
		if resp.StatusCode < http.StatusInternalServerError && resp.StatusCode != http.StatusTooManyRequests {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	var decoded optimizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, backoff.Permanent(xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "解析优化服务响应失败"))
	}
	if !decoded.Success {
		return nil, backoff.Permanent(xerrors.New(xerrors.CodeUpstreamFailure, "优化服务返回失败: "+decoded.Error))
	}
	return &decoded, nil
}

func buildRequest(portfolio domain.Portfolio, constraints Constraints) optimizeRequest {
	var req optimizeRequest
	req.PortfolioData.ID = portfolio.ID
	req.PortfolioData.TotalValue = portfolio.TotalValue.String()
	for _, s := range portfolio.ActiveStrategies() {
		asset := assetData{
			ID:         s.ID,
			Asset:      s.Token,
			Protocol:   s.Protocol,
			Value:      s.Value.String(),
			Allocation: s.AllocationBps.Percent(),
		}
		if s.AvailableLiquidity.IsPositive() {
			asset.Liquidity = s.AvailableLiquidity.String()
		}
		req.PortfolioData.Assets = append(req.PortfolioData.Assets, asset)
	}
	risk := constraints.RiskTolerance
	if risk == "" {
		risk = portfolio.RiskTolerance
	}
	req.Preferences.RiskTolerance = string(risk)
	if constraints.MaxConcentrationBps > 0 {
		req.Preferences.MaxConcentration = constraints.MaxConcentrationBps.Percent()
	}
	req.Preferences.RebalancingFrequency = string(constraints.Frequency)
	return req
}

// toSuggestion 将优化结果映射到组合策略，按 protocol 与 asset 匹配。
func (c *HTTPClient) toSuggestion(portfolio domain.Portfolio, decoded *optimizeResponse) (domain.SuggestedAllocation, error) {
	active := portfolio.ActiveStrategies()
	percents := make(map[string]decimal.Decimal, len(active))
	returns := make(map[string]float64, len(active))
	sum := 0.0
	for _, item := range decoded.Optimization.Allocations {
		if item.Percentage < 0 {
			return domain.SuggestedAllocation{}, xerrors.New(xerrors.CodeUpstreamFailure,
				fmt.Sprintf("优化结果中 %s/%s 的占比为负数", item.Protocol, item.Asset))
		}
		id, ok := matchStrategy(active, item)
		if !ok {
			if item.Percentage == 0 {
				continue
			}
			return domain.SuggestedAllocation{}, xerrors.New(xerrors.CodeUpstreamFailure,
				fmt.Sprintf("优化结果中的 %s/%s 不属于组合 %s", item.Protocol, item.Asset, portfolio.ID))
		}
		percents[id] = percents[id].Add(decimal.NewFromFloat(item.Percentage))
		returns[id] = item.ExpectedReturn
		sum += item.Percentage
	}
	if len(percents) == 0 || sum < 100-percentTolerance || sum > 100+percentTolerance {
		return domain.SuggestedAllocation{}, xerrors.New(xerrors.CodeUpstreamFailure,
			fmt.Sprintf("优化结果占比合计 %.2f%% 不等于 100%%", sum))
	}

	targets := domain.AllocationFromValues(percents)
	now := c.now().UTC()
	return domain.SuggestedAllocation{
		PortfolioID:               portfolio.ID,
		Targets:                   targets,
		ExpectedAPYImprovementBps: expectedImprovement(portfolio.CurrentAllocation(), targets, returns),
		Confidence:                decoded.Optimization.Confidence,
		RiskScore:                 decoded.Optimization.RiskScore,
		Frequency:                 parseFrequency(decoded.Optimization.RebalancingFrequency),
		GeneratedAt:               now,
		ValidUntil:                now.Add(c.ttl),
	}, nil
}

func matchStrategy(strategies []domain.Strategy, item allocationItem) (string, bool) {
	for _, s := range strategies {
		if item.Protocol != "" && strings.EqualFold(s.Protocol, item.Protocol) &&
			(item.Asset == "" || strings.EqualFold(s.Token, item.Asset)) {
			return s.ID, true
		}
	}
	for _, s := range strategies {
		if strings.EqualFold(s.ID, item.Protocol) || strings.EqualFold(s.ID, item.Asset) {
			return s.ID, true
		}
	}
	return "", false
}

// expectedImprovement 按各策略预期收益率估算目标配置相对当前配置的 APY 提升。
func expectedImprovement(current, target map[string]domain.BasisPoints, returns map[string]float64) domain.BasisPoints {
	gain := 0.0
	for id, r := range returns {
		shift := float64(target[id]-current[id]) / float64(domain.FullAllocation)
		gain += shift * r
	}
	if gain <= 0 {
		return 0
	}
	return domain.BasisPointsFromPercent(gain)
}

func parseFrequency(raw string) domain.Frequency {
	f := domain.Frequency(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := f.Interval(); ok {
		return f
	}
	return ""
}
