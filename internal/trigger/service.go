package trigger

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"OpenYield-Rebalancer/internal/domain"
	xerrors "OpenYield-Rebalancer/internal/errors"
	"OpenYield-Rebalancer/pkg/logger"
)

// Service 负责创建并投递触发请求。
type Service struct {
	producer Producer
	known    map[string]struct{}
	now      func() time.Time
}

// NewService 构造触发服务。portfolios 为空时不校验组合是否受管。
func NewService(producer Producer, portfolios []string) *Service {
	known := make(map[string]struct{}, len(portfolios))
	for _, id := range portfolios {
		known[id] = struct{}{}
	}
	return &Service{producer: producer, known: known, now: time.Now}
}

// Submit 创建一条触发请求并推送到队列。
func (s *Service) Submit(ctx context.Context, portfolioID string, force bool, source string) (Request, error) {
	if s.producer == nil {
		return Request{}, xerrors.New(xerrors.CodeInitializationFailure, "触发服务未初始化")
	}
	req := Request{
		ID:          uuid.NewString(),
		PortfolioID: strings.TrimSpace(portfolioID),
		Force:       force,
		Source:      source,
		RequestedAt: s.now().UTC(),
	}
	if err := req.Validate(); err != nil {
		return Request{}, err
	}
	if len(s.known) > 0 {
		if _, ok := s.known[req.PortfolioID]; !ok {
			return Request{}, xerrors.Wrap(domain.CodePortfolioNotFound, domain.ErrPortfolioNotFound, "组合 "+req.PortfolioID+" 未受管")
		}
	}
	if err := s.producer.Publish(ctx, req); err != nil {
		logger.L().Error("触发请求入队失败", slog.Any("error", err), slog.String("portfolio_id", req.PortfolioID))
		return Request{}, xerrors.Wrap(CodeTriggerPublish, err, "发布触发请求失败")
	}
	logger.L().Debug("触发请求已入队",
		slog.String("request_id", req.ID),
		slog.String("portfolio_id", req.PortfolioID),
		slog.String("source", source),
		slog.Bool("force", force))
	return req, nil
}

// Close 释放生产者。
func (s *Service) Close() error {
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}
