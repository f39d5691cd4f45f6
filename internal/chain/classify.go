package chain

import (
	"context"
	stdErrors "errors"
	"net"
	"strings"

	"github.com/sony/gobreaker"

	"OpenYield-Rebalancer/internal/domain"
	xerrors "OpenYield-Rebalancer/internal/errors"
)

var (
	revertMarkers  = []string{"execution reverted", "transaction reverted", "vm exception", "revert"}
	fundsMarkers   = []string{"insufficient funds", "insufficient balance"}
	nonceMarkers   = []string{"nonce too low", "nonce too high", "replacement transaction underpriced", "transaction underpriced"}
	networkMarkers = []string{"timeout", "timed out", "connection refused", "connection reset", "broken pipe", "eof", "no such host", "too many requests", "429", "502", "503", "504", "header not found"}
	alreadyMarkers = []string{"already known", "known transaction"}
)

// Classify 将链上或 RPC 错误映射为统一错误码。
//
// 超时、nonce 冲突与网络错误归为 TransientChainError；回滚与余额不足为致命错误；
// 其它未知错误归为上游失败，不做重试。已分类的错误原样返回。
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if code := xerrors.CodeOf(err); code != xerrors.CodeUnknown {
		return err
	}
	if stdErrors.Is(err, gobreaker.ErrOpenState) || stdErrors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.NewTransientChainError(err, "链上调用熔断中")
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return domain.NewTransientChainError(err, "RPC 调用超时")
	}
	var netErr net.Error
	if stdErrors.As(err, &netErr) {
		return domain.NewTransientChainError(err, "RPC 网络错误")
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, fundsMarkers):
		return xerrors.Wrap(domain.CodeInsufficientFunds, err, "账户余额不足")
	case containsAny(msg, revertMarkers):
		return xerrors.Wrap(domain.CodeRevertedTransaction, err, "交易被回滚")
	case containsAny(msg, nonceMarkers):
		return domain.NewTransientChainError(err, "nonce 冲突")
	case containsAny(msg, networkMarkers):
		return domain.NewTransientChainError(err, "RPC 网络错误")
	default:
		return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "链上调用失败", xerrors.WithRetryable(false))
	}
}

// IsAlreadyKnown 判断节点是否已接收过同一笔交易。
func IsAlreadyKnown(err error) bool {
	return err != nil && containsAny(strings.ToLower(err.Error()), alreadyMarkers)
}

func containsAny(msg string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
