// Package trigger 通过消息队列传递再平衡触发请求，由有界的工作协程消费并执行评估周期。
package trigger

import (
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"OpenYield-Rebalancer/internal/domain"
	xerrors "OpenYield-Rebalancer/internal/errors"
)

// 请求来源。
const (
	SourceScheduler = "scheduler"
	SourceAPI       = "api"
)

const (
	CodeTriggerPublish    xerrors.Code = "TRIGGER_PUBLISH_FAILED"
	CodeTriggerProcessing xerrors.Code = "TRIGGER_PROCESSING_FAILED"
	CodeTriggerDecode     xerrors.Code = "TRIGGER_DECODE_FAILED"
)

func init() {
	xerrors.Register(CodeTriggerPublish, xerrors.Attributes{
		Message:   "trigger publish failed",
		Category:  xerrors.CategoryInfrastructure,
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTriggerProcessing, xerrors.Attributes{
		Message:  "trigger processing failed",
		Category: xerrors.CategoryInfrastructure,
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodeTriggerDecode, xerrors.Attributes{
		Message:  "trigger payload malformed",
		Category: xerrors.CategoryValidation,
		Severity: xerrors.SeverityWarning,
	})
}

// Request 是一次再平衡触发请求。
type Request struct {
	ID          string    `msgpack:"id" json:"id"`
	PortfolioID string    `msgpack:"portfolio_id" json:"portfolio_id"`
	Force       bool      `msgpack:"force" json:"force"`
	Source      string    `msgpack:"source" json:"source"`
	RequestedAt time.Time `msgpack:"requested_at" json:"requested_at"`
	// Attempts 为已经失败的处理次数。
	Attempts int `msgpack:"attempts" json:"attempts"`
}

// Validate 校验请求。
func (r Request) Validate() error {
	if strings.TrimSpace(r.PortfolioID) == "" {
		return domain.NewValidationError("portfolio_id", "组合 ID 不能为空")
	}
	return nil
}

// Encode 使用 msgpack 编码请求。
func Encode(r Request) ([]byte, error) {
	data, err := msgpack.Marshal(&r)
	if err != nil {
		return nil, xerrors.Wrap(CodeTriggerDecode, err, "编码触发请求失败")
	}
	return data, nil
}

// Decode 解码 msgpack 请求。
func Decode(data []byte) (Request, error) {
	var r Request
	if err := msgpack.Unmarshal(data, &r); err != nil {
		return Request{}, xerrors.Wrap(CodeTriggerDecode, err, "解析触发请求失败")
	}
	return r, nil
}
