package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"OpenYield-Rebalancer/internal/domain"
	xerrors "OpenYield-Rebalancer/internal/errors"
	"OpenYield-Rebalancer/pkg/logger"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// statusOf 将统一错误映射为 HTTP 状态码。
func statusOf(err error) int {
	switch {
	case domain.IsNotFound(err), xerrors.CodeOf(err) == xerrors.CodeNotFound:
		return http.StatusNotFound
	case domain.IsValidationError(err), domain.IsConfigError(err):
		return http.StatusBadRequest
	}
	switch xerrors.CodeOf(err) {
	case domain.CodeConcurrentExecution, domain.CodeExecutionConflict, xerrors.CodeConflict:
		return http.StatusConflict
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeUpstreamFailure:
		return http.StatusBadGateway
	}
	if domain.IsPlanningError(err) {
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	detail := errorDetail{Code: string(xerrors.CodeOf(err)), Message: err.Error()}
	if e, ok := xerrors.From(err); ok {
		detail.Metadata = e.Metadata()
	}
	if status >= http.StatusInternalServerError {
		logger.L().Error("请求处理失败", slog.String("code", detail.Code), slog.Any("error", err))
	}
	writeJSON(w, status, errorBody{Error: detail})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
