package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"OpenYield-Rebalancer/internal/domain"
	"OpenYield-Rebalancer/internal/ledger"
	"OpenYield-Rebalancer/internal/trigger"
)

type rebalanceRequest struct {
	Force bool `json:"force"`
}

type triggerResponse struct {
	RequestID   string `json:"request_id"`
	PortfolioID string `json:"portfolio_id"`
	Force       bool   `json:"force"`
}

type cancelResponse struct {
	ExecutionID string `json:"execution_id"`
	Cancelled   bool   `json:"cancelled"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	force, err := parseBool(r.URL.Query().Get("force"))
	if err != nil {
		writeError(w, domain.NewValidationError("force", "参数 force 非法: %v", err))
		return
	}
	decision, err := s.svc.Evaluate(r.Context(), chi.URLParam(r, "portfolioID"), force)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleRebalance(w http.ResponseWriter, r *http.Request) {
	var req rebalanceRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	result, err := s.svc.RunCycle(r.Context(), chi.URLParam(r, "portfolioID"), req.Force)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if result.ExecutionID != "" {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if s.triggers == nil {
		http.Error(w, "触发队列未启用", http.StatusServiceUnavailable)
		return
	}
	var body rebalanceRequest
	if !decodeOptionalBody(w, r, &body) {
		return
	}
	req, err := s.triggers.Submit(r.Context(), chi.URLParam(r, "portfolioID"), body.Force, trigger.SourceAPI)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, triggerResponse{RequestID: req.ID, PortfolioID: req.PortfolioID, Force: req.Force})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	opts, err := historyOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	page, err := s.svc.History(r.Context(), chi.URLParam(r, "portfolioID"), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func historyOptions(r *http.Request) ([]ledger.QueryOption, error) {
	query := r.URL.Query()
	var opts []ledger.QueryOption
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return nil, domain.NewValidationError("limit", "limit 必须为正整数")
		}
		opts = append(opts, ledger.WithLimit(limit))
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return nil, domain.NewValidationError("offset", "offset 必须为非负整数")
		}
		opts = append(opts, ledger.WithOffset(offset))
	}
	var statuses []domain.Status
	for _, raw := range query["status"] {
		for _, part := range strings.Split(raw, ",") {
			status := domain.Status(strings.TrimSpace(part))
			if status == "" {
				continue
			}
			if !status.IsTerminal() {
				return nil, domain.NewValidationError("status", "不支持按状态 %q 查询历史", status)
			}
			statuses = append(statuses, status)
		}
	}
	if len(statuses) > 0 {
		opts = append(opts, ledger.WithStatuses(statuses...))
	}
	switch query.Get("sort") {
	case "", "desc":
	case "asc":
		opts = append(opts, ledger.WithSortOrder(ledger.SortByCompletedAsc))
	default:
		return nil, domain.NewValidationError("sort", "sort 仅支持 asc 或 desc")
	}
	return opts, nil
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	current, err := s.svc.Settings(r.Context(), chi.URLParam(r, "portfolioID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, current)
}

// handleUpdateSettings 在当前设置上合并请求体，未出现的字段保持不变。
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	portfolioID := chi.URLParam(r, "portfolioID")
	next, err := s.svc.Settings(r.Context(), portfolioID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
		writeError(w, domain.NewValidationError("body", "请求体解析失败: %v", err))
		return
	}
	saved, err := s.svc.UpdateSettings(r.Context(), portfolioID, next)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleExecution(w http.ResponseWriter, r *http.Request) {
	execution, err := s.svc.GetStatus(r.Context(), chi.URLParam(r, "executionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, execution)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionID")
	cancelled, err := s.svc.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{ExecutionID: id, Cancelled: cancelled})
}

func parseBool(raw string) (bool, error) {
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}

// decodeOptionalBody 允许空请求体。
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, domain.NewValidationError("body", "请求体解析失败: %v", err))
		return false
	}
	return true
}
