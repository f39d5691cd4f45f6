package domain

import (
	stdErrors "errors"
	"fmt"

	xerrors "OpenYield-Rebalancer/internal/errors"
)

const (
	CodeValidation            xerrors.Code = "VALIDATION_FAILED"
	CodePortfolioNotFound     xerrors.Code = "PORTFOLIO_NOT_FOUND"
	CodeConfig                xerrors.Code = "CONFIG_INVALID"
	CodeInsufficientLiquidity xerrors.Code = "PLANNING_INSUFFICIENT_LIQUIDITY"
	CodeConstraintViolation   xerrors.Code = "PLANNING_CONSTRAINT_VIOLATION"
	CodeStaleSuggestion       xerrors.Code = "PLANNING_STALE_SUGGESTION"
	CodeTransientChain        xerrors.Code = "EXECUTION_TRANSIENT_CHAIN"
	CodeRevertedTransaction   xerrors.Code = "EXECUTION_REVERTED"
	CodeInsufficientFunds     xerrors.Code = "EXECUTION_INSUFFICIENT_FUNDS"
	CodeDeadlineExceeded      xerrors.Code = "EXECUTION_DEADLINE_EXCEEDED"
	CodeConcurrentExecution   xerrors.Code = "EXECUTION_CONCURRENT"
	CodeExecutionNotFound     xerrors.Code = "EXECUTION_NOT_FOUND"
	CodeExecutionConflict     xerrors.Code = "EXECUTION_CONFLICT"
)

var (
	// ErrExecutionNotFound 表示执行记录不存在。
	ErrExecutionNotFound = xerrors.New(CodeExecutionNotFound, "execution not found")
	// ErrPortfolioNotFound 表示组合未登记。
	ErrPortfolioNotFound = xerrors.New(CodePortfolioNotFound, "portfolio not found")
	// ErrConcurrentExecution 表示组合已有未结束的执行。
	ErrConcurrentExecution = xerrors.New(CodeConcurrentExecution, "execution already in progress")
	// ErrExecutionConflict 表示执行记录状态冲突或重复写入。
	ErrExecutionConflict = xerrors.New(CodeExecutionConflict, "execution conflict")
)

func init() {
	register := func(code xerrors.Code, message string, category xerrors.Category, severity xerrors.Severity, retryable, alert bool) {
		xerrors.Register(code, xerrors.Attributes{
			Message:   message,
			Category:  category,
			Severity:  severity,
			Retryable: retryable,
			Alert:     alert,
		})
	}
	register(CodeValidation, "validation failed", xerrors.CategoryValidation, xerrors.SeverityInfo, false, false)
	register(CodePortfolioNotFound, "portfolio not found", xerrors.CategoryValidation, xerrors.SeverityInfo, false, false)
	register(CodeConfig, "settings outside valid range", xerrors.CategoryConfig, xerrors.SeverityInfo, false, false)
	register(CodeInsufficientLiquidity, "insufficient liquidity", xerrors.CategoryPlanning, xerrors.SeverityWarning, false, false)
	register(CodeConstraintViolation, "constraint violation", xerrors.CategoryPlanning, xerrors.SeverityWarning, false, false)
	register(CodeStaleSuggestion, "stale suggestion", xerrors.CategoryPlanning, xerrors.SeverityInfo, false, false)
	register(CodeTransientChain, "transient chain error", xerrors.CategoryExecution, xerrors.SeverityWarning, true, false)
	register(CodeRevertedTransaction, "transaction reverted", xerrors.CategoryExecution, xerrors.SeverityCritical, false, true)
	register(CodeInsufficientFunds, "insufficient funds", xerrors.CategoryExecution, xerrors.SeverityCritical, false, true)
	register(CodeDeadlineExceeded, "deadline exceeded", xerrors.CategoryExecution, xerrors.SeverityWarning, false, true)
	register(CodeConcurrentExecution, "execution already in progress", xerrors.CategoryExecution, xerrors.SeverityInfo, false, false)
	register(CodeExecutionNotFound, "execution not found", xerrors.CategoryValidation, xerrors.SeverityInfo, false, false)
	register(CodeExecutionConflict, "execution conflict", xerrors.CategoryExecution, xerrors.SeverityWarning, false, false)
}

// NewValidationError 创建 ValidationError。
func NewValidationError(field, format string, args ...any) error {
	return xerrors.New(CodeValidation, fmt.Sprintf(format, args...), xerrors.WithMetadata("field", field))
}

// NewConfigError 创建 ConfigError。
func NewConfigError(field, format string, args ...any) error {
	return xerrors.New(CodeConfig, fmt.Sprintf(format, args...), xerrors.WithMetadata("field", field))
}

// NewPlanningError 创建 PlanningError，code 必须为规划类错误码。
func NewPlanningError(code xerrors.Code, strategyID, format string, args ...any) error {
	opts := []xerrors.Option{}
	if strategyID != "" {
		opts = append(opts, xerrors.WithMetadata("strategy_id", strategyID))
	}
	return xerrors.New(code, fmt.Sprintf(format, args...), opts...)
}

// NewTransientChainError 包裹可重试的链上错误。
func NewTransientChainError(cause error, format string, args ...any) error {
	return xerrors.Wrap(CodeTransientChain, cause, fmt.Sprintf(format, args...))
}

// NewExecutionConflict 创建执行冲突错误。
func NewExecutionConflict(format string, args ...any) error {
	return xerrors.New(CodeExecutionConflict, fmt.Sprintf(format, args...))
}

// IsValidationError 判断是否为 ValidationError（含未找到资源）。
func IsValidationError(err error) bool {
	return err != nil && xerrors.CategoryOf(err) == xerrors.CategoryValidation
}

// IsConfigError 判断是否为 ConfigError。
func IsConfigError(err error) bool {
	return err != nil && xerrors.CategoryOf(err) == xerrors.CategoryConfig
}

// IsPlanningError 判断是否为 PlanningError。
func IsPlanningError(err error) bool {
	return err != nil && xerrors.CategoryOf(err) == xerrors.CategoryPlanning
}

// IsExecutionError 判断是否为 ExecutionError。
func IsExecutionError(err error) bool {
	return err != nil && xerrors.CategoryOf(err) == xerrors.CategoryExecution
}

// IsTransient 判断链上错误是否可以重试。
func IsTransient(err error) bool {
	return xerrors.CodeOf(err) == CodeTransientChain || (IsExecutionError(err) && xerrors.RetryableError(err))
}

// IsNotFound 判断资源是否不存在。
func IsNotFound(err error) bool {
	return stdErrors.Is(err, ErrExecutionNotFound) || stdErrors.Is(err, ErrPortfolioNotFound)
}
