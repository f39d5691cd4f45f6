// Package api 暴露再平衡系统的 REST 接口：偏离评估、手动触发、执行查询与取消、
// 历史记录与设置管理，以及健康检查和 Prometheus 指标。
package api
