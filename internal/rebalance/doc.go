// Package rebalance 是再平衡系统的业务核心，负责串联组合快照、优化建议、
// 偏离评估、计划生成与执行协调。调度器、触发队列与 HTTP 接口都只通过
// Service 暴露的操作访问核心逻辑。
package rebalance
