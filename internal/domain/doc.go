// Package domain 定义再平衡核心的领域模型：组合、策略、建议配置、
// 再平衡计划与执行记录，以及统一的错误分类。
//
// 百分比统一使用基点 (BasisPoints) 表示，金额统一使用 decimal，
// 以避免重复计算计划时出现浮点漂移。
package domain
