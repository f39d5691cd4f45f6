// Package mysql 提供基于 MySQL 的执行状态、历史账本与组合配置存储。
// 表结构由 deploy/migrations 中的 SQL 文件维护，启动时自动迁移。
package mysql
