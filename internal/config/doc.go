// Package config 加载再平衡服务的 YAML 配置，并用环境变量覆盖敏感字段。
package config
