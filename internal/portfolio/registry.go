// Package portfolio 维护配置中的组合定义，并从链上读取组合的实时快照。
package portfolio

import (
	"fmt"
	"sort"
	"strings"

	"OpenYield-Rebalancer/internal/domain"
)

// StrategyDefinition 描述组合中的一个策略头寸。
type StrategyDefinition struct {
	ID       string `yaml:"id"`
	Protocol string `yaml:"protocol"`
	Token    string `yaml:"token"`
	// Disabled 的策略不参与偏离度计算与再平衡。
	Disabled bool `yaml:"disabled"`
}

// Definition 是一个受管组合。
type Definition struct {
	ID            string               `yaml:"id"`
	RiskTolerance domain.RiskTolerance `yaml:"risk_tolerance"`
	Strategies    []StrategyDefinition `yaml:"strategies"`
}

// Registry 保存全部受管组合，构建后只读。
type Registry struct {
	defs map[string]Definition
	ids  []string
}

// NewRegistry 校验并创建组合注册表。
func NewRegistry(defs []Definition) (*Registry, error) {
	r := &Registry{defs: make(map[string]Definition, len(defs))}
	for _, def := range defs {
		def.ID = strings.TrimSpace(def.ID)
		if def.ID == "" {
			return nil, fmt.Errorf("组合 ID 不能为空")
		}
		if _, ok := r.defs[def.ID]; ok {
			return nil, fmt.Errorf("组合 %s 重复定义", def.ID)
		}
		switch def.RiskTolerance {
		case "":
			def.RiskTolerance = domain.RiskModerate
		case domain.RiskConservative, domain.RiskModerate, domain.RiskAggressive:
		default:
			return nil, fmt.Errorf("组合 %s 的风险偏好 %q 非法", def.ID, def.RiskTolerance)
		}
		if len(def.Strategies) == 0 {
			return nil, fmt.Errorf("组合 %s 未配置任何策略", def.ID)
		}
		seen := make(map[string]struct{}, len(def.Strategies))
		for _, s := range def.Strategies {
			if strings.TrimSpace(s.ID) == "" {
				return nil, fmt.Errorf("组合 %s 存在缺少 ID 的策略", def.ID)
			}
			if _, ok := seen[s.ID]; ok {
				return nil, fmt.Errorf("组合 %s 的策略 %s 重复", def.ID, s.ID)
			}
			seen[s.ID] = struct{}{}
		}
		r.defs[def.ID] = def
		r.ids = append(r.ids, def.ID)
	}
	sort.Strings(r.ids)
	return r, nil
}

// IDs 返回排序后的组合 ID。
func (r *Registry) IDs() []string {
	return append([]string(nil), r.ids...)
}

// Lookup 返回组合定义，不存在时返回 PortfolioNotFound。
func (r *Registry) Lookup(id string) (Definition, error) {
	def, ok := r.defs[id]
	if !ok {
		return Definition{}, fmt.Errorf("组合 %s: %w", id, domain.ErrPortfolioNotFound)
	}
	return def, nil
}
