package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"OpenYield-Rebalancer/pkg/logger"
)

type credential struct {
	digest  [sha256.Size]byte
	subject Subject
}

// Service 校验静态访问令牌。
type Service struct {
	enabled     bool
	credentials []credential
	audit       *slog.Logger
}

// NewService 根据配置构造认证服务。
func NewService(cfg Config) (*Service, error) {
	svc := &Service{enabled: cfg.Enabled, audit: logger.Audit()}
	if !cfg.Enabled {
		return svc, nil
	}

	names := make(map[string]struct{}, len(cfg.Tokens))
	for _, tc := range cfg.Tokens {
		name := strings.TrimSpace(tc.Name)
		if name == "" {
			return nil, errors.New("令牌名称不能为空")
		}
		if _, dup := names[name]; dup {
			return nil, fmt.Errorf("令牌名称重复: %s", name)
		}
		names[name] = struct{}{}
		if tc.Disabled {
			continue
		}
		if len(strings.TrimSpace(tc.Token)) < 16 {
			return nil, fmt.Errorf("令牌 %s 长度不足 16 个字符", name)
		}
		if len(tc.Permissions) == 0 {
			return nil, fmt.Errorf("令牌 %s 未配置权限", name)
		}
		svc.credentials = append(svc.credentials, credential{
			digest: sha256.Sum256([]byte(strings.TrimSpace(tc.Token))),
			subject: Subject{
				Name:        name,
				Permissions: append([]string(nil), tc.Permissions...),
			},
		})
	}
	if len(svc.credentials) == 0 {
		return nil, errors.New("启用认证时至少需要一个可用令牌")
	}
	return svc, nil
}

// Enabled 报告是否启用认证。
func (s *Service) Enabled() bool {
	return s != nil && s.enabled
}

// AuthenticateRequest 解析 Authorization 头并返回调用方。
func (s *Service) AuthenticateRequest(authorization string) (*Subject, error) {
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return nil, ErrMissingToken
	}

	digest := sha256.Sum256([]byte(token))
	var matched *credential
	// 遍历全部凭据，耗时与命中位置无关。
	for i := range s.credentials {
		if subtle.ConstantTimeCompare(digest[:], s.credentials[i].digest[:]) == 1 {
			matched = &s.credentials[i]
		}
	}
	if matched == nil {
		return nil, ErrInvalidToken
	}
	subject := &Subject{
		Name:        matched.subject.Name,
		Permissions: append([]string(nil), matched.subject.Permissions...),
	}
	subject.normalise()
	return subject, nil
}
