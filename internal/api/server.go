package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"OpenYield-Rebalancer/internal/auth"
	"OpenYield-Rebalancer/internal/domain"
	"OpenYield-Rebalancer/internal/ledger"
	"OpenYield-Rebalancer/internal/rebalance"
	"OpenYield-Rebalancer/internal/trigger"
	"OpenYield-Rebalancer/pkg/logger"
)

// Config 控制 HTTP 服务。
type Config struct {
	Addr           string        `yaml:"addr"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// AllowedOrigins 为空时不启用跨域。
	AllowedOrigins []string `yaml:"allowed_origins"`
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 60 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 45 * time.Second
	}
}

// Rebalancer 是接口层依赖的业务能力，*rebalance.Service 满足该接口。
type Rebalancer interface {
	Evaluate(ctx context.Context, portfolioID string, force bool) (domain.TriggerDecision, error)
	RunCycle(ctx context.Context, portfolioID string, force bool) (*rebalance.CycleResult, error)
	GetStatus(ctx context.Context, executionID string) (*domain.RebalanceExecution, error)
	Cancel(ctx context.Context, executionID string) (bool, error)
	History(ctx context.Context, portfolioID string, opts ...ledger.QueryOption) (ledger.Page, error)
	Settings(ctx context.Context, portfolioID string) (domain.RebalanceSettings, error)
	UpdateSettings(ctx context.Context, portfolioID string, settings domain.RebalanceSettings) (domain.RebalanceSettings, error)
}

// TriggerSubmitter 投递异步触发请求，*trigger.Service 满足该接口。
type TriggerSubmitter interface {
	Submit(ctx context.Context, portfolioID string, force bool, source string) (trigger.Request, error)
}

// HTTPObserver 记录 HTTP 指标并暴露 /metrics。
type HTTPObserver interface {
	ObserveHTTPRequest(handler, method string, status int, duration time.Duration)
	Handler() http.Handler
}

// Authorizer 按权限保护路由，*auth.Service 满足该接口。
type Authorizer interface {
	Require(perms ...string) func(http.Handler) http.Handler
}

// Option 调整 Server 的可选行为。
type Option func(*Server)

// WithAuthorizer 为业务接口启用令牌认证，/healthz 与 /metrics 不受影响。
func WithAuthorizer(a Authorizer) Option {
	return func(s *Server) {
		s.authz = a
	}
}

// Server 负责暴露 REST 接口。
type Server struct {
	cfg      Config
	router   *chi.Mux
	svc      Rebalancer
	triggers TriggerSubmitter
	metrics  HTTPObserver
	authz    Authorizer
	log      *slog.Logger
}

// NewServer 构造 API 服务实例。triggers 与 metrics 可以为空。
func NewServer(cfg Config, svc Rebalancer, triggers TriggerSubmitter, metrics HTTPObserver, opts ...Option) *Server {
	cfg.applyDefaults()
	s := &Server{
		cfg:      cfg,
		router:   chi.NewRouter(),
		svc:      svc,
		triggers: triggers,
		metrics:  metrics,
		log:      logger.Named("api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// Handler 返回路由，便于测试与嵌入。
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.observe)
	s.router.Use(middleware.Timeout(s.cfg.RequestTimeout))

	if len(s.cfg.AllowedOrigins) > 0 {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler())
	}

	read := s.require(auth.PermissionRead)
	execute := s.require(auth.PermissionExecute)
	writeSettings := s.require(auth.PermissionSettings)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Route("/portfolios/{portfolioID}", func(r chi.Router) {
			r.With(read).Post("/evaluate", s.handleEvaluate)
			r.With(execute).Post("/rebalance", s.handleRebalance)
			r.With(execute).Post("/triggers", s.handleTrigger)
			r.With(read).Get("/executions", s.handleHistory)
			r.With(read).Get("/settings", s.handleGetSettings)
			r.With(writeSettings).Put("/settings", s.handleUpdateSettings)
		})
		r.With(read).Get("/executions/{executionID}", s.handleExecution)
		r.With(execute).Post("/executions/{executionID}/cancel", s.handleCancel)
	})
}

func (s *Server) require(perm string) func(http.Handler) http.Handler {
	if s.authz == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return s.authz.Require(perm)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           withContext(ctx, s.router),
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("HTTP 服务已启动", slog.String("addr", s.cfg.Addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// observe 记录请求日志与指标，handler 标签使用路由模板以控制基数。
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		pattern := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			pattern = rc.RoutePattern()
		}
		duration := time.Since(start)
		if s.metrics != nil {
			s.metrics.ObserveHTTPRequest(pattern, r.Method, status, duration)
		}
		s.log.Debug("HTTP 请求",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("route", pattern),
			slog.Int("status", status),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("duration", duration),
			slog.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
