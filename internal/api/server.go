package api

import (
	"context"
	"strings"
	"time"

	"convo-api/internal/config"
	"convo-api/internal/logger"
	"convo-api/internal/manager"
	"convo-api/internal/ratelimit"

	"github.com/gin-gonic/gin"
)

// Pinger 健康检查探测的依赖（LLM 后端、存储）
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server API 服务器
type Server struct {
	cfg       *config.Config
	manager   *manager.Manager
	llm       Pinger
	store     Pinger
	limiter   *ratelimit.AskLimiter
	version   string
	startedAt time.Time
}

// ServerOption 配置 Server
type ServerOption func(*Server)

// WithStoreHealth 在 /healthz 中同时探测存储
func WithStoreHealth(p Pinger) ServerOption {
	return func(s *Server) {
		s.store = p
	}
}

// NewServer 创建新的 API 服务器
// llm 可以为 nil，此时 /healthz 不探测后端
func NewServer(cfg *config.Config, mgr *manager.Manager, llm Pinger, version string, opts ...ServerOption) *Server {
	s := &Server{
		cfg:       cfg,
		manager:   mgr,
		llm:       llm,
		limiter:   ratelimit.NewAskLimiter(time.Minute, cfg.RateLimitPerMinute, cfg.SessionRateLimitPerMinute), // 60秒滑动窗口
		version:   version,
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router 创建路由
func (s *Server) Router() *gin.Engine {
	if s.cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()        // 使用 gin.New() 替代 gin.Default()，避免重复日志
	r.Use(gin.Recovery()) // 只保留 Recovery 中间件

	// 日志中间件
	r.Use(func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		// 健康检查太频繁，不打日志
		if strings.HasPrefix(path, "/healthz") {
			return
		}

		logger.LogRequest(method, path, c.ClientIP(), c.Writer.Status(), time.Since(start))
	})

	// CORS 中间件
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "*")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(200)
			return
		}
		c.Next()
	})

	s.setupRoutes(r)

	return r
}

// Stop 释放后台资源
func (s *Server) Stop() {
	s.limiter.Stop()
}
