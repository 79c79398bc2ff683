package http

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/gearbot/msglog/internal/domain/messagelog"
	"github.com/gearbot/msglog/internal/interfaces/http/handlers"
)

// Server HTTP服务器
type Server struct {
	server   *http.Server
	router   *gin.Engine
	listener net.Listener
	logger   *zap.Logger
}

// Config HTTP服务器配置
type Config struct {
	Host string
	Port int
	Mode string // debug, release, test
}

// Observer records per-route request metrics.
type Observer interface {
	ObserveHTTP(method, route string, status int, latency time.Duration)
}

// Deps 路由依赖. Metrics, Observer and WebSocket are optional.
type Deps struct {
	Ingestor  handlers.Ingestor
	Query     *messagelog.Query
	Buffer    *messagelog.Buffer
	Flusher   *messagelog.Flusher
	Metrics   http.Handler
	Observer  Observer
	WebSocket http.HandlerFunc
}

// NewServer 创建HTTP服务器
func NewServer(cfg Config, deps Deps, logger *zap.Logger) *Server {
	// 设置Gin模式
	switch cfg.Mode {
	case gin.DebugMode, gin.TestMode:
		gin.SetMode(cfg.Mode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	logger = logger.With(zap.String("component", "http"))

	// 创建路由
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))
	if deps.Observer != nil {
		router.Use(ginMetrics(deps.Observer))
	}

	setupRoutes(router, deps, logger)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{
		server: server,
		router: router,
		logger: logger,
	}
}

// Handler 返回路由, 供测试直接调用
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start 启动服务器
//
// The listener is bound before Start returns, so an address already in use
// is reported to the caller instead of only being logged.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.server.Addr, err)
	}
	s.listener = ln
	s.logger.Info("Starting HTTP server", zap.String("address", ln.Addr().String()))

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Addr 返回实际监听地址, Start 之前为空
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop 停止服务器
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

// setupRoutes 设置路由
func setupRoutes(router *gin.Engine, deps Deps, logger *zap.Logger) {
	messageHandler := handlers.NewMessageHandler(deps.Ingestor, deps.Query, logger)
	bufferHandler := handlers.NewBufferHandler(deps.Buffer, deps.Flusher, logger)

	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"time":    time.Now().Unix(),
			"pending": deps.Buffer.Len(),
		})
	})

	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}
	if deps.WebSocket != nil {
		router.GET("/ws/ingest", gin.WrapF(deps.WebSocket))
	}

	// API版本1
	v1 := router.Group("/api/v1")
	{
		v1.POST("/events", messageHandler.IngestEvent)
		v1.GET("/messages/:id", messageHandler.GetMessage)
		v1.GET("/channels/:channel_id/messages", messageHandler.ListChannelMessages)
		v1.GET("/channels/:channel_id/messages/archive", messageHandler.ArchiveChannelMessages)
		v1.GET("/guilds/:guild_id/messages/:id", messageHandler.GetGuildMessage)
		v1.GET("/guilds/:guild_id/users/:user_id/messages", messageHandler.ListUserMessages)
		v1.GET("/guilds/:guild_id/users/:user_id/messages/archive", messageHandler.ArchiveUserMessages)

		v1.POST("/flush", bufferHandler.Flush)
		v1.GET("/buffer", bufferHandler.Stats)
	}
}

// ginLogger Gin日志中间件
func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", statusCode),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		}
		// 探活与抓取请求只记 debug
		if path == "/health" || path == "/metrics" {
			logger.Debug("HTTP request", fields...)
			return
		}
		logger.Info("HTTP request", fields...)
	}
}

// ginMetrics 按路由模板记录请求指标
func ginMetrics(observer Observer) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		observer.ObserveHTTP(c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start))
	}
}
