// Package web 提供管理面API：重试指标、熔断器状态和代理池查询
package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"proxy-rotator/config"
	"proxy-rotator/internal/breaker"
	"proxy-rotator/internal/metrics"
	"proxy-rotator/internal/pool"

	"github.com/gin-gonic/gin"
)

// WebServer represents the admin API server
type WebServer struct {
	server    *http.Server
	engine    *gin.Engine
	logger    *slog.Logger
	config    *config.Config
	pool      *pool.Manager
	breakers  *breaker.Registry
	metrics   *metrics.Collector
	startTime time.Time
}

// NewWebServer creates a new admin API server
func NewWebServer(cfg *config.Config, poolMgr *pool.Manager, registry *breaker.Registry,
	collector *metrics.Collector, logger *slog.Logger, startTime time.Time) *WebServer {
	// 设置gin为release模式以减少日志输出
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()

	// 添加自定义中间件来处理日志
	engine.Use(ginLoggerMiddleware(logger))
	engine.Use(gin.Recovery())

	ws := &WebServer{
		engine:    engine,
		logger:    logger,
		config:    cfg,
		pool:      poolMgr,
		breakers:  registry,
		metrics:   collector,
		startTime: startTime,
	}

	ws.setupRoutes()

	return ws
}

// Start启动Web服务器
func (ws *WebServer) Start() error {
	addr := fmt.Sprintf("%s:%d", ws.config.Web.Host, ws.config.Web.Port)

	ws.server = &http.Server{
		Addr:         addr,
		Handler:      ws.engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  300 * time.Second,
	}

	ws.logger.Info(fmt.Sprintf("🌐 管理API启动中... - 地址: %s", addr))

	go func() {
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ws.logger.Error(fmt.Sprintf("❌ Web服务器启动失败: %v", err))
		}
	}()

	return nil
}

// Stop优雅关闭Web服务器
func (ws *WebServer) Stop(ctx context.Context) error {
	if ws.server == nil {
		return nil
	}

	ws.logger.Info("🛑 正在关闭Web服务器...")

	err := ws.server.Shutdown(ctx)
	if err != nil {
		ws.logger.Error(fmt.Sprintf("❌ Web服务器关闭失败: %v", err))
	} else {
		ws.logger.Info("✅ Web服务器已安全关闭")
	}

	return err
}

// UpdateConfig更新配置
func (ws *WebServer) UpdateConfig(newConfig *config.Config) {
	ws.config = newConfig
	ws.logger.Info("🔄 Web服务器配置已更新")
}

// setupRoutes设置路由
func (ws *WebServer) setupRoutes() {
	ws.engine.GET("/health", ws.handleHealth)

	api := ws.engine.Group("/api")
	{
		api.GET("/retry/summary", ws.handleRetrySummary)
		api.GET("/retry/timeseries", ws.handleRetryTimeseries)
		api.GET("/retry/by-proxy", ws.handleRetryByProxy)
		api.GET("/retry/events", ws.handleRetryEvents)

		api.GET("/breakers", ws.handleBreakers)
		api.GET("/breakers/:proxy", ws.handleBreakerDetail)
		api.POST("/breakers/:proxy/reset", ws.handleBreakerReset)

		api.GET("/proxies", ws.handleProxies)
	}
}

// ginLoggerMiddleware创建gin的日志中间件
func ginLoggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)

		if c.Request.Method != "GET" || !strings.Contains(path, "/static") {
			clientIP := c.ClientIP()
			method := c.Request.Method
			statusCode := c.Writer.Status()

			if raw != "" {
				path = path + "?" + raw
			}

			// 根据状态码确定日志级别
			if statusCode >= 400 {
				logger.Warn(fmt.Sprintf("🌐 Web请求 %s %s %d %v %s",
					method, path, statusCode, latency, clientIP))
			} else {
				logger.Debug(fmt.Sprintf("🌐 Web请求 %s %s %d %v %s",
					method, path, statusCode, latency, clientIP))
			}
		}
	}
}
