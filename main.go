package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"proxy-rotator/config"
	"proxy-rotator/internal/breaker"
	"proxy-rotator/internal/events"
	"proxy-rotator/internal/executor"
	"proxy-rotator/internal/metrics"
	"proxy-rotator/internal/pool"
	"proxy-rotator/internal/transport"
	"proxy-rotator/internal/web"
)

var (
	configPath  = flag.String("config", "config/example.yaml", "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version information")
	enableWeb   = flag.Bool("web", false, "Enable Web interface")
	webPort     = flag.Int("web-port", 8088, "Web interface port (default: 8088)")

	// Build-time variables (set via ldflags)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"

	startTime = time.Now()
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("Proxy Rotator\n")
		fmt.Printf("Version: %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		os.Exit(0)
	}

	// Setup initial logger (will be updated when config is loaded)
	logger := setupLogger(config.LoggingConfig{Level: "info", Format: "text"})
	slog.SetDefault(logger)

	// Create configuration watcher
	configWatcher, err := config.NewConfigWatcher(*configPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create configuration watcher: %v\n", err)
		os.Exit(1)
	}
	defer configWatcher.Close()

	cfg := configWatcher.GetConfig()

	// Apply Web configuration from command line
	if *enableWeb {
		cfg.Web.Enabled = true
	}
	if *webPort != 8088 { // 只有当用户显式指定了端口时才覆盖
		cfg.Web.Port = *webPort
	}

	// Update logger with config settings
	logger = setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("🚀 Proxy Rotator 启动中...",
		"version", version,
		"commit", commit,
		"build_date", date,
		"config_file", *configPath,
		"proxies_count", len(cfg.Proxies),
		"max_attempts", cfg.Retry.MaxAttempts)

	// Initialize EventBus (subscribers must be registered before Start)
	eventBus := events.NewEventBus(logger)

	// Initialize breaker snapshot store
	store, err := breaker.NewStore(cfg.Breaker.Persistence)
	if err != nil {
		logger.Error(fmt.Sprintf("❌ 熔断器存储初始化失败: %v", err))
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error(fmt.Sprintf("❌ 熔断器存储关闭失败: %v", err))
		}
	}()

	registry := breaker.NewRegistry(&cfg.Breaker, store)

	// Initialize metrics collector
	collector := metrics.NewCollector(&cfg.Metrics)
	collector.Start()
	defer collector.Stop()

	// 熔断器迁移经总线落入指标，写路径与注册表解耦
	eventBus.Subscribe(func(ev events.Event) {
		if ev.Type != events.EventBreakerStateChanged {
			return
		}
		if transition, ok := ev.Data["event"].(breaker.Event); ok {
			collector.RecordBreakerEvent(transition)
		}
	})

	// 关键事件审计日志
	eventBus.Subscribe(func(ev events.Event) {
		if ev.Priority < events.PriorityHigh {
			return
		}
		slog.Info(fmt.Sprintf("📣 [事件] %s - 来源: %s, 数据: %v", ev.Type, ev.Source, ev.Data))
	})

	if err := eventBus.Start(); err != nil {
		logger.Error(fmt.Sprintf("❌ EventBus启动失败: %v", err))
		os.Exit(1)
	}
	defer func() {
		if err := eventBus.Stop(); err != nil {
			logger.Error(fmt.Sprintf("❌ EventBus关闭失败: %v", err))
		}
	}()

	// Breaker transitions go onto the bus; the metrics subscriber records them
	registry.OnTransition(func(ev breaker.Event) {
		eventBus.Publish(events.Event{
			Type:     events.EventBreakerStateChanged,
			Source:   "breaker_registry",
			Priority: events.PriorityHigh,
			Data: map[string]interface{}{
				"event":    ev,
				"proxy_id": ev.ProxyID,
				"from":     ev.From.String(),
				"to":       ev.To.String(),
				"failures": ev.FailureCount,
			},
		})
	})

	// Create transport and proxy pool manager
	httpTransport := transport.NewHTTPTransport()
	poolManager := pool.NewManager(cfg, httpTransport)
	poolManager.SetEventBus(eventBus)
	poolManager.Start()
	defer poolManager.Stop()

	// Create retry executor
	exec := executor.NewExecutor(cfg, httpTransport, poolManager, registry, collector)
	exec.SetEventBus(eventBus)

	// Start Web server if enabled
	var webServer *web.WebServer
	if cfg.Web.Enabled {
		webServer = web.NewWebServer(cfg, poolManager, registry, collector, logger, startTime)
		if err := webServer.Start(); err != nil {
			logger.Error(fmt.Sprintf("❌ Web服务器启动失败: %v", err))
		}
	}

	// Setup configuration reload callback to update components
	configWatcher.AddReloadCallback(func(newCfg *config.Config) {
		newLogger := setupLogger(newCfg.Logging)
		slog.SetDefault(newLogger)
		configWatcher.UpdateLogger(newLogger)

		poolManager.UpdateConfig(newCfg)
		exec.UpdateConfig(newCfg)
		if webServer != nil {
			webServer.UpdateConfig(newCfg)
		}

		eventBus.Publish(events.Event{
			Type:     events.EventConfigChanged,
			Source:   "config_watcher",
			Priority: events.PriorityHigh,
			Data:     map[string]interface{}{"config_file": *configPath},
		})

		newLogger.Info("🔄 所有组件已更新为新配置")
	})
	logger.Info("🔄 配置文件自动重载已启用")

	logger.Info("✅ Proxy Rotator 启动成功！")

	// Wait for interrupt signal
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	sig := <-interrupt
	logger.Info(fmt.Sprintf("📡 收到终止信号，开始优雅关闭... - 信号: %v", sig))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if webServer != nil {
		webServer.Stop(ctx)
	}

	logger.Info("✅ 服务已安全关闭")
}

// setupLogger configures the structured logger
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
